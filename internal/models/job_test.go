package models

import "testing"

func TestTerminal(t *testing.T) {
	for status, want := range map[string]bool{
		StatusPending:   false,
		StatusQueued:    false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusFailed:    true,
	} {
		if got := (Job{Status: status}).Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestKeyLimit(t *testing.T) {
	if got := (Job{}).KeyLimit(); got != DefaultConcurrencyLimit {
		t.Errorf("default key limit = %d, want %d", got, DefaultConcurrencyLimit)
	}
	limit := 4
	if got := (Job{ConcurrencyLimit: &limit}).KeyLimit(); got != 4 {
		t.Errorf("key limit = %d, want 4", got)
	}
	zero := 0
	if got := (Job{ConcurrencyLimit: &zero}).KeyLimit(); got != DefaultConcurrencyLimit {
		t.Errorf("zero limit should fall back to default, got %d", got)
	}
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{LevelInfo, LevelWarn, LevelError} {
		if !ValidLevel(lvl) {
			t.Errorf("ValidLevel(%s) = false", lvl)
		}
	}
	for _, lvl := range []string{"debug", "", "INFO"} {
		if ValidLevel(lvl) {
			t.Errorf("ValidLevel(%q) = true", lvl)
		}
	}
}
