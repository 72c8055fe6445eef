package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"netboot-jobqueue/internal/models"
	"netboot-jobqueue/internal/store"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestEnqueueValidation(t *testing.T) {
	svc := NewService(store.NewMemory(), nil, nil, 3)
	ctx := context.Background()

	cases := []struct {
		name  string
		spec  Spec
		field string
	}{
		{"missing type", Spec{Category: "images", Payload: map[string]any{}}, "type"},
		{"missing category", Spec{Type: "images.fetch", Payload: map[string]any{}}, "category"},
		{"nil payload", Spec{Type: "images.fetch", Category: "images"}, "payload"},
		{"zero concurrency limit", Spec{Type: "images.fetch", Category: "images", Payload: map[string]any{}, ConcurrencyLimit: intPtr(0)}, "concurrency_limit"},
		{"negative delay", Spec{Type: "images.fetch", Category: "images", Payload: map[string]any{}, DelaySeconds: -1}, "delay_seconds"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := svc.Enqueue(ctx, c.spec)
			if !IsValidation(err) {
				t.Fatalf("err = %v, want validation error", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != c.field {
				t.Errorf("field = %v, want %s", verr, c.field)
			}
		})
	}

	// Empty payload object is valid.
	if _, err := svc.Enqueue(ctx, Spec{Type: "images.fetch", Category: "images", Payload: map[string]any{}}); err != nil {
		t.Errorf("empty payload rejected: %v", err)
	}
}

func TestEnqueueDefaults(t *testing.T) {
	st := store.NewMemory()
	svc := NewService(st, nil, nil, 4)

	job, err := svc.Enqueue(context.Background(), Spec{
		Type: "images.fetch", Category: "images", Payload: map[string]any{"source_url": "http://x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.StatusQueued {
		t.Errorf("status = %q, want queued", job.Status)
	}
	if job.MaxAttempts != 4 {
		t.Errorf("max_attempts = %d, want service default 4", job.MaxAttempts)
	}
	if job.Source != models.SourceSystem {
		t.Errorf("source = %q, want system", job.Source)
	}
}

func TestEnqueueDelayed(t *testing.T) {
	svc := NewService(store.NewMemory(), nil, nil, 3)

	before := time.Now().UTC()
	job, err := svc.Enqueue(context.Background(), Spec{
		Type: "images.fetch", Category: "images", Payload: map[string]any{}, DelaySeconds: 60,
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.StatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if job.NextRunAt.Before(before.Add(59 * time.Second)) {
		t.Errorf("next_run_at = %v, want ~60s out", job.NextRunAt)
	}
}

type recordingWaker struct{ woken int }

func (w *recordingWaker) Wake(context.Context) error {
	w.woken++
	return nil
}

func TestEnqueueWakes(t *testing.T) {
	waker := &recordingWaker{}
	svc := NewService(store.NewMemory(), nil, waker, 3)
	if _, err := svc.Enqueue(context.Background(), Spec{
		Type: "images.fetch", Category: "images", Payload: map[string]any{},
	}); err != nil {
		t.Fatal(err)
	}
	if waker.woken != 1 {
		t.Errorf("waker called %d times, want 1", waker.woken)
	}
}

func TestNormalizeSource(t *testing.T) {
	cases := []struct {
		override  string
		createdBy *string
		want      string
	}{
		{"", nil, models.SourceSystem},
		{"", strPtr(""), models.SourceSystem},
		{"", strPtr("admin"), models.SourceAPI},
		{"schedule", nil, "schedule"},
		{"custom", strPtr("admin"), "custom"},
	}
	for _, c := range cases {
		if got := NormalizeSource(c.override, c.createdBy); got != c.want {
			t.Errorf("NormalizeSource(%q, %v) = %q, want %q", c.override, c.createdBy, got, c.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	h := func(context.Context, models.Job, *Logger) (map[string]any, error) { return nil, nil }

	r.Register("images.fetch", h)
	r.Register("", h)  // ignored
	r.Register("x", nil) // ignored
	r.Register("maintenance.retention_sweep", h)

	if _, ok := r.Resolve("images.fetch"); !ok {
		t.Error("registered handler not resolved")
	}
	if _, ok := r.Resolve("missing"); ok {
		t.Error("resolved unregistered type")
	}
	types := r.Types()
	want := []string{"images.fetch", "maintenance.retention_sweep"}
	if len(types) != len(want) || types[0] != want[0] || types[1] != want[1] {
		t.Errorf("Types() = %v, want %v", types, want)
	}
}
