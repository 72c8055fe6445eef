package schedule

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"netboot-jobqueue/internal/jobs"
	"netboot-jobqueue/internal/models"
	"netboot-jobqueue/internal/store"
)

func TestAddRejectsInvalidExpr(t *testing.T) {
	svc := jobs.NewService(store.NewMemory(), nil, nil, 3)
	s := New(svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Add("not a cron expr", jobs.Spec{Type: "x", Category: "y"}); err == nil {
		t.Error("invalid cron expression accepted")
	}
}

func TestScheduledEnqueueUsesScheduleSource(t *testing.T) {
	st := store.NewMemory()
	svc := jobs.NewService(st, nil, nil, 3)
	s := New(svc, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := s.Add("@every 10ms", jobs.Spec{
		Type:     "maintenance.retention_sweep",
		Category: "maintenance",
		Source:   "api", // must be overridden
		Payload:  map[string]any{"days": 7},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	var got []models.Job
	for time.Now().Before(deadline) {
		got, _ = st.ListJobs(context.Background(), store.ListFilter{})
		if len(got) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(got) == 0 {
		t.Fatal("cron entry never enqueued")
	}
	if got[0].Source != models.SourceSchedule {
		t.Errorf("source = %q, want schedule", got[0].Source)
	}
	if got[0].Payload["days"] != float64(7) && got[0].Payload["days"] != 7 {
		t.Errorf("payload = %v", got[0].Payload)
	}
}
