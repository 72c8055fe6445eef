package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"netboot-jobqueue/internal/config"
	"netboot-jobqueue/internal/events"
	"netboot-jobqueue/internal/jobs"
	"netboot-jobqueue/internal/models"
	"netboot-jobqueue/internal/store"
)

type testEnv struct {
	st     *store.Memory
	broker *events.Broker
	srv    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	broker := events.NewBroker(slog.New(slog.NewTextHandler(io.Discard, nil)), 64)
	svc := jobs.NewService(st, broker, nil, 3)
	s := New(config.Config{}, st, svc, broker, nil)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		srv.Close()
		broker.Close()
	})
	return &testEnv{st: st, broker: broker, srv: srv}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestEnqueueAccepted(t *testing.T) {
	e := newTestEnv(t)

	resp := e.post(t, "/api/jobs", map[string]any{
		"type":     "images.fetch",
		"category": "images",
		"payload":  map[string]any{"source_url": "http://example.com/boot.iso"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	got := decode[enqueueResponse](t, resp)
	if got.JobID == "" {
		t.Error("empty job_id")
	}
	if got.Job.Status != models.StatusQueued {
		t.Errorf("job status = %q, want queued", got.Job.Status)
	}

	stored, err := e.st.GetJob(context.Background(), got.JobID)
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if stored.Type != "images.fetch" {
		t.Errorf("persisted type = %q", stored.Type)
	}
}

func TestEnqueueActorHeader(t *testing.T) {
	e := newTestEnv(t)

	body, _ := json.Marshal(map[string]any{
		"type": "images.fetch", "category": "images", "payload": map[string]any{},
	})
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/api/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "operator@lab")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	got := decode[enqueueResponse](t, resp)
	if got.Job.CreatedBy == nil || *got.Job.CreatedBy != "operator@lab" {
		t.Errorf("created_by = %v", got.Job.CreatedBy)
	}
	if got.Job.Source != models.SourceAPI {
		t.Errorf("source = %q, want api", got.Job.Source)
	}
}

func TestEnqueueValidationErrors(t *testing.T) {
	e := newTestEnv(t)

	cases := []map[string]any{
		{"category": "images", "payload": map[string]any{}},                          // no type
		{"type": "images.fetch", "payload": map[string]any{}},                        // no category
		{"type": "images.fetch", "category": "images"},                               // no payload
		{"type": "x", "category": "y", "payload": map[string]any{}, "delay_seconds": -5},
	}
	for i, body := range cases {
		resp := e.post(t, "/api/jobs", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want 400", i, resp.StatusCode)
		}
	}

	resp, err := http.Post(e.srv.URL+"/api/jobs", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", resp.StatusCode)
	}
}

func TestGetJobNotFound(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.srv.URL + "/api/jobs/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListJobsFiltered(t *testing.T) {
	e := newTestEnv(t)
	e.post(t, "/api/jobs", map[string]any{"type": "images.fetch", "category": "images", "payload": map[string]any{}}).Body.Close()
	e.post(t, "/api/jobs", map[string]any{"type": "maintenance.retention_sweep", "category": "maintenance", "payload": map[string]any{}}).Body.Close()

	resp, err := http.Get(e.srv.URL + "/api/jobs?category=maintenance")
	if err != nil {
		t.Fatal(err)
	}
	got := decode[map[string][]models.Job](t, resp)
	if len(got["jobs"]) != 1 || got["jobs"][0].Category != "maintenance" {
		t.Errorf("filtered list = %+v", got["jobs"])
	}

	resp, err = http.Get(e.srv.URL + "/api/jobs?status=running")
	if err != nil {
		t.Fatal(err)
	}
	got = decode[map[string][]models.Job](t, resp)
	if len(got["jobs"]) != 0 {
		t.Errorf("running filter returned %d jobs", len(got["jobs"]))
	}
}

func TestListLogs(t *testing.T) {
	e := newTestEnv(t)
	created := decode[enqueueResponse](t, e.post(t, "/api/jobs", map[string]any{
		"type": "images.fetch", "category": "images", "payload": map[string]any{},
	}))
	if _, err := e.st.AppendLog(context.Background(), created.JobID, models.LevelInfo, "line one"); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(e.srv.URL + "/api/jobs/" + created.JobID + "/logs")
	if err != nil {
		t.Fatal(err)
	}
	got := decode[map[string][]models.JobLog](t, resp)
	if len(got["logs"]) != 1 || got["logs"][0].Message != "line one" {
		t.Errorf("logs = %+v", got["logs"])
	}

	resp, err = http.Get(e.srv.URL + "/api/jobs/missing/logs")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("logs for missing job: status = %d, want 404", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	e := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	// Wait for the subscriber to attach before publishing.
	deadline := time.Now().Add(time.Second)
	for e.broker.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	e.broker.Publish(events.JobEvent(models.Job{ID: "j1", Type: "images.fetch", Status: models.StatusRunning}))

	scanner := bufio.NewScanner(resp.Body)
	var eventName, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventName = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if eventName != events.KindJob {
		t.Errorf("event name = %q, want %q", eventName, events.KindJob)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if job.ID != "j1" || job.Status != models.StatusRunning {
		t.Errorf("streamed job = %+v", job)
	}
}

func TestEventsStreamScopedToJob(t *testing.T) {
	e := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/api/events?job_id=j1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(time.Second)
	for e.broker.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	// An event for another job must not reach this stream.
	e.broker.Publish(events.JobEvent(models.Job{ID: "j2", Status: models.StatusRunning}))
	e.broker.Publish(events.LogEvent(models.JobLog{ID: 1, JobID: "j1", Level: models.LevelInfo, Message: "scoped"}))

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	var logLine models.JobLog
	if err := json.Unmarshal([]byte(data), &logLine); err != nil {
		t.Fatalf("decode data %q: %v", data, err)
	}
	if logLine.JobID != "j1" || logLine.Message != "scoped" {
		t.Errorf("streamed log = %+v", logLine)
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
