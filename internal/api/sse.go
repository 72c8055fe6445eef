package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"netboot-jobqueue/internal/events"
	"netboot-jobqueue/internal/telemetry"
)

// sseHeartbeat keeps idle connections alive through proxies.
const sseHeartbeat = 15 * time.Second

// handleEvents streams job updates over Server-Sent Events. Without a
// job_id query parameter the client receives every job snapshot; with one
// it receives snapshots and log lines for that job only. Clients catch up
// on history via the list/log endpoints before subscribing.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	topic := events.TopicJobs
	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		topic = events.JobTopic(jobID)
	}

	subID := uuid.New().String()
	sub := s.broker.Subscribe(subID, topic)
	defer s.broker.RemoveSubscriber(subID)

	telemetry.SSEClients.Inc()
	defer telemetry.SSEClients.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-sub.C():
			if !open {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE emits one event in wire format: the event name is the kind
// ("job" or "job-log") and the data is the snapshot or log line JSON.
func writeSSE(w http.ResponseWriter, evt *events.Event) error {
	var payload any
	switch {
	case evt.Job != nil:
		payload = evt.Job
	case evt.Log != nil:
		payload = evt.Log
	default:
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data)
	return err
}
