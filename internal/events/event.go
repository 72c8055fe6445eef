// Package events fans job lifecycle transitions and log lines out to live
// subscribers. Delivery is best-effort from connect time forward; catching
// up on history is done through the store's query API, not here.
package events

import (
	"time"

	"netboot-jobqueue/internal/models"
)

// Event kinds on the wire. These double as SSE event names.
const (
	KindJob    = "job"
	KindJobLog = "job-log"
)

// Event is a single broadcast message: either a full job snapshot or one
// log line, never both.
type Event struct {
	Kind  string         `json:"kind"`
	JobID string         `json:"job_id"`
	At    time.Time      `json:"at"`
	Job   *models.Job    `json:"job,omitempty"`
	Log   *models.JobLog `json:"log,omitempty"`
}

// JobEvent builds a snapshot event for a job status/field change.
func JobEvent(job models.Job) *Event {
	return &Event{
		Kind:  KindJob,
		JobID: job.ID,
		At:    time.Now().UTC(),
		Job:   &job,
	}
}

// LogEvent builds an event for a single appended log line.
func LogEvent(line models.JobLog) *Event {
	return &Event{
		Kind:  KindJobLog,
		JobID: line.JobID,
		At:    time.Now().UTC(),
		Log:   &line,
	}
}

// Topic names. A subscriber is either on the global jobs stream or scoped
// to a single job.
const TopicJobs = "jobs"

// JobTopic returns the topic carrying every event for one job.
func JobTopic(jobID string) string { return "job:" + jobID }

// topicsFor resolves the topics an event is delivered to. Snapshots go to
// the global stream and the job's own topic; log lines only to the job's
// topic (the global stream carries status changes, not log noise).
func topicsFor(evt *Event) []string {
	if evt.Kind == KindJobLog {
		return []string{JobTopic(evt.JobID)}
	}
	return []string{TopicJobs, JobTopic(evt.JobID)}
}
