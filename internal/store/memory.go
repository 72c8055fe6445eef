package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"netboot-jobqueue/internal/models"
)

// Memory is a mutex-guarded in-memory Store. It backs the engine-level
// tests and local development without a database; semantics mirror the
// Postgres implementation.
type Memory struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	seq    map[string]int64 // insertion order, tie-break within a priority
	logs   []models.JobLog
	nextID int64
	logSeq int64
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*models.Job),
		seq:  make(map[string]int64),
	}
}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	now := time.Now().UTC()
	runAt := p.NextRunAt
	if runAt.IsZero() {
		runAt = now
	}
	status := models.StatusQueued
	if runAt.After(now) {
		status = models.StatusPending
	}

	job := models.Job{
		ID:               uuid.New().String(),
		Type:             p.Type,
		Category:         p.Category,
		Status:           status,
		Priority:         p.Priority,
		Payload:          clonePayload(p.Payload),
		Message:          p.Message,
		Source:           p.Source,
		CreatedBy:        p.CreatedBy,
		TargetType:       p.TargetType,
		TargetID:         p.TargetID,
		MaxAttempts:      p.MaxAttempts,
		ConcurrencyKey:   p.ConcurrencyKey,
		ConcurrencyLimit: p.ConcurrencyLimit,
		NextRunAt:        runAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.nextID++
	m.jobs[job.ID] = cloneJob(job)
	m.seq[job.ID] = m.nextID
	return job, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *cloneJob(*job), nil
}

func (m *Memory) ListJobs(_ context.Context, f ListFilter) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Job
	for _, j := range m.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Category != "" && j.Category != f.Category {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if f.Source != "" && j.Source != f.Source {
			continue
		}
		if f.TargetID != "" && (j.TargetID == nil || *j.TargetID != f.TargetID) {
			continue
		}
		out = append(out, *cloneJob(*j))
	}
	sort.Slice(out, func(a, b int) bool {
		return m.seq[out[a].ID] > m.seq[out[b].ID]
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PromoteScheduled(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.Status == models.StatusPending && !j.NextRunAt.After(now) {
			j.Status = models.StatusQueued
			j.UpdatedAt = now.UTC()
			n++
		}
	}
	return n, nil
}

func (m *Memory) SelectRunnable(_ context.Context, now time.Time, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runningByKey := make(map[string]int)
	for _, j := range m.jobs {
		if j.Status == models.StatusRunning && j.ConcurrencyKey != nil {
			runningByKey[*j.ConcurrencyKey]++
		}
	}

	var out []models.Job
	for _, j := range m.jobs {
		if j.Status != models.StatusQueued || j.NextRunAt.After(now) {
			continue
		}
		if j.ConcurrencyKey != nil && runningByKey[*j.ConcurrencyKey] >= j.KeyLimit() {
			continue
		}
		out = append(out, *cloneJob(*j))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		return m.seq[out[a].ID] < m.seq[out[b].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ClaimJob(_ context.Context, id string, now time.Time) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, false, nil
	}
	if j.Status != models.StatusQueued && j.Status != models.StatusPending {
		return models.Job{}, false, nil
	}
	t := now.UTC()
	j.Status = models.StatusRunning
	j.Attempts++
	j.StartedAt = &t
	j.UpdatedAt = t
	return *cloneJob(*j), true, nil
}

func (m *Memory) MarkCompleted(_ context.Context, id string, result map[string]any) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusRunning {
		return models.Job{}, ErrNotFound
	}
	now := time.Now().UTC()
	j.Status = models.StatusCompleted
	j.Result = clonePayload(result)
	j.Error = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return *cloneJob(*j), nil
}

func (m *Memory) MarkFailed(_ context.Context, id string, errMsg string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusRunning {
		return models.Job{}, ErrNotFound
	}
	now := time.Now().UTC()
	j.Status = models.StatusFailed
	j.Error = &errMsg
	j.CompletedAt = &now
	j.UpdatedAt = now
	return *cloneJob(*j), nil
}

func (m *Memory) ScheduleRetry(_ context.Context, id string, errMsg string, nextRunAt time.Time) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusRunning {
		return models.Job{}, ErrNotFound
	}
	now := time.Now().UTC()
	j.Status = models.StatusQueued
	j.Error = &errMsg
	j.NextRunAt = nextRunAt.UTC()
	j.StartedAt = nil
	j.UpdatedAt = now
	return *cloneJob(*j), nil
}

func (m *Memory) AppendLog(_ context.Context, jobID, level, message string) (models.JobLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return models.JobLog{}, ErrNotFound
	}
	if !models.ValidLevel(level) {
		return models.JobLog{}, fmt.Errorf("invalid log level %q", level)
	}
	m.logSeq++
	l := models.JobLog{
		ID:        m.logSeq,
		JobID:     jobID,
		Level:     level,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	m.logs = append(m.logs, l)
	return l, nil
}

func (m *Memory) ListLogs(_ context.Context, jobID string, limit int) ([]models.JobLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 500
	}
	var out []models.JobLog
	for _, l := range m.logs {
		if l.JobID == jobID {
			out = append(out, l)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) RecoverRunning(_ context.Context, policy RecoveryPolicy) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var out []models.Job
	for _, j := range m.jobs {
		if j.Status != models.StatusRunning {
			continue
		}
		switch policy {
		case RecoveryFail:
			msg := "interrupted by process restart"
			j.Status = models.StatusFailed
			j.Error = &msg
			j.CompletedAt = &now
		case RecoveryRequeue, "":
			j.Status = models.StatusQueued
			j.StartedAt = nil
			j.NextRunAt = now
		default:
			return nil, fmt.Errorf("unknown recovery policy %q", policy)
		}
		j.UpdatedAt = now
		out = append(out, *cloneJob(*j))
	}
	return out, nil
}

func cloneJob(j models.Job) *models.Job {
	c := j
	c.Payload = clonePayload(j.Payload)
	c.Result = clonePayload(j.Result)
	return &c
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	c := make(map[string]any, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}
