package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"netboot-jobqueue/internal/jobs"
	"netboot-jobqueue/internal/models"
)

// RetentionHandler sweeps stale artifacts out of the local artifact
// directory. Enqueued on a cron schedule with source=schedule.
// Registered as "maintenance.retention_sweep".
type RetentionHandler struct {
	baseDir     string
	defaultDays int
}

type retentionPayload struct {
	Days int `json:"days"`
}

// NewRetentionHandler builds the sweep handler for the given artifact dir.
func NewRetentionHandler(baseDir string, defaultDays int) *RetentionHandler {
	if defaultDays <= 0 {
		defaultDays = 30
	}
	return &RetentionHandler{baseDir: baseDir, defaultDays: defaultDays}
}

// Handle removes artifacts older than the retention window and reports
// how many files were swept.
func (h *RetentionHandler) Handle(ctx context.Context, job models.Job, log *jobs.Logger) (map[string]any, error) {
	days := h.defaultDays
	if raw, err := json.Marshal(job.Payload); err == nil {
		var payload retentionPayload
		if json.Unmarshal(raw, &payload) == nil && payload.Days > 0 {
			days = payload.Days
		}
	}

	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	log.Info("sweeping artifacts older than %s in %s", cutoff.Format(time.RFC3339), h.baseDir)

	var removed int
	var bytes int64
	err := filepath.WalkDir(h.baseDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			log.Warn("remove %s: %v", path, err)
			return nil
		}
		removed++
		bytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sweep artifacts: %w", err)
	}

	log.Info("swept %d files (%d bytes)", removed, bytes)
	return map[string]any{
		"removed_files": removed,
		"removed_bytes": bytes,
		"cutoff":        cutoff.UTC().Format(time.RFC3339),
	}, nil
}
