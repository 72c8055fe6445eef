package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"netboot-jobqueue/internal/events"
	"netboot-jobqueue/internal/models"
	"netboot-jobqueue/internal/store"
)

// Logger is the log sink handed to a handler for one execution. Every write
// is appended to the store and published to subscribers synchronously, so
// line order is preserved end to end. Write failures are reported to the
// process log but never fail the job.
type Logger struct {
	jobID string
	st    store.Store
	pub   events.Publisher
	slog  *slog.Logger
}

// NewLogger builds a log sink for one job execution.
func NewLogger(jobID string, st store.Store, pub events.Publisher, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{jobID: jobID, st: st, pub: pub, slog: logger}
}

// Info appends an info-level line.
func (l *Logger) Info(format string, args ...any) { l.write(models.LevelInfo, format, args...) }

// Warn appends a warn-level line.
func (l *Logger) Warn(format string, args ...any) { l.write(models.LevelWarn, format, args...) }

// Error appends an error-level line.
func (l *Logger) Error(format string, args ...any) { l.write(models.LevelError, format, args...) }

func (l *Logger) write(level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	line, err := l.st.AppendLog(context.Background(), l.jobID, level, msg)
	if err != nil {
		l.slog.Error("append job log",
			slog.String("job_id", l.jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	if l.pub != nil {
		l.pub.Publish(events.LogEvent(line))
	}
}
