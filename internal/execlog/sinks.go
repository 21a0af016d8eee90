package execlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/dskow/taskrouter/internal/logging"
)

// SlogSink writes entries as structured log lines. Failures log at warn,
// everything else at info.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink over logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

// Write implements Sink.
func (s *SlogSink) Write(ctx context.Context, e Entry) error {
	level := slog.LevelInfo
	if e.Status == StatusFailed {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("task_id", e.TaskID),
		slog.String("task_type", e.TaskType),
		slog.String("provider", e.Provider),
		slog.String("tenant_id", e.TenantID),
		slog.String("status", string(e.Status)),
		slog.Int64("duration_ms", e.DurationMs),
	}
	if e.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", e.Attempt))
	}
	if e.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", e.ErrorCode), slog.String("error", e.ErrorMessage))
	}
	if e.OriginalProvider != "" {
		attrs = append(attrs, slog.String("original_provider", e.OriginalProvider))
	}
	s.logger.LogAttrs(ctx, level, "task execution", attrs...)
	return nil
}

// Close implements Sink.
func (s *SlogSink) Close() error { return nil }

// FileSink appends entries as JSON lines.
type FileSink struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewFileSink opens a size-rotated JSON-lines file.
func NewFileSink(path string, maxSizeMB, maxBackups, maxAgeDays int) (*FileSink, error) {
	rw, err := logging.NewRotatingWriter(path, maxSizeMB, maxBackups, maxAgeDays)
	if err != nil {
		return nil, fmt.Errorf("opening execution log: %w", err)
	}
	return &FileSink{w: rw}, nil
}

// Write implements Sink.
func (f *FileSink) Write(_ context.Context, e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = f.w.Write(line)
	return err
}

// Close implements Sink.
func (f *FileSink) Close() error {
	return f.w.Close()
}
