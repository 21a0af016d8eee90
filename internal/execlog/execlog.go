// Package execlog records one entry per provider attempt made by the router.
// Logging is best effort: it never blocks dispatch and never fails it.
package execlog

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle stage an Entry describes.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusFallback  Status = "fallback"
)

// Entry is one execution log record.
type Entry struct {
	Timestamp        time.Time `json:"timestamp"`
	TaskID           string    `json:"task_id"`
	TaskType         string    `json:"task_type"`
	Provider         string    `json:"provider"`
	TenantID         string    `json:"tenant_id"`
	Status           Status    `json:"status"`
	DurationMs       int64     `json:"duration_ms"`
	ErrorCode        string    `json:"error_code,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	OriginalProvider string    `json:"original_provider,omitempty"`
	Attempt          int       `json:"attempt,omitempty"`
}

// Logger accepts entries. Implementations must not block the caller for
// longer than it takes to enqueue.
type Logger interface {
	Log(Entry)
}

// Sink persists entries. Sinks may block and may fail; wrap them in Async
// before handing them to the router.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	Close() error
}

// Nop discards every entry.
type Nop struct{}

// Log implements Logger.
func (Nop) Log(Entry) {}

// Multi fans an entry out to every sink. One failing sink does not stop the
// others; their errors are joined.
type Multi []Sink

// Write implements Sink.
func (m Multi) Write(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
