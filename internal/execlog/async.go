package execlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/taskrouter/internal/metrics"
)

// writeTimeout bounds a single sink write.
const writeTimeout = 5 * time.Second

// Async drains entries into a Sink from a background goroutine. Log never
// blocks: when the buffer is full the entry is dropped and counted.
type Async struct {
	sink   Sink
	ch     chan Entry
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// NewAsync starts the drain goroutine. bufferSize <= 0 uses 1024.
func NewAsync(sink Sink, bufferSize int, logger *slog.Logger) *Async {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sink:   sink,
		ch:     make(chan Entry, bufferSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Log implements Logger.
func (a *Async) Log(e Entry) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		metrics.ExecLogDropped.Inc()
		return
	}
	select {
	case a.ch <- e:
	default:
		metrics.ExecLogDropped.Inc()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.ch {
		a.write(e)
	}
}

func (a *Async) write(e Entry) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("execution log sink panicked", "panic", fmt.Sprint(r), "task_id", e.TaskID)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := a.sink.Write(ctx, e); err != nil {
		a.logger.Debug("execution log write failed", "error", err, "task_id", e.TaskID)
	}
}

// Close stops accepting entries, drains what is buffered and closes the
// sink. It returns early with ctx.Err() if ctx ends first.
func (a *Async) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return a.sink.Close()
}
