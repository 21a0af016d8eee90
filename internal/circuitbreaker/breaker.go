// Package circuitbreaker guards providers with a per-provider three-state
// breaker driven by failure and recovery counts.
//
// State transitions:
//
//	Closed   → Open      when failureCount reaches FailureThreshold
//	Open     → HalfOpen  on the first IsOpen query after Timeout has elapsed
//	HalfOpen → Closed    when successCount reaches SuccessThreshold
//	HalfOpen → Open      on any failure
//
// Any success while Closed clears failureCount.
package circuitbreaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/taskrouter/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are skipped.
	StateHalfOpen              // Trial period; calls pass, one failure reopens.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half-open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit breaker state %q", text)
	}
	return nil
}

// Config holds the thresholds of one provider's breaker.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// ProviderState is a point-in-time copy of a breaker's counters.
type ProviderState struct {
	Provider             string    `json:"provider"`
	State                State     `json:"state"`
	FailureCount         int       `json:"failure_count"`
	SuccessCount         int       `json:"success_count"`
	LastFailureTimestamp time.Time `json:"last_failure_timestamp,omitempty"`
}

// Breaker is the state machine for a single provider. All methods are safe
// for concurrent use; each read-then-transition runs under one lock hold.
type Breaker struct {
	mu sync.Mutex

	provider string
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger

	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
}

// New creates a closed breaker for provider. Zero config fields fall back to
// 5 failures, 2 successes and a 60s open timeout.
func New(provider string, cfg Config, now func() time.Time, logger *slog.Logger) *Breaker {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		provider: provider,
		cfg:      cfg.withDefaults(),
		now:      now,
		logger:   logger,
		state:    StateClosed,
	}
}

// IsOpen reports whether calls to the provider should be skipped. When the
// open timeout has elapsed this query itself moves the breaker to half-open
// and admits the caller.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return false
	}
	if b.now().Sub(b.lastFailure) > b.cfg.Timeout {
		b.transitionTo(StateHalfOpen)
		return false
	}
	return true
}

// RecordSuccess records a successful provider call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed provider call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	case StateOpen:
		// A call admitted before the trip finished late; lastFailure was
		// refreshed above, which extends the cool-down.
	}
}

// State returns the current state without performing the timed transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() ProviderState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ProviderState{
		Provider:             b.provider,
		State:                b.state,
		FailureCount:         b.failureCount,
		SuccessCount:         b.successCount,
		LastFailureTimestamp: b.lastFailure,
	}
}

// transitionTo changes the state, resets the counters the new state owns,
// and emits metrics and a log line. Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	switch newState {
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
	case StateOpen:
		b.successCount = 0
	case StateHalfOpen:
		b.successCount = 0
	}

	metrics.CircuitBreakerTransitions.WithLabelValues(b.provider, from.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.provider).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"provider", b.provider,
		"from", from.String(),
		"to", newState.String(),
		"failure_count", b.failureCount,
	)
}
