package circuitbreaker

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBreaker(clock *fakeClock, failures, successes int, timeout time.Duration) *Breaker {
	return New("exa", Config{
		FailureThreshold: failures,
		SuccessThreshold: successes,
		Timeout:          timeout,
	}, clock.Now, quietLogger())
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := newTestBreaker(newFakeClock(), 3, 2, time.Second)
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
	if b.IsOpen() {
		t.Fatal("new breaker must not be open")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := newTestBreaker(newFakeClock(), 3, 2, time.Second)

	b.RecordFailure()
	b.RecordFailure()
	if b.IsOpen() {
		t.Fatal("should still be closed after 2 failures")
	}
	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("should be open after 3 consecutive failures")
	}
	if s := b.Snapshot(); s.FailureCount != 3 || s.SuccessCount != 0 {
		t.Errorf("unexpected counters: %+v", s)
	}
}

func TestBreaker_SuccessClearsFailureCountWhileClosed(t *testing.T) {
	b := newTestBreaker(newFakeClock(), 3, 2, time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.IsOpen() {
		t.Fatal("interleaved success should have reset the failure count")
	}
}

func TestBreaker_HalfOpenScenario(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 3, 2, 1000*time.Millisecond)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if !b.IsOpen() {
		t.Fatal("expected open after 3 failures")
	}

	clock.Advance(1000 * time.Millisecond)
	if !b.IsOpen() {
		t.Fatal("timeout comparison is strict; exactly 1000ms must still be open")
	}

	clock.Advance(1 * time.Millisecond)
	if b.IsOpen() {
		t.Fatal("expected IsOpen=false after 1001ms")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("one success should keep half-open, got %s", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after 2 successes, got %s", b.State())
	}
	if s := b.Snapshot(); s.FailureCount != 0 || s.SuccessCount != 0 {
		t.Errorf("closing must zero both counters: %+v", s)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 2, 2, time.Second)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(2 * time.Second)
	if b.IsOpen() {
		t.Fatal("expected trial call to be admitted")
	}

	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("failure in half-open must reopen, got %s", b.State())
	}
	if s := b.Snapshot(); s.SuccessCount != 0 {
		t.Errorf("reopen must zero successCount, got %d", s.SuccessCount)
	}
	if !b.IsOpen() {
		t.Fatal("freshly reopened breaker must reject")
	}
}

func TestBreaker_FailureWhileOpenExtendsCooldown(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1, 1, time.Second)

	b.RecordFailure()
	clock.Advance(800 * time.Millisecond)
	b.RecordFailure()
	clock.Advance(800 * time.Millisecond)

	if !b.IsOpen() {
		t.Fatal("late failure should have refreshed lastFailure")
	}
	clock.Advance(300 * time.Millisecond)
	if b.IsOpen() {
		t.Fatal("expected half-open once the refreshed timeout elapsed")
	}
}

func TestBreaker_Defaults(t *testing.T) {
	b := New("jina", Config{}, nil, nil)
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatal("default threshold is 5")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("expected open at default threshold")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := newTestBreaker(newFakeClock(), 1000, 2, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.IsOpen()
				if n%2 == 0 {
					b.RecordFailure()
				} else {
					b.RecordSuccess()
				}
				b.Snapshot()
			}
		}(i)
	}
	wg.Wait()
}

func TestSet_LazyPerProviderBreakers(t *testing.T) {
	clock := newFakeClock()
	s := NewSet(map[string]Config{
		"exa": {FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second},
	}, Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Second}, clock.Now, quietLogger())

	s.RecordFailure("exa")
	if !s.IsOpen("exa") {
		t.Fatal("exa has threshold 1 and should be open")
	}
	s.RecordFailure("jina")
	if s.IsOpen("jina") {
		t.Fatal("jina uses the default threshold of 3")
	}
	if s.IsOpen("firecrawl") {
		t.Fatal("unseen provider must start closed")
	}

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 breakers, got %d", len(snap))
	}
	if snap[0].Provider != "exa" || snap[0].State != StateOpen {
		t.Errorf("unexpected first entry: %+v", snap[0])
	}
	if s.Get("exa") != s.Get("exa") {
		t.Error("Get must return the same breaker instance")
	}
}
