// Package ratelimit enforces provider quotas with fixed minute, hour and day
// windows, and admits HTTP traffic per tenant with token buckets.
package ratelimit

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dskow/taskrouter/internal/config"
	"github.com/dskow/taskrouter/internal/metrics"
)

const (
	minute = time.Minute
	hour   = time.Hour
	day    = 24 * time.Hour
)

// window is one fixed-window counter.
type window struct {
	count     int
	lastReset time.Time
}

// refresh zeroes the counter when more than size has passed since the last
// reset. The comparison is strict.
func (w *window) refresh(now time.Time, size time.Duration) {
	if now.Sub(w.lastReset) > size {
		w.count = 0
		w.lastReset = now
	}
}

// exhausted reports whether the window is at or above max. A zero max
// disables the window.
func (w *window) exhausted(max int) bool {
	return max > 0 && w.count >= max
}

type providerState struct {
	mu     sync.Mutex
	limit  config.RateLimitConfig
	minute window
	hour   window
	day    window
}

// Usage is a point-in-time copy of a provider's counters and quotas.
type Usage struct {
	Provider        string                 `json:"provider"`
	Limit           config.RateLimitConfig `json:"limit"`
	MinuteCount     int                    `json:"minute_count"`
	HourCount       int                    `json:"hour_count"`
	DayCount        int                    `json:"day_count"`
	LastMinuteReset time.Time              `json:"last_minute_reset"`
	LastHourReset   time.Time              `json:"last_hour_reset"`
	LastDayReset    time.Time              `json:"last_day_reset"`
}

// Limiter tracks per-provider fixed-window counters. Each provider has its
// own mutex so the check-and-increment is atomic per provider without
// serialising unrelated providers.
type Limiter struct {
	mu        sync.RWMutex
	providers map[string]*providerState
	limits    map[string]config.RateLimitConfig
	fallback  config.RateLimitConfig
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Limiter. limits holds per-provider quotas; providers missing
// from it use def. A nil now uses time.Now.
func New(limits map[string]config.RateLimitConfig, def config.RateLimitConfig, now func() time.Time, logger *slog.Logger) *Limiter {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	cp := make(map[string]config.RateLimitConfig, len(limits))
	for name, l := range limits {
		cp[name] = l
	}
	return &Limiter{
		providers: make(map[string]*providerState),
		limits:    cp,
		fallback:  def,
		now:       now,
		logger:    logger,
	}
}

// state returns the provider's entry, creating it with zero counters and
// "now" reset timestamps on first use.
func (l *Limiter) state(provider string) *providerState {
	l.mu.RLock()
	st, ok := l.providers[provider]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.providers[provider]; ok {
		return st
	}
	limit, ok := l.limits[provider]
	if !ok {
		limit = l.fallback
	}
	now := l.now()
	st = &providerState{
		limit:  limit,
		minute: window{lastReset: now},
		hour:   window{lastReset: now},
		day:    window{lastReset: now},
	}
	l.providers[provider] = st
	return st
}

// CanProceed reports whether a call to provider fits within all three
// windows and, if so, counts it. A rejection leaves every counter unchanged.
func (l *Limiter) CanProceed(provider string) bool {
	st := l.state(provider)
	now := l.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	st.minute.refresh(now, minute)
	st.hour.refresh(now, hour)
	st.day.refresh(now, day)

	var exhausted string
	switch {
	case st.minute.exhausted(st.limit.RequestsPerMinute):
		exhausted = "minute"
	case st.hour.exhausted(st.limit.RequestsPerHour):
		exhausted = "hour"
	case st.day.exhausted(st.limit.RequestsPerDay):
		exhausted = "day"
	}
	if exhausted != "" {
		metrics.RateLimitRejections.WithLabelValues(provider, exhausted).Inc()
		l.logger.Debug("provider rate limit exhausted", "provider", provider, "window", exhausted)
		return false
	}

	st.minute.count++
	st.hour.count++
	st.day.count++
	return true
}

// UpdateConfig replaces the quotas of the providers present in limits.
// Other providers keep their quotas, and no counter is touched.
func (l *Limiter) UpdateConfig(limits map[string]config.RateLimitConfig) {
	l.mu.Lock()
	for name, limit := range limits {
		l.limits[name] = limit
	}
	states := make(map[string]*providerState, len(limits))
	for name := range limits {
		if st, ok := l.providers[name]; ok {
			states[name] = st
		}
	}
	l.mu.Unlock()

	for name, st := range states {
		st.mu.Lock()
		st.limit = limits[name]
		st.mu.Unlock()
	}

	l.logger.Info("provider rate limits updated", "providers", len(limits))
}

// Usage returns a snapshot of provider's counters. ok is false when the
// provider has not been seen yet.
func (l *Limiter) Usage(provider string) (Usage, bool) {
	l.mu.RLock()
	st, ok := l.providers[provider]
	l.mu.RUnlock()
	if !ok {
		return Usage{}, false
	}
	return st.snapshot(provider), true
}

// UsageAll returns snapshots for every provider seen so far, sorted by name.
func (l *Limiter) UsageAll() []Usage {
	l.mu.RLock()
	names := make([]string, 0, len(l.providers))
	states := make(map[string]*providerState, len(l.providers))
	for name, st := range l.providers {
		names = append(names, name)
		states[name] = st
	}
	l.mu.RUnlock()

	sort.Strings(names)
	out := make([]Usage, 0, len(names))
	for _, name := range names {
		out = append(out, states[name].snapshot(name))
	}
	return out
}

func (st *providerState) snapshot(provider string) Usage {
	st.mu.Lock()
	defer st.mu.Unlock()
	return Usage{
		Provider:        provider,
		Limit:           st.limit,
		MinuteCount:     st.minute.count,
		HourCount:       st.hour.count,
		DayCount:        st.day.count,
		LastMinuteReset: st.minute.lastReset,
		LastHourReset:   st.hour.lastReset,
		LastDayReset:    st.day.lastReset,
	}
}
