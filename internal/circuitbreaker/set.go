package circuitbreaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Set holds one Breaker per provider, created on first use. Breakers are
// independent; the map lock is only taken to find or create an entry.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	configs  map[string]Config
	fallback Config
	now      func() time.Time
	logger   *slog.Logger
}

// NewSet creates a breaker set. configs carries per-provider thresholds;
// providers missing from it use def.
func NewSet(configs map[string]Config, def Config, now func() time.Time, logger *slog.Logger) *Set {
	cp := make(map[string]Config, len(configs))
	for name, c := range configs {
		cp[name] = c
	}
	return &Set{
		breakers: make(map[string]*Breaker),
		configs:  cp,
		fallback: def,
		now:      now,
		logger:   logger,
	}
}

// Get returns the breaker for provider, creating a closed one if needed.
func (s *Set) Get(provider string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[provider]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[provider]; ok {
		return b
	}
	cfg, ok := s.configs[provider]
	if !ok {
		cfg = s.fallback
	}
	b = New(provider, cfg, s.now, s.logger)
	s.breakers[provider] = b
	return b
}

// IsOpen reports whether provider's breaker is rejecting calls.
func (s *Set) IsOpen(provider string) bool { return s.Get(provider).IsOpen() }

// RecordSuccess records a successful call to provider.
func (s *Set) RecordSuccess(provider string) { s.Get(provider).RecordSuccess() }

// RecordFailure records a failed call to provider.
func (s *Set) RecordFailure(provider string) { s.Get(provider).RecordFailure() }

// Snapshot returns the state of every breaker created so far, sorted by
// provider name.
func (s *Set) Snapshot() []ProviderState {
	s.mu.RLock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.RUnlock()

	out := make([]ProviderState, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
