package circuitbreaker

import (
	"sync"

	"github.com/dskow/taskrouter/internal/metrics"
)

// Bulkhead caps the number of concurrent in-flight calls per provider.
// Providers with a limit of zero, or with no configured limit, are uncapped.
type Bulkhead struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewBulkhead creates a bulkhead from provider → max concurrent calls.
func NewBulkhead(limits map[string]int) *Bulkhead {
	b := &Bulkhead{sems: make(map[string]chan struct{})}
	for provider, n := range limits {
		if n > 0 {
			b.sems[provider] = make(chan struct{}, n)
		}
	}
	return b
}

// Acquire tries to take a slot for provider without blocking. When it
// returns true the caller MUST call the returned release func exactly once.
func (b *Bulkhead) Acquire(provider string) (release func(), ok bool) {
	if b == nil {
		return func() {}, true
	}
	b.mu.Lock()
	sem, capped := b.sems[provider]
	b.mu.Unlock()
	if !capped {
		return func() {}, true
	}

	select {
	case sem <- struct{}{}:
		metrics.BulkheadInFlight.WithLabelValues(provider).Set(float64(len(sem)))
		var once sync.Once
		return func() {
			once.Do(func() {
				<-sem
				metrics.BulkheadInFlight.WithLabelValues(provider).Set(float64(len(sem)))
			})
		}, true
	default:
		metrics.BulkheadRejections.WithLabelValues(provider).Inc()
		return nil, false
	}
}

// InFlight returns the number of slots currently held for provider.
func (b *Bulkhead) InFlight(provider string) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sem, ok := b.sems[provider]; ok {
		return len(sem)
	}
	return 0
}
