// Package budget enforces tenant-scoped daily spend limits on provider
// calls. Amounts are in cents and days roll over at UTC midnight.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrExceeded is returned by Reserve when the spend would take the tenant
// over its daily limit.
var ErrExceeded = errors.New("tenant daily budget exceeded")

// Guard deducts tenant spend. Reserve checks the limit and records the
// spend in one atomic step, so concurrent calls cannot overspend; a call
// that fails after reserving hands the amount back with Refund.
type Guard interface {
	// Reserve records cents of spend for tenant today, or returns an error
	// wrapping ErrExceeded and records nothing.
	Reserve(ctx context.Context, tenant string, cents int64) error
	// Refund returns a reservation. Refunding after the day rolled over is
	// a no-op.
	Refund(ctx context.Context, tenant string, cents int64) error
}

// Limits resolves the daily limit for a tenant.
type Limits struct {
	Default int64
	Tenants map[string]int64
}

// For returns tenant's daily limit in cents. Zero means unlimited.
func (l Limits) For(tenant string) int64 {
	if v, ok := l.Tenants[tenant]; ok {
		return v
	}
	return l.Default
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func exceeded(tenant string, spent, cents, limit int64) error {
	return fmt.Errorf("%w: tenant %q has spent %d of %d cents, charge of %d refused",
		ErrExceeded, tenant, spent, limit, cents)
}

// Noop admits everything and records nothing.
type Noop struct{}

// Reserve implements Guard.
func (Noop) Reserve(context.Context, string, int64) error { return nil }

// Refund implements Guard.
func (Noop) Refund(context.Context, string, int64) error { return nil }

// Memory is an in-process Guard. Spend resets when the UTC day changes.
type Memory struct {
	mu     sync.Mutex
	limits Limits
	now    func() time.Time
	day    string
	spent  map[string]int64
}

// NewMemory creates an in-process guard. A nil now uses time.Now.
func NewMemory(limits Limits, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		limits: limits,
		now:    now,
		spent:  make(map[string]int64),
	}
}

// rollover clears spend when the day changed. Must be called with m.mu held.
func (m *Memory) rollover() {
	if d := dayKey(m.now()); d != m.day {
		m.day = d
		clear(m.spent)
	}
}

// Reserve implements Guard.
func (m *Memory) Reserve(_ context.Context, tenant string, cents int64) error {
	if cents <= 0 {
		return nil
	}
	limit := m.limits.For(tenant)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()

	spent := m.spent[tenant]
	if limit > 0 && spent+cents > limit {
		return exceeded(tenant, spent, cents, limit)
	}
	m.spent[tenant] = spent + cents
	return nil
}

// Refund implements Guard. Spend never drops below zero.
func (m *Memory) Refund(_ context.Context, tenant string, cents int64) error {
	if cents <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()
	m.spent[tenant] = max(m.spent[tenant]-cents, 0)
	return nil
}

// Spent returns tenant's recorded spend for today.
func (m *Memory) Spent(tenant string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()
	return m.spent[tenant]
}
