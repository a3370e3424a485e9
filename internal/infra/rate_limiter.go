package infra

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LimitWeight names another limit a call site also consumes, with the weight
// it charges there.
type LimitWeight struct {
	LimitID string
	Weight  int
}

// RateLimit is a named sliding-window capacity: at most Limit units of weight
// admitted per trailing TimeInterval. Immutable once loaded.
type RateLimit struct {
	LimitID      string
	Limit        int
	TimeInterval time.Duration
	Weight       int           // per call, default 1
	LinkedLimits []LimitWeight // consumed atomically with this one
}

type windowEntry struct {
	at     time.Time
	weight int
}

// Throttler is the admission-control layer shared by the polling loop and the
// transaction retry engine. A call is admitted only when every limit in its
// weight-linked group has capacity; admission is all-or-nothing and permits
// are granted in request order per limit id.
type Throttler struct {
	mu      sync.Mutex
	limits  map[string]RateLimit
	history map[string][]*windowEntry

	nextTicket    map[string]uint64
	servingTicket map[string]uint64
	abandoned     map[string]map[uint64]struct{}

	retryInterval time.Duration
	clock         Clock
	logger        *slog.Logger
	metrics       *Metrics
}

// NewThrottler creates a throttler over the given limits.
func NewThrottler(limits []RateLimit, clock Clock, logger *slog.Logger, metrics *Metrics) *Throttler {
	if clock == nil {
		clock = RealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]RateLimit, len(limits))
	for _, l := range limits {
		if l.Weight <= 0 {
			l.Weight = 1
		}
		byID[l.LimitID] = l
	}
	return &Throttler{
		limits:        byID,
		history:       make(map[string][]*windowEntry),
		nextTicket:    make(map[string]uint64),
		servingTicket: make(map[string]uint64),
		abandoned:     make(map[string]map[uint64]struct{}),
		retryInterval: 100 * time.Millisecond,
		clock:         clock,
		logger:        logger,
		metrics:       metrics,
	}
}

// ScopedPermit records the quota consumed by one admitted call.
// Release at scope exit keeps the quota consumed; Rollback returns it when
// the caller aborts before the actual network call.
type ScopedPermit struct {
	t       *Throttler
	entries map[string]*windowEntry
	done    bool
}

// Release finalizes the permit. The consumed quota stays on the books until
// it ages out of the window.
func (p *ScopedPermit) Release() {
	p.done = true
}

// Rollback removes the reserved quota. Safe to call at most once, and only
// if the guarded call was never made.
func (p *ScopedPermit) Rollback() {
	if p == nil || p.done {
		return
	}
	p.done = true
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	for limitID, e := range p.entries {
		hist := p.t.history[limitID]
		for i, cur := range hist {
			if cur == e {
				p.t.history[limitID] = append(hist[:i], hist[i+1:]...)
				break
			}
		}
	}
}

// Acquire suspends the calling task until the limit group for limitID has
// capacity, then reserves it. Waiters for the same limit id are served FIFO.
func (t *Throttler) Acquire(ctx context.Context, limitID string) (*ScopedPermit, error) {
	t.mu.Lock()
	limit, ok := t.limits[limitID]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("throttler: unknown limit id %q", limitID)
	}
	ticket := t.nextTicket[limitID]
	t.nextTicket[limitID] = ticket + 1
	t.mu.Unlock()

	start := t.clock.Now()
	for {
		t.mu.Lock()
		t.skipAbandoned(limitID)
		if t.servingTicket[limitID] == ticket && t.groupHasCapacity(limit) {
			permit := &ScopedPermit{t: t, entries: t.reserveGroup(limit)}
			t.servingTicket[limitID] = ticket + 1
			t.mu.Unlock()
			if t.metrics != nil {
				t.metrics.ThrottlerWaitSeconds.WithLabelValues(limitID).
					Observe(t.clock.Now().Sub(start).Seconds())
			}
			return permit, nil
		}
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			t.abandon(limitID, ticket)
			return nil, ctx.Err()
		case <-t.clock.After(t.retryInterval):
		}
	}
}

func (t *Throttler) abandon(limitID string, ticket uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abandoned[limitID] == nil {
		t.abandoned[limitID] = make(map[uint64]struct{})
	}
	t.abandoned[limitID][ticket] = struct{}{}
}

// skipAbandoned advances past waiters that gave up, so a cancelled ticket
// never starves the queue. Caller holds the lock.
func (t *Throttler) skipAbandoned(limitID string) {
	gone := t.abandoned[limitID]
	for {
		cur := t.servingTicket[limitID]
		if _, ok := gone[cur]; !ok {
			return
		}
		delete(gone, cur)
		t.servingTicket[limitID] = cur + 1
	}
}

// groupHasCapacity checks the limit and every linked limit. Caller holds the
// lock.
func (t *Throttler) groupHasCapacity(limit RateLimit) bool {
	for _, member := range t.group(limit) {
		l, ok := t.limits[member.LimitID]
		if !ok {
			continue
		}
		if t.usedWeight(l)+member.Weight > l.Limit {
			return false
		}
	}
	return true
}

// reserveGroup charges every limit in the group. Caller holds the lock.
func (t *Throttler) reserveGroup(limit RateLimit) map[string]*windowEntry {
	now := t.clock.Now()
	entries := make(map[string]*windowEntry)
	for _, member := range t.group(limit) {
		if _, ok := t.limits[member.LimitID]; !ok {
			t.logger.Warn("throttler: linked limit not configured, skipping",
				slog.String("limit_id", member.LimitID))
			continue
		}
		e := &windowEntry{at: now, weight: member.Weight}
		t.history[member.LimitID] = append(t.history[member.LimitID], e)
		entries[member.LimitID] = e
	}
	return entries
}

func (t *Throttler) group(limit RateLimit) []LimitWeight {
	group := make([]LimitWeight, 0, 1+len(limit.LinkedLimits))
	group = append(group, LimitWeight{LimitID: limit.LimitID, Weight: limit.Weight})
	for _, lw := range limit.LinkedLimits {
		w := lw.Weight
		if w <= 0 {
			w = 1
		}
		group = append(group, LimitWeight{LimitID: lw.LimitID, Weight: w})
	}
	return group
}

// usedWeight prunes entries outside the trailing window and sums the rest.
// Caller holds the lock.
func (t *Throttler) usedWeight(limit RateLimit) int {
	cutoff := t.clock.Now().Add(-limit.TimeInterval)
	hist := t.history[limit.LimitID]
	kept := hist[:0]
	used := 0
	for _, e := range hist {
		if e.at.After(cutoff) {
			kept = append(kept, e)
			used += e.weight
		}
	}
	t.history[limit.LimitID] = kept
	return used
}
