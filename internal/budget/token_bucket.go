// Package budget implements the system-wide actuation rate limiter for
// the Hardware Sequencer.
//
// This sits above each zone's own daily-water-budget counters (owned by
// zone.Runtime) as an independent safety layer: it bounds how many
// actuation jobs can run across ALL zones in a rolling window,
// regardless of per-zone budgets, protecting shared infrastructure
// (pump, main line) from being driven continuously by a misconfigured
// or runaway set of zones.
//
//   - Capacity: configurable (default 100 tokens)
//   - Refill: full capacity restored every refillPeriod (default 60s),
//     not incremental.
//   - Consumption: atomic, per-job cost by priority.
//
// Cost model: Critical and Emergency jobs bypass the bucket entirely
// (see Sequencer.runJob) — budget.CostModel only prices Normal/Low/High
// jobs, so an emergency can never be deferred by exhausted budget.
package budget

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldcap/irrigator/internal/zone"
)

// CostModel defines the token cost for each non-Critical priority.
// Critical jobs are never looked up here; the sequencer bypasses the
// bucket for them.
var CostModel = map[zone.Priority]int{
	zone.PriorityLow:    1,
	zone.PriorityNormal: 2,
	zone.PriorityHigh:   5,
}

// Bucket is a thread-safe token bucket for rate-limiting actuation jobs.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	// consumedTotal tracks lifetime tokens consumed (for metrics).
	consumedTotal atomic.Uint64

	// refillCount tracks number of refill cycles (for metrics).
	refillCount atomic.Uint64

	// stop channel for graceful shutdown of the refill goroutine.
	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts the refill goroutine.
// capacity must be > 0. refillPeriod must be > 0.
// Call Close() to stop the refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("budget.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("budget.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

// refillLoop runs in a dedicated goroutine and refills the bucket to full
// capacity every refillPeriod. Exits when Close() is called.
func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to consume `cost` tokens from the bucket.
// Returns true if the tokens were available and consumed.
// Returns false if insufficient tokens remain (the job must wait).
// Thread-safe.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// ConsumeForPriority consumes the standard cost for a job of the given
// priority. Critical jobs always return true without consuming budget —
// the sequencer must never defer an emergency for rate-limit reasons.
func (b *Bucket) ConsumeForPriority(p zone.Priority) bool {
	if p == zone.PriorityCritical {
		return true
	}
	cost, ok := CostModel[p]
	if !ok {
		return true
	}
	return b.Consume(cost)
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int {
	return b.capacity // Immutable after construction.
}

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 {
	return b.consumedTotal.Load()
}

// RefillCount returns the number of refill cycles completed.
func (b *Bucket) RefillCount() uint64 {
	return b.refillCount.Load()
}

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() {
	close(b.stop)
}
