package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrCapacityExceeded is returned once a channel has reached 100% of its
// configured capacity (§5).
var ErrCapacityExceeded = errors.New("capacity exceeded")

// ErrQueueFull is returned when an InflightLimiter's bounded wait queue is
// already at capacity (§5, evaluator pool admission).
var ErrQueueFull = errors.New("submission queue is full")

// Pacer implements the §5 channel backpressure policy: below 80% occupancy
// publish proceeds immediately; between 80% and 100% it is delayed linearly
// up to timeoutWindow/4; at or above 100% it is rejected outright. The delay
// is enforced with a rate.Limiter whose limit is recomputed on every call
// from the caller-supplied occupancy, rather than a fixed token bucket.
type Pacer struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	maxLen   int
	maxDelay time.Duration
}

// NewPacer builds a Pacer for a channel with the given capacity. maxDelay is
// derived from the circuit breaker's timeout_window (maxDelay = window/4).
func NewPacer(maxLen int, timeoutWindow time.Duration) *Pacer {
	return &Pacer{
		limiter:  rate.NewLimiter(rate.Inf, 1),
		maxLen:   maxLen,
		maxDelay: timeoutWindow / 4,
	}
}

// Wait blocks the caller proportionally to occupancy/maxLen, or returns
// ErrCapacityExceeded immediately once occupancy has reached maxLen.
func (p *Pacer) Wait(ctx context.Context, occupancy int) error {
	if p.maxLen <= 0 {
		return nil
	}

	ratio := float64(occupancy) / float64(p.maxLen)
	if ratio >= 1.0 {
		return ErrCapacityExceeded
	}

	p.mu.Lock()
	if ratio < 0.8 {
		p.limiter.SetLimit(rate.Inf)
	} else {
		frac := (ratio - 0.8) / 0.2
		delay := time.Duration(frac * float64(p.maxDelay))
		if delay <= 0 {
			delay = time.Millisecond
		}
		p.limiter.SetLimit(rate.Every(delay))
		// Spend any banked token so this call waits a full interval
		// instead of passing at once on a full bucket.
		p.limiter.Allow()
	}
	p.mu.Unlock()

	return p.limiter.WaitN(ctx, 1)
}

// InflightLimiter bounds concurrent work to a fixed admission limit with a
// bounded wait queue on top, per §5's evaluator pool policy
// (max_inflight = 4 x #CPU, queue bound 10_000).
type InflightLimiter struct {
	sem   chan struct{}
	queue chan struct{}
}

// NewInflightLimiter creates a limiter admitting at most `limit` concurrent
// holders, with up to `queueCap` callers allowed to wait for a slot; beyond
// that, Acquire returns ErrQueueFull immediately.
func NewInflightLimiter(limit, queueCap int) *InflightLimiter {
	if limit <= 0 {
		limit = 1
	}
	if queueCap < 0 {
		queueCap = 0
	}
	return &InflightLimiter{
		sem:   make(chan struct{}, limit),
		queue: make(chan struct{}, queueCap),
	}
}

// Acquire reserves a slot, blocking while the admission limit is saturated
// but the wait queue still has room. The returned release func must be
// called to free the slot. Returns ErrQueueFull when the queue is already
// full, or ctx.Err() if ctx is done before a slot frees up.
func (l *InflightLimiter) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	default:
	}

	select {
	case l.queue <- struct{}{}:
	default:
		return nil, ErrQueueFull
	}
	defer func() { <-l.queue }()

	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight reports the number of slots currently held.
func (l *InflightLimiter) InFlight() int {
	return len(l.sem)
}

// Queued reports the number of callers currently waiting for a slot.
func (l *InflightLimiter) Queued() int {
	return len(l.queue)
}
