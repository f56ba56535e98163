package limiter

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter gates outbound backend calls by concurrency and rate. Zero
// values disable the respective bound.
type Limiter struct {
	semaphore   chan struct{}
	rateLimiter *rate.Limiter
}

func New(maxConcurrent, ratePerSecond int) *Limiter {
	l := &Limiter{}
	if maxConcurrent > 0 {
		l.semaphore = make(chan struct{}, maxConcurrent)
	}
	if ratePerSecond > 0 {
		l.rateLimiter = rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond)
	} else {
		l.rateLimiter = rate.NewLimiter(rate.Inf, 0)
	}
	return l
}

// Acquire blocks until a slot is free. The returned release must be called
// exactly once.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if l == nil {
		return func() {}, nil
	}
	if err := l.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	if l.semaphore == nil {
		return func() {}, nil
	}

	select {
	case l.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// select picks at random when both are ready
	if err := ctx.Err(); err != nil {
		<-l.semaphore
		return nil, err
	}
	return func() { <-l.semaphore }, nil
}

// InFlight reports how many slots are currently held.
func (l *Limiter) InFlight() int {
	if l == nil || l.semaphore == nil {
		return 0
	}
	return len(l.semaphore)
}
