package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/QuillAI/quill-engine/pkg/fn"
)

// ErrRateLimited is returned by the non-blocking limiter paths when the
// bucket is empty.
var ErrRateLimited = errors.New("rate limited")

// LimiterOpts configures a token bucket.
type LimiterOpts struct {
	// Rate is how many tokens accrue per second.
	Rate float64
	// Burst caps the bucket. Zero or negative means a single token.
	Burst int
}

// Limiter is a token bucket. Allow spends a token without blocking, Wait
// sleeps until one is available.
type Limiter struct {
	mu     sync.Mutex
	opts   LimiterOpts
	tokens float64
	last   time.Time
	now    func() time.Time // stubbed in tests
}

// NewLimiter returns a full bucket.
func NewLimiter(opts LimiterOpts) *Limiter {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Limiter{
		opts:   opts,
		tokens: float64(opts.Burst),
		now:    time.Now,
	}
}

// take spends a token if one is available. When the bucket is empty it
// reports how long until the next token accrues.
func (l *Limiter) take() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	if l.tokens >= 1 {
		l.tokens--
		return true, 0
	}
	deficit := 1.0 - l.tokens
	return false, time.Duration(deficit / l.opts.Rate * float64(time.Second))
}

// refill credits tokens for the time elapsed since the last call, capped
// at the burst size. Caller holds mu.
func (l *Limiter) refill() {
	now := l.now()
	if l.last.IsZero() {
		l.last = now
		return
	}
	l.tokens += now.Sub(l.last).Seconds() * l.opts.Rate
	if l.tokens > float64(l.opts.Burst) {
		l.tokens = float64(l.opts.Burst)
	}
	l.last = now
}

// Allow spends a token without blocking.
func (l *Limiter) Allow() bool {
	ok, _ := l.take()
	return ok
}

// Wait blocks until a token is spent or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		ok, wait := l.take()
		if ok {
			return nil
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Call runs f if a token is available and returns ErrRateLimited
// otherwise.
func (l *Limiter) Call(ctx context.Context, f func(context.Context) error) error {
	if !l.Allow() {
		return ErrRateLimited
	}
	return f(ctx)
}

// CallWait blocks for a token before running f.
func (l *Limiter) CallWait(ctx context.Context, f func(context.Context) error) error {
	if err := l.Wait(ctx); err != nil {
		return err
	}
	return f(ctx)
}

// LimiterStage rejects stage inputs with ErrRateLimited while the bucket
// is empty.
func LimiterStage[In, Out any](l *Limiter, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if !l.Allow() {
			return fn.Err[Out](ErrRateLimited)
		}
		return stage(ctx, in)
	}
}

// LimiterStageWait holds each stage input until a token is available.
func LimiterStageWait[In, Out any](l *Limiter, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if err := l.Wait(ctx); err != nil {
			return fn.Err[Out](err)
		}
		return stage(ctx, in)
	}
}
