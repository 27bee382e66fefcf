// Package resilience wraps calls to flaky dependencies in a circuit
// breaker and a token bucket rate limiter. The services use these around
// the Ollama clients so a dead model server sheds load quickly instead of
// stacking up blocked requests.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/QuillAI/quill-engine/pkg/fn"
)

// State is the breaker's position in its closed/open/half-open cycle.
type State int

const (
	StateClosed   State = iota // calls flow, failures are counted
	StateOpen                  // calls are rejected outright
	StateHalfOpen              // a limited number of probes may pass
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without invoking the wrapped call while the
// breaker is rejecting traffic.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures a Breaker.
type BreakerOpts struct {
	// FailThreshold is the number of consecutive failures that opens the
	// breaker.
	FailThreshold int
	// Timeout is how long the breaker rejects calls before letting probes
	// through.
	Timeout time.Duration
	// HalfOpenMax caps the probes admitted while half-open.
	HalfOpenMax int
}

// DefaultBreakerOpts are the settings the services use unless tuned.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker trips after consecutive failures and recovers through probe
// calls once the open timeout has passed.
type Breaker struct {
	mu            sync.Mutex
	opts          BreakerOpts
	state         State
	failures      int
	openedAt      time.Time
	halfOpenCount int
	now           func() time.Time // stubbed in tests
}

// NewBreaker returns a closed breaker. Zero fields in opts fall back to
// DefaultBreakerOpts.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOpts.Timeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State reports the breaker state, moving open to half-open once the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState applies the open to half-open transition. Caller holds mu.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.Timeout {
		b.state = StateHalfOpen
		b.halfOpenCount = 0
	}
	return b.state
}

// admit decides whether a call may start. In half-open it also reserves
// one of the probe slots.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.currentState() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenCount >= b.opts.HalfOpenMax {
			return ErrCircuitOpen
		}
		b.halfOpenCount++
	}
	return nil
}

// settle records the outcome of an admitted call. A failed probe or
// hitting the failure threshold opens the breaker, a successful probe
// closes it.
func (b *Breaker) settle(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if failed {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.opts.FailThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.failures = 0
			b.halfOpenCount = 0
		}
		return
	}
	if b.state == StateHalfOpen {
		b.state = StateClosed
	}
	b.failures = 0
}

// Call runs f unless the breaker rejects it. Errors from f pass through
// unchanged and count toward the failure threshold.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := f(ctx)
	b.settle(err != nil)
	return err
}

// CallResult is the fn.Result form of Call for use inside pipelines.
func CallResult[T any](b *Breaker, ctx context.Context, f func(context.Context) fn.Result[T]) fn.Result[T] {
	if err := b.admit(); err != nil {
		return fn.Err[T](err)
	}
	r := f(ctx)
	b.settle(r.IsErr())
	return r
}

// BreakerStage guards a pipeline stage with b.
func BreakerStage[In, Out any](b *Breaker, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		return CallResult(b, ctx, func(ctx context.Context) fn.Result[Out] {
			return stage(ctx, in)
		})
	}
}
