package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/QuillAI/quill-engine/pkg/fn"
)

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()
	boom := errors.New("model overloaded")

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, func(context.Context) error { return boom })
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Call(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("open breaker must not invoke the call")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()
	boom := errors.New("model overloaded")

	_ = b.Call(ctx, func(context.Context) error { return boom })
	_ = b.Call(ctx, func(context.Context) error { return boom })
	_ = b.Call(ctx, func(context.Context) error { return nil })
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after success", b.State())
	}

	// The counter restarted, two more failures must not trip.
	_ = b.Call(ctx, func(context.Context) error { return boom })
	_ = b.Call(ctx, func(context.Context) error { return boom })
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want still closed", b.State())
	}
}

func TestBreakerProbeClosesAfterTimeout(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: 5 * time.Second, HalfOpenMax: 1})
	b.now = func() time.Time { return now }
	ctx := context.Background()
	boom := errors.New("embed: connection refused")

	_ = b.Call(ctx, func(context.Context) error { return boom })
	_ = b.Call(ctx, func(context.Context) error { return boom })
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	now = now.Add(6 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", b.State())
	}

	if err := b.Call(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after probe success", b.State())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: 5 * time.Second, HalfOpenMax: 1})
	b.now = func() time.Time { return now }
	ctx := context.Background()
	boom := errors.New("embed: connection refused")

	_ = b.Call(ctx, func(context.Context) error { return boom })
	_ = b.Call(ctx, func(context.Context) error { return boom })
	now = now.Add(6 * time.Second)

	_ = b.Call(ctx, func(context.Context) error { return boom })
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after probe failure", b.State())
	}

	// The open window restarted, so an immediate call is still rejected.
	err := b.Call(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSingleProbeInHalfOpen(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Second, HalfOpenMax: 1})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Call(ctx, func(context.Context) error { return errors.New("down") })
	now = now.Add(2 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	// While the probe is in flight the only slot is taken.
	<-started
	err := b.Call(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen while probe in flight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(BreakerOpts{})
	if b.opts.FailThreshold != DefaultBreakerOpts.FailThreshold {
		t.Errorf("FailThreshold = %d, want %d", b.opts.FailThreshold, DefaultBreakerOpts.FailThreshold)
	}
	if b.opts.Timeout != DefaultBreakerOpts.Timeout {
		t.Errorf("Timeout = %v, want %v", b.opts.Timeout, DefaultBreakerOpts.Timeout)
	}
	if b.opts.HalfOpenMax != DefaultBreakerOpts.HalfOpenMax {
		t.Errorf("HalfOpenMax = %d, want %d", b.opts.HalfOpenMax, DefaultBreakerOpts.HalfOpenMax)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestCallResultPassesValue(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()

	r := CallResult(b, ctx, func(context.Context) fn.Result[string] {
		return fn.Ok("pong")
	})
	v, err := r.Unwrap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "pong" {
		t.Fatalf("got %q, want %q", v, "pong")
	}
}

func TestCallResultRejectsWhenOpen(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		CallResult(b, ctx, func(context.Context) fn.Result[int] {
			return fn.Err[int](errors.New("down"))
		})
	}

	r := CallResult(b, ctx, func(context.Context) fn.Result[int] { return fn.Ok(7) })
	if r.IsOk() {
		t.Fatal("expected rejection from open breaker")
	}
	if _, err := r.Unwrap(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCallResultProbeCycle(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Second, HalfOpenMax: 1})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	CallResult(b, ctx, func(context.Context) fn.Result[int] {
		return fn.Err[int](errors.New("down"))
	})
	now = now.Add(2 * time.Second)

	r := CallResult(b, ctx, func(context.Context) fn.Result[int] { return fn.Ok(42) })
	if r.Must() != 42 {
		t.Fatal("expected probe result")
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after probe", b.State())
	}
}

func TestBreakerStagePassesThrough(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Second})
	stage := BreakerStage(b, func(_ context.Context, v int) fn.Result[int] {
		return fn.Ok(v * 2)
	})

	r := stage(context.Background(), 5)
	if r.Must() != 10 {
		t.Fatalf("got %d, want 10", r.Must())
	}
}

func TestBreakerStageTripsPipeline(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Second})
	ctx := context.Background()
	stage := BreakerStage(b, func(context.Context, int) fn.Result[int] {
		return fn.Err[int](errors.New("down"))
	})

	_ = stage(ctx, 1)
	_ = stage(ctx, 2)

	r := stage(ctx, 3)
	if _, err := r.Unwrap(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerConcurrentCalls(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 100, Timeout: time.Second})
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Call(ctx, func(context.Context) error { return nil })
		}()
	}
	wg.Wait()

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}
