package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/geotrack/geovector/pkg/fn"
)

var errDown = errors.New("qdrant unavailable")

func failing(context.Context) error { return errDown }
func healthy(context.Context) error { return nil }

// clocked returns a breaker whose clock the test advances.
func clocked(opts BreakerOpts) (*Breaker, *time.Time) {
	now := time.Now()
	b := NewBreaker(opts)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerLifecycle(t *testing.T) {
	b, now := clocked(BreakerOpts{FailThreshold: 2, Timeout: 5 * time.Second, HalfOpenMax: 1})
	ctx := context.Background()

	if b.State() != StateClosed {
		t.Fatalf("new breaker should be closed, got %v", b.State())
	}
	_ = b.Call(ctx, failing)
	if b.State() != StateClosed {
		t.Fatalf("one failure below threshold should stay closed, got %v", b.State())
	}
	_ = b.Call(ctx, failing)
	if b.State() != StateOpen {
		t.Fatalf("expected open at threshold, got %v", b.State())
	}

	called := false
	err := b.Call(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open breaker must reject without calling, err=%v called=%v", err, called)
	}

	*now = now.Add(6 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after timeout, got %v", b.State())
	}
	if err := b.Call(ctx, healthy); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("successful probe should close, got %v", b.State())
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()

	for _, f := range []func(context.Context) error{failing, failing, healthy, failing, failing} {
		_ = b.Call(ctx, f)
	}
	if b.State() != StateClosed {
		t.Fatalf("success between failures should reset the count, got %v", b.State())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b, now := clocked(BreakerOpts{FailThreshold: 1, Timeout: 5 * time.Second, HalfOpenMax: 1})
	ctx := context.Background()

	_ = b.Call(ctx, failing)
	*now = now.Add(6 * time.Second)
	_ = b.Call(ctx, failing)
	if b.State() != StateOpen {
		t.Fatalf("failed probe should reopen, got %v", b.State())
	}
}

func TestCallResult(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()
	search := func(ok bool) func(context.Context) fn.Result[[]string] {
		return func(context.Context) fn.Result[[]string] {
			if ok {
				return fn.Ok([]string{"a"})
			}
			return fn.Err[[]string](errDown)
		}
	}

	if v, err := CallResult(b, ctx, search(true)).Unwrap(); err != nil || len(v) != 1 {
		t.Fatalf("got %v, %v", v, err)
	}
	for i := 0; i < 2; i++ {
		if _, err := CallResult(b, ctx, search(false)).Unwrap(); !errors.Is(err, errDown) {
			t.Fatalf("call %d: expected the search error, got %v", i, err)
		}
	}
	if _, err := CallResult(b, ctx, search(true)).Unwrap(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerIgnoresNonFailures(t *testing.T) {
	invalid := errors.New("invalid query")
	b := NewBreaker(BreakerOpts{
		FailThreshold: 1,
		Timeout:       time.Second,
		IsFailure:     func(err error) bool { return !errors.Is(err, invalid) },
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Call(ctx, func(context.Context) error { return invalid }); !errors.Is(err, invalid) {
			t.Fatalf("expected the call's own error, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("caller errors must not trip the breaker, got %v", b.State())
	}
}

func TestBreakerStateChangeHook(t *testing.T) {
	now := time.Now()
	var transitions []string
	b := NewBreaker(BreakerOpts{
		FailThreshold: 1,
		Timeout:       time.Second,
		OnStateChange: func(from, to State) { transitions = append(transitions, from.String()+">"+to.String()) },
	})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Call(ctx, func(context.Context) error { return errors.New("down") })
	now = now.Add(2 * time.Second)
	_ = b.Call(ctx, func(context.Context) error { return nil })

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Second, HalfOpenMax: 1})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Call(ctx, func(context.Context) error { return errors.New("down") })
	now = now.Add(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Call(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	if err := b.Call(ctx, func(context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second probe should be rejected, got %v", err)
	}
	close(release)
}

func TestStateString(t *testing.T) {
	if StateHalfOpen.String() != "half-open" || State(9).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
}
