// Package resilience provides a circuit breaker for calls to remote services.
package resilience

import (
	"cmp"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/geotrack/geovector/pkg/fn"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	// StateHalfOpen admits up to HalfOpenMax probe calls.
	StateHalfOpen
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

// ErrCircuitOpen is returned without calling through while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type BreakerOpts struct {
	// FailThreshold consecutive failures open the breaker.
	FailThreshold int
	// Timeout is how long an open breaker rejects calls before probing.
	Timeout     time.Duration
	HalfOpenMax int
	// IsFailure selects the errors that count against FailThreshold; nil
	// counts all of them. Rejected errors still reach the caller.
	IsFailure func(error) bool
	// OnStateChange runs under the breaker's lock and must not call back into it.
	OnStateChange func(from, to State)
}

// DefaultBreakerOpts trips after five consecutive failures and probes again
// after thirty seconds.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker guards calls to one remote dependency.
type Breaker struct {
	opts BreakerOpts
	now  func() time.Time

	mu       sync.Mutex
	state    State
	streak   int       // consecutive failures while closed
	probes   int       // calls admitted since entering half-open
	reopenAt time.Time // when an open breaker starts probing
}

// NewBreaker creates a closed breaker. Zero fields take DefaultBreakerOpts values.
func NewBreaker(opts BreakerOpts) *Breaker {
	d := DefaultBreakerOpts
	opts.FailThreshold = cmp.Or(max(opts.FailThreshold, 0), d.FailThreshold)
	opts.Timeout = cmp.Or(max(opts.Timeout, 0), d.Timeout)
	opts.HalfOpenMax = cmp.Or(max(opts.HalfOpenMax, 0), d.HalfOpenMax)
	return &Breaker{opts: opts, now: time.Now}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refresh()
}

// refresh lets an expired open period lapse into half-open. Caller holds mu.
func (b *Breaker) refresh() State {
	if b.state == StateOpen && !b.now().Before(b.reopenAt) {
		b.setState(StateHalfOpen)
	}
	return b.state
}

// setState resets the counters for the new state. Caller holds mu.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state, b.streak, b.probes = to, 0, 0
	if to == StateOpen {
		b.reopenAt = b.now().Add(b.opts.Timeout)
	}
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(from, to)
	}
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.refresh() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probes >= b.opts.HalfOpenMax {
			return ErrCircuitOpen
		}
		b.probes++
	}
	return nil
}

func (b *Breaker) after(err error) {
	failed := err != nil && (b.opts.IsFailure == nil || b.opts.IsFailure(err))

	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateHalfOpen:
		if failed {
			b.setState(StateOpen)
		} else {
			b.setState(StateClosed)
		}
	case StateClosed:
		if !failed {
			b.streak = 0
			return
		}
		b.streak++
		if b.streak >= b.opts.FailThreshold {
			b.setState(StateOpen)
		}
	}
}

// Call runs f unless the breaker is open, and counts its outcome.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := f(ctx)
	b.after(err)
	return err
}

// CallResult is Call for functions returning an fn.Result.
func CallResult[T any](b *Breaker, ctx context.Context, f func(context.Context) fn.Result[T]) fn.Result[T] {
	if err := b.before(); err != nil {
		return fn.Err[T](err)
	}
	r := f(ctx)
	_, err := r.Unwrap()
	b.after(err)
	return r
}
