package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
)

// ErrCircuitOpen is returned while the breaker rejects completion calls.
var ErrCircuitOpen = errors.New("completion circuit open")

// Policy defines limits applied at the completion boundary.
type Policy struct {
	Timeout          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultPolicy returns the default completion policy.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:          60 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// LimitType identifies which limit is reached.
type LimitType string

const (
	LimitWallTime LimitType = "max_wall_time_seconds"
)

// LimitError indicates a run limit was reached.
type LimitError struct {
	Type      LimitType
	Value     int64
	Threshold int64
	Err       error
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit reached type=%s value=%d threshold=%d", e.Type, e.Value, e.Threshold)
}

func (e *LimitError) Unwrap() error {
	return e.Err
}

// Guard wraps a Completer with a per-call timeout and a circuit breaker.
// It never retries; a failed call is reported to the caller as is.
type Guard struct {
	next    modelpkg.Completer
	policy  Policy
	circuit *CircuitBreaker
	now     func() time.Time

	// OnTransition, when set, is called after the breaker changes state.
	OnTransition func(from, to CircuitState, errClass string)
}

// NewGuard creates a Guard around next.
func NewGuard(next modelpkg.Completer, p Policy) *Guard {
	return &Guard{
		next:    next,
		policy:  p,
		circuit: NewCircuitBreaker(p.BreakerThreshold, p.BreakerCooldown),
		now:     time.Now,
	}
}

// Circuit exposes the underlying breaker.
func (g *Guard) Circuit() *CircuitBreaker {
	return g.circuit
}

// Complete implements model.Completer.
func (g *Guard) Complete(ctx context.Context, system, user string) (modelpkg.CompletionResponse, error) {
	before := g.circuit.State()
	if !g.circuit.Allow(g.now()) {
		return modelpkg.CompletionResponse{}, ErrCircuitOpen
	}
	g.notify(before, g.circuit.State(), "")

	// A panicking backend still has to release a half-open trial.
	defer func() {
		if r := recover(); r != nil {
			before := g.circuit.State()
			g.circuit.RecordFailure("panic", g.now())
			g.notify(before, g.circuit.State(), "panic")
			panic(r)
		}
	}()

	callCtx := ctx
	if g.policy.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.policy.Timeout)
		defer cancel()
	}

	startedAt := g.now()
	resp, err := g.next.Complete(callCtx, system, user)
	if err != nil {
		errClass := "provider_api"
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			errClass = "timeout"
			err = &LimitError{
				Type:      LimitWallTime,
				Value:     int64(g.now().Sub(startedAt).Seconds()),
				Threshold: int64(g.policy.Timeout.Seconds()),
				Err:       err,
			}
		}
		before := g.circuit.State()
		g.circuit.RecordFailure(errClass, g.now())
		g.notify(before, g.circuit.State(), errClass)
		return resp, err
	}

	before = g.circuit.State()
	g.circuit.RecordSuccess()
	g.notify(before, g.circuit.State(), "")
	return resp, nil
}

func (g *Guard) notify(from, to CircuitState, errClass string) {
	if from != to && g.OnTransition != nil {
		g.OnTransition(from, to, errClass)
	}
}
