package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
)

type stubCompleter struct {
	calls atomic.Int32
	err   error
	wait  bool
	delay time.Duration
	panic bool
}

func (s *stubCompleter) Complete(ctx context.Context, system, user string) (modelpkg.CompletionResponse, error) {
	s.calls.Add(1)
	if s.panic {
		panic("backend exploded")
	}
	if s.wait {
		<-ctx.Done()
		return modelpkg.CompletionResponse{}, ctx.Err()
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return modelpkg.CompletionResponse{}, s.err
	}
	return modelpkg.CompletionResponse{Content: "ok:" + user}, nil
}

func TestGuard_PassesThrough(t *testing.T) {
	g := NewGuard(&stubCompleter{}, DefaultPolicy())

	resp, err := g.Complete(context.Background(), "sys", "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok:hi", resp.Content)
}

func TestGuard_TimeoutIsLimitError(t *testing.T) {
	g := NewGuard(&stubCompleter{wait: true}, Policy{Timeout: 20 * time.Millisecond, BreakerThreshold: 5})

	_, err := g.Complete(context.Background(), "sys", "hi")
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, LimitWallTime, limitErr.Type)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGuard_OpensAfterThresholdAndRecovers(t *testing.T) {
	stub := &stubCompleter{err: errors.New("openai non-success status=502")}
	g := NewGuard(stub, Policy{BreakerThreshold: 2, BreakerCooldown: time.Minute})
	now := time.Unix(1000, 0)
	g.now = func() time.Time { return now }

	var transitions []CircuitState
	g.OnTransition = func(from, to CircuitState, errClass string) {
		transitions = append(transitions, to)
	}

	for i := 0; i < 2; i++ {
		_, err := g.Complete(context.Background(), "s", "u")
		require.Error(t, err)
	}
	require.Equal(t, CircuitOpen, g.Circuit().State())

	_, err := g.Complete(context.Background(), "s", "u")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), stub.calls.Load(), "open circuit skips the call")

	now = now.Add(2 * time.Minute)
	stub.err = nil
	_, err = g.Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, g.Circuit().State())
	assert.Equal(t, []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}, transitions)
}

func TestGuard_HalfOpenLetsOneConcurrentCallThrough(t *testing.T) {
	stub := &stubCompleter{err: errors.New("status=503"), delay: 50 * time.Millisecond}
	g := NewGuard(stub, Policy{BreakerThreshold: 1, BreakerCooldown: 30 * time.Second})
	now := time.Unix(1000, 0)
	g.now = func() time.Time { return now }

	_, err := g.Complete(context.Background(), "s", "u")
	require.Error(t, err)
	require.Equal(t, CircuitOpen, g.Circuit().State())
	now = now.Add(time.Minute)

	var rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Complete(context.Background(), "s", "u"); errors.Is(err, ErrCircuitOpen) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), stub.calls.Load(), "only the half-open trial reaches the backend")
	assert.Equal(t, int32(19), rejected.Load())
	assert.Equal(t, CircuitOpen, g.Circuit().State())
}

func TestGuard_PanicReleasesTrial(t *testing.T) {
	stub := &stubCompleter{panic: true}
	g := NewGuard(stub, Policy{BreakerThreshold: 1, BreakerCooldown: time.Minute})
	now := time.Unix(1000, 0)
	g.now = func() time.Time { return now }

	assert.Panics(t, func() { _, _ = g.Complete(context.Background(), "s", "u") })
	require.Equal(t, CircuitOpen, g.Circuit().State())

	now = now.Add(2 * time.Minute)
	assert.Panics(t, func() { _, _ = g.Complete(context.Background(), "s", "u") })
	require.Equal(t, CircuitOpen, g.Circuit().State(), "failed trial reopens")

	now = now.Add(2 * time.Minute)
	stub.panic = false
	_, err := g.Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, g.Circuit().State())
}

func TestGuard_CallerCancelIsNotTimeout(t *testing.T) {
	g := NewGuard(&stubCompleter{wait: true}, Policy{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Complete(ctx, "s", "u")

	var limitErr *LimitError
	assert.False(t, errors.As(err, &limitErr), "caller cancel is not a wall-time limit: %v", err)
	assert.ErrorIs(t, err, context.Canceled)
}
