package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skane-air/aqcast/internal/config"
)

func failing(_ context.Context) error { return errors.New("fail") }

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	cb.nowFunc = func() time.Time { return now }

	ctx := context.Background()
	_ = cb.Execute(ctx, failing)
	assert.Equal(t, CircuitClosed, cb.State())
	_ = cb.Execute(ctx, failing)
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(ctx, func(context.Context) error { t.Fatal("called while open"); return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	now = now.Add(time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	_ = cb.Execute(ctx, failing)
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(time.Minute)
	require.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())

	assert.Equal(t, []string{
		"closed>open", "open>half-open", "half-open>open", "open>half-open", "half-open>closed",
	}, transitions)
}

func TestCircuitBreaker_ShouldTripAndReset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})
	_ = cb.Execute(context.Background(), failing)
	assert.Equal(t, CircuitClosed, cb.State(), "permanent errors do not trip")

	_ = cb.Execute(context.Background(), func(context.Context) error {
		return NewTransientError(errors.New("503"), 503)
	})
	assert.Equal(t, CircuitOpen, cb.State())
	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestServiceBreakers(t *testing.T) {
	t.Parallel()

	sb := NewServiceBreakers(DefaultCircuitBreakerConfig())
	assert.Same(t, sb.Get("aqicn"), sb.Get("aqicn"))
	assert.NotSame(t, sb.Get("aqicn"), sb.Get("openmeteo"))
	assert.Equal(t, map[string]CircuitState{"aqicn": CircuitClosed, "openmeteo": CircuitClosed}, sb.States())
}

func TestCall_RetriesThroughBreaker(t *testing.T) {
	t.Parallel()

	g := NewGuard(config.RetryConfig{MaxAttempts: 3, InitialBackoffMs: 1, MaxBackoffMs: 2},
		config.CircuitConfig{FailureThreshold: 2, ResetTimeoutSecs: 60})

	var calls int
	_, err := Call(context.Background(), g, "aqicn", "feed", func(context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("503"), 503)
	})
	require.Error(t, err)
	// Two real calls open the breaker; the third attempt is rejected without calling fn.
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	_, err = Call(context.Background(), g, "aqicn", "feed", func(context.Context) (int, error) {
		calls++
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)

	v, err := Call(context.Background(), g, "openmeteo", "forecast", func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
