package resilience

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/config"
)

// Guard applies the retry policy and the provider's circuit breaker to a call.
type Guard struct {
	Retry    RetryConfig
	Breakers *ServiceBreakers
}

// NewGuard builds a Guard from the retry and circuit settings.
func NewGuard(rc config.RetryConfig, cc config.CircuitConfig) *Guard {
	retry := DefaultRetryConfig()
	if rc.MaxAttempts > 0 {
		retry.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialBackoffMs > 0 {
		retry.InitialBackoff = time.Duration(rc.InitialBackoffMs) * time.Millisecond
	}
	if rc.MaxBackoffMs > 0 {
		retry.MaxBackoff = time.Duration(rc.MaxBackoffMs) * time.Millisecond
	}

	circuit := DefaultCircuitBreakerConfig()
	if cc.FailureThreshold > 0 {
		circuit.FailureThreshold = cc.FailureThreshold
	}
	if cc.ResetTimeoutSecs > 0 {
		circuit.ResetTimeout = time.Duration(cc.ResetTimeoutSecs) * time.Second
	}
	return &Guard{Retry: retry, Breakers: NewServiceBreakers(circuit)}
}

// Call runs fn for provider with retries, each attempt passing through the
// provider's breaker. An open circuit is not retried.
func Call[T any](ctx context.Context, g *Guard, provider, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg := g.Retry
	cfg.OnRetry = RetryLogger(provider, operation)
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}
	cfg.ShouldRetry = func(err error) bool {
		return !errors.Is(err, ErrCircuitOpen) && shouldRetry(err)
	}

	cb := g.Breakers.Get(provider)
	val, err := DoVal(ctx, cfg, func(ctx context.Context) (T, error) {
		return ExecuteVal(ctx, cb, fn)
	})
	if errors.Is(err, ErrCircuitOpen) {
		zap.L().Warn("provider circuit open",
			zap.String("provider", provider),
			zap.String("operation", operation))
	}
	return val, err
}
