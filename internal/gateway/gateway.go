// Package gateway wraps every outbound call to the code host, the ticketing
// system and the checker services behind one client abstraction that owns
// retry, backoff and circuit breaking. Callers stay retry-agnostic: they
// hand the gateway a plain call function and get back either success, a
// definitive error, or ErrCircuitOpen.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/logging"
)

// CallFunc is a single attempt of an outbound call. The context carries the
// per-attempt request timeout. Return a *Error for classified failures;
// anything else is treated as transient.
type CallFunc func(ctx context.Context) error

// AlarmFunc receives operational alarms: broken credentials, opened
// breakers, and similar conditions an operator must act on.
type AlarmFunc func(ctx context.Context, dependency, reason string, err error)

// Gateway is the uniform outbound-call wrapper. One gateway is shared by
// all workflow instances; breaker state is per dependency, process-wide.
type Gateway struct {
	cfg    config.GatewayConfig
	logger *logging.Logger
	alarm  AlarmFunc

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// New creates a gateway with the given retry/breaker configuration.
func New(cfg config.GatewayConfig, logger *logging.Logger, alarm AlarmFunc) *Gateway {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gateway{
		cfg:      cfg,
		logger:   logger.Named("gateway"),
		alarm:    alarm,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Do executes fn against the named dependency with retry, exponential
// backoff with jitter, and circuit breaking.
//
// Retry policy: transient failures (network errors, timeouts, 5xx) and
// rate limits are retried up to the configured attempt budget, honoring any
// server-provided retry-after hint; definitive client errors are returned
// immediately and never retried. Unauthorized additionally raises an alarm.
//
// Non-idempotent operations (ticket create) must be preceded by a
// caller-side idempotency check; the gateway does not deduplicate.
func (g *Gateway) Do(ctx context.Context, dependency, operation string, fn CallFunc) error {
	cb := g.breaker(dependency)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.InitialBackoff.Duration()
	bo.MaxInterval = g.cfg.MaxBackoff.Duration()
	bo.MaxElapsedTime = 0 // attempt count bounds the loop, not elapsed time
	bo.Reset()

	var lastErr error
	start := time.Now()

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if err := cb.Allow(); err != nil {
			g.logger.Warn(ctx, "call short-circuited, dependency unavailable",
				zap.String("dependency", dependency),
				zap.String("operation", operation),
			)
			g.raiseAlarm(ctx, dependency, "circuit breaker open", lastErr)
			return &Error{Dependency: dependency, Operation: operation, Kind: KindTransient, Err: ErrCircuitOpen}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout.Duration())
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			cb.RecordSuccess()
			if attempt > 1 {
				g.logger.Info(ctx, "call recovered after retries",
					zap.String("dependency", dependency),
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(start)),
				)
			}
			return nil
		}

		ge := classify(err)
		ge.Dependency = dependency
		ge.Operation = operation
		lastErr = ge
		cb.RecordFailure()

		if ge.Kind == KindUnauthorized {
			g.raiseAlarm(ctx, dependency, "unauthorized", ge)
		}
		if !ge.Retryable() {
			g.logger.Debug(ctx, "call failed with definitive error, not retrying",
				zap.String("dependency", dependency),
				zap.String("operation", operation),
				zap.Int("status_code", ge.StatusCode),
				zap.Error(ge.Err),
			)
			return ge
		}
		if attempt == g.cfg.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if ge.RetryAfter > 0 {
			// The server told us when to come back; trust it over our own
			// schedule, capped at the configured maximum.
			delay = ge.RetryAfter
			if max := g.cfg.MaxBackoff.Duration(); delay > max {
				delay = max
			}
		}

		g.logger.Info(ctx, "retrying call after transient failure",
			zap.String("dependency", dependency),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", g.cfg.MaxAttempts),
			zap.Duration("backoff", delay),
			zap.Error(ge.Err),
		)

		select {
		case <-ctx.Done():
			return &Error{Dependency: dependency, Operation: operation, Kind: KindTransient, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	g.logger.Warn(ctx, "call failed after all retries exhausted",
		zap.String("dependency", dependency),
		zap.String("operation", operation),
		zap.Int("attempts", g.cfg.MaxAttempts),
		zap.Duration("total_time", time.Since(start)),
		zap.Error(lastErr),
	)
	return lastErr
}

// BreakerState reports the named dependency's breaker state.
func (g *Gateway) BreakerState(dependency string) BreakerState {
	return g.breaker(dependency).State()
}

// IsUnavailable reports whether err means the dependency was short-circuited
// rather than the call itself failing.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

func (g *Gateway) breaker(dependency string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[dependency]
	if !ok {
		cb = NewCircuitBreaker(g.cfg.BreakerThreshold, g.cfg.BreakerCooldown.Duration())
		g.breakers[dependency] = cb
	}
	return cb
}

func (g *Gateway) raiseAlarm(ctx context.Context, dependency, reason string, err error) {
	if g.alarm == nil {
		return
	}
	g.alarm(ctx, dependency, reason, err)
}
