package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/blockadesystems/certfleet/internal/metrics"
	"github.com/blockadesystems/certfleet/internal/model"
)

// GuardOptions configures the resilience wrapper placed around every adapter.
type GuardOptions struct {
	Timeout         time.Duration // Per-call deadline
	RateLimit       float64       // Calls per second, <= 0 disables limiting
	RateBurst       int
	BreakerFailures uint32        // Consecutive failures that open the breaker
	BreakerOpenFor  time.Duration // Time spent open before probing again
}

// Guarded applies a rate limiter, a circuit breaker and a call deadline to a Provider and records
// call metrics. Optional capabilities of the wrapped provider stay reachable through
// AsHealthChecker and AsCAInspector.
type Guarded struct {
	inner   Provider
	timeout time.Duration
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

var (
	_ Provider      = (*Guarded)(nil)
	_ HealthChecker = (*Guarded)(nil)
	_ CAInspector   = (*Guarded)(nil)
)

// Guard wraps p. Wrapping an already guarded provider returns it unchanged.
func Guard(p Provider, opts GuardOptions) *Guarded {
	if g, ok := p.(*Guarded); ok {
		return g
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerOpenFor <= 0 {
		opts.BreakerOpenFor = 30 * time.Second
	}

	name := string(p.Name())
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}

	failures := opts.BreakerFailures
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("Provider circuit breaker changed state",
				zap.String("provider", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
		IsSuccessful: breakerSuccess,
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))

	return &Guarded{
		inner:   p,
		timeout: opts.Timeout,
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// breakerSuccess keeps caller mistakes (4xx other than timeouts and throttling) from tripping the breaker.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return false
		}
		return pe.StatusCode >= 400 && pe.StatusCode < 500
	}
	return false
}

// Unwrap returns the adapter behind the guard.
func (g *Guarded) Unwrap() Provider { return g.inner }

// State reports the breaker state (closed, half-open, open).
func (g *Guarded) State() string { return g.breaker.State().String() }

func (g *Guarded) Name() model.CAProvider            { return g.inner.Name() }
func (g *Guarded) Connect(ctx context.Context) error { return g.inner.Connect(ctx) }
func (g *Guarded) Close() error                      { return g.inner.Close() }

func (g *Guarded) Issue(ctx context.Context, req *IssueRequest) (*CertificateResult, error) {
	return guardedCall(ctx, g, "issue", func(ctx context.Context) (*CertificateResult, error) {
		return g.inner.Issue(ctx, req)
	})
}

func (g *Guarded) Revoke(ctx context.Context, identifier, reason string) (*RevocationResult, error) {
	return guardedCall(ctx, g, "revoke", func(ctx context.Context) (*RevocationResult, error) {
		return g.inner.Revoke(ctx, identifier, reason)
	})
}

func (g *Guarded) Fetch(ctx context.Context, identifier string) (*CertificateResult, error) {
	return guardedCall(ctx, g, "fetch", func(ctx context.Context) (*CertificateResult, error) {
		return g.inner.Fetch(ctx, identifier)
	})
}

func (g *Guarded) List(ctx context.Context) ([]string, error) {
	return guardedCall(ctx, g, "list", func(ctx context.Context) ([]string, error) {
		return g.inner.List(ctx)
	})
}

// Health delegates to the wrapped provider. Providers without a health check are always healthy.
func (g *Guarded) Health(ctx context.Context) error {
	hc, ok := g.inner.(HealthChecker)
	if !ok {
		return nil
	}
	_, err := guardedCall(ctx, g, "health", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, hc.Health(ctx)
	})
	return err
}

func (g *Guarded) CAMounts(ctx context.Context) ([]CAMount, error) {
	ci, ok := g.inner.(CAInspector)
	if !ok {
		return nil, nil
	}
	return guardedCall(ctx, g, "ca_mounts", func(ctx context.Context) ([]CAMount, error) {
		return ci.CAMounts(ctx)
	})
}

func guardedCall[T any](ctx context.Context, g *Guarded, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	name := string(g.inner.Name())
	start := time.Now()

	if err := g.limiter.Wait(ctx); err != nil {
		metrics.ProviderCalls.WithLabelValues(name, op, "throttled").Inc()
		return zero, &ProviderError{Provider: g.inner.Name(), StatusCode: http.StatusTooManyRequests, Message: "rate limit wait aborted: " + err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.breaker.Execute(func() (interface{}, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, transportError(g.inner.Name(), err)
		}
		return v, nil
	})
	metrics.ProviderLatency.WithLabelValues(name, op).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.ProviderCalls.WithLabelValues(name, op, "rejected").Inc()
		return zero, &ProviderError{Provider: g.inner.Name(), StatusCode: http.StatusServiceUnavailable, Message: "circuit breaker open"}
	}
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(name, op, "error").Inc()
		logger.Warn("Provider call failed", zap.String("provider", name), zap.String("operation", op), zap.Error(err))
		return zero, err
	}
	metrics.ProviderCalls.WithLabelValues(name, op, "ok").Inc()
	if out == nil {
		return zero, nil
	}
	return out.(T), nil
}

// AsHealthChecker returns p's health checker, looking through a guard.
func AsHealthChecker(p Provider) (HealthChecker, bool) {
	if g, ok := p.(*Guarded); ok {
		if _, ok := g.inner.(HealthChecker); !ok {
			return nil, false
		}
		return g, true
	}
	hc, ok := p.(HealthChecker)
	return hc, ok
}

// AsCAInspector returns p's CA inspector, looking through a guard.
func AsCAInspector(p Provider) (CAInspector, bool) {
	if g, ok := p.(*Guarded); ok {
		if _, ok := g.inner.(CAInspector); !ok {
			return nil, false
		}
		return g, true
	}
	ci, ok := p.(CAInspector)
	return ci, ok
}
