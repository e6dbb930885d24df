package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/acqdte/trading-engine/internal/risk"
	"github.com/acqdte/trading-engine/internal/trade"
)

// ErrRetryBudgetExhausted means the guarded gateway gave up on a decision.
// The engine escalates this to the supervisor instead of retrying further.
var ErrRetryBudgetExhausted = errors.New("exec: retry budget exhausted")

// GuardedOptions size the protective wrapper.
type GuardedOptions struct {
	RatePerSec      float64
	RateBurst       int
	RetryBudget     int
	BackoffBase     time.Duration
	OrderTimeout    time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// GuardedGateway wraps another gateway with a token-bucket rate limit, a
// circuit breaker and a bounded retry loop. Only retryable exchange errors
// are replayed; the inner gateway's idempotency makes replays safe.
type GuardedGateway struct {
	inner   Gateway
	opts    GuardedOptions
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewGuardedGateway(inner Gateway, opts GuardedOptions, log zerolog.Logger) *GuardedGateway {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 250 * time.Millisecond
	}
	if opts.OrderTimeout <= 0 {
		opts.OrderTimeout = 10 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}

	glog := log.With().Str("component", "exec").Str("gateway", "guarded").Logger()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "order-gateway",
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			glog.Warn().Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
		},
	})

	return &GuardedGateway{
		inner:   inner,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RateBurst),
		breaker: breaker,
		log:     glog,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PlaceOrder drives the inner gateway through the guards. Every attempt
// waits for a rate token and runs under the per-order timeout; retryable
// failures back off exponentially until the budget runs out.
func (g *GuardedGateway) PlaceOrder(ctx context.Context, d trade.Decision, book BookView) (trade.FillReport, error) {
	var lastErr error
	for attempt := 0; attempt < g.opts.RetryBudget; attempt++ {
		if attempt > 0 {
			backoff := g.opts.BackoffBase << (attempt - 1)
			if err := g.sleep(ctx, backoff); err != nil {
				return trade.FillReport{}, err
			}
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return trade.FillReport{}, err
		}

		res, err := g.breaker.Execute(func() (interface{}, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, g.opts.OrderTimeout)
			defer cancel()
			return g.inner.PlaceOrder(attemptCtx, d, book)
		})
		if err == nil {
			return res.(trade.FillReport), nil
		}
		lastErr = err

		if !retryable(err) || ctx.Err() != nil {
			return trade.FillReport{}, err
		}
		g.log.Warn().Err(err).Str("decision_id", d.ID).Int("attempt", attempt+1).Msg("order attempt failed, retrying")
	}
	return trade.FillReport{}, fmt.Errorf("%w after %d attempts: %v", ErrRetryBudgetExhausted, g.opts.RetryBudget, lastErr)
}

// retryable: explicit retryable exchange errors, timeouts, and a tripped
// breaker (the cooldown may expire between attempts).
func retryable(err error) bool {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	return false
}

func (g *GuardedGateway) Rules() risk.ExchangeRules { return g.inner.Rules() }

func (g *GuardedGateway) Close() error { return g.inner.Close() }
