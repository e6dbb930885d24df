package exec

import (
	"context"
	"fmt"

	"github.com/acqdte/trading-engine/internal/risk"
	"github.com/acqdte/trading-engine/internal/trade"
)

// Gateway places the orders implied by a decision and reports the fills.
// Implementations must be idempotent per decision ID: replaying a decision
// after a crash returns the original report instead of double-executing.
// Rules reports the venue constraints the risk gate enforces.
type Gateway interface {
	PlaceOrder(ctx context.Context, d trade.Decision, book BookView) (trade.FillReport, error)
	Rules() risk.ExchangeRules
	Close() error
}

// BookView is what the gateway needs to size orders: the marked NAV, the
// current quantities, and the quotes to fill against.
type BookView struct {
	NAV        float64
	Quantities map[string]float64 // held base quantity per symbol
	Prices     map[string]float64 // last quote per symbol
}

// ExchangeError is a failure from the venue or its simulation. Retryable
// failures (timeouts, throttles) may be replayed by the guarded wrapper;
// the rest surface immediately.
type ExchangeError struct {
	Code      string
	Symbol    string
	Retryable bool
	Err       error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exec: %s (%s): %v", e.Code, e.Symbol, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }
