package risk

import (
	"fmt"
	"math"

	"github.com/acqdte/trading-engine/internal/trade"
)

// Limits are the hard bounds every decision must satisfy before it reaches
// execution. They come straight from configuration and never change at
// runtime.
type Limits struct {
	MaxPositionSize float64 // per-symbol weight cap, fraction of capital
	StopLossPercent float64 // minimum stop-loss distance, fraction of entry
	MinOrderUSD     float64 // below this notional an adjustment is noise
}

// ExchangeRules carry venue constraints supplied by the execution layer.
type ExchangeRules struct {
	MinNotionalUSD map[string]float64 // per-symbol exchange minimum
}

// PositionView is the gate's read-only view of a held position.
type PositionView struct {
	Symbol string
	Weight float64
}

// Verdict is the gate's answer. A rejected decision carries one reason per
// violated constraint; an approved one carries none.
type Verdict struct {
	Approved bool     `json:"approved"`
	Reasons  []string `json:"reasons,omitempty"`
}

func (v Verdict) Rejected() bool { return !v.Approved }

// Gate is the single enforcement point between decision-making and
// execution. Validate is pure: it inspects its inputs and returns a verdict,
// nothing else.
type Gate struct{}

func NewGate() *Gate { return &Gate{} }

// Validate checks a decision against the configured limits, the current
// positions, and the exchange rules. Exits are always allowed so the engine
// can always reduce risk; entries and adjustments must satisfy every
// constraint.
func (g *Gate) Validate(d trade.Decision, limits Limits, positions []PositionView, rules ExchangeRules, nav float64) Verdict {
	if d.Action == trade.ActionExit {
		return Verdict{Approved: true}
	}

	var reasons []string

	held := make(map[string]float64, len(positions))
	for _, p := range positions {
		held[p.Symbol] = p.Weight
	}

	for sym, w := range d.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			reasons = append(reasons, fmt.Sprintf("weight_invalid: %s", sym))
			continue
		}
		if w > limits.MaxPositionSize+1e-12 {
			reasons = append(reasons, fmt.Sprintf("weight_exceeds_cap: %s %.4f > %.4f", sym, w, limits.MaxPositionSize))
		}
		if notional := w * nav; notional > 0 {
			min := limits.MinOrderUSD
			if m, ok := rules.MinNotionalUSD[sym]; ok && m > min {
				min = m
			}
			delta := math.Abs(notional - held[sym]*nav)
			if delta > 0 && delta < min {
				reasons = append(reasons, fmt.Sprintf("below_min_notional: %s %.2f < %.2f", sym, delta, min))
			}
		}
	}

	total := 0.0
	for _, w := range d.Weights {
		total += w
	}
	if total > 1+1e-12 {
		reasons = append(reasons, fmt.Sprintf("gross_exposure_exceeds_capital: %.4f", total))
	}

	if d.StopLoss <= 0 {
		reasons = append(reasons, "stop_loss_missing")
	} else if d.StopLoss < limits.StopLossPercent-1e-12 {
		reasons = append(reasons, fmt.Sprintf("stop_loss_too_tight: %.4f < %.4f", d.StopLoss, limits.StopLossPercent))
	}

	return Verdict{Approved: len(reasons) == 0, Reasons: reasons}
}
