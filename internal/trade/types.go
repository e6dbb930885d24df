package trade

import "time"

// Action says what a decision does to the book.
type Action string

const (
	ActionEnter  Action = "enter"
	ActionAdjust Action = "adjust"
	ActionExit   Action = "exit"
)

// Decision is the unit handed to the risk gate and, if accepted, to the
// execution gateway. Weights are target fractions of capital per symbol.
type Decision struct {
	ID        string             `json:"id"`
	Cycle     uint64             `json:"cycle"`
	Action    Action             `json:"action"`
	Weights   map[string]float64 `json:"weights"`
	StopLoss  float64            `json:"stop_loss"` // fraction below entry
	Score     float64            `json:"score"`     // active-policy score
	CreatedAt time.Time          `json:"created_at"`
}

// Side is the direction of an order leg.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Fill is one executed order leg.
type Fill struct {
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	Timestamp   time.Time `json:"timestamp"`
	LatencyMs   int       `json:"latency_ms"`
	SlippageBps int       `json:"slippage_bps"`
}

// FillReport is the gateway's answer for one decision.
type FillReport struct {
	DecisionID  string    `json:"decision_id"`
	Fills       []Fill    `json:"fills"`
	CompletedAt time.Time `json:"completed_at"`
}

// Outcome is the realized result of one cycle's decision, the learner's
// training signal. Reward is P&L adjusted for risk taken.
type Outcome struct {
	Cycle       uint64    `json:"cycle"`
	DecisionID  string    `json:"decision_id"`
	RealizedPnL float64   `json:"realized_pnl"`
	Reward      float64   `json:"reward"`
	NAV         float64   `json:"nav"`
	At          time.Time `json:"at"`
}
