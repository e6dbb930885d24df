package portfolio

import (
	"errors"
	"sync"
	"time"

	"github.com/acqdte/trading-engine/internal/market"
	"github.com/acqdte/trading-engine/internal/trade"
)

// Position is an open holding for one symbol. Weight is the fraction of NAV
// the position targets; Quantity and EntryPrice carry the executed reality.
type Position struct {
	Symbol        string    `json:"symbol"`
	Weight        float64   `json:"weight"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"` // volume-weighted average entry
	StopLoss      float64   `json:"stop_loss"`   // fraction below entry that forces an exit
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// State is the serializable portfolio, carried inside checkpoints rather
// than a file of its own.
type State struct {
	Version     int64               `json:"version"` // monotonic, bumped on every mutation
	UpdatedAt   time.Time           `json:"updated_at"`
	CapitalBase float64             `json:"capital_base"`
	Cash        float64             `json:"cash"`
	RealizedPnL float64             `json:"realized_pnl"`
	Positions   map[string]Position `json:"positions"`
}

// Manager tracks positions, cash and P&L in memory. Durability is the
// checkpoint store's job: the engine snapshots the state each cycle.
type Manager struct {
	mu    sync.RWMutex
	state State
}

// NewManager starts a flat portfolio holding only cash.
func NewManager(capitalBase float64) *Manager {
	return &Manager{state: State{
		CapitalBase: capitalBase,
		Cash:        capitalBase,
		Positions:   make(map[string]Position),
	}}
}

// NAV is cash plus positions marked at the snapshot's prices. Symbols
// without a quote are carried at entry price.
func (m *Manager) NAV(snap market.Snapshot) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nav := m.state.Cash
	for _, p := range m.state.Positions {
		px := p.EntryPrice
		if q, ok := snap.Price(p.Symbol); ok && q > 0 {
			px = q
		}
		nav += p.Quantity * px
	}
	return nav
}

// Weights returns the held weight per symbol, the view the risk gate
// consumes.
func (m *Manager) Weights() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.state.Positions))
	for sym, p := range m.state.Positions {
		out[sym] = p.Weight
	}
	return out
}

// ApplyFills folds an execution report into the book: buys raise quantity
// and re-average the entry, sells realize P&L against it. The decision's
// weights and stop-loss become the surviving positions' targets.
func (m *Manager) ApplyFills(d trade.Decision, rep trade.FillReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range rep.Fills {
		if f.Quantity <= 0 || f.Price <= 0 {
			return errors.New("portfolio: fill with non-positive quantity or price")
		}
		p := m.state.Positions[f.Symbol]
		p.Symbol = f.Symbol

		switch f.Side {
		case trade.SideBuy:
			notionalOld := p.Quantity * p.EntryPrice
			p.Quantity += f.Quantity
			p.EntryPrice = (notionalOld + f.Quantity*f.Price) / p.Quantity
			m.state.Cash -= f.Quantity * f.Price
			if p.OpenedAt.IsZero() {
				p.OpenedAt = f.Timestamp
			}
		case trade.SideSell:
			qty := f.Quantity
			if qty > p.Quantity {
				qty = p.Quantity
			}
			m.state.RealizedPnL += qty * (f.Price - p.EntryPrice)
			m.state.Cash += qty * f.Price
			p.Quantity -= qty
		default:
			return errors.New("portfolio: unknown fill side " + string(f.Side))
		}

		p.UpdatedAt = f.Timestamp
		if w, ok := d.Weights[f.Symbol]; ok {
			p.Weight = w
		}
		if d.StopLoss > 0 {
			p.StopLoss = d.StopLoss
		}

		if p.Quantity <= 1e-12 {
			delete(m.state.Positions, f.Symbol)
		} else {
			m.state.Positions[f.Symbol] = p
		}
	}

	m.state.Version++
	m.state.UpdatedAt = rep.CompletedAt
	return nil
}

// MarkToMarket refreshes unrealized P&L from the snapshot and returns the
// portfolio total.
func (m *Manager) MarkToMarket(snap market.Snapshot) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0.0
	for sym, p := range m.state.Positions {
		if px, ok := snap.Price(sym); ok && px > 0 {
			p.UnrealizedPnL = p.Quantity * (px - p.EntryPrice)
			m.state.Positions[sym] = p
		}
		total += p.UnrealizedPnL
	}
	return total
}

// StopBreaches lists symbols whose mark has fallen through the stop-loss
// distance below entry. The caller turns these into exit decisions.
func (m *Manager) StopBreaches(snap market.Snapshot) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for sym, p := range m.state.Positions {
		if p.StopLoss <= 0 {
			continue
		}
		if px, ok := snap.Price(sym); ok && px > 0 && px <= p.EntryPrice*(1-p.StopLoss) {
			out = append(out, sym)
		}
	}
	return out
}

// RealizedPnL returns cumulative realized profit since inception.
func (m *Manager) RealizedPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.RealizedPnL
}

// Position returns the current holding for a symbol.
func (m *Manager) Position(symbol string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.state.Positions[symbol]
	return p, ok
}

// Snapshot deep-copies the state for checkpointing.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := m.state
	cp.Positions = make(map[string]Position, len(m.state.Positions))
	for sym, p := range m.state.Positions {
		cp.Positions[sym] = p
	}
	return cp
}

// Restore replaces the book with a checkpointed state.
func (m *Manager) Restore(s State) error {
	if s.CapitalBase <= 0 {
		return errors.New("portfolio: snapshot has no capital base")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Positions == nil {
		s.Positions = make(map[string]Position)
	}
	m.state = s
	return nil
}
