package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/acqdte/trading-engine/internal/risk"
	"github.com/acqdte/trading-engine/internal/trade"
)

// PaperOptions size the fill simulation.
type PaperOptions struct {
	OutboxPath     string
	LatencyMsMin   int
	LatencyMsMax   int
	SlippageBpsMin int
	SlippageBpsMax int
	MinNotionalUSD map[string]float64 // simulated venue minimum per symbol
	Seed           int64
}

// PaperGateway simulates execution: each order fills in full at the quote
// plus adverse slippage, after a simulated latency. Every order and fill is
// appended to a JSONL outbox keyed by decision ID, and a replayed decision
// returns the recorded report instead of filling again.
type PaperGateway struct {
	opts PaperOptions
	log  zerolog.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	seen map[string]trade.FillReport
	now  func() time.Time
}

type outboxEntry struct {
	Type       string           `json:"type"` // order | fill_report
	DecisionID string           `json:"decision_id"`
	Order      *paperOrder      `json:"order,omitempty"`
	Report     *trade.FillReport `json:"report,omitempty"`
	Event      time.Time        `json:"event"`
}

type paperOrder struct {
	ID       string     `json:"id"`
	Symbol   string     `json:"symbol"`
	Side     trade.Side `json:"side"`
	Quantity float64    `json:"quantity"`
}

// NewPaperGateway opens the outbox and replays it so idempotency survives a
// restart.
func NewPaperGateway(opts PaperOptions, log zerolog.Logger) (*PaperGateway, error) {
	if opts.LatencyMsMax < opts.LatencyMsMin {
		return nil, fmt.Errorf("exec: latency range [%d,%d]", opts.LatencyMsMin, opts.LatencyMsMax)
	}
	if opts.SlippageBpsMax < opts.SlippageBpsMin {
		return nil, fmt.Errorf("exec: slippage range [%d,%d]", opts.SlippageBpsMin, opts.SlippageBpsMax)
	}
	if err := os.MkdirAll(filepath.Dir(opts.OutboxPath), 0o755); err != nil {
		return nil, err
	}
	g := &PaperGateway{
		opts: opts,
		log:  log.With().Str("component", "exec").Str("gateway", "paper").Logger(),
		rng:  rand.New(rand.NewSource(opts.Seed)),
		seen: make(map[string]trade.FillReport),
		now:  time.Now,
	}
	if err := g.replayOutbox(); err != nil {
		return nil, err
	}
	return g, nil
}

// replayOutbox rebuilds the seen-set from completed reports on disk.
func (g *PaperGateway) replayOutbox() error {
	data, err := os.ReadFile(g.opts.OutboxPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	start := 0
	for i := 0; i <= len(data); i++ {
		if i != len(data) && data[i] != '\n' {
			continue
		}
		line := data[start:i]
		start = i + 1
		if len(line) == 0 {
			continue
		}
		var entry outboxEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue // torn tail line from a crash mid-append
		}
		if entry.Type == "fill_report" && entry.Report != nil {
			g.seen[entry.DecisionID] = *entry.Report
		}
	}
	return nil
}

// PlaceOrder turns the decision's target weights into buy/sell deltas
// against the book and fills them all.
func (g *PaperGateway) PlaceOrder(ctx context.Context, d trade.Decision, book BookView) (trade.FillReport, error) {
	if err := ctx.Err(); err != nil {
		return trade.FillReport{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rep, ok := g.seen[d.ID]; ok {
		g.log.Debug().Str("decision_id", d.ID).Msg("duplicate decision, replaying recorded report")
		return rep, nil
	}
	if book.NAV <= 0 {
		return trade.FillReport{}, &ExchangeError{Code: "bad_book", Err: errors.New("non-positive nav")}
	}

	targets := d.Weights
	if d.Action == trade.ActionExit {
		targets = make(map[string]float64, len(book.Quantities))
		for sym := range book.Quantities {
			targets[sym] = 0
		}
	}

	rep := trade.FillReport{DecisionID: d.ID}
	for _, sym := range sortedKeys(targets) {
		px, ok := book.Prices[sym]
		if !ok || px <= 0 {
			return trade.FillReport{}, &ExchangeError{Code: "no_quote", Symbol: sym, Err: errors.New("no usable price")}
		}

		targetQty := targets[sym] * book.NAV / px
		delta := targetQty - book.Quantities[sym]
		if math.Abs(delta)*px < 1e-9 {
			continue
		}

		side := trade.SideBuy
		qty := delta
		if delta < 0 {
			side = trade.SideSell
			qty = -delta
		}

		latency := g.opts.LatencyMsMin
		if span := g.opts.LatencyMsMax - g.opts.LatencyMsMin; span > 0 {
			latency += g.rng.Intn(span + 1)
		}
		slip := g.opts.SlippageBpsMin
		if span := g.opts.SlippageBpsMax - g.opts.SlippageBpsMin; span > 0 {
			slip += g.rng.Intn(span + 1)
		}
		fillPx := px * (1 + float64(slip)/10_000)
		if side == trade.SideSell {
			fillPx = px * (1 - float64(slip)/10_000)
		}

		order := paperOrder{
			ID:       ulid.MustNew(ulid.Timestamp(g.now()), g.rng).String(),
			Symbol:   sym,
			Side:     side,
			Quantity: qty,
		}
		if err := g.appendEntry(outboxEntry{Type: "order", DecisionID: d.ID, Order: &order, Event: g.now()}); err != nil {
			return trade.FillReport{}, &ExchangeError{Code: "outbox_write", Symbol: sym, Retryable: true, Err: err}
		}

		rep.Fills = append(rep.Fills, trade.Fill{
			OrderID:     order.ID,
			Symbol:      sym,
			Side:        side,
			Quantity:    qty,
			Price:       fillPx,
			Timestamp:   g.now().Add(time.Duration(latency) * time.Millisecond),
			LatencyMs:   latency,
			SlippageBps: slip,
		})
	}

	rep.CompletedAt = g.now()
	if err := g.appendEntry(outboxEntry{Type: "fill_report", DecisionID: d.ID, Report: &rep, Event: g.now()}); err != nil {
		return trade.FillReport{}, &ExchangeError{Code: "outbox_write", Retryable: true, Err: err}
	}
	g.seen[d.ID] = rep
	return rep, nil
}

func (g *PaperGateway) appendEntry(entry outboxEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(g.opts.OutboxPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// Rules reports the simulated venue's per-symbol minimums so the risk gate
// can enforce them before an order is ever placed.
func (g *PaperGateway) Rules() risk.ExchangeRules {
	mins := make(map[string]float64, len(g.opts.MinNotionalUSD))
	for sym, m := range g.opts.MinNotionalUSD {
		mins[sym] = m
	}
	return risk.ExchangeRules{MinNotionalUSD: mins}
}

func (g *PaperGateway) Close() error { return nil }

// sortedKeys keeps order placement deterministic across runs.
func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
