package portfolio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acqdte/trading-engine/internal/market"
	"github.com/acqdte/trading-engine/internal/trade"
)

func snapAt(prices map[string]float64) market.Snapshot {
	ticks := make(map[string]market.Tick, len(prices))
	now := time.Now()
	for sym, px := range prices {
		ticks[sym] = market.Tick{Price: px, Volume: 1, Timestamp: now}
	}
	return market.NewSnapshot(ticks, now)
}

func buyFill(sym string, qty, price float64) trade.Fill {
	return trade.Fill{OrderID: "o1", Symbol: sym, Side: trade.SideBuy, Quantity: qty, Price: price, Timestamp: time.Now()}
}

func TestBuyThenMarkToMarket(t *testing.T) {
	m := NewManager(100_000)

	d := trade.Decision{ID: "d1", Weights: map[string]float64{"BTC/USDT": 0.1}, StopLoss: 0.02}
	rep := trade.FillReport{DecisionID: "d1", Fills: []trade.Fill{buyFill("BTC/USDT", 0.2, 50_000)}, CompletedAt: time.Now()}
	require.NoError(t, m.ApplyFills(d, rep))

	p, ok := m.Position("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, 0.2, p.Quantity)
	assert.Equal(t, 50_000.0, p.EntryPrice)
	assert.Equal(t, 0.1, p.Weight)
	assert.Equal(t, 0.02, p.StopLoss)

	// price moves up 1000: unrealized = 0.2 * 1000
	unreal := m.MarkToMarket(snapAt(map[string]float64{"BTC/USDT": 51_000}))
	assert.InDelta(t, 200, unreal, 1e-9)

	nav := m.NAV(snapAt(map[string]float64{"BTC/USDT": 51_000}))
	assert.InDelta(t, 100_200, nav, 1e-9)
}

func TestBuyAveragesEntry(t *testing.T) {
	m := NewManager(100_000)
	d := trade.Decision{ID: "d1", Weights: map[string]float64{"BTC/USDT": 0.1}, StopLoss: 0.02}

	rep := trade.FillReport{Fills: []trade.Fill{
		buyFill("BTC/USDT", 0.1, 50_000),
		buyFill("BTC/USDT", 0.1, 52_000),
	}, CompletedAt: time.Now()}
	require.NoError(t, m.ApplyFills(d, rep))

	p, _ := m.Position("BTC/USDT")
	assert.InDelta(t, 51_000, p.EntryPrice, 1e-9)
	assert.InDelta(t, 0.2, p.Quantity, 1e-12)
}

func TestSellRealizesPnLAndClosesPosition(t *testing.T) {
	m := NewManager(100_000)
	d := trade.Decision{ID: "d1", Weights: map[string]float64{"BTC/USDT": 0.1}, StopLoss: 0.02}
	require.NoError(t, m.ApplyFills(d, trade.FillReport{
		Fills:       []trade.Fill{buyFill("BTC/USDT", 0.2, 50_000)},
		CompletedAt: time.Now(),
	}))

	exit := trade.Decision{ID: "d2", Action: trade.ActionExit}
	sell := trade.Fill{OrderID: "o2", Symbol: "BTC/USDT", Side: trade.SideSell, Quantity: 0.2, Price: 53_000, Timestamp: time.Now()}
	require.NoError(t, m.ApplyFills(exit, trade.FillReport{Fills: []trade.Fill{sell}, CompletedAt: time.Now()}))

	assert.InDelta(t, 600, m.RealizedPnL(), 1e-9) // 0.2 * 3000
	_, ok := m.Position("BTC/USDT")
	assert.False(t, ok)

	// all value back in cash
	nav := m.NAV(snapAt(nil))
	assert.InDelta(t, 100_600, nav, 1e-9)
}

func TestStopBreaches(t *testing.T) {
	m := NewManager(100_000)
	d := trade.Decision{ID: "d1", Weights: map[string]float64{"BTC/USDT": 0.1}, StopLoss: 0.02}
	require.NoError(t, m.ApplyFills(d, trade.FillReport{
		Fills:       []trade.Fill{buyFill("BTC/USDT", 0.2, 50_000)},
		CompletedAt: time.Now(),
	}))

	assert.Empty(t, m.StopBreaches(snapAt(map[string]float64{"BTC/USDT": 49_500})))

	breaches := m.StopBreaches(snapAt(map[string]float64{"BTC/USDT": 49_000}))
	require.Len(t, breaches, 1)
	assert.Equal(t, "BTC/USDT", breaches[0])
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := NewManager(100_000)
	d := trade.Decision{ID: "d1", Weights: map[string]float64{"BTC/USDT": 0.1}, StopLoss: 0.02}
	require.NoError(t, m.ApplyFills(d, trade.FillReport{
		Fills:       []trade.Fill{buyFill("BTC/USDT", 0.2, 50_000)},
		CompletedAt: time.Now(),
	}))

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Version)

	restored := NewManager(1)
	require.NoError(t, restored.Restore(snap))
	p, ok := restored.Position("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, 0.2, p.Quantity)
	assert.Equal(t, m.RealizedPnL(), restored.RealizedPnL())

	// the snapshot is detached from the live book
	exit := trade.Decision{ID: "d2", Action: trade.ActionExit}
	sell := trade.Fill{OrderID: "o2", Symbol: "BTC/USDT", Side: trade.SideSell, Quantity: 0.2, Price: 50_000, Timestamp: time.Now()}
	require.NoError(t, m.ApplyFills(exit, trade.FillReport{Fills: []trade.Fill{sell}, CompletedAt: time.Now()}))
	_, ok = restored.Position("BTC/USDT")
	assert.True(t, ok)
}

func TestRestoreRejectsEmptyState(t *testing.T) {
	m := NewManager(100_000)
	assert.Error(t, m.Restore(State{}))
}

func TestRejectsBadFills(t *testing.T) {
	m := NewManager(100_000)
	d := trade.Decision{ID: "d1"}

	err := m.ApplyFills(d, trade.FillReport{Fills: []trade.Fill{
		{Symbol: "BTC/USDT", Side: trade.SideBuy, Quantity: 0, Price: 100},
	}})
	assert.Error(t, err)

	err = m.ApplyFills(d, trade.FillReport{Fills: []trade.Fill{
		{Symbol: "BTC/USDT", Side: "short", Quantity: 1, Price: 100},
	}})
	assert.Error(t, err)
}
