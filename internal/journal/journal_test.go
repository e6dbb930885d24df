package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acqdte/trading-engine/internal/trade"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestDecisionAndFillsRoundTrip(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()

	d := trade.Decision{
		ID:        "d1",
		Cycle:     3,
		Action:    trade.ActionEnter,
		Weights:   map[string]float64{"BTC/USDT": 0.1},
		StopLoss:  0.02,
		Score:     0.4,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, j.RecordDecision(ctx, d, false, []string{"weight_exceeds_cap: BTC/USDT"}))

	rep := trade.FillReport{
		DecisionID: "d1",
		Fills: []trade.Fill{
			{OrderID: "o1", Symbol: "BTC/USDT", Side: trade.SideBuy, Quantity: 0.2, Price: 50_100, LatencyMs: 12, SlippageBps: 3, Timestamp: time.Now().UTC()},
			{OrderID: "o2", Symbol: "ETH/USDT", Side: trade.SideBuy, Quantity: 1.5, Price: 3_010, LatencyMs: 8, SlippageBps: 2, Timestamp: time.Now().UTC()},
		},
	}
	require.NoError(t, j.RecordFills(ctx, rep))

	fills, err := j.FillsForDecision(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "o1", fills[0].OrderID)
	assert.Equal(t, trade.SideBuy, fills[0].Side)
	assert.Equal(t, 0.2, fills[0].Quantity)
}

func TestRecordFillsIdempotent(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()

	rep := trade.FillReport{
		DecisionID: "d1",
		Fills:      []trade.Fill{{OrderID: "o1", Symbol: "BTC/USDT", Side: trade.SideBuy, Quantity: 0.2, Price: 50_000, Timestamp: time.Now().UTC()}},
	}
	require.NoError(t, j.RecordFills(ctx, rep))
	require.NoError(t, j.RecordFills(ctx, rep))

	fills, err := j.FillsForDecision(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestRecentOutcomesOldestFirst(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()

	for c := uint64(1); c <= 10; c++ {
		require.NoError(t, j.RecordOutcome(ctx, trade.Outcome{
			Cycle:       c,
			DecisionID:  "d",
			RealizedPnL: float64(c),
			Reward:      float64(c) / 10,
			NAV:         100_000 + float64(c),
			At:          time.Now().UTC(),
		}))
	}

	out, err := j.RecentOutcomes(ctx, 4)
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, uint64(7), out[0].Cycle)
	assert.Equal(t, uint64(10), out[3].Cycle)
}

func TestRecentOutcomesEmpty(t *testing.T) {
	j := openTest(t)
	out, err := j.RecentOutcomes(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.RecordOutcome(context.Background(), trade.Outcome{
		Cycle: 1, DecisionID: "d1", Reward: 0.01, NAV: 100_000, At: time.Now().UTC(),
	}))
	out, err := j.RecentOutcomes(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}
