package optimizer

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acqdte/trading-engine/internal/market"
)

func testSnapshot(prices map[string]float64) market.Snapshot {
	ticks := make(map[string]market.Tick, len(prices))
	now := time.Now()
	for sym, px := range prices {
		ticks[sym] = market.Tick{Price: px, Volume: 1000, Timestamp: now}
	}
	return market.NewSnapshot(ticks, now)
}

func newTestAnnealer(t *testing.T, seed int64) *Annealer {
	t.Helper()
	a, err := New(Options{
		Algorithm:        "quantum_annealing",
		Seed:             seed,
		MaxWeight:        0.1,
		DivergenceWindow: 50,
		TopK:             3,
	}, zerolog.Nop())
	require.NoError(t, err)
	return a
}

func TestProposeDeterministicForFixedSeed(t *testing.T) {
	snap := testSnapshot(map[string]float64{"BTC/USDT": 50_000, "ETH/USDT": 3000, "SOL/USDT": 150})
	universe := []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}

	a1 := newTestAnnealer(t, 42)
	a2 := newTestAnnealer(t, 42)

	c1, err := a1.Propose(context.Background(), snap, universe, 1000)
	require.NoError(t, err)
	c2, err := a2.Propose(context.Background(), snap, universe, 1000)
	require.NoError(t, err)

	require.Equal(t, len(c1), len(c2))
	for i := range c1 {
		assert.Equal(t, c1[i].Score, c2[i].Score)
		assert.Equal(t, c1[i].Weights, c2[i].Weights)
	}
}

func TestProposeDifferentSeedsDiffer(t *testing.T) {
	snap := testSnapshot(map[string]float64{"BTC/USDT": 50_000, "ETH/USDT": 3000})
	universe := []string{"BTC/USDT", "ETH/USDT"}

	c1, err := newTestAnnealer(t, 1).Propose(context.Background(), snap, universe, 500)
	require.NoError(t, err)
	c2, err := newTestAnnealer(t, 2).Propose(context.Background(), snap, universe, 500)
	require.NoError(t, err)

	assert.NotEqual(t, c1[0].Weights, c2[0].Weights)
}

func TestCandidatesRespectConstraints(t *testing.T) {
	snap := testSnapshot(map[string]float64{"BTC/USDT": 50_000, "ETH/USDT": 3000, "SOL/USDT": 150})
	universe := []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}

	cands, err := newTestAnnealer(t, 7).Propose(context.Background(), snap, universe, 2000)
	require.NoError(t, err)
	require.NotEmpty(t, cands)

	for _, c := range cands {
		sum := 0.0
		for sym, w := range c.Weights {
			assert.GreaterOrEqual(t, w, 0.0, "weight for %s", sym)
			assert.LessOrEqual(t, w, 0.1+1e-9, "weight for %s", sym)
			sum += w
		}
		assert.LessOrEqual(t, sum, 1.0+1e-9)
	}
}

func TestCandidatesOrderedBestFirst(t *testing.T) {
	snap := testSnapshot(map[string]float64{"BTC/USDT": 50_000, "ETH/USDT": 3000})
	universe := []string{"BTC/USDT", "ETH/USDT"}

	cands, err := newTestAnnealer(t, 3).Propose(context.Background(), snap, universe, 1500)
	require.NoError(t, err)
	for i := 1; i < len(cands); i++ {
		assert.LessOrEqual(t, cands[i-1].Score, cands[i].Score)
	}
}

func TestNonFiniteCostReportsDivergence(t *testing.T) {
	a := newTestAnnealer(t, 5)
	ctx := context.Background()
	universe := []string{"BTC/USDT"}

	// Two snapshots so a log return exists; the NaN price poisons it.
	_, err := a.Propose(ctx, testSnapshot(map[string]float64{"BTC/USDT": 100}), universe, 200)
	require.NoError(t, err)

	snap := testSnapshot(map[string]float64{"BTC/USDT": math.NaN()})
	_, err = a.Propose(ctx, snap, universe, 200)
	require.ErrorIs(t, err, ErrDivergence)
}

func TestProposeRejectsBadInputs(t *testing.T) {
	a := newTestAnnealer(t, 5)
	snap := testSnapshot(map[string]float64{"BTC/USDT": 100})

	_, err := a.Propose(context.Background(), snap, nil, 100)
	assert.Error(t, err)

	_, err = a.Propose(context.Background(), snap, []string{"BTC/USDT"}, 0)
	assert.Error(t, err)
}

func TestUnknownAlgorithmRejected(t *testing.T) {
	_, err := New(Options{Algorithm: "grover", MaxWeight: 0.1}, zerolog.Nop())
	assert.Error(t, err)
}
