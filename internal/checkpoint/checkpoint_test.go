package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acqdte/trading-engine/internal/learner"
	"github.com/acqdte/trading-engine/internal/portfolio"
)

func sampleCheckpoint(cycle uint64) Checkpoint {
	return Checkpoint{
		FormatVersion: FormatVersion,
		Cycle:         cycle,
		CreatedAt:     time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC),
		Learner: learner.PopulationSnapshot{
			Generation: 7,
			Active:     learner.Policy{ID: "p-active", Generation: 6, Genome: []float64{1, -0.5, 0.2, 0, 0.1}, Fitness: 0.8},
			Policies: []learner.Policy{
				{ID: "p-1", Genome: []float64{0.1, 0.2, 0.3, 0.4, 0.5}},
				{ID: "p-2", Genome: []float64{-0.1, -0.2, -0.3, -0.4, -0.5}},
			},
			Window: []learner.Sample{{Features: []float64{1, 0, 0.1, 0.01, 1}, Reward: 0.02}},
		},
		Portfolio: portfolio.State{
			Version:     3,
			CapitalBase: 100_000,
			Cash:        90_000,
			RealizedPnL: 120.5,
			Positions: map[string]portfolio.Position{
				"BTC/USDT": {Symbol: "BTC/USDT", Weight: 0.1, Quantity: 0.2, EntryPrice: 50_000, StopLoss: 0.02},
			},
		},
		Adaptation: AdaptationParams{IterationBudget: 1500, ExplorationRate: 0.15, Mode: "adapting"},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), 3, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.Latest(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	want := sampleCheckpoint(42)
	require.NoError(t, s.Write(ctx, want))

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFileStoreLatestWins(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), 3, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for c := uint64(1); c <= 5; c++ {
		require.NoError(t, s.Write(ctx, sampleCheckpoint(c)))
	}
	got, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Cycle)
}

func TestFileStorePrunesOldCheckpoints(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, 2, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for c := uint64(1); c <= 6; c++ {
		require.NoError(t, s.Write(ctx, sampleCheckpoint(c)))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var payloads int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			payloads++
		}
	}
	assert.Equal(t, 2, payloads)

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), got.Cycle)
}

func TestFileStoreSurvivesStrayTempFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, 3, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, sampleCheckpoint(1)))

	// a crash mid-write leaves a temp file behind; the committed checkpoint
	// must stay readable
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cp-000000000002.json.tmp"), []byte("{garbage"), 0o644))

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Cycle)
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.Latest(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	want := sampleCheckpoint(9)
	require.NoError(t, s.Write(ctx, want))

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestBadgerStoreLatestWins(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, sampleCheckpoint(1)))
	require.NoError(t, s.Write(ctx, sampleCheckpoint(2)))

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Cycle)
}
