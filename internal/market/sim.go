package market

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimProvider generates a seeded geometric random walk per symbol. Paper and
// backtest modes run against it; the same seed reproduces the same path.
type SimProvider struct {
	mu      sync.Mutex
	rng     *rand.Rand
	prices  map[string]float64
	symbols []string
	drift   float64 // per-cycle drift, fraction
	vol     float64 // per-cycle volatility, fraction
	now     func() time.Time
}

// NewSimProvider seeds the walk. driftBps and volBps are per-cycle basis
// points; starting prices are spread deterministically from the seed.
func NewSimProvider(symbols []string, seed int64, driftBps, volBps int) *SimProvider {
	rng := rand.New(rand.NewSource(seed))
	prices := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		// Start in a plausible band; deterministic given seed and order.
		prices[sym] = 100 * math.Exp(rng.NormFloat64())
	}
	return &SimProvider{
		rng:     rng,
		prices:  prices,
		symbols: append([]string(nil), symbols...),
		drift:   float64(driftBps) / 10_000,
		vol:     float64(volBps) / 10_000,
		now:     time.Now,
	}
}

// Fetch advances the walk one step and returns the resulting snapshot.
func (p *SimProvider) Fetch(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ts := p.now()
	ticks := make(map[string]Tick, len(p.symbols))
	for _, sym := range p.symbols {
		step := p.drift + p.vol*p.rng.NormFloat64()
		px := p.prices[sym] * math.Exp(step)
		p.prices[sym] = px
		ticks[sym] = Tick{
			Price:     px,
			Volume:    1000 * math.Abs(p.rng.NormFloat64()),
			Timestamp: ts,
		}
	}
	return NewSnapshot(ticks, ts), nil
}

func (p *SimProvider) Close() error { return nil }
