package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/acqdte/trading-engine/internal/market"
)

// ErrDivergence is reported when the search cannot improve its cost over the
// trailing window; the caller decides whether to retry or skip the cycle.
var ErrDivergence = errors.New("optimizer: cost diverged")

// Candidate is one proposed portfolio allocation. Weights sum to at most 1.0
// and each weight respects the per-symbol cap the optimizer was built with.
type Candidate struct {
	Weights    map[string]float64 `json:"weights"`
	Score      float64            `json:"score"`      // objective value, lower is better
	Iterations int                `json:"iterations"` // iterations spent to reach it
}

// Options fix the search behavior at construction time.
type Options struct {
	Algorithm        string  // qaoa | vqe | quantum_annealing
	Seed             int64
	MaxWeight        float64 // per-symbol cap, mirrors the risk limit
	RiskAversion     float64 // variance penalty multiplier
	DivergenceWindow int     // iterations without improvement before giving up
	TopK             int     // candidates returned, best-first
}

// Annealer is the quantum-inspired combinatorial optimizer. It keeps a
// rolling return history per symbol to estimate the cost function's
// expected-return and variance proxies; the heuristic search itself is an
// annealing walk whose move distribution depends on the configured algorithm.
type Annealer struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	calls   int64
	history map[string]*returnWindow
}

const historyLen = 64

type returnWindow struct {
	lastPrice float64
	returns   []float64
}

func (w *returnWindow) observe(price float64) {
	if w.lastPrice > 0 && price > 0 {
		r := math.Log(price / w.lastPrice)
		w.returns = append(w.returns, r)
		if len(w.returns) > historyLen {
			w.returns = w.returns[1:]
		}
	}
	w.lastPrice = price
}

func (w *returnWindow) meanVar() (mean, variance float64) {
	n := len(w.returns)
	if n == 0 {
		return 0, 1e-4 // prior until history accumulates
	}
	for _, r := range w.returns {
		mean += r
	}
	mean /= float64(n)
	for _, r := range w.returns {
		d := r - mean
		variance += d * d
	}
	if n > 1 {
		variance /= float64(n - 1)
	} else {
		variance = 1e-4
	}
	return mean, variance
}

// New validates options and returns a ready Annealer.
func New(opts Options, log zerolog.Logger) (*Annealer, error) {
	switch opts.Algorithm {
	case "qaoa", "vqe", "quantum_annealing":
	default:
		return nil, fmt.Errorf("optimizer: unknown algorithm %q", opts.Algorithm)
	}
	if opts.MaxWeight <= 0 || opts.MaxWeight > 1 {
		return nil, fmt.Errorf("optimizer: max weight %v out of range", opts.MaxWeight)
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.RiskAversion <= 0 {
		opts.RiskAversion = 4
	}
	if opts.DivergenceWindow <= 0 {
		opts.DivergenceWindow = 50
	}
	return &Annealer{
		opts:    opts,
		log:     log.With().Str("component", "optimizer").Str("algorithm", opts.Algorithm).Logger(),
		history: make(map[string]*returnWindow),
	}, nil
}

// Propose runs at most iterations search steps over the allocation space and
// returns up to TopK candidates, best-first. Deterministic for a fixed seed
// and call sequence; always terminates within the iteration budget.
func (a *Annealer) Propose(ctx context.Context, snap market.Snapshot, universe []string, iterations int) ([]Candidate, error) {
	if len(universe) == 0 {
		return nil, errors.New("optimizer: empty universe")
	}
	if iterations <= 0 {
		return nil, fmt.Errorf("optimizer: iteration budget %d", iterations)
	}

	a.mu.Lock()
	a.calls++
	// Per-call deterministic stream: the instance seed mixed with the call
	// ordinal, so restarts with the same seed replay the same proposals.
	rng := rand.New(rand.NewSource(a.opts.Seed ^ (a.calls * 0x9e3779b9)))

	mean := make([]float64, len(universe))
	variance := make([]float64, len(universe))
	for i, sym := range universe {
		w, ok := a.history[sym]
		if !ok {
			w = &returnWindow{}
			a.history[sym] = w
		}
		if px, ok := snap.Price(sym); ok {
			w.observe(px)
			if math.IsNaN(px) || math.IsInf(px, 0) {
				// Corrupt feed poisons the objective; the walk will surface
				// it as a divergence on the first step.
				mean[i] = math.NaN()
				continue
			}
		}
		mean[i], variance[i] = w.meanVar()
	}
	a.mu.Unlock()

	cost := func(weights []float64) float64 {
		var ret, vr float64
		for i, w := range weights {
			ret += w * mean[i]
			vr += w * w * variance[i]
		}
		return a.opts.RiskAversion*vr - ret
	}

	cur := a.initialWeights(rng, len(universe))
	curCost := cost(cur)
	startCost := curCost

	best := newTopK(a.opts.TopK)
	best.offer(cur, curCost, 0)

	sinceImproved := 0
	bestCost := curCost

	for it := 1; it <= iterations; it++ {
		if it%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		temp := a.temperature(it, iterations)
		next := a.neighbor(rng, cur, it, iterations)
		nextCost := cost(next)

		if math.IsNaN(nextCost) || math.IsInf(nextCost, 0) {
			return nil, fmt.Errorf("%w: cost not finite at iteration %d", ErrDivergence, it)
		}

		if nextCost < curCost || rng.Float64() < math.Exp((curCost-nextCost)/math.Max(temp, 1e-12)) {
			cur, curCost = next, nextCost
		}
		if curCost < bestCost {
			bestCost = curCost
			sinceImproved = 0
			best.offer(cur, curCost, it)
		} else {
			sinceImproved++
		}
	}

	// A stalled trailing window with no net progress over the whole run is a
	// divergence, not a proposal.
	if sinceImproved >= a.opts.DivergenceWindow && bestCost >= startCost {
		return nil, fmt.Errorf("%w: no improvement in %d iterations", ErrDivergence, sinceImproved)
	}

	return best.candidates(universe), nil
}

// initialWeights starts from a random feasible point so the walk does not
// begin on a constraint boundary.
func (a *Annealer) initialWeights(rng *rand.Rand, n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = rng.Float64() * a.opts.MaxWeight
	}
	clampWeights(w, a.opts.MaxWeight)
	return w
}

// temperature is the cooling schedule. QAOA alternates hot mixing layers with
// cold cost layers; VQE cools slowly; annealing cools exponentially.
func (a *Annealer) temperature(it, total int) float64 {
	progress := float64(it) / float64(total)
	switch a.opts.Algorithm {
	case "qaoa":
		// Alternate layers: even layers mix (hot), odd layers descend (cold).
		const layers = 8
		if (it*layers/total)%2 == 0 {
			return 0.05
		}
		return 0.002
	case "vqe":
		return 0.02 * (1 - progress)
	default: // quantum_annealing
		return 0.05 * math.Pow(0.01/0.05, progress)
	}
}

// neighbor proposes the next allocation and projects it back onto the
// feasible region (each weight in [0, MaxWeight], sum at most 1).
func (a *Annealer) neighbor(rng *rand.Rand, cur []float64, it, total int) []float64 {
	next := make([]float64, len(cur))
	copy(next, cur)

	step := 0.1
	if a.opts.Algorithm == "vqe" {
		step = 0.04 // small variational updates
	}

	i := rng.Intn(len(next))
	next[i] += step * rng.NormFloat64()

	// QAOA mixing layers occasionally swap two weights outright.
	if a.opts.Algorithm == "qaoa" && rng.Float64() < 0.15 {
		j := rng.Intn(len(next))
		next[i], next[j] = next[j], next[i]
	}

	clampWeights(next, a.opts.MaxWeight)
	return next
}

// clampWeights clips each weight to [0, maxW] and rescales when the total
// exceeds the full budget.
func clampWeights(w []float64, maxW float64) {
	sum := 0.0
	for i := range w {
		if w[i] < 0 {
			w[i] = 0
		}
		if w[i] > maxW {
			w[i] = maxW
		}
		sum += w[i]
	}
	if sum > 1 {
		for i := range w {
			w[i] /= sum
		}
	}
}

// topK keeps the best candidates seen, lowest cost first.
type topK struct {
	k       int
	weights [][]float64
	costs   []float64
	iters   []int
}

func newTopK(k int) *topK { return &topK{k: k} }

func (t *topK) offer(w []float64, cost float64, it int) {
	cp := make([]float64, len(w))
	copy(cp, w)
	t.weights = append(t.weights, cp)
	t.costs = append(t.costs, cost)
	t.iters = append(t.iters, it)

	idx := make([]int, len(t.costs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return t.costs[idx[a]] < t.costs[idx[b]] })
	if len(idx) > t.k {
		idx = idx[:t.k]
	}

	ws := make([][]float64, len(idx))
	cs := make([]float64, len(idx))
	is := make([]int, len(idx))
	for i, j := range idx {
		ws[i], cs[i], is[i] = t.weights[j], t.costs[j], t.iters[j]
	}
	t.weights, t.costs, t.iters = ws, cs, is
}

func (t *topK) candidates(universe []string) []Candidate {
	out := make([]Candidate, 0, len(t.weights))
	for i, w := range t.weights {
		m := make(map[string]float64, len(universe))
		for j, sym := range universe {
			if w[j] > 1e-9 {
				m[sym] = w[j]
			}
		}
		out = append(out, Candidate{Weights: m, Score: t.costs[i], Iterations: t.iters[i]})
	}
	return out
}
