package learner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/acqdte/trading-engine/internal/optimizer"
)

// ErrTrainingFailed is reported when a training pass produces no usable
// fitness signal; the previously active policy stays in force.
var ErrTrainingFailed = errors.New("learner: training produced no valid fitness")

// numFeatures is the length of the candidate feature vector a policy scores.
const numFeatures = 5

// Policy is one member of the evolving population. Its genome weights the
// candidate features; the dot product is the policy's reward estimate.
type Policy struct {
	ID         string    `json:"id"`
	Generation int       `json:"generation"`
	Genome     []float64 `json:"genome"`
	Fitness    float64   `json:"fitness"`
}

func (p Policy) clone() Policy {
	g := make([]float64, len(p.Genome))
	copy(g, p.Genome)
	p.Genome = g
	return p
}

// score is the policy's reward estimate for a feature vector.
func (p Policy) score(features []float64) float64 {
	var s float64
	for i, f := range features {
		if i >= len(p.Genome) {
			break
		}
		s += p.Genome[i] * f
	}
	return s
}

// Sample couples the features of an executed decision with the realized
// reward it produced.
type Sample struct {
	Features []float64 `json:"features"`
	Reward   float64   `json:"reward"`
}

// Options fix the evolution behavior at construction time.
type Options struct {
	Epochs           int     // generations per training pass
	Population       int     // population size, held constant
	EliteFraction    float64 // share carried over unchanged each generation
	ExplorationRate  float64 // share replaced by random immigrants
	HysteresisMargin float64 // challenger must beat incumbent fitness by this much
	OutcomeWindow    int     // samples retained for fitness evaluation
	Seed             int64
}

// Learner evolves a population of candidate-scoring policies against the
// realized outcome window and keeps the best one active. The active pointer
// only moves when a challenger clears the hysteresis margin, so a noisy
// generation cannot flap the live policy.
type Learner struct {
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	rng        *rand.Rand
	population []Policy
	active     Policy
	generation int
	window     []Sample
}

// New seeds an initial random population and promotes its best-by-prior
// member as the starting active policy.
func New(opts Options, log zerolog.Logger) (*Learner, error) {
	if opts.Population < 2 {
		return nil, fmt.Errorf("learner: population %d too small", opts.Population)
	}
	if opts.Epochs <= 0 {
		return nil, fmt.Errorf("learner: epochs %d", opts.Epochs)
	}
	if opts.EliteFraction <= 0 || opts.EliteFraction >= 1 {
		opts.EliteFraction = 0.1
	}
	if opts.ExplorationRate < 0 || opts.ExplorationRate >= 1 {
		opts.ExplorationRate = 0.1
	}
	if opts.OutcomeWindow <= 0 {
		opts.OutcomeWindow = 256
	}

	l := &Learner{
		opts: opts,
		log:  log.With().Str("component", "learner").Logger(),
		rng:  rand.New(rand.NewSource(opts.Seed)),
	}
	l.population = make([]Policy, opts.Population)
	for i := range l.population {
		l.population[i] = l.randomPolicy(0)
	}
	l.active = l.population[0].clone()
	return l, nil
}

func (l *Learner) randomPolicy(gen int) Policy {
	g := make([]float64, numFeatures)
	for i := range g {
		g[i] = l.rng.NormFloat64()
	}
	return Policy{ID: ulid.MustNew(ulid.Now(), l.rng).String(), Generation: gen, Genome: g}
}

// CandidateFeatures maps an optimizer candidate onto the feature vector
// policies score: bias, negated objective, gross exposure, concentration
// (Herfindahl) and breadth.
func CandidateFeatures(c optimizer.Candidate) []float64 {
	var exposure, hhi float64
	for _, w := range c.Weights {
		exposure += w
		hhi += w * w
	}
	breadth := float64(len(c.Weights))
	return []float64{1, -c.Score, exposure, hhi, breadth}
}

// Record appends an executed decision's features and realized reward to the
// outcome window, evicting the oldest sample past the window size.
func (l *Learner) Record(features []float64, reward float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window = append(l.window, Sample{Features: features, Reward: reward})
	if len(l.window) > l.opts.OutcomeWindow {
		l.window = l.window[1:]
	}
}

// SetExploration adjusts the immigrant share used by subsequent training
// passes. The adaptation controller raises it under drift and resets it on
// recovery. Rates outside [0, 1) are ignored.
func (l *Learner) SetExploration(rate float64) {
	if math.IsNaN(rate) || rate < 0 || rate >= 1 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if rate != l.opts.ExplorationRate {
		l.log.Info().Float64("exploration", rate).Msg("exploration rate changed")
	}
	l.opts.ExplorationRate = rate
}

// Exploration returns the immigrant share currently in force.
func (l *Learner) Exploration() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opts.ExplorationRate
}

// Active returns a copy of the currently active policy.
func (l *Learner) Active() Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active.clone()
}

// RankCandidates orders candidates by the active policy's reward estimate,
// best first. Ties fall back to the optimizer's own objective. The input
// slice is not modified.
func (l *Learner) RankCandidates(cands []optimizer.Candidate) []optimizer.Candidate {
	l.mu.Lock()
	active := l.active.clone()
	l.mu.Unlock()

	type ranked struct {
		cand  optimizer.Candidate
		score float64
	}
	rs := make([]ranked, len(cands))
	for i, c := range cands {
		rs[i] = ranked{cand: c, score: active.score(CandidateFeatures(c))}
	}
	sort.SliceStable(rs, func(a, b int) bool {
		if rs[a].score != rs[b].score {
			return rs[a].score > rs[b].score
		}
		return rs[a].cand.Score < rs[b].cand.Score
	})
	out := make([]optimizer.Candidate, len(rs))
	for i, r := range rs {
		out[i] = r.cand
	}
	return out
}

// Report summarizes one training pass.
type Report struct {
	Generation  int
	BestFitness float64
	Swapped     bool
	ActiveID    string
}

// Train runs one pass of the evolution loop: evaluate the population against
// the outcome window, carry elites, breed offspring by crossover and
// mutation, inject immigrants, and swap the active policy if a challenger
// clears the hysteresis margin. An empty outcome window makes the pass a
// no-op.
func (l *Learner) Train(ctx context.Context) (Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := make([]Sample, len(l.window))
	copy(window, l.window)

	// Nothing observed yet: there is no signal to evolve against, and a swap
	// decided on regularization noise alone would flap the live policy.
	if len(window) < 2 {
		return Report{Generation: l.generation, ActiveID: l.active.ID}, nil
	}

	for epoch := 0; epoch < l.opts.Epochs; epoch++ {
		if epoch%64 == 0 {
			if err := ctx.Err(); err != nil {
				return Report{}, err
			}
		}

		validFitness := false
		for i := range l.population {
			f := fitness(l.population[i], window)
			l.population[i].Fitness = f
			if !math.IsNaN(f) {
				validFitness = true
			}
		}
		if !validFitness {
			l.log.Warn().Int("generation", l.generation).Msg("training pass produced no finite fitness")
			return Report{}, ErrTrainingFailed
		}

		sort.SliceStable(l.population, func(a, b int) bool {
			fa, fb := l.population[a].Fitness, l.population[b].Fitness
			if math.IsNaN(fb) {
				return !math.IsNaN(fa)
			}
			if math.IsNaN(fa) {
				return false
			}
			return fa > fb
		})

		l.generation++
		l.population = l.nextGeneration()
	}

	// Final evaluation after the last breeding step so the reported best
	// reflects the surviving population.
	best := -math.MaxFloat64
	bestIdx := -1
	for i := range l.population {
		f := fitness(l.population[i], window)
		l.population[i].Fitness = f
		if !math.IsNaN(f) && f > best {
			best, bestIdx = f, i
		}
	}
	if bestIdx < 0 {
		return Report{}, ErrTrainingFailed
	}

	rep := Report{Generation: l.generation, BestFitness: best, ActiveID: l.active.ID}

	incumbent := fitness(l.active, window)
	if math.IsNaN(incumbent) {
		incumbent = -math.MaxFloat64
	}
	if best > incumbent+l.opts.HysteresisMargin {
		challenger := l.population[bestIdx].clone()
		l.log.Info().
			Str("from", l.active.ID).
			Str("to", challenger.ID).
			Float64("incumbent_fitness", incumbent).
			Float64("challenger_fitness", best).
			Msg("active policy swapped")
		l.active = challenger
		rep.Swapped = true
		rep.ActiveID = challenger.ID
	}
	return rep, nil
}

// nextGeneration builds the successor population: elites survive unchanged,
// immigrants replace the tail, the rest are offspring of tournament-selected
// parents. Assumes the population is sorted best-first.
func (l *Learner) nextGeneration() []Policy {
	n := len(l.population)
	elites := int(math.Max(1, float64(n)*l.opts.EliteFraction))
	immigrants := int(float64(n) * l.opts.ExplorationRate)

	next := make([]Policy, 0, n)
	for i := 0; i < elites && i < n; i++ {
		next = append(next, l.population[i].clone())
	}
	for len(next) < n-immigrants {
		a := l.tournament()
		b := l.tournament()
		child := l.crossover(a, b)
		l.mutate(&child)
		next = append(next, child)
	}
	for len(next) < n {
		next = append(next, l.randomPolicy(l.generation))
	}
	return next
}

func (l *Learner) tournament() Policy {
	n := len(l.population)
	a, b := l.rng.Intn(n), l.rng.Intn(n)
	// population is sorted best-first, so the smaller index wins
	if a < b {
		return l.population[a]
	}
	return l.population[b]
}

func (l *Learner) crossover(a, b Policy) Policy {
	g := make([]float64, numFeatures)
	for i := range g {
		if l.rng.Float64() < 0.5 {
			g[i] = a.Genome[i]
		} else {
			g[i] = b.Genome[i]
		}
	}
	return Policy{ID: ulid.MustNew(ulid.Now(), l.rng).String(), Generation: l.generation, Genome: g}
}

func (l *Learner) mutate(p *Policy) {
	// occasional heavy mutation shakes a gene hard, the rest get small noise
	heavy := l.rng.Float64() < 0.1
	for i := range p.Genome {
		if heavy && l.rng.Float64() < 0.3 {
			p.Genome[i] = l.rng.NormFloat64()
			continue
		}
		if l.rng.Float64() < 0.4 {
			p.Genome[i] += 0.1 * l.rng.NormFloat64()
		}
	}
}

// fitness is the agreement between the policy's reward estimates and the
// realized rewards over the window, measured as Pearson correlation with a
// small L2 penalty to keep genomes bounded. An empty or degenerate window
// yields the neutral prior 0; NaN rewards yield NaN.
func fitness(p Policy, window []Sample) float64 {
	l2 := 0.0
	for _, g := range p.Genome {
		l2 += g * g
	}
	penalty := 1e-3 * l2

	if len(window) < 2 {
		return 0 - penalty
	}

	var meanP, meanR float64
	preds := make([]float64, len(window))
	for i, s := range window {
		preds[i] = p.score(s.Features)
		meanP += preds[i]
		meanR += s.Reward
	}
	meanP /= float64(len(window))
	meanR /= float64(len(window))

	var cov, varP, varR float64
	for i, s := range window {
		dp := preds[i] - meanP
		dr := s.Reward - meanR
		cov += dp * dr
		varP += dp * dp
		varR += dr * dr
	}
	if math.IsNaN(cov) || math.IsNaN(varR) {
		return math.NaN()
	}
	if varP == 0 || varR == 0 {
		return 0 - penalty
	}
	return cov/math.Sqrt(varP*varR) - penalty
}

// PopulationSnapshot is the serializable learner state carried in
// checkpoints.
type PopulationSnapshot struct {
	Generation int      `json:"generation"`
	Active     Policy   `json:"active"`
	Policies   []Policy `json:"policies"`
	Window     []Sample `json:"window"`
}

// Snapshot copies the full learner state for checkpointing.
func (l *Learner) Snapshot() PopulationSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := PopulationSnapshot{
		Generation: l.generation,
		Active:     l.active.clone(),
		Policies:   make([]Policy, len(l.population)),
		Window:     make([]Sample, len(l.window)),
	}
	for i := range l.population {
		snap.Policies[i] = l.population[i].clone()
	}
	copy(snap.Window, l.window)
	return snap
}

// Restore replaces the learner state with a checkpointed snapshot.
func (l *Learner) Restore(snap PopulationSnapshot) error {
	if len(snap.Policies) == 0 || len(snap.Active.Genome) == 0 {
		return errors.New("learner: snapshot has no population")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation = snap.Generation
	l.active = snap.Active.clone()
	l.population = make([]Policy, len(snap.Policies))
	for i := range snap.Policies {
		l.population[i] = snap.Policies[i].clone()
	}
	l.window = make([]Sample, len(snap.Window))
	copy(l.window, snap.Window)
	return nil
}
