package adapt

import (
	"math"
	"sync"

	"github.com/rs/zerolog"
)

// Mode is the controller's posture.
type Mode string

const (
	ModeStable    Mode = "stable"
	ModeAdapting  Mode = "adapting"
	ModeEscalated Mode = "escalated"
)

// Options bound the controller's authority over the search knobs.
type Options struct {
	DriftThreshold  float64 // fitness slope below -threshold counts as drift
	WindowSize      int     // observations in the rolling windows
	RetryBudget     int     // adapting passes without improvement before escalating
	BaseIterations  int     // optimizer budget in stable mode
	MaxIterations   int     // hard cap while adapting
	BaseExploration float64 // learner exploration in stable mode
	MaxExploration  float64
}

// Plan is what the controller tells the engine to do this cycle.
type Plan struct {
	Mode            Mode
	IterationBudget int
	ExplorationRate float64
	Retrain         bool // request an out-of-cycle training pass
	Escalate        bool // hand off to the supervisor
}

// Controller watches realized rewards and market volatility and decides when
// the search needs to work harder. Drift means the fitness trend points down
// or the volatility regime shifted; repeated adaptation without improvement
// escalates to the supervisor, which owns recovery.
type Controller struct {
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	mode       Mode
	rewards    []float64
	vols       []float64
	volBase    float64 // volatility level when the current regime started
	fails      int     // adapting passes that did not recover the trend
	iterations int
	explore    float64
}

func NewController(opts Options, log zerolog.Logger) *Controller {
	if opts.WindowSize < 4 {
		opts.WindowSize = 16
	}
	if opts.DriftThreshold <= 0 {
		opts.DriftThreshold = 0.01
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 3
	}
	if opts.MaxIterations < opts.BaseIterations {
		opts.MaxIterations = opts.BaseIterations * 4
	}
	if opts.MaxExploration < opts.BaseExploration {
		opts.MaxExploration = math.Min(1, opts.BaseExploration*3)
	}
	return &Controller{
		opts:       opts,
		log:        log.With().Str("component", "adapt").Logger(),
		mode:       ModeStable,
		iterations: opts.BaseIterations,
		explore:    opts.BaseExploration,
	}
}

// Observe records one cycle's reward and realized volatility and returns the
// plan for the next cycle.
func (c *Controller) Observe(reward, volatility float64) Plan {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.push(&c.rewards, reward)
	c.push(&c.vols, volatility)

	slope := slope(c.rewards)
	regimeShift := c.regimeShifted()

	switch c.mode {
	case ModeStable:
		if len(c.rewards) >= c.opts.WindowSize && (slope < -c.opts.DriftThreshold || regimeShift) {
			c.enterAdapting(slope, regimeShift)
		}
	case ModeAdapting:
		if slope >= 0 && !regimeShift {
			c.log.Info().Float64("slope", slope).Msg("trend recovered, back to stable")
			c.mode = ModeStable
			c.fails = 0
			c.iterations = c.opts.BaseIterations
			c.explore = c.opts.BaseExploration
			c.volBase = mean(c.vols)
		} else {
			c.fails++
			if c.fails >= c.opts.RetryBudget {
				c.log.Warn().Int("failed_passes", c.fails).Msg("adaptation exhausted, escalating")
				c.mode = ModeEscalated
			} else {
				// push harder: more search, more exploration
				c.iterations = minInt(c.iterations*2, c.opts.MaxIterations)
				c.explore = math.Min(c.explore*1.5, c.opts.MaxExploration)
			}
		}
	case ModeEscalated:
		// parked until the supervisor acknowledges
	}

	return c.planLocked()
}

func (c *Controller) enterAdapting(slope float64, regimeShift bool) {
	c.log.Warn().
		Float64("slope", slope).
		Bool("regime_shift", regimeShift).
		Msg("drift detected, adapting")
	c.mode = ModeAdapting
	c.fails = 0
	c.iterations = minInt(c.opts.BaseIterations*2, c.opts.MaxIterations)
	c.explore = math.Min(c.opts.BaseExploration*1.5, c.opts.MaxExploration)
}

// Plan returns the current plan without observing anything.
func (c *Controller) Plan() Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.planLocked()
}

func (c *Controller) planLocked() Plan {
	return Plan{
		Mode:            c.mode,
		IterationBudget: c.iterations,
		ExplorationRate: c.explore,
		Retrain:         c.mode == ModeAdapting,
		Escalate:        c.mode == ModeEscalated,
	}
}

// Acknowledge is called by the supervisor after it has acted on an
// escalation (rollback or restart); the controller resets to stable with
// base knobs.
func (c *Controller) Acknowledge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = ModeStable
	c.fails = 0
	c.iterations = c.opts.BaseIterations
	c.explore = c.opts.BaseExploration
	c.rewards = nil
	c.volBase = mean(c.vols)
}

// Restore reinstates checkpointed knobs after a restart.
func (c *Controller) Restore(mode Mode, iterations int, explore float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mode != "" {
		c.mode = mode
	}
	if iterations > 0 {
		c.iterations = iterations
	}
	if explore > 0 {
		c.explore = explore
	}
}

func (c *Controller) push(buf *[]float64, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	*buf = append(*buf, v)
	if len(*buf) > c.opts.WindowSize {
		*buf = (*buf)[1:]
	}
}

// regimeShifted compares current volatility to the level at regime start;
// a doubling (or halving) is a shift.
func (c *Controller) regimeShifted() bool {
	if len(c.vols) < c.opts.WindowSize {
		return false
	}
	cur := mean(c.vols)
	if c.volBase == 0 {
		c.volBase = cur
		return false
	}
	ratio := cur / c.volBase
	return ratio > 2 || ratio < 0.5
}

// slope is the least-squares trend of the series against its index.
func slope(xs []float64) float64 {
	n := float64(len(xs))
	if n < 2 {
		return 0
	}
	var sumI, sumX, sumIX, sumII float64
	for i, x := range xs {
		fi := float64(i)
		sumI += fi
		sumX += x
		sumIX += fi * x
		sumII += fi * fi
	}
	denom := n*sumII - sumI*sumI
	if denom == 0 {
		return 0
	}
	return (n*sumIX - sumI*sumX) / denom
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
