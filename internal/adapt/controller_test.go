package adapt

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController() *Controller {
	return NewController(Options{
		DriftThreshold:  0.01,
		WindowSize:      8,
		RetryBudget:     3,
		BaseIterations:  1000,
		MaxIterations:   4000,
		BaseExploration: 0.1,
		MaxExploration:  0.5,
	}, zerolog.Nop())
}

func TestStaysStableOnFlatRewards(t *testing.T) {
	c := newTestController()
	var plan Plan
	for i := 0; i < 20; i++ {
		plan = c.Observe(0.05, 0.01)
	}
	assert.Equal(t, ModeStable, plan.Mode)
	assert.Equal(t, 1000, plan.IterationBudget)
	assert.Equal(t, 0.1, plan.ExplorationRate)
	assert.False(t, plan.Retrain)
	assert.False(t, plan.Escalate)
}

func TestDecliningRewardsTriggerAdapting(t *testing.T) {
	c := newTestController()
	var plan Plan
	for i := 0; i < 10; i++ {
		plan = c.Observe(0.5-0.1*float64(i), 0.01)
	}
	require.Equal(t, ModeAdapting, plan.Mode)
	assert.Greater(t, plan.IterationBudget, 1000)
	assert.Greater(t, plan.ExplorationRate, 0.1)
	assert.True(t, plan.Retrain)
}

func TestVolatilityRegimeShiftTriggersAdapting(t *testing.T) {
	c := newTestController()
	// establish a calm regime with steady rewards
	for i := 0; i < 8; i++ {
		c.Observe(0.05, 0.01)
	}
	// volatility triples while rewards stay flat
	var plan Plan
	for i := 0; i < 8; i++ {
		plan = c.Observe(0.05, 0.06)
		if plan.Mode == ModeAdapting {
			break
		}
	}
	assert.Equal(t, ModeAdapting, plan.Mode)
}

func TestRecoveryReturnsToStable(t *testing.T) {
	c := newTestController()
	for i := 0; i < 8; i++ {
		c.Observe(0.5-0.1*float64(i), 0.01)
	}
	require.Equal(t, ModeAdapting, c.Plan().Mode)

	// a strong upswing flips the trend positive before the retry budget runs out
	var plan Plan
	for i := 0; i < 3; i++ {
		plan = c.Observe(1.0, 0.01)
		if plan.Mode == ModeStable {
			break
		}
	}
	assert.Equal(t, ModeStable, plan.Mode)
	assert.Equal(t, 1000, plan.IterationBudget)
	assert.Equal(t, 0.1, plan.ExplorationRate)
}

func TestEscalatesAfterRetryBudget(t *testing.T) {
	c := newTestController()
	var plan Plan
	// rewards keep falling, adaptation never recovers the trend
	for i := 0; i < 30; i++ {
		plan = c.Observe(1.0-0.1*float64(i), 0.01)
		if plan.Escalate {
			break
		}
	}
	require.Equal(t, ModeEscalated, plan.Mode)
	assert.True(t, plan.Escalate)

	// parked until acknowledged
	plan = c.Observe(-5, 0.01)
	assert.Equal(t, ModeEscalated, plan.Mode)
}

func TestAcknowledgeResetsToStable(t *testing.T) {
	c := newTestController()
	for i := 0; i < 30; i++ {
		if c.Observe(1.0-0.1*float64(i), 0.01).Escalate {
			break
		}
	}
	require.Equal(t, ModeEscalated, c.Plan().Mode)

	c.Acknowledge()
	plan := c.Plan()
	assert.Equal(t, ModeStable, plan.Mode)
	assert.Equal(t, 1000, plan.IterationBudget)
}

func TestIterationBudgetCapped(t *testing.T) {
	c := newTestController()
	for i := 0; i < 30; i++ {
		plan := c.Observe(1.0-0.1*float64(i), 0.01)
		assert.LessOrEqual(t, plan.IterationBudget, 4000)
		assert.LessOrEqual(t, plan.ExplorationRate, 0.5)
	}
}

func TestRestoreReinstatesKnobs(t *testing.T) {
	c := newTestController()
	c.Restore(ModeAdapting, 2000, 0.3)
	plan := c.Plan()
	assert.Equal(t, ModeAdapting, plan.Mode)
	assert.Equal(t, 2000, plan.IterationBudget)
	assert.Equal(t, 0.3, plan.ExplorationRate)
}

func TestSlope(t *testing.T) {
	assert.InDelta(t, 1.0, slope([]float64{0, 1, 2, 3}), 1e-9)
	assert.InDelta(t, -2.0, slope([]float64{6, 4, 2, 0}), 1e-9)
	assert.InDelta(t, 0.0, slope([]float64{5, 5, 5}), 1e-9)
	assert.Equal(t, 0.0, slope([]float64{1}))
}
