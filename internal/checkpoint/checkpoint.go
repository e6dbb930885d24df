package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/acqdte/trading-engine/internal/learner"
	"github.com/acqdte/trading-engine/internal/portfolio"
)

var (
	// ErrNotFound means no checkpoint has ever been committed.
	ErrNotFound = errors.New("checkpoint: not found")
	// ErrWriteFailed wraps backend failures so callers can count them
	// against the retry budget.
	ErrWriteFailed = errors.New("checkpoint: write failed")
)

// FormatVersion is bumped when the serialized layout changes.
const FormatVersion = 1

// AdaptationParams are the controller knobs carried across restarts.
type AdaptationParams struct {
	IterationBudget int     `json:"iteration_budget"`
	ExplorationRate float64 `json:"exploration_rate"`
	Mode            string  `json:"mode"`
}

// Checkpoint is the full recoverable engine state for one cycle. A restart
// resumes from the latest committed checkpoint; anything after it is gone by
// design.
type Checkpoint struct {
	FormatVersion int                        `json:"format_version"`
	Cycle         uint64                     `json:"cycle"`
	CreatedAt     time.Time                  `json:"created_at"`
	Learner       learner.PopulationSnapshot `json:"learner"`
	Portfolio     portfolio.State            `json:"portfolio"`
	Adaptation    AdaptationParams           `json:"adaptation"`
}

// Store persists checkpoints. Write must be atomic: a crash mid-write leaves
// the previously committed checkpoint intact and readable.
type Store interface {
	Write(ctx context.Context, cp Checkpoint) error
	Latest(ctx context.Context) (Checkpoint, error)
	Close() error
}
