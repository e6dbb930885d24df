package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/acqdte/trading-engine/internal/adapt"
	"github.com/acqdte/trading-engine/internal/alerts"
	"github.com/acqdte/trading-engine/internal/checkpoint"
	"github.com/acqdte/trading-engine/internal/config"
	"github.com/acqdte/trading-engine/internal/exec"
	"github.com/acqdte/trading-engine/internal/journal"
	"github.com/acqdte/trading-engine/internal/learner"
	"github.com/acqdte/trading-engine/internal/market"
	"github.com/acqdte/trading-engine/internal/metrics"
	"github.com/acqdte/trading-engine/internal/optimizer"
	"github.com/acqdte/trading-engine/internal/portfolio"
	"github.com/acqdte/trading-engine/internal/risk"
	"github.com/acqdte/trading-engine/internal/supervisor"
	"github.com/acqdte/trading-engine/internal/trade"
)

// Deps are the wired components the engine orchestrates. Journal and Metrics
// may be nil; everything else is required.
type Deps struct {
	Cfg         config.Root
	Log         zerolog.Logger
	Market      market.Provider
	Optimizer   *optimizer.Annealer
	Learner     *learner.Learner
	Gate        *risk.Gate
	Portfolio   *portfolio.Manager
	Gateway     exec.Gateway
	Journal     *journal.Journal
	Checkpoints checkpoint.Store
	Notifier    alerts.Notifier
	Supervisor  *supervisor.Supervisor
	Adapt       *adapt.Controller
	Metrics     *metrics.Recorder
}

// Engine runs the trading loop: one cycle per heartbeat, each cycle walking
// snapshot -> optimize+train -> rank -> gate -> execute -> record -> adapt ->
// checkpoint. It proceeds with last-known-good proposals when the optimizer
// times out or diverges, and it stops only when the supervisor halts it or
// the context ends.
type Engine struct {
	d   Deps
	log zerolog.Logger

	cycle      uint64
	lastRanked []optimizer.Candidate
	lastPrices map[string]float64
	lastNAV    float64

	// written by the training goroutine and by supervisor-driven rollbacks
	lastGeneration atomic.Int64
}

func New(d Deps) (*Engine, error) {
	switch {
	case d.Market == nil, d.Optimizer == nil, d.Learner == nil, d.Gate == nil,
		d.Portfolio == nil, d.Gateway == nil, d.Checkpoints == nil,
		d.Notifier == nil, d.Supervisor == nil, d.Adapt == nil:
		return nil, errors.New("engine: missing dependency")
	}
	return &Engine{
		d:   d,
		log: d.Log.With().Str("component", "engine").Logger(),
	}, nil
}

// Run restores state, registers with the supervisor, and cycles until the
// context ends or the supervisor halts. The final checkpoint is written on
// the way out in both cases.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.restore(ctx); err != nil {
		return err
	}

	e.d.Supervisor.Register("market", nil)
	e.d.Supervisor.Register("optimizer", nil)
	e.d.Supervisor.Register("learner", nil)
	e.d.Supervisor.Register("exec", nil)
	// strategy rollback: reload the last committed checkpoint and reset the
	// adaptation controller; the supervisor drives this within its budget
	e.d.Supervisor.Register("strategy", func(rctx context.Context) error {
		if err := e.rollback(rctx); err != nil {
			return err
		}
		e.d.Adapt.Acknowledge()
		if e.d.Metrics != nil {
			e.d.Metrics.Restart("strategy")
		}
		return nil
	})
	e.d.Supervisor.SetHaltHook(func(reason string) {
		e.finalCheckpoint(reason)
	})

	ticker := time.NewTicker(e.d.Cfg.HeartbeatPeriod())
	defer ticker.Stop()

	e.log.Info().
		Str("mode", e.d.Cfg.TradingMode).
		Strs("symbols", e.d.Cfg.Symbols).
		Dur("heartbeat", e.d.Cfg.HeartbeatPeriod()).
		Msg("engine started")

	// first cycle immediately rather than waiting out a full heartbeat
	e.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case <-e.d.Supervisor.Done():
			e.log.Error().Str("reason", e.d.Supervisor.HaltReason()).Msg("halted by supervisor")
			return fmt.Errorf("engine halted: %s", e.d.Supervisor.HaltReason())
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

// restore resumes from the latest checkpoint and warms the learner's window
// from the journal when starting fresh.
func (e *Engine) restore(ctx context.Context) error {
	cp, err := e.d.Checkpoints.Latest(ctx)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		e.log.Info().Msg("no checkpoint, starting fresh")
		e.warmFromJournal(ctx)
		return nil
	case err != nil:
		return fmt.Errorf("engine: restore: %w", err)
	}

	if err := e.d.Learner.Restore(cp.Learner); err != nil {
		return fmt.Errorf("engine: restore learner: %w", err)
	}
	if err := e.d.Portfolio.Restore(cp.Portfolio); err != nil {
		return fmt.Errorf("engine: restore portfolio: %w", err)
	}
	e.d.Adapt.Restore(adapt.Mode(cp.Adaptation.Mode), cp.Adaptation.IterationBudget, cp.Adaptation.ExplorationRate)
	e.cycle = cp.Cycle
	e.lastGeneration.Store(int64(cp.Learner.Generation))
	e.log.Info().Uint64("cycle", cp.Cycle).Time("taken", cp.CreatedAt).Msg("resumed from checkpoint")
	return nil
}

func (e *Engine) warmFromJournal(ctx context.Context) {
	if e.d.Journal == nil {
		return
	}
	outcomes, err := e.d.Journal.RecentOutcomes(ctx, e.d.Cfg.Learner.OutcomeWindow)
	if err != nil {
		e.log.Warn().Err(err).Msg("journal warm-up failed")
		return
	}
	for _, o := range outcomes {
		// features of the original decision are gone; a bias-only sample
		// still anchors the reward scale
		e.d.Learner.Record([]float64{1, 0, 0, 0, 0}, o.Reward)
	}
	if len(outcomes) > 0 {
		e.log.Info().Int("outcomes", len(outcomes)).Msg("learner window warmed from journal")
	}
}

// rollback reloads the last committed checkpoint into the learner, the
// portfolio and the adaptation knobs.
func (e *Engine) rollback(ctx context.Context) error {
	cp, err := e.d.Checkpoints.Latest(ctx)
	if err != nil {
		return fmt.Errorf("engine: rollback: %w", err)
	}
	if err := e.d.Learner.Restore(cp.Learner); err != nil {
		return err
	}
	if err := e.d.Portfolio.Restore(cp.Portfolio); err != nil {
		return err
	}
	e.lastGeneration.Store(int64(cp.Learner.Generation))
	e.log.Warn().Uint64("cycle", cp.Cycle).Msg("rolled back to checkpoint")
	return nil
}

// runCycle is one heartbeat of work. Every failure mode inside it either
// degrades gracefully (skip, last-known-good) or escalates to the
// supervisor; the loop itself never crashes.
func (e *Engine) runCycle(ctx context.Context) {
	if e.d.Supervisor.Halted() || ctx.Err() != nil {
		return
	}
	started := time.Now()
	e.cycle++
	cycLog := e.log.With().Uint64("cycle", e.cycle).Logger()
	// the strategy and exec components are healthy whenever the loop turns;
	// they only fail through explicit reports
	e.d.Supervisor.Heartbeat("strategy")
	e.d.Supervisor.Heartbeat("exec")

	snap, err := e.d.Market.Fetch(ctx)
	if err != nil {
		cycLog.Warn().Err(err).Msg("snapshot unavailable, skipping cycle")
		e.d.Supervisor.ReportFailure("market", err)
		return
	}
	e.d.Supervisor.Heartbeat("market")

	volatility := e.cycleVolatility(snap)
	nav := e.d.Portfolio.NAV(snap)
	e.d.Portfolio.MarkToMarket(snap)
	if e.d.Metrics != nil {
		e.d.Metrics.NAV(nav)
	}

	// forced exits come before anything else
	e.handleStopBreaches(ctx, snap, cycLog)

	plan := e.d.Adapt.Plan()
	ranked := e.optimizeAndTrain(ctx, snap, plan, cycLog)
	if len(ranked) == 0 {
		cycLog.Warn().Msg("no candidates available, skipping decision")
		e.checkpointCycle(ctx, plan, cycLog)
		return
	}
	e.lastRanked = ranked

	d := e.buildDecision(ranked[0])
	verdict := e.d.Gate.Validate(d, risk.Limits{
		MaxPositionSize: e.d.Cfg.Risk.MaxPositionSize,
		StopLossPercent: e.d.Cfg.Risk.StopLossPercent,
		MinOrderUSD:     e.d.Cfg.Risk.MinOrderUSD,
	}, e.heldPositions(), e.d.Gateway.Rules(), nav)

	e.journalDecision(ctx, d, verdict, cycLog)

	if verdict.Rejected() {
		cycLog.Info().Strs("reasons", verdict.Reasons).Msg("decision rejected")
		if e.d.Metrics != nil {
			e.d.Metrics.Decision(string(d.Action), "rejected")
			for _, r := range verdict.Reasons {
				e.d.Metrics.Rejection(reasonLabel(r))
			}
		}
	} else {
		if e.d.Metrics != nil {
			e.d.Metrics.Decision(string(d.Action), "approved")
		}
		e.execute(ctx, d, ranked[0], snap, nav, cycLog)
	}

	reward := e.cycleReward(snap)
	newPlan := e.d.Adapt.Observe(reward, volatility)
	if newPlan.Escalate && !plan.Escalate {
		e.d.Supervisor.ReportFailure("strategy", errors.New("adaptation retry budget exhausted"))
	}

	e.checkpointCycle(ctx, newPlan, cycLog)

	if e.d.Metrics != nil {
		e.d.Metrics.CycleCompleted(time.Since(started))
	}
	e.lastNAV = e.d.Portfolio.NAV(snap)
}

// optimizeAndTrain runs the allocation search and a training pass
// concurrently, each under its own deadline. A failed or late search falls
// back to the previous cycle's candidates.
func (e *Engine) optimizeAndTrain(ctx context.Context, snap market.Snapshot, plan adapt.Plan, cycLog zerolog.Logger) []optimizer.Candidate {
	iterations := plan.IterationBudget
	if iterations <= 0 {
		iterations = e.d.Cfg.Quantum.Iterations
	}
	e.d.Learner.SetExploration(plan.ExplorationRate)

	optBudget := e.d.Cfg.HeartbeatPeriod() / 2
	trainBudget := time.Duration(e.d.Cfg.Learner.TrainBudgetSecs) * time.Second

	var (
		wg       sync.WaitGroup
		cands    []optimizer.Candidate
		optErr   error
		trainErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		octx, cancel := context.WithTimeout(ctx, optBudget)
		defer cancel()
		cands, optErr = e.d.Optimizer.Propose(octx, snap, e.d.Cfg.Symbols, iterations)
	}()
	go func() {
		defer wg.Done()
		tctx, cancel := context.WithTimeout(ctx, trainBudget)
		defer cancel()
		rep, err := e.d.Learner.Train(tctx)
		if err == nil && plan.Retrain {
			// drift response: an extra pass at the raised exploration rate
			rep, err = e.d.Learner.Train(tctx)
		}
		trainErr = err
		if err == nil {
			e.d.Supervisor.Heartbeat("learner")
			if e.d.Metrics != nil {
				if delta := int64(rep.Generation) - e.lastGeneration.Load(); delta > 0 {
					e.d.Metrics.Generations(int(delta))
				}
			}
			e.lastGeneration.Store(int64(rep.Generation))
			if rep.Swapped {
				cycLog.Info().Str("policy", rep.ActiveID).Float64("fitness", rep.BestFitness).Msg("new active policy")
			}
		}
	}()
	wg.Wait()

	switch {
	case trainErr == nil:
	case errors.Is(trainErr, learner.ErrTrainingFailed):
		cycLog.Warn().Err(trainErr).Msg("training failed, keeping active policy")
		e.d.Supervisor.ReportFailure("learner", trainErr)
	case errors.Is(trainErr, context.DeadlineExceeded):
		cycLog.Warn().Msg("training budget exceeded")
	default:
		cycLog.Warn().Err(trainErr).Msg("training aborted")
	}

	if optErr != nil {
		switch {
		case errors.Is(optErr, optimizer.ErrDivergence):
			cycLog.Warn().Err(optErr).Msg("optimizer diverged, using last-known-good candidates")
		case errors.Is(optErr, context.DeadlineExceeded):
			cycLog.Warn().Msg("optimizer budget exceeded, using last-known-good candidates")
		default:
			cycLog.Warn().Err(optErr).Msg("optimizer failed")
		}
		e.d.Supervisor.ReportFailure("optimizer", optErr)
		return e.lastRanked
	}

	e.d.Supervisor.Heartbeat("optimizer")
	if e.d.Metrics != nil {
		e.d.Metrics.OptimizerIterations(iterations)
	}
	return e.d.Learner.RankCandidates(cands)
}

func (e *Engine) buildDecision(c optimizer.Candidate) trade.Decision {
	action := trade.ActionEnter
	if len(e.d.Portfolio.Weights()) > 0 {
		action = trade.ActionAdjust
	}
	return trade.Decision{
		ID:        fmt.Sprintf("%d-%s", e.cycle, ulid.Make().String()),
		Cycle:     e.cycle,
		Action:    action,
		Weights:   c.Weights,
		StopLoss:  e.d.Cfg.Risk.StopLossPercent,
		Score:     c.Score,
		CreatedAt: time.Now().UTC(),
	}
}

func (e *Engine) heldPositions() []risk.PositionView {
	weights := e.d.Portfolio.Weights()
	out := make([]risk.PositionView, 0, len(weights))
	for sym, w := range weights {
		out = append(out, risk.PositionView{Symbol: sym, Weight: w})
	}
	return out
}

// execute places the approved decision and folds the fills into the book.
// Retry-budget exhaustion is the supervisor's problem, not grounds for
// crashing the cycle.
func (e *Engine) execute(ctx context.Context, d trade.Decision, chosen optimizer.Candidate, snap market.Snapshot, nav float64, cycLog zerolog.Logger) {
	book := e.bookView(snap, nav)
	rep, err := e.d.Gateway.PlaceOrder(ctx, d, book)
	if err != nil {
		cycLog.Error().Err(err).Msg("execution failed")
		if errors.Is(err, exec.ErrRetryBudgetExhausted) {
			e.d.Supervisor.ReportFailure("exec", err)
		}
		return
	}
	e.d.Supervisor.Heartbeat("exec")

	if err := e.d.Portfolio.ApplyFills(d, rep); err != nil {
		cycLog.Error().Err(err).Msg("fill application failed")
		e.d.Supervisor.ReportFailure("exec", err)
		return
	}
	if e.d.Journal != nil {
		if err := e.d.Journal.RecordFills(ctx, rep); err != nil {
			cycLog.Warn().Err(err).Msg("journal fills failed")
		}
	}
	cycLog.Info().Int("fills", len(rep.Fills)).Str("decision_id", d.ID).Msg("executed")

	// outcome: reward is the NAV move this execution realized, normalized
	navAfter := e.d.Portfolio.NAV(snap)
	reward := 0.0
	if nav > 0 {
		reward = (navAfter - nav) / nav
	}
	outcome := trade.Outcome{
		Cycle:       e.cycle,
		DecisionID:  d.ID,
		RealizedPnL: e.d.Portfolio.RealizedPnL(),
		Reward:      reward,
		NAV:         navAfter,
		At:          time.Now().UTC(),
	}
	e.d.Learner.Record(learner.CandidateFeatures(chosen), reward)
	if e.d.Journal != nil {
		if err := e.d.Journal.RecordOutcome(ctx, outcome); err != nil {
			cycLog.Warn().Err(err).Msg("journal outcome failed")
		}
	}
}

// handleStopBreaches exits every position whose mark fell through its stop.
func (e *Engine) handleStopBreaches(ctx context.Context, snap market.Snapshot, cycLog zerolog.Logger) {
	breaches := e.d.Portfolio.StopBreaches(snap)
	if len(breaches) == 0 {
		return
	}
	cycLog.Warn().Strs("symbols", breaches).Msg("stop-loss breached, exiting")
	e.d.Notifier.Send(alerts.Alert{
		Severity: alerts.SeverityWarning,
		Key:      "stop-breach",
		Title:    "stop-loss triggered",
		Body:     fmt.Sprintf("exiting %v", breaches),
	})

	nav := e.d.Portfolio.NAV(snap)
	d := trade.Decision{
		ID:        fmt.Sprintf("%d-stop-%s", e.cycle, ulid.Make().String()),
		Cycle:     e.cycle,
		Action:    trade.ActionExit,
		CreatedAt: time.Now().UTC(),
	}
	book := e.bookView(snap, nav)
	// exits only touch breached symbols
	book.Quantities = filterQuantities(book.Quantities, breaches)

	rep, err := e.d.Gateway.PlaceOrder(ctx, d, book)
	if err != nil {
		cycLog.Error().Err(err).Msg("stop exit failed")
		e.d.Supervisor.ReportFailure("exec", err)
		return
	}
	if err := e.d.Portfolio.ApplyFills(d, rep); err != nil {
		cycLog.Error().Err(err).Msg("stop exit fill application failed")
	}
	if e.d.Journal != nil {
		_ = e.d.Journal.RecordDecision(ctx, d, true, nil)
		if err := e.d.Journal.RecordFills(ctx, rep); err != nil {
			cycLog.Warn().Err(err).Msg("journal stop fills failed")
		}
	}
}

func filterQuantities(qty map[string]float64, symbols []string) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if q, ok := qty[sym]; ok {
			out[sym] = q
		}
	}
	return out
}

func (e *Engine) bookView(snap market.Snapshot, nav float64) exec.BookView {
	prices := make(map[string]float64)
	for _, sym := range snap.Symbols() {
		if px, ok := snap.Price(sym); ok {
			prices[sym] = px
		}
	}
	quantities := make(map[string]float64)
	for sym := range e.d.Portfolio.Weights() {
		if p, ok := e.d.Portfolio.Position(sym); ok {
			quantities[sym] = p.Quantity
		}
	}
	return exec.BookView{NAV: nav, Quantities: quantities, Prices: prices}
}

func (e *Engine) journalDecision(ctx context.Context, d trade.Decision, v risk.Verdict, cycLog zerolog.Logger) {
	if e.d.Journal == nil {
		return
	}
	if err := e.d.Journal.RecordDecision(ctx, d, v.Approved, v.Reasons); err != nil {
		cycLog.Warn().Err(err).Msg("journal decision failed")
	}
}

// cycleReward is the NAV return since the previous cycle.
func (e *Engine) cycleReward(snap market.Snapshot) float64 {
	nav := e.d.Portfolio.NAV(snap)
	if e.lastNAV <= 0 {
		return 0
	}
	r := (nav - e.lastNAV) / e.lastNAV
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return r
}

// cycleVolatility is the mean absolute log return across the universe since
// the previous snapshot.
func (e *Engine) cycleVolatility(snap market.Snapshot) float64 {
	prices := make(map[string]float64)
	for _, sym := range snap.Symbols() {
		if px, ok := snap.Price(sym); ok && px > 0 {
			prices[sym] = px
		}
	}
	defer func() { e.lastPrices = prices }()

	if len(e.lastPrices) == 0 {
		return 0
	}
	var sum float64
	var n int
	for sym, px := range prices {
		if prev, ok := e.lastPrices[sym]; ok && prev > 0 {
			sum += math.Abs(math.Log(px / prev))
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// checkpointCycle persists the cycle's state, retrying within the configured
// budget. Exhausting the budget is unrecoverable: trading without durable
// state risks double-execution after a crash, so the supervisor halts.
func (e *Engine) checkpointCycle(ctx context.Context, plan adapt.Plan, cycLog zerolog.Logger) {
	cp := e.snapshotState(plan)

	backoff := time.Duration(e.d.Cfg.Checkpoint.BackoffBaseMs) * time.Millisecond
	budget := e.d.Cfg.Checkpoint.RetryBudget
	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff << (attempt - 1)):
			}
		}
		if lastErr = e.d.Checkpoints.Write(ctx, cp); lastErr == nil {
			if e.d.Metrics != nil {
				e.d.Metrics.CheckpointWrite("ok")
			}
			return
		}
		cycLog.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("checkpoint write failed")
		if e.d.Metrics != nil {
			e.d.Metrics.CheckpointWrite("error")
		}
	}

	e.d.Supervisor.Halt(fmt.Sprintf("checkpoint retry budget exhausted at cycle %d: %v", e.cycle, lastErr))
}

func (e *Engine) snapshotState(plan adapt.Plan) checkpoint.Checkpoint {
	return checkpoint.Checkpoint{
		FormatVersion: checkpoint.FormatVersion,
		Cycle:         e.cycle,
		CreatedAt:     time.Now().UTC(),
		Learner:       e.d.Learner.Snapshot(),
		Portfolio:     e.d.Portfolio.Snapshot(),
		Adaptation: checkpoint.AdaptationParams{
			IterationBudget: plan.IterationBudget,
			ExplorationRate: plan.ExplorationRate,
			Mode:            string(plan.Mode),
		},
	}
}

// finalCheckpoint is the halt hook: one last best-effort write so restart
// resumes as close to the halt as possible.
func (e *Engine) finalCheckpoint(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cp := e.snapshotState(e.d.Adapt.Plan())
	if err := e.d.Checkpoints.Write(ctx, cp); err != nil {
		e.log.Error().Err(err).Str("reason", reason).Msg("final checkpoint failed")
		return
	}
	e.log.Info().Uint64("cycle", cp.Cycle).Msg("final checkpoint written")
}

// shutdown runs on context cancellation: there is no in-flight work past
// the current cycle, so it just writes the final checkpoint.
func (e *Engine) shutdown() {
	e.log.Info().Msg("shutting down")
	e.finalCheckpoint("shutdown")
}

// reasonLabel trims the variable tail off a rejection reason so metric
// cardinality stays bounded.
func reasonLabel(r string) string {
	for i := 0; i < len(r); i++ {
		if r[i] == ':' {
			return r[:i]
		}
	}
	return r
}
