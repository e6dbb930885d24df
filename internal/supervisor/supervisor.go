package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/acqdte/trading-engine/internal/alerts"
)

// State is a supervised component's health.
type State string

const (
	StateHealthy    State = "healthy"
	StateDegraded   State = "degraded"
	StateFailed     State = "failed"
	StateRecovering State = "recovering"
	StateHalted     State = "halted"
)

// Options bound the supervisor's patience.
type Options struct {
	GracePeriod   time.Duration // missed heartbeats longer than this degrade
	ProbeEvery    time.Duration
	RestartBudget int // restarts per component before halting everything
}

// RestartFunc brings a failed component back. It must be safe to call
// repeatedly; returning an error counts against the restart budget.
type RestartFunc func(ctx context.Context) error

type component struct {
	name     string
	restart  RestartFunc
	state    State
	lastBeat time.Time
	restarts int
}

// Supervisor owns recovery: it watches heartbeats, walks each component
// through degraded/failed/recovering, restarts within budget, and is the
// only party allowed to halt the engine. A halt fires exactly once, sends
// one critical alert, and runs the halt hook (final checkpoint) before the
// Done channel closes.
type Supervisor struct {
	opts     Options
	notifier alerts.Notifier
	log      zerolog.Logger

	mu         sync.Mutex
	components map[string]*component
	halted     bool
	haltReason string

	haltHook func(reason string)
	haltOnce sync.Once
	done     chan struct{}

	now func() time.Time
}

func New(opts Options, notifier alerts.Notifier, log zerolog.Logger) *Supervisor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}
	if opts.ProbeEvery <= 0 {
		opts.ProbeEvery = 5 * time.Second
	}
	if opts.RestartBudget <= 0 {
		opts.RestartBudget = 3
	}
	return &Supervisor{
		opts:       opts,
		notifier:   notifier,
		log:        log.With().Str("component", "supervisor").Logger(),
		components: make(map[string]*component),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// SetHaltHook installs the engine's final-checkpoint callback. Must be set
// before Run.
func (s *Supervisor) SetHaltHook(hook func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haltHook = hook
}

// Register adds a component under supervision, starting healthy.
func (s *Supervisor) Register(name string, restart RestartFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[name] = &component{
		name:     name,
		restart:  restart,
		state:    StateHealthy,
		lastBeat: s.now(),
	}
}

// Heartbeat marks the component alive. A beat from a recovering component
// completes its recovery.
func (s *Supervisor) Heartbeat(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[name]
	if !ok || s.halted {
		return
	}
	c.lastBeat = s.now()
	switch c.state {
	case StateDegraded:
		s.log.Info().Str("name", name).Msg("component caught up")
		c.state = StateHealthy
	case StateRecovering:
		s.log.Info().Str("name", name).Int("restarts", c.restarts).Msg("component recovered")
		c.state = StateHealthy
	}
}

// ReportFailure marks a component failed immediately, skipping the
// heartbeat timeline. The next probe restarts it.
func (s *Supervisor) ReportFailure(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[name]
	if !ok || s.halted {
		return
	}
	if c.state != StateFailed {
		s.log.Error().Err(err).Str("name", name).Msg("component failure reported")
		c.state = StateFailed
	}
}

// StateOf reports a component's current state.
func (s *Supervisor) StateOf(name string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return StateHalted, true
	}
	c, ok := s.components[name]
	if !ok {
		return "", false
	}
	return c.state, true
}

// Halted reports whether the engine has been halted.
func (s *Supervisor) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Done closes when the supervisor has halted the engine.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Run probes until the context ends or a halt fires.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ProbeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

// probe advances every component's state machine one step.
func (s *Supervisor) probe(ctx context.Context) {
	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		return
	}
	type pending struct {
		c       *component
		restart RestartFunc
	}
	var restarts []pending
	now := s.now()
	for _, c := range s.components {
		silent := now.Sub(c.lastBeat)
		switch c.state {
		case StateHealthy:
			if silent > s.opts.GracePeriod {
				s.log.Warn().Str("name", c.name).Dur("silent", silent).Msg("component degraded")
				c.state = StateDegraded
			}
		case StateDegraded:
			if silent > 2*s.opts.GracePeriod {
				s.log.Error().Str("name", c.name).Dur("silent", silent).Msg("component failed")
				c.state = StateFailed
			}
		case StateFailed:
			if c.restarts >= s.opts.RestartBudget {
				reason := fmt.Sprintf("component %s exhausted restart budget (%d)", c.name, c.restarts)
				s.mu.Unlock()
				s.Halt(reason)
				return
			}
			c.restarts++
			c.state = StateRecovering
			c.lastBeat = now // restart grace starts fresh
			restarts = append(restarts, pending{c: c, restart: c.restart})
		case StateRecovering:
			if silent > 2*s.opts.GracePeriod {
				s.log.Error().Str("name", c.name).Msg("recovery timed out")
				c.state = StateFailed
			}
		}
	}
	s.mu.Unlock()

	for _, p := range restarts {
		if p.restart == nil {
			continue
		}
		s.log.Warn().Str("name", p.c.name).Int("attempt", p.c.restarts).Msg("restarting component")
		if err := p.restart(ctx); err != nil {
			s.log.Error().Err(err).Str("name", p.c.name).Msg("restart failed")
			s.ReportFailure(p.c.name, err)
		}
	}
}

// Halt stops everything, exactly once: one critical alert, one halt hook
// invocation, then Done closes. Later calls are no-ops.
func (s *Supervisor) Halt(reason string) {
	s.haltOnce.Do(func() {
		s.mu.Lock()
		s.halted = true
		s.haltReason = reason
		hook := s.haltHook
		s.mu.Unlock()

		s.log.Error().Str("reason", reason).Msg("halting")
		s.notifier.Send(alerts.Alert{
			Severity: alerts.SeverityCritical,
			Key:      "engine-halt",
			Title:    "trading engine halted",
			Body:     reason,
		})
		if hook != nil {
			hook(reason)
		}
		close(s.done)
	})
}

// HaltReason returns why the engine stopped, if it has.
func (s *Supervisor) HaltReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haltReason
}
