package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acqdte/trading-engine/internal/alerts"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (r *recordingNotifier) Send(a alerts.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingNotifier) Close() {}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

// fakeClock drives the supervisor deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestSupervisor(notifier alerts.Notifier) (*Supervisor, *fakeClock) {
	s := New(Options{
		GracePeriod:   10 * time.Second,
		ProbeEvery:    time.Second,
		RestartBudget: 2,
	}, notifier, zerolog.Nop())
	clock := &fakeClock{t: time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)}
	s.now = clock.now
	return s, clock
}

func TestHealthyWhileHeartbeating(t *testing.T) {
	s, clock := newTestSupervisor(&recordingNotifier{})
	s.Register("optimizer", nil)

	for i := 0; i < 5; i++ {
		clock.advance(5 * time.Second)
		s.Heartbeat("optimizer")
		s.probe(context.Background())
	}
	st, ok := s.StateOf("optimizer")
	require.True(t, ok)
	assert.Equal(t, StateHealthy, st)
}

func TestSilenceDegradesThenFails(t *testing.T) {
	s, clock := newTestSupervisor(&recordingNotifier{})
	s.Register("market", nil)

	clock.advance(11 * time.Second) // past grace
	s.probe(context.Background())
	st, _ := s.StateOf("market")
	assert.Equal(t, StateDegraded, st)

	clock.advance(10 * time.Second) // past 2x grace
	s.probe(context.Background())
	st, _ = s.StateOf("market")
	assert.Equal(t, StateFailed, st)
}

func TestHeartbeatClearsDegraded(t *testing.T) {
	s, clock := newTestSupervisor(&recordingNotifier{})
	s.Register("market", nil)

	clock.advance(11 * time.Second)
	s.probe(context.Background())
	st, _ := s.StateOf("market")
	require.Equal(t, StateDegraded, st)

	s.Heartbeat("market")
	st, _ = s.StateOf("market")
	assert.Equal(t, StateHealthy, st)
}

func TestFailedComponentRestartsAndRecovers(t *testing.T) {
	s, clock := newTestSupervisor(&recordingNotifier{})
	restarted := 0
	s.Register("learner", func(ctx context.Context) error {
		restarted++
		return nil
	})

	s.ReportFailure("learner", errors.New("training panic"))
	s.probe(context.Background())
	assert.Equal(t, 1, restarted)
	st, _ := s.StateOf("learner")
	assert.Equal(t, StateRecovering, st)

	s.Heartbeat("learner")
	st, _ = s.StateOf("learner")
	assert.Equal(t, StateHealthy, st)
	_ = clock
}

func TestRestartBudgetExhaustionHaltsWithOneAlert(t *testing.T) {
	notifier := &recordingNotifier{}
	s, _ := newTestSupervisor(notifier)

	haltHookCalls := 0
	s.SetHaltHook(func(reason string) { haltHookCalls++ })

	s.Register("exec", func(ctx context.Context) error {
		return errors.New("still broken")
	})

	// each probe: failed -> recovering (restart fails -> failed again)
	s.ReportFailure("exec", errors.New("boom"))
	for i := 0; i < 10 && !s.Halted(); i++ {
		s.probe(context.Background())
	}

	require.True(t, s.Halted())
	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, 1, haltHookCalls)
	assert.Contains(t, s.HaltReason(), "restart budget")

	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed after halt")
	}
}

func TestHaltFiresExactlyOnce(t *testing.T) {
	notifier := &recordingNotifier{}
	s, _ := newTestSupervisor(notifier)
	hookCalls := 0
	s.SetHaltHook(func(string) { hookCalls++ })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Halt("persistence retry budget exhausted")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, 1, hookCalls)
	assert.True(t, s.Halted())
}

func TestNoStateChangesAfterHalt(t *testing.T) {
	s, clock := newTestSupervisor(&recordingNotifier{})
	s.Register("market", nil)
	s.Halt("test halt")

	clock.advance(time.Hour)
	s.probe(context.Background())
	s.Heartbeat("market")

	st, ok := s.StateOf("market")
	require.True(t, ok)
	assert.Equal(t, StateHalted, st)
}

func TestRecoveryTimeoutFailsAgain(t *testing.T) {
	s, clock := newTestSupervisor(&recordingNotifier{})
	s.Register("stream", func(ctx context.Context) error { return nil })

	s.ReportFailure("stream", errors.New("disconnect"))
	s.probe(context.Background()) // failed -> recovering
	st, _ := s.StateOf("stream")
	require.Equal(t, StateRecovering, st)

	// never heartbeats after restart
	clock.advance(21 * time.Second)
	s.probe(context.Background())
	st, _ = s.StateOf("stream")
	assert.Equal(t, StateFailed, st)
}
