package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Recorder exposes the engine's operational counters through prometheus.
// A nil Recorder is safe to call, so wiring stays unconditional even when
// metrics are disabled.
type Recorder struct {
	cycles              prometheus.Counter
	decisions           *prometheus.CounterVec
	rejections          *prometheus.CounterVec
	restarts            *prometheus.CounterVec
	checkpointWrites    *prometheus.CounterVec
	optimizerIterations prometheus.Counter
	generations         prometheus.Counter
	nav                 prometheus.Gauge
	cycleDuration       prometheus.Histogram
}

func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_cycles_total",
			Help: "Completed trading cycles",
		}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_decisions_total",
			Help: "Decisions by action and verdict",
		}, []string{"action", "verdict"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_risk_rejections_total",
			Help: "Risk gate rejections by reason",
		}, []string{"reason"}),
		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_component_restarts_total",
			Help: "Supervisor-initiated component restarts",
		}, []string{"name"}),
		checkpointWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_checkpoint_writes_total",
			Help: "Checkpoint writes by outcome",
		}, []string{"outcome"}),
		optimizerIterations: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_optimizer_iterations_total",
			Help: "Iterations spent by the optimizer",
		}),
		generations: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_learner_generations_total",
			Help: "Learner generations evolved",
		}),
		nav: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_nav_usd",
			Help: "Marked portfolio value",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_cycle_duration_seconds",
			Help:    "Wall time per trading cycle",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (r *Recorder) CycleCompleted(d time.Duration) {
	if r == nil {
		return
	}
	r.cycles.Inc()
	r.cycleDuration.Observe(d.Seconds())
}

func (r *Recorder) Decision(action, verdict string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(action, verdict).Inc()
}

func (r *Recorder) Rejection(reason string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(reason).Inc()
}

func (r *Recorder) Restart(name string) {
	if r == nil {
		return
	}
	r.restarts.WithLabelValues(name).Inc()
}

func (r *Recorder) CheckpointWrite(outcome string) {
	if r == nil {
		return
	}
	r.checkpointWrites.WithLabelValues(outcome).Inc()
}

func (r *Recorder) OptimizerIterations(n int) {
	if r == nil {
		return
	}
	r.optimizerIterations.Add(float64(n))
}

func (r *Recorder) Generations(n int) {
	if r == nil {
		return
	}
	r.generations.Add(float64(n))
}

func (r *Recorder) NAV(v float64) {
	if r == nil {
		return
	}
	r.nav.Set(v)
}

// Server serves /metrics and /healthz. healthy is polled per request so the
// endpoint flips as soon as the supervisor halts.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

func NewServer(addr string, gatherer prometheus.Gatherer, healthy func() bool, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if healthy() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("halted"))
	})
	return &Server{
		srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log: log.With().Str("component", "metrics").Logger(),
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
