package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/acqdte/trading-engine/internal/adapt"
	"github.com/acqdte/trading-engine/internal/alerts"
	"github.com/acqdte/trading-engine/internal/checkpoint"
	"github.com/acqdte/trading-engine/internal/config"
	"github.com/acqdte/trading-engine/internal/engine"
	"github.com/acqdte/trading-engine/internal/exec"
	"github.com/acqdte/trading-engine/internal/journal"
	"github.com/acqdte/trading-engine/internal/learner"
	"github.com/acqdte/trading-engine/internal/logging"
	"github.com/acqdte/trading-engine/internal/market"
	"github.com/acqdte/trading-engine/internal/metrics"
	"github.com/acqdte/trading-engine/internal/optimizer"
	"github.com/acqdte/trading-engine/internal/portfolio"
	"github.com/acqdte/trading-engine/internal/risk"
	"github.com/acqdte/trading-engine/internal/supervisor"
)

// set by the linker at release time
var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:           "traderd",
		Short:         "adaptive strategy orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config.yaml (optional)")

	root.AddCommand(
		runCmd(&cfgPath),
		validateCmd(&cfgPath),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "traderd:", err)
		os.Exit(1)
	}
}

func runCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start the trading loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Log)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
}

func validateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			fmt.Printf("configuration ok: mode=%s symbols=%v heartbeat=%s\n",
				cfg.TradingMode, cfg.Symbols, cfg.HeartbeatPeriod())
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("traderd %s (%s)\n", version, commit)
		},
	}
}

// run wires every component and blocks until the context ends or the
// supervisor halts the engine.
func run(ctx context.Context, cfg config.Root, log zerolog.Logger) error {
	log.Info().Str("version", version).Str("mode", cfg.TradingMode).Msg("starting")

	notifier := buildNotifier(cfg, log)
	defer notifier.Close()

	provider, err := buildProvider(cfg, log)
	if err != nil {
		return err
	}
	defer provider.Close()

	store, err := buildCheckpointStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	jnl, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jnl.Close()

	opt, err := optimizer.New(optimizer.Options{
		Algorithm:        cfg.Quantum.Algorithm,
		Seed:             cfg.Quantum.Seed,
		MaxWeight:        cfg.Risk.MaxPositionSize,
		DivergenceWindow: cfg.Quantum.DivergenceWindow,
	}, log)
	if err != nil {
		return err
	}

	lrn, err := learner.New(learner.Options{
		Epochs:           cfg.Learner.Epochs,
		Population:       cfg.Learner.Population,
		EliteFraction:    cfg.Learner.EliteFraction,
		ExplorationRate:  cfg.Learner.ExplorationRate,
		HysteresisMargin: cfg.Learner.HysteresisMargin,
		OutcomeWindow:    cfg.Learner.OutcomeWindow,
		Seed:             cfg.Quantum.Seed,
	}, log)
	if err != nil {
		return err
	}

	gateway, err := buildGateway(cfg, log)
	if err != nil {
		return err
	}
	defer gateway.Close()

	sup := supervisor.New(supervisor.Options{
		GracePeriod:   time.Duration(cfg.Supervisor.GracePeriodSecs) * time.Second,
		ProbeEvery:    time.Duration(cfg.Supervisor.ProbeEverySecs) * time.Second,
		RestartBudget: cfg.Supervisor.RestartBudget,
	}, notifier, log)
	go sup.Run(ctx)

	ctrl := adapt.NewController(adapt.Options{
		DriftThreshold:  cfg.Adapt.DriftThreshold,
		WindowSize:      cfg.Adapt.WindowSize,
		RetryBudget:     cfg.Adapt.RetryBudget,
		BaseIterations:  cfg.Quantum.Iterations,
		BaseExploration: cfg.Learner.ExplorationRate,
	}, log)

	var rec *metrics.Recorder
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		rec = metrics.New(reg)
		srv := metrics.NewServer(cfg.Metrics.Addr, reg, func() bool { return !sup.Halted() }, log)
		srv.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	eng, err := engine.New(engine.Deps{
		Cfg:         cfg,
		Log:         log,
		Market:      provider,
		Optimizer:   opt,
		Learner:     lrn,
		Gate:        risk.NewGate(),
		Portfolio:   portfolio.NewManager(cfg.CapitalBase),
		Gateway:     gateway,
		Journal:     jnl,
		Checkpoints: store,
		Notifier:    notifier,
		Supervisor:  sup,
		Adapt:       ctrl,
		Metrics:     rec,
	})
	if err != nil {
		return err
	}
	return eng.Run(ctx)
}

func buildNotifier(cfg config.Root, log zerolog.Logger) alerts.Notifier {
	if !cfg.Telegram.Enabled {
		return alerts.NopNotifier{}
	}
	return alerts.NewTelegramClient(alerts.TelegramOptions{
		BotToken: cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
	}, log)
}

func buildProvider(cfg config.Root, log zerolog.Logger) (market.Provider, error) {
	switch cfg.Market.Provider {
	case "sim":
		return market.NewSimProvider(cfg.Symbols, cfg.Market.SimSeed, cfg.Market.SimDriftBps, cfg.Market.SimVolBps), nil
	case "stream":
		stale := time.Duration(cfg.Market.StaleAfterS) * time.Second
		return market.NewStreamProvider(cfg.Market.StreamURL, cfg.Symbols, stale, log), nil
	default:
		return nil, fmt.Errorf("unknown market provider %q", cfg.Market.Provider)
	}
}

func buildCheckpointStore(ctx context.Context, cfg config.Root, log zerolog.Logger) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case "file":
		return checkpoint.NewFileStore(cfg.Checkpoint.Path, cfg.Checkpoint.Retain, log)
	case "badger":
		return checkpoint.NewBadgerStore(cfg.Checkpoint.Path)
	case "redis":
		return checkpoint.NewRedisStore(ctx, cfg.Checkpoint.RedisAddr, cfg.Checkpoint.RedisDB)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

func buildGateway(cfg config.Root, log zerolog.Logger) (exec.Gateway, error) {
	mins := make(map[string]float64, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		mins[sym] = cfg.Exec.Paper.MinNotionalUSD
	}
	// live mode still fills on paper until a live venue adapter lands
	paper, err := exec.NewPaperGateway(exec.PaperOptions{
		OutboxPath:     cfg.Exec.Paper.OutboxPath,
		LatencyMsMin:   cfg.Exec.Paper.LatencyMsMin,
		LatencyMsMax:   cfg.Exec.Paper.LatencyMsMax,
		SlippageBpsMin: cfg.Exec.Paper.SlippageBpsMin,
		SlippageBpsMax: cfg.Exec.Paper.SlippageBpsMax,
		MinNotionalUSD: mins,
		Seed:           cfg.Quantum.Seed,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	return exec.NewGuardedGateway(paper, exec.GuardedOptions{
		RatePerSec:      cfg.Exec.RatePerSec,
		RateBurst:       cfg.Exec.RateBurst,
		RetryBudget:     cfg.Exec.RetryBudget,
		BackoffBase:     250 * time.Millisecond,
		OrderTimeout:    time.Duration(cfg.Exec.OrderTimeoutSecs) * time.Second,
		BreakerFailures: uint32(cfg.Exec.BreakerFailures),
		BreakerCooldown: time.Duration(cfg.Exec.BreakerCooldownS) * time.Second,
	}, log), nil
}
