package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Quantum configures the quantum-inspired allocation optimizer.
type Quantum struct {
	Algorithm  string `yaml:"algorithm" validate:"oneof=qaoa vqe quantum_annealing"`
	Iterations int    `yaml:"iterations" validate:"gte=100,lte=10000"`
	Seed       int64  `yaml:"seed"`
	// Cost stops counting as improving once the trailing window stalls.
	DivergenceWindow int `yaml:"divergence_window" validate:"gte=10"`
}

// Learner configures the policy population and its evolution schedule.
type Learner struct {
	Epochs           int     `yaml:"epochs" validate:"gte=1000"`
	Population       int     `yaml:"population" validate:"gte=10,lte=500"`
	HysteresisMargin float64 `yaml:"hysteresis_margin" validate:"gte=0"`
	ExplorationRate  float64 `yaml:"exploration_rate" validate:"gt=0,lte=1"`
	EliteFraction    float64 `yaml:"elite_fraction" validate:"gt=0,lt=1"`
	OutcomeWindow    int     `yaml:"outcome_window" validate:"gte=1"`
	TrainBudgetSecs  int     `yaml:"train_budget_seconds" validate:"gte=1"`
}

// Risk holds the hard limits the gate enforces on every decision.
type Risk struct {
	MaxPositionSize float64 `yaml:"max_position_size" validate:"gte=0.01,lte=0.5"`
	StopLossPercent float64 `yaml:"stop_loss_percent" validate:"gte=0.005,lte=0.1"`
	MinOrderUSD     float64 `yaml:"min_order_usd" validate:"gte=0"`
}

// Checkpoint selects the durable store and its retry policy.
type Checkpoint struct {
	Backend       string `yaml:"backend" validate:"oneof=file badger redis"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisDB       int    `yaml:"redis_db"`
	RetryBudget   int    `yaml:"retry_budget" validate:"gte=1"`
	BackoffBaseMs int    `yaml:"backoff_base_ms" validate:"gte=1"`
	Retain        int    `yaml:"retain" validate:"gte=1"`
}

// Exec configures the execution gateway and its guards.
type Exec struct {
	OrderTimeoutSecs int     `yaml:"order_timeout_seconds" validate:"gte=1"`
	RetryBudget      int     `yaml:"retry_budget" validate:"gte=1"`
	RatePerSec       float64 `yaml:"rate_per_sec" validate:"gt=0"`
	RateBurst        int     `yaml:"rate_burst" validate:"gte=1"`
	BreakerFailures  int     `yaml:"breaker_failures" validate:"gte=1"`
	BreakerCooldownS int     `yaml:"breaker_cooldown_seconds" validate:"gte=1"`

	Paper Paper `yaml:"paper"`
}

// Paper configures the simulated fill path used in paper/backtest modes.
type Paper struct {
	OutboxPath     string  `yaml:"outbox_path"`
	LatencyMsMin   int     `yaml:"latency_ms_min"`
	LatencyMsMax   int     `yaml:"latency_ms_max"`
	SlippageBpsMin int     `yaml:"slippage_bps_min"`
	SlippageBpsMax int     `yaml:"slippage_bps_max"`
	MinNotionalUSD float64 `yaml:"min_notional_usd" validate:"gte=0"`
}

// Adapt configures drift detection and the adaptation retry budget.
type Adapt struct {
	DriftThreshold float64 `yaml:"drift_threshold" validate:"gt=0"`
	WindowSize     int     `yaml:"window_size" validate:"gte=8"`
	RetryBudget    int     `yaml:"retry_budget" validate:"gte=1"`
}

// Supervisor bounds component recovery so restarts cannot loop forever.
type Supervisor struct {
	GracePeriodSecs int `yaml:"grace_period_seconds" validate:"gte=1"`
	RestartBudget   int `yaml:"restart_budget" validate:"gte=1"`
	ProbeEverySecs  int `yaml:"probe_every_seconds" validate:"gte=1"`
}

type Telegram struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type Market struct {
	Provider    string `yaml:"provider" validate:"oneof=sim stream"`
	StreamURL   string `yaml:"stream_url"`
	StaleAfterS int    `yaml:"stale_after_seconds" validate:"gte=1"`
	SimSeed     int64  `yaml:"sim_seed"`
	SimDriftBps int    `yaml:"sim_drift_bps"`
	SimVolBps   int    `yaml:"sim_vol_bps"`
}

type Journal struct {
	Path string `yaml:"path"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Root is the immutable configuration constructed once at startup and passed
// by reference into every component constructor.
type Root struct {
	TradingMode       string   `yaml:"trading_mode" validate:"oneof=paper live backtest"`
	DefaultExchange   string   `yaml:"default_exchange" validate:"required"`
	Symbols           []string `yaml:"symbols" validate:"min=1,dive,required"`
	HeartbeatInterval int      `yaml:"heartbeat_interval_seconds" validate:"gte=1"`
	CapitalBase       float64  `yaml:"capital_base" validate:"gt=0"`

	Quantum    Quantum    `yaml:"quantum"`
	Learner    Learner    `yaml:"learner"`
	Risk       Risk       `yaml:"risk"`
	Market     Market     `yaml:"market"`
	Checkpoint Checkpoint `yaml:"checkpoint"`
	Exec       Exec       `yaml:"exec"`
	Adapt      Adapt      `yaml:"adapt"`
	Supervisor Supervisor `yaml:"supervisor"`
	Telegram   Telegram   `yaml:"telegram"`
	Journal    Journal    `yaml:"journal"`
	Metrics    Metrics    `yaml:"metrics"`
	Log        Log        `yaml:"log"`
}

// ValidationError is the only acceptable startup failure: a config value is
// missing or out of its documented range.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s %s", e.Field, e.Reason)
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Root {
	return Root{
		TradingMode:       "paper",
		DefaultExchange:   "binance",
		Symbols:           []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
		HeartbeatInterval: 60,
		CapitalBase:       100_000,
		Quantum: Quantum{
			Algorithm:        "qaoa",
			Iterations:       1000,
			Seed:             1,
			DivergenceWindow: 50,
		},
		Learner: Learner{
			Epochs:           10_000,
			Population:       50,
			HysteresisMargin: 0.05,
			ExplorationRate:  0.2,
			EliteFraction:    0.2,
			OutcomeWindow:    64,
			TrainBudgetSecs:  30,
		},
		Risk: Risk{
			MaxPositionSize: 0.1,
			StopLossPercent: 0.02,
			MinOrderUSD:     10,
		},
		Market: Market{
			Provider:    "sim",
			StaleAfterS: 120,
			SimSeed:     1,
			SimDriftBps: 2,
			SimVolBps:   80,
		},
		Checkpoint: Checkpoint{
			Backend:       "file",
			Path:          "data/checkpoints",
			RedisAddr:     "localhost:6379",
			RetryBudget:   3,
			BackoffBaseMs: 250,
			Retain:        2,
		},
		Exec: Exec{
			OrderTimeoutSecs: 10,
			RetryBudget:      3,
			RatePerSec:       5,
			RateBurst:        10,
			BreakerFailures:  5,
			BreakerCooldownS: 30,
			Paper: Paper{
				OutboxPath:     "data/outbox.jsonl",
				LatencyMsMin:   50,
				LatencyMsMax:   400,
				SlippageBpsMin: 1,
				SlippageBpsMax: 5,
				MinNotionalUSD: 10,
			},
		},
		Adapt: Adapt{
			DriftThreshold: 0.3,
			WindowSize:     32,
			RetryBudget:    3,
		},
		Supervisor: Supervisor{
			GracePeriodSecs: 180,
			RestartBudget:   3,
			ProbeEverySecs:  15,
		},
		Journal: Journal{Path: "data/journal.db"},
		Metrics: Metrics{Enabled: true, Addr: "127.0.0.1:9109"},
		Log:     Log{Level: "info", Format: "json"},
	}
}

// Load builds the configuration: defaults, then the optional YAML file, then
// environment overrides, then validation. Path may be empty.
func Load(path string) (Root, error) {
	c := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return c, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&c); err != nil {
		return c, err
	}
	if err := Validate(&c); err != nil {
		return c, err
	}
	return c, nil
}

// applyEnv overlays the documented environment variables onto c.
func applyEnv(c *Root) error {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr("TRADING_MODE", &c.TradingMode)
	setStr("DEFAULT_EXCHANGE", &c.DefaultExchange)
	setStr("QUANTUM_ALGORITHM", &c.Quantum.Algorithm)
	setStr("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	setStr("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	setStr("LOG_LEVEL", &c.Log.Level)

	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Symbols = ParseSymbols(v)
	}
	if c.Telegram.BotToken != "" && c.Telegram.ChatID != "" {
		c.Telegram.Enabled = true
	}

	for key, dst := range map[string]*int{
		"QUANTUM_ITERATIONS":        &c.Quantum.Iterations,
		"RL_EPOCHS":                 &c.Learner.Epochs,
		"NEUROEVOLUTION_POPULATION": &c.Learner.Population,
		"HEARTBEAT_INTERVAL":        &c.HeartbeatInterval,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return &ValidationError{Field: key, Reason: fmt.Sprintf("not an integer: %q", v)}
			}
			*dst = n
		}
	}

	for key, dst := range map[string]*float64{
		"MAX_POSITION_SIZE": &c.Risk.MaxPositionSize,
		"STOP_LOSS_PERCENT": &c.Risk.StopLossPercent,
	} {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return &ValidationError{Field: key, Reason: fmt.Sprintf("not a number: %q", v)}
			}
			*dst = f
		}
	}
	return nil
}

// ParseSymbols splits a comma-separated symbol list, trimming whitespace and
// dropping empty entries. "BTC/USDT, ETH/USDT" -> ["BTC/USDT" "ETH/USDT"].
func ParseSymbols(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks every range documented in the configuration contract and
// returns a descriptive error for the first violation.
func Validate(c *Root) error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok || len(errs) == 0 {
			return err
		}
		fe := errs[0]
		return &ValidationError{
			Field:  fe.Namespace(),
			Reason: fmt.Sprintf("failed %q (value %v)", fe.Tag(), fe.Value()),
		}
	}
	return nil
}

// HeartbeatPeriod returns the cycle interval as a duration.
func (c *Root) HeartbeatPeriod() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}
