package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	VenueKindPaper       = "paper"
	VenueKindHyperliquid = "hyperliquid"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Venues    []VenueConfig   `yaml:"venues"`
	Execution ExecutionConfig `yaml:"execution"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Ops       OpsConfig       `yaml:"ops"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// File enables a rotating log file next to stderr output.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type VenueConfig struct {
	Name      string          `yaml:"name"`
	Kind      string          `yaml:"kind"`
	BaseURL   string          `yaml:"base_url"`
	WSURL     string          `yaml:"ws_url"`
	Timeout   time.Duration   `yaml:"timeout"`
	SizeUnit  string          `yaml:"size_unit"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Paper     PaperConfig     `yaml:"paper"`
	// Hyperliquid only. The signing key is read from PrivateKeyEnv.
	AccountAddress string `yaml:"account_address"`
	VaultAddress   string `yaml:"vault_address"`
	PrivateKeyEnv  string `yaml:"private_key_env"`
}

// Mainnet reports whether a Hyperliquid venue points at production.
func (v VenueConfig) Mainnet() bool {
	return !strings.Contains(strings.ToLower(v.BaseURL), "testnet")
}

type RateLimitConfig struct {
	InitialRate     float64 `yaml:"initial_rate"`
	MinRate         float64 `yaml:"min_rate"`
	MaxRate         float64 `yaml:"max_rate"`
	BurstMultiplier float64 `yaml:"burst_multiplier"`
	IncreaseAfter   int     `yaml:"increase_after"`
}

type PaperConfig struct {
	Balance  float64             `yaml:"balance"`
	Leverage float64             `yaml:"leverage"`
	Markets  []PaperMarketConfig `yaml:"markets"`
}

type PaperMarketConfig struct {
	Symbol      string  `yaml:"symbol"`
	MarkPrice   float64 `yaml:"mark_price"`
	FundingRate float64 `yaml:"funding_rate"`
	SizeStep    float64 `yaml:"size_step"`
	MinNotional float64 `yaml:"min_notional"`
}

type ExecutionConfig struct {
	// MakerVenue names the venue whose leg rests post-only; empty means both
	// legs cross.
	MakerVenue           string        `yaml:"maker_venue"`
	Stagger              time.Duration `yaml:"stagger"`
	LegTimeout           time.Duration `yaml:"leg_timeout"`
	SettleDelay          time.Duration `yaml:"settle_delay"`
	MakerFillTimeout     time.Duration `yaml:"maker_fill_timeout"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	CompensationAttempts int           `yaml:"compensation_attempts"`
	TakerSlippage        float64       `yaml:"taker_slippage"`
	CloseSlippage        []float64     `yaml:"close_slippage"`
}

type ShutdownConfig struct {
	GlobalTimeout   time.Duration `yaml:"global_timeout"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	ForceGrace      time.Duration `yaml:"force_grace"`
	CancelTimeout   time.Duration `yaml:"cancel_timeout"`
	CancelAttempts  int           `yaml:"cancel_attempts"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	CloseTimeout    time.Duration `yaml:"close_timeout"`
	SlippageSteps   []float64     `yaml:"slippage_steps"`
	DustNotionalUSD float64       `yaml:"dust_notional_usd"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout"`
}

type StateConfig struct {
	SQLitePath    string        `yaml:"sqlite_path"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type StrategyConfig struct {
	Symbols     []string      `yaml:"symbols"`
	NotionalUSD float64       `yaml:"notional_usd"`
	MinSpread   float64       `yaml:"min_spread"`
	ExitSpread  float64       `yaml:"exit_spread"`
	FeeBps      float64       `yaml:"fee_bps"`
	SlippageBps float64       `yaml:"slippage_bps"`
	HoldPeriods float64       `yaml:"hold_periods"`
	Interval    time.Duration `yaml:"interval"`
	// FundingInterval is how often venues settle funding.
	FundingInterval time.Duration `yaml:"funding_interval"`
}

type RiskConfig struct {
	MaxNotionalUSD      float64       `yaml:"max_notional_usd"`
	MaxTotalExposureUSD float64       `yaml:"max_total_exposure_usd"`
	MaxOpenTrades       int           `yaml:"max_open_trades"`
	MaxPriceDivergence  float64       `yaml:"max_price_divergence"`
	Leverage            float64       `yaml:"leverage"`
	MaxMarketAge        time.Duration `yaml:"max_market_age"`
}

type ReconcileConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Grace       time.Duration `yaml:"grace"`
	AutoFlatten *bool         `yaml:"auto_flatten"`
}

func (c ReconcileConfig) AutoFlattenValue() bool {
	return c.AutoFlatten == nil || *c.AutoFlatten
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SampleInterval  time.Duration `yaml:"sample_interval"`
}

type OpsConfig struct {
	Enabled     *bool  `yaml:"enabled"`
	Address     string `yaml:"address"`
	MetricsPath string `yaml:"metrics_path"`
}

func (c OpsConfig) EnabledValue() bool {
	return c.Enabled == nil || *c.Enabled
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}
	for i := range cfg.Venues {
		applyVenueDefaults(&cfg.Venues[i])
	}

	ex := &cfg.Execution
	if ex.Stagger == 0 {
		ex.Stagger = 100 * time.Millisecond
	}
	if ex.LegTimeout == 0 {
		ex.LegTimeout = 10 * time.Second
	}
	if ex.SettleDelay == 0 {
		ex.SettleDelay = 500 * time.Millisecond
	}
	if ex.MakerFillTimeout == 0 {
		ex.MakerFillTimeout = 5 * time.Second
	}
	if ex.PollInterval == 0 {
		ex.PollInterval = 250 * time.Millisecond
	}
	if ex.CompensationAttempts == 0 {
		ex.CompensationAttempts = 3
	}
	if ex.TakerSlippage == 0 {
		ex.TakerSlippage = 0.005
	}
	if len(ex.CloseSlippage) == 0 {
		ex.CloseSlippage = []float64{0.02, 0.05, 0.10}
	}

	sd := &cfg.Shutdown
	if sd.GlobalTimeout == 0 {
		sd.GlobalTimeout = 60 * time.Second
	}
	if sd.DrainTimeout == 0 {
		sd.DrainTimeout = 10 * time.Second
	}
	if sd.ForceGrace == 0 {
		sd.ForceGrace = 2 * time.Second
	}
	if sd.CancelTimeout == 0 {
		sd.CancelTimeout = 5 * time.Second
	}
	if sd.CancelAttempts == 0 {
		sd.CancelAttempts = 2
	}
	if sd.FetchTimeout == 0 {
		sd.FetchTimeout = 5 * time.Second
	}
	if sd.CloseTimeout == 0 {
		sd.CloseTimeout = 10 * time.Second
	}
	if len(sd.SlippageSteps) == 0 {
		sd.SlippageSteps = []float64{0.02, 0.05, 0.10}
	}
	if sd.DustNotionalUSD == 0 {
		sd.DustNotionalUSD = 5
	}
	if sd.TeardownTimeout == 0 {
		sd.TeardownTimeout = 5 * time.Second
	}

	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/funding-arb-bot.db"
	}
	if cfg.State.BatchSize == 0 {
		cfg.State.BatchSize = 10
	}
	if cfg.State.FlushInterval == 0 {
		cfg.State.FlushInterval = time.Second
	}

	for i, sym := range cfg.Strategy.Symbols {
		cfg.Strategy.Symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
	if cfg.Strategy.Interval == 0 {
		cfg.Strategy.Interval = 30 * time.Second
	}
	if cfg.Strategy.FundingInterval == 0 {
		cfg.Strategy.FundingInterval = time.Hour
	}
	if cfg.Strategy.HoldPeriods == 0 {
		cfg.Strategy.HoldPeriods = 24
	}

	if cfg.Risk.MaxMarketAge == 0 {
		cfg.Risk.MaxMarketAge = 2 * time.Minute
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = time.Minute
	}
	if cfg.Reconcile.Grace == 0 {
		cfg.Reconcile.Grace = 30 * time.Second
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Timescale.SampleInterval == 0 {
		cfg.Timescale.SampleInterval = time.Minute
	}
	if cfg.Ops.Enabled == nil {
		enabled := true
		cfg.Ops.Enabled = &enabled
	}
	if cfg.Ops.Address == "" {
		cfg.Ops.Address = "127.0.0.1:9001"
	}
	if cfg.Ops.MetricsPath == "" {
		cfg.Ops.MetricsPath = "/metrics"
	}
}

func applyVenueDefaults(v *VenueConfig) {
	v.Name = strings.TrimSpace(v.Name)
	v.Kind = strings.ToLower(strings.TrimSpace(v.Kind))
	if v.Kind == "" {
		v.Kind = VenueKindPaper
	}
	if v.Timeout == 0 {
		v.Timeout = 10 * time.Second
	}
	if v.SizeUnit == "" {
		v.SizeUnit = "coins"
	}
	if v.Kind == VenueKindHyperliquid {
		if v.BaseURL == "" {
			v.BaseURL = "https://api.hyperliquid.xyz"
		}
		if v.WSURL == "" {
			v.WSURL = deriveWSURL(v.BaseURL)
		}
		if v.PrivateKeyEnv == "" {
			v.PrivateKeyEnv = "HL_PRIVATE_KEY"
		}
	}
	rl := &v.RateLimit
	if rl.InitialRate == 0 {
		rl.InitialRate = 10
	}
	if rl.MinRate == 0 {
		rl.MinRate = 1
	}
	if rl.MaxRate == 0 {
		rl.MaxRate = 20
	}
	if rl.BurstMultiplier == 0 {
		rl.BurstMultiplier = 5
	}
	if rl.IncreaseAfter == 0 {
		rl.IncreaseAfter = 50
	}
}

func deriveWSURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return ""
	}
}

// applyEnvOverrides lets secrets live outside the yaml file.
func applyEnvOverrides(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if dsn := strings.TrimSpace(os.Getenv("TIMESCALE_DSN")); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
}

func validate(cfg *Config) error {
	if len(cfg.Venues) != 2 {
		return errors.New("venues must list exactly two entries")
	}
	names := make(map[string]bool, 2)
	for _, v := range cfg.Venues {
		if v.Name == "" {
			return errors.New("venue name is required")
		}
		if names[strings.ToLower(v.Name)] {
			return fmt.Errorf("duplicate venue name %q", v.Name)
		}
		names[strings.ToLower(v.Name)] = true
		if err := validateVenue(v); err != nil {
			return err
		}
	}
	if mv := cfg.Execution.MakerVenue; mv != "" && !names[strings.ToLower(mv)] {
		return fmt.Errorf("execution.maker_venue %q is not a configured venue", mv)
	}
	ex := cfg.Execution
	if ex.Stagger < 0 || ex.LegTimeout < 0 || ex.SettleDelay < 0 || ex.MakerFillTimeout < 0 || ex.PollInterval < 0 {
		return errors.New("execution durations must be >= 0")
	}
	if ex.CompensationAttempts < 0 {
		return errors.New("execution.compensation_attempts must be >= 0")
	}
	if err := validateSlippage("execution.close_slippage", ex.CloseSlippage); err != nil {
		return err
	}
	sd := cfg.Shutdown
	if sd.GlobalTimeout < 0 || sd.DrainTimeout < 0 || sd.CancelTimeout < 0 || sd.FetchTimeout < 0 || sd.CloseTimeout < 0 || sd.TeardownTimeout < 0 {
		return errors.New("shutdown timeouts must be >= 0")
	}
	if sd.DrainTimeout > sd.GlobalTimeout {
		return errors.New("shutdown.drain_timeout exceeds shutdown.global_timeout")
	}
	if sd.DustNotionalUSD < 0 {
		return errors.New("shutdown.dust_notional_usd must be >= 0")
	}
	if err := validateSlippage("shutdown.slippage_steps", sd.SlippageSteps); err != nil {
		return err
	}
	if cfg.State.BatchSize < 0 || cfg.State.FlushInterval < 0 {
		return errors.New("state batch_size and flush_interval must be >= 0")
	}

	st := cfg.Strategy
	if len(st.Symbols) == 0 {
		return errors.New("strategy.symbols is required")
	}
	if st.NotionalUSD <= 0 {
		return errors.New("strategy.notional_usd must be > 0")
	}
	if st.MinSpread < 0 || st.FeeBps < 0 || st.SlippageBps < 0 || st.HoldPeriods < 0 {
		return errors.New("strategy spread, fee and slippage settings must be >= 0")
	}
	if st.ExitSpread > st.MinSpread {
		return errors.New("strategy.exit_spread must not exceed strategy.min_spread")
	}
	if st.Interval < 0 || st.FundingInterval < 0 {
		return errors.New("strategy intervals must be >= 0")
	}
	if cfg.Risk.MaxNotionalUSD > 0 && st.NotionalUSD > cfg.Risk.MaxNotionalUSD {
		return errors.New("strategy.notional_usd exceeds risk.max_notional_usd")
	}
	if cfg.Risk.MaxMarketAge < 0 || cfg.Risk.Leverage < 0 || cfg.Risk.MaxPriceDivergence < 0 {
		return errors.New("risk settings must be >= 0")
	}
	if cfg.Reconcile.Interval < 0 || cfg.Reconcile.Grace < 0 {
		return errors.New("reconcile durations must be >= 0")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.enabled requires a token and chat_id")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.enabled requires a dsn")
	}
	if !strings.HasPrefix(cfg.Ops.MetricsPath, "/") {
		return errors.New("ops.metrics_path must start with /")
	}
	return nil
}

func validateVenue(v VenueConfig) error {
	switch v.Kind {
	case VenueKindPaper:
		if len(v.Paper.Markets) == 0 {
			return fmt.Errorf("venue %s: paper.markets is required", v.Name)
		}
	case VenueKindHyperliquid:
		if v.WSURL == "" {
			return fmt.Errorf("venue %s: ws_url is required", v.Name)
		}
		if v.AccountAddress == "" && v.VaultAddress == "" && os.Getenv(v.PrivateKeyEnv) == "" {
			return fmt.Errorf("venue %s: set account_address, vault_address or %s", v.Name, v.PrivateKeyEnv)
		}
	default:
		return fmt.Errorf("venue %s: unknown kind %q", v.Name, v.Kind)
	}
	if v.SizeUnit != "coins" && v.SizeUnit != "notional" {
		return fmt.Errorf("venue %s: size_unit must be coins or notional", v.Name)
	}
	rl := v.RateLimit
	if rl.MinRate <= 0 || rl.MaxRate < rl.MinRate || rl.InitialRate < rl.MinRate || rl.InitialRate > rl.MaxRate {
		return fmt.Errorf("venue %s: rate_limit needs 0 < min_rate <= initial_rate <= max_rate", v.Name)
	}
	return nil
}

func validateSlippage(name string, steps []float64) error {
	for _, s := range steps {
		if s <= 0 || s >= 1 {
			return fmt.Errorf("%s entries must be in (0, 1)", name)
		}
	}
	return nil
}
