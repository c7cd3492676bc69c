package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Venues: []VenueConfig{
			{Name: "alpha", Kind: "paper", Paper: PaperConfig{Markets: []PaperMarketConfig{{Symbol: "ETH", MarkPrice: 2000}}}},
			{Name: "beta", Kind: "hyperliquid", AccountAddress: "0x2222222222222222222222222222222222222222"},
		},
		Strategy: StrategyConfig{Symbols: []string{" eth "}, NotionalUSD: 1000, MinSpread: 0.0002},
	}
}

func TestVenueDefaults(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	hl := cfg.Venues[1]
	if hl.BaseURL != "https://api.hyperliquid.xyz" {
		t.Fatalf("expected default base url, got %q", hl.BaseURL)
	}
	if hl.WSURL != "wss://api.hyperliquid.xyz/ws" {
		t.Fatalf("expected derived ws url, got %q", hl.WSURL)
	}
	if hl.PrivateKeyEnv != "HL_PRIVATE_KEY" {
		t.Fatalf("expected default private key env, got %q", hl.PrivateKeyEnv)
	}
	if !hl.Mainnet() {
		t.Fatalf("expected mainnet for default base url")
	}
	if hl.SizeUnit != "coins" {
		t.Fatalf("expected coins size unit, got %q", hl.SizeUnit)
	}
	rl := cfg.Venues[0].RateLimit
	if rl.MinRate <= 0 || rl.InitialRate < rl.MinRate || rl.MaxRate < rl.InitialRate {
		t.Fatalf("unexpected rate limit defaults %+v", rl)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("validate defaults: %v", err)
	}
}

func TestDeriveWSURL(t *testing.T) {
	cases := map[string]string{
		"https://api.hyperliquid-testnet.xyz/": "wss://api.hyperliquid-testnet.xyz/ws",
		"http://localhost:8080":                "ws://localhost:8080/ws",
		"localhost":                            "",
	}
	for in, want := range cases {
		if got := deriveWSURL(in); got != want {
			t.Fatalf("deriveWSURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestShutdownDefaults(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	sd := cfg.Shutdown
	if sd.GlobalTimeout <= 0 || sd.DrainTimeout <= 0 || sd.CloseTimeout <= 0 || sd.TeardownTimeout <= 0 {
		t.Fatalf("expected shutdown timeout defaults, got %+v", sd)
	}
	if sd.DrainTimeout > sd.GlobalTimeout {
		t.Fatalf("drain timeout %v exceeds global timeout %v", sd.DrainTimeout, sd.GlobalTimeout)
	}
	if len(sd.SlippageSteps) == 0 {
		t.Fatalf("expected slippage steps default")
	}
}

func TestSymbolsNormalized(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	if cfg.Strategy.Symbols[0] != "ETH" {
		t.Fatalf("expected ETH, got %q", cfg.Strategy.Symbols[0])
	}
}

func TestOpsDefaults(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	if !cfg.Ops.EnabledValue() {
		t.Fatalf("expected ops server enabled default")
	}
	if cfg.Ops.Address != "127.0.0.1:9001" {
		t.Fatalf("unexpected ops address %q", cfg.Ops.Address)
	}
	if cfg.Ops.MetricsPath != "/metrics" {
		t.Fatalf("unexpected metrics path %q", cfg.Ops.MetricsPath)
	}
}

func TestOpsDisabled(t *testing.T) {
	cfg := validConfig()
	disabled := false
	cfg.Ops.Enabled = &disabled
	applyDefaults(cfg)
	if cfg.Ops.EnabledValue() {
		t.Fatalf("expected ops server disabled")
	}
}

func TestReconcileAutoFlattenDefault(t *testing.T) {
	var rc ReconcileConfig
	if !rc.AutoFlattenValue() {
		t.Fatalf("expected auto flatten on by default")
	}
	off := false
	rc.AutoFlatten = &off
	if rc.AutoFlattenValue() {
		t.Fatalf("expected auto flatten off")
	}
}

func TestValidateRejects(t *testing.T) {
	t.Setenv("HL_PRIVATE_KEY", "")
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"one venue", func(c *Config) { c.Venues = c.Venues[:1] }, "exactly two"},
		{"duplicate venue", func(c *Config) { c.Venues[1].Name = "ALPHA" }, "duplicate venue"},
		{"unknown kind", func(c *Config) { c.Venues[1].Kind = "binance" }, "unknown kind"},
		{"bad size unit", func(c *Config) { c.Venues[0].SizeUnit = "lots" }, "size_unit"},
		{"paper without markets", func(c *Config) { c.Venues[0].Paper.Markets = nil }, "paper.markets"},
		{"hyperliquid without account", func(c *Config) { c.Venues[1].AccountAddress = "" }, "account_address"},
		{"bad rate band", func(c *Config) { c.Venues[0].RateLimit.InitialRate = 100 }, "rate_limit"},
		{"unknown maker venue", func(c *Config) { c.Execution.MakerVenue = "gamma" }, "maker_venue"},
		{"negative drain", func(c *Config) { c.Shutdown.DrainTimeout = -time.Second }, "shutdown timeouts"},
		{"drain above global", func(c *Config) { c.Shutdown.DrainTimeout = 2 * c.Shutdown.GlobalTimeout }, "drain_timeout"},
		{"bad slippage", func(c *Config) { c.Shutdown.SlippageSteps = []float64{1.5} }, "slippage_steps"},
		{"no symbols", func(c *Config) { c.Strategy.Symbols = nil }, "symbols"},
		{"zero notional", func(c *Config) { c.Strategy.NotionalUSD = 0 }, "notional_usd"},
		{"exit above entry", func(c *Config) { c.Strategy.ExitSpread = 0.01 }, "exit_spread"},
		{"notional above cap", func(c *Config) { c.Risk.MaxNotionalUSD = 10 }, "max_notional_usd"},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true }, "telegram"},
		{"timescale without dsn", func(c *Config) { c.Timescale.Enabled = true }, "dsn"},
		{"metrics path", func(c *Config) { c.Ops.MetricsPath = "metrics" }, "metrics_path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			applyDefaults(cfg)
			tc.mutate(cfg)
			err := validate(cfg)
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "from-env")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
venues:
  - name: alpha
    kind: paper
    paper:
      markets:
        - symbol: ETH
          mark_price: 2000
  - name: beta
    kind: paper
    size_unit: notional
    paper:
      markets:
        - symbol: ETH
          mark_price: 2000
strategy:
  symbols: [ETH]
  notional_usd: 500
  min_spread: 0.0001
telegram:
  enabled: true
  token: from-file
shutdown:
  global_timeout: 30s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" || cfg.Telegram.ChatID != "42" {
		t.Fatalf("expected env overrides, got token=%q chat=%q", cfg.Telegram.Token, cfg.Telegram.ChatID)
	}
	if cfg.Shutdown.GlobalTimeout != 30*time.Second {
		t.Fatalf("expected 30s global timeout, got %v", cfg.Shutdown.GlobalTimeout)
	}
	if cfg.Venues[1].SizeUnit != "notional" {
		t.Fatalf("expected notional size unit, got %q", cfg.Venues[1].SizeUnit)
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
