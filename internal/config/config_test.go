package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"spot-trader/internal/coordinator"
	apperrors "spot-trader/internal/errors"
	"spot-trader/internal/risk"
	"spot-trader/internal/strategy"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_FileDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.toml", `
[trading]
assets = ["SOL"]
cycle_interval = "30s"
reconcile_interval = "10s"

[grid]
grid_count = 6
spacing = "geometric"

[emergency]
strategy = "gradual"
gradual_batches = 2

[[dca.reverse_levels]]
price_drop = 8.0
multiplier = 2.5
`)
	t.Setenv("TRADER_CAPITAL_TOTAL_CAPITAL", "5000")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Trading.Assets) != 1 || cfg.Trading.Assets[0] != "SOL" {
		t.Errorf("assets = %v", cfg.Trading.Assets)
	}
	if cfg.Trading.CycleInterval != 30*time.Second {
		t.Errorf("cycle interval = %v", cfg.Trading.CycleInterval)
	}
	if cfg.Grid.GridCount != 6 || cfg.Grid.Spacing != strategy.SpacingGeometric {
		t.Errorf("grid = %+v", cfg.Grid)
	}
	if cfg.Emergency.Strategy != risk.CloseGradual || cfg.Emergency.GradualBatches != 2 {
		t.Errorf("emergency = %+v", cfg.Emergency)
	}
	if len(cfg.DCA.ReverseLevels) != 1 || cfg.DCA.ReverseLevels[0].Multiplier != 2.5 {
		t.Errorf("reverse levels = %+v", cfg.DCA.ReverseLevels)
	}
	if cfg.Capital.TotalCapital != 5000 {
		t.Errorf("total capital = %v, want env override 5000", cfg.Capital.TotalCapital)
	}
	// untouched keys keep their defaults
	if cfg.Drawdown.PauseLevel != 20 || cfg.StopLoss.Percentage.MaxLossPercent != 15 {
		t.Errorf("defaults lost: drawdown %+v", cfg.Drawdown)
	}
	if cfg.StopLoss.Time.MaxHoldingTime != 30*24*time.Hour {
		t.Errorf("time stop holding = %v", cfg.StopLoss.Time.MaxHoldingTime)
	}
}

func TestLoad_MissingFileCreatesTemplate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cfg")
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for missing config")
	}
	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err != nil {
		t.Fatalf("template not written: %v", err)
	}

	// the template itself must load and validate
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(template): %v", err)
	}
	if !cfg.IsPaperMode() || len(cfg.DCA.ReverseLevels) != 3 {
		t.Errorf("template config = %+v", cfg.Trading)
	}
	if cfg.Exchange.Paper.Prices["BTC"] != 60000 || cfg.Exchange.Paper.Prices["ETH"] != 3000 {
		t.Errorf("paper prices = %v", cfg.Exchange.Paper.Prices)
	}
}

func TestLoadAssetOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "assets.yaml", `
assets:
  BTC:
    dca:
      base_order_size: 250
      frequency: 12h
    mode: dca_priority
  ETH:
    grid:
      grid_count: 20
      lower_price: 1500
      upper_price: 2500
`)
	global := Default()
	got, err := LoadAssetOverrides(filepath.Join(dir, "assets.yaml"), global)
	if err != nil {
		t.Fatal(err)
	}

	btc := got["BTC"]
	if btc.DCA == nil || btc.DCA.BaseOrderSize != 250 || btc.DCA.Frequency != 12*time.Hour {
		t.Fatalf("BTC dca = %+v", btc.DCA)
	}
	if btc.DCA.MaxOrders != global.DCA.MaxOrders || len(btc.DCA.ReverseLevels) != 3 {
		t.Errorf("BTC dca lost global keys: %+v", btc.DCA)
	}
	if btc.Grid != nil || btc.Mode != coordinator.ModeDCAPriority {
		t.Errorf("BTC grid = %+v mode = %s", btc.Grid, btc.Mode)
	}

	eth := got["ETH"]
	if eth.Grid == nil || eth.Grid.GridCount != 20 || eth.Grid.OrderSize != global.Grid.OrderSize {
		t.Errorf("ETH grid = %+v", eth.Grid)
	}

	none, err := LoadAssetOverrides(filepath.Join(dir, "missing.yaml"), global)
	if err != nil || none != nil {
		t.Errorf("missing file = %v, %v", none, err)
	}
}

func TestLoadAssetOverrides_BadMode(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "assets.yaml", "assets:\n  BTC:\n    mode: yolo\n")
	if _, err := LoadAssetOverrides(filepath.Join(dir, "assets.yaml"), Default()); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults valid", func(*Config) {}, ""},
		{"grid count", func(c *Config) { c.Grid.GridCount = 1 }, "grid.grid_count"},
		{"drawdown ordering", func(c *Config) { c.Drawdown.PauseLevel = 35 }, "drawdown levels"},
		{"reserve range", func(c *Config) { c.Capital.EmergencyReservePercent = 120 }, "emergency_reserve_percent"},
		{"fixed range inverted", func(c *Config) { c.Grid.LowerPrice, c.Grid.UpperPrice = 200, 100 }, "lower_price < upper_price"},
		{"reverse levels unordered", func(c *Config) {
			c.DCA.ReverseLevels = []strategy.ReverseLevel{{PriceDrop: 10, Multiplier: 2}, {PriceDrop: 5, Multiplier: 3}}
		}, "reverse_levels[1]"},
		{"close strategy", func(c *Config) { c.Emergency.Strategy = "panic" }, "emergency.strategy"},
		{"telegram without token", func(c *Config) { c.Notifications.Telegram.Enabled = true }, "telegram"},
		{"mode", func(c *Config) { c.Trading.Mode = "demo" }, "invalid trading mode"},
		{"asset override", func(c *Config) {
			g := c.Grid
			g.GridCount = 0
			c.Assets = map[string]AssetOverride{"BTC": {Grid: &g}}
		}, "assets.BTC.grid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
			if !errors.Is(err, apperrors.ErrConfigInvalid) {
				t.Errorf("err does not wrap ErrConfigInvalid")
			}
		})
	}
}
