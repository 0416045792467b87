// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"spot-trader/internal/coordinator"
	apperrors "spot-trader/internal/errors"
	"spot-trader/internal/exchange"
	"spot-trader/internal/logging"
	"spot-trader/internal/market"
	"spot-trader/internal/position"
	"spot-trader/internal/risk"
	"spot-trader/internal/security"
	"spot-trader/internal/statecache"
	"spot-trader/internal/strategy"
)

// Config holds all application configuration.
type Config struct {
	Trading       TradingConfig            `mapstructure:"trading"`
	Capital       position.CapitalConfig   `mapstructure:"capital"`
	DCA           strategy.DCAConfig       `mapstructure:"dca"`
	Grid          strategy.GridConfig      `mapstructure:"grid"`
	Drawdown      risk.DrawdownConfig      `mapstructure:"drawdown"`
	StopLoss      risk.StopLossConfig      `mapstructure:"stop_loss"`
	Emergency     risk.EmergencyConfig     `mapstructure:"emergency"`
	Coordinator   coordinator.Config       `mapstructure:"coordinator"`
	Market        market.Config            `mapstructure:"market"`
	Exchange      ExchangeConfig           `mapstructure:"exchange"`
	Storage       StorageConfig            `mapstructure:"storage"`
	Cache         statecache.Config        `mapstructure:"cache"`
	Notifications NotificationConfig       `mapstructure:"notifications"`
	Logging       logging.LogConfig        `mapstructure:"logging"`
	Assets        map[string]AssetOverride `mapstructure:"-"` // loaded from assets.yaml
}

// TradingConfig holds scheduling and mode settings.
type TradingConfig struct {
	Mode              string        `mapstructure:"mode"` // "live", "paper"
	Assets            []string      `mapstructure:"assets"`
	QuoteCurrency     string        `mapstructure:"quote_currency"`
	CycleInterval     time.Duration `mapstructure:"cycle_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	OrderType         string        `mapstructure:"order_type"` // market, limit
}

// ExchangeConfig holds exchange call protection and paper simulation settings.
type ExchangeConfig struct {
	Guard exchange.GuardConfig `mapstructure:"guard"`
	Paper exchange.PaperConfig `mapstructure:"paper"`
}

// StorageConfig holds the event store location.
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, critical_only
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/spot-trader"
	}
	return filepath.Join(home, ".config", "spot-trader")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Trading: TradingConfig{
			Mode:              "paper",
			Assets:            []string{"BTC", "ETH"},
			QuoteCurrency:     "USDT",
			CycleInterval:     time.Minute,
			ReconcileInterval: 15 * time.Second,
			OrderType:         "limit",
		},
		Capital:     position.DefaultCapitalConfig(),
		DCA:         strategy.DefaultDCAConfig(),
		Grid:        strategy.DefaultGridConfig(),
		Drawdown:    risk.DefaultDrawdownConfig(),
		StopLoss:    risk.DefaultStopLossConfig(),
		Emergency:   risk.DefaultEmergencyConfig(),
		Coordinator: coordinator.DefaultConfig(),
		Market:      market.DefaultConfig(),
		Exchange: ExchangeConfig{
			Guard: exchange.DefaultGuardConfig(),
			Paper: exchange.DefaultPaperConfig(),
		},
		Storage: StorageConfig{
			Enabled: true,
			DBPath:  filepath.Join(DefaultConfigDir(), "trader.db"),
		},
		Cache: statecache.DefaultConfig(),
		Notifications: NotificationConfig{
			Level: "all",
		},
		Logging: logging.DefaultLogConfig(),
	}
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env is optional; values already in the environment win
	_ = godotenv.Load(filepath.Join(configDir, ".env"))
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, createTemplateConfig(configDir)
		}
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config.toml: %w", err)
	}
	// viper lower-cases map keys; asset symbols are upper case
	prices := make(map[string]float64, len(cfg.Exchange.Paper.Prices))
	for asset, price := range cfg.Exchange.Paper.Prices {
		prices[strings.ToUpper(asset)] = price
	}
	cfg.Exchange.Paper.Prices = prices

	assets, err := LoadAssetOverrides(filepath.Join(configDir, "assets.yaml"), cfg)
	if err != nil {
		return nil, fmt.Errorf("loading assets.yaml: %w", err)
	}
	cfg.Assets = assets

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// ConfigFile returns the path of the main config file in configDir.
func ConfigFile(configDir string) string {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	return filepath.Join(configDir, "config.toml")
}

// setDefaults registers every key so TRADER_* variables can override any of them.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("trading.mode", d.Trading.Mode)
	v.SetDefault("trading.assets", d.Trading.Assets)
	v.SetDefault("trading.quote_currency", d.Trading.QuoteCurrency)
	v.SetDefault("trading.cycle_interval", d.Trading.CycleInterval)
	v.SetDefault("trading.reconcile_interval", d.Trading.ReconcileInterval)
	v.SetDefault("trading.order_type", d.Trading.OrderType)

	v.SetDefault("capital.total_capital", d.Capital.TotalCapital)
	v.SetDefault("capital.emergency_reserve_percent", d.Capital.EmergencyReservePercent)
	v.SetDefault("capital.max_capital_per_asset_percent", d.Capital.MaxCapitalPerAssetPercent)
	v.SetDefault("capital.min_capital_per_asset", d.Capital.MinCapitalPerAsset)

	v.SetDefault("dca.enabled", d.DCA.Enabled)
	v.SetDefault("dca.base_order_size", d.DCA.BaseOrderSize)
	v.SetDefault("dca.frequency", d.DCA.Frequency)
	v.SetDefault("dca.max_orders", d.DCA.MaxOrders)
	v.SetDefault("dca.trigger_threshold", d.DCA.TriggerThreshold)
	v.SetDefault("dca.reverse_enabled", d.DCA.ReverseEnabled)
	v.SetDefault("dca.reverse_levels", d.DCA.ReverseLevels)
	v.SetDefault("dca.reverse_cooldown", d.DCA.ReverseCooldown)
	v.SetDefault("dca.signal_filter", d.DCA.SignalFilter)
	v.SetDefault("dca.min_signal_strength", d.DCA.MinSignalStrength)

	v.SetDefault("grid.enabled", d.Grid.Enabled)
	v.SetDefault("grid.lower_price", d.Grid.LowerPrice)
	v.SetDefault("grid.upper_price", d.Grid.UpperPrice)
	v.SetDefault("grid.range_percent", d.Grid.RangePercent)
	v.SetDefault("grid.grid_count", d.Grid.GridCount)
	v.SetDefault("grid.spacing", string(d.Grid.Spacing))
	v.SetDefault("grid.order_size", d.Grid.OrderSize)
	v.SetDefault("grid.max_open_orders", d.Grid.MaxOpenOrders)
	v.SetDefault("grid.rebalance_tolerance", d.Grid.RebalanceTolerance)
	v.SetDefault("grid.max_ladder_age", d.Grid.MaxLadderAge)
	v.SetDefault("grid.volatility_drift_threshold", d.Grid.VolatilityDriftThreshold)
	v.SetDefault("grid.tick_size", d.Grid.TickSize)
	v.SetDefault("grid.size_step", d.Grid.SizeStep)

	v.SetDefault("drawdown.warning_level", d.Drawdown.WarningLevel)
	v.SetDefault("drawdown.pause_level", d.Drawdown.PauseLevel)
	v.SetDefault("drawdown.emergency_level", d.Drawdown.EmergencyLevel)
	v.SetDefault("drawdown.recovery_level", d.Drawdown.RecoveryLevel)
	v.SetDefault("drawdown.warning_size_reduction", d.Drawdown.WarningSizeReduction)
	v.SetDefault("drawdown.allow_dca_while_paused", d.Drawdown.AllowDCAWhilePaused)
	v.SetDefault("drawdown.history_size", d.Drawdown.HistorySize)

	sl := d.StopLoss
	v.SetDefault("stop_loss.percentage.enabled", sl.Percentage.Enabled)
	v.SetDefault("stop_loss.percentage.max_loss_percent", sl.Percentage.MaxLossPercent)
	v.SetDefault("stop_loss.percentage.warning_percent", sl.Percentage.WarningPercent)
	v.SetDefault("stop_loss.percentage.cooldown", sl.Percentage.Cooldown)
	v.SetDefault("stop_loss.trailing.enabled", sl.Trailing.Enabled)
	v.SetDefault("stop_loss.trailing.activation_profit", sl.Trailing.ActivationProfit)
	v.SetDefault("stop_loss.trailing.distance", sl.Trailing.Distance)
	v.SetDefault("stop_loss.trailing.cooldown", sl.Trailing.Cooldown)
	v.SetDefault("stop_loss.time.enabled", sl.Time.Enabled)
	v.SetDefault("stop_loss.time.max_holding_time", sl.Time.MaxHoldingTime)
	v.SetDefault("stop_loss.time.loss_threshold", sl.Time.LossThreshold)
	v.SetDefault("stop_loss.time.close_percent", sl.Time.ClosePercent)
	v.SetDefault("stop_loss.time.cooldown", sl.Time.Cooldown)
	v.SetDefault("stop_loss.volatility.enabled", sl.Volatility.Enabled)
	v.SetDefault("stop_loss.volatility.drop_threshold", sl.Volatility.DropThreshold)
	v.SetDefault("stop_loss.volatility.loss_threshold", sl.Volatility.LossThreshold)
	v.SetDefault("stop_loss.volatility.close_percent", sl.Volatility.ClosePercent)
	v.SetDefault("stop_loss.volatility.cooldown", sl.Volatility.Cooldown)
	v.SetDefault("stop_loss.min_profit_to_disable", sl.MinProfitToDisable)
	v.SetDefault("stop_loss.trigger_cooldown", sl.TriggerCooldown)

	em := d.Emergency
	v.SetDefault("emergency.enabled", em.Enabled)
	v.SetDefault("emergency.drawdown_threshold", em.DrawdownThreshold)
	v.SetDefault("emergency.asset_loss_threshold", em.AssetLossThreshold)
	v.SetDefault("emergency.api_failure_threshold", em.APIFailureThreshold)
	v.SetDefault("emergency.internal_error_threshold", em.InternalErrorThreshold)
	v.SetDefault("emergency.failure_window", em.FailureWindow)
	v.SetDefault("emergency.strategy", string(em.Strategy))
	v.SetDefault("emergency.gradual_batches", em.GradualBatches)
	v.SetDefault("emergency.batch_delay", em.BatchDelay)
	v.SetDefault("emergency.smart_order_delay", em.SmartOrderDelay)
	v.SetDefault("emergency.max_concurrent", em.MaxConcurrent)
	v.SetDefault("emergency.max_daily_closes", em.MaxDailyCloses)
	v.SetDefault("emergency.cooldown_between_closes", em.CooldownBetweenCloses)

	v.SetDefault("coordinator.auto_adjust_mode", d.Coordinator.AutoAdjustMode)
	v.SetDefault("coordinator.dca_priority_loss", d.Coordinator.DCAPriorityLoss)
	v.SetDefault("coordinator.grid_priority_gain", d.Coordinator.GridPriorityGain)
	v.SetDefault("coordinator.neutral_band", d.Coordinator.NeutralBand)
	v.SetDefault("coordinator.dca_prefer_loss", d.Coordinator.DCAPreferLoss)
	v.SetDefault("coordinator.dca_prefer_ratio", d.Coordinator.DCAPreferRatio)

	v.SetDefault("market.volatility_window", d.Market.VolatilityWindow)
	v.SetDefault("market.stale_after", d.Market.StaleAfter)
	v.SetDefault("market.low_volatility", d.Market.LowVolatility)
	v.SetDefault("market.high_volatility", d.Market.HighVolatility)
	v.SetDefault("market.fast_period", d.Market.FastPeriod)
	v.SetDefault("market.slow_period", d.Market.SlowPeriod)

	g := d.Exchange.Guard
	v.SetDefault("exchange.guard.timeout", g.Timeout)
	v.SetDefault("exchange.guard.requests_per_second", g.RequestsPerSecond)
	v.SetDefault("exchange.guard.burst", g.Burst)
	v.SetDefault("exchange.guard.retry.max_attempts", g.Retry.MaxAttempts)
	v.SetDefault("exchange.guard.retry.initial_delay", g.Retry.InitialDelay)
	v.SetDefault("exchange.guard.retry.max_delay", g.Retry.MaxDelay)
	v.SetDefault("exchange.guard.retry.backoff_factor", g.Retry.BackoffFactor)
	v.SetDefault("exchange.guard.breaker.failure_threshold", g.Breaker.FailureThreshold)
	v.SetDefault("exchange.guard.breaker.success_threshold", g.Breaker.SuccessThreshold)
	v.SetDefault("exchange.guard.breaker.timeout", g.Breaker.Timeout)
	p := d.Exchange.Paper
	v.SetDefault("exchange.paper.initial_cash", p.InitialCash)
	v.SetDefault("exchange.paper.fee_percent", p.FeePercent)
	v.SetDefault("exchange.paper.spread_percent", p.SpreadPercent)
	v.SetDefault("exchange.paper.walk_volatility", p.WalkVolatility)
	v.SetDefault("exchange.paper.seed", p.Seed)

	v.SetDefault("storage.enabled", d.Storage.Enabled)
	v.SetDefault("storage.db_path", d.Storage.DBPath)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.address", d.Cache.Address)
	v.SetDefault("cache.password", d.Cache.Password)
	v.SetDefault("cache.db", d.Cache.DB)
	v.SetDefault("cache.key_prefix", d.Cache.KeyPrefix)
	v.SetDefault("cache.ttl", d.Cache.TTL)

	v.SetDefault("notifications.enabled", d.Notifications.Enabled)
	v.SetDefault("notifications.level", d.Notifications.Level)
	v.SetDefault("notifications.webhook.enabled", false)
	v.SetDefault("notifications.webhook.url", "")
	v.SetDefault("notifications.telegram.enabled", false)
	v.SetDefault("notifications.telegram.bot_token", "")
	v.SetDefault("notifications.telegram.chat_id", 0)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.console", d.Logging.Console)
	v.SetDefault("logging.json", d.Logging.JSON)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		add("invalid trading mode: %s (must be 'live' or 'paper')", c.Trading.Mode)
	}
	if len(c.Trading.Assets) == 0 {
		add("trading.assets must not be empty")
	}
	if c.Trading.CycleInterval <= 0 {
		add("trading.cycle_interval must be positive")
	}
	if c.Trading.ReconcileInterval <= 0 || c.Trading.ReconcileInterval > c.Trading.CycleInterval {
		add("trading.reconcile_interval must be positive and not longer than cycle_interval")
	}
	if c.Trading.OrderType != "market" && c.Trading.OrderType != "limit" {
		add("trading.order_type must be 'market' or 'limit'")
	}

	if c.Capital.TotalCapital <= 0 {
		add("capital.total_capital must be positive")
	}
	if !percent(c.Capital.EmergencyReservePercent) {
		add("capital.emergency_reserve_percent must be between 0 and 100")
	}
	if c.Capital.MaxCapitalPerAssetPercent <= 0 || c.Capital.MaxCapitalPerAssetPercent > 100 {
		add("capital.max_capital_per_asset_percent must be in (0, 100]")
	}

	validateDCA("dca", c.DCA, add)
	validateGrid("grid", c.Grid, add)

	d := c.Drawdown
	if !(d.WarningLevel > 0 && d.WarningLevel < d.PauseLevel && d.PauseLevel < d.EmergencyLevel && d.EmergencyLevel <= 100) {
		add("drawdown levels must satisfy 0 < warning < pause < emergency <= 100")
	}
	if d.RecoveryLevel <= 0 {
		add("drawdown.recovery_level must be positive")
	}
	if !percent(d.WarningSizeReduction) {
		add("drawdown.warning_size_reduction must be between 0 and 100")
	}

	sl := c.StopLoss
	if sl.Percentage.Enabled && (sl.Percentage.MaxLossPercent <= 0 || sl.Percentage.WarningPercent >= sl.Percentage.MaxLossPercent) {
		add("stop_loss.percentage requires 0 <= warning_percent < max_loss_percent")
	}
	if sl.Trailing.Enabled && sl.Trailing.Distance <= 0 {
		add("stop_loss.trailing.distance must be positive")
	}
	if !percent(sl.Time.ClosePercent) || !percent(sl.Volatility.ClosePercent) {
		add("stop_loss close_percent values must be between 0 and 100")
	}

	em := c.Emergency
	switch em.Strategy {
	case risk.CloseImmediate, risk.CloseGradual, risk.CloseSmart:
	default:
		add("emergency.strategy must be immediate, gradual or smart")
	}
	if em.Strategy == risk.CloseGradual && em.GradualBatches < 1 {
		add("emergency.gradual_batches must be at least 1")
	}
	if em.MaxDailyCloses < 1 {
		add("emergency.max_daily_closes must be at least 1")
	}

	if c.Coordinator.DCAPreferRatio <= 0 || c.Coordinator.DCAPreferRatio > 1 {
		add("coordinator.dca_prefer_ratio must be in (0, 1]")
	}
	if c.Market.SlowPeriod <= c.Market.FastPeriod {
		add("market.slow_period must be greater than fast_period")
	}

	if c.Notifications.Telegram.Enabled && (c.Notifications.Telegram.BotToken == "" || c.Notifications.Telegram.ChatID == 0) {
		add("notifications.telegram requires bot_token and chat_id")
	}

	for asset, o := range c.Assets {
		if o.DCA != nil {
			validateDCA("assets."+asset+".dca", *o.DCA, add)
		}
		if o.Grid != nil {
			validateGrid("assets."+asset+".grid", *o.Grid, add)
		}
	}

	if len(problems) > 0 {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func validateDCA(prefix string, c strategy.DCAConfig, add func(string, ...interface{})) {
	if !c.Enabled {
		return
	}
	if c.BaseOrderSize <= 0 {
		add("%s.base_order_size must be positive", prefix)
	}
	if c.Frequency <= 0 {
		add("%s.frequency must be positive", prefix)
	}
	if c.MaxOrders < 1 {
		add("%s.max_orders must be at least 1", prefix)
	}
	prev := 0.0
	for i, l := range c.ReverseLevels {
		if l.PriceDrop <= prev || l.Multiplier <= 0 {
			add("%s.reverse_levels[%d] must have increasing price_drop and positive multiplier", prefix, i)
		}
		prev = l.PriceDrop
	}
}

func validateGrid(prefix string, c strategy.GridConfig, add func(string, ...interface{})) {
	if !c.Enabled {
		return
	}
	if c.GridCount < 2 {
		add("%s.grid_count must be at least 2", prefix)
	}
	if c.Spacing != strategy.SpacingEqual && c.Spacing != strategy.SpacingGeometric {
		add("%s.spacing must be equal or geometric", prefix)
	}
	if c.LowerPrice != 0 || c.UpperPrice != 0 {
		if c.LowerPrice <= 0 || c.UpperPrice <= c.LowerPrice {
			add("%s requires 0 < lower_price < upper_price", prefix)
		}
	} else if c.RangePercent <= 0 || c.RangePercent >= 100 {
		add("%s.range_percent must be in (0, 100) when no fixed range is set", prefix)
	}
	if c.OrderSize <= 0 {
		add("%s.order_size must be positive", prefix)
	}
}

func percent(v float64) bool {
	return v >= 0 && v <= 100
}

// Redacted returns a copy safe to print, with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Notifications.Telegram.BotToken = security.MaskCredential(c.Notifications.Telegram.BotToken)
	out.Notifications.Webhook.URL = security.MaskSensitive(c.Notifications.Webhook.URL)
	out.Cache.Password = security.MaskCredential(c.Cache.Password)
	return &out
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}
