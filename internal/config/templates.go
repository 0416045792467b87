package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Spot Trader Configuration

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
assets = ["BTC", "ETH"]
quote_currency = "USDT"
cycle_interval = "1m"
reconcile_interval = "15s"
# Order type for strategy entries: "market" or "limit"
order_type = "limit"

[capital]
total_capital = 10000.0
emergency_reserve_percent = 10.0
max_capital_per_asset_percent = 30.0
min_capital_per_asset = 10.0

[dca]
enabled = true
# Quote currency per regular order
base_order_size = 100.0
frequency = "24h"
max_orders = 30
# Percent below average entry that triggers an early buy
trigger_threshold = 5.0
reverse_enabled = true
reverse_cooldown = "1h"

[[dca.reverse_levels]]
price_drop = 5.0
multiplier = 1.5

[[dca.reverse_levels]]
price_drop = 10.0
multiplier = 2.0

[[dca.reverse_levels]]
price_drop = 20.0
multiplier = 3.0

[grid]
enabled = true
# Leave lower_price/upper_price at 0 to derive the range from range_percent
range_percent = 10.0
grid_count = 10
spacing = "equal"
order_size = 50.0
max_open_orders = 3
rebalance_tolerance = 5.0
max_ladder_age = "168h"

[drawdown]
warning_level = 10.0
pause_level = 20.0
emergency_level = 30.0
recovery_level = 5.0
warning_size_reduction = 50.0
allow_dca_while_paused = true

[stop_loss]
min_profit_to_disable = 20.0
trigger_cooldown = "30m"

[stop_loss.percentage]
enabled = true
max_loss_percent = 15.0
warning_percent = 10.0

[stop_loss.trailing]
enabled = true
activation_profit = 5.0
distance = 3.0

[emergency]
enabled = true
drawdown_threshold = 30.0
asset_loss_threshold = 25.0
# immediate, gradual or smart
strategy = "smart"
max_daily_closes = 3
cooldown_between_closes = "1h"

[exchange.paper]
initial_cash = 10000.0
fee_percent = 0.1
spread_percent = 0.02
# random walk per ticker read, in percent
walk_volatility = 0.2

[exchange.paper.prices]
BTC = 60000.0
ETH = 3000.0

[storage]
enabled = true
# db_path = "/path/to/trader.db"

[cache]
# Redis state snapshots; memory is used when disabled or unreachable
enabled = false
address = "localhost:6379"

[notifications]
enabled = false
# all or critical_only
level = "all"

[notifications.telegram]
enabled = false
# bot_token can also come from TELEGRAM_BOT_TOKEN
bot_token = ""
chat_id = 0

[logging]
level = "info"
console = true
file = true
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

// WriteTemplate writes the default config.toml into configDir unless one exists.
func WriteTemplate(configDir string) (string, error) {
	path := ConfigFile(configDir)
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("creating config directory: %w", err)
	}
	return path, os.WriteFile(path, []byte(configTemplate), 0644)
}
