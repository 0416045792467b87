// Package cli provides the command-line interface for the trading engine.
package cli

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"spot-trader/internal/config"
	"spot-trader/internal/logging"
	"spot-trader/internal/store"
	"spot-trader/pkg/utils"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-01-01"
)

// skipConfig marks commands that must run before a config file exists.
const skipConfig = "skip-config"

// App holds the application dependencies.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
	Store     store.EventStore
}

// NewRootCmd creates the root command for the CLI. A nil cfg is loaded from
// the --config directory before any command that needs it runs.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Spot DCA/grid trading engine",
		Long: `Spot trader runs dollar-cost averaging and grid strategies on spot
markets, guarded by drawdown tiers, per-position stop-losses and an
emergency closer.

Use 'trader config init' to write a starting config.toml.
Use 'trader run --paper --once' to try a single simulated cycle.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			app.ConfigDir, _ = cmd.Flags().GetString("config")
			if app.ConfigDir == "" {
				app.ConfigDir = config.DefaultConfigDir()
			}
			if app.Config == nil && cmd.Annotations[skipConfig] == "" {
				loaded, err := config.Load(app.ConfigDir)
				if err != nil {
					return err
				}
				app.Config = loaded
				app.Logger = logging.NewLoggerWithConfig(loaded.Logging)
			}

			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if app.Store != nil {
				err := app.Store.Close()
				app.Store = nil
				return err
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/spot-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addTraderCommands(rootCmd, app)

	return rootCmd
}

// openStore opens the SQLite event store once per invocation. It returns nil
// when storage is disabled.
func (a *App) openStore() (store.EventStore, error) {
	if a.Store != nil || !a.Config.Storage.Enabled {
		return a.Store, nil
	}
	s, err := store.NewSQLiteStore(a.Config.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.Store = s
	a.Logger.Debug().Str("path", a.Config.Storage.DBPath).Msg("SQLite store initialized")
	return s, nil
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Spot Trader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View, validate and initialize the application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config.Redacted())
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration file path",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			path := config.ConfigFile(app.ConfigDir)
			if output.IsJSON() {
				output.JSON(map[string]string{"dir": app.ConfigDir, "path": path})
			} else {
				output.Println(path)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "init",
		Short:       "Write a default config.toml",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			path, err := config.WriteTemplate(app.ConfigDir)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path})
			}
			output.Success("✓ Wrote %s", path)
			output.Dim("Per-asset overrides go in assets.yaml next to it.")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	cur := cfg.Trading.QuoteCurrency

	output.Bold("Trading")
	output.Printf("  Mode:            %s\n", cfg.Trading.Mode)
	output.Printf("  Assets:          %s\n", strings.Join(cfg.Trading.Assets, ", "))
	output.Printf("  Order Type:      %s\n", cfg.Trading.OrderType)
	output.Printf("  Cycle:           %s (reconcile %s)\n", cfg.Trading.CycleInterval, cfg.Trading.ReconcileInterval)
	output.Println()

	output.Bold("Capital")
	output.Printf("  Total:           %s\n", utils.FormatQuote(cfg.Capital.TotalCapital, cur))
	output.Printf("  Reserve:         %.1f%%\n", cfg.Capital.EmergencyReservePercent)
	output.Printf("  Max Per Asset:   %.1f%%\n", cfg.Capital.MaxCapitalPerAssetPercent)
	output.Printf("  Min Per Asset:   %s\n", utils.FormatQuote(cfg.Capital.MinCapitalPerAsset, cur))
	output.Println()

	output.Bold("Strategies")
	output.Printf("  DCA:             %v (%s every %s, max %d orders)\n",
		cfg.DCA.Enabled, utils.FormatQuote(cfg.DCA.BaseOrderSize, cur), cfg.DCA.Frequency, cfg.DCA.MaxOrders)
	output.Printf("  Grid:            %v (%d levels, %.1f%% range, %s spacing)\n",
		cfg.Grid.Enabled, cfg.Grid.GridCount, cfg.Grid.RangePercent, cfg.Grid.Spacing)
	output.Printf("  Auto Mode:       %v\n", cfg.Coordinator.AutoAdjustMode)
	if overridden := cfg.OverriddenAssets(); len(overridden) > 0 {
		output.Printf("  Overrides:       %s\n", strings.Join(overridden, ", "))
	}
	output.Println()

	output.Bold("Risk")
	output.Printf("  Drawdown:        warn %.1f%% / pause %.1f%% / emergency %.1f%% (recover %.1f%%)\n",
		cfg.Drawdown.WarningLevel, cfg.Drawdown.PauseLevel, cfg.Drawdown.EmergencyLevel, cfg.Drawdown.RecoveryLevel)
	output.Printf("  Stop-Loss:       %.1f%% max loss (trailing %v, %.1f%%)\n",
		cfg.StopLoss.Percentage.MaxLossPercent, cfg.StopLoss.Trailing.Enabled, cfg.StopLoss.Trailing.Distance)
	output.Printf("  Emergency Close: %v (%s at %.1f%% drawdown)\n",
		cfg.Emergency.Enabled, cfg.Emergency.Strategy, cfg.Emergency.DrawdownThreshold)
	output.Println()

	output.Bold("Storage")
	output.Printf("  SQLite:          %v (%s)\n", cfg.Storage.Enabled, cfg.Storage.DBPath)
	output.Printf("  Redis Cache:     %v (%s)\n", cfg.Cache.Enabled, cfg.Cache.Address)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:         %v\n", cfg.Notifications.Enabled)
	output.Printf("  Level:           %s\n", cfg.Notifications.Level)
	output.Printf("  Webhook:         %v\n", cfg.Notifications.Webhook.Enabled)
	output.Printf("  Telegram:        %v\n", cfg.Notifications.Telegram.Enabled)
}
