package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"spot-trader/internal/coordinator"
	"spot-trader/internal/engine"
	apperrors "spot-trader/internal/errors"
	"spot-trader/internal/events"
	"spot-trader/internal/exchange"
	"spot-trader/internal/notify"
	"spot-trader/internal/resilience"
	"spot-trader/internal/statecache"
	"spot-trader/internal/store"
	"spot-trader/pkg/utils"
)

// addTraderCommands adds the commands that drive a trading session.
func addTraderCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newCloseAllCmd(app))
	rootCmd.AddCommand(newModeCmd(app))
}

// session is one engine plus the consumers hanging off its bus.
type session struct {
	engine    *engine.Engine
	bus       *events.Bus
	cache     *statecache.Cache
	consumers conc.WaitGroup
	cancel    context.CancelFunc
}

// newSession builds an engine for the configured mode, restores saved state
// and starts the recorder and notification listener.
func (a *App) newSession(ctx context.Context, cmd *cobra.Command, paper bool) (*session, error) {
	cfg := a.Config
	if paper {
		cfg.Trading.Mode = "paper"
	}
	if !cfg.IsPaperMode() {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid,
			"no live exchange adapter is configured; set trading.mode = \"paper\" or pass --paper")
	}

	s := &session{
		bus:   events.NewBusWithConfig(events.DefaultConfig()),
		cache: statecache.New(cfg.Cache, a.Logger),
	}
	adapter := exchange.NewPaperExchange(cfg.Exchange.Paper, a.Logger)
	eng, err := engine.New(cfg, engine.Options{Exchange: adapter, Bus: s.bus, Cache: s.cache}, a.Logger)
	if err != nil {
		s.cache.Close()
		return nil, err
	}
	s.engine = eng

	if _, err := eng.RestoreState(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to restore session state")
	}

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	subscribers := 0

	st, err := a.openStore()
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Event store unavailable, events will not be recorded")
	} else if st != nil {
		recorder := store.NewRecorder(st, a.Logger)
		s.consumers.Go(func() { recorder.Run(cctx, s.bus) })
		subscribers++
		eng.Health().RegisterComponent("store", resilience.DatabaseHealthCheck(st.Ping))
	}
	eng.Health().RegisterComponent("statecache", s.cacheHealth)
	eng.Health().RegisterComponent("events", s.busHealth)

	if cfg.Notifications.Enabled {
		listener := notify.NewListener(a.notifier(cmd), cfg.Trading.QuoteCurrency, a.Logger)
		s.consumers.Go(func() { listener.Run(cctx, s.bus) })
		subscribers++
	}

	// consumers subscribe from their own goroutines
	deadline := time.Now().Add(time.Second)
	for s.bus.Metrics().Subscribers < subscribers && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.bus.Start(cctx)
	return s, nil
}

// notifier builds the notification channels from config.
func (a *App) notifier(cmd *cobra.Command) *notify.MultiNotifier {
	cfg := a.Config.Notifications
	mn := notify.NewMultiNotifier(cfg)
	mn.AddChannel(notify.NewLogNotifier(a.Logger))
	mn.AddChannel(notify.NewTerminalNotifier(cmd.ErrOrStderr(), NewOutput(cmd).colorEnabled))
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegramNotifier(cfg.Telegram)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Telegram notifier disabled")
		} else {
			mn.AddChannel(tg)
		}
	}
	a.Logger.Debug().Strs("channels", mn.Channels()).Msg("Notification channels ready")
	return mn
}

func (s *session) cacheHealth(context.Context) resilience.ComponentHealth {
	backend := s.cache.Backend()
	if s.cache.Enabled() && backend != "redis" {
		return resilience.ComponentHealth{Status: resilience.HealthStatusDegraded, Message: "redis unreachable, snapshots kept in memory"}
	}
	return resilience.ComponentHealth{Status: resilience.HealthStatusHealthy, Message: backend}
}

func (s *session) busHealth(context.Context) resilience.ComponentHealth {
	m := s.bus.Metrics()
	msg := fmt.Sprintf("%d delivered, %d dropped, %d subscribers", m.Delivered, m.Dropped, m.Subscribers)
	if m.Dropped > 0 {
		return resilience.ComponentHealth{Status: resilience.HealthStatusDegraded, Message: msg}
	}
	return resilience.ComponentHealth{Status: resilience.HealthStatusHealthy, Message: msg}
}

// Close flushes the bus, waits for the consumers and releases the cache.
func (s *session) Close() error {
	s.bus.Stop()
	s.consumers.Wait()
	s.cancel()
	return s.cache.Close()
}

func newRunCmd(app *App) *cobra.Command {
	var once, paper bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading engine",
		Long: `Run the decision loop until interrupted. Each cycle refreshes market
data, updates drawdown and stop state, and lets the coordinator pick at
most one action per asset. Open orders are reconciled between cycles.

State is saved after every cycle and restored on the next start.`,
		Example: `  trader run --paper
  trader run --paper --once --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := app.newSession(ctx, cmd, paper)
			if err != nil {
				return err
			}
			defer s.Close()

			if once {
				err := s.engine.RunCycle(ctx)
				if err != nil {
					app.Logger.Warn().Err(err).Msg("Cycle completed with errors")
				}
				health := s.engine.Health().Check(context.WithoutCancel(ctx))
				printSummary(output, s.engine.Snapshot(), &health, app.Config.Trading.QuoteCurrency)
				return err
			}

			if !output.IsJSON() {
				output.Info("Trading %v every %s (%s mode). Ctrl+C to stop.",
					s.engine.Assets(), app.Config.Trading.CycleInterval, app.Config.Trading.Mode)
			}
			err = s.engine.Run(ctx)
			if !output.IsJSON() {
				output.Dim("Stopped after %d cycles.", s.engine.Cycles())
			}
			health := s.engine.Health().Check(context.WithoutCancel(ctx))
			printSummary(output, s.engine.Snapshot(), &health, app.Config.Trading.QuoteCurrency)
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().BoolVar(&paper, "paper", false, "force paper trading")
	return cmd
}

func newStatusCmd(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show positions and recent engine activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			cache := statecache.New(app.Config.Cache, app.Logger)
			defer cache.Close()
			state, found, err := engine.LoadSnapshot(ctx, cache)
			if err != nil {
				return err
			}

			report := statusReport{Backend: cache.Backend()}
			if found {
				report.State = &state
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			if st != nil {
				if report.Decisions, err = st.GetDecisions(ctx, store.DecisionFilter{Limit: limit}); err != nil {
					return err
				}
				if report.Emergencies, err = st.GetEmergencyEvents(ctx, limit); err != nil {
					return err
				}
				if report.Drawdowns, err = st.GetDrawdownActions(ctx, limit); err != nil {
					return err
				}
			}

			if output.IsJSON() {
				return output.JSON(report)
			}
			printStatus(output, report, app.Config.Trading.QuoteCurrency)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of recent records to show")
	return cmd
}

func newCloseAllCmd(app *App) *cobra.Command {
	var reason string
	var paper bool

	cmd := &cobra.Command{
		Use:   "close-all",
		Short: "Emergency close every open position",
		Long: `Cancel resting orders and liquidate every position using the configured
emergency close strategy. The daily limit and cooldown still apply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			s, err := app.newSession(ctx, cmd, paper)
			if err != nil {
				return err
			}
			defer s.Close()

			ev, err := s.engine.EmergencyClose(ctx, reason)
			if saveErr := s.engine.SaveState(ctx); saveErr != nil {
				app.Logger.Warn().Err(saveErr).Msg("Failed to save session state")
			}
			if err != nil {
				return err
			}
			if ev == nil {
				return errors.New("emergency close suppressed by the daily limit or cooldown")
			}

			if output.IsJSON() {
				return output.JSON(ev)
			}
			if ev.Success {
				output.Success("✓ Closed %d batches in %s", len(ev.Batches), ev.Duration.Round(time.Millisecond))
			} else {
				output.Warning("Emergency close finished with %d errors", len(ev.Errors))
				for _, e := range ev.Errors {
					output.Error("  %s", e)
				}
			}
			cur := app.Config.Trading.QuoteCurrency
			output.Printf("  Equity: %s → %s\n",
				utils.FormatQuote(ev.Before.Equity, cur), utils.FormatQuote(ev.After.Equity, cur))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual request", "reason recorded with the close")
	cmd.Flags().BoolVar(&paper, "paper", false, "force paper trading")
	return cmd
}

func newModeCmd(app *App) *cobra.Command {
	var paper bool

	cmd := &cobra.Command{
		Use:   "mode <asset> <normal|dca_priority|grid_priority|pause>",
		Short: "Set the strategy mode for an asset",
		Long: `Pin the coordinator mode for an asset in the saved session state. A
pinned mode is not changed by automatic mode adjustment.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			s, err := app.newSession(ctx, cmd, paper)
			if err != nil {
				return err
			}
			defer s.Close()

			asset, mode := args[0], coordinator.Mode(args[1])
			if err := s.engine.SetMode(asset, mode); err != nil {
				return err
			}
			if err := s.engine.SaveState(ctx); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"asset": asset, "mode": string(mode)})
			}
			output.Success("✓ %s set to %s", asset, mode)
			if s.cache.Backend() != "redis" {
				output.Warning("State cache is memory only; the mode lasts for this process.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&paper, "paper", false, "force paper trading")
	return cmd
}
