package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"crypto-trading-bot/config"
	"crypto-trading-bot/internal/engine"
	"crypto-trading-bot/internal/events"
	"crypto-trading-bot/internal/exchange"
	"crypto-trading-bot/internal/journal"
	"crypto-trading-bot/internal/logging"
	"crypto-trading-bot/internal/notify"
	"crypto-trading-bot/internal/statestore"
)

// Process exit codes.
const (
	exitOK            = 0
	exitInvalidConfig = 2
	exitStartupFailed = 3
	exitSignal        = 130
)

const shutdownDeadline = 30 * time.Second

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var xe *exitError
		if errors.As(err, &xe) {
			os.Exit(xe.code)
		}
		os.Exit(exitStartupFailed)
	}
}

type cliFlags struct {
	configPath string
	symbol     string
	timeframe  string
	strategy   string
	backtest   bool
	bars       int
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	var flags cliFlags
	root := &cobra.Command{
		Use:           "trading-bot",
		Short:         "Bar-close algorithmic trading engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), flags)
		},
	}
	root.Flags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "path to the YAML configuration")
	root.Flags().StringVar(&flags.symbol, "symbol", "", "trade only this symbol, overriding the config bindings")
	root.Flags().StringVar(&flags.timeframe, "timeframe", "", "bar timeframe for --symbol (default from config)")
	root.Flags().StringVar(&flags.strategy, "strategy", "", "strategy for --symbol (default from config)")
	root.Flags().BoolVar(&flags.backtest, "backtest", false, "replay recent exchange history instead of trading")
	root.Flags().IntVar(&flags.bars, "bars", 500, "history depth for --backtest")
	root.Flags().DurationVar(&flags.timeout, "timeout", 0, "stop after this duration (0 runs until a signal)")

	root.AddCommand(newInitCmd())
	return root
}

// newInitCmd writes a commented starter configuration.
func newInitCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists, not overwriting", path)
			}
			if err := os.WriteFile(path, config.Sample(), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "config.yaml", "where to write the configuration")
	return cmd
}

func run(ctx context.Context, flags cliFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return &exitError{code: exitInvalidConfig, err: err}
	}

	log, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return &exitError{code: exitStartupFailed, err: err}
	}
	defer logCloser.Close()

	eng, err := engine.New(cfg, log)
	if err != nil {
		return &exitError{code: exitStartupFailed, err: err}
	}

	if err := attachObservers(ctx, cfg, eng, log); err != nil {
		eng.Stop(shutdownDeadline)
		return &exitError{code: exitStartupFailed, err: err}
	}

	if cfg.Trading.Mode == config.ModeBacktest {
		return runBacktest(ctx, cfg, eng, flags.bars)
	}

	if err := eng.Start(ctx); err != nil {
		eng.Stop(shutdownDeadline)
		return &exitError{code: exitStartupFailed, err: err}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var deadline <-chan time.Time
	if flags.timeout > 0 {
		t := time.NewTimer(flags.timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown requested")
		eng.Stop(shutdownDeadline)
		return &exitError{code: exitSignal, err: fmt.Errorf("interrupted by %s", sig)}
	case <-deadline:
		log.Info().Dur("timeout", flags.timeout).Msg("run timeout reached")
	case <-ctx.Done():
	}
	eng.Stop(shutdownDeadline)
	return nil
}

// loadConfig reads the file and applies the CLI binding overrides on
// top, re-validating the result.
func loadConfig(flags cliFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.backtest {
		cfg.Trading.Mode = config.ModeBacktest
	}

	if flags.symbol != "" {
		binding := config.SymbolConfig{
			Symbol:        flags.symbol,
			Timeframe:     "1h",
			Strategy:      "sma_crossover",
			MaxAllocation: 1,
		}
		for _, s := range cfg.Symbols {
			if s.Symbol == flags.symbol {
				binding = s
				break
			}
		}
		if flags.timeframe != "" {
			binding.Timeframe = flags.timeframe
		}
		if flags.strategy != "" {
			binding.Strategy = flags.strategy
		}
		cfg.Symbols = []config.SymbolConfig{binding}
	} else if flags.timeframe != "" || flags.strategy != "" {
		return nil, fmt.Errorf("--timeframe and --strategy require --symbol")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// attachObservers wires the optional persistence and notification
// subscribers onto the engine's bus before any event flows. The events
// config section sets each subscriber's queue depth and overflow
// policy.
func attachObservers(ctx context.Context, cfg *config.Config, eng *engine.Engine, log zerolog.Logger) error {
	subOpts := events.SubscribeOptions{
		QueueSize: cfg.Events.QueueSize,
		Policy:    events.OverflowPolicy(cfg.Events.OverflowPolicy),
	}

	if cfg.Journal.Enabled {
		j, err := journal.New(ctx, cfg.Journal.DSN, log)
		if err != nil {
			return err
		}
		j.Attach(eng.Bus(), subOpts)
		eng.AddCloser(j)
	}

	if cfg.StateStore.Enabled {
		store, err := statestore.New(ctx, cfg.StateStore, log)
		if err != nil {
			return err
		}
		store.Attach(eng.Bus(), eng.Book(), subOpts)
		eng.AddCloser(store)
	}

	if cfg.Notification.Enabled {
		var notifiers []notify.Notifier
		if tg := cfg.Notification.Telegram; tg.Enabled && tg.BotToken != "" && tg.ChatID != "" {
			notifiers = append(notifiers, notify.NewTelegram(tg.BotToken, tg.ChatID))
		}
		if dc := cfg.Notification.Discord; dc.Enabled && dc.WebhookURL != "" {
			notifiers = append(notifiers, notify.NewDiscord(dc.WebhookURL))
		}
		if len(notifiers) > 0 {
			m := notify.NewManager(log, notifiers...)
			m.Attach(eng.Bus(), subOpts)
			eng.AddCloser(m)
		}
	}
	return nil
}

// runBacktest pulls recent history from the public market data API into
// the scripted feed and replays it through the live trading loop.
func runBacktest(ctx context.Context, cfg *config.Config, eng *engine.Engine, bars int) error {
	defer eng.Stop(shutdownDeadline)

	data := exchange.NewBinance(exchange.BinanceConfig{Testnet: cfg.Exchange.TestNet})
	defer data.Close()

	fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	for _, s := range cfg.Symbols {
		tf, err := exchange.ParseTimeframe(s.Timeframe)
		if err != nil {
			return &exitError{code: exitInvalidConfig, err: err}
		}
		history, err := data.FetchBars(fetchCtx, s.Symbol, tf, bars)
		if err != nil {
			return &exitError{code: exitStartupFailed, err: fmt.Errorf("history for %s: %w", s.Symbol, err)}
		}
		eng.Feed().Load(s.Symbol, tf, history)
	}

	snap, err := eng.RunBacktest(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("backtest complete: %d bars per binding\n", bars)
	fmt.Printf("  starting cash   %.2f\n", cfg.Trading.StartingCash)
	fmt.Printf("  final equity    %.2f\n", snap.Account.Equity)
	fmt.Printf("  realized pnl    %.2f\n", snap.Account.RealizedPnL)
	fmt.Printf("  open positions  %d\n", len(snap.Positions))
	return nil
}
