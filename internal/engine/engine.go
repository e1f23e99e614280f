// Package engine is the composition root: it builds every collaborator
// from the resolved configuration, runs the scheduler, and owns the
// shutdown sequence.
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-bot/config"
	"crypto-trading-bot/internal/events"
	"crypto-trading-bot/internal/exchange"
	"crypto-trading-bot/internal/position"
	"crypto-trading-bot/internal/risk"
	"crypto-trading-bot/internal/strategy"
)

// Engine wires venue, book, risk, loop and scheduler together.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger

	bus   *events.Bus
	venue exchange.Exchange
	feed  *exchange.ScriptedFeed // non-nil in backtest mode
	book  *position.Book
	risk  *risk.Engine
	loop  *Loop
	sched *Scheduler

	bindings []*Binding
	closers  []io.Closer

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
	started       bool
	stopOnce      sync.Once
}

// New builds an engine from a validated configuration. Unknown
// strategies, bad parameters and missing credentials fail here; nothing
// after New terminates the process.
func New(cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	registry := strategy.Builtin()
	bindings := make([]*Binding, 0, len(cfg.Symbols))
	for _, sc := range cfg.Symbols {
		tf, err := exchange.ParseTimeframe(sc.Timeframe)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", sc.Symbol, err)
		}
		strat, err := registry.New(sc.Strategy, cfg.Strategies[sc.Strategy])
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", sc.Symbol, err)
		}
		bindings = append(bindings, &Binding{
			Symbol:        sc.Symbol,
			Timeframe:     tf,
			StrategyName:  sc.Strategy,
			Strategy:      strat,
			Quantity:      sc.Quantity,
			MaxAllocation: sc.MaxAllocation,
		})
	}

	riskCfg := risk.Config{
		Sizing:                    cfg.Risk.Sizing,
		MaxRiskPerTrade:           cfg.Risk.MaxRiskPerTrade,
		MaxRiskTotal:              cfg.Risk.MaxRiskTotal,
		MaxOpenTrades:             cfg.Trading.MaxOpenTrades,
		DefaultStopLossPct:        cfg.Risk.DefaultStopLossPct,
		TargetProfitPct:           cfg.Risk.TargetProfitPct,
		UseATRForStops:            cfg.Risk.UseATRForStops,
		ATRMultiplier:             cfg.Risk.ATRMultiplier,
		ATRPeriod:                 cfg.Risk.ATRPeriod,
		UseTrailingStop:           cfg.Risk.UseTrailingStop,
		TrailingStopActivationPct: cfg.Risk.TrailingActivationPct,
		TrailingStopDistancePct:   cfg.Risk.TrailingDistancePct,
		KellyMaxFraction:          cfg.Risk.KellyMaxFraction,
	}
	if cfg.Trading.ExitOnTarget {
		riskCfg.DailyTargetProfit = cfg.Trading.DailyTargetProfit
	}
	if err := riskCfg.Validate(); err != nil {
		return nil, err
	}

	bus := events.NewBus()
	e := &Engine{
		cfg:           cfg,
		log:           log,
		bus:           bus,
		risk:          risk.NewEngine(riskCfg),
		bindings:      bindings,
		heartbeatStop: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}

	if err := e.buildVenue(); err != nil {
		bus.Close()
		return nil, err
	}

	trailing := position.TrailingConfig{
		Enabled:       cfg.Risk.UseTrailingStop,
		ActivationPct: cfg.Risk.TrailingActivationPct,
		DistancePct:   cfg.Risk.TrailingDistancePct,
	}
	e.book = position.NewBook(cfg.Trading.StartingCash, trailing, bus)
	e.loop = NewLoop(e.venue, e.book, e.risk, bus, log)
	e.sched = NewScheduler(SchedulerConfig{
		Workers:   cfg.Trading.Workers,
		MaxJitter: 2 * time.Second,
	}, bindings, e.loop.Tick, bus, log)
	return e, nil
}

// buildVenue picks the exchange stack for the configured mode. Live and
// paper venues sit behind the guard; backtests talk to the scripted
// feed directly.
func (e *Engine) buildVenue() error {
	guardCfg := exchange.GuardConfig{
		MaxAttempts:       e.cfg.Exchange.Retry.MaxAttempts,
		BaseDelay:         time.Duration(e.cfg.Exchange.Retry.BaseDelayMS) * time.Millisecond,
		BreakerFailures:   uint32(e.cfg.Exchange.Breaker.Failures),
		BreakerCooldown:   time.Duration(e.cfg.Exchange.Breaker.CooldownSec) * time.Second,
		RequestsPerMinute: e.cfg.Exchange.RateLimit.RequestsPerMinute,
		OrdersPerMinute:   e.cfg.Exchange.RateLimit.OrderRateLimit,
	}

	switch e.cfg.Trading.Mode {
	case config.ModeBacktest:
		e.feed = exchange.NewScriptedFeed()
		e.venue = exchange.NewPaper(e.feed, exchange.PaperConfig{
			StartingCash: e.cfg.Trading.StartingCash,
			SlippagePct:  e.cfg.Trading.SlippagePct,
			FeePct:       e.cfg.Trading.FeePct,
		})
	case config.ModePaper:
		data := exchange.NewBinance(exchange.BinanceConfig{Testnet: e.cfg.Exchange.TestNet})
		paper := exchange.NewPaper(data, exchange.PaperConfig{
			StartingCash: e.cfg.Trading.StartingCash,
			SlippagePct:  e.cfg.Trading.SlippagePct,
			FeePct:       e.cfg.Trading.FeePct,
		})
		e.venue = exchange.NewGuard(paper, guardCfg, e.log)
	case config.ModeLive:
		live := exchange.NewBinance(exchange.BinanceConfig{
			APIKey:    e.cfg.Exchange.Credentials.APIKey,
			SecretKey: e.cfg.Exchange.Credentials.SecretKey,
			Testnet:   e.cfg.Exchange.TestNet,
		})
		e.venue = exchange.NewGuard(live, guardCfg, e.log)
	default:
		return fmt.Errorf("engine: unknown trading mode %q", e.cfg.Trading.Mode)
	}
	return nil
}

// Bus exposes the event bus so observers can subscribe before Start.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Book exposes position snapshots for status consumers.
func (e *Engine) Book() *position.Book { return e.book }

// Scheduler exposes lifecycle state and quarantine control.
func (e *Engine) Scheduler() *Scheduler { return e.sched }

// AddCloser registers a resource closed during Stop, after the bus has
// flushed.
func (e *Engine) AddCloser(c io.Closer) { e.closers = append(e.closers, c) }

// Start reconciles against the venue, starts the scheduler and the
// status heartbeat. Fatal wiring already happened in New; Start only
// fails when the scheduler is not idle.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.Trading.Mode == config.ModeLive {
		e.reconcile(ctx)
	}
	if err := e.sched.Start(); err != nil {
		return err
	}
	e.bus.PublishEngineStarted(len(e.bindings))
	e.started = true
	go e.heartbeat()
	e.log.Info().
		Int("bindings", len(e.bindings)).
		Str("mode", e.cfg.Trading.Mode).
		Msg("engine started")
	return nil
}

// reconcile compares the venue's remote holdings with the local book at
// startup. A mismatch quarantines the binding rather than guessing
// which side is right.
func (e *Engine) reconcile(ctx context.Context) {
	provider, ok := e.venue.(exchange.RemotePositionProvider)
	if !ok {
		return
	}
	for _, b := range e.bindings {
		remote, err := provider.RemotePosition(ctx, b.Symbol)
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", b.Symbol).Msg("reconciliation fetch failed")
			continue
		}
		_, localOpen := e.book.Get(b.Symbol)
		if remote > 0 && !localOpen {
			e.log.Error().
				Str("symbol", b.Symbol).
				Float64("remote", remote).
				Msg("remote position with no local record, binding quarantined")
			e.sched.Quarantine(b.Symbol)
			e.bus.PublishEngineFault(b.Symbol, events.NewCorrelationID(),
				fmt.Sprintf("reconciliation mismatch: remote holds %v", remote))
		}
	}
}

// heartbeat publishes an engine-level status event at the configured
// update interval.
func (e *Engine) heartbeat() {
	defer close(e.heartbeatDone)
	interval := time.Duration(e.cfg.General.UpdateInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.heartbeatStop:
			return
		case <-ticker.C:
			acct := e.book.Account()
			e.bus.Publish(events.Event{
				Type:          events.TypeHeartbeatTick,
				CorrelationID: events.NewCorrelationID(),
				Data: map[string]interface{}{
					"equity":         acct.Equity,
					"cash":           acct.CashBalance,
					"realized_pnl":   acct.RealizedPnL,
					"unrealized_pnl": acct.UnrealizedPnL,
					"open_positions": e.book.OpenCount(),
					"quarantined":    e.sched.Quarantined(),
					"state":          e.sched.State().String(),
				},
			})
		}
	}
}

// Stop drains the scheduler, flushes the bus and releases resources.
// Safe to call more than once.
func (e *Engine) Stop(deadline time.Duration) {
	e.stopOnce.Do(func() {
		e.sched.Stop(deadline)
		close(e.heartbeatStop)
		if e.started {
			<-e.heartbeatDone
		}

		e.bus.PublishEngineStopped("stop requested")
		ctx, cancel := context.WithTimeout(context.Background(), deadline)
		defer cancel()
		if err := e.bus.Flush(ctx); err != nil {
			e.log.Warn().Err(err).Msg("event flush incomplete at shutdown")
		}

		if err := e.venue.Close(); err != nil {
			e.log.Warn().Err(err).Msg("venue close failed")
		}
		for _, c := range e.closers {
			if err := c.Close(); err != nil {
				e.log.Warn().Err(err).Msg("observer close failed")
			}
		}
		e.bus.Close()
		e.log.Info().Msg("engine stopped")
	})
}
