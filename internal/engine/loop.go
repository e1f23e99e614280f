package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"crypto-trading-bot/internal/events"
	"crypto-trading-bot/internal/exchange"
	"crypto-trading-bot/internal/position"
	"crypto-trading-bot/internal/risk"
	"crypto-trading-bot/internal/strategy"
)

// Binding ties one instrument to one strategy instance. Immutable once
// registered with the scheduler.
type Binding struct {
	Symbol        string
	Timeframe     exchange.Timeframe
	StrategyName  string
	Strategy      strategy.Strategy
	Quantity      float64 // 0 = size by risk engine
	MaxAllocation float64
}

// barMargin is fetched on top of the strategy warm-up so indicators
// have headroom after validation discards nothing.
const barMargin = 5

// Loop executes the per-instrument tick sequence. One Loop serves all
// bindings; per-binding serialization is the scheduler's job.
type Loop struct {
	venue exchange.Exchange
	book  *position.Book
	risk  *risk.Engine
	bus   *events.Bus
	log   zerolog.Logger
}

// NewLoop wires the tick executor.
func NewLoop(venue exchange.Exchange, book *position.Book, riskEngine *risk.Engine, bus *events.Bus, log zerolog.Logger) *Loop {
	return &Loop{venue: venue, book: book, risk: riskEngine, bus: bus, log: log}
}

// Tick runs one full cycle for the binding: fetch, validate, exits,
// signal, risk gate, entry. Every failure is surfaced as an event and
// never propagates to the caller.
func (l *Loop) Tick(ctx context.Context, b *Binding) {
	corr := events.NewCorrelationID()
	log := l.log.With().
		Str("symbol", b.Symbol).
		Str("strategy", b.StrategyName).
		Str("correlation_id", corr).
		Logger()

	limit := b.Strategy.Warmup() + barMargin
	bars, err := l.venue.FetchBars(ctx, b.Symbol, b.Timeframe, limit)
	if err != nil {
		log.Warn().Err(err).Msg("bar fetch failed, tick dropped")
		l.bus.PublishBarRejected(b.Symbol, corr, fmt.Sprintf("fetch failed: %v", err))
		return
	}
	if len(bars) == 0 {
		l.bus.PublishBarRejected(b.Symbol, corr, "empty bar window")
		return
	}
	if err := exchange.ValidateBars(bars); err != nil {
		log.Warn().Err(err).Msg("bar window rejected")
		l.bus.PublishBarRejected(b.Symbol, corr, err.Error())
		return
	}
	last := bars[len(bars)-1]
	l.bus.PublishBarFetched(b.Symbol, corr, len(bars), last.Close)

	// Exits run before anything else and preempt the rest of the tick.
	l.book.UpdateTrailing(b.Symbol, last.Close, corr)
	if intent := l.book.EvaluateExits(b.Symbol, last.Close); intent != nil {
		l.exit(ctx, b, intent, last.Close, corr, log)
		l.bus.PublishHeartbeatTick(b.Symbol, corr, last.OpenTime, "exit_"+string(intent.Reason))
		return
	}
	if _, open := l.book.Get(b.Symbol); open {
		// Long-only, no pyramiding: an open position means no new entry.
		l.bus.PublishHeartbeatTick(b.Symbol, corr, last.OpenTime, "hold_open_position")
		return
	}

	sig, err := b.Strategy.OnBar(bars)
	if err != nil {
		log.Error().Err(err).Msg("strategy error, tick dropped")
		return
	}
	if sig.Action != strategy.ActionHold {
		l.bus.PublishSignalGenerated(b.Symbol, corr, string(sig.Action), sig.Reason, sig.Strength)
	}
	if sig.Action != strategy.ActionBuy {
		l.bus.PublishHeartbeatTick(b.Symbol, corr, last.OpenTime, string(sig.Action))
		return
	}

	acct := l.book.Account()
	decision := l.risk.Evaluate(risk.Request{
		Symbol:           b.Symbol,
		EntryPrice:       last.Close,
		Bars:             bars,
		Equity:           acct.Equity,
		OpenRisk:         l.book.OpenRisk(),
		OpenPositions:    l.book.OpenCount(),
		DailyRealizedPnL: acct.DailyRealizedPnL,
		MaxAllocation:    b.MaxAllocation,
		FixedQuantity:    b.Quantity,
	})
	if !decision.Allowed {
		log.Info().Str("code", decision.Code).Str("reason", decision.Reason).Msg("entry rejected")
		l.bus.PublishRiskRejected(b.Symbol, corr, decision.Code, decision.Reason)
		l.bus.PublishHeartbeatTick(b.Symbol, corr, last.OpenTime, "risk_rejected")
		return
	}

	l.enter(ctx, b, decision, last.Close, corr, log)
	l.bus.PublishHeartbeatTick(b.Symbol, corr, last.OpenTime, string(sig.Action))
}

// enter submits the market BUY and opens the position on its fill.
func (l *Loop) enter(ctx context.Context, b *Binding, decision risk.Decision, refPrice float64, corr string, log zerolog.Logger) {
	intent := exchange.OrderIntent{
		ClientOrderID:  corr,
		Symbol:         b.Symbol,
		Side:           exchange.SideBuy,
		Quantity:       decision.Size,
		Reason:         exchange.ReasonEntry,
		ReferencePrice: refPrice,
	}
	fill, err := l.venue.SubmitMarketOrder(ctx, intent)
	if err != nil {
		log.Warn().Err(err).Msg("entry order failed")
		l.bus.PublishOrderFailed(b.Symbol, corr, string(exchange.SideBuy), err.Error())
		return
	}

	l.bus.PublishOrderSubmitted(b.Symbol, corr, string(fill.Side), string(exchange.ReasonEntry), fill.Quantity)
	l.bus.PublishOrderFilled(b.Symbol, corr, fill.OrderID, string(fill.Side), fill.Quantity, fill.AvgPrice, fill.Fee)
	l.book.ApplyFill(*fill)

	pos := position.Position{
		Symbol:      b.Symbol,
		OpenedAt:    fill.Time,
		Side:        exchange.SideBuy,
		EntryPrice:  fill.AvgPrice,
		Size:        fill.Quantity,
		StopLoss:    decision.StopLoss,
		TakeProfit:  decision.TakeProfit,
		EntryFillID: fill.OrderID,
	}
	if err := l.book.Open(pos); err != nil {
		// A filled order the book refuses is an invariant violation.
		log.Error().Err(err).Msg("position rejected by book after fill")
		l.bus.PublishEngineFault(b.Symbol, corr, err.Error())
		return
	}
	log.Info().
		Float64("entry", fill.AvgPrice).
		Float64("size", fill.Quantity).
		Float64("stop", decision.StopLoss).
		Float64("target", decision.TakeProfit).
		Msg("position opened")
	l.bus.PublishPositionOpened(b.Symbol, corr, fill.AvgPrice, fill.Quantity, decision.StopLoss, decision.TakeProfit)
}

// exit submits the exit order for a triggered stop, target or pending
// retry, and closes the position on its fill.
func (l *Loop) exit(ctx context.Context, b *Binding, intent *position.ExitIntent, lastPrice float64, corr string, log zerolog.Logger) {
	switch intent.Reason {
	case exchange.ReasonStopLoss, exchange.ReasonTrailing:
		l.bus.PublishStopTriggered(b.Symbol, corr, intent.ReferencePrice, lastPrice)
	case exchange.ReasonTakeProfit:
		l.bus.PublishTakeProfitTriggered(b.Symbol, corr, intent.ReferencePrice, lastPrice)
	}

	order := exchange.OrderIntent{
		ClientOrderID:  corr,
		Symbol:         b.Symbol,
		Side:           exchange.SideSell,
		Quantity:       intent.Quantity,
		Reason:         intent.Reason,
		ReferencePrice: intent.ReferencePrice,
	}
	fill, err := l.venue.SubmitMarketOrder(ctx, order)
	if err != nil {
		if exchange.IsPermanent(err) || errors.Is(err, exchange.ErrCircuitOpen) {
			// The exit decision stands: persist it and retry next tick
			// before anything else.
			l.book.MarkPendingExit(b.Symbol, intent.Reason)
		}
		log.Warn().Err(err).Str("reason", string(intent.Reason)).Msg("exit order failed")
		l.bus.PublishOrderFailed(b.Symbol, corr, string(exchange.SideSell), err.Error())
		return
	}

	l.bus.PublishOrderSubmitted(b.Symbol, corr, string(fill.Side), string(intent.Reason), fill.Quantity)
	l.bus.PublishOrderFilled(b.Symbol, corr, fill.OrderID, string(fill.Side), fill.Quantity, fill.AvgPrice, fill.Fee)
	l.book.ApplyFill(*fill)

	realized, err := l.book.Close(b.Symbol, *fill)
	if err != nil {
		log.Error().Err(err).Msg("close failed after exit fill")
		l.bus.PublishEngineFault(b.Symbol, corr, err.Error())
		return
	}
	l.risk.RecordTrade(realized)
	log.Info().
		Float64("exit", fill.AvgPrice).
		Float64("realized_pnl", realized).
		Str("reason", string(intent.Reason)).
		Msg("position closed")
	l.bus.PublishPositionClosed(b.Symbol, corr, string(intent.Reason), fill.AvgPrice, realized)
}
