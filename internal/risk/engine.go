// Package risk sizes candidate entries and gates them against the
// account-wide limits. A rejection is a normal decision, not an error:
// the caller publishes it with the reason code and moves on.
package risk

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"crypto-trading-bot/internal/exchange"
	"crypto-trading-bot/internal/indicator"
)

// Sizing method names accepted in configuration.
const (
	SizingFixedFraction    = "fixed_fraction"
	SizingVolatilityScaled = "volatility_scaled"
	SizingKelly            = "kelly"
)

// Reason codes attached to rejected decisions.
const (
	ReasonZeroSize      = "zero_size"
	ReasonPerTradeRisk  = "per_trade_risk"
	ReasonAggregateRisk = "aggregate_risk"
	ReasonMaxOpenTrades = "max_open_trades"
	ReasonMaxAllocation = "max_allocation"
	ReasonDailyTarget   = "daily_target_reached"
)

// Config holds the account-wide risk limits and stop parameters.
type Config struct {
	Sizing             string  // fixed_fraction, volatility_scaled or kelly
	MaxRiskPerTrade    float64 // fraction of equity risked per trade
	MaxRiskTotal       float64 // fraction of equity at risk across all open positions
	MaxOpenTrades      int
	DefaultStopLossPct float64
	TargetProfitPct    float64

	UseATRForStops bool
	ATRMultiplier  float64
	ATRPeriod      int

	UseTrailingStop           bool
	TrailingStopActivationPct float64
	TrailingStopDistancePct   float64

	// DailyTargetProfit, when > 0, switches the engine to exit-only mode
	// for the rest of the UTC day once realized PnL reaches this
	// fraction of equity.
	DailyTargetProfit float64

	// KellyMaxFraction clips the half-Kelly fraction. KellyMinTrades is
	// the sample floor below which sizing falls back to fixed-fraction.
	KellyMaxFraction float64
	KellyMinTrades   int
}

// Validate rejects configurations the engine cannot safely run with.
func (c Config) Validate() error {
	switch c.Sizing {
	case SizingFixedFraction, SizingVolatilityScaled, SizingKelly, "":
	default:
		return fmt.Errorf("risk: unknown sizing method %q", c.Sizing)
	}
	if c.MaxRiskPerTrade <= 0 || c.MaxRiskPerTrade >= 1 {
		return fmt.Errorf("risk: max_risk_per_trade %v must be in (0, 1)", c.MaxRiskPerTrade)
	}
	if c.MaxRiskTotal < c.MaxRiskPerTrade {
		return fmt.Errorf("risk: max_risk_total %v below max_risk_per_trade %v", c.MaxRiskTotal, c.MaxRiskPerTrade)
	}
	if c.MaxOpenTrades < 1 {
		return fmt.Errorf("risk: max_open_trades %d must be at least 1", c.MaxOpenTrades)
	}
	if c.DefaultStopLossPct <= 0 || c.DefaultStopLossPct >= 1 {
		return fmt.Errorf("risk: default_stop_loss_pct %v must be in (0, 1)", c.DefaultStopLossPct)
	}
	if c.TargetProfitPct <= 0 {
		return fmt.Errorf("risk: target_profit_pct %v must be positive", c.TargetProfitPct)
	}
	if c.UseATRForStops && (c.ATRMultiplier <= 0 || c.ATRPeriod < 1) {
		return fmt.Errorf("risk: ATR stops need a positive multiplier and period")
	}
	if c.Sizing == SizingVolatilityScaled && !c.UseATRForStops {
		// Volatility scaling sizes off the ATR-derived stop distance;
		// without ATR stops it would silently be fixed-fraction.
		return fmt.Errorf("risk: volatility_scaled sizing requires use_atr_for_stops")
	}
	if c.UseTrailingStop && (c.TrailingStopActivationPct <= 0 || c.TrailingStopDistancePct <= 0) {
		return fmt.Errorf("risk: trailing stop needs positive activation and distance")
	}
	return nil
}

// Request carries everything the engine needs to judge one candidate
// entry. Account figures are read from a Position Book snapshot by the
// caller; the engine itself holds no account state.
type Request struct {
	Symbol     string
	EntryPrice float64
	Bars       []exchange.Bar // window for ATR-derived stops

	Equity           float64
	OpenRisk         float64 // Σ size·(entry−stop) across open positions
	OpenPositions    int
	DailyRealizedPnL float64

	MaxAllocation float64 // per-binding cap, fraction of equity
	FixedQuantity float64 // optional per-binding override, 0 = size by method
}

// Decision is the engine's verdict on a candidate entry.
type Decision struct {
	Allowed    bool
	Code       string // reason code when rejected
	Reason     string // human-readable detail
	Size       float64
	StopLoss   float64
	TakeProfit float64
}

func reject(code, format string, args ...interface{}) Decision {
	return Decision{Allowed: false, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Engine applies the configured sizing method and the aggregate checks.
// Safe for concurrent use; the only mutable state is the realized-trade
// window feeding Kelly sizing.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	trades []tradeOutcome // rolling window of realized trades
}

type tradeOutcome struct {
	pnl float64
}

const tradeWindow = 100

// NewEngine builds a risk engine from a validated config. Zero-value
// sizing defaults to fixed-fraction.
func NewEngine(cfg Config) *Engine {
	if cfg.Sizing == "" {
		cfg.Sizing = SizingFixedFraction
	}
	if cfg.KellyMaxFraction == 0 {
		cfg.KellyMaxFraction = 0.25
	}
	if cfg.KellyMinTrades == 0 {
		cfg.KellyMinTrades = 20
	}
	return &Engine{cfg: cfg}
}

// Config returns the engine's limits, for callers that share them with
// the position book.
func (e *Engine) Config() Config { return e.cfg }

// RecordTrade appends a realized trade result to the rolling window
// used by Kelly sizing.
func (e *Engine) RecordTrade(pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trades = append(e.trades, tradeOutcome{pnl: pnl})
	if len(e.trades) > tradeWindow {
		e.trades = e.trades[len(e.trades)-tradeWindow:]
	}
}

// Evaluate sizes the candidate and runs the aggregate checks in order.
// The first failing check short-circuits with its reason code.
func (e *Engine) Evaluate(req Request) Decision {
	stop, target, err := e.stops(req)
	if err != nil {
		return reject(ReasonZeroSize, "cannot derive stop: %v", err)
	}

	size := req.FixedQuantity
	if size <= 0 {
		size = e.size(req, stop)
	}
	if size < 1 {
		return reject(ReasonZeroSize, "computed size %.4f below one unit", size)
	}

	perTradeRisk := size * (req.EntryPrice - stop)
	if limit := req.Equity * e.cfg.MaxRiskPerTrade; perTradeRisk > limit+1e-9 {
		return reject(ReasonPerTradeRisk, "trade risk %.2f exceeds %.2f", perTradeRisk, limit)
	}
	if limit := req.Equity * e.cfg.MaxRiskTotal; req.OpenRisk+perTradeRisk > limit+1e-9 {
		return reject(ReasonAggregateRisk, "aggregate risk %.2f exceeds %.2f", req.OpenRisk+perTradeRisk, limit)
	}
	if req.OpenPositions >= e.cfg.MaxOpenTrades {
		return reject(ReasonMaxOpenTrades, "open positions %d at limit %d", req.OpenPositions, e.cfg.MaxOpenTrades)
	}
	if notional, limit := size*req.EntryPrice, req.MaxAllocation*req.Equity; req.MaxAllocation > 0 && notional > limit+1e-9 {
		return reject(ReasonMaxAllocation, "notional %.2f exceeds allocation %.2f", notional, limit)
	}
	if e.cfg.DailyTargetProfit > 0 && req.DailyRealizedPnL >= req.Equity*e.cfg.DailyTargetProfit {
		return reject(ReasonDailyTarget, "daily realized %.2f reached target, exit-only until next UTC day", req.DailyRealizedPnL)
	}

	return Decision{Allowed: true, Size: size, StopLoss: stop, TakeProfit: target}
}

// stops derives the protective stop and the symmetric profit target.
func (e *Engine) stops(req Request) (stop, target float64, err error) {
	entry := req.EntryPrice
	target = entry * (1 + e.cfg.TargetProfitPct)
	if e.cfg.UseATRForStops {
		atr, aerr := indicator.ATR(req.Bars, e.cfg.ATRPeriod)
		if aerr != nil {
			return 0, 0, aerr
		}
		stop = entry - e.cfg.ATRMultiplier*atr
		if stop <= 0 {
			return 0, 0, fmt.Errorf("ATR stop %.4f not positive", stop)
		}
		return stop, target, nil
	}
	return entry * (1 - e.cfg.DefaultStopLossPct), target, nil
}

// size applies the configured sizing method. The returned quantity is
// floored to whole units.
func (e *Engine) size(req Request, stop float64) float64 {
	riskBudget := req.Equity * e.cfg.MaxRiskPerTrade
	perUnit := req.EntryPrice - stop
	if perUnit <= 0 {
		return 0
	}

	switch strings.ToLower(e.cfg.Sizing) {
	case SizingKelly:
		if f, ok := e.kellyFraction(); ok {
			return math.Floor(req.Equity * f / req.EntryPrice)
		}
		// Not enough realized trades yet: fall back to fixed-fraction.
		fallthrough
	default:
		// fixed_fraction and volatility_scaled share the formula; the
		// ATR config already moved the stop, so perUnit carries k·ATR.
		return math.Floor(riskBudget / perUnit)
	}
}

// kellyFraction computes the half-Kelly fraction from the rolling
// realized-trade window. Returns false until the sample floor is met.
func (e *Engine) kellyFraction() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.trades) < e.cfg.KellyMinTrades {
		return 0, false
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, t := range e.trades {
		if t.pnl > 0 {
			wins++
			winSum += t.pnl
		} else {
			losses++
			lossSum += -t.pnl
		}
	}
	if wins == 0 {
		return 0, true // no edge, size zero
	}
	if losses == 0 || lossSum == 0 {
		return e.cfg.KellyMaxFraction, true
	}

	p := float64(wins) / float64(len(e.trades))
	b := (winSum / float64(wins)) / (lossSum / float64(losses))
	f := (p*b - (1 - p)) / b
	f /= 2 // half-Kelly
	if f < 0 {
		f = 0
	}
	if f > e.cfg.KellyMaxFraction {
		f = e.cfg.KellyMaxFraction
	}
	return f, true
}
