package risk

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-bot/internal/exchange"
)

func baseConfig() Config {
	return Config{
		Sizing:             SizingFixedFraction,
		MaxRiskPerTrade:    0.01,
		MaxRiskTotal:       0.05,
		MaxOpenTrades:      3,
		DefaultStopLossPct: 0.03,
		TargetProfitPct:    0.05,
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, baseConfig().Validate())

	bad := baseConfig()
	bad.Sizing = "martingale"
	assert.ErrorContains(t, bad.Validate(), "unknown sizing method")

	bad = baseConfig()
	bad.MaxRiskTotal = 0.001
	assert.ErrorContains(t, bad.Validate(), "max_risk_total")

	bad = baseConfig()
	bad.UseTrailingStop = true
	assert.ErrorContains(t, bad.Validate(), "trailing stop")

	// Volatility scaling only differs from fixed-fraction through the
	// ATR-derived stop, so the two flags must travel together.
	bad = baseConfig()
	bad.Sizing = SizingVolatilityScaled
	assert.ErrorContains(t, bad.Validate(), "use_atr_for_stops")

	good := baseConfig()
	good.Sizing = SizingVolatilityScaled
	good.UseATRForStops = true
	good.ATRMultiplier = 2
	good.ATRPeriod = 14
	require.NoError(t, good.Validate())
}

func TestFixedFractionSizing(t *testing.T) {
	t.Parallel()

	e := NewEngine(baseConfig())
	d := e.Evaluate(Request{
		Symbol:        "XRPUSDT",
		EntryPrice:    1.06,
		Equity:        1000,
		MaxAllocation: 1,
	})
	require.True(t, d.Allowed, d.Reason)

	wantSize := math.Floor((1000 * 0.01) / (1.06 * 0.03))
	assert.Equal(t, wantSize, d.Size)
	assert.InDelta(t, 1.06*0.97, d.StopLoss, 1e-9)
	assert.InDelta(t, 1.06*1.05, d.TakeProfit, 1e-9)

	// Per-trade risk never exceeds the budget after flooring.
	assert.LessOrEqual(t, d.Size*(1.06-d.StopLoss), 1000*0.01+1e-9)
}

func TestFixedQuantityOverride(t *testing.T) {
	t.Parallel()

	e := NewEngine(baseConfig())
	d := e.Evaluate(Request{
		EntryPrice:    10,
		Equity:        100_000,
		FixedQuantity: 5,
		MaxAllocation: 1,
	})
	require.True(t, d.Allowed, d.Reason)
	assert.Equal(t, 5.0, d.Size)
}

func TestATRStops(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Sizing = SizingVolatilityScaled
	cfg.UseATRForStops = true
	cfg.ATRMultiplier = 2
	cfg.ATRPeriod = 2
	e := NewEngine(cfg)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []exchange.Bar{
		{OpenTime: start, Open: 100, High: 101, Low: 99, Close: 100, Volume: 1},
		{OpenTime: start.Add(time.Hour), Open: 100, High: 102, Low: 98, Close: 101, Volume: 1},
		{OpenTime: start.Add(2 * time.Hour), Open: 101, High: 103, Low: 99, Close: 102, Volume: 1},
	}
	// True ranges 4 and 4: ATR = 4, stop = 102 - 2*4 = 94.
	d := e.Evaluate(Request{
		EntryPrice:    102,
		Bars:          bars,
		Equity:        100_000,
		MaxAllocation: 1,
	})
	require.True(t, d.Allowed, d.Reason)
	assert.InDelta(t, 94.0, d.StopLoss, 1e-9)
	assert.Equal(t, math.Floor(100_000*0.01/8.0), d.Size)

	// Too few bars for ATR: sizing cannot proceed.
	d = e.Evaluate(Request{EntryPrice: 102, Bars: bars[:2], Equity: 100_000, MaxAllocation: 1})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonZeroSize, d.Code)
}

func TestAggregateChecksShortCircuitInOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  func(Config) Config
		req  Request
		code string
	}{
		{
			name: "fixed quantity blows per-trade risk",
			cfg:  func(c Config) Config { return c },
			req:  Request{EntryPrice: 100, Equity: 1000, FixedQuantity: 50, MaxAllocation: 10},
			code: ReasonPerTradeRisk,
		},
		{
			name: "open risk plus candidate exceeds total",
			cfg:  func(c Config) Config { return c },
			req:  Request{EntryPrice: 100, Equity: 1000, OpenRisk: 45, MaxAllocation: 1},
			code: ReasonAggregateRisk,
		},
		{
			name: "position count at limit",
			cfg:  func(c Config) Config { c.MaxOpenTrades = 1; return c },
			req:  Request{EntryPrice: 100, Equity: 1000, OpenPositions: 1, MaxAllocation: 1},
			code: ReasonMaxOpenTrades,
		},
		{
			name: "notional over allocation",
			cfg:  func(c Config) Config { return c },
			req:  Request{EntryPrice: 100, Equity: 100_000, MaxAllocation: 0.001},
			code: ReasonMaxAllocation,
		},
		{
			name: "daily target reached",
			cfg:  func(c Config) Config { c.DailyTargetProfit = 0.02; return c },
			req:  Request{EntryPrice: 100, Equity: 1000, DailyRealizedPnL: 25, MaxAllocation: 1},
			code: ReasonDailyTarget,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := NewEngine(tt.cfg(baseConfig())).Evaluate(tt.req)
			require.False(t, d.Allowed)
			assert.Equal(t, tt.code, d.Code)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestKellySizing(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Sizing = SizingKelly
	cfg.KellyMinTrades = 10
	cfg.KellyMaxFraction = 0.25
	e := NewEngine(cfg)

	// Below the sample floor: falls back to fixed-fraction.
	d := e.Evaluate(Request{EntryPrice: 100, Equity: 10_000, MaxAllocation: 1})
	require.True(t, d.Allowed, d.Reason)
	assert.Equal(t, math.Floor(10_000*0.01/(100*0.03)), d.Size)

	// Six winners of +2 and four losers of -1: p=0.6, b=2,
	// f = (0.6*2 - 0.4)/2 = 0.4, half-Kelly 0.2.
	for i := 0; i < 6; i++ {
		e.RecordTrade(2)
	}
	for i := 0; i < 4; i++ {
		e.RecordTrade(-1)
	}
	d = e.Evaluate(Request{EntryPrice: 100, Equity: 10_000, MaxAllocation: 1})
	require.True(t, d.Allowed, d.Reason)
	assert.Equal(t, math.Floor(10_000*0.2/100), d.Size)

	// The clip binds when the edge is extreme: ten straight winners.
	clipped := NewEngine(cfg)
	for i := 0; i < 10; i++ {
		clipped.RecordTrade(3)
	}
	d = clipped.Evaluate(Request{EntryPrice: 100, Equity: 10_000, MaxAllocation: 1})
	require.True(t, d.Allowed, d.Reason)
	assert.Equal(t, math.Floor(10_000*0.25/100), d.Size)
}

func TestKellyAllLosersSizesZero(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Sizing = SizingKelly
	cfg.KellyMinTrades = 5
	e := NewEngine(cfg)
	for i := 0; i < 5; i++ {
		e.RecordTrade(-1)
	}
	d := e.Evaluate(Request{EntryPrice: 100, Equity: 10_000, MaxAllocation: 1})
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonZeroSize, d.Code)
}
