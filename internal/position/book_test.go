package position

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-bot/internal/events"
	"crypto-trading-bot/internal/exchange"
)

func openXRP(t *testing.T, b *Book) {
	t.Helper()
	require.NoError(t, b.Open(Position{
		Symbol:      "XRPUSDT",
		OpenedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Side:        exchange.SideBuy,
		EntryPrice:  1.06,
		Size:        3,
		StopLoss:    1.06 * 0.97,
		TakeProfit:  1.06 * 1.05,
		EntryFillID: "fill-1",
	}))
}

func TestOpenEnforcesInvariants(t *testing.T) {
	t.Parallel()

	b := NewBook(1000, TrailingConfig{}, nil)

	err := b.Open(Position{Symbol: "X", EntryPrice: 10, Size: 0, StopLoss: 9, TakeProfit: 11})
	assert.ErrorContains(t, err, "size")

	err = b.Open(Position{Symbol: "X", EntryPrice: 10, Size: 1, StopLoss: 11, TakeProfit: 12})
	assert.ErrorContains(t, err, "stop")

	openXRP(t, b)
	err = b.Open(Position{Symbol: "XRPUSDT", EntryPrice: 1, Size: 1, StopLoss: 0.9, TakeProfit: 1.1})
	assert.ErrorContains(t, err, "already open")
}

func TestStopBeforeTakeProfit(t *testing.T) {
	t.Parallel()

	b := NewBook(1000, TrailingConfig{}, nil)
	require.NoError(t, b.Open(Position{
		Symbol: "BTCUSDT", EntryPrice: 100, Size: 1,
		StopLoss: 97, TakeProfit: 105,
	}))

	// A price that satisfies both conditions cannot happen with a sane
	// book, but a stop hit must always win over anything else.
	intent := b.EvaluateExits("BTCUSDT", 96)
	require.NotNil(t, intent)
	assert.Equal(t, exchange.ReasonStopLoss, intent.Reason)
	assert.Equal(t, 97.0, intent.ReferencePrice)

	intent = b.EvaluateExits("BTCUSDT", 106)
	require.NotNil(t, intent)
	assert.Equal(t, exchange.ReasonTakeProfit, intent.Reason)
	assert.Equal(t, 105.0, intent.ReferencePrice)

	assert.Nil(t, b.EvaluateExits("BTCUSDT", 100))
	assert.Nil(t, b.EvaluateExits("ETHUSDT", 1))
}

func TestTrailingStopLifecycle(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	defer bus.Close()
	adjusted := make(chan events.Event, 8)
	bus.Subscribe("test", events.SubscribeOptions{Types: []events.Type{events.TypeTrailingAdjusted}}, func(ev events.Event) {
		adjusted <- ev
	})

	b := NewBook(1000, TrailingConfig{Enabled: true, ActivationPct: 0.02, DistancePct: 0.015}, bus)
	openXRP(t, b)

	corr := events.NewCorrelationID()

	// Below activation: nothing moves.
	b.UpdateTrailing("XRPUSDT", 1.07, corr)
	p, _ := b.Get("XRPUSDT")
	assert.Equal(t, TrailingInactive, p.Trailing)

	// Gain crosses 2%: arms, stop untouched.
	b.UpdateTrailing("XRPUSDT", 1.082, corr)
	p, _ = b.Get("XRPUSDT")
	assert.Equal(t, TrailingArmed, p.Trailing)
	assert.InDelta(t, 1.06*0.97, p.StopLoss, 1e-9)
	assert.Equal(t, 1.082, p.PeakPrice)

	// New peak: stop ratchets to 1.10·0.985 = 1.0835.
	b.UpdateTrailing("XRPUSDT", 1.10, corr)
	p, _ = b.Get("XRPUSDT")
	assert.Equal(t, TrailingTracking, p.Trailing)
	assert.InDelta(t, 1.0835, p.StopLoss, 1e-9)

	ev := <-adjusted
	assert.InDelta(t, 1.0835, ev.Data["new_stop"], 1e-9)

	// Pullback below the peak: stop unchanged, no event.
	b.UpdateTrailing("XRPUSDT", 1.095, corr)
	p, _ = b.Get("XRPUSDT")
	assert.InDelta(t, 1.0835, p.StopLoss, 1e-9)

	// Price falls through the trailed stop.
	intent := b.EvaluateExits("XRPUSDT", 1.078)
	require.NotNil(t, intent)
	assert.Equal(t, exchange.ReasonTrailing, intent.Reason)
	assert.InDelta(t, 1.0835, intent.ReferencePrice, 1e-9)

	require.NoError(t, bus.Flush(context.Background()))
	assert.Empty(t, adjusted, "pullback and trigger never move the stop")
}

func TestTrailingStopMonotonic(t *testing.T) {
	t.Parallel()

	b := NewBook(1000, TrailingConfig{Enabled: true, ActivationPct: 0.01, DistancePct: 0.02}, nil)
	require.NoError(t, b.Open(Position{
		Symbol: "ETHUSDT", EntryPrice: 100, Size: 1, StopLoss: 95, TakeProfit: 200,
	}))

	prevStop := 0.0
	for _, price := range []float64{100, 102, 105, 103, 110, 108, 107, 120, 119} {
		b.UpdateTrailing("ETHUSDT", price, "corr")
		p, ok := b.Get("ETHUSDT")
		require.True(t, ok)
		assert.GreaterOrEqual(t, p.StopLoss, prevStop, "stop never moves down")
		if p.Trailing == TrailingTracking {
			assert.GreaterOrEqual(t, p.PeakPrice, p.EntryPrice)
		}
		prevStop = p.StopLoss
	}
}

func TestPendingExitRetriedFirst(t *testing.T) {
	t.Parallel()

	b := NewBook(1000, TrailingConfig{}, nil)
	openXRP(t, b)
	b.MarkPendingExit("XRPUSDT", exchange.ReasonStopLoss)

	// Even at a price that would otherwise trigger nothing.
	intent := b.EvaluateExits("XRPUSDT", 1.06)
	require.NotNil(t, intent)
	assert.Equal(t, exchange.ReasonStopLoss, intent.Reason)
	assert.Equal(t, 3.0, intent.Quantity)
}

func TestCloseRealizesPnLAndCash(t *testing.T) {
	t.Parallel()

	b := NewBook(1000, TrailingConfig{}, nil)
	openXRP(t, b)

	entryNotional := 3 * 1.06
	b.ApplyFill(exchange.Fill{Symbol: "XRPUSDT", Side: exchange.SideBuy, Quantity: 3, AvgPrice: 1.06})
	b.ApplyFill(exchange.Fill{Symbol: "XRPUSDT", Side: exchange.SideSell, Quantity: 3, AvgPrice: 1.02})
	pnl, err := b.Close("XRPUSDT", exchange.Fill{Symbol: "XRPUSDT", Side: exchange.SideSell, Quantity: 3, AvgPrice: 1.02})
	require.NoError(t, err)
	assert.InDelta(t, (1.02-1.06)*3, pnl, 1e-9)

	acct := b.Account()
	assert.InDelta(t, 1000-entryNotional+3*1.02, acct.CashBalance, 1e-9)
	assert.InDelta(t, pnl, acct.RealizedPnL, 1e-9)
	assert.InDelta(t, pnl, acct.DailyRealizedPnL, 1e-9)
	assert.Equal(t, 0, b.OpenCount())

	_, err = b.Close("XRPUSDT", exchange.Fill{})
	assert.ErrorContains(t, err, "not open")
}

func TestDailyRealizedResetsAtUTCMidnight(t *testing.T) {
	t.Parallel()

	b := NewBook(1000, TrailingConfig{}, nil)
	current := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }
	b.dailyAnchor = current.Truncate(24 * time.Hour)

	openXRP(t, b)
	_, err := b.Close("XRPUSDT", exchange.Fill{AvgPrice: 1.10})
	require.NoError(t, err)
	assert.InDelta(t, (1.10-1.06)*3, b.Account().DailyRealizedPnL, 1e-9)

	current = current.Add(2 * time.Hour) // past midnight UTC
	assert.Zero(t, b.Account().DailyRealizedPnL)
	assert.InDelta(t, (1.10-1.06)*3, b.Account().RealizedPnL, 1e-9, "lifetime total survives the rollover")
}

func TestOpenRiskAndSnapshot(t *testing.T) {
	t.Parallel()

	b := NewBook(1000, TrailingConfig{}, nil)
	require.NoError(t, b.Open(Position{Symbol: "A", EntryPrice: 10, Size: 2, StopLoss: 9, TakeProfit: 12}))
	require.NoError(t, b.Open(Position{Symbol: "B", EntryPrice: 20, Size: 1, StopLoss: 18, TakeProfit: 25}))

	assert.InDelta(t, 2*1+1*2, b.OpenRisk(), 1e-9)

	snap := b.Snapshot()
	assert.Len(t, snap.Positions, 2)
	for _, p := range snap.Positions {
		assert.Greater(t, p.Size, 0.0)
		assert.Less(t, p.StopLoss, p.EntryPrice)
		assert.Greater(t, p.TakeProfit, p.EntryPrice)
	}

	// Mutating the snapshot never touches the book.
	snap.Positions[0].Size = 999
	p, _ := b.Get(snap.Positions[1].Symbol)
	assert.NotEqual(t, 999.0, p.Size)
}
