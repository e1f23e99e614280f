package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-bot/internal/events"
	"crypto-trading-bot/internal/exchange"
	"crypto-trading-bot/internal/position"
	"crypto-trading-bot/internal/risk"
	"crypto-trading-bot/internal/strategy"
)

// recorder captures every bus event in order, with a lossless queue so
// assertions never race a drop.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	feed  *exchange.ScriptedFeed
	paper *exchange.Paper
	book  *position.Book
	risk  *risk.Engine
	bus   *events.Bus
	loop  *Loop
	rec   *recorder
}

func defaultRiskConfig() risk.Config {
	return risk.Config{
		Sizing:             risk.SizingFixedFraction,
		MaxRiskPerTrade:    0.01,
		MaxRiskTotal:       0.05,
		MaxOpenTrades:      3,
		DefaultStopLossPct: 0.03,
		TargetProfitPct:    0.05,
	}
}

func newHarness(t *testing.T, riskCfg risk.Config, trailing position.TrailingConfig, cash float64) *harness {
	t.Helper()
	feed := exchange.NewScriptedFeed()
	paper := exchange.NewPaper(feed, exchange.PaperConfig{StartingCash: cash})
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	rec := &recorder{}
	bus.Subscribe("recorder", events.SubscribeOptions{
		QueueSize: 4096,
		Policy:    events.BlockPublisher,
	}, rec.handle)

	book := position.NewBook(cash, trailing, bus)
	riskEngine := risk.NewEngine(riskCfg)
	return &harness{
		feed:  feed,
		paper: paper,
		book:  book,
		risk:  riskEngine,
		bus:   bus,
		loop:  NewLoop(paper, book, riskEngine, bus, zerolog.Nop()),
		rec:   rec,
	}
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.bus.Flush(ctx))
}

// runScript ticks the binding once per scripted bar.
func (h *harness) runScript(t *testing.T, b *Binding) {
	t.Helper()
	ctx := context.Background()
	for {
		h.loop.Tick(ctx, b)
		if !h.feed.Advance(b.Symbol, b.Timeframe) {
			return
		}
	}
}

func smaBinding(t *testing.T, symbol string) *Binding {
	t.Helper()
	strat, err := strategy.Builtin().New("sma_crossover", map[string]float64{"short": 3, "long": 5})
	require.NoError(t, err)
	return &Binding{
		Symbol:        symbol,
		Timeframe:     exchange.Timeframe15m,
		StrategyName:  "sma_crossover",
		Strategy:      strat,
		MaxAllocation: 0.5,
	}
}

var entryScript = []float64{1.04, 1.03, 1.02, 1.01, 1.00, 1.10}

var scriptStart = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// openFromScript replays the standard entry script and returns after
// the position has opened at 1.10.
func (h *harness) openFromScript(t *testing.T, b *Binding) {
	t.Helper()
	h.feed.LoadCloses(b.Symbol, b.Timeframe, scriptStart, entryScript)
	h.runScript(t, b)
	h.flush(t)
	require.Len(t, h.rec.ofType(events.TypePositionOpened), 1, "entry script must open exactly one position")
}

func TestEntryOnCrossover(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRiskConfig(), position.TrailingConfig{}, 1000)
	b := smaBinding(t, "XRPUSDT")
	h.openFromScript(t, b)

	opened := h.rec.ofType(events.TypePositionOpened)[0]
	assert.InDelta(t, 1.10, opened.Data["entry_price"], 1e-9)
	// floor((1000·0.01)/(1.10·0.03)) = 303
	assert.InDelta(t, 303.0, opened.Data["size"], 1e-9)
	assert.InDelta(t, 1.10*0.97, opened.Data["stop_loss"], 1e-9)
	assert.InDelta(t, 1.10*1.05, opened.Data["take_profit"], 1e-9)

	signals := h.rec.ofType(events.TypeSignalGenerated)
	require.Len(t, signals, 1)
	assert.Equal(t, "BUY", signals[0].Data["action"])

	pos, ok := h.book.Get("XRPUSDT")
	require.True(t, ok)
	assert.Equal(t, 303.0, pos.Size)
	assert.Less(t, pos.StopLoss, pos.EntryPrice)
	assert.Greater(t, pos.TakeProfit, pos.EntryPrice)
}

func TestStopLossExit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRiskConfig(), position.TrailingConfig{}, 1000)
	b := smaBinding(t, "XRPUSDT")
	h.openFromScript(t, b)

	// Next bar gaps below the 1.067 stop.
	h.feed.LoadCloses(b.Symbol, b.Timeframe, scriptStart, append(append([]float64{}, entryScript...), 1.05))
	h.feed.AdvanceTo(b.Symbol, b.Timeframe, len(entryScript))
	h.loop.Tick(context.Background(), b)
	h.flush(t)

	require.Len(t, h.rec.ofType(events.TypeStopTriggered), 1)
	closed := h.rec.ofType(events.TypePositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "stop_loss", closed[0].Data["exit_reason"])
	assert.InDelta(t, (1.05-1.10)*303, closed[0].Data["realized_pnl"], 1e-9)

	// No re-entry on the exit tick.
	assert.Len(t, h.rec.ofType(events.TypePositionOpened), 1)
	assert.Equal(t, 0, h.book.OpenCount())
}

func TestTakeProfitExit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRiskConfig(), position.TrailingConfig{}, 1000)
	b := smaBinding(t, "XRPUSDT")
	h.openFromScript(t, b)

	script := append(append([]float64{}, entryScript...), 1.12, 1.16)
	h.feed.LoadCloses(b.Symbol, b.Timeframe, scriptStart, script)
	h.feed.AdvanceTo(b.Symbol, b.Timeframe, len(entryScript))
	h.loop.Tick(context.Background(), b) // 1.12: below the 1.155 target
	require.True(t, h.feed.Advance(b.Symbol, b.Timeframe))
	h.loop.Tick(context.Background(), b) // 1.16: target hit
	h.flush(t)

	assert.Empty(t, h.rec.ofType(events.TypeStopTriggered))
	require.Len(t, h.rec.ofType(events.TypeTakeProfitTriggered), 1)
	closed := h.rec.ofType(events.TypePositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "take_profit", closed[0].Data["exit_reason"])
	assert.InDelta(t, (1.16-1.10)*303, closed[0].Data["realized_pnl"], 1e-9)
}

func TestTrailingStopExit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRiskConfig(),
		position.TrailingConfig{Enabled: true, ActivationPct: 0.02, DistancePct: 0.015}, 1000)
	b := smaBinding(t, "XRPUSDT")
	h.openFromScript(t, b)

	// 1.125 arms, 1.14 ratchets the stop to 1.1229, 1.135 leaves it,
	// 1.11 falls through it.
	script := append(append([]float64{}, entryScript...), 1.125, 1.14, 1.135, 1.11)
	h.feed.LoadCloses(b.Symbol, b.Timeframe, scriptStart, script)
	h.feed.AdvanceTo(b.Symbol, b.Timeframe, len(entryScript))
	for i := 0; i < 4; i++ {
		h.loop.Tick(context.Background(), b)
		h.feed.Advance(b.Symbol, b.Timeframe)
	}
	h.flush(t)

	adjusted := h.rec.ofType(events.TypeTrailingAdjusted)
	require.Len(t, adjusted, 1, "only the new peak moves the stop")
	assert.InDelta(t, 1.14*0.985, adjusted[0].Data["new_stop"], 1e-9)

	closed := h.rec.ofType(events.TypePositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "trailing", closed[0].Data["exit_reason"])
	assert.InDelta(t, (1.11-1.10)*303, closed[0].Data["realized_pnl"], 1e-9)
}

// flakyVenue fails order submission with transient errors before
// eventually delegating to the wrapped venue.
type flakyVenue struct {
	*exchange.Paper
	failures int
	calls    int
}

func (f *flakyVenue) SubmitMarketOrder(ctx context.Context, intent exchange.OrderIntent) (*exchange.Fill, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, exchange.Transient("submit_order", intent.Symbol, assert.AnError)
	}
	return f.Paper.SubmitMarketOrder(ctx, intent)
}

func TestRetryThenSuccessOpensOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRiskConfig(), position.TrailingConfig{}, 1000)
	flaky := &flakyVenue{Paper: h.paper, failures: 2}
	guard := exchange.NewGuard(flaky, exchange.GuardConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		BreakerFailures:   10,
		BreakerCooldown:   time.Second,
		RequestsPerMinute: 100000,
		OrdersPerMinute:   100000,
		PerAttemptTimeout: time.Second,
	}, zerolog.Nop())
	h.loop = NewLoop(guard, h.book, h.risk, h.bus, zerolog.Nop())

	b := smaBinding(t, "XRPUSDT")
	h.feed.LoadCloses(b.Symbol, b.Timeframe, scriptStart, entryScript)
	h.runScript(t, b)
	h.flush(t)

	assert.Equal(t, 3, flaky.calls, "two transient failures then success")
	assert.Len(t, h.rec.ofType(events.TypePositionOpened), 1)
	assert.Len(t, h.rec.ofType(events.TypeOrderSubmitted), 1)
	assert.Empty(t, h.rec.ofType(events.TypeOrderFailed), "internal retries never surface")
}

func TestAggregateRiskGateAcrossBindings(t *testing.T) {
	t.Parallel()

	cfg := defaultRiskConfig()
	cfg.MaxRiskPerTrade = 0.03
	cfg.MaxRiskTotal = 0.05
	h := newHarness(t, cfg, position.TrailingConfig{}, 2000)

	a := smaBinding(t, "AAAUSDT")
	bb := smaBinding(t, "BBBUSDT")
	a.MaxAllocation, bb.MaxAllocation = 1, 1
	h.feed.LoadCloses(a.Symbol, a.Timeframe, scriptStart, entryScript)
	h.feed.LoadCloses(bb.Symbol, bb.Timeframe, scriptStart, entryScript)

	ctx := context.Background()
	for {
		h.loop.Tick(ctx, a)
		h.loop.Tick(ctx, bb)
		moreA := h.feed.Advance(a.Symbol, a.Timeframe)
		moreB := h.feed.Advance(bb.Symbol, bb.Timeframe)
		if !moreA && !moreB {
			break
		}
	}
	h.flush(t)

	opened := h.rec.ofType(events.TypePositionOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, "AAAUSDT", opened[0].Symbol)

	rejected := h.rec.ofType(events.TypeRiskRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "BBBUSDT", rejected[0].Symbol)
	assert.Equal(t, risk.ReasonAggregateRisk, rejected[0].Data["code"])
}

func TestMalformedBarsRejectTick(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRiskConfig(), position.TrailingConfig{}, 1000)
	b := smaBinding(t, "XRPUSDT")

	bars := make([]exchange.Bar, 6)
	for i := range bars {
		bars[i] = exchange.Bar{
			OpenTime: scriptStart.Add(time.Duration(i) * 15 * time.Minute),
			Open:     1, High: 1, Low: 1, Close: 1, Volume: 1,
		}
	}
	bars[3].OpenTime = bars[2].OpenTime // duplicate timestamp
	h.feed.Load(b.Symbol, b.Timeframe, bars)
	h.feed.AdvanceTo(b.Symbol, b.Timeframe, len(bars)-1)

	h.loop.Tick(context.Background(), b)
	h.flush(t)

	require.NotEmpty(t, h.rec.ofType(events.TypeBarRejected))
	assert.Empty(t, h.rec.ofType(events.TypeSignalGenerated))
	assert.Equal(t, 0, h.book.OpenCount())
}

func TestPermanentExitFailureRetriesNextTick(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRiskConfig(), position.TrailingConfig{}, 1000)
	b := smaBinding(t, "XRPUSDT")
	h.openFromScript(t, b)

	// Force the paper venue to reject the exit: drain its holdings
	// record by selling through a second book-keeping path is not
	// possible, so wrap with a venue that fails permanently once.
	failing := &permanentOnce{Paper: h.paper}
	h.loop = NewLoop(failing, h.book, h.risk, h.bus, zerolog.Nop())

	script := append(append([]float64{}, entryScript...), 1.05, 1.055)
	h.feed.LoadCloses(b.Symbol, b.Timeframe, scriptStart, script)
	h.feed.AdvanceTo(b.Symbol, b.Timeframe, len(entryScript))

	h.loop.Tick(context.Background(), b) // stop triggers, submission fails permanently
	h.flush(t)
	require.Len(t, h.rec.ofType(events.TypeOrderFailed), 1)
	pos, ok := h.book.Get("XRPUSDT")
	require.True(t, ok, "position survives the failed exit")
	assert.Equal(t, exchange.ReasonStopLoss, pos.PendingExit)

	require.True(t, h.feed.Advance(b.Symbol, b.Timeframe))
	h.loop.Tick(context.Background(), b) // pending exit retried and filled
	h.flush(t)

	closed := h.rec.ofType(events.TypePositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "stop_loss", closed[0].Data["exit_reason"])
	assert.Equal(t, 0, h.book.OpenCount())
}

// permanentOnce fails the first order submission permanently and then
// behaves normally.
type permanentOnce struct {
	*exchange.Paper
	failed bool
}

func (p *permanentOnce) SubmitMarketOrder(ctx context.Context, intent exchange.OrderIntent) (*exchange.Fill, error) {
	if !p.failed {
		p.failed = true
		return nil, exchange.Permanent("submit_order", intent.Symbol, assert.AnError)
	}
	return p.Paper.SubmitMarketOrder(ctx, intent)
}
