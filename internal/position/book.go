// Package position owns every open position and the derived account
// state. The book has a single logical writer, the trading-loop worker
// holding the binding's slot; everyone else reads immutable snapshots.
package position

import (
	"fmt"
	"sync"
	"time"

	"crypto-trading-bot/internal/events"
	"crypto-trading-bot/internal/exchange"
)

// TrailingState tracks where a position's trailing stop is in its
// lifecycle.
type TrailingState string

const (
	TrailingInactive TrailingState = "inactive"
	TrailingArmed    TrailingState = "armed"
	TrailingTracking TrailingState = "tracking"
)

// TrailingConfig is the trailing-stop tuning shared by all positions.
type TrailingConfig struct {
	Enabled       bool
	ActivationPct float64 // unrealized gain that arms the trail
	DistancePct   float64 // stop = peak · (1 − distance)
}

// Position is the central mutable entity. Long-only.
type Position struct {
	Symbol      string
	OpenedAt    time.Time
	Side        exchange.Side
	EntryPrice  float64
	Size        float64
	StopLoss    float64
	TakeProfit  float64
	Trailing    TrailingState
	PeakPrice   float64
	EntryFillID string

	// PendingExit records an exit decision whose order submission
	// failed permanently; the next tick retries it before anything
	// else.
	PendingExit exchange.OrderReason
}

// ExitIntent is the book's verdict that a position must be closed now.
type ExitIntent struct {
	Symbol         string
	Reason         exchange.OrderReason
	Quantity       float64
	ReferencePrice float64
}

// AccountState is derived bookkeeping, refreshed after each fill.
type AccountState struct {
	CashBalance      float64
	Equity           float64
	RealizedPnL      float64
	UnrealizedPnL    float64
	DailyRealizedPnL float64 // resets at the UTC day boundary
}

// Snapshot is an immutable copy handed to readers.
type Snapshot struct {
	Positions []Position
	Account   AccountState
}

// Book keys open positions by symbol.
type Book struct {
	mu       sync.RWMutex
	bus      *events.Bus
	trailing TrailingConfig

	positions  map[string]*Position
	lastPrices map[string]float64

	cash          float64
	realized      float64
	dailyRealized float64
	dailyAnchor   time.Time // UTC midnight of the current day

	now func() time.Time
}

// NewBook builds a book seeded with the starting cash balance.
func NewBook(initialCash float64, trailing TrailingConfig, bus *events.Bus) *Book {
	now := time.Now
	return &Book{
		bus:         bus,
		trailing:    trailing,
		positions:   make(map[string]*Position),
		lastPrices:  make(map[string]float64),
		cash:        initialCash,
		dailyAnchor: now().UTC().Truncate(24 * time.Hour),
		now:         now,
	}
}

// Open registers a freshly filled position. Invariants are enforced
// here so a bad entry never enters the book.
func (b *Book) Open(p Position) error {
	if p.Size <= 0 {
		return fmt.Errorf("position %s: size %v must be positive", p.Symbol, p.Size)
	}
	if !(p.StopLoss < p.EntryPrice && p.EntryPrice < p.TakeProfit) {
		return fmt.Errorf("position %s: want stop %.6f < entry %.6f < target %.6f",
			p.Symbol, p.StopLoss, p.EntryPrice, p.TakeProfit)
	}
	if p.Trailing == "" {
		p.Trailing = TrailingInactive
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.positions[p.Symbol]; exists {
		return fmt.Errorf("position %s: already open", p.Symbol)
	}
	cp := p
	b.positions[p.Symbol] = &cp
	b.lastPrices[p.Symbol] = p.EntryPrice
	return nil
}

// ApplyFill moves cash for a confirmed fill. Called for entries and
// exits alike, before Open or Close.
func (b *Book) ApplyFill(fill exchange.Fill) {
	b.mu.Lock()
	defer b.mu.Unlock()
	notional := fill.Quantity * fill.AvgPrice
	switch fill.Side {
	case exchange.SideBuy:
		b.cash -= notional + fill.Fee
	case exchange.SideSell:
		b.cash += notional - fill.Fee
	}
}

// UpdateTrailing advances the trailing state machine with the latest
// price. The stop only ever ratchets upward; each move publishes a
// TrailingAdjusted event.
func (b *Book) UpdateTrailing(symbol string, lastPrice float64, corrID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastPrices[symbol] = lastPrice
	p, ok := b.positions[symbol]
	if !ok || !b.trailing.Enabled {
		return
	}

	switch p.Trailing {
	case TrailingInactive:
		if lastPrice >= p.EntryPrice*(1+b.trailing.ActivationPct) {
			p.Trailing = TrailingArmed
			p.PeakPrice = lastPrice
		}
	case TrailingArmed, TrailingTracking:
		p.Trailing = TrailingTracking
		if lastPrice > p.PeakPrice {
			p.PeakPrice = lastPrice
		}
		newStop := p.PeakPrice * (1 - b.trailing.DistancePct)
		if newStop > p.StopLoss {
			old := p.StopLoss
			p.StopLoss = newStop
			if b.bus != nil {
				b.bus.PublishTrailingAdjusted(symbol, corrID, old, newStop, p.PeakPrice)
			}
		}
	}
}

// EvaluateExits returns at most one exit intent for the symbol:
// a pending retry first, then stop-loss before take-profit.
func (b *Book) EvaluateExits(symbol string, lastPrice float64) *ExitIntent {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[symbol]
	if !ok {
		return nil
	}

	if p.PendingExit != "" {
		return &ExitIntent{
			Symbol: symbol, Reason: p.PendingExit,
			Quantity: p.Size, ReferencePrice: lastPrice,
		}
	}

	switch {
	case lastPrice <= p.StopLoss:
		reason := exchange.ReasonStopLoss
		if p.Trailing == TrailingTracking {
			reason = exchange.ReasonTrailing
		}
		return &ExitIntent{
			Symbol: symbol, Reason: reason,
			Quantity: p.Size, ReferencePrice: p.StopLoss,
		}
	case lastPrice >= p.TakeProfit:
		return &ExitIntent{
			Symbol: symbol, Reason: exchange.ReasonTakeProfit,
			Quantity: p.Size, ReferencePrice: p.TakeProfit,
		}
	default:
		return nil
	}
}

// MarkPendingExit persists an exit decision whose order could not be
// submitted, so the next tick retries before re-evaluating.
func (b *Book) MarkPendingExit(symbol string, reason exchange.OrderReason) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.positions[symbol]; ok {
		p.PendingExit = reason
	}
}

// Close removes the position on its exit fill and returns the realized
// PnL (price difference only; fees already moved through ApplyFill).
func (b *Book) Close(symbol string, fill exchange.Fill) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[symbol]
	if !ok {
		return 0, fmt.Errorf("position %s: not open", symbol)
	}
	realized := (fill.AvgPrice - p.EntryPrice) * p.Size
	delete(b.positions, symbol)

	b.rollDailyLocked()
	b.realized += realized
	b.dailyRealized += realized
	return realized, nil
}

// Get returns a copy of the open position for symbol.
func (b *Book) Get(symbol string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// OpenCount returns the number of open positions.
func (b *Book) OpenCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// OpenRisk sums size·(entry − stop) across open positions, the figure
// the risk engine's aggregate check consumes. A stop ratcheted above
// entry contributes zero.
func (b *Book) OpenRisk() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0.0
	for _, p := range b.positions {
		if risk := p.Size * (p.EntryPrice - p.StopLoss); risk > 0 {
			total += risk
		}
	}
	return total
}

// Account returns the derived account state.
func (b *Book) Account() AccountState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.accountLocked()
}

// Snapshot copies every open position plus the account state.
func (b *Book) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := Snapshot{
		Positions: make([]Position, 0, len(b.positions)),
		Account:   b.accountLocked(),
	}
	for _, p := range b.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	return snap
}

func (b *Book) accountLocked() AccountState {
	unrealized, holdings := 0.0, 0.0
	for sym, p := range b.positions {
		last, ok := b.lastPrices[sym]
		if !ok {
			last = p.EntryPrice
		}
		unrealized += (last - p.EntryPrice) * p.Size
		holdings += last * p.Size
	}
	daily := b.dailyRealized
	if b.now().UTC().Truncate(24*time.Hour).After(b.dailyAnchor) {
		daily = 0
	}
	return AccountState{
		CashBalance:      b.cash,
		Equity:           b.cash + holdings,
		RealizedPnL:      b.realized,
		UnrealizedPnL:    unrealized,
		DailyRealizedPnL: daily,
	}
}

// rollDailyLocked zeroes the daily counter when the UTC day changed.
func (b *Book) rollDailyLocked() {
	day := b.now().UTC().Truncate(24 * time.Hour)
	if day.After(b.dailyAnchor) {
		b.dailyAnchor = day
		b.dailyRealized = 0
	}
}
