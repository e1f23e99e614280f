package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MarketData is the read-only side of a venue. The paper adapter takes
// its prices from here and never talks to the network itself.
type MarketData interface {
	FetchBars(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Bar, error)
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// PaperConfig tunes fill synthesis for paper trading.
type PaperConfig struct {
	StartingCash float64
	SlippagePct  float64 // applied against the taker: buys fill higher, sells lower
	FeePct       float64 // fee on notional
}

// Paper synthesises fills at the latest price plus slippage and fee and
// keeps a simulated cash ledger. Fills are idempotent per client order
// id so a retried intent can never fill twice.
type Paper struct {
	data MarketData
	cfg  PaperConfig

	mu       sync.Mutex
	cash     float64
	holdings map[string]float64
	fills    map[string]*Fill
	seq      int64
}

// NewPaper creates a paper venue over the given market data source.
func NewPaper(data MarketData, cfg PaperConfig) *Paper {
	if cfg.StartingCash <= 0 {
		cfg.StartingCash = 10000
	}
	return &Paper{
		data:     data,
		cfg:      cfg,
		cash:     cfg.StartingCash,
		holdings: make(map[string]float64),
		fills:    make(map[string]*Fill),
	}
}

var _ Exchange = (*Paper)(nil)
var _ RemotePositionProvider = (*Paper)(nil)

func (p *Paper) Name() string { return "paper" }

func (p *Paper) Close() error { return nil }

func (p *Paper) FetchBars(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Bar, error) {
	return p.data.FetchBars(ctx, symbol, tf, limit)
}

func (p *Paper) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return p.data.CurrentPrice(ctx, symbol)
}

func (p *Paper) SubmitMarketOrder(ctx context.Context, intent OrderIntent) (*Fill, error) {
	if err := intent.Validate(); err != nil {
		return nil, Permanent("submit_order", intent.Symbol, err)
	}

	p.mu.Lock()
	if intent.ClientOrderID != "" {
		if prev, ok := p.fills[intent.ClientOrderID]; ok {
			p.mu.Unlock()
			return prev, nil
		}
	}
	p.mu.Unlock()

	price, err := p.data.CurrentPrice(ctx, intent.Symbol)
	if err != nil {
		return nil, err
	}
	if intent.Side == SideBuy {
		price *= 1 + p.cfg.SlippagePct
	} else {
		price *= 1 - p.cfg.SlippagePct
	}
	notional := price * intent.Quantity
	fee := notional * p.cfg.FeePct

	p.mu.Lock()
	defer p.mu.Unlock()

	if intent.Side == SideBuy {
		if notional+fee > p.cash {
			return nil, Permanent("submit_order", intent.Symbol,
				fmt.Errorf("insufficient funds: need %.2f, have %.2f", notional+fee, p.cash))
		}
		p.cash -= notional + fee
		p.holdings[intent.Symbol] += intent.Quantity
	} else {
		if p.holdings[intent.Symbol] < intent.Quantity {
			return nil, Permanent("submit_order", intent.Symbol,
				fmt.Errorf("insufficient holdings: need %v, have %v", intent.Quantity, p.holdings[intent.Symbol]))
		}
		p.cash += notional - fee
		p.holdings[intent.Symbol] -= intent.Quantity
	}

	p.seq++
	fill := &Fill{
		OrderID:       fmt.Sprintf("paper-%d", p.seq),
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Quantity:      intent.Quantity,
		AvgPrice:      price,
		Fee:           fee,
		Time:          time.Now(),
	}
	if intent.ClientOrderID != "" {
		p.fills[intent.ClientOrderID] = fill
	}
	return fill, nil
}

// RemotePosition reports the simulated holding for reconciliation.
func (p *Paper) RemotePosition(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holdings[symbol], nil
}

// Cash returns the current simulated cash balance.
func (p *Paper) Cash() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}
