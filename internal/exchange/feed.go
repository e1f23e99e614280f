package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScriptedFeed replays a fixed bar script, one bar per Advance call.
// Backtests and tests use it as the paper venue's market data source;
// the same bar stream always produces the same fills.
type ScriptedFeed struct {
	mu      sync.Mutex
	bars    map[string][]Bar
	cursors map[string]int
}

// NewScriptedFeed creates an empty feed.
func NewScriptedFeed() *ScriptedFeed {
	return &ScriptedFeed{
		bars:    make(map[string][]Bar),
		cursors: make(map[string]int),
	}
}

var _ MarketData = (*ScriptedFeed)(nil)

func feedKey(symbol string, tf Timeframe) string { return symbol + "@" + string(tf) }

// Load installs the full bar script for a symbol/timeframe and resets
// its cursor to the first bar.
func (f *ScriptedFeed) Load(symbol string, tf Timeframe, bars []Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := feedKey(symbol, tf)
	f.bars[k] = bars
	f.cursors[k] = 1
}

// LoadCloses builds equal-spaced bars from close prices, a convenience
// for scenario scripts.
func (f *ScriptedFeed) LoadCloses(symbol string, tf Timeframe, start time.Time, closes []float64) {
	bars := make([]Bar, len(closes))
	prev := closes[0]
	for i, c := range closes {
		hi := prev
		lo := prev
		if c > hi {
			hi = c
		}
		if c < lo {
			lo = c
		}
		bars[i] = Bar{
			OpenTime: start.Add(time.Duration(i) * tf.Duration()),
			Open:     prev,
			High:     hi,
			Low:      lo,
			Close:    c,
			Volume:   1000,
		}
		prev = c
	}
	f.Load(symbol, tf, bars)
}

// Advance exposes one more bar of the script. Returns false once the
// script is exhausted.
func (f *ScriptedFeed) Advance(symbol string, tf Timeframe) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := feedKey(symbol, tf)
	if f.cursors[k] >= len(f.bars[k]) {
		return false
	}
	f.cursors[k]++
	return true
}

// AdvanceTo exposes the script up to and including bar index i.
func (f *ScriptedFeed) AdvanceTo(symbol string, tf Timeframe, i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := feedKey(symbol, tf)
	if i+1 > len(f.bars[k]) {
		i = len(f.bars[k]) - 1
	}
	f.cursors[k] = i + 1
}

func (f *ScriptedFeed) FetchBars(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := feedKey(symbol, tf)
	bars, ok := f.bars[k]
	if !ok {
		return nil, Permanent("fetch_bars", symbol, fmt.Errorf("no script for %s", k))
	}
	end := f.cursors[k]
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]Bar, end-start)
	copy(out, bars[start:end])
	return out, nil
}

// CurrentPrice is the close of the most recently exposed bar.
func (f *ScriptedFeed) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, bars := range f.bars {
		if len(k) >= len(symbol) && k[:len(symbol)] == symbol {
			cur := f.cursors[k]
			if cur == 0 || len(bars) == 0 {
				break
			}
			return bars[cur-1].Close, nil
		}
	}
	return 0, Permanent("current_price", symbol, fmt.Errorf("no script for %s", symbol))
}
