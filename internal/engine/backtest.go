package engine

import (
	"context"
	"fmt"

	"crypto-trading-bot/internal/exchange"
	"crypto-trading-bot/internal/position"
)

// Feed returns the scripted feed backing a backtest engine, nil in
// other modes. Callers load history here before RunBacktest.
func (e *Engine) Feed() *exchange.ScriptedFeed { return e.feed }

// RunBacktest replays every loaded bar script to exhaustion: each
// binding ticks once per bar, serially, in binding order. The scheduler
// is not involved, so the run is fully deterministic.
func (e *Engine) RunBacktest(ctx context.Context) (position.Snapshot, error) {
	if e.feed == nil {
		return position.Snapshot{}, fmt.Errorf("engine: backtest run requires backtest mode")
	}

	e.bus.PublishEngineStarted(len(e.bindings))
	active := make(map[string]bool, len(e.bindings))
	for _, b := range e.bindings {
		active[b.Symbol] = true
	}

	for remaining := len(active); remaining > 0; {
		for _, b := range e.bindings {
			if !active[b.Symbol] {
				continue
			}
			select {
			case <-ctx.Done():
				return e.book.Snapshot(), ctx.Err()
			default:
			}
			e.loop.Tick(ctx, b)
			if !e.feed.Advance(b.Symbol, b.Timeframe) {
				active[b.Symbol] = false
				remaining--
			}
		}
	}

	if err := e.bus.Flush(ctx); err != nil {
		return e.book.Snapshot(), err
	}
	e.bus.PublishEngineStopped("backtest complete")
	return e.book.Snapshot(), nil
}
