package strategy

import (
	"errors"
	"fmt"
	"math"

	"crypto-trading-bot/internal/exchange"
	"crypto-trading-bot/internal/indicator"
)

var smaCrossoverSpecs = []ParamSpec{
	{Name: "short", Type: ParamInt, Min: 2, Max: 200, Default: 10},
	{Name: "long", Type: ParamInt, Min: 3, Max: 400, Default: 30},
}

// smaCrossover signals BUY when the short SMA crosses above the long
// SMA and SELL on the downward cross. On its very first evaluation it
// has no previous reading, so it adopts the prevailing trend: short
// above long counts as an upward cross.
type smaCrossover struct {
	short int
	long  int

	havePrev  bool
	prevShort float64
	prevLong  float64
}

// NewSMACrossover builds the crossover strategy from validated params.
func NewSMACrossover(params Params) (Strategy, error) {
	short, long := params.Int("short"), params.Int("long")
	if short >= long {
		return nil, fmt.Errorf("sma_crossover: short window %d must be below long window %d", short, long)
	}
	return &smaCrossover{short: short, long: long}, nil
}

func (s *smaCrossover) Name() string { return "sma_crossover" }

func (s *smaCrossover) Warmup() int { return s.long }

func (s *smaCrossover) OnBar(bars []exchange.Bar) (Signal, error) {
	if len(bars) == 0 {
		return Signal{Action: ActionHold}, nil
	}
	barTime := bars[len(bars)-1].OpenTime
	closes := indicator.Closes(bars)

	shortSMA, err := indicator.SMA(closes, s.short)
	if err != nil {
		return Hold(barTime), s.holdErr(err)
	}
	longSMA, err := indicator.SMA(closes, s.long)
	if err != nil {
		return Hold(barTime), s.holdErr(err)
	}

	defer func() {
		s.havePrev = true
		s.prevShort, s.prevLong = shortSMA, longSMA
	}()

	if !s.havePrev {
		if shortSMA > longSMA {
			return Signal{
				Action:   ActionBuy,
				Strength: s.strength(shortSMA, longSMA),
				BarTime:  barTime,
				Reason:   fmt.Sprintf("short SMA %.4f above long SMA %.4f on first bar", shortSMA, longSMA),
			}, nil
		}
		return Hold(barTime), nil
	}

	switch indicator.Crossover(s.prevShort, shortSMA, s.prevLong, longSMA) {
	case indicator.CrossUp:
		return Signal{
			Action:   ActionBuy,
			Strength: s.strength(shortSMA, longSMA),
			BarTime:  barTime,
			Reason:   fmt.Sprintf("short SMA %.4f crossed above long SMA %.4f", shortSMA, longSMA),
		}, nil
	case indicator.CrossDown:
		return Signal{
			Action:   ActionSell,
			Strength: s.strength(shortSMA, longSMA),
			BarTime:  barTime,
			Reason:   fmt.Sprintf("short SMA %.4f crossed below long SMA %.4f", shortSMA, longSMA),
		}, nil
	default:
		return Hold(barTime), nil
	}
}

// strength scales the SMA separation into [0,1].
func (s *smaCrossover) strength(shortSMA, longSMA float64) float64 {
	if longSMA == 0 {
		return 0
	}
	return math.Min(1, math.Abs(shortSMA-longSMA)/longSMA*100)
}

// holdErr maps the insufficient-data sentinel to a silent HOLD; any
// other indicator failure surfaces.
func (s *smaCrossover) holdErr(err error) error {
	if errors.Is(err, indicator.ErrInsufficientData) {
		return nil
	}
	return err
}
