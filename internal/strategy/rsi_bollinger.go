package strategy

import (
	"errors"
	"fmt"
	"math"

	"crypto-trading-bot/internal/exchange"
	"crypto-trading-bot/internal/indicator"
)

var rsiBollingerSpecs = []ParamSpec{
	{Name: "rsi_period", Type: ParamInt, Min: 2, Max: 100, Default: 14},
	{Name: "oversold", Type: ParamFloat, Min: 1, Max: 50, Default: 30},
	{Name: "overbought", Type: ParamFloat, Min: 50, Max: 99, Default: 70},
	{Name: "bb_period", Type: ParamInt, Min: 5, Max: 200, Default: 20},
	{Name: "bb_k", Type: ParamFloat, Min: 0.5, Max: 5, Default: 2},
}

// rsiBollinger is a confluence strategy: it only acts when a Bollinger
// band breach and an RSI extreme agree on the same bar. Either signal
// alone is ignored.
type rsiBollinger struct {
	rsiPeriod  int
	oversold   float64
	overbought float64
	bbPeriod   int
	bbK        float64
}

// NewRSIBollinger builds the band-plus-RSI confluence strategy.
func NewRSIBollinger(params Params) (Strategy, error) {
	return &rsiBollinger{
		rsiPeriod:  params.Int("rsi_period"),
		oversold:   params.Float("oversold"),
		overbought: params.Float("overbought"),
		bbPeriod:   params.Int("bb_period"),
		bbK:        params.Float("bb_k"),
	}, nil
}

func (s *rsiBollinger) Name() string { return "rsi_bollinger" }

func (s *rsiBollinger) Warmup() int {
	if s.bbPeriod > s.rsiPeriod+1 {
		return s.bbPeriod
	}
	return s.rsiPeriod + 1
}

func (s *rsiBollinger) OnBar(bars []exchange.Bar) (Signal, error) {
	if len(bars) == 0 {
		return Signal{Action: ActionHold}, nil
	}
	last := bars[len(bars)-1]
	closes := indicator.Closes(bars)

	rsi, err := indicator.RSI(closes, s.rsiPeriod)
	if err != nil {
		return Hold(last.OpenTime), dropInsufficient(err)
	}
	bands, err := indicator.Bollinger(closes, s.bbPeriod, s.bbK)
	if err != nil {
		return Hold(last.OpenTime), dropInsufficient(err)
	}

	width := bands.Upper - bands.Lower
	switch {
	case last.Close < bands.Lower && rsi < s.oversold:
		return Signal{
			Action:   ActionBuy,
			Strength: bandStrength(bands.Lower-last.Close, width),
			BarTime:  last.OpenTime,
			Reason:   fmt.Sprintf("close %.4f below lower band %.4f with RSI %.2f", last.Close, bands.Lower, rsi),
		}, nil
	case last.Close > bands.Upper && rsi > s.overbought:
		return Signal{
			Action:   ActionSell,
			Strength: bandStrength(last.Close-bands.Upper, width),
			BarTime:  last.OpenTime,
			Reason:   fmt.Sprintf("close %.4f above upper band %.4f with RSI %.2f", last.Close, bands.Upper, rsi),
		}, nil
	default:
		return Hold(last.OpenTime), nil
	}
}

// bandStrength scales the breach distance by the band width.
func bandStrength(breach, width float64) float64 {
	if width <= 0 {
		return 1
	}
	return math.Min(1, breach/width)
}

func dropInsufficient(err error) error {
	if errors.Is(err, indicator.ErrInsufficientData) {
		return nil
	}
	return err
}
