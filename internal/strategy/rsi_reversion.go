package strategy

import (
	"errors"
	"fmt"

	"crypto-trading-bot/internal/exchange"
	"crypto-trading-bot/internal/indicator"
)

var rsiReversionSpecs = []ParamSpec{
	{Name: "period", Type: ParamInt, Min: 2, Max: 100, Default: 14},
	{Name: "oversold", Type: ParamFloat, Min: 1, Max: 50, Default: 30},
	{Name: "overbought", Type: ParamFloat, Min: 50, Max: 99, Default: 70},
}

// rsiReversion buys oversold and sells overbought with a hysteresis
// gate: after signalling it stays quiet until RSI has crossed back
// through the midline, so a market camped below the oversold threshold
// produces one BUY, not one per bar.
type rsiReversion struct {
	period     int
	oversold   float64
	overbought float64

	buyArmed  bool
	sellArmed bool
}

// NewRSIReversion builds the mean-reversion strategy.
func NewRSIReversion(params Params) (Strategy, error) {
	return &rsiReversion{
		period:     params.Int("period"),
		oversold:   params.Float("oversold"),
		overbought: params.Float("overbought"),
		buyArmed:   true,
		sellArmed:  true,
	}, nil
}

func (s *rsiReversion) Name() string { return "rsi_reversion" }

func (s *rsiReversion) Warmup() int { return s.period + 1 }

func (s *rsiReversion) OnBar(bars []exchange.Bar) (Signal, error) {
	if len(bars) == 0 {
		return Signal{Action: ActionHold}, nil
	}
	barTime := bars[len(bars)-1].OpenTime

	rsi, err := indicator.RSI(indicator.Closes(bars), s.period)
	if err != nil {
		if errors.Is(err, indicator.ErrInsufficientData) {
			return Hold(barTime), nil
		}
		return Hold(barTime), err
	}

	// Re-arm once RSI returns through the midline.
	if rsi >= 50 {
		s.buyArmed = true
	}
	if rsi <= 50 {
		s.sellArmed = true
	}

	switch {
	case rsi < s.oversold && s.buyArmed:
		s.buyArmed = false
		return Signal{
			Action:   ActionBuy,
			Strength: clamp01((s.oversold - rsi) / s.oversold),
			BarTime:  barTime,
			Reason:   fmt.Sprintf("RSI %.2f below oversold %.2f", rsi, s.oversold),
		}, nil
	case rsi > s.overbought && s.sellArmed:
		s.sellArmed = false
		return Signal{
			Action:   ActionSell,
			Strength: clamp01((rsi - s.overbought) / (100 - s.overbought)),
			BarTime:  barTime,
			Reason:   fmt.Sprintf("RSI %.2f above overbought %.2f", rsi, s.overbought),
		}, nil
	default:
		return Hold(barTime), nil
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
