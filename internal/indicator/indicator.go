// Package indicator holds the pure bar-window calculations the
// strategies build on. Every function is deterministic in its inputs
// and returns ErrInsufficientData when the window is shorter than the
// warm-up period, which callers treat as HOLD.
package indicator

import (
	"errors"
	"math"

	"crypto-trading-bot/internal/exchange"
)

// ErrInsufficientData is the sentinel for a window shorter than the
// indicator's warm-up period.
var ErrInsufficientData = errors.New("indicator: insufficient data")

// Closes extracts the close series from a bar window.
func Closes(bars []exchange.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// SMA returns the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, error) {
	if period <= 0 || len(values) < period {
		return 0, ErrInsufficientData
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}

// SMASeries returns the SMA at every index from period-1 onward.
func SMASeries(values []float64, period int) ([]float64, error) {
	if period <= 0 || len(values) < period {
		return nil, ErrInsufficientData
	}
	out := make([]float64, 0, len(values)-period+1)
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out = append(out, sum/float64(period))
		}
	}
	return out, nil
}

// EMASeries seeds with the SMA of the first period values and then
// applies the standard 2/(period+1) multiplier. Result is aligned so
// out[0] corresponds to values[period-1].
func EMASeries(values []float64, period int) ([]float64, error) {
	if period <= 0 || len(values) < period {
		return nil, ErrInsufficientData
	}
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)

	mult := 2.0 / float64(period+1)
	out := make([]float64, 0, len(values)-period+1)
	out = append(out, seed)
	ema := seed
	for _, v := range values[period:] {
		ema = v*mult + ema*(1-mult)
		out = append(out, ema)
	}
	return out, nil
}

// EMA returns the exponential moving average of the full window.
func EMA(values []float64, period int) (float64, error) {
	series, err := EMASeries(values, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// RSI is the Wilder-smoothed relative strength index. Needs period+1
// values for the first reading.
func RSI(values []float64, period int) (float64, error) {
	if period <= 0 || len(values) < period+1 {
		return 0, ErrInsufficientData
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	// Wilder's smoothing over the remainder of the window.
	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// MACDResult holds the MACD line, its signal EMA and the histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes fast/slow EMAs of the closes, the signal EMA of the
// MACD line and the histogram. Warm-up is slow+signal-1 values.
func MACD(values []float64, fast, slow, signal int) (MACDResult, error) {
	if fast <= 0 || slow <= fast || signal <= 0 {
		return MACDResult{}, ErrInsufficientData
	}
	if len(values) < slow+signal-1 {
		return MACDResult{}, ErrInsufficientData
	}

	fastSeries, err := EMASeries(values, fast)
	if err != nil {
		return MACDResult{}, err
	}
	slowSeries, err := EMASeries(values, slow)
	if err != nil {
		return MACDResult{}, err
	}

	// Align the fast series to the slow one.
	offset := len(fastSeries) - len(slowSeries)
	macdLine := make([]float64, len(slowSeries))
	for i := range slowSeries {
		macdLine[i] = fastSeries[i+offset] - slowSeries[i]
	}

	signalSeries, err := EMASeries(macdLine, signal)
	if err != nil {
		return MACDResult{}, err
	}

	m := macdLine[len(macdLine)-1]
	s := signalSeries[len(signalSeries)-1]
	return MACDResult{MACD: m, Signal: s, Histogram: m - s}, nil
}

// Bands holds Bollinger band levels.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes mid=SMA and upper/lower = mid ± k·σ over the last
// period values.
func Bollinger(values []float64, period int, k float64) (Bands, error) {
	mid, err := SMA(values, period)
	if err != nil {
		return Bands{}, err
	}
	variance := 0.0
	for _, v := range values[len(values)-period:] {
		d := v - mid
		variance += d * d
	}
	sigma := math.Sqrt(variance / float64(period))
	return Bands{Upper: mid + k*sigma, Middle: mid, Lower: mid - k*sigma}, nil
}

// ATR is the average true range over the last period bars (simple
// average of true ranges, needs period+1 bars for the first previous
// close).
func ATR(bars []exchange.Bar, period int) (float64, error) {
	if period <= 0 || len(bars) < period+1 {
		return 0, ErrInsufficientData
	}
	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		hi, lo, prevClose := bars[i].High, bars[i].Low, bars[i-1].Close
		tr := math.Max(hi-lo, math.Max(math.Abs(hi-prevClose), math.Abs(lo-prevClose)))
		sum += tr
	}
	return sum / float64(period), nil
}

// Cross is the three-valued crossover result.
type Cross int

const (
	CrossNone Cross = iota
	CrossUp
	CrossDown
)

func (c Cross) String() string {
	switch c {
	case CrossUp:
		return "cross_up"
	case CrossDown:
		return "cross_down"
	default:
		return "none"
	}
}

// Crossover compares the last two values of two series: CrossUp when a
// moves from at-or-below b to above it, CrossDown for the mirror case.
func Crossover(prevA, curA, prevB, curB float64) Cross {
	switch {
	case prevA <= prevB && curA > curB:
		return CrossUp
	case prevA >= prevB && curA < curB:
		return CrossDown
	default:
		return CrossNone
	}
}
