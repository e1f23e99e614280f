package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Timeframe is a supported candle interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the wall-clock length of one bar.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if tf.Duration() == 0 {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Bar is one closed OHLCV candle.
type Bar struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Validate checks the OHLCV invariants for a single bar.
func (b Bar) Validate() error {
	vals := []float64{b.Open, b.High, b.Low, b.Close, b.Volume}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bar at %s: non-finite value", b.OpenTime.Format(time.RFC3339))
		}
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar at %s: negative volume", b.OpenTime.Format(time.RFC3339))
	}
	lo := math.Min(b.Open, b.Close)
	hi := math.Max(b.Open, b.Close)
	if b.Low > lo || b.High < hi {
		return fmt.Errorf("bar at %s: high/low do not bracket open/close", b.OpenTime.Format(time.RFC3339))
	}
	return nil
}

// ValidateBars checks a fetched window: per-bar invariants, strictly
// increasing timestamps, no duplicates.
func ValidateBars(bars []Bar) error {
	for i, b := range bars {
		if err := b.Validate(); err != nil {
			return err
		}
		if i > 0 && !bars[i-1].OpenTime.Before(b.OpenTime) {
			return fmt.Errorf("bar at %s: timestamps not strictly increasing", b.OpenTime.Format(time.RFC3339))
		}
	}
	return nil
}

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderReason states why an order intent was produced.
type OrderReason string

const (
	ReasonEntry      OrderReason = "entry"
	ReasonStopLoss   OrderReason = "stop_loss"
	ReasonTakeProfit OrderReason = "take_profit"
	ReasonTrailing   OrderReason = "trailing"
	ReasonManual     OrderReason = "manual"
)

// OrderIntent is a market order request produced by the trading loop.
// ClientOrderID is the idempotency key: a venue must never fill the
// same intent twice.
type OrderIntent struct {
	ClientOrderID  string
	Symbol         string
	Side           Side
	Quantity       float64
	Reason         OrderReason
	ReferencePrice float64
}

// Validate checks intent invariants before submission.
func (in OrderIntent) Validate() error {
	if in.Symbol == "" {
		return errors.New("order intent: empty symbol")
	}
	if in.Side != SideBuy && in.Side != SideSell {
		return fmt.Errorf("order intent: bad side %q", in.Side)
	}
	if in.Quantity <= 0 || math.IsNaN(in.Quantity) {
		return fmt.Errorf("order intent: quantity must be positive, got %v", in.Quantity)
	}
	return nil
}

// Fill is a venue-confirmed execution.
type Fill struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Quantity      float64
	AvgPrice      float64
	Fee           float64
	Time          time.Time
}

// Exchange is the venue port used by the trading engine. Implementations
// must classify every failure as transient or permanent (see errors.go)
// and honor context cancellation at each network suspension point.
type Exchange interface {
	// Name identifies the venue, used in logs and circuit state.
	Name() string

	// FetchBars returns up to limit closed bars for symbol/timeframe,
	// oldest first, ending at the most recent closed bar.
	FetchBars(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Bar, error)

	// SubmitMarketOrder executes a market order and returns the fill.
	SubmitMarketOrder(ctx context.Context, intent OrderIntent) (*Fill, error)

	// CurrentPrice returns the best-effort last traded price.
	CurrentPrice(ctx context.Context, symbol string) (float64, error)

	// Close releases venue resources.
	Close() error
}

// RemotePositionProvider is implemented by venues that can report the
// position actually held remotely, used for reconciliation.
type RemotePositionProvider interface {
	RemotePosition(ctx context.Context, symbol string) (float64, error)
}
