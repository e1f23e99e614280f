package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardConfig controls the retry, circuit breaker and rate limit policy
// applied uniformly to every venue call.
type GuardConfig struct {
	MaxAttempts       int           // attempts per call, transient failures only
	BaseDelay         time.Duration // initial backoff delay
	BreakerFailures   uint32        // consecutive transient failures before the circuit opens
	BreakerCooldown   time.Duration // how long the circuit stays open
	RequestsPerMinute int           // market data token bucket
	OrdersPerMinute   int           // order submission token bucket
	PerAttemptTimeout time.Duration // deadline for a single venue call
}

// DefaultGuardConfig returns the policy defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		BreakerFailures:   5,
		BreakerCooldown:   30 * time.Second,
		RequestsPerMinute: 1200,
		OrdersPerMinute:   60,
		PerAttemptTimeout: 10 * time.Second,
	}
}

// Guard wraps a venue with retry-with-backoff on transient errors, a
// per-venue circuit breaker and token-bucket rate limiting. Order
// submission draws from its own bucket so market data bursts cannot
// starve exits.
type Guard struct {
	venue       Exchange
	cfg         GuardConfig
	breaker     *gobreaker.CircuitBreaker
	dataBucket  *rate.Limiter
	orderBucket *rate.Limiter
	log         zerolog.Logger
}

// NewGuard wraps venue with the contract policy.
func NewGuard(venue Exchange, cfg GuardConfig, log zerolog.Logger) *Guard {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.RequestsPerMinute < 1 {
		cfg.RequestsPerMinute = 1200
	}
	if cfg.OrdersPerMinute < 1 {
		cfg.OrdersPerMinute = 60
	}
	if cfg.PerAttemptTimeout <= 0 {
		cfg.PerAttemptTimeout = 10 * time.Second
	}
	g := &Guard{
		venue:       venue,
		cfg:         cfg,
		dataBucket:  rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute/10+1),
		orderBucket: rate.NewLimiter(rate.Limit(float64(cfg.OrdersPerMinute)/60.0), cfg.OrdersPerMinute/10+1),
		log:         log.With().Str("component", "exchange_guard").Str("venue", venue.Name()).Logger(),
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        venue.Name(),
		MaxRequests: 1, // one half-open probe at a time
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Only transient failures count against the circuit; a permanent
		// error means the venue answered.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit state changed")
		},
	})
	return g
}

var _ Exchange = (*Guard)(nil)

func (g *Guard) Name() string { return g.venue.Name() }

func (g *Guard) Close() error { return g.venue.Close() }

// do runs fn under the full policy: take a token, pass the breaker,
// bound the attempt, retry transients with exponential backoff + jitter.
func (g *Guard) do(ctx context.Context, bucket *rate.Limiter, fn func(ctx context.Context) error) error {
	attempt := func() error {
		if err := bucket.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		_, err := g.breaker.Execute(func() (interface{}, error) {
			actx, cancel := context.WithTimeout(ctx, g.cfg.PerAttemptTimeout)
			defer cancel()
			return nil, fn(actx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(ErrCircuitOpen)
		}
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.BaseDelay
	// RandomizationFactor default supplies the jitter.
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(g.cfg.MaxAttempts-1)), ctx)
	return backoff.Retry(attempt, policy)
}

func (g *Guard) FetchBars(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Bar, error) {
	var bars []Bar
	err := g.do(ctx, g.dataBucket, func(ctx context.Context) error {
		var err error
		bars, err = g.venue.FetchBars(ctx, symbol, tf, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bars, nil
}

func (g *Guard) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := g.do(ctx, g.dataBucket, func(ctx context.Context) error {
		var err error
		price, err = g.venue.CurrentPrice(ctx, symbol)
		return err
	})
	if err != nil {
		return 0, err
	}
	return price, nil
}

// SubmitMarketOrder retries transient submission failures. The intent's
// ClientOrderID makes retries idempotent: a venue that already executed
// the intent returns the original fill instead of filling again.
func (g *Guard) SubmitMarketOrder(ctx context.Context, intent OrderIntent) (*Fill, error) {
	if err := intent.Validate(); err != nil {
		return nil, Permanent("submit_order", intent.Symbol, err)
	}
	var fill *Fill
	err := g.do(ctx, g.orderBucket, func(ctx context.Context) error {
		var err error
		fill, err = g.venue.SubmitMarketOrder(ctx, intent)
		return err
	})
	if err != nil {
		return nil, err
	}
	return fill, nil
}

// RemotePosition passes through when the underlying venue supports
// reconciliation.
func (g *Guard) RemotePosition(ctx context.Context, symbol string) (float64, error) {
	rp, ok := g.venue.(RemotePositionProvider)
	if !ok {
		return 0, Permanent("remote_position", symbol, errors.New("venue does not report positions"))
	}
	var qty float64
	err := g.do(ctx, g.dataBucket, func(ctx context.Context) error {
		var err error
		qty, err = rp.RemotePosition(ctx, symbol)
		return err
	})
	return qty, err
}
