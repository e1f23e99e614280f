// Package statestore mirrors the position book into Redis so a
// restarted process can see what the previous one held. Writes are
// best-effort: Redis being down degrades persistence, not trading.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"crypto-trading-bot/config"
	"crypto-trading-bot/internal/events"
	"crypto-trading-bot/internal/position"
)

const (
	positionKeyPrefix = "bot:position:"
	accountKey        = "bot:account"

	// Positions close within hours, the TTL just keeps abandoned keys
	// from accumulating.
	stateTTL = 7 * 24 * time.Hour

	opTimeout = 3 * time.Second
)

// Store writes position snapshots keyed by symbol.
type Store struct {
	client *redis.Client
	log    zerolog.Logger

	bus   *events.Bus
	book  *position.Book
	subID uint64
}

// New connects to Redis. A failed ping is an error: the operator asked
// for persistence, silently running without it hides a misconfiguration.
func New(ctx context.Context, cfg config.StateStoreConfig, log zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("statestore: ping %s: %w", cfg.Address, err)
	}
	log.Info().Str("address", cfg.Address).Msg("state store connected")
	return &Store{client: client, log: log}, nil
}

// Attach mirrors the book into Redis on every position lifecycle
// event, queued per the configured bus defaults. The full per-symbol
// record is rewritten each time; events only tell the store when
// something changed.
func (s *Store) Attach(bus *events.Bus, book *position.Book, opts events.SubscribeOptions) {
	s.bus = bus
	s.book = book
	opts.Types = []events.Type{
		events.TypePositionOpened,
		events.TypePositionClosed,
		events.TypeTrailingAdjusted,
	}
	opts.Filter = nil
	s.subID = bus.Subscribe("statestore", opts, s.handle)
}

func (s *Store) handle(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch ev.Type {
	case events.TypePositionClosed:
		if err := s.client.Del(ctx, positionKeyPrefix+ev.Symbol).Err(); err != nil {
			s.log.Warn().Err(err).Str("symbol", ev.Symbol).Msg("position key delete failed")
		}
	default:
		p, ok := s.book.Get(ev.Symbol)
		if !ok {
			return
		}
		s.writePosition(ctx, p)
	}
	s.writeAccount(ctx)
}

func (s *Store) writePosition(ctx context.Context, p position.Position) {
	data, err := json.Marshal(p)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("position marshal failed")
		return
	}
	if err := s.client.Set(ctx, positionKeyPrefix+p.Symbol, data, stateTTL).Err(); err != nil {
		s.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("position write failed")
	}
}

func (s *Store) writeAccount(ctx context.Context) {
	data, err := json.Marshal(s.book.Account())
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, accountKey, data, stateTTL).Err(); err != nil {
		s.log.Warn().Err(err).Msg("account write failed")
	}
}

// Positions reads back every persisted position, for inspection after
// a restart.
func (s *Store) Positions(ctx context.Context) ([]position.Position, error) {
	var out []position.Position
	iter := s.client.Scan(ctx, 0, positionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("statestore: read %s: %w", iter.Val(), err)
		}
		var p position.Position
		if err := json.Unmarshal(data, &p); err != nil {
			s.log.Warn().Err(err).Str("key", iter.Val()).Msg("stale position record skipped")
			continue
		}
		out = append(out, p)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("statestore: scan: %w", err)
	}
	return out, nil
}

// Close detaches from the bus and closes the client.
func (s *Store) Close() error {
	if s.bus != nil {
		s.bus.Unsubscribe(s.subID)
	}
	return s.client.Close()
}
