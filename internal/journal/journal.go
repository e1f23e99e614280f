// Package journal persists the event stream and the trade history to
// PostgreSQL. It runs as a bus subscriber: a failed insert is logged
// and dropped, never fed back into the trading path.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"crypto-trading-bot/internal/events"
)

const connectTimeout = 10 * time.Second

// Journal owns the connection pool and the bus subscription.
type Journal struct {
	pool *pgxpool.Pool
	log  zerolog.Logger

	bus   *events.Bus
	subID uint64
}

// New connects to PostgreSQL and runs the schema migrations. The pool
// is sized for a single writer with occasional reporting queries.
func New(ctx context.Context, dsn string, log zerolog.Logger) (*Journal, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}

	j := &Journal{pool: pool, log: log}
	if err := j.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Msg("journal connected")
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS engine_events (
			id BIGSERIAL PRIMARY KEY,
			event_type VARCHAR(40) NOT NULL,
			symbol VARCHAR(20),
			correlation_id VARCHAR(40),
			payload JSONB,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_engine_events_type ON engine_events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_engine_events_symbol ON engine_events(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_engine_events_corr ON engine_events(correlation_id)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			correlation_id VARCHAR(40),
			entry_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			exit_price DECIMAL(20, 8),
			exit_reason VARCHAR(20),
			pnl DECIMAL(20, 8),
			status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
	}
	for _, m := range migrations {
		if _, err := j.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("journal: migrate: %w", err)
		}
	}
	return nil
}

// Attach subscribes the journal to every event on the bus, queued per
// the configured bus defaults. Trade rows are derived from position
// events; everything else lands in the append-only event table.
func (j *Journal) Attach(bus *events.Bus, opts events.SubscribeOptions) {
	j.bus = bus
	opts.Types = nil
	opts.Filter = nil
	if opts.QueueSize <= 0 {
		// Database writes are the slowest consumer; give them headroom.
		opts.QueueSize = 1024
	}
	j.subID = bus.Subscribe("journal", opts, j.handle)
}

func (j *Journal) handle(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	j.insertEvent(ctx, ev)
	switch ev.Type {
	case events.TypePositionOpened:
		j.openTrade(ctx, ev)
	case events.TypePositionClosed:
		j.closeTrade(ctx, ev)
	}
}

func (j *Journal) insertEvent(ctx context.Context, ev events.Event) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		j.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("event payload not serializable")
		payload = []byte("{}")
	}
	_, err = j.pool.Exec(ctx,
		`INSERT INTO engine_events (event_type, symbol, correlation_id, payload, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(ev.Type), ev.Symbol, ev.CorrelationID, payload, ev.Timestamp)
	if err != nil {
		j.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("event journal insert failed")
	}
}

func (j *Journal) openTrade(ctx context.Context, ev events.Event) {
	_, err := j.pool.Exec(ctx,
		`INSERT INTO trades (symbol, correlation_id, entry_price, quantity, stop_loss, take_profit, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.Symbol, ev.CorrelationID,
		num(ev.Data["entry_price"]), num(ev.Data["size"]),
		num(ev.Data["stop_loss"]), num(ev.Data["take_profit"]),
		ev.Timestamp)
	if err != nil {
		j.log.Warn().Err(err).Str("symbol", ev.Symbol).Msg("trade open insert failed")
	}
}

func (j *Journal) closeTrade(ctx context.Context, ev events.Event) {
	reason, _ := ev.Data["exit_reason"].(string)
	tag, err := j.pool.Exec(ctx,
		`UPDATE trades
		 SET exit_price = $1, exit_reason = $2, pnl = $3, status = 'CLOSED', closed_at = $4
		 WHERE id = (SELECT id FROM trades WHERE symbol = $5 AND status = 'OPEN' ORDER BY opened_at LIMIT 1)`,
		num(ev.Data["exit_price"]), reason, num(ev.Data["realized_pnl"]), ev.Timestamp, ev.Symbol)
	if err != nil {
		j.log.Warn().Err(err).Str("symbol", ev.Symbol).Msg("trade close update failed")
		return
	}
	if tag.RowsAffected() == 0 {
		j.log.Warn().Str("symbol", ev.Symbol).Msg("trade close without an open trade row")
	}
}

// num pulls a float out of an event payload without panicking on a
// missing or mistyped key.
func num(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// Close detaches from the bus and releases the pool.
func (j *Journal) Close() error {
	if j.bus != nil {
		j.bus.Unsubscribe(j.subID)
	}
	j.pool.Close()
	j.log.Info().Msg("journal closed")
	return nil
}
