// Package storage implements the storage gateway: the only component
// that talks to the relational store. Connection pooling is grounded on
// yanun0323-go-hft/pkg/conn/pg.go (gorm +
// gorm.io/driver/postgres for the pool and schema migration); the two
// hot-path writes (InsertTrade, UpsertCandle) bypass gorm's query builder
// and issue a single parameterized INSERT ... ON CONFLICT statement so
// that concurrent callers on the same key serialize at the database.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nealsshah/dawn-trial/internal/model"
)

// ErrDuplicate is returned by InsertTrade when the trade's dedupe key
// already exists. Callers treat this as an expected, silent condition.
var ErrDuplicate = errors.New("storage: duplicate trade")

// Interface is the set of storage operations the rest of the pipeline
// depends on. *Gateway satisfies it; tests substitute an in-memory fake
// implementing the same interface.
type Interface interface {
	InsertTrade(ctx context.Context, t model.Trade) (int64, error)
	UpsertCandle(ctx context.Context, exchange model.Exchange, marketID string, interval model.Interval, openTime time.Time, price, quantity decimal.Decimal, tradeTimestamp time.Time) error
	QueryCandles(ctx context.Context, params QueryCandlesParams) ([]model.Candle, error)
	QueryTrades(ctx context.Context, params QueryTradesParams) ([]model.Trade, error)
	ListActiveMarkets(ctx context.Context, exchange model.Exchange) ([]MarketActivity, error)
	LastPolymarketBlock(ctx context.Context) (uint64, error)
	SavePolymarketBlock(ctx context.Context, block uint64) error
	KalshiWatermark(ctx context.Context, marketID string) (string, error)
	SaveKalshiWatermark(ctx context.Context, marketID, cursor string) error
	RunBackfill(ctx context.Context, interval model.Interval) error
	Ping(ctx context.Context) error
}

var _ Interface = (*Gateway)(nil)

const (
	defaultSSLMode    = "disable"
	defaultMaxConns   = 20
	defaultMaxIdle    = 5
	defaultConnMaxAge = time.Hour
)

// Option configures the gateway's connection to the store.
type Option struct {
	// DSN is a full postgres connection string, e.g. DATABASE_URL.
	// Required: Open fails if it is empty.
	DSN string

	MaxOpenConns int
}

// Gateway owns the connection pool and implements every storage operation
// the rest of the pipeline depends on.
type Gateway struct {
	db *gorm.DB
}

// Open connects to the store and runs schema migration. Host names
// belonging to known managed-postgres providers get sslmode=require when
// the DSN sets no sslmode, since those providers refuse plaintext
// connections; any other DSN is used unchanged.
func Open(opt Option) (*Gateway, error) {
	dsn, err := resolveDSN(opt.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve dsn: %w", err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("storage: underlying db: %w", err)
	}
	maxOpen := opt.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxConns
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(defaultMaxIdle)
	sqlDB.SetConnMaxLifetime(defaultConnMaxAge)

	g := &Gateway{db: db}
	if err := g.migrate(); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return g, nil
}

func resolveDSN(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty DSN")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw, nil
	}
	if requiresTLS(u.Hostname()) && u.Query().Get("sslmode") == "" {
		q := u.Query()
		q.Set("sslmode", "require")
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return raw, nil
}

// requiresTLS reports whether host belongs to a managed postgres provider
// known to require TLS.
func requiresTLS(host string) bool {
	for _, suffix := range []string{
		".rds.amazonaws.com",
		".supabase.co",
		".neon.tech",
		".render.com",
		".cockroachlabs.cloud",
	} {
		if len(host) >= len(suffix) && host[len(host)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}

func (g *Gateway) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			exchange TEXT NOT NULL,
			market_id TEXT NOT NULL,
			price NUMERIC NOT NULL,
			quantity NUMERIC NOT NULL,
			side TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			tx_hash TEXT,
			log_index INTEGER NOT NULL DEFAULT 0,
			dedupe_key TEXT NOT NULL UNIQUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_market_ts ON trades (exchange, market_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS candles (
			exchange TEXT NOT NULL,
			market_id TEXT NOT NULL,
			interval TEXT NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			open NUMERIC NOT NULL,
			high NUMERIC NOT NULL,
			low NUMERIC NOT NULL,
			close NUMERIC NOT NULL,
			volume NUMERIC NOT NULL,
			close_time TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (exchange, market_id, interval, open_time)
		)`,
		`CREATE TABLE IF NOT EXISTS ingest_watermarks (
			exchange TEXT PRIMARY KEY,
			cursor TEXT NOT NULL DEFAULT '',
			last_block BIGINT NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if err := g.db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertTrade persists trade idempotently on its dedupe key. On success it
// returns the store-assigned id. If the dedupe key already exists it
// returns ErrDuplicate and the id of the existing row.
func (g *Gateway) InsertTrade(ctx context.Context, t model.Trade) (int64, error) {
	key, err := t.DedupeKey()
	if err != nil {
		return 0, fmt.Errorf("storage: %w", err)
	}

	var txHash any
	if t.TxHash != nil {
		txHash = *t.TxHash
	}

	const stmt = `
		INSERT INTO trades (exchange, market_id, price, quantity, side, timestamp, tx_hash, log_index, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id`

	var id int64
	row := g.db.WithContext(ctx).Raw(stmt,
		string(t.Exchange), t.MarketID, t.Price, t.Quantity, string(t.Side),
		t.Timestamp, txHash, t.LogIndex, key,
	).Row()

	if err := row.Scan(&id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || isNoRows(err) {
			existingID, lookupErr := g.lookupTradeID(ctx, key)
			if lookupErr != nil {
				return 0, fmt.Errorf("storage: insert trade: %w", lookupErr)
			}
			return existingID, ErrDuplicate
		}
		return 0, fmt.Errorf("storage: insert trade: %w", err)
	}
	return id, nil
}

func (g *Gateway) lookupTradeID(ctx context.Context, dedupeKey string) (int64, error) {
	var id int64
	err := g.db.WithContext(ctx).Raw(`SELECT id FROM trades WHERE dedupe_key = $1`, dedupeKey).Row().Scan(&id)
	return id, err
}

func isNoRows(err error) bool {
	return err != nil && err.Error() == "sql: no rows in result set"
}

// UpsertCandle applies one trade's contribution to the candle bucket
// identified by (exchange, marketId, interval, openTime) in a single
// round trip. Open is set only on insert and never modified afterward;
// high/low/volume use GREATEST/LEAST/+ so concurrent callers on the same
// key serialize at the database and stay commutative. Close is resolved
// by the documented deviation from last-write-wins: it is overwritten
// only when tradeTimestamp is >= the row's stored close_time.
func (g *Gateway) UpsertCandle(ctx context.Context, exchange model.Exchange, marketID string, interval model.Interval, openTime time.Time, price, quantity decimal.Decimal, tradeTimestamp time.Time) error {
	const stmt = `
		INSERT INTO candles (exchange, market_id, interval, open_time, open, high, low, close, volume, close_time)
		VALUES ($1, $2, $3, $4, $5, $5, $5, $5, $6, $7)
		ON CONFLICT (exchange, market_id, interval, open_time) DO UPDATE SET
			high = GREATEST(candles.high, EXCLUDED.high),
			low = LEAST(candles.low, EXCLUDED.low),
			volume = candles.volume + EXCLUDED.volume,
			close = CASE WHEN EXCLUDED.close_time >= candles.close_time THEN EXCLUDED.close ELSE candles.close END,
			close_time = CASE WHEN EXCLUDED.close_time >= candles.close_time THEN EXCLUDED.close_time ELSE candles.close_time END`

	err := g.db.WithContext(ctx).Exec(stmt,
		string(exchange), marketID, string(interval), openTime, price, quantity, tradeTimestamp,
	).Error
	if err != nil {
		return fmt.Errorf("storage: upsert candle: %w", err)
	}
	return nil
}

// QueryCandlesParams bounds a candle range scan.
type QueryCandlesParams struct {
	Exchange model.Exchange
	MarketID string
	Interval model.Interval
	Start    *time.Time
	End      *time.Time
	Limit    int
}

// QueryCandles returns candles for the given key ordered by openTime
// ascending, bounded by params.Limit.
func (g *Gateway) QueryCandles(ctx context.Context, params QueryCandlesParams) ([]model.Candle, error) {
	query := g.db.WithContext(ctx).Table("candles").
		Select("exchange, market_id, interval, open_time, open, high, low, close, volume, close_time").
		Where("exchange = ? AND market_id = ? AND interval = ?", string(params.Exchange), params.MarketID, string(params.Interval))
	if params.Start != nil {
		query = query.Where("open_time >= ?", *params.Start)
	}
	if params.End != nil {
		query = query.Where("open_time <= ?", *params.End)
	}
	query = query.Order("open_time ASC").Limit(params.Limit)

	var rows []candleRow
	if err := query.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: query candles: %w", err)
	}
	out := make([]model.Candle, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// QueryTradesParams bounds a trade range scan.
type QueryTradesParams struct {
	Exchange model.Exchange
	MarketID string
	Side     *model.Side
	Start    *time.Time
	End      *time.Time
	Limit    int
}

// QueryTrades returns trades for the given key ordered by timestamp
// descending, bounded by params.Limit.
func (g *Gateway) QueryTrades(ctx context.Context, params QueryTradesParams) ([]model.Trade, error) {
	query := g.db.WithContext(ctx).Table("trades").
		Select("id, exchange, market_id, price, quantity, side, timestamp, tx_hash, log_index").
		Where("exchange = ? AND market_id = ?", string(params.Exchange), params.MarketID)
	if params.Side != nil {
		query = query.Where("side = ?", string(*params.Side))
	}
	if params.Start != nil {
		query = query.Where("timestamp >= ?", *params.Start)
	}
	if params.End != nil {
		query = query.Where("timestamp <= ?", *params.End)
	}
	query = query.Order("timestamp DESC").Limit(params.Limit)

	var rows []tradeRow
	if err := query.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: query trades: %w", err)
	}
	out := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// MarketActivity is one row of the markets listing: a market ranked by
// recent activity, then total trade count.
type MarketActivity struct {
	Exchange      model.Exchange
	MarketID      string
	RecentTrades  int64
	TotalTrades   int64
	LastTimestamp time.Time
}

// ListActiveMarkets ranks markets by trades in the last 10 minutes, then
// by total trade count. If exchange is non-empty, results are filtered to
// it.
func (g *Gateway) ListActiveMarkets(ctx context.Context, exchange model.Exchange) ([]MarketActivity, error) {
	since := time.Now().UTC().Add(-10 * time.Minute)

	query := g.db.WithContext(ctx).Table("trades").
		Select(`exchange, market_id,
			COUNT(*) FILTER (WHERE timestamp >= ?) AS recent_trades,
			COUNT(*) AS total_trades,
			MAX(timestamp) AS last_timestamp`, since).
		Group("exchange, market_id").
		Order("recent_trades DESC, total_trades DESC")
	if exchange != "" {
		query = query.Where("exchange = ?", string(exchange))
	}

	var rows []MarketActivity
	if err := query.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: list active markets: %w", err)
	}
	return rows, nil
}

// LastPolymarketBlock returns the last block number the Polymarket
// ingester persisted alongside its watermark, for reconnect replay.
// Zero if none recorded yet.
func (g *Gateway) LastPolymarketBlock(ctx context.Context) (uint64, error) {
	var block uint64
	err := g.db.WithContext(ctx).Raw(
		`SELECT last_block FROM ingest_watermarks WHERE exchange = $1`,
		string(model.ExchangePolymarket),
	).Row().Scan(&block)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("storage: last polymarket block: %w", err)
	}
	return block, nil
}

// SavePolymarketBlock records the last block number observed, so a
// reconnect can replay from it.
func (g *Gateway) SavePolymarketBlock(ctx context.Context, block uint64) error {
	const stmt = `
		INSERT INTO ingest_watermarks (exchange, last_block)
		VALUES ($1, $2)
		ON CONFLICT (exchange) DO UPDATE SET last_block = EXCLUDED.last_block`
	return g.db.WithContext(ctx).Exec(stmt, string(model.ExchangePolymarket), block).Error
}

// KalshiWatermark returns the persisted per-market Kalshi cursor.
func (g *Gateway) KalshiWatermark(ctx context.Context, marketID string) (string, error) {
	var cursor string
	err := g.db.WithContext(ctx).Raw(
		`SELECT cursor FROM ingest_watermarks WHERE exchange = $1`,
		watermarkKey(marketID),
	).Row().Scan(&cursor)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("storage: kalshi watermark: %w", err)
	}
	return cursor, nil
}

// SaveKalshiWatermark persists the per-market Kalshi cursor.
func (g *Gateway) SaveKalshiWatermark(ctx context.Context, marketID, cursor string) error {
	const stmt = `
		INSERT INTO ingest_watermarks (exchange, cursor)
		VALUES ($1, $2)
		ON CONFLICT (exchange) DO UPDATE SET cursor = EXCLUDED.cursor`
	return g.db.WithContext(ctx).Exec(stmt, watermarkKey(marketID), cursor).Error
}

func watermarkKey(marketID string) string {
	return fmt.Sprintf("%s:%s", model.ExchangeKalshi, marketID)
}

// RunBackfill rebuilds every candle row for interval directly from the
// persisted trades table via one grouped INSERT ... SELECT. Idempotent:
// re-running it for the same interval replaces each bucket with the same
// aggregate.
func (g *Gateway) RunBackfill(ctx context.Context, interval model.Interval) error {
	truncateExpr, err := truncateExprFor(interval)
	if err != nil {
		return fmt.Errorf("storage: backfill %s: %w", interval, err)
	}

	stmt := fmt.Sprintf(`
		INSERT INTO candles (exchange, market_id, interval, open_time, open, high, low, close, volume, close_time)
		SELECT
			exchange,
			market_id,
			'%s' AS interval,
			%s AS open_time,
			(array_agg(price ORDER BY timestamp ASC))[1] AS open,
			MAX(price) AS high,
			MIN(price) AS low,
			(array_agg(price ORDER BY timestamp DESC))[1] AS close,
			SUM(quantity) AS volume,
			MAX(timestamp) AS close_time
		FROM trades
		GROUP BY exchange, market_id, %s
		ON CONFLICT (exchange, market_id, interval, open_time) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			close_time = EXCLUDED.close_time`,
		string(interval), truncateExpr, truncateExpr)

	if err := g.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("storage: backfill %s: %w", interval, err)
	}
	return nil
}

// truncateExprFor returns the Postgres date_trunc expression for an
// interval, used by RunBackfill. It is the SQL-side counterpart of
// model.Interval.Truncate (second, minute, hour).
func truncateExprFor(interval model.Interval) (string, error) {
	switch interval {
	case model.IntervalSecond:
		return "date_trunc('second', timestamp)", nil
	case model.IntervalMinute:
		return "date_trunc('minute', timestamp)", nil
	case model.IntervalHour:
		return "date_trunc('hour', timestamp)", nil
	default:
		return "", fmt.Errorf("storage: unknown interval %q", interval)
	}
}

// Ping reports whether the store is reachable, for the /health endpoint.
func (g *Gateway) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

type candleRow struct {
	Exchange string    `gorm:"column:exchange"`
	MarketID string    `gorm:"column:market_id"`
	Interval string    `gorm:"column:interval"`
	OpenTime time.Time `gorm:"column:open_time"`
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	CloseTime time.Time `gorm:"column:close_time"`
}

func (r candleRow) toModel() model.Candle {
	return model.Candle{
		Exchange:  model.Exchange(r.Exchange),
		MarketID:  r.MarketID,
		Interval:  model.Interval(r.Interval),
		OpenTime:  r.OpenTime.UTC(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		CloseTime: r.CloseTime.UTC(),
	}
}

type tradeRow struct {
	ID        int64
	Exchange  string
	MarketID  string `gorm:"column:market_id"`
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Side      string
	Timestamp time.Time
	TxHash    *string `gorm:"column:tx_hash"`
	LogIndex  int     `gorm:"column:log_index"`
}

func (r tradeRow) toModel() model.Trade {
	id := r.ID
	return model.Trade{
		ID:        &id,
		Exchange:  model.Exchange(r.Exchange),
		MarketID:  r.MarketID,
		Price:     r.Price,
		Quantity:  r.Quantity,
		Side:      model.Side(r.Side),
		Timestamp: r.Timestamp.UTC(),
		TxHash:    r.TxHash,
		LogIndex:  r.LogIndex,
	}
}
