// Package model defines the core data types that flow through the trade
// indexing pipeline.
//
// Every monetary quantity (price, quantity, and the derived OHLCV fields)
// uses decimal.Decimal rather than float64. Prices and quantities arrive
// from the upstreams as exact strings and must never pick up binary-float
// rounding on the way to the store or back out to a client.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange identifies the upstream a trade originated from.
type Exchange string

const (
	ExchangeKalshi     Exchange = "kalshi"
	ExchangePolymarket Exchange = "polymarket"
)

// Valid reports whether e is one of the known exchanges.
func (e Exchange) Valid() bool {
	switch e {
	case ExchangeKalshi, ExchangePolymarket:
		return true
	default:
		return false
	}
}

// Side is the taker side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell:
		return true
	default:
		return false
	}
}

// Interval is one of the three candle resolutions the aggregator maintains.
type Interval string

const (
	IntervalSecond Interval = "1s"
	IntervalMinute Interval = "1m"
	IntervalHour   Interval = "1h"
)

// Intervals lists every interval the aggregator maintains, in the fixed
// order candles are built for a single trade.
var Intervals = []Interval{IntervalSecond, IntervalMinute, IntervalHour}

// Valid reports whether i is a known interval.
func (i Interval) Valid() bool {
	switch i {
	case IntervalSecond, IntervalMinute, IntervalHour:
		return true
	default:
		return false
	}
}

// Truncate returns the left edge (openTime) of the bucket that t falls
// into for this interval. The truncation always happens on the UTC
// instant: callers must never truncate in local time, since candle
// boundaries are defined in UTC (spec timezone pitfall).
func (i Interval) Truncate(t time.Time) time.Time {
	u := t.UTC()
	switch i {
	case IntervalSecond:
		return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), u.Second(), 0, time.UTC)
	case IntervalMinute:
		return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), 0, 0, time.UTC)
	case IntervalHour:
		return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC)
	default:
		return u
	}
}

// Trade is the canonical unit flowing through the pipeline: ingesters
// produce it, the storage gateway persists it, the aggregator and the
// WebSocket hub each observe it at most once.
type Trade struct {
	// ID is the store-assigned monotonic integer, nil until persisted.
	ID *int64

	Exchange  Exchange
	MarketID  string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Side      Side
	Timestamp time.Time // UTC, millisecond resolution

	// TxHash is the on-chain transaction hash. Always present for
	// Polymarket, always nil for Kalshi.
	TxHash *string

	// LogIndex is the position of the event within its transaction's
	// receipt. Only meaningful for Polymarket; zero for Kalshi.
	LogIndex int

	// UpstreamTradeID is Kalshi's own trade identifier. Empty for
	// Polymarket, where the dedupe key is derived from TxHash+LogIndex
	// instead.
	UpstreamTradeID string
}

// DedupeKey returns the per-exchange identity under which this trade is
// unique and idempotently insertable.
//
// Polymarket: (txHash, logIndex) collapsed into one string.
// Kalshi: (marketId, upstreamTradeId) collapsed into one string.
func (t Trade) DedupeKey() (string, error) {
	switch t.Exchange {
	case ExchangePolymarket:
		if t.TxHash == nil || *t.TxHash == "" {
			return "", fmt.Errorf("polymarket trade missing txHash")
		}
		return fmt.Sprintf("polymarket:%s:%d", *t.TxHash, t.LogIndex), nil
	case ExchangeKalshi:
		if t.UpstreamTradeID == "" {
			return "", fmt.Errorf("kalshi trade missing upstream trade id")
		}
		return fmt.Sprintf("kalshi:%s:%s", t.MarketID, t.UpstreamTradeID), nil
	default:
		return "", fmt.Errorf("unknown exchange %q", t.Exchange)
	}
}

// Validate checks the structural invariants a Trade must satisfy before it
// is handed to the storage gateway or published on the bus.
func (t Trade) Validate() error {
	if !t.Exchange.Valid() {
		return fmt.Errorf("invalid exchange %q", t.Exchange)
	}
	if strings.TrimSpace(t.MarketID) == "" {
		return fmt.Errorf("market id must not be empty")
	}
	if !t.Side.Valid() {
		return fmt.Errorf("invalid side %q", t.Side)
	}
	if t.Price.IsNegative() {
		return fmt.Errorf("price must not be negative")
	}
	if t.Quantity.IsNegative() {
		return fmt.Errorf("quantity must not be negative")
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("timestamp must be set")
	}
	if t.Exchange == ExchangePolymarket && (t.TxHash == nil || *t.TxHash == "") {
		return fmt.Errorf("polymarket trade must carry a tx hash")
	}
	return nil
}

// Candle is an OHLCV bucket keyed by (exchange, marketId, interval,
// openTime).
type Candle struct {
	Exchange Exchange
	MarketID string
	Interval Interval
	OpenTime time.Time // UTC, left edge of the bucket

	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal

	// CloseTime is the timestamp of the trade currently reflected in
	// Close. Not part of the public API; used only by the storage gateway
	// to resolve concurrent-write ordering for Close, since trades can
	// arrive out of order across ingesters.
	CloseTime time.Time
}

// CheckInvariants validates the ordering every candle must satisfy:
// low <= open <= high, low <= close <= high, volume >= 0.
func (c Candle) CheckInvariants() error {
	if c.Low.GreaterThan(c.Open) || c.Open.GreaterThan(c.High) {
		return fmt.Errorf("candle invariant violated: low=%s open=%s high=%s", c.Low, c.Open, c.High)
	}
	if c.Low.GreaterThan(c.Close) || c.Close.GreaterThan(c.High) {
		return fmt.Errorf("candle invariant violated: low=%s close=%s high=%s", c.Low, c.Close, c.High)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("candle invariant violated: volume=%s is negative", c.Volume)
	}
	return nil
}

// SubscriptionKey is the routing key the trade event bus's consumers use
// to fan events out to interested parties: the WebSocket hub indexes its
// connections by this key.
type SubscriptionKey struct {
	Exchange Exchange
	MarketID string
}

// Key builds the SubscriptionKey a trade is routed under.
func (t Trade) Key() SubscriptionKey {
	return SubscriptionKey{Exchange: t.Exchange, MarketID: t.MarketID}
}
