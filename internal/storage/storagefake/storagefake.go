// Package storagefake provides an in-memory storage.Interface
// implementation for tests that exercise the aggregator, ingesters, and
// HTTP API without a running Postgres instance.
package storagefake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nealsshah/dawn-trial/internal/model"
	"github.com/nealsshah/dawn-trial/internal/storage"
)

type candleKey struct {
	exchange model.Exchange
	marketID string
	interval model.Interval
	openTime time.Time
}

// Fake is a single-process, mutex-guarded stand-in for storage.Gateway.
type Fake struct {
	mu sync.Mutex

	nextID  int64
	trades  []model.Trade
	byKey   map[string]int64 // dedupe key -> trade id
	candles map[candleKey]model.Candle

	polymarketBlock uint64
	kalshiCursors   map[string]string
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		byKey:         make(map[string]int64),
		candles:       make(map[candleKey]model.Candle),
		kalshiCursors: make(map[string]string),
	}
}

var _ storage.Interface = (*Fake)(nil)

func (f *Fake) InsertTrade(ctx context.Context, t model.Trade) (int64, error) {
	key, err := t.DedupeKey()
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if id, ok := f.byKey[key]; ok {
		return id, storage.ErrDuplicate
	}

	f.nextID++
	id := f.nextID
	t.ID = &id
	f.trades = append(f.trades, t)
	f.byKey[key] = id
	return id, nil
}

func (f *Fake) UpsertCandle(ctx context.Context, exchange model.Exchange, marketID string, interval model.Interval, openTime time.Time, price, quantity decimal.Decimal, tradeTimestamp time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := candleKey{exchange, marketID, interval, openTime}
	c, ok := f.candles[k]
	if !ok {
		c = model.Candle{
			Exchange: exchange, MarketID: marketID, Interval: interval, OpenTime: openTime,
			Open: price, High: price, Low: price, Close: price, Volume: quantity,
			CloseTime: tradeTimestamp,
		}
		f.candles[k] = c
		return nil
	}

	if price.GreaterThan(c.High) {
		c.High = price
	}
	if price.LessThan(c.Low) {
		c.Low = price
	}
	c.Volume = c.Volume.Add(quantity)
	if !tradeTimestamp.Before(c.CloseTime) {
		c.Close = price
		c.CloseTime = tradeTimestamp
	}
	f.candles[k] = c
	return nil
}

func (f *Fake) QueryCandles(ctx context.Context, params storage.QueryCandlesParams) ([]model.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.Candle
	for k, c := range f.candles {
		if k.exchange != params.Exchange || k.marketID != params.MarketID || k.interval != params.Interval {
			continue
		}
		if params.Start != nil && k.openTime.Before(*params.Start) {
			continue
		}
		if params.End != nil && k.openTime.After(*params.End) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

func (f *Fake) QueryTrades(ctx context.Context, params storage.QueryTradesParams) ([]model.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.Trade
	for _, t := range f.trades {
		if t.Exchange != params.Exchange || t.MarketID != params.MarketID {
			continue
		}
		if params.Side != nil && t.Side != *params.Side {
			continue
		}
		if params.Start != nil && t.Timestamp.Before(*params.Start) {
			continue
		}
		if params.End != nil && t.Timestamp.After(*params.End) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

func (f *Fake) ListActiveMarkets(ctx context.Context, exchange model.Exchange) ([]storage.MarketActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	since := time.Now().UTC().Add(-10 * time.Minute)
	type agg struct {
		recent, total int64
		last          time.Time
	}
	byMarket := make(map[model.SubscriptionKey]*agg)
	for _, t := range f.trades {
		if exchange != "" && t.Exchange != exchange {
			continue
		}
		k := t.Key()
		a, ok := byMarket[k]
		if !ok {
			a = &agg{}
			byMarket[k] = a
		}
		a.total++
		if !t.Timestamp.Before(since) {
			a.recent++
		}
		if t.Timestamp.After(a.last) {
			a.last = t.Timestamp
		}
	}

	out := make([]storage.MarketActivity, 0, len(byMarket))
	for k, a := range byMarket {
		out = append(out, storage.MarketActivity{
			Exchange: k.Exchange, MarketID: k.MarketID,
			RecentTrades: a.recent, TotalTrades: a.total, LastTimestamp: a.last,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecentTrades != out[j].RecentTrades {
			return out[i].RecentTrades > out[j].RecentTrades
		}
		return out[i].TotalTrades > out[j].TotalTrades
	})
	return out, nil
}

func (f *Fake) LastPolymarketBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polymarketBlock, nil
}

func (f *Fake) SavePolymarketBlock(ctx context.Context, block uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polymarketBlock = block
	return nil
}

func (f *Fake) KalshiWatermark(ctx context.Context, marketID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kalshiCursors[marketID], nil
}

func (f *Fake) SaveKalshiWatermark(ctx context.Context, marketID, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kalshiCursors[marketID] = cursor
	return nil
}

func (f *Fake) Ping(ctx context.Context) error {
	return nil
}

// RunBackfill mirrors storage.Gateway.RunBackfill's grouped aggregation,
// computed in memory, so aggregator tests can exercise S6 (restart
// byte-equality) without a database.
func (f *Fake) RunBackfill(ctx context.Context, interval model.Interval) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	type bucket struct {
		open, close           decimal.Decimal
		high, low, volume     decimal.Decimal
		openTS, closeTS       time.Time
		seenOpen, seenAny     bool
	}
	buckets := make(map[candleKey]*bucket)

	trades := make([]model.Trade, len(f.trades))
	copy(trades, f.trades)
	sort.Slice(trades, func(i, j int) bool { return trades[i].Timestamp.Before(trades[j].Timestamp) })

	for _, t := range trades {
		openTime := interval.Truncate(t.Timestamp)
		k := candleKey{t.Exchange, t.MarketID, interval, openTime}
		b, ok := buckets[k]
		if !ok {
			b = &bucket{high: t.Price, low: t.Price, volume: decimal.Zero}
			buckets[k] = b
		}
		if !b.seenAny || t.Timestamp.Before(b.openTS) {
			b.open = t.Price
			b.openTS = t.Timestamp
		}
		if !b.seenAny || !t.Timestamp.Before(b.closeTS) {
			b.close = t.Price
			b.closeTS = t.Timestamp
		}
		if t.Price.GreaterThan(b.high) {
			b.high = t.Price
		}
		if t.Price.LessThan(b.low) {
			b.low = t.Price
		}
		b.volume = b.volume.Add(t.Quantity)
		b.seenAny = true
	}

	for k, b := range buckets {
		f.candles[k] = model.Candle{
			Exchange: k.exchange, MarketID: k.marketID, Interval: k.interval, OpenTime: k.openTime,
			Open: b.open, High: b.high, Low: b.low, Close: b.close, Volume: b.volume, CloseTime: b.closeTS,
		}
	}
	return nil
}

// Candles exposes the current candle set for assertions in tests.
func (f *Fake) Candles() []model.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Candle, 0, len(f.candles))
	for _, c := range f.candles {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		if out[i].Interval != out[j].Interval {
			return out[i].Interval < out[j].Interval
		}
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	return out
}
