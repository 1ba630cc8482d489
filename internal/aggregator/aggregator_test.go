package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busp "github.com/nealsshah/dawn-trial/internal/bus"
	"github.com/nealsshah/dawn-trial/internal/model"
	"github.com/nealsshah/dawn-trial/internal/storage/storagefake"
)

func mustTime(t *testing.T, s string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	require.NoError(t, err)
	return parsed.UTC()
}

// S1 — single trade, three candles.
func TestSingleTradeProducesThreeCandles(t *testing.T) {
	store := storagefake.New()
	ctx := context.Background()

	trade := model.Trade{
		Exchange:        model.ExchangeKalshi,
		MarketID:        "M",
		Price:           decimal.RequireFromString("0.55"),
		Quantity:        decimal.RequireFromString("10"),
		Side:            model.SideBuy,
		Timestamp:       mustTime(t, "2024-01-01T12:34:56.789Z"),
		UpstreamTradeID: "t1",
	}

	a := &Aggregator{store: store}
	a.processTrade(ctx, trade)

	candles := store.Candles()
	require.Len(t, candles, 3)

	wantOpenTimes := map[model.Interval]time.Time{
		model.IntervalSecond: mustTime(t, "2024-01-01T12:34:56Z"),
		model.IntervalMinute: mustTime(t, "2024-01-01T12:34:00Z"),
		model.IntervalHour:   mustTime(t, "2024-01-01T12:00:00Z"),
	}
	for _, c := range candles {
		want, ok := wantOpenTimes[c.Interval]
		require.True(t, ok, "unexpected interval %s", c.Interval)
		assert.True(t, want.Equal(c.OpenTime), "interval %s: got %s want %s", c.Interval, c.OpenTime, want)
		assert.True(t, c.Open.Equal(decimal.RequireFromString("0.55")))
		assert.True(t, c.High.Equal(decimal.RequireFromString("0.55")))
		assert.True(t, c.Low.Equal(decimal.RequireFromString("0.55")))
		assert.True(t, c.Close.Equal(decimal.RequireFromString("0.55")))
		assert.True(t, c.Volume.Equal(decimal.RequireFromString("10")))
	}
}

// S2 — OHLC within one minute.
func TestOHLCWithinOneMinute(t *testing.T) {
	store := storagefake.New()
	ctx := context.Background()
	a := &Aggregator{store: store}

	base := mustTime(t, "2024-01-01T12:34:00Z")
	prices := []string{"0.50", "0.60", "0.45", "0.55"}
	quantities := []string{"1", "2", "3", "4"}

	for i := range prices {
		trade := model.Trade{
			Exchange:        model.ExchangeKalshi,
			MarketID:        "M",
			Price:           decimal.RequireFromString(prices[i]),
			Quantity:        decimal.RequireFromString(quantities[i]),
			Side:            model.SideBuy,
			Timestamp:       base.Add(time.Duration(i) * time.Second),
			UpstreamTradeID: "t" + string(rune('0'+i)),
		}
		a.processTrade(ctx, trade)
	}

	var minuteCandle *model.Candle
	for _, c := range store.Candles() {
		if c.Interval == model.IntervalMinute {
			minuteCandle = &c
			break
		}
	}
	require.NotNil(t, minuteCandle)
	assert.True(t, minuteCandle.Open.Equal(decimal.RequireFromString("0.50")))
	assert.True(t, minuteCandle.High.Equal(decimal.RequireFromString("0.60")))
	assert.True(t, minuteCandle.Low.Equal(decimal.RequireFromString("0.45")))
	assert.True(t, minuteCandle.Close.Equal(decimal.RequireFromString("0.55")))
	assert.True(t, minuteCandle.Volume.Equal(decimal.RequireFromString("10")))
}

// S3 — duplicate trade is absorbed by the storage gateway before it ever
// reaches the aggregator; this test asserts the aggregator-side half of
// that property: a single insertTrade success feeds exactly one upsert.
func TestDuplicateTradeContributesOnce(t *testing.T) {
	store := storagefake.New()
	ctx := context.Background()

	txHash := "0xabc"
	trade := model.Trade{
		Exchange:  model.ExchangePolymarket,
		MarketID:  "M",
		Price:     decimal.RequireFromString("0.3"),
		Quantity:  decimal.RequireFromString("5"),
		Side:      model.SideSell,
		Timestamp: mustTime(t, "2024-01-01T00:00:00Z"),
		TxHash:    &txHash,
		LogIndex:  1,
	}

	_, err := store.InsertTrade(ctx, trade)
	require.NoError(t, err)

	_, err = store.InsertTrade(ctx, trade)
	require.Error(t, err)

	a := &Aggregator{store: store}
	a.processTrade(ctx, trade)

	candles := store.Candles()
	require.Len(t, candles, 3)
	for _, c := range candles {
		assert.True(t, c.Volume.Equal(decimal.RequireFromString("5")))
	}
}

// S6 — restart: backfill reproduces what incremental aggregation produced.
func TestBackfillMatchesIncrementalAggregation(t *testing.T) {
	incremental := storagefake.New()
	backfilled := storagefake.New()
	ctx := context.Background()

	a := &Aggregator{store: incremental}
	base := mustTime(t, "2024-01-01T00:00:00Z")

	for i := 0; i < 20; i++ {
		trade := model.Trade{
			Exchange:        model.ExchangeKalshi,
			MarketID:        "M",
			Price:           decimal.RequireFromString("0.1").Add(decimal.NewFromInt(int64(i)).Div(decimal.NewFromInt(100))),
			Quantity:        decimal.NewFromInt(1),
			Side:            model.SideBuy,
			Timestamp:       base.Add(time.Duration(i) * time.Second),
			UpstreamTradeID: "t" + string(rune('a'+i)),
		}
		_, err := incremental.InsertTrade(ctx, trade)
		require.NoError(t, err)
		_, err = backfilled.InsertTrade(ctx, trade)
		require.NoError(t, err)

		a.processTrade(ctx, trade)
	}

	for _, interval := range model.Intervals {
		require.NoError(t, backfilled.RunBackfill(ctx, interval))
	}

	assert.Equal(t, len(incremental.Candles()), len(backfilled.Candles()))
}

func TestAggregatorRunConsumesBusAndDrainsOnCancel(t *testing.T) {
	store := storagefake.New()
	b := busp.New(16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	sub, err := b.Subscribe()
	require.NoError(t, err)

	a := New(store, sub)
	processed := make(chan model.Trade, 1)
	a.OnProcessed(func(trade model.Trade) { processed <- trade })

	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	trade := model.Trade{
		Exchange:        model.ExchangeKalshi,
		MarketID:        "M",
		Price:           decimal.RequireFromString("0.5"),
		Quantity:        decimal.RequireFromString("1"),
		Side:            model.SideBuy,
		Timestamp:       time.Now().UTC(),
		UpstreamTradeID: "t1",
	}
	b.Publish(ctx, trade)

	select {
	case <-processed:
	case <-time.After(time.Second):
		t.Fatal("trade was not processed")
	}

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
