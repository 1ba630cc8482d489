package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nealsshah/dawn-trial/internal/model"
)

type fakeTracker struct {
	drops atomic.Int64
}

func (f *fakeTracker) RecordBusDrop() {
	f.drops.Add(1)
}

func testTrade(marketID string, i int) model.Trade {
	return model.Trade{
		Exchange:        model.ExchangeKalshi,
		MarketID:        marketID,
		Price:           decimal.NewFromFloat(0.5),
		Quantity:        decimal.NewFromInt(1),
		Side:            model.SideBuy,
		Timestamp:       time.Now().UTC(),
		UpstreamTradeID: "t" + string(rune('a'+i)),
	}
}

func TestBusDeliversInOrder(t *testing.T) {
	b := New(64, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	sub, err := b.Subscribe()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		b.Publish(ctx, testTrade("M", i))
	}

	for i := 0; i < 5; i++ {
		select {
		case trade := <-sub.Trades:
			assert.Equal(t, "t"+string(rune('a'+i)), trade.UpstreamTradeID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for trade")
		}
	}
}

func TestBusFanOutToMultipleSubscribers(t *testing.T) {
	b := New(64, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	subA, err := b.Subscribe()
	require.NoError(t, err)
	subB, err := b.Subscribe()
	require.NoError(t, err)

	b.Publish(ctx, testTrade("M", 0))

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case <-sub.Trades:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestBusDropsOldestOnOverflow(t *testing.T) {
	tracker := &fakeTracker{}
	b := New(2, tracker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	sub, err := b.Subscribe()
	require.NoError(t, err)

	// Never read from sub.Trades: flood past its mailbox capacity.
	const n = 10
	for i := 0; i < n; i++ {
		b.Publish(ctx, testTrade("M", i%26))
		time.Sleep(time.Millisecond)
	}

	assert.LessOrEqual(t, len(sub.ch), 2)
	assert.Equal(t, int64(n-2), sub.Dropped.Load())
	assert.Equal(t, int64(n-2), tracker.drops.Load())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	sub, err := b.Subscribe()
	require.NoError(t, err)

	b.Unsubscribe(sub)

	require.Eventually(t, func() bool {
		_, ok := <-sub.Trades
		return !ok
	}, time.Second, 10*time.Millisecond)
}
