package metrics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/nealsshah/dawn-trial/internal/model"
)

func tradeAt(exchange model.Exchange, ts time.Time) model.Trade {
	return model.Trade{
		Exchange:  exchange,
		MarketID:  "M",
		Price:     decimal.RequireFromString("0.5"),
		Quantity:  decimal.RequireFromString("1"),
		Side:      model.SideBuy,
		Timestamp: ts,
	}
}

// Every subtest below shares one Tracker: New() registers its Prometheus
// collectors with the default registerer, and registering the same
// metric name twice panics, so the pack's one-Tracker-per-process
// assumption has to hold within a test binary too.
func TestTracker(t *testing.T) {
	tr := New()
	now := time.Now()

	t.Run("accumulates totals and latency by exchange", func(t *testing.T) {
		tr.RecordTrade(tradeAt(model.ExchangeKalshi, now.Add(-100*time.Millisecond)), now)
		tr.RecordTrade(tradeAt(model.ExchangeKalshi, now.Add(-50*time.Millisecond)), now)
		tr.RecordTrade(tradeAt(model.ExchangePolymarket, now), now)

		snap := tr.Snapshot()
		assert.Equal(t, int64(2), snap.TotalByExchange[model.ExchangeKalshi])
		assert.Equal(t, int64(1), snap.TotalByExchange[model.ExchangePolymarket])
		assert.Greater(t, snap.AvgLatencyMs[model.ExchangeKalshi], 0.0)
	})

	t.Run("totals stay lifetime after a stale trade is recorded", func(t *testing.T) {
		tr.RecordTrade(tradeAt(model.ExchangeKalshi, now.Add(-2*time.Minute)), now.Add(-2*time.Minute))

		snap := tr.Snapshot()
		assert.Equal(t, int64(3), snap.TotalByExchange[model.ExchangeKalshi])
	})

	t.Run("drop counters increment independently", func(t *testing.T) {
		tr.RecordBusDrop()
		tr.RecordBusDrop()
		tr.RecordHubDrop()

		snap := tr.Snapshot()
		assert.EqualValues(t, 2, snap.BusDropped)
		assert.EqualValues(t, 1, snap.HubDropped)
	})

	t.Run("latency samples are bounded per exchange", func(t *testing.T) {
		for i := 0; i < maxLatencySamples+10; i++ {
			tr.RecordTrade(tradeAt(model.ExchangePolymarket, now), now)
		}
		assert.LessOrEqual(t, len(tr.latencySamples[model.ExchangePolymarket]), maxLatencySamples)
	})
}
