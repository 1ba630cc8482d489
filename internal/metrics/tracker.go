// Package metrics implements the performance tracker: a pure observer of
// every trade published to the bus, never on the hot path's
// critical section for longer than a map/slice mutation.
//
// Two faces are exposed, both grounded in the example pack: an in-memory,
// bounded-window snapshot served at /stats (the technique in
// Keshy31-polyinsider/internal/metrics/tracker.go), and
// prometheus/client_golang counters/histograms served at /metrics (the
// pattern in
// forgequant-context8-mcp/analytics/internal/instrumentation/metrics.go).
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nealsshah/dawn-trial/internal/model"
)

const (
	rateWindow      = 60 * time.Second
	maxLatencySamples = 1000
)

// Snapshot is a point-in-time view of the in-memory tracker, served at
// GET /stats.
type Snapshot struct {
	UptimeSeconds   float64                    `json:"uptimeSeconds"`
	TotalByExchange map[model.Exchange]int64   `json:"totalByExchange"`
	RecentRate      float64                    `json:"tradesPerSecondLast60s"`
	AvgLatencyMs    map[model.Exchange]float64 `json:"avgIndexLatencyMsByExchange"`
	BusDropped      int64                      `json:"busDroppedTotal"`
	HubDropped      int64                      `json:"hubDroppedTotal"`
}

// Tracker is the thread-safe performance tracker. All mutation is O(1)
// map/slice operations behind a single RWMutex, kept off the hot path.
type Tracker struct {
	mu sync.RWMutex

	startTime time.Time

	totalByExchange map[model.Exchange]int64
	tradeTimestamps []time.Time // rolling 60s window, all exchanges

	latencySamples map[model.Exchange][]time.Duration // bounded tail

	busDropped int64
	hubDropped int64

	prom *promMetrics
}

type promMetrics struct {
	tradesTotal     *prometheus.CounterVec
	indexLatencyMs  *prometheus.HistogramVec
	busDroppedTotal prometheus.Counter
	hubDroppedTotal prometheus.Counter
}

// New creates a Tracker and registers its Prometheus metrics with the
// default registerer.
func New() *Tracker {
	return &Tracker{
		startTime:       time.Now(),
		totalByExchange: make(map[model.Exchange]int64),
		latencySamples:  make(map[model.Exchange][]time.Duration),
		prom:            newPromMetrics(),
	}
}

func newPromMetrics() *promMetrics {
	return &promMetrics{
		tradesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeindexer_trades_total",
			Help: "Total number of trades published to the event bus, by exchange.",
		}, []string{"exchange"}),
		indexLatencyMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradeindexer_index_latency_ms",
			Help:    "Milliseconds between a trade's source timestamp and when it was indexed.",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"exchange"}),
		busDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradeindexer_bus_dropped_total",
			Help: "Total number of trade events dropped by the trade event bus due to a full subscriber mailbox.",
		}),
		hubDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradeindexer_hub_dropped_total",
			Help: "Total number of outbound WebSocket frames dropped due to a full connection queue.",
		}),
	}
}

// RecordTrade records that trade was published to the bus. indexedAt is
// the instant it was observed; the latency sample is
// indexedAt - trade.Timestamp.
func (t *Tracker) RecordTrade(trade model.Trade, indexedAt time.Time) {
	latency := indexedAt.Sub(trade.Timestamp)

	t.mu.Lock()
	t.totalByExchange[trade.Exchange]++

	t.tradeTimestamps = append(t.tradeTimestamps, indexedAt)
	cutoff := indexedAt.Add(-rateWindow)
	t.tradeTimestamps = pruneBefore(t.tradeTimestamps, cutoff)

	samples := t.latencySamples[trade.Exchange]
	samples = append(samples, latency)
	if len(samples) > maxLatencySamples {
		samples = samples[len(samples)-maxLatencySamples:]
	}
	t.latencySamples[trade.Exchange] = samples
	t.mu.Unlock()

	t.prom.tradesTotal.WithLabelValues(string(trade.Exchange)).Inc()
	t.prom.indexLatencyMs.WithLabelValues(string(trade.Exchange)).Observe(float64(latency.Milliseconds()))
}

// RecordBusDrop records one trade event dropped by the bus for a slow
// subscriber.
func (t *Tracker) RecordBusDrop() {
	t.mu.Lock()
	t.busDropped++
	t.mu.Unlock()
	t.prom.busDroppedTotal.Inc()
}

// RecordHubDrop records one outbound frame dropped by the WebSocket hub
// for a slow connection.
func (t *Tracker) RecordHubDrop() {
	t.mu.Lock()
	t.hubDropped++
	t.mu.Unlock()
	t.prom.hubDroppedTotal.Inc()
}

func pruneBefore(timestamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(timestamps) && timestamps[idx].Before(cutoff) {
		idx++
	}
	return timestamps[idx:]
}

// Snapshot returns a point-in-time view for GET /stats.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	totals := make(map[model.Exchange]int64, len(t.totalByExchange))
	for k, v := range t.totalByExchange {
		totals[k] = v
	}

	live := pruneBefore(t.tradeTimestamps, now.Add(-rateWindow))
	rate := float64(len(live)) / rateWindow.Seconds()

	avgLatency := make(map[model.Exchange]float64, len(t.latencySamples))
	for exch, samples := range t.latencySamples {
		if len(samples) == 0 {
			continue
		}
		var sum time.Duration
		for _, s := range samples {
			sum += s
		}
		avgLatency[exch] = float64(sum.Milliseconds()) / float64(len(samples))
	}

	return Snapshot{
		UptimeSeconds:   now.Sub(t.startTime).Seconds(),
		TotalByExchange: totals,
		RecentRate:      rate,
		AvgLatencyMs:    avgLatency,
		BusDropped:      t.busDropped,
		HubDropped:      t.hubDropped,
	}
}
