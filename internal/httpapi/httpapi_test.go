package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nealsshah/dawn-trial/internal/marketmeta"
	"github.com/nealsshah/dawn-trial/internal/metrics"
	"github.com/nealsshah/dawn-trial/internal/model"
	"github.com/nealsshah/dawn-trial/internal/storage/storagefake"
)

func seedTrade(t *testing.T, store *storagefake.Fake, marketID string, ts time.Time) {
	t.Helper()
	_, err := store.InsertTrade(context.Background(), model.Trade{
		Exchange:        model.ExchangeKalshi,
		MarketID:        marketID,
		Price:           decimal.RequireFromString("0.42"),
		Quantity:        decimal.RequireFromString("5"),
		Side:            model.SideBuy,
		Timestamp:       ts,
		UpstreamTradeID: "t-" + marketID + "-" + ts.String(),
	})
	require.NoError(t, err)
}

// sharedTracker is reused across every test in this file: metrics.New
// registers its collectors with Prometheus's default registerer, and
// registering the same metric name twice panics.
var sharedTracker = metrics.New()

func newTestAPI(store *storagefake.Fake) http.Handler {
	return New(store, sharedTracker, marketmeta.NoOp{}, zerolog.Nop())
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func TestHandleHealthOK(t *testing.T) {
	store := storagefake.New()
	api := newTestAPI(store)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEveryResponseCarriesARequestID(t *testing.T) {
	store := storagefake.New()
	api := newTestAPI(store)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHandleTradesRequiresExchangeAndMarket(t *testing.T) {
	store := storagefake.New()
	api := newTestAPI(store)

	req := httptest.NewRequest(http.MethodGet, "/trades", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTradesReturnsSeededTrades(t *testing.T) {
	store := storagefake.New()
	now := time.Now().UTC()
	seedTrade(t, store, "M1", now.Add(-time.Minute))
	seedTrade(t, store, "M1", now)

	api := newTestAPI(store)
	req := httptest.NewRequest(http.MethodGet, "/trades?exchange=kalshi&marketId=M1", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var trades []tradeResponse
	decodeEnvelope(t, rec, &trades)
	assert.Len(t, trades, 2)
}

func TestHandleTradesRejectsInvalidSide(t *testing.T) {
	store := storagefake.New()
	api := newTestAPI(store)

	req := httptest.NewRequest(http.MethodGet, "/trades?exchange=kalshi&marketId=M1&side=sideways", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCandlesRequiresInterval(t *testing.T) {
	store := storagefake.New()
	api := newTestAPI(store)

	req := httptest.NewRequest(http.MethodGet, "/candles?exchange=kalshi&marketId=M1", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTradeMarketsListsActiveMarkets(t *testing.T) {
	store := storagefake.New()
	seedTrade(t, store, "M1", time.Now().UTC())

	api := newTestAPI(store)
	req := httptest.NewRequest(http.MethodGet, "/trades/markets?exchange=kalshi", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var markets []marketResponse
	decodeEnvelope(t, rec, &markets)
	require.Len(t, markets, 1)
	assert.Equal(t, "M1", markets[0].MarketID)
}

func TestHandleStatsReturnsSnapshot(t *testing.T) {
	store := storagefake.New()
	api := newTestAPI(store)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
