package kalshi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nealsshah/dawn-trial/internal/bus"
	"github.com/nealsshah/dawn-trial/internal/model"
	"github.com/nealsshah/dawn-trial/internal/storage"
	"github.com/nealsshah/dawn-trial/internal/storage/storagefake"
)

func generateTestKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func TestSignerProducesExpectedHeaders(t *testing.T) {
	pemKey := generateTestKey(t)
	signer, err := NewSigner("key-123", pemKey)
	require.NoError(t, err)

	headers, err := signer.Sign(http.MethodGet, "/markets/trades")
	require.NoError(t, err)

	assert.Equal(t, "key-123", headers["KALSHI-ACCESS-KEY"])
	assert.NotEmpty(t, headers["KALSHI-ACCESS-TIMESTAMP"])
	assert.NotEmpty(t, headers["KALSHI-ACCESS-SIGNATURE"])
}

func TestToModelTradeConvertsCentsAndSide(t *testing.T) {
	ing := &Ingester{}
	raw := kalshiTrade{
		TradeID:   "t1",
		Ticker:    "M",
		YesPrice:  55,
		Count:     10,
		TakerSide: "no",
		CreatedTS: "2024-01-01T12:34:56Z",
	}

	trade, err := ing.toModelTrade("M", raw)
	require.NoError(t, err)

	assert.True(t, trade.Price.Equal(decimal.RequireFromString("0.55")))
	assert.True(t, trade.Quantity.Equal(decimal.RequireFromString("10")))
	assert.Equal(t, model.SideSell, trade.Side)
	assert.Equal(t, "t1", trade.UpstreamTradeID)
}

func TestPollMarketInsertsAndPublishesNewTrades(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := tradesResponse{
			Trades: []kalshiTrade{
				{TradeID: "t1", Ticker: "M", YesPrice: 50, Count: 1, TakerSide: "yes", CreatedTS: "2024-01-01T00:00:00Z"},
				{TradeID: "t2", Ticker: "M", YesPrice: 60, Count: 2, TakerSide: "no", CreatedTS: "2024-01-01T00:00:01Z"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	pemKey := generateTestKey(t)
	signer, err := NewSigner("key-123", pemKey)
	require.NoError(t, err)

	store := storagefake.New()
	b := bus.New(16, nil)

	ing := New(Config{BaseURL: server.URL, Markets: []string{"M"}}, signer, store, b, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, ing.pollMarket(ctx, "M"))

	trades, err := store.QueryTrades(ctx, storage.QueryTradesParams{Exchange: model.ExchangeKalshi, MarketID: "M"})
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	assert.Equal(t, "idle", ing.State())
}
