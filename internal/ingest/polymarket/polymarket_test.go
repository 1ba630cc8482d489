package polymarket

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nealsshah/dawn-trial/internal/bus"
	"github.com/nealsshah/dawn-trial/internal/model"
	"github.com/nealsshah/dawn-trial/internal/storage/storagefake"
)

func wordHex(n int64) string {
	buf := make([]byte, 32)
	big.NewInt(n).FillBytes(buf)
	return hex.EncodeToString(buf)
}

func addressTopic(addr string) string {
	return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(addr, "0x")
}

func TestClassifyFillTakerSoldOutcomeToken(t *testing.T) {
	marketID, side, price, quantity, err := classifyFill(
		big.NewInt(0), big.NewInt(123), big.NewInt(1_000_000), big.NewInt(2_000_000),
	)
	require.NoError(t, err)
	assert.Equal(t, "123", marketID)
	assert.Equal(t, model.SideSell, side)
	assert.True(t, quantity.Equal(decimal.RequireFromString("2")))
	assert.True(t, price.Equal(decimal.RequireFromString("0.5")))
}

func TestClassifyFillTakerBoughtOutcomeToken(t *testing.T) {
	marketID, side, price, quantity, err := classifyFill(
		big.NewInt(456), big.NewInt(0), big.NewInt(3_000_000), big.NewInt(1_500_000),
	)
	require.NoError(t, err)
	assert.Equal(t, "456", marketID)
	assert.Equal(t, model.SideBuy, side)
	assert.True(t, quantity.Equal(decimal.RequireFromString("3")))
	assert.True(t, price.Equal(decimal.RequireFromString("0.5")))
}

func TestClassifyFillAmbiguousLegsRejected(t *testing.T) {
	_, _, _, _, err := classifyFill(big.NewInt(1), big.NewInt(2), big.NewInt(1), big.NewInt(1))
	assert.Error(t, err)
}

func TestDecodeOrderFilledRoundTrip(t *testing.T) {
	makerAddr := "0x" + strings.Repeat("11", 20)
	takerAddr := "0x" + strings.Repeat("22", 20)

	entry := ethLog{
		Topics: []string{
			"0x" + strings.Repeat("00", 32),
			"0x" + strings.Repeat("33", 32),
			addressTopic(makerAddr),
			addressTopic(takerAddr),
		},
		Data: "0x" + wordHex(0) + wordHex(123) + wordHex(1_000_000) + wordHex(2_000_000) + wordHex(0),
	}

	maker, taker, makerAssetID, takerAssetID, makerAmountFilled, takerAmountFilled, err := decodeOrderFilled(entry)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(makerAddr), maker)
	assert.Equal(t, strings.ToLower(takerAddr), taker)
	assert.Equal(t, "0", makerAssetID.String())
	assert.Equal(t, "123", takerAssetID.String())
	assert.Equal(t, "1000000", makerAmountFilled.String())
	assert.Equal(t, "2000000", takerAmountFilled.String())
}

func TestMarkSeenEvictsOldestBeyondCap(t *testing.T) {
	ing := New(Config{}, storagefake.New(), bus.New(16, nil), zerolog.Nop())
	for i := 0; i < seenCacheSize+10; i++ {
		ing.markSeen(fmt.Sprintf("key-%d", i), uint64(i))
	}
	assert.LessOrEqual(t, len(ing.seenBlock), seenCacheSize)
}

// fakeRPCServer emulates just enough of an Alchemy-style eth_subscribe
// endpoint to exercise the ingester's dispatch/subscribe/replay path:
// it acks eth_subscribe, immediately pushes one eth_subscription
// notification carrying logEntry, and answers eth_getBlockByNumber with a
// fixed timestamp.
func fakeRPCServer(t *testing.T, logEntry map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var req struct {
				ID     int64  `json:"id"`
				Method string `json:"method"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}

			switch req.Method {
			case "eth_subscribe":
				_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0xsub1"})
				_ = conn.WriteJSON(map[string]any{
					"jsonrpc": "2.0",
					"method":  "eth_subscription",
					"params": map[string]any{
						"subscription": "0xsub1",
						"result":       logEntry,
					},
				})
			case "eth_getBlockByNumber":
				_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{"timestamp": "0x1"}})
			case "eth_getLogs":
				_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": []any{}})
			}
		}
	})

	return httptest.NewServer(handler)
}

func TestRunSubscribesAndPublishesLiveLog(t *testing.T) {
	makerAddr := "0x" + strings.Repeat("11", 20)
	takerAddr := "0x" + strings.Repeat("22", 20)

	logEntry := map[string]any{
		"address": defaultContractAddress,
		"topics": []string{
			orderFilledTopic,
			"0x" + strings.Repeat("33", 32),
			addressTopic(makerAddr),
			addressTopic(takerAddr),
		},
		"data":            "0x" + wordHex(0) + wordHex(123) + wordHex(1_000_000) + wordHex(2_000_000) + wordHex(0),
		"blockNumber":     "0x64",
		"transactionHash": "0xabc123",
		"logIndex":        "0x0",
		"removed":         false,
	}

	server := fakeRPCServer(t, logEntry)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	store := storagefake.New()
	b := bus.New(16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	sub, err := b.Subscribe()
	require.NoError(t, err)

	ing := New(Config{WSURL: wsURL, Markets: []string{"123"}}, store, b, zerolog.Nop())

	runDone := make(chan error, 1)
	go func() { runDone <- ing.Run(ctx) }()

	select {
	case trade := <-sub.Trades:
		assert.Equal(t, "123", trade.MarketID)
		assert.Equal(t, model.SideSell, trade.Side)
		assert.True(t, trade.Price.Equal(decimal.RequireFromString("0.5")))
		assert.True(t, trade.Quantity.Equal(decimal.RequireFromString("2")))
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for polymarket trade")
	}

	cancel()
	<-runDone
}
