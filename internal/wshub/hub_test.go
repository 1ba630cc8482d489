package wshub

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nealsshah/dawn-trial/internal/model"
)

type noopDropRecorder struct{ drops int }

func (n *noopDropRecorder) RecordHubDrop() { n.drops++ }

func dialHub(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	// drain the "connected" frame the hub sends once per connection
	var frame ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, exchange model.Exchange, marketID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ClientFrame{Action: "subscribe", Exchange: string(exchange), MarketID: marketID}))
	// drain "subscribed"
	var frame ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
}

func testTrade(exchange model.Exchange, marketID string) model.Trade {
	return model.Trade{
		Exchange:  exchange,
		MarketID:  marketID,
		Price:     decimal.RequireFromString("0.5"),
		Quantity:  decimal.RequireFromString("1"),
		Side:      model.SideBuy,
		Timestamp: time.Now().UTC(),
	}
}

// S4 — fan-out: A subscribes to (kalshi, X); B to (kalshi, X) and
// (polymarket, Y); C to (polymarket, Y). A trade on (kalshi, X) reaches A
// and B, not C.
func TestFanOutRoutesByExchangeAndMarket(t *testing.T) {
	hub := New("", nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	connA := dialHub(t, server)
	defer connA.Close()
	connB := dialHub(t, server)
	defer connB.Close()
	connC := dialHub(t, server)
	defer connC.Close()

	subscribe(t, connA, model.ExchangeKalshi, "X")
	subscribe(t, connB, model.ExchangeKalshi, "X")
	subscribe(t, connB, model.ExchangePolymarket, "Y")
	subscribe(t, connC, model.ExchangePolymarket, "Y")

	time.Sleep(50 * time.Millisecond) // let subscribe frames land before dispatch

	hub.Dispatch(testTrade(model.ExchangeKalshi, "X"))

	assertReceivesTrade(t, connA)
	assertReceivesTrade(t, connB)
	assertNoTradeWithin(t, connC, 200*time.Millisecond)

	hub.Dispatch(testTrade(model.ExchangePolymarket, "Y"))
	assertReceivesTrade(t, connB)
	assertReceivesTrade(t, connC)
	assertNoTradeWithin(t, connA, 200*time.Millisecond)
}

func assertReceivesTrade(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var frame ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "trade", frame.Type)
}

func assertNoTradeWithin(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(d))
	var frame ServerFrame
	err := conn.ReadJSON(&frame)
	require.Error(t, err, "expected no frame but got %+v", frame)
}

// S5 — slow subscriber: a connection that stops reading should have its
// outbound queue bounded and a dropped counter that tracks the overflow,
// without affecting other connections.
func TestSlowSubscriberBoundedQueueAndDropCounter(t *testing.T) {
	tracker := &noopDropRecorder{}
	hub := New("", tracker)
	server := httptest.NewServer(hub)
	defer server.Close()

	slow := dialHub(t, server)
	defer slow.Close()
	fast := dialHub(t, server)
	defer fast.Close()

	subscribe(t, slow, model.ExchangeKalshi, "X")
	subscribe(t, fast, model.ExchangeKalshi, "X")
	time.Sleep(50 * time.Millisecond)

	const n = outboundBuffer + 20
	for i := 0; i < n; i++ {
		hub.Dispatch(testTrade(model.ExchangeKalshi, "X"))
	}

	// The fast reader drains normally.
	for i := 0; i < n; i++ {
		assertReceivesTrade(t, fast)
	}

	require.Greater(t, tracker.drops, 0)
}
