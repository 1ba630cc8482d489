package wshub

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nealsshah/dawn-trial/internal/model"
)

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	// the hub sends one "connected" frame per connection
	var frame ServerFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read connected: %v", err)
	}
	fmt.Println("frame for conn:", frame)
	return conn
}

func sub(t *testing.T, conn *websocket.Conn, exchange model.Exchange, marketID string) {
	if err := conn.WriteJSON(ClientFrame{Action: "subscribe", Exchange: string(exchange), MarketID: marketID}); err != nil {
		t.Fatal(err)
	}
	var frame ServerFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read subscribed: %v", err)
	}
	fmt.Println("frame for conn:", frame)
}

func TestZZDebug(t *testing.T) {
	hub := New("", nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	connA := dial(t, server)
	defer connA.Close()
	connB := dial(t, server)
	defer connB.Close()
	connC := dial(t, server)
	defer connC.Close()

	sub(t, connA, model.ExchangeKalshi, "X")
	sub(t, connB, model.ExchangeKalshi, "X")
	sub(t, connB, model.ExchangePolymarket, "Y")
	fmt.Println("B fully subscribed")
	sub(t, connC, model.ExchangePolymarket, "Y")
	fmt.Println("C fully subscribed")
}
