// Package wshub implements the WebSocket hub: it accepts client
// connections, tracks each connection's subscription set, and fans trade
// events out to subscribed connections without head-of-line blocking.
//
// mas-Avi-candles/internal/websocket.Client is an outbound exchange
// client, with no inbound server counterpart. This package reuses that
// client's lifecycle idiom (atomic connection handle, bounded send queue,
// read/write pumps, ping/pong keepalive, sync.Once-guarded close) turned
// around to serve browser connections instead of dialing out.
package wshub

import (
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nealsshah/dawn-trial/internal/model"
)

const (
	pingPeriod     = 30 * time.Second
	pongWait       = pingPeriod * 2
	writeTimeout   = 5 * time.Second
	readLimit      = 1 << 16
	outboundBuffer = 128

	// maxDropRate closes a connection once this many consecutive outbound
	// frames have been dropped for slowness.
	maxDropRate = 50
)

// ClientFrame is a client -> server WebSocket message.
type ClientFrame struct {
	Action   string `json:"action"`
	Exchange string `json:"exchange"`
	MarketID string `json:"marketId"`
}

// ServerFrame is a server -> client WebSocket message.
type ServerFrame struct {
	Type     string       `json:"type"`
	Message  string       `json:"message,omitempty"`
	Exchange string       `json:"exchange,omitempty"`
	MarketID string       `json:"marketId,omitempty"`
	Data     *tradeWire   `json:"data,omitempty"`
}

type tradeWire struct {
	Exchange  string `json:"exchange"`
	MarketID  string `json:"marketId"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
	TxHash    *string `json:"txHash,omitempty"`
	ID        *int64  `json:"id,omitempty"`
}

func toTradeWire(t model.Trade) *tradeWire {
	return &tradeWire{
		Exchange:  string(t.Exchange),
		MarketID:  t.MarketID,
		Price:     t.Price.String(),
		Quantity:  t.Quantity.String(),
		Side:      string(t.Side),
		Timestamp: t.Timestamp.UTC().Format(time.RFC3339Nano),
		TxHash:    t.TxHash,
		ID:        t.ID,
	}
}

// connState is the connection's lifecycle state.
type connState int32

const (
	stateConnected connState = iota
	stateClosing
	stateClosed
)

// Connection wraps one client's WebSocket with its subscription set and
// outbound queue.
type Connection struct {
	id   int64
	conn atomic.Value // *websocket.Conn
	hub  *Hub

	send chan ServerFrame

	mu            sync.Mutex
	subscriptions map[model.SubscriptionKey]struct{}

	state       atomic.Int32
	dropStreak  atomic.Int32
	once        sync.Once
	closeNotify chan struct{}
}

func newConnection(id int64, ws *websocket.Conn, hub *Hub) *Connection {
	c := &Connection{
		id:            id,
		hub:           hub,
		send:          make(chan ServerFrame, outboundBuffer),
		subscriptions: make(map[model.SubscriptionKey]struct{}),
		closeNotify:   make(chan struct{}),
	}
	c.conn.Store(ws)
	c.state.Store(int32(stateConnected))
	return c
}

// Run starts the connection's read and write pumps and blocks until
// both have returned. The read pump closes the connection when it exits,
// which also stops the write pump. Call in its own goroutine, one per
// connection.
func (c *Connection) Run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	go func() {
		defer wg.Done()
		c.readPump()
	}()
	wg.Wait()
	c.hub.removeConnection(c)
}

func (c *Connection) ws() *websocket.Conn {
	return c.conn.Load().(*websocket.Conn)
}

func (c *Connection) readPump() {
	logger := log.With().Int64("connId", c.id).Str("component", "wshub.readPump").Logger()
	log.Info().Int64("connId", c.id).Msg("DEBUG readPump starting")
	defer c.Close("")

	ws := c.ws()
	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		log.Info().Int64("connId", c.id).Str("data", string(data)).AnErr("err", err).Msg("DEBUG readPump received")
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("unexpected close")
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(ServerFrame{Type: "error", Message: "malformed frame"})
			continue
		}
		c.handleClientFrame(frame)
	}
}

func (c *Connection) handleClientFrame(frame ClientFrame) {
	exchange := model.Exchange(frame.Exchange)
	if !exchange.Valid() || frame.MarketID == "" {
		c.enqueue(ServerFrame{Type: "error", Message: "invalid exchange or marketId"})
		return
	}
	key := model.SubscriptionKey{Exchange: exchange, MarketID: frame.MarketID}

	switch frame.Action {
	case "subscribe":
		log.Info().Int64("connId", c.id).Str("key", string(frame.Exchange)+"/"+frame.MarketID).Msg("DEBUG handling subscribe")
		c.mu.Lock()
		_, already := c.subscriptions[key]
		if !already {
			c.subscriptions[key] = struct{}{}
		}
		c.mu.Unlock()
		if !already {
			c.hub.addSubscription(key, c)
		}
		log.Info().Int64("connId", c.id).Msg("DEBUG enqueueing subscribed frame")
		c.enqueue(ServerFrame{Type: "subscribed", Exchange: frame.Exchange, MarketID: frame.MarketID})
		log.Info().Int64("connId", c.id).Msg("DEBUG enqueued subscribed frame")
	case "unsubscribe":
		c.mu.Lock()
		_, existed := c.subscriptions[key]
		delete(c.subscriptions, key)
		c.mu.Unlock()
		if existed {
			c.hub.removeSubscription(key, c)
		}
		c.enqueue(ServerFrame{Type: "unsubscribed", Exchange: frame.Exchange, MarketID: frame.MarketID})
	default:
		c.enqueue(ServerFrame{Type: "error", Message: "unknown action"})
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.writeFrame(frame); err != nil {
				return
			}
		case <-ticker.C:
			ws := c.ws()
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeNotify:
			return
		}
	}
}

func (c *Connection) writeFrame(frame ServerFrame) error {
	ws := c.ws()
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, payload)
}

// enqueue delivers frame to the connection's outbound queue without
// blocking. On overflow the oldest queued frame is dropped; after
// maxDropRate consecutive drops the connection is closed with a
// server-error frame.
func (c *Connection) enqueue(frame ServerFrame) {
	if connState(c.state.Load()) != stateConnected {
		log.Info().Int64("connId", c.id).Str("type", frame.Type).Msg("DEBUG enqueue: not connected, dropping")
		return
	}

	select {
	case c.send <- frame:
		c.dropStreak.Store(0)
		return
	default:
	}
	log.Info().Int64("connId", c.id).Str("type", frame.Type).Int("sendLen", len(c.send)).Msg("DEBUG enqueue: send full, falling to drop-oldest path")

	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- frame:
	default:
	}

	c.hub.recordDrop()
	streak := c.dropStreak.Add(1)
	if streak >= maxDropRate {
		c.Close("dropped too many frames")
	}
}

// Close transitions the connection to closing/closed, optionally sending
// a server-error frame first, and unwinds its pumps.
func (c *Connection) Close(reason string) {
	c.once.Do(func() {
		c.state.Store(int32(stateClosing))
		if reason != "" {
			c.writeFrame(ServerFrame{Type: "error", Message: reason})
		}
		ws := c.ws()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
		close(c.closeNotify)
		c.state.Store(int32(stateClosed))
	})
}
