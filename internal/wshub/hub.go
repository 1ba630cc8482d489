package wshub

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nealsshah/dawn-trial/internal/bus"
	"github.com/nealsshah/dawn-trial/internal/model"
)

// DropRecorder receives a notification each time the hub drops an
// outbound frame for a slow connection, for the performance tracker.
// Defined here rather than importing internal/metrics directly, so this
// package stays free to be tested without it.
type DropRecorder interface {
	RecordHubDrop()
}

// Hub accepts client connections and fans trade events published to the
// bus out to the connections subscribed to each trade's
// (exchange, marketId). Subscription lookup is O(subscribers-for-that-
// market): a map from SubscriptionKey to a connection set behind one
// sync.RWMutex.
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	index map[model.SubscriptionKey]map[*Connection]struct{}

	nextID  atomic.Int64
	tracker DropRecorder
}

// New creates a Hub. allowedOrigin, if non-empty, is added to the
// upgrader's origin allowlist alongside same-origin requests.
func New(allowedOrigin string, tracker DropRecorder) *Hub {
	h := &Hub{
		index:   make(map[model.SubscriptionKey]map[*Connection]struct{}),
		tracker: tracker,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		},
	}
	return h
}

// ServeHTTP upgrades the request to a WebSocket connection and starts its
// I/O pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newConnection(h.nextID.Add(1), ws, h)
	log.Info().Int64("connId", conn.id).Str("remote", r.RemoteAddr).Msg("DEBUG ServeHTTP new connection")
	conn.enqueue(ServerFrame{Type: "connected", Message: "subscribe to (exchange, marketId) to receive trades"})
	go conn.Run()
}

func (h *Hub) addSubscription(key model.SubscriptionKey, c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.index[key]
	if !ok {
		set = make(map[*Connection]struct{})
		h.index[key] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) removeSubscription(key model.SubscriptionKey, c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.index[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.index, key)
	}
}

// removeConnection unsubscribes c from every key it held, cleaning up all
// subscription index entries.
func (h *Hub) removeConnection(c *Connection) {
	c.mu.Lock()
	keys := make([]model.SubscriptionKey, 0, len(c.subscriptions))
	for k := range c.subscriptions {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, k := range keys {
		h.removeSubscription(k, c)
	}
}

func (h *Hub) recordDrop() {
	if h.tracker != nil {
		h.tracker.RecordHubDrop()
	}
}

// Dispatch delivers trade to every connection subscribed to its
// (exchange, marketId).
func (h *Hub) Dispatch(trade model.Trade) {
	key := trade.Key()

	h.mu.RLock()
	set := h.index[key]
	subscribers := make([]*Connection, 0, len(set))
	for c := range set {
		subscribers = append(subscribers, c)
	}
	h.mu.RUnlock()

	frame := ServerFrame{Type: "trade", Data: toTradeWire(trade)}
	for _, c := range subscribers {
		c.enqueue(frame)
	}
}

// Run dispatches every trade received on sub until ctx is closed or sub's
// channel closes, then closes with a normal-closure frame every
// connection that holds at least one subscription. A connection with no
// subscriptions is not in the index and is not closed by Run.
func (h *Hub) Run(ctx <-chan struct{}, sub *bus.Subscription) {
	for {
		select {
		case trade, ok := <-sub.Trades:
			if !ok {
				h.closeAll()
				return
			}
			h.Dispatch(trade)
		case <-ctx:
			h.closeAll()
			return
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	seen := make(map[*Connection]struct{})
	for _, set := range h.index {
		for c := range set {
			seen[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for c := range seen {
		c.Close("")
	}
}

// ConnectionCount returns the number of distinct connections currently
// holding at least one subscription, for diagnostics.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*Connection]struct{})
	for _, set := range h.index {
		for c := range set {
			seen[c] = struct{}{}
		}
	}
	return len(seen)
}
