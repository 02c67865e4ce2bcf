package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/chartstream/internal/domain"
	"github.com/sawpanic/chartstream/internal/metrics"
)

// Wire event names. Every frame in both directions is an Envelope.
const (
	EventSubscribe    = "subscribe"
	EventUnsubscribe  = "unsubscribe"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventPriceUpdate  = "priceUpdate"
	EventKlineUpdate  = "klineUpdate"
)

// Envelope is the gateway wire format: {"event": ..., "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack answers subscribe/unsubscribe requests.
type Ack struct {
	Status  string `json:"status"`
	Symbol  string `json:"symbol,omitempty"`
	Message string `json:"message,omitempty"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Hub owns every downstream connection and the symbol rooms they join.
// Outbound delivery is volatile: a frame is offered to each member's send
// buffer once and dropped for members that are not writable. Membership
// and fan-out share one RWMutex; rooms change only on subscribe,
// unsubscribe and disconnect, so broadcasts run under the read lock.
type Hub struct {
	log      zerolog.Logger
	m        *metrics.Registry
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[domain.Symbol]map[*Client]struct{}
	closed  bool
}

// NewHub creates the gateway hub. allowedOrigin is matched against the
// Origin header during upgrade; "*" accepts any origin.
func NewHub(allowedOrigin string, logger zerolog.Logger) *Hub {
	h := &Hub{
		log:     logger.With().Str("component", "gateway").Logger(),
		clients: make(map[*Client]struct{}),
		rooms:   make(map[domain.Symbol]map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		},
	}
	return h
}

// Instrument attaches gateway metrics.
func (h *Hub) Instrument(m *metrics.Registry) { h.m = m }

// HandleUpgrade upgrades an HTTP request to a websocket session and
// starts the per-connection pumps. Mounted under /prices.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := newClient(conn, h, h.log)
	if !h.register(client) {
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	if h.m != nil {
		h.m.GatewayClients.Set(float64(count))
	}
	h.log.Info().Str("client", c.id).Int("clients", count).Msg("client connected")
	return true
}

// unregister drops the client from every room and closes its send
// channel. Safe to call once per client; readPump owns that call.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for sym := range c.rooms {
		h.removeFromRoom(c, sym)
	}
	count := len(h.clients)
	roomCount := len(h.rooms)
	h.mu.Unlock()

	close(c.send)
	if h.m != nil {
		h.m.GatewayClients.Set(float64(count))
		h.m.GatewayRooms.Set(float64(roomCount))
	}
	h.log.Info().Str("client", c.id).Int("clients", count).Msg("client disconnected")
}

// join adds the client to the symbol's room, creating it on first join.
func (h *Hub) join(c *Client, sym domain.Symbol) {
	h.mu.Lock()
	room, ok := h.rooms[sym]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[sym] = room
	}
	room[c] = struct{}{}
	c.rooms[sym] = struct{}{}
	roomCount := len(h.rooms)
	h.mu.Unlock()

	if h.m != nil {
		h.m.GatewayRooms.Set(float64(roomCount))
	}
	h.log.Debug().Str("client", c.id).Str("symbol", sym.String()).Msg("joined room")
}

// leave removes the client from the symbol's room; empty rooms are
// deleted so membership is exactly the set of live subscriptions.
func (h *Hub) leave(c *Client, sym domain.Symbol) {
	h.mu.Lock()
	h.removeFromRoom(c, sym)
	delete(c.rooms, sym)
	roomCount := len(h.rooms)
	h.mu.Unlock()

	if h.m != nil {
		h.m.GatewayRooms.Set(float64(roomCount))
	}
	h.log.Debug().Str("client", c.id).Str("symbol", sym.String()).Msg("left room")
}

// removeFromRoom must run with h.mu held.
func (h *Hub) removeFromRoom(c *Client, sym domain.Symbol) {
	room, ok := h.rooms[sym]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, sym)
	}
}

// BroadcastPrice fans a price tick out to the symbol's room.
func (h *Hub) BroadcastPrice(ev domain.PriceEvent) {
	frame, err := encodeFrame(EventPriceUpdate, ev.Update())
	if err != nil {
		h.log.Error().Err(err).Msg("encode priceUpdate failed")
		return
	}
	h.fanOut(ev.Symbol, EventPriceUpdate, frame)
}

// BroadcastKline fans a candle out to the symbol's room.
func (h *Hub) BroadcastKline(k domain.Kline) {
	frame, err := encodeFrame(EventKlineUpdate, k)
	if err != nil {
		h.log.Error().Err(err).Msg("encode klineUpdate failed")
		return
	}
	h.fanOut(k.Symbol, EventKlineUpdate, frame)
}

func (h *Hub) fanOut(sym domain.Symbol, event string, frame []byte) {
	var sent, dropped int

	h.mu.RLock()
	for c := range h.rooms[sym] {
		select {
		case c.send <- frame:
			sent++
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	if h.m != nil {
		if sent > 0 {
			h.m.GatewayFramesSent.WithLabelValues(event).Add(float64(sent))
		}
		if dropped > 0 {
			h.m.GatewayFramesDropped.WithLabelValues(event).Add(float64(dropped))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of rooms with at least one subscriber.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Close disconnects every client and rejects further registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closeConn()
	}
	h.log.Info().Int("clients", len(clients)).Msg("gateway closed")
}
