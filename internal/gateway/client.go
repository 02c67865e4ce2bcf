package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/chartstream/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBufferSize = 256
)

var errMissingSymbol = errors.New("missing or invalid symbol")

// Client is one downstream websocket session. rooms mirrors the hub's
// membership for this client and is guarded by the hub mutex.
type Client struct {
	id    string
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	rooms map[domain.Symbol]struct{}
	log   zerolog.Logger
}

func newClient(conn *websocket.Conn, hub *Hub, logger zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:    id,
		hub:   hub,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		rooms: make(map[domain.Symbol]struct{}),
		log:   logger.With().Str("client", id).Logger(),
	}
}

// readPump consumes subscribe/unsubscribe frames until the connection
// dies, then tears the client down. One goroutine per connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump drains the send buffer and keeps the connection alive with
// pings. Exits when the hub closes the send channel.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.log.Debug().Err(err).Msg("dropping malformed frame")
		return
	}

	switch env.Event {
	case EventSubscribe:
		sym, err := parseSymbolPayload(env.Data)
		if err != nil {
			c.ackError(EventSubscribed, err)
			return
		}
		c.hub.join(c, sym)
		c.ackSuccess(EventSubscribed, sym)

	case EventUnsubscribe:
		sym, err := parseSymbolPayload(env.Data)
		if err != nil {
			c.ackError(EventUnsubscribed, err)
			return
		}
		c.hub.leave(c, sym)
		c.ackSuccess(EventUnsubscribed, sym)

	default:
		c.log.Debug().Str("event", env.Event).Msg("dropping unknown event")
	}
}

func (c *Client) ackSuccess(event string, sym domain.Symbol) {
	c.enqueue(event, Ack{Status: "success", Symbol: sym.String()})
}

func (c *Client) ackError(event string, err error) {
	c.enqueue(event, Ack{Status: "error", Message: err.Error()})
}

// enqueue offers a frame to the send buffer without blocking; like data
// frames, acks are dropped if the client is not keeping up.
func (c *Client) enqueue(event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *Client) closeConn() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// parseSymbolPayload accepts the three historical subscribe payload
// shapes: an object {"symbol": "..."}, a JSON string containing that
// object, or a bare symbol string.
func parseSymbolPayload(data json.RawMessage) (domain.Symbol, error) {
	if len(data) == 0 {
		return "", errMissingSymbol
	}

	var obj struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Symbol != "" {
		return normalizeAndValidate(obj.Symbol)
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil && s != "" {
		if err := json.Unmarshal([]byte(s), &obj); err == nil && obj.Symbol != "" {
			return normalizeAndValidate(obj.Symbol)
		}
		return normalizeAndValidate(s)
	}

	return "", errMissingSymbol
}

func normalizeAndValidate(raw string) (domain.Symbol, error) {
	sym := domain.NormalizeSymbol(raw)
	if err := sym.Validate(); err != nil {
		return "", err
	}
	return sym, nil
}
