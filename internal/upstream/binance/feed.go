package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/chartstream/internal/domain"
	"github.com/sawpanic/chartstream/internal/metrics"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 5 * time.Second

	// Binance pings every ~3 minutes; the deadline is refreshed on every
	// read and on every ping, so a healthy but quiet stream stays up.
	readWait = 5 * time.Minute

	reconnectBase  = time.Second
	reconnectMax   = 30 * time.Second
	maxReconnects  = 10
	closeGraceWait = time.Second
)

// Handler receives normalized events from the upstream feed. For kline
// events OnKline fires before the derived OnPriceEvent so consumers see
// the candle before the price tick built from it.
type Handler interface {
	OnPriceEvent(ev domain.PriceEvent)
	OnKline(k domain.Kline)
}

// Feed maintains a combined-stream websocket connection to Binance and
// pushes every decoded event into the handler. It reconnects on failures
// with exponential backoff and gives up after maxReconnects consecutive
// failed attempts.
type Feed struct {
	baseURL string
	streams []string
	handler Handler
	log     zerolog.Logger
	m       *metrics.Registry

	mu          sync.RWMutex
	conn        *websocket.Conn
	isConnected bool

	closeOnce sync.Once
	closeCh   chan struct{}
	done      chan struct{}
}

// NewFeed builds a feed for the given stream names (for example
// "btcusdt@miniTicker"). The handler must not block.
func NewFeed(baseURL string, streams []string, handler Handler, logger zerolog.Logger) *Feed {
	return &Feed{
		baseURL: strings.TrimRight(baseURL, "/"),
		streams: streams,
		handler: handler,
		log:     logger.With().Str("component", "binance_feed").Logger(),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Instrument attaches feed metrics.
func (f *Feed) Instrument(m *metrics.Registry) { f.m = m }

// Run connects and reads until the context is cancelled, Close is called,
// or the reconnect budget is exhausted. It blocks and is meant to run in
// its own goroutine.
func (f *Feed) Run(ctx context.Context) {
	defer close(f.done)
	defer f.markDisconnected()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.closeCh:
			return
		default:
		}

		if attempts > 0 {
			if attempts > maxReconnects {
				f.log.Error().Int("attempts", attempts-1).Msg("reconnect budget exhausted, abandoning upstream feed")
				return
			}
			delay := reconnectDelay(attempts)
			f.log.Warn().Dur("delay", delay).Int("attempt", attempts).Msg("reconnecting to upstream")
			select {
			case <-ctx.Done():
				return
			case <-f.closeCh:
				return
			case <-time.After(delay):
			}
		}

		if err := f.connect(ctx); err != nil {
			f.log.Error().Err(err).Msg("upstream connect failed")
			if f.m != nil {
				f.m.FeedReconnects.Inc()
			}
			attempts++
			continue
		}
		attempts = 0

		f.readLoop(ctx)
		f.markDisconnected()
		if ctx.Err() != nil {
			return
		}
		select {
		case <-f.closeCh:
			return
		default:
		}
		if f.m != nil {
			f.m.FeedReconnects.Inc()
		}
		attempts++
	}
}

// Connected reports whether the upstream socket is currently open.
func (f *Feed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.isConnected
}

// Close tears the connection down and stops the run loop. Safe to call
// more than once and before Run has started.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.closeCh) })

	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}

	select {
	case <-f.done:
	case <-time.After(closeGraceWait):
	}
}

func (f *Feed) connect(ctx context.Context) error {
	url := fmt.Sprintf("%s/stream?streams=%s", f.baseURL, strings.Join(f.streams, "/"))

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	f.mu.Lock()
	f.conn = conn
	f.isConnected = true
	f.mu.Unlock()

	if f.m != nil {
		f.m.FeedConnects.Inc()
		f.m.SetFeedConnected(true)
	}
	f.log.Info().Str("url", url).Int("streams", len(f.streams)).Msg("upstream connected")
	return nil
}

func (f *Feed) readLoop(ctx context.Context) {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.closeCh:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			case <-f.closeCh:
			default:
				f.log.Warn().Err(err).Msg("upstream read failed")
			}
			return
		}
		f.processFrame(data)
	}
}

// processFrame unwraps one combined-stream frame and routes its payload.
func (f *Feed) processFrame(data []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		if f.m != nil {
			f.m.FeedDecodeErrors.Inc()
		}
		f.log.Debug().Err(err).Msg("dropping undecodable frame")
		return
	}
	if len(frame.Data) == 0 {
		// Subscription acks and other control frames have no data field.
		return
	}
	f.handleEvent(frame.Data)
}

func (f *Feed) handleEvent(data json.RawMessage) {
	var hdr eventHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		if f.m != nil {
			f.m.FeedDecodeErrors.Inc()
		}
		return
	}
	if hdr.Type == "" {
		return
	}

	switch hdr.Type {
	case eventMiniTicker:
		var ev MiniTickerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			f.decodeError(hdr.Type, err)
			return
		}
		f.countEvent(string(domain.SourceMiniTicker))
		f.handler.OnPriceEvent(domain.PriceEvent{
			Symbol: domain.NormalizeSymbol(ev.Symbol),
			Price:  ev.Close,
			Ts:     ev.EventTime,
			Source: domain.SourceMiniTicker,
			Raw:    data,
		})

	case eventTrade:
		var ev TradeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			f.decodeError(hdr.Type, err)
			return
		}
		f.countEvent(string(domain.SourceTrade))
		f.handler.OnPriceEvent(domain.PriceEvent{
			Symbol: domain.NormalizeSymbol(ev.Symbol),
			Price:  ev.Price,
			Ts:     ev.EventTime,
			Source: domain.SourceTrade,
			Raw:    data,
		})

	case eventKline:
		var ev KlineEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			f.decodeError(hdr.Type, err)
			return
		}
		f.countEvent(string(domain.SourceKline))
		k := ev.Kline.Domain()
		f.handler.OnKline(k)
		f.handler.OnPriceEvent(domain.PriceEvent{
			Symbol: k.Symbol,
			Price:  k.Close,
			Ts:     ev.EventTime,
			Source: domain.SourceKline,
			Raw:    data,
		})

	default:
		f.log.Debug().Str("event", hdr.Type).Msg("dropping unknown event type")
	}
}

func (f *Feed) countEvent(source string) {
	if f.m != nil {
		f.m.FeedEvents.WithLabelValues(source).Inc()
	}
}

func (f *Feed) decodeError(eventType string, err error) {
	if f.m != nil {
		f.m.FeedDecodeErrors.Inc()
	}
	f.log.Debug().Err(err).Str("event", eventType).Msg("dropping malformed event")
}

func (f *Feed) markDisconnected() {
	f.mu.Lock()
	wasConnected := f.isConnected
	f.isConnected = false
	f.conn = nil
	f.mu.Unlock()

	if wasConnected {
		if f.m != nil {
			f.m.SetFeedConnected(false)
		}
		f.log.Info().Msg("upstream disconnected")
	}
}

// reconnectDelay returns the wait before reconnect attempt n (1-based):
// 1s, 2s, 4s, ... capped at 30s.
func reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	shift := uint(attempt - 1)
	if shift > 10 {
		shift = 10
	}
	d := reconnectBase << shift
	if d > reconnectMax {
		d = reconnectMax
	}
	return d
}
