package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/chartstream/internal/domain"
)

// recordingHandler captures events and the order they arrived in.
type recordingHandler struct {
	mu     sync.Mutex
	prices []domain.PriceEvent
	klines []domain.Kline
	order  []string
}

func (h *recordingHandler) OnPriceEvent(ev domain.PriceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prices = append(h.prices, ev)
	h.order = append(h.order, "price")
}

func (h *recordingHandler) OnKline(k domain.Kline) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.klines = append(h.klines, k)
	h.order = append(h.order, "kline")
}

func (h *recordingHandler) snapshot() ([]domain.PriceEvent, []domain.Kline, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.PriceEvent(nil), h.prices...),
		append([]domain.Kline(nil), h.klines...),
		append([]string(nil), h.order...)
}

func newTestFeed(h Handler) *Feed {
	return NewFeed("wss://example.invalid", []string{"btcusdt@miniTicker"}, h, zerolog.Nop())
}

func TestProcessFrame_MiniTicker(t *testing.T) {
	h := &recordingHandler{}
	f := newTestFeed(h)

	frame := `{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","E":1700000001000,"s":"btcusdt","c":"93521.10","o":"91000.00","h":"94000.00","l":"90500.00","v":"12345.678","q":"1145678901.23"}}`
	f.processFrame([]byte(frame))

	prices, klines, _ := h.snapshot()
	if len(klines) != 0 {
		t.Fatalf("miniTicker should not produce klines, got %d", len(klines))
	}
	if len(prices) != 1 {
		t.Fatalf("expected 1 price event, got %d", len(prices))
	}

	ev := prices[0]
	if ev.Symbol != "BTCUSDT" {
		t.Errorf("symbol should be normalized to BTCUSDT, got %s", ev.Symbol)
	}
	if ev.Price != "93521.10" {
		t.Errorf("price should come from c field, got %s", ev.Price)
	}
	if ev.Ts != 1700000001000 {
		t.Errorf("ts should come from E field, got %d", ev.Ts)
	}
	if ev.Source != domain.SourceMiniTicker {
		t.Errorf("unexpected source %s", ev.Source)
	}
	if len(ev.Raw) == 0 {
		t.Error("raw payload should be preserved")
	}
}

func TestProcessFrame_Trade(t *testing.T) {
	h := &recordingHandler{}
	f := newTestFeed(h)

	frame := `{"stream":"ethusdt@trade","data":{"e":"trade","E":1700000002000,"s":"ETHUSDT","t":123456789,"p":"3050.55","q":"1.5","T":1700000001999,"m":true}}`
	f.processFrame([]byte(frame))

	prices, _, _ := h.snapshot()
	if len(prices) != 1 {
		t.Fatalf("expected 1 price event, got %d", len(prices))
	}
	ev := prices[0]
	if ev.Symbol != "ETHUSDT" || ev.Price != "3050.55" || ev.Ts != 1700000002000 {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Source != domain.SourceTrade {
		t.Errorf("unexpected source %s", ev.Source)
	}
}

func TestProcessFrame_Kline(t *testing.T) {
	h := &recordingHandler{}
	f := newTestFeed(h)

	frame := `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1700000003000,"s":"BTCUSDT","k":{"t":1699999980000,"T":1700000039999,"s":"BTCUSDT","i":"1m","f":100,"L":200,"o":"93500.00","c":"93521.10","h":"93550.00","l":"93480.00","v":"25.5","n":101,"x":false,"q":"2384285.55","V":"12.2","Q":"1140923.11","B":"0"}}}`
	f.processFrame([]byte(frame))

	prices, klines, order := h.snapshot()
	if len(klines) != 1 || len(prices) != 1 {
		t.Fatalf("expected 1 kline and 1 price event, got %d/%d", len(klines), len(prices))
	}

	// The candle must reach the handler before the derived price tick.
	if order[0] != "kline" || order[1] != "price" {
		t.Errorf("kline should be delivered before the derived price event, order %v", order)
	}

	k := klines[0]
	if k.Symbol != "BTCUSDT" || k.Interval != domain.Interval1m {
		t.Errorf("unexpected candle identity %s %s", k.Symbol, k.Interval)
	}
	if k.OpenTime != 1699999980000 || k.CloseTime != 1700000039999 {
		t.Errorf("unexpected candle window %d-%d", k.OpenTime, k.CloseTime)
	}
	if k.Open != "93500.00" || k.High != "93550.00" || k.Low != "93480.00" || k.Close != "93521.10" {
		t.Errorf("unexpected OHLC %s/%s/%s/%s", k.Open, k.High, k.Low, k.Close)
	}
	if k.Volume != "25.5" || k.QuoteVolume != "2384285.55" || k.Trades != 101 {
		t.Errorf("unexpected volume fields %s/%s/%d", k.Volume, k.QuoteVolume, k.Trades)
	}
	if k.TakerBuyBaseVolume != "12.2" || k.TakerBuyQuoteVolume != "1140923.11" {
		t.Errorf("unexpected taker fields %s/%s", k.TakerBuyBaseVolume, k.TakerBuyQuoteVolume)
	}
	if k.IsClosed {
		t.Error("x:false candle must not be closed")
	}

	ev := prices[0]
	if ev.Price != "93521.10" {
		t.Errorf("derived price should be the candle close, got %s", ev.Price)
	}
	if ev.Ts != 1700000003000 {
		t.Errorf("derived ts should be the event time, got %d", ev.Ts)
	}
	if ev.Source != domain.SourceKline {
		t.Errorf("unexpected source %s", ev.Source)
	}
}

func TestProcessFrame_ClosedKline(t *testing.T) {
	h := &recordingHandler{}
	f := newTestFeed(h)

	frame := `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1700000040100,"s":"BTCUSDT","k":{"t":1699999980000,"T":1700000039999,"s":"BTCUSDT","i":"1m","o":"93500.00","c":"93540.00","h":"93550.00","l":"93480.00","v":"26.0","n":110,"x":true,"q":"2431040.00","V":"13.0","Q":"1216020.00","B":"0"}}}`
	f.processFrame([]byte(frame))

	_, klines, _ := h.snapshot()
	if len(klines) != 1 {
		t.Fatalf("expected 1 kline, got %d", len(klines))
	}
	if !klines[0].IsClosed {
		t.Error("x:true candle must be closed")
	}
}

func TestProcessFrame_IgnoresControlFrames(t *testing.T) {
	h := &recordingHandler{}
	f := newTestFeed(h)

	for _, frame := range []string{
		`{"result":null,"id":1}`,
		`{"stream":"btcusdt@miniTicker","data":{"s":"BTCUSDT","c":"1.0"}}`,
		`{"stream":"btcusdt@depth","data":{"e":"depthUpdate","E":1,"s":"BTCUSDT"}}`,
		`not json at all`,
		``,
	} {
		f.processFrame([]byte(frame))
	}

	prices, klines, _ := h.snapshot()
	if len(prices) != 0 || len(klines) != 0 {
		t.Errorf("control and unknown frames must be dropped, got %d prices %d klines", len(prices), len(klines))
	}
}

func TestReconnectDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
		{0, 0},
	}
	for _, tc := range cases {
		if got := reconnectDelay(tc.attempt); got != tc.want {
			t.Errorf("reconnectDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestFeed_DeliversEventsOverWebSocket(t *testing.T) {
	frame := `{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","E":1700000001000,"s":"BTCUSDT","c":"93521.10"}}`
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	h := &recordingHandler{}
	feed := NewFeed(wsURL, []string{"btcusdt@miniTicker"}, h, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)
	defer feed.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		prices, _, _ := h.snapshot()
		if len(prices) > 0 {
			if !feed.Connected() {
				t.Error("feed should report connected while the socket is open")
			}
			if prices[0].Symbol != "BTCUSDT" {
				t.Errorf("unexpected symbol %s", prices[0].Symbol)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no event delivered over websocket")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
