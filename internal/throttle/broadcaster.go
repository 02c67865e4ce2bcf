package throttle

import (
	"time"

	"github.com/sawpanic/chartstream/internal/domain"
	"github.com/sawpanic/chartstream/internal/metrics"
)

// Emission rate ceilings per channel.
const (
	PriceBroadcastInterval = 200 * time.Millisecond
	KlineBroadcastInterval = 500 * time.Millisecond
	PricePersistInterval   = 1000 * time.Millisecond
	KlinePersistInterval   = 5000 * time.Millisecond
)

// Sinks receive the values that survive throttling. All four must be
// non-blocking; downstream fan-out is volatile and persistence hops through
// a queue or goroutine.
type Sinks struct {
	BroadcastPrice func(domain.PriceEvent)
	BroadcastKline func(domain.Kline)
	PersistPrice   func(domain.PriceEvent)
	PersistKline   func(domain.Kline)
}

// Broadcaster is the throttling stage between the upstream feed and
// everything downstream. It owns four independent per-key emitters:
//
//	price broadcast    keyed by symbol             200 ms
//	kline broadcast    keyed by symbol:interval    500 ms
//	price persistence  keyed by symbol             1000 ms
//	kline persistence  keyed by symbol:interval    5000 ms, closed candles immediate
type Broadcaster struct {
	prices       *Emitter[domain.PriceEvent]
	klines       *Emitter[domain.Kline]
	persistPrice *Emitter[domain.PriceEvent]
	persistKline *Emitter[domain.Kline]
}

// NewBroadcaster wires the four emitters to their sinks.
func NewBroadcaster(s Sinks) *Broadcaster {
	return &Broadcaster{
		prices: NewEmitter("price", PriceBroadcastInterval, func(_ string, ev domain.PriceEvent) {
			s.BroadcastPrice(ev)
		}),
		klines: NewEmitter("kline", KlineBroadcastInterval, func(_ string, k domain.Kline) {
			s.BroadcastKline(k)
		}),
		persistPrice: NewEmitter("persist_price", PricePersistInterval, func(_ string, ev domain.PriceEvent) {
			s.PersistPrice(ev)
		}),
		persistKline: NewEmitter("persist_kline", KlinePersistInterval, func(_ string, k domain.Kline) {
			s.PersistKline(k)
		}),
	}
}

// Instrument attaches per-channel counters.
func (b *Broadcaster) Instrument(m *metrics.Registry) {
	b.prices.Instrument(m.ThrottleEmits.WithLabelValues("price"), m.ThrottleCoalesced.WithLabelValues("price"))
	b.klines.Instrument(m.ThrottleEmits.WithLabelValues("kline"), m.ThrottleCoalesced.WithLabelValues("kline"))
	b.persistPrice.Instrument(m.ThrottleEmits.WithLabelValues("persist_price"), m.ThrottleCoalesced.WithLabelValues("persist_price"))
	b.persistKline.Instrument(m.ThrottleEmits.WithLabelValues("persist_kline"), m.ThrottleCoalesced.WithLabelValues("persist_kline"))
}

// OnPriceEvent routes a normalized tick into the price broadcast and price
// persistence channels.
func (b *Broadcaster) OnPriceEvent(ev domain.PriceEvent) {
	key := string(ev.Symbol)
	b.prices.Publish(key, ev)
	b.persistPrice.Publish(key, ev)
}

// OnKline routes a candle into the kline broadcast and kline persistence
// channels. A closed candle skips the persistence throttle so the final state
// of every candle is stored on first observation.
func (b *Broadcaster) OnKline(k domain.Kline) {
	key := klineKey(k)
	b.klines.Publish(key, k)
	if k.IsClosed {
		b.persistKline.PublishNow(key, k)
	} else {
		b.persistKline.Publish(key, k)
	}
}

// Flush drains all armed timers across the four channels. Called once at
// shutdown, after the feed has stopped producing.
func (b *Broadcaster) Flush() {
	b.prices.Flush()
	b.klines.Flush()
	b.persistPrice.Flush()
	b.persistKline.Flush()
}

func klineKey(k domain.Kline) string {
	return string(k.Symbol) + ":" + string(k.Interval)
}
