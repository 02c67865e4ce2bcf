package domain

import "encoding/json"

// EventSource identifies which upstream stream variant produced a PriceEvent.
type EventSource string

const (
	SourceMiniTicker EventSource = "miniTicker"
	SourceTrade      EventSource = "trade"
	SourceKline      EventSource = "kline"
)

// PriceEvent is the normalized in-memory tick. Price stays a decimal string
// end-to-end to preserve exchange-reported precision. Raw carries the
// original upstream payload so cross-replica subscribers can recover
// variant-specific fields (notably kline candles) without re-decoding state.
type PriceEvent struct {
	Symbol Symbol          `json:"symbol"`
	Price  string          `json:"price"`
	Ts     int64           `json:"ts"`
	Source EventSource     `json:"source"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// PriceUpdate is the outbound wire form fanned out to subscribers. Keys are
// deliberately short; this frame dominates downstream bandwidth.
type PriceUpdate struct {
	S string `json:"s"`
	P string `json:"p"`
	T int64  `json:"t"`
}

// Update converts the event to its wire form.
func (e PriceEvent) Update() PriceUpdate {
	return PriceUpdate{S: string(e.Symbol), P: e.Price, T: e.Ts}
}
