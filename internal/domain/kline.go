package domain

import "fmt"

// Kline is one persisted OHLCV candle. All monetary and volume fields are
// decimal strings, never floats; timestamps are unix milliseconds.
type Kline struct {
	Symbol              Symbol   `json:"symbol" bson:"symbol"`
	Interval            Interval `json:"interval" bson:"interval"`
	OpenTime            int64    `json:"openTime" bson:"openTime"`
	CloseTime           int64    `json:"closeTime" bson:"closeTime"`
	Open                string   `json:"open" bson:"open"`
	High                string   `json:"high" bson:"high"`
	Low                 string   `json:"low" bson:"low"`
	Close               string   `json:"close" bson:"close"`
	Volume              string   `json:"volume" bson:"volume"`
	QuoteVolume         string   `json:"quoteVolume" bson:"quoteVolume"`
	Trades              int64    `json:"trades" bson:"trades"`
	TakerBuyBaseVolume  string   `json:"takerBuyBaseVolume" bson:"takerBuyBaseVolume"`
	TakerBuyQuoteVolume string   `json:"takerBuyQuoteVolume" bson:"takerBuyQuoteVolume"`
	IsClosed            bool     `json:"isClosed" bson:"isClosed"`
}

// Validate checks the structural invariants a candle must hold before it is
// allowed near the store.
func (k Kline) Validate() error {
	if err := k.Symbol.Validate(); err != nil {
		return fmt.Errorf("kline: %w", err)
	}
	if !k.Interval.Valid() {
		return fmt.Errorf("kline %s: %w: %q", k.Symbol, ErrInvalidInterval, string(k.Interval))
	}
	if k.OpenTime <= 0 {
		return fmt.Errorf("kline %s %s: openTime must be positive, got %d", k.Symbol, k.Interval, k.OpenTime)
	}
	if k.CloseTime <= k.OpenTime {
		return fmt.Errorf("kline %s %s: closeTime %d not after openTime %d", k.Symbol, k.Interval, k.CloseTime, k.OpenTime)
	}
	if k.Open == "" || k.High == "" || k.Low == "" || k.Close == "" {
		return fmt.Errorf("kline %s %s @%d: empty OHLC field", k.Symbol, k.Interval, k.OpenTime)
	}
	return nil
}
