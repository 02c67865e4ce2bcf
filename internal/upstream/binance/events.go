package binance

import (
	"encoding/json"

	"github.com/sawpanic/chartstream/internal/domain"
)

// Stream event discriminators carried in the data.e field.
const (
	eventMiniTicker = "24hrMiniTicker"
	eventTrade      = "trade"
	eventKline      = "kline"
)

// combinedFrame is the envelope of the /stream?streams= endpoint.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// eventHeader probes the discriminator without decoding the full payload.
type eventHeader struct {
	Type string `json:"e"`
}

// MiniTickerEvent is the 24hrMiniTicker stream payload.
type MiniTickerEvent struct {
	Type        string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	Close       string `json:"c"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
}

// TradeEvent is the trade stream payload.
type TradeEvent struct {
	Type         string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// KlineEvent is the kline stream payload.
type KlineEvent struct {
	Type      string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     KlinePayload `json:"k"`
}

// KlinePayload is the candle object nested in a kline event.
type KlinePayload struct {
	OpenTime            int64  `json:"t"`
	CloseTime           int64  `json:"T"`
	Symbol              string `json:"s"`
	Interval            string `json:"i"`
	FirstTradeID        int64  `json:"f"`
	LastTradeID         int64  `json:"L"`
	Open                string `json:"o"`
	Close               string `json:"c"`
	High                string `json:"h"`
	Low                 string `json:"l"`
	Volume              string `json:"v"`
	Trades              int64  `json:"n"`
	IsFinal             bool   `json:"x"`
	QuoteVolume         string `json:"q"`
	TakerBuyBaseVolume  string `json:"V"`
	TakerBuyQuoteVolume string `json:"Q"`
}

// Domain converts the exchange candle into the persisted form.
func (k KlinePayload) Domain() domain.Kline {
	return domain.Kline{
		Symbol:              domain.NormalizeSymbol(k.Symbol),
		Interval:            domain.Interval(k.Interval),
		OpenTime:            k.OpenTime,
		CloseTime:           k.CloseTime,
		Open:                k.Open,
		High:                k.High,
		Low:                 k.Low,
		Close:               k.Close,
		Volume:              k.Volume,
		QuoteVolume:         k.QuoteVolume,
		Trades:              k.Trades,
		TakerBuyBaseVolume:  k.TakerBuyBaseVolume,
		TakerBuyQuoteVolume: k.TakerBuyQuoteVolume,
		IsClosed:            k.IsFinal,
	}
}
