package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/chartstream/internal/domain"
	"github.com/sawpanic/chartstream/internal/net/breaker"
	"github.com/sawpanic/chartstream/internal/net/ratelimit"
)

// Upstream failure classes. Handlers map these onto HTTP status codes.
var (
	ErrTooManyRequests = errors.New("upstream rate limited")
	ErrUnknownSymbol   = errors.New("unknown symbol")
	ErrBadGateway      = errors.New("upstream unavailable")
)

const (
	// DefaultKlineLimit is used when a request does not specify a limit.
	DefaultKlineLimit = 500
	// MaxKlineLimit is the most candles the exchange returns per call.
	MaxKlineLimit = 1000
)

// invalidSymbolCode is the Binance error code for an unknown trading pair.
const invalidSymbolCode = -1121

// ClientConfig holds REST client configuration.
type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	UserAgent      string
}

// Client fetches historical candles over the exchange REST API with
// per-host rate limiting and a circuit breaker in front of the wire.
type Client struct {
	httpClient *http.Client
	baseURL    string
	host       string
	userAgent  string
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	log        zerolog.Logger
}

// NewClient creates a REST client. Zero-value config fields fall back to
// production defaults.
func NewClient(config ClientConfig, logger zerolog.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.binance.com"
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 10.0
	}
	if config.RateLimitBurst == 0 {
		config.RateLimitBurst = 20
	}
	if config.UserAgent == "" {
		config.UserAgent = "chartstream/1.0"
	}

	host := config.BaseURL
	if u, err := url.Parse(config.BaseURL); err == nil && u.Host != "" {
		host = u.Host
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		baseURL:   config.BaseURL,
		host:      host,
		userAgent: config.UserAgent,
		limiter:   ratelimit.NewLimiter(config.RateLimitRPS, config.RateLimitBurst),
		breaker:   breaker.New("binance_rest", logger),
		log:       logger.With().Str("component", "binance_rest").Logger(),
	}
}

// KlinesRequest describes one candle fetch. StartTime and EndTime are
// optional epoch-millisecond bounds on openTime.
type KlinesRequest struct {
	Symbol    domain.Symbol
	Interval  domain.Interval
	StartTime *int64
	EndTime   *int64
	Limit     int
}

type klinesResult struct {
	klines []domain.Kline
	err    error
}

// Klines fetches up to MaxKlineLimit candles, oldest first. All returned
// candles are marked closed.
func (c *Client) Klines(ctx context.Context, req KlinesRequest) ([]domain.Kline, error) {
	if err := req.Symbol.Validate(); err != nil {
		return nil, err
	}
	if !req.Interval.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidInterval, req.Interval)
	}

	if err := c.limiter.Wait(ctx, c.host); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	reqURL := c.klinesURL(req)
	result, err := c.breaker.Execute(func() (any, error) {
		klines, err := c.fetchKlines(ctx, reqURL, req)
		if errors.Is(err, ErrUnknownSymbol) {
			// A bad symbol is a caller mistake, not upstream ill health.
			return klinesResult{err: err}, nil
		}
		if err != nil {
			return nil, err
		}
		return klinesResult{klines: klines}, nil
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return nil, fmt.Errorf("circuit open: %w", ErrBadGateway)
		}
		return nil, err
	}

	res := result.(klinesResult)
	if res.err != nil {
		return nil, res.err
	}
	return res.klines, nil
}

func (c *Client) klinesURL(req KlinesRequest) string {
	params := url.Values{}
	params.Set("symbol", req.Symbol.String())
	params.Set("interval", string(req.Interval))

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultKlineLimit
	}
	if limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}
	params.Set("limit", strconv.Itoa(limit))

	if req.StartTime != nil {
		params.Set("startTime", strconv.FormatInt(*req.StartTime, 10))
	}
	if req.EndTime != nil {
		params.Set("endTime", strconv.FormatInt(*req.EndTime, 10))
	}

	return fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, params.Encode())
}

func (c *Client) fetchKlines(ctx context.Context, reqURL string, req KlinesRequest) ([]domain.Kline, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrBadGateway)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", ErrBadGateway)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		// 418 is the exchange's ban response after ignored 429s.
		return nil, ErrTooManyRequests
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code == invalidSymbolCode {
			return nil, fmt.Errorf("%s: %w", req.Symbol, ErrUnknownSymbol)
		}
		c.log.Warn().Int("status", resp.StatusCode).Str("symbol", req.Symbol.String()).Msg("upstream klines request failed")
		return nil, fmt.Errorf("upstream status %d: %w", resp.StatusCode, ErrBadGateway)
	}

	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	klines := make([]domain.Kline, 0, len(rows))
	for i, row := range rows {
		k, err := parseKlineRow(row, req.Symbol, req.Interval)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// parseKlineRow decodes one positional kline array:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume,
// trades, takerBuyBase, takerBuyQuote, ignored].
func parseKlineRow(row []any, symbol domain.Symbol, interval domain.Interval) (domain.Kline, error) {
	if len(row) < 11 {
		return domain.Kline{}, fmt.Errorf("short row: %d fields", len(row))
	}

	openTime, err := rowInt64(row[0])
	if err != nil {
		return domain.Kline{}, fmt.Errorf("openTime: %w", err)
	}
	closeTime, err := rowInt64(row[6])
	if err != nil {
		return domain.Kline{}, fmt.Errorf("closeTime: %w", err)
	}
	trades, err := rowInt64(row[8])
	if err != nil {
		return domain.Kline{}, fmt.Errorf("trades: %w", err)
	}

	return domain.Kline{
		Symbol:              symbol,
		Interval:            interval,
		OpenTime:            openTime,
		CloseTime:           closeTime,
		Open:                rowString(row[1]),
		High:                rowString(row[2]),
		Low:                 rowString(row[3]),
		Close:               rowString(row[4]),
		Volume:              rowString(row[5]),
		QuoteVolume:         rowString(row[7]),
		Trades:              trades,
		TakerBuyBaseVolume:  rowString(row[9]),
		TakerBuyQuoteVolume: rowString(row[10]),
		IsClosed:            true,
	}, nil
}

func rowInt64(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func rowString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}
