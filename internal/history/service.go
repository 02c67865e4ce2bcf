package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/chartstream/internal/cache"
	"github.com/sawpanic/chartstream/internal/domain"
	"github.com/sawpanic/chartstream/internal/metrics"
	"github.com/sawpanic/chartstream/internal/store"
	"github.com/sawpanic/chartstream/internal/upstream/binance"
)

const (
	// DefaultLimit applies when a query does not specify a row count.
	DefaultLimit = 500
	// MaxLimit caps any query, matching the upstream per-call maximum.
	MaxLimit = 1000

	// staleFactor: without a time range, DB rows older than
	// staleFactor * interval are considered stale and refreshed upstream.
	staleFactor = 3

	// fallbackCacheTTL bounds how long an upstream fallback response is
	// reused. Only latest-window queries are cached; the DB freshness
	// window (3 intervals, >= 3 minutes) dwarfs this TTL.
	fallbackCacheTTL = 30 * time.Second

	warmTimeout = 15 * time.Second
)

// CandleStore is the persistence surface the read path queries and warms.
type CandleStore interface {
	RangeKlines(ctx context.Context, q store.RangeQuery) ([]domain.Kline, error)
	BulkUpsertKlines(ctx context.Context, ks []domain.Kline) (int64, error)
	CountKlines(ctx context.Context, symbol domain.Symbol, interval domain.Interval) (int64, error)
	LatestOpenTime(ctx context.Context, symbol domain.Symbol, interval domain.Interval) (int64, error)
}

// Fetcher pulls candles from the upstream REST API.
type Fetcher interface {
	Klines(ctx context.Context, req binance.KlinesRequest) ([]domain.Kline, error)
}

// Query selects a candle range. StartTime/EndTime are optional epoch-ms
// bounds on openTime; results are always ascending.
type Query struct {
	Symbol    domain.Symbol
	Interval  domain.Interval
	StartTime *int64
	EndTime   *int64
	Limit     int
}

// HasRange reports whether the caller bounded openTime.
func (q Query) HasRange() bool {
	return q.StartTime != nil || q.EndTime != nil
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultLimit
	case q.Limit > MaxLimit:
		return MaxLimit
	default:
		return q.Limit
	}
}

// Service answers historical candle queries DB-first, falling back to
// the upstream REST API when the store is short or stale, and warming
// the store with whatever the fallback returned.
type Service struct {
	store   CandleStore
	fetcher Fetcher
	cache   cache.Cache
	log     zerolog.Logger
	m       *metrics.Registry
	now     func() time.Time
}

// NewService wires the read path. respCache may be nil to disable
// fallback response caching.
func NewService(cs CandleStore, fetcher Fetcher, respCache cache.Cache, logger zerolog.Logger) *Service {
	return &Service{
		store:   cs,
		fetcher: fetcher,
		cache:   respCache,
		log:     logger.With().Str("component", "history").Logger(),
		now:     time.Now,
	}
}

// Instrument attaches history metrics.
func (s *Service) Instrument(m *metrics.Registry) { s.m = m }

// GetHistoricalKlines implements the DB-first read:
//  1. query the store (range queries oldest-first, otherwise the latest
//     window, ascending either way);
//  2. serve the DB rows when they are complete and, for latest-window
//     queries, fresh;
//  3. otherwise fetch the same window upstream, serve that, and warm the
//     store in the background.
func (s *Service) GetHistoricalKlines(ctx context.Context, q Query) ([]domain.Kline, error) {
	if err := q.Symbol.Validate(); err != nil {
		return nil, err
	}
	if !q.Interval.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidInterval, q.Interval)
	}
	limit := q.limit()

	rows, err := s.store.RangeKlines(ctx, store.RangeQuery{
		Symbol:    q.Symbol,
		Interval:  q.Interval,
		StartTime: q.StartTime,
		EndTime:   q.EndTime,
		Limit:     int64(limit),
	})
	if err != nil {
		// A dead store must not take the read path down; the upstream
		// fallback can still answer.
		s.log.Warn().Err(err).Str("symbol", q.Symbol.String()).Msg("store query failed, falling back to upstream")
		rows = nil
	}

	if len(rows) >= limit && (q.HasRange() || s.isFresh(rows, q.Interval)) {
		s.countRequest("db")
		return rows, nil
	}

	return s.fallback(ctx, q, limit)
}

// isFresh checks the latest-window staleness rule: the newest stored
// candle must have opened within staleFactor intervals of now.
func (s *Service) isFresh(rows []domain.Kline, interval domain.Interval) bool {
	latest := rows[len(rows)-1].OpenTime
	age := s.now().UnixMilli() - latest
	return age <= staleFactor*interval.Millis()
}

func (s *Service) fallback(ctx context.Context, q Query, limit int) ([]domain.Kline, error) {
	cacheKey := ""
	if s.cache != nil && !q.HasRange() {
		cacheKey = fmt.Sprintf("hist:%s:%s:%d", q.Symbol, q.Interval, limit)
		if b, ok := s.cache.Get(cacheKey); ok {
			var cached []domain.Kline
			if err := json.Unmarshal(b, &cached); err == nil {
				s.countRequest("cache")
				return cached, nil
			}
		}
	}

	fetched, err := s.fetcher.Klines(ctx, binance.KlinesRequest{
		Symbol:    q.Symbol,
		Interval:  q.Interval,
		StartTime: q.StartTime,
		EndTime:   q.EndTime,
		Limit:     limit,
	})
	if err != nil {
		s.countRequest("upstream_error")
		return nil, err
	}

	if cacheKey != "" {
		if b, err := json.Marshal(fetched); err == nil {
			s.cache.Set(cacheKey, b, fallbackCacheTTL)
		}
	}

	if len(fetched) > 0 {
		go s.warm(q.Symbol, q.Interval, fetched)
	}

	s.countRequest("upstream")
	return fetched, nil
}

// warm upserts fallback rows so the next identical query is served from
// the store. Fire-and-forget: failures are logged, never surfaced.
func (s *Service) warm(symbol domain.Symbol, interval domain.Interval, ks []domain.Kline) {
	ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
	defer cancel()

	written, err := s.store.BulkUpsertKlines(ctx, ks)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol.String()).Str("interval", interval.String()).Msg("history warm failed")
		return
	}
	s.log.Debug().Str("symbol", symbol.String()).Str("interval", interval.String()).
		Int("fetched", len(ks)).Int64("written", written).Msg("warmed history from upstream")
}

func (s *Service) countRequest(path string) {
	if s.m != nil {
		s.m.HistoryRequests.WithLabelValues(path).Inc()
	}
}
