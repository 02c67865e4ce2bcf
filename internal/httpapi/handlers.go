package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/chartstream/internal/domain"
	"github.com/sawpanic/chartstream/internal/history"
	"github.com/sawpanic/chartstream/internal/queue"
	"github.com/sawpanic/chartstream/internal/upstream/binance"
)

// ConnStatus reports a long-lived connection's health.
type ConnStatus interface {
	Connected() bool
}

// HistoryProvider answers candle range queries.
type HistoryProvider interface {
	GetHistoricalKlines(ctx context.Context, q history.Query) ([]domain.Kline, error)
}

// QueueInspector exposes job queue counters.
type QueueInspector interface {
	Stats() (*queue.Stats, error)
}

// Handlers owns the REST endpoints.
type Handlers struct {
	feed    ConnStatus
	broker  ConnStatus
	history HistoryProvider
	queue   QueueInspector
	version string
	log     zerolog.Logger
}

func NewHandlers(feed, broker ConnStatus, hist HistoryProvider, inspector QueueInspector, version string, logger zerolog.Logger) *Handlers {
	return &Handlers{
		feed:    feed,
		broker:  broker,
		history: hist,
		queue:   inspector,
		version: version,
		log:     logger.With().Str("component", "http").Logger(),
	}
}

type connState struct {
	Connected bool `json:"connected"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp int64     `json:"timestamp"`
	Upstream  connState `json:"upstream"`
	Broker    connState `json:"broker"`
}

// Health reports process liveness plus the two long-lived connections.
// Always 200: a degraded replica still serves history and REST traffic.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   h.version,
		Timestamp: time.Now().UnixMilli(),
	}
	if h.feed != nil {
		resp.Upstream.Connected = h.feed.Connected()
	}
	if h.broker != nil {
		resp.Broker.Connected = h.broker.Connected()
	}
	if !resp.Upstream.Connected || !resp.Broker.Connected {
		resp.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, resp)
}

// HistoryResponse is the /history body. Data is never null: an empty
// result marshals as an empty array.
type HistoryResponse struct {
	Success  bool           `json:"success"`
	Symbol   string         `json:"symbol"`
	Interval string         `json:"interval"`
	Count    int            `json:"count"`
	Data     []domain.Kline `json:"data"`
}

// History serves GET /history?symbol=&interval=&startTime=&endTime=&limit=.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistoryQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.history.GetHistoricalKlines(r.Context(), q)
	if err != nil {
		h.writeHistoryError(w, r, err)
		return
	}
	if rows == nil {
		rows = []domain.Kline{}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		Success:  true,
		Symbol:   string(q.Symbol),
		Interval: string(q.Interval),
		Count:    len(rows),
		Data:     rows,
	})
}

func (h *Handlers) writeHistoryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, binance.ErrUnknownSymbol):
		writeError(w, http.StatusNotFound, "unknown symbol")
	case errors.Is(err, binance.ErrTooManyRequests):
		writeError(w, http.StatusTooManyRequests, "upstream rate limit exceeded, retry later")
	case errors.Is(err, binance.ErrBadGateway):
		writeError(w, http.StatusBadGateway, "upstream unavailable")
	case errors.Is(err, domain.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("history request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// QueueStats serves GET /queue/stats for operational visibility.
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue inspector not configured")
		return
	}

	stats, err := h.queue.Stats()
	if err != nil {
		h.log.Error().Err(err).Msg("queue stats failed")
		writeError(w, http.StatusInternalServerError, "queue stats unavailable")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func parseHistoryQuery(r *http.Request) (history.Query, error) {
	params := r.URL.Query()

	symbolRaw := params.Get("symbol")
	if symbolRaw == "" {
		return history.Query{}, errors.New("symbol is required")
	}
	sym := domain.NormalizeSymbol(symbolRaw)
	if err := sym.Validate(); err != nil {
		return history.Query{}, err
	}

	intervalRaw := params.Get("interval")
	if intervalRaw == "" {
		return history.Query{}, errors.New("interval is required")
	}
	iv, err := domain.ParseInterval(intervalRaw)
	if err != nil {
		return history.Query{}, err
	}

	q := history.Query{Symbol: sym, Interval: iv}

	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return history.Query{}, errors.New("limit must be an integer")
		}
		if limit < 1 || limit > 1000 {
			return history.Query{}, errors.New("limit must be between 1 and 1000")
		}
		q.Limit = limit
	}
	if raw := params.Get("startTime"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return history.Query{}, errors.New("startTime must be epoch milliseconds")
		}
		q.StartTime = &ts
	}
	if raw := params.Get("endTime"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return history.Query{}, errors.New("endTime must be epoch milliseconds")
		}
		q.EndTime = &ts
	}

	return q, nil
}

func notFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeError(w, http.StatusNotFound, "not found")
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
