package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/sawpanic/chartstream/internal/domain"
	"github.com/sawpanic/chartstream/internal/metrics"
	"github.com/sawpanic/chartstream/internal/store"
)

// PriceSink receives persisted price records. Implementations must be
// idempotent by (symbol, ts); the queue redelivers on retry.
type PriceSink interface {
	InsertPriceRecord(ctx context.Context, rec store.PriceRecord) error
}

// Worker consumes the persistence queue and writes price records through
// the sink.
type Worker struct {
	srv  *asynq.Server
	mux  *asynq.ServeMux
	sink PriceSink
	log  zerolog.Logger
	m    *metrics.Registry
}

// NewWorker builds the consumer for the named queue.
func NewWorker(redisOpt asynq.RedisClientOpt, name string, sink PriceSink, logger zerolog.Logger) *Worker {
	wlog := logger.With().Str("component", "worker").Logger()

	w := &Worker{
		sink: sink,
		log:  wlog,
	}

	w.srv = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    4,
		Queues:         map[string]int{name: 1},
		RetryDelayFunc: RetryDelay,
		Logger:         asynqLogger{wlog},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			wlog.Warn().Err(err).Str("type", task.Type()).Msg("Persistence job failed")
		}),
	})

	w.mux = asynq.NewServeMux()
	w.mux.HandleFunc(TypePersistPrice, w.handlePersistPrice)

	return w
}

// Instrument attaches the metrics registry.
func (w *Worker) Instrument(m *metrics.Registry) { w.m = m }

// Start launches the worker loop in the background.
func (w *Worker) Start() error {
	if err := w.srv.Start(w.mux); err != nil {
		return fmt.Errorf("start queue worker: %w", err)
	}
	w.log.Info().Msg("Persistence worker started")
	return nil
}

// Shutdown drains in-flight jobs with asynq's bounded deadline.
func (w *Worker) Shutdown() {
	w.srv.Shutdown()
	w.log.Info().Msg("Persistence worker stopped")
}

func (w *Worker) handlePersistPrice(ctx context.Context, task *asynq.Task) error {
	var p PersistPricePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		w.record("malformed")
		// A payload that cannot decode will never succeed; skip retries.
		return fmt.Errorf("decode persistPrice payload: %v: %w", err, asynq.SkipRetry)
	}

	rec := store.PriceRecord{
		Symbol:     domain.Symbol(p.Symbol),
		Price:      p.Price,
		Ts:         p.Ts,
		Source:     domain.EventSource(p.Source),
		ReceivedAt: time.Now().UTC(),
	}

	if err := w.sink.InsertPriceRecord(ctx, rec); err != nil {
		w.record("error")
		return fmt.Errorf("persist price %s @%d: %w", p.Symbol, p.Ts, err)
	}

	w.record("ok")
	return nil
}

func (w *Worker) record(outcome string) {
	if w.m != nil {
		w.m.WorkerJobs.WithLabelValues(TypePersistPrice, outcome).Inc()
	}
}

// asynqLogger adapts zerolog to asynq's logging interface.
type asynqLogger struct {
	log zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
