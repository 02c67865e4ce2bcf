package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/sawpanic/chartstream/internal/domain"
	"github.com/sawpanic/chartstream/internal/metrics"
)

// TypePersistPrice is the only job kind currently defined.
const TypePersistPrice = "persistPrice"

// Jobs are attempted up to 3 times in total.
const maxRetry = 2

// PersistPricePayload is the job body for TypePersistPrice. Jobs are
// idempotent with respect to (symbol, ts); retries may redeliver.
type PersistPricePayload struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Ts     int64  `json:"ts"`
	Source string `json:"source"`
}

// NewPersistPriceTask builds the queue task for one throttled price event.
func NewPersistPriceTask(ev domain.PriceEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(PersistPricePayload{
		Symbol: string(ev.Symbol),
		Price:  ev.Price,
		Ts:     ev.Ts,
		Source: string(ev.Source),
	})
	if err != nil {
		return nil, fmt.Errorf("encode persistPrice payload: %w", err)
	}
	return asynq.NewTask(TypePersistPrice, payload, asynq.MaxRetry(maxRetry)), nil
}

// RetryDelay implements the exponential backoff schedule: 2s, 4s, 8s, ...
// n counts completed attempts, so the first retry waits 2s.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return (2 * time.Second) << n
}

// Queue is the producer half of the persistence pipeline. Enqueueing is
// fire-and-forget: a dead queue never blocks streaming.
type Queue struct {
	client *asynq.Client
	name   string
	log    zerolog.Logger
	m      *metrics.Registry
}

// NewQueue creates the producer on the given broker connection.
func NewQueue(redisOpt asynq.RedisClientOpt, name string, logger zerolog.Logger) *Queue {
	return &Queue{
		client: asynq.NewClient(redisOpt),
		name:   name,
		log:    logger.With().Str("component", "queue").Logger(),
	}
}

// Instrument attaches the metrics registry.
func (q *Queue) Instrument(m *metrics.Registry) { q.m = m }

// EnqueuePriceEvent submits one persistence job. Completed jobs are removed
// immediately; exhausted jobs land in the bounded archive.
func (q *Queue) EnqueuePriceEvent(ev domain.PriceEvent) {
	task, err := NewPersistPriceTask(ev)
	if err != nil {
		q.log.Error().Err(err).Str("symbol", string(ev.Symbol)).Msg("Failed to build persistence task")
		return
	}

	if _, err := q.client.Enqueue(task, asynq.Queue(q.name)); err != nil {
		if q.m != nil {
			q.m.QueueEnqueueErrors.Inc()
		}
		q.log.Warn().Err(err).Str("symbol", string(ev.Symbol)).Msg("Failed to enqueue persistence job")
		return
	}

	if q.m != nil {
		q.m.QueueEnqueued.Inc()
	}
}

// Close releases the producer connection.
func (q *Queue) Close() error {
	return q.client.Close()
}
