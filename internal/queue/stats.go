package queue

import (
	"fmt"

	"github.com/hibiken/asynq"
)

// Stats is a snapshot of the persistence queue for the stats endpoint.
// Archived counts jobs that exhausted their retries.
type Stats struct {
	Queue     string `json:"queue"`
	Size      int    `json:"size"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
}

// Inspector reads queue state without consuming it.
type Inspector struct {
	ins  *asynq.Inspector
	name string
}

// NewInspector creates a read-only view of the named queue.
func NewInspector(redisOpt asynq.RedisClientOpt, name string) *Inspector {
	return &Inspector{ins: asynq.NewInspector(redisOpt), name: name}
}

// Stats fetches current counters for the queue.
func (i *Inspector) Stats() (*Stats, error) {
	info, err := i.ins.GetQueueInfo(i.name)
	if err != nil {
		return nil, fmt.Errorf("queue info %s: %w", i.name, err)
	}
	return &Stats{
		Queue:     info.Queue,
		Size:      info.Size,
		Pending:   info.Pending,
		Active:    info.Active,
		Retry:     info.Retry,
		Archived:  info.Archived,
		Processed: info.Processed,
		Failed:    info.Failed,
	}, nil
}

// Close releases the inspector connection.
func (i *Inspector) Close() error {
	return i.ins.Close()
}
