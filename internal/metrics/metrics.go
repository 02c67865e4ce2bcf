package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for chartstream. Components record
// through the typed helpers; the HTTP surface exposes everything via Handler.
type Registry struct {
	reg *prometheus.Registry

	// Upstream feed
	FeedConnected    prometheus.Gauge
	FeedConnects     prometheus.Counter
	FeedReconnects   prometheus.Counter
	FeedEvents       *prometheus.CounterVec
	FeedDecodeErrors prometheus.Counter

	// Throttled broadcaster
	ThrottleEmits     *prometheus.CounterVec
	ThrottleCoalesced *prometheus.CounterVec

	// Downstream gateway
	GatewayClients       prometheus.Gauge
	GatewayRooms         prometheus.Gauge
	GatewayFramesSent    *prometheus.CounterVec
	GatewayFramesDropped *prometheus.CounterVec

	// Broker
	BrokerConnected     prometheus.Gauge
	BrokerPublished     prometheus.Counter
	BrokerPublishErrors prometheus.Counter
	BrokerReceived      prometheus.Counter

	// Persistence queue
	QueueEnqueued      prometheus.Counter
	QueueEnqueueErrors prometheus.Counter
	WorkerJobs         *prometheus.CounterVec

	// Document store and history
	StoreUpserts    *prometheus.CounterVec
	HistoryRequests *prometheus.CounterVec
	SeederPairs     *prometheus.CounterVec
}

// NewRegistry creates the metrics registry. Each instance owns its own
// Prometheus registry so parallel tests never collide on registration.
func NewRegistry() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),

		FeedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartstream_feed_connected",
			Help: "Whether the upstream combined-stream connection is open (1) or down (0)",
		}),
		FeedConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_feed_connects_total",
			Help: "Total successful upstream WebSocket connects",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_feed_reconnects_total",
			Help: "Total upstream reconnect attempts",
		}),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_feed_events_total",
			Help: "Total decoded upstream events by source variant",
		}, []string{"source"}),
		FeedDecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_feed_decode_errors_total",
			Help: "Total upstream frames dropped due to decode errors",
		}),

		ThrottleEmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_throttle_emits_total",
			Help: "Total values emitted per throttle channel",
		}, []string{"channel"}),
		ThrottleCoalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_throttle_coalesced_total",
			Help: "Total values absorbed into a pending slot per throttle channel",
		}, []string{"channel"}),

		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartstream_gateway_clients",
			Help: "Currently connected downstream clients",
		}),
		GatewayRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartstream_gateway_rooms",
			Help: "Currently active subscription rooms",
		}),
		GatewayFramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_gateway_frames_sent_total",
			Help: "Total frames handed to client send buffers by event",
		}, []string{"event"}),
		GatewayFramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_gateway_frames_dropped_total",
			Help: "Total frames dropped because a client send buffer was full",
		}, []string{"event"}),

		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartstream_broker_connected",
			Help: "Whether the broker subscriber connection is healthy (1) or down (0)",
		}),
		BrokerPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_broker_published_total",
			Help: "Total price events published to the broker",
		}),
		BrokerPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_broker_publish_errors_total",
			Help: "Total broker publish failures (fire-and-forget, logged only)",
		}),
		BrokerReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_broker_received_total",
			Help: "Total price events received from the broker subscription",
		}),

		QueueEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_queue_enqueued_total",
			Help: "Total persistence jobs enqueued",
		}),
		QueueEnqueueErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_queue_enqueue_errors_total",
			Help: "Total persistence enqueue failures",
		}),
		WorkerJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_worker_jobs_total",
			Help: "Total persistence jobs processed by outcome",
		}, []string{"kind", "outcome"}),

		StoreUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_store_upserts_total",
			Help: "Total document store upserts by collection and outcome",
		}, []string{"collection", "outcome"}),
		HistoryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_history_requests_total",
			Help: "Total history reads by serving path",
		}, []string{"path"}),
		SeederPairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_seeder_pairs_total",
			Help: "Total seed combinations processed by result",
		}, []string{"result"}),
	}

	m.reg.MustRegister(
		m.FeedConnected, m.FeedConnects, m.FeedReconnects, m.FeedEvents, m.FeedDecodeErrors,
		m.ThrottleEmits, m.ThrottleCoalesced,
		m.GatewayClients, m.GatewayRooms, m.GatewayFramesSent, m.GatewayFramesDropped,
		m.BrokerConnected, m.BrokerPublished, m.BrokerPublishErrors, m.BrokerReceived,
		m.QueueEnqueued, m.QueueEnqueueErrors, m.WorkerJobs,
		m.StoreUpserts, m.HistoryRequests, m.SeederPairs,
	)

	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SetFeedConnected flips the feed connectivity gauge.
func (m *Registry) SetFeedConnected(up bool) {
	if up {
		m.FeedConnected.Set(1)
	} else {
		m.FeedConnected.Set(0)
	}
}

// SetBrokerConnected flips the broker connectivity gauge.
func (m *Registry) SetBrokerConnected(up bool) {
	if up {
		m.BrokerConnected.Set(1)
	} else {
		m.BrokerConnected.Set(0)
	}
}
