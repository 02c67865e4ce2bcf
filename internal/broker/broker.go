package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sawpanic/chartstream/internal/domain"
	"github.com/sawpanic/chartstream/internal/metrics"
)

const (
	channelPrefix  = "prices:"
	channelPattern = "prices:*"

	publishTimeout = 500 * time.Millisecond
	maxRetryDelay  = 3 * time.Second
)

// RemoteHandler receives price events published by sibling replicas.
type RemoteHandler func(ev domain.PriceEvent)

// envelope is the broker wire format. Origin carries the publishing replica's
// identity so a replica can suppress its own messages; local fan-out already
// happened at the origin.
type envelope struct {
	Origin string            `json:"origin"`
	Event  domain.PriceEvent `json:"event"`
}

// Client is the duplex pub/sub fabric between replicas. It holds two broker
// connections: a publisher for the hot path, and a subscriber that
// pattern-subscribes once to prices:* and fans received events into the local
// gateway.
type Client struct {
	pub     *redis.Client
	sub     *redis.Client
	origin  string
	handler RemoteHandler
	log     zerolog.Logger
	m       *metrics.Registry

	connected atomic.Bool
	closeOnce sync.Once
	closeCh   chan struct{}
	done      chan struct{}
}

// Options configures the broker client.
type Options struct {
	Addr     string
	Password string
}

// New creates the publisher/subscriber pair. The handler is invoked for every
// event from other replicas; it must not block.
func New(opts Options, handler RemoteHandler, logger zerolog.Logger) *Client {
	redisOpts := &redis.Options{Addr: opts.Addr, Password: opts.Password}
	subOpts := *redisOpts

	return &Client{
		pub:     redis.NewClient(redisOpts),
		sub:     redis.NewClient(&subOpts),
		origin:  uuid.New().String(),
		handler: handler,
		log:     logger.With().Str("component", "broker").Logger(),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Instrument attaches the metrics registry.
func (c *Client) Instrument(m *metrics.Registry) { c.m = m }

// Origin returns this replica's identity on the wire.
func (c *Client) Origin() string { return c.origin }

// Publish sends a price event to prices:<SYMBOL>. Fire-and-forget: failures
// are logged and counted but never surface to the caller, because a broker
// outage must not stall the upstream feed.
func (c *Client) Publish(ctx context.Context, ev domain.PriceEvent) {
	data, err := json.Marshal(envelope{Origin: c.origin, Event: ev})
	if err != nil {
		c.log.Error().Err(err).Str("symbol", string(ev.Symbol)).Msg("Failed to encode price event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := c.pub.Publish(ctx, channelPrefix+string(ev.Symbol), data).Err(); err != nil {
		if c.m != nil {
			c.m.BrokerPublishErrors.Inc()
		}
		c.log.Warn().Err(err).Str("symbol", string(ev.Symbol)).Msg("Broker publish failed")
		return
	}

	if c.m != nil {
		c.m.BrokerPublished.Inc()
	}
}

// Run subscribes to prices:* and pumps messages until ctx is cancelled or
// Close is called. Receive failures back off with delay = min(retries·100ms, 3s).
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(c.done)

	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	pubsub := c.sub.PSubscribe(ctx, channelPattern)
	defer pubsub.Close()

	c.log.Info().Str("pattern", channelPattern).Msg("Broker subscriber started")

	retries := 0
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setConnected(false)
				return
			}

			retries++
			delay := retryDelay(retries)
			c.setConnected(false)
			c.log.Warn().Err(err).Int("retries", retries).Dur("delay", delay).Msg("Broker receive failed, backing off")

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		retries = 0
		c.setConnected(true)
		c.handleMessage(msg.Channel, []byte(msg.Payload))
	}
}

// handleMessage decodes one wire message and fans it into the local gateway,
// skipping messages this replica published itself.
func (c *Client) handleMessage(channel string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.log.Warn().Err(err).Str("channel", channel).Msg("Dropping undecodable broker message")
		return
	}

	if env.Origin == c.origin {
		return
	}

	if c.m != nil {
		c.m.BrokerReceived.Inc()
	}
	c.handler(env.Event)
}

// Connected reports subscriber health from the receive loop, falling back to
// a live publisher ping so single-replica deployments report honestly before
// the first message arrives.
func (c *Client) Connected(ctx context.Context) bool {
	if c.connected.Load() {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return c.pub.Ping(ctx).Err() == nil
}

// Close stops the subscriber loop and releases both connections. Safe to
// call whether or not Run was ever started.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })

	select {
	case <-c.done:
	case <-time.After(publishTimeout):
	}

	var firstErr error
	if err := c.sub.Close(); err != nil {
		firstErr = fmt.Errorf("close subscriber: %w", err)
	}
	if err := c.pub.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close publisher: %w", err)
	}

	c.log.Info().Msg("Broker connections closed")
	return firstErr
}

func (c *Client) setConnected(up bool) {
	c.connected.Store(up)
	if c.m != nil {
		c.m.SetBrokerConnected(up)
	}
}

// retryDelay implements the broker backoff schedule.
func retryDelay(retries int) time.Duration {
	d := time.Duration(retries) * 100 * time.Millisecond
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}
