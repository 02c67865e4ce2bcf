package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/sawpanic/chartstream/internal/broker"
	"github.com/sawpanic/chartstream/internal/cache"
	"github.com/sawpanic/chartstream/internal/config"
	"github.com/sawpanic/chartstream/internal/domain"
	"github.com/sawpanic/chartstream/internal/gateway"
	"github.com/sawpanic/chartstream/internal/history"
	"github.com/sawpanic/chartstream/internal/httpapi"
	"github.com/sawpanic/chartstream/internal/metrics"
	"github.com/sawpanic/chartstream/internal/queue"
	"github.com/sawpanic/chartstream/internal/store"
	"github.com/sawpanic/chartstream/internal/throttle"
	"github.com/sawpanic/chartstream/internal/upstream/binance"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
	persistTimeout  = 10 * time.Second
)

// runServe assembles the full pipeline and blocks until a shutdown signal:
//
//	feed → throttle → { gateway, broker, queue, store }
//	broker → gateway (events from sibling replicas)
//	HTTP → history → store, falling back to upstream REST
func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewRegistry()

	// Document store.
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	client, err := store.Connect(connectCtx, cfg.MongoURI)
	cancel()
	if err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	defer disconnectStore(client, logger)

	st := store.New(client, cfg.MongoDatabase(), logger)
	st.Instrument(m)

	idxCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = st.EnsureIndexes(idxCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("document store: %w", err)
	}

	// Downstream gateway.
	hub := gateway.NewHub(cfg.FrontendURL, logger)
	hub.Instrument(m)

	// Cross-replica broker.
	brk := broker.New(broker.Options{Addr: cfg.RedisAddr(), Password: cfg.RedisPassword}, remoteBroadcast(hub, logger), logger)
	brk.Instrument(m)
	go brk.Run(ctx)

	// Persistence queue, producer and consumer sides.
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr(), Password: cfg.RedisPassword}
	jobs := queue.NewQueue(redisOpt, cfg.PriceQueueName, logger)
	jobs.Instrument(m)

	worker := queue.NewWorker(redisOpt, cfg.PriceQueueName, st, logger)
	worker.Instrument(m)
	if err := worker.Start(); err != nil {
		return err
	}

	inspector := queue.NewInspector(redisOpt, cfg.PriceQueueName)
	defer inspector.Close()

	// History read path over the store with upstream REST fallback. The
	// fallback response cache lives in the broker's Redis so replicas share
	// one upstream fetch per burst.
	rest := binance.NewClient(binance.ClientConfig{BaseURL: cfg.BinanceRESTBase}, logger)
	hist := history.NewService(st, rest, cache.NewRedis(cfg.RedisAddr(), cfg.RedisPassword), logger)
	hist.Instrument(m)

	// Throttled broadcaster between the feed and everything downstream.
	// Broker publishes use a fresh context: the signal context is already
	// cancelled while shutdown flushes the final events.
	bc := throttle.NewBroadcaster(throttle.Sinks{
		BroadcastPrice: func(ev domain.PriceEvent) {
			hub.BroadcastPrice(ev)
			brk.Publish(context.Background(), ev)
		},
		BroadcastKline: hub.BroadcastKline,
		PersistPrice:   jobs.EnqueuePriceEvent,
		PersistKline:   persistKline(st, logger),
	})
	bc.Instrument(m)

	// Upstream feed.
	feed := binance.NewFeed(cfg.BinanceWSBase, cfg.Streams(), bc, logger)
	feed.Instrument(m)
	go feed.Run(ctx)

	// Startup seeder.
	if cfg.SeedEnabled {
		plan, err := config.LoadSeedPlan(cfg.SeedPlanPath)
		if err != nil {
			return err
		}
		seeder := history.NewSeeder(st, rest, plan, logger)
		seeder.Instrument(m)
		go seeder.Run(ctx)
	}

	// HTTP and WebSocket surface.
	handlers := httpapi.NewHandlers(feed, brokerStatus{brk}, hist, inspector, version, logger)
	serverCfg := httpapi.DefaultServerConfig(cfg.Port)
	serverCfg.AllowedOrigin = cfg.FrontendURL
	srv := httpapi.NewServer(serverCfg, handlers, hub.HandleUpgrade, m.Handler(), logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	logger.Info().
		Str("version", version).
		Str("replica", brk.Origin()).
		Int("port", cfg.Port).
		Msg("chartstream started")
	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	// Stop the producer first so Flush drains the final throttled events
	// while every sink is still alive.
	feed.Close()
	bc.Flush()
	hub.Close()
	if err := brk.Close(); err != nil {
		logger.Warn().Err(err).Msg("Broker close failed")
	}
	worker.Shutdown()
	if err := jobs.Close(); err != nil {
		logger.Warn().Err(err).Msg("Queue close failed")
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	logger.Info().Msg("chartstream stopped")
	return nil
}

// brokerStatus adapts the broker client's health probe for the health endpoint.
type brokerStatus struct {
	c *broker.Client
}

func (b brokerStatus) Connected() bool {
	return b.c.Connected(context.Background())
}

// remoteBroadcast fans events published by sibling replicas into the local
// gateway. A kline-sourced event carries the original candle payload, which is
// rebroadcast in full before the derived price tick.
func remoteBroadcast(hub *gateway.Hub, logger zerolog.Logger) broker.RemoteHandler {
	rlog := logger.With().Str("component", "relay").Logger()
	return func(ev domain.PriceEvent) {
		if ev.Source == domain.SourceKline && len(ev.Raw) > 0 {
			var ke binance.KlineEvent
			if err := json.Unmarshal(ev.Raw, &ke); err != nil {
				rlog.Warn().Err(err).Str("symbol", string(ev.Symbol)).Msg("Dropping undecodable remote candle")
			} else {
				hub.BroadcastKline(ke.Kline.Domain())
			}
		}
		hub.BroadcastPrice(ev)
	}
}

// persistKline writes throttled candles through the store off the hot path.
func persistKline(st *store.Store, logger zerolog.Logger) func(domain.Kline) {
	plog := logger.With().Str("component", "kline_persist").Logger()
	return func(k domain.Kline) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if err := st.UpsertKline(ctx, k); err != nil {
				plog.Warn().Err(err).
					Str("symbol", string(k.Symbol)).
					Str("interval", string(k.Interval)).
					Msg("Candle upsert failed")
			}
		}()
	}
}

func disconnectStore(client *mongo.Client, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		logger.Warn().Err(err).Msg("Document store disconnect failed")
	}
}
