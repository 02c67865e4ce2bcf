package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sawpanic/chartstream/internal/config"
	"github.com/sawpanic/chartstream/internal/history"
	"github.com/sawpanic/chartstream/internal/store"
	"github.com/sawpanic/chartstream/internal/upstream/binance"
)

// runSeed backfills the candle collection once and exits. Useful for warming
// a fresh deployment before the first replica starts serving history.
func runSeed(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	planPath, _ := cmd.Flags().GetString("plan")
	if planPath == "" {
		planPath = cfg.SeedPlanPath
	}
	plan, err := config.LoadSeedPlan(planPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	client, err := store.Connect(connectCtx, cfg.MongoURI)
	cancel()
	if err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	defer disconnectStore(client, logger)

	st := store.New(client, cfg.MongoDatabase(), logger)

	idxCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = st.EnsureIndexes(idxCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("document store: %w", err)
	}

	rest := binance.NewClient(binance.ClientConfig{BaseURL: cfg.BinanceRESTBase}, logger)

	seeder := history.NewSeeder(st, rest, plan, logger)
	seeder.Run(ctx)

	return ctx.Err()
}
