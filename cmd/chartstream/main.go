package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/chartstream/internal/config"
)

const (
	appName = "chartstream"
	version = "v1.3.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	rootCmd := &cobra.Command{
		Use:     "chartstream",
		Short:   "Real-time market data fan-out service",
		Version: version,
		Long: `chartstream bridges exchange market data streams to chart clients.

Each replica holds one upstream WebSocket, throttles and coalesces the tick
firehose per symbol, fans events out to subscribed clients over rooms, mirrors
them to sibling replicas through the broker, and persists candles for the
history API.

Configuration is environment-driven; see .env.example for every knob.`,
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming service (default)",
		Long:  "Connects upstream, starts the gateway, persistence worker and HTTP API, and blocks until SIGINT/SIGTERM.",
		RunE:  runServe,
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Backfill candle history and exit",
		Long:  "Runs the history seeder once against the configured document store, then exits.",
		RunE:  runSeed,
	}
	seedCmd.Flags().String("plan", "", "Seed plan YAML path (overrides SEED_PLAN_PATH)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadConfig loads the environment configuration under a bootstrap logger,
// then builds the logger the configuration asks for.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		return nil, bootstrap, err
	}

	logger := newLogger(cfg)
	cfg.LogConfig(logger)
	return cfg, logger, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Str("service", appName).Logger()
}
