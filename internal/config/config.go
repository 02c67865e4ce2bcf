package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all service configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// HTTP/WS listen port
	Port int `env:"PORT" envDefault:"3000"`

	// Broker endpoint
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`

	// Upstream exchange endpoints
	BinanceWSBase   string `env:"BINANCE_SPOT_WS_BASE" envDefault:"wss://stream.binance.com:9443"`
	BinanceRESTBase string `env:"BINANCE_SPOT_REST_BASE" envDefault:"https://api.binance.com"`

	// Comma-separated combined-stream names, e.g. "btcusdt@miniTicker,btcusdt@kline_1m"
	BinanceStreams string `env:"BINANCE_STREAMS" envDefault:"btcusdt@miniTicker"`

	// Persistence queue
	PriceQueueName string `env:"PRICE_QUEUE_NAME" envDefault:"price"`

	// Document store
	MongoURI string `env:"MONGODB_URI" envDefault:"mongodb://localhost:27017/chart_db"`

	// CORS origin; "*" allows all
	FrontendURL string `env:"FRONTEND_URL" envDefault:"*"`

	// History seeder
	SeedEnabled  bool   `env:"SEED_ENABLED" envDefault:"true"`
	SeedPlanPath string `env:"SEED_PLAN_PATH" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; deployments set real env vars.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.RedisPort < 1 || c.RedisPort > 65535 {
		return fmt.Errorf("REDIS_PORT must be 1-65535, got %d", c.RedisPort)
	}
	if c.MongoURI == "" {
		return fmt.Errorf("MONGODB_URI is required")
	}
	if len(c.Streams()) == 0 {
		return fmt.Errorf("BINANCE_STREAMS must name at least one stream")
	}

	validLogLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: trace, debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console (got: %s)", c.LogFormat)
	}

	return nil
}

// RedisAddr returns the broker endpoint in host:port form.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// Streams splits BINANCE_STREAMS into individual stream names, dropping
// empty segments so a trailing comma is harmless.
func (c *Config) Streams() []string {
	var out []string
	for _, s := range strings.Split(c.BinanceStreams, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// MongoDatabase extracts the database name from the connection URI,
// falling back to chart_db when the URI carries no path.
func (c *Config) MongoDatabase() string {
	u, err := url.Parse(c.MongoURI)
	if err != nil {
		return "chart_db"
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return "chart_db"
	}
	return name
}

// LogConfig logs the effective configuration with secrets elided.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("port", c.Port).
		Str("redis_addr", c.RedisAddr()).
		Bool("redis_auth", c.RedisPassword != "").
		Str("binance_ws_base", c.BinanceWSBase).
		Str("binance_rest_base", c.BinanceRESTBase).
		Strs("streams", c.Streams()).
		Str("price_queue", c.PriceQueueName).
		Str("mongo_db", c.MongoDatabase()).
		Str("frontend_url", c.FrontendURL).
		Bool("seed_enabled", c.SeedEnabled).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
