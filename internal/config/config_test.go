package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.Equal(t, "wss://stream.binance.com:9443", cfg.BinanceWSBase)
	assert.Equal(t, "https://api.binance.com", cfg.BinanceRESTBase)
	assert.Equal(t, []string{"btcusdt@miniTicker"}, cfg.Streams())
	assert.Equal(t, "price", cfg.PriceQueueName)
	assert.Equal(t, "chart_db", cfg.MongoDatabase())
	assert.Equal(t, "*", cfg.FrontendURL)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "8081")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("BINANCE_STREAMS", "btcusdt@trade, ethusdt@kline_1m,")
	t.Setenv("MONGODB_URI", "mongodb://db:27017/markets")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr())
	assert.Equal(t, []string{"btcusdt@trade", "ethusdt@kline_1m"}, cfg.Streams())
	assert.Equal(t, "markets", cfg.MongoDatabase())
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("PORT", "70000")
	_, err := Load(nil)
	assert.Error(t, err)
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestValidateRejectsEmptyStreams(t *testing.T) {
	t.Setenv("BINANCE_STREAMS", " , ")
	_, err := Load(nil)
	assert.Error(t, err)
}

func TestDefaultSeedPlan(t *testing.T) {
	plan := DefaultSeedPlan()
	require.NoError(t, plan.Validate())

	assert.Len(t, plan.Symbols, 7)
	assert.Len(t, plan.Intervals, 6)
	assert.Equal(t, 1000, plan.Limit)
	assert.Len(t, plan.Pairs(), 42)
}

func TestLoadSeedPlanFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	content := []byte("symbols:\n  - btcusdt\n  - ETHUSDT\nintervals:\n  - 1m\n  - 1h\nlimit: 500\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	plan, err := LoadSeedPlan(path)
	require.NoError(t, err)

	pairs := plan.Pairs()
	require.Len(t, pairs, 4)
	assert.Equal(t, "BTCUSDT", string(pairs[0].Symbol))
	assert.Equal(t, "1m", string(pairs[0].Interval))
	assert.Equal(t, 500, plan.Limit)
}

func TestLoadSeedPlanRejectsBadInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	content := []byte("symbols: [BTCUSDT]\nintervals: [2m]\nlimit: 100\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	_, err := LoadSeedPlan(path)
	assert.Error(t, err)
}
