package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/chartstream/internal/cache"
	"github.com/sawpanic/chartstream/internal/config"
	"github.com/sawpanic/chartstream/internal/domain"
	"github.com/sawpanic/chartstream/internal/store"
	"github.com/sawpanic/chartstream/internal/upstream/binance"
)

type fakeStore struct {
	mu        sync.Mutex
	rows      []domain.Kline
	rangeErr  error
	lastQuery store.RangeQuery
	queried   bool

	upserts  [][]domain.Kline
	upsertCh chan int

	count    int64
	countErr error
	latest   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{upsertCh: make(chan int, 8)}
}

func (f *fakeStore) RangeKlines(_ context.Context, q store.RangeQuery) ([]domain.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	f.queried = true
	if f.rangeErr != nil {
		return nil, f.rangeErr
	}
	return f.rows, nil
}

func (f *fakeStore) BulkUpsertKlines(_ context.Context, ks []domain.Kline) (int64, error) {
	f.mu.Lock()
	f.upserts = append(f.upserts, ks)
	f.mu.Unlock()
	f.upsertCh <- len(ks)
	return int64(len(ks)), nil
}

func (f *fakeStore) CountKlines(context.Context, domain.Symbol, domain.Interval) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, f.countErr
}

func (f *fakeStore) LatestOpenTime(context.Context, domain.Symbol, domain.Interval) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeStore) query() store.RangeQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastQuery
}

type fakeFetcher struct {
	mu     sync.Mutex
	klines []domain.Kline
	err    error
	calls  []binance.KlinesRequest
}

func (f *fakeFetcher) Klines(_ context.Context, req binance.KlinesRequest) ([]domain.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.klines, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) lastCall() binance.KlinesRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// mkKlines builds n valid 1m candles ending near the given time.
func mkKlines(n int, endMs int64) []domain.Kline {
	step := domain.Interval1m.Millis()
	ks := make([]domain.Kline, n)
	for i := 0; i < n; i++ {
		open := endMs - int64(n-i)*step
		ks[i] = domain.Kline{
			Symbol: "BTCUSDT", Interval: domain.Interval1m,
			OpenTime: open, CloseTime: open + step - 1,
			Open: "1", High: "2", Low: "0.5", Close: "1.5",
			Volume: "10", QuoteVolume: "15", Trades: 3,
			TakerBuyBaseVolume: "5", TakerBuyQuoteVolume: "7.5",
			IsClosed: true,
		}
	}
	return ks
}

func newService(fs *fakeStore, ff *fakeFetcher, c cache.Cache) *Service {
	return NewService(fs, ff, c, zerolog.Nop())
}

func TestGetHistoricalKlines_ServedFromStore(t *testing.T) {
	now := time.Now().UnixMilli()
	fs := newFakeStore()
	fs.rows = mkKlines(100, now)
	ff := &fakeFetcher{}
	svc := newService(fs, ff, nil)

	rows, err := svc.GetHistoricalKlines(context.Background(), Query{
		Symbol: "BTCUSDT", Interval: domain.Interval1m, Limit: 100,
	})
	require.NoError(t, err)
	assert.Len(t, rows, 100)
	assert.Equal(t, 0, ff.callCount(), "complete fresh DB result must not hit upstream")
	assert.Equal(t, int64(100), fs.query().Limit)
}

func TestGetHistoricalKlines_ShortResultFallsBack(t *testing.T) {
	now := time.Now().UnixMilli()
	fs := newFakeStore()
	fs.rows = mkKlines(10, now)
	ff := &fakeFetcher{klines: mkKlines(100, now)}
	svc := newService(fs, ff, nil)

	rows, err := svc.GetHistoricalKlines(context.Background(), Query{
		Symbol: "BTCUSDT", Interval: domain.Interval1m, Limit: 100,
	})
	require.NoError(t, err)
	assert.Len(t, rows, 100, "caller gets the upstream rows")
	require.Equal(t, 1, ff.callCount())
	assert.Equal(t, 100, ff.lastCall().Limit)

	// The fallback result warms the store in the background.
	select {
	case n := <-fs.upsertCh:
		assert.Equal(t, 100, n)
	case <-time.After(2 * time.Second):
		t.Fatal("warm upsert never happened")
	}
}

func TestGetHistoricalKlines_StaleLatestWindowRefreshes(t *testing.T) {
	now := time.Now().UnixMilli()
	staleEnd := now - 10*domain.Interval1m.Millis()
	fs := newFakeStore()
	fs.rows = mkKlines(100, staleEnd)
	ff := &fakeFetcher{klines: mkKlines(100, now)}
	svc := newService(fs, ff, nil)

	rows, err := svc.GetHistoricalKlines(context.Background(), Query{
		Symbol: "BTCUSDT", Interval: domain.Interval1m, Limit: 100,
	})
	require.NoError(t, err)
	require.Equal(t, 1, ff.callCount(), "stale latest window must refresh upstream")
	assert.Equal(t, rows[len(rows)-1].OpenTime, ff.klines[len(ff.klines)-1].OpenTime)
}

func TestGetHistoricalKlines_RangeQuerySkipsFreshness(t *testing.T) {
	// Rows deep in the past, but the caller asked for exactly that range.
	end := time.Now().Add(-30 * 24 * time.Hour).UnixMilli()
	fs := newFakeStore()
	fs.rows = mkKlines(50, end)
	ff := &fakeFetcher{}
	svc := newService(fs, ff, nil)

	start := fs.rows[0].OpenTime
	rows, err := svc.GetHistoricalKlines(context.Background(), Query{
		Symbol: "BTCUSDT", Interval: domain.Interval1m,
		StartTime: &start, EndTime: &end, Limit: 50,
	})
	require.NoError(t, err)
	assert.Len(t, rows, 50)
	assert.Equal(t, 0, ff.callCount(), "complete ranged result is never freshness-checked")
}

func TestGetHistoricalKlines_RangeFallbackKeepsBounds(t *testing.T) {
	fs := newFakeStore()
	ff := &fakeFetcher{klines: mkKlines(5, time.Now().UnixMilli())}
	svc := newService(fs, ff, nil)

	start := int64(1699999980000)
	end := int64(1700000099999)
	_, err := svc.GetHistoricalKlines(context.Background(), Query{
		Symbol: "BTCUSDT", Interval: domain.Interval1m,
		StartTime: &start, EndTime: &end, Limit: 100,
	})
	require.NoError(t, err)
	require.Equal(t, 1, ff.callCount())
	call := ff.lastCall()
	require.NotNil(t, call.StartTime)
	require.NotNil(t, call.EndTime)
	assert.Equal(t, start, *call.StartTime)
	assert.Equal(t, end, *call.EndTime)
}

func TestGetHistoricalKlines_LimitClamping(t *testing.T) {
	now := time.Now().UnixMilli()
	fs := newFakeStore()
	ff := &fakeFetcher{klines: mkKlines(1, now)}
	svc := newService(fs, ff, nil)

	_, err := svc.GetHistoricalKlines(context.Background(), Query{Symbol: "BTCUSDT", Interval: domain.Interval1m})
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultLimit), fs.query().Limit, "zero limit defaults")

	_, err = svc.GetHistoricalKlines(context.Background(), Query{Symbol: "BTCUSDT", Interval: domain.Interval1m, Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, int64(MaxLimit), fs.query().Limit, "oversized limit clamps")
}

func TestGetHistoricalKlines_ValidatesInput(t *testing.T) {
	svc := newService(newFakeStore(), &fakeFetcher{}, nil)

	_, err := svc.GetHistoricalKlines(context.Background(), Query{Symbol: "BTCUSDT", Interval: "2m"})
	assert.ErrorIs(t, err, domain.ErrInvalidInterval)

	_, err = svc.GetHistoricalKlines(context.Background(), Query{Symbol: "x", Interval: domain.Interval1m})
	assert.Error(t, err)
}

func TestGetHistoricalKlines_UpstreamErrorSurfaces(t *testing.T) {
	fs := newFakeStore()
	ff := &fakeFetcher{err: binance.ErrTooManyRequests}
	svc := newService(fs, ff, nil)

	_, err := svc.GetHistoricalKlines(context.Background(), Query{Symbol: "BTCUSDT", Interval: domain.Interval1m})
	assert.ErrorIs(t, err, binance.ErrTooManyRequests)
}

func TestGetHistoricalKlines_StoreErrorStillServes(t *testing.T) {
	now := time.Now().UnixMilli()
	fs := newFakeStore()
	fs.rangeErr = errors.New("mongo down")
	ff := &fakeFetcher{klines: mkKlines(20, now)}
	svc := newService(fs, ff, nil)

	rows, err := svc.GetHistoricalKlines(context.Background(), Query{Symbol: "BTCUSDT", Interval: domain.Interval1m, Limit: 20})
	require.NoError(t, err)
	assert.Len(t, rows, 20)
}

func TestGetHistoricalKlines_FallbackCacheAbsorbsBursts(t *testing.T) {
	now := time.Now().UnixMilli()
	fs := newFakeStore()
	ff := &fakeFetcher{klines: mkKlines(30, now)}
	svc := newService(fs, ff, cache.NewMemory())

	q := Query{Symbol: "BTCUSDT", Interval: domain.Interval1m, Limit: 30}
	for i := 0; i < 3; i++ {
		rows, err := svc.GetHistoricalKlines(context.Background(), q)
		require.NoError(t, err)
		require.Len(t, rows, 30)
	}

	assert.Equal(t, 1, ff.callCount(), "identical latest-window fallbacks within the TTL share one upstream call")
}

func seedPlan(symbols []string, limit int) config.SeedPlan {
	return config.SeedPlan{Symbols: symbols, Intervals: []string{"1m"}, Limit: limit}
}

func TestSeeder_FetchesAndUpserts(t *testing.T) {
	fs := newFakeStore()
	ff := &fakeFetcher{klines: mkKlines(100, time.Now().UnixMilli())}
	seeder := NewSeeder(fs, ff, seedPlan([]string{"BTCUSDT"}, 1000), zerolog.Nop())

	seeder.Run(context.Background())

	require.Equal(t, 1, ff.callCount())
	call := ff.lastCall()
	assert.Equal(t, domain.Symbol("BTCUSDT"), call.Symbol)
	assert.Equal(t, 1000, call.Limit)
	assert.Nil(t, call.StartTime, "empty store seeds unbounded")

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.upserts, 1)
	assert.Len(t, fs.upserts[0], 100)
}

func TestSeeder_SkipsSeededPairs(t *testing.T) {
	fs := newFakeStore()
	fs.count = 950 // >= 0.9 * 1000
	ff := &fakeFetcher{}
	seeder := NewSeeder(fs, ff, seedPlan([]string{"BTCUSDT"}, 1000), zerolog.Nop())

	seeder.Run(context.Background())
	assert.Equal(t, 0, ff.callCount(), "seeded pairs never hit upstream")
}

func TestSeeder_ResumesFromLatestRow(t *testing.T) {
	fs := newFakeStore()
	fs.count = 100 // below the skip threshold
	fs.latest = 1700000000000
	ff := &fakeFetcher{klines: mkKlines(10, time.Now().UnixMilli())}
	seeder := NewSeeder(fs, ff, seedPlan([]string{"BTCUSDT"}, 1000), zerolog.Nop())

	seeder.Run(context.Background())

	require.Equal(t, 1, ff.callCount())
	call := ff.lastCall()
	require.NotNil(t, call.StartTime)
	assert.Equal(t, int64(1700000000001), *call.StartTime, "resume starts just past the newest stored row")
}

func TestSeeder_FailureDoesNotAbortPlan(t *testing.T) {
	fs := newFakeStore()
	ff := &fakeFetcher{err: fmt.Errorf("upstream down")}
	seeder := NewSeeder(fs, ff, seedPlan([]string{"BTCUSDT", "ETHUSDT"}, 1000), zerolog.Nop())

	done := make(chan struct{})
	go func() {
		seeder.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("seeder hung")
	}
	assert.Equal(t, 2, ff.callCount(), "every pair is attempted despite failures")
}

func TestSeeder_StopsOnCancel(t *testing.T) {
	fs := newFakeStore()
	ff := &fakeFetcher{klines: mkKlines(1, time.Now().UnixMilli())}
	symbols := []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT"}
	seeder := NewSeeder(fs, ff, seedPlan(symbols, 1000), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		seeder.Run(ctx)
		close(done)
	}()

	// Let at least one pair through, then cancel mid-plan.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("seeder did not stop on cancel")
	}
	assert.Less(t, ff.callCount(), len(symbols), "cancel should cut the plan short")
}
