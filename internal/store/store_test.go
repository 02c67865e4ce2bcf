package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/sawpanic/chartstream/internal/domain"
)

func sampleKline(closed bool) domain.Kline {
	return domain.Kline{
		Symbol:    "BTCUSDT",
		Interval:  domain.Interval1m,
		OpenTime:  1700000040000,
		CloseTime: 1700000099999,
		Open:      "42000.10",
		High:      "42001.00",
		Low:       "41999.90",
		Close:     "42000.50",
		Volume:    "12.5",
		IsClosed:  closed,
	}
}

func TestUpsertFilter_OpenUpdateExcludesClosedRows(t *testing.T) {
	filter := upsertFilter(sampleKline(false))

	assert.Equal(t, domain.Symbol("BTCUSDT"), filter["symbol"])
	assert.Equal(t, domain.Interval1m, filter["interval"])
	assert.Equal(t, int64(1700000040000), filter["openTime"])

	guard, ok := filter["isClosed"].(bson.M)
	require.True(t, ok, "open update must carry the closed-row guard")
	assert.Equal(t, true, guard["$ne"])
}

func TestUpsertFilter_ClosedUpdateMatchesAnyRow(t *testing.T) {
	filter := upsertFilter(sampleKline(true))
	_, hasGuard := filter["isClosed"]
	assert.False(t, hasGuard, "closed update may finalize an open row")
}

func TestRangeFilter_WithRange(t *testing.T) {
	start, end := int64(1700000000000), int64(1700003600000)
	q := RangeQuery{
		Symbol:    "ETHUSDT",
		Interval:  domain.Interval1h,
		StartTime: &start,
		EndTime:   &end,
		Limit:     100,
	}

	filter, opts := rangeFilter(q)

	bounds, ok := filter["openTime"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, start, bounds["$gte"])
	assert.Equal(t, end, bounds["$lte"])

	require.NotNil(t, opts.Limit)
	assert.Equal(t, int64(100), *opts.Limit)

	sort, ok := opts.Sort.(bson.D)
	require.True(t, ok)
	assert.Equal(t, 1, sort[0].Value, "ranged queries read oldest-first")
}

func TestRangeFilter_WithoutRange(t *testing.T) {
	q := RangeQuery{Symbol: "ETHUSDT", Interval: domain.Interval1h, Limit: 500}

	filter, opts := rangeFilter(q)

	_, hasBounds := filter["openTime"]
	assert.False(t, hasBounds)

	sort, ok := opts.Sort.(bson.D)
	require.True(t, ok)
	assert.Equal(t, -1, sort[0].Value, "unranged queries read newest-first, reversed later")
}

func TestRangeFilter_StartOnly(t *testing.T) {
	start := int64(1700000000000)
	q := RangeQuery{Symbol: "BTCUSDT", Interval: domain.Interval1m, StartTime: &start, Limit: 10}

	filter, _ := rangeFilter(q)
	bounds, ok := filter["openTime"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, start, bounds["$gte"])
	_, hasEnd := bounds["$lte"]
	assert.False(t, hasEnd)
}

func TestReverse(t *testing.T) {
	rows := []domain.Kline{
		{OpenTime: 3}, {OpenTime: 2}, {OpenTime: 1},
	}
	reverse(rows)
	assert.Equal(t, int64(1), rows[0].OpenTime)
	assert.Equal(t, int64(3), rows[2].OpenTime)

	var empty []domain.Kline
	reverse(empty)
	assert.Empty(t, empty)
}

func TestRecordFromEvent(t *testing.T) {
	ev := domain.PriceEvent{
		Symbol: "BTCUSDT",
		Price:  "70000.00",
		Ts:     1700000000000,
		Source: domain.SourceMiniTicker,
	}

	rec := RecordFromEvent(ev)

	assert.Equal(t, ev.Symbol, rec.Symbol)
	assert.Equal(t, ev.Price, rec.Price)
	assert.Equal(t, ev.Ts, rec.Ts)
	assert.Equal(t, ev.Source, rec.Source)
	assert.False(t, rec.ReceivedAt.IsZero())
}
