package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/sawpanic/chartstream/internal/domain"
	"github.com/sawpanic/chartstream/internal/metrics"
)

const (
	klinesCollection = "klines"
	pricesCollection = "price_events"

	writeTimeout = 10 * time.Second
)

// Store is the document-store layer for candles and persisted price records.
// All writes are idempotent upserts keyed by the row identity, so queue
// retries and replayed stream frames are harmless.
type Store struct {
	klines *mongo.Collection
	prices *mongo.Collection
	log    zerolog.Logger
	m      *metrics.Registry
}

// Connect dials the document store and verifies the connection.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	return client, nil
}

// New wraps a connected client for the given database.
func New(client *mongo.Client, database string, logger zerolog.Logger) *Store {
	db := client.Database(database)
	return &Store{
		klines: db.Collection(klinesCollection),
		prices: db.Collection(pricesCollection),
		log:    logger.With().Str("component", "store").Logger(),
	}
}

// Instrument attaches the metrics registry.
func (s *Store) Instrument(m *metrics.Registry) { s.m = m }

// EnsureIndexes creates the unique row-identity index and the descending
// query index used by the history read path.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	klineIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "symbol", Value: 1},
				{Key: "interval", Value: 1},
				{Key: "openTime", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("symbol_interval_openTime_unique"),
		},
		{
			Keys: bson.D{
				{Key: "symbol", Value: 1},
				{Key: "interval", Value: 1},
				{Key: "openTime", Value: -1},
			},
			Options: options.Index().SetName("symbol_interval_openTime_desc"),
		},
	}
	if _, err := s.klines.Indexes().CreateMany(ctx, klineIndexes); err != nil {
		return fmt.Errorf("create kline indexes: %w", err)
	}

	priceIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "symbol", Value: 1},
				{Key: "ts", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("symbol_ts_unique"),
		},
	}
	if _, err := s.prices.Indexes().CreateMany(ctx, priceIndexes); err != nil {
		return fmt.Errorf("create price indexes: %w", err)
	}

	s.log.Info().Msg("Document store indexes ensured")
	return nil
}

// UpsertKline writes one candle. Open updates never touch a row that has
// already closed: the filter excludes closed rows, and the resulting
// duplicate-key insert attempt is swallowed as the ignore case.
func (s *Store) UpsertKline(ctx context.Context, k domain.Kline) error {
	if err := k.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := s.klines.UpdateOne(ctx, upsertFilter(k), bson.M{"$set": k}, options.Update().SetUpsert(true))
	if err != nil {
		if !k.IsClosed && mongo.IsDuplicateKeyError(err) {
			// Row already closed; later open updates for the same key are ignored.
			s.recordUpsert(klinesCollection, "ignored_closed")
			return nil
		}
		s.recordUpsert(klinesCollection, "error")
		return fmt.Errorf("upsert kline %s %s @%d: %w", k.Symbol, k.Interval, k.OpenTime, err)
	}

	s.recordUpsert(klinesCollection, "ok")
	return nil
}

// BulkUpsertKlines writes a batch of candles unordered. Duplicate-key
// conflicts from concurrent writers are tolerated; other failures surface.
func (s *Store) BulkUpsertKlines(ctx context.Context, ks []domain.Kline) (int64, error) {
	if len(ks) == 0 {
		return 0, nil
	}

	models := make([]mongo.WriteModel, 0, len(ks))
	for _, k := range ks {
		if err := k.Validate(); err != nil {
			return 0, err
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(upsertFilter(k)).
			SetUpdate(bson.M{"$set": k}).
			SetUpsert(true))
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	res, err := s.klines.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil && !onlyDuplicateKeyErrors(err) {
		s.recordUpsert(klinesCollection, "error")
		return 0, fmt.Errorf("bulk upsert %d klines: %w", len(ks), err)
	}

	written := int64(0)
	if res != nil {
		written = res.UpsertedCount + res.ModifiedCount
	}
	s.recordUpsert(klinesCollection, "ok")
	return written, nil
}

// RangeQuery selects candles for one (symbol, interval) key.
type RangeQuery struct {
	Symbol    domain.Symbol
	Interval  domain.Interval
	StartTime *int64
	EndTime   *int64
	Limit     int64
}

// HasRange reports whether the caller bounded openTime.
func (q RangeQuery) HasRange() bool {
	return q.StartTime != nil || q.EndTime != nil
}

// RangeKlines returns candles ascending by openTime. With a time range the
// oldest rows inside the range win; without one the newest rows win and the
// slice is reversed so callers always see ascending order.
func (s *Store) RangeKlines(ctx context.Context, q RangeQuery) ([]domain.Kline, error) {
	filter, opts := rangeFilter(q)

	cursor, err := s.klines.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("range klines %s %s: %w", q.Symbol, q.Interval, err)
	}
	defer cursor.Close(ctx)

	var rows []domain.Kline
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode klines %s %s: %w", q.Symbol, q.Interval, err)
	}

	if !q.HasRange() {
		reverse(rows)
	}
	return rows, nil
}

// CountKlines counts stored rows for a key. Used by the seeder skip check.
func (s *Store) CountKlines(ctx context.Context, symbol domain.Symbol, interval domain.Interval) (int64, error) {
	n, err := s.klines.CountDocuments(ctx, bson.M{"symbol": symbol, "interval": interval})
	if err != nil {
		return 0, fmt.Errorf("count klines %s %s: %w", symbol, interval, err)
	}
	return n, nil
}

// LatestOpenTime returns the newest stored openTime for a key, or 0 when the
// key has no rows.
func (s *Store) LatestOpenTime(ctx context.Context, symbol domain.Symbol, interval domain.Interval) (int64, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "openTime", Value: -1}}).
		SetProjection(bson.M{"openTime": 1})

	var row struct {
		OpenTime int64 `bson:"openTime"`
	}
	err := s.klines.FindOne(ctx, bson.M{"symbol": symbol, "interval": interval}, opts).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("latest openTime %s %s: %w", symbol, interval, err)
	}
	return row.OpenTime, nil
}

func (s *Store) recordUpsert(collection, outcome string) {
	if s.m != nil {
		s.m.StoreUpserts.WithLabelValues(collection, outcome).Inc()
	}
}

// upsertFilter builds the row-identity filter. Open updates additionally
// exclude closed rows so a closed candle is effectively immutable.
func upsertFilter(k domain.Kline) bson.M {
	filter := bson.M{
		"symbol":   k.Symbol,
		"interval": k.Interval,
		"openTime": k.OpenTime,
	}
	if !k.IsClosed {
		filter["isClosed"] = bson.M{"$ne": true}
	}
	return filter
}

// rangeFilter builds the find filter and options for a range query.
func rangeFilter(q RangeQuery) (bson.M, *options.FindOptions) {
	filter := bson.M{
		"symbol":   q.Symbol,
		"interval": q.Interval,
	}

	opts := options.Find().SetLimit(q.Limit)
	if q.HasRange() {
		bounds := bson.M{}
		if q.StartTime != nil {
			bounds["$gte"] = *q.StartTime
		}
		if q.EndTime != nil {
			bounds["$lte"] = *q.EndTime
		}
		filter["openTime"] = bounds
		opts.SetSort(bson.D{{Key: "openTime", Value: 1}})
	} else {
		opts.SetSort(bson.D{{Key: "openTime", Value: -1}})
	}

	return filter, opts
}

// onlyDuplicateKeyErrors reports whether a bulk failure consists purely of
// E11000 conflicts, which unordered idempotent upserts may legitimately hit.
func onlyDuplicateKeyErrors(err error) bool {
	bwe, ok := err.(mongo.BulkWriteException)
	if !ok {
		return mongo.IsDuplicateKeyError(err)
	}
	if bwe.WriteConcernError != nil {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return len(bwe.WriteErrors) > 0
}

func reverse(rows []domain.Kline) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}
