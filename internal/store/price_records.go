package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sawpanic/chartstream/internal/domain"
)

// PriceRecord is the persisted form of a throttled price event.
type PriceRecord struct {
	Symbol     domain.Symbol      `bson:"symbol"`
	Price      string             `bson:"price"`
	Ts         int64              `bson:"ts"`
	Source     domain.EventSource `bson:"source"`
	ReceivedAt time.Time          `bson:"receivedAt"`
}

// RecordFromEvent converts a price event into its persisted form.
func RecordFromEvent(ev domain.PriceEvent) PriceRecord {
	return PriceRecord{
		Symbol:     ev.Symbol,
		Price:      ev.Price,
		Ts:         ev.Ts,
		Source:     ev.Source,
		ReceivedAt: time.Now().UTC(),
	}
}

// InsertPriceRecord writes the record keyed by (symbol, ts). Redelivered jobs
// hit $setOnInsert against the existing row and change nothing.
func (s *Store) InsertPriceRecord(ctx context.Context, rec PriceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	filter := bson.M{"symbol": rec.Symbol, "ts": rec.Ts}
	update := bson.M{"$setOnInsert": rec}

	_, err := s.prices.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		s.recordUpsert(pricesCollection, "error")
		return fmt.Errorf("insert price record %s @%d: %w", rec.Symbol, rec.Ts, err)
	}

	s.recordUpsert(pricesCollection, "ok")
	return nil
}
