package history

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/chartstream/internal/config"
	"github.com/sawpanic/chartstream/internal/metrics"
	"github.com/sawpanic/chartstream/internal/upstream/binance"
)

const (
	// seedPace spaces upstream fetches so the seeder never competes with
	// live traffic for the exchange's rate budget.
	seedPace        = 200 * time.Millisecond
	seedFailurePace = 500 * time.Millisecond

	// seedSkipFraction: a pair already holding this share of its target
	// rows is considered seeded.
	seedSkipFraction = 0.9
)

// Seeder backfills candle history for a fixed set of symbol/interval
// pairs at startup. It runs in the background and never blocks or fails
// service startup.
type Seeder struct {
	store   CandleStore
	fetcher Fetcher
	plan    config.SeedPlan
	log     zerolog.Logger
	m       *metrics.Registry
}

func NewSeeder(cs CandleStore, fetcher Fetcher, plan config.SeedPlan, logger zerolog.Logger) *Seeder {
	return &Seeder{
		store:   cs,
		fetcher: fetcher,
		plan:    plan,
		log:     logger.With().Str("component", "seeder").Logger(),
	}
}

// Instrument attaches seeder metrics.
func (s *Seeder) Instrument(m *metrics.Registry) { s.m = m }

// Run walks the seed plan once. Meant to be launched in its own
// goroutine; returns early when ctx is cancelled.
func (s *Seeder) Run(ctx context.Context) {
	pairs := s.plan.Pairs()
	s.log.Info().Int("pairs", len(pairs)).Int("limit", s.plan.Limit).Msg("seeding candle history")

	var seeded, skipped, failed int
	for _, pair := range pairs {
		select {
		case <-ctx.Done():
			s.log.Info().Int("seeded", seeded).Int("skipped", skipped).Int("failed", failed).Msg("seeder cancelled")
			return
		default:
		}

		pace := s.seedPair(ctx, pair, &seeded, &skipped, &failed)
		if pace > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pace):
			}
		}
	}

	s.log.Info().Int("seeded", seeded).Int("skipped", skipped).Int("failed", failed).Msg("seeding complete")
}

// seedPair backfills one combination and returns how long to pause
// before the next one. Pairs that skip without touching the upstream
// need no pause.
func (s *Seeder) seedPair(ctx context.Context, pair config.SeedPair, seeded, skipped, failed *int) time.Duration {
	logger := s.log.With().Str("symbol", pair.Symbol.String()).Str("interval", pair.Interval.String()).Logger()

	count, err := s.store.CountKlines(ctx, pair.Symbol, pair.Interval)
	if err != nil {
		logger.Warn().Err(err).Msg("seed count failed")
		s.countPair("failed", failed)
		return seedFailurePace
	}
	if float64(count) >= seedSkipFraction*float64(s.plan.Limit) {
		logger.Debug().Int64("existing", count).Msg("already seeded, skipping")
		s.countPair("skipped", skipped)
		return 0
	}

	req := binance.KlinesRequest{
		Symbol:   pair.Symbol,
		Interval: pair.Interval,
		Limit:    s.plan.Limit,
	}
	latest, err := s.store.LatestOpenTime(ctx, pair.Symbol, pair.Interval)
	if err != nil {
		logger.Warn().Err(err).Msg("seed latest lookup failed")
		s.countPair("failed", failed)
		return seedFailurePace
	}
	if latest > 0 {
		// Resume from the first candle we do not have yet.
		start := latest + 1
		req.StartTime = &start
	}

	ks, err := s.fetcher.Klines(ctx, req)
	if err != nil {
		logger.Warn().Err(err).Msg("seed fetch failed")
		s.countPair("failed", failed)
		return seedFailurePace
	}

	written := int64(0)
	if len(ks) > 0 {
		written, err = s.store.BulkUpsertKlines(ctx, ks)
		if err != nil {
			logger.Warn().Err(err).Msg("seed upsert failed")
			s.countPair("failed", failed)
			return seedFailurePace
		}
	}

	logger.Debug().Int("fetched", len(ks)).Int64("written", written).Msg("seeded pair")
	s.countPair("seeded", seeded)
	return seedPace
}

func (s *Seeder) countPair(result string, counter *int) {
	*counter++
	if s.m != nil {
		s.m.SeederPairs.WithLabelValues(result).Inc()
	}
}
