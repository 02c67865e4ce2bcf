package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/chartstream/internal/domain"
)

// SeedPlan describes which symbol/interval combinations the startup seeder
// backfills and how many candles each combination targets.
type SeedPlan struct {
	Symbols   []string `yaml:"symbols"`
	Intervals []string `yaml:"intervals"`
	Limit     int      `yaml:"limit"`
}

// DefaultSeedPlan covers the majors the chart UI opens with.
func DefaultSeedPlan() SeedPlan {
	return SeedPlan{
		Symbols: []string{
			"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT", "ADAUSDT", "DOGEUSDT",
		},
		Intervals: []string{"1m", "5m", "15m", "1h", "4h", "1d"},
		Limit:     1000,
	}
}

// LoadSeedPlan reads a plan from a YAML file, or returns the default plan
// when path is empty.
func LoadSeedPlan(path string) (SeedPlan, error) {
	if path == "" {
		return DefaultSeedPlan(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return SeedPlan{}, fmt.Errorf("read seed plan: %w", err)
	}

	var plan SeedPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return SeedPlan{}, fmt.Errorf("parse seed plan: %w", err)
	}

	if err := plan.Validate(); err != nil {
		return SeedPlan{}, fmt.Errorf("seed plan %s: %w", path, err)
	}
	return plan, nil
}

// Validate rejects plans that would seed nothing or hammer the upstream.
func (p SeedPlan) Validate() error {
	if len(p.Symbols) == 0 {
		return fmt.Errorf("no symbols")
	}
	if len(p.Intervals) == 0 {
		return fmt.Errorf("no intervals")
	}
	for _, raw := range p.Intervals {
		if _, err := domain.ParseInterval(raw); err != nil {
			return err
		}
	}
	for _, raw := range p.Symbols {
		if err := domain.NormalizeSymbol(raw).Validate(); err != nil {
			return err
		}
	}
	if p.Limit < 1 || p.Limit > 1000 {
		return fmt.Errorf("limit must be 1-1000, got %d", p.Limit)
	}
	return nil
}

// Pairs expands the plan into normalized (symbol, interval) combinations.
func (p SeedPlan) Pairs() []SeedPair {
	pairs := make([]SeedPair, 0, len(p.Symbols)*len(p.Intervals))
	for _, s := range p.Symbols {
		for _, iv := range p.Intervals {
			pairs = append(pairs, SeedPair{
				Symbol:   domain.NormalizeSymbol(s),
				Interval: domain.Interval(iv),
			})
		}
	}
	return pairs
}

// SeedPair is one symbol/interval combination to backfill.
type SeedPair struct {
	Symbol   domain.Symbol
	Interval domain.Interval
}
