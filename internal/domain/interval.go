package domain

import (
	"fmt"
	"time"
)

// Interval is a candle aggregation window from the exchange's closed set.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

// intervalDurations maps each interval to its fixed duration. 1M is a
// calendar month on the exchange; 30 days is used here because the value only
// feeds freshness checks, never candle boundaries.
var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval3m:  3 * time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval2h:  2 * time.Hour,
	Interval4h:  4 * time.Hour,
	Interval6h:  6 * time.Hour,
	Interval8h:  8 * time.Hour,
	Interval12h: 12 * time.Hour,
	Interval1d:  24 * time.Hour,
	Interval3d:  72 * time.Hour,
	Interval1w:  7 * 24 * time.Hour,
	Interval1M:  30 * 24 * time.Hour,
}

// ErrInvalidInterval is returned when a string is not in the closed interval set.
var ErrInvalidInterval = fmt.Errorf("invalid interval")

// ParseInterval validates raw input against the closed set.
func ParseInterval(raw string) (Interval, error) {
	iv := Interval(raw)
	if _, ok := intervalDurations[iv]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidInterval, raw)
	}
	return iv, nil
}

// Duration returns the interval's length.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Millis returns the interval's length in milliseconds, matching the unit of
// openTime/closeTime throughout the system.
func (i Interval) Millis() int64 {
	return intervalDurations[i].Milliseconds()
}

// Valid reports whether the interval belongs to the closed set.
func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

func (i Interval) String() string { return string(i) }

// Intervals returns the full closed set in ascending duration order.
func Intervals() []Interval {
	return []Interval{
		Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
		Interval1h, Interval2h, Interval4h, Interval6h, Interval8h, Interval12h,
		Interval1d, Interval3d, Interval1w, Interval1M,
	}
}
