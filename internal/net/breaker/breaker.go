package breaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	cb "github.com/sony/gobreaker"
)

// ErrOpen is returned while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker open")

// Breaker wraps an upstream call path and trips on sustained failures:
// 3 consecutive errors, or an error rate above 5% once at least 20
// requests have been observed in the rolling window.
type Breaker struct {
	cb  *cb.CircuitBreaker
	log zerolog.Logger
}

func New(name string, logger zerolog.Logger) *Breaker {
	b := &Breaker{log: logger.With().Str("component", "breaker").Str("breaker", name).Logger()}

	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}
	st.OnStateChange = func(_ string, from, to cb.State) {
		b.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
	}

	b.cb = cb.NewCircuitBreaker(st)
	return b
}

// Execute runs fn through the breaker. While the breaker is open it
// returns ErrOpen without invoking fn.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return result, err
}

// IsOpen reports whether the breaker is currently rejecting calls.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == cb.StateOpen
}
