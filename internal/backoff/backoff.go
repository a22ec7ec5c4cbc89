// Package backoff implements the exponential backoff used by subchannel
// reconnection (§4.7) and resolver-failure handling in the resolving load
// balancer (§4.8). It is built on github.com/jonboulle/clockwork so tests can
// drive time deterministically instead of sleeping real wall-clock seconds.
package backoff

import (
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config parameterizes the backoff sequence.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction, e.g. 0.2 for +/-20%
}

// DefaultConfig mirrors the conservative defaults used throughout the
// reference implementations in the pack (1s initial, 120s cap, 1.6x growth,
// 20% jitter).
var DefaultConfig = Config{
	InitialDelay: time.Second,
	MaxDelay:     120 * time.Second,
	Multiplier:   1.6,
	Jitter:       0.2,
}

// Strategy computes successive backoff delays and drives a clockwork.Clock
// timer. It is not safe for concurrent use; each subchannel and each
// resolving-load-balancer instance owns one, accessed only from its channel
// executor goroutine.
type Strategy struct {
	cfg     Config
	clock   clockwork.Clock
	retries int
}

// New constructs a Strategy. A nil clock defaults to the real wall clock.
func New(cfg Config, clock clockwork.Clock) *Strategy {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Strategy{cfg: cfg, clock: clock}
}

// Reset zeroes the retry count; called when a connection attempt succeeds
// (subchannel reaches READY) per §4.7.
func (s *Strategy) Reset() {
	s.retries = 0
}

// NextDelay computes the next delay and advances the retry counter.
func (s *Strategy) NextDelay() time.Duration {
	delay := float64(s.cfg.InitialDelay)
	for i := 0; i < s.retries; i++ {
		delay *= s.cfg.Multiplier
		if delay > float64(s.cfg.MaxDelay) {
			delay = float64(s.cfg.MaxDelay)
			break
		}
	}
	s.retries++

	if s.cfg.Jitter > 0 {
		delta := delay * s.cfg.Jitter
		delay = delay - delta + rand.Float64()*2*delta
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Timer arms a clockwork timer for NextDelay() and returns the timer itself,
// rather than only its channel as clockwork.Clock.After would, so callers can
// stash it and Stop() it on cancellation.
func (s *Strategy) Timer() clockwork.Timer {
	return s.clock.NewTimer(s.NextDelay())
}

// Clock exposes the underlying clock so callers can also arm unrelated
// timers (e.g. a call deadline) against the same time source in tests.
func (s *Strategy) Clock() clockwork.Clock {
	return s.clock
}
