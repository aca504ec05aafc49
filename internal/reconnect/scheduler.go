// Package reconnect implements the backoff policy that decides when the
// connection manager tries again after losing the server.
package reconnect

import (
	"log/slog"
	"math"
	"time"

	"github.com/rickgao/fleetsync/internal/eventloop"
)

// Config configures backoff.
type Config struct {
	BaseDelay   time.Duration // Delay before the first retry
	Multiplier  float64       // Growth factor per attempt
	MaxDelay    time.Duration // Upper bound on any delay
	MaxAttempts int           // Retries before giving up
}

// DefaultConfig returns the reference backoff policy: 2s, 4s, 8s, 16s, then
// 30s, giving up after 10 attempts.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns min(BaseDelay * Multiplier^attempt, MaxDelay). It is
// non-decreasing in attempt and never exceeds MaxDelay.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(c.BaseDelay) * math.Pow(mult, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Hooks receive scheduler decisions. Nil fields are ignored.
type Hooks struct {
	// Scheduled is called when a retry is armed.
	Scheduled func(attempt int, delay time.Duration)
	// GaveUp is called once when the attempt cap is reached.
	GaveUp func(attempts int)
}

// Scheduler counts reconnect attempts and arms at most one retry timer at
// a time. It performs no I/O: connect is whatever the owner supplies. A
// Scheduler is confined to the event loop.
type Scheduler struct {
	cfg     Config
	timers  eventloop.Scheduler
	connect func()
	hooks   Hooks
	logger  *slog.Logger

	attempts int
	gaveUp   bool
	pending  eventloop.Slot
}

// NewScheduler creates a Scheduler that calls connect for every retry.
func NewScheduler(cfg Config, timers eventloop.Scheduler, connect func(), hooks Hooks, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		timers:  timers,
		connect: connect,
		hooks:   hooks,
		logger:  logger,
	}
}

// OnDisconnected arms the next retry, or gives up once the attempt cap is
// reached. Arming replaces any retry that is already pending.
func (s *Scheduler) OnDisconnected() {
	if s.attempts >= s.cfg.MaxAttempts {
		if !s.gaveUp {
			s.gaveUp = true
			s.pending.Stop()
			s.logger.Warn("reconnect attempts exhausted, giving up",
				"attempts", s.attempts,
			)
			if s.hooks.GaveUp != nil {
				s.hooks.GaveUp(s.attempts)
			}
		}
		return
	}

	attempt := s.attempts
	delay := s.cfg.Delay(attempt)
	s.pending.Reset(s.timers, delay, func() {
		s.attempts++
		s.logger.Info("attempting reconnection",
			"attempt", s.attempts,
			"max_attempts", s.cfg.MaxAttempts,
		)
		s.connect()
	})

	s.logger.Info("reconnect scheduled",
		"attempt", attempt+1,
		"delay", delay,
	)
	if s.hooks.Scheduled != nil {
		s.hooks.Scheduled(attempt+1, delay)
	}
}

// Reset clears the attempt counter and drops any armed retry. Call it only
// after a successful open.
func (s *Scheduler) Reset() {
	s.pending.Stop()
	s.attempts = 0
	s.gaveUp = false
}

// Cancel stops any pending retry.
func (s *Scheduler) Cancel() {
	s.pending.Stop()
}

// Retry is the manual retry path: it leaves the give-up state, starts the
// attempt count over and connects immediately.
func (s *Scheduler) Retry() {
	s.pending.Stop()
	s.attempts = 0
	s.gaveUp = false
	s.logger.Info("manual reconnect requested")
	s.connect()
}

// Attempts returns the number of retries fired since the last reset.
func (s *Scheduler) Attempts() int {
	return s.attempts
}

// Pending reports whether a retry timer is armed.
func (s *Scheduler) Pending() bool {
	return s.pending.Active()
}

// GaveUp reports whether the attempt cap was reached.
func (s *Scheduler) GaveUp() bool {
	return s.gaveUp
}
