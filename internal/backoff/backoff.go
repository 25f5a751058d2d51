// Package backoff computes retry delays for the queue's retry_scheduled
// transition: a deterministic exponential schedule with bounded jitter.
package backoff

import (
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
)

// Config holds the backoff parameters.
type Config struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	// Jitter is the randomization factor fed to the underlying exponential
	// backoff generator: a factor of 0.2 produces a uniform [0.8, 1.2] window
	// around the nominal delay.
	Jitter float64
}

// DefaultConfig holds the documented defaults: base=5s, multiplier=6, cap=600s,
// jitter range [0.8, 1.2].
var DefaultConfig = Config{
	Base:       5 * time.Second,
	Multiplier: 6,
	Cap:        600 * time.Second,
	Jitter:     0.2,
}

// Schedule computes jittered retry delays from a Config.
type Schedule struct {
	cfg Config
}

// NewSchedule builds a Schedule from cfg.
func NewSchedule(cfg Config) *Schedule {
	return &Schedule{cfg: cfg}
}

// DelayFor returns the jittered delay to apply before retry attempt
// retryCount (0 = first retry), per: clamp(base * mult^n, 0, cap) * jitter,
// with the jittered result clamped to cap once more, so it never exceeds cap.
//
// cenkalti's ExponentialBackOff is a stateful, sequential generator (each
// NextBackOff() call advances it), not directly indexable by retry count. To
// get an idempotent function of retryCount, a fresh generator is built, reset,
// and stepped forward exactly retryCount+1 times; only the final step's value
// is returned. This costs O(n) calls per invocation, which is immaterial at
// the retry counts this schedule ever sees (max_retries is small).
func (s *Schedule) DelayFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	eb := cenkalti.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.Base
	eb.Multiplier = s.cfg.Multiplier
	eb.MaxInterval = s.cfg.Cap
	eb.RandomizationFactor = s.cfg.Jitter
	eb.MaxElapsedTime = 0 // the queue owns the retry-count ceiling, not this generator
	eb.Reset()

	var d time.Duration
	for i := 0; i <= retryCount; i++ {
		d = eb.NextBackOff()
	}
	if d > s.cfg.Cap {
		d = s.cfg.Cap
	}
	return d
}

// NominalDelay returns the pre-jitter delay for retryCount, used by property
// tests asserting the jitter window around a known nominal value.
func (s *Schedule) NominalDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := float64(s.cfg.Base)
	for i := 0; i < retryCount; i++ {
		d *= s.cfg.Multiplier
	}
	nominal := time.Duration(d)
	if nominal > s.cfg.Cap {
		nominal = s.cfg.Cap
	}
	return nominal
}
