// Package resilience wraps a stage handler in a per-stage circuit breaker so
// a sustained downstream outage (the transcription API, the LLM summarizer)
// gets a recovery window instead of being hammered by every retry attempt.
//
// This is pure enrichment beyond the base worker loop: a stage
// with no breaker configured behaves exactly as §4.7 describes.
package resilience

import (
	"context"

	"github.com/sony/gobreaker"

	"orchestrator/internal/apperr"
	"orchestrator/internal/handler"
	"orchestrator/internal/task"
)

// BreakerConfig configures the wrapper for one stage.
type BreakerConfig struct {
	Stage                   task.Stage
	MaxConsecutiveFailures  uint32
}

// Wrap returns a Handler that short-circuits to a TransientError once the
// breaker opens, without invoking inner. MaxConsecutiveFailures == 0 returns
// inner unwrapped (breaker disabled).
func Wrap(inner handler.Handler, cfg BreakerConfig) handler.Handler {
	if cfg.MaxConsecutiveFailures == 0 {
		return inner
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: string(cfg.Stage),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxConsecutiveFailures
		},
	})

	return handler.HandlerFunc(func(ctx context.Context, t task.Task, ep handler.Episode, emit handler.Emitter) error {
		_, err := cb.Execute(func() (any, error) {
			return nil, inner.Handle(ctx, t, ep, emit)
		})
		if err == nil {
			return nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return &apperr.TransientError{
				Code:    "circuit_open",
				Message: "stage " + string(cfg.Stage) + " circuit breaker is open",
				Cause:   err,
			}
		}
		return err
	})
}
