package strategies

import (
	"log"
	"time"

	"visionrelay/internal/pipeline"
)

// AdaptiveStrategy runs at a fixed nominal interval and doubles its delay on
// each consecutive rate limit. Backoff always takes precedence over the
// interval until a successful cycle resets it.
type AdaptiveStrategy struct {
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewAdaptiveStrategy creates an adaptive cadence strategy
func NewAdaptiveStrategy(baseBackoff, maxBackoff time.Duration) *AdaptiveStrategy {
	if baseBackoff <= 0 {
		baseBackoff = 15 * time.Second
	}
	if maxBackoff < baseBackoff {
		maxBackoff = 120 * time.Second
		if maxBackoff < baseBackoff {
			maxBackoff = baseBackoff
		}
	}
	return &AdaptiveStrategy{
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
}

func (s *AdaptiveStrategy) Name() string {
	return "adaptive"
}

func (s *AdaptiveStrategy) NextDelay(state *pipeline.SchedulerState, interval time.Duration) time.Duration {
	if state != nil && state.BackoffMs > 0 {
		return time.Duration(state.BackoffMs) * time.Millisecond
	}
	if interval <= 0 {
		interval = pipeline.DefaultInterval(pipeline.BackendRemote)
	}
	return interval
}

// OnRateLimited uses the caller's bounds so runtime settings take effect on
// the next rate limit
func (s *AdaptiveStrategy) OnRateLimited(state *pipeline.SchedulerState, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		base = s.baseBackoff
	}
	if ceiling < base {
		ceiling = s.maxBackoff
		if ceiling < base {
			ceiling = base
		}
	}
	state.ConsecutiveErrors++
	delay := pipeline.BackoffDelay(base, ceiling, state.ConsecutiveErrors)
	state.BackoffMs = int(delay.Milliseconds())
	return delay
}

func (s *AdaptiveStrategy) OnSuccess(state *pipeline.SchedulerState) {
	if state.ConsecutiveErrors > 0 {
		log.Printf("[Strategy] Recovered after %d rate limits", state.ConsecutiveErrors)
	}
	state.ConsecutiveErrors = 0
	state.BackoffMs = 0
}

var _ pipeline.CadenceStrategy = (*AdaptiveStrategy)(nil)
