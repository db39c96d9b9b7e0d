package session

import (
	"math/rand"
	"time"
)

// NextBackoffDelay returns the wait before dial attempt N+1 after attempt N
// (1-based) failed. Growth is geometric and capped at MaxDelay; jitter scales
// the capped delay into [0.5x, 1.5x). The first retry is never jittered.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(delay) * mult)
		if next < delay {
			break
		}
		if cfg.MaxDelay > 0 && next >= cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
		delay = next
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if !cfg.Jitter || attempt <= 1 {
		return delay
	}
	f := 0.5
	if rng != nil {
		f += rng.Float64()
	}
	return time.Duration(float64(delay) * f)
}
