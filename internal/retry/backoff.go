// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

package retry

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	backoffInitialInterval = time.Minute
	backoffMultiplier      = 2.0
	backoffMaxInterval     = 24 * time.Hour
	backoffJitterSpan      = 10 * time.Second
)

// computeBackoff reproduces `delay = min(2^retryCount * 60s, 24h) + jitter`
// by replaying a freshly seeded exponential backoff policy retryCount+1
// times with the library's own randomization disabled, then layering the
// spec's own uniform jitter on top.
func computeBackoff(retryCount int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = backoffInitialInterval
	policy.Multiplier = backoffMultiplier
	policy.MaxInterval = backoffMaxInterval
	policy.RandomizationFactor = 0

	var delay time.Duration
	for i := 0; i <= retryCount; i++ {
		delay = policy.NextBackOff()
		if delay == backoff.Stop {
			delay = backoffMaxInterval
			break
		}
	}

	return delay + jitter()
}

func jitter() time.Duration {
	return time.Duration(rand.Int63n(int64(backoffJitterSpan)))
}

const (
	tickMinInterval = 5 * time.Second
	tickMaxInterval = 60 * time.Second
	tickJitterSpan  = 1 * time.Second
)

// nextTickDelay computes clamp(nextDueAt - now, 5s, 60s) + jitter(±1s),
// floor-clamped to 5s, per the retry worker's scheduling model. A nil
// nextDueAt (empty queue) schedules the default maximum interval.
func nextTickDelay(nextDueAt *time.Time, now time.Time) time.Duration {
	interval := tickMaxInterval
	if nextDueAt != nil {
		interval = nextDueAt.Sub(now)
		if interval < tickMinInterval {
			interval = tickMinInterval
		}
		if interval > tickMaxInterval {
			interval = tickMaxInterval
		}
	}

	jitterOffset := time.Duration(rand.Int63n(int64(2*tickJitterSpan))) - tickJitterSpan
	interval += jitterOffset
	if interval < tickMinInterval {
		interval = tickMinInterval
	}
	return interval
}
