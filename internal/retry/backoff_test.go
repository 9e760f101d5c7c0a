package retry

import (
	"testing"
	"time"
)

func TestComputeBackoffMonotonicAndFloored(t *testing.T) {
	prev := time.Duration(0)
	for retryCount := 0; retryCount < 6; retryCount++ {
		delay := computeBackoff(retryCount)
		minExpected := backoffInitialInterval * time.Duration(1<<uint(retryCount))
		if minExpected > backoffMaxInterval {
			minExpected = backoffMaxInterval
		}
		if delay < minExpected {
			t.Errorf("retryCount=%d: delay %v below floor %v", retryCount, delay, minExpected)
		}
		if delay < prev {
			t.Errorf("retryCount=%d: delay %v regressed below previous %v", retryCount, delay, prev)
		}
		prev = minExpected
	}
}

func TestComputeBackoffCapsAtMaxInterval(t *testing.T) {
	delay := computeBackoff(20)
	if delay < backoffMaxInterval || delay > backoffMaxInterval+backoffJitterSpan {
		t.Errorf("expected delay near max interval, got %v", delay)
	}
}

func TestNextTickDelayClampsToBounds(t *testing.T) {
	now := time.Now()

	farFuture := now.Add(time.Hour)
	if d := nextTickDelay(&farFuture, now); d > tickMaxInterval+tickJitterSpan {
		t.Errorf("expected clamp to max interval, got %v", d)
	}

	past := now.Add(-time.Hour)
	if d := nextTickDelay(&past, now); d < tickMinInterval {
		t.Errorf("expected floor clamp to min interval, got %v", d)
	}
}

func TestNextTickDelayDefaultsWhenQueueEmpty(t *testing.T) {
	now := time.Now()
	d := nextTickDelay(nil, now)
	if d < tickMinInterval || d > tickMaxInterval+tickJitterSpan {
		t.Errorf("expected delay within [min, max+jitter], got %v", d)
	}
}
