package workflow

import (
	"context"
	"time"
)

// RetryPolicy is one step's independent retry budget. Delay grows by
// BackoffFactor after every failed attempt; Timeout bounds each attempt.
type RetryPolicy struct {
	MaxAttempts   int
	Delay         time.Duration
	BackoffFactor float64
	Timeout       time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 1
	}
	return p
}

// delayFor returns the pause before attempt n+1, given n failed attempts.
func (p RetryPolicy) delayFor(failedAttempts int) time.Duration {
	delay := float64(p.Delay)
	for i := 1; i < failedAttempts; i++ {
		delay *= p.BackoffFactor
	}
	return time.Duration(delay)
}

// sleeper pauses between attempts; tests swap it to record the schedule.
type sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
