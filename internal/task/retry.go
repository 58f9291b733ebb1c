package task

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy bounds how often a collaborator call is repeated.
type RetryPolicy struct {
	Max      int // retries after the first attempt
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64 // 0.2 = 20%
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Max < 0 {
		p.Max = 0
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func jitterFactor(j float64) float64 {
	rngMu.Lock()
	r := (rng.Float64()*2 - 1) * j
	rngMu.Unlock()
	return 1 + r
}

// Delay returns the wait before retry number `retry` (1-based). An explicit
// RetryAfter hint in err wins over the exponential schedule; both are capped
// at MaxDelay and jittered.
func (p RetryPolicy) Delay(retry int, err error) time.Duration {
	p = p.withDefaults()

	var d time.Duration
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) && ra.RetryAfter() > 0 {
		d = ra.RetryAfter()
	} else {
		d = p.Base
		for i := 1; i < retry; i++ {
			d *= 2
			if d > p.MaxDelay {
				break
			}
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	d = time.Duration(float64(d) * jitterFactor(p.Jitter))
	if d < 0 {
		d = 0
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

type temporary interface{ Temporary() bool }

// retryable reports whether err is worth another attempt.
func retryable(err error) bool {
	if err == nil || IsNoRetry(err) || errors.Is(err, context.Canceled) {
		return false
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// Retry runs fn until it succeeds, the policy is exhausted, or ctx ends.
// Exhaustion is reported as *CollaboratorError{Op: op}.
func Retry(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	var err error
	attempts := 0
	for attempt := 1; attempt <= 1+p.Max; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return &CollaboratorError{Op: op, Attempts: attempts, Err: cerr}
		}
		attempts = attempt
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) || attempt > p.Max {
			break
		}
		t := time.NewTimer(p.Delay(attempt, err))
		select {
		case <-ctx.Done():
			t.Stop()
			return &CollaboratorError{Op: op, Attempts: attempts, Err: ctx.Err()}
		case <-t.C:
		}
	}
	var nr noRetryError
	if errors.As(err, &nr) {
		err = nr.err
	}
	return &CollaboratorError{Op: op, Attempts: attempts, Err: err}
}
