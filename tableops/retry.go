package tableops

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds the rebase-and-retry loop of a Committer
type RetryPolicy struct {
	// MaxAttempts is the maximum number of commit attempts, including the first.
	MaxAttempts int

	// InitialInterval is the wait after the first conflict.
	InitialInterval time.Duration

	// MaxInterval caps the wait between attempts.
	MaxInterval time.Duration

	// Multiplier grows the wait after each conflict.
	Multiplier float64

	// Jitter spreads waits by ±25% so racing writers fall out of step.
	Jitter bool
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval < 0 {
		p.InitialInterval = 0
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Backoff returns the wait before attempt+1, after attempt failed
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	// initialInterval * multiplier^(attempt-1)
	backoff := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1))
	if backoff > float64(p.MaxInterval) {
		backoff = float64(p.MaxInterval)
	}

	duration := time.Duration(backoff)
	if p.Jitter {
		if jitter := duration / 4; jitter > 0 {
			duration = duration - jitter + time.Duration(rand.Int64N(int64(jitter*2)))
		}
	}
	return duration
}

// RetryError is returned when the commit loop gives up. It unwraps to the
// last error, so a loop that ran out of attempts still matches
// icerr.ErrCommitConflict.
type RetryError struct {
	Err      error
	Attempts int
	LastWait time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("commit failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}
