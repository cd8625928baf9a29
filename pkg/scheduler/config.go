package scheduler

import (
	"errors"
	"time"
)

// FailurePolicy decides what happens to an enrollment when a send fails.
// The engine has no default: the surrounding system must choose.
type FailurePolicy string

const (
	// FailurePolicyRetry re-arms the same step after RetryDelay, marking
	// the enrollment failed once MaxAttempts is exhausted.
	FailurePolicyRetry FailurePolicy = "retry"

	// FailurePolicyAdvance records the failure and moves on to the next
	// step anyway.
	FailurePolicyAdvance FailurePolicy = "advance"
)

var ErrInvalidFailurePolicy = errors.New("failure policy must be 'retry' or 'advance'")

const (
	DefaultRetryDelay  = 5 * time.Minute
	DefaultMaxAttempts = 3
	DefaultSendTimeout = 30 * time.Second
	DefaultBatchSize   = 500
)

// Config tunes the scheduler tick.
type Config struct {
	// FailurePolicy is required; see the policy constants.
	FailurePolicy FailurePolicy

	// RetryDelay is how long a failed step waits before its next attempt
	// under the retry policy.
	RetryDelay time.Duration

	// MaxAttempts bounds retries per step under the retry policy.
	MaxAttempts int

	// SendTimeout bounds each delegate invocation.
	SendTimeout time.Duration

	// BatchSize caps how many due enrollments one tick processes.
	BatchSize int
}

func (c *Config) validate() error {
	switch c.FailurePolicy {
	case FailurePolicyRetry, FailurePolicyAdvance:
	default:
		return ErrInvalidFailurePolicy
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}

	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}

	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}

	return nil
}
