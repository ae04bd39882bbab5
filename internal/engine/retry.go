package engine

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/loomlang/loom/pkg/ir"
)

// RetryPolicy describes how a failing provider call is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, first call included.
	MaxAttempts int
	// Delay is the base delay before a retry (Go duration syntax).
	Delay string
	// Backoff selects the growth curve: "none", "constant", "linear", "exponential".
	Backoff string
	// MaxDelay caps the computed delay.
	MaxDelay string
	// Jitter adds up to 25% random variance to each delay to avoid retry
	// stampedes against a recovering provider.
	Jitter bool
}

// DefaultRetryPolicy is the policy used by provider-backed steps unless the
// engine is configured otherwise.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       "100ms",
		Backoff:     "exponential",
		MaxDelay:    "5s",
		Jitter:      true,
	}
}

// BackoffRetryPolicy is the delay schedule for a retry block declared with
// backoff. Attempt counts come from the block itself.
func BackoffRetryPolicy(attempts int) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = attempts
	return p
}

// transientHints are error-message fragments from providers and transports
// that signal a failure worth retrying even when the error carries no code.
var transientHints = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"temporary failure",
	"i/o timeout",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"internal server error",
	"too many requests",
}

// IsRetryableError classifies whether a provider call failure should be
// retried. The primary signal is the FlowError code: timeouts, provider
// failures, and execution errors retry; validation, configuration, open
// circuits, and cancellation do not. Uncoded errors fall back on transport
// heuristics, and retry by default since the policy bounds attempts anyway.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Run cancellation is final; a per-attempt deadline is not.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var fe *ir.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return true
}

// ComputeBackoff calculates the delay before the next retry attempt.
// attempt is zero-based: the delay after the first failure uses attempt 0.
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}

	delay := base
	switch policy.Backoff {
	case "exponential":
		if attempt > 32 {
			attempt = 32
		}
		delay = base << uint(attempt)
	case "linear":
		delay = base * time.Duration(attempt+1)
	}

	if policy.MaxDelay != "" {
		if ceiling, err := time.ParseDuration(policy.MaxDelay); err == nil && delay > ceiling {
			delay = ceiling
		}
	}

	if policy.Jitter && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
	}
	return delay
}

// WaitForBackoff sleeps for the computed delay, returning early with the
// context error if the run is cancelled mid-wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
