package broker

import (
	"time"

	"github.com/amcp-go/amcp"
	"github.com/cenkalti/backoff/v4"
)

// newBackOff builds the reliable-delivery retry policy from cfg (spec
// §4.9: exponential backoff with jitter, base 100ms, factor 2, cap 30s,
// max attempts 5). backoff/v4's ExponentialBackOff applies jitter via
// its RandomizationFactor, which defaults to 0.5.
func newBackOff(cfg amcp.Config) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.RetryBaseDelay
	eb.Multiplier = cfg.RetryFactor
	eb.MaxInterval = cfg.RetryCap
	eb.MaxElapsedTime = 0 // bounded by attempt count below, not wall clock
	maxAttempts := cfg.RetryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	// WithMaxRetries counts retries after the first attempt, so the
	// total number of deliveries attempted is maxAttempts.
	return backoff.WithMaxRetries(eb, uint64(maxAttempts-1))
}

// retryState tracks one queued event's position in its backoff
// sequence. One is created per queued item and advanced on each
// redelivery attempt; it is never rewound, since backoff.BackOff is not
// safe to rewind.
type retryState struct {
	bo       backoff.BackOff
	attempts int
}

func newRetryState(cfg amcp.Config) *retryState {
	return &retryState{bo: newBackOff(cfg)}
}

// next returns the delay before the next attempt and whether the policy
// still permits one. backoff.Stop signals exhaustion.
func (r *retryState) next() (time.Duration, bool) {
	d := r.bo.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempts++
	return d, true
}
