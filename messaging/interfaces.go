package messaging

import (
	"errors"
	"time"
)

// CallOutcome classifies how a call ended
type CallOutcome string

const (
	OutcomeFulfilled    CallOutcome = "fulfilled"
	OutcomeTimedOut     CallOutcome = "timed_out"
	OutcomeCancelled    CallOutcome = "cancelled"
	OutcomeSendFailed   CallOutcome = "send_failed"
	OutcomeDuplicateKey CallOutcome = "duplicate_key"
)

// OrphanReason classifies why a reply was dropped by a listener
type OrphanReason string

const (
	// OrphanUnmatched means no pending entry matched the key (late or redelivered reply)
	OrphanUnmatched OrphanReason = "unmatched"
	// OrphanUndecodable means the reply could not be decoded
	OrphanUndecodable OrphanReason = "undecodable"
	// OrphanUncorrelated means the reply carried no correlation id
	OrphanUncorrelated OrphanReason = "uncorrelated"
)

// MetricsCollector collects request/reply metrics
type MetricsCollector interface {
	// RecordCall records the outcome and duration of a call
	RecordCall(destination string, outcome CallOutcome, duration time.Duration)

	// RecordOrphan records a reply dropped by a listener
	RecordOrphan(reason OrphanReason)

	// RecordSweep records a timeout sweep and how many entries it expired
	RecordSweep(expired int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordCall does nothing
func (n *NoOpMetricsCollector) RecordCall(destination string, outcome CallOutcome, duration time.Duration) {
}

// RecordOrphan does nothing
func (n *NoOpMetricsCollector) RecordOrphan(reason OrphanReason) {}

// RecordSweep does nothing
func (n *NoOpMetricsCollector) RecordSweep(expired int) {}

// OutcomeOf maps a call error to its outcome
func OutcomeOf(err error) CallOutcome {
	if err == nil {
		return OutcomeFulfilled
	}
	var dupErr *DuplicateKeyError
	switch {
	case IsTimeout(err):
		return OutcomeTimedOut
	case IsCancelled(err):
		return OutcomeCancelled
	case errors.As(err, &dupErr):
		return OutcomeDuplicateKey
	default:
		return OutcomeSendFailed
	}
}
