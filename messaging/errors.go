package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrGatewayClosed is the cancellation cause for calls still pending when a gateway closes
	ErrGatewayClosed = errors.New("messaging: gateway is closed")
	// ErrMissingCorrelation is returned when a reply carries no correlation id
	ErrMissingCorrelation = errors.New("messaging: reply has no correlation id")
	// ErrInvalidConfig is returned for invalid gateway or responder configuration
	ErrInvalidConfig = errors.New("messaging: invalid configuration")
	// ErrUnknownReplyKind is returned for an unrecognized reply destination kind
	ErrUnknownReplyKind = errors.New("messaging: unknown reply destination kind")
	// ErrNoAssignedID is returned when a transport publishes without assigning an id
	ErrNoAssignedID = errors.New("messaging: transport did not assign a message id")
)

// SendError is returned when the transport does not accept a request.
// No pending entry is left behind.
type SendError struct {
	Destination string
	Key         CorrelationKey
	Err         error
}

func (e *SendError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("send error: request to %s failed: %v", e.Destination, e.Err)
	}
	return fmt.Sprintf("send error: request %s to %s failed: %v", e.Key, e.Destination, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// RequestTimeoutError is returned when no reply arrives before the deadline
type RequestTimeoutError struct {
	Key     CorrelationKey
	Limit   time.Duration
	Elapsed time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %v (timeout %v)",
		e.Key, e.Elapsed.Round(time.Millisecond), e.Limit)
}

// Timeout reports true so callers can treat this like a net.Error
func (e *RequestTimeoutError) Timeout() bool {
	return true
}

// CancelledError is returned when the caller abandons a call
type CancelledError struct {
	Key   CorrelationKey
	Cause error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("request %s cancelled: %v", e.Key, e.Cause)
}

func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// DuplicateKeyError is returned when a correlation key is registered twice.
// It indicates broken key generation, not a runtime condition.
type DuplicateKeyError struct {
	Key CorrelationKey
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("correlation key %s is already pending", e.Key)
}

// IsTimeout reports whether err is a request timeout
func IsTimeout(err error) bool {
	var timeoutErr *RequestTimeoutError
	return errors.As(err, &timeoutErr)
}

// IsCancelled reports whether err is a cancelled call
func IsCancelled(err error) bool {
	var cancelledErr *CancelledError
	return errors.As(err, &cancelledErr)
}
