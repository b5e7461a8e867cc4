package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingID is returned when an inbound message carries no transport id
	ErrMissingID = errors.New("contracts: message has no id")
	// ErrInvalidSelector is returned when a selector expression cannot be parsed
	ErrInvalidSelector = errors.New("contracts: invalid selector")
	// ErrUnsupportedHeader is returned when a native header value has no string form
	ErrUnsupportedHeader = errors.New("contracts: unsupported header value")
)

// DecodeError is returned when an inbound message cannot be parsed into an Envelope.
// Replies that fail to decode cannot be attributed to any caller.
type DecodeError struct {
	Source string // Destination or subject the message arrived on
	Err    error  // Underlying error
}

func (e *DecodeError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("decode error: %v", e.Err)
	}
	return fmt.Sprintf("decode error on %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
