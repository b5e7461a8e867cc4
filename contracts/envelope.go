package contracts

import (
	"encoding/json"
	"maps"
	"time"
)

// Envelope wraps a request or reply body for transport
type Envelope struct {
	// ID is assigned by the transport when the envelope is published
	ID string `json:"id"`
	// CorrelationID links a reply to its request
	CorrelationID string `json:"correlationId,omitempty"`
	// ReplyTo names the destination a responder publishes its reply to
	ReplyTo   string            `json:"replyTo,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body"`
}

// NewEnvelope creates an envelope carrying body
func NewEnvelope(body []byte) *Envelope {
	return &Envelope{
		Body:    body,
		Headers: make(map[string]string),
	}
}

// Header returns the value of a header, or "" when absent
func (e *Envelope) Header(name string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[name]
}

// SetHeader sets a header value
func (e *Envelope) SetHeader(name, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[name] = value
}

// BodyString returns the body as a string
func (e *Envelope) BodyString() string {
	return string(e.Body)
}

// Clone returns a deep copy of the envelope
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Headers = maps.Clone(e.Headers)
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	return &c
}

// Encode serializes an envelope to JSON
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a JSON envelope. Failures are reported as *DecodeError.
func Decode(source string, data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Source: source, Err: err}
	}
	if env.ID == "" {
		return nil, &DecodeError{Source: source, Err: ErrMissingID}
	}
	return &env, nil
}
