package messaging

import (
	"strconv"
	"sync/atomic"

	"github.com/glimte/mmate-reqreply/contracts"
)

// CorrelationKey links a reply to its originating request
type CorrelationKey string

// KeyGenerator produces correlation keys unique for the lifetime of one gateway
// instance: the instance id followed by a monotonic counter.
type KeyGenerator struct {
	prefix  string
	counter atomic.Uint64
}

// NewKeyGenerator creates a generator scoped to instanceID
func NewKeyGenerator(instanceID string) *KeyGenerator {
	return &KeyGenerator{prefix: instanceID + "-"}
}

// Next returns the next key
func (g *KeyGenerator) Next() CorrelationKey {
	n := g.counter.Add(1)
	return CorrelationKey(g.prefix + strconv.FormatUint(n, 10))
}

// CorrelationStrategy defines how a key is produced for a request and
// recovered from its reply
type CorrelationStrategy interface {
	// Name identifies the strategy in logs and traces
	Name() string

	// Outbound prepares a request. It returns the key and true when the key is
	// known before send, or false when the transport assigned id is the key.
	Outbound(keys *KeyGenerator, env *contracts.Envelope) (CorrelationKey, bool)

	// Inbound extracts the key from a reply
	Inbound(reply *contracts.Envelope) (CorrelationKey, error)
}

// MessageIDStrategy uses the request's transport assigned id as the key.
// Responders echo the request id into the reply's correlation id.
type MessageIDStrategy struct{}

// Name implements CorrelationStrategy
func (MessageIDStrategy) Name() string {
	return "message-id"
}

// Outbound implements CorrelationStrategy
func (MessageIDStrategy) Outbound(keys *KeyGenerator, env *contracts.Envelope) (CorrelationKey, bool) {
	env.CorrelationID = ""
	return "", false
}

// Inbound implements CorrelationStrategy
func (MessageIDStrategy) Inbound(reply *contracts.Envelope) (CorrelationKey, error) {
	return inboundKey(reply)
}

// CorrelationIDStrategy stamps a gateway generated key on the request.
// Responders copy it verbatim into the reply.
type CorrelationIDStrategy struct{}

// Name implements CorrelationStrategy
func (CorrelationIDStrategy) Name() string {
	return "correlation-id"
}

// Outbound implements CorrelationStrategy
func (CorrelationIDStrategy) Outbound(keys *KeyGenerator, env *contracts.Envelope) (CorrelationKey, bool) {
	key := keys.Next()
	env.CorrelationID = string(key)
	return key, true
}

// Inbound implements CorrelationStrategy
func (CorrelationIDStrategy) Inbound(reply *contracts.Envelope) (CorrelationKey, error) {
	return inboundKey(reply)
}

func inboundKey(reply *contracts.Envelope) (CorrelationKey, error) {
	if reply == nil || reply.CorrelationID == "" {
		return "", ErrMissingCorrelation
	}
	return CorrelationKey(reply.CorrelationID), nil
}

// ReplyCorrelationID returns the correlation id a responder must put on the
// reply to request: the request's own correlation id when set, otherwise its
// transport assigned id.
func ReplyCorrelationID(request *contracts.Envelope) string {
	if request.CorrelationID != "" {
		return request.CorrelationID
	}
	return request.ID
}
