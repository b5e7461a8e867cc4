package nats

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-reqreply/contracts"
	"github.com/nats-io/nats.go"
)

// Envelope fields without a native NATS slot travel as headers
const (
	HeaderMessageID     = "Mmate-Message-Id"
	HeaderCorrelationID = "Mmate-Correlation-Id"
	HeaderTimestamp     = "Mmate-Timestamp"
)

func toMsg(subject string, env *contracts.Envelope) *nats.Msg {
	msg := nats.NewMsg(subject)
	for k, v := range env.Headers {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(HeaderMessageID, env.ID)
	if env.CorrelationID != "" {
		msg.Header.Set(HeaderCorrelationID, env.CorrelationID)
	}
	msg.Header.Set(HeaderTimestamp, env.Timestamp.UTC().Format(time.RFC3339Nano))
	msg.Reply = env.ReplyTo
	msg.Data = env.Body
	return msg
}

func fromMsg(source string, msg *nats.Msg) (*contracts.Envelope, error) {
	id := msg.Header.Get(HeaderMessageID)
	if id == "" {
		return nil, &contracts.DecodeError{Source: source, Err: contracts.ErrMissingID}
	}

	env := &contracts.Envelope{
		ID:            id,
		CorrelationID: msg.Header.Get(HeaderCorrelationID),
		ReplyTo:       msg.Reply,
		Headers:       make(map[string]string, len(msg.Header)),
		Body:          msg.Data,
	}

	if ts := msg.Header.Get(HeaderTimestamp); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, &contracts.DecodeError{Source: source, Err: fmt.Errorf("bad %s: %w", HeaderTimestamp, err)}
		}
		env.Timestamp = parsed
	}

	for k, values := range msg.Header {
		switch k {
		case HeaderMessageID, HeaderCorrelationID, HeaderTimestamp:
			continue
		}
		if len(values) != 1 {
			return nil, &contracts.DecodeError{
				Source: source,
				Err:    fmt.Errorf("%w: %s has %d values", contracts.ErrUnsupportedHeader, k, len(values)),
			}
		}
		env.Headers[k] = values[0]
	}

	return env, nil
}

// matches applies a selector to native headers
func matches(selector contracts.Selector, h nats.Header) bool {
	if selector.IsZero() {
		return true
	}
	values := h.Values(selector.Header)
	return len(values) == 1 && values[0] == selector.Value
}
