package rabbitmq

import (
	"fmt"
	"strconv"
	"time"

	"github.com/glimte/mmate-reqreply/contracts"
	"github.com/glimte/mmate-reqreply/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// toPublishing maps an envelope onto native AMQP properties
func toPublishing(destination string, env *contracts.Envelope) amqp.Publishing {
	headers := make(amqp.Table, len(env.Headers)+1)
	for k, v := range env.Headers {
		headers[k] = v
	}
	headers[rabbitmq.HeaderDestination] = destination

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/octet-stream",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Timestamp:     env.Timestamp,
		Body:          env.Body,
	}
}

// fromDelivery rebuilds an envelope. Header values without a scalar string
// form make the delivery undecodable.
func fromDelivery(source string, d amqp.Delivery) (*contracts.Envelope, error) {
	if d.MessageId == "" {
		return nil, &contracts.DecodeError{Source: source, Err: contracts.ErrMissingID}
	}

	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if k == rabbitmq.HeaderDestination {
			continue
		}
		s, ok := headerString(v)
		if !ok {
			return nil, &contracts.DecodeError{
				Source: source,
				Err:    fmt.Errorf("%w: %s is %T", contracts.ErrUnsupportedHeader, k, v),
			}
		}
		headers[k] = s
	}

	return &contracts.Envelope{
		ID:            d.MessageId,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Timestamp:     d.Timestamp,
		Headers:       headers,
		Body:          d.Body,
	}, nil
}

func headerString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	case bool:
		return strconv.FormatBool(x), true
	case int8:
		return strconv.FormatInt(int64(x), 10), true
	case int16:
		return strconv.FormatInt(int64(x), 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int:
		return strconv.Itoa(x), true
	case uint8:
		return strconv.FormatUint(uint64(x), 10), true
	case uint16:
		return strconv.FormatUint(uint64(x), 10), true
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), true
	default:
		return "", false
	}
}
