package contracts

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	t.Run("NewEnvelope initializes headers", func(t *testing.T) {
		env := NewEnvelope([]byte("Hello World"))

		assert.NotNil(t, env.Headers)
		assert.Empty(t, env.ID)
		assert.Equal(t, "Hello World", env.BodyString())
	})

	t.Run("Header on nil map returns empty string", func(t *testing.T) {
		env := &Envelope{}
		assert.Equal(t, "", env.Header("missing"))

		env.SetHeader("camelProducer", "abc")
		assert.Equal(t, "abc", env.Header("camelProducer"))
	})

	t.Run("Clone is deep", func(t *testing.T) {
		env := NewEnvelope([]byte("body"))
		env.ID = "id-1"
		env.SetHeader("k", "v")

		c := env.Clone()
		c.Body[0] = 'B'
		c.Headers["k"] = "changed"

		assert.Equal(t, "body", env.BodyString())
		assert.Equal(t, "v", env.Header("k"))
		assert.Equal(t, "id-1", c.ID)
	})

	t.Run("Clone of nil is nil", func(t *testing.T) {
		var env *Envelope
		assert.Nil(t, env.Clone())
	})
}

func TestCodec(t *testing.T) {
	t.Run("Encode and Decode preserve correlation fields", func(t *testing.T) {
		env := &Envelope{
			ID:            "msg-1",
			CorrelationID: "corr-1",
			ReplyTo:       "test.a.reply",
			Timestamp:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			Headers:       map[string]string{"camelProducer": "p1"},
			Body:          []byte("Hello World-1"),
		}

		data, err := Encode(env)
		require.NoError(t, err)

		decoded, err := Decode("test.a", data)
		require.NoError(t, err)
		assert.Equal(t, env, decoded)
	})

	t.Run("Decode rejects garbage", func(t *testing.T) {
		_, err := Decode("test.a", []byte("{not json"))

		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr)
		assert.Equal(t, "test.a", decodeErr.Source)
		assert.Contains(t, err.Error(), "decode error on test.a")
	})

	t.Run("Decode rejects envelope without id", func(t *testing.T) {
		_, err := Decode("", []byte(`{"body":null}`))

		assert.True(t, errors.Is(err, ErrMissingID))
		assert.Contains(t, err.Error(), "decode error:")
	})
}
