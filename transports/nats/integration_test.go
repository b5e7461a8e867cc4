//go:build integration
// +build integration

package nats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/glimte/mmate-reqreply/contracts"
	"github.com/glimte/mmate-reqreply/messaging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}
	tr, err := Connect(url, WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTransportIntegration(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)

	t.Run("assigned id is known before delivery", func(t *testing.T) {
		dest := "mmate.it." + uuid.NewString()
		sub, err := tr.Subscribe(ctx, dest, contracts.Selector{})
		require.NoError(t, err)
		defer sub.Close()
		require.NoError(t, tr.Flush(ctx))

		var assigned string
		env := contracts.NewEnvelope([]byte("Hello World-1"))
		env.SetHeader("instance", "a")
		require.NoError(t, tr.Publish(ctx, dest, env, messaging.WithAssignedID(func(id string) error {
			assigned = id
			return nil
		})))

		d := <-sub.Deliveries()
		got, err := d.Envelope()
		require.NoError(t, err)
		assert.Equal(t, assigned, got.ID)
		assert.Equal(t, "a", got.Header("instance"))
		assert.Equal(t, "Hello World-1", got.BodyString())
	})

	t.Run("selector subscriptions only see their messages", func(t *testing.T) {
		dest := "mmate.it." + uuid.NewString()
		a, err := tr.Subscribe(ctx, dest, contracts.Selector{Header: "instance", Value: "a"})
		require.NoError(t, err)
		defer a.Close()
		b, err := tr.Subscribe(ctx, dest, contracts.Selector{Header: "instance", Value: "b"})
		require.NoError(t, err)
		defer b.Close()
		require.NoError(t, tr.Flush(ctx))

		for _, instance := range []string{"b", "a"} {
			env := contracts.NewEnvelope([]byte(instance))
			env.SetHeader("instance", instance)
			require.NoError(t, tr.Publish(ctx, dest, env))
		}

		for name, sub := range map[string]messaging.Subscription{"a": a, "b": b} {
			d := <-sub.Deliveries()
			env, err := d.Envelope()
			require.NoError(t, err)
			assert.Equal(t, name, env.BodyString())
		}
	})
}

func TestGatewayOverNATS(t *testing.T) {
	replyTos := map[string]messaging.ReplyDestination{
		"per-gateway":      messaging.SharedTemporaryReplies(),
		"per-call":         messaging.PerCallTemporaryReplies(),
		"persistent-named": messaging.PersistentReplies("mmate.it.replies."+uuid.NewString(), "instance"),
	}

	for name, replyTo := range replyTos {
		t.Run(name, func(t *testing.T) {
			tr := newTestTransport(t)
			dest := "mmate.it.requests." + uuid.NewString()

			r, err := messaging.NewResponder(context.Background(), tr, messaging.ResponderConfig{
				Destination: dest,
				Concurrency: 4,
				Behavior:    messaging.ReplyWithSuffix("Re: Hello World"),
			}, messaging.WithResponderLogger(quiet))
			require.NoError(t, err)
			defer r.Close()

			cfg := messaging.DefaultGatewayConfig(dest)
			cfg.ReplyTo = replyTo
			cfg.ConcurrentListeners = 4
			gw, err := messaging.NewGateway(context.Background(), tr, cfg, messaging.WithLogger(quiet))
			require.NoError(t, err)
			defer gw.Close()
			require.NoError(t, tr.Flush(context.Background()))

			g, ctx := errgroup.WithContext(context.Background())
			for task := 0; task < 10; task++ {
				g.Go(func() error {
					for call := 0; call < 10; call++ {
						n := task*10 + call
						reply, err := gw.CallString(ctx, fmt.Sprintf("Hello World-%d", n))
						if err != nil {
							return err
						}
						if want := fmt.Sprintf("Re: Hello World-%d", n); reply != want {
							return fmt.Errorf("got %q, want %q", reply, want)
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			assert.Equal(t, 0, gw.Pending())
		})
	}

	t.Run("nobody listening times out", func(t *testing.T) {
		tr := newTestTransport(t)

		cfg := messaging.DefaultGatewayConfig("mmate.it.nobody." + uuid.NewString())
		cfg.RequestTimeout = 500 * time.Millisecond
		cfg.PurgeSweepInterval = 100 * time.Millisecond
		gw, err := messaging.NewGateway(context.Background(), tr, cfg, messaging.WithLogger(quiet))
		require.NoError(t, err)
		defer gw.Close()

		_, err = gw.CallString(context.Background(), "Hello World-1")
		assert.True(t, messaging.IsTimeout(err))
	})
}
