package messaging_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-reqreply/contracts"
	"github.com/glimte/mmate-reqreply/interceptors"
	"github.com/glimte/mmate-reqreply/internal/reliability"
	"github.com/glimte/mmate-reqreply/messaging"
	"github.com/glimte/mmate-reqreply/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"
)

const (
	expectedReply = "Re: Hello World"
	tasks         = 100
	callsPerTask  = 10
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[messaging.CallOutcome]int
	orphans  map[messaging.OrphanReason]int
	expired  atomic.Int64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		outcomes: make(map[messaging.CallOutcome]int),
		orphans:  make(map[messaging.OrphanReason]int),
	}
}

func (m *countingMetrics) RecordCall(destination string, outcome messaging.CallOutcome, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *countingMetrics) RecordOrphan(reason messaging.OrphanReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphans[reason]++
}

func (m *countingMetrics) RecordSweep(expired int) {
	m.expired.Add(int64(expired))
}

func (m *countingMetrics) orphanCount(reason messaging.OrphanReason) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orphans[reason]
}

func (m *countingMetrics) outcomeCount(outcome messaging.CallOutcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[outcome]
}

func newGateway(t *testing.T, transport messaging.Transport, cfg messaging.GatewayConfig, opts ...messaging.GatewayOption) *messaging.Gateway {
	t.Helper()
	opts = append([]messaging.GatewayOption{messaging.WithLogger(quiet)}, opts...)
	gw, err := messaging.NewGateway(context.Background(), transport, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func newResponder(t *testing.T, transport messaging.Transport, destination string, behavior messaging.Behavior) *messaging.Responder {
	t.Helper()
	r, err := messaging.NewResponder(context.Background(), transport, messaging.ResponderConfig{
		Destination: destination,
		Concurrency: 4,
		Behavior:    behavior,
	}, messaging.WithResponderLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// runLoad issues tasks x callsPerTask concurrent calls of "Hello World-<n>"
// and checks every caller receives the reply to its own request
func runLoad(t *testing.T, gateways ...*messaging.Gateway) {
	t.Helper()
	g, ctx := errgroup.WithContext(context.Background())
	for task := 0; task < tasks; task++ {
		gw := gateways[task%len(gateways)]
		g.Go(func() error {
			for call := 0; call < callsPerTask; call++ {
				n := task*callsPerTask + call
				request := fmt.Sprintf("Hello World-%d", n)
				reply, err := gw.CallString(ctx, request)
				if err != nil {
					return fmt.Errorf("call %d: %w", n, err)
				}
				if want := fmt.Sprintf("%s-%d", expectedReply, n); reply != want {
					return fmt.Errorf("call %d: got %q, want %q", n, reply, want)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for _, gw := range gateways {
		assert.Equal(t, 0, gw.Pending(), "registry must be empty after all calls complete")
	}
}

var strategies = map[string]messaging.CorrelationStrategy{
	"message-id":     messaging.MessageIDCorrelation(),
	"correlation-id": messaging.ClientCorrelation(),
}

func scenarioConfig(destination string, correlation messaging.CorrelationStrategy, replyTo messaging.ReplyDestination) messaging.GatewayConfig {
	return messaging.GatewayConfig{
		Destination:         destination,
		ConcurrentListeners: 5,
		RequestTimeout:      10 * time.Second,
		PurgeSweepInterval:  100 * time.Millisecond,
		Correlation:         correlation,
		ReplyTo:             replyTo,
	}
}

func TestRequestReplyScenarios(t *testing.T) {
	for name, correlation := range strategies {
		t.Run(name, func(t *testing.T) {
			t.Run("single node", func(t *testing.T) {
				broker := memory.NewBroker(memory.WithLogger(quiet))
				newResponder(t, broker, "q.single", messaging.ReplyWithSuffix(expectedReply))

				gw := newGateway(t, broker, scenarioConfig("q.single", correlation, messaging.SharedTemporaryReplies()))
				runLoad(t, gw)
			})

			t.Run("multi node relay", func(t *testing.T) {
				broker := memory.NewBroker(memory.WithLogger(quiet))
				inner := newGateway(t, broker, scenarioConfig("q.b", correlation, messaging.SharedTemporaryReplies()))
				newResponder(t, broker, "q.a", messaging.Relay(inner))
				newResponder(t, broker, "q.b", messaging.ReplyWithSuffix(expectedReply))

				gw := newGateway(t, broker, scenarioConfig("q.a", correlation, messaging.SharedTemporaryReplies()))
				runLoad(t, gw)
			})

			t.Run("persistent reply-to multi node", func(t *testing.T) {
				broker := memory.NewBroker(memory.WithLogger(quiet))
				// both hops share one reply destination
				replyTo := messaging.PersistentReplies("q.replies.a", "")
				inner := newGateway(t, broker, scenarioConfig("q.b", correlation, replyTo))
				newResponder(t, broker, "q.a", messaging.Relay(inner))
				newResponder(t, broker, "q.b", messaging.ReplyWithSuffix(expectedReply))

				gw := newGateway(t, broker, scenarioConfig("q.a", correlation, replyTo))
				runLoad(t, gw)
			})

			t.Run("persistent shared without selector", func(t *testing.T) {
				broker := memory.NewBroker(memory.WithLogger(quiet))
				newResponder(t, broker, "q.unsel", messaging.ReplyWithSuffix(expectedReply))

				replyTo := messaging.PersistentReplies("q.replies.unsel", "")
				cfg := scenarioConfig("q.unsel", correlation, replyTo)
				cfg.RequestTimeout = 2 * time.Second
				gw1 := newGateway(t, broker, cfg)
				gw2 := newGateway(t, broker, cfg)

				for _, gw := range []*messaging.Gateway{gw1, gw2} {
					for i := 0; i < 5; i++ {
						body := fmt.Sprintf("Hello World-%d", i)
						reply, err := gw.CallString(context.Background(), body)
						require.NoError(t, err, "gateway %s call %d", gw.InstanceID(), i)
						assert.Equal(t, fmt.Sprintf("%s-%d", expectedReply, i), reply)
					}
				}

				runLoad(t, gw1, gw2)
				assert.Equal(t, 0, broker.Pending("q.replies.unsel"), "no reply parked for a foreign gateway")
			})

			t.Run("persistent shared multi reply-to forward", func(t *testing.T) {
				broker := memory.NewBroker(memory.WithLogger(quiet))
				newResponder(t, broker, "q.a", messaging.Forward("q.b"))
				newResponder(t, broker, "q.b", messaging.ReplyWithSuffix(expectedReply))

				gw := newGateway(t, broker, scenarioConfig("q.a", correlation, messaging.PersistentReplies("q.replies.shared", "")))
				runLoad(t, gw)
			})

			t.Run("persistent shared with named selector", func(t *testing.T) {
				broker := memory.NewBroker(memory.WithLogger(quiet))
				newResponder(t, broker, "q.sel", messaging.ReplyWithSuffix(expectedReply))

				replyTo := messaging.PersistentReplies("q.replies.sel", "camelProducer")
				gw1 := newGateway(t, broker, scenarioConfig("q.sel", correlation, replyTo))
				gw2 := newGateway(t, broker, scenarioConfig("q.sel", correlation, replyTo))
				require.NotEqual(t, gw1.InstanceID(), gw2.InstanceID())

				// Every caller checks its own reply, so any cross-delivery fails the load
				runLoad(t, gw1, gw2)
			})

			t.Run("different components", func(t *testing.T) {
				front := memory.NewBroker(memory.WithLogger(quiet))
				back := memory.NewBroker(memory.WithLogger(quiet))
				inner := newGateway(t, back, scenarioConfig("q.back", correlation, messaging.PerCallTemporaryReplies()))
				newResponder(t, front, "q.front", messaging.Relay(inner))
				newResponder(t, back, "q.back", messaging.ReplyWithSuffix(expectedReply))

				gw := newGateway(t, front, scenarioConfig("q.front", correlation, messaging.SharedTemporaryReplies()))
				runLoad(t, gw)
				assert.Equal(t, 0, back.TemporaryDestinations(), "per-call destinations are released")
			})

			t.Run("timeout", func(t *testing.T) {
				broker := memory.NewBroker(memory.WithLogger(quiet))
				newResponder(t, broker, "q.dead", messaging.DeadEnd())

				cfg := scenarioConfig("q.dead", correlation, messaging.SharedTemporaryReplies())
				cfg.RequestTimeout = time.Second
				gw := newGateway(t, broker, cfg)

				start := time.Now()
				_, err := gw.CallString(context.Background(), "Hello World-1")
				elapsed := time.Since(start)

				var timeoutErr *messaging.RequestTimeoutError
				require.ErrorAs(t, err, &timeoutErr)
				assert.GreaterOrEqual(t, elapsed, time.Second)
				assert.Less(t, elapsed, time.Second+cfg.PurgeSweepInterval+500*time.Millisecond)
				assert.GreaterOrEqual(t, timeoutErr.Elapsed, timeoutErr.Limit)
				assert.Equal(t, 0, gw.Pending())
			})
		})
	}
}

func TestGatewayLateReplyIsOrphaned(t *testing.T) {
	broker := memory.NewBroker(memory.WithLogger(quiet))
	metrics := newCountingMetrics()

	requests, err := broker.Subscribe(context.Background(), "q.slow", contracts.Selector{})
	require.NoError(t, err)

	cfg := scenarioConfig("q.slow", messaging.ClientCorrelation(), messaging.SharedTemporaryReplies())
	cfg.RequestTimeout = 200 * time.Millisecond
	cfg.PurgeSweepInterval = 20 * time.Millisecond
	gw := newGateway(t, broker, cfg, messaging.WithMetrics(metrics))

	_, err = gw.CallString(context.Background(), "Hello World-1")
	require.True(t, messaging.IsTimeout(err))

	d := <-requests.Deliveries()
	request, err := d.Envelope()
	require.NoError(t, err)

	reply := contracts.NewEnvelope([]byte("too late"))
	reply.CorrelationID = messaging.ReplyCorrelationID(request)
	require.NoError(t, broker.Publish(context.Background(), request.ReplyTo, reply))

	assert.Eventually(t, func() bool {
		return metrics.orphanCount(messaging.OrphanUnmatched) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, gw.Pending())
	assert.Equal(t, 1, metrics.outcomeCount(messaging.OutcomeTimedOut))
	assert.GreaterOrEqual(t, metrics.expired.Load(), int64(1))
}

func TestGatewayDuplicateReplyResolvesOnce(t *testing.T) {
	for name, correlation := range strategies {
		t.Run(name, func(t *testing.T) {
			broker := memory.NewBroker(memory.WithLogger(quiet))
			metrics := newCountingMetrics()

			// A responder that answers every request twice
			_ = newResponder(t, broker, "q.twice", messaging.ReplyWith(func(ctx context.Context, req *contracts.Envelope) ([]byte, error) {
				dup := contracts.NewEnvelope([]byte("first"))
				dup.CorrelationID = messaging.ReplyCorrelationID(req)
				if err := broker.Publish(ctx, req.ReplyTo, dup); err != nil {
					return nil, err
				}
				return []byte("second"), nil
			}))

			// One listener so the replies are handled in arrival order
			cfg := scenarioConfig("q.twice", correlation, messaging.SharedTemporaryReplies())
			cfg.ConcurrentListeners = 1
			gw := newGateway(t, broker, cfg, messaging.WithMetrics(metrics))

			reply, err := gw.CallString(context.Background(), "ping")
			require.NoError(t, err)
			assert.Equal(t, "first", reply)

			assert.Eventually(t, func() bool {
				return metrics.orphanCount(messaging.OrphanUnmatched) == 1
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestGatewayCancellation(t *testing.T) {
	broker := memory.NewBroker(memory.WithLogger(quiet))
	newResponder(t, broker, "q.dead", messaging.DeadEnd())

	gw := newGateway(t, broker, scenarioConfig("q.dead", messaging.MessageIDCorrelation(), messaging.PerCallTemporaryReplies()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := gw.CallString(ctx, "Hello World-1")
	require.True(t, messaging.IsCancelled(err), "got %v", err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, gw.Pending())
	assert.Equal(t, 0, broker.TemporaryDestinations(), "per-call destination is deleted on cancel")
}

func TestGatewaySendFailureLeavesNoEntry(t *testing.T) {
	boom := errors.New("broker unavailable")
	broker := memory.NewBroker(memory.WithLogger(quiet), memory.WithPublishInterceptor(
		func(destination string, env *contracts.Envelope) error {
			if destination == "q.broken" {
				return boom
			}
			return nil
		}))

	for name, correlation := range strategies {
		t.Run(name, func(t *testing.T) {
			metrics := newCountingMetrics()
			gw := newGateway(t, broker, scenarioConfig("q.broken", correlation, messaging.SharedTemporaryReplies()),
				messaging.WithMetrics(metrics))

			_, err := gw.CallString(context.Background(), "Hello World-1")
			var sendErr *messaging.SendError
			require.ErrorAs(t, err, &sendErr)
			assert.Equal(t, "q.broken", sendErr.Destination)
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, 0, gw.Pending())
			assert.Equal(t, 1, metrics.outcomeCount(messaging.OutcomeSendFailed))
		})
	}
}

func TestGatewayCircuitBreaker(t *testing.T) {
	boom := errors.New("broker unavailable")
	var attempts atomic.Int32
	broker := memory.NewBroker(memory.WithLogger(quiet), memory.WithPublishInterceptor(
		func(destination string, env *contracts.Envelope) error {
			attempts.Add(1)
			return boom
		}))

	cb := reliability.NewCircuitBreaker(
		reliability.WithFailureThreshold(2),
		reliability.WithTimeout(time.Minute),
	)
	gw := newGateway(t, broker, scenarioConfig("q.any", messaging.ClientCorrelation(), messaging.SharedTemporaryReplies()),
		messaging.WithCircuitBreaker(cb))

	for i := 0; i < 2; i++ {
		_, err := gw.CallString(context.Background(), "x")
		assert.ErrorIs(t, err, boom)
	}

	_, err := gw.CallString(context.Background(), "x")
	assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
	assert.Equal(t, int32(2), attempts.Load(), "open circuit must not reach the transport")
	assert.Equal(t, 0, gw.Pending())
}

func TestGatewayClose(t *testing.T) {
	broker := memory.NewBroker(memory.WithLogger(quiet))
	newResponder(t, broker, "q.dead", messaging.DeadEnd())

	gw, err := messaging.NewGateway(context.Background(), broker,
		scenarioConfig("q.dead", messaging.ClientCorrelation(), messaging.SharedTemporaryReplies()),
		messaging.WithLogger(quiet))
	require.NoError(t, err)
	replyTo := gw.ReplyTo()
	require.True(t, broker.HasDestination(replyTo))

	errs := make(chan error, 1)
	go func() {
		_, err := gw.CallString(context.Background(), "Hello World-1")
		errs <- err
	}()

	require.Eventually(t, func() bool { return gw.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, gw.Close())

	select {
	case err := <-errs:
		assert.True(t, messaging.IsCancelled(err))
		assert.ErrorIs(t, err, messaging.ErrGatewayClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released by Close")
	}

	assert.False(t, broker.HasDestination(replyTo), "temporary reply destination is deleted")

	_, err = gw.CallString(context.Background(), "again")
	assert.ErrorIs(t, err, messaging.ErrGatewayClosed)
	assert.NoError(t, gw.Close())
}

func TestGatewayCloseDuringPerCallCalls(t *testing.T) {
	broker := memory.NewBroker(memory.WithLogger(quiet))
	newResponder(t, broker, "q.dead", messaging.DeadEnd())

	gw, err := messaging.NewGateway(context.Background(), broker,
		scenarioConfig("q.dead", messaging.ClientCorrelation(), messaging.PerCallTemporaryReplies()),
		messaging.WithLogger(quiet))
	require.NoError(t, err)

	const callers = 50
	errs := make(chan error, callers)
	var started sync.WaitGroup
	for i := 0; i < callers; i++ {
		started.Add(1)
		go func() {
			started.Done()
			_, err := gw.CallString(context.Background(), fmt.Sprintf("Hello World-%d", i))
			errs <- err
		}()
	}
	started.Wait()
	require.NoError(t, gw.Close())

	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, messaging.ErrGatewayClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("call not released by Close")
		}
	}
	assert.Equal(t, 0, gw.Pending())
	assert.Eventually(t, func() bool { return broker.TemporaryDestinations() == 0 }, 2*time.Second, 5*time.Millisecond,
		"per-call destinations are released")
}

func TestGatewayMessageIDKeysAreDistinct(t *testing.T) {
	broker := memory.NewBroker(memory.WithLogger(quiet))
	gw := newGateway(t, broker, scenarioConfig("q.ids", messaging.MessageIDCorrelation(), messaging.SharedTemporaryReplies()))

	var (
		mu      sync.Mutex
		ids     []string
		pending []int
	)
	r, err := messaging.NewResponder(context.Background(), broker, messaging.ResponderConfig{
		Destination: "q.ids",
		Behavior: messaging.ReplyWith(func(_ context.Context, request *contracts.Envelope) ([]byte, error) {
			mu.Lock()
			defer mu.Unlock()
			ids = append(ids, request.ID)
			pending = append(pending, gw.Pending())
			return request.Body, nil
		}),
	}, messaging.WithResponderLogger(quiet))
	require.NoError(t, err)
	defer r.Close()

	const calls = 20
	for i := 0; i < calls; i++ {
		reply, err := gw.Call(context.Background(), []byte(fmt.Sprintf("Hello World-%d", i)))
		require.NoError(t, err)

		mu.Lock()
		assert.Equal(t, ids[len(ids)-1], reply.CorrelationID, "reply is keyed on the request's assigned id")
		mu.Unlock()
		assert.Equal(t, 0, gw.Pending(), "no entry outlives its call")
	}

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		require.NotEmpty(t, id)
		_, dup := seen[id]
		assert.False(t, dup, "assigned id %s reused", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, calls)
	for i, n := range pending {
		assert.Equal(t, 1, n, "call %d: only the call in flight is pending", i)
	}
}

func TestGatewayPropagatesHeaders(t *testing.T) {
	broker := memory.NewBroker(memory.WithLogger(quiet))
	r, err := messaging.NewResponder(context.Background(), broker, messaging.ResponderConfig{
		Destination:      "q.headers",
		Behavior:         messaging.ReplyWithSuffix(expectedReply),
		PropagateHeaders: []string{"tenant"},
	}, messaging.WithResponderLogger(quiet))
	require.NoError(t, err)
	defer r.Close()

	gw := newGateway(t, broker, scenarioConfig("q.headers", messaging.ClientCorrelation(), messaging.SharedTemporaryReplies()))

	reply, err := gw.Call(context.Background(), []byte("Hello World-7"),
		messaging.WithCallHeaders(map[string]string{"tenant": "acme", "secret": "x"}))
	require.NoError(t, err)
	assert.Equal(t, "Re: Hello World-7", reply.BodyString())
	assert.Equal(t, "acme", reply.Header("tenant"))
	assert.Empty(t, reply.Header("secret"))
	assert.Equal(t, int64(1), r.Handled())
}

func TestGatewayCallTimeoutOverride(t *testing.T) {
	broker := memory.NewBroker(memory.WithLogger(quiet))
	newResponder(t, broker, "q.dead", messaging.DeadEnd())

	cfg := scenarioConfig("q.dead", messaging.ClientCorrelation(), messaging.SharedTemporaryReplies())
	cfg.PurgeSweepInterval = 10 * time.Millisecond
	gw := newGateway(t, broker, cfg)

	start := time.Now()
	_, err := gw.CallString(context.Background(), "x", messaging.WithCallTimeout(100*time.Millisecond))
	require.True(t, messaging.IsTimeout(err))
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = gw.CallString(context.Background(), "x", messaging.WithCallTimeout(-time.Second))
	assert.ErrorIs(t, err, messaging.ErrInvalidConfig)
}

func TestGatewayTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	broker := memory.NewBroker(memory.WithLogger(quiet))
	newResponder(t, broker, "q.traced", messaging.ReplyWithSuffix(expectedReply))
	gw := newGateway(t, broker, scenarioConfig("q.traced", messaging.MessageIDCorrelation(), messaging.SharedTemporaryReplies()),
		messaging.WithTracer(tp.Tracer("test")))

	_, err := gw.CallString(context.Background(), "Hello World-1")
	require.NoError(t, err)

	var call sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		if s.Name() == "mmate.call" {
			call = s
		}
	}
	require.NotNil(t, call)

	attrs := map[attribute.Key]string{}
	for _, kv := range call.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "q.traced", attrs["mmate.destination"])
	assert.Equal(t, "message-id", attrs["mmate.correlation"])
	assert.Equal(t, "fulfilled", attrs["mmate.outcome"])
	assert.NotEmpty(t, attrs["mmate.correlation_key"])
}

func TestNewGatewayValidation(t *testing.T) {
	_, err := messaging.NewGateway(context.Background(), nil, messaging.DefaultGatewayConfig("q"))
	assert.ErrorIs(t, err, messaging.ErrInvalidConfig)

	broker := memory.NewBroker(memory.WithLogger(quiet))
	_, err = messaging.NewGateway(context.Background(), broker, messaging.GatewayConfig{})
	assert.ErrorIs(t, err, messaging.ErrInvalidConfig)
}

func TestResponderValidation(t *testing.T) {
	broker := memory.NewBroker(memory.WithLogger(quiet))
	cases := map[string]messaging.ResponderConfig{
		"missing destination": {Behavior: messaging.DeadEnd()},
		"nil reply func":      {Destination: "q", Behavior: messaging.ReplyWith(nil)},
		"nil relay":           {Destination: "q", Behavior: messaging.Relay(nil)},
		"empty forward":       {Destination: "q", Behavior: messaging.Forward("")},
		"no behavior":         {Destination: "q"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := messaging.NewResponder(context.Background(), broker, cfg)
			assert.ErrorIs(t, err, messaging.ErrInvalidConfig)
		})
	}
}

func TestReplyWithSuffix(t *testing.T) {
	fn := messaging.ReplyWithSuffix("Re: Hello World").Reply
	for request, want := range map[string]string{
		"Hello World-42":  "Re: Hello World-42",
		"Hello World-1-2": "Re: Hello World-1-2",
		"no dash":         "Re: Hello World",
	} {
		got, err := fn(context.Background(), &contracts.Envelope{Body: []byte(request)})
		require.NoError(t, err)
		assert.Equal(t, want, string(got), strings.TrimSpace(request))
	}
}

func TestResponderInterceptors(t *testing.T) {
	broker := memory.NewBroker(memory.WithLogger(quiet))
	chain := interceptors.NewChain(quiet).
		Add(interceptors.NewRecoveryInterceptor(quiet)).
		Add(interceptors.NewFilteringInterceptor(interceptors.HeaderEquals("tenant", "a"), interceptors.SkipSilently))

	r, err := messaging.NewResponder(context.Background(), broker, messaging.ResponderConfig{
		Destination: "tenants",
		Behavior: messaging.ReplyWith(func(_ context.Context, request *contracts.Envelope) ([]byte, error) {
			if request.BodyString() == "boom" {
				panic("boom")
			}
			return []byte("Re: " + request.BodyString()), nil
		}),
	}, messaging.WithResponderLogger(quiet), messaging.WithInterceptors(chain))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	cfg := messaging.DefaultGatewayConfig("tenants")
	cfg.PurgeSweepInterval = 20 * time.Millisecond
	gw := newGateway(t, broker, cfg)

	reply, err := gw.CallString(context.Background(), "Hello World-1", messaging.WithCallHeaders(map[string]string{"tenant": "a"}))
	require.NoError(t, err)
	assert.Equal(t, "Re: Hello World-1", reply)

	_, err = gw.CallString(context.Background(), "Hello World-2",
		messaging.WithCallHeaders(map[string]string{"tenant": "b"}),
		messaging.WithCallTimeout(200*time.Millisecond))
	assert.True(t, messaging.IsTimeout(err), "filtered requests get no reply")

	_, err = gw.CallString(context.Background(), "boom",
		messaging.WithCallHeaders(map[string]string{"tenant": "a"}),
		messaging.WithCallTimeout(200*time.Millisecond))
	assert.True(t, messaging.IsTimeout(err), "a panicking handler does not stop the responder")

	reply, err = gw.CallString(context.Background(), "Hello World-3", messaging.WithCallHeaders(map[string]string{"tenant": "a"}))
	require.NoError(t, err)
	assert.Equal(t, "Re: Hello World-3", reply)
	assert.Equal(t, int64(4), r.Handled())
}
