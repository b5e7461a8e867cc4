package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-reqreply/contracts"
	"github.com/glimte/mmate-reqreply/internal/reliability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/mmate-reqreply/messaging"

// Gateway turns asynchronous publish/subscribe into blocking calls.
// Any number of goroutines may Call concurrently; replies are consumed by a
// fixed pool of listener workers and matched through a shared registry.
type Gateway struct {
	cfg        GatewayConfig
	transport  Transport
	instanceID string
	keys       *KeyGenerator
	registry   *Registry
	listener   *ReplyListener
	reaper     *Reaper
	route      *replyRoute
	sub        Subscription

	logger  *slog.Logger
	metrics MetricsCollector
	tracer  trace.Tracer
	breaker *reliability.CircuitBreaker

	closed    atomic.Bool
	closing   chan struct{}
	closeOnce sync.Once
}

// NewGateway creates a gateway publishing to cfg.Destination. Zero config
// fields take their defaults. The reply subscription is live when NewGateway
// returns and stays open until Close.
func NewGateway(ctx context.Context, transport Transport, cfg GatewayConfig, opts ...GatewayOption) (*Gateway, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport cannot be nil", ErrInvalidConfig)
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := gatewayOptions{
		logger:     slog.Default(),
		metrics:    &NoOpMetricsCollector{},
		tracer:     otel.Tracer(tracerName),
		instanceID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger.With("destination", cfg.Destination, "instanceId", o.instanceID)

	if cfg.PurgeSweepInterval >= cfg.RequestTimeout {
		logger.Warn("purge sweep interval is not shorter than the request timeout",
			"sweepInterval", cfg.PurgeSweepInterval,
			"requestTimeout", cfg.RequestTimeout)
	}

	g := &Gateway{
		cfg:        cfg,
		transport:  transport,
		instanceID: o.instanceID,
		keys:       NewKeyGenerator(o.instanceID),
		registry:   NewRegistry(),
		logger:     logger,
		metrics:    o.metrics,
		tracer:     o.tracer,
		breaker:    o.breaker,
		closing:    make(chan struct{}),
	}
	g.listener = NewReplyListener(g.registry, cfg.Correlation, logger, o.metrics)
	g.route = newReplyRoute(cfg.ReplyTo, transport, o.instanceID, logger)

	sub, err := g.route.open(context.WithoutCancel(ctx))
	if err != nil {
		g.listener.Close()
		return nil, err
	}
	if sub != nil {
		g.sub = sub
		g.listener.Listen(sub, cfg.ConcurrentListeners)
	}

	g.reaper = NewReaper(g.registry, cfg.PurgeSweepInterval, logger, o.metrics)
	g.reaper.Start()

	logger.Info("request gateway started",
		"correlation", cfg.Correlation.Name(),
		"replyKind", cfg.ReplyTo.Kind.String(),
		"replyTo", g.route.shared,
		"listeners", cfg.ConcurrentListeners)

	return g, nil
}

// Call publishes body and blocks until the correlated reply arrives, the
// timeout expires, ctx is done or the gateway closes.
func (g *Gateway) Call(ctx context.Context, body []byte, opts ...CallOption) (*contracts.Envelope, error) {
	if g.closed.Load() {
		return nil, ErrGatewayClosed
	}

	co := callOptions{timeout: g.cfg.RequestTimeout}
	for _, opt := range opts {
		opt(&co)
	}
	if co.timeout <= 0 {
		return nil, fmt.Errorf("%w: call timeout must be positive, got %v", ErrInvalidConfig, co.timeout)
	}

	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "mmate.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mmate.destination", g.cfg.Destination),
			attribute.String("mmate.correlation", g.cfg.Correlation.Name()),
			attribute.String("mmate.reply_kind", g.cfg.ReplyTo.Kind.String()),
		))
	defer span.End()

	reply, err := g.call(ctx, start, body, co)

	outcome := OutcomeOf(err)
	g.metrics.RecordCall(g.cfg.Destination, outcome, time.Since(start))
	span.SetAttributes(attribute.String("mmate.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

// CallString is Call for text bodies
func (g *Gateway) CallString(ctx context.Context, body string, opts ...CallOption) (string, error) {
	reply, err := g.Call(ctx, []byte(body), opts...)
	if err != nil {
		return "", err
	}
	return reply.BodyString(), nil
}

func (g *Gateway) call(ctx context.Context, start time.Time, body []byte, co callOptions) (*contracts.Envelope, error) {
	out, err := g.route.prepare(ctx)
	if err != nil {
		return nil, &SendError{Destination: g.cfg.Destination, Err: err}
	}
	defer out.release()
	if out.sub != nil && !g.listener.Listen(out.sub, 1) {
		return nil, ErrGatewayClosed
	}

	env := contracts.NewEnvelope(body)
	for k, v := range co.headers {
		env.SetHeader(k, v)
	}
	for k, v := range out.headers {
		env.SetHeader(k, v)
	}
	env.ReplyTo = out.replyTo
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(env.Headers))

	deadline := start.Add(co.timeout)

	var entry *PendingEntry
	key, known := g.cfg.Correlation.Outbound(g.keys, env)

	var publishOpts []PublishOption
	if known {
		if entry, err = g.registry.Register(key, deadline); err != nil {
			return nil, err
		}
	} else {
		publishOpts = append(publishOpts, WithAssignedID(func(id string) error {
			k := CorrelationKey(id)
			e, err := g.registry.Register(k, deadline)
			if err != nil {
				return err
			}
			key, entry = k, e
			return nil
		}))
	}

	if err := g.publish(ctx, env, publishOpts...); err != nil {
		if entry != nil && !g.registry.Cancel(key, err) {
			if res := entry.Result(); res.State == StateFulfilled {
				return res.Reply, nil
			}
		}
		var dupErr *DuplicateKeyError
		if errors.As(err, &dupErr) {
			return nil, dupErr
		}
		return nil, &SendError{Destination: g.cfg.Destination, Key: key, Err: err}
	}
	if entry == nil {
		return nil, &SendError{Destination: g.cfg.Destination, Err: ErrNoAssignedID}
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("mmate.correlation_key", string(key)))
	return g.wait(ctx, entry)
}

func (g *Gateway) publish(ctx context.Context, env *contracts.Envelope, opts ...PublishOption) error {
	send := func() error {
		return g.transport.Publish(ctx, g.cfg.Destination, env, opts...)
	}
	if g.breaker == nil {
		return send()
	}
	return g.breaker.Execute(ctx, send)
}

func (g *Gateway) wait(ctx context.Context, entry *PendingEntry) (*contracts.Envelope, error) {
	select {
	case <-entry.Done():
	case <-ctx.Done():
		g.registry.Cancel(entry.Key(), context.Cause(ctx))
	case <-g.closing:
		g.registry.Cancel(entry.Key(), ErrGatewayClosed)
	}

	// The entry is terminal here. A reply that won the race against
	// cancellation is still returned.
	res := entry.Result()
	if res.State == StateFulfilled {
		return res.Reply, nil
	}
	return nil, res.Err
}

// Pending returns the number of calls awaiting a reply
func (g *Gateway) Pending() int {
	return g.registry.Len()
}

// InstanceID returns the id that prefixes generated keys and selects replies
func (g *Gateway) InstanceID() string {
	return g.instanceID
}

// ReplyTo returns the gateway level reply destination, or "" for per-call replies
func (g *Gateway) ReplyTo() string {
	return g.route.shared
}

// Destination returns the request destination
func (g *Gateway) Destination() string {
	return g.cfg.Destination
}

// Close cancels pending calls with ErrGatewayClosed, stops the listener
// workers and removes the gateway's temporary destination
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.closed.Store(true)
		close(g.closing)
		g.reaper.Stop()

		cancelled := g.registry.CancelAll(ErrGatewayClosed)

		if g.sub != nil {
			if closeErr := g.sub.Close(); closeErr != nil {
				err = fmt.Errorf("failed to close reply subscription: %w", closeErr)
			}
		}
		g.listener.Close()
		g.route.close(context.Background())

		g.logger.Info("request gateway closed", "cancelled", cancelled)
	})
	return err
}
