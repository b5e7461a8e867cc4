package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-reqreply/contracts"
	"github.com/glimte/mmate-reqreply/interceptors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ResponderKind selects what a responder does with each request
type ResponderKind int

const (
	// KindReply answers with a body computed from the request
	KindReply ResponderKind = iota + 1
	// KindDeadEnd consumes requests without replying
	KindDeadEnd
	// KindRelay calls the next stage through a gateway and returns its reply
	KindRelay
	// KindForward hands the request to the next stage, which replies to the caller directly
	KindForward
)

func (k ResponderKind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindDeadEnd:
		return "dead-end"
	case KindRelay:
		return "relay"
	case KindForward:
		return "forward"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ReplyFunc computes a reply body from a request
type ReplyFunc func(ctx context.Context, request *contracts.Envelope) ([]byte, error)

// Behavior is a tagged responder behavior. Use the constructors.
type Behavior struct {
	Kind      ResponderKind
	Reply     ReplyFunc
	Relay     *Gateway
	ForwardTo string
}

// ReplyWith answers every request with fn's result
func ReplyWith(fn ReplyFunc) Behavior {
	return Behavior{Kind: KindReply, Reply: fn}
}

// ReplyWithSuffix answers "Hello World-7" with prefix + "-7": the prefix
// followed by the request body from its first '-'
func ReplyWithSuffix(prefix string) Behavior {
	return ReplyWith(func(_ context.Context, request *contracts.Envelope) ([]byte, error) {
		body := request.BodyString()
		if i := strings.IndexByte(body, '-'); i >= 0 {
			return []byte(prefix + body[i:]), nil
		}
		return []byte(prefix), nil
	})
}

// DeadEnd consumes requests and never replies
func DeadEnd() Behavior {
	return Behavior{Kind: KindDeadEnd}
}

// Relay forwards each request body through gateway and replies with the result
func Relay(gateway *Gateway) Behavior {
	return Behavior{Kind: KindRelay, Relay: gateway}
}

// Forward passes each request unchanged to destination. The request keeps its
// reply-to and correlation so the final stage replies to the original caller.
func Forward(destination string) Behavior {
	return Behavior{Kind: KindForward, ForwardTo: destination}
}

func (b Behavior) validate() error {
	switch b.Kind {
	case KindReply:
		if b.Reply == nil {
			return fmt.Errorf("%w: reply behavior needs a reply func", ErrInvalidConfig)
		}
	case KindDeadEnd:
	case KindRelay:
		if b.Relay == nil {
			return fmt.Errorf("%w: relay behavior needs a gateway", ErrInvalidConfig)
		}
	case KindForward:
		if b.ForwardTo == "" {
			return fmt.Errorf("%w: forward behavior needs a destination", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown responder kind %v", ErrInvalidConfig, b.Kind)
	}
	return nil
}

// ResponderConfig configures a responder
type ResponderConfig struct {
	// Destination to consume requests from
	Destination string
	// Selector optionally restricts the consumed requests
	Selector contracts.Selector
	// Concurrency is the number of request workers
	Concurrency int
	Behavior    Behavior
	// PropagateHeaders are copied from request to reply, and to relayed requests.
	// The reply selector header named by the request is always copied.
	PropagateHeaders []string
}

type responderOptions struct {
	logger *slog.Logger
	tracer trace.Tracer
	chain  *interceptors.Chain
}

// ResponderOption configures a responder
type ResponderOption func(*responderOptions)

// WithResponderLogger sets the logger
func WithResponderLogger(logger *slog.Logger) ResponderOption {
	return func(o *responderOptions) {
		o.logger = logger
	}
}

// WithInterceptors runs every request through chain before the behavior
func WithInterceptors(chain *interceptors.Chain) ResponderOption {
	return func(o *responderOptions) {
		o.chain = chain
	}
}

// WithResponderTracer sets the tracer
func WithResponderTracer(tracer trace.Tracer) ResponderOption {
	return func(o *responderOptions) {
		o.tracer = tracer
	}
}

// Responder consumes requests from a destination and answers them
// according to its Behavior
type Responder struct {
	cfg       ResponderConfig
	transport Transport
	sub       Subscription
	logger    *slog.Logger
	tracer    trace.Tracer
	chain     *interceptors.Chain

	handled atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewResponder subscribes to cfg.Destination and starts the workers
func NewResponder(ctx context.Context, transport Transport, cfg ResponderConfig, opts ...ResponderOption) (*Responder, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport cannot be nil", ErrInvalidConfig)
	}
	if cfg.Destination == "" {
		return nil, fmt.Errorf("%w: destination is required", ErrInvalidConfig)
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if cfg.Concurrency < 0 {
		return nil, fmt.Errorf("%w: concurrency must be positive, got %d", ErrInvalidConfig, cfg.Concurrency)
	}
	if err := cfg.Behavior.validate(); err != nil {
		return nil, err
	}

	o := responderOptions{
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.chain == nil {
		o.chain = interceptors.NewChain(o.logger)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := transport.Subscribe(runCtx, cfg.Destination, cfg.Selector)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Destination, err)
	}

	r := &Responder{
		cfg:       cfg,
		transport: transport,
		sub:       sub,
		logger:    o.logger.With("destination", cfg.Destination, "behavior", cfg.Behavior.Kind.String()),
		tracer:    o.tracer,
		chain:     o.chain,
		ctx:       runCtx,
		cancel:    cancel,
	}

	for i := 0; i < cfg.Concurrency; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	r.logger.Info("responder started", "concurrency", cfg.Concurrency)
	return r, nil
}

func (r *Responder) worker() {
	defer r.wg.Done()

	deliveries := r.sub.Deliveries()
	for {
		select {
		case <-r.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			r.handle(d)
		}
	}
}

func (r *Responder) handle(d Delivery) {
	defer func() {
		if err := d.Acknowledge(); err != nil {
			r.logger.Warn("failed to acknowledge request", "error", err)
		}
	}()

	request, err := d.Envelope()
	if err != nil {
		r.logger.Warn("dropping undecodable request", "error", err)
		return
	}
	r.handled.Add(1)

	ctx := otel.GetTextMapPropagator().Extract(r.ctx, propagation.MapCarrier(request.Headers))
	ctx, span := r.tracer.Start(ctx, "mmate.respond",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("mmate.destination", r.cfg.Destination),
			attribute.String("mmate.behavior", r.cfg.Behavior.Kind.String()),
			attribute.String("mmate.message_id", request.ID),
		))
	defer span.End()

	if err := r.chain.Execute(ctx, request, interceptors.HandlerFunc(r.respond)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("failed to handle request",
			"messageId", request.ID,
			"correlationId", request.CorrelationID,
			"error", err)
	}
}

func (r *Responder) respond(ctx context.Context, request *contracts.Envelope) error {
	b := r.cfg.Behavior
	switch b.Kind {
	case KindDeadEnd:
		return nil

	case KindForward:
		next := request.Clone()
		next.ID = ""
		next.CorrelationID = ReplyCorrelationID(request)
		if err := r.transport.Publish(ctx, b.ForwardTo, next); err != nil {
			return fmt.Errorf("failed to forward to %s: %w", b.ForwardTo, err)
		}
		return nil

	case KindReply:
		body, err := b.Reply(ctx, request)
		if err != nil {
			return fmt.Errorf("reply func failed: %w", err)
		}
		return r.reply(ctx, request, body)

	case KindRelay:
		reply, err := b.Relay.Call(ctx, request.Body, WithCallHeaders(r.propagated(request)))
		if err != nil {
			return fmt.Errorf("relay to %s failed: %w", b.Relay.Destination(), err)
		}
		return r.reply(ctx, request, reply.Body)

	default:
		return fmt.Errorf("%w: unknown responder kind %v", ErrInvalidConfig, b.Kind)
	}
}

var errNoReplyTo = errors.New("request has no reply-to")

func (r *Responder) reply(ctx context.Context, request *contracts.Envelope, body []byte) error {
	if request.ReplyTo == "" {
		return errNoReplyTo
	}

	reply := contracts.NewEnvelope(body)
	reply.CorrelationID = ReplyCorrelationID(request)
	for k, v := range r.propagated(request) {
		reply.SetHeader(k, v)
	}
	if name := request.Header(contracts.HeaderReplySelector); name != "" {
		reply.SetHeader(name, request.Header(name))
	}

	if err := r.transport.Publish(ctx, request.ReplyTo, reply); err != nil {
		return fmt.Errorf("failed to publish reply to %s: %w", request.ReplyTo, err)
	}
	return nil
}

func (r *Responder) propagated(request *contracts.Envelope) map[string]string {
	if len(r.cfg.PropagateHeaders) == 0 {
		return nil
	}
	headers := make(map[string]string, len(r.cfg.PropagateHeaders))
	for _, name := range r.cfg.PropagateHeaders {
		if v, ok := request.Headers[name]; ok {
			headers[name] = v
		}
	}
	return headers
}

// Handled returns the number of decoded requests processed so far
func (r *Responder) Handled() int64 {
	return r.handled.Load()
}

// Close stops the workers and the subscription
func (r *Responder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		err = r.sub.Close()
		r.wg.Wait()
		r.logger.Info("responder stopped", "handled", r.handled.Load())
	})
	return err
}
