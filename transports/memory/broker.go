// Package memory provides an in-process broker implementing messaging.Transport.
//
// Destinations are queues with competing consumers: each message goes to
// exactly one subscription whose selector matches, round-robin. Messages
// nobody matches wait in the destination's backlog until a matching
// subscription appears. Temporary destinations must be created before use
// and stop accepting messages once deleted.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-reqreply/contracts"
	"github.com/glimte/mmate-reqreply/messaging"
	"github.com/google/uuid"
)

const temporaryPrefix = "temp-queue://"

var (
	// ErrDestinationNotFound is returned when publishing to a deleted or unknown temporary destination
	ErrDestinationNotFound = errors.New("memory: destination not found")
	// ErrBrokerClosed is returned when using a closed broker
	ErrBrokerClosed = errors.New("memory: broker is closed")
)

// PublishInterceptor runs before every publish. A non-nil error fails the
// publish before anything is enqueued.
type PublishInterceptor func(destination string, env *contracts.Envelope) error

// Option configures a Broker
type Option func(*Broker)

// WithPublishInterceptor installs fn on the publish path
func WithPublishInterceptor(fn PublishInterceptor) Option {
	return func(b *Broker) {
		b.interceptor = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// Broker is an in-process message broker
type Broker struct {
	mu           sync.Mutex
	destinations map[string]*destination
	closed       bool

	interceptor PublishInterceptor
	logger      *slog.Logger
}

type destination struct {
	name      string
	temporary bool
	subs      []*subscription
	next      int
	backlog   []*contracts.Envelope
}

var _ messaging.Transport = (*Broker)(nil)

// NewBroker creates an empty broker
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		destinations: make(map[string]*destination),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements messaging.Transport. The id is assigned and the
// OnAssign callback runs under the broker lock, before any consumer can see
// the message.
func (b *Broker) Publish(ctx context.Context, dest string, env *contracts.Envelope, opts ...messaging.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("memory: envelope cannot be nil")
	}
	if b.interceptor != nil {
		if err := b.interceptor(dest, env); err != nil {
			return err
		}
	}
	o := messaging.ApplyPublishOptions(opts...)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	d, err := b.lookup(dest)
	if err != nil {
		return err
	}

	env.ID = uuid.NewString()
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if err := o.Assign(env.ID); err != nil {
		return err
	}

	d.dispatch(env.Clone())
	return nil
}

// lookup returns the destination, declaring named destinations on first
// use. Must be called with b.mu held.
func (b *Broker) lookup(name string) (*destination, error) {
	if d, ok := b.destinations[name]; ok {
		return d, nil
	}
	if strings.HasPrefix(name, temporaryPrefix) {
		return nil, fmt.Errorf("%w: %s", ErrDestinationNotFound, name)
	}
	d := &destination{name: name}
	b.destinations[name] = d
	return d, nil
}

// dispatch hands env to the next matching subscription or parks it in the backlog
func (d *destination) dispatch(env *contracts.Envelope) {
	n := len(d.subs)
	for i := 0; i < n; i++ {
		idx := (d.next + i) % n
		s := d.subs[idx]
		if s.selector.Matches(env.Headers) {
			d.next = (idx + 1) % n
			s.enqueue(env)
			return
		}
	}
	d.backlog = append(d.backlog, env)
}

// Subscribe implements messaging.Transport. The subscription ends when ctx
// is done or Close is called.
func (b *Broker) Subscribe(ctx context.Context, dest string, selector contracts.Selector) (messaging.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	d, err := b.lookup(dest)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}

	s := newSubscription(b, d, selector)
	d.subs = append(d.subs, s)

	remaining := d.backlog[:0]
	for _, env := range d.backlog {
		if selector.Matches(env.Headers) {
			s.enqueue(env)
		} else {
			remaining = append(remaining, env)
		}
	}
	clear(d.backlog[len(remaining):])
	d.backlog = remaining
	b.mu.Unlock()

	go s.pump()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	b.logger.Debug("subscribed", "destination", dest, "selector", selector.String())
	return s, nil
}

// CreateTemporaryDestination implements messaging.Transport
func (b *Broker) CreateTemporaryDestination(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrBrokerClosed
	}
	name := temporaryPrefix + uuid.NewString()
	b.destinations[name] = &destination{name: name, temporary: true}
	return name, nil
}

// DeleteDestination implements messaging.Transport. Subscriptions on the
// destination end and its messages are discarded.
func (b *Broker) DeleteDestination(ctx context.Context, dest string) error {
	b.mu.Lock()
	d, ok := b.destinations[dest]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDestinationNotFound, dest)
	}
	delete(b.destinations, dest)
	subs := slices.Clone(d.subs)
	d.subs = nil
	d.backlog = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}

// HasDestination reports whether the destination exists
func (b *Broker) HasDestination(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.destinations[name]
	return ok
}

// Destinations returns the sorted names of all destinations
func (b *Broker) Destinations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.destinations))
	for name := range b.destinations {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// TemporaryDestinations returns how many temporary destinations exist
func (b *Broker) TemporaryDestinations() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, d := range b.destinations {
		if d.temporary {
			n++
		}
	}
	return n
}

// Pending returns the number of undelivered messages on a destination,
// counting the backlog and the subscriptions' queues
func (b *Broker) Pending(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.destinations[name]
	if !ok {
		return 0
	}
	n := len(d.backlog)
	for _, s := range d.subs {
		n += s.queued()
	}
	return n
}

// Close ends every subscription and rejects further use
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscription
	for _, d := range b.destinations {
		subs = append(subs, d.subs...)
		d.subs = nil
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}

// detach removes s from its destination and requeues what it had not yet delivered
func (b *Broker) detach(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := s.dest
	if i := slices.Index(d.subs, s); i >= 0 {
		d.subs = slices.Delete(d.subs, i, i+1)
		if d.next >= len(d.subs) {
			d.next = 0
		}
	}
	leftover := s.drain()
	if b.destinations[d.name] != d {
		return
	}
	for _, env := range leftover {
		d.dispatch(env)
	}
}
