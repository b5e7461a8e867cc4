package memory

import (
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-reqreply/contracts"
	"github.com/glimte/mmate-reqreply/messaging"
)

type subscription struct {
	broker   *Broker
	dest     *destination
	selector contracts.Selector

	mu     sync.Mutex
	queue  []*contracts.Envelope
	notify chan struct{}

	out       chan messaging.Delivery
	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
}

func newSubscription(b *Broker, d *destination, selector contracts.Selector) *subscription {
	return &subscription{
		broker:   b,
		dest:     d,
		selector: selector,
		notify:   make(chan struct{}, 1),
		out:      make(chan messaging.Delivery),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

func (s *subscription) enqueue(env *contracts.Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *subscription) pop() (*contracts.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	env := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return env, true
}

func (s *subscription) drain() []*contracts.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	leftover := s.queue
	s.queue = nil
	return leftover
}

func (s *subscription) pushFront(env *contracts.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append([]*contracts.Envelope{env}, s.queue...)
}

// pump moves queued messages to the delivery channel one at a time
func (s *subscription) pump() {
	defer close(s.pumpDone)
	defer close(s.out)

	for {
		env, ok := s.pop()
		if !ok {
			select {
			case <-s.done:
				return
			case <-s.notify:
				continue
			}
		}

		select {
		case s.out <- &delivery{env: env}:
		case <-s.done:
			s.pushFront(env)
			return
		}
	}
}

// Deliveries implements messaging.Subscription
func (s *subscription) Deliveries() <-chan messaging.Delivery {
	return s.out
}

// Close implements messaging.Subscription. Undelivered messages return to
// the destination for other subscribers.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.pumpDone
		s.broker.detach(s)
	})
	return nil
}

type delivery struct {
	env   *contracts.Envelope
	acked atomic.Bool
}

// Envelope implements messaging.Delivery
func (d *delivery) Envelope() (*contracts.Envelope, error) {
	return d.env.Clone(), nil
}

// Acknowledge implements messaging.Delivery
func (d *delivery) Acknowledge() error {
	d.acked.Store(true)
	return nil
}
