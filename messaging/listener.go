package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-reqreply/contracts"
)

// ReplyListener consumes reply subscriptions and resolves pending entries.
// Replies that cannot be matched are logged, acknowledged and dropped.
type ReplyListener struct {
	registry *Registry
	strategy CorrelationStrategy
	logger   *slog.Logger
	metrics  MetricsCollector

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // orders Listen against Close
	closed bool
	wg     sync.WaitGroup
}

// NewReplyListener creates a listener resolving replies into registry
func NewReplyListener(registry *Registry, strategy CorrelationStrategy, logger *slog.Logger, metrics MetricsCollector) *ReplyListener {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReplyListener{
		registry: registry,
		strategy: strategy,
		logger:   logger,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Listen starts workers goroutines draining sub. Workers exit when the
// subscription's delivery channel closes or the listener is closed.
// It returns false, starting nothing, once the listener is closed.
func (l *ReplyListener) Listen(sub Subscription, workers int) bool {
	if workers < 1 {
		workers = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go l.worker(sub)
	}
	return true
}

func (l *ReplyListener) worker(sub Subscription) {
	defer l.wg.Done()

	deliveries := sub.Deliveries()
	for {
		select {
		case <-l.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			l.handle(d)
		}
	}
}

func (l *ReplyListener) handle(d Delivery) {
	defer func() {
		if err := d.Acknowledge(); err != nil {
			l.logger.Warn("failed to acknowledge reply", "error", err)
		}
	}()

	reply, err := d.Envelope()
	if err != nil {
		var decodeErr *contracts.DecodeError
		if errors.As(err, &decodeErr) {
			l.logger.Warn("dropping undecodable reply", "source", decodeErr.Source, "error", decodeErr.Err)
		} else {
			l.logger.Warn("dropping undecodable reply", "error", err)
		}
		l.metrics.RecordOrphan(OrphanUndecodable)
		return
	}

	key, err := l.strategy.Inbound(reply)
	if err != nil {
		l.logger.Warn("dropping reply without correlation", "messageId", reply.ID, "error", err)
		l.metrics.RecordOrphan(OrphanUncorrelated)
		return
	}

	if !l.registry.Resolve(key, reply) {
		l.logger.Debug("dropping orphan reply", "correlationKey", key, "messageId", reply.ID)
		l.metrics.RecordOrphan(OrphanUnmatched)
	}
}

// Close stops all workers and waits for them to exit
func (l *ReplyListener) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
}
