// Package metrics exports request/reply metrics to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-reqreply/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mmate"

// Collector implements messaging.MetricsCollector with Prometheus metrics
type Collector struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	orphans  *prometheus.CounterVec
	sweeps   prometheus.Counter
	expired  prometheus.Counter
}

var _ messaging.MetricsCollector = (*Collector)(nil)

// NewCollector creates the metrics without registering them
func NewCollector() *Collector {
	return &Collector{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Request/reply calls by destination and outcome",
		}, []string{"destination", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Time from send to reply, timeout or cancellation",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"destination", "outcome"}),
		orphans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "orphan_replies_total",
			Help:      "Replies dropped because they matched no pending call",
		}, []string{"reason"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "sweeps_total",
			Help:      "Timeout sweeps performed",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "expired_total",
			Help:      "Pending calls expired by the sweep",
		}),
	}
}

// Register registers all metrics with reg. Where reg already holds an
// identical metric, the collector adopts the registered one, so every
// Collector on a registry records into the series it exports.
func (c *Collector) Register(reg prometheus.Registerer) error {
	var err error
	if c.calls, err = register(reg, c.calls); err != nil {
		return err
	}
	if c.duration, err = register(reg, c.duration); err != nil {
		return err
	}
	if c.orphans, err = register(reg, c.orphans); err != nil {
		return err
	}
	if c.sweeps, err = register(reg, c.sweeps); err != nil {
		return err
	}
	if c.expired, err = register(reg, c.expired); err != nil {
		return err
	}
	return nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, m T) (T, error) {
	err := reg.Register(m)
	if err == nil {
		return m, nil
	}
	var alreadyRegErr prometheus.AlreadyRegisteredError
	if errors.As(err, &alreadyRegErr) {
		if existing, ok := alreadyRegErr.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return m, fmt.Errorf("failed to register metric: %w", err)
}

// NewRegisteredCollector creates a collector and registers it with reg
func NewRegisteredCollector(reg prometheus.Registerer) (*Collector, error) {
	c := NewCollector()
	if err := c.Register(reg); err != nil {
		return nil, err
	}
	return c, nil
}

// RecordCall implements messaging.MetricsCollector
func (c *Collector) RecordCall(destination string, outcome messaging.CallOutcome, duration time.Duration) {
	c.calls.WithLabelValues(destination, string(outcome)).Inc()
	c.duration.WithLabelValues(destination, string(outcome)).Observe(duration.Seconds())
}

// RecordOrphan implements messaging.MetricsCollector
func (c *Collector) RecordOrphan(reason messaging.OrphanReason) {
	c.orphans.WithLabelValues(string(reason)).Inc()
}

// RecordSweep implements messaging.MetricsCollector
func (c *Collector) RecordSweep(expired int) {
	c.sweeps.Inc()
	c.expired.Add(float64(expired))
}
