package messaging

import (
	"log/slog"
	"sync"
	"time"
)

// Reaper periodically expires registry entries past their deadline.
// With sweep interval S a call with timeout T fails within [T, T+S].
type Reaper struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
	metrics  MetricsCollector

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewReaper creates a reaper for registry sweeping every interval
func NewReaper(registry *Registry, interval time.Duration, logger *slog.Logger, metrics MetricsCollector) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	return &Reaper{
		registry: registry,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.run()
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Sweep expires every entry due at now and returns how many were expired
func (r *Reaper) Sweep(now time.Time) int {
	expired := r.registry.ExpireDue(now)
	r.metrics.RecordSweep(len(expired))
	if len(expired) > 0 {
		r.logger.Debug("expired pending requests", "count", len(expired))
	}
	return len(expired)
}

// Stop ends the sweep loop and waits for it to exit
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()
}
