package telemetry

import (
	"sync"
	"time"
)

// BacklogSample is the queue depth of one observation at collection time
type BacklogSample struct {
	Observation string
	Backlog     int
}

// BacklogProvider lists the running observations and their queue depth
type BacklogProvider interface {
	Backlogs() []BacklogSample
}

// MetricsCollector periodically samples observation queues and updates gauges.
// Sampling keeps gauge updates off the writer path.
type MetricsCollector struct {
	provider BacklogProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// DefaultCollectInterval is used when no positive interval is given
const DefaultCollectInterval = 5 * time.Second

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider BacklogProvider, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	for _, s := range mc.provider.Backlogs() {
		ObservationBacklog.With(s.Observation).Set(float64(s.Backlog))
	}
}
