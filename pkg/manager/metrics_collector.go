package manager

import (
	"sync"
	"time"

	"github.com/cuemby/provisor/pkg/deploy"
	"github.com/cuemby/provisor/pkg/metrics"
	"github.com/cuemby/provisor/pkg/types"
)

// DefaultCollectInterval is how often gauges are refreshed
const DefaultCollectInterval = 15 * time.Second

// MetricsCollector refreshes the gauges that are cheaper to sample than to
// keep current on every change
type MetricsCollector struct {
	manager  *Manager
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(mgr *Manager, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &MetricsCollector{
		manager:  mgr,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(c.interval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

func (c *MetricsCollector) collect() {
	c.collectDeploymentMetrics()
	c.collectInstanceMetrics()
	c.collectPeerMetrics()
	c.collectJournalMetrics()
}

func (c *MetricsCollector) collectDeploymentMetrics() {
	counts := map[types.DeploymentStatus]int{
		types.StatusIntact:      0,
		types.StatusCompromised: 0,
		types.StatusBroken:      0,
		types.StatusScheduled:   0,
	}

	deployments := c.manager.deployments
	for _, name := range deployments.Deployments() {
		o := deployments.Owner(name)
		if o == nil || o.Mode() != deploy.ModeOwner {
			continue
		}
		counts[o.Status()]++
	}

	for status, count := range counts {
		metrics.DeploymentsByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *MetricsCollector) collectInstanceMetrics() {
	running := 0
	for _, slot := range c.manager.registry.Snapshot() {
		running += len(slot.Record().Instances())
	}
	metrics.InstancesRunning.Set(float64(running))
}

func (c *MetricsCollector) collectPeerMetrics() {
	metrics.PeersKnown.Set(float64(len(c.manager.peers.Peers())))
}

func (c *MetricsCollector) collectJournalMetrics() {
	if c.manager.journal == nil {
		return
	}

	n, err := c.manager.journal.Len()
	if err != nil {
		c.manager.health.Update(ComponentStorage, false, err.Error())
		return
	}
	c.manager.health.Update(ComponentStorage, true, "")
	metrics.JournalEntries.Set(float64(n))
}
