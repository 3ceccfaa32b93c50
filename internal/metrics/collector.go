package metrics

import (
	"context"
	"time"

	"nestbox/internal/logging"
)

// Stats is a snapshot of the file index used to refresh gauges.
type Stats struct {
	Folders int
	Media   int
	Other   int
}

// StatsProvider supplies index counts to the collector.
type StatsProvider interface {
	CollectStats(ctx context.Context) (Stats, error)
}

// ConnectionReporter updates connection gauges for a store.
type ConnectionReporter interface {
	UpdateDBMetrics()
}

// Collector periodically collects and updates metrics
type Collector struct {
	statsProvider StatsProvider
	reporters     []ConnectionReporter
	interval      time.Duration
	stopChan      chan struct{}
	done          chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration, reporters ...ConnectionReporter) *Collector {
	return &Collector{
		statsProvider: provider,
		reporters:     reporters,
		interval:      interval,
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start() {
	go c.collectLoop()
}

// Stop stops the collection loop and waits for it to exit.
func (c *Collector) Stop() {
	close(c.stopChan)
	<-c.done
}

func (c *Collector) collectLoop() {
	defer close(c.done)

	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	for _, r := range c.reporters {
		r.UpdateDBMetrics()
	}

	if c.statsProvider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := c.statsProvider.CollectStats(ctx)
	if err != nil {
		logging.Warn("Metrics collection failed: %v", err)
		return
	}

	IndexEntries.WithLabelValues("folder").Set(float64(stats.Folders))
	IndexEntries.WithLabelValues("media").Set(float64(stats.Media))
	IndexEntries.WithLabelValues("other").Set(float64(stats.Other))

	logging.Debug("Metrics collected: folders=%d, media=%d, other=%d",
		stats.Folders, stats.Media, stats.Other)
}
