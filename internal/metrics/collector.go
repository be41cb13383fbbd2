// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"context"
	"sync"
	"time"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/logging"
)

// Sample is a point-in-time reading of detector state.
type Sample struct {
	Packets         uint64         `json:"packets"`
	ActiveFlows     int            `json:"active_flows"`
	PoolFree        int            `json:"pool_free"`
	PoolCapacity    int            `json:"pool_capacity"`
	Queues          map[string]int `json:"queues"`
	KernelFallbacks uint64         `json:"kernel_fallbacks"`
}

// Source produces samples for the collector.
type Source interface {
	Sample() Sample
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Sample

func (f SourceFunc) Sample() Sample { return f() }

// Status is the collector's cached view, served by the admin API.
type Status struct {
	Sample
	PacketRate float64   `json:"packet_rate"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Collector samples gauges from a Source on an interval and derives the
// packet rate from successive counter readings.
type Collector struct {
	metrics  *Metrics
	source   Source
	logger   *logging.Logger
	interval time.Duration
	clock    clock.Clock

	mu          sync.RWMutex
	status      Status
	prevPackets uint64
	prevAt      time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(logger *logging.Logger, m *Metrics, source Source, interval time.Duration, clk clock.Clock) *Collector {
	if logger == nil {
		logger = logging.WithComponent("metrics")
	}
	if interval <= 0 {
		interval = time.Second
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Collector{metrics: m, source: source, logger: logger, interval: interval, clock: clk}
}

// Run begins the collection loop and returns when ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-ctx.Done():
			c.logger.Info("Stopping metrics collector")
			return nil
		}
	}
}

// Collect takes one sample and updates the gauges.
func (c *Collector) Collect() Status {
	s := c.source.Sample()
	now := c.clock.Now()

	c.mu.Lock()
	rate := c.status.PacketRate
	if !c.prevAt.IsZero() {
		rate = c.calculateRate(s.Packets, c.prevPackets, now.Sub(c.prevAt).Seconds())
	}
	c.prevPackets, c.prevAt = s.Packets, now
	c.status = Status{Sample: s, PacketRate: rate, UpdatedAt: now}
	status := c.status
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveFlows.Set(float64(s.ActiveFlows))
		c.metrics.PoolFree.Set(float64(s.PoolFree))
		c.metrics.PacketRate.Set(rate)
		c.metrics.KernelFallbacks.Set(float64(s.KernelFallbacks))
		for name, depth := range s.Queues {
			c.metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))
		}
	}
	return status
}

// Status returns the last collected status.
func (c *Collector) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// calculateRate computes the rate between two counter values, handling resets.
// If current < previous (counter reset), treats current as the delta from zero.
func (c *Collector) calculateRate(current, previous uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}

	var delta uint64
	if current < previous {
		delta = current
		c.logger.Debug("Counter reset detected", "current", current, "previous", previous)
	} else {
		delta = current - previous
	}

	return float64(delta) / elapsedSeconds
}
