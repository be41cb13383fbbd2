// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package analytics

import (
	"context"
	"sync"
	"time"

	"grimm.is/flowguard/internal/alerting"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/scoring"
)

// Collector handles in-memory aggregation of verdicts into time-bucketed
// source summaries, and records every verdict it sees. It is an alert
// channel.
type Collector struct {
	mu      sync.Mutex
	buckets map[key]*Summary
	pending []scoring.Verdict
	store   *Store
	window  time.Duration
	logger  *logging.Logger
}

// Store returns the underlying analytics store
func (c *Collector) Store() *Store {
	return c.store
}

type key struct {
	bucket int64
	srcIP  string
	class  scoring.Classification
}

// NewCollector creates a new analytics collector
func NewCollector(logger *logging.Logger, store *Store, bucketWindow time.Duration) *Collector {
	if bucketWindow <= 0 {
		bucketWindow = time.Minute
	}
	if logger == nil {
		logger = logging.WithComponent("analytics")
	}
	return &Collector{
		buckets: make(map[key]*Summary),
		store:   store,
		window:  bucketWindow,
		logger:  logger,
	}
}

// Ingest records a verdict into the current time bucket
func (c *Collector) Ingest(v scoring.Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Calculate bucket start time
	ts := v.Timestamp.Unix()
	width := int64(c.window.Seconds())
	if width <= 0 {
		width = 1
	}
	bucketStart := ts - (ts % width)

	src := v.Src.Addr.String()
	k := key{bucket: bucketStart, srcIP: src, class: v.Classification}

	s, exists := c.buckets[k]
	if !exists {
		s = &Summary{
			BucketTime:     time.Unix(bucketStart, 0).UTC(),
			SrcIP:          src,
			Classification: v.Classification.String(),
		}
		c.buckets[k] = s
	}

	s.Verdicts++
	s.Packets += int64(v.Packets)
	if v.PacketRate > s.MaxRate {
		s.MaxRate = v.PacketRate
	}
	c.pending = append(c.pending, v)
}

// Flush persists all currently aggregated data to the store and clears the memory
func (c *Collector) Flush() error {
	c.mu.Lock()
	toFlush := make([]Summary, 0, len(c.buckets))
	for _, s := range c.buckets {
		toFlush = append(toFlush, *s)
	}
	verdicts := c.pending
	c.buckets = make(map[key]*Summary) // Clear map
	c.pending = nil
	c.mu.Unlock()

	if err := c.store.RecordVerdicts(verdicts); err != nil {
		return err
	}
	return c.store.RecordSummaries(toFlush)
}

// Run flushes data to the store at fixed intervals until ctx is done, then
// flushes once more.
func (c *Collector) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Flush(); err != nil {
				c.logger.Warn("Analytics flush failed", "error", err)
			}
		case <-ctx.Done():
			return c.Flush()
		}
	}
}

var _ alerting.Channel = (*Collector)(nil)

func (c *Collector) Name() string { return "store" }

// Send ingests the event's verdict; persistence happens on Flush.
func (c *Collector) Send(_ context.Context, event alerting.AlertEvent) error {
	c.Ingest(event.Verdict)
	return nil
}

// Close flushes what is pending. The store stays open.
func (c *Collector) Close() error {
	return c.Flush()
}
