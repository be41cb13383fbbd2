// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package alerting routes verdicts to notification and persistence channels
// without ever blocking the scoring path.
package alerting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/metrics"
	"grimm.is/flowguard/internal/scoring"
)

// Config for the alert engine
type Config struct {
	Queue             int                    `json:"queue"`
	MaxHistory        int                    `json:"max_history"`
	MinClassification scoring.Classification `json:"min_classification"`
}

// DefaultConfig returns default alert engine configuration
func DefaultConfig() *Config {
	return &Config{
		Queue:             1024,
		MaxHistory:        1000,
		MinClassification: scoring.Suspect,
	}
}

// Engine queues verdicts and delivers them to channels in order.
type Engine struct {
	config  *Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	closed   bool
	started  bool
	channels []Channel
	enricher Enricher

	historyMu sync.RWMutex
	history   []AlertEvent

	eventChan chan AlertEvent
	done      chan struct{}
	sendCtx   context.Context

	accepted  atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	lastDrop  atomic.Int64
}

// NewEngine creates a new alert engine. m may be nil.
func NewEngine(logger *logging.Logger, config *Config, m *metrics.Metrics) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Queue <= 0 {
		return nil, errors.Attr(errors.New(errors.KindConfig, "alert queue must be positive"), "field", "alerts.queue")
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = 1000
	}
	if logger == nil {
		logger = logging.WithComponent("alerting")
	}
	return &Engine{
		config:    config,
		logger:    logger,
		metrics:   m,
		history:   make([]AlertEvent, 0),
		eventChan: make(chan AlertEvent, config.Queue),
		done:      make(chan struct{}),
		sendCtx:   context.Background(),
	}, nil
}

// AddChannel registers a delivery channel. Call before Start.
func (e *Engine) AddChannel(ch Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels = append(e.channels, ch)
}

// SetEnricher sets the event enricher. Call before Start.
func (e *Engine) SetEnricher(en Enricher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enricher = en
}

// Start starts the engine's background delivery. Cancelling ctx does not
// stop delivery; Close drains the queue and stops it.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true
	e.sendCtx = context.WithoutCancel(ctx)
	go e.run()
}

func (e *Engine) run() {
	defer close(e.done)
	for event := range e.eventChan {
		e.handleEvent(event)
	}
}

// Emit queues a verdict for delivery. It never blocks: when the queue is
// full the verdict is dropped and counted. Verdicts below the configured
// classification are ignored.
func (e *Engine) Emit(v scoring.Verdict) bool {
	if v.Classification < e.config.MinClassification {
		return false
	}
	event := AlertEvent{
		ID:        v.ID,
		Message:   message(v),
		Severity:  LevelFor(v.Classification),
		Timestamp: v.Timestamp,
		Verdict:   v,
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(event, "engine closed")
		return false
	}
	select {
	case e.eventChan <- event:
		e.accepted.Add(1)
		e.count("queued")
		return true
	default:
		e.drop(event, "queue full")
		return false
	}
}

func (e *Engine) drop(event AlertEvent, why string) {
	n := e.dropped.Add(1)
	e.count("dropped")
	now := time.Now().UnixNano()
	last := e.lastDrop.Load()
	if now-last >= int64(time.Second) && e.lastDrop.CompareAndSwap(last, now) {
		e.logger.Warn("Dropping alert", "reason", why, "flow", event.Verdict.Flow, "dropped_total", n)
	}
}

func (e *Engine) count(outcome string) {
	if e.metrics != nil {
		e.metrics.Alerts.WithLabelValues(outcome).Inc()
	}
}

func message(v scoring.Verdict) string {
	return fmt.Sprintf("%s flow %s (%s, score %.2f, %.0f pkt/s)", v.Classification, v.Flow, v.Reason, v.Score, v.PacketRate)
}

// handleEvent enriches, records and delivers one event.
func (e *Engine) handleEvent(event AlertEvent) {
	e.mu.RLock()
	enricher := e.enricher
	channels := e.channels
	ctx := e.sendCtx
	e.mu.RUnlock()

	if enricher != nil {
		enricher.Enrich(&event)
	}

	e.historyMu.Lock()
	e.history = append(e.history, event)
	if len(e.history) > e.config.MaxHistory {
		e.history = e.history[1:]
	}
	e.historyMu.Unlock()

	for _, ch := range channels {
		if err := ch.Send(ctx, event); err != nil {
			e.failed.Add(1)
			e.count("failed")
			e.logger.Warn("Alert delivery failed", "channel", ch.Name(), "flow", event.Verdict.Flow, "error", err)
			continue
		}
		e.delivered.Add(1)
		e.count("delivered")
	}
}

// Close stops accepting events, delivers everything already queued and
// closes every channel.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	close(e.eventChan)
	e.mu.Unlock()

	if started {
		<-e.done
	} else {
		for event := range e.eventChan {
			e.handleEvent(event)
		}
	}

	var errs []error
	for _, ch := range e.channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, errors.KindIO, "close channel %s", ch.Name()))
		}
	}
	e.logger.Info("Alert engine closed", "accepted", e.accepted.Load(), "dropped", e.dropped.Load(), "delivered", e.delivered.Load(), "failed", e.failed.Load())
	return errors.Join(errs...)
}

// GetHistory returns up to limit of the most recent events, oldest first.
// limit <= 0 returns everything kept.
func (e *Engine) GetHistory(limit int) []AlertEvent {
	e.historyMu.RLock()
	defer e.historyMu.RUnlock()

	start := 0
	if limit > 0 && len(e.history) > limit {
		start = len(e.history) - limit
	}
	res := make([]AlertEvent, len(e.history)-start)
	copy(res, e.history[start:])
	return res
}

// Pending returns the number of queued events.
func (e *Engine) Pending() int { return len(e.eventChan) }

// Dropped returns the number of events dropped because the queue was full
// or the engine closed.
func (e *Engine) Dropped() uint64 { return e.dropped.Load() }

// Delivered returns the number of successful channel deliveries.
func (e *Engine) Delivered() uint64 { return e.delivered.Load() }

// Failed returns the number of failed channel deliveries.
func (e *Engine) Failed() uint64 { return e.failed.Load() }
