// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package detector runs the packet-to-verdict pipeline: a bounded ingress
// queue feeding packet workers that update the flow table, and scoring
// workers that turn flow snapshots into verdicts for the alert sink.
package detector

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/flowguard/internal/alerting"
	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/expiry"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/metrics"
	"grimm.is/flowguard/internal/packet"
	"grimm.is/flowguard/internal/pool"
	"grimm.is/flowguard/internal/scoring"
	"grimm.is/flowguard/internal/stats"
)

// Components are the collaborators the detector drives. Table, Stats and
// Scorer are required.
type Components struct {
	Table     *flow.Table
	Stats     *stats.Engine
	Scorer    *scoring.Scorer
	Reclaimer *expiry.Reclaimer
	Sink      alerting.Sink
	Metrics   *metrics.Metrics
	Clock     clock.Clock
}

// Detector owns the ingress and score queues and their workers.
type Detector struct {
	config    *Config
	logger    *logging.Logger
	table     *flow.Table
	stats     *stats.Engine
	scorer    *scoring.Scorer
	reclaimer *expiry.Reclaimer
	sink      alerting.Sink
	metrics   *metrics.Metrics
	clock     clock.Clock

	vectors *pool.Pool[*stats.Vector]
	sources *sourceTracker

	// mu guards stopped and the close of ingress.
	mu      sync.RWMutex
	stopped bool
	ingress chan packet.Record
	scoreQ  chan flow.View
	running atomic.Bool

	processed    atomic.Uint64
	dropped      atomic.Uint64
	scoreDropped atomic.Uint64
	scored       atomic.Uint64

	recentMu   sync.Mutex
	recent     []scoring.Verdict
	recentNext int
}

// New creates a detector. It registers removal and sweep hooks on the table
// and reclaimer, so both must not yet be in use.
func New(logger *logging.Logger, config *Config, c Components) (*Detector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if c.Table == nil || c.Stats == nil || c.Scorer == nil {
		return nil, errors.New(errors.KindValidation, "detector needs a table, a stats engine and a scorer")
	}
	if logger == nil {
		logger = logging.WithComponent("detector")
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}

	vectors, err := pool.New("vectors", config.ScoreWorkers*config.BatchSize, stats.NewVector, (*stats.Vector).Reset)
	if err != nil {
		return nil, err
	}

	d := &Detector{
		config:    config,
		logger:    logger,
		table:     c.Table,
		stats:     c.Stats,
		scorer:    c.Scorer,
		reclaimer: c.Reclaimer,
		sink:      c.Sink,
		metrics:   c.Metrics,
		clock:     c.Clock,
		vectors:   vectors,
		ingress:   make(chan packet.Record, config.QueueCapacity),
		scoreQ:    make(chan flow.View, config.ScoreQueue),
	}
	if config.SourceThreshold > 0 {
		d.sources = newSourceTracker(config.SourceWindow, config.SourceThreshold, config.MaxSources)
	}
	if config.RecentVerdicts > 0 {
		d.recent = make([]scoring.Verdict, 0, config.RecentVerdicts)
	}

	m := d.metrics
	d.table.OnRemove(func(v flow.View, reason flow.RemoveReason) {
		m.FlowsRemoved.WithLabelValues(reason.String()).Inc()
	})
	if d.reclaimer != nil {
		d.reclaimer.OnSweep(func(r expiry.Result) {
			m.SweepDuration.Observe(r.Elapsed.Seconds())
		})
	}
	return d, nil
}

// Metrics returns the metrics the detector updates.
func (d *Detector) Metrics() *metrics.Metrics { return d.metrics }

// Run starts the workers and blocks until ctx is done, then shuts the
// pipeline down in order: ingress is closed and drained, the reclaimer and
// periodic trigger stop, flows changed since their last score are scored,
// the score queue drains, the sink is closed and the table is drained so
// every pool slot is free again. Run may be called once.
func (d *Detector) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New(errors.KindValidation, "detector already started")
	}

	workers := d.config.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	// Scoring outlives ctx so the final drain still reaches the predictor.
	scoreCtx := context.WithoutCancel(ctx)

	var scorers errgroup.Group
	for i := 0; i < d.config.ScoreWorkers; i++ {
		scorers.Go(func() error {
			d.scoreWorker(scoreCtx)
			return nil
		})
	}

	var handlers errgroup.Group
	for i := 0; i < workers; i++ {
		handlers.Go(func() error {
			for p := range d.ingress {
				d.handle(p)
			}
			return nil
		})
	}

	bg, bgCtx := errgroup.WithContext(ctx)
	if d.reclaimer != nil {
		bg.Go(func() error { return d.reclaimer.Run(bgCtx) })
	}
	bg.Go(func() error {
		d.periodic(bgCtx)
		return nil
	})

	d.logger.Info("Detector started",
		"workers", workers,
		"score_workers", d.config.ScoreWorkers,
		"queue", d.config.QueueCapacity,
		"overflow", d.config.Overflow,
		"kernel", d.stats.KernelName(),
		"model", d.scorer.HasModel())

	<-ctx.Done()
	start := time.Now()

	d.stopIngress()
	_ = handlers.Wait()
	err := bg.Wait()

	flushed := d.table.ClaimDirty(func(v flow.View) { d.scoreQ <- v })
	close(d.scoreQ)
	_ = scorers.Wait()

	if c, ok := d.sink.(interface{ Close() error }); ok {
		err = errors.Join(err, c.Close())
	}
	drained := d.table.Drain()

	d.logger.Info("Detector stopped",
		"processed", d.processed.Load(),
		"dropped", d.dropped.Load(),
		"scored", d.scored.Load(),
		"final_scores", flushed,
		"drained_flows", drained,
		"elapsed", time.Since(start))
	return err
}

func (d *Detector) stopIngress() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	close(d.ingress)
}

// periodic scores every flow updated since its last claim.
func (d *Detector) periodic(ctx context.Context) {
	ticker := time.NewTicker(d.config.ScoreInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.table.ClaimDirty(func(v flow.View) { d.enqueue(v) }); n > 0 {
				d.logger.Debug("Periodic scoring", "flows", n)
			}
		}
	}
}

// Mitigate marks a confirmed attack flow as mitigated.
func (d *Detector) Mitigate(key flow.Key) (flow.State, error) {
	state, ok := d.table.Transition(key, flow.EventMitigated)
	if !ok {
		return state, errors.Attr(errors.New(errors.KindNotFound, "flow not found"), "flow", key.String())
	}
	if state != flow.StateMitigated {
		return state, errors.Attr(errors.Errorf(errors.KindValidation, "flow is %s, not a confirmed attack", state), "flow", key.String())
	}
	d.metrics.Transitions.WithLabelValues(state.String()).Inc()
	d.logger.Info("Flow mitigated", "flow", key.String())
	return state, nil
}

// Snapshot returns a copy of one flow.
func (d *Detector) Snapshot(key flow.Key) (flow.View, bool) {
	return d.table.Snapshot(key)
}

// Recent returns up to limit of the latest verdicts, newest first. A limit
// of zero or less returns all that are kept.
func (d *Detector) Recent(limit int) []scoring.Verdict {
	d.recentMu.Lock()
	defer d.recentMu.Unlock()

	n := len(d.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]scoring.Verdict, 0, n)
	for i := 0; i < n; i++ {
		idx := (d.recentNext - 1 - i + len(d.recent)) % len(d.recent)
		out = append(out, d.recent[idx])
	}
	return out
}

func (d *Detector) remember(v scoring.Verdict) {
	d.recentMu.Lock()
	defer d.recentMu.Unlock()
	if cap(d.recent) == 0 {
		return
	}
	if len(d.recent) < cap(d.recent) {
		d.recent = append(d.recent, v)
	} else {
		d.recent[d.recentNext] = v
	}
	d.recentNext = (d.recentNext + 1) % cap(d.recent)
}

// Sample implements metrics.Source.
func (d *Detector) Sample() metrics.Sample {
	live, capacity := d.table.Usage()
	return metrics.Sample{
		Packets:      d.processed.Load(),
		ActiveFlows:  live,
		PoolFree:     capacity - live,
		PoolCapacity: capacity,
		Queues: map[string]int{
			"ingress": len(d.ingress),
			"score":   len(d.scoreQ),
		},
		KernelFallbacks: d.stats.Fallbacks(),
	}
}

// Processed returns the number of packets applied to the table.
func (d *Detector) Processed() uint64 { return d.processed.Load() }

// Dropped returns the number of packets that never reached the table.
func (d *Detector) Dropped() uint64 { return d.dropped.Load() }

// ScoreDropped returns the number of score jobs dropped.
func (d *Detector) ScoreDropped() uint64 { return d.scoreDropped.Load() }

// Scored returns the number of verdicts produced.
func (d *Detector) Scored() uint64 { return d.scored.Load() }
