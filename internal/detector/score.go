// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detector

import (
	"context"
	"time"

	"github.com/google/uuid"

	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/metrics"
	"grimm.is/flowguard/internal/scoring"
	"grimm.is/flowguard/internal/stats"
)

// scoreWorker drains the score queue in batches of up to BatchSize until it
// is closed.
func (d *Detector) scoreWorker(ctx context.Context) {
	views := make([]flow.View, 0, d.config.BatchSize)
	vecs := make([]*stats.Vector, 0, d.config.BatchSize)

	for first := range d.scoreQ {
		views = append(views[:0], first)
	fill:
		for len(views) < d.config.BatchSize {
			select {
			case v, ok := <-d.scoreQ:
				if !ok {
					break fill
				}
				views = append(views, v)
			default:
				break fill
			}
		}
		d.scoreBatch(ctx, views, vecs[:0])
	}
}

func (d *Detector) scoreBatch(ctx context.Context, views []flow.View, vecs []*stats.Vector) {
	for range views {
		vec, err := d.vectors.Checkout()
		if err != nil {
			break
		}
		vecs = append(vecs, vec)
	}
	defer func() {
		for _, vec := range vecs {
			_ = d.vectors.Release(vec)
		}
	}()

	for _, v := range views[len(vecs):] {
		d.table.Unclaim(v.Key)
		d.scoreDropped.Add(1)
		d.metrics.Drops.WithLabelValues(metrics.DropPoolExhausted).Inc()
	}
	views = views[:len(vecs)]

	if err := d.stats.ExtractBatch(views, vecs); err != nil {
		d.logger.Warn("Feature extraction failed", "batch", len(views), "error", err)
		for _, v := range views {
			d.table.Unclaim(v.Key)
		}
		return
	}
	for _, vec := range vecs {
		d.scoreOne(ctx, vec)
	}
}

func (d *Detector) scoreOne(ctx context.Context, vec *stats.Vector) {
	start := time.Now()
	verdict := d.scorer.Score(ctx, vec)
	d.metrics.PredictLatency.Observe(time.Since(start).Seconds())
	if d.scorer.HasModel() && !verdict.ModelAvailable {
		d.metrics.ModelErrors.Inc()
	}

	state, _ := d.table.Transition(vec.Key(), verdict.Classification.Event())
	verdict = verdict.WithState(state)
	d.metrics.Transitions.WithLabelValues(state.String()).Inc()
	d.publish(verdict)

	if verdict.Classification != scoring.Attack {
		return
	}
	if n, crossed := d.sources.observe(verdict.Src.Addr, verdict.Timestamp); crossed {
		flood := verdict
		flood.ID = uuid.NewString()
		flood.Reason = scoring.ReasonSourceFlood
		d.logger.Warn("Source crossed attack threshold",
			"src", verdict.Src.Addr,
			"attacks", n,
			"window", d.config.SourceWindow)
		d.publish(flood)
	}
}

func (d *Detector) publish(v scoring.Verdict) {
	d.scored.Add(1)
	d.metrics.Verdicts.WithLabelValues(v.Classification.String(), string(v.Reason)).Inc()
	d.remember(v)
	if v.Classification != scoring.Benign {
		d.logger.Debug("Flow verdict",
			"flow", v.Flow,
			"classification", v.Classification,
			"reason", v.Reason,
			"score", v.Score,
			"rate", v.PacketRate,
			"state", v.StateName)
	}
	if d.sink != nil {
		d.sink.Emit(v)
	}
}
