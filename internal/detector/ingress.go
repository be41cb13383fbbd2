// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detector

import (
	"time"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/metrics"
	"grimm.is/flowguard/internal/packet"
)

// displaceAttempts bounds how often drop_oldest retries against producers
// racing for the freed slot.
const displaceAttempts = 4

// Submit queues a record for the packet workers. It never blocks longer than
// the configured block timeout and reports whether the record was queued.
func (d *Detector) Submit(p packet.Record) bool {
	if !p.Valid() {
		d.drop(metrics.DropInvalid)
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.drop(metrics.DropStopped)
		return false
	}

	select {
	case d.ingress <- p:
		return true
	default:
	}

	switch d.config.Overflow {
	case DropOldest:
		for i := 0; i < displaceAttempts; i++ {
			select {
			case <-d.ingress:
				d.drop(metrics.DropQueueOldest)
			default:
			}
			select {
			case d.ingress <- p:
				return true
			default:
			}
		}
	case Block:
		timer := time.NewTimer(d.config.BlockTimeout)
		defer timer.Stop()
		select {
		case d.ingress <- p:
			return true
		case <-timer.C:
			d.drop(metrics.DropQueueTimeout)
			return false
		}
	}
	d.drop(metrics.DropQueueFull)
	return false
}

func (d *Detector) drop(reason string) {
	d.dropped.Add(1)
	d.metrics.Drops.WithLabelValues(reason).Inc()
}

// handle applies one record to the table and triggers scoring on the first
// packet of a flow and every ScoreEveryPackets packets after.
func (d *Detector) handle(p packet.Record) {
	key := flow.KeyOf(p)
	upd, err := d.table.RecordPacket(key, p)
	if err != nil {
		switch errors.GetKind(err) {
		case errors.KindPoolExhausted:
			d.metrics.PoolExhausted.Inc()
			d.drop(metrics.DropPoolExhausted)
		case errors.KindSynchronization:
			d.metrics.SyncErrors.Inc()
			d.drop(metrics.DropSynchronization)
		default:
			d.drop(metrics.DropInvalid)
		}
		d.logger.Debug("Packet not applied", "flow", key.String(), "error", err)
		return
	}

	d.processed.Add(1)
	d.metrics.Packets.Inc()
	d.metrics.Bytes.Add(float64(p.Length))
	if upd.Created {
		d.metrics.FlowsCreated.Inc()
	}

	every := d.config.ScoreEveryPackets
	if upd.Created || (every > 0 && upd.Packets%every == 0) {
		if v, ok := d.table.Claim(key); ok {
			d.enqueue(v)
		}
	}
}

// enqueue hands a claimed snapshot to the scorers without blocking. A
// dropped job releases its claim so the periodic trigger can retry.
func (d *Detector) enqueue(v flow.View) bool {
	select {
	case d.scoreQ <- v:
		return true
	default:
		d.table.Unclaim(v.Key)
		d.scoreDropped.Add(1)
		d.metrics.Drops.WithLabelValues(metrics.DropScoreQueue).Inc()
		return false
	}
}
