// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"time"

	"grimm.is/flowguard/internal/packet"
)

// DefaultActiveThreshold separates active gaps from idle gaps.
const DefaultActiveThreshold = time.Second

// Aggregator folds packets into a Record in O(1).
//
// Counts, sums and extremes do not depend on arrival order. Inter-arrival
// and active/idle samples are taken only for packets at or after LastSeen,
// so a late packet moves FirstSeen but never records a negative gap.
// Time-valued samples are in seconds.
type Aggregator struct {
	ActiveThreshold time.Duration
}

// Apply adds p to rec. rec.Key and rec.Initiator must already be set.
func (a Aggregator) Apply(rec *Record, p packet.Record) {
	ts := p.Timestamp
	src := Endpoint{Addr: p.SrcAddr.Unmap(), Port: p.SrcPort}

	dir := &rec.Bwd
	if src == rec.Initiator {
		dir = &rec.Fwd
	}

	if rec.Packets == 0 {
		rec.FirstSeen = ts
		rec.LastSeen = ts
	} else {
		if ts.Before(rec.FirstSeen) {
			rec.FirstSeen = ts
		}
		if !ts.Before(rec.LastSeen) {
			gap := ts.Sub(rec.LastSeen)
			rec.IAT.Add(gap.Seconds())
			if gap <= a.activeThreshold() {
				rec.Active.Add(gap.Seconds())
			} else {
				rec.Idle.Add(gap.Seconds())
			}
			rec.LastSeen = ts
		}
	}

	if dir.Packets == 0 {
		dir.LastSeen = ts
		dir.InitWindow = p.Window
		dir.MinHeader = p.HeaderLen
	} else {
		if !ts.Before(dir.LastSeen) {
			dir.IAT.Add(ts.Sub(dir.LastSeen).Seconds())
			dir.LastSeen = ts
		}
		if p.HeaderLen < dir.MinHeader {
			dir.MinHeader = p.HeaderLen
		}
	}

	length := uint64(p.Length)
	dir.Packets++
	dir.Bytes += length
	dir.Length.Add(float64(p.Length))
	dir.HeaderBytes += uint64(p.HeaderLen)
	if p.PayloadLen > 0 {
		dir.DataPackets++
	}
	if p.Flags&packet.FlagPSH != 0 {
		dir.PSH++
	}
	if p.Flags&packet.FlagURG != 0 {
		dir.URG++
	}

	rec.Packets++
	rec.Bytes += length
	rec.Flags.add(p.Flags)
}

func (a Aggregator) activeThreshold() time.Duration {
	if a.ActiveThreshold <= 0 {
		return DefaultActiveThreshold
	}
	return a.ActiveThreshold
}
