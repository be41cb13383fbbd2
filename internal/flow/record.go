// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"time"

	"grimm.is/flowguard/internal/packet"
)

// FlagCounts counts packets carrying each TCP flag.
type FlagCounts struct {
	FIN uint64 `json:"fin"`
	SYN uint64 `json:"syn"`
	RST uint64 `json:"rst"`
	PSH uint64 `json:"psh"`
	ACK uint64 `json:"ack"`
	URG uint64 `json:"urg"`
	ECE uint64 `json:"ece"`
	CWR uint64 `json:"cwr"`
}

func (f *FlagCounts) add(fl packet.Flags) {
	if fl == 0 {
		return
	}
	if fl&packet.FlagFIN != 0 {
		f.FIN++
	}
	if fl&packet.FlagSYN != 0 {
		f.SYN++
	}
	if fl&packet.FlagRST != 0 {
		f.RST++
	}
	if fl&packet.FlagPSH != 0 {
		f.PSH++
	}
	if fl&packet.FlagACK != 0 {
		f.ACK++
	}
	if fl&packet.FlagURG != 0 {
		f.URG++
	}
	if fl&packet.FlagECE != 0 {
		f.ECE++
	}
	if fl&packet.FlagCWR != 0 {
		f.CWR++
	}
}

// Total returns the number of flag occurrences across all flags.
func (f FlagCounts) Total() uint64 {
	return f.FIN + f.SYN + f.RST + f.PSH + f.ACK + f.URG + f.ECE + f.CWR
}

// Distinct returns how many different flags were seen at least once.
func (f FlagCounts) Distinct() int {
	n := 0
	for _, c := range [...]uint64{f.FIN, f.SYN, f.RST, f.PSH, f.ACK, f.URG, f.ECE, f.CWR} {
		if c > 0 {
			n++
		}
	}
	return n
}

// Direction accumulates one side of a flow. Forward is the initiator's
// direction.
type Direction struct {
	Packets     uint64  `json:"packets"`
	Bytes       uint64  `json:"bytes"`
	Length      Moments `json:"length"`
	IAT         Moments `json:"iat"`
	HeaderBytes uint64  `json:"header_bytes"`
	DataPackets uint64  `json:"data_packets"`
	// MinHeader is the smallest transport header seen.
	MinHeader  uint16    `json:"min_header"`
	InitWindow uint16    `json:"init_window"`
	PSH        uint64    `json:"psh"`
	URG        uint64    `json:"urg"`
	LastSeen   time.Time `json:"last_seen"`
}

// Counters is the full accumulator set of a flow.
type Counters struct {
	FirstSeen time.Time  `json:"first_seen"`
	LastSeen  time.Time  `json:"last_seen"`
	Packets   uint64     `json:"packets"`
	Bytes     uint64     `json:"bytes"`
	Flags     FlagCounts `json:"flags"`
	IAT       Moments    `json:"iat"`
	Active    Moments    `json:"active"`
	Idle      Moments    `json:"idle"`
	Fwd       Direction  `json:"fwd"`
	Bwd       Direction  `json:"bwd"`
}

// Duration is the span between the earliest and latest packet.
func (c Counters) Duration() time.Duration {
	if c.Packets == 0 {
		return 0
	}
	return c.LastSeen.Sub(c.FirstSeen)
}

// Length returns the combined packet-length summary of both directions.
func (c Counters) Length() Moments {
	return c.Fwd.Length.Merge(c.Bwd.Length)
}

// Record is the mutable, pooled accumulator of one live flow. Only the table
// touches it, under the owning entry's lock.
type Record struct {
	Key       Key
	Initiator Endpoint
	Counters
}

// NewRecord allocates an empty record. Used as the pool constructor.
func NewRecord() *Record { return &Record{} }

// Reset clears every field so a pooled slot carries nothing over.
func (r *Record) Reset() { *r = Record{} }

// consistent checks the counter invariants after one packet was applied.
func (r *Record) consistent(prevPackets uint64) bool {
	return r.Packets == prevPackets+1 &&
		r.Fwd.Packets+r.Bwd.Packets == r.Packets &&
		!r.LastSeen.Before(r.FirstSeen)
}

// View is a point-in-time copy of a flow taken under its entry lock.
type View struct {
	Key       Key
	Initiator Endpoint
	State     State
	Counters
}

// Responder is the endpoint opposite the initiator.
func (v View) Responder() Endpoint {
	if v.Initiator == v.Key.A {
		return v.Key.B
	}
	return v.Key.A
}
