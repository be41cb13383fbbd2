// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"math"
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/packet"
)

var (
	client = netip.MustParseAddr("192.0.2.10")
	server = netip.MustParseAddr("198.51.100.1")
	base   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func pkt(src, dst netip.Addr, sport, dport uint16, at time.Duration, length uint32, flags packet.Flags) packet.Record {
	return packet.Record{
		Timestamp:  base.Add(at),
		SrcAddr:    src,
		DstAddr:    dst,
		SrcPort:    sport,
		DstPort:    dport,
		Protocol:   packet.ProtoTCP,
		Length:     length,
		HeaderLen:  20,
		PayloadLen: length - 40,
		Flags:      flags,
		Window:     1024,
	}
}

func TestKey_Canonicalization(t *testing.T) {
	a := Endpoint{Addr: client, Port: 40000}
	b := Endpoint{Addr: server, Port: 443}

	forward := NewKey(a, b, packet.ProtoTCP)
	reverse := NewKey(b, a, packet.ProtoTCP)
	assert.Equal(t, forward, reverse)
	assert.Equal(t, forward.Hash(), reverse.Hash())
	assert.Equal(t, a, forward.A, "lower address must be A")

	t.Run("same address orders by port", func(t *testing.T) {
		k := NewKey(Endpoint{Addr: client, Port: 9000}, Endpoint{Addr: client, Port: 80}, packet.ProtoUDP)
		assert.Equal(t, uint16(80), k.A.Port)
		assert.Equal(t, uint16(9000), k.B.Port)
	})

	t.Run("protocol distinguishes flows", func(t *testing.T) {
		assert.NotEqual(t, NewKey(a, b, packet.ProtoTCP), NewKey(a, b, packet.ProtoUDP))
	})

	t.Run("mapped IPv4 equals IPv4", func(t *testing.T) {
		mapped := netip.AddrFrom16(client.As16())
		require.True(t, mapped.Is4In6())
		assert.Equal(t, forward, NewKey(Endpoint{Addr: mapped, Port: 40000}, b, packet.ProtoTCP))
	})

	t.Run("KeyOf matches both directions", func(t *testing.T) {
		p1 := pkt(client, server, 40000, 443, 0, 60, packet.FlagSYN)
		p2 := pkt(server, client, 443, 40000, 0, 60, packet.FlagSYN|packet.FlagACK)
		assert.Equal(t, KeyOf(p1), KeyOf(p2))
	})
}

func TestMoments(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	var m Moments
	for _, v := range values {
		m.Add(v)
	}
	assert.Equal(t, uint64(8), m.N)
	assert.Equal(t, 40.0, m.Sum)
	assert.Equal(t, 2.0, m.Min)
	assert.Equal(t, 9.0, m.Max)
	assert.InDelta(t, 5.0, m.Mean, 1e-12)
	assert.InDelta(t, 32.0/7.0, m.Variance(), 1e-12)

	t.Run("merge equals sequential", func(t *testing.T) {
		var left, right Moments
		for _, v := range values[:3] {
			left.Add(v)
		}
		for _, v := range values[3:] {
			right.Add(v)
		}
		merged := left.Merge(right)
		assert.Equal(t, m.N, merged.N)
		assert.InDelta(t, m.Mean, merged.Mean, 1e-12)
		assert.InDelta(t, m.M2, merged.M2, 1e-9)
		assert.Equal(t, m.Min, merged.Min)
		assert.Equal(t, m.Max, merged.Max)
	})

	t.Run("merge with empty", func(t *testing.T) {
		assert.Equal(t, m, m.Merge(Moments{}))
		assert.Equal(t, m, Moments{}.Merge(m))
	})

	t.Run("single sample has no variance", func(t *testing.T) {
		var one Moments
		one.Add(3)
		assert.Equal(t, 0.0, one.Variance())
		assert.Equal(t, 0.0, one.StdDev())
	})
}

func TestAggregator_Directions(t *testing.T) {
	var rec Record
	first := pkt(client, server, 40000, 443, 0, 60, packet.FlagSYN)
	rec.Key = KeyOf(first)
	rec.Initiator = Endpoint{Addr: client, Port: 40000}

	agg := Aggregator{ActiveThreshold: time.Second}
	agg.Apply(&rec, first)
	agg.Apply(&rec, pkt(server, client, 443, 40000, 100*time.Millisecond, 60, packet.FlagSYN|packet.FlagACK))
	agg.Apply(&rec, pkt(client, server, 40000, 443, 200*time.Millisecond, 100, packet.FlagACK|packet.FlagPSH))
	agg.Apply(&rec, pkt(client, server, 40000, 443, 3200*time.Millisecond, 140, packet.FlagFIN|packet.FlagACK))

	assert.Equal(t, uint64(4), rec.Packets)
	assert.Equal(t, uint64(360), rec.Bytes)
	assert.Equal(t, uint64(3), rec.Fwd.Packets)
	assert.Equal(t, uint64(1), rec.Bwd.Packets)
	assert.Equal(t, uint64(300), rec.Fwd.Bytes)
	assert.Equal(t, uint64(2), rec.Flags.SYN)
	assert.Equal(t, uint64(3), rec.Flags.ACK)
	assert.Equal(t, uint64(1), rec.Flags.FIN)
	assert.Equal(t, uint64(1), rec.Fwd.PSH)
	assert.Equal(t, 4, rec.Flags.Distinct())
	assert.Equal(t, uint64(7), rec.Flags.Total())

	assert.Equal(t, uint64(3), rec.IAT.N)
	assert.InDelta(t, 3.0, rec.IAT.Max, 1e-9)
	assert.Equal(t, uint64(2), rec.Active.N)
	assert.Equal(t, uint64(1), rec.Idle.N)
	assert.Equal(t, uint64(2), rec.Fwd.IAT.N)
	assert.Equal(t, 3200*time.Millisecond, rec.Duration())

	length := rec.Length()
	assert.Equal(t, uint64(4), length.N)
	assert.Equal(t, 60.0, length.Min)
	assert.Equal(t, 140.0, length.Max)
}

func TestAggregator_OrderInsensitive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var packets []packet.Record
	for i := 0; i < 200; i++ {
		src, dst, sport, dport := client, server, uint16(40000), uint16(443)
		if rng.Intn(3) == 0 {
			src, dst, sport, dport = dst, src, dport, sport
		}
		at := time.Duration(rng.Int63n(int64(10 * time.Second)))
		packets = append(packets, pkt(src, dst, sport, dport, at, uint32(40+rng.Intn(1400)), packet.Flags(rng.Intn(256))))
	}

	aggregate := func(ps []packet.Record) Record {
		var rec Record
		rec.Key = KeyOf(ps[0])
		rec.Initiator = Endpoint{Addr: client, Port: 40000}
		for _, p := range ps {
			Aggregator{}.Apply(&rec, p)
		}
		return rec
	}

	want := aggregate(packets)
	for trial := 0; trial < 10; trial++ {
		shuffled := append([]packet.Record(nil), packets...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := aggregate(shuffled)

		assert.Equal(t, want.Packets, got.Packets)
		assert.Equal(t, want.Bytes, got.Bytes)
		assert.Equal(t, want.Fwd.Packets, got.Fwd.Packets)
		assert.Equal(t, want.Bwd.Bytes, got.Bwd.Bytes)
		assert.Equal(t, want.Flags, got.Flags)
		assert.Equal(t, want.FirstSeen, got.FirstSeen)
		assert.Equal(t, want.LastSeen, got.LastSeen)
		assert.Equal(t, want.Fwd.Length.Sum, got.Fwd.Length.Sum)
		assert.Equal(t, want.Fwd.Length.SumSq, got.Fwd.Length.SumSq)
		assert.Equal(t, want.Fwd.Length.Min, got.Fwd.Length.Min)
		assert.Equal(t, want.Fwd.Length.Max, got.Fwd.Length.Max)
		assert.InDelta(t, want.Length().Variance(), got.Length().Variance(), 1e-6*math.Max(1, want.Length().Variance()))
	}
}

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		want State
	}{
		{StateNew, EventBenign, StateMonitoring},
		{StateNew, EventSuspect, StateSuspect},
		{StateNew, EventAttack, StateConfirmedAttack},
		{StateMonitoring, EventSuspect, StateSuspect},
		{StateSuspect, EventBenign, StateMonitoring},
		{StateSuspect, EventAttack, StateConfirmedAttack},
		{StateConfirmedAttack, EventBenign, StateConfirmedAttack},
		{StateConfirmedAttack, EventMitigated, StateMitigated},
		{StateMonitoring, EventMitigated, StateMonitoring},
		{StateMitigated, EventAttack, StateMitigated},
		{StateSuspect, EventExpired, StateExpired},
		{StateMitigated, EventExpired, StateExpired},
		{StateExpired, EventAttack, StateExpired},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.Next(tt.ev))
		})
	}
}
