// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"math"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/packet"
	"grimm.is/flowguard/internal/pool"
)

func newTestTable(t *testing.T, capacity int) (*Table, *pool.Pool[*Record]) {
	t.Helper()
	records, err := pool.New("records", capacity, NewRecord, (*Record).Reset)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Shards = 4
	cfg.EvictBatch = 1
	return NewTable(logging.Nop(), records, cfg), records
}

func clientPkt(i int, at time.Duration) packet.Record {
	src := netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)})
	return pkt(src, server, 40000, 443, at, 100, packet.FlagACK)
}

func TestTable_RecordAndSnapshot(t *testing.T) {
	table, records := newTestTable(t, 16)

	p := pkt(client, server, 40000, 443, 0, 60, packet.FlagSYN)
	key := KeyOf(p)

	upd, err := table.RecordPacket(key, p)
	require.NoError(t, err)
	assert.True(t, upd.Created)
	assert.Equal(t, uint64(1), upd.Packets)
	assert.Equal(t, StateNew, upd.State)

	upd, err = table.RecordPacket(key, pkt(server, client, 443, 40000, time.Millisecond, 60, packet.FlagSYN|packet.FlagACK))
	require.NoError(t, err)
	assert.False(t, upd.Created)
	assert.Equal(t, uint64(2), upd.Packets)

	v, ok := table.Snapshot(key)
	require.True(t, ok)
	assert.Equal(t, uint64(2), v.Packets)
	assert.Equal(t, Endpoint{Addr: client, Port: 40000}, v.Initiator)
	assert.Equal(t, Endpoint{Addr: server, Port: 443}, v.Responder())
	assert.Equal(t, uint64(1), v.Bwd.Packets)

	// Snapshot is a copy.
	v.Packets = 99
	v2, _ := table.Snapshot(key)
	assert.Equal(t, uint64(2), v2.Packets)

	assert.Equal(t, 1, table.Len())
	assert.Equal(t, 15, records.Free())

	assert.True(t, table.Remove(key))
	assert.False(t, table.Remove(key))
	_, ok = table.Snapshot(key)
	assert.False(t, ok)
	assert.Equal(t, 16, records.Free())
}

func TestTable_ConcurrentUpdates(t *testing.T) {
	table, _ := newTestTable(t, 64)

	const goroutines = 8
	const perGoroutine = 500
	shared := KeyOf(clientPkt(0, 0))

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			own := clientPkt(g+1, 0)
			for i := 0; i < perGoroutine; i++ {
				at := time.Duration(i) * time.Millisecond
				_, err := table.RecordPacket(shared, clientPkt(0, at))
				assert.NoError(t, err)
				own.Timestamp = base.Add(at)
				_, err = table.RecordPacket(KeyOf(own), own)
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	v, ok := table.Snapshot(shared)
	require.True(t, ok)
	assert.Equal(t, uint64(goroutines*perGoroutine), v.Packets)
	assert.Equal(t, uint64(goroutines*perGoroutine*100), v.Bytes)
	assert.Equal(t, goroutines+1, table.Len())

	for g := 0; g < goroutines; g++ {
		own, ok := table.Snapshot(KeyOf(clientPkt(g+1, 0)))
		require.True(t, ok)
		assert.Equal(t, uint64(perGoroutine), own.Packets)
	}
}

func TestTable_PoolExhaustion(t *testing.T) {
	records, err := pool.New("records", 2, NewRecord, (*Record).Reset)
	require.NoError(t, err)
	table := NewTable(logging.Nop(), records, &Config{Shards: 2, EvictBatch: 1})

	// Hold every slot outside the table so eviction has nothing to free.
	a, _ := records.Checkout()
	b, _ := records.Checkout()

	p := clientPkt(1, 0)
	start := time.Now()
	_, err = table.RecordPacket(KeyOf(p), p)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errors.KindPoolExhausted, errors.GetKind(err))
	assert.Equal(t, 0, table.Len())

	require.NoError(t, records.Release(a))
	require.NoError(t, records.Release(b))
	_, err = table.RecordPacket(KeyOf(p), p)
	assert.NoError(t, err)
}

func TestTable_CapacityEvictsLeastRecentlyUpdated(t *testing.T) {
	var evicted []View
	table, records := newTestTable(t, 3)
	table.OnRemove(func(v View, reason RemoveReason) {
		if reason == ReasonCapacity {
			evicted = append(evicted, v)
		}
	})

	for i := 1; i <= 3; i++ {
		p := clientPkt(i, time.Duration(i)*time.Second)
		_, err := table.RecordPacket(KeyOf(p), p)
		require.NoError(t, err)
	}
	// Touch flow 1 so flow 2 becomes the oldest.
	p1 := clientPkt(1, 10*time.Second)
	_, err := table.RecordPacket(KeyOf(p1), p1)
	require.NoError(t, err)
	assert.Equal(t, 0, records.Free())

	p4 := clientPkt(4, 11*time.Second)
	upd, err := table.RecordPacket(KeyOf(p4), p4)
	require.NoError(t, err)
	assert.True(t, upd.Created)

	require.Len(t, evicted, 1)
	assert.Equal(t, KeyOf(clientPkt(2, 0)), evicted[0].Key)
	assert.Equal(t, StateExpired, evicted[0].State)
	assert.Equal(t, 3, table.Len())
	assert.Equal(t, 0, records.Free())
	assert.Equal(t, 3, records.InUse())

	_, ok := table.Snapshot(KeyOf(clientPkt(2, 0)))
	assert.False(t, ok)
	_, ok = table.Snapshot(KeyOf(p1))
	assert.True(t, ok)
}

func TestTable_ExpiredKeysDoesNotMutate(t *testing.T) {
	table, _ := newTestTable(t, 8)
	for i := 1; i <= 4; i++ {
		p := clientPkt(i, time.Duration(i)*10*time.Second)
		_, err := table.RecordPacket(KeyOf(p), p)
		require.NoError(t, err)
	}

	now := base.Add(100 * time.Second)
	keys := slices.Collect(table.ExpiredKeys(now, 65*time.Second))
	assert.ElementsMatch(t, []Key{KeyOf(clientPkt(1, 0)), KeyOf(clientPkt(2, 0)), KeyOf(clientPkt(3, 0))}, keys)
	assert.Equal(t, 4, table.Len())

	t.Run("RemoveIf re-checks under lock", func(t *testing.T) {
		k := KeyOf(clientPkt(3, 0))
		// A packet arrives between the scan and the removal.
		fresh := clientPkt(3, 99*time.Second)
		_, err := table.RecordPacket(k, fresh)
		require.NoError(t, err)

		idle := func(v View) bool { return now.Sub(v.LastSeen) > 65*time.Second }
		assert.False(t, table.RemoveIf(k, idle, ReasonIdle))
		assert.True(t, table.RemoveIf(KeyOf(clientPkt(1, 0)), idle, ReasonIdle))
		assert.Equal(t, 3, table.Len())
	})
}

func TestTable_PoisonedEntry(t *testing.T) {
	table, records := newTestTable(t, 4)
	p := clientPkt(1, 0)
	key := KeyOf(p)
	_, err := table.RecordPacket(key, p)
	require.NoError(t, err)

	// Corrupt the record so the next increment breaks the counter invariant.
	e := table.lookup(key)
	e.mu.Lock()
	e.rec.Packets = math.MaxUint64
	e.mu.Unlock()

	_, err = table.RecordPacket(key, clientPkt(1, time.Second))
	require.Error(t, err)
	assert.Equal(t, errors.KindSynchronization, errors.GetKind(err))

	_, err = table.RecordPacket(key, clientPkt(1, 2*time.Second))
	assert.Equal(t, errors.KindSynchronization, errors.GetKind(err))

	_, ok := table.Snapshot(key)
	assert.False(t, ok, "poisoned flows are hidden")
	assert.Equal(t, []Key{key}, table.Poisoned())

	// Other flows are unaffected.
	other := clientPkt(2, 0)
	_, err = table.RecordPacket(KeyOf(other), other)
	assert.NoError(t, err)

	assert.True(t, table.RemoveIf(key, nil, ReasonPoisoned))
	assert.Empty(t, table.Poisoned())
	assert.Equal(t, 3, records.Free())

	_, err = table.RecordPacket(key, clientPkt(1, 3*time.Second))
	assert.NoError(t, err, "a fresh entry replaces the poisoned one")
}

func TestTable_ClaimAndTransition(t *testing.T) {
	table, _ := newTestTable(t, 8)
	p := clientPkt(1, 0)
	key := KeyOf(p)
	_, err := table.RecordPacket(key, p)
	require.NoError(t, err)

	v, ok := table.Claim(key)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v.Packets)

	_, ok = table.Claim(key)
	assert.False(t, ok, "second claim must wait for the first to finish")
	assert.Equal(t, 0, table.ClaimDirty(func(View) {}))

	st, ok := table.Transition(key, EventSuspect)
	require.True(t, ok)
	assert.Equal(t, StateSuspect, st)

	// Not dirty since the claim, nothing to do.
	assert.Equal(t, 0, table.ClaimDirty(func(View) {}))

	_, err = table.RecordPacket(key, clientPkt(1, time.Second))
	require.NoError(t, err)
	var claimed []View
	assert.Equal(t, 1, table.ClaimDirty(func(v View) { claimed = append(claimed, v) }))
	require.Len(t, claimed, 1)
	assert.Equal(t, StateSuspect, claimed[0].State)

	st, _ = table.Transition(key, EventAttack)
	assert.Equal(t, StateConfirmedAttack, st)
	st, _ = table.Transition(key, EventMitigated)
	assert.Equal(t, StateMitigated, st)

	table.Remove(key)
	_, ok = table.Transition(key, EventBenign)
	assert.False(t, ok)
}

func TestTable_DrainReleasesAll(t *testing.T) {
	table, records := newTestTable(t, 32)
	for i := 1; i <= 20; i++ {
		p := clientPkt(i, 0)
		_, err := table.RecordPacket(KeyOf(p), p)
		require.NoError(t, err)
	}
	reasons := map[RemoveReason]int{}
	table.OnRemove(func(_ View, r RemoveReason) { reasons[r]++ })

	assert.Equal(t, 20, table.Drain())
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, 32, records.Free())
	assert.Equal(t, 20, reasons[ReasonDrain])
}

func TestNewTable_ShardRounding(t *testing.T) {
	records, err := pool.New("records", 1, NewRecord, (*Record).Reset)
	require.NoError(t, err)
	table := NewTable(logging.Nop(), records, &Config{Shards: 5})
	assert.Len(t, table.shards, 8)
	assert.Equal(t, uint64(7), table.mask)
}
