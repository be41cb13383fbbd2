// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"fmt"
	"iter"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/packet"
)

// RecordPool supplies fixed-capacity record slots.
type RecordPool interface {
	Checkout() (*Record, error)
	Release(*Record) error
	Free() int
	Cap() int
}

// RemoveReason says why an entry left the table.
type RemoveReason uint8

const (
	ReasonIdle RemoveReason = iota
	ReasonCapacity
	ReasonPoisoned
	ReasonExplicit
	ReasonDrain
)

func (r RemoveReason) String() string {
	switch r {
	case ReasonIdle:
		return "idle"
	case ReasonCapacity:
		return "capacity"
	case ReasonPoisoned:
		return "poisoned"
	case ReasonExplicit:
		return "explicit"
	case ReasonDrain:
		return "drain"
	default:
		return "unknown"
	}
}

// Config for the flow table
type Config struct {
	Shards          int           `json:"shards"`
	EvictBatch      int           `json:"evict_batch"`
	ActiveThreshold time.Duration `json:"active_threshold"`
}

// DefaultConfig returns default flow table configuration
func DefaultConfig() *Config {
	return &Config{
		Shards:          64,
		EvictBatch:      8,
		ActiveThreshold: DefaultActiveThreshold,
	}
}

// Update describes the flow after one packet was applied.
type Update struct {
	Created bool
	Packets uint64
	State   State
}

type entry struct {
	mu    sync.RWMutex
	rec   *Record
	state State
	dead  bool

	poisoned atomic.Bool
	dirty    atomic.Bool
	claimed  atomic.Bool
	lastSeen atomic.Int64 // unix nanos, mirrors rec.LastSeen
}

func (e *entry) view() View {
	return View{
		Key:       e.rec.Key,
		Initiator: e.rec.Initiator,
		State:     e.state,
		Counters:  e.rec.Counters,
	}
}

type shard struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

// Table is the sharded concurrent flow table.
//
// Shard locks guard only the key -> entry maps and are never held while a
// packet is applied. Each entry has its own lock taken by updates, snapshots
// and removal alike. When both are needed the entry lock is taken first.
type Table struct {
	shards  []shard
	mask    uint64
	records RecordPool
	agg     Aggregator
	config  *Config
	logger  *logging.Logger

	live     atomic.Int64
	onRemove func(View, RemoveReason)
}

// NewTable creates a table drawing records from pool.
func NewTable(logger *logging.Logger, records RecordPool, config *Config) *Table {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.WithComponent("flow")
	}

	n := config.Shards
	if n <= 0 {
		n = DefaultConfig().Shards
	}
	// Round up to a power of two so shard selection is a mask.
	n = 1 << bits.Len(uint(n-1))

	t := &Table{
		shards:  make([]shard, n),
		mask:    uint64(n - 1),
		records: records,
		agg:     Aggregator{ActiveThreshold: config.ActiveThreshold},
		config:  config,
		logger:  logger,
	}
	for i := range t.shards {
		t.shards[i].entries = make(map[Key]*entry)
	}
	return t
}

// OnRemove registers a hook called after every removal, outside all locks.
// Must be set before the table is shared.
func (t *Table) OnRemove(fn func(View, RemoveReason)) {
	t.onRemove = fn
}

func (t *Table) shardFor(key Key) *shard {
	return &t.shards[key.Hash()&t.mask]
}

func (t *Table) lookup(key Key) *entry {
	sh := t.shardFor(key)
	sh.mu.RLock()
	e := sh.entries[key]
	sh.mu.RUnlock()
	return e
}

// Len returns the number of live flows.
func (t *Table) Len() int { return int(t.live.Load()) }

// RecordPacket applies p to the flow identified by key, creating it if
// needed. It fails with KindPoolExhausted when no slot can be freed and with
// KindSynchronization when the flow's entry is unusable.
func (t *Table) RecordPacket(key Key, p packet.Record) (Update, error) {
	for attempt := 0; attempt < 3; attempt++ {
		e, created, err := t.getOrCreate(key, p)
		if err != nil {
			return Update{}, err
		}

		upd, retry, err := t.apply(e, key, p, created)
		if retry {
			// Entry was removed between lookup and lock.
			continue
		}
		return upd, err
	}
	return Update{}, errors.Attr(errors.New(errors.KindSynchronization, "flow removed during update"), "flow", key.String())
}

func (t *Table) getOrCreate(key Key, p packet.Record) (*entry, bool, error) {
	if e := t.lookup(key); e != nil {
		return e, false, nil
	}

	rec, err := t.records.Checkout()
	if err != nil {
		if !errors.IsKind(err, errors.KindPoolExhausted) {
			return nil, false, err
		}
		if t.EvictLRU(t.config.EvictBatch) > 0 {
			rec, err = t.records.Checkout()
		}
		if err != nil {
			return nil, false, errors.Attr(errors.Wrap(err, errors.KindPoolExhausted, "create flow"), "flow", key.String())
		}
	}
	rec.Key = key
	rec.Initiator = Endpoint{Addr: p.SrcAddr.Unmap(), Port: p.SrcPort}

	sh := t.shardFor(key)
	sh.mu.Lock()
	if existing := sh.entries[key]; existing != nil {
		sh.mu.Unlock()
		t.release(rec)
		return existing, false, nil
	}
	e := &entry{rec: rec}
	e.lastSeen.Store(p.Timestamp.UnixNano())
	sh.entries[key] = e
	sh.mu.Unlock()

	t.live.Add(1)
	return e, true, nil
}

func (t *Table) apply(e *entry, key Key, p packet.Record, created bool) (Update, bool, error) {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return Update{}, true, nil
	}
	if e.poisoned.Load() {
		e.mu.Unlock()
		return Update{}, false, errors.Attr(errors.New(errors.KindSynchronization, "flow entry poisoned"), "flow", key.String())
	}

	prev := e.rec.Packets
	err := t.safeApply(e.rec, p)
	if err == nil && !e.rec.consistent(prev) {
		err = errors.New(errors.KindSynchronization, "flow counters inconsistent after update")
	}
	if err != nil {
		e.poisoned.Store(true)
		e.mu.Unlock()
		t.logger.Warn("Flow entry poisoned", "flow", key.String(), "error", err)
		return Update{}, false, errors.Attr(err, "flow", key.String())
	}

	e.lastSeen.Store(e.rec.LastSeen.UnixNano())
	e.dirty.Store(true)
	upd := Update{Created: created, Packets: e.rec.Packets, State: e.state}
	e.mu.Unlock()
	return upd, false, nil
}

func (t *Table) safeApply(rec *Record, p packet.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf(errors.KindSynchronization, "update panicked: %v", r)
		}
	}()
	t.agg.Apply(rec, p)
	return nil
}

// Snapshot returns a consistent copy of the flow. Poisoned flows are not
// visible.
func (t *Table) Snapshot(key Key) (View, bool) {
	e := t.lookup(key)
	if e == nil {
		return View{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dead || e.poisoned.Load() {
		return View{}, false
	}
	return e.view(), true
}

// Claim snapshots the flow for scoring if no other claim is outstanding.
// The claim ends with Transition or Unclaim.
func (t *Table) Claim(key Key) (View, bool) {
	e := t.lookup(key)
	if e == nil || !e.claimed.CompareAndSwap(false, true) {
		return View{}, false
	}
	v, ok := t.claimView(e)
	if !ok {
		e.claimed.Store(false)
	}
	return v, ok
}

func (t *Table) claimView(e *entry) (View, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dead || e.poisoned.Load() {
		return View{}, false
	}
	e.dirty.Store(false)
	return e.view(), true
}

// ClaimDirty claims every flow updated since its last claim and passes the
// snapshots to fn. It returns the number claimed.
func (t *Table) ClaimDirty(fn func(View)) int {
	n := 0
	var batch []*entry
	for i := range t.shards {
		sh := &t.shards[i]
		batch = batch[:0]
		sh.mu.RLock()
		for _, e := range sh.entries {
			if e.dirty.Load() && !e.claimed.Load() {
				batch = append(batch, e)
			}
		}
		sh.mu.RUnlock()

		for _, e := range batch {
			if !e.claimed.CompareAndSwap(false, true) {
				continue
			}
			v, ok := t.claimView(e)
			if !ok {
				e.claimed.Store(false)
				continue
			}
			n++
			fn(v)
		}
	}
	return n
}

// Unclaim ends a claim without a state change.
func (t *Table) Unclaim(key Key) {
	if e := t.lookup(key); e != nil {
		e.claimed.Store(false)
	}
}

// Transition applies ev to the flow's lifecycle state and ends any claim.
// It returns false when the flow no longer exists.
func (t *Table) Transition(key Key, ev Event) (State, bool) {
	e := t.lookup(key)
	if e == nil {
		return StateExpired, false
	}
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return StateExpired, false
	}
	from := e.state
	e.state = e.state.Next(ev)
	to := e.state
	e.mu.Unlock()
	e.claimed.Store(false)

	if from != to {
		t.logger.Debug("Flow state changed", "flow", key.String(), "from", from, "to", to, "event", ev)
	}
	return to, true
}

// Remove detaches the flow and returns its record to the pool.
func (t *Table) Remove(key Key) bool {
	return t.RemoveIf(key, nil, ReasonExplicit)
}

// RemoveIf removes the flow only if pred holds for its current snapshot,
// evaluated under the entry lock. A nil pred always holds.
func (t *Table) RemoveIf(key Key, pred func(View) bool, reason RemoveReason) bool {
	e := t.lookup(key)
	if e == nil {
		return false
	}
	return t.removeEntry(e, pred, reason)
}

func (t *Table) removeEntry(e *entry, pred func(View) bool, reason RemoveReason) bool {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return false
	}
	if pred != nil && !pred(e.view()) {
		e.mu.Unlock()
		return false
	}

	e.state = e.state.Next(EventExpired)
	final := e.view()
	e.dead = true
	rec := e.rec
	e.rec = nil

	sh := t.shardFor(final.Key)
	sh.mu.Lock()
	if sh.entries[final.Key] == e {
		delete(sh.entries, final.Key)
	}
	sh.mu.Unlock()
	e.mu.Unlock()

	t.live.Add(-1)
	t.release(rec)

	if t.onRemove != nil {
		t.onRemove(final, reason)
	}
	return true
}

func (t *Table) release(rec *Record) {
	if err := t.records.Release(rec); err != nil {
		t.logger.Error("Failed to release flow record", "error", err)
	}
}

type candidate struct {
	e    *entry
	seen int64
}

// EvictLRU removes up to n of the least recently updated flows and returns
// how many were removed.
func (t *Table) EvictLRU(n int) int {
	if n <= 0 {
		n = 1
	}

	// Keep the n oldest seen so far, ordered newest first so the head is
	// the one to displace.
	oldest := make([]candidate, 0, n)
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		for _, e := range sh.entries {
			c := candidate{e: e, seen: e.lastSeen.Load()}
			if len(oldest) < n {
				oldest = insertCandidate(oldest, c)
			} else if c.seen < oldest[0].seen {
				oldest = insertCandidate(oldest[1:], c)
			}
		}
		sh.mu.RUnlock()
	}

	removed := 0
	for _, c := range oldest {
		if t.removeEntry(c.e, nil, ReasonCapacity) {
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("Evicted flows for capacity", "count", removed, "free", t.records.Free())
	}
	return removed
}

// insertCandidate inserts c keeping the slice sorted by seen descending.
func insertCandidate(s []candidate, c candidate) []candidate {
	i := 0
	for i < len(s) && s[i].seen > c.seen {
		i++
	}
	s = append(s, candidate{})
	copy(s[i+1:], s[i:])
	s[i] = c
	return s
}

// ExpiredKeys yields keys idle for longer than idle at now. It takes only
// shard read locks and never mutates the table; callers removing the yielded
// keys should re-check under the entry lock with RemoveIf.
func (t *Table) ExpiredKeys(now time.Time, idle time.Duration) iter.Seq[Key] {
	cutoff := now.Add(-idle).UnixNano()
	return func(yield func(Key) bool) {
		var batch []Key
		for i := range t.shards {
			sh := &t.shards[i]
			batch = batch[:0]
			sh.mu.RLock()
			for k, e := range sh.entries {
				if e.lastSeen.Load() < cutoff {
					batch = append(batch, k)
				}
			}
			sh.mu.RUnlock()

			for _, k := range batch {
				if !yield(k) {
					return
				}
			}
		}
	}
}

// Poisoned returns the keys of entries marked unusable.
func (t *Table) Poisoned() []Key {
	var keys []Key
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		for k, e := range sh.entries {
			if e.poisoned.Load() {
				keys = append(keys, k)
			}
		}
		sh.mu.RUnlock()
	}
	return keys
}

// Range calls fn with a snapshot of every live flow until fn returns false.
func (t *Table) Range(fn func(View) bool) {
	var batch []*entry
	for i := range t.shards {
		sh := &t.shards[i]
		batch = batch[:0]
		sh.mu.RLock()
		for _, e := range sh.entries {
			batch = append(batch, e)
		}
		sh.mu.RUnlock()

		for _, e := range batch {
			e.mu.RLock()
			if e.dead || e.poisoned.Load() {
				e.mu.RUnlock()
				continue
			}
			v := e.view()
			e.mu.RUnlock()
			if !fn(v) {
				return
			}
		}
	}
}

// Drain removes every flow, returning all slots to the pool.
func (t *Table) Drain() int {
	removed := 0
	var batch []*entry
	for i := range t.shards {
		sh := &t.shards[i]
		batch = batch[:0]
		sh.mu.RLock()
		for _, e := range sh.entries {
			batch = append(batch, e)
		}
		sh.mu.RUnlock()

		for _, e := range batch {
			if t.removeEntry(e, nil, ReasonDrain) {
				removed++
			}
		}
	}
	return removed
}

// Usage reports live flows against pool capacity.
func (t *Table) Usage() (live, capacity int) {
	return t.Len(), t.records.Cap()
}

func (t *Table) String() string {
	live, capacity := t.Usage()
	return fmt.Sprintf("flow.Table{live=%d cap=%d shards=%d}", live, capacity, len(t.shards))
}
