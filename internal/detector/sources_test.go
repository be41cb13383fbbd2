// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detector

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSourceTracker_Window(t *testing.T) {
	tr := newSourceTracker(10*time.Second, 3, 16)
	a := netip.MustParseAddr("198.51.100.1")

	_, fired := tr.observe(a, t0)
	assert.False(t, fired)
	_, fired = tr.observe(a, t0.Add(time.Second))
	assert.False(t, fired)
	n, fired := tr.observe(a, t0.Add(2*time.Second))
	assert.True(t, fired)
	assert.Equal(t, 3, n)

	_, fired = tr.observe(a, t0.Add(3*time.Second))
	assert.False(t, fired, "already escalated in this window")

	// Old hits slide out; only the new ones count.
	n, fired = tr.observe(a, t0.Add(30*time.Second))
	assert.False(t, fired)
	assert.Equal(t, 1, n)
	tr.observe(a, t0.Add(31*time.Second))
	_, fired = tr.observe(a, t0.Add(32*time.Second))
	assert.True(t, fired, "escalates again once the window has passed")
}

func TestSourceTracker_Bounded(t *testing.T) {
	tr := newSourceTracker(10*time.Second, 2, 2)
	a := netip.MustParseAddr("198.51.100.1")
	b := netip.MustParseAddr("198.51.100.2")
	c := netip.MustParseAddr("198.51.100.3")

	tr.observe(a, t0)
	tr.observe(b, t0)
	n, _ := tr.observe(c, t0.Add(time.Second))
	assert.Zero(t, n, "table is full of live sources")
	assert.Equal(t, 2, tr.len())

	n, _ = tr.observe(c, t0.Add(20*time.Second))
	assert.Equal(t, 1, n, "stale sources are pruned to make room")
	assert.Equal(t, 1, tr.len())
}

func TestSourceTracker_Disabled(t *testing.T) {
	var tr *sourceTracker
	_, fired := tr.observe(netip.MustParseAddr("198.51.100.1"), t0)
	assert.False(t, fired)
	assert.Zero(t, tr.len())

	tr = newSourceTracker(time.Second, 1, 4)
	_, fired = tr.observe(netip.Addr{}, t0)
	assert.False(t, fired)
}
