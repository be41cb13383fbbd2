// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detector

import (
	"net/netip"
	"sync"
	"time"
)

// sourceTracker counts attack verdicts per initiator address over a sliding
// window. Memory is bounded by maxSources*threshold timestamps.
type sourceTracker struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	max       int
	sources   map[netip.Addr]*sourceHits
}

type sourceHits struct {
	hits      []time.Time
	lastAlert time.Time
}

func newSourceTracker(window time.Duration, threshold, max int) *sourceTracker {
	return &sourceTracker{
		window:    window,
		threshold: threshold,
		max:       max,
		sources:   make(map[netip.Addr]*sourceHits),
	}
}

// observe records an attack from addr at and reports whether the source
// just crossed the threshold. It fires at most once per window per source.
func (t *sourceTracker) observe(addr netip.Addr, at time.Time) (int, bool) {
	if t == nil || t.threshold <= 0 || !addr.IsValid() {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sources[addr]
	if s == nil {
		if len(t.sources) >= t.max {
			t.prune(at)
			if len(t.sources) >= t.max {
				return 0, false
			}
		}
		s = &sourceHits{hits: make([]time.Time, 0, min(t.threshold, 16))}
		t.sources[addr] = s
	}

	cutoff := at.Add(-t.window)
	kept := s.hits[:0]
	for _, h := range s.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	s.hits = append(kept, at)
	if len(s.hits) > t.threshold {
		s.hits = s.hits[len(s.hits)-t.threshold:]
	}

	n := len(s.hits)
	if n >= t.threshold && (s.lastAlert.IsZero() || at.Sub(s.lastAlert) >= t.window) {
		s.lastAlert = at
		return n, true
	}
	return n, false
}

// prune drops sources with no hit inside the window.
func (t *sourceTracker) prune(at time.Time) {
	cutoff := at.Add(-t.window)
	for addr, s := range t.sources {
		if len(s.hits) == 0 || !s.hits[len(s.hits)-1].After(cutoff) {
			delete(t.sources, addr)
		}
	}
}

func (t *sourceTracker) len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sources)
}
