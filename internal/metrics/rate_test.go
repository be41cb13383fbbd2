// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/logging"
)

// testCollector creates a collector for testing.
func testCollector(source Source, clk clock.Clock) *Collector {
	return NewCollector(logging.Nop(), New(), source, time.Second, clk)
}

func TestCalculateRate(t *testing.T) {
	c := testCollector(SourceFunc(func() Sample { return Sample{} }), nil)

	tests := []struct {
		name              string
		current, previous uint64
		elapsed           float64
		want              float64
	}{
		{"normal", 1000, 500, 1.0, 500},
		{"reset uses current as delta", 100, 1000, 1.0, 100},
		{"zero elapsed", 1000, 500, 0, 0},
		{"negative elapsed", 1000, 500, -1, 0},
		{"half second", 1500, 1000, 0.5, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.calculateRate(tt.current, tt.previous, tt.elapsed))
		})
	}
}

func TestCollector_UpdatesGauges(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	sample := Sample{Packets: 1000, ActiveFlows: 12, PoolFree: 88, PoolCapacity: 100, Queues: map[string]int{"ingress": 3, "score": 1}}
	c := testCollector(SourceFunc(func() Sample { return sample }), clk)

	first := c.Collect()
	assert.Equal(t, 0.0, first.PacketRate)
	assert.Equal(t, 12.0, testutil.ToFloat64(c.metrics.ActiveFlows))
	assert.Equal(t, 88.0, testutil.ToFloat64(c.metrics.PoolFree))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.metrics.QueueDepth.WithLabelValues("ingress")))

	sample.Packets = 3000
	clk.Advance(2 * time.Second)
	second := c.Collect()
	assert.Equal(t, 1000.0, second.PacketRate)
	assert.Equal(t, 1000.0, testutil.ToFloat64(c.metrics.PacketRate))
	assert.Equal(t, second, c.Status())
}

func TestCollector_Run(t *testing.T) {
	calls := make(chan struct{}, 8)
	c := testCollector(SourceFunc(func() Sample {
		select {
		case calls <- struct{}{}:
		default:
		}
		return Sample{ActiveFlows: 1}
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("collector never sampled")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestMetrics_Register(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	assert.Error(t, m.Register(reg), "double registration")

	m.Packets.Add(5)
	m.Drops.WithLabelValues(DropQueueFull).Inc()
	m.Verdicts.WithLabelValues("attack", "rate_exceeded").Inc()
	m.PredictLatency.Observe(0.002)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.Packets))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Drops.WithLabelValues(DropQueueFull)))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["flowguard_packets_total"])
	assert.True(t, names["flowguard_verdicts_total"])
	assert.True(t, names["flowguard_predict_seconds"])
}
