// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons.
const (
	DropQueueFull       = "queue_full"
	DropQueueTimeout    = "block_timeout"
	DropQueueOldest     = "displaced"
	DropPoolExhausted   = "pool_exhausted"
	DropSynchronization = "synchronization"
	DropInvalid         = "invalid"
	DropStopped         = "stopped"
	DropScoreQueue      = "score_queue_full"
)

// Metrics holds all detector Prometheus metrics
type Metrics struct {
	Packets       prometheus.Counter
	Bytes         prometheus.Counter
	Drops         *prometheus.CounterVec
	FlowsCreated  prometheus.Counter
	FlowsRemoved  *prometheus.CounterVec
	PoolExhausted prometheus.Counter
	SyncErrors    prometheus.Counter
	ModelErrors   prometheus.Counter
	Verdicts      *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	Alerts        *prometheus.CounterVec

	ActiveFlows     prometheus.Gauge
	PoolFree        prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec
	PacketRate      prometheus.Gauge
	KernelFallbacks prometheus.Gauge

	PredictLatency prometheus.Histogram
	SweepDuration  prometheus.Histogram
}

// New creates the detector metrics. Nothing is registered until Register.
func New() *Metrics {
	return &Metrics{
		Packets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_packets_total",
			Help: "Total number of packets applied to the flow table",
		}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_bytes_total",
			Help: "Total number of bytes applied to the flow table",
		}),
		Drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_drops_total",
			Help: "Packets or jobs dropped, by reason",
		}, []string{"reason"}),
		FlowsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_flows_created_total",
			Help: "Total number of flows created",
		}),
		FlowsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_flows_removed_total",
			Help: "Total number of flows removed, by reason",
		}, []string{"reason"}),
		PoolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_pool_exhausted_total",
			Help: "Flow creations refused because no pool slot could be freed",
		}),
		SyncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_synchronization_errors_total",
			Help: "Flow updates that failed an invariant and poisoned the flow",
		}),
		ModelErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_model_errors_total",
			Help: "Predictor calls that failed or timed out",
		}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_verdicts_total",
			Help: "Verdicts produced, by classification and reason",
		}, []string{"classification", "reason"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_state_transitions_total",
			Help: "Flow lifecycle transitions, by resulting state",
		}, []string{"state"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_alerts_total",
			Help: "Alerts handled by the alert engine, by outcome",
		}, []string{"outcome"}),

		ActiveFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowguard_active_flows",
			Help: "Number of live flows in the table",
		}),
		PoolFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowguard_pool_free_slots",
			Help: "Number of free flow record slots",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowguard_queue_depth",
			Help: "Items waiting in an internal queue",
		}, []string{"queue"}),
		PacketRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowguard_packet_rate",
			Help: "Packets per second over the last collection interval",
		}),
		KernelFallbacks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowguard_stats_kernel_fallbacks",
			Help: "Feature batches that ran on the scalar kernel for lack of a workspace",
		}),

		PredictLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowguard_predict_seconds",
			Help:    "Scoring latency per flow, including the predictor call",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowguard_sweep_seconds",
			Help:    "Duration of idle expiry sweeps",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Packets, m.Bytes, m.Drops, m.FlowsCreated, m.FlowsRemoved,
		m.PoolExhausted, m.SyncErrors, m.ModelErrors, m.Verdicts, m.Transitions, m.Alerts,
		m.ActiveFlows, m.PoolFree, m.QueueDepth, m.PacketRate, m.KernelFallbacks,
		m.PredictLatency, m.SweepDuration,
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// Register adds the metrics to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}
