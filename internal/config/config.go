// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

// Config is the top-level structure for the detector configuration.
// Every block is optional; missing blocks and attributes keep their defaults.
type Config struct {
	Detection *DetectionConfig `hcl:"detection,block" json:"detection,omitempty" yaml:"detection,omitempty"`
	Flows     *FlowsConfig     `hcl:"flows,block" json:"flows,omitempty" yaml:"flows,omitempty"`
	Ingress   *IngressConfig   `hcl:"ingress,block" json:"ingress,omitempty" yaml:"ingress,omitempty"`
	Predictor *PredictorConfig `hcl:"predictor,block" json:"predictor,omitempty" yaml:"predictor,omitempty"`
	Stats     *StatsConfig     `hcl:"stats,block" json:"stats,omitempty" yaml:"stats,omitempty"`
	Alerts    *AlertsConfig    `hcl:"alerts,block" json:"alerts,omitempty" yaml:"alerts,omitempty"`
	Logging   *LoggingConfig   `hcl:"logging,block" json:"logging,omitempty" yaml:"logging,omitempty"`
	API       *APIConfig       `hcl:"api,block" json:"api,omitempty" yaml:"api,omitempty"`
}

// DetectionConfig holds the classification thresholds.
type DetectionConfig struct {
	// Packets per second above which a flow is an attack.
	// @default: 10000
	PacketRateThreshold uint64 `hcl:"packet_rate_threshold,optional" json:"packet_rate_threshold" yaml:"packet_rate_threshold"`
	// Flow age in seconds above which a flow is an attack.
	// @default: 60
	FlowDurationThresholdSecs float64 `hcl:"flow_duration_threshold_secs,optional" json:"flow_duration_threshold_secs" yaml:"flow_duration_threshold_secs"`
	// Model score at or above which a flow is an attack.
	// @default: 0.8
	AnomalyScoreThreshold float64 `hcl:"anomaly_score_threshold,optional" json:"anomaly_score_threshold" yaml:"anomaly_score_threshold"`
	// Scores within this margin below the threshold are suspect.
	// @default: 0.2
	SuspectMargin float64 `hcl:"suspect_margin,optional" json:"suspect_margin" yaml:"suspect_margin"`
	// Minimum duration used as the rate denominator.
	// @default: "1s"
	RateWindowFloor string `hcl:"rate_window_floor,optional" json:"rate_window_floor" yaml:"rate_window_floor"`
	// Score a flow every N packets, in addition to its first packet.
	// @default: 10
	ScoreEveryPackets uint64 `hcl:"score_every_packets,optional" json:"score_every_packets" yaml:"score_every_packets"`
	// Interval of the periodic dirty-flow scoring pass.
	// @default: "1s"
	ScoreInterval string `hcl:"score_interval,optional" json:"score_interval" yaml:"score_interval"`
}

// FlowsConfig sizes the flow table and its expiry.
type FlowsConfig struct {
	// Maximum number of live flows.
	// @default: 100000
	PoolCapacity int `hcl:"pool_capacity,optional" json:"pool_capacity" yaml:"pool_capacity"`
	// @default: 60
	IdleTimeoutSecs float64 `hcl:"idle_timeout_secs,optional" json:"idle_timeout_secs" yaml:"idle_timeout_secs"`
	// @default: "1s"
	SweepInterval string `hcl:"sweep_interval,optional" json:"sweep_interval" yaml:"sweep_interval"`
	// Rounded up to a power of two.
	// @default: 64
	Shards int `hcl:"shards,optional" json:"shards" yaml:"shards"`
	// LRU candidates examined per shard when the pool is full.
	// @default: 8
	EvictBatch int `hcl:"evict_batch,optional" json:"evict_batch" yaml:"evict_batch"`
	// Idle gaps longer than this split active and idle periods.
	// @default: "1s"
	ActiveThreshold string `hcl:"active_threshold,optional" json:"active_threshold" yaml:"active_threshold"`
}

// IngressConfig controls the packet queue.
type IngressConfig struct {
	// @default: 65536
	QueueCapacity int `hcl:"queue_capacity,optional" json:"queue_capacity" yaml:"queue_capacity"`
	// @enum: drop_newest, drop_oldest, block
	// @default: "drop_newest"
	Overflow string `hcl:"overflow,optional" json:"overflow" yaml:"overflow"`
	// @default: "5ms"
	BlockTimeout string `hcl:"block_timeout,optional" json:"block_timeout" yaml:"block_timeout"`
	// Packet workers; 0 means GOMAXPROCS.
	// @default: 0
	Workers int `hcl:"workers,optional" json:"workers" yaml:"workers"`
}

// Predictor types.
const (
	PredictorNone     = "none"
	PredictorLogistic = "logistic"
	PredictorHTTP     = "http"
)

// PredictorConfig selects and bounds the anomaly model.
type PredictorConfig struct {
	// @enum: none, logistic, http
	// @default: "none"
	Type string `hcl:"type,optional" json:"type" yaml:"type"`
	// Endpoint for the http predictor.
	URL string `hcl:"url,optional" json:"url,omitempty" yaml:"url,omitempty"`
	// JSON or YAML weights for the logistic predictor.
	ModelPath string `hcl:"model_path,optional" json:"model_path,omitempty" yaml:"model_path,omitempty"`
	// @default: "50ms"
	Timeout string `hcl:"timeout,optional" json:"timeout" yaml:"timeout"`
	// @enum: fail_open, fail_closed
	// @default: "fail_open"
	Fallback string `hcl:"fallback,optional" json:"fallback" yaml:"fallback"`
	// @default: 4
	Workers int `hcl:"workers,optional" json:"workers" yaml:"workers"`
	// @default: 4096
	Queue int `hcl:"queue,optional" json:"queue" yaml:"queue"`
	// @default: 64
	BatchSize int `hcl:"batch_size,optional" json:"batch_size" yaml:"batch_size"`
	// Predictor calls per second; 0 disables limiting.
	// @default: 0
	RateLimit float64 `hcl:"rate_limit,optional" json:"rate_limit" yaml:"rate_limit"`
	// @default: 0
	Burst int `hcl:"burst,optional" json:"burst" yaml:"burst"`
	// @default: 65536
	AddressBuckets int `hcl:"address_buckets,optional" json:"address_buckets" yaml:"address_buckets"`
	// Extra headers for the http predictor.
	Headers map[string]string `hcl:"headers,optional" json:"headers,omitempty" yaml:"headers,omitempty"`
}

// StatsConfig selects the feature kernel.
type StatsConfig struct {
	// @enum: auto, scalar, vector
	// @default: "auto"
	Kernel string `hcl:"kernel,optional" json:"kernel" yaml:"kernel"`
	// @default: 8
	Buffers int `hcl:"buffers,optional" json:"buffers" yaml:"buffers"`
	// @default: 256
	Chunk int `hcl:"chunk,optional" json:"chunk" yaml:"chunk"`
}

// AlertsConfig configures the alert engine, its channels and per-source
// escalation.
type AlertsConfig struct {
	// @default: 1024
	Queue int `hcl:"queue,optional" json:"queue" yaml:"queue"`
	// @default: 1000
	MaxHistory int `hcl:"max_history,optional" json:"max_history" yaml:"max_history"`
	// SQLite verdict store. Empty disables it.
	StorePath string `hcl:"store_path,optional" json:"store_path,omitempty" yaml:"store_path,omitempty"`
	// @default: "1m"
	StoreFlushInterval string `hcl:"store_flush_interval,optional" json:"store_flush_interval" yaml:"store_flush_interval"`
	// @default: "168h"
	StoreRetention string            `hcl:"store_retention,optional" json:"store_retention" yaml:"store_retention"`
	WebhookURL     string            `hcl:"webhook_url,optional" json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`
	WebhookHeaders map[string]string `hcl:"webhook_headers,optional" json:"webhook_headers,omitempty" yaml:"webhook_headers,omitempty"`
	// @default: "30s"
	WebhookCooldown string `hcl:"webhook_cooldown,optional" json:"webhook_cooldown" yaml:"webhook_cooldown"`
	CSVPath         string `hcl:"csv_path,optional" json:"csv_path,omitempty" yaml:"csv_path,omitempty"`
	// MaxMind country database for enrichment.
	GeoIPDB string `hcl:"geoip_db,optional" json:"geoip_db,omitempty" yaml:"geoip_db,omitempty"`
	// @enum: benign, suspect, attack
	// @default: "suspect"
	MinClassification string `hcl:"min_classification,optional" json:"min_classification" yaml:"min_classification"`
	// @default: "60s"
	SourceWindow string `hcl:"source_window,optional" json:"source_window" yaml:"source_window"`
	// Attack verdicts per source per window before escalation; 0 disables.
	// @default: 100
	SourceThreshold int `hcl:"source_threshold,optional" json:"source_threshold" yaml:"source_threshold"`
	// @default: 65536
	MaxSources int `hcl:"max_sources,optional" json:"max_sources" yaml:"max_sources"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	// @enum: debug, info, warn, error
	// @default: "info"
	Level string `hcl:"level,optional" json:"level" yaml:"level"`
	// @default: false
	JSON bool `hcl:"json,optional" json:"json" yaml:"json"`
}

// APIConfig for the admin HTTP server.
type APIConfig struct {
	// Listen address, e.g. "127.0.0.1:9090". Empty disables the API.
	Listen string `hcl:"listen,optional" json:"listen,omitempty" yaml:"listen,omitempty"`
	// @default: "5s"
	MetricsInterval string `hcl:"metrics_interval,optional" json:"metrics_interval" yaml:"metrics_interval"`
}

// DefaultConfig returns a configuration with every block populated.
func DefaultConfig() *Config {
	return &Config{
		Detection: &DetectionConfig{
			PacketRateThreshold:       10000,
			FlowDurationThresholdSecs: 60,
			AnomalyScoreThreshold:     0.8,
			SuspectMargin:             0.2,
			RateWindowFloor:           "1s",
			ScoreEveryPackets:         10,
			ScoreInterval:             "1s",
		},
		Flows: &FlowsConfig{
			PoolCapacity:    100000,
			IdleTimeoutSecs: 60,
			SweepInterval:   "1s",
			Shards:          64,
			EvictBatch:      8,
			ActiveThreshold: "1s",
		},
		Ingress: &IngressConfig{
			QueueCapacity: 65536,
			Overflow:      "drop_newest",
			BlockTimeout:  "5ms",
		},
		Predictor: &PredictorConfig{
			Type:           PredictorNone,
			Timeout:        "50ms",
			Fallback:       "fail_open",
			Workers:        4,
			Queue:          4096,
			BatchSize:      64,
			AddressBuckets: 65536,
		},
		Stats: &StatsConfig{
			Kernel:  "auto",
			Buffers: 8,
			Chunk:   256,
		},
		Alerts: &AlertsConfig{
			Queue:              1024,
			MaxHistory:         1000,
			StoreFlushInterval: "1m",
			StoreRetention:     "168h",
			WebhookCooldown:    "30s",
			MinClassification:  "suspect",
			SourceWindow:       "60s",
			SourceThreshold:    100,
			MaxSources:         65536,
		},
		Logging: &LoggingConfig{Level: "info"},
		API:     &APIConfig{MetricsInterval: "5s"},
	}
}

// fill replaces blocks left nil by a decoder with their defaults.
func (c *Config) fill() {
	d := DefaultConfig()
	if c.Detection == nil {
		c.Detection = d.Detection
	}
	if c.Flows == nil {
		c.Flows = d.Flows
	}
	if c.Ingress == nil {
		c.Ingress = d.Ingress
	}
	if c.Predictor == nil {
		c.Predictor = d.Predictor
	}
	if c.Stats == nil {
		c.Stats = d.Stats
	}
	if c.Alerts == nil {
		c.Alerts = d.Alerts
	}
	if c.Logging == nil {
		c.Logging = d.Logging
	}
	if c.API == nil {
		c.API = d.API
	}
}
