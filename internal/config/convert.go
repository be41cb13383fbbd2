// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"time"

	"grimm.is/flowguard/internal/alerting"
	"grimm.is/flowguard/internal/detector"
	"grimm.is/flowguard/internal/expiry"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/scoring"
	"grimm.is/flowguard/internal/stats"
)

// ScoringConfig returns the scorer thresholds and fallback policy.
func (c *Config) ScoringConfig() (*scoring.Config, error) {
	c.fill()
	floor, err := duration("detection.rate_window_floor", c.Detection.RateWindowFloor)
	if err != nil {
		return nil, err
	}
	timeout, err := duration("predictor.timeout", c.Predictor.Timeout)
	if err != nil {
		return nil, err
	}
	fallback, err := scoring.ParseFallback(c.Predictor.Fallback)
	if err != nil {
		return nil, err
	}
	sc := &scoring.Config{
		PacketRateThreshold:   c.Detection.PacketRateThreshold,
		FlowDurationThreshold: seconds(c.Detection.FlowDurationThresholdSecs),
		AnomalyScoreThreshold: c.Detection.AnomalyScoreThreshold,
		SuspectMargin:         c.Detection.SuspectMargin,
		RateWindowFloor:       floor,
		Fallback:              fallback,
		PredictTimeout:        timeout,
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

// FlowConfig returns the flow table layout.
func (c *Config) FlowConfig() (*flow.Config, error) {
	c.fill()
	active, err := duration("flows.active_threshold", c.Flows.ActiveThreshold)
	if err != nil {
		return nil, err
	}
	return &flow.Config{
		Shards:          c.Flows.Shards,
		EvictBatch:      c.Flows.EvictBatch,
		ActiveThreshold: active,
	}, nil
}

// ExpiryConfig returns the idle reclaimer settings.
func (c *Config) ExpiryConfig() (*expiry.Config, error) {
	c.fill()
	sweep, err := duration("flows.sweep_interval", c.Flows.SweepInterval)
	if err != nil {
		return nil, err
	}
	ec := &expiry.Config{
		IdleTimeout:   seconds(c.Flows.IdleTimeoutSecs),
		SweepInterval: sweep,
	}
	if err := ec.Validate(); err != nil {
		return nil, err
	}
	return ec, nil
}

// StatsConfig returns the feature kernel selection.
func (c *Config) StatsConfig() *stats.Config {
	c.fill()
	return &stats.Config{
		Kernel:  c.Stats.Kernel,
		Buffers: c.Stats.Buffers,
		Chunk:   c.Stats.Chunk,
	}
}

// DetectorConfig returns the pipeline queues, workers and escalation.
func (c *Config) DetectorConfig() (*detector.Config, error) {
	c.fill()
	overflow, err := detector.ParseOverflow(c.Ingress.Overflow)
	if err != nil {
		return nil, err
	}
	blockTimeout, err := duration("ingress.block_timeout", c.Ingress.BlockTimeout)
	if err != nil {
		return nil, err
	}
	scoreInterval, err := duration("detection.score_interval", c.Detection.ScoreInterval)
	if err != nil {
		return nil, err
	}
	sourceWindow, err := duration("alerts.source_window", c.Alerts.SourceWindow)
	if err != nil {
		return nil, err
	}

	dc := &detector.Config{
		QueueCapacity:     c.Ingress.QueueCapacity,
		Overflow:          overflow,
		BlockTimeout:      blockTimeout,
		Workers:           c.Ingress.Workers,
		ScoreWorkers:      c.Predictor.Workers,
		ScoreQueue:        c.Predictor.Queue,
		BatchSize:         c.Predictor.BatchSize,
		ScoreEveryPackets: c.Detection.ScoreEveryPackets,
		ScoreInterval:     scoreInterval,
		SourceWindow:      sourceWindow,
		SourceThreshold:   c.Alerts.SourceThreshold,
		MaxSources:        c.Alerts.MaxSources,
		RecentVerdicts:    detector.DefaultConfig().RecentVerdicts,
	}
	if err := dc.Validate(); err != nil {
		return nil, err
	}
	return dc, nil
}

// AlertingConfig returns the alert engine settings.
func (c *Config) AlertingConfig() (*alerting.Config, error) {
	c.fill()
	minClass, err := scoring.ParseClassification(c.Alerts.MinClassification)
	if err != nil {
		return nil, fieldError("alerts.min_classification", "unknown classification %q", c.Alerts.MinClassification)
	}
	if c.Alerts.Queue <= 0 {
		return nil, fieldError("alerts.queue", "alert queue must be positive")
	}
	for field, src := range map[string]string{
		"alerts.webhook_cooldown":     c.Alerts.WebhookCooldown,
		"alerts.store_flush_interval": c.Alerts.StoreFlushInterval,
		"alerts.store_retention":      c.Alerts.StoreRetention,
	} {
		if _, err := duration(field, src); err != nil {
			return nil, err
		}
	}
	return &alerting.Config{
		Queue:             c.Alerts.Queue,
		MaxHistory:        c.Alerts.MaxHistory,
		MinClassification: minClass,
	}, nil
}

// WebhookCooldown returns the per-source webhook cooldown.
func (c *Config) WebhookCooldown() time.Duration {
	d, _ := duration("alerts.webhook_cooldown", c.Alerts.WebhookCooldown)
	return d
}

// StoreFlushInterval returns how often aggregated verdicts are persisted.
func (c *Config) StoreFlushInterval() time.Duration {
	d, _ := duration("alerts.store_flush_interval", c.Alerts.StoreFlushInterval)
	if d <= 0 {
		d = time.Minute
	}
	return d
}

// StoreRetention returns how long stored verdicts are kept. Zero keeps
// them forever.
func (c *Config) StoreRetention() time.Duration {
	d, _ := duration("alerts.store_retention", c.Alerts.StoreRetention)
	return d
}

// PredictorTimeout returns the per-call predictor bound.
func (c *Config) PredictorTimeout() time.Duration {
	d, _ := duration("predictor.timeout", c.Predictor.Timeout)
	return d
}

// MetricsInterval returns the gauge sampling interval.
func (c *Config) MetricsInterval() time.Duration {
	d, _ := duration("api.metrics_interval", c.API.MetricsInterval)
	if d <= 0 {
		d = 5 * time.Second
	}
	return d
}

// LoggingConfig returns the logger configuration. Output is left to the
// caller.
func (c *Config) LoggingConfig() logging.Config {
	c.fill()
	cfg := logging.DefaultConfig()
	cfg.Level, _ = logging.ParseLevel(c.Logging.Level)
	cfg.JSON = c.Logging.JSON
	return cfg
}
