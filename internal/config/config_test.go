// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/detector"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/scoring"
)

const sampleHCL = `
detection {
  packet_rate_threshold = 5000
  suspect_margin        = 0
}

flows {
  pool_capacity  = 2048
  sweep_interval = "250ms"
}

ingress { overflow = "block" }

predictor {
  type    = "http"
  url     = env("FLOWGUARD_TEST_PREDICTOR", "http://127.0.0.1:9/score")
  headers = { Authorization = "Bearer x" }
}

alerts {
  webhook_url        = env("FLOWGUARD_TEST_WEBHOOK")
  min_classification = "attack"
}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadHCL(t *testing.T) {
	t.Setenv("FLOWGUARD_TEST_WEBHOOK", "http://hooks.example/alert")

	cfg, err := LoadFile(writeFile(t, "flowguard.hcl", sampleHCL))
	require.NoError(t, err)

	assert.Equal(t, uint64(5000), cfg.Detection.PacketRateThreshold)
	assert.Equal(t, 0.8, cfg.Detection.AnomalyScoreThreshold, "unset attributes keep defaults")
	assert.Equal(t, 2048, cfg.Flows.PoolCapacity)
	assert.Equal(t, "http://127.0.0.1:9/score", cfg.Predictor.URL, "env fallback")
	assert.Equal(t, "Bearer x", cfg.Predictor.Headers["Authorization"])
	assert.Equal(t, "http://hooks.example/alert", cfg.Alerts.WebhookURL)
	assert.Equal(t, "info", cfg.Logging.Level, "missing blocks keep defaults")

	sc, err := cfg.ScoringConfig()
	require.NoError(t, err)
	assert.Zero(t, sc.SuspectMargin)
	assert.Equal(t, 60*time.Second, sc.FlowDurationThreshold)
	assert.Equal(t, 50*time.Millisecond, sc.PredictTimeout)
	assert.Equal(t, scoring.FailOpen, sc.Fallback)

	ec, err := cfg.ExpiryConfig()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, ec.SweepInterval)
	assert.Equal(t, 60*time.Second, ec.IdleTimeout)

	dc, err := cfg.DetectorConfig()
	require.NoError(t, err)
	assert.Equal(t, detector.Block, dc.Overflow)
	assert.Equal(t, 5*time.Millisecond, dc.BlockTimeout)
	assert.Equal(t, 100, dc.SourceThreshold)

	ac, err := cfg.AlertingConfig()
	require.NoError(t, err)
	assert.Equal(t, scoring.Attack, ac.MinClassification)
	assert.Equal(t, 30*time.Second, cfg.WebhookCooldown())
}

func TestLoadHCL_Errors(t *testing.T) {
	_, err := LoadHCL([]byte("detection {\n  packet_rate = 1\n}\n"), "bad.hcl")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
	assert.Equal(t, "detection", errors.GetAttributes(err)["block"])

	_, err = LoadHCL([]byte("firewall {}\n"), "bad.hcl")
	assert.True(t, errors.IsKind(err, errors.KindConfig), "unknown block")

	_, err = LoadHCL([]byte("detection {"), "bad.hcl")
	assert.True(t, errors.IsKind(err, errors.KindConfig), "syntax error")
}

func TestLoadJSON(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "flowguard.json", `{
		"detection": {"packet_rate_threshold": 42},
		"logging": {"level": "debug", "json": true}
	}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cfg.Detection.PacketRateThreshold)
	assert.Equal(t, 0.2, cfg.Detection.SuspectMargin)
	assert.Equal(t, 100000, cfg.Flows.PoolCapacity)

	lc := cfg.LoggingConfig()
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.True(t, lc.JSON)

	_, err = LoadJSON([]byte(`{"detection": {"rate": 1}}`))
	assert.True(t, errors.IsKind(err, errors.KindConfig), "unknown fields are rejected")
}

func TestLoadYAML(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "flowguard.yaml", `
predictor:
  type: logistic
  model_path: /etc/flowguard/model.yaml
  fallback: fail_closed
stats:
  kernel: scalar
`))
	require.NoError(t, err)
	assert.Equal(t, PredictorLogistic, cfg.Predictor.Type)
	assert.Equal(t, 4, cfg.Predictor.Workers)
	assert.Equal(t, "scalar", cfg.StatsConfig().Kernel)
	assert.Equal(t, 8, cfg.StatsConfig().Buffers)

	sc, err := cfg.ScoringConfig()
	require.NoError(t, err)
	assert.Equal(t, scoring.FailClosed, sc.Fallback)

	empty, err := LoadYAML(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), empty)

	_, err = LoadYAML([]byte("stats:\n  lanes: 4\n"))
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

func TestLoadFile_UnknownExtension(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "flowguard.conf", `{"flows": {"pool_capacity": 10}}`))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Flows.PoolCapacity)

	cfg, err = LoadFile(writeFile(t, "flowguard.conf", "flows {\n  pool_capacity = 11\n}\n"))
	require.NoError(t, err)
	assert.Equal(t, 11, cfg.Flows.PoolCapacity)

	_, err = LoadFile(writeFile(t, "flowguard.conf", "not a config"))
	assert.True(t, errors.IsKind(err, errors.KindConfig))

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(*Config){
		"detection.packet_rate_threshold": func(c *Config) { c.Detection.PacketRateThreshold = 0 },
		"detection.rate_window_floor":     func(c *Config) { c.Detection.RateWindowFloor = "soon" },
		"flows.pool_capacity":             func(c *Config) { c.Flows.PoolCapacity = 0 },
		"flows.sweep_interval":            func(c *Config) { c.Flows.SweepInterval = "-1s" },
		"flows.idle_timeout_secs":         func(c *Config) { c.Flows.IdleTimeoutSecs = 0 },
		"ingress.overflow":                func(c *Config) { c.Ingress.Overflow = "spill" },
		"ingress.queue_capacity":          func(c *Config) { c.Ingress.QueueCapacity = 0 },
		"predictor.type":                  func(c *Config) { c.Predictor.Type = "svm" },
		"predictor.url":                   func(c *Config) { c.Predictor.Type = "http" },
		"predictor.model_path":            func(c *Config) { c.Predictor.Type = "logistic" },
		"predictor.fallback":              func(c *Config) { c.Predictor.Fallback = "maybe" },
		"stats.kernel":                    func(c *Config) { c.Stats.Kernel = "gpu" },
		"alerts.min_classification":       func(c *Config) { c.Alerts.MinClassification = "evil" },
		"alerts.queue":                    func(c *Config) { c.Alerts.Queue = 0 },
		"logging.level":                   func(c *Config) { c.Logging.Level = "loud" },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindConfig))
			assert.Equal(t, field, errors.GetAttributes(err)["field"])
		})
	}
}

func TestValidate_FillsMissingBlocks(t *testing.T) {
	cfg := &Config{Flows: &FlowsConfig{PoolCapacity: 5, IdleTimeoutSecs: 1, SweepInterval: "1s", Shards: 1, EvictBatch: 1}}
	require.NoError(t, cfg.Validate())
	assert.NotNil(t, cfg.Detection)
	assert.Equal(t, 5, cfg.Flows.PoolCapacity)
}
