// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"net/url"
	"strings"
	"time"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
)

// fieldError builds a configuration error naming the offending field.
func fieldError(field, format string, args ...any) error {
	return errors.Attr(errors.Errorf(errors.KindConfig, format, args...), "field", field)
}

// duration parses a Go duration string. Empty means zero.
func duration(field, s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fieldError(field, "invalid duration %q", s)
	}
	if d < 0 {
		return 0, fieldError(field, "duration %q must not be negative", s)
	}
	return d, nil
}

func seconds(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// Validate checks the whole configuration. It converts every block to its
// component configuration so each component's own checks apply too.
func (c *Config) Validate() error {
	c.fill()

	if _, err := c.ScoringConfig(); err != nil {
		return err
	}
	fc, err := c.FlowConfig()
	if err != nil {
		return err
	}
	if fc.Shards <= 0 {
		return fieldError("flows.shards", "shards must be positive")
	}
	if fc.EvictBatch <= 0 {
		return fieldError("flows.evict_batch", "evict batch must be positive")
	}
	if c.Flows.PoolCapacity <= 0 {
		return fieldError("flows.pool_capacity", "pool capacity must be positive")
	}
	if _, err := c.ExpiryConfig(); err != nil {
		return err
	}
	if _, err := c.DetectorConfig(); err != nil {
		return err
	}
	if _, err := c.AlertingConfig(); err != nil {
		return err
	}

	switch c.Stats.Kernel {
	case "", "auto", "scalar", "vector":
	default:
		return fieldError("stats.kernel", "unknown kernel %q", c.Stats.Kernel)
	}
	if c.Stats.Buffers <= 0 {
		return fieldError("stats.buffers", "buffers must be positive")
	}
	if c.Stats.Chunk <= 0 {
		return fieldError("stats.chunk", "chunk must be positive")
	}

	if err := c.validatePredictor(); err != nil {
		return err
	}
	if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
		return fieldError("logging.level", "unknown log level %q", c.Logging.Level)
	}
	if _, err := duration("api.metrics_interval", c.API.MetricsInterval); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePredictor() error {
	p := c.Predictor
	switch strings.ToLower(p.Type) {
	case "", PredictorNone:
	case PredictorLogistic:
		if p.ModelPath == "" {
			return fieldError("predictor.model_path", "logistic predictor needs a model path")
		}
	case PredictorHTTP:
		u, err := url.Parse(p.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fieldError("predictor.url", "http predictor needs an absolute URL, got %q", p.URL)
		}
	default:
		return fieldError("predictor.type", "unknown predictor type %q", p.Type)
	}
	if p.RateLimit < 0 {
		return fieldError("predictor.rate_limit", "rate limit must not be negative")
	}
	if p.Burst < 0 {
		return fieldError("predictor.burst", "burst must not be negative")
	}
	if p.AddressBuckets < 0 {
		return fieldError("predictor.address_buckets", "address buckets must not be negative")
	}
	return nil
}
