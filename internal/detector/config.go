// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detector

import (
	"strings"
	"time"

	"grimm.is/flowguard/internal/errors"
)

// Overflow selects what Submit does when the ingress queue is full.
type Overflow uint8

const (
	// DropNewest drops the record being submitted.
	DropNewest Overflow = iota
	// DropOldest discards the oldest queued record to make room.
	DropOldest
	// Block waits up to BlockTimeout, then drops.
	Block
)

func (o Overflow) String() string {
	switch o {
	case DropOldest:
		return "drop_oldest"
	case Block:
		return "block"
	default:
		return "drop_newest"
	}
}

// ParseOverflow maps a config name to an Overflow policy.
func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_newest", "drop":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	}
	return DropNewest, errors.Attr(errors.Errorf(errors.KindConfig, "unknown overflow policy %q", s), "field", "ingress.overflow")
}

// Config for the detector pipeline
type Config struct {
	QueueCapacity int           `json:"queue_capacity"`
	Overflow      Overflow      `json:"overflow"`
	BlockTimeout  time.Duration `json:"block_timeout"`
	Workers       int           `json:"workers"`

	ScoreWorkers      int           `json:"score_workers"`
	ScoreQueue        int           `json:"score_queue"`
	BatchSize         int           `json:"batch_size"`
	ScoreEveryPackets uint64        `json:"score_every_packets"`
	ScoreInterval     time.Duration `json:"score_interval"`

	SourceWindow    time.Duration `json:"source_window"`
	SourceThreshold int           `json:"source_threshold"`
	MaxSources      int           `json:"max_sources"`

	RecentVerdicts int `json:"recent_verdicts"`
}

// DefaultConfig returns default pipeline configuration
func DefaultConfig() *Config {
	return &Config{
		QueueCapacity:     65536,
		Overflow:          DropNewest,
		BlockTimeout:      5 * time.Millisecond,
		Workers:           0,
		ScoreWorkers:      4,
		ScoreQueue:        4096,
		BatchSize:         64,
		ScoreEveryPackets: 10,
		ScoreInterval:     time.Second,
		SourceWindow:      60 * time.Second,
		SourceThreshold:   100,
		MaxSources:        65536,
		RecentVerdicts:    256,
	}
}

// Validate checks the pipeline configuration.
func (c *Config) Validate() error {
	check := func(ok bool, field, msg string) error {
		if ok {
			return nil
		}
		return errors.Attr(errors.New(errors.KindConfig, msg), "field", field)
	}
	for _, err := range []error{
		check(c.QueueCapacity > 0, "ingress.queue_capacity", "queue capacity must be positive"),
		check(c.Overflow != Block || c.BlockTimeout > 0, "ingress.block_timeout", "block policy needs a positive timeout"),
		check(c.Workers >= 0, "ingress.workers", "workers must not be negative"),
		check(c.ScoreWorkers > 0, "predictor.workers", "score workers must be positive"),
		check(c.ScoreQueue > 0, "predictor.queue", "score queue must be positive"),
		check(c.BatchSize > 0, "predictor.batch_size", "batch size must be positive"),
		check(c.ScoreInterval > 0, "detection.score_interval", "score interval must be positive"),
		check(c.SourceThreshold >= 0, "alerts.source_threshold", "source threshold must not be negative"),
		check(c.SourceThreshold == 0 || c.SourceWindow > 0, "alerts.source_window", "source window must be positive"),
		check(c.SourceThreshold == 0 || c.MaxSources > 0, "alerts.max_sources", "max sources must be positive"),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}
