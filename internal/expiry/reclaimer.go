// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package expiry removes idle and poisoned flows from the flow table.
package expiry

import (
	"context"
	"sync/atomic"
	"time"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/logging"
)

// Config for the reclaimer
type Config struct {
	IdleTimeout   time.Duration `json:"idle_timeout"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

// DefaultConfig returns default reclaimer configuration
func DefaultConfig() *Config {
	return &Config{
		IdleTimeout:   60 * time.Second,
		SweepInterval: time.Second,
	}
}

// Validate checks the reclaimer configuration.
func (c *Config) Validate() error {
	if c.IdleTimeout <= 0 {
		return errors.Attr(errors.New(errors.KindConfig, "idle timeout must be positive"), "field", "flows.idle_timeout_secs")
	}
	if c.SweepInterval <= 0 {
		return errors.Attr(errors.New(errors.KindConfig, "sweep interval must be positive"), "field", "flows.sweep_interval")
	}
	return nil
}

// Result summarizes one sweep.
type Result struct {
	Expired  int
	Poisoned int
	Elapsed  time.Duration
}

// Reclaimer periodically sweeps a flow table. Removal goes through the
// table's per-entry locks, so a sweep never races a packet update: a flow
// refreshed between listing and removal is skipped.
type Reclaimer struct {
	table  *flow.Table
	config *Config
	clock  clock.Clock
	logger *logging.Logger

	sweeps  atomic.Uint64
	expired atomic.Uint64
	onSweep func(Result)
}

// NewReclaimer creates a reclaimer for table.
func NewReclaimer(logger *logging.Logger, table *flow.Table, config *Config, clk clock.Clock) (*Reclaimer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.WithComponent("expiry")
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Reclaimer{table: table, config: config, clock: clk, logger: logger}, nil
}

// OnSweep registers a callback run after each sweep. Set before Run.
func (r *Reclaimer) OnSweep(fn func(Result)) { r.onSweep = fn }

// Sweeps returns the number of completed sweeps.
func (r *Reclaimer) Sweeps() uint64 { return r.sweeps.Load() }

// Expired returns the number of flows removed for idleness.
func (r *Reclaimer) Expired() uint64 { return r.expired.Load() }

// Run sweeps every SweepInterval until ctx is done.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	r.logger.Info("Reclaimer started", "idle_timeout", r.config.IdleTimeout, "interval", r.config.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reclaimer stopped", "sweeps", r.sweeps.Load(), "expired", r.expired.Load())
			return nil
		case <-ticker.C:
			r.Sweep(r.clock.Now())
		}
	}
}

// Sweep removes poisoned flows, then flows idle at now. It is safe to call
// concurrently with packet updates.
func (r *Reclaimer) Sweep(now time.Time) Result {
	start := time.Now()
	var res Result

	for _, key := range r.table.Poisoned() {
		if r.table.RemoveIf(key, nil, flow.ReasonPoisoned) {
			res.Poisoned++
		}
	}

	idle := r.config.IdleTimeout
	stillIdle := func(v flow.View) bool { return now.Sub(v.LastSeen) > idle }

	var keys []flow.Key
	for key := range r.table.ExpiredKeys(now, idle) {
		keys = append(keys, key)
	}
	for _, key := range keys {
		if r.table.RemoveIf(key, stillIdle, flow.ReasonIdle) {
			res.Expired++
		}
	}

	res.Elapsed = time.Since(start)
	r.sweeps.Add(1)
	r.expired.Add(uint64(res.Expired))

	if res.Expired > 0 || res.Poisoned > 0 {
		r.logger.Debug("Sweep complete", "expired", res.Expired, "poisoned", res.Poisoned, "live", r.table.Len(), "elapsed", res.Elapsed)
	}
	if r.onSweep != nil {
		r.onSweep(res)
	}
	return res
}
