// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"golang.org/x/sys/cpu"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/logging"
)

// Kernel selection names.
const (
	KernelAuto   = "auto"
	KernelScalar = "scalar"
	KernelVector = "vector"
)

// Config for the statistics engine
type Config struct {
	Kernel  string `json:"kernel"`
	Buffers int    `json:"buffers"`
	Chunk   int    `json:"chunk"`
}

// DefaultConfig returns default engine configuration
func DefaultConfig() *Config {
	return &Config{
		Kernel:  KernelAuto,
		Buffers: 8,
		Chunk:   256,
	}
}

// Engine turns snapshots into feature vectors.
type Engine struct {
	kernel Kernel
	lane   *LaneKernel
	logger *logging.Logger
}

// NewEngine selects a kernel according to config.
func NewEngine(logger *logging.Logger, config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.WithComponent("stats")
	}

	e := &Engine{logger: logger, kernel: ScalarKernel{}}

	useLanes := false
	switch config.Kernel {
	case KernelScalar:
	case KernelVector:
		useLanes = true
	case KernelAuto, "":
		useLanes = wideVectorUnits()
	default:
		return nil, errors.Attr(errors.Errorf(errors.KindConfig, "unknown stats kernel %q", config.Kernel), "field", "stats.kernel")
	}

	if useLanes {
		lane, err := NewLaneKernel(config.Buffers, config.Chunk)
		if err != nil {
			return nil, err
		}
		e.lane = lane
		e.kernel = lane
	}

	logger.Info("Statistics engine ready", "kernel", e.kernel.Name(), "features", int(NumFeatures))
	return e, nil
}

func wideVectorUnits() bool {
	return cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD
}

// KernelName reports the active kernel.
func (e *Engine) KernelName() string { return e.kernel.Name() }

// Fallbacks counts batches that could not get a lane workspace.
func (e *Engine) Fallbacks() uint64 {
	if e.lane == nil {
		return 0
	}
	return e.lane.Fallbacks()
}

// Extract derives one vector on the scalar path.
func (e *Engine) Extract(v flow.View, out *Vector) {
	ScalarKernel{}.Extract([]flow.View{v}, []*Vector{out})
}

// ExtractBatch derives vectors for a batch on the active kernel.
func (e *Engine) ExtractBatch(views []flow.View, out []*Vector) error {
	if len(views) != len(out) {
		return errors.Errorf(errors.KindValidation, "batch size mismatch: %d views, %d vectors", len(views), len(out))
	}
	for i, v := range out {
		if v == nil {
			return errors.Errorf(errors.KindValidation, "nil vector at %d", i)
		}
	}
	e.kernel.Extract(views, out)
	return nil
}
