// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"math"
	"sync/atomic"

	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/pool"
)

// lanes is the block width of the lane kernel.
const lanes = 4

// Kernel derives feature vectors from snapshots. out[i] receives views[i].
type Kernel interface {
	Name() string
	Extract(views []flow.View, out []*Vector)
}

func fill(dst *Vector, v *flow.View) {
	dst.key = v.Key
	dst.src = v.Initiator
	dst.dst = v.Responder()
	dst.at = v.LastSeen
}

// ScalarKernel evaluates the feature program one snapshot at a time. It is
// the reference every other kernel must match.
type ScalarKernel struct{}

func (ScalarKernel) Name() string { return "scalar" }

func (ScalarKernel) Extract(views []flow.View, out []*Vector) {
	var in [numInputs]float64
	for i := range views {
		gather(&views[i], &in)
		dst := out[i]
		fill(dst, &views[i])
		for f, o := range program {
			dst.values[f] = eval(o.kind, in[o.a], in[o.b])
		}
	}
}

// columns is a structure-of-arrays workspace for one chunk.
type columns struct {
	in  [numInputs][]float64
	out [NumFeatures][]float64
}

func newColumns(chunk int) func() *columns {
	return func() *columns {
		c := &columns{}
		backing := make([]float64, (numInputs+int(NumFeatures))*chunk)
		for i := range c.in {
			c.in[i], backing = backing[:chunk:chunk], backing[chunk:]
		}
		for i := range c.out {
			c.out[i], backing = backing[:chunk:chunk], backing[chunk:]
		}
		return c
	}
}

// LaneKernel transposes a batch into columns and evaluates each operation
// over four lanes per step, finishing with a scalar remainder loop. Column
// workspaces come from a fixed pool; when none is free the batch runs on the
// scalar kernel instead of waiting.
type LaneKernel struct {
	buffers   *pool.Pool[*columns]
	chunk     int
	fallbacks atomic.Uint64
}

// NewLaneKernel preallocates buffers workspaces of chunk rows each.
func NewLaneKernel(buffers, chunk int) (*LaneKernel, error) {
	if chunk < lanes {
		chunk = lanes
	}
	p, err := pool.New("columns", buffers, newColumns(chunk), nil)
	if err != nil {
		return nil, err
	}
	return &LaneKernel{buffers: p, chunk: chunk}, nil
}

func (k *LaneKernel) Name() string { return "vector" }

// Fallbacks counts batches that ran on the scalar kernel for lack of a
// workspace.
func (k *LaneKernel) Fallbacks() uint64 { return k.fallbacks.Load() }

func (k *LaneKernel) Extract(views []flow.View, out []*Vector) {
	if len(views) == 0 {
		return
	}
	cols, err := k.buffers.Checkout()
	if err != nil {
		k.fallbacks.Add(1)
		ScalarKernel{}.Extract(views, out)
		return
	}
	defer func() { _ = k.buffers.Release(cols) }()

	var row [numInputs]float64
	for start := 0; start < len(views); start += k.chunk {
		n := min(k.chunk, len(views)-start)

		for i := 0; i < n; i++ {
			gather(&views[start+i], &row)
			for j := range row {
				cols.in[j][i] = row[j]
			}
		}

		for f, o := range program {
			applyLanes(o.kind, cols.out[f][:n], cols.in[o.a][:n], cols.in[o.b][:n])
		}

		for i := 0; i < n; i++ {
			dst := out[start+i]
			fill(dst, &views[start+i])
			for f := range program {
				dst.values[f] = cols.out[f][i]
			}
		}
	}
}

func applyLanes(k opKind, dst, a, b []float64) {
	switch k {
	case opCopy:
		copy(dst, a)
	case opDiv:
		divLanes(dst, a, b, 0)
	case opDivOr:
		divOrLanes(dst, a, b)
	case opRateFloor:
		rateFloorLanes(dst, a, b)
	case opStd:
		varLanes(dst, a, b)
		for i := range dst {
			dst[i] = math.Sqrt(dst[i])
		}
	case opVar:
		varLanes(dst, a, b)
	default:
		clear(dst)
	}
}

// divLanes writes a/b, or zero where b is not positive.
func divLanes(dst, a, b []float64, zero float64) {
	n := len(dst)
	a, b = a[:n], b[:n]
	i := 0
	for ; i+lanes <= n; i += lanes {
		d, x, y := dst[i:i+lanes:i+lanes], a[i:i+lanes:i+lanes], b[i:i+lanes:i+lanes]
		d[0], d[1], d[2], d[3] = zero, zero, zero, zero
		if y[0] > 0 {
			d[0] = x[0] / y[0]
		}
		if y[1] > 0 {
			d[1] = x[1] / y[1]
		}
		if y[2] > 0 {
			d[2] = x[2] / y[2]
		}
		if y[3] > 0 {
			d[3] = x[3] / y[3]
		}
	}
	for ; i < n; i++ {
		dst[i] = zero
		if b[i] > 0 {
			dst[i] = a[i] / b[i]
		}
	}
}

func divOrLanes(dst, a, b []float64) {
	n := len(dst)
	a, b = a[:n], b[:n]
	copy(dst, a)
	for i := range n {
		if b[i] > 0 {
			dst[i] = a[i] / b[i]
		}
	}
}

func rateFloorLanes(dst, a, b []float64) {
	n := len(dst)
	a, b = a[:n], b[:n]
	i := 0
	for ; i+lanes <= n; i += lanes {
		d, x, y := dst[i:i+lanes:i+lanes], a[i:i+lanes:i+lanes], b[i:i+lanes:i+lanes]
		d[0] = x[0] / max(y[0], 1)
		d[1] = x[1] / max(y[1], 1)
		d[2] = x[2] / max(y[2], 1)
		d[3] = x[3] / max(y[3], 1)
	}
	for ; i < n; i++ {
		dst[i] = a[i] / max(b[i], 1)
	}
}

// varLanes writes the sample variance max(m2,0)/(n-1), zero below two samples.
func varLanes(dst, m2, count []float64) {
	n := len(dst)
	m2, count = m2[:n], count[:n]
	for i := range n {
		dst[i] = 0
		if count[i] > 1 {
			dst[i] = max(m2[i], 0) / (count[i] - 1)
		}
	}
}
