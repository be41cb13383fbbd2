// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scoring

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/stats"
)

// LogisticModel is a standardized logistic regression over named features.
type LogisticModel struct {
	Bias    float64            `json:"bias" yaml:"bias"`
	Weights map[string]float64 `json:"weights" yaml:"weights"`
	Center  map[string]float64 `json:"center" yaml:"center"`
	Scale   map[string]float64 `json:"scale" yaml:"scale"`
}

type term struct {
	feature stats.Feature
	weight  float64
	center  float64
	scale   float64
}

// LogisticPredictor evaluates a LogisticModel in process.
type LogisticPredictor struct {
	bias  float64
	terms []term
}

// LoadLogisticModel reads a model from a JSON or YAML file.
func LoadLogisticModel(path string) (*LogisticPredictor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindIO, "read model %s", path)
	}

	var m LogisticModel
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	default:
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindParse, "parse model %s", path)
	}
	return NewLogisticPredictor(m)
}

// NewLogisticPredictor compiles a model. Unknown feature names are rejected.
func NewLogisticPredictor(m LogisticModel) (*LogisticPredictor, error) {
	p := &LogisticPredictor{bias: m.Bias}
	for name, w := range m.Weights {
		f, ok := stats.FeatureByName(name)
		if !ok {
			return nil, errors.Attr(errors.Errorf(errors.KindModel, "model references unknown feature %q", name), "feature", name)
		}
		scale := 1.0
		if s, ok := m.Scale[name]; ok && s != 0 {
			scale = s
		}
		p.terms = append(p.terms, term{feature: f, weight: w, center: m.Center[name], scale: scale})
	}
	return p, nil
}

func (p *LogisticPredictor) Predict(ctx context.Context, v *stats.Vector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(err, errors.KindTimeout, "predict")
	}
	z := p.bias
	for _, t := range p.terms {
		z += t.weight * (v.Get(t.feature) - t.center) / t.scale
	}
	return 1 / (1 + math.Exp(-z)), nil
}
