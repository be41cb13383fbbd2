// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"gopkg.in/yaml.v3"

	"grimm.is/flowguard/internal/errors"
)

// LoadFile loads a config file (HCL, JSON or YAML) and validates it.
// Unknown extensions try HCL first, then JSON.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindConfig, "failed to read config file"), "path", path)
	}

	var cfg *Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".hcl":
		cfg, err = LoadHCL(data, path)
	case ".json":
		cfg, err = LoadJSON(data)
	case ".yaml", ".yml":
		cfg, err = LoadYAML(data)
	default:
		var hclErr error
		cfg, hclErr = LoadHCL(data, path)
		if hclErr != nil {
			var jsonErr error
			cfg, jsonErr = LoadJSON(data)
			if jsonErr != nil {
				err = errors.Wrapf(hclErr, errors.KindConfig, "failed to parse config as HCL or JSON (JSON error: %v)", jsonErr)
			}
		}
	}
	if err != nil {
		return nil, errors.Attr(err, "path", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Attr(err, "path", path)
	}
	return cfg, nil
}

// rawBlock captures a block body so it can be decoded over defaults.
type rawBlock struct {
	Body hcl.Body `hcl:",remain"`
}

type rawFile struct {
	Detection *rawBlock `hcl:"detection,block"`
	Flows     *rawBlock `hcl:"flows,block"`
	Ingress   *rawBlock `hcl:"ingress,block"`
	Predictor *rawBlock `hcl:"predictor,block"`
	Stats     *rawBlock `hcl:"stats,block"`
	Alerts    *rawBlock `hcl:"alerts,block"`
	Logging   *rawBlock `hcl:"logging,block"`
	API       *rawBlock `hcl:"api,block"`
}

// LoadHCL decodes HCL bytes over the defaults. Expressions may call
// env(name) or env(name, fallback).
func LoadHCL(data []byte, filename string) (*Config, error) {
	ctx := evalContext()

	var raw rawFile
	if err := hclsimple.Decode(hclFilename(filename), data, ctx, &raw); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to parse HCL")
	}

	cfg := DefaultConfig()
	blocks := []struct {
		name   string
		raw    *rawBlock
		target any
	}{
		{"detection", raw.Detection, cfg.Detection},
		{"flows", raw.Flows, cfg.Flows},
		{"ingress", raw.Ingress, cfg.Ingress},
		{"predictor", raw.Predictor, cfg.Predictor},
		{"stats", raw.Stats, cfg.Stats},
		{"alerts", raw.Alerts, cfg.Alerts},
		{"logging", raw.Logging, cfg.Logging},
		{"api", raw.API, cfg.API},
	}
	for _, b := range blocks {
		if b.raw == nil {
			continue
		}
		if diags := gohcl.DecodeBody(b.raw.Body, ctx, b.target); diags.HasErrors() {
			return nil, errors.Attr(errors.Wrap(diags, errors.KindConfig, "failed to decode HCL"), "block", b.name)
		}
	}
	return cfg, nil
}

// hclsimple picks the syntax from the extension.
func hclFilename(name string) string {
	if strings.EqualFold(filepath.Ext(name), ".hcl") {
		return name
	}
	return name + ".hcl"
}

func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": envFunc,
		},
	}
}

var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	VarParam: &function.Parameter{Name: "fallback", Type: cty.String},
	Type:     function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		if v, ok := os.LookupEnv(args[0].AsString()); ok {
			return cty.StringVal(v), nil
		}
		if len(args) > 1 {
			return cty.StringVal(args[1].AsString()), nil
		}
		return cty.StringVal(""), nil
	},
})

// LoadJSON decodes JSON bytes over the defaults.
func LoadJSON(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to parse JSON")
	}
	cfg.fill()
	return cfg, nil
}

// LoadYAML decodes YAML bytes over the defaults.
func LoadYAML(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to parse YAML")
	}
	cfg.fill()
	return cfg, nil
}
