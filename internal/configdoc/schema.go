// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package configdoc

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"grimm.is/flowguard/internal/errors"
)

const schemaDraft = "https://json-schema.org/draft/2020-12/schema"

// ConfigSchema is a JSON Schema document or property.
type ConfigSchema struct {
	Schema      string                   `json:"$schema,omitempty" yaml:"$schema,omitempty"`
	Title       string                   `json:"title,omitempty" yaml:"title,omitempty"`
	Description string                   `json:"description,omitempty" yaml:"description,omitempty"`
	Type        string                   `json:"type,omitempty" yaml:"type,omitempty"`
	Properties  map[string]*ConfigSchema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string                 `json:"required,omitempty" yaml:"required,omitempty"`

	AdditionalProperties any           `json:"additionalProperties,omitempty" yaml:"additionalProperties,omitempty"`
	Items                *ConfigSchema `json:"items,omitempty" yaml:"items,omitempty"`
	Enum                 []string      `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default              any           `json:"default,omitempty" yaml:"default,omitempty"`
	Examples             []any         `json:"examples,omitempty" yaml:"examples,omitempty"`
}

// GenerateSchema converts the documentation schema into JSON Schema. Every
// block is optional and closed to unknown attributes, matching the loaders.
func GenerateSchema(schema *Schema) *ConfigSchema {
	js := &ConfigSchema{
		Schema:               schemaDraft,
		Title:                schema.Title,
		Description:          schema.Description,
		Type:                 "object",
		Properties:           make(map[string]*ConfigSchema, len(schema.Blocks)),
		AdditionalProperties: false,
	}
	for _, block := range schema.Blocks {
		bs := &ConfigSchema{
			Title:                block.GoType,
			Description:          block.Description,
			Type:                 "object",
			Properties:           make(map[string]*ConfigSchema, len(block.Fields)),
			AdditionalProperties: false,
		}
		for _, f := range block.Fields {
			bs.Properties[f.HCLName] = fieldToSchema(f)
			if !f.Optional {
				bs.Required = append(bs.Required, f.HCLName)
			}
		}
		js.Properties[block.HCLName] = bs
	}
	return js
}

func fieldToSchema(f *Field) *ConfigSchema {
	fs := &ConfigSchema{
		Description: oneLine(f.Description),
		Enum:        f.Enum,
		Default:     f.DefaultValue(),
	}
	if ex := literal(f.Example); ex != nil {
		fs.Examples = []any{ex}
	}
	switch f.HCLType {
	case "map":
		fs.Type = "object"
		fs.AdditionalProperties = &ConfigSchema{Type: "string"}
	case "number":
		fs.Type = "number"
		if isInteger(f.Type) {
			fs.Type = "integer"
		}
	default:
		fs.Type = f.HCLType
	}
	return fs
}

func isInteger(goType string) bool {
	switch goType {
	case "int", "int8", "int16", "int32", "int64", "uint", "uint8", "uint16", "uint32", "uint64":
		return true
	}
	return false
}

// SchemaJSON renders js as indented JSON.
func SchemaJSON(js *ConfigSchema) ([]byte, error) {
	data, err := json.MarshalIndent(js, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "marshal json schema")
	}
	return append(data, '\n'), nil
}

// SchemaYAML renders js as YAML.
func SchemaYAML(js *ConfigSchema) ([]byte, error) {
	data, err := yaml.Marshal(js)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "marshal yaml schema")
	}
	return data, nil
}
