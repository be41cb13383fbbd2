// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// gen-config-docs generates the configuration reference from the config
// struct definitions.
//
// Usage:
//
//	go run ./cmd/gen-config-docs -format=markdown -output=docs/config-reference.md
//	go run ./cmd/gen-config-docs -format=jsonschema -output=docs/config-schema.json
//	go run ./cmd/gen-config-docs -format=all -output=docs
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/flowguard/internal/configdoc"
	"grimm.is/flowguard/internal/errors"
)

const title = "flowguard configuration"

func main() {
	format := flag.String("format", "markdown", "Output format: markdown, jsonschema, yaml, quickref, all")
	output := flag.String("output", "", "Output file (default: stdout, or docs/ for 'all')")
	configDir := flag.String("config-dir", "internal/config", "Directory containing config Go files")
	flag.Parse()

	if err := run(*format, *output, *configDir); err != nil {
		fmt.Fprintf(os.Stderr, "gen-config-docs: %v\n", err)
		os.Exit(1)
	}
}

func run(format, output, configDir string) error {
	parser := configdoc.NewParser()
	if err := parser.ParseDir(configDir); err != nil {
		return err
	}
	schema, err := parser.BuildSchema(title, "Config")
	if err != nil {
		return err
	}

	render := map[string]func() ([]byte, error){
		"markdown": func() ([]byte, error) { return []byte(configdoc.GenerateMarkdown(schema)), nil },
		"quickref": func() ([]byte, error) { return []byte(configdoc.GenerateQuickReference(schema)), nil },
		"jsonschema": func() ([]byte, error) {
			return configdoc.SchemaJSON(configdoc.GenerateSchema(schema))
		},
		"yaml": func() ([]byte, error) {
			return configdoc.SchemaYAML(configdoc.GenerateSchema(schema))
		},
	}

	if format != "all" {
		fn, ok := render[format]
		if !ok {
			return errors.Errorf(errors.KindValidation, "unknown format %q", format)
		}
		content, err := fn()
		if err != nil {
			return err
		}
		return writeOutput(output, content)
	}

	if output == "" {
		output = "docs"
	}
	files := map[string]string{
		"config-reference.md": "markdown",
		"config-quickref.hcl": "quickref",
		"config-schema.json":  "jsonschema",
		"config-schema.yaml":  "yaml",
	}
	for name, f := range files {
		content, err := render[f]()
		if err != nil {
			return err
		}
		if err := writeOutput(filepath.Join(output, name), content); err != nil {
			return err
		}
	}
	return nil
}

func writeOutput(path string, content []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(content)
		return err
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return err
	}
	fmt.Printf("Generated %s\n", path)
	return nil
}
