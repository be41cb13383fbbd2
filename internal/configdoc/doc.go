// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package configdoc generates the configuration reference from the config
// struct definitions.
//
// It reads Go doc comments, hcl struct tags and annotation lines
// (@default, @enum, @example) from the config package source, and renders
// Markdown, a compact quick reference, and JSON or YAML schema.
package configdoc
