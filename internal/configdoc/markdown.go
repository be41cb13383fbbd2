// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package configdoc

import (
	"fmt"
	"strings"
)

// GenerateMarkdown generates Markdown documentation from a Schema.
func GenerateMarkdown(schema *Schema) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# %s\n\n", schema.Title)
	if schema.Description != "" {
		fmt.Fprintf(&sb, "%s\n\n", schema.Description)
	}

	sb.WriteString("## Blocks\n\n")
	for _, block := range schema.Blocks {
		fmt.Fprintf(&sb, "- [%s](#%s)\n", block.HCLName, anchor(block.HCLName))
	}
	sb.WriteString("\n")

	for _, block := range schema.Blocks {
		writeBlock(&sb, block)
	}
	return sb.String()
}

func anchor(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", "-"))
}

func writeBlock(sb *strings.Builder, block *Block) {
	fmt.Fprintf(sb, "## %s\n\n", block.HCLName)
	if block.Description != "" {
		fmt.Fprintf(sb, "%s\n\n", block.Description)
	}

	sb.WriteString("```hcl\n")
	fmt.Fprintf(sb, "%s {\n", block.HCLName)
	for _, f := range block.Fields {
		if f.Default == "" && f.Example == "" {
			continue
		}
		fmt.Fprintf(sb, "  %s = %s\n", f.HCLName, exampleValue(f))
	}
	sb.WriteString("}\n```\n\n")

	if len(block.Fields) > 0 {
		writeFieldsTable(sb, block.Fields)
	}
}

// writeFieldsTable writes a markdown table for fields.
func writeFieldsTable(sb *strings.Builder, fields []*Field) {
	sb.WriteString("| Attribute | Type | Default | Description |\n")
	sb.WriteString("|-----------|------|---------|-------------|\n")
	for _, f := range fields {
		def := "none"
		if f.Default != "" {
			def = "`" + f.Default + "`"
		} else if !f.Optional {
			def = "required"
		}

		desc := oneLine(f.Description)
		if len(f.Enum) > 0 {
			desc = strings.TrimSpace(desc + fmt.Sprintf(" Values: `%s`.", strings.Join(f.Enum, "`, `")))
		}
		fmt.Fprintf(sb, "| `%s` | `%s` | %s | %s |\n", f.HCLName, f.HCLType, def, desc)
	}
	sb.WriteString("\n")
}

// exampleValue returns an example value for a field.
func exampleValue(f *Field) string {
	if f.Example != "" {
		return f.Example
	}
	if f.Default != "" {
		return f.Default
	}
	if len(f.Enum) > 0 {
		return fmt.Sprintf("%q", f.Enum[0])
	}
	switch f.HCLType {
	case "string":
		return `"..."`
	case "bool":
		return "false"
	case "number":
		return "0"
	case "map":
		return "{}"
	default:
		return "..."
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// GenerateQuickReference renders every block as HCL with its documented
// defaults, one attribute per line.
func GenerateQuickReference(schema *Schema) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s quick reference\n\n", schema.Title)

	for _, block := range schema.Blocks {
		fmt.Fprintf(&sb, "%s {\n", block.HCLName)
		for _, f := range block.Fields {
			typ := f.HCLType
			if len(f.Enum) > 0 {
				typ = strings.Join(f.Enum, "|")
			}
			if f.Default != "" {
				fmt.Fprintf(&sb, "  %s = %s  # %s\n", f.HCLName, f.Default, typ)
			} else {
				fmt.Fprintf(&sb, "  # %s = <%s>\n", f.HCLName, typ)
			}
		}
		sb.WriteString("}\n\n")
	}
	return sb.String()
}
