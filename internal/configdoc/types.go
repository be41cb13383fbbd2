// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package configdoc

// Schema is the documentation model of one configuration root.
type Schema struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Blocks      []*Block `json:"blocks"`
}

// Block returns the block named name, or nil.
func (s *Schema) Block(name string) *Block {
	for _, b := range s.Blocks {
		if b.HCLName == name {
			return b
		}
	}
	return nil
}

// Block is one top-level block such as detection or flows.
type Block struct {
	Name        string   `json:"name"`
	HCLName     string   `json:"hcl_name"`
	Description string   `json:"description"`
	GoType      string   `json:"go_type,omitempty"`
	Fields      []*Field `json:"fields,omitempty"`
}

// Field returns the attribute named name, or nil.
func (b *Block) Field(name string) *Field {
	for _, f := range b.Fields {
		if f.HCLName == name {
			return f
		}
	}
	return nil
}

// Field is an attribute within a block.
type Field struct {
	Name        string   `json:"name"`
	HCLName     string   `json:"hcl_name"`
	Type        string   `json:"type"`
	HCLType     string   `json:"hcl_type"` // string, number, bool, map
	Description string   `json:"description"`
	Optional    bool     `json:"optional"`
	Default     string   `json:"default,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Example     string   `json:"example,omitempty"`
}

// DefaultValue decodes the @default annotation as a JSON literal, falling
// back to the raw text. It returns nil when no default is documented.
func (f *Field) DefaultValue() any {
	return literal(f.Default)
}

// FieldAnnotation holds the annotation lines of a field's doc comment:
//
//	// @default: "drop_newest"
//	// @enum: drop_newest, drop_oldest, block
//	// @example: "127.0.0.1:9090"
type FieldAnnotation struct {
	Default string
	Enum    []string
	Example string
}

// ParsedStruct is a Go struct with hcl tags.
type ParsedStruct struct {
	Name       string
	Doc        string
	Fields     []ParsedField
	SourceFile string
}

// ParsedField is one tagged struct field.
type ParsedField struct {
	Name       string
	GoType     string
	HCLTag     HCLTag
	JSONTag    string
	Doc        string
	Annotation FieldAnnotation
}

// HCLTag is a parsed hcl struct tag.
type HCLTag struct {
	Name     string
	Optional bool
	Block    bool
	Remain   bool
}
