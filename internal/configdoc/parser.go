// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package configdoc

import (
	"encoding/json"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"grimm.is/flowguard/internal/errors"
)

// Parser extracts documentation from Go source files containing HCL config structs.
type Parser struct {
	fset    *token.FileSet
	structs map[string]*ParsedStruct
}

// NewParser creates a new documentation parser.
func NewParser() *Parser {
	return &Parser{
		fset:    token.NewFileSet(),
		structs: make(map[string]*ParsedStruct),
	}
}

// ParseDir parses the non-test Go files in dir.
func (p *Parser) ParseDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, errors.KindIO, "read config dir %s", dir)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		path := filepath.Join(dir, name)
		file, err := parser.ParseFile(p.fset, path, nil, parser.ParseComments)
		if err != nil {
			return errors.Attr(errors.Wrap(err, errors.KindParse, "parse config source"), "file", path)
		}
		p.extractStructs(file, name)
	}
	return nil
}

// extractStructs records every struct in file that has hcl tags.
func (p *Parser) extractStructs(file *ast.File, filename string) {
	for _, decl := range file.Decls {
		genDecl, ok := decl.(*ast.GenDecl)
		if !ok || genDecl.Tok != token.TYPE {
			continue
		}
		for _, spec := range genDecl.Specs {
			typeSpec, ok := spec.(*ast.TypeSpec)
			if !ok {
				continue
			}
			structType, ok := typeSpec.Type.(*ast.StructType)
			if !ok || !hasHCLTags(structType) {
				continue
			}

			doc := typeSpec.Doc
			if doc == nil {
				doc = genDecl.Doc
			}
			parsed := parseStruct(typeSpec.Name.Name, structType, doc)
			parsed.SourceFile = filename
			p.structs[parsed.Name] = parsed
		}
	}
}

func hasHCLTags(s *ast.StructType) bool {
	if s.Fields == nil {
		return false
	}
	for _, field := range s.Fields.List {
		if field.Tag != nil && strings.Contains(field.Tag.Value, "hcl:") {
			return true
		}
	}
	return false
}

func parseStruct(name string, s *ast.StructType, doc *ast.CommentGroup) *ParsedStruct {
	parsed := &ParsedStruct{Name: name, Doc: extractDocComment(doc)}
	for _, field := range s.Fields.List {
		if len(field.Names) == 0 {
			continue
		}
		pf := parseField(field)
		if pf.HCLTag.Name != "" {
			parsed.Fields = append(parsed.Fields, pf)
		}
	}
	return parsed
}

func parseField(field *ast.Field) ParsedField {
	pf := ParsedField{
		Name:   field.Names[0].Name,
		GoType: typeToString(field.Type),
		Doc:    extractDocComment(field.Doc),
	}
	if inline := extractDocComment(field.Comment); inline != "" {
		if pf.Doc == "" {
			pf.Doc = inline
		} else {
			pf.Doc += "\n" + inline
		}
	}
	if field.Tag != nil {
		tag := reflect.StructTag(strings.Trim(field.Tag.Value, "`"))
		pf.HCLTag = parseHCLTag(tag.Get("hcl"))
		pf.JSONTag = tag.Get("json")
	}
	pf.Annotation = parseAnnotations(pf.Doc)
	return pf
}

// parseHCLTag parses an HCL struct tag value.
func parseHCLTag(tag string) HCLTag {
	if tag == "" {
		return HCLTag{}
	}
	parts := strings.Split(tag, ",")
	ht := HCLTag{Name: parts[0]}
	for _, part := range parts[1:] {
		switch part {
		case "optional":
			ht.Optional = true
		case "block":
			ht.Block = true
		case "remain":
			ht.Remain = true
		}
	}
	return ht
}

// parseAnnotations extracts @default, @enum and @example lines.
func parseAnnotations(doc string) FieldAnnotation {
	var ann FieldAnnotation
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "@default:"):
			ann.Default = strings.TrimSpace(strings.TrimPrefix(line, "@default:"))
		case strings.HasPrefix(line, "@enum:"):
			for _, e := range strings.Split(strings.TrimPrefix(line, "@enum:"), ",") {
				if e = strings.TrimSpace(e); e != "" {
					ann.Enum = append(ann.Enum, e)
				}
			}
		case strings.HasPrefix(line, "@example:"):
			ann.Example = strings.TrimSpace(strings.TrimPrefix(line, "@example:"))
		}
	}
	return ann
}

func extractDocComment(cg *ast.CommentGroup) string {
	if cg == nil {
		return ""
	}
	return strings.TrimSpace(cg.Text())
}

// typeToString converts an AST type expression to a string.
func typeToString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + typeToString(t.X)
	case *ast.ArrayType:
		return "[]" + typeToString(t.Elt)
	case *ast.MapType:
		return "map[" + typeToString(t.Key) + "]" + typeToString(t.Value)
	case *ast.SelectorExpr:
		return typeToString(t.X) + "." + t.Sel.Name
	default:
		return "unknown"
	}
}

// GetStruct returns a parsed struct by name.
func (p *Parser) GetStruct(name string) *ParsedStruct {
	return p.structs[name]
}

// BuildSchema builds the documentation schema rooted at rootType. Blocks
// keep their declaration order.
func (p *Parser) BuildSchema(title, rootType string) (*Schema, error) {
	root := p.structs[rootType]
	if root == nil {
		return nil, errors.Errorf(errors.KindNotFound, "config root %s not found", rootType)
	}

	schema := &Schema{Title: title, Description: root.Doc}
	for _, field := range root.Fields {
		if !field.HCLTag.Block {
			continue
		}
		schema.Blocks = append(schema.Blocks, p.buildBlock(field))
	}
	return schema, nil
}

func (p *Parser) buildBlock(field ParsedField) *Block {
	typeName := strings.TrimPrefix(field.GoType, "*")
	block := &Block{
		Name:        field.Name,
		HCLName:     field.HCLTag.Name,
		Description: cleanDescription(field.Doc),
		GoType:      typeName,
	}

	ref := p.structs[typeName]
	if ref == nil {
		return block
	}
	if block.Description == "" {
		block.Description = ref.Doc
	}
	for _, f := range ref.Fields {
		if f.HCLTag.Block || f.HCLTag.Remain {
			continue
		}
		block.Fields = append(block.Fields, buildField(f))
	}
	return block
}

func buildField(pf ParsedField) *Field {
	return &Field{
		Name:        pf.Name,
		HCLName:     pf.HCLTag.Name,
		Type:        pf.GoType,
		HCLType:     goTypeToHCLType(pf.GoType),
		Description: cleanDescription(pf.Doc),
		Optional:    pf.HCLTag.Optional,
		Default:     pf.Annotation.Default,
		Enum:        pf.Annotation.Enum,
		Example:     pf.Annotation.Example,
	}
}

// goTypeToHCLType maps Go types to HCL types.
func goTypeToHCLType(goType string) string {
	goType = strings.TrimPrefix(goType, "*")
	if strings.HasPrefix(goType, "[]") {
		return "list(" + goTypeToHCLType(strings.TrimPrefix(goType, "[]")) + ")"
	}
	if strings.HasPrefix(goType, "map[") {
		return "map"
	}
	switch goType {
	case "string":
		return "string"
	case "bool":
		return "bool"
	case "int", "int8", "int16", "int32", "int64",
		"uint", "uint8", "uint16", "uint32", "uint64",
		"float32", "float64":
		return "number"
	default:
		return "object"
	}
}

// cleanDescription removes annotation lines from description.
func cleanDescription(doc string) string {
	var clean []string
	for _, line := range strings.Split(doc, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "@") {
			continue
		}
		clean = append(clean, line)
	}
	return strings.TrimSpace(strings.Join(clean, "\n"))
}

func literal(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
