package patch

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// SymbolSet holds the top-level symbols found in one version of a file,
// keyed by name. Only declarations visible at file scope count; a rewrite
// that silently drops exported functions shows up as set shrinkage.
type SymbolSet map[string]bool

// ExtractSymbols extracts top-level symbol names from source content. Go
// files go through tree-sitter; other languages get a line-based scan that
// recognizes the common declaration keywords.
func ExtractSymbols(path, content string) SymbolSet {
	if filepath.Ext(path) == ".go" {
		if syms := extractGoSymbols(content); syms != nil {
			return syms
		}
	}
	return extractGenericSymbols(content)
}

func extractGoSymbols(content string) SymbolSet {
	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())

	src := []byte(content)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil || tree == nil {
		return nil
	}
	defer tree.Close()

	symbols := make(SymbolSet)
	root := tree.RootNode()
	for i := 0; i < int(root.ChildCount()); i++ {
		n := root.Child(i)
		switch n.Type() {
		case "function_declaration", "method_declaration":
			if nameNode := n.ChildByFieldName("name"); nameNode != nil {
				symbols[nameNode.Content(src)] = true
			}
		case "type_declaration":
			for j := 0; j < int(n.ChildCount()); j++ {
				spec := n.Child(j)
				if spec.Type() != "type_spec" && spec.Type() != "type_alias" {
					continue
				}
				if nameNode := spec.ChildByFieldName("name"); nameNode != nil {
					symbols[nameNode.Content(src)] = true
				}
			}
		}
	}
	return symbols
}

// declRe matches top-level declaration lines across common languages. Good
// enough for loss detection; precision matters less than recall here.
var declRe = regexp.MustCompile(`^(?:export\s+)?(?:pub\s+)?(?:async\s+)?` +
	`(?:func|fn|def|function|class|struct|enum|trait|interface|impl)\s+([A-Za-z_][A-Za-z0-9_]*)`)

func extractGenericSymbols(content string) SymbolSet {
	symbols := make(SymbolSet)
	for _, line := range strings.Split(content, "\n") {
		if m := declRe.FindStringSubmatch(line); m != nil {
			symbols[m[1]] = true
		}
	}
	return symbols
}

// LostFraction returns the fraction of symbols present before but missing
// after. Zero when the before set is empty.
func LostFraction(before, after SymbolSet) float64 {
	if len(before) == 0 {
		return 0
	}
	lost := 0
	for name := range before {
		if !after[name] {
			lost++
		}
	}
	return float64(lost) / float64(len(before))
}
