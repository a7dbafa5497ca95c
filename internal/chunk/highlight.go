package chunk

import (
	"context"
	"fmt"
	"strings"
)

// HighlightCategory classifies a span of source for syntax highlighting.
type HighlightCategory string

const (
	CategoryKeyword  HighlightCategory = "keyword"
	CategoryString   HighlightCategory = "string"
	CategoryComment  HighlightCategory = "comment"
	CategoryFunction HighlightCategory = "function"
	CategoryType     HighlightCategory = "type"
	CategoryNumber   HighlightCategory = "number"
	CategoryOperator HighlightCategory = "operator"
	CategoryPlain    HighlightCategory = "plain"
)

// HighlightSpan is a single classified byte range within a source file.
type HighlightSpan struct {
	StartByte uint32
	EndByte   uint32
	Category  HighlightCategory
}

// commentNodeTypes and stringNodeTypes are the tree-sitter leaf types
// that map directly to a highlight category across every language this
// package parses. Keyword/operator tokens vary too much by grammar to
// enumerate generically, so those are recovered from literal node types
// (quoted exactly as the grammar names them, e.g. "func", "return").
var commentNodeTypes = map[string]bool{
	"comment":           true,
	"line_comment":      true,
	"block_comment":     true,
	"doc_comment":       true,
}

var stringNodeTypes = map[string]bool{
	"string":                  true,
	"string_literal":          true,
	"interpreted_string_literal": true,
	"raw_string_literal":      true,
	"template_string":         true,
	"char_literal":            true,
}

var numberNodeTypes = map[string]bool{
	"number":         true,
	"int_literal":    true,
	"float_literal":  true,
	"integer_literal": true,
}

// Highlighter emits syntax-highlight spans for a source file by walking
// the same tree-sitter parse tree the chunker uses, so both share one
// grammar registry and one parser instance lifecycle.
type Highlighter struct {
	parser *Parser
}

// NewHighlighter creates a highlighter backed by the default language
// registry. Close it when done to release the underlying tree-sitter
// parser.
func NewHighlighter() *Highlighter {
	return &Highlighter{parser: NewParser()}
}

// NewHighlighterWithRegistry creates a highlighter backed by a custom
// language registry, letting callers share one registry across parser
// and highlighter instances.
func NewHighlighterWithRegistry(registry *LanguageRegistry) *Highlighter {
	return &Highlighter{parser: NewParserWithRegistry(registry)}
}

// Close releases the underlying tree-sitter parser.
func (h *Highlighter) Close() {
	h.parser.Close()
}

// Highlight parses source and returns its leaf nodes classified into
// highlight spans, in byte order. Nodes with children are descended into
// rather than classified directly, since only leaves carry displayable
// text.
func (h *Highlighter) Highlight(ctx context.Context, source []byte, language string) ([]HighlightSpan, error) {
	tree, err := h.parser.Parse(ctx, source, language)
	if err != nil {
		return nil, fmt.Errorf("parse for highlighting: %w", err)
	}

	var spans []HighlightSpan
	var visit func(n *Node)
	visit = func(n *Node) {
		if n == nil {
			return
		}
		if len(n.Children) == 0 {
			if n.StartByte == n.EndByte {
				return
			}
			spans = append(spans, HighlightSpan{
				StartByte: n.StartByte,
				EndByte:   n.EndByte,
				Category:  classifyNode(n, tree.Source),
			})
			return
		}
		for _, c := range n.Children {
			visit(c)
		}
	}
	visit(tree.Root)

	return spans, nil
}

// classifyNode maps a leaf node's tree-sitter type to a highlight
// category. Keyword and operator detection falls back to the node's
// literal text, since most grammars name keyword/operator leaf nodes
// after the token itself (e.g. a "func" node contains literally "func").
func classifyNode(n *Node, source []byte) HighlightCategory {
	switch {
	case commentNodeTypes[n.Type]:
		return CategoryComment
	case stringNodeTypes[n.Type]:
		return CategoryString
	case numberNodeTypes[n.Type]:
		return CategoryNumber
	case n.Type == "identifier" || n.Type == "type_identifier":
		return CategoryPlain
	}

	text := n.GetContent(source)
	if text == "" {
		return CategoryPlain
	}
	if isIdentifierLike(text) && isKeyword(text) {
		return CategoryKeyword
	}
	if isOperatorLike(text) {
		return CategoryOperator
	}
	return CategoryPlain
}

func isIdentifierLike(s string) bool {
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return s != ""
}

func isOperatorLike(s string) bool {
	const operatorChars = "+-*/%=<>!&|^~.,;:(){}[]"
	for _, r := range s {
		if !strings.ContainsRune(operatorChars, r) {
			return false
		}
	}
	return s != ""
}

// commonKeywords covers the reserved words shared (or near-shared)
// across the languages this package's LanguageRegistry parses. It is
// intentionally approximate: a false-positive "keyword" classification
// on an unusual identifier is a cosmetic highlighting glitch, not a
// correctness issue for the chunker this package also serves.
var commonKeywords = map[string]bool{
	"func": true, "fn": true, "def": true, "function": true,
	"return": true, "if": true, "else": true, "elif": true,
	"for": true, "while": true, "do": true, "switch": true, "case": true,
	"break": true, "continue": true, "default": true,
	"class": true, "struct": true, "interface": true, "trait": true,
	"enum": true, "impl": true, "type": true, "typedef": true,
	"import": true, "package": true, "module": true, "namespace": true,
	"public": true, "private": true, "protected": true, "static": true,
	"const": true, "let": true, "var": true, "final": true,
	"new": true, "delete": true, "this": true, "self": true,
	"true": true, "false": true, "nil": true, "null": true, "none": true,
	"try": true, "catch": true, "finally": true, "throw": true, "raise": true,
	"async": true, "await": true, "yield": true,
	"go": true, "chan": true, "defer": true, "select": true,
	"pub": true, "mod": true, "use": true, "mut": true,
	"extends": true, "implements": true, "abstract": true, "virtual": true,
}

func isKeyword(s string) bool {
	return commonKeywords[strings.ToLower(s)]
}
