// Package printer renders stickylisp values back into the S-expression
// syntax internal/lexer and internal/parser read: the other half of the
// reader/printer pair, so Parse(Print(v)) reconstructs a value
// structurally equal to v.
package printer

import (
	"strconv"
	"strings"

	"stickylisp/internal/lispval"
	"stickylisp/internal/tagged"
)

// Print renders v as S-expression source text.
func Print(v tagged.TaggedPtr) string {
	switch v.TagOf() {
	case tagged.TagInt:
		n, _ := v.AsInt()
		return strconv.Itoa(n)
	case tagged.TagSymbol:
		ref, _ := v.AsObject()
		if sym, ok := ref.(*lispval.Symbol); ok {
			return sym.Name
		}
		return "#<symbol>"
	case tagged.TagPair:
		items, ok := lispval.Elements(v)
		if !ok {
			return "#<improper-list>"
		}
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = Print(item)
		}
		return "(" + strings.Join(parts, " ") + ")"
	default:
		if v.IsNil() {
			return "nil"
		}
		if s, ok := lispval.AsString(v); ok {
			return quoteString(s.Value)
		}
		return "#<object>"
	}
}

// quoteString renders s as a double-quoted literal, escaping the
// characters internal/lexer's stringLiteral undoes.
func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
