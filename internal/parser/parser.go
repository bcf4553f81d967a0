// Package parser reads S-expression source text into the heap's native
// Pair/Symbol/Integer representation: there is no separate AST node
// hierarchy, because in a homoiconic language the parsed data *is* the
// tree the compiler walks.
package parser

import (
	corerr "stickylisp/internal/errors"
	"stickylisp/internal/heapimpl"
	"stickylisp/internal/lexer"
	"stickylisp/internal/lispval"
	"stickylisp/internal/tagged"

	"strconv"
)

// quoteSymbol is the name '(quote x) expands to when the reader sees the
// ' shorthand.
const quoteSymbol = "quote"

// Parser turns a token stream into tagged.TaggedPtr forms, allocating
// every Pair/Symbol/Integer it produces directly on h through arena for
// symbol interning.
type Parser struct {
	h       *heapimpl.Heap
	arena   *lispval.SymbolArena
	file    string
	tokens  []lexer.Token
	current int
	Errors  []error
}

func NewParser(h *heapimpl.Heap, arena *lispval.SymbolArena, tokens []lexer.Token) *Parser {
	return &Parser{h: h, arena: arena, tokens: tokens}
}

func NewParserWithSource(h *heapimpl.Heap, arena *lispval.SymbolArena, tokens []lexer.Token, file string) *Parser {
	return &Parser{h: h, arena: arena, tokens: tokens, file: file}
}

// Parse reads every top-level form from the token stream. It stops at
// the first malformed form (appended to Errors) rather than attempting
// resynchronization, since a single misplaced paren in Lisp-like syntax
// usually invalidates everything that follows it.
func (p *Parser) Parse() []tagged.TaggedPtr {
	var forms []tagged.TaggedPtr
	for !p.isAtEnd() {
		form, err := p.form()
		if err != nil {
			p.Errors = append(p.Errors, err)
			return forms
		}
		forms = append(forms, form)
	}
	return forms
}

func (p *Parser) form() (tagged.TaggedPtr, error) {
	tok := p.peek()
	switch tok.Type {
	case lexer.TokenLParen:
		return p.list()
	case lexer.TokenQuote:
		p.advance()
		inner, err := p.form()
		if err != nil {
			return tagged.TaggedPtr{}, err
		}
		return p.quoteForm(inner, tok.Line)
	case lexer.TokenInt:
		p.advance()
		return p.integer(tok)
	case lexer.TokenSymbol:
		p.advance()
		return p.symbol(tok)
	case lexer.TokenString:
		p.advance()
		return p.stringLiteral(tok)
	case lexer.TokenRParen:
		return tagged.TaggedPtr{}, p.errf(tok, "unexpected ')' with no matching '('")
	case lexer.TokenEOF:
		return tagged.TaggedPtr{}, p.errf(tok, "unexpected end of input, expected a form")
	default:
		return tagged.TaggedPtr{}, p.errf(tok, "unexpected token %q", tok.Lexeme)
	}
}

func (p *Parser) list() (tagged.TaggedPtr, error) {
	open := p.advance() // consume '('
	var items []tagged.TaggedPtr
	for {
		if p.isAtEnd() {
			return tagged.TaggedPtr{}, p.errf(open, "unterminated list starting at line %d", open.Line)
		}
		if p.peek().Type == lexer.TokenRParen {
			p.advance()
			break
		}
		item, err := p.form()
		if err != nil {
			return tagged.TaggedPtr{}, err
		}
		items = append(items, item)
	}
	return p.buildList(items, open.Line)
}

func (p *Parser) quoteForm(inner tagged.TaggedPtr, line int) (tagged.TaggedPtr, error) {
	sym, err := p.arena.Lookup(quoteSymbol)
	if err != nil {
		return tagged.TaggedPtr{}, err
	}
	return p.buildList([]tagged.TaggedPtr{tagged.NewSymbol(sym), inner}, line)
}

// buildList conses items right to left, attaching the same source line
// to every cell the list form produces (the reader does not track
// per-element columns).
func (p *Parser) buildList(items []tagged.TaggedPtr, line int) (tagged.TaggedPtr, error) {
	tail := tagged.Nil
	for i := len(items) - 1; i >= 0; i-- {
		pair, err := lispval.NewPairAt(p.h, items[i], tail, lispval.Position{Line: line})
		if err != nil {
			return tagged.TaggedPtr{}, err
		}
		tail = tagged.NewPair(pair)
	}
	return tail, nil
}

func (p *Parser) integer(tok lexer.Token) (tagged.TaggedPtr, error) {
	v, err := strconv.Atoi(tok.Lexeme)
	if err != nil {
		return tagged.TaggedPtr{}, p.errf(tok, "malformed integer literal %q", tok.Lexeme)
	}
	n, err := tagged.NewInt(v)
	if err != nil {
		return tagged.TaggedPtr{}, err
	}
	return n, nil
}

// stringLiteral allocates a fresh lispval.String for the token's
// already-unescaped contents; unlike symbols, string literals are not
// interned, so every occurrence gets its own heap object.
func (p *Parser) stringLiteral(tok lexer.Token) (tagged.TaggedPtr, error) {
	v, err := lispval.NewStringValue(p.h, tok.Lexeme)
	if err != nil {
		return tagged.TaggedPtr{}, err
	}
	return v, nil
}

func (p *Parser) symbol(tok lexer.Token) (tagged.TaggedPtr, error) {
	s, err := p.arena.Lookup(tok.Lexeme)
	if err != nil {
		return tagged.TaggedPtr{}, err
	}
	return tagged.NewSymbol(s), nil
}

func (p *Parser) peek() lexer.Token { return p.tokens[p.current] }

func (p *Parser) advance() lexer.Token {
	tok := p.tokens[p.current]
	if !p.isAtEnd() {
		p.current++
	}
	return tok
}

func (p *Parser) isAtEnd() bool {
	return p.tokens[p.current].Type == lexer.TokenEOF
}

func (p *Parser) errf(tok lexer.Token, format string, args ...interface{}) error {
	loc := corerr.SourceLocation{File: p.file, Line: tok.Line}
	return corerr.NewParseError(loc, format, args...)
}
