package filtering

import (
	"fmt"
	"strings"
	"unicode"
)

// Expression is a parsed boolean tag expression, evaluated against a
// server's tag set.
//
// Grammar:
//
//	expr   := term ('OR' term)*
//	term   := factor ('AND' factor)*
//	factor := 'NOT'? ( IDENT | '(' expr ')' )
//
// Keywords are case-insensitive; tag comparison is case-insensitive.
type Expression interface {
	Evaluate(tags []string) bool
}

type tagNode struct{ name string }

func (n tagNode) Evaluate(tags []string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, n.name) {
			return true
		}
	}
	return false
}

type notNode struct{ inner Expression }

func (n notNode) Evaluate(tags []string) bool { return !n.inner.Evaluate(tags) }

type andNode struct{ operands []Expression }

func (n andNode) Evaluate(tags []string) bool {
	for _, op := range n.operands {
		if !op.Evaluate(tags) {
			return false
		}
	}
	return true
}

type orNode struct{ operands []Expression }

func (n orNode) Evaluate(tags []string) bool {
	for _, op := range n.operands {
		if op.Evaluate(tags) {
			return true
		}
	}
	return false
}

type token struct {
	kind string // "ident", "lparen", "rparen"
	text string
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{kind: "lparen"})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: "rparen"})
			i++
		case isIdentRune(r):
			start := i
			for i < len(runes) && isIdentRune(runes[i]) {
				i++
			}
			tokens = append(tokens, token{kind: "ident", text: string(runes[start:i])})
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", r, i)
		}
	}
	return tokens, nil
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.'
}

type parser struct {
	tokens []token
	pos    int
}

// ParseExpression parses a boolean tag expression.
func ParseExpression(input string) (Expression, error) {
	tokens, err := tokenize(input)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty expression")
	}

	p := &parser{tokens: tokens}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q after expression", p.tokens[p.pos].text)
	}
	return expr, nil
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) isKeyword(kw string) bool {
	tok, ok := p.peek()
	return ok && tok.kind == "ident" && strings.EqualFold(tok.text, kw)
}

func (p *parser) parseExpr() (Expression, error) {
	first, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	operands := []Expression{first}
	for p.isKeyword("OR") {
		p.pos++
		next, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	if len(operands) == 1 {
		return first, nil
	}
	return orNode{operands: operands}, nil
}

func (p *parser) parseTerm() (Expression, error) {
	first, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	operands := []Expression{first}
	for p.isKeyword("AND") {
		p.pos++
		next, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	if len(operands) == 1 {
		return first, nil
	}
	return andNode{operands: operands}, nil
}

func (p *parser) parseFactor() (Expression, error) {
	if p.isKeyword("NOT") {
		p.pos++
		inner, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}

	tok, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	switch tok.kind {
	case "lparen":
		p.pos++
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		tok, ok := p.peek()
		if !ok || tok.kind != "rparen" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return expr, nil
	case "ident":
		if strings.EqualFold(tok.text, "AND") || strings.EqualFold(tok.text, "OR") {
			return nil, fmt.Errorf("unexpected keyword %q", tok.text)
		}
		p.pos++
		return tagNode{name: tok.text}, nil
	default:
		return nil, fmt.Errorf("unexpected token")
	}
}
