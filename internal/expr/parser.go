package expr

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokEq
	tokNeq
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case strings.HasPrefix(src[i:], "&&"):
			toks = append(toks, token{kind: tokAnd, text: "&&", pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "||"):
			toks = append(toks, token{kind: tokOr, text: "||", pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "==="), strings.HasPrefix(src[i:], "!=="):
			kind := tokEq
			if c == '!' {
				kind = tokNeq
			}
			toks = append(toks, token{kind: kind, text: src[i : i+3], pos: i})
			i += 3
		case strings.HasPrefix(src[i:], "=="):
			toks = append(toks, token{kind: tokEq, text: "==", pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "!="):
			toks = append(toks, token{kind: tokNeq, text: "!=", pos: i})
			i += 2
		case c == '!':
			toks = append(toks, token{kind: tokNot, text: "!", pos: i})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return nil, &SyntaxError{Expr: src, Pos: i, Msg: "unterminated string"}
			}
			toks = append(toks, token{kind: tokString, text: src[i+1 : i+1+end], pos: i})
			i += end + 2
		case c == '-' || c == '.' || (c >= '0' && c <= '9'):
			start := i
			i++
			for i < len(src) && (src[i] == '.' || (src[i] >= '0' && src[i] <= '9')) {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})
		case isIdentStart(runeAt(src, i)):
			start := i
			for i < len(src) {
				r, size := utf8.DecodeRuneInString(src[i:])
				if !isIdentPart(r) {
					break
				}
				i += size
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		default:
			return nil, &SyntaxError{Expr: src, Pos: i, Msg: fmt.Sprintf("unexpected character %q", runeAt(src, i))}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func runeAt(src string, i int) rune {
	r, _ := utf8.DecodeRuneInString(src[i:])
	return r
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r) }

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []node{first}
	for p.peek().kind == tokOr {
		p.next()
		n, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, n)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return or{terms: terms}, nil
}

func (p *parser) parseAnd() (node, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := []node{first}
	for p.peek().kind == tokAnd {
		p.next()
		n, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, n)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return and{terms: terms}, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return not{inner: inner}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (node, error) {
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != tokRParen {
			return nil, &SyntaxError{Expr: p.src, Pos: t.pos, Msg: "missing closing parenthesis"}
		}
		return inner, nil
	}
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokEq, tokNeq:
		op := p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		// Unquoted right-hand names are literal text in legacy expressions.
		if left.isField && right.isField {
			right = operand{literal: right.field}
		}
		return compare{left: left, right: right, negate: op.kind == tokNeq}, nil
	}
	return truth{op: left}, nil
}

func (p *parser) parseOperand() (operand, error) {
	t := p.next()
	switch t.kind {
	case tokIdent:
		switch t.text {
		case "null", "undefined":
			return operand{isNull: true}, nil
		}
		return fieldRef(t.text), nil
	case tokString, tokNumber:
		return operand{literal: t.text}, nil
	case tokEOF:
		return operand{}, &SyntaxError{Expr: p.src, Pos: t.pos, Msg: "unexpected end of expression"}
	default:
		return operand{}, &SyntaxError{Expr: p.src, Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
	}
}

// Warning flags an expression that needs a human look during migration.
type Warning struct {
	Expr string `json:"expr"`
	Msg  string `json:"message"`
}

// Analyze reports && and || appearing at the same nesting level without
// parentheses. Older evaluators resolved these by substring order, so the
// result may differ from what the author intended.
func Analyze(expr string) []Warning {
	src := strings.TrimSpace(expr)
	if !strings.HasPrefix(src, Marker) {
		return nil
	}
	toks, err := tokenize(strings.TrimPrefix(src, Marker))
	if err != nil {
		return []Warning{{Expr: expr, Msg: err.Error()}}
	}
	type level struct{ and, or bool }
	stack := []level{{}}
	mixed := false
	for _, t := range toks {
		top := &stack[len(stack)-1]
		switch t.kind {
		case tokLParen:
			stack = append(stack, level{})
		case tokRParen:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case tokAnd:
			top.and = true
		case tokOr:
			top.or = true
		}
		if top.and && top.or {
			mixed = true
		}
	}
	if !mixed {
		return nil
	}
	return []Warning{{Expr: expr, Msg: "mixes && and || without parentheses; && now binds tighter"}}
}
