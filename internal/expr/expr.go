// Package expr evaluates the conditional expressions attached to schema
// fields (visible/required/read-only). Expressions prefixed with "eval:" are
// parsed with explicit precedence: || binds loosest, then &&, then == and !=.
// Anything else is a bare field name checked for truthiness.
package expr

import (
	"fmt"
	"log/slog"
	"strings"

	"boardline/internal/domain"
)

const Marker = "eval:"

type SyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expression %q: %s at offset %d", e.Expr, e.Msg, e.Pos)
}

// Program is a compiled expression, safe for concurrent use.
type Program struct {
	source string
	root   node
}

func (p *Program) String() string { return p.source }

// Eval evaluates the program against a value snapshot.
func (p *Program) Eval(values map[string]any) bool {
	return p.root.eval(values)
}

// Compile parses expr once so it can be evaluated on every value change.
func Compile(expr string) (*Program, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return nil, &SyntaxError{Expr: expr, Msg: "empty expression"}
	}
	if !strings.HasPrefix(src, Marker) {
		return &Program{source: expr, root: truth{op: fieldRef(src)}}, nil
	}
	body := strings.TrimSpace(strings.TrimPrefix(src, Marker))
	toks, err := tokenize(body)
	if err != nil {
		return nil, err
	}
	p := &parser{src: body, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		t := p.peek()
		return nil, &SyntaxError{Expr: body, Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
	}
	return &Program{source: expr, root: root}, nil
}

// Evaluate compiles and evaluates expr in one step.
func Evaluate(expr string, values map[string]any) (bool, error) {
	prog, err := Compile(expr)
	if err != nil {
		return false, err
	}
	return prog.Eval(values), nil
}

// EvaluateOrTrue treats malformed expressions as satisfied so a field a user
// needs is never hidden by a broken condition.
func EvaluateOrTrue(expr string, values map[string]any, logger *slog.Logger) bool {
	ok, err := Evaluate(expr, values)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("expression evaluation failed", slog.String("expr", expr), slog.String("error", err.Error()))
		return true
	}
	return ok
}

// Truthy mirrors the client-side coercion used by the platform's forms.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case domain.Flag:
		return bool(t)
	default:
		return true
	}
}

func fieldRef(name string) operand {
	return operand{field: strings.TrimPrefix(strings.TrimSpace(name), "doc."), isField: true}
}

type node interface {
	eval(values map[string]any) bool
}

type operand struct {
	field   string
	literal string
	isField bool
	isNull  bool
}

func (o operand) value(values map[string]any) (string, bool) {
	if !o.isField {
		return o.literal, true
	}
	v, ok := values[o.field]
	if !ok || v == nil {
		return "", false
	}
	return domain.Stringify(v), true
}

type truth struct{ op operand }

func (t truth) eval(values map[string]any) bool {
	if !t.op.isField {
		return t.op.literal != ""
	}
	return Truthy(values[t.op.field])
}

type compare struct {
	left, right operand
	negate      bool
}

func (c compare) eval(values map[string]any) bool {
	return c.equal(values) != c.negate
}

func (c compare) equal(values map[string]any) bool {
	if c.right.isNull || c.left.isNull {
		other := c.left
		if c.left.isNull {
			other = c.right
		}
		v, ok := other.value(values)
		return !ok || v == ""
	}
	l, lok := c.left.value(values)
	r, rok := c.right.value(values)
	if !lok || !rok {
		return false
	}
	return l == r
}

type and struct{ terms []node }

func (a and) eval(values map[string]any) bool {
	for _, t := range a.terms {
		if !t.eval(values) {
			return false
		}
	}
	return true
}

type or struct{ terms []node }

func (o or) eval(values map[string]any) bool {
	for _, t := range o.terms {
		if t.eval(values) {
			return true
		}
	}
	return false
}

type not struct{ inner node }

func (n not) eval(values map[string]any) bool { return !n.inner.eval(values) }
