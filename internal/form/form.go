// Package form interprets a document type schema as an editable form: it
// picks a widget per field, lays fields out in tabs, sections and columns,
// resolves conditional visibility, requiredness and read-only state against
// the live values, and serializes the result for the gateway.
package form

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"boardline/internal/domain"
	"boardline/internal/expr"
)

var (
	ErrInvalidSchema = errors.New("invalid schema")
	ErrUnknownField  = errors.New("unknown field")
)

// ValidationError lists fields that block submission.
type ValidationError struct {
	Missing  []string          `json:"missing,omitempty"`
	Invalid  map[string]string `json:"invalid,omitempty"`
	Doctype  string            `json:"doctype"`
	messages []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(e.Missing, ", "))
	}
	parts = append(parts, e.messages...)
	return fmt.Sprintf("%s validation failed: %s", e.Doctype, strings.Join(parts, "; "))
}

// Node is one data field with its resolved state.
type Node struct {
	Name        string           `json:"name"`
	Label       string           `json:"label"`
	Type        domain.FieldType `json:"type"`
	Kind        string           `json:"kind"`
	Widget      Widget           `json:"widget"`
	Value       any              `json:"value"`
	Hidden      bool             `json:"hidden"`
	Required    bool             `json:"required"`
	ReadOnly    bool             `json:"read_only"`
	Description string           `json:"description,omitempty"`

	def        domain.FieldDefinition
	visibleIf  condition
	requiredIf condition
	readOnlyIf condition
}

func newNode(d domain.FieldDefinition) *Node {
	w := WidgetFor(d)
	label := d.Label
	if label == "" {
		label = d.Name
	}
	return &Node{
		Name:        d.Name,
		Label:       label,
		Type:        d.Type,
		Kind:        w.Kind(),
		Widget:      w,
		Description: d.Description,
		def:         d,
	}
}

func (n *Node) Definition() domain.FieldDefinition { return n.def }

// condition is a compiled expression. A broken expression is kept as
// always-true so the field stays usable.
type condition struct {
	prog   *expr.Program
	broken bool
}

func (c condition) present() bool { return c.prog != nil || c.broken }

func (c condition) eval(values map[string]any) bool {
	if c.broken {
		return true
	}
	return c.prog.Eval(values)
}

type Options struct {
	ReadOnly   bool
	QuickEntry bool
	Logger     *slog.Logger
}

// Form is the interpreted, stateful form. It is not safe for concurrent use.
type Form struct {
	Doctype string  `json:"doctype"`
	Layout  Layout  `json:"layout"`
	nodes   []*Node
	byName  map[string]*Node
	values  map[string]any
	schema  *domain.DocType
	opts    Options
	logger  *slog.Logger
}

// Build interprets schema with initialValues. A nil schema or one without
// fields yields ErrInvalidSchema and no form.
func Build(schema *domain.DocType, initialValues map[string]any, opts Options) (*Form, error) {
	if schema == nil || len(schema.Fields) == 0 {
		return nil, ErrInvalidSchema
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f := &Form{
		Doctype: schema.Name,
		byName:  map[string]*Node{},
		values:  map[string]any{},
		schema:  schema,
		opts:    opts,
		logger:  logger.With(slog.String("doctype", schema.Name)),
	}
	defs := schema.Fields
	if opts.QuickEntry {
		defs = nil
		for _, d := range schema.Fields {
			if d.AllowInQuickEntry {
				defs = append(defs, d)
			}
		}
	}
	f.Layout = partition(defs, func(d domain.FieldDefinition) *Node {
		n := newNode(d)
		n.visibleIf = f.compile(d.Name, "depends_on", d.VisibleIf)
		n.requiredIf = f.compile(d.Name, "mandatory_depends_on", d.RequiredIf)
		n.readOnlyIf = f.compile(d.Name, "read_only_depends_on", d.ReadOnlyIf)
		f.nodes = append(f.nodes, n)
		f.byName[d.Name] = n
		return n
	})
	for k, v := range initialValues {
		f.values[k] = v
	}
	for _, n := range f.nodes {
		// A supplied value wins over the default, even when it is nil.
		if _, ok := initialValues[n.Name]; ok && n.Type != domain.FieldTable {
			continue
		}
		switch {
		case n.Type == domain.FieldTable:
			f.values[n.Name] = []map[string]any{}
		case n.def.Default != nil && n.def.Default != "":
			f.values[n.Name] = n.Widget.Coerce(n.def.Default)
		}
	}
	for name, raw := range initialValues {
		if n, ok := f.byName[name]; ok && n.Type == domain.FieldTable {
			f.values[name] = toRows(raw)
		}
	}
	f.Refresh()
	return f, nil
}

func (f *Form) compile(field, attr, src string) condition {
	if strings.TrimSpace(src) == "" {
		return condition{}
	}
	for _, w := range expr.Analyze(src) {
		f.logger.Warn("conditional expression needs review",
			slog.String("field", field), slog.String("attribute", attr),
			slog.String("expr", w.Expr), slog.String("reason", w.Msg))
	}
	prog, err := expr.Compile(src)
	if err != nil {
		f.logger.Warn("conditional expression is malformed; treating as true",
			slog.String("field", field), slog.String("attribute", attr), slog.String("error", err.Error()))
		return condition{broken: true}
	}
	return condition{prog: prog}
}

// Refresh re-resolves hidden, required and read-only state for every field
// against the current values.
func (f *Form) Refresh() {
	for _, n := range f.nodes {
		n.Value = f.values[n.Name]
		n.Hidden = bool(n.def.Hidden) || (n.visibleIf.present() && !n.visibleIf.eval(f.values))
		n.Required = bool(n.def.Required) || (n.requiredIf.present() && n.requiredIf.eval(f.values))
		n.ReadOnly = f.opts.ReadOnly || bool(n.def.ReadOnly) || (n.readOnlyIf.present() && n.readOnlyIf.eval(f.values))
	}
}

// Set changes one value and re-resolves the whole form before returning.
func (f *Form) Set(name string, value any) error {
	n, ok := f.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, name)
	}
	if n.Type == domain.FieldTable {
		value = toRows(value)
	}
	f.values[name] = value
	f.Refresh()
	return nil
}

// SetAll applies several values with a single re-resolution.
func (f *Form) SetAll(values map[string]any) error {
	for name, v := range values {
		n, ok := f.byName[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownField, name)
		}
		if n.Type == domain.FieldTable {
			v = toRows(v)
		}
		f.values[name] = v
	}
	f.Refresh()
	return nil
}

func (f *Form) Field(name string) (*Node, bool) {
	n, ok := f.byName[name]
	return n, ok
}

func (f *Form) Value(name string) any { return f.values[name] }

// Values returns a copy of the current value snapshot.
func (f *Form) Values() map[string]any {
	out := make(map[string]any, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

// Nodes lists data fields in schema order.
func (f *Form) Nodes() []*Node { return f.nodes }

// Visible lists the names of fields currently shown.
func (f *Form) Visible() []string {
	var out []string
	for _, n := range f.nodes {
		if !n.Hidden {
			out = append(out, n.Name)
		}
	}
	return out
}

// Validate reports visible required fields without a value and negative
// numbers in non-negative fields.
func (f *Form) Validate() error {
	verr := &ValidationError{Doctype: f.Doctype}
	for _, n := range f.nodes {
		if n.Hidden || n.Type == domain.FieldButton || n.Type == domain.FieldHTML {
			continue
		}
		v := f.values[n.Name]
		if n.Required && isEmpty(v) {
			verr.Missing = append(verr.Missing, n.Label)
			continue
		}
		if nw, ok := n.Widget.(NumberWidget); ok && nw.NonNegative && !isEmpty(v) && ParseFloat(v) < 0 {
			if verr.Invalid == nil {
				verr.Invalid = map[string]string{}
			}
			verr.Invalid[n.Name] = "value must be non-negative"
			verr.messages = append(verr.messages, n.Label+" must be non-negative")
		}
	}
	if len(verr.Missing) == 0 && len(verr.Invalid) == 0 {
		return nil
	}
	return verr
}

// Submit validates the form and returns the serialized payload.
func (f *Form) Submit() (map[string]any, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return Serialize(f.values, f.schema)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case []map[string]any:
		return len(t) == 0
	}
	return false
}
