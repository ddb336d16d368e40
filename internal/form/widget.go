package form

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"boardline/internal/domain"
)

// Widget is the input control chosen for a field type.
type Widget interface {
	Kind() string
	// Coerce turns a schema default into the widget's value type.
	Coerce(def any) any
}

type passthrough struct{}

func (passthrough) Coerce(def any) any { return def }

type TextWidget struct {
	passthrough
	Rows      int    `json:"rows,omitempty"`
	MaxLength int    `json:"max_length,omitempty"`
	Rich      bool   `json:"rich,omitempty"`
	Monospace bool   `json:"monospace,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`
	Source    string `json:"source_type,omitempty"`
}

func (TextWidget) Kind() string { return "text" }

type SelectWidget struct {
	passthrough
	Options  []string `json:"options"`
	Multiple bool     `json:"multiple,omitempty"`
}

func (s SelectWidget) Kind() string {
	if s.Multiple {
		return "multiselect"
	}
	return "select"
}

type LinkWidget struct {
	passthrough
	Target string `json:"target"`
}

func (LinkWidget) Kind() string { return "link" }

type NumberWidget struct {
	Precision   int    `json:"precision"`
	NonNegative bool   `json:"non_negative,omitempty"`
	Format      string `json:"format,omitempty"`
}

func (NumberWidget) Kind() string { return "number" }

func (NumberWidget) Coerce(def any) any { return ParseFloat(def) }

type CheckWidget struct{}

func (CheckWidget) Kind() string { return "check" }

func (CheckWidget) Coerce(def any) any {
	switch v := def.(type) {
	case bool:
		return v
	case string:
		return v == "1" || v == "true"
	case domain.Flag:
		return bool(v)
	default:
		return domain.Stringify(v) == "1"
	}
}

type DateWidget struct {
	passthrough
	WithTime bool `json:"with_time,omitempty"`
}

func (d DateWidget) Kind() string {
	if d.WithTime {
		return "datetime"
	}
	return "date"
}

type TimeWidget struct {
	passthrough
	Format string `json:"format"`
}

func (TimeWidget) Kind() string { return "time" }

type ColorWidget struct {
	passthrough
	Format string `json:"format"`
}

func (ColorWidget) Kind() string { return "color" }

type RatingWidget struct {
	passthrough
	Count int `json:"count"`
}

func (RatingWidget) Kind() string { return "rating" }

type AttachWidget struct {
	passthrough
	ImageOnly bool `json:"image_only,omitempty"`
	MaxCount  int  `json:"max_count"`
}

func (AttachWidget) Kind() string { return "attach" }

// HTMLWidget renders the field's options as static content.
type HTMLWidget struct {
	passthrough
	Content string `json:"content,omitempty"`
}

func (HTMLWidget) Kind() string { return "html" }

type MarkdownWidget struct{ passthrough }

func (MarkdownWidget) Kind() string { return "markdown" }

type JSONWidget struct{ passthrough }

func (JSONWidget) Kind() string { return "json" }

type ButtonWidget struct {
	passthrough
	Label string `json:"label"`
}

func (ButtonWidget) Kind() string { return "button" }

type TableWidget struct {
	passthrough
	Child   string                   `json:"child"`
	Columns []domain.FieldDefinition `json:"columns"`
}

func (TableWidget) Kind() string { return "table" }

// WidgetFor dispatches a field definition to its widget. Unknown types get a
// single-line text input marked as a fallback.
func WidgetFor(f domain.FieldDefinition) Widget {
	switch f.Type {
	case domain.FieldData:
		return TextWidget{}
	case domain.FieldSmallText:
		max := f.Length
		if max == 0 {
			max = 255
		}
		return TextWidget{MaxLength: max}
	case domain.FieldText, domain.FieldLongText:
		return TextWidget{Rows: 4}
	case domain.FieldTextEditor:
		return TextWidget{Rows: 6, Rich: true}
	case domain.FieldCode:
		return TextWidget{Rows: 8, Monospace: true}
	case domain.FieldSelect:
		return SelectWidget{Options: f.OptionList()}
	case domain.FieldMultiSelect:
		return SelectWidget{Options: f.OptionList(), Multiple: true}
	case domain.FieldLink:
		return LinkWidget{Target: f.Options}
	case domain.FieldInt:
		return NumberWidget{Precision: 0, NonNegative: bool(f.NonNegative)}
	case domain.FieldFloat:
		return NumberWidget{Precision: 2, NonNegative: bool(f.NonNegative)}
	case domain.FieldCurrency:
		return NumberWidget{Precision: 2, NonNegative: bool(f.NonNegative), Format: "currency"}
	case domain.FieldPercent:
		p, _ := strconv.Atoi(f.Precision)
		return NumberWidget{Precision: p, NonNegative: bool(f.NonNegative), Format: "percent"}
	case domain.FieldCheck:
		return CheckWidget{}
	case domain.FieldDate:
		return DateWidget{}
	case domain.FieldDatetime:
		return DateWidget{WithTime: true}
	case domain.FieldTime:
		return TimeWidget{Format: "HH:mm"}
	case domain.FieldColor:
		format := f.Options
		if format == "" {
			format = "hex"
		}
		return ColorWidget{Format: format}
	case domain.FieldRating:
		count, err := strconv.Atoi(strings.TrimSpace(f.Options))
		if err != nil || count <= 0 {
			count = 5
		}
		return RatingWidget{Count: count}
	case domain.FieldAttach:
		return AttachWidget{MaxCount: 1}
	case domain.FieldAttachImage:
		max := f.MaxCount
		if max == 0 {
			max = 1
		}
		return AttachWidget{ImageOnly: true, MaxCount: max}
	case domain.FieldHTML:
		return HTMLWidget{Content: f.Options}
	case domain.FieldMarkdown:
		return MarkdownWidget{}
	case domain.FieldJSON:
		return JSONWidget{}
	case domain.FieldButton:
		label := f.Label
		if label == "" {
			label = f.Name
		}
		return ButtonWidget{Label: label}
	case domain.FieldTable:
		return TableWidget{Child: f.Options, Columns: dataFields(f.Fields)}
	default:
		return TextWidget{Fallback: true, Source: string(f.Type)}
	}
}

var floatPrefix = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)

// ParseFloat reads the leading number of v, or 0 when there is none.
func ParseFloat(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case bool:
		return 0
	default:
		m := floatPrefix.FindString(strings.TrimSpace(domain.Stringify(v)))
		if m == "" {
			return 0
		}
		parsed, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return 0
		}
		f = parsed
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func dataFields(defs []domain.FieldDefinition) []domain.FieldDefinition {
	var out []domain.FieldDefinition
	for _, d := range defs {
		if !d.Type.IsLayout() {
			out = append(out, d)
		}
	}
	return out
}
