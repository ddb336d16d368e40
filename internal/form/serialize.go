package form

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"boardline/internal/domain"
)

const (
	DateLayout     = "2006-01-02"
	DatetimeLayout = "2006-01-02 15:04:05"
)

var ErrInvalidValue = errors.New("invalid value")

// Serialize converts form values into the gateway's wire shape. Date and
// datetime values become fixed-layout strings, table values become row
// objects keyed by the child schema, and everything else passes through.
func Serialize(values map[string]any, schema *domain.DocType) (map[string]any, error) {
	if schema == nil {
		return nil, ErrInvalidSchema
	}
	return serializeFields(values, schema.Fields)
}

func serializeFields(values map[string]any, defs []domain.FieldDefinition) (map[string]any, error) {
	byName := make(map[string]domain.FieldDefinition, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}
	out := make(map[string]any, len(values))
	var errs []error
	for name, v := range values {
		d, ok := byName[name]
		if !ok {
			out[name] = v
			continue
		}
		switch d.Type {
		case domain.FieldSectionBreak, domain.FieldColumnBreak, domain.FieldTabBreak:
			continue
		case domain.FieldDate, domain.FieldDatetime:
			s, err := FormatDate(v, d.Type == domain.FieldDatetime)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			out[name] = s
		case domain.FieldTable:
			rows, err := serializeRows(v, d.Fields)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			out[name] = rows
		default:
			out[name] = v
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func serializeRows(v any, columns []domain.FieldDefinition) ([]map[string]any, error) {
	rows := toRows(v)
	out := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		shaped := map[string]any{}
		if name, ok := row["name"]; ok && name != nil && name != "" {
			shaped["name"] = name
		}
		kept := map[string]any{}
		for _, c := range columns {
			if c.Type.IsLayout() {
				continue
			}
			if val, ok := row[c.Name]; ok {
				kept[c.Name] = val
			}
		}
		ser, err := serializeFields(kept, columns)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		for k, val := range ser {
			shaped[k] = val
		}
		out = append(out, shaped)
	}
	return out, nil
}

// FormatDate renders v as YYYY-MM-DD, or YYYY-MM-DD HH:mm:ss with withTime.
// Empty values stay nil. Strings in other layouts are parsed first.
func FormatDate(v any, withTime bool) (any, error) {
	layout := DateLayout
	if withTime {
		layout = DatetimeLayout
	}
	var t time.Time
	switch val := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		if val.IsZero() {
			return nil, nil
		}
		t = val
	case *time.Time:
		if val == nil || val.IsZero() {
			return nil, nil
		}
		t = *val
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil, nil
		}
		if exact, err := time.Parse(layout, s); err == nil {
			t = exact
			break
		}
		parsed, err := ParseDate(s)
		if err != nil {
			return nil, err
		}
		t = parsed
	default:
		return nil, fmt.Errorf("%w: unsupported date value %T", ErrInvalidValue, v)
	}
	return t.Format(layout), nil
}

// ParseDate reads a date or datetime in any common layout. Values without a
// zone are read as UTC so the calendar date is preserved.
func ParseDate(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case *time.Time:
		if val == nil {
			return time.Time{}, fmt.Errorf("%w: nil date", ErrInvalidValue)
		}
		return *val, nil
	case string:
		t, err := dateparse.ParseIn(strings.TrimSpace(val), time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q is not a date", ErrInvalidValue, val)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported date value %T", ErrInvalidValue, v)
	}
}
