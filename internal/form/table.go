package form

import (
	"fmt"

	"boardline/internal/domain"
	"boardline/internal/gateway"
)

// AddRow appends an empty row to a table field, filled with the child
// schema's defaults, and returns its index.
func (f *Form) AddRow(table string) (int, error) {
	n, err := f.tableNode(table)
	if err != nil {
		return 0, err
	}
	row := map[string]any{}
	for _, c := range dataFields(n.def.Fields) {
		if c.Default != nil && c.Default != "" {
			row[c.Name] = WidgetFor(c).Coerce(c.Default)
		}
	}
	rows := append(toRows(f.values[table]), row)
	f.values[table] = rows
	f.Refresh()
	return len(rows) - 1, nil
}

// RemoveRow drops the row at index.
func (f *Form) RemoveRow(table string, index int) error {
	if _, err := f.tableNode(table); err != nil {
		return err
	}
	rows := toRows(f.values[table])
	if index < 0 || index >= len(rows) {
		return fmt.Errorf("%w: row %d of %s (have %d)", ErrInvalidValue, index, table, len(rows))
	}
	next := make([]map[string]any, 0, len(rows)-1)
	next = append(next, rows[:index]...)
	next = append(next, rows[index+1:]...)
	f.values[table] = next
	f.Refresh()
	return nil
}

// SetRowValue sets one cell of a table row.
func (f *Form) SetRowValue(table string, index int, field string, value any) error {
	n, err := f.tableNode(table)
	if err != nil {
		return err
	}
	if _, ok := columnByName(n.def.Fields, field); !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, table, field)
	}
	rows := toRows(f.values[table])
	if index < 0 || index >= len(rows) {
		return fmt.Errorf("%w: row %d of %s (have %d)", ErrInvalidValue, index, table, len(rows))
	}
	rows[index][field] = value
	f.values[table] = rows
	f.Refresh()
	return nil
}

func (f *Form) Rows(table string) []map[string]any {
	return toRows(f.values[table])
}

func (f *Form) tableNode(name string) (*Node, error) {
	n, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, name)
	}
	if n.Type != domain.FieldTable {
		return nil, fmt.Errorf("%w: %s is not a table field", ErrUnknownField, name)
	}
	return n, nil
}

func columnByName(defs []domain.FieldDefinition, name string) (domain.FieldDefinition, bool) {
	for _, d := range defs {
		if d.Name == name {
			return d, true
		}
	}
	return domain.FieldDefinition{}, false
}

func toRows(v any) []map[string]any {
	switch rows := v.(type) {
	case []map[string]any:
		return rows
	case []any:
		out := make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			switch m := r.(type) {
			case map[string]any:
				out = append(out, m)
			case domain.Document:
				out = append(out, map[string]any(m))
			}
		}
		return out
	case []domain.Document:
		out := make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			out = append(out, map[string]any(r))
		}
		return out
	default:
		return []map[string]any{}
	}
}

// LinkQuery builds the picker query for a link field: up to 50 records of
// the target type as value/label pairs, filtered by term on the title field.
func LinkQuery(target *domain.DocType, term string) gateway.ListOptions {
	titleField := "name"
	if target != nil && target.TitleField != "" {
		titleField = target.TitleField
	}
	opts := gateway.ListOptions{
		Fields: []string{"name as value", titleField + " as label"},
		Limit:  50,
	}
	if term != "" {
		opts.OrFilters = []gateway.Filter{gateway.F(titleField, gateway.OpLike, "%"+term+"%")}
	}
	return opts
}
