package repo

import (
	"fmt"
	"regexp"
	"strings"

	"boardline/internal/domain"
	"boardline/internal/gateway"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// column maps a document field to its SQL expression. Store-owned fields are
// real columns; the rest live in fields_json.
func column(field string) (string, error) {
	switch field {
	case "name":
		return "name", nil
	case "creation":
		return "created_at", nil
	case "modified":
		return "modified_at", nil
	}
	if !identRe.MatchString(field) {
		return "", fmt.Errorf("invalid field name %q", field)
	}
	return "json_extract(fields_json, '$." + field + "')", nil
}

// bind converts a filter value to what json_extract yields for the same
// JSON value.
func bind(v any) any {
	switch t := v.(type) {
	case bool:
		if t {
			return 1
		}
		return 0
	case domain.Flag:
		return bind(bool(t))
	default:
		return v
	}
}

func filterSQL(f gateway.Filter) (string, []any, error) {
	if err := f.Validate(); err != nil {
		return "", nil, err
	}
	col, err := column(f.Field)
	if err != nil {
		return "", nil, err
	}
	switch f.Op {
	case gateway.OpEq:
		if f.Value == nil {
			return col + " IS NULL", nil, nil
		}
		return col + " = ?", []any{bind(f.Value)}, nil
	case gateway.OpNeq:
		if f.Value == nil {
			return col + " IS NOT NULL", nil, nil
		}
		return "IFNULL(" + col + ", '') != ?", []any{bind(f.Value)}, nil
	case gateway.OpIn:
		values := listValues(f.Value)
		if len(values) == 0 {
			return "0=1", nil, nil
		}
		marks := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		return col + " IN (" + marks + ")", values, nil
	case gateway.OpLike:
		return col + " LIKE ?", []any{domain.Stringify(f.Value)}, nil
	case gateway.OpGte:
		return col + " >= ?", []any{bind(f.Value)}, nil
	}
	return "", nil, fmt.Errorf("unsupported operator %q", f.Op)
}

func listValues(v any) []any {
	switch t := v.(type) {
	case []any:
		out := make([]any, 0, len(t))
		for _, x := range t {
			out = append(out, bind(x))
		}
		return out
	case []string:
		out := make([]any, 0, len(t))
		for _, x := range t {
			out = append(out, x)
		}
		return out
	}
	return nil
}

func orderSQL(orderBy string) (string, error) {
	if strings.TrimSpace(orderBy) == "" {
		return "modified_at DESC, rowid DESC", nil
	}
	var parts []string
	for _, term := range strings.Split(orderBy, ",") {
		fields := strings.Fields(term)
		if len(fields) == 0 || len(fields) > 2 {
			return "", fmt.Errorf("invalid order_by %q", orderBy)
		}
		col, err := column(strings.Trim(fields[0], "`"))
		if err != nil {
			return "", err
		}
		dir := "ASC"
		if len(fields) == 2 {
			switch strings.ToLower(fields[1]) {
			case "asc":
			case "desc":
				dir = "DESC"
			default:
				return "", fmt.Errorf("invalid order direction %q", fields[1])
			}
		}
		parts = append(parts, col+" "+dir)
	}
	return strings.Join(parts, ", ") + ", rowid ASC", nil
}

func buildListQuery(doctype string, opts gateway.ListOptions) (string, []any, error) {
	clauses := []string{"doctype=?"}
	args := []any{doctype}
	for _, f := range opts.Filters {
		sql, a, err := filterSQL(f)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, sql)
		args = append(args, a...)
	}
	if len(opts.OrFilters) > 0 {
		var ors []string
		for _, f := range opts.OrFilters {
			sql, a, err := filterSQL(f)
			if err != nil {
				return "", nil, err
			}
			ors = append(ors, sql)
			args = append(args, a...)
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}
	order, err := orderSQL(opts.OrderBy)
	if err != nil {
		return "", nil, err
	}
	query := `SELECT name,fields_json,created_at,modified_at FROM documents WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY ` + order
	switch {
	case opts.Limit > 0:
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	case opts.Offset > 0:
		query += " LIMIT -1 OFFSET ?"
		args = append(args, opts.Offset)
	}
	return query, args, nil
}

// project applies a field list. Entries may be "*", a field name, or
// "source as alias".
func project(doc domain.Document, fields []string) domain.Document {
	if len(fields) == 0 {
		return doc
	}
	out := domain.Document{}
	for _, spec := range fields {
		spec = strings.TrimSpace(spec)
		if spec == "*" {
			for k, v := range doc {
				out[k] = v
			}
			continue
		}
		src, alias := spec, spec
		lower := strings.ToLower(spec)
		if i := strings.Index(lower, " as "); i >= 0 {
			src = strings.TrimSpace(spec[:i])
			alias = strings.TrimSpace(spec[i+4:])
		}
		out[strings.Trim(alias, "`")] = doc[strings.Trim(src, "`")]
	}
	return out
}
