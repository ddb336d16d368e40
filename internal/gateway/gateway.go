// Package gateway defines the remote document store boardline works against
// and an HTTP client for the low-code platform's REST API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"boardline/internal/domain"
	"boardline/internal/realtime"
)

var ErrNotFound = errors.New("not found")

const (
	OpEq   = "="
	OpNeq  = "!="
	OpIn   = "in"
	OpLike = "like"
	OpGte  = ">="
)

// Filter is a (field, operator, value) triple. It encodes as a JSON array.
type Filter struct {
	Field string
	Op    string
	Value any
}

func F(field, op string, value any) Filter { return Filter{Field: field, Op: op, Value: value} }

func (f Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{f.Field, f.Op, f.Value})
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("filter must have 3 elements, got %d", len(raw))
	}
	field, ok1 := raw[0].(string)
	op, ok2 := raw[1].(string)
	if !ok1 || !ok2 {
		return errors.New("filter field and operator must be strings")
	}
	f.Field, f.Op, f.Value = field, op, raw[2]
	return nil
}

func (f Filter) Validate() error {
	switch f.Op {
	case OpEq, OpNeq, OpLike, OpGte:
		return nil
	case OpIn:
		if _, ok := f.Value.([]any); ok {
			return nil
		}
		if _, ok := f.Value.([]string); ok {
			return nil
		}
		return fmt.Errorf("filter %s: in requires a list value", f.Field)
	default:
		return fmt.Errorf("filter %s: unsupported operator %q", f.Field, f.Op)
	}
}

// ListOptions selects documents. Filters are AND'ed; the OrFilters group,
// when present, must match at least once. Fields accept "src as alias".
type ListOptions struct {
	Filters   []Filter `json:"filters,omitempty"`
	OrFilters []Filter `json:"or_filters,omitempty"`
	Fields    []string `json:"fields,omitempty"`
	OrderBy   string   `json:"order_by,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Offset    int      `json:"offset,omitempty"`
}

// Patch is a partial update of one document, used by BatchUpdate.
type Patch struct {
	Name   string         `json:"docname"`
	Fields map[string]any `json:"fields"`
}

type Gateway interface {
	ListDocuments(ctx context.Context, doctype string, opts ListOptions) ([]domain.Document, error)
	GetDocument(ctx context.Context, doctype, name string) (domain.Document, error)
	CreateDocument(ctx context.Context, doctype string, fields map[string]any) (domain.Document, error)
	UpdateDocument(ctx context.Context, doctype, name string, fields map[string]any) (domain.Document, error)
	DeleteDocument(ctx context.Context, doctype, name string) error
	BatchUpdate(ctx context.Context, doctype string, patches []Patch) error
	CallMethod(ctx context.Context, method string, params map[string]any) (any, error)
	DocTypeMeta(ctx context.Context, doctype string) (*domain.DocType, error)
	Subscribe(event string, h realtime.Handler) (func(), error)
}
