package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"boardline/internal/domain"
	"boardline/internal/events"
	"boardline/internal/gateway"
)

const bulkUpdateMethod = "frappe.client.bulk_update"

// CallMethod serves the named operations the views rely on. Unknown methods
// fail with a 404 like the platform.
func (r Repo) CallMethod(ctx context.Context, method string, params map[string]any) (any, error) {
	var (
		res any
		err error
	)
	switch method {
	case r.Ops.StartCycle:
		res, err = r.startCycle(ctx, params)
	case r.Ops.CompleteCycle:
		res, err = r.completeCycle(ctx, params)
	case r.metaMethod():
		res, err = r.DocTypeMeta(ctx, domain.Stringify(params["doctype"]))
	case bulkUpdateMethod:
		res, err = r.bulkUpdate(ctx, params)
	default:
		return nil, &gateway.APIError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("method %s not found", method)}
	}
	if err != nil {
		return nil, err
	}
	if method != r.metaMethod() {
		if err := r.record(ctx, r.DB, events.Entry{Type: events.TypeMethod, Doctype: "method", Docname: method, Payload: params}); err != nil {
			r.logger().Warn("record method call failed", "method", method, "error", err)
		}
	}
	r.logger().Debug("method called", "method", method, "actor", events.ActorFrom(ctx))
	return res, nil
}

func (r Repo) metaMethod() string {
	if r.MetaMethod != "" {
		return r.MetaMethod
	}
	return gateway.DefaultMetaMethod
}

func (r Repo) cycle(ctx context.Context, name string) (domain.Cycle, error) {
	if name == "" {
		return domain.Cycle{}, ruleError("cycle_name is required")
	}
	doc, err := r.GetDocument(ctx, r.Board.CycleDoctype, name)
	if err != nil {
		return domain.Cycle{}, err
	}
	return domain.CycleFromDocument(doc), nil
}

func (r Repo) startCycle(ctx context.Context, params map[string]any) (any, error) {
	c, err := r.cycle(ctx, domain.Stringify(params["cycle_name"]))
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case domain.CycleActive:
		return nil, ruleError("Cycle %s is already active", c.Label())
	case domain.CycleCompleted, domain.CycleArchived:
		return nil, ruleError("Only planned cycles can be started; %s is %s", c.Label(), c.Status)
	}
	start, end := domain.Stringify(params["start_date"]), domain.Stringify(params["end_date"])
	if start == "" {
		start = c.StartDate
	}
	if end == "" {
		end = c.EndDate
	}
	return r.UpdateDocument(ctx, r.Board.CycleDoctype, c.Name, map[string]any{
		"status":     domain.CycleActive,
		"start_date": start,
		"end_date":   end,
	})
}

// completeCycle closes an active cycle. Tasks that are not completed move to
// move_tasks_to, or back to the backlog when it is empty.
func (r Repo) completeCycle(ctx context.Context, params map[string]any) (any, error) {
	c, err := r.cycle(ctx, domain.Stringify(params["cycle_name"]))
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CycleActive {
		return nil, ruleError("Only active cycles can be completed; %s is %s", c.Label(), c.Status)
	}
	moveTo := domain.Stringify(params["move_tasks_to"])
	if moveTo != "" {
		if moveTo == c.Name {
			return nil, ruleError("Cannot move tasks into the cycle being completed")
		}
		target, err := r.cycle(ctx, moveTo)
		if errors.Is(err, ErrNotFound) {
			return nil, ruleError("Cycle %s does not exist", moveTo)
		}
		if err != nil {
			return nil, err
		}
		if target.Project != c.Project {
			return nil, ruleError("Cycle %s belongs to another project", target.Label())
		}
		if target.Status != domain.CyclePlanned {
			return nil, ruleError("Tasks can only move to a planned cycle; %s is %s", target.Label(), target.Status)
		}
	}
	open, err := r.ListDocuments(ctx, r.Board.TaskDoctype, gateway.ListOptions{
		Filters: []gateway.Filter{
			gateway.F(r.Board.CycleField, gateway.OpEq, c.Name),
			gateway.F(r.Board.StatusField, gateway.OpNeq, domain.StatusCompleted),
		},
		Fields: []string{"name"},
	})
	if err != nil {
		return nil, err
	}
	var target any
	if moveTo != "" {
		target = moveTo
	}
	patches := make([]gateway.Patch, 0, len(open))
	for _, t := range open {
		patches = append(patches, gateway.Patch{Name: t.Name(), Fields: map[string]any{r.Board.CycleField: target}})
	}
	if err := r.BatchUpdate(ctx, r.Board.TaskDoctype, patches); err != nil {
		return nil, err
	}
	if _, err := r.UpdateDocument(ctx, r.Board.CycleDoctype, c.Name, map[string]any{"status": domain.CycleCompleted}); err != nil {
		return nil, err
	}
	return map[string]any{"cycle": c.Name, "moved": len(patches), "move_tasks_to": target}, nil
}

// bulkUpdate accepts the platform's payload: docs is a JSON list, or a JSON
// string of one, of {doctype, docname, ...fields}.
func (r Repo) bulkUpdate(ctx context.Context, params map[string]any) (any, error) {
	var docs []map[string]any
	switch raw := params["docs"].(type) {
	case string:
		if err := json.Unmarshal([]byte(raw), &docs); err != nil {
			return nil, fmt.Errorf("decode docs: %w", err)
		}
	case []any:
		for _, d := range raw {
			if m, ok := d.(map[string]any); ok {
				docs = append(docs, m)
			}
		}
	default:
		return nil, ruleError("docs is required")
	}
	byType := map[string][]gateway.Patch{}
	var order []string
	for _, d := range docs {
		doctype := domain.Stringify(d["doctype"])
		name := domain.Stringify(d["docname"])
		if doctype == "" || name == "" {
			return nil, ruleError("each doc needs doctype and docname")
		}
		fields := map[string]any{}
		for k, v := range d {
			if k != "doctype" && k != "docname" {
				fields[k] = v
			}
		}
		if _, ok := byType[doctype]; !ok {
			order = append(order, doctype)
		}
		byType[doctype] = append(byType[doctype], gateway.Patch{Name: name, Fields: fields})
	}
	for _, doctype := range order {
		if err := r.BatchUpdate(ctx, doctype, byType[doctype]); err != nil {
			return nil, err
		}
	}
	return map[string]any{"failed_docs": []any{}}, nil
}
