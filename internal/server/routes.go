package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"boardline/internal/board"
	"boardline/internal/domain"
	"boardline/internal/engine"
	"boardline/internal/form"
)

type body[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *body[T] { return &body[T]{Body: v} }

func (h handler) registerSession(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/session",
		Summary:     "Describe the authenticated caller",
	}, func(ctx context.Context, _ *struct{}) (*body[SessionResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		cfg := h.app.Config()
		return reply(SessionResponse{
			ActorID: p.ActorID,
			Roles:   p.Roles,
			Source:  p.Source,
			Mode:    cfg.Gateway.Mode,
		}), nil
	})
}

func (h handler) registerSchemas(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-doctype",
		Method:      http.MethodGet,
		Path:        "/doctypes/{doctype}",
		Summary:     "Get a document type schema",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Doctype string `path:"doctype"`
	}) (*body[*domain.DocType], error) {
		dt, err := h.app.Schemas.Get(ctx, input.Doctype)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(dt), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-field",
		Method:      http.MethodGet,
		Path:        "/doctypes/{doctype}/fields/{field}",
		Summary:     "Get a field definition or one of its attributes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Doctype   string `path:"doctype"`
		Field     string `path:"field"`
		Attribute string `query:"attribute"`
	}) (*body[FieldResponse], error) {
		v, err := h.app.Schemas.Field(ctx, input.Doctype, input.Field, input.Attribute)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(FieldResponse{Doctype: input.Doctype, Field: input.Field, Attribute: input.Attribute, Value: v}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-links",
		Method:      http.MethodGet,
		Path:        "/doctypes/{doctype}/links",
		Summary:     "Search records of a type for a link picker",
	}, func(ctx context.Context, input *struct {
		Doctype string `path:"doctype"`
		Term    string `query:"term"`
	}) (*body[[]domain.Document], error) {
		target, err := h.app.Schemas.Get(ctx, input.Doctype)
		if err != nil {
			return nil, handleError(err)
		}
		docs, err := h.app.Gateway.ListDocuments(ctx, input.Doctype, form.LinkQuery(target, input.Term))
		if err != nil {
			return nil, handleError(err)
		}
		if docs == nil {
			docs = []domain.Document{}
		}
		return reply(docs), nil
	})
}

func (h handler) buildForm(ctx context.Context, doctype string, values map[string]any, opts form.Options) (*form.Form, error) {
	dt, err := h.app.Schemas.Get(ctx, doctype)
	if err != nil {
		return nil, err
	}
	opts.Logger = h.logger
	return form.Build(dt, values, opts)
}

func (h handler) registerForms(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "render-form",
		Method:      http.MethodPost,
		Path:        "/doctypes/{doctype}/form",
		Summary:     "Resolve a form's layout and field state for the given values",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Doctype string `path:"doctype"`
		Body    FormRequest
	}) (*body[FormResponse], error) {
		f, err := h.buildForm(ctx, input.Doctype, input.Body.Values, form.Options{
			ReadOnly:   input.Body.ReadOnly,
			QuickEntry: input.Body.QuickEntry,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(formResponse(f)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-form",
		Method:      http.MethodPost,
		Path:        "/doctypes/{doctype}/submit",
		Summary:     "Validate a form and create or update the document",
		Errors:      []int{http.StatusUnprocessableEntity, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Doctype string `path:"doctype"`
		Body    SubmitRequest
	}) (*body[domain.Document], error) {
		f, err := h.buildForm(ctx, input.Doctype, input.Body.Values, form.Options{QuickEntry: input.Body.QuickEntry})
		if err != nil {
			return nil, handleError(err)
		}
		payload, err := f.Submit()
		if err != nil {
			return nil, handleError(err)
		}
		var doc domain.Document
		if input.Body.Name != "" {
			doc, err = h.app.Gateway.UpdateDocument(ctx, input.Doctype, input.Body.Name, payload)
		} else {
			doc, err = h.app.Gateway.CreateDocument(ctx, input.Doctype, payload)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return reply(doc), nil
	})
}

// BoardPath addresses one view of a project. Embedded inputs must be exported
// for huma to bind their path params.
type BoardPath struct {
	Project string `path:"project"`
	View    string `path:"view" enum:"backlog,kanban,list,table"`
}

func (h handler) openBoard(ctx context.Context, p BoardPath, groupBy string) (*board.Board, error) {
	e := h.engine()
	switch p.View {
	case "backlog":
		return e.Backlog(ctx, p.Project)
	case "kanban":
		return e.Kanban(ctx, p.Project)
	case "list":
		return e.List(ctx, p.Project, groupBy)
	case "table":
		return e.Table(ctx, p.Project)
	}
	return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown view "+p.View, nil)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (h handler) registerBoards(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*body[[]domain.Project], error) {
		items, err := h.engine().Projects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-group-by-fields",
		Method:      http.MethodGet,
		Path:        "/group-by-fields",
		Summary:     "List the select fields a list view can group by",
	}, func(ctx context.Context, _ *struct{}) (*body[[]string], error) {
		fields, err := h.engine().GroupByFields(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if fields == nil {
			fields = []string{}
		}
		return reply(fields), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/boards/{view}",
		Summary:     "Get a grouped view of a project's tasks",
		Errors:      []int{http.StatusNotFound, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		BoardPath
		GroupBy    string `query:"group_by"`
		Search     string `query:"search"`
		Statuses   string `query:"status" doc:"comma separated"`
		Priorities string `query:"priority" doc:"comma separated"`
	}) (*body[board.View], error) {
		b, err := h.openBoard(ctx, input.BoardPath, input.GroupBy)
		if err != nil {
			return nil, handleError(err)
		}
		b.SetFilter(board.Filter{
			Search:     input.Search,
			Statuses:   splitCSV(input.Statuses),
			Priorities: splitCSV(input.Priorities),
		})
		return reply(b.Snapshot()), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "drop-item",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/boards/{view}/drop",
		Summary:     "Move an item to another group",
		Errors:      []int{http.StatusNotFound, http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		BoardPath
		Body DropRequest
	}) (*body[board.DropResult], error) {
		b, err := h.openBoard(ctx, input.BoardPath, input.Body.GroupBy)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := b.Drop(ctx, input.Body.Item, input.Body.Target)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-item",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/boards/{view}/items",
		Summary:     "Create an item inside a group",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		BoardPath
		Body CreateItemRequest
	}) (*body[domain.Document], error) {
		b, err := h.openBoard(ctx, input.BoardPath, input.Body.GroupBy)
		if err != nil {
			return nil, handleError(err)
		}
		doc, err := b.CreateInGroup(ctx, input.Body.Group, input.Body.Fields)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(doc), nil
	})
}

func (h handler) registerItems(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "bulk-update-items",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/items/bulk-update",
		Summary:     "Set assignee and/or priority on many items",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Body    BulkUpdateRequest
	}) (*body[BulkResponse], error) {
		b, err := h.engine().Table(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		b.Select(input.Body.Names...)
		n, err := b.BulkUpdate(ctx, board.BulkPatch{Assignee: input.Body.Assignee, Priority: input.Body.Priority})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(BulkResponse{Count: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-delete-items",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/items/bulk-delete",
		Summary:     "Delete many items",
		Description: "Partial failures are listed in errors; the items that could be deleted are gone.",
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Body    BulkDeleteRequest
	}) (*body[BulkResponse], error) {
		b, err := h.engine().Table(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		b.Select(input.Body.Names...)
		n, err := b.BulkDelete(ctx)
		resp := BulkResponse{Count: n}
		if err != nil {
			resp.Errors = unjoin(err)
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item-field",
		Method:      http.MethodPatch,
		Path:        "/items/{name}",
		Summary:     "Edit one field of an item",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
		Body UpdateFieldRequest
	}) (*body[domain.Document], error) {
		doc, err := h.engine().UpdateField(ctx, input.Name, input.Body.Field, input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(doc), nil
	})
}

func unjoin(err error) []string {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range j.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

func (h handler) registerCycles(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-cycles",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/cycles",
		Summary:     "List a project's cycles by start date",
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Status  string `query:"status" doc:"comma separated"`
	}) (*body[[]domain.Cycle], error) {
		items, err := h.engine().Cycles(ctx, input.Project, splitCSV(input.Status)...)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-cycle",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/cycles",
		Summary:     "Plan a new cycle",
		Errors:      []int{http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Body    CreateCycleRequest
	}) (*body[domain.Cycle], error) {
		c, err := h.engine().CreateCycle(ctx, engine.NewCycle{
			Project:   input.Project,
			Title:     input.Body.Title,
			StartDate: input.Body.StartDate,
			EndDate:   input.Body.EndDate,
			Goal:      input.Body.Goal,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-cycle",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle}/start",
		Summary:     "Start a planned cycle",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Cycle string `path:"cycle"`
		Body  StartCycleRequest
	}) (*body[domain.Cycle], error) {
		e := h.engine()
		start, end := input.Body.StartDate, input.Body.EndDate
		if input.Body.Weeks > 0 {
			if start == "" {
				c, err := e.Cycle(ctx, input.Cycle)
				if err != nil {
					return nil, handleError(err)
				}
				start = c.StartDate
			}
			if start == "" {
				start = e.Today()
			}
			var err error
			if end, err = engine.PresetEnd(start, input.Body.Weeks); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
		}
		c, err := e.StartCycle(ctx, input.Cycle, start, end)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-cycle",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle}/complete",
		Summary:     "Complete an active cycle",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Cycle string `path:"cycle"`
		Body  engine.CompleteOptions
	}) (*body[engine.CompleteResult], error) {
		res, err := h.engine().CompleteCycle(ctx, input.Cycle, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-cycle",
		Method:        http.MethodDelete,
		Path:          "/cycles/{cycle}",
		Summary:       "Delete a cycle that is neither active nor completed",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Cycle string `path:"cycle"`
	}) (*struct{}, error) {
		if err := h.engine().DeleteCycle(ctx, input.Cycle); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

func (h handler) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent mutations recorded by the local store",
		Errors:      []int{http.StatusBadRequest, http.StatusNotImplemented},
	}, func(ctx context.Context, input *struct {
		Doctype string `query:"doctype"`
		Type    string `query:"type"`
		Limit   int    `query:"limit" default:"50"`
		After   string `query:"after" doc:"return events after this id, oldest first"`
	}) (*body[paginatedEvents], error) {
		if h.app.Local == nil {
			return nil, newAPIError(http.StatusNotImplemented, "not_implemented", "events are only recorded in local mode", nil)
		}
		limit := normalizeLimit(input.Limit)
		var (
			items []domain.Event
			err   error
		)
		if input.After != "" {
			cursor, perr := strconv.ParseInt(input.After, 10, 64)
			if perr != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"after": input.After})
			}
			items, err = h.app.Local.EventsAfter(ctx, limit+1, cursor, input.Doctype)
		} else {
			items, err = h.app.Local.LatestEvents(ctx, limit+1, input.Doctype, input.Type)
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}
