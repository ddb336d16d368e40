// Package engine composes boards into the project views (backlog, kanban,
// list and table) and runs the cycle lifecycle on top of the gateway.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"boardline/internal/board"
	"boardline/internal/config"
	"boardline/internal/domain"
	"boardline/internal/gateway"
	"boardline/internal/metrics"
	"boardline/internal/realtime"
	"boardline/internal/schema"
)

// ErrCycleRule reports a cycle operation refused before reaching the gateway.
var ErrCycleRule = errors.New("cycle rule violated")

type Engine struct {
	Gateway  gateway.Gateway
	Schemas  *schema.Cache
	Board    config.Board
	Ops      config.Operations
	Notifier board.Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

type Options struct {
	Bus     realtime.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func New(gw gateway.Gateway, schemas *schema.Cache, cfg *config.Config, opts Options) Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		Gateway:  gw,
		Schemas:  schemas,
		Board:    cfg.Board,
		Ops:      cfg.Operations,
		Notifier: BusNotifier{Bus: opts.Bus, Logger: logger},
		Metrics:  opts.Metrics,
		Logger:   logger,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) fields() board.Fields {
	return board.Fields{
		Subject:  e.Board.SubjectField,
		Status:   e.Board.StatusField,
		Priority: e.Board.PriorityField,
		Assignee: e.Board.AssigneeField,
	}
}

func (e Engine) options(distance float64, query gateway.ListOptions) board.Options {
	return board.Options{
		Query:              query,
		Fields:             e.fields(),
		ActivationDistance: distance,
		Notifier:           e.Notifier,
		Metrics:            e.Metrics,
		Logger:             e.Logger,
	}
}

// taskQuery lists a project's tasks with the fields boards display.
func (e Engine) taskQuery(project string, extra ...gateway.Filter) gateway.ListOptions {
	b := e.Board
	fields := []string{"name", b.SubjectField, b.StatusField, b.CycleField, b.ProjectField, "modified"}
	for _, f := range []string{b.PriorityField, b.AssigneeField} {
		if f != "" {
			fields = append(fields, f)
		}
	}
	filters := []gateway.Filter{gateway.F(b.ProjectField, gateway.OpEq, project)}
	return gateway.ListOptions{
		Filters: append(filters, extra...),
		Fields:  fields,
		OrderBy: "modified desc",
	}
}

func (e Engine) Project(ctx context.Context, name string) (domain.Project, error) {
	doc, err := e.Gateway.GetDocument(ctx, e.Board.ProjectDoctype, name)
	if err != nil {
		return domain.Project{}, fmt.Errorf("project %s: %w", name, err)
	}
	return domain.ProjectFromDocument(doc, e.Board.ExecutionModeField), nil
}

func (e Engine) Projects(ctx context.Context) ([]domain.Project, error) {
	docs, err := e.Gateway.ListDocuments(ctx, e.Board.ProjectDoctype, gateway.ListOptions{
		Fields:  []string{"name", "project_name", e.Board.ExecutionModeField},
		OrderBy: "name asc",
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Project, 0, len(docs))
	for _, d := range docs {
		out = append(out, domain.ProjectFromDocument(d, e.Board.ExecutionModeField))
	}
	return out, nil
}

// Cycles lists a project's cycles ordered by start date. With statuses set,
// only cycles in one of them are returned.
func (e Engine) Cycles(ctx context.Context, project string, statuses ...string) ([]domain.Cycle, error) {
	opts := gateway.ListOptions{
		Filters: []gateway.Filter{gateway.F("project", gateway.OpEq, project)},
		Fields:  []string{"name", "title", "project", "status", "start_date", "end_date"},
		OrderBy: "start_date asc, name asc",
	}
	if len(statuses) > 0 {
		in := make([]any, len(statuses))
		for i, s := range statuses {
			in[i] = s
		}
		opts.Filters = append(opts.Filters, gateway.F("status", gateway.OpIn, in))
	}
	docs, err := e.Gateway.ListDocuments(ctx, e.Board.CycleDoctype, opts)
	if err != nil {
		return nil, fmt.Errorf("cycles of %s: %w", project, err)
	}
	out := make([]domain.Cycle, 0, len(docs))
	for _, d := range docs {
		out = append(out, domain.CycleFromDocument(d))
	}
	return out, nil
}

// ActiveCycle returns the project's active cycle, if there is one.
func (e Engine) ActiveCycle(ctx context.Context, project string) (domain.Cycle, bool, error) {
	cycles, err := e.Cycles(ctx, project, domain.CycleActive)
	if err != nil || len(cycles) == 0 {
		return domain.Cycle{}, false, err
	}
	return cycles[0], true, nil
}

// Backlog groups a project's tasks by cycle. Scrum projects get one group
// per open cycle plus the backlog; Kanban projects only have the backlog,
// which holds their Open tasks.
func (e Engine) Backlog(ctx context.Context, projectName string) (*board.Board, error) {
	p, err := e.Project(ctx, projectName)
	if err != nil {
		return nil, err
	}
	grouping := board.CycleGrouping{
		FieldName: e.Board.CycleField,
		Backlog:   e.Board.BacklogGroup,
	}
	query := e.taskQuery(p.Name)
	if p.IsScrum() {
		cycles, err := e.Cycles(ctx, p.Name, domain.CyclePlanned, domain.CycleActive)
		if err != nil {
			return nil, err
		}
		grouping.Cycles = cycles
	} else {
		status := e.Board.StatusField
		grouping.BacklogMember = func(it domain.WorkItem) bool { return it.Text(status) == domain.StatusOpen }
		query.Filters = append(query.Filters, gateway.F(status, gateway.OpEq, domain.StatusOpen))
	}
	opts := e.options(e.Board.BacklogDistance, query)
	opts.CreateDefaults = map[string]any{
		e.Board.ProjectField: p.Name,
		e.Board.StatusField:  domain.StatusOpen,
	}
	b := board.New(e.Gateway, e.Board.TaskDoctype, grouping, opts)
	if err := b.Load(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Kanban groups tasks by status, without the excluded columns. A Scrum
// project with an active cycle shows only that cycle's tasks.
func (e Engine) Kanban(ctx context.Context, projectName string) (*board.Board, error) {
	p, err := e.Project(ctx, projectName)
	if err != nil {
		return nil, err
	}
	meta, err := e.Schemas.Get(ctx, e.Board.TaskDoctype)
	if err != nil {
		return nil, err
	}
	grouping, err := board.SelectGrouping(meta, e.Board.StatusField, e.Board.KanbanExclude...)
	if err != nil {
		return nil, err
	}
	query := e.taskQuery(p.Name)
	defaults := map[string]any{e.Board.ProjectField: p.Name}
	if p.IsScrum() {
		active, ok, err := e.ActiveCycle(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		if ok {
			query.Filters = append(query.Filters, gateway.F(e.Board.CycleField, gateway.OpEq, active.Name))
			defaults[e.Board.CycleField] = active.Name
		}
	}
	opts := e.options(e.Board.BoardDistance, query)
	opts.ItemTargets = true
	opts.CreateDefaults = defaults
	b := board.New(e.Gateway, e.Board.TaskDoctype, grouping, opts)
	if err := b.Load(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// GroupByFields lists the select fields a list view can group by.
func (e Engine) GroupByFields(ctx context.Context) ([]string, error) {
	meta, err := e.Schemas.Get(ctx, e.Board.TaskDoctype)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range meta.SelectFields() {
		out = append(out, f.Name)
	}
	return out, nil
}

// List groups a project's tasks by any select field, status by default.
func (e Engine) List(ctx context.Context, projectName, groupBy string) (*board.Board, error) {
	if groupBy == "" {
		groupBy = e.Board.StatusField
	}
	meta, err := e.Schemas.Get(ctx, e.Board.TaskDoctype)
	if err != nil {
		return nil, err
	}
	grouping, err := board.SelectGrouping(meta, groupBy)
	if err != nil {
		return nil, err
	}
	query := e.taskQuery(projectName)
	if !slices.Contains(query.Fields, groupBy) {
		query.Fields = append(query.Fields, groupBy)
	}
	opts := e.options(e.Board.BoardDistance, query)
	opts.CreateDefaults = map[string]any{e.Board.ProjectField: projectName}
	b := board.New(e.Gateway, e.Board.TaskDoctype, grouping, opts)
	if err := b.Load(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Table is a flat, filterable list of a project's tasks.
func (e Engine) Table(ctx context.Context, projectName string) (*board.Board, error) {
	b := board.New(e.Gateway, e.Board.TaskDoctype, board.FlatGrouping{}, e.options(0, e.taskQuery(projectName)))
	if err := b.Load(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// UpdateField edits one field of one task inline.
func (e Engine) UpdateField(ctx context.Context, name, field string, value any) (domain.Document, error) {
	if field == "" {
		return nil, errors.New("field is required")
	}
	doc, err := e.Gateway.UpdateDocument(ctx, e.Board.TaskDoctype, name, map[string]any{field: value})
	if err != nil {
		e.Notifier.Notify(ctx, board.Notification{
			Level:   "error",
			Title:   "Could not update " + field,
			Message: err.Error(),
			Doctype: e.Board.TaskDoctype,
			Name:    name,
		})
		return nil, err
	}
	return doc, nil
}
