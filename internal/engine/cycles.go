package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"boardline/internal/board"
	"boardline/internal/domain"
	"boardline/internal/gateway"
)

const dateLayout = "2006-01-02"

// DurationPresets are the cycle lengths offered when starting a cycle, in
// weeks.
var DurationPresets = []int{1, 2, 3}

// PresetEnd returns the end date of a cycle starting on start that runs for
// weeks weeks.
func PresetEnd(start string, weeks int) (string, error) {
	if !slices.Contains(DurationPresets, weeks) {
		return "", fmt.Errorf("unsupported duration %d weeks", weeks)
	}
	t, err := parseDay(start)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, 7*weeks).Format(dateLayout), nil
}

// parseDay accepts a date or a platform datetime and keeps the day.
func parseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) >= len(dateLayout) {
		if t, err := time.Parse(dateLayout, s[:len(dateLayout)]); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

func cycleRule(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCycleRule, fmt.Sprintf(format, args...))
}

func (e Engine) Cycle(ctx context.Context, name string) (domain.Cycle, error) {
	doc, err := e.Gateway.GetDocument(ctx, e.Board.CycleDoctype, name)
	if err != nil {
		return domain.Cycle{}, fmt.Errorf("cycle %s: %w", name, err)
	}
	return domain.CycleFromDocument(doc), nil
}

type NewCycle struct {
	Project   string `json:"project"`
	Title     string `json:"title"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	Goal      string `json:"goal,omitempty"`
}

// CreateCycle adds a Planned cycle to a project.
func (e Engine) CreateCycle(ctx context.Context, in NewCycle) (domain.Cycle, error) {
	if strings.TrimSpace(in.Title) == "" {
		return domain.Cycle{}, cycleRule("title is required")
	}
	if in.Project == "" {
		return domain.Cycle{}, cycleRule("project is required")
	}
	if in.StartDate != "" && in.EndDate != "" {
		if err := checkRange(in.StartDate, in.EndDate); err != nil {
			return domain.Cycle{}, err
		}
	}
	fields := map[string]any{
		"title":   in.Title,
		"project": in.Project,
		"status":  domain.CyclePlanned,
	}
	for k, v := range map[string]string{"start_date": in.StartDate, "end_date": in.EndDate, "goal": in.Goal} {
		if v != "" {
			fields[k] = v
		}
	}
	doc, err := e.Gateway.CreateDocument(ctx, e.Board.CycleDoctype, fields)
	if err != nil {
		return domain.Cycle{}, err
	}
	return domain.CycleFromDocument(doc), nil
}

func checkRange(start, end string) error {
	s, err := parseDay(start)
	if err != nil {
		return cycleRule("start date: %v", err)
	}
	t, err := parseDay(end)
	if err != nil {
		return cycleRule("end date: %v", err)
	}
	if s.After(t) {
		return cycleRule("start date %s is after end date %s", start, end)
	}
	return nil
}

// StartCycle activates a Planned cycle. Empty dates fall back to the cycle's
// own, and the start date then to today. The rules are checked here before
// the named operation is called.
func (e Engine) StartCycle(ctx context.Context, name, start, end string) (domain.Cycle, error) {
	c, err := e.Cycle(ctx, name)
	if err != nil {
		return domain.Cycle{}, err
	}
	if c.Status != domain.CyclePlanned {
		return domain.Cycle{}, cycleRule("only planned cycles can be started; %s is %s", c.Label(), c.Status)
	}
	if start == "" {
		start = c.StartDate
	}
	if start == "" {
		start = e.Today()
	}
	if end == "" {
		end = c.EndDate
	}
	if end == "" {
		return domain.Cycle{}, cycleRule("end date is required")
	}
	if err := checkRange(start, end); err != nil {
		return domain.Cycle{}, err
	}
	active, ok, err := e.ActiveCycle(ctx, c.Project)
	if err != nil {
		return domain.Cycle{}, err
	}
	if ok {
		return domain.Cycle{}, cycleRule("%s is already active in project %s", active.Label(), c.Project)
	}
	n, err := e.countTasks(ctx, gateway.F(e.Board.CycleField, gateway.OpEq, c.Name))
	if err != nil {
		return domain.Cycle{}, err
	}
	if n == 0 {
		return domain.Cycle{}, cycleRule("%s has no work items", c.Label())
	}

	s, _ := parseDay(start)
	t, _ := parseDay(end)
	_, err = e.Gateway.CallMethod(ctx, e.Ops.StartCycle, map[string]any{
		"cycle_name": c.Name,
		"start_date": s.Format(dateLayout),
		"end_date":   t.Format(dateLayout),
	})
	if err != nil {
		e.notifyCycle(ctx, "Could not start cycle", c, err)
		return domain.Cycle{}, err
	}
	e.Logger.Info("cycle started", "cycle", c.Name, "project", c.Project, "start", start, "end", end)
	return e.Cycle(ctx, c.Name)
}

// CompleteOptions says where a completed cycle's open tasks go. MoveTo names
// another cycle; ToBacklog sends them to the backlog. One is required when
// open tasks remain.
type CompleteOptions struct {
	MoveTo    string `json:"move_to,omitempty"`
	ToBacklog bool   `json:"to_backlog,omitempty"`
}

type CompleteResult struct {
	Cycle  domain.Cycle `json:"cycle"`
	Open   int          `json:"open"`
	MoveTo string       `json:"move_to,omitempty"`
}

// CompleteCycle closes an Active cycle through the named operation.
func (e Engine) CompleteCycle(ctx context.Context, name string, opts CompleteOptions) (CompleteResult, error) {
	c, err := e.Cycle(ctx, name)
	if err != nil {
		return CompleteResult{}, err
	}
	if c.Status != domain.CycleActive {
		return CompleteResult{}, cycleRule("only active cycles can be completed; %s is %s", c.Label(), c.Status)
	}
	if opts.MoveTo != "" && opts.ToBacklog {
		return CompleteResult{}, cycleRule("choose a cycle or the backlog, not both")
	}
	open, err := e.countTasks(ctx,
		gateway.F(e.Board.CycleField, gateway.OpEq, c.Name),
		gateway.F(e.Board.StatusField, gateway.OpNeq, domain.StatusCompleted),
	)
	if err != nil {
		return CompleteResult{}, err
	}
	if open > 0 && opts.MoveTo == "" && !opts.ToBacklog {
		return CompleteResult{}, cycleRule("%d open tasks remain in %s; choose where they go", open, c.Label())
	}
	if opts.MoveTo != "" {
		if opts.MoveTo == c.Name {
			return CompleteResult{}, cycleRule("cannot move tasks into the cycle being completed")
		}
		target, err := e.Cycle(ctx, opts.MoveTo)
		if err != nil {
			return CompleteResult{}, err
		}
		if target.Project != c.Project {
			return CompleteResult{}, cycleRule("%s belongs to another project", target.Label())
		}
	}

	var moveTo any
	if opts.MoveTo != "" {
		moveTo = opts.MoveTo
	}
	_, err = e.Gateway.CallMethod(ctx, e.Ops.CompleteCycle, map[string]any{
		"cycle_name":    c.Name,
		"move_tasks_to": moveTo,
	})
	if err != nil {
		e.notifyCycle(ctx, "Could not complete cycle", c, err)
		return CompleteResult{}, err
	}
	done, err := e.Cycle(ctx, c.Name)
	if err != nil {
		return CompleteResult{}, err
	}
	e.Logger.Info("cycle completed", "cycle", c.Name, "open", open, "move_to", opts.MoveTo)
	return CompleteResult{Cycle: done, Open: open, MoveTo: opts.MoveTo}, nil
}

// DeleteCycle removes a cycle that is neither Active nor Completed.
func (e Engine) DeleteCycle(ctx context.Context, name string) error {
	c, err := e.Cycle(ctx, name)
	if err != nil {
		return err
	}
	if c.Status == domain.CycleActive || c.Status == domain.CycleCompleted {
		return cycleRule("%s is %s and cannot be deleted", c.Label(), c.Status)
	}
	if err := e.Gateway.DeleteDocument(ctx, e.Board.CycleDoctype, c.Name); err != nil {
		e.notifyCycle(ctx, "Could not delete cycle", c, err)
		return err
	}
	return nil
}

func (e Engine) countTasks(ctx context.Context, filters ...gateway.Filter) (int, error) {
	docs, err := e.Gateway.ListDocuments(ctx, e.Board.TaskDoctype, gateway.ListOptions{
		Filters: filters,
		Fields:  []string{"name"},
	})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (e Engine) notifyCycle(ctx context.Context, title string, c domain.Cycle, err error) {
	e.Notifier.Notify(ctx, board.Notification{
		Level:   "error",
		Title:   title,
		Message: err.Error(),
		Doctype: e.Board.CycleDoctype,
		Name:    c.Name,
	})
}

// Today is the current date in the platform's date format.
func (e Engine) Today() string {
	return e.now().UTC().Format(dateLayout)
}
