package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"boardline/internal/board"
	"boardline/internal/config"
	"boardline/internal/db"
	"boardline/internal/domain"
	"boardline/internal/engine"
	"boardline/internal/migrate"
	"boardline/internal/realtime"
	"boardline/internal/repo"
	"boardline/internal/schema"
)

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Bus    *realtime.LocalBus
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := realtime.NewLocalBus(nil)
	t.Cleanup(func() { bus.Close() })
	cfg := config.Default()
	r := repo.New(conn, cfg, bus, nil)
	now := func() time.Time { return time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC) }
	r.Now = now
	r.Events.Now = now
	ctx := context.Background()
	fx, err := repo.ParseFixtures(repo.SampleFixtures())
	if err != nil {
		t.Fatalf("parse fixtures: %v", err)
	}
	if _, err := r.LoadFixtures(ctx, fx); err != nil {
		t.Fatalf("load fixtures: %v", err)
	}
	eng := engine.New(r, schema.New(r, schema.Options{}), cfg, engine.Options{Bus: bus})
	eng.Now = now
	return testEnv{Engine: eng, Repo: r, Bus: bus, Ctx: ctx}
}

func groupItems(groups []board.Group) map[string][]string {
	out := map[string][]string{}
	for _, g := range groups {
		ids := []string{}
		for _, it := range g.Items {
			ids = append(ids, it.ID)
		}
		out[g.ID] = ids
	}
	return out
}

func sameSet(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	seen := map[string]int{}
	for _, g := range got {
		seen[g]++
	}
	for _, w := range want {
		if seen[w] == 0 {
			return false
		}
		seen[w]--
	}
	return true
}

func TestBacklogScrumGroupsByCycle(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.Backlog(env.Ctx, "PROJ-001")
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if b.ActivationDistance != 8 {
		t.Fatalf("expected backlog activation distance 8, got %v", b.ActivationDistance)
	}
	groups, omitted := b.Groups()
	var order []string
	for _, g := range groups {
		order = append(order, g.ID)
	}
	if len(order) != 3 || order[0] != "CYC-001" || order[1] != "CYC-002" || order[2] != "Open" {
		t.Fatalf("unexpected group order %v", order)
	}
	if omitted != 0 {
		t.Fatalf("expected nothing omitted, got %d", omitted)
	}
	items := groupItems(groups)
	if !sameSet(items["CYC-001"], []string{"TASK-001", "TASK-004", "TASK-006"}) {
		t.Fatalf("active cycle items: %v", items["CYC-001"])
	}
	if !sameSet(items["Open"], []string{"TASK-007"}) {
		t.Fatalf("backlog items: %v", items["Open"])
	}
}

func TestBacklogDropMovesBetweenCycles(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.Backlog(env.Ctx, "PROJ-001")
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if _, err := b.Drop(env.Ctx, "TASK-007", "CYC-002"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	doc, err := env.Repo.GetDocument(env.Ctx, "Task", "TASK-007")
	if err != nil || doc.Text("custom_cycle") != "CYC-002" {
		t.Fatalf("task not moved: %v %v", doc, err)
	}
	if _, err := b.Drop(env.Ctx, "TASK-008", "Open"); err != nil {
		t.Fatalf("drop to backlog: %v", err)
	}
	doc, _ = env.Repo.GetDocument(env.Ctx, "Task", "TASK-008")
	if doc["custom_cycle"] != nil {
		t.Fatalf("expected cycle cleared, got %v", doc["custom_cycle"])
	}
	items := groupItems(func() []board.Group { g, _ := b.Groups(); return g }())
	if !sameSet(items["Open"], []string{"TASK-008"}) {
		t.Fatalf("board not refetched: %v", items)
	}
}

func TestBacklogInlineCreate(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.Backlog(env.Ctx, "PROJ-001")
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	doc, err := b.CreateInGroup(env.Ctx, "CYC-002", map[string]any{"subject": "Write release notes"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if doc.Text("custom_cycle") != "CYC-002" || doc.Text("status") != "Open" || doc.Text("project") != "PROJ-001" {
		t.Fatalf("unexpected defaults: %v", doc)
	}
}

func TestBacklogKanbanShowsOpenTasks(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.Backlog(env.Ctx, "PROJ-002")
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	groups, _ := b.Groups()
	if len(groups) != 1 || groups[0].ID != "Open" {
		t.Fatalf("expected only the backlog group, got %+v", groups)
	}
	if !sameSet(groupItems(groups)["Open"], []string{"TASK-010"}) {
		t.Fatalf("unexpected items %v", groupItems(groups))
	}
}

func TestKanbanScrumShowsActiveCycle(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.Kanban(env.Ctx, "PROJ-001")
	if err != nil {
		t.Fatalf("kanban: %v", err)
	}
	if b.ActivationDistance != 5 || !b.ItemTargets {
		t.Fatalf("unexpected board options: %v %v", b.ActivationDistance, b.ItemTargets)
	}
	groups, _ := b.Groups()
	for _, g := range groups {
		if g.ID == "Template" {
			t.Fatalf("Template column should be excluded")
		}
	}
	items := groupItems(groups)
	if !sameSet(items["Working"], []string{"TASK-004"}) || !sameSet(items["Pending Review"], []string{"TASK-006"}) {
		t.Fatalf("unexpected columns %v", items)
	}
	if len(items["Backlog"]) != 0 {
		t.Fatalf("tasks outside the active cycle shown: %v", items["Backlog"])
	}

	if _, err := b.Drop(env.Ctx, "TASK-001", "TASK-004"); err != nil {
		t.Fatalf("drop onto item: %v", err)
	}
	doc, _ := env.Repo.GetDocument(env.Ctx, "Task", "TASK-001")
	if doc.Text("status") != "Working" {
		t.Fatalf("expected Working, got %s", doc.Text("status"))
	}
}

func TestKanbanProjectShowsAllTasks(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.Kanban(env.Ctx, "PROJ-002")
	if err != nil {
		t.Fatalf("kanban: %v", err)
	}
	_, omitted := b.Groups()
	if omitted != 1 {
		t.Fatalf("expected the template task omitted, got %d", omitted)
	}
	if len(b.Items()) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(b.Items()))
	}
}

func TestListGroupsBySelectField(t *testing.T) {
	env := newTestEnv(t)
	fields, err := env.Engine.GroupByFields(env.Ctx)
	if err != nil {
		t.Fatalf("group by fields: %v", err)
	}
	found := false
	for _, f := range fields {
		if f == "priority" {
			found = true
		}
	}
	if !found {
		t.Fatalf("priority not offered: %v", fields)
	}
	b, err := env.Engine.List(env.Ctx, "PROJ-002", "priority")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	items := groupItems(func() []board.Group { g, _ := b.Groups(); return g }())
	if !sameSet(items["Low"], []string{"TASK-009"}) || !sameSet(items["Urgent"], []string{"TASK-003"}) {
		t.Fatalf("unexpected groups %v", items)
	}
	if _, err := env.Engine.List(env.Ctx, "PROJ-002", "subject"); !errors.Is(err, board.ErrUnknownGroup) {
		t.Fatalf("expected unknown group for non-select field, got %v", err)
	}
}

func TestTableUpdateField(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.Table(env.Ctx, "PROJ-002")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	b.SetFilter(board.Filter{Statuses: []string{"Working"}})
	if rows := b.Filtered(); len(rows) != 1 || rows[0].ID != "TASK-002" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	doc, err := env.Engine.UpdateField(env.Ctx, "TASK-002", "priority", "Low")
	if err != nil {
		t.Fatalf("update field: %v", err)
	}
	if doc.Text("priority") != "Low" {
		t.Fatalf("field not updated: %v", doc)
	}
}

func TestCycleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartCycle(env.Ctx, "CYC-002", "", ""); !errors.Is(err, engine.ErrCycleRule) {
		t.Fatalf("expected active cycle rule, got %v", err)
	}
	if _, err := env.Engine.CompleteCycle(env.Ctx, "CYC-001", engine.CompleteOptions{}); !errors.Is(err, engine.ErrCycleRule) {
		t.Fatalf("expected open tasks rule, got %v", err)
	}
	if _, err := env.Engine.CompleteCycle(env.Ctx, "CYC-001", engine.CompleteOptions{MoveTo: "CYC-001"}); !errors.Is(err, engine.ErrCycleRule) {
		t.Fatalf("expected self move rule, got %v", err)
	}
	res, err := env.Engine.CompleteCycle(env.Ctx, "CYC-001", engine.CompleteOptions{MoveTo: "CYC-002"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Cycle.Status != domain.CycleCompleted || res.Open != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := env.Engine.StartCycle(env.Ctx, "CYC-002", "2024-05-20", "2024-05-15"); !errors.Is(err, engine.ErrCycleRule) {
		t.Fatalf("expected date order rule, got %v", err)
	}
	end, err := engine.PresetEnd("2024-05-15", 2)
	if err != nil || end != "2024-05-29" {
		t.Fatalf("preset end: %s %v", end, err)
	}
	started, err := env.Engine.StartCycle(env.Ctx, "CYC-002", "2024-05-15", end)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.CycleActive || started.EndDate != "2024-05-29" {
		t.Fatalf("unexpected cycle %+v", started)
	}
	if err := env.Engine.DeleteCycle(env.Ctx, "CYC-002"); !errors.Is(err, engine.ErrCycleRule) {
		t.Fatalf("expected delete refusal, got %v", err)
	}
}

func TestCompleteCycleToBacklog(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CompleteCycle(env.Ctx, "CYC-001", engine.CompleteOptions{ToBacklog: true}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	doc, _ := env.Repo.GetDocument(env.Ctx, "Task", "TASK-004")
	if doc["custom_cycle"] != nil {
		t.Fatalf("expected task back in backlog, got %v", doc["custom_cycle"])
	}
}

func TestStartCycleNeedsWorkItems(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCycle(env.Ctx, engine.NewCycle{Project: "PROJ-002", Title: "Sprint A", StartDate: "2024-06-01", EndDate: "2024-06-14"})
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	if c.Status != domain.CyclePlanned {
		t.Fatalf("expected planned, got %s", c.Status)
	}
	if _, err := env.Engine.StartCycle(env.Ctx, c.Name, "", ""); !errors.Is(err, engine.ErrCycleRule) {
		t.Fatalf("expected empty cycle rule, got %v", err)
	}
	if err := env.Engine.DeleteCycle(env.Ctx, c.Name); err != nil {
		t.Fatalf("delete planned cycle: %v", err)
	}
	if _, err := engine.PresetEnd("2024-06-01", 5); err == nil {
		t.Fatalf("expected unsupported preset")
	}
}

func TestBusNotifierPublishes(t *testing.T) {
	env := newTestEnv(t)
	got := make(chan realtime.Event, 1)
	unsub, err := env.Bus.Subscribe(realtime.EventNotification, func(e realtime.Event) { got <- e })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	env.Engine.Notifier.Notify(env.Ctx, board.Notification{Level: "error", Title: "Could not move item", Message: "boom", Doctype: "Task", Name: "TASK-001"})
	select {
	case e := <-got:
		if e.Data["message"] != "boom" || e.Doctype() != "Task" {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("notification not published")
	}
}
