package board

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardline/internal/domain"
	"boardline/internal/gateway"
	"boardline/internal/realtime"
)

type fakeGateway struct {
	mu        sync.Mutex
	docs      map[string]domain.Document
	order     []string
	lists     int
	updates   []gateway.Patch
	batches   [][]gateway.Patch
	deletes   []string
	creates   []map[string]any
	failWith  error
	failNames map[string]bool
	bus       *realtime.LocalBus
}

func newFakeGateway(docs ...domain.Document) *fakeGateway {
	g := &fakeGateway{docs: map[string]domain.Document{}, failNames: map[string]bool{}}
	for _, d := range docs {
		g.docs[d.Name()] = d
		g.order = append(g.order, d.Name())
	}
	return g
}

func (g *fakeGateway) ListDocuments(context.Context, string, gateway.ListOptions) ([]domain.Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lists++
	out := make([]domain.Document, 0, len(g.order))
	for _, n := range g.order {
		d := domain.Document{}
		for k, v := range g.docs[n] {
			d[k] = v
		}
		out = append(out, d)
	}
	return out, nil
}

func (g *fakeGateway) GetDocument(_ context.Context, _ string, name string) (domain.Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.docs[name]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return d, nil
}

func (g *fakeGateway) CreateDocument(_ context.Context, _ string, fields map[string]any) (domain.Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates = append(g.creates, fields)
	if g.failWith != nil {
		return nil, g.failWith
	}
	name := domain.Stringify(fields["name"])
	if name == "" {
		name = "NEW-" + domain.Stringify(len(g.creates))
	}
	d := domain.Document{"name": name}
	for k, v := range fields {
		d[k] = v
	}
	g.docs[name] = d
	g.order = append(g.order, name)
	return d, nil
}

func (g *fakeGateway) UpdateDocument(_ context.Context, _ string, name string, fields map[string]any) (domain.Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates = append(g.updates, gateway.Patch{Name: name, Fields: fields})
	if g.failWith != nil {
		return nil, g.failWith
	}
	d := g.docs[name]
	for k, v := range fields {
		d[k] = v
	}
	return d, nil
}

func (g *fakeGateway) DeleteDocument(_ context.Context, _ string, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletes = append(g.deletes, name)
	if g.failNames[name] {
		return errors.New("cannot delete " + name)
	}
	delete(g.docs, name)
	g.order = slices.DeleteFunc(g.order, func(n string) bool { return n == name })
	return nil
}

func (g *fakeGateway) BatchUpdate(_ context.Context, _ string, patches []gateway.Patch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batches = append(g.batches, patches)
	if g.failWith != nil {
		return g.failWith
	}
	for _, p := range patches {
		for k, v := range p.Fields {
			g.docs[p.Name][k] = v
		}
	}
	return nil
}

func (g *fakeGateway) CallMethod(context.Context, string, map[string]any) (any, error) {
	return nil, errors.New("not supported")
}

func (g *fakeGateway) DocTypeMeta(context.Context, string) (*domain.DocType, error) {
	return nil, gateway.ErrNotFound
}

func (g *fakeGateway) Subscribe(event string, h realtime.Handler) (func(), error) {
	if g.bus == nil {
		return nil, errors.New("no bus")
	}
	return g.bus.Subscribe(event, h)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
}

func task(name, status, priority, cycle string) domain.Document {
	d := domain.Document{"name": name, "subject": "Task " + name, "status": status, "priority": priority, "assignee": "Unassigned"}
	if cycle != "" {
		d["custom_cycle"] = cycle
	}
	return d
}

func statusBoard(t *testing.T, g *fakeGateway, n Notifier) *Board {
	t.Helper()
	grouping := NewValueGrouping("status", []string{"Open", "Working", "Completed", "Template"}, "template")
	b := New(g, "Task", grouping, Options{ActivationDistance: 5, ItemTargets: true, Notifier: n})
	require.NoError(t, b.Load(context.Background()))
	return b
}

func groupIDs(groups []Group) map[string][]string {
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

func TestValueGrouping_OmitsUnmatchedAndIsStable(t *testing.T) {
	g := newFakeGateway(
		task("T1", "Open", "Low", ""),
		task("T2", "Working", "High", ""),
		task("T3", "Template", "Low", ""),
		task("T4", "Blocked", "Low", ""),
	)
	b := statusBoard(t, g, nil)

	first, omitted := b.Groups()
	assert.Equal(t, 2, omitted)
	assert.Equal(t, []string{"Open", "Working", "Completed"}, []string{first[0].ID, first[1].ID, first[2].ID})
	assert.Equal(t, map[string][]string{"Open": {"T1"}, "Working": {"T2"}, "Completed": {}}, groupIDs(first))

	second, _ := b.Groups()
	assert.Equal(t, groupIDs(first), groupIDs(second))
}

func TestCycleGrouping_BacklogLast(t *testing.T) {
	cycles := []domain.Cycle{{Name: "C1", Title: "Sprint 1"}, {Name: "C2"}}
	g := CycleGrouping{FieldName: "custom_cycle", Cycles: cycles}
	items := []domain.WorkItem{
		domain.ItemFromDocument(task("T1", "Open", "Low", "C1")),
		domain.ItemFromDocument(task("T2", "Open", "Low", "")),
		domain.ItemFromDocument(task("T3", "Open", "Low", "C9")),
	}
	groups, omitted := g.Groups(items)
	require.Len(t, groups, 3)
	assert.Equal(t, 1, omitted)
	assert.Equal(t, "Sprint 1", groups[0].Label)
	assert.Equal(t, DefaultBacklogGroup, groups[2].ID)
	assert.Nil(t, groups[2].Value)
	assert.Equal(t, map[string][]string{"C1": {"T1"}, "C2": {}, "Open": {"T2"}}, groupIDs(groups))

	v, ok := g.Target("Open")
	assert.True(t, ok)
	assert.Nil(t, v)
	_, ok = g.Target("C9")
	assert.False(t, ok)
}

func TestCycleGrouping_BacklogMember(t *testing.T) {
	g := CycleGrouping{
		FieldName:     "custom_cycle",
		BacklogMember: func(it domain.WorkItem) bool { return it.Text("status") == "Open" },
	}
	groups, omitted := g.Groups([]domain.WorkItem{
		domain.ItemFromDocument(task("T1", "Open", "Low", "")),
		domain.ItemFromDocument(task("T2", "Working", "Low", "")),
	})
	require.Len(t, groups, 1)
	assert.Equal(t, 1, omitted)
	assert.Equal(t, []string{"T1"}, groupIDs(groups)["Open"])
}

func TestSelectGrouping(t *testing.T) {
	schema := &domain.DocType{Name: "Task", Fields: []domain.FieldDefinition{
		{Name: "status", Type: domain.FieldSelect, Options: "Open\nWorking\nTemplate"},
		{Name: "subject", Type: domain.FieldData},
	}}
	g, err := SelectGrouping(schema, "status", "Template")
	require.NoError(t, err)
	assert.Equal(t, []string{"Open", "Working"}, g.Values)

	_, err = SelectGrouping(schema, "subject")
	assert.ErrorIs(t, err, ErrUnknownGroup)
	_, err = SelectGrouping(schema, "missing")
	assert.ErrorIs(t, err, ErrUnknownGroup)
}

func TestDrop_IssuesOneUpdateAndRefetches(t *testing.T) {
	g := newFakeGateway(task("T1", "Open", "Low", ""), task("T2", "Working", "High", ""))
	b := statusBoard(t, g, nil)
	lists := g.lists

	res, err := b.Drop(context.Background(), "T1", "Working")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMoved, res.Outcome)
	assert.Equal(t, "Open", res.From)
	require.Len(t, g.updates, 1)
	assert.Equal(t, map[string]any{"status": "Working"}, g.updates[0].Fields)
	assert.Equal(t, lists+1, g.lists)

	groups, _ := b.Groups()
	assert.ElementsMatch(t, []string{"T1", "T2"}, groupIDs(groups)["Working"])
}

func TestDrop_SameGroupOrOutsideIsNoop(t *testing.T) {
	g := newFakeGateway(task("T1", "Open", "Low", ""))
	b := statusBoard(t, g, nil)

	res, err := b.Drop(context.Background(), "T1", "Open")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)

	res, err = b.Drop(context.Background(), "T1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Empty(t, g.updates)
}

func TestDrop_OntoItemUsesItsGroup(t *testing.T) {
	g := newFakeGateway(task("T1", "Open", "Low", ""), task("T2", "Completed", "High", ""))
	b := statusBoard(t, g, nil)

	res, err := b.Drop(context.Background(), "T1", "T2")
	require.NoError(t, err)
	assert.Equal(t, "Completed", res.To)
	require.Len(t, g.updates, 1)
	assert.Equal(t, "Completed", g.updates[0].Fields["status"])
}

func TestDrop_UnknownTargets(t *testing.T) {
	g := newFakeGateway(task("T1", "Open", "Low", ""))
	b := statusBoard(t, g, nil)

	_, err := b.Drop(context.Background(), "T9", "Open")
	assert.ErrorIs(t, err, ErrUnknownItem)
	_, err = b.Drop(context.Background(), "T1", "Archived")
	assert.ErrorIs(t, err, ErrUnknownGroup)
	assert.Empty(t, g.updates)
}

func TestDrop_OntoBacklogClearsCycle(t *testing.T) {
	g := newFakeGateway(task("T1", "Open", "Low", "C1"))
	grouping := CycleGrouping{FieldName: "custom_cycle", Cycles: []domain.Cycle{{Name: "C1"}}}
	b := New(g, "Task", grouping, Options{ActivationDistance: 8})
	require.NoError(t, b.Load(context.Background()))

	_, err := b.Drop(context.Background(), "T1", DefaultBacklogGroup)
	require.NoError(t, err)
	require.Len(t, g.updates, 1)
	v, ok := g.updates[0].Fields["custom_cycle"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestDrop_FailureRefetchesAndNotifies(t *testing.T) {
	g := newFakeGateway(task("T1", "Open", "Low", ""))
	n := &recordingNotifier{}
	b := statusBoard(t, g, n)
	g.failWith = errors.New("validation failed")
	lists := g.lists

	res, err := b.Drop(context.Background(), "T1", "Working")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, lists+1, g.lists)
	require.Len(t, n.sent, 1)
	assert.Equal(t, "T1", n.sent[0].Name)
	assert.Contains(t, n.sent[0].Message, "validation failed")

	groups, _ := b.Groups()
	assert.Equal(t, []string{"T1"}, groupIDs(groups)["Open"])
}

func TestDragSession_ClickVersusDrag(t *testing.T) {
	g := newFakeGateway(task("T1", "Open", "Low", ""))
	b := statusBoard(t, g, nil)
	ctx := context.Background()

	s := b.NewDragSession()
	require.NoError(t, s.PointerDown("T1", 0, 0))
	assert.False(t, s.PointerMove(3, 3))
	s.Over("Working")
	res, err := s.Drop(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClick, res.Outcome)
	assert.Equal(t, Idle, s.State())
	assert.Empty(t, g.updates)

	require.NoError(t, s.PointerDown("T1", 0, 0))
	assert.True(t, s.PointerMove(3, 4))
	s.Over("Working")
	res, err = s.Drop(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMoved, res.Outcome)
	assert.Len(t, g.updates, 1)
	assert.Equal(t, Idle, s.State())
}

func TestDragSession_CancelAndDoublePress(t *testing.T) {
	g := newFakeGateway(task("T1", "Open", "Low", ""))
	b := statusBoard(t, g, nil)

	s := b.NewDragSession()
	require.NoError(t, s.PointerDown("T1", 0, 0))
	assert.Error(t, s.PointerDown("T1", 0, 0))
	s.PointerMove(10, 0)
	s.Cancel()
	assert.Equal(t, Idle, s.State())
	assert.Empty(t, s.Item())

	assert.ErrorIs(t, s.PointerDown("nope", 0, 0), ErrUnknownItem)
	require.NoError(t, s.PointerDown("T1", 1, 1))
	assert.True(t, s.PointerUp())
	assert.False(t, s.PointerUp())
	assert.Empty(t, g.updates)
}

func TestFilter_ANDsCriteria(t *testing.T) {
	g := newFakeGateway(
		task("T1", "Open", "Low", ""),
		task("T2", "Open", "High", ""),
		task("T3", "Working", "High", ""),
	)
	g.docs["T2"]["subject"] = "Fix login bug"
	b := statusBoard(t, g, nil)

	b.SetFilter(Filter{Statuses: []string{"Open"}, Priorities: []string{"High"}})
	assert.Equal(t, []string{"T2"}, ids(b.Filtered()))

	b.SetFilter(Filter{Search: "LOGIN"})
	assert.Equal(t, []string{"T2"}, ids(b.Filtered()))

	b.SetFilter(Filter{Search: "t3"})
	assert.Equal(t, []string{"T3"}, ids(b.Filtered()))

	b.SetFilter(Filter{})
	assert.Len(t, b.Filtered(), 3)
}

func TestFilter_MemoizedUntilItemsChange(t *testing.T) {
	g := newFakeGateway(task("T1", "Open", "Low", ""))
	b := statusBoard(t, g, nil)
	b.SetFilter(Filter{Statuses: []string{"Open"}})

	b.Filtered()
	memo := b.memo
	b.Filtered()
	assert.Equal(t, memo.version, b.memo.version)

	g.docs["T1"]["status"] = "Working"
	require.NoError(t, b.Refetch(context.Background()))
	assert.Empty(t, b.Filtered())
	assert.NotEqual(t, memo.version, b.memo.version)
}

func ids(items []domain.WorkItem) []string {
	out := []string{}
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestBulkUpdate_SendsOnlySetFields(t *testing.T) {
	assignees := map[string]string{"T1": "Ada", "T2": "Grace", "T3": "Linus"}
	var docs []domain.Document
	for _, name := range []string{"T1", "T2", "T3", "T4"} {
		d := task(name, "Open", "Low", "")
		if a, ok := assignees[name]; ok {
			d["assignee"] = a
		}
		docs = append(docs, d)
	}
	g := newFakeGateway(docs...)
	b := statusBoard(t, g, nil)
	b.Select("T1", "T3", "T4")
	b.Toggle("T4")
	b.Toggle("T2")

	high := "High"
	n, err := b.BulkUpdate(context.Background(), BulkPatch{Priority: &high})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, g.batches, 1)
	assert.Equal(t, []gateway.Patch{
		{Name: "T1", Fields: map[string]any{"priority": "High"}},
		{Name: "T2", Fields: map[string]any{"priority": "High"}},
		{Name: "T3", Fields: map[string]any{"priority": "High"}},
	}, g.batches[0])
	assert.Empty(t, b.Selected())
	for name, want := range assignees {
		assert.Equal(t, want, g.docs[name]["assignee"], name)
		assert.Equal(t, "High", g.docs[name]["priority"], name)
	}
	assert.Equal(t, "Low", g.docs["T4"]["priority"])

	_, err = b.BulkUpdate(context.Background(), BulkPatch{})
	assert.ErrorIs(t, err, ErrEmptyPatch)
}

func TestBulkDelete_JoinsFailures(t *testing.T) {
	g := newFakeGateway(task("T1", "Open", "Low", ""), task("T2", "Open", "Low", ""), task("T3", "Open", "Low", ""))
	g.failNames["T2"] = true
	n := &recordingNotifier{}
	b := statusBoard(t, g, n)
	b.SelectAll()

	deleted, err := b.BulkDelete(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete T2")
	assert.Equal(t, 2, deleted)
	assert.Equal(t, []string{"T1", "T2", "T3"}, g.deletes)
	assert.Empty(t, b.Selected())
	assert.Equal(t, []string{"T2"}, ids(b.Items()))
	assert.Len(t, n.sent, 1)
}

func TestCreateInGroup_PresetsClassification(t *testing.T) {
	g := newFakeGateway(task("T1", "Open", "Low", "C1"))
	grouping := CycleGrouping{FieldName: "custom_cycle", Cycles: []domain.Cycle{{Name: "C1"}}}
	b := New(g, "Task", grouping, Options{CreateDefaults: map[string]any{"status": "Open"}})
	require.NoError(t, b.Load(context.Background()))

	doc, err := b.CreateInGroup(context.Background(), "C1", map[string]any{"subject": "New", "status": "Working"})
	require.NoError(t, err)
	assert.Equal(t, "C1", doc["custom_cycle"])
	assert.Equal(t, "Working", doc["status"])
	assert.Len(t, b.Items(), 2)

	_, err = b.CreateInGroup(context.Background(), "C7", nil)
	assert.ErrorIs(t, err, ErrUnknownGroup)
}

func TestWatch_RefetchesOnListUpdate(t *testing.T) {
	g := newFakeGateway(task("T1", "Open", "Low", ""))
	g.bus = realtime.NewLocalBus(nil)
	defer g.bus.Close()
	b := statusBoard(t, g, nil)
	views := make(chan View, 1)
	b.OnChange = func(v View) { views <- v }
	require.NoError(t, b.Watch())
	defer b.Close()

	g.mu.Lock()
	g.docs["T2"] = task("T2", "Working", "Low", "")
	g.order = append(g.order, "T2")
	g.mu.Unlock()
	require.NoError(t, g.bus.Publish(context.Background(), realtime.EventListUpdate, map[string]any{"doctype": "Task"}))

	assert.Eventually(t, func() bool { return len(b.Items()) == 2 }, time.Second, 10*time.Millisecond)
	select {
	case v := <-views:
		assert.Equal(t, 2, v.Total)
	case <-time.After(time.Second):
		t.Fatal("no change callback")
	}
}

func TestSnapshot(t *testing.T) {
	g := newFakeGateway(task("T1", "Open", "Low", ""), task("T2", "Template", "Low", ""))
	b := statusBoard(t, g, nil)
	b.Select("T1")
	v := b.Snapshot()
	assert.Equal(t, "status", v.Field)
	assert.Equal(t, 1, v.Omitted)
	assert.Equal(t, 2, v.Total)
	assert.Equal(t, []string{"T1"}, v.Selected)
}
