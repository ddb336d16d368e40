// Package board groups work items into columns and turns drag-and-drop,
// selection and bulk actions into gateway mutations. Boards never patch
// items locally: every mutation is followed by a refetch.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"boardline/internal/domain"
	"boardline/internal/gateway"
	"boardline/internal/metrics"
	"boardline/internal/realtime"
)

var (
	ErrUnknownItem  = errors.New("unknown item")
	ErrUnknownGroup = errors.New("unknown group")
	ErrEmptyPatch   = errors.New("bulk patch sets no fields")
)

const (
	OutcomeMoved  = "moved"
	OutcomeNoop   = "noop"
	OutcomeClick  = "click"
	OutcomeFailed = "failed"
)

type DropResult struct {
	Item    string `json:"item"`
	From    string `json:"from"`
	To      string `json:"to"`
	Outcome string `json:"outcome"`
}

// Notification is a user-facing message about a failed mutation.
type Notification struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Doctype string `json:"doctype,omitempty"`
	Name    string `json:"name,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type logNotifier struct{ logger *slog.Logger }

func (l logNotifier) Notify(_ context.Context, n Notification) {
	l.logger.Warn(n.Title, "message", n.Message, "doctype", n.Doctype, "name", n.Name)
}

// Fields names the item fields boards read for filtering and bulk edits.
type Fields struct {
	Subject  string
	Status   string
	Priority string
	Assignee string
}

func (f Fields) withDefaults() Fields {
	if f.Subject == "" {
		f.Subject = "subject"
	}
	if f.Status == "" {
		f.Status = "status"
	}
	if f.Priority == "" {
		f.Priority = "priority"
	}
	if f.Assignee == "" {
		f.Assignee = "assignee"
	}
	return f
}

// Filter narrows the visible items. Empty parts match everything; set parts
// are AND'ed.
type Filter struct {
	Search     string   `json:"search,omitempty"`
	Statuses   []string `json:"statuses,omitempty"`
	Priorities []string `json:"priorities,omitempty"`
}

func (f Filter) key() string {
	st := slices.Clone(f.Statuses)
	pr := slices.Clone(f.Priorities)
	slices.Sort(st)
	slices.Sort(pr)
	return strings.ToLower(strings.TrimSpace(f.Search)) + "\x00" + strings.Join(st, "\x01") + "\x00" + strings.Join(pr, "\x01")
}

func (f Filter) match(it domain.WorkItem, fields Fields) bool {
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(it.Text(fields.Subject)), q) && !strings.Contains(strings.ToLower(it.ID), q) {
			return false
		}
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, it.Text(fields.Status)) {
		return false
	}
	if len(f.Priorities) > 0 && !slices.Contains(f.Priorities, it.Text(fields.Priority)) {
		return false
	}
	return true
}

// BulkPatch changes only the fields that are set.
type BulkPatch struct {
	Assignee *string `json:"assignee,omitempty"`
	Priority *string `json:"priority,omitempty"`
}

type Board struct {
	Doctype  string
	Grouping Grouping
	Gateway  gateway.Gateway
	// Query selects the items the board shows.
	Query              gateway.ListOptions
	Fields             Fields
	ActivationDistance float64
	// ItemTargets lets a drop land on another item, meaning that item's group.
	ItemTargets bool
	// CreateDefaults are preset on items created inline.
	CreateDefaults map[string]any
	Notifier       Notifier
	// OnChange runs after a realtime refetch with the refreshed view.
	OnChange func(View)
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	mu       sync.Mutex
	items    []domain.WorkItem
	version  uint64
	filter   Filter
	memo     filterMemo
	selected map[string]struct{}
	unsub    func()
}

type filterMemo struct {
	version uint64
	key     string
	valid   bool
	items   []domain.WorkItem
}

type Options struct {
	Query              gateway.ListOptions
	Fields             Fields
	ActivationDistance float64
	ItemTargets        bool
	CreateDefaults     map[string]any
	Notifier           Notifier
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

func New(gw gateway.Gateway, doctype string, grouping Grouping, opts Options) *Board {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = logNotifier{logger: logger}
	}
	return &Board{
		Doctype:            doctype,
		Grouping:           grouping,
		Gateway:            gw,
		Query:              opts.Query,
		Fields:             opts.Fields.withDefaults(),
		ActivationDistance: opts.ActivationDistance,
		ItemTargets:        opts.ItemTargets,
		CreateDefaults:     opts.CreateDefaults,
		Notifier:           notifier,
		Metrics:            opts.Metrics,
		Logger:             logger.With("doctype", doctype),
		selected:           map[string]struct{}{},
	}
}

func (b *Board) metrics() *metrics.Metrics { return b.Metrics }

// Load fetches the items. It is Refetch under another name.
func (b *Board) Load(ctx context.Context) error { return b.Refetch(ctx) }

// Refetch replaces the items with the gateway's current list.
func (b *Board) Refetch(ctx context.Context) error {
	docs, err := b.Gateway.ListDocuments(ctx, b.Doctype, b.Query)
	if err != nil {
		return fmt.Errorf("load %s: %w", b.Doctype, err)
	}
	items := make([]domain.WorkItem, 0, len(docs))
	for _, d := range docs {
		items = append(items, domain.ItemFromDocument(d))
	}
	b.mu.Lock()
	b.items = items
	b.version++
	b.mu.Unlock()
	return nil
}

// Items returns every loaded item, unfiltered.
func (b *Board) Items() []domain.WorkItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.items)
}

func (b *Board) SetFilter(f Filter) {
	b.mu.Lock()
	b.filter = f
	b.mu.Unlock()
}

func (b *Board) Filter() Filter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filter
}

// Filtered returns the items matching the current filter. The result is
// memoized until the items or the filter change.
func (b *Board) Filtered() []domain.WorkItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.filteredLocked())
}

func (b *Board) filteredLocked() []domain.WorkItem {
	key := b.filter.key()
	if b.memo.valid && b.memo.version == b.version && b.memo.key == key {
		return b.memo.items
	}
	out := make([]domain.WorkItem, 0, len(b.items))
	for _, it := range b.items {
		if b.filter.match(it, b.Fields) {
			out = append(out, it)
		}
	}
	b.memo = filterMemo{version: b.version, key: key, valid: true, items: out}
	return out
}

// Groups buckets the filtered items. It is recomputed on every call.
func (b *Board) Groups() ([]Group, int) {
	b.mu.Lock()
	items := b.filteredLocked()
	b.mu.Unlock()
	return b.Grouping.Groups(items)
}

func (b *Board) item(id string) (domain.WorkItem, bool) {
	for _, it := range b.items {
		if it.ID == id {
			return it, true
		}
	}
	return domain.WorkItem{}, false
}

func (b *Board) groupOfItem(id string) (string, error) {
	b.mu.Lock()
	it, ok := b.item(id)
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	g, _ := b.Grouping.GroupOf(it)
	return g, nil
}

// Drop moves an item to target. A different group issues exactly one update
// of the classification field; the same group or an empty target issues
// nothing. The board refetches after the update whether or not it succeeded.
func (b *Board) Drop(ctx context.Context, itemID, target string) (DropResult, error) {
	from, err := b.groupOfItem(itemID)
	if err != nil {
		b.metrics().ObserveDrop(OutcomeFailed)
		return DropResult{Item: itemID, Outcome: OutcomeFailed}, err
	}
	res := DropResult{Item: itemID, From: from, To: target, Outcome: OutcomeNoop}
	if target == "" {
		b.metrics().ObserveDrop(OutcomeNoop)
		return res, nil
	}
	if b.ItemTargets {
		if g, err := b.groupOfItem(target); err == nil {
			target = g
			res.To = g
		}
	}
	value, ok := b.Grouping.Target(target)
	if !ok {
		b.metrics().ObserveDrop(OutcomeFailed)
		res.Outcome = OutcomeFailed
		return res, fmt.Errorf("%w: %s", ErrUnknownGroup, target)
	}
	if target == from {
		b.metrics().ObserveDrop(OutcomeNoop)
		return res, nil
	}

	field := b.Grouping.Field()
	_, uerr := b.Gateway.UpdateDocument(ctx, b.Doctype, itemID, map[string]any{field: value})
	if rerr := b.Refetch(ctx); rerr != nil {
		b.Logger.Warn("refetch after drop failed", "error", rerr)
	}
	if uerr != nil {
		b.metrics().ObserveDrop(OutcomeFailed)
		res.Outcome = OutcomeFailed
		b.Notifier.Notify(ctx, Notification{
			Level:   "error",
			Title:   "Could not move item",
			Message: uerr.Error(),
			Doctype: b.Doctype,
			Name:    itemID,
		})
		return res, fmt.Errorf("move %s to %s: %w", itemID, target, uerr)
	}
	b.metrics().ObserveDrop(OutcomeMoved)
	res.Outcome = OutcomeMoved
	b.Logger.Debug("item moved", "item", itemID, "from", from, "to", target)
	return res, nil
}

func (b *Board) Toggle(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.selected[id]; ok {
		delete(b.selected, id)
		return
	}
	b.selected[id] = struct{}{}
}

func (b *Board) Select(ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.selected[id] = struct{}{}
	}
}

// SelectAll selects every currently filtered item.
func (b *Board) SelectAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, it := range b.filteredLocked() {
		b.selected[it.ID] = struct{}{}
	}
}

func (b *Board) Clear() {
	b.mu.Lock()
	b.selected = map[string]struct{}{}
	b.mu.Unlock()
}

// Selected lists selected ids in item order; ids no longer loaded follow,
// sorted.
func (b *Board) Selected() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selectedLocked()
}

func (b *Board) selectedLocked() []string {
	out := make([]string, 0, len(b.selected))
	seen := map[string]bool{}
	for _, it := range b.items {
		if _, ok := b.selected[it.ID]; ok {
			out = append(out, it.ID)
			seen[it.ID] = true
		}
	}
	var rest []string
	for id := range b.selected {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	slices.Sort(rest)
	return append(out, rest...)
}

// BulkUpdate applies patch to every selected item in one batch call, then
// clears the selection and refetches. It returns the number of items sent.
func (b *Board) BulkUpdate(ctx context.Context, patch BulkPatch) (int, error) {
	fields := map[string]any{}
	if patch.Assignee != nil {
		fields[b.Fields.Assignee] = *patch.Assignee
	}
	if patch.Priority != nil {
		fields[b.Fields.Priority] = *patch.Priority
	}
	if len(fields) == 0 {
		return 0, ErrEmptyPatch
	}
	ids := b.Selected()
	if len(ids) == 0 {
		return 0, nil
	}
	patches := make([]gateway.Patch, 0, len(ids))
	for _, id := range ids {
		f := make(map[string]any, len(fields))
		for k, v := range fields {
			f[k] = v
		}
		patches = append(patches, gateway.Patch{Name: id, Fields: f})
	}
	err := b.Gateway.BatchUpdate(ctx, b.Doctype, patches)
	if err != nil {
		b.Notifier.Notify(ctx, Notification{Level: "error", Title: "Bulk update failed", Message: err.Error(), Doctype: b.Doctype})
	} else {
		b.Clear()
		b.metrics().ObserveBulk("update", len(ids))
	}
	if rerr := b.Refetch(ctx); rerr != nil {
		b.Logger.Warn("refetch after bulk update failed", "error", rerr)
	}
	if err != nil {
		return 0, fmt.Errorf("bulk update %d items: %w", len(ids), err)
	}
	return len(ids), nil
}

// BulkDelete deletes every selected item, then clears the selection and
// refetches. Failures are joined; the count is of successful deletes.
func (b *Board) BulkDelete(ctx context.Context) (int, error) {
	ids := b.Selected()
	if len(ids) == 0 {
		return 0, nil
	}
	var errs []error
	deleted := 0
	for _, id := range ids {
		if err := b.Gateway.DeleteDocument(ctx, b.Doctype, id); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
			continue
		}
		deleted++
	}
	b.Clear()
	b.metrics().ObserveBulk("delete", deleted)
	if rerr := b.Refetch(ctx); rerr != nil {
		b.Logger.Warn("refetch after bulk delete failed", "error", rerr)
	}
	err := errors.Join(errs...)
	if err != nil {
		b.Notifier.Notify(ctx, Notification{Level: "error", Title: "Some items were not deleted", Message: err.Error(), Doctype: b.Doctype})
	}
	return deleted, err
}

// CreateInGroup creates an item with its classification preset to the
// group's value.
func (b *Board) CreateInGroup(ctx context.Context, groupID string, fields map[string]any) (domain.Document, error) {
	value, ok := b.Grouping.Target(groupID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	payload := make(map[string]any, len(fields)+len(b.CreateDefaults)+1)
	for k, v := range b.CreateDefaults {
		payload[k] = v
	}
	for k, v := range fields {
		payload[k] = v
	}
	payload[b.Grouping.Field()] = value
	doc, err := b.Gateway.CreateDocument(ctx, b.Doctype, payload)
	if err != nil {
		b.Notifier.Notify(ctx, Notification{Level: "error", Title: "Could not create item", Message: err.Error(), Doctype: b.Doctype})
		return nil, err
	}
	if rerr := b.Refetch(ctx); rerr != nil {
		b.Logger.Warn("refetch after create failed", "error", rerr)
	}
	return doc, nil
}

// Watch refetches whenever the gateway announces a list change for the
// board's doctype. Close stops it.
func (b *Board) Watch() error {
	unsub, err := b.Gateway.Subscribe(realtime.EventListUpdate, func(e realtime.Event) {
		if e.Doctype() != "" && e.Doctype() != b.Doctype {
			return
		}
		if err := b.Refetch(context.Background()); err != nil {
			b.Logger.Warn("realtime refetch failed", "error", err)
			return
		}
		if b.OnChange != nil {
			b.OnChange(b.Snapshot())
		}
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	prev := b.unsub
	b.unsub = unsub
	b.mu.Unlock()
	if prev != nil {
		prev()
	}
	return nil
}

func (b *Board) Close() {
	b.mu.Lock()
	unsub := b.unsub
	b.unsub = nil
	b.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// View is a serialisable snapshot of the board.
type View struct {
	Doctype  string   `json:"doctype"`
	Field    string   `json:"field"`
	Groups   []Group  `json:"groups"`
	Omitted  int      `json:"omitted"`
	Total    int      `json:"total"`
	Filter   Filter   `json:"filter"`
	Selected []string `json:"selected"`
}

func (b *Board) Snapshot() View {
	groups, omitted := b.Groups()
	b.mu.Lock()
	defer b.mu.Unlock()
	if omitted > 0 {
		b.Logger.Debug("items outside every group", "omitted", omitted)
	}
	return View{
		Doctype:  b.Doctype,
		Field:    b.Grouping.Field(),
		Groups:   groups,
		Omitted:  omitted,
		Total:    len(b.filteredLocked()),
		Filter:   b.filter,
		Selected: b.selectedLocked(),
	}
}
