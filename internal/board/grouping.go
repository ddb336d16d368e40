package board

import (
	"fmt"
	"strings"

	"boardline/internal/domain"
)

// Group is one bucket of a board. Value is what a drop onto the group writes
// to the classification field; nil clears it.
type Group struct {
	ID    string            `json:"id"`
	Label string            `json:"label"`
	Value any               `json:"value"`
	Items []domain.WorkItem `json:"items"`
}

// Grouping partitions work items along one field.
type Grouping interface {
	Field() string
	// Groups buckets items in group order. Items that fit no group are
	// counted in omitted.
	Groups(items []domain.WorkItem) (groups []Group, omitted int)
	// GroupOf reports the group an item belongs to.
	GroupOf(item domain.WorkItem) (string, bool)
	// Target resolves the value written when an item is dropped on groupID.
	Target(groupID string) (any, bool)
}

// ValueGrouping has one group per declared value, such as the options of a
// select field.
type ValueGrouping struct {
	FieldName string
	Values    []string
}

// NewValueGrouping drops excluded values, compared case-insensitively.
func NewValueGrouping(field string, values []string, exclude ...string) ValueGrouping {
	var kept []string
	for _, v := range values {
		skip := false
		for _, x := range exclude {
			if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(x)) {
				skip = true
				break
			}
		}
		if !skip {
			kept = append(kept, v)
		}
	}
	return ValueGrouping{FieldName: field, Values: kept}
}

// SelectGrouping groups by a select field of schema using its option list.
func SelectGrouping(schema *domain.DocType, field string, exclude ...string) (ValueGrouping, error) {
	def, ok := schema.Field(field)
	if !ok {
		return ValueGrouping{}, fmt.Errorf("%w: %s has no field %s", ErrUnknownGroup, schemaName(schema), field)
	}
	if def.Type != domain.FieldSelect {
		return ValueGrouping{}, fmt.Errorf("%w: %s.%s is %s, not Select", ErrUnknownGroup, schemaName(schema), field, def.Type)
	}
	return NewValueGrouping(field, def.OptionList(), exclude...), nil
}

func schemaName(s *domain.DocType) string {
	if s == nil {
		return "<nil>"
	}
	return s.Name
}

func (g ValueGrouping) Field() string { return g.FieldName }

func (g ValueGrouping) Groups(items []domain.WorkItem) ([]Group, int) {
	groups := make([]Group, len(g.Values))
	index := make(map[string]int, len(g.Values))
	for i, v := range g.Values {
		groups[i] = Group{ID: v, Label: v, Value: v, Items: []domain.WorkItem{}}
		index[v] = i
	}
	omitted := 0
	for _, it := range items {
		i, ok := index[it.Text(g.FieldName)]
		if !ok {
			omitted++
			continue
		}
		groups[i].Items = append(groups[i].Items, it)
	}
	return groups, omitted
}

func (g ValueGrouping) GroupOf(item domain.WorkItem) (string, bool) {
	v := item.Text(g.FieldName)
	for _, x := range g.Values {
		if x == v {
			return v, true
		}
	}
	return "", false
}

func (g ValueGrouping) Target(groupID string) (any, bool) {
	for _, v := range g.Values {
		if v == groupID {
			return v, true
		}
	}
	return nil, false
}

const DefaultBacklogGroup = "Open"

// CycleGrouping has one group per cycle plus a backlog pseudo-group, listed
// last. Items without a cycle land in the backlog, unless BacklogMember is
// set, in which case it decides backlog membership and items in no listed
// cycle are omitted. Dropping on the backlog clears the cycle field.
type CycleGrouping struct {
	FieldName     string
	Cycles        []domain.Cycle
	Backlog       string
	BacklogLabel  string
	BacklogMember func(domain.WorkItem) bool
}

func (g CycleGrouping) backlog() string {
	if g.Backlog == "" {
		return DefaultBacklogGroup
	}
	return g.Backlog
}

func (g CycleGrouping) Field() string { return g.FieldName }

func (g CycleGrouping) Groups(items []domain.WorkItem) ([]Group, int) {
	groups := make([]Group, 0, len(g.Cycles)+1)
	index := make(map[string]int, len(g.Cycles))
	for _, c := range g.Cycles {
		index[c.Name] = len(groups)
		groups = append(groups, Group{ID: c.Name, Label: c.Label(), Value: c.Name, Items: []domain.WorkItem{}})
	}
	label := g.BacklogLabel
	if label == "" {
		label = "Backlog"
	}
	backlog := len(groups)
	groups = append(groups, Group{ID: g.backlog(), Label: label, Value: nil, Items: []domain.WorkItem{}})

	omitted := 0
	for _, it := range items {
		id, ok := g.GroupOf(it)
		if !ok {
			omitted++
			continue
		}
		if id == g.backlog() {
			groups[backlog].Items = append(groups[backlog].Items, it)
			continue
		}
		groups[index[id]].Items = append(groups[index[id]].Items, it)
	}
	return groups, omitted
}

func (g CycleGrouping) GroupOf(item domain.WorkItem) (string, bool) {
	cycle := item.Text(g.FieldName)
	if g.BacklogMember != nil {
		if g.BacklogMember(item) {
			return g.backlog(), true
		}
	} else if cycle == "" {
		return g.backlog(), true
	}
	for _, c := range g.Cycles {
		if c.Name == cycle {
			return c.Name, true
		}
	}
	return "", false
}

func (g CycleGrouping) Target(groupID string) (any, bool) {
	if groupID == g.backlog() {
		return nil, true
	}
	for _, c := range g.Cycles {
		if c.Name == groupID {
			return c.Name, true
		}
	}
	return nil, false
}

// FlatGroup is the only group of a FlatGrouping.
const FlatGroup = "all"

// FlatGrouping puts every item in one group and accepts no drops. Table views
// use it.
type FlatGrouping struct{}

func (FlatGrouping) Field() string { return "" }

func (FlatGrouping) Groups(items []domain.WorkItem) ([]Group, int) {
	all := make([]domain.WorkItem, len(items))
	copy(all, items)
	return []Group{{ID: FlatGroup, Label: "All", Items: all}}, 0
}

func (FlatGrouping) GroupOf(domain.WorkItem) (string, bool) { return FlatGroup, true }

func (FlatGrouping) Target(string) (any, bool) { return nil, false }
