package form

import "boardline/internal/domain"

type Column struct {
	Name   string  `json:"name,omitempty"`
	Label  string  `json:"label,omitempty"`
	Fields []*Node `json:"fields"`
}

type Section struct {
	Name        string    `json:"name,omitempty"`
	Label       string    `json:"label,omitempty"`
	Collapsible bool      `json:"collapsible,omitempty"`
	Fields      []*Node   `json:"fields"`
	Columns     []*Column `json:"columns,omitempty"`
}

type Tab struct {
	Name     string     `json:"name,omitempty"`
	Label    string     `json:"label,omitempty"`
	Fields   []*Node    `json:"fields"`
	Sections []*Section `json:"sections,omitempty"`
}

// Layout is the container tree of a form. Top-level fields and sections are
// the ones that appear before any tab break.
type Layout struct {
	Fields   []*Node    `json:"fields"`
	Sections []*Section `json:"sections,omitempty"`
	Tabs     []*Tab     `json:"tabs,omitempty"`
}

// Partition builds the container tree in a single pass over defs. A tab break
// opens a tab and closes any section and column. A section break opens a
// section in the current tab, or at the top level when no tab is open. A
// column break opens a column in the current section and is ignored outside
// one. Other fields go to the innermost open container.
func Partition(defs []domain.FieldDefinition) Layout {
	return partition(defs, func(d domain.FieldDefinition) *Node { return newNode(d) })
}

func partition(defs []domain.FieldDefinition, mk func(domain.FieldDefinition) *Node) Layout {
	var (
		out     Layout
		tab     *Tab
		section *Section
		column  *Column
	)
	for _, d := range defs {
		switch d.Type {
		case domain.FieldTabBreak:
			tab = &Tab{Name: d.Name, Label: d.Label}
			out.Tabs = append(out.Tabs, tab)
			section, column = nil, nil
		case domain.FieldSectionBreak:
			section = &Section{Name: d.Name, Label: d.Label, Collapsible: bool(d.Collapsible)}
			column = nil
			if tab == nil {
				out.Sections = append(out.Sections, section)
			} else {
				tab.Sections = append(tab.Sections, section)
			}
		case domain.FieldColumnBreak:
			if section == nil {
				continue
			}
			column = &Column{Name: d.Name, Label: d.Label}
			section.Columns = append(section.Columns, column)
		default:
			n := mk(d)
			switch {
			case column != nil:
				column.Fields = append(column.Fields, n)
			case section != nil:
				section.Fields = append(section.Fields, n)
			case tab != nil:
				tab.Fields = append(tab.Fields, n)
			default:
				out.Fields = append(out.Fields, n)
			}
		}
	}
	return out
}
