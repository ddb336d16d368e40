package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type FieldType string

const (
	FieldData         FieldType = "Data"
	FieldSmallText    FieldType = "Small Text"
	FieldText         FieldType = "Text"
	FieldLongText     FieldType = "Long Text"
	FieldTextEditor   FieldType = "Text Editor"
	FieldCode         FieldType = "Code"
	FieldSelect       FieldType = "Select"
	FieldMultiSelect  FieldType = "MultiSelect"
	FieldLink         FieldType = "Link"
	FieldInt          FieldType = "Int"
	FieldFloat        FieldType = "Float"
	FieldCurrency     FieldType = "Currency"
	FieldPercent      FieldType = "Percent"
	FieldCheck        FieldType = "Check"
	FieldDate         FieldType = "Date"
	FieldDatetime     FieldType = "Datetime"
	FieldTime         FieldType = "Time"
	FieldColor        FieldType = "Color"
	FieldRating       FieldType = "Rating"
	FieldAttach       FieldType = "Attach"
	FieldAttachImage  FieldType = "Attach Image"
	FieldSectionBreak FieldType = "Section Break"
	FieldColumnBreak  FieldType = "Column Break"
	FieldTabBreak     FieldType = "Tab Break"
	FieldHTML         FieldType = "HTML"
	FieldMarkdown     FieldType = "Markdown Editor"
	FieldJSON         FieldType = "JSON"
	FieldButton       FieldType = "Button"
	FieldTable        FieldType = "Table"
)

var knownFieldTypes = map[FieldType]bool{
	FieldData: true, FieldSmallText: true, FieldText: true, FieldLongText: true, FieldTextEditor: true,
	FieldCode: true, FieldSelect: true, FieldMultiSelect: true, FieldLink: true, FieldInt: true,
	FieldFloat: true, FieldCurrency: true, FieldPercent: true, FieldCheck: true, FieldDate: true,
	FieldDatetime: true, FieldTime: true, FieldColor: true, FieldRating: true, FieldAttach: true,
	FieldAttachImage: true, FieldSectionBreak: true, FieldColumnBreak: true, FieldTabBreak: true,
	FieldHTML: true, FieldMarkdown: true, FieldJSON: true, FieldButton: true, FieldTable: true,
}

// Known reports whether t belongs to the closed set of field types.
func (t FieldType) Known() bool { return knownFieldTypes[t] }

// IsLayout reports whether t is a layout marker that carries no value.
func (t FieldType) IsLayout() bool {
	return t == FieldSectionBreak || t == FieldColumnBreak || t == FieldTabBreak
}

// IsNumeric covers the types whose defaults are parsed as numbers.
func (t FieldType) IsNumeric() bool {
	return t == FieldInt || t == FieldFloat || t == FieldCurrency || t == FieldPercent
}

// Flag decodes the platform's 0/1 integers as well as booleans and numeric strings.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch strings.ToLower(s) {
	case "", "null", "0", "false":
		*f = false
		return nil
	case "1", "true":
		*f = true
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid flag value %s", string(data))
	}
	*f = n != 0
	return nil
}

func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

type FieldDefinition struct {
	Name              string            `json:"fieldname"`
	Label             string            `json:"label,omitempty"`
	Type              FieldType         `json:"fieldtype"`
	Options           string            `json:"options,omitempty"`
	Default           any               `json:"default,omitempty"`
	Required          Flag              `json:"reqd,omitempty"`
	ReadOnly          Flag              `json:"read_only,omitempty"`
	Hidden            Flag              `json:"hidden,omitempty"`
	VisibleIf         string            `json:"depends_on,omitempty"`
	RequiredIf        string            `json:"mandatory_depends_on,omitempty"`
	ReadOnlyIf        string            `json:"read_only_depends_on,omitempty"`
	Description       string            `json:"description,omitempty"`
	Collapsible       Flag              `json:"collapsible,omitempty"`
	AllowInQuickEntry Flag              `json:"allow_in_quick_entry,omitempty"`
	InListView        Flag              `json:"in_list_view,omitempty"`
	NonNegative       Flag              `json:"non_negative,omitempty"`
	Precision         string            `json:"precision,omitempty"`
	Length            int               `json:"length,omitempty"`
	MaxCount          int               `json:"max_count,omitempty"`
	Fields            []FieldDefinition `json:"fields,omitempty"`
}

// OptionList splits newline separated options, trimming blanks.
func (f FieldDefinition) OptionList() []string {
	return SplitOptions(f.Options)
}

func SplitOptions(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if v := strings.TrimSpace(line); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// DocType is the form schema of one document type.
type DocType struct {
	Name       string            `json:"name"`
	TitleField string            `json:"title_field,omitempty"`
	IsTable    Flag              `json:"istable,omitempty"`
	Fields     []FieldDefinition `json:"fields"`
}

func (d *DocType) Field(name string) (FieldDefinition, bool) {
	if d == nil {
		return FieldDefinition{}, false
	}
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// SelectFields lists the fields usable as a grouping dimension.
func (d *DocType) SelectFields() []FieldDefinition {
	var out []FieldDefinition
	if d == nil {
		return out
	}
	for _, f := range d.Fields {
		if f.Type == FieldSelect {
			out = append(out, f)
		}
	}
	return out
}

// Document is a raw field map as exchanged with the gateway.
type Document map[string]any

func (d Document) Name() string { return d.Text("name") }

func (d Document) Text(field string) string {
	return Stringify(d[field])
}

// Stringify renders scalar values the way the platform compares them.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

type WorkItem struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

func ItemFromDocument(d Document) WorkItem {
	id := d.Text("id")
	if id == "" {
		id = d.Name()
	}
	fields := make(map[string]any, len(d))
	for k, v := range d {
		fields[k] = v
	}
	return WorkItem{ID: id, Fields: fields}
}

func (w WorkItem) Value(field string) any { return w.Fields[field] }

func (w WorkItem) Text(field string) string { return Stringify(w.Fields[field]) }

const (
	StatusBacklog       = "Backlog"
	StatusOpen          = "Open"
	StatusWorking       = "Working"
	StatusPendingReview = "Pending Review"
	StatusCompleted     = "Completed"
)

var TaskStatuses = []string{StatusBacklog, StatusOpen, StatusWorking, StatusPendingReview, StatusCompleted}

var Priorities = []string{"Low", "Medium", "High", "Urgent"}

const (
	CyclePlanned   = "Planned"
	CycleActive    = "Active"
	CycleCompleted = "Completed"
	CycleArchived  = "Archived"
)

var CycleStatuses = []string{CyclePlanned, CycleActive, CycleCompleted, CycleArchived}

const (
	ModeScrum  = "Scrum"
	ModeKanban = "Kanban"
)

type Cycle struct {
	Name      string `json:"name"`
	Title     string `json:"title,omitempty"`
	Project   string `json:"project"`
	Status    string `json:"status" enum:"Planned,Active,Completed,Archived"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
}

func CycleFromDocument(d Document) Cycle {
	return Cycle{
		Name:      d.Name(),
		Title:     d.Text("title"),
		Project:   d.Text("project"),
		Status:    d.Text("status"),
		StartDate: d.Text("start_date"),
		EndDate:   d.Text("end_date"),
	}
}

// Label prefers the human title over the document name.
func (c Cycle) Label() string {
	if c.Title != "" {
		return c.Title
	}
	return c.Name
}

type Project struct {
	Name          string `json:"name"`
	Title         string `json:"title,omitempty"`
	ExecutionMode string `json:"execution_mode" enum:"Scrum,Kanban"`
}

func ProjectFromDocument(d Document, modeField string) Project {
	mode := d.Text(modeField)
	if mode == "" {
		mode = ModeKanban
	}
	return Project{Name: d.Name(), Title: d.Text("project_name"), ExecutionMode: mode}
}

func (p Project) IsScrum() bool { return p.ExecutionMode == ModeScrum }

// Event is one entry of the local store's mutation log.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	Doctype string `json:"doctype"`
	Docname string `json:"docname,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
	Payload string `json:"payload,omitempty"`
}
