package server

import (
	"boardline/internal/domain"
	"boardline/internal/form"
)

// Request payloads

type FormRequest struct {
	Values     map[string]any `json:"values,omitempty"`
	ReadOnly   bool           `json:"read_only,omitempty"`
	QuickEntry bool           `json:"quick_entry,omitempty"`
}

type SubmitRequest struct {
	// Name updates an existing document; empty creates one.
	Name       string         `json:"name,omitempty"`
	Values     map[string]any `json:"values"`
	QuickEntry bool           `json:"quick_entry,omitempty"`
}

type DropRequest struct {
	Item    string `json:"item"`
	Target  string `json:"target,omitempty"`
	GroupBy string `json:"group_by,omitempty"`
}

type CreateItemRequest struct {
	Group   string         `json:"group"`
	Fields  map[string]any `json:"fields,omitempty"`
	GroupBy string         `json:"group_by,omitempty"`
}

type BulkUpdateRequest struct {
	Names    []string `json:"names" minItems:"1"`
	Assignee *string  `json:"assignee,omitempty"`
	Priority *string  `json:"priority,omitempty"`
}

type BulkDeleteRequest struct {
	Names []string `json:"names" minItems:"1"`
}

type UpdateFieldRequest struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

type CreateCycleRequest struct {
	Title     string `json:"title" minLength:"1"`
	StartDate string `json:"start_date,omitempty" example:"2024-05-15"`
	EndDate   string `json:"end_date,omitempty" example:"2024-05-28"`
	Goal      string `json:"goal,omitempty"`
}

type StartCycleRequest struct {
	StartDate string `json:"start_date,omitempty" example:"2024-05-15"`
	EndDate   string `json:"end_date,omitempty" example:"2024-05-29"`
	// Weeks picks a duration preset and overrides EndDate.
	Weeks int `json:"weeks,omitempty" enum:"0,1,2,3"`
}

// Responses

type FormResponse struct {
	Doctype string         `json:"doctype"`
	Layout  form.Layout    `json:"layout"`
	Values  map[string]any `json:"values"`
	Visible []string       `json:"visible"`
}

type FieldResponse struct {
	Doctype   string `json:"doctype"`
	Field     string `json:"field"`
	Attribute string `json:"attribute,omitempty"`
	Value     any    `json:"value"`
}

type SessionResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
	Source  string   `json:"source"`
	Mode    string   `json:"mode" enum:"remote,local"`
}

type BulkResponse struct {
	Count  int      `json:"count"`
	Errors []string `json:"errors,omitempty"`
}

type EventResponse struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	Doctype string `json:"doctype"`
	Docname string `json:"docname,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
	Payload string `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func formResponse(f *form.Form) FormResponse {
	return FormResponse{Doctype: f.Doctype, Layout: f.Layout, Values: f.Values(), Visible: f.Visible()}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse(e)
}
