package repo

import (
	"context"
	"database/sql"
	"slices"
	"time"

	"boardline/internal/domain"
	"boardline/internal/gateway"
)

const dateLayout = "2006-01-02"

// validateRules enforces the document rules the platform runs on save.
// Only cycles carry rules today.
func (r Repo) validateRules(ctx context.Context, tx *sql.Tx, doctype, name string, current domain.Document, merged map[string]any) error {
	if doctype != r.Board.CycleDoctype {
		return nil
	}
	c := domain.CycleFromDocument(domain.Document(merged))
	c.Name = name
	if c.Status == "" {
		c.Status = domain.CyclePlanned
	}
	if !slices.Contains(domain.CycleStatuses, c.Status) {
		return ruleError("Invalid cycle status %q", c.Status)
	}
	if c.Status == domain.CycleActive && (c.StartDate == "" || c.EndDate == "") {
		return ruleError("Start and end dates are required for an active cycle")
	}
	if c.StartDate != "" && c.EndDate != "" {
		start, err := time.Parse(dateLayout, c.StartDate)
		if err != nil {
			return ruleError("Invalid start date %q", c.StartDate)
		}
		end, err := time.Parse(dateLayout, c.EndDate)
		if err != nil {
			return ruleError("Invalid end date %q", c.EndDate)
		}
		if end.Before(start) {
			return ruleError("End date cannot be before start date")
		}
	}
	if c.Status == domain.CycleActive && (current == nil || current.Text("status") != domain.CycleActive) {
		active, err := listDocuments(ctx, tx, r.Board.CycleDoctype, gateway.ListOptions{
			Filters: []gateway.Filter{
				gateway.F("project", gateway.OpEq, c.Project),
				gateway.F("status", gateway.OpEq, domain.CycleActive),
				gateway.F("name", gateway.OpNeq, name),
			},
			Fields: []string{"name"},
			Limit:  1,
		})
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return ruleError("Only one Active cycle allowed per project (%s is active)", active[0].Name())
		}
	}
	return nil
}
