package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"boardline/internal/domain"
)

func (r Repo) LatestEvents(ctx context.Context, limit int, doctype, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if doctype != "" {
		clauses = append(clauses, "doctype=?")
		args = append(args, doctype)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,doctype,docname,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, doctype string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if doctype != "" {
		clauses = append(clauses, "doctype=?")
		args = append(args, doctype)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,doctype,docname,actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var docname, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Doctype, &docname, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.Docname = docname.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}
