// Package events appends document mutations to the local store's log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeCreate = "doc.create"
	TypeUpdate = "doc.update"
	TypeDelete = "doc.delete"
	TypeMethod = "method.call"
	TypeSchema = "schema.update"
)

// DefaultActor is recorded when a change carries no actor.
const DefaultActor = "local-user"

// Execer is satisfied by *sql.DB and *sql.Tx, so entries can join the
// transaction of the change they describe.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Entry is one row of the log. Actor defaults to the actor tagged on the
// context.
type Entry struct {
	Type    string
	Doctype string
	Docname string
	Actor   string
	Payload map[string]any
}

type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, exec Execer, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if e.Actor == "" {
		e.Actor = ActorFrom(ctx)
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	var docname any
	if e.Docname != "" {
		docname = e.Docname
	}
	_, err = exec.ExecContext(ctx, `INSERT INTO events(ts,type,doctype,docname,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), e.Type, e.Doctype, docname, e.Actor, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.Type, err)
	}
	return nil
}

type actorKey struct{}

// WithActor tags ctx with the actor recorded on events appended under it.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return DefaultActor
}
