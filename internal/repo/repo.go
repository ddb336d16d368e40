// Package repo is the local document store: a sqlite-backed implementation
// of the gateway used offline, in development and in tests.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"boardline/internal/config"
	"boardline/internal/domain"
	"boardline/internal/events"
	"boardline/internal/gateway"
	"boardline/internal/realtime"
)

// Timestamps use the platform's layout so both gateways sort the same way.
const timestampLayout = "2006-01-02 15:04:05.000000"

var ErrNotFound = gateway.ErrNotFound

type Repo struct {
	DB         *sql.DB
	Events     events.Writer
	Bus        realtime.Bus
	Board      config.Board
	Ops        config.Operations
	MetaMethod string
	Now        func() time.Time
	Logger     *slog.Logger
}

var _ gateway.Gateway = Repo{}

// New wires a store over an already migrated database. A nil bus gets an
// in-process one.
func New(db *sql.DB, cfg *config.Config, bus realtime.Bus, logger *slog.Logger) Repo {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = realtime.NewLocalBus(logger)
	}
	return Repo{
		DB:         db,
		Events:     events.Writer{},
		Bus:        bus,
		Board:      cfg.Board,
		Ops:        cfg.Operations,
		MetaMethod: cfg.Gateway.MetaMethod,
		Now:        time.Now,
		Logger:     logger,
	}
}

// record appends to the change log with the store's clock.
func (r Repo) record(ctx context.Context, exec events.Execer, e events.Entry) error {
	w := r.Events
	if w.Now == nil {
		w.Now = r.now
	}
	return w.Append(ctx, exec, e)
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Repo) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// ruleError reports a rejected mutation the way the remote platform does.
func ruleError(format string, args ...any) error {
	return &gateway.APIError{StatusCode: http.StatusExpectationFailed, Message: fmt.Sprintf(format, args...)}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(doctype string, row scanner) (domain.Document, error) {
	var name, payload, created, modified string
	if err := row.Scan(&name, &payload, &created, &modified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	doc := domain.Document{}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", doctype, name, err)
	}
	doc["name"] = name
	doc["doctype"] = doctype
	doc["creation"] = created
	doc["modified"] = modified
	return doc, nil
}

// storedFields drops the keys the store owns.
func storedFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch k {
		case "name", "doctype", "creation", "modified":
			continue
		}
		out[k] = v
	}
	return out
}

func (r Repo) GetDocument(ctx context.Context, doctype, name string) (domain.Document, error) {
	return getDocument(ctx, r.DB, doctype, name)
}

func getDocument(ctx context.Context, q querier, doctype, name string) (domain.Document, error) {
	row := q.QueryRowContext(ctx, `SELECT name,fields_json,created_at,modified_at FROM documents WHERE doctype=? AND name=?`, doctype, name)
	doc, err := scanDocument(doctype, row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%s %s: %w", doctype, name, ErrNotFound)
	}
	return doc, err
}

func (r Repo) ListDocuments(ctx context.Context, doctype string, opts gateway.ListOptions) ([]domain.Document, error) {
	return listDocuments(ctx, r.DB, doctype, opts)
}

func listDocuments(ctx context.Context, q querier, doctype string, opts gateway.ListOptions) ([]domain.Document, error) {
	query, args, err := buildListQuery(doctype, opts)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Document{}
	for rows.Next() {
		doc, err := scanDocument(doctype, rows)
		if err != nil {
			return nil, err
		}
		res = append(res, project(doc, opts.Fields))
	}
	return res, rows.Err()
}

func (r Repo) CreateDocument(ctx context.Context, doctype string, fields map[string]any) (domain.Document, error) {
	if err := r.checkMandatory(ctx, doctype, fields); err != nil {
		return nil, err
	}
	name := domain.Stringify(fields["name"])
	if name == "" {
		name = uuid.NewString()
	}
	payload := storedFields(fields)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE doctype=? AND name=?`, doctype, name).Scan(&exists)
	if err == nil {
		return nil, &gateway.APIError{StatusCode: http.StatusConflict, Message: fmt.Sprintf("%s %s already exists", doctype, name)}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err := r.validateRules(ctx, tx, doctype, name, nil, payload); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ts := r.now().UTC().Format(timestampLayout)
	if _, err := tx.ExecContext(ctx, `INSERT INTO documents(doctype,name,fields_json,created_at,modified_at) VALUES (?,?,?,?,?)`,
		doctype, name, string(data), ts, ts); err != nil {
		return nil, fmt.Errorf("insert %s: %w", doctype, err)
	}
	if err := r.record(ctx, tx, events.Entry{Type: events.TypeCreate, Doctype: doctype, Docname: name, Payload: map[string]any{"fields": payload}}); err != nil {
		return nil, err
	}
	doc, err := getDocument(ctx, tx, doctype, name)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	r.publish(ctx, realtime.EventListUpdate, map[string]any{"doctype": doctype, "name": name})
	return doc, nil
}

func (r Repo) UpdateDocument(ctx context.Context, doctype, name string, fields map[string]any) (domain.Document, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	doc, err := r.updateTx(ctx, tx, doctype, name, fields)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	r.publish(ctx, realtime.EventDocUpdate, map[string]any{"doctype": doctype, "name": name})
	r.publish(ctx, realtime.EventListUpdate, map[string]any{"doctype": doctype, "name": name})
	return doc, nil
}

func (r Repo) updateTx(ctx context.Context, tx *sql.Tx, doctype, name string, fields map[string]any) (domain.Document, error) {
	current, err := getDocument(ctx, tx, doctype, name)
	if err != nil {
		return nil, err
	}
	patch := storedFields(fields)
	merged := storedFields(current)
	for k, v := range patch {
		merged[k] = v
	}
	if err := r.validateRules(ctx, tx, doctype, name, current, merged); err != nil {
		return nil, err
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	ts := r.now().UTC().Format(timestampLayout)
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET fields_json=?, modified_at=? WHERE doctype=? AND name=?`,
		string(data), ts, doctype, name); err != nil {
		return nil, fmt.Errorf("update %s %s: %w", doctype, name, err)
	}
	if err := r.record(ctx, tx, events.Entry{Type: events.TypeUpdate, Doctype: doctype, Docname: name, Payload: map[string]any{"fields": patch}}); err != nil {
		return nil, err
	}
	return getDocument(ctx, tx, doctype, name)
}

func (r Repo) DeleteDocument(ctx context.Context, doctype, name string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	current, err := getDocument(ctx, tx, doctype, name)
	if err != nil {
		return err
	}
	if doctype == r.Board.CycleDoctype {
		switch current.Text("status") {
		case domain.CycleActive, domain.CycleCompleted:
			return ruleError("Cannot delete a cycle that is %s", current.Text("status"))
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE doctype=? AND name=?`, doctype, name); err != nil {
		return err
	}
	if err := r.record(ctx, tx, events.Entry{Type: events.TypeDelete, Doctype: doctype, Docname: name}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.publish(ctx, realtime.EventListUpdate, map[string]any{"doctype": doctype, "name": name})
	return nil
}

// BatchUpdate applies every patch in one transaction; any failure leaves all
// documents untouched.
func (r Repo) BatchUpdate(ctx context.Context, doctype string, patches []gateway.Patch) error {
	if len(patches) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, p := range patches {
		if _, err := r.updateTx(ctx, tx, doctype, p.Name, p.Fields); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.publish(ctx, realtime.EventListUpdate, map[string]any{"doctype": doctype, "count": len(patches)})
	return nil
}

func (r Repo) DocTypeMeta(ctx context.Context, doctype string) (*domain.DocType, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT meta_json FROM doctypes WHERE name=?`, doctype).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("doctype %s: %w", doctype, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var dt domain.DocType
	if err := json.Unmarshal([]byte(payload), &dt); err != nil {
		return nil, fmt.Errorf("decode doctype %s: %w", doctype, err)
	}
	if dt.Name == "" {
		dt.Name = doctype
	}
	return &dt, nil
}

// PutDocType stores or replaces a schema and announces the change so caches
// drop their copy.
func (r Repo) PutDocType(ctx context.Context, dt *domain.DocType) error {
	if dt == nil || strings.TrimSpace(dt.Name) == "" {
		return errors.New("doctype name is required")
	}
	data, err := json.Marshal(dt)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ts := r.now().UTC().Format(timestampLayout)
	if _, err := tx.ExecContext(ctx, `INSERT INTO doctypes(name,meta_json,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET meta_json=excluded.meta_json, updated_at=excluded.updated_at`, dt.Name, string(data), ts); err != nil {
		return err
	}
	if err := r.record(ctx, tx, events.Entry{Type: events.TypeSchema, Doctype: dt.Name, Payload: map[string]any{"fields": len(dt.Fields)}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.publish(ctx, realtime.EventSchemaUpdate, map[string]any{"doctype": dt.Name})
	return nil
}

func (r Repo) ListDocTypes(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name FROM doctypes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (r Repo) Subscribe(event string, h realtime.Handler) (func(), error) {
	if r.Bus == nil {
		return nil, errors.New("repo: no realtime bus configured")
	}
	return r.Bus.Subscribe(event, h)
}

func (r Repo) publish(ctx context.Context, event string, data map[string]any) {
	if r.Bus == nil {
		return
	}
	if err := r.Bus.Publish(ctx, event, data); err != nil {
		r.logger().Warn("realtime publish failed", "event", event, "error", err)
	}
}

// checkMandatory rejects creates missing a required field, when the schema
// is known.
func (r Repo) checkMandatory(ctx context.Context, doctype string, fields map[string]any) error {
	meta, err := r.DocTypeMeta(ctx, doctype)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var missing []string
	for _, f := range meta.Fields {
		if !bool(f.Required) || f.Type.IsLayout() || f.Type == domain.FieldTable {
			continue
		}
		if f.Default != nil && f.Default != "" {
			continue
		}
		if strings.TrimSpace(domain.Stringify(fields[f.Name])) == "" {
			label := f.Label
			if label == "" {
				label = f.Name
			}
			missing = append(missing, label)
		}
	}
	if len(missing) > 0 {
		return ruleError("Value missing for %s: %s", doctype, strings.Join(missing, ", "))
	}
	return nil
}
