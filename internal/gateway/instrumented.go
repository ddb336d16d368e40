package gateway

import (
	"context"
	"log/slog"
	"time"

	"boardline/internal/domain"
	"boardline/internal/metrics"
	"boardline/internal/realtime"
)

// Instrumented records metrics and debug logs around another Gateway.
type Instrumented struct {
	Next    Gateway
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func Instrument(next Gateway, m *metrics.Metrics, logger *slog.Logger) *Instrumented {
	if logger == nil {
		logger = slog.Default()
	}
	return &Instrumented{Next: next, Metrics: m, Logger: logger}
}

func (g *Instrumented) observe(op, doctype string, started time.Time, err error) {
	g.Metrics.ObserveGatewayCall(op, doctype, started, err)
	if err != nil {
		g.Logger.Debug("gateway call failed", slog.String("op", op), slog.String("doctype", doctype),
			slog.Duration("elapsed", time.Since(started)), slog.String("error", err.Error()))
	}
}

func (g *Instrumented) ListDocuments(ctx context.Context, doctype string, opts ListOptions) ([]domain.Document, error) {
	started := time.Now()
	docs, err := g.Next.ListDocuments(ctx, doctype, opts)
	g.observe("list", doctype, started, err)
	return docs, err
}

func (g *Instrumented) GetDocument(ctx context.Context, doctype, name string) (domain.Document, error) {
	started := time.Now()
	doc, err := g.Next.GetDocument(ctx, doctype, name)
	g.observe("get", doctype, started, err)
	return doc, err
}

func (g *Instrumented) CreateDocument(ctx context.Context, doctype string, fields map[string]any) (domain.Document, error) {
	started := time.Now()
	doc, err := g.Next.CreateDocument(ctx, doctype, fields)
	g.observe("create", doctype, started, err)
	return doc, err
}

func (g *Instrumented) UpdateDocument(ctx context.Context, doctype, name string, fields map[string]any) (domain.Document, error) {
	started := time.Now()
	doc, err := g.Next.UpdateDocument(ctx, doctype, name, fields)
	g.observe("update", doctype, started, err)
	return doc, err
}

func (g *Instrumented) DeleteDocument(ctx context.Context, doctype, name string) error {
	started := time.Now()
	err := g.Next.DeleteDocument(ctx, doctype, name)
	g.observe("delete", doctype, started, err)
	return err
}

func (g *Instrumented) BatchUpdate(ctx context.Context, doctype string, patches []Patch) error {
	started := time.Now()
	err := g.Next.BatchUpdate(ctx, doctype, patches)
	g.observe("batch_update", doctype, started, err)
	return err
}

func (g *Instrumented) CallMethod(ctx context.Context, method string, params map[string]any) (any, error) {
	started := time.Now()
	res, err := g.Next.CallMethod(ctx, method, params)
	g.observe("method", method, started, err)
	return res, err
}

func (g *Instrumented) DocTypeMeta(ctx context.Context, doctype string) (*domain.DocType, error) {
	started := time.Now()
	meta, err := g.Next.DocTypeMeta(ctx, doctype)
	g.observe("meta", doctype, started, err)
	return meta, err
}

func (g *Instrumented) Subscribe(event string, h realtime.Handler) (func(), error) {
	return g.Next.Subscribe(event, h)
}
