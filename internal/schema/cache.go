// Package schema caches document type metadata for the lifetime of the
// process. Concurrent lookups of the same type share a single fetch.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"boardline/internal/domain"
	"boardline/internal/metrics"
	"boardline/internal/realtime"
)

var (
	ErrSchemaUnavailable = errors.New("schema unavailable")
	ErrFieldNotFound     = errors.New("field not found")
)

// Fetcher loads metadata for one document type.
type Fetcher interface {
	DocTypeMeta(ctx context.Context, docType string) (*domain.DocType, error)
}

type Subscriber interface {
	Subscribe(event string, h realtime.Handler) (func(), error)
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Cache struct {
	fetcher Fetcher
	logger  *slog.Logger
	metrics *metrics.Metrics

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]*domain.DocType
	gen     map[string]uint64
	epoch   uint64
}

func New(f Fetcher, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		fetcher: f,
		logger:  logger,
		metrics: opts.Metrics,
		entries: map[string]*domain.DocType{},
		gen:     map[string]uint64{},
	}
}

// Get returns the schema for docType, fetching it once if needed. Child table
// fields come back with their sub-schemas filled in. The returned value is
// shared and must not be modified.
func (c *Cache) Get(ctx context.Context, docType string) (*domain.DocType, error) {
	return c.get(ctx, docType, true)
}

func (c *Cache) get(ctx context.Context, docType string, resolveTables bool) (*domain.DocType, error) {
	if docType == "" {
		return nil, fmt.Errorf("%w: empty document type", ErrSchemaUnavailable)
	}
	c.mu.RLock()
	dt, ok := c.entries[docType]
	gen := c.gen[docType] + c.epoch
	c.mu.RUnlock()
	if ok {
		c.metrics.ObserveSchemaLookup("hit")
		return dt, nil
	}

	ch := c.group.DoChan(docType, func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		return c.load(context.WithoutCancel(ctx), docType, gen, resolveTables)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			c.metrics.ObserveSchemaLookup("error")
			return nil, res.Err
		}
		if res.Shared {
			c.metrics.ObserveSchemaLookup("shared")
		} else {
			c.metrics.ObserveSchemaLookup("miss")
		}
		return res.Val.(*domain.DocType), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrSchemaUnavailable, docType, ctx.Err())
	}
}

func (c *Cache) load(ctx context.Context, docType string, gen uint64, resolveTables bool) (*domain.DocType, error) {
	dt, err := c.fetcher.DocTypeMeta(ctx, docType)
	if err != nil {
		c.logger.Warn("schema fetch failed", slog.String("doctype", docType), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %s: %w", ErrSchemaUnavailable, docType, err)
	}
	if dt == nil || len(dt.Fields) == 0 {
		return nil, fmt.Errorf("%w: %s has no fields", ErrSchemaUnavailable, docType)
	}
	out := *dt
	out.Fields = append([]domain.FieldDefinition(nil), dt.Fields...)
	if out.Name == "" {
		out.Name = docType
	}
	if resolveTables {
		for i, f := range out.Fields {
			if f.Type != domain.FieldTable || len(f.Fields) > 0 || f.Options == "" || f.Options == docType {
				continue
			}
			// Child tables cannot nest further tables, so they are fetched flat.
			child, err := c.get(ctx, f.Options, false)
			if err != nil {
				return nil, err
			}
			out.Fields[i].Fields = child.Fields
		}
	}
	c.mu.Lock()
	if c.gen[docType]+c.epoch == gen {
		c.entries[docType] = &out
	}
	c.mu.Unlock()
	return &out, nil
}

// Field returns a field definition, or a single attribute of it when
// attribute is set. The "options" attribute is returned as a trimmed list.
func (c *Cache) Field(ctx context.Context, docType, fieldName, attribute string) (any, error) {
	dt, err := c.Get(ctx, docType)
	if err != nil {
		return nil, err
	}
	f, ok := dt.Field(fieldName)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrFieldNotFound, docType, fieldName)
	}
	switch attribute {
	case "":
		return f, nil
	case "options":
		return f.OptionList(), nil
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, err
	}
	return attrs[attribute], nil
}

// Invalidate drops one cached type. An in-flight fetch started before the
// call will not repopulate the entry.
func (c *Cache) Invalidate(docType string) {
	c.mu.Lock()
	delete(c.entries, docType)
	c.gen[docType]++
	c.mu.Unlock()
	c.group.Forget(docType)
	c.logger.Debug("schema invalidated", slog.String("doctype", docType))
}

func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.epoch++
	for name := range c.entries {
		c.group.Forget(name)
	}
	c.entries = map[string]*domain.DocType{}
	c.mu.Unlock()
}

// Watch invalidates cached types when schema_update events arrive. An event
// without a doctype clears the whole cache.
func (c *Cache) Watch(sub Subscriber) (func(), error) {
	return sub.Subscribe(realtime.EventSchemaUpdate, func(ev realtime.Event) {
		if name := ev.Doctype(); name != "" {
			c.Invalidate(name)
			return
		}
		c.InvalidateAll()
	})
}
