package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardline/internal/domain"
	"boardline/internal/realtime"
)

type fakeFetcher struct {
	calls   map[string]*atomic.Int32
	mu      sync.Mutex
	release chan struct{}
	metas   map[string]*domain.DocType
	err     error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls: map[string]*atomic.Int32{},
		metas: map[string]*domain.DocType{
			"Task": {Name: "Task", Fields: []domain.FieldDefinition{
				{Name: "subject", Type: domain.FieldData, Required: true},
				{Name: "status", Type: domain.FieldSelect, Options: "Open\n Working \n\nCompleted\n"},
				{Name: "depends_on", Type: domain.FieldTable, Options: "Task Depends On"},
			}},
			"Task Depends On": {Name: "Task Depends On", IsTable: true, Fields: []domain.FieldDefinition{
				{Name: "task", Type: domain.FieldLink, Options: "Task"},
			}},
			"Empty": {Name: "Empty"},
		},
	}
}

func (f *fakeFetcher) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.calls[name]; ok {
		return int(c.Load())
	}
	return 0
}

func (f *fakeFetcher) DocTypeMeta(ctx context.Context, docType string) (*domain.DocType, error) {
	f.mu.Lock()
	c, ok := f.calls[docType]
	if !ok {
		c = &atomic.Int32{}
		f.calls[docType] = c
	}
	f.mu.Unlock()
	c.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	meta, ok := f.metas[docType]
	if !ok {
		return nil, errors.New("DocType " + docType + " not found")
	}
	return meta, nil
}

func TestCache_CoalescesConcurrentFetches(t *testing.T) {
	f := newFakeFetcher()
	f.release = make(chan struct{})
	c := New(f, Options{})

	var started, done sync.WaitGroup
	results := make([]*domain.DocType, 8)
	for i := range results {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			dt, err := c.Get(context.Background(), "Task")
			assert.NoError(t, err)
			results[i] = dt
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(f.release)
	done.Wait()

	assert.Equal(t, 1, f.count("Task"))
	for _, dt := range results {
		require.NotNil(t, dt)
		assert.Same(t, results[0], dt)
	}
}

func TestCache_ResolvesChildTables(t *testing.T) {
	f := newFakeFetcher()
	c := New(f, Options{})
	dt, err := c.Get(context.Background(), "Task")
	require.NoError(t, err)
	deps, ok := dt.Field("depends_on")
	require.True(t, ok)
	require.Len(t, deps.Fields, 1)
	assert.Equal(t, "task", deps.Fields[0].Name)

	_, err = c.Get(context.Background(), "Task Depends On")
	require.NoError(t, err)
	assert.Equal(t, 1, f.count("Task Depends On"))
}

func TestCache_FieldAttribute(t *testing.T) {
	c := New(newFakeFetcher(), Options{})
	ctx := context.Background()

	opts, err := c.Field(ctx, "Task", "status", "options")
	require.NoError(t, err)
	assert.Equal(t, []string{"Open", "Working", "Completed"}, opts)

	reqd, err := c.Field(ctx, "Task", "subject", "reqd")
	require.NoError(t, err)
	assert.Equal(t, 1.0, reqd)

	def, err := c.Field(ctx, "Task", "subject", "")
	require.NoError(t, err)
	assert.Equal(t, domain.FieldData, def.(domain.FieldDefinition).Type)

	_, err = c.Field(ctx, "Task", "nope", "")
	assert.ErrorIs(t, err, ErrFieldNotFound)
}

func TestCache_Unavailable(t *testing.T) {
	f := newFakeFetcher()
	c := New(f, Options{})
	_, err := c.Get(context.Background(), "Empty")
	assert.ErrorIs(t, err, ErrSchemaUnavailable)

	f.err = errors.New("boom")
	_, err = c.Get(context.Background(), "Task")
	assert.ErrorIs(t, err, ErrSchemaUnavailable)

	// failures are not cached
	f.err = nil
	_, err = c.Get(context.Background(), "Task")
	assert.NoError(t, err)
}

func TestCache_InvalidateOnEvent(t *testing.T) {
	f := newFakeFetcher()
	c := New(f, Options{})
	bus := realtime.NewLocalBus(nil)
	defer bus.Close()
	unsub, err := c.Watch(bus)
	require.NoError(t, err)
	defer unsub()

	ctx := context.Background()
	_, err = c.Get(ctx, "Task")
	require.NoError(t, err)
	_, err = c.Get(ctx, "Task")
	require.NoError(t, err)
	assert.Equal(t, 1, f.count("Task"))

	require.NoError(t, bus.Publish(ctx, realtime.EventSchemaUpdate, map[string]any{"doctype": "Task"}))
	require.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		_, ok := c.entries["Task"]
		return !ok
	}, time.Second, 5*time.Millisecond)

	_, err = c.Get(ctx, "Task")
	require.NoError(t, err)
	assert.Equal(t, 2, f.count("Task"))
}
