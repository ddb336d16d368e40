// Package realtime carries push notifications between boardline processes:
// list refresh triggers, schema invalidation and user notifications.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	EventListUpdate   = "list_update"
	EventDocUpdate    = "doc_update"
	EventSchemaUpdate = "schema_update"
	EventNotification = "notification"
)

type Event struct {
	Name string         `json:"event"`
	Data map[string]any `json:"data,omitempty"`
	TS   time.Time      `json:"ts"`
}

// Doctype returns the document type an event refers to, if any.
func (e Event) Doctype() string {
	s, _ := e.Data["doctype"].(string)
	return s
}

type Handler func(Event)

type Bus interface {
	Publish(ctx context.Context, event string, data map[string]any) error
	Subscribe(event string, h Handler) (unsubscribe func(), err error)
	Close() error
}

type subscription struct {
	id    int
	event string
	ch    chan Event
	done  chan struct{}
}

// LocalBus is an in-process Bus. Each subscriber receives events in publish
// order on its own goroutine.
type LocalBus struct {
	Logger *slog.Logger
	Buffer int

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*subscription
	closed bool
	wg     sync.WaitGroup
}

func NewLocalBus(logger *slog.Logger) *LocalBus {
	return &LocalBus{Logger: logger, Buffer: 64, subs: map[string]map[int]*subscription{}}
}

func (b *LocalBus) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *LocalBus) Publish(ctx context.Context, event string, data map[string]any) error {
	ev := Event{Name: event, Data: data, TS: time.Now().UTC()}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	var targets []*subscription
	for _, s := range b.subs[event] {
		targets = append(targets, s)
	}
	b.mu.Unlock()
	for _, s := range targets {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(event string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.subs == nil {
		b.subs = map[string]map[int]*subscription{}
	}
	buf := b.Buffer
	if buf <= 0 {
		buf = 64
	}
	b.nextID++
	s := &subscription{id: b.nextID, event: event, ch: make(chan Event, buf), done: make(chan struct{})}
	if b.subs[event] == nil {
		b.subs[event] = map[int]*subscription{}
	}
	b.subs[event][s.id] = s
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case ev := <-s.ch:
				b.dispatch(h, ev)
			case <-s.done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			_, live := b.subs[event][s.id]
			delete(b.subs[event], s.id)
			b.mu.Unlock()
			if live {
				close(s.done)
			}
		})
	}, nil
}

func (b *LocalBus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger().Error("realtime handler panicked", slog.String("event", ev.Name), slog.Any("panic", r))
		}
	}()
	h(ev)
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, byID := range b.subs {
		for _, s := range byID {
			close(s.done)
		}
	}
	b.subs = nil
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
