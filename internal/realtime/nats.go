package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

var ErrClosed = errors.New("realtime bus closed")

// NATSBus publishes events as JSON on <prefix>.<event> subjects.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

func ConnectNATS(url, prefix string, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("boardline"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewNATSBus(conn, prefix, logger), nil
}

func NewNATSBus(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSBus {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "boardline"
	}
	return &NATSBus{conn: conn, prefix: prefix, logger: logger}
}

func (b *NATSBus) subject(event string) string {
	return b.prefix + "." + strings.ReplaceAll(strings.TrimSpace(event), " ", "_")
}

func (b *NATSBus) Publish(ctx context.Context, event string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	payload, err := json.Marshal(Event{Name: event, Data: data, TS: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.conn.Publish(b.subject(event), payload)
}

func (b *NATSBus) Subscribe(event string, h Handler) (func(), error) {
	sub, err := b.conn.Subscribe(b.subject(event), func(m *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			b.logger.Warn("dropping malformed realtime event", slog.String("subject", m.Subject), slog.String("error", err.Error()))
			return
		}
		h(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", event, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	err := b.conn.Drain()
	b.conn.Close()
	return err
}
