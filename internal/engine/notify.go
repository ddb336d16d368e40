package engine

import (
	"context"
	"log/slog"

	"boardline/internal/board"
	"boardline/internal/realtime"
)

// BusNotifier logs notifications and republishes them as realtime
// notification events so every connected client can show them.
type BusNotifier struct {
	Bus    realtime.Bus
	Logger *slog.Logger
}

func (n BusNotifier) Notify(ctx context.Context, note board.Notification) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(note.Title, "message", note.Message, "doctype", note.Doctype, "name", note.Name)
	if n.Bus == nil {
		return
	}
	err := n.Bus.Publish(ctx, realtime.EventNotification, map[string]any{
		"level":   note.Level,
		"title":   note.Title,
		"message": note.Message,
		"doctype": note.Doctype,
		"name":    note.Name,
	})
	if err != nil {
		logger.Debug("publish notification failed", "error", err)
	}
}
