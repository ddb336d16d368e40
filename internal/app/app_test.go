package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"boardline/internal/config"
	"boardline/internal/db"
	"boardline/internal/gateway"
	"boardline/internal/realtime"
	"boardline/internal/repo"
)

func openLocal(t *testing.T) *App {
	t.Helper()
	a, err := Open(context.Background(), t.TempDir(), config.Default(), Options{InMemory: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	fx, err := repo.ParseFixtures(repo.SampleFixtures())
	if err != nil {
		t.Fatalf("parse fixtures: %v", err)
	}
	if _, err := a.Local.LoadFixtures(context.Background(), fx); err != nil {
		t.Fatalf("load fixtures: %v", err)
	}
	return a
}

func TestOpenLocalWiresEngine(t *testing.T) {
	a := openLocal(t)
	if a.Local == nil || a.DB == nil {
		t.Fatalf("local store not wired")
	}
	if _, ok := a.Bus.(*realtime.LocalBus); !ok {
		t.Fatalf("expected in-process bus, got %T", a.Bus)
	}
	b, err := a.Engine().Kanban(context.Background(), "PROJ-002")
	if err != nil {
		t.Fatalf("kanban: %v", err)
	}
	if got := len(b.Items()); got != 4 {
		t.Fatalf("expected 4 tasks, got %d", got)
	}
	if _, err := a.Schemas.Get(context.Background(), "Task"); err != nil {
		t.Fatalf("schema: %v", err)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Mode = config.ModeRemote
	if _, err := Open(context.Background(), t.TempDir(), cfg, Options{}); err == nil {
		t.Fatalf("expected remote mode without url to fail")
	}
}

func TestOpenRemoteUsesClient(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Mode = config.ModeRemote
	cfg.Gateway.URL = "http://127.0.0.1:1"
	a, err := Open(context.Background(), t.TempDir(), cfg, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Local != nil || a.DB != nil {
		t.Fatalf("remote mode opened a local store")
	}
	if _, err := a.Gateway.ListDocuments(context.Background(), "Task", gateway.ListOptions{}); err == nil {
		t.Fatalf("expected unreachable gateway to fail")
	}
}

func TestOpenUsesWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(context.Background(), dir, config.Default(), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(db.Path(dir)); err != nil {
		t.Fatalf("expected database under workspace: %v", err)
	}
	if filepath.Clean(a.Workspace) != filepath.Clean(dir) {
		t.Fatalf("workspace %q, want %q", a.Workspace, dir)
	}
}

func TestReloadSwapsEngine(t *testing.T) {
	a := openLocal(t)
	next := config.Default()
	next.Board.KanbanExclude = nil
	a.Reload(next)
	if a.Config() != next {
		t.Fatalf("config not swapped")
	}
	b, err := a.Engine().Kanban(context.Background(), "PROJ-002")
	if err != nil {
		t.Fatalf("kanban: %v", err)
	}
	_, omitted := b.Groups()
	if omitted != 0 {
		t.Fatalf("expected template tasks to be shown after reload, %d omitted", omitted)
	}
}
