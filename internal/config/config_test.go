package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Gateway.Mode != ModeLocal {
		t.Fatalf("expected local mode, got %q", cfg.Gateway.Mode)
	}
	if cfg.Board.BacklogDistance != 8 || cfg.Board.BoardDistance != 5 {
		t.Fatalf("unexpected activation distances %v/%v", cfg.Board.BacklogDistance, cfg.Board.BoardDistance)
	}
	if len(cfg.Board.KanbanExclude) != 1 || cfg.Board.KanbanExclude[0] != "Template" {
		t.Fatalf("unexpected kanban exclusions %v", cfg.Board.KanbanExclude)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("board:\n  cycle_field: sprint\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Board.CycleField != "sprint" {
		t.Fatalf("override lost: %q", cfg.Board.CycleField)
	}
	if cfg.Board.TaskDoctype != "Task" || cfg.Operations.StartCycle == "" {
		t.Fatalf("defaults lost: %+v", cfg.Board)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown mode":     "gateway:\n  mode: ftp\n",
		"remote no url":    "gateway:\n  mode: remote\n",
		"remote bad url":   "gateway:\n  mode: remote\n  url: example.com\n",
		"negative dist":    "board:\n  backlog_distance: -1\n",
		"blank field":      "board:\n  status_field: \"\"\n",
		"relative base":    "server:\n  base_path: v0\n",
		"missing op":       "operations:\n  start_cycle: \"\"\n",
		"malformed yaml":   "board: [",
		"negative timeout": "gateway:\n  timeout: -1s\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(data)); err == nil {
				t.Fatalf("expected error for %q", data)
			}
		})
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Gateway.Mode != ModeLocal {
		t.Fatalf("expected defaults without a file")
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "bl init") {
		t.Fatalf("expected hint to run init, got %v", err)
	}

	remote := GenerateDefault(ModeRemote)
	remote = strings.Replace(remote, `url: ""`, `url: "https://erp.example.com"`, 1)
	if err := os.WriteFile(Path(dir), []byte(remote), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Mode != ModeRemote || cfg.Gateway.Timeout != 10*time.Second {
		t.Fatalf("unexpected gateway %+v", cfg.Gateway)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boardline.yml")
	if err := os.WriteFile(path, []byte(GenerateDefault(ModeLocal)), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("board:\n  backlog_group: Backlog\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case cfg := <-got:
		if cfg.Board.BacklogGroup != "Backlog" {
			t.Fatalf("unexpected reloaded config %+v", cfg.Board)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}
