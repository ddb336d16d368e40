// Package db opens the sqlite file behind the local document store.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".boardline"
	fileName = "boardline.db"
)

type Config struct {
	Workspace string
	// InMemory opens a private in-memory database instead of the workspace file.
	InMemory bool
}

// Path returns the database file of a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, fileName)
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Dir(Path(workspace))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

func pragmas(file bool) url.Values {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	if file {
		// Board refetches read while a drop writes.
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "busy_timeout(5000)")
	}
	return q
}

// Open opens the store and checks that it answers.
func Open(cfg Config) (*sql.DB, error) {
	dsn := "file::memory:?" + pragmas(false).Encode()
	if !cfg.InMemory {
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
		dsn = "file:" + Path(cfg.Workspace) + "?" + pragmas(true).Encode()
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.InMemory {
		// Every connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	return conn, nil
}
