// Package db opens the workspace record store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"leadez/internal/domain"
)

const (
	dirName            = ".leadez"
	fileName           = "leadez.db"
	defaultBusyTimeout = 5 * time.Second
)

type Config struct {
	Workspace string
	// File overrides the database location inside the workspace.
	File        string
	BusyTimeout time.Duration
}

// EnsureWorkspace creates the workspace state directory and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Path returns the database file for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dirName, fileName)
}

// Open opens the SQLite store in WAL mode and checks that it answers. A store
// that cannot be reached matches domain.ErrStoreUnavailable.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	file := cfg.File
	if file == "" {
		file = Path(cfg.Workspace)
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		file, busy.Milliseconds())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.StoreError("open "+file, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), busy)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, domain.StoreError("ping "+file, err)
	}
	return conn, nil
}
