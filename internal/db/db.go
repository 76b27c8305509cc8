// Package db opens the per-workspace catalog database. All local state
// (properties, review candidates, cleaning logs) lives in one SQLite file
// under the workspace's .listkeeper directory.
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
	stateDir = ".listkeeper"
	fileName = "catalog.db"
)

// Path returns the catalog database path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, fileName)
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace state dir: %w", err)
	}
	return dir, nil
}

// Open opens the workspace catalog database, creating it on first use.
// WAL mode and a busy timeout let the serve command and a concurrent CLI
// invocation share the file; foreign keys guard candidate and log rows.
func Open(workspace string) (*sql.DB, error) {
	if _, err := EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	conn, err := sql.Open("sqlite", "file:"+Path(workspace)+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	return conn, nil
}
