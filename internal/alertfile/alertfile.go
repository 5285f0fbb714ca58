// Package alertfile manages the on-disk alert files the daemon uses to
// surface operator-visible conditions: creating one writes "alert" to
// {alert_file_dir}/{name}; clearing one removes the file.
package alertfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pgsentry/pgsentry/internal/logging"
)

// Engine tracks which alerts are currently active and persists that state
// as files under a configured directory.
type Engine struct {
	mu     sync.Mutex
	dir    string
	active map[string]bool
}

// NewEngine constructs an Engine rooted at dir. The directory is not
// created here; it must already exist (operator-provisioned, per
// convention with the rest of the daemon's file-based interfaces).
func NewEngine(dir string) *Engine {
	return &Engine{dir: dir, active: make(map[string]bool)}
}

// Create writes the alert file for name if it is not already active.
// Idempotent: calling it again while already active is a no-op.
func (e *Engine) Create(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active[name] {
		return nil
	}

	path := e.path(name)
	if err := os.WriteFile(path, []byte("alert"), 0o644); err != nil {
		return fmt.Errorf("write alert file %s: %w", path, err)
	}
	e.active[name] = true
	logging.Info("alert raised", "name", name, "path", path)
	return nil
}

// Delete removes the alert file for name if active. Idempotent.
func (e *Engine) Delete(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active[name] {
		return nil
	}

	path := e.path(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove alert file %s: %w", path, err)
	}
	delete(e.active, name)
	logging.Info("alert cleared", "name", name, "path", path)
	return nil
}

// IsActive reports whether name is currently raised.
func (e *Engine) IsActive(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[name]
}

func (e *Engine) path(name string) string {
	return filepath.Join(e.dir, name)
}
