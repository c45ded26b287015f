// Package workspace manages the per-task isolated working directories that
// pipeline runs execute in.
package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Manager creates and disposes per-task workspaces under a root directory.
type Manager struct {
	root string
}

// NewManager creates a Manager rooted at root.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Handle is one bound task workspace.
type Handle struct {
	taskID string
	dir    string
}

// Bind creates (or reuses) the workspace directory for a task and
// initializes version control in it so step commits have somewhere to land.
func (m *Manager) Bind(taskID string) (*Handle, error) {
	if taskID == "" {
		return nil, fmt.Errorf("bind workspace: empty task id")
	}
	dir := filepath.Join(m.root, taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("bind workspace for %s: %w", taskID, err)
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); os.IsNotExist(err) {
		cmd := exec.Command("git", "init", "-q")
		cmd.Dir = dir
		// Workspaces outside a repository still work; commits become no-ops.
		_ = cmd.Run()
	}

	return &Handle{taskID: taskID, dir: dir}, nil
}

// Release removes the workspace directory. Called after the task reaches a
// terminal status.
func (m *Manager) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	if err := os.RemoveAll(h.dir); err != nil {
		return fmt.Errorf("release workspace for %s: %w", h.taskID, err)
	}
	return nil
}

// TaskID returns the task this workspace is bound to.
func (h *Handle) TaskID() string {
	return h.taskID
}

// Root returns the workspace directory.
func (h *Handle) Root() string {
	return h.dir
}

// Exists reports whether the workspace directory is still present. A
// workspace deleted mid-run aborts the run.
func (h *Handle) Exists() bool {
	info, err := os.Stat(h.dir)
	return err == nil && info.IsDir()
}

// Commit snapshots the workspace. Nothing-to-commit is not an error; a
// missing git binary or repository degrades to a no-op with an error the
// caller may log.
func (h *Handle) Commit(message string) error {
	add := exec.Command("git", "add", "-A")
	add.Dir = h.dir
	if out, err := add.CombinedOutput(); err != nil {
		return fmt.Errorf("stage workspace %s: %v: %s", h.taskID, err, out)
	}

	status := exec.Command("git", "status", "--porcelain")
	status.Dir = h.dir
	out, err := status.Output()
	if err != nil {
		return fmt.Errorf("inspect workspace %s: %w", h.taskID, err)
	}
	if len(out) == 0 {
		return nil
	}

	commit := exec.Command("git", "commit", "-q", "-m", message)
	commit.Dir = h.dir
	if out, err := commit.CombinedOutput(); err != nil {
		return fmt.Errorf("commit workspace %s: %v: %s", h.taskID, err, out)
	}
	return nil
}
