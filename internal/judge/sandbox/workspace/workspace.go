// Package workspace manages the per-job scratch directories used for compiling
// and running submissions.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	appErr "kurooj/pkg/errors"
	"kurooj/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultDirPerm  os.FileMode = 0o755
	defaultFilePerm os.FileMode = 0o644
	maxJobIDLen                 = 48
)

// Config controls where workspaces live and how much headroom they need.
type Config struct {
	Root          string
	MinFreeBytes  uint64
	MinFreeInodes uint64
}

// Space reports free capacity of the filesystem holding the workspace root.
type Space struct {
	FreeBytes  uint64
	FreeInodes uint64
}

// SpaceProbe measures free capacity under path.
type SpaceProbe func(path string) (Space, error)

// Manager hands out exclusive workspaces and removes them on release.
type Manager struct {
	cfg   Config
	probe SpaceProbe
}

// Option customizes a Manager.
type Option func(*Manager)

// WithSpaceProbe replaces the filesystem capacity probe.
func WithSpaceProbe(probe SpaceProbe) Option {
	return func(m *Manager) {
		if probe != nil {
			m.probe = probe
		}
	}
}

// NewManager creates the root directory if needed and returns a Manager.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Root == "" {
		return nil, appErr.ValidationError("workspace.root", "required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailed, "resolve workspace root")
	}
	cfg.Root = root
	if err := os.MkdirAll(cfg.Root, defaultDirPerm); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailed, "create workspace root")
	}
	m := &Manager{cfg: cfg, probe: statSpace}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.cfg.Root
}

// Acquire creates an empty directory owned exclusively by one job. It fails with
// WorkspaceExhausted when the filesystem is below the configured headroom.
func (m *Manager) Acquire(ctx context.Context, jobID string) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkSpace(); err != nil {
		return nil, err
	}

	name := sanitize(jobID) + "-" + uuid.NewString()
	dir := filepath.Join(m.cfg.Root, name)
	if err := os.Mkdir(dir, defaultDirPerm); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailed, "create workspace %s", name)
	}
	logger.Debug(ctx, "workspace acquired", zap.String("dir", dir))
	return &Workspace{JobID: jobID, Dir: dir}, nil
}

// Release removes the workspace and everything in it. Releasing twice is a no-op.
func (m *Manager) Release(ws *Workspace) error {
	if ws == nil || !ws.released.CompareAndSwap(false, true) {
		return nil
	}
	if !strings.HasPrefix(ws.Dir, m.cfg.Root+string(os.PathSeparator)) {
		return appErr.Newf(appErr.WorkspaceFailed, "workspace %s is outside root", ws.Dir)
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceFailed, "remove workspace %s", ws.Dir)
	}
	return nil
}

func (m *Manager) checkSpace() error {
	if m.cfg.MinFreeBytes == 0 && m.cfg.MinFreeInodes == 0 {
		return nil
	}
	space, err := m.probe(m.cfg.Root)
	if err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceFailed, "probe workspace capacity")
	}
	if space.FreeBytes < m.cfg.MinFreeBytes {
		return appErr.ResourceExhausted("disk space", nil).
			WithDetail("free_bytes", space.FreeBytes)
	}
	if space.FreeInodes < m.cfg.MinFreeInodes {
		return appErr.ResourceExhausted("inodes", nil).
			WithDetail("free_inodes", space.FreeInodes)
	}
	return nil
}

// Workspace is a scratch directory holding one job's source, artifact and test staging files.
type Workspace struct {
	JobID    string
	Dir      string
	released atomic.Bool
}

// Path joins name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// WriteFile writes data into the workspace and returns the full path.
func (w *Workspace) WriteFile(name string, data []byte) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid workspace file name %q", name)
	}
	path := w.Path(name)
	if err := os.WriteFile(path, data, defaultFilePerm); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

// StageInput writes the stdin file for test case index.
func (w *Workspace) StageInput(index int, input string) (string, error) {
	return w.WriteFile(fmt.Sprintf("case-%d.in", index), []byte(input))
}

// RemoveFile deletes a staging file once a test case is done with it.
func (w *Workspace) RemoveFile(path string) {
	if path == "" || filepath.Dir(path) != w.Dir {
		return
	}
	_ = os.Remove(path)
}

func sanitize(jobID string) string {
	var b strings.Builder
	for _, r := range jobID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxJobIDLen {
			break
		}
	}
	if b.Len() == 0 {
		return "job"
	}
	return b.String()
}
