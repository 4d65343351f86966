// Package workspace provides the per-owner directories pipeline stages write
// into. Every path handed to a Workspace is resolved relative to the owner's
// root and rejected if it would escape it.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/Strob0t/StageForge/internal/domain"
)

// ErrEscapesRoot is returned for a relative path that resolves outside the
// owner's workspace.
var ErrEscapesRoot = errors.New("path escapes workspace root")

const maxOwnerLen = 128

// Manager hands out owner workspaces below a single root directory.
type Manager struct {
	root string
	fs   afero.Fs
}

// NewManager creates a Manager rooted at root on the OS filesystem.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root %q: %w", root, err)
	}
	return NewManagerFs(afero.NewOsFs(), abs), nil
}

// NewManagerFs creates a Manager on an arbitrary filesystem. Tests pass
// afero.NewMemMapFs(); stages that shell out need the OS filesystem.
func NewManagerFs(fs afero.Fs, root string) *Manager {
	return &Manager{root: root, fs: fs}
}

// Root returns the directory containing all owner workspaces.
func (m *Manager) Root() string { return m.root }

// For returns the workspace of ownerID. The directory is not created until
// Ensure or the first write.
func (m *Manager) For(ownerID string) (*Workspace, error) {
	if err := validateOwner(ownerID); err != nil {
		return nil, err
	}
	dir := filepath.Join(m.root, ownerID)
	return &Workspace{
		owner: ownerID,
		dir:   dir,
		fs:    afero.NewBasePathFs(m.fs, dir),
		base:  m.fs,
	}, nil
}

func validateOwner(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: owner id is required", domain.ErrValidation)
	case len(id) > maxOwnerLen:
		return fmt.Errorf("%w: owner id too long (max %d chars)", domain.ErrValidation, maxOwnerLen)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: owner id must not contain path separators", domain.ErrValidation)
	case strings.Contains(id, ".."):
		return fmt.Errorf("%w: owner id must not contain '..'", domain.ErrValidation)
	case id[0] == '.':
		return fmt.Errorf("%w: owner id must not start with '.'", domain.ErrValidation)
	}
	return nil
}

// Workspace is one owner's private directory.
type Workspace struct {
	owner string
	dir   string
	fs    afero.Fs
	base  afero.Fs
}

// Owner returns the owner identity.
func (w *Workspace) Owner() string { return w.owner }

// Dir returns the absolute directory, for use as a process working dir.
func (w *Workspace) Dir() string { return w.dir }

// Exists reports whether the workspace directory has been created.
func (w *Workspace) Exists() bool {
	ok, err := afero.DirExists(w.base, w.dir)
	return err == nil && ok
}

// Ensure creates the workspace directory if needed.
func (w *Workspace) Ensure() error {
	if err := w.base.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", w.dir, err)
	}
	return nil
}

// Resolve validates rel and returns its cleaned slash form relative to the
// workspace root.
func Resolve(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("%w: empty path", ErrEscapesRoot)
	}
	p := strings.ReplaceAll(rel, `\`, "/")
	if path.IsAbs(p) || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %q is absolute", ErrEscapesRoot, rel)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, rel)
	}
	if clean == ".git" || strings.HasPrefix(clean, ".git/") {
		return "", fmt.Errorf("%w: %q targets repository metadata", ErrEscapesRoot, rel)
	}
	return clean, nil
}

// WriteFile writes content to rel, creating parent directories. It returns
// the cleaned relative path actually written.
func (w *Workspace) WriteFile(rel, content string) (string, error) {
	clean, err := Resolve(rel)
	if err != nil {
		return "", err
	}
	dir := path.Dir(clean)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	if err := afero.WriteFile(w.fs, clean, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", clean, err)
	}
	return clean, nil
}

// ReadFile reads rel from the workspace.
func (w *Workspace) ReadFile(rel string) ([]byte, error) {
	clean, err := Resolve(rel)
	if err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(w.fs, clean)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", clean, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", clean, err)
	}
	return b, nil
}

// FileExists reports whether rel names a regular file in the workspace.
func (w *Workspace) FileExists(rel string) bool {
	clean, err := Resolve(rel)
	if err != nil {
		return false
	}
	info, err := w.fs.Stat(clean)
	return err == nil && info.Mode().IsRegular()
}

// HasRepository reports whether the workspace already holds a git repository.
func (w *Workspace) HasRepository() bool {
	ok, err := afero.DirExists(w.fs, ".git")
	return err == nil && ok
}
