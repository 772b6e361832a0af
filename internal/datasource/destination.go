package datasource

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnsafePath is returned for remote names that would land outside the
// data root.
var ErrUnsafePath = errors.New("path escapes data root")

// Destination is the local worker data root files are synced into.
type Destination struct {
	root string
}

// NewDestination creates root if needed.
func NewDestination(root string) (*Destination, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("data root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve data root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	return &Destination{root: abs}, nil
}

// Root returns the absolute data root.
func (d *Destination) Root() string { return d.root }

// Resolve maps a slash-separated remote name to a local path under the root.
func (d *Destination) Resolve(rel string) (string, error) {
	rel = strings.TrimPrefix(strings.ReplaceAll(rel, "\\", "/"), "/")
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	local := filepath.Join(d.root, filepath.FromSlash(clean))
	if r, err := filepath.Rel(d.root, local); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return local, nil
}

// Fresh reports whether the local copy of rel already matches a remote file
// of the given size and modification time.
func (d *Destination) Fresh(rel string, size int64, modTime time.Time) bool {
	local, err := d.Resolve(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(local)
	if err != nil || info.IsDir() {
		return false
	}
	if info.Size() != size {
		return false
	}
	return modTime.IsZero() || !info.ModTime().Before(modTime.Truncate(time.Second))
}

// Write stores rel atomically: fill writes into a temp file next to the
// target, which is renamed into place only if fill succeeds.
func (d *Destination) Write(rel string, modTime time.Time, fill func(w io.Writer) error) (int64, error) {
	local, err := d.Resolve(rel)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Dir(local), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(local), ".sync-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	cw := &countingWriter{w: tmp}
	if err := fill(cw); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return 0, fmt.Errorf("move %s into place: %w", rel, err)
	}
	if !modTime.IsZero() {
		_ = os.Chtimes(local, modTime, modTime)
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// relativeTo strips prefix from a remote key, returning "" for keys outside
// it or for directory markers.
func relativeTo(prefix, key string) string {
	key = strings.ReplaceAll(key, "\\", "/")
	if prefix != "" {
		p := strings.TrimSuffix(prefix, "/") + "/"
		if !strings.HasPrefix(key, p) {
			return ""
		}
		key = strings.TrimPrefix(key, p)
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return ""
	}
	return key
}
