package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/portablesession/psp/state"
)

// FS stores each session as two files in one directory: <id>.json with the
// snapshot body and <id>.meta.json with the metadata sidecar. Writes go
// through a temp file and rename so a crashed upload never leaves a
// half-written session visible.
type FS struct {
	dir string
}

// NewFS creates a filesystem backend rooted at dir, creating it if needed.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dir, err)
	}
	return &FS{dir: dir}, nil
}

func (f *FS) bodyPath(id string) string { return filepath.Join(f.dir, id+".json") }
func (f *FS) metaPath(id string) string { return filepath.Join(f.dir, id+".meta.json") }

// safeID rejects ids that could escape the store directory.
func safeID(id string) error {
	if id == "" || id != filepath.Base(id) || strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("storage: invalid session id %q", id)
	}
	return nil
}

func (f *FS) Upload(_ context.Context, id string, body []byte, meta state.Metadata) error {
	if err := checkID(id, &meta); err != nil {
		return err
	}
	if err := safeID(id); err != nil {
		return err
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("storage: marshal metadata %s: %w", id, err)
	}
	if err := writeAtomic(f.bodyPath(id), body); err != nil {
		return err
	}
	return writeAtomic(f.metaPath(id), metaBytes)
}

func (f *FS) Download(_ context.Context, id string) ([]byte, state.Metadata, error) {
	if err := safeID(id); err != nil {
		return nil, state.Metadata{}, err
	}
	body, err := os.ReadFile(f.bodyPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, state.Metadata{}, ErrNotFound
	}
	if err != nil {
		return nil, state.Metadata{}, fmt.Errorf("storage: read %s: %w", id, err)
	}
	meta, err := f.readMeta(id)
	if err != nil {
		return nil, state.Metadata{}, err
	}
	return body, meta, nil
}

func (f *FS) readMeta(id string) (state.Metadata, error) {
	raw, err := os.ReadFile(f.metaPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return state.Metadata{}, ErrNotFound
	}
	if err != nil {
		return state.Metadata{}, fmt.Errorf("storage: read metadata %s: %w", id, err)
	}
	var meta state.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return state.Metadata{}, fmt.Errorf("storage: decode metadata %s: %w", id, err)
	}
	return meta, nil
}

func (f *FS) List(_ context.Context) ([]state.Metadata, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", f.dir, err)
	}
	var metas []state.Metadata
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		id := strings.TrimSuffix(name, ".meta.json")
		meta, err := f.readMeta(id)
		if err != nil {
			// Unreadable sidecar, likely a torn upload; skip it rather
			// than failing the whole listing.
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })
	return metas, nil
}

func (f *FS) Delete(_ context.Context, id string) error {
	if err := safeID(id); err != nil {
		return err
	}
	err := os.Remove(f.bodyPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", id, err)
	}
	if err := os.Remove(f.metaPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete metadata %s: %w", id, err)
	}
	return nil
}

func (f *FS) Exists(_ context.Context, id string) (bool, error) {
	if err := safeID(id); err != nil {
		return false, err
	}
	_, err := os.Stat(f.bodyPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: stat %s: %w", id, err)
	}
	return true, nil
}

// writeAtomic writes via temp file + rename in the target directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".psp-*")
	if err != nil {
		return fmt.Errorf("storage: temp file in %s: %w", dir, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("storage: rename into %s: %w", path, err)
	}
	return nil
}
