package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotFound is returned by a Store for names it does not hold.
var ErrNotFound = errors.New("not found")

// maxUniqueAttempts bounds the "(n)" suffix search.
const maxUniqueAttempts = 10000

// FileInfo describes a stored file.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Store is a flat namespace of files. Names are compared case-insensitively
// when reserving and looking up, but stored with their original case.
type Store interface {
	// List returns the regular files currently held.
	List(ctx context.Context) ([]FileInfo, error)
	// CreateUnique reserves a name derived from name that no existing file
	// matches case-insensitively and returns it. The reservation is an
	// empty file until OpenWrite fills it.
	CreateUnique(ctx context.Context, name string) (string, error)
	// OpenWrite truncates and writes a reserved name. Close commits it.
	OpenWrite(ctx context.Context, name string) (io.WriteCloser, error)
	// OpenRead opens an exact stored name.
	OpenRead(ctx context.Context, name string) (io.ReadCloser, FileInfo, error)
	// Find looks a name up case-insensitively.
	Find(ctx context.Context, name string) (FileInfo, bool, error)
	Delete(ctx context.Context, name string) error
}

// DirStore keeps files directly inside one directory.
type DirStore struct {
	root string
	// mu serialises reservations so that two names differing only in case
	// cannot both be created by this process.
	mu sync.Mutex
}

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, errors.New("store root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &DirStore{root: abs}, nil
}

// Root is the absolute storage directory.
func (d *DirStore) Root() string { return d.root }

func (d *DirStore) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return filepath.Join(d.root, name), nil
}

func (d *DirStore) List(ctx context.Context) ([]FileInfo, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}

func (d *DirStore) CreateUnique(ctx context.Context, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.List(ctx)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(existing))
	for _, fi := range existing {
		taken[foldName(fi.Name)] = true
	}

	for attempt := 0; attempt < maxUniqueAttempts; attempt++ {
		cand := candidateName(name, attempt)
		if taken[foldName(cand)] {
			continue
		}
		p, err := d.path(cand)
		if err != nil {
			return "", err
		}
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", cand, err)
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return cand, nil
	}
	return "", fmt.Errorf("no free name for %q", name)
}

func (d *DirStore) OpenWrite(_ context.Context, name string) (io.WriteCloser, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(p, os.O_WRONLY|os.O_TRUNC, 0o644)
}

func (d *DirStore) OpenRead(_ context.Context, name string) (io.ReadCloser, FileInfo, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, FileInfo{}, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, FileInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, FileInfo{}, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, FileInfo{}, err
	}
	if !st.Mode().IsRegular() {
		_ = f.Close()
		return nil, FileInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f, FileInfo{Name: st.Name(), Size: st.Size(), ModTime: st.ModTime()}, nil
}

func (d *DirStore) Find(ctx context.Context, name string) (FileInfo, bool, error) {
	if name == "" {
		return FileInfo{}, false, nil
	}
	files, err := d.List(ctx)
	if err != nil {
		return FileInfo{}, false, err
	}
	key := foldName(name)
	for _, fi := range files {
		if fi.Name == name {
			return fi, true, nil
		}
	}
	for _, fi := range files {
		if foldName(fi.Name) == key {
			return fi, true, nil
		}
	}
	return FileInfo{}, false, nil
}

func (d *DirStore) Delete(_ context.Context, name string) error {
	p, err := d.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return err
	}
	return nil
}
