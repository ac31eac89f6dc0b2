package segments

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// ObjectKey is an opaque handle to an uploaded artifact.
type ObjectKey string

// ObjectStore is byte-addressed storage for segment artifacts. Uploads
// are atomic: a key either refers to a complete object or does not
// exist. Objects are immutable once written.
type ObjectStore interface {
	// Upload stores the contents of r and returns its key.
	Upload(ctx context.Context, r io.Reader, kind ArtifactKind) (ObjectKey, error)

	// Get opens the object for reading.
	Get(ctx context.Context, key ObjectKey) (io.ReadCloser, error)

	// Delete removes an object. No sweep in this module calls it:
	// artifacts replaced by a flush or compaction stay in the store.
	Delete(ctx context.Context, key ObjectKey) error
}

// UploadBytes uploads a byte slice.
func UploadBytes(ctx context.Context, store ObjectStore, b []byte, kind ArtifactKind) (ObjectKey, error) {
	return store.Upload(ctx, bytes.NewReader(b), kind)
}

// GetBytes downloads a whole object.
func GetBytes(ctx context.Context, store ObjectStore, key ObjectKey) ([]byte, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// MemoryObjectStore keeps objects in memory. Tests and ephemeral
// deployments use it.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[ObjectKey][]byte
}

// NewMemoryObjectStore returns an empty store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[ObjectKey][]byte)}
}

// Upload stores the contents of r.
func (s *MemoryObjectStore) Upload(ctx context.Context, r io.Reader, kind ArtifactKind) (ObjectKey, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading upload: %w", err)
	}
	key := ObjectKey(fmt.Sprintf("%s/%s", kind, uuid.NewString()))
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return key, nil
}

// Get opens the object for reading.
func (s *MemoryObjectStore) Get(ctx context.Context, key ObjectKey) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes an object.
func (s *MemoryObjectStore) Delete(ctx context.Context, key ObjectKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryObjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// DiskObjectStore stores each object as a file under a root directory,
// sharded by artifact kind. Writes go to a temp file first and rename
// into place, which makes the upload atomic on POSIX filesystems.
type DiskObjectStore struct {
	root string
}

// NewDiskObjectStore creates the store rooted at dir.
func NewDiskObjectStore(dir string) (*DiskObjectStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating object store root: %w", err)
	}
	return &DiskObjectStore{root: dir}, nil
}

// Upload stores the contents of r.
func (s *DiskObjectStore) Upload(ctx context.Context, r io.Reader, kind ArtifactKind) (ObjectKey, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}
	name := uuid.NewString()
	tmp, err := os.CreateTemp(dir, name+".tmp*")
	if err != nil {
		return "", fmt.Errorf("creating temp object: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing object: %w", err)
	}
	final := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publishing object: %w", err)
	}
	return ObjectKey(filepath.Join(string(kind), name)), nil
}

// Get opens the object for reading.
func (s *DiskObjectStore) Get(ctx context.Context, key ObjectKey) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(string(key))))
	if err != nil {
		return nil, fmt.Errorf("opening object %s: %w", key, err)
	}
	return f, nil
}

// Delete removes an object.
func (s *DiskObjectStore) Delete(ctx context.Context, key ObjectKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.root, filepath.FromSlash(string(key)))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting object %s: %w", key, err)
	}
	return nil
}

// Compile-time checks.
var (
	_ ObjectStore = (*MemoryObjectStore)(nil)
	_ ObjectStore = (*DiskObjectStore)(nil)
)
