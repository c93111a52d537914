// Package store persists what a run produces: annotated images and state
// snapshots as artifacts, and the last unobscured egg counts per box in a
// small SQL cache.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RunDirLayout is the time layout of per-run artifact directories.
const RunDirLayout = "2006-01-02-15-04-05"

// Artifact projects for the two model passes.
const (
	ProjectEgg     = "egg_prediction"
	ProjectChicken = "chicken_prediction"
)

// ArtifactStore accepts (key, blob) pairs and returns where the blob landed.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// ArtifactWriteError reports an artifact that could not be persisted. The
// numeric report it belongs to is still valid.
type ArtifactWriteError struct {
	Key string
	Err error
}

func (e *ArtifactWriteError) Error() string {
	return fmt.Sprintf("failed to write artifact %q: %v", e.Key, e.Err)
}

func (e *ArtifactWriteError) Unwrap() error {
	return e.Err
}

// RunDir names the artifact directory of a run.
func RunDir(runTimestamp int64) string {
	return time.Unix(runTimestamp, 0).UTC().Format(RunDirLayout)
}

// BlobKey is the key of the blob-detection artifact.
func BlobKey(runTimestamp int64, box int) string {
	return path.Join(RunDir(runTimestamp), fmt.Sprintf("box-%d-egg-blob-detect.jpg", box))
}

// ModelKey is the key of an object-detection artifact for one project.
func ModelKey(runTimestamp int64, box int, project string) string {
	return path.Join(RunDir(runTimestamp), fmt.Sprintf("box-%d-%s-yolo.jpg", box, project))
}

// ResultsKey is the key of the serialized state snapshot.
func ResultsKey(runTimestamp int64, box int) string {
	return path.Join(RunDir(runTimestamp), fmt.Sprintf("box-%d-results.json", box))
}

// RawKey is the key of the spliced input image.
func RawKey(runTimestamp int64, box int) string {
	return path.Join(RunDir(runTimestamp), fmt.Sprintf("box-%d-raw.jpg", box))
}

// FileStore writes artifacts below a root directory.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("artifact root directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the root directory.
func (s *FileStore) Root() string {
	return s.root
}

// Put writes data to root/key through a temporary file and a rename, so a
// reader never sees a partial artifact. Errors are *ArtifactWriteError.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &ArtifactWriteError{Key: key, Err: err}
	}
	clean, err := cleanKey(key)
	if err != nil {
		return "", &ArtifactWriteError{Key: key, Err: err}
	}

	dst := filepath.Join(s.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", &ArtifactWriteError{Key: key, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".artifact-*")
	if err != nil {
		return "", &ArtifactWriteError{Key: key, Err: err}
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp.Name(), dst)
	}
	if werr != nil {
		os.Remove(tmp.Name())
		return "", &ArtifactWriteError{Key: key, Err: werr}
	}
	return dst, nil
}

// MemoryStore keeps artifacts in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put stores a copy of data and returns a mem:// reference.
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &ArtifactWriteError{Key: key, Err: err}
	}
	clean, err := cleanKey(key)
	if err != nil {
		return "", &ArtifactWriteError{Key: key, Err: err}
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.blobs[clean] = buf
	m.mu.Unlock()
	return "mem://" + clean, nil
}

// Get returns a stored blob.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	return b, ok
}

// Keys returns every stored key in sorted order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.blobs))
	for k := range m.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty artifact key")
	}
	clean := path.Clean(strings.ReplaceAll(key, "\\", "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("artifact key %q escapes the store root", key)
	}
	return clean, nil
}
