// Package blob implements the content-addressed tarball cache: immutable
// blobs keyed by sha256, written via a staged temp file that is atomically
// renamed into place so concurrent writers for the same hash never
// corrupt each other.
package blob

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/uuid"

	"github.com/zerobrew/zerobrew/internal/log"
)

// Cache is the on-disk blob store rooted at cache/{blobs,tmp}.
type Cache struct {
	blobsDir string
	tmpDir   string
	logger   log.Logger
}

// New creates a Cache rooted at cacheRoot, creating blobs/ and tmp/ if
// they do not exist.
func New(cacheRoot string, logger log.Logger) (*Cache, error) {
	if logger == nil {
		logger = log.NewNoop()
	}
	blobsDir := filepath.Join(cacheRoot, "blobs")
	tmpDir := filepath.Join(cacheRoot, "tmp")

	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blobs dir: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}

	return &Cache{blobsDir: blobsDir, tmpDir: tmpDir, logger: logger}, nil
}

// Path returns the final on-disk path for a blob, whether or not it
// exists yet.
func (c *Cache) Path(sha256 string) string {
	return filepath.Join(c.blobsDir, sha256+".tar.gz")
}

// Has reports whether a committed blob exists for sha256.
func (c *Cache) Has(sha256 string) bool {
	_, err := os.Stat(c.Path(sha256))
	return err == nil
}

// Remove deletes a committed blob, if present. Used when extraction finds
// the blob corrupt so the next attempt re-downloads.
func (c *Cache) Remove(sha256 string) (bool, error) {
	path := c.Path(sha256)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("remove blob: %w", err)
	}
	return true, nil
}

// Writer accepts streamed bytes for a blob being downloaded and commits
// them atomically.
type Writer struct {
	file      *os.File
	tmpPath   string
	finalPath string
	committed bool
	closed    bool
}

// StartWrite begins a new blob write for sha256. The returned Writer
// stages data to a uniquely named temp file so concurrent writers for the
// same hash never collide.
func (c *Cache) StartWrite(sha256 string) (*Writer, error) {
	finalPath := c.Path(sha256)

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generate temp id: %w", err)
	}
	tmpPath := filepath.Join(c.tmpDir, fmt.Sprintf("%s.%d.%s.tar.gz.part", sha256, os.Getpid(), id.String()))

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create temp blob file: %w", err)
	}

	return &Writer{file: f, tmpPath: tmpPath, finalPath: finalPath}, nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

// Commit flushes and atomically renames the temp file into place. If
// another writer already committed the same hash, Commit discards this
// writer's data and succeeds silently — the racer's victory is absorbed.
func (w *Writer) Commit() (string, error) {
	if err := w.file.Sync(); err != nil {
		w.cleanup()
		return "", fmt.Errorf("flush blob: %w", err)
	}
	if err := w.file.Close(); err != nil {
		w.closed = true
		_ = os.Remove(w.tmpPath)
		return "", fmt.Errorf("close blob: %w", err)
	}
	w.closed = true

	if _, err := os.Stat(w.finalPath); err == nil {
		_ = os.Remove(w.tmpPath)
		w.committed = true
		return w.finalPath, nil
	}

	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		if _, statErr := os.Stat(w.finalPath); statErr == nil {
			_ = os.Remove(w.tmpPath)
			w.committed = true
			return w.finalPath, nil
		}
		return "", fmt.Errorf("rename blob into place: %w", err)
	}

	w.committed = true
	return w.finalPath, nil
}

// Abort discards the temp file without committing. Safe to call after a
// failed Commit, and required whenever a download fails before Commit is
// reached (e.g. on checksum mismatch).
func (w *Writer) Abort() {
	w.cleanup()
}

func (w *Writer) cleanup() {
	if !w.closed {
		_ = w.file.Close()
		w.closed = true
	}
	if !w.committed {
		os.Remove(w.tmpPath)
	}
}
