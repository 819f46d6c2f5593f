// Package store implements the content-addressed extracted-tree
// directory: one canonical extracted form per tarball sha256, created
// idempotently from a committed blob.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/uuid"

	"github.com/zerobrew/zerobrew/internal/blob"
	"github.com/zerobrew/zerobrew/internal/log"
	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// Store is the extracted-tree directory rooted at store/<sha256>/.
type Store struct {
	root   string
	blobs  *blob.Cache
	logger log.Logger
}

// New creates a Store rooted at storeRoot.
func New(storeRoot string, blobs *blob.Cache, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewNoop()
	}
	if err := os.MkdirAll(storeRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{root: storeRoot, blobs: blobs, logger: logger}, nil
}

// EntryPath returns the path a store entry for sha256 occupies, whether
// or not it has been created.
func (s *Store) EntryPath(sha256 string) string {
	return filepath.Join(s.root, sha256)
}

// hasEntry reports whether an extracted, non-empty entry exists for
// sha256.
func (s *Store) hasEntry(sha256 string) bool {
	entries, err := os.ReadDir(s.EntryPath(sha256))
	return err == nil && len(entries) > 0
}

// EnsureEntry returns the extracted-tree path for sha256, extracting
// blobPath into it if the entry does not already exist. Idempotent: a
// second caller racing on the same sha256 either finds the entry already
// materialized or loses a rename race and discards its own extraction,
// never corrupting the winner's tree.
//
// archiveName is used only to infer the compression format from its
// suffix (the installer passes "<name>.tar.gz"); a name whose suffix is
// not recognized is extracted as tar.gz.
func (s *Store) EnsureEntry(sha256, blobPath, archiveName string) (string, error) {
	finalPath := s.EntryPath(sha256)
	if s.hasEntry(sha256) {
		return finalPath, nil
	}

	f, err := detectFormat(archiveName)
	if err != nil {
		f = formatTarGz
	}

	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("generate temp dir id: %w", err)
	}
	tmpDir := filepath.Join(s.root, ".tmp-"+sha256+"-"+id.String())
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := extract(blobPath, tmpDir, f); err != nil {
		if s.blobs != nil {
			s.blobs.Remove(sha256)
		}
		return "", &zerrors.StoreCorruptionError{Message: fmt.Sprintf("extract blob %s", sha256), Cause: err}
	}

	if s.hasEntry(sha256) {
		// Another extractor won the race while we were unpacking.
		return finalPath, nil
	}

	if err := os.Rename(tmpDir, finalPath); err != nil {
		if s.hasEntry(sha256) {
			return finalPath, nil
		}
		return "", fmt.Errorf("rename staged entry into place: %w", err)
	}

	return finalPath, nil
}

// RemoveEntry deletes the store entry for sha256, if present.
func (s *Store) RemoveEntry(sha256 string) error {
	if err := os.RemoveAll(s.EntryPath(sha256)); err != nil {
		return fmt.Errorf("remove store entry %s: %w", sha256, err)
	}
	return nil
}
