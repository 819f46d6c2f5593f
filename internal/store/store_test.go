package store

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerobrew/zerobrew/internal/blob"
	"github.com/zerobrew/zerobrew/internal/zerrors"
)

func makeTarGz(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.tar.gz")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	return path
}

func TestEnsureEntryExtractsOnce(t *testing.T) {
	root := t.TempDir()
	blobs, err := blob.New(filepath.Join(root, "cache"), nil)
	require.NoError(t, err)
	s, err := New(filepath.Join(root, "store"), blobs, nil)
	require.NoError(t, err)

	archivePath := makeTarGz(t, map[string]string{"bin/foo": "binary-contents"})

	entryPath, err := s.EnsureEntry("abc123", archivePath, "foo-1.0.tar.gz")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(entryPath, "bin/foo"))

	entryPath2, err := s.EnsureEntry("abc123", archivePath, "foo-1.0.tar.gz")
	require.NoError(t, err)
	require.Equal(t, entryPath, entryPath2)
}

func TestEnsureEntryRejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	s, err := New(filepath.Join(root, "store"), nil, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	archivePath := filepath.Join(dir, "evil.tar.gz")
	f, err := os.Create(archivePath)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{Name: "../../etc/passwd", Mode: 0o644, Size: 4}
	require.NoError(t, tw.WriteHeader(hdr))
	_, err = tw.Write([]byte("evil"))
	require.NoError(t, err)
	tw.Close()
	gz.Close()
	f.Close()

	_, err = s.EnsureEntry("evil", archivePath, "evil.tar.gz")
	require.Error(t, err)
	kind, ok := zerrors.ClassOf(err)
	require.True(t, ok)
	require.Equal(t, zerrors.KindStoreCorruption, kind)
}

func TestEnsureEntryClassifiesTruncatedArchiveAsStoreCorruption(t *testing.T) {
	root := t.TempDir()
	s, err := New(filepath.Join(root, "store"), nil, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	archivePath := filepath.Join(dir, "truncated.tar.gz")
	require.NoError(t, os.WriteFile(archivePath, []byte("not a real gzip stream"), 0o644))

	_, err = s.EnsureEntry("deadbeef", archivePath, "truncated.tar.gz")
	require.Error(t, err)
	kind, ok := zerrors.ClassOf(err)
	require.True(t, ok)
	require.Equal(t, zerrors.KindStoreCorruption, kind)
}

func TestRemoveEntry(t *testing.T) {
	root := t.TempDir()
	s, err := New(filepath.Join(root, "store"), nil, nil)
	require.NoError(t, err)

	archivePath := makeTarGz(t, map[string]string{"a": "b"})
	_, err = s.EnsureEntry("sha1", archivePath, "a.tar.gz")
	require.NoError(t, err)

	require.NoError(t, s.RemoveEntry("sha1"))
	_, err = os.Stat(s.EntryPath("sha1"))
	require.True(t, os.IsNotExist(err))
}
