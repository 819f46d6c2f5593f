package link

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerobrew/zerobrew/internal/zerrors"
)

func makeKeg(t *testing.T, root, name, version string) string {
	t.Helper()
	keg := filepath.Join(root, "Cellar", name, version)
	require.NoError(t, os.MkdirAll(filepath.Join(keg, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(keg, "bin", name), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(keg, "lib", "pkgconfig"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(keg, "lib", "pkgconfig", name+".pc"), []byte("x"), 0o644))
	return keg
}

func TestLinkKegCreatesSymlinksAndOpt(t *testing.T) {
	prefix := t.TempDir()
	keg := makeKeg(t, prefix, "tool", "1.0")

	l := New(prefix, nil)
	linked, err := l.LinkKeg("tool", keg)
	require.NoError(t, err)
	require.NotEmpty(t, linked)

	binLink := filepath.Join(prefix, "bin", "tool")
	target, err := os.Readlink(binLink)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(keg, "bin", "tool"), target)

	optTarget, err := os.Readlink(filepath.Join(prefix, "opt", "tool"))
	require.NoError(t, err)
	require.Equal(t, keg, optTarget)
	require.True(t, l.IsLinked("tool", keg))
}

func TestLinkKegIsIdempotent(t *testing.T) {
	prefix := t.TempDir()
	keg := makeKeg(t, prefix, "tool", "1.0")

	l := New(prefix, nil)
	_, err := l.LinkKeg("tool", keg)
	require.NoError(t, err)
	_, err = l.LinkKeg("tool", keg)
	require.NoError(t, err, "re-linking the same keg must be idempotent")
}

func TestLinkKegDetectsConflict(t *testing.T) {
	prefix := t.TempDir()
	keg := makeKeg(t, prefix, "tool", "1.0")

	require.NoError(t, os.MkdirAll(filepath.Join(prefix, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "bin", "tool"), []byte("not ours"), 0o755))

	l := New(prefix, nil)
	_, err := l.LinkKeg("tool", keg)
	require.Error(t, err)
	kind, ok := zerrors.ClassOf(err)
	require.True(t, ok)
	require.Equal(t, zerrors.KindLinkConflict, kind)
}

func TestLinkKegMergesSharedDirectoryAcrossPackages(t *testing.T) {
	prefix := t.TempDir()
	kegA := makeKeg(t, prefix, "pkg-a", "1.0")
	kegB := makeKeg(t, prefix, "pkg-b", "1.0")

	l := New(prefix, nil)
	_, err := l.LinkKeg("pkg-a", kegA)
	require.NoError(t, err)
	_, err = l.LinkKeg("pkg-b", kegB)
	require.NoError(t, err)

	_, errA := os.Lstat(filepath.Join(prefix, "lib", "pkgconfig", "pkg-a.pc"))
	require.NoError(t, errA)
	_, errB := os.Lstat(filepath.Join(prefix, "lib", "pkgconfig", "pkg-b.pc"))
	require.NoError(t, errB)

	info, err := os.Lstat(filepath.Join(prefix, "lib", "pkgconfig"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Zero(t, info.Mode()&os.ModeSymlink, "shared directory must become real, not remain a symlink to one package's keg")
}

func TestUnlinkKegRemovesOnlyOwnedSymlinks(t *testing.T) {
	prefix := t.TempDir()
	keg := makeKeg(t, prefix, "tool", "1.0")

	l := New(prefix, nil)
	_, err := l.LinkKeg("tool", keg)
	require.NoError(t, err)

	require.NoError(t, l.UnlinkKeg("tool", keg))

	_, err = os.Lstat(filepath.Join(prefix, "bin", "tool"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Lstat(filepath.Join(prefix, "opt", "tool"))
	require.True(t, os.IsNotExist(err))
}

func TestUnlinkKegPreservesForeignSymlinks(t *testing.T) {
	prefix := t.TempDir()
	keg := makeKeg(t, prefix, "tool", "1.0")

	l := New(prefix, nil)
	_, err := l.LinkKeg("tool", keg)
	require.NoError(t, err)

	foreignTarget := filepath.Join(t.TempDir(), "elsewhere")
	require.NoError(t, os.WriteFile(foreignTarget, []byte("x"), 0o644))
	require.NoError(t, os.Symlink(foreignTarget, filepath.Join(prefix, "bin", "other-tool")))

	require.NoError(t, l.UnlinkKeg("tool", keg))

	target, err := os.Readlink(filepath.Join(prefix, "bin", "other-tool"))
	require.NoError(t, err)
	require.Equal(t, foreignTarget, target)
}
