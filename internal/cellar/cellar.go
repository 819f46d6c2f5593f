// Package cellar materializes a content-addressed store entry into a
// package/version keg under a prefix's Cellar directory, preferring hard
// links to the immutable store and falling back to a copy when the store
// and the prefix live on different devices.
package cellar

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zerobrew/zerobrew/internal/log"
)

// Cellar materializes kegs under a configured prefix.
type Cellar struct {
	prefix string
	logger log.Logger
}

// New creates a Cellar rooted at prefix (e.g. /opt/zerobrew).
func New(prefix string, logger log.Logger) *Cellar {
	if logger == nil {
		logger = log.NewNoop()
	}
	return &Cellar{prefix: prefix, logger: logger}
}

// KegPath returns the keg directory for a name/version pair, whether or
// not it has been materialized yet.
func (c *Cellar) KegPath(name, version string) string {
	return filepath.Join(c.prefix, "Cellar", name, version)
}

// Materialize creates KegPath(name, version) populated with the contents
// of storeEntry, hard-linking every file where possible and copying where
// hard-linking fails (cross-device store and prefix, or a filesystem that
// doesn't support hard links). Directories are recreated and executable
// bits preserved either way. Returns the keg path.
func (c *Cellar) Materialize(name, version, storeEntry string) (string, error) {
	keg := c.KegPath(name, version)
	if err := os.RemoveAll(keg); err != nil {
		return "", err
	}
	if err := os.MkdirAll(keg, 0o755); err != nil {
		return "", err
	}

	if err := c.materializeTree(storeEntry, keg); err != nil {
		os.RemoveAll(keg)
		return "", err
	}
	return keg, nil
}

func (c *Cellar) materializeTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dstPath := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			return copySymlink(path, dstPath)
		case d.IsDir():
			return os.MkdirAll(dstPath, info.Mode().Perm())
		default:
			return linkOrCopy(path, dstPath, info.Mode())
		}
	})
}

// linkOrCopy attempts a hard link from src to dst, falling back to a
// file copy (preserving mode bits) when linking fails for any reason —
// typically EXDEV for a store and prefix on different devices, but any
// hard-link failure degrades gracefully the same way.
func linkOrCopy(src, dst string, mode fs.FileMode) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst, mode)
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func copySymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return err
	}
	os.Remove(dst)
	return os.Symlink(target, dst)
}

// Privatize ensures path, a file inside a keg, is no longer hard-linked to
// the store: if its link count is greater than one, it is replaced with an
// independent copy of its own contents before the caller modifies it in
// place. The Patcher calls this before rewriting a text file in place,
// since a write through a hard link would corrupt the shared store entry;
// its Mach-O byte patch writes a new file and renames it over the old one.
func Privatize(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	if !hasMultipleLinks(info) {
		return nil
	}

	tmp := path + ".privatize.tmp"
	if err := copyFile(path, tmp, info.Mode()); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// RemoveKeg removes a keg directory recursively.
func (c *Cellar) RemoveKeg(name, version string) error {
	return os.RemoveAll(c.KegPath(name, version))
}
