// Package link merges a keg's bin/lib/libexec/include/share trees into a
// prefix as symlinks, refusing to overwrite anything it doesn't already
// own, and maintains the per-name opt/<name> convenience symlink.
package link

import (
	"os"
	"path/filepath"

	"github.com/zerobrew/zerobrew/internal/log"
	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// linkedDirs are the keg subdirectories mirrored into the prefix.
var linkedDirs = []string{"bin", "lib", "libexec", "include", "share"}

// LinkedFile is one symlink created inside the prefix, pointing back at a
// file inside a keg.
type LinkedFile struct {
	LinkPath   string
	TargetPath string
}

// Linker merges keg trees into a prefix.
type Linker struct {
	prefix string
	logger log.Logger
}

// New creates a Linker rooted at prefix.
func New(prefix string, logger log.Logger) *Linker {
	if logger == nil {
		logger = log.NewNoop()
	}
	return &Linker{prefix: prefix, logger: logger}
}

// LinkKeg mirrors keg's bin/lib/libexec/include/share subdirectories into
// the prefix as symlinks and creates the opt/<name> convenience symlink.
// Returns every LinkedFile created (for the Database to record), or a
// LinkConflictError on the first path it cannot safely claim — nothing is
// rolled back, matching the spec's conflict semantics of leaving prior
// successful links in place.
func (l *Linker) LinkKeg(name, keg string) ([]LinkedFile, error) {
	var linked []LinkedFile

	for _, sub := range linkedDirs {
		srcDir := filepath.Join(keg, sub)
		if _, err := os.Stat(srcDir); os.IsNotExist(err) {
			continue
		}
		dstDir := filepath.Join(l.prefix, sub)
		files, err := l.linkRecursive(srcDir, dstDir)
		if err != nil {
			return linked, err
		}
		linked = append(linked, files...)
	}

	optPath := filepath.Join(l.prefix, "opt", name)
	if err := os.MkdirAll(filepath.Dir(optPath), 0o755); err != nil {
		return linked, err
	}
	os.Remove(optPath)
	if err := os.Symlink(keg, optPath); err != nil {
		return linked, err
	}

	return linked, nil
}

// linkRecursive mirrors src (a keg subdirectory) into dst, symlinking
// files and merging directories per the target-state policy described on
// linkOne and linkDir. dst is created if it does not exist yet.
func (l *Linker) linkRecursive(src, dst string) ([]LinkedFile, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, err
	}

	var linked []LinkedFile
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, err
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			files, err := l.linkDir(srcPath, dstPath)
			if err != nil {
				return linked, err
			}
			linked = append(linked, files...)
			continue
		}

		if err := l.linkOne(srcPath, dstPath); err != nil {
			return linked, err
		}
		linked = append(linked, LinkedFile{LinkPath: dstPath, TargetPath: srcPath})
	}
	return linked, nil
}

// linkDir handles a directory encountered while mirroring: if dst doesn't
// exist, the whole subtree is symlinked in one shot; if dst is a symlink
// already resolving to src, nothing is done; if dst is a symlink to a
// different existing directory, the two trees are merged (dst's symlink is
// replaced by a real directory populated by re-linking its old target's
// contents, then src is linked into it). A real directory or regular file
// at dst is a LinkConflictError.
func (l *Linker) linkDir(src, dst string) ([]LinkedFile, error) {
	target, statErr := os.Lstat(dst)
	if os.IsNotExist(statErr) {
		if err := os.Symlink(src, dst); err != nil {
			return nil, err
		}
		return []LinkedFile{{LinkPath: dst, TargetPath: src}}, nil
	}
	if statErr != nil {
		return nil, statErr
	}

	if target.Mode()&os.ModeSymlink == 0 {
		return nil, &zerrors.LinkConflictError{Path: dst}
	}

	oldTarget, err := os.Readlink(dst)
	if err != nil {
		return nil, err
	}
	canonOld, err := filepath.EvalSymlinks(oldTarget)
	canonNew, errNew := filepath.EvalSymlinks(src)
	if err == nil && errNew == nil && canonOld == canonNew {
		return nil, nil // already ours, idempotent
	}

	if os.IsNotExist(err) {
		// broken symlink: remove and replace
		if err := os.Remove(dst); err != nil {
			return nil, err
		}
		if err := os.Symlink(src, dst); err != nil {
			return nil, err
		}
		return []LinkedFile{{LinkPath: dst, TargetPath: src}}, nil
	}

	// Directory merge: replace dst's symlink with a real directory
	// populated from the old target, then recurse src into it.
	if err := os.Remove(dst); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, err
	}
	merged, err := l.linkRecursive(oldTarget, dst)
	if err != nil {
		return merged, err
	}
	files, err := l.linkRecursive(src, dst)
	if err != nil {
		return append(merged, files...), err
	}
	return append(merged, files...), nil
}

// linkOne applies the target-state policy to a single file path.
func (l *Linker) linkOne(src, dst string) error {
	target, err := os.Lstat(dst)
	if os.IsNotExist(err) {
		return os.Symlink(src, dst)
	}
	if err != nil {
		return err
	}

	if target.Mode()&os.ModeSymlink == 0 {
		return &zerrors.LinkConflictError{Path: dst}
	}

	oldTarget, readErr := os.Readlink(dst)
	if readErr != nil {
		return readErr
	}
	canonOld, errOld := filepath.EvalSymlinks(oldTarget)
	canonNew, errNew := filepath.EvalSymlinks(src)

	if errOld != nil {
		// broken symlink: remove and replace
		if err := os.Remove(dst); err != nil {
			return err
		}
		return os.Symlink(src, dst)
	}
	if errNew == nil && canonOld == canonNew {
		return nil // already ours, idempotent
	}
	return &zerrors.LinkConflictError{Path: dst}
}

// Prefix returns the prefix this Linker merges kegs into.
func (l *Linker) Prefix() string {
	return l.prefix
}

// IsLinked reports whether name's keg currently owns its opt symlink,
// i.e. whether it is (still) linked into the prefix.
func (l *Linker) IsLinked(name, keg string) bool {
	optPath := filepath.Join(l.prefix, "opt", name)
	target, err := os.Readlink(optPath)
	if err != nil {
		return false
	}
	canonTarget, err := filepath.EvalSymlinks(target)
	canonKeg, errKeg := filepath.EvalSymlinks(keg)
	return err == nil && errKeg == nil && canonTarget == canonKeg
}

// UnlinkKeg removes every symlink under the prefix's linked directories
// whose canonicalized target lives inside keg, and removes the opt
// symlink if it still points here. Foreign symlinks belonging to another
// package (or another package manager entirely) are left untouched.
// Emptied intermediate directories are removed afterward.
func (l *Linker) UnlinkKeg(name, keg string) error {
	canonKeg, err := filepath.EvalSymlinks(keg)
	if err != nil {
		canonKeg = keg
	}

	for _, sub := range linkedDirs {
		dir := filepath.Join(l.prefix, sub)
		if err := l.unlinkRecursive(dir, canonKeg); err != nil {
			return err
		}
	}

	if l.IsLinked(name, keg) {
		os.Remove(filepath.Join(l.prefix, "opt", name))
	}

	return nil
}

func (l *Linker) unlinkRecursive(dir, canonKeg string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		info, err := os.Lstat(path)
		if err != nil {
			continue
		}

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				continue
			}
			canonTarget, err := filepath.EvalSymlinks(target)
			if err == nil && isWithin(canonTarget, canonKeg) {
				os.Remove(path)
			}
			continue
		}

		if entry.IsDir() {
			if err := l.unlinkRecursive(path, canonKeg); err != nil {
				return err
			}
			removeIfEmpty(path)
		}
	}
	return nil
}

func isWithin(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (!filepath.IsAbs(rel) && rel != ".." && len(rel) > 0 && rel[0] != '.')
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
}
