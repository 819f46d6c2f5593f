package store

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	lzip "github.com/sorairolake/lzip-go"
	"github.com/ulikunitz/xz"
)

// format identifies an archive encoding detected from an archive file
// name's suffix (see detectFormat).
type format string

const (
	formatTarGz  format = "tar.gz"
	formatTarXz  format = "tar.xz"
	formatTarBz2 format = "tar.bz2"
	formatTarZst format = "tar.zst"
	formatTarLz  format = "tar.lz"
	formatTar    format = "tar"
	formatZip    format = "zip"
)

// detectFormat infers the archive format from a filename's suffix.
// Homebrew bottles are tar.gz almost universally; the remaining formats
// are supported for compatibility with bottles built by alternate
// pipelines and with source-distribution-style archives.
func detectFormat(name string) (format, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return formatTarGz, nil
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return formatTarXz, nil
	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz2"), strings.HasSuffix(lower, ".tbz"):
		return formatTarBz2, nil
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return formatTarZst, nil
	case strings.HasSuffix(lower, ".tar.lz"), strings.HasSuffix(lower, ".tlz"):
		return formatTarLz, nil
	case strings.HasSuffix(lower, ".tar"):
		return formatTar, nil
	case strings.HasSuffix(lower, ".zip"):
		return formatZip, nil
	default:
		return "", fmt.Errorf("unrecognized archive format for %q", name)
	}
}

// extract unpacks the archive at archivePath into destDir, which must
// already exist and be empty. Every entry path is validated to stay
// within destDir and every symlink target is validated to resolve within
// destDir, rejecting path-traversal and symlink-escape archives.
func extract(archivePath, destDir string, f format) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	switch f {
	case formatTarGz:
		gzr, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("create gzip reader: %w", err)
		}
		defer gzr.Close()
		return extractTar(tar.NewReader(gzr), destDir)
	case formatTarXz:
		xzr, err := xz.NewReader(file)
		if err != nil {
			return fmt.Errorf("create xz reader: %w", err)
		}
		return extractTar(tar.NewReader(xzr), destDir)
	case formatTarBz2:
		return extractTar(tar.NewReader(bzip2.NewReader(file)), destDir)
	case formatTarZst:
		zr, err := zstd.NewReader(file)
		if err != nil {
			return fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		return extractTar(tar.NewReader(zr), destDir)
	case formatTarLz:
		lr, err := lzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("create lzip reader: %w", err)
		}
		return extractTar(tar.NewReader(lr), destDir)
	case formatTar:
		return extractTar(tar.NewReader(file), destDir)
	case formatZip:
		return extractZip(archivePath, destDir)
	default:
		return fmt.Errorf("unsupported archive format: %s", f)
	}
}

func extractTar(tr *tar.Reader, destDir string) error {
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		relPath := strings.TrimPrefix(header.Name, "./")
		if relPath == "" || relPath == "." {
			continue
		}
		target := filepath.Join(destDir, relPath)
		if !isWithin(target, destDir) {
			return fmt.Errorf("archive entry escapes destination: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent directory: %w", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("write file: %w", err)
			}
			f.Close()
		case tar.TypeSymlink:
			if err := validateSymlinkTarget(header.Linkname, target, destDir); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent directory: %w", err)
			}
			if err := atomicSymlink(header.Linkname, target); err != nil {
				return fmt.Errorf("create symlink: %w", err)
			}
		}
	}
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		relPath := strings.TrimPrefix(f.Name, "./")
		if relPath == "" || relPath == "." {
			continue
		}
		target := filepath.Join(destDir, relPath)
		if !isWithin(target, destDir) {
			return fmt.Errorf("zip entry escapes destination: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent directory: %w", err)
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open zip entry: %w", err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return fmt.Errorf("create file: %w", err)
		}
		_, copyErr := io.Copy(out, rc)
		out.Close()
		rc.Close()
		if copyErr != nil {
			return fmt.Errorf("write file: %w", copyErr)
		}
	}
	return nil
}

// isWithin reports whether target is equal to or nested under base.
func isWithin(target, base string) bool {
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return false
	}
	return absTarget == absBase || strings.HasPrefix(absTarget, absBase+string(os.PathSeparator))
}

// validateSymlinkTarget rejects absolute symlink targets and targets
// that would resolve outside destDir.
func validateSymlinkTarget(linkTarget, linkLocation, destDir string) error {
	if filepath.IsAbs(linkTarget) {
		return fmt.Errorf("absolute symlink targets are not allowed: %s -> %s", linkLocation, linkTarget)
	}
	resolved := filepath.Join(filepath.Dir(linkLocation), linkTarget)
	if !isWithin(resolved, destDir) {
		return fmt.Errorf("symlink target escapes destination: %s -> %s", linkLocation, linkTarget)
	}
	return nil
}

// atomicSymlink creates a symlink via a temp-name-then-rename sequence so
// a concurrent reader never observes a half-created link.
func atomicSymlink(target, linkPath string) error {
	tmp := linkPath + ".tmp-symlink"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, linkPath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
