// Package patch rewrites hardcoded build-time paths inside a materialized
// keg so the package functions at its new prefix: text placeholders and
// legacy prefixes in text files, the same references byte-patched in
// place inside Mach-O data sections, and Mach-O load commands rewritten
// via otool/install_name_tool, with ad-hoc re-signing after any binary
// change.
package patch

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	cellarpkg "github.com/zerobrew/zerobrew/internal/cellar"
	"github.com/zerobrew/zerobrew/internal/log"
	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// legacyPrefixes are Homebrew installation prefixes used by historical
// Homebrew layouts; any occurrence other than the current prefix is
// rewritten to it.
var legacyPrefixes = []string{
	"/opt/homebrew",
	"/usr/local/Homebrew",
	"/usr/local",
	"/home/linuxbrew/.linuxbrew",
}

// machoMagics are the 32-bit big-endian interpretations of the first four
// bytes of a Mach-O (thin or fat) binary, in either byte order.
var machoMagics = map[uint32]bool{
	0xfeedface: true,
	0xfeedfacf: true,
	0xcafebabe: true,
	0xcefaedfe: true,
	0xcffaedfe: true,
}

// Patcher rewrites a keg in place.
type Patcher struct {
	logger log.Logger
}

// New creates a Patcher.
func New(logger log.Logger) *Patcher {
	if logger == nil {
		logger = log.NewNoop()
	}
	return &Patcher{logger: logger}
}

// Patch rewrites every file under keg for the given prefix, fixing
// self-referential version drift for name/version along the way. Text and
// Mach-O passes run in parallel across files; a Mach-O load-command or
// binary-data failure is collected and surfaced as StoreCorruption once all
// files have been attempted, but a text-pass failure is swallowed since
// that pass is best-effort.
func (p *Patcher) Patch(keg, prefix, name, version string) error {
	cellar := filepath.Join(prefix, "Cellar")

	if err := StripExtendedAttributes(keg); err != nil {
		return err
	}

	files, err := p.listFiles(keg)
	if err != nil {
		return err
	}

	machoFiles := make([]string, 0, len(files))
	for _, f := range files {
		if isMachO(f) {
			machoFiles = append(machoFiles, f)
		}
	}

	var failures atomic.Int64

	g := new(errgroup.Group)
	for _, f := range machoFiles {
		f := f
		g.Go(func() error {
			if err := patchMachOBinaryStrings(f, prefix); err != nil {
				failures.Add(1)
			}
			return nil
		})
	}
	for _, f := range files {
		f := f
		g.Go(func() error {
			_ = patchTextFile(f, prefix, cellar)
			return nil
		})
	}
	_ = g.Wait()

	versionRe := versionDriftPattern(name)

	g2 := new(errgroup.Group)
	for _, f := range machoFiles {
		f := f
		g2.Go(func() error {
			if err := patchLoadCommands(f, prefix, cellar, name, version, versionRe); err != nil {
				failures.Add(1)
			}
			return nil
		})
	}
	_ = g2.Wait()

	if n := failures.Load(); n > 0 {
		return &zerrors.StoreCorruptionError{Message: fmt.Sprintf("failed to patch %d Mach-O file(s) in %s", n, keg)}
	}
	return nil
}

func (p *Patcher) listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 || info.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// versionDriftPattern matches /<name>/<anything>/ inside a path string, so
// a bottle that mislabels its own Cellar reference with the wrong version
// can be detected and corrected.
func versionDriftPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`/` + regexp.QuoteMeta(name) + `/([^/]+)/`)
}

func isMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var magic [4]byte
	if _, err := f.Read(magic[:]); err != nil {
		return false
	}
	v := uint32(magic[0])<<24 | uint32(magic[1])<<16 | uint32(magic[2])<<8 | uint32(magic[3])
	return machoMagics[v]
}

// withWritable runs fn with path temporarily made writable if it is
// read-only, restoring the original mode afterward regardless of fn's
// outcome.
func withWritable(path string, fn func() error) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := info.Mode()
	readonly := mode&0o200 == 0
	if readonly {
		if err := os.Chmod(path, mode|0o200); err != nil {
			return err
		}
		defer os.Chmod(path, mode)
	}
	return fn()
}

// patchTextFile replaces @@HOMEBREW_*@@ placeholders and legacy prefixes
// in a file whose first 8 KiB contain no NUL byte. Non-text files and
// files with nothing to replace are left untouched.
func patchTextFile(path, prefix, cellar string) error {
	probe := make([]byte, 8192)
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	n, _ := f.Read(probe)
	f.Close()
	if bytes.Contains(probe[:n], []byte{0}) {
		return nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	replaced := string(content)
	replaced = strings.ReplaceAll(replaced, "@@HOMEBREW_PREFIX@@", prefix)
	replaced = strings.ReplaceAll(replaced, "@@HOMEBREW_CELLAR@@", cellar)
	replaced = strings.ReplaceAll(replaced, "@@HOMEBREW_REPOSITORY@@", prefix)
	replaced = strings.ReplaceAll(replaced, "@@HOMEBREW_LIBRARY@@", prefix+"/Library")
	replaced = strings.ReplaceAll(replaced, "@@HOMEBREW_PERL@@", "/usr/bin/perl")
	replaced = strings.ReplaceAll(replaced, "@@HOMEBREW_JAVA@@", "/usr/bin/java")

	for _, old := range legacyPrefixes {
		if old == prefix {
			continue
		}
		replaced = strings.ReplaceAll(replaced, old, prefix)
	}

	if replaced == string(content) {
		return nil
	}

	if err := cellarpkg.Privatize(path); err != nil {
		return err
	}

	return withWritable(path, func() error {
		return os.WriteFile(path, []byte(replaced), 0)
	})
}

// patchMachOBinaryStrings byte-scans a Mach-O file's raw contents for a
// legacy prefix sitting at a path boundary (terminated by end-of-buffer,
// NUL, or '/') and overwrites it in place with the new prefix, zero-filling
// any leftover tail bytes. Only attempted when the new prefix is no longer
// than the old one, since a longer replacement would shift section offsets.
func patchMachOBinaryStrings(path, prefix string) error {
	return withWritable(path, func() error {
		contents, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		original := append([]byte(nil), contents...)

		newBytes := []byte(prefix)
		patched := false

		for _, old := range legacyPrefixes {
			if old == prefix {
				continue
			}
			oldBytes := []byte(old)
			if len(newBytes) > len(oldBytes) {
				continue
			}
			for i := 0; i+len(oldBytes) <= len(contents); i++ {
				if !bytes.Equal(contents[i:i+len(oldBytes)], oldBytes) {
					continue
				}
				var next byte
				hasNext := i+len(oldBytes) < len(contents)
				if hasNext {
					next = contents[i+len(oldBytes)]
				}
				if hasNext && next != 0 && next != '/' {
					continue
				}
				copy(contents[i:i+len(newBytes)], newBytes)
				for j := i + len(newBytes); j < i+len(oldBytes); j++ {
					contents[j] = 0
				}
				patched = true
			}
		}

		if !patched || bytes.Equal(contents, original) {
			return nil
		}

		tmp := path + ".tmp_patch"
		if err := os.WriteFile(tmp, contents, 0); err != nil {
			os.Remove(tmp)
			return err
		}
		if err := os.Rename(tmp, path); err != nil {
			return err
		}
		codesignAdhoc(path)
		return nil
	})
}

// patchLoadCommands rewrites a Mach-O file's dependency library paths and
// install-name ID via the external otool/install_name_tool pair, fixing
// placeholder and legacy-prefix references as well as self-referential
// version drift. Re-signs if anything changed.
func patchLoadCommands(path, prefix, cellar, name, version string, versionRe *regexp.Regexp) error {
	return withWritable(path, func() error {
		changed := false
		var toolErr error

		if deps, err := otoolOutput(path, "-L"); err == nil {
			for _, line := range strings.Split(deps, "\n")[1:] {
				old := strings.Fields(strings.TrimSpace(line))
				if len(old) == 0 {
					continue
				}
				if newRef, ok := patchReference(old[0], prefix, cellar, name, version, versionRe); ok {
					if err := exec.Command("install_name_tool", "-change", old[0], newRef, path).Run(); err == nil {
						changed = true
					} else if toolErr == nil {
						toolErr = err
					}
				}
			}
		}

		if id, err := otoolOutput(path, "-D"); err == nil {
			lines := strings.Split(id, "\n")
			if len(lines) > 1 {
				old := strings.TrimSpace(lines[1])
				if old != "" {
					if newID, ok := patchReference(old, prefix, cellar, name, version, versionRe); ok {
						if err := exec.Command("install_name_tool", "-id", newID, path).Run(); err == nil {
							changed = true
						} else if toolErr == nil {
							toolErr = err
						}
					}
				}
			}
		}

		if changed {
			codesignAdhoc(path)
		}
		return toolErr
	})
}

func otoolOutput(path, flag string) (string, error) {
	out, err := exec.Command("otool", flag, path).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// patchReference rewrites a single load-command path reference, applying
// placeholder substitution, legacy-prefix replacement and version-drift
// correction for this package's own self-reference. Returns ok=false if
// nothing changed.
func patchReference(old, prefix, cellar, name, version string, versionRe *regexp.Regexp) (string, bool) {
	newPath := old
	changed := false

	if strings.Contains(newPath, "@@HOMEBREW_CELLAR@@") || strings.Contains(newPath, "@@HOMEBREW_PREFIX@@") {
		newPath = strings.ReplaceAll(newPath, "@@HOMEBREW_CELLAR@@", cellar)
		newPath = strings.ReplaceAll(newPath, "@@HOMEBREW_PREFIX@@", prefix)
		changed = true
	}

	if !strings.HasPrefix(newPath, prefix+"/") {
		for _, lp := range legacyPrefixes {
			if lp != prefix && strings.HasPrefix(newPath, lp+"/") {
				newPath = prefix + strings.TrimPrefix(newPath, lp)
				changed = true
				break
			}
		}
	}

	if versionRe.MatchString(newPath) {
		fixed := versionRe.ReplaceAllStringFunc(newPath, func(m string) string {
			sub := versionRe.FindStringSubmatch(m)
			if sub[1] != version {
				return "/" + name + "/" + version + "/"
			}
			return m
		})
		if fixed != newPath {
			newPath = fixed
			changed = true
		}
	}

	if !changed || newPath == old {
		return "", false
	}
	return newPath, true
}

func codesignAdhoc(path string) {
	exec.Command("codesign", "--force", "--sign", "-", path).Run()
}
