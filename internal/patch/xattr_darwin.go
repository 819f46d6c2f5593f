//go:build darwin

package patch

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// quarantineAttrs are the extended attributes macOS attaches to
// downloaded files (and, on recent releases, their provenance record).
// A bottle that keeps them past install time gets Gatekeeper prompts on
// every invocation, so they're stripped before any re-signing happens.
var quarantineAttrs = []string{"com.apple.quarantine", "com.apple.provenance"}

// StripExtendedAttributes recursively removes quarantine/provenance
// extended attributes under keg. Missing attributes and missing files are
// not errors.
func StripExtendedAttributes(keg string) error {
	return filepath.Walk(keg, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		for _, attr := range quarantineAttrs {
			unix.Lremovexattr(path, attr)
		}
		return nil
	})
}
