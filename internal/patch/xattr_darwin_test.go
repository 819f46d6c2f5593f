//go:build darwin

package patch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestStripExtendedAttributesRemovesQuarantine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bin", "tool")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("binary"), 0o755))

	if err := unix.Lsetxattr(path, "com.apple.quarantine", []byte("0081;deadbeef;Safari;"), 0); err != nil {
		t.Skipf("xattr support unavailable on this filesystem: %v", err)
	}

	require.NoError(t, StripExtendedAttributes(dir))

	_, err := unix.Lgetxattr(path, "com.apple.quarantine", nil)
	require.Error(t, err)
}
