//go:build unix

package cellar

import (
	"os"
	"syscall"
)

// hasMultipleLinks reports whether info's underlying inode has more than
// one hard link, i.e. it is still shared with the store (or another keg)
// rather than private to this keg.
func hasMultipleLinks(info os.FileInfo) bool {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return stat.Nlink > 1
}
