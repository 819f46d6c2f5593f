//go:build !darwin

package patch

// StripExtendedAttributes is a no-op on platforms that don't attach
// macOS quarantine/provenance extended attributes to downloaded files.
func StripExtendedAttributes(keg string) error {
	return nil
}
