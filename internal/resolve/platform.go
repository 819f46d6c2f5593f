package resolve

import "runtime"

// fallbackChain returns the ordered list of Homebrew bottle platform tags
// to try for the current OS/architecture, most specific first. A formula's
// bottle manifest is checked against each tag in order; the first present
// key wins. "all" is Homebrew's platform-independent catch-all and is
// always the last resort.
//
// The macOS codename chain reflects the fact that a bottle built for an
// older supported macOS version runs fine on a newer one, so the resolver
// falls back toward older codenames rather than failing outright just
// because a formula hasn't been re-bottled for the latest release yet.
func fallbackChain(os, arch string) []string {
	switch {
	case os == "darwin" && arch == "arm64":
		return []string{"arm64_sonoma", "arm64_ventura", "arm64_monterey", "all"}
	case os == "darwin" && arch == "amd64":
		return []string{"sonoma", "ventura", "monterey", "all"}
	case os == "linux" && arch == "arm64":
		return []string{"arm64_linux", "all"}
	case os == "linux" && arch == "amd64":
		return []string{"x86_64_linux", "all"}
	default:
		return []string{"all"}
	}
}

// currentFallbackChain is fallbackChain for the running host.
func currentFallbackChain() []string {
	return fallbackChain(runtime.GOOS, runtime.GOARCH)
}
