// Package config resolves zerobrew's on-disk layout and tunables from an
// optional config.toml, environment variables, and (at the CLI layer) flag
// overrides, each source overriding the ones listed before it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/BurntSushi/toml"
)

const (
	// EnvRoot overrides the default root directory holding cache/, store/,
	// and db/.
	EnvRoot = "ZEROBREW_ROOT"

	// EnvXDGDataHome influences the default root on non-macOS hosts when
	// ZEROBREW_ROOT is unset.
	EnvXDGDataHome = "XDG_DATA_HOME"

	// EnvConcurrency overrides the default download concurrency.
	EnvConcurrency = "ZEROBREW_CONCURRENCY"

	// EnvPrefix overrides the default install prefix.
	EnvPrefix = "ZEROBREW_PREFIX"

	// EnvHomebrewCellar points at a host Homebrew Cellar directory whose
	// packages take precedence over installing a duplicate; set to an
	// empty string to disable the check entirely.
	EnvHomebrewCellar = "ZEROBREW_HOMEBREW_CELLAR"

	// DefaultConcurrency is the default number of simultaneous downloads.
	DefaultConcurrency = 8

	// MinConcurrency and MaxConcurrency bound a configured concurrency
	// value; anything outside this range is clamped with a warning.
	MinConcurrency = 1
	MaxConcurrency = 64
)

// Config is zerobrew's resolved runtime configuration.
type Config struct {
	Root           string // holds cache/, store/, db/
	Prefix         string // holds Cellar/, bin/, lib/, etc.
	Concurrency    int64
	HomebrewCellar string // "" disables the foreign-ownership check

	CacheDir string // $Root/cache
	StoreDir string // $Root/store
	DBPath   string // $Root/db/zb.sqlite3
}

// fileDefaults is the subset of Config that config.toml may supply
// defaults for; environment variables and CLI flags both override it.
type fileDefaults struct {
	Root           string `toml:"root"`
	Prefix         string `toml:"prefix"`
	Concurrency    int64  `toml:"concurrency"`
	HomebrewCellar string `toml:"homebrew_cellar"`
}

// Load resolves Config from config.toml at configPath (if it exists),
// then environment variables, in that precedence order (env wins). Pass
// "" for configPath to skip the file entirely.
func Load(configPath string) (*Config, error) {
	defaults := fileDefaults{}
	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, &defaults); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	root := defaults.Root
	if v := os.Getenv(EnvRoot); v != "" {
		root = v
	}
	if root == "" {
		r, err := defaultRoot()
		if err != nil {
			return nil, err
		}
		root = r
	}

	prefix := defaults.Prefix
	if v := os.Getenv(EnvPrefix); v != "" {
		prefix = v
	}
	if prefix == "" {
		prefix = defaultPrefix()
	}

	concurrency := defaults.Concurrency
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}
	if v := os.Getenv(EnvConcurrency); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %d\n", EnvConcurrency, v, DefaultConcurrency)
			n = DefaultConcurrency
		}
		concurrency = n
	}
	concurrency = clampConcurrency(concurrency)

	homebrewCellar := defaults.HomebrewCellar
	explicit := false
	if v, ok := os.LookupEnv(EnvHomebrewCellar); ok {
		homebrewCellar = v
		explicit = true
	}
	if homebrewCellar == "" && !explicit {
		homebrewCellar = defaultHomebrewCellar()
	}

	return &Config{
		Root:           root,
		Prefix:         prefix,
		Concurrency:    concurrency,
		HomebrewCellar: homebrewCellar,
		CacheDir:       filepath.Join(root, "cache"),
		StoreDir:       filepath.Join(root, "store"),
		DBPath:         filepath.Join(root, "db", "zb.sqlite3"),
	}, nil
}

// clampConcurrency enforces [MinConcurrency, MaxConcurrency], warning and
// clamping rather than failing on an out-of-range value.
func clampConcurrency(n int64) int64 {
	if n < MinConcurrency {
		fmt.Fprintf(os.Stderr, "Warning: %s too low (%d), using minimum %d\n", EnvConcurrency, n, MinConcurrency)
		return MinConcurrency
	}
	if n > MaxConcurrency {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%d), using maximum %d\n", EnvConcurrency, n, MaxConcurrency)
		return MaxConcurrency
	}
	return n
}

// defaultRoot resolves the root directory when neither config.toml nor
// ZEROBREW_ROOT supplies one: $XDG_DATA_HOME/zerobrew on Linux (falling
// back to ~/.local/share/zerobrew), ~/Library/Application Support/zerobrew
// on macOS.
func defaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "zerobrew"), nil
	}

	dataHome := os.Getenv(EnvXDGDataHome)
	if dataHome == "" {
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "zerobrew"), nil
}

// defaultPrefix mirrors Homebrew's own platform convention, since
// zerobrew targets the same binaries and Mach-O consumers expect the
// prefix-relative load-command paths Homebrew bottles are built against.
func defaultPrefix() string {
	if runtime.GOOS == "darwin" {
		if runtime.GOARCH == "arm64" {
			return "/opt/homebrew"
		}
		return "/usr/local"
	}
	return "/home/linuxbrew/.linuxbrew"
}

// defaultHomebrewCellar returns the Cellar directory of a host Homebrew
// install co-resident at the platform's conventional prefix
// (defaultPrefix()/Cellar); it never returns "".
func defaultHomebrewCellar() string {
	return filepath.Join(defaultPrefix(), "Cellar")
}
