package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvRoot, EnvXDGDataHome, EnvConcurrency, EnvPrefix, EnvHomebrewCellar} {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDerivesLayoutFromRoot(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	t.Setenv(EnvRoot, root)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, root, cfg.Root)
	require.Equal(t, filepath.Join(root, "cache"), cfg.CacheDir)
	require.Equal(t, filepath.Join(root, "store"), cfg.StoreDir)
	require.Equal(t, filepath.Join(root, "db", "zb.sqlite3"), cfg.DBPath)
}

func TestLoadDefaultsConcurrencyToEight(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvRoot, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, int64(DefaultConcurrency), cfg.Concurrency)
}

func TestLoadClampsConcurrencyBelowMinimum(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvRoot, t.TempDir())
	t.Setenv(EnvConcurrency, "0")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, int64(MinConcurrency), cfg.Concurrency)
}

func TestLoadClampsConcurrencyAboveMaximum(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvRoot, t.TempDir())
	t.Setenv(EnvConcurrency, "1000")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, int64(MaxConcurrency), cfg.Concurrency)
}

func TestLoadFallsBackToDefaultOnUnparsableConcurrency(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvRoot, t.TempDir())
	t.Setenv(EnvConcurrency, "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, int64(DefaultConcurrency), cfg.Concurrency)
}

func TestLoadEmptyHomebrewCellarDisablesCheck(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvRoot, t.TempDir())
	t.Setenv(EnvHomebrewCellar, "")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "", cfg.HomebrewCellar)
}

func TestLoadExplicitHomebrewCellarOverridesDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvRoot, t.TempDir())
	t.Setenv(EnvHomebrewCellar, "/custom/Cellar")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/custom/Cellar", cfg.HomebrewCellar)
}

func TestLoadConfigFileSuppliesDefaultsOverriddenByEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
root = "`+filepath.Join(dir, "from-file")+`"
concurrency = 4
`), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "from-file"), cfg.Root)
	require.Equal(t, int64(4), cfg.Concurrency)

	t.Setenv(EnvRoot, filepath.Join(dir, "from-env"))
	cfg, err = Load(configPath)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "from-env"), cfg.Root, "environment variable must override config.toml")
}

func TestLoadMissingConfigFileIsNotAnError(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvRoot, t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
}
