package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zerobrew/zerobrew/internal/blob"
	"github.com/zerobrew/zerobrew/internal/cellar"
	"github.com/zerobrew/zerobrew/internal/config"
	"github.com/zerobrew/zerobrew/internal/db"
	"github.com/zerobrew/zerobrew/internal/download"
	"github.com/zerobrew/zerobrew/internal/formula"
	"github.com/zerobrew/zerobrew/internal/httputil"
	"github.com/zerobrew/zerobrew/internal/installer"
	"github.com/zerobrew/zerobrew/internal/link"
	"github.com/zerobrew/zerobrew/internal/log"
	"github.com/zerobrew/zerobrew/internal/patch"
	"github.com/zerobrew/zerobrew/internal/resolve"
	"github.com/zerobrew/zerobrew/internal/store"
)

// app bundles every collaborator a subcommand needs, built fresh per
// invocation from resolved configuration.
type app struct {
	cfg     *config.Config
	install *installer.Installer
	db      *db.DB
	logger  log.Logger
}

// newApp resolves configuration (config.toml, then environment, then
// this invocation's flags, in that precedence order) and assembles the
// full pipeline stack.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	applyFlagOverrides(cmd, cfg)

	logger := log.Default()

	httpClient := httputil.NewSecureClient(httputil.DefaultOptions())

	blobs, err := blob.New(cfg.CacheDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open blob cache: %w", err)
	}
	st, err := store.New(cfg.StoreDir, blobs, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	dl := download.New(httpClient, blobs, logger)
	parallel := download.NewParallel(dl, cfg.Concurrency)

	formulaClient, err := formula.New("", filepath.Join(cfg.CacheDir, "formula"), httpClient, logger)
	if err != nil {
		return nil, fmt.Errorf("open formula client: %w", err)
	}
	resolver := resolve.New(formulaClient, logger)

	cel := cellar.New(cfg.Prefix, logger)
	patcher := patch.New(logger)
	linker := link.New(cfg.Prefix, logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	database, err := db.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	in := installer.New(resolver, parallel, st, cel, patcher, linker, database, cfg.HomebrewCellar, logger)

	return &app{cfg: cfg, install: in, db: database, logger: logger}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// applyFlagOverrides layers this invocation's explicit flags over the
// config.toml/environment-resolved Config, the final step of the
// precedence chain.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Root = rootFlag
		cfg.CacheDir = filepath.Join(cfg.Root, "cache")
		cfg.StoreDir = filepath.Join(cfg.Root, "store")
		cfg.DBPath = filepath.Join(cfg.Root, "db", "zb.sqlite3")
	}
	if flags.Changed("prefix") {
		cfg.Prefix = prefixFlag
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = concurrencyFlag
	}
	if flags.Changed("homebrew-cellar") {
		cfg.HomebrewCellar = homebrewCellarFlag
	}
}
