// Package installer orchestrates a resolved Plan through
// download → store → materialize → patch → (optional) link, committing
// each package's database row once every stage for it has completed.
package installer

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/zerobrew/zerobrew/internal/cellar"
	"github.com/zerobrew/zerobrew/internal/db"
	"github.com/zerobrew/zerobrew/internal/download"
	"github.com/zerobrew/zerobrew/internal/link"
	"github.com/zerobrew/zerobrew/internal/log"
	"github.com/zerobrew/zerobrew/internal/patch"
	"github.com/zerobrew/zerobrew/internal/progress"
	"github.com/zerobrew/zerobrew/internal/resolve"
	"github.com/zerobrew/zerobrew/internal/store"
	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// Installer orchestrates plan execution.
type Installer struct {
	resolver       *resolve.Resolver
	parallel       *download.ParallelDownloader
	store          *store.Store
	cellar         *cellar.Cellar
	patcher        *patch.Patcher
	linker         *link.Linker
	database       *db.DB
	homebrewCellar string
	logger         log.Logger
}

// New assembles an Installer from its component collaborators.
// homebrewCellar, if non-empty, is a host Homebrew Cellar directory whose
// packages take precedence over installing a duplicate.
func New(
	resolver *resolve.Resolver,
	parallel *download.ParallelDownloader,
	st *store.Store,
	cel *cellar.Cellar,
	patcher *patch.Patcher,
	linker *link.Linker,
	database *db.DB,
	homebrewCellar string,
	logger log.Logger,
) *Installer {
	if logger == nil {
		logger = log.NewNoop()
	}
	return &Installer{
		resolver:       resolver,
		parallel:       parallel,
		store:          st,
		cellar:         cel,
		patcher:        patcher,
		linker:         linker,
		database:       database,
		homebrewCellar: homebrewCellar,
		logger:         logger,
	}
}

// Plan resolves name into an install plan.
func (in *Installer) Plan(ctx context.Context, name string) (*resolve.Plan, error) {
	return in.resolver.Plan(ctx, name)
}

// result is one package's outcome from the streaming pipeline, keyed by
// its position in plan.Formulas so the final commit pass can walk plan
// order regardless of physical completion order.
type result struct {
	formula resolve.PlannedFormula
	keg     string
	linked  []link.LinkedFile
	skipped bool
	err     error
}

// Execute runs plan's packages through the pipeline and commits
// successful installs to the database in dependency order. linkAfterInstall controls
// whether the Linker is invoked for each package. The first pipeline
// error is returned after all in-flight work drains; no commits happen
// for a plan that encountered any error.
func (in *Installer) Execute(ctx context.Context, plan *resolve.Plan, linkAfterInstall bool, cb progress.Callback) error {
	results := make([]result, len(plan.Formulas))
	var requests []download.Request

	for i, f := range plan.Formulas {
		if in.ownedByHomebrew(f.Name) {
			results[i] = result{formula: f, skipped: true}
			progress.Emit(cb, progress.Event{Kind: progress.Skipped, Name: f.Name})
			continue
		}
		requests = append(requests, download.Request{URL: f.Bottle.URL, Sha256: f.Bottle.Sha256, Name: f.Name})
	}

	planIndexByName := map[string]int{}
	for i, f := range plan.Formulas {
		planIndexByName[f.Name] = i
	}

	var firstErr error
	for sr := range in.parallel.DownloadStreaming(ctx, requests, cb) {
		name := requests[sr.Index].Name
		i := planIndexByName[name]
		f := plan.Formulas[i]

		if sr.Err != nil {
			results[i] = result{formula: f, err: sr.Err}
			if firstErr == nil {
				firstErr = sr.Err
			}
			continue
		}

		keg, linked, err := in.materializeAndLink(f, sr.Result.BlobPath, linkAfterInstall, cb)
		results[i] = result{formula: f, keg: keg, linked: linked, err: err}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return firstErr
	}

	for _, r := range results {
		if r.skipped {
			continue
		}
		if err := in.commit(ctx, r); err != nil {
			return err
		}
		progress.Emit(cb, progress.Event{Kind: progress.InstallCompleted, Name: r.formula.Name})
	}
	return nil
}

func (in *Installer) materializeAndLink(f resolve.PlannedFormula, blobPath string, linkAfterInstall bool, cb progress.Callback) (string, []link.LinkedFile, error) {
	progress.Emit(cb, progress.Event{Kind: progress.UnpackStarted, Name: f.Name})

	storeEntry, err := in.store.EnsureEntry(f.Bottle.Sha256, blobPath, f.Name+".tar.gz")
	if err != nil {
		return "", nil, err
	}

	keg, err := in.cellar.Materialize(f.Name, f.Version, storeEntry)
	if err != nil {
		return "", nil, err
	}

	if err := in.patcher.Patch(keg, in.prefix(), f.Name, f.Version); err != nil {
		return "", nil, err
	}
	progress.Emit(cb, progress.Event{Kind: progress.UnpackCompleted, Name: f.Name})

	var linked []link.LinkedFile
	if linkAfterInstall {
		progress.Emit(cb, progress.Event{Kind: progress.LinkStarted, Name: f.Name})
		linked, err = in.linker.LinkKeg(f.Name, keg)
		if err != nil {
			return keg, nil, err
		}
		progress.Emit(cb, progress.Event{Kind: progress.LinkCompleted, Name: f.Name})
	}

	return keg, linked, nil
}

func (in *Installer) commit(ctx context.Context, r result) error {
	if err := in.database.RecordInstall(ctx, r.formula.Name, r.formula.Version, r.formula.Bottle.Sha256, time.Now()); err != nil {
		return err
	}
	for _, lf := range r.linked {
		if err := in.database.RecordLinkedFile(ctx, r.formula.Name, r.formula.Version, lf.LinkPath, lf.TargetPath); err != nil {
			return err
		}
	}
	return nil
}

// ownedByHomebrew reports whether a host Homebrew install already
// provides name, which this installer will not shadow.
func (in *Installer) ownedByHomebrew(name string) bool {
	if in.homebrewCellar == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(in.homebrewCellar, name))
	return err == nil && info.IsDir()
}

func (in *Installer) prefix() string {
	return in.linker.Prefix()
}

// Uninstall unlinks name's keg from the prefix, removes its database
// rows (decrementing the store entry's refcount), and deletes its Cellar
// directory. The underlying store entry is left for GC to reclaim, since
// other kegs may still reference it.
func (in *Installer) Uninstall(ctx context.Context, name string) error {
	keg, ok, err := in.database.GetInstalled(ctx, name)
	if !ok {
		if err != nil {
			return err
		}
		return &zerrors.NotInstalledError{Name: name}
	}

	kegPath := in.cellar.KegPath(name, keg.Version)
	if err := in.linker.UnlinkKeg(name, kegPath); err != nil {
		return err
	}

	if err := in.database.RecordUninstall(ctx, name); err != nil {
		return err
	}

	return in.cellar.RemoveKeg(name, keg.Version)
}

// GC deletes every store entry with a zero refcount and returns the
// sha256 keys removed.
func (in *Installer) GC(ctx context.Context) ([]string, error) {
	unreferenced, err := in.database.GetUnreferencedStoreKeys(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, key := range unreferenced {
		if err := in.store.RemoveEntry(key); err != nil {
			return removed, err
		}
		if err := in.database.DeleteStoreRef(ctx, key); err != nil {
			return removed, err
		}
		removed = append(removed, key)
	}
	return removed, nil
}

// ListInstalled returns every installed keg, ordered by name.
func (in *Installer) ListInstalled(ctx context.Context) ([]db.InstalledKeg, error) {
	return in.database.ListInstalled(ctx)
}

// GetInstalled returns the installed row for name, or ok=false if absent.
func (in *Installer) GetInstalled(ctx context.Context, name string) (db.InstalledKeg, bool, error) {
	return in.database.GetInstalled(ctx, name)
}
