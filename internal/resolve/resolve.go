// Package resolve turns a requested formula name into a Plan: the
// topologically ordered dependency closure with a bottle selected for the
// current platform for every formula in it.
package resolve

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zerobrew/zerobrew/internal/formula"
	"github.com/zerobrew/zerobrew/internal/log"
	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// SelectedBottle is the (url, sha256) pair chosen from a formula's bottle
// manifest for the current platform. Sha256 is the canonical content
// address used throughout the rest of the pipeline.
type SelectedBottle struct {
	URL    string
	Sha256 string
}

// PlannedFormula is one formula in a Plan, in install order: every
// dependency of a PlannedFormula appears earlier in Plan.Formulas.
type PlannedFormula struct {
	Name    string
	Version string
	Bottle  SelectedBottle
}

// Plan is the topologically ordered dependency closure of a requested
// formula, each with a bottle selected for the current platform.
type Plan struct {
	Formulas []PlannedFormula
}

// Resolver fetches formula metadata and turns a requested name into a Plan.
type Resolver struct {
	client       *formula.Client
	logger       log.Logger
	platformTags []string
}

// New creates a Resolver backed by client. platformTags, if non-empty,
// overrides the host's default fallback chain (for testing, or targeting a
// platform other than the one this process is running on).
func New(client *formula.Client, logger log.Logger, platformTags ...string) *Resolver {
	if logger == nil {
		logger = log.NewNoop()
	}
	tags := platformTags
	if len(tags) == 0 {
		tags = currentFallbackChain()
	}
	return &Resolver{client: client, logger: logger, platformTags: tags}
}

// NormalizeFormulaName strips a leading "homebrew/core/" tap prefix from
// name, the only tap this pipeline serves bottles from. Any other
// "tap/formula" form is rejected with UnsupportedTapError rather than
// passed through to the formula API, where it would 404 as a missing
// formula instead of failing with the right taxonomy kind.
func NormalizeFormulaName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	tap, bare, ok := cutLastSlash(trimmed)
	if !ok {
		return trimmed, nil
	}
	if tap != "homebrew/core" {
		return "", &zerrors.UnsupportedTapError{Name: trimmed}
	}
	if bare == "" {
		return "", &zerrors.MissingFormulaError{Name: trimmed}
	}
	return bare, nil
}

// cutLastSlash splits name at its last "/", mirroring rsplit_once: ok is
// false if name contains no slash at all.
func cutLastSlash(name string) (before, after string, ok bool) {
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// Plan resolves name into its full dependency closure, in topological
// (dependency-first) order, with a bottle selected for each.
func (r *Resolver) Plan(ctx context.Context, name string) (*Plan, error) {
	name, err := NormalizeFormulaName(name)
	if err != nil {
		return nil, err
	}

	formulas, err := r.fetchClosure(ctx, name)
	if err != nil {
		return nil, err
	}

	order, err := topoSort(name, formulas)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Formulas: make([]PlannedFormula, 0, len(order))}
	for _, fname := range order {
		f := formulas[fname]
		bottle, err := r.selectBottle(f)
		if err != nil {
			return nil, err
		}
		plan.Formulas = append(plan.Formulas, PlannedFormula{
			Name:    f.Name,
			Version: f.Versions.Stable,
			Bottle:  bottle,
		})
	}
	return plan, nil
}

// fetchClosure performs a BFS over the dependency graph rooted at name,
// fetching each newly discovered formula name exactly once. Names are
// marked fetched before the request for their round goes out, so a name
// discovered twice within the same round is never requeued.
func (r *Resolver) fetchClosure(ctx context.Context, name string) (map[string]*formula.Formula, error) {
	fetched := map[string]*formula.Formula{}
	seen := map[string]bool{name: true}
	toFetch := []string{name}

	for len(toFetch) > 0 {
		round := toFetch
		toFetch = nil

		results := make([]*formula.Formula, len(round))
		g, gctx := errgroup.WithContext(ctx)
		for i, n := range round {
			i, n := i, n
			g.Go(func() error {
				f, err := r.client.GetFormula(gctx, n)
				if err != nil {
					return err
				}
				results[i] = f
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		var mu sync.Mutex
		for _, f := range results {
			mu.Lock()
			fetched[f.Name] = f
			for _, dep := range f.Dependencies {
				if !seen[dep] {
					seen[dep] = true
					toFetch = append(toFetch, dep)
				}
			}
			mu.Unlock()
		}
	}

	return fetched, nil
}

// topoSort produces a post-order (dependency-first) traversal of the
// dependency DAG rooted at root, detecting cycles and dangling
// dependencies.
func topoSort(root string, formulas map[string]*formula.Formula) ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}
	order := make([]string, 0, len(formulas))
	path := []string{}

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			cycle := append(append([]string{}, path...), name)
			return &zerrors.DependencyCycleError{Cycle: cycle}
		}

		f, ok := formulas[name]
		if !ok {
			return &zerrors.MissingFormulaError{Name: name}
		}

		state[name] = visiting
		path = append(path, name)
		for _, dep := range f.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		order = append(order, name)
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	return order, nil
}

// selectBottle inspects f's bottle manifest for the resolver's platform
// fallback chain, returning the first match.
func (r *Resolver) selectBottle(f *formula.Formula) (SelectedBottle, error) {
	for _, tag := range r.platformTags {
		if file, ok := f.Bottle.Stable.Files[tag]; ok {
			return SelectedBottle{URL: file.URL, Sha256: file.Sha256}, nil
		}
	}
	return SelectedBottle{}, &zerrors.UnsupportedBottleError{Name: f.Name}
}
