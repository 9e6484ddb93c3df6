// Package importer runs the configured sources and reconciles what they
// observe into the series store.
package importer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"conseries/internal/config"
	"conseries/internal/geocode"
	appLog "conseries/internal/log"
	"conseries/internal/model"
	"conseries/internal/provider"
	"conseries/internal/reconcile"
	"conseries/internal/store"
)

// ErrUnknownSource is returned when a run names a source that is not
// configured.
var ErrUnknownSource = errors.New("unknown source")

// SeriesReconciler merges the observations of one series.
type SeriesReconciler interface {
	Run(ctx context.Context, seriesID string, observed []model.ObservedEvent) (reconcile.Result, error)
}

// Runner fetches every source, then reconciles series one at a time.
type Runner struct {
	sources    []provider.Source
	reconciler SeriesReconciler
	ignore     []string

	// One import at a time; the schedule and the API may both trigger one.
	mu sync.Mutex
}

func NewRunner(sources []provider.Source, rec SeriesReconciler, ignore []string) *Runner {
	return &Runner{sources: sources, reconciler: rec, ignore: ignore}
}

// New wires a Runner and its store from configuration.
func New(cfg *config.Config) (*Runner, *store.FileStore, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("importer: timezone %q: %w", cfg.Timezone, err)
	}

	st := store.NewFileStore(cfg.SeriesDir, cfg.PendingDir)
	fetcher := provider.NewFetcher(cfg.CacheDir, 0)

	sources, err := BuildSources(cfg.Sources, fetcher, st)
	if err != nil {
		return nil, nil, err
	}

	var geocoder reconcile.Geocoder
	if cfg.Geocoder.APIKey != "" {
		geocoder = geocode.NewPlaces(geocode.Config{
			APIKey:   cfg.Geocoder.APIKey,
			BaseURL:  cfg.Geocoder.BaseURL,
			Language: cfg.Geocoder.Language,
		})
	} else {
		appLog.Warn("no geocoder api key; new venues will not be geocoded")
	}

	rec := reconcile.NewReconciler(st, geocoder, geocode.Correct, reconcile.Options{
		LowConfidence: cfg.LowConfidenceSources,
		Reschedule:    reconcile.RescheduleRule(cfg.RescheduleRule),
		Location:      loc,
	})
	return NewRunner(sources, rec, cfg.Ignore), st, nil
}

// SourceNames lists the sources in configuration order.
func (r *Runner) SourceNames() []string {
	names := make([]string, 0, len(r.sources))
	for _, s := range r.sources {
		names = append(names, s.Name())
	}
	return names
}

// Run imports from the named sources, or from all sources when names is
// empty. A source failure aborts the run before any series is touched. A
// series that fails to reconcile is logged and left unchanged; the other
// series are still reconciled and the failures are returned joined.
func (r *Runner) Run(ctx context.Context, names ...string) ([]reconcile.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sources, err := r.selectSources(names)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	started := time.Now()
	appLog.Info("import started", "run", runID, "sources", len(sources))

	observed, err := fetchAll(ctx, sources)
	if err != nil {
		appLog.Error("import aborted; nothing written", err, "run", runID)
		return nil, err
	}

	order, bySeries := r.group(observed)

	results := make([]reconcile.Result, 0, len(order))
	var errs []error
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := r.reconciler.Run(ctx, id, bySeries[id])
		if err != nil {
			appLog.Error("series import failed", err, "run", runID, "series", id)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		results = append(results, res)
	}

	saved := 0
	for _, res := range results {
		if res.Saved {
			saved++
		}
	}
	appLog.Info("import finished", "run", runID, "series", len(order), "saved", saved,
		"failed", len(errs), "elapsed", time.Since(started).Round(time.Millisecond).String())
	return results, errors.Join(errs...)
}

func (r *Runner) selectSources(names []string) ([]provider.Source, error) {
	if len(names) == 0 {
		return r.sources, nil
	}
	out := make([]provider.Source, 0, len(names))
	for _, name := range names {
		i := slices.IndexFunc(r.sources, func(s provider.Source) bool { return s.Name() == name })
		if i < 0 {
			return nil, fmt.Errorf("importer: %w %q", ErrUnknownSource, name)
		}
		out = append(out, r.sources[i])
	}
	return out, nil
}

// fetchAll observes every source concurrently. Results keep source order.
func fetchAll(ctx context.Context, sources []provider.Source) ([][]model.ObservedEvent, error) {
	results := make([][]model.ObservedEvent, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			obs, err := src.Observe(gctx)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", reconcile.ErrFetch, src.Name(), err)
			}
			appLog.Debug("source observed", "source", src.Name(), "observations", len(obs))
			results[i] = obs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// group routes observations to their series, in the order series are
// first seen.
func (r *Runner) group(perSource [][]model.ObservedEvent) ([]string, map[string][]model.ObservedEvent) {
	var order []string
	bySeries := make(map[string][]model.ObservedEvent)
	for _, obs := range perSource {
		for _, o := range obs {
			switch {
			case o.SeriesID == "":
				appLog.Warn("observation without series dropped", "name", o.Name)
				continue
			case slices.Contains(r.ignore, o.SeriesID):
				appLog.Debug("ignored series", "series", o.SeriesID)
				continue
			}
			if _, seen := bySeries[o.SeriesID]; !seen {
				order = append(order, o.SeriesID)
			}
			bySeries[o.SeriesID] = append(bySeries[o.SeriesID], o)
		}
	}
	return order, bySeries
}
