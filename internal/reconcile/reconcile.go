// Package reconcile merges observed convention editions into a persisted
// series.
//
// A run loads one series, seeds a venue cache from it, merges each
// observation in order and writes the series back once. Nothing is written
// when any collaborator fails, so a failed run leaves the file untouched.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	appLog "conseries/internal/log"
	"conseries/internal/model"
	"conseries/internal/store"
)

// Store persists whole series documents.
type Store interface {
	Load(ctx context.Context, seriesID string) (*model.Series, error)
	// Create starts a series that has no document yet.
	Create(ctx context.Context, seriesID, name, url string) (*model.Series, error)
	Save(ctx context.Context, seriesID string, s *model.Series) error
}

// Validate reports why an observation cannot be merged.
func Validate(o model.ObservedEvent) error {
	switch {
	case o.StartDate.IsZero() || o.EndDate.IsZero():
		return fmt.Errorf("%w: missing start or end date", ErrMalformedObservedEvent)
	case o.EndDate.Before(o.StartDate):
		return fmt.Errorf("%w: ends %s before it starts %s", ErrMalformedObservedEvent, o.EndDate, o.StartDate)
	case o.Disabled:
		return fmt.Errorf("%w: disabled by its source", ErrMalformedObservedEvent)
	}
	return nil
}

// Prefilter drops observations that fail Validate, logging each one.
func Prefilter(observed []model.ObservedEvent) []model.ObservedEvent {
	out := make([]model.ObservedEvent, 0, len(observed))
	for _, o := range observed {
		if err := Validate(o); err != nil {
			appLog.Warn("dropping observed event", "series", o.SeriesID, "name", o.Name, "reason", err.Error())
			continue
		}
		out = append(out, o)
	}
	return out
}

// Result counts what one run did to a series.
type Result struct {
	SeriesID   string `json:"seriesId"`
	Inserted   int    `json:"inserted"`
	Updated    int    `json:"updated"`
	Overridden int    `json:"overridden"`
	Skipped    int    `json:"skipped"`
	Dropped    int    `json:"dropped"`
	Geocoded   int    `json:"geocoded"`
	Saved      bool   `json:"saved"`
}

// Changed reports whether the series differs from what was loaded.
func (r Result) Changed() bool {
	return r.Inserted+r.Updated+r.Overridden > 0
}

// Reconciler runs merges against a store.
type Reconciler struct {
	store    Store
	geocoder Geocoder
	correct  CoordinateCorrector
	opts     Options
}

// NewReconciler wires the collaborators. geocoder and correct may be nil.
func NewReconciler(st Store, geocoder Geocoder, correct CoordinateCorrector, opts Options) *Reconciler {
	return &Reconciler{
		store:    st,
		geocoder: geocoder,
		correct:  correct,
		opts:     opts.normalized(),
	}
}

// Apply merges observed into s in memory and returns the counts. The
// series is modified even when an error is returned; callers must not save
// it in that case.
func (r *Reconciler) Apply(ctx context.Context, seriesID string, s *model.Series, observed []model.ObservedEvent) (Result, error) {
	res := Result{SeriesID: seriesID}
	valid := Prefilter(observed)
	res.Dropped = len(observed) - len(valid)

	cache := NewVenueCache(r.geocoder, r.correct)
	cache.Seed(s)
	engine := NewEngine(seriesID, s, cache, r.opts)

	for _, o := range valid {
		out, err := engine.Merge(ctx, o)
		if err != nil {
			return res, err
		}
		switch out.Action {
		case ActionInsert:
			res.Inserted++
		case ActionUpdate:
			res.Updated++
		case ActionOverride:
			res.Overridden++
		default:
			res.Skipped++
		}
	}
	res.Geocoded = cache.GeocodeCalls()
	return res, nil
}

// Run loads seriesID, merges observed and saves the series once if it
// changed. A series without a document is created when the observations
// carry a series name; otherwise the load error is returned.
func (r *Reconciler) Run(ctx context.Context, seriesID string, observed []model.ObservedEvent) (Result, error) {
	s, err := r.store.Load(ctx, seriesID)
	if errors.Is(err, store.ErrNotFound) {
		name, url := seriesDefaults(observed)
		if name == "" {
			return Result{SeriesID: seriesID}, err
		}
		appLog.Info("adding pending series", "series", seriesID, "name", name)
		s, err = r.store.Create(ctx, seriesID, name, url)
	}
	if err != nil {
		return Result{SeriesID: seriesID}, err
	}

	res, err := r.Apply(ctx, seriesID, s, observed)
	if err != nil {
		appLog.Error("reconcile aborted; series left unchanged", err, "series", seriesID)
		return res, err
	}

	if !res.Changed() {
		appLog.Info("series unchanged", "series", seriesID, "skipped", res.Skipped, "dropped", res.Dropped)
		return res, nil
	}
	if err := r.store.Save(ctx, seriesID, s); err != nil {
		return res, fmt.Errorf("reconcile: save %s: %w", seriesID, err)
	}
	res.Saved = true
	appLog.Info("series saved", "series", seriesID,
		"inserted", res.Inserted, "updated", res.Updated, "overridden", res.Overridden,
		"skipped", res.Skipped, "dropped", res.Dropped, "geocoded", res.Geocoded)
	return res, nil
}

func seriesDefaults(observed []model.ObservedEvent) (name, url string) {
	for _, o := range observed {
		if o.SeriesName != "" {
			return o.SeriesName, o.SeriesURL
		}
	}
	return "", ""
}
