// Package provider turns external listings into observed editions.
//
// Each Source reads one kind of listing: a registration system API, a
// convention calendar site, an iCalendar feed or the series itself (for
// guessed editions). Sources only read; merging is left to the reconcile
// package. Every observation names the series it belongs to.
package provider

import (
	"context"
	"strconv"
	"strings"
	"time"

	"conseries/internal/model"
)

// Source produces observed editions.
type Source interface {
	// Name identifies the source in logs and on the command line.
	Name() string
	Observe(ctx context.Context) ([]model.ObservedEvent, error)
}

// SeriesLoader reads stored series. Sources that derive observations from
// stored editions depend on it.
type SeriesLoader interface {
	Load(ctx context.Context, seriesID string) (*model.Series, error)
}

// dateIn returns the civil date of t in loc.
func dateIn(t time.Time, loc *time.Location) model.Date {
	if loc == nil {
		loc = time.UTC
	}
	return model.DateOf(t.In(loc))
}

// parseOffsetDate reads an RFC 3339 timestamp and returns its date in the
// timestamp's own offset.
func parseOffsetDate(s string) (model.Date, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return model.Date{}, err
	}
	return model.DateOf(t), nil
}

// trailingNumber returns the numeral after the last space of name.
func trailingNumber(name string) (prefix string, n int, ok bool) {
	i := strings.LastIndexByte(name, ' ')
	if i < 0 {
		return name, 0, false
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return name, 0, false
	}
	return name[:i], n, true
}

func cloneSources(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	return append([]string(nil), tags...)
}
