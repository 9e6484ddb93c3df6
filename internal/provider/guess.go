package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ringsaturn/tzf"

	appLog "conseries/internal/log"
	"conseries/internal/model"
	"conseries/internal/store"
)

// TimezoneFinder maps a coordinate to an IANA zone name.
type TimezoneFinder interface {
	GetTimezoneName(lng, lat float64) string
}

// GuessConfig configures next-edition guessing.
type GuessConfig struct {
	SeriesIDs []string
	// Finder defaults to the tzf default finder, loaded on first use.
	Finder TimezoneFinder
	// Now defaults to time.Now.
	Now func() time.Time
}

// Guess extrapolates the next edition of series whose latest edition has
// concluded. The guess keeps the weekday and the week of the month one year
// later, so a con held on the second weekend of July is guessed on the
// second weekend of July again.
type Guess struct {
	cfg    GuessConfig
	series SeriesLoader

	finderOnce sync.Once
	finder     TimezoneFinder
	finderErr  error
}

func NewGuess(cfg GuessConfig, series SeriesLoader) *Guess {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guess{cfg: cfg, series: series, finder: cfg.Finder}
}

func (g *Guess) Name() string { return "guess" }

func (g *Guess) Observe(ctx context.Context) ([]model.ObservedEvent, error) {
	now := g.cfg.Now()
	out := make([]model.ObservedEvent, 0, len(g.cfg.SeriesIDs))
	for _, id := range g.cfg.SeriesIDs {
		s, err := g.series.Load(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			appLog.Warn("guess: series not found", "series", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(s.Events) == 0 {
			continue
		}

		latest := s.Events[0]
		loc, err := g.location(latest.LatLng)
		if err != nil {
			return nil, err
		}
		if !latest.EndDate.Before(model.DateOf(now.In(loc))) {
			appLog.Debug("guess: latest edition not over yet", "series", id, "end", latest.EndDate)
			continue
		}

		o := model.ObservedEvent{
			SeriesID:  id,
			StartDate: NextYearSameWeekday(latest.StartDate),
			EndDate:   NextYearSameWeekday(latest.EndDate),
			Sources:   []string{model.GuessedSource},
		}
		appLog.Info("guess: next edition", "series", id, "start", o.StartDate, "end", o.EndDate)
		out = append(out, o)
	}
	return out, nil
}

// location returns the timezone of a venue, UTC when it has no coordinate
// or the coordinate lies outside every zone.
func (g *Guess) location(ll *model.LatLng) (*time.Location, error) {
	if ll == nil {
		return time.UTC, nil
	}
	g.finderOnce.Do(func() {
		if g.finder != nil {
			return
		}
		f, err := tzf.NewDefaultFinder()
		if err != nil {
			g.finderErr = fmt.Errorf("guess: load timezone finder: %w", err)
			return
		}
		g.finder = f
	})
	if g.finderErr != nil {
		return nil, g.finderErr
	}

	name := g.finder.GetTimezoneName(ll.Lng, ll.Lat)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Warn("guess: unknown timezone; using UTC", "timezone", name)
		return time.UTC, nil
	}
	return loc, nil
}

// NextYearSameWeekday returns the date one year after d that falls on the
// same weekday in the same week of the month. Weeks start on Monday and the
// week holding the 1st is week one.
func NextYearSameWeekday(d model.Date) model.Date {
	week := weekOfMonth(d)
	first := model.NewDate(d.Year+1, d.Month, 1)
	return first.AddDays(-isoWeekday(first) + isoWeekday(d) + (week-1)*7)
}

func weekOfMonth(d model.Date) int {
	first := model.NewDate(d.Year, d.Month, 1)
	return (d.Day + isoWeekday(first) + 5) / 7
}

// isoWeekday numbers Monday 1 through Sunday 7.
func isoWeekday(d model.Date) int {
	wd := int(d.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
