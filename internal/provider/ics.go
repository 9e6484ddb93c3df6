package provider

import (
	"context"
	"regexp"
	"time"

	appLog "conseries/internal/log"
	"conseries/internal/ics"
	"conseries/internal/model"
)

const defaultHorizonDays = 730

// ICSConfig configures an iCalendar feed listing a series' editions.
type ICSConfig struct {
	SeriesID string
	URL      string
	// Match keeps only entries whose summary matches. Nil keeps all.
	Match *regexp.Regexp
	// HorizonDays is how far ahead recurrences are expanded. Defaults to
	// two years.
	HorizonDays int
	Sources     []string
	// Now defaults to time.Now.
	Now func() time.Time
}

// ICS reads editions from an iCalendar feed. Recurring entries are
// expanded from a year back up to the horizon.
type ICS struct {
	cfg     ICSConfig
	fetcher *Fetcher
}

func NewICS(cfg ICSConfig, fetcher *Fetcher) *ICS {
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = defaultHorizonDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ICS{cfg: cfg, fetcher: fetcher}
}

func (s *ICS) Name() string { return "ics:" + s.cfg.SeriesID }

func (s *ICS) Observe(ctx context.Context) ([]model.ObservedEvent, error) {
	body, err := s.fetcher.Get(ctx, s.cfg.URL)
	if err != nil {
		return nil, err
	}
	entries, err := ics.Parse(s.Name(), body)
	if err != nil {
		return nil, err
	}

	now := s.cfg.Now()
	occs, err := ics.Expand(entries, ics.Window{
		Start: now.AddDate(0, 0, -365),
		End:   now.AddDate(0, 0, s.cfg.HorizonDays),
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.ObservedEvent, 0, len(occs))
	for _, occ := range occs {
		if s.cfg.Match != nil && !s.cfg.Match.MatchString(occ.Summary) {
			continue
		}
		out = append(out, s.observation(occ))
	}

	appLog.Info("ics observed", "series", s.cfg.SeriesID, "entries", len(entries), "occurrences", len(occs), "observations", len(out))
	return out, nil
}

func (s *ICS) observation(occ model.Occurrence) model.ObservedEvent {
	start := model.DateOf(occ.Start)
	end := model.DateOf(occ.End)
	if occ.AllDay {
		end = end.AddDays(-1)
	}
	// A zero-length entry still covers its start day.
	if end.Before(start) {
		end = start
	}
	o := model.ObservedEvent{
		SeriesID:  s.cfg.SeriesID,
		Name:      occ.Summary,
		URL:       occ.URL,
		StartDate: start,
		EndDate:   end,
		Venue:     occ.Location,
		Canceled:  occ.Canceled,
		Sources:   cloneSources(s.cfg.Sources),
	}
	if _, n, ok := trailingNumber(occ.Summary); ok && n != start.Year {
		o.Edition = n
	}
	return o
}
