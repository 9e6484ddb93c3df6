package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conseries/internal/geocode"
	"conseries/internal/model"
	"conseries/internal/store"
)

type fakeGeocoder struct {
	places  map[string]model.Place
	err     error
	queries []string
}

func (g *fakeGeocoder) Resolve(_ context.Context, query, _ string) (model.Place, error) {
	g.queries = append(g.queries, query)
	if g.err != nil {
		return model.Place{}, g.err
	}
	p, ok := g.places[query]
	if !ok {
		return model.Place{}, geocode.ErrNotFound
	}
	return p, nil
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func at(y int, m time.Month, d int) fixedClock {
	return fixedClock(time.Date(y, m, d, 12, 0, 0, 0, time.UTC))
}

func date(y int, m time.Month, d int) model.Date { return model.NewDate(y, m, d) }

func numberedSeries() *model.Series {
	s := model.NewSeries("Con", "https://con.example")
	s.Events = []model.Event{
		{
			ID: "con-45", Name: "Con 45", URL: "https://con.example/45",
			StartDate: date(2024, 7, 4), EndDate: date(2024, 7, 7),
			Venue: "Hall X", Address: "1 Main St", Country: "US",
			LatLng: &model.LatLng{Lat: 40.4, Lng: -79.9},
		},
		{
			ID: "con-44", Name: "Con 44",
			StartDate: date(2023, 7, 6), EndDate: date(2023, 7, 9),
			Venue: "Old Hall", Address: "2 Side St",
		},
	}
	return s
}

func newEngine(s *model.Series, g Geocoder, opts Options) *Engine {
	cache := NewVenueCache(g, nil)
	cache.Seed(s)
	return NewEngine("con", s, cache, opts)
}

func requireDescending(t *testing.T, s *model.Series) {
	t.Helper()
	seen := map[string]bool{}
	for i, e := range s.Events {
		require.False(t, seen[e.ID], "duplicate id %s", e.ID)
		seen[e.ID] = true
		if i > 0 {
			require.True(t, s.Events[i-1].StartDate.After(e.StartDate), "events %d and %d out of order", i-1, i)
		}
	}
}

func TestLocate(t *testing.T) {
	events := numberedSeries().Events
	tests := []struct {
		start model.Date
		want  int
	}{
		{date(2025, 1, 1), 0},
		{date(2024, 7, 4), 0},
		{date(2024, 7, 3), 1},
		{date(2023, 7, 6), 1},
		{date(2020, 1, 1), 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Locate(events, tt.start), tt.start.String())
	}
	assert.Equal(t, 0, Locate(nil, date(2024, 1, 1)))
}

func TestParseEditionName(t *testing.T) {
	en, ok := ParseEditionName("Con 45")
	require.True(t, ok)
	assert.Equal(t, EditionName{Prefix: "Con", Separator: " ", Number: 45}, en)

	en, ok = ParseEditionName("Con45")
	require.True(t, ok)
	assert.Equal(t, EditionName{Prefix: "Con", Separator: "", Number: 45}, en)

	_, ok = ParseEditionName("Con")
	assert.False(t, ok)
	_, ok = ParseEditionName("Con 99999999999999999999999")
	assert.False(t, ok)
}

func TestDeriveIdentity(t *testing.T) {
	numbered := &model.Event{Name: "Con 45", StartDate: date(2024, 7, 4), EndDate: date(2024, 7, 7)}
	calendar := &model.Event{Name: "Con 2024", StartDate: date(2024, 7, 4), EndDate: date(2024, 7, 7)}
	glued := &model.Event{Name: "Con45", StartDate: date(2024, 7, 4), EndDate: date(2024, 7, 7)}
	foreign := &model.Event{Name: "Other Con 45", StartDate: date(2024, 7, 4), EndDate: date(2024, 7, 7)}

	next := model.ObservedEvent{StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6)}
	sameYear := model.ObservedEvent{StartDate: date(2024, 7, 5), EndDate: date(2024, 7, 8)}
	explicit := model.ObservedEvent{StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6), Edition: 50}

	tests := []struct {
		name     string
		prev     *model.Event
		o        model.ObservedEvent
		wantID   string
		wantName string
	}{
		{"sequential increments", numbered, next, "con-46", "Con 46"},
		{"sequential same years keeps number", numbered, sameYear, "con-45", "Con 45"},
		{"calendar", calendar, next, "con-2025", "Con 2025"},
		{"separator preserved", glued, next, "con-46", "Con46"},
		{"foreign prefix uses calendar", foreign, next, "con-2025", "Con 2025"},
		{"no previous edition", nil, next, "con-2025", "Con 2025"},
		{"explicit edition wins", numbered, explicit, "con-50", "Con 50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := DeriveIdentity("con", "Con", tt.prev, tt.o)
			assert.Equal(t, tt.wantID, id.ID)
			assert.Equal(t, tt.wantName, id.Name)
		})
	}
}

func TestMergeInsertInherits(t *testing.T) {
	s := numberedSeries()
	g := &fakeGeocoder{}
	e := newEngine(s, g, Options{})

	out, err := e.Merge(context.Background(), model.ObservedEvent{
		StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6),
		URL: "https://reg.con.example/register",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionInsert, out.Action)
	assert.Equal(t, 0, out.Index)

	got := s.Events[0]
	assert.Equal(t, "con-46", got.ID)
	assert.Equal(t, "Con 46", got.Name)
	assert.Equal(t, "https://con.example/45", got.URL, "url comes from the previous edition")
	assert.Equal(t, "Hall X", got.Venue)
	assert.Equal(t, "1 Main St", got.Address)
	assert.Equal(t, "US", got.Country)
	require.NotNil(t, got.LatLng)
	assert.Equal(t, 40.4, got.LatLng.Lat)
	assert.False(t, got.Canceled)
	assert.Nil(t, got.Sources)
	assert.Empty(t, g.queries, "a seeded venue is never geocoded")
	requireDescending(t, s)
}

func TestMergeIsIdempotent(t *testing.T) {
	s := numberedSeries()
	e := newEngine(s, nil, Options{Clock: at(2025, 1, 1)})
	o := model.ObservedEvent{StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6)}

	first, err := e.Merge(context.Background(), o)
	require.NoError(t, err)
	require.Equal(t, ActionInsert, first.Action)
	snapshot := cloneEvents(s.Events)

	second, err := e.Merge(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, second.Action)
	assert.Equal(t, snapshot, s.Events)
}

func TestMergeOlderThanEverything(t *testing.T) {
	s := numberedSeries()
	e := newEngine(s, nil, Options{})

	out, err := e.Merge(context.Background(), model.ObservedEvent{
		StartDate: date(2022, 7, 7), EndDate: date(2022, 7, 10),
	})
	require.NoError(t, err)
	assert.Equal(t, ActionInsert, out.Action)
	assert.Equal(t, 2, out.Index)

	got := s.Events[2]
	assert.Equal(t, "con-2022", got.ID)
	assert.Equal(t, "Old Hall", got.Venue, "inherits from the nearest newer edition")
	assert.Equal(t, "https://con.example", got.URL, "falls back to the series url")
	requireDescending(t, s)
}

func TestMergeUsesObservedVenue(t *testing.T) {
	s := numberedSeries()
	g := &fakeGeocoder{places: map[string]model.Place{
		"Hall Y": {Address: "9 New St", LatLng: &model.LatLng{Lat: 1, Lng: 2}, CountryCode: "US"},
	}}
	cache := NewVenueCache(g, nil)
	cache.Seed(s)
	e := NewEngine("con", s, cache, Options{})
	ctx := context.Background()

	_, err := e.Merge(ctx, model.ObservedEvent{StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6), Venue: "Hall Y"})
	require.NoError(t, err)
	_, err = e.Merge(ctx, model.ObservedEvent{StartDate: date(2026, 7, 2), EndDate: date(2026, 7, 5), Venue: "Hall Y"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hall Y"}, g.queries, "venue geocoded once per run")
	assert.Equal(t, 1, cache.GeocodeCalls())
	for _, ev := range s.Events[:2] {
		assert.Equal(t, "9 New St", ev.Address)
		require.NotNil(t, ev.LatLng)
	}
	assert.Equal(t, "con-47", s.Events[0].ID)
	requireDescending(t, s)
}

func TestMergeObservedVenuePrefersCachedDetails(t *testing.T) {
	s := numberedSeries()
	g := &fakeGeocoder{}
	e := newEngine(s, g, Options{LowConfidence: []string{"fancons.com"}})

	_, err := e.Merge(context.Background(), model.ObservedEvent{
		StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6),
		Venue: "Hall X", Address: "Pittsburgh, PA, USA", LatLng: &model.LatLng{Lat: 40, Lng: -80},
		Sources: []string{"fancons.com"},
	})
	require.NoError(t, err)

	got := s.Events[0]
	assert.Equal(t, "Hall X", got.Venue)
	assert.Equal(t, "1 Main St", got.Address)
	require.NotNil(t, got.LatLng)
	assert.Equal(t, 40.4, got.LatLng.Lat)
	assert.Empty(t, g.queries)
}

func TestMergeObservedVenueGeocodedWithTranslations(t *testing.T) {
	s := model.NewSeries("Con", "")
	g := &fakeGeocoder{places: map[string]model.Place{
		"Messe, Berlin, Germany": {
			Name:           "Messe Berlin",
			Address:        "Messedamm 22, 14055 Berlin, Deutschland",
			LatLng:         &model.LatLng{Lat: 52.5, Lng: 13.27},
			CountryCode:    "DE",
			EnglishName:    "Berlin Exhibition Grounds",
			EnglishAddress: "Messedamm 22, 14055 Berlin, Germany",
		},
	}}
	e := newEngine(s, g, Options{})
	ctx := context.Background()

	listed := model.ObservedEvent{
		StartDate: date(2025, 9, 3), EndDate: date(2025, 9, 6),
		Venue: "Messe", Address: "Berlin, Germany", Country: "DE", Locale: "de-DE",
		Translations: []byte(`{"de":{"name":"Kon 2025"}}`),
		UsePlaceName: true,
	}
	_, err := e.Merge(ctx, listed)
	require.NoError(t, err)

	listed.StartDate, listed.EndDate = date(2026, 9, 2), date(2026, 9, 5)
	listed.Translations = nil
	_, err = e.Merge(ctx, listed)
	require.NoError(t, err)

	require.Len(t, s.Events, 2)
	assert.Len(t, g.queries, 1, "the venue is geocoded once per run")

	older := s.Events[1]
	assert.Equal(t, "Messe Berlin", older.Venue)
	assert.Equal(t, "Messedamm 22, 14055 Berlin, Deutschland", older.Address)
	require.NotNil(t, older.LatLng)
	assert.Equal(t, 52.5, older.LatLng.Lat)
	raw, ok := older.Extra("translations")
	require.True(t, ok)
	assert.JSONEq(t, `{
		"de": {"name": "Kon 2025"},
		"en": {"venue": "Berlin Exhibition Grounds", "address": "Messedamm 22, 14055 Berlin, Germany"}
	}`, string(raw))

	newer := s.Events[0]
	assert.Equal(t, "Messe Berlin", newer.Venue)
	raw, ok = newer.Extra("translations")
	require.True(t, ok)
	assert.JSONEq(t, `{"en": {"venue": "Berlin Exhibition Grounds", "address": "Messedamm 22, 14055 Berlin, Germany"}}`, string(raw))
}

func TestMergeObservedVenueWithoutGeocoder(t *testing.T) {
	s := model.NewSeries("Con", "")
	e := newEngine(s, nil, Options{})
	ctx := context.Background()

	_, err := e.Merge(ctx, model.ObservedEvent{
		StartDate: date(2025, 9, 3), EndDate: date(2025, 9, 6),
		Venue: "Messe", Address: "Berlin, Germany", LatLng: &model.LatLng{Lat: 52.5, Lng: 13.27},
	})
	require.NoError(t, err)
	_, err = e.Merge(ctx, model.ObservedEvent{
		StartDate: date(2026, 9, 2), EndDate: date(2026, 9, 5), Venue: "Messe",
	})
	require.NoError(t, err)

	for _, ev := range s.Events {
		assert.Equal(t, "Berlin, Germany", ev.Address)
		require.NotNil(t, ev.LatLng)
		assert.Equal(t, 52.5, ev.LatLng.Lat)
	}
}

func TestMergeGeocodeMissIsCached(t *testing.T) {
	s := numberedSeries()
	g := &fakeGeocoder{}
	e := newEngine(s, g, Options{})
	ctx := context.Background()

	_, err := e.Merge(ctx, model.ObservedEvent{StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6), Venue: "Nowhere"})
	require.NoError(t, err)
	_, err = e.Merge(ctx, model.ObservedEvent{StartDate: date(2026, 7, 2), EndDate: date(2026, 7, 5), Venue: "Nowhere"})
	require.NoError(t, err)

	assert.Len(t, g.queries, 1)
	assert.Empty(t, s.Events[0].Address)
	assert.Nil(t, s.Events[0].LatLng)
}

func TestMergeGeocodeFailure(t *testing.T) {
	s := numberedSeries()
	g := &fakeGeocoder{err: errors.New("connection reset")}
	e := newEngine(s, g, Options{})

	_, err := e.Merge(context.Background(), model.ObservedEvent{StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6), Venue: "Hall Z"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetch)
	assert.Len(t, s.Events, 2)
}

func TestMergeOverridesGuessed(t *testing.T) {
	s := numberedSeries()
	guessed := model.Event{
		ID: "con-46", Name: "Con 46", StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6),
		Venue: "Hall X", Address: "1 Main St", Sources: []string{GuessedSource},
	}
	s.Events = append([]model.Event{guessed}, s.Events...)
	e := newEngine(s, nil, Options{})

	out, err := e.Merge(context.Background(), model.ObservedEvent{
		StartDate: date(2025, 7, 10), EndDate: date(2025, 7, 13),
		Country: "CA", Canceled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionOverride, out.Action)
	require.NotNil(t, out.Replaced)
	assert.Equal(t, []string{GuessedSource}, out.Replaced.Sources)

	require.Len(t, s.Events, 3)
	got := s.Events[0]
	assert.Equal(t, "con-46", got.ID)
	assert.Equal(t, date(2025, 7, 10), got.StartDate)
	assert.Nil(t, got.Sources)
	assert.True(t, got.Canceled)
	assert.Equal(t, "CA", got.Country)
	assert.Equal(t, "Hall X", got.Venue, "venue inherited from the replaced edition")
	requireDescending(t, s)
}

func TestMergeReplacesLowConfidenceEditionAtAnotherSlot(t *testing.T) {
	calendar := func() *model.Series {
		s := model.NewSeries("Con", "https://con.example")
		s.Events = []model.Event{
			{
				ID: "con-2025", Name: "Con 2025", StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6),
				Venue: "Hall X", Address: "1 Main St", Sources: []string{GuessedSource},
			},
			{
				ID: "con-2024", Name: "Con 2024", URL: "https://con.example/2024",
				StartDate: date(2024, 7, 4), EndDate: date(2024, 7, 7),
				Venue: "Hall X", Address: "1 Main St",
			},
		}
		return s
	}
	numbered := func() *model.Series {
		s := numberedSeries()
		s.Events = append([]model.Event{{
			ID: "con-46", Name: "Con 46", StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6),
			Venue: "Hall X", Address: "1 Main St", Sources: []string{"fancons.com"},
		}}, s.Events...)
		return s
	}

	tests := []struct {
		name     string
		series   *model.Series
		wantID   string
		wantName string
	}{
		{"calendar numbering", calendar(), "con-2025", "Con 2025"},
		{"sequential numbering", numbered(), "con-46", "Con 46"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.series
			before := len(s.Events)
			e := newEngine(s, nil, Options{LowConfidence: []string{"fancons.com"}})

			// The confirmed dates come a week before the stored edition.
			out, err := e.Merge(context.Background(), model.ObservedEvent{
				StartDate: date(2025, 6, 26), EndDate: date(2025, 6, 29),
			})
			require.NoError(t, err)
			assert.Equal(t, ActionOverride, out.Action)
			require.NotNil(t, out.Replaced)
			assert.Equal(t, date(2025, 7, 3), out.Replaced.StartDate)

			require.Len(t, s.Events, before, "the edition is stored once")
			got := s.Events[0]
			assert.Equal(t, tt.wantID, got.ID)
			assert.Equal(t, tt.wantName, got.Name)
			assert.Equal(t, date(2025, 6, 26), got.StartDate)
			assert.Equal(t, date(2025, 6, 29), got.EndDate)
			assert.Nil(t, got.Sources)
			assert.Equal(t, "Hall X", got.Venue)
			requireDescending(t, s)
		})
	}
}

func TestMergeKeepsAuthoritativeEditionAtAnotherSlot(t *testing.T) {
	s := model.NewSeries("Con", "")
	s.Events = []model.Event{
		{ID: "con-2025", Name: "Con 2025", StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6)},
		{ID: "con-2024", Name: "Con 2024", StartDate: date(2024, 7, 4), EndDate: date(2024, 7, 7)},
	}
	e := newEngine(s, nil, Options{})

	out, err := e.Merge(context.Background(), model.ObservedEvent{
		StartDate: date(2025, 6, 26), EndDate: date(2025, 6, 29), Sources: []string{GuessedSource},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, out.Action)
	assert.Equal(t, date(2025, 7, 3), s.Events[0].StartDate)
	assert.Len(t, s.Events, 2)
}

func TestMergeScrapedTiers(t *testing.T) {
	s := numberedSeries()
	s.Events[0].Sources = []string{"fancons.com"}
	opts := Options{LowConfidence: []string{"fancons.com"}, Clock: at(2024, 1, 1)}

	t.Run("guessed does not override scraped", func(t *testing.T) {
		s := cloneSeries(s)
		e := newEngine(s, nil, opts)
		out, err := e.Merge(context.Background(), model.ObservedEvent{
			StartDate: date(2024, 7, 5), EndDate: date(2024, 7, 8), Sources: []string{GuessedSource},
		})
		require.NoError(t, err)
		assert.Equal(t, ActionSkip, out.Action)
	})

	t.Run("tagged source overrides scraped", func(t *testing.T) {
		s := cloneSeries(s)
		e := newEngine(s, nil, opts)
		out, err := e.Merge(context.Background(), model.ObservedEvent{
			StartDate: date(2024, 7, 5), EndDate: date(2024, 7, 8), Sources: []string{"regfox"},
		})
		require.NoError(t, err)
		assert.Equal(t, ActionOverride, out.Action)
		assert.Equal(t, []string{"regfox"}, s.Events[0].Sources)
	})
}

func TestMergeReschedule(t *testing.T) {
	o := model.ObservedEvent{StartDate: date(2024, 7, 11), EndDate: date(2024, 7, 14)}

	tests := []struct {
		name  string
		clock Clock
		rule  RescheduleRule
		want  Action
	}{
		{"future edition moves", at(2024, 5, 1), RescheduleEnd, ActionUpdate},
		{"concluded edition stays", at(2024, 8, 1), RescheduleEnd, ActionSkip},
		{"running edition may move under end rule", at(2024, 7, 5), RescheduleEnd, ActionUpdate},
		{"running edition stays under strict rule", at(2024, 7, 5), RescheduleStrict, ActionSkip},
		{"strict rule allows future edition", at(2024, 5, 1), RescheduleStrict, ActionUpdate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := numberedSeries()
			e := newEngine(s, nil, Options{Clock: tt.clock, Reschedule: tt.rule})

			out, err := e.Merge(context.Background(), o)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Action)
			require.Len(t, s.Events, 2)
			if tt.want == ActionUpdate {
				assert.Equal(t, o.StartDate, s.Events[0].StartDate)
				assert.Equal(t, o.EndDate, s.Events[0].EndDate)
				assert.Equal(t, "Hall X", s.Events[0].Venue)
			} else {
				assert.Equal(t, date(2024, 7, 4), s.Events[0].StartDate)
			}
		})
	}
}

func TestMergeRescheduleNeedsEqualTier(t *testing.T) {
	s := numberedSeries()
	e := newEngine(s, nil, Options{Clock: at(2024, 5, 1)})

	out, err := e.Merge(context.Background(), model.ObservedEvent{
		StartDate: date(2024, 7, 11), EndDate: date(2024, 7, 14), Sources: []string{GuessedSource},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, out.Action)
	assert.Equal(t, date(2024, 7, 4), s.Events[0].StartDate)
}

func TestMergeIdentityCollisionFallsBackToCalendar(t *testing.T) {
	s := numberedSeries()
	s.Events = append([]model.Event{{
		ID: "con-46", Name: "Con 46", StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6),
	}}, s.Events...)
	e := newEngine(s, nil, Options{})

	out, err := e.Merge(context.Background(), model.ObservedEvent{
		StartDate: date(2025, 1, 15), EndDate: date(2025, 1, 17),
	})
	require.NoError(t, err)
	assert.Equal(t, ActionInsert, out.Action)
	assert.Equal(t, 1, out.Index)
	assert.Equal(t, "con-2025", s.Events[1].ID)
	assert.Equal(t, "Con 2025", s.Events[1].Name)
	requireDescending(t, s)
}

func TestMergeSameStartDifferentIdentitySkips(t *testing.T) {
	s := numberedSeries()
	e := newEngine(s, nil, Options{})

	out, err := e.Merge(context.Background(), model.ObservedEvent{
		StartDate: date(2024, 7, 4), EndDate: date(2024, 7, 6), Edition: 99,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, out.Action)
	assert.Len(t, s.Events, 2)
}

func TestMergeSourcesAndTranslations(t *testing.T) {
	s := numberedSeries()
	e := newEngine(s, nil, Options{})

	_, err := e.Merge(context.Background(), model.ObservedEvent{
		StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6),
		Sources:      []string{"fancons.com"},
		Translations: []byte(`{"de":{"name":"Kon 46"}}`),
	})
	require.NoError(t, err)

	got := s.Events[0]
	assert.Equal(t, []string{"fancons.com"}, got.Sources)
	raw, ok := got.Extra("translations")
	require.True(t, ok)
	assert.JSONEq(t, `{"de":{"name":"Kon 46"}}`, string(raw))
}

func TestPublicURL(t *testing.T) {
	assert.Equal(t, "https://con.example/register", PublicURL("https://reg.con.example/register"))
	assert.Equal(t, "https://www.con.example", PublicURL("https://www.con.example"))
	assert.Equal(t, "", PublicURL(""))
}

func TestPrefilter(t *testing.T) {
	ok := model.ObservedEvent{Name: "ok", StartDate: date(2025, 1, 1), EndDate: date(2025, 1, 2)}
	in := []model.ObservedEvent{
		ok,
		{Name: "no dates"},
		{Name: "backwards", StartDate: date(2025, 1, 2), EndDate: date(2025, 1, 1)},
		{Name: "hidden", StartDate: date(2025, 1, 1), EndDate: date(2025, 1, 2), Disabled: true},
	}
	out := Prefilter(in)
	require.Len(t, out, 1)
	assert.Equal(t, "ok", out[0].Name)

	assert.ErrorIs(t, Validate(in[1]), ErrMalformedObservedEvent)
}

func TestVenueCacheSeedPrefersNewest(t *testing.T) {
	s := model.NewSeries("Con", "")
	s.Events = []model.Event{
		{ID: "b", Venue: "Hall", Address: "new"},
		{ID: "a", Venue: "Hall", Address: "old"},
	}
	c := NewVenueCache(nil, nil)
	c.Seed(s)
	d, ok := c.Lookup("Hall")
	require.True(t, ok)
	assert.Equal(t, "new", d.Address)
}

func TestVenueCacheSeedReadsEnglishTranslations(t *testing.T) {
	ev := model.Event{ID: "a", Venue: "Messe Berlin", Address: "Messedamm 22"}
	ev.SetExtra("translations", []byte(`{"en":{"venue":"Berlin Exhibition Grounds"}}`))
	s := model.NewSeries("Con", "")
	s.Events = []model.Event{ev}

	c := NewVenueCache(nil, nil)
	c.Seed(s)
	d, ok := c.Lookup("Messe Berlin")
	require.True(t, ok)
	assert.Equal(t, "Berlin Exhibition Grounds", d.EnglishName)
	assert.Empty(t, d.EnglishAddress)
}

func TestVenueCacheCorrectsCoordinates(t *testing.T) {
	g := &fakeGeocoder{places: map[string]model.Place{
		"Expo, Shanghai": {Address: "Shanghai", LatLng: &model.LatLng{Lat: 31, Lng: 121}, CountryCode: "CN"},
	}}
	var corrected string
	c := NewVenueCache(g, func(cc string, ll model.LatLng) model.LatLng {
		corrected = cc
		return model.LatLng{Lat: ll.Lat - 0.5, Lng: ll.Lng}
	})

	d, err := c.Resolve(context.Background(), VenueQuery{Venue: "Expo", Address: "Shanghai"})
	require.NoError(t, err)
	assert.Equal(t, "CN", corrected)
	require.NotNil(t, d.LatLng)
	assert.Equal(t, 30.5, d.LatLng.Lat)
}

type memStore struct {
	series  map[string]*model.Series
	saved   map[string]*model.Series
	created []string
}

func newMemStore() *memStore {
	return &memStore{series: map[string]*model.Series{}, saved: map[string]*model.Series{}}
}

func (m *memStore) Load(_ context.Context, id string) (*model.Series, error) {
	s, ok := m.series[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSeries(s), nil
}

func (m *memStore) Create(_ context.Context, id, name, url string) (*model.Series, error) {
	m.created = append(m.created, id)
	return model.NewSeries(name, url), nil
}

func (m *memStore) Save(_ context.Context, id string, s *model.Series) error {
	m.saved[id] = cloneSeries(s)
	return nil
}

func TestRunSavesOnce(t *testing.T) {
	st := newMemStore()
	st.series["con"] = numberedSeries()
	r := NewReconciler(st, nil, nil, Options{Clock: at(2025, 1, 1)})

	res, err := r.Run(context.Background(), "con", []model.ObservedEvent{
		{StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6)},
		{StartDate: date(2024, 7, 4), EndDate: date(2024, 7, 7)},
		{Name: "broken"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Dropped)
	assert.True(t, res.Saved)
	require.Contains(t, st.saved, "con")
	assert.Len(t, st.saved["con"].Events, 3)
}

func TestRunUnchangedDoesNotSave(t *testing.T) {
	st := newMemStore()
	st.series["con"] = numberedSeries()
	r := NewReconciler(st, nil, nil, Options{})

	res, err := r.Run(context.Background(), "con", []model.ObservedEvent{
		{StartDate: date(2024, 7, 4), EndDate: date(2024, 7, 7)},
	})
	require.NoError(t, err)
	assert.False(t, res.Saved)
	assert.Empty(t, st.saved)
}

func TestRunFetchFailureLeavesSeries(t *testing.T) {
	st := newMemStore()
	st.series["con"] = numberedSeries()
	r := NewReconciler(st, &fakeGeocoder{err: errors.New("timeout")}, nil, Options{})

	_, err := r.Run(context.Background(), "con", []model.ObservedEvent{
		{StartDate: date(2025, 7, 3), EndDate: date(2025, 7, 6)},
		{StartDate: date(2026, 7, 2), EndDate: date(2026, 7, 5), Venue: "Unknown Hall"},
	})
	require.ErrorIs(t, err, ErrFetch)
	assert.Empty(t, st.saved)
}

func TestRunCreatesPendingSeries(t *testing.T) {
	st := newMemStore()
	r := NewReconciler(st, nil, nil, Options{})

	res, err := r.Run(context.Background(), "new-con", []model.ObservedEvent{
		{SeriesName: "New Con", URL: "https://listing.example/event/7/", StartDate: date(2025, 3, 1), EndDate: date(2025, 3, 2)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"new-con"}, st.created)
	assert.Equal(t, 1, res.Inserted)

	saved := st.saved["new-con"]
	require.NotNil(t, saved)
	assert.Equal(t, "New Con", saved.Name)
	assert.Empty(t, saved.URL, "an edition link is not the series site")
	assert.Equal(t, "new-con-2025", saved.Events[0].ID)
	assert.Equal(t, "New Con 2025", saved.Events[0].Name)
	assert.Equal(t, "https://listing.example/event/7/", saved.Events[0].URL)

	_, err = r.Run(context.Background(), "site-con", []model.ObservedEvent{
		{SeriesName: "Site Con", SeriesURL: "https://site.example", StartDate: date(2025, 3, 1), EndDate: date(2025, 3, 2)},
	})
	require.NoError(t, err)
	require.NotNil(t, st.saved["site-con"])
	assert.Equal(t, "https://site.example", st.saved["site-con"].URL)
}

func TestRunMissingSeriesWithoutName(t *testing.T) {
	r := NewReconciler(newMemStore(), nil, nil, Options{})
	_, err := r.Run(context.Background(), "ghost", []model.ObservedEvent{
		{StartDate: date(2025, 3, 1), EndDate: date(2025, 3, 2)},
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func cloneEvents(events []model.Event) []model.Event {
	out := make([]model.Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}

func cloneSeries(s *model.Series) *model.Series {
	c := *s
	c.Events = cloneEvents(s.Events)
	return &c
}
