package reconcile

import (
	"context"
	"encoding/json"
	"net/url"
	"slices"
	"strings"
	"time"

	appLog "conseries/internal/log"
	"conseries/internal/model"
)

// Action is the decision taken for one observation.
type Action int

const (
	ActionSkip Action = iota
	ActionInsert
	ActionUpdate
	ActionOverride
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionOverride:
		return "override"
	default:
		return "skip"
	}
}

// RescheduleRule selects when a known edition may have its dates replaced.
type RescheduleRule string

const (
	// RescheduleEnd allows a reschedule while neither the stored nor the
	// observed end date lies before today.
	RescheduleEnd RescheduleRule = "end"
	// RescheduleStrict additionally requires all four dates to be strictly
	// after today.
	RescheduleStrict RescheduleRule = "strict"
)

// GuessedSource tags editions extrapolated from earlier ones.
const GuessedSource = model.GuessedSource

// Tier ranks provenance; higher is more trustworthy.
type Tier int

const (
	TierGuessed Tier = iota
	TierScraped
	TierTagged
	TierPrimary
)

// Clock supplies the current instant to the reschedule guard.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Options tune the merge policy.
type Options struct {
	// LowConfidence lists scrape-only source tags that a primary
	// observation may override, in addition to GuessedSource.
	LowConfidence []string
	Reschedule    RescheduleRule
	// Location decides which calendar day "today" is. Defaults to UTC.
	Location *time.Location
	Clock    Clock
}

func (o Options) normalized() Options {
	if o.Reschedule == "" {
		o.Reschedule = RescheduleEnd
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	return o
}

// Outcome describes what Merge did.
type Outcome struct {
	Action Action
	// Index is the slot of the inserted or updated edition, or the located
	// slot for a skip.
	Index int
	Event model.Event
	// Replaced holds the edition removed by an override.
	Replaced *model.Event
	Reason   string
}

// Engine merges observations into one series in place. Merges must run
// one at a time because every decision depends on the current list.
type Engine struct {
	seriesID string
	series   *model.Series
	cache    *VenueCache
	opts     Options
}

// NewEngine binds an engine to a loaded series and a seeded cache.
func NewEngine(seriesID string, series *model.Series, cache *VenueCache, opts Options) *Engine {
	return &Engine{
		seriesID: seriesID,
		series:   series,
		cache:    cache,
		opts:     opts.normalized(),
	}
}

// Tier classifies a sources tag.
func (e *Engine) Tier(sources []string) Tier {
	switch {
	case len(sources) == 0:
		return TierPrimary
	case len(sources) == 1 && sources[0] == GuessedSource:
		return TierGuessed
	case len(sources) == 1 && slices.Contains(e.opts.LowConfidence, sources[0]):
		return TierScraped
	default:
		return TierTagged
	}
}

// Merge applies one observation. The returned error is always a fetch
// failure from the geocoder; every other situation resolves to an action.
func (e *Engine) Merge(ctx context.Context, o model.ObservedEvent) (Outcome, error) {
	events := e.series.Events
	i := Locate(events, o.StartDate)

	var prev *model.Event
	if i < len(events) {
		prev = &events[i]
	}

	id, held, ok := e.identity(i, prev, o)
	if !ok {
		return e.skip(i, o, "id already used by another edition"), nil
	}
	if held >= 0 {
		return e.replace(ctx, held, id, o)
	}

	if prev != nil && prev.ID == id.ID {
		switch {
		case e.overrides(prev, o):
			return e.replace(ctx, i, id, o)

		case prev.StartDate == o.StartDate && prev.EndDate == o.EndDate:
			return e.skip(i, o, "already represented"), nil

		case e.canReschedule(prev, o):
			appLog.Info("edition rescheduled", "series", e.seriesID, "id", id.ID,
				"old_start", prev.StartDate, "old_end", prev.EndDate,
				"new_start", o.StartDate, "new_end", o.EndDate)
			prev.StartDate = o.StartDate
			prev.EndDate = o.EndDate
			return Outcome{Action: ActionUpdate, Index: i, Event: prev.Clone()}, nil

		default:
			return e.skip(i, o, "reschedule not allowed"), nil
		}
	}

	if prev != nil && prev.StartDate == o.StartDate {
		return e.skip(i, o, "another edition starts on the same day"), nil
	}

	var anchor *model.Event
	switch {
	case prev != nil:
		c := prev.Clone()
		anchor = &c
	case i > 0:
		// Older than everything stored: inherit from the nearest newer
		// edition.
		c := events[i-1].Clone()
		anchor = &c
	}

	out, err := e.insert(ctx, i, id, o, anchor)
	if err != nil {
		return Outcome{}, err
	}
	appLog.Info("edition inserted", "series", e.seriesID, "id", out.Event.ID, "index", i,
		"start", o.StartDate, "end", o.EndDate, "sources", strings.Join(o.Sources, ","))
	return out, nil
}

// identity derives the candidate id for slot i. An id held at another slot
// by an edition o overrides comes back with that slot as held, so the
// caller replaces it. An id held by any other edition falls back to the
// calendar year.
func (e *Engine) identity(i int, prev *model.Event, o model.ObservedEvent) (id Identity, held int, ok bool) {
	id = DeriveIdentity(e.seriesID, e.series.Name, prev, o)
	if j := e.holder(id.ID, i); j < 0 {
		return id, -1, true
	} else if e.overrides(&e.series.Events[j], o) {
		return id, j, true
	}
	if id.Calendar {
		return Identity{}, -1, false
	}

	sep := " "
	if prev != nil {
		if en, ok := ParseEditionName(prev.Name); ok && en.Prefix == e.series.Name {
			sep = en.Separator
		}
	}
	fallback := calendarIdentity(e.seriesID, e.series.Name, sep, o)
	appLog.Warn("edition id collides with another slot; using calendar year",
		"series", e.seriesID, "derived", id.ID, "fallback", fallback.ID)
	switch j := e.holder(fallback.ID, i); {
	case j < 0:
		return fallback, -1, true
	case e.overrides(&e.series.Events[j], o):
		return fallback, j, true
	}
	return Identity{}, -1, false
}

// holder returns the slot other than i that holds id, or -1.
func (e *Engine) holder(id string, i int) int {
	if j := e.series.IndexOf(id); j != i {
		return j
	}
	return -1
}

// replace removes the edition at slot j and inserts o under id where its
// start date belongs, inheriting from the removed edition.
func (e *Engine) replace(ctx context.Context, j int, id Identity, o model.ObservedEvent) (Outcome, error) {
	removed := e.series.Events[j].Clone()
	e.series.Events = slices.Delete(e.series.Events, j, j+1)
	i := Locate(e.series.Events, o.StartDate)
	if i < len(e.series.Events) && e.series.Events[i].StartDate == o.StartDate {
		e.series.Events = slices.Insert(e.series.Events, j, removed)
		return e.skip(i, o, "another edition starts on the same day"), nil
	}

	out, err := e.insert(ctx, i, id, o, &removed)
	if err != nil {
		// Put the edition back so a failed run leaves the series as it was
		// loaded.
		e.series.Events = slices.Insert(e.series.Events, j, removed)
		return Outcome{}, err
	}
	out.Action = ActionOverride
	out.Replaced = &removed
	appLog.Info("edition overridden", "series", e.seriesID, "id", id.ID, "index", i,
		"previous_start", removed.StartDate, "previous_sources", strings.Join(removed.Sources, ","))
	return out, nil
}

func (e *Engine) overrides(prev *model.Event, o model.ObservedEvent) bool {
	prevTier := e.Tier(prev.Sources)
	return prevTier <= TierScraped && e.Tier(o.Sources) > prevTier
}

func (e *Engine) canReschedule(prev *model.Event, o model.ObservedEvent) bool {
	if e.Tier(o.Sources) < e.Tier(prev.Sources) {
		return false
	}
	today := model.DateOf(e.opts.Clock.Now().In(e.opts.Location))
	switch e.opts.Reschedule {
	case RescheduleStrict:
		return prev.StartDate.After(today) && prev.EndDate.After(today) &&
			o.StartDate.After(today) && o.EndDate.After(today)
	default:
		return !prev.EndDate.Before(today) && !o.EndDate.Before(today)
	}
}

func (e *Engine) skip(i int, o model.ObservedEvent, reason string) Outcome {
	appLog.Debug("observation skipped", "series", e.seriesID, "start", o.StartDate, "reason", reason)
	return Outcome{Action: ActionSkip, Index: i, Reason: reason}
}

// insert assembles a new edition from o, filling gaps from anchor, and
// places it at slot i.
func (e *Engine) insert(ctx context.Context, i int, id Identity, o model.ObservedEvent, anchor *model.Event) (Outcome, error) {
	ev := model.Event{
		ID:        id.ID,
		Name:      id.Name,
		StartDate: o.StartDate,
		EndDate:   o.EndDate,
		Canceled:  o.Canceled,
	}
	if anchor == nil {
		anchor = &model.Event{}
	}

	ev.URL = firstNonEmpty(anchor.URL, PublicURL(o.URL), e.series.URL)

	if o.Country != "" || o.Locale != "" {
		ev.Country, ev.Locale = o.Country, o.Locale
	} else {
		ev.Country, ev.Locale = anchor.Country, anchor.Locale
	}

	ev.AgeRestriction = slices.Clone(o.AgeRestriction)
	if len(ev.AgeRestriction) == 0 {
		ev.AgeRestriction = slices.Clone(anchor.AgeRestriction)
	}

	region := ev.Country
	if region == "" {
		region = regionOfLocale(ev.Locale)
	}
	translations := o.Translations

	if o.Venue != "" {
		// Observed venue: cached or geocoded details win over what the
		// source listed.
		ev.Venue, ev.Address, ev.LatLng = o.Venue, o.Address, o.LatLng
		d, err := e.cache.Resolve(ctx, VenueQuery{Venue: o.Venue, Address: o.Address, Region: region})
		if err != nil {
			return Outcome{}, err
		}
		if o.UsePlaceName && d.Name != "" {
			ev.Venue = d.Name
		}
		ev.Address = firstNonEmpty(d.Address, ev.Address)
		if d.LatLng != nil {
			ev.LatLng = d.LatLng
		}
		known := VenueDetails{
			Name: ev.Venue, Address: ev.Address, LatLng: ev.LatLng,
			EnglishName: d.EnglishName, EnglishAddress: d.EnglishAddress,
		}
		e.cache.Store(o.Venue, known)
		e.cache.Store(ev.Venue, known)
		translations = withEnglishVenue(translations, d)
	} else if anchor.Venue != "" {
		// Inherited venue: only fill what the anchor lacks.
		ev.Venue, ev.Address, ev.LatLng = anchor.Venue, anchor.Address, anchor.LatLng
		d, err := e.cache.Resolve(ctx, VenueQuery{Venue: ev.Venue, Address: ev.Address, Region: region})
		if err != nil {
			return Outcome{}, err
		}
		ev.Address = firstNonEmpty(ev.Address, d.Address)
		if ev.LatLng == nil {
			ev.LatLng = d.LatLng
		}
		translations = withEnglishVenue(translations, d)
	}

	if len(translations) > 0 {
		ev.SetExtra("translations", slices.Clone(translations))
	}
	if !o.Primary() {
		ev.Sources = slices.Clone(o.Sources)
	}

	e.series.Events = slices.Insert(e.series.Events, i, ev)
	return Outcome{Action: ActionInsert, Index: i, Event: ev.Clone()}, nil
}

// withEnglishVenue adds d's English venue name and address under "en".
// Translations that are not an object of objects are returned unchanged.
func withEnglishVenue(raw json.RawMessage, d VenueDetails) json.RawMessage {
	if d.EnglishName == "" && d.EnglishAddress == "" {
		return raw
	}
	tr := map[string]map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &tr); err != nil {
			return raw
		}
	}
	en := tr["en"]
	if en == nil {
		en = map[string]any{}
		tr["en"] = en
	}
	if d.EnglishName != "" {
		en["venue"] = d.EnglishName
	}
	if d.EnglishAddress != "" {
		en["address"] = d.EnglishAddress
	}
	out, err := json.Marshal(tr)
	if err != nil {
		return raw
	}
	return out
}

// PublicURL drops a dedicated "reg." registration subdomain so the edition
// links to the public site.
func PublicURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || !strings.HasPrefix(u.Host, "reg.") {
		return raw
	}
	u.Host = strings.TrimPrefix(u.Host, "reg.")
	return u.String()
}

// regionOfLocale returns "US" for "en-US" or "en_US".
func regionOfLocale(locale string) string {
	if i := strings.LastIndexAny(locale, "-_"); i >= 0 {
		return locale[i+1:]
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
