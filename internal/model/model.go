package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// LatLng is a WGS-84 coordinate, stored on disk as a two element array.
// Values read from disk are written back with their original literals as
// long as they are unchanged.
type LatLng struct {
	Lat float64
	Lng float64

	literal [2]string
	read    [2]float64
}

func (ll LatLng) MarshalJSON() ([]byte, error) {
	return []byte("[" + ll.coord(0, ll.Lat) + ", " + ll.coord(1, ll.Lng) + "]"), nil
}

func (ll LatLng) coord(i int, v float64) string {
	if ll.literal[i] != "" && ll.read[i] == v {
		return ll.literal[i]
	}
	return formatCoord(v)
}

func (ll *LatLng) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("model: latLng: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("model: latLng: expected 2 values, got %d", len(pair))
	}
	var out LatLng
	for i, raw := range pair {
		lit := strings.TrimSpace(string(raw))
		v, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return fmt.Errorf("model: latLng: %q is not a number", lit)
		}
		out.literal[i], out.read[i] = lit, v
	}
	out.Lat, out.Lng = out.read[0], out.read[1]
	*ll = out
	return nil
}

// formatCoord writes integral values with a fractional part, as 40.0.
func formatCoord(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// Event is one persisted edition of a convention. Empty strings, nil slices
// and nil pointers are absent and never serialized.
//
// Keys the model does not know about (translations, legacy location lists)
// are kept verbatim together with the key order the event was read with,
// so rewriting an untouched document reproduces it.
type Event struct {
	ID             string          `validate:"required"`
	Name           string          `validate:"required"`
	URL            string
	StartDate      Date
	EndDate        Date
	Venue          string
	Address        string
	Country        string
	Locale         string
	AgeRestriction json.RawMessage
	LatLng         *LatLng
	Canceled       bool
	Sources        []string

	keys  []string
	extra map[string]json.RawMessage
}

// Extra returns an unknown key carried through from disk.
func (e *Event) Extra(key string) (json.RawMessage, bool) {
	raw, ok := e.extra[key]
	return raw, ok
}

// SetExtra stores a key the model has no typed field for.
func (e *Event) SetExtra(key string, raw json.RawMessage) {
	if e.extra == nil {
		e.extra = make(map[string]json.RawMessage)
	}
	e.extra[key] = raw
}

// Clone returns a deep copy.
func (e Event) Clone() Event {
	out := e
	out.AgeRestriction = slices.Clone(e.AgeRestriction)
	out.Sources = slices.Clone(e.Sources)
	out.keys = slices.Clone(e.keys)
	if e.LatLng != nil {
		ll := *e.LatLng
		out.LatLng = &ll
	}
	if e.extra != nil {
		out.extra = make(map[string]json.RawMessage, len(e.extra))
		for k, v := range e.extra {
			out.extra[k] = slices.Clone(v)
		}
	}
	return out
}

// Series is the ordered history of one recurring convention. Events are kept
// most recent first.
type Series struct {
	Name   string `validate:"required"`
	URL    string
	Events []Event `validate:"dive"`

	keys  []string
	extra map[string]json.RawMessage
}

// NewSeries returns an empty series.
func NewSeries(name, url string) *Series {
	return &Series{Name: name, URL: url, Events: []Event{}}
}

// IndexOf returns the slot holding id, or -1.
func (s *Series) IndexOf(id string) int {
	for i := range s.Events {
		if s.Events[i].ID == id {
			return i
		}
	}
	return -1
}

// GuessedSource tags editions extrapolated from earlier ones.
const GuessedSource = "guessed"

// ObservedEvent is a not-yet-merged edition produced by an external source.
// Only the dates are mandatory. A nil Sources marks the primary provider.
type ObservedEvent struct {
	// SeriesID routes the observation to its series. SeriesName and
	// SeriesURL describe a series that has no document yet; an observation
	// without SeriesName never creates one.
	SeriesID   string
	SeriesName string
	SeriesURL  string

	Name      string
	URL       string
	StartDate Date
	EndDate   Date

	Venue          string
	Address        string
	Country        string
	Locale         string
	AgeRestriction json.RawMessage
	LatLng         *LatLng
	// Translations is written under the "translations" key, with English
	// venue details from the geocoder added to it.
	Translations json.RawMessage
	// UsePlaceName replaces Venue with the geocoder's name for the place.
	UsePlaceName bool

	// Edition is an explicit edition number supplied by the source; 0 if none.
	Edition  int
	Canceled bool
	// Disabled marks listings the source itself reports as hidden or
	// not public.
	Disabled bool
	Sources  []string
}

// Primary reports whether the observation comes from the authoritative
// provider.
func (o ObservedEvent) Primary() bool {
	return len(o.Sources) == 0
}

// Place is a geocoded venue. EnglishName and EnglishAddress are set when
// Name and Address are in another language.
type Place struct {
	Name        string
	Address     string
	LatLng      *LatLng
	CountryCode string

	EnglishName    string
	EnglishAddress string
}

// Occurrence is a single concrete instance of a calendar entry after
// recurrence expansion.
type Occurrence struct {
	SourceID string
	UID      string

	// InstanceKey uniquely identifies one occurrence of a recurring entry.
	InstanceKey string

	Summary     string
	Description string
	Location    string
	URL         string

	AllDay   bool
	Canceled bool

	// Start and End keep the feed's own timezone. End is exclusive for
	// all-day entries, as in iCalendar.
	Start time.Time
	End   time.Time
}
