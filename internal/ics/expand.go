package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "conseries/internal/log"
	"conseries/internal/model"
)

const defaultMaxPerEntry = 500

// Window bounds recurrence expansion. Occurrences overlapping
// [Start, End] are returned.
type Window struct {
	Start time.Time
	End   time.Time

	// MaxPerEntry caps the instances produced for one recurring entry.
	// Zero means defaultMaxPerEntry.
	MaxPerEntry int
}

// Expand turns parsed entries into concrete occurrences inside w. It
// handles single entries, RRULE recurrence with EXDATE exclusions and
// RECURRENCE-ID overrides. Occurrences keep the timezone of their entry.
func Expand(entries []Entry, w Window) ([]model.Occurrence, error) {
	if w.End.Before(w.Start) {
		return nil, errors.New("ics: window ends before it starts")
	}
	if w.MaxPerEntry <= 0 {
		w.MaxPerEntry = defaultMaxPerEntry
	}

	base := make(map[string][]Entry)
	overrides := make(map[string][]Entry)
	order := make([]string, 0)
	for _, e := range entries {
		if e.IsOverride() {
			overrides[e.UID] = append(overrides[e.UID], e)
			continue
		}
		if _, seen := base[e.UID]; !seen {
			order = append(order, e.UID)
		}
		base[e.UID] = append(base[e.UID], e)
	}

	out := make([]model.Occurrence, 0)
	for _, uid := range order {
		for _, e := range base[uid] {
			if e.RawRRule == "" {
				out = append(out, expandSingle(e, overrides[uid], w)...)
				continue
			}
			occ, truncated := expandRecurring(e, overrides[uid], w)
			if truncated {
				appLog.Warn("ics recurrence truncated", "source", e.SourceID, "uid", uid, "cap", w.MaxPerEntry)
			}
			out = append(out, occ...)
		}
	}
	return out, nil
}

func expandSingle(e Entry, overrides []Entry, w Window) []model.Occurrence {
	if o, ok := findOverride(overrides, e.Start); ok {
		e = o
	}
	if !overlaps(e.Start, e.End, w.Start, w.End) {
		return nil
	}
	return []model.Occurrence{makeOccurrence(e, e.Start, e.End)}
}

func expandRecurring(e Entry, overrides []Entry, w Window) ([]model.Occurrence, bool) {
	r, err := rrule.StrToRRule(e.RawRRule)
	if err != nil {
		appLog.Warn("ics rrule unreadable", "source", e.SourceID, "uid", e.UID, "rrule", e.RawRRule)
		return nil, false
	}
	r.DTStart(e.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range e.ExDates {
		set.ExDate(ex.In(e.Start.Location()))
	}

	dur := e.End.Sub(e.Start)
	// Instances starting before the window may still overlap it.
	from := w.Start.Add(-dur).In(e.Start.Location())
	until := w.End.In(e.Start.Location())

	starts := set.Between(from, until, true)
	truncated := false
	if len(starts) > w.MaxPerEntry {
		starts = starts[:w.MaxPerEntry]
		truncated = true
	}

	out := make([]model.Occurrence, 0, len(starts))
	for _, start := range starts {
		inst := e
		end := start.Add(dur)
		if e.AllDay {
			start = midnight(start)
			end = start.AddDate(0, 0, int(dur.Round(24*time.Hour)/(24*time.Hour)))
		}
		if o, ok := findOverride(overrides, start); ok {
			inst, start, end = o, o.Start, o.End
		}
		if !overlaps(start, end, w.Start, w.End) {
			continue
		}
		out = append(out, makeOccurrence(inst, start, end))
	}
	return out, truncated
}

// findOverride returns the override whose RECURRENCE-ID equals start.
func findOverride(overrides []Entry, start time.Time) (Entry, bool) {
	for _, o := range overrides {
		if o.Recurrence != nil && o.Recurrence.Equal(start) {
			return o, true
		}
	}
	return Entry{}, false
}

func makeOccurrence(e Entry, start, end time.Time) model.Occurrence {
	return model.Occurrence{
		SourceID:    e.SourceID,
		UID:         e.UID,
		InstanceKey: start.Format(time.RFC3339),
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		URL:         e.URL,
		AllDay:      e.AllDay,
		Canceled:    e.Canceled,
		Start:       start,
		End:         end,
	}
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
