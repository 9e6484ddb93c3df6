package ics

import (
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"

	"conseries/internal/model"
)

const productID = "-//conseries//series export//EN"

// Export renders every edition of s as an all-day VEVENT. UIDs are derived
// from edition ids so calendar clients update entries in place across
// exports. stamp is written as DTSTAMP.
func Export(seriesID string, s *model.Series, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	cal.SetName(s.Name)
	cal.SetXWRCalName(s.Name)

	for _, e := range s.Events {
		ve := cal.AddEvent(e.ID + "@" + seriesID + ".conseries")
		ve.SetDtStampTime(stamp.UTC())
		ve.SetSummary(e.Name)
		ve.SetAllDayStartAt(e.StartDate.Time())
		// DTEND is exclusive for all-day events.
		ve.SetAllDayEndAt(e.EndDate.AddDays(1).Time())

		if e.URL != "" {
			ve.SetURL(e.URL)
		}
		if loc := joinLocation(e.Venue, e.Address); loc != "" {
			ve.SetLocation(loc)
		}
		if e.LatLng != nil {
			ve.SetProperty(ical.ComponentPropertyGeo, formatGeo(*e.LatLng))
		}
		if e.Canceled {
			ve.SetStatus(ical.ObjectStatusCancelled)
		} else {
			ve.SetStatus(ical.ObjectStatusConfirmed)
		}
	}

	return cal.Serialize()
}

func joinLocation(venue, address string) string {
	switch {
	case venue == "":
		return address
	case address == "":
		return venue
	default:
		return venue + ", " + address
	}
}

func formatGeo(ll model.LatLng) string {
	return strconv.FormatFloat(ll.Lat, 'f', -1, 64) + ";" + strconv.FormatFloat(ll.Lng, 'f', -1, 64)
}
