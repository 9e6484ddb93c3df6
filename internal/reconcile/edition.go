package reconcile

import (
	"regexp"
	"strconv"

	"conseries/internal/model"
)

var editionPattern = regexp.MustCompile(`^(.*?)( ?)(\d+)$`)

// EditionName is a display name split into its series prefix, the
// separator before the numeral ("" or " ") and the numeral itself.
type EditionName struct {
	Prefix    string
	Separator string
	Number    int
}

// ParseEditionName splits "Con 45" into ("Con", " ", 45). Names without a
// trailing numeral, or with one too large for an int, do not match.
func ParseEditionName(name string) (EditionName, bool) {
	m := editionPattern.FindStringSubmatch(name)
	if m == nil {
		return EditionName{}, false
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return EditionName{}, false
	}
	return EditionName{Prefix: m[1], Separator: m[2], Number: n}, true
}

// Identity is the derived id and display name of an edition.
type Identity struct {
	ID     string
	Name   string
	Suffix int
	// Calendar is true when Suffix is the start year.
	Calendar bool
}

// DeriveIdentity computes the id and name a new observation would get next
// to prev (nil when the series has no edition at or before it).
//
// The suffix is the observation's explicit edition number if it has one.
// Otherwise, when prev is named "<series name><sep><n>" with n different
// from its start year, the series numbers editions on its own and the
// suffix is n+1, or n again if the observation falls in the same years as
// prev. Everything else uses the start year.
func DeriveIdentity(seriesID, seriesName string, prev *model.Event, o model.ObservedEvent) Identity {
	sep := " "
	var prevEdition EditionName
	numbered := false
	if prev != nil {
		if en, ok := ParseEditionName(prev.Name); ok && en.Prefix == seriesName {
			sep = en.Separator
			prevEdition = en
			numbered = en.Number != prev.StartDate.Year
		}
	}

	switch {
	case o.Edition > 0:
		return makeIdentity(seriesID, seriesName, sep, o.Edition, o.Edition == o.StartDate.Year)
	case numbered:
		if o.StartDate.Year == prev.StartDate.Year && o.EndDate.Year == prev.EndDate.Year {
			return makeIdentity(seriesID, seriesName, sep, prevEdition.Number, false)
		}
		return makeIdentity(seriesID, seriesName, sep, prevEdition.Number+1, false)
	default:
		return calendarIdentity(seriesID, seriesName, sep, o)
	}
}

func calendarIdentity(seriesID, seriesName, sep string, o model.ObservedEvent) Identity {
	return makeIdentity(seriesID, seriesName, sep, o.StartDate.Year, true)
}

func makeIdentity(seriesID, seriesName, sep string, suffix int, calendar bool) Identity {
	s := strconv.Itoa(suffix)
	return Identity{
		ID:       seriesID + "-" + s,
		Name:     seriesName + sep + s,
		Suffix:   suffix,
		Calendar: calendar,
	}
}
