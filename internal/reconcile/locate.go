package reconcile

import (
	"sort"

	"conseries/internal/model"
)

// Locate returns the smallest index i with events[i].StartDate <= start, or
// len(events) if every stored edition starts later. events must be sorted
// by StartDate, most recent first.
func Locate(events []model.Event, start model.Date) int {
	return sort.Search(len(events), func(i int) bool {
		return !events[i].StartDate.After(start)
	})
}
