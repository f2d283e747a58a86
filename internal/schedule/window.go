// Package schedule decides when a collection run is due and fires it at
// most once per scheduling window.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"incasso.org/internal/domain"
)

// Window is a contiguous run of configured scheduling days within one
// calendar month.
type Window struct {
	Year     int
	Month    time.Month
	FirstDay int
	LastDay  int
}

// Key is the idempotency key of the window, e.g. "2024-03/19-20".
func (w Window) Key() string {
	return fmt.Sprintf("%04d-%02d/%02d-%02d", w.Year, int(w.Month), w.FirstDay, w.LastDay)
}

// Start returns the first day of the window.
func (w Window) Start() time.Time { return domain.Date(w.Year, w.Month, w.FirstDay) }

// WindowFor returns the window containing d. ok is false when d's day of
// month is not a configured scheduling day.
func WindowFor(days []int, d time.Time) (Window, bool) {
	d = domain.Civil(d)
	set := make(map[int]struct{}, len(days))
	for _, day := range days {
		set[day] = struct{}{}
	}
	day := d.Day()
	if _, ok := set[day]; !ok {
		return Window{}, false
	}
	last := daysIn(d.Year(), d.Month())
	first, end := day, day
	for first > 1 {
		if _, ok := set[first-1]; !ok {
			break
		}
		first--
	}
	for end < last {
		if _, ok := set[end+1]; !ok {
			break
		}
		end++
	}
	return Window{Year: d.Year(), Month: d.Month(), FirstDay: first, LastDay: end}, true
}

// Windows lists the windows of a month in order.
func Windows(days []int, year int, month time.Month) []Window {
	sorted := append([]int(nil), days...)
	sort.Ints(sorted)
	var out []Window
	seen := make(map[string]struct{})
	for _, day := range sorted {
		if day < 1 || day > daysIn(year, month) {
			continue
		}
		w, ok := WindowFor(days, domain.Date(year, month, day))
		if !ok {
			continue
		}
		if _, dup := seen[w.Key()]; dup {
			continue
		}
		seen[w.Key()] = struct{}{}
		out = append(out, w)
	}
	return out
}

func daysIn(year int, month time.Month) int {
	return domain.Date(year, month+1, 0).Day()
}
