// Package coords enumerates the crawl coordinates for a catalog and a time
// range.
package coords

import (
	"iter"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portal-sync/internal/model"
)

// Range bounds the time axis of a crawl. Months are 1-12; zero means the
// whole start or end year.
type Range struct {
	StartYear  int
	StartMonth int
	EndYear    int
	EndMonth   int
}

// Validate checks the range is well formed.
func (r Range) Validate() error {
	if r.StartYear <= 0 || r.EndYear <= 0 {
		return eris.Errorf("coords: start and end year are required (got %d..%d)", r.StartYear, r.EndYear)
	}
	if r.StartMonth < 0 || r.StartMonth > 12 || r.EndMonth < 0 || r.EndMonth > 12 {
		return eris.Errorf("coords: month out of range (got %d, %d)", r.StartMonth, r.EndMonth)
	}
	if r.StartYear > r.EndYear || (r.StartYear == r.EndYear && r.StartMonth > 0 && r.EndMonth > 0 && r.StartMonth > r.EndMonth) {
		return eris.Errorf("coords: range start %s is after end %s", label(r.StartYear, r.StartMonth), label(r.EndYear, r.EndMonth))
	}
	return nil
}

func label(y, m int) string {
	if m == 0 {
		return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC).Format("2006")
	}
	return time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
}

// Generate yields every coordinate of the cross product municipality ×
// subject × time axis, municipality-major. Only periods that are already
// over are produced: years strictly before now's year for yearly subjects,
// months strictly before now's month for monthly ones. The sequence can be
// iterated any number of times.
func Generate(municipalities []model.Municipality, subjects []model.Subject, r Range, now time.Time) iter.Seq[model.Coordinate] {
	return func(yield func(model.Coordinate) bool) {
		for _, m := range municipalities {
			for _, s := range subjects {
				for c := range forSubject(m, s, r, now) {
					if !yield(c) {
						return
					}
				}
			}
		}
	}
}

func forSubject(m model.Municipality, s model.Subject, r Range, now time.Time) iter.Seq[model.Coordinate] {
	return func(yield func(model.Coordinate) bool) {
		base := model.Coordinate{Municipality: m, Subject: s}
		switch s.Granularity {
		case model.GranularityYearly:
			for y := r.StartYear; y <= r.EndYear && y < now.Year(); y++ {
				c := base
				c.Year = y
				if !yield(c) {
					return
				}
			}
		case model.GranularityMonthly:
			for y := r.StartYear; y <= r.EndYear && y <= now.Year(); y++ {
				first, last := 1, 12
				if y == r.StartYear && r.StartMonth > 0 {
					first = r.StartMonth
				}
				if y == r.EndYear && r.EndMonth > 0 {
					last = r.EndMonth
				}
				for mo := first; mo <= last; mo++ {
					if !before(y, mo, now) {
						return
					}
					c := base
					c.Year, c.Period = y, mo
					if !yield(c) {
						return
					}
				}
			}
		default:
			yield(base)
		}
	}
}

// before reports whether (year, month) is strictly before now's month.
func before(year, month int, now time.Time) bool {
	return year < now.Year() || (year == now.Year() && month < int(now.Month()))
}

// Count returns the number of coordinates Generate would yield.
func Count(municipalities []model.Municipality, subjects []model.Subject, r Range, now time.Time) int {
	n := 0
	for range Generate(municipalities, subjects, r, now) {
		n++
	}
	return n
}

// After returns the range that continues a previous run whose last
// completed period was (year, month), up to now. A zero month means the
// whole year was completed.
func After(year, month int, now time.Time) Range {
	r := Range{EndYear: now.Year(), EndMonth: int(now.Month())}
	switch {
	case year <= 0:
		r.StartYear = now.Year()
	case month <= 0 || month >= 12:
		r.StartYear = year + 1
	default:
		r.StartYear, r.StartMonth = year, month+1
	}
	if r.StartYear > r.EndYear {
		r.StartYear, r.StartMonth = r.EndYear, 0
	}
	return r
}
