package timeseries

import (
	"regexp"
	"strings"
	"time"

	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

// DateLayout is the civil date format accepted by ResolveDayBounds.
const DateLayout = "2006-01-02"

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// DayBounds is the UTC instant range covering one civil day in a location.
//
// Start is the first instant of the local day and End the last millisecond
// before the next local midnight, both in UTC. The offsets in effect at each
// boundary are resolved separately, so 23 and 25 hour days are exact.
type DayBounds struct {
	Date        string
	Location    *time.Location
	Start       time.Time
	End         time.Time
	StartOffset time.Duration
	EndOffset   time.Duration
	NoonOffset  time.Duration
}

// ResolveDayBounds maps date (YYYY-MM-DD) in the named IANA zone to UTC
// bounds. An empty zone means UTC.
func ResolveDayBounds(date, timezone string) (DayBounds, error) {
	day, err := ParseDate(date)
	if err != nil {
		return DayBounds{}, err
	}
	loc, err := LoadLocation(timezone)
	if err != nil {
		return DayBounds{}, err
	}
	return boundsFor(day, loc), nil
}

// ParseDate validates a YYYY-MM-DD civil date.
func ParseDate(date string) (time.Time, error) {
	if !datePattern.MatchString(date) {
		return time.Time{}, invalidf("date %q must use YYYY-MM-DD", date)
	}
	day, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Time{}, invalidf("date %q is not a calendar date", date)
	}
	return day, nil
}

// LoadLocation resolves an IANA zone name. The host's "Local" zone is refused
// because its meaning depends on the server.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	if name == "Local" {
		return nil, invalidf("timezone %q is not an IANA zone name", name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, invalidf("unknown timezone %q", name)
	}
	return loc, nil
}

func boundsFor(day time.Time, loc *time.Location) DayBounds {
	y, m, d := day.Date()
	start := localMidnight(y, m, d, loc)
	next := localMidnight(y, m, d+1, loc)
	end := next.Add(-time.Millisecond)
	noon := time.Date(y, m, d, 12, 0, 0, 0, loc)

	return DayBounds{
		Date:        day.Format(DateLayout),
		Location:    loc,
		Start:       start.UTC(),
		End:         end.UTC(),
		StartOffset: offsetAt(start),
		EndOffset:   offsetAt(end),
		NoonOffset:  offsetAt(noon),
	}
}

// localMidnight returns the first instant of the local day y-m-d. When
// midnight is skipped the day starts at the transition; when it repeats the
// earlier occurrence wins.
func localMidnight(y int, m time.Month, d int, loc *time.Location) time.Time {
	want := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	t := time.Date(y, m, d, 0, 0, 0, 0, loc)

	if ly, lm, ld := t.Date(); ly != want.Year() || lm != want.Month() || ld != want.Day() {
		// time.Date normalised a skipped wall clock back into the previous day
		_, zoneEnd := t.ZoneBounds()
		if !zoneEnd.IsZero() {
			return zoneEnd.In(loc)
		}
		return t
	}

	zoneStart, _ := t.ZoneBounds()
	if zoneStart.IsZero() {
		return t
	}
	prevOffset := offsetAt(zoneStart.Add(-time.Nanosecond))
	delta := prevOffset - offsetAt(t)
	if delta > 0 && t.Sub(zoneStart) < delta {
		earlier := t.Add(-delta)
		if isMidnight(earlier, want) {
			return earlier
		}
	}
	return t
}

func isMidnight(t, want time.Time) bool {
	y, m, d := t.Date()
	return y == want.Year() && m == want.Month() && d == want.Day() &&
		t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

func offsetAt(t time.Time) time.Duration {
	_, secs := t.Zone()
	return time.Duration(secs) * time.Second
}

// Window returns the bounds as a store query window.
func (b DayBounds) Window() storage.Window {
	return storage.Window{Start: b.Start, End: b.End}
}

// Length is the real duration of the local day.
func (b DayBounds) Length() time.Duration {
	return b.End.Sub(b.Start) + time.Millisecond
}

// Transition reports whether the UTC offset changes during the day. A day
// whose midnight was skipped starts at the transition, so its boundary
// offsets agree and only its length gives it away.
func (b DayBounds) Transition() bool {
	return b.StartOffset != b.EndOffset || b.StartOffset != b.NoonOffset || b.Length() != 24*time.Hour
}

// NoonApproximation is the range obtained by shifting a 24 hour local day by
// the offset in effect at local noon. It is wrong near a transition and is
// only kept to measure Drift. Unresolved bounds yield the zero window.
func (b DayBounds) NoonApproximation() storage.Window {
	if b.Location == nil {
		return storage.Window{}
	}
	day, err := time.Parse(DateLayout, b.Date)
	if err != nil {
		return storage.Window{}
	}
	start := day.Add(-b.NoonOffset)
	return storage.Window{Start: start, End: start.Add(24*time.Hour - time.Millisecond)}
}

// Drift reports how far the noon approximation is from the exact bounds at
// each end. Both values are zero on ordinary days.
func (b DayBounds) Drift() (start, end time.Duration) {
	approx := b.NoonApproximation()
	return approx.Start.Sub(b.Start), approx.End.Sub(b.End)
}
