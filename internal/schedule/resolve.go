// Package schedule converts user-supplied wall-clock times and recurrence
// rules into absolute UTC instants. Everything in here is pure; the caller
// supplies the reference instant.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTimezone is returned for timezone names the IANA database
	// does not recognize.
	ErrInvalidTimezone = errors.New("invalid timezone")

	// ErrInvalidLocalTime is returned for out-of-range wall-clock fields.
	ErrInvalidLocalTime = errors.New("invalid local time")

	// ErrPastTime is returned when a single-shot event resolves to an
	// instant that is not after the reference instant.
	ErrPastTime = errors.New("time is in the past")
)

// LocalTime is a wall-clock reading as the user entered it: a time of day
// plus an optional calendar date. A zero Year means "no date given".
type LocalTime struct {
	Year   int `json:"year,omitempty"`
	Month  int `json:"month,omitempty"`
	Day    int `json:"day,omitempty"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (lt LocalTime) HasDate() bool { return lt.Year != 0 }

func (lt LocalTime) Validate() error {
	if lt.Hour < 0 || lt.Hour > 23 || lt.Minute < 0 || lt.Minute > 59 {
		return fmt.Errorf("%w: %02d:%02d", ErrInvalidLocalTime, lt.Hour, lt.Minute)
	}
	if !lt.HasDate() {
		if lt.Month != 0 || lt.Day != 0 {
			return fmt.Errorf("%w: partial date", ErrInvalidLocalTime)
		}
		return nil
	}
	t := time.Date(lt.Year, time.Month(lt.Month), lt.Day, 0, 0, 0, 0, time.UTC)
	if t.Year() != lt.Year || t.Month() != time.Month(lt.Month) || t.Day() != lt.Day {
		return fmt.Errorf("%w: no such date %04d-%02d-%02d", ErrInvalidLocalTime, lt.Year, lt.Month, lt.Day)
	}
	return nil
}

func (lt LocalTime) String() string {
	if lt.HasDate() {
		return fmt.Sprintf("%04d-%02d-%02d %02d:%02d", lt.Year, lt.Month, lt.Day, lt.Hour, lt.Minute)
	}
	return fmt.Sprintf("%02d:%02d", lt.Hour, lt.Minute)
}

// LoadZone resolves an IANA timezone name.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidTimezone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	return loc, nil
}

// Resolve computes the next fire instant for (lt, tz, rec) strictly after
// the reference instant. The returned time is in UTC.
//
// DST handling: a wall-clock reading inside a spring-forward gap resolves
// to the first valid instant at or after the gap; a reading inside a
// fall-back overlap resolves to the earlier of the two instants.
func Resolve(lt LocalTime, tz string, rec Recurrence, after time.Time) (time.Time, error) {
	loc, err := LoadZone(tz)
	if err != nil {
		return time.Time{}, err
	}
	if err := lt.Validate(); err != nil {
		return time.Time{}, err
	}
	if err := rec.Validate(); err != nil {
		return time.Time{}, err
	}

	switch rec.Kind {
	case RecurNone, "":
		if lt.HasDate() {
			t := resolveWall(lt.Year, time.Month(lt.Month), lt.Day, lt.Hour, lt.Minute, loc)
			if !t.After(after) {
				return time.Time{}, fmt.Errorf("%w: %s resolves to %s", ErrPastTime, lt, t.UTC().Format(time.RFC3339))
			}
			return t.UTC(), nil
		}
		return nextWall(lt, loc, after, nil).UTC(), nil

	case RecurDaily, RecurWeekly:
		var days DaySet
		if rec.Kind == RecurWeekly {
			days = rec.Days
		}
		ref := after
		if t, ok := futureAnchor(lt, loc, after); ok {
			// Never fire before an explicit start date.
			ref = t.Add(-time.Second)
		}
		return nextWall(lt, loc, ref, days).UTC(), nil

	case RecurCustom:
		if !lt.HasDate() {
			return time.Time{}, fmt.Errorf("%w: custom interval needs a start date", ErrInvalidRecurrence)
		}
		base := resolveWall(lt.Year, time.Month(lt.Month), lt.Day, lt.Hour, lt.Minute, loc)
		every := time.Duration(rec.Every)
		if base.After(after) {
			return base.UTC(), nil
		}
		n := after.Sub(base)/every + 1
		return base.Add(n * every).UTC(), nil

	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecurrence, rec.Kind)
	}
}

// futureAnchor returns the resolved explicit date if the local time carries
// one and it is still in the future. Recurring events with a start date
// must not fire before that date.
func futureAnchor(lt LocalTime, loc *time.Location, after time.Time) (time.Time, bool) {
	if !lt.HasDate() {
		return time.Time{}, false
	}
	t := resolveWall(lt.Year, time.Month(lt.Month), lt.Day, lt.Hour, lt.Minute, loc)
	if t.After(after) {
		return t, true
	}
	return time.Time{}, false
}

// nextWall walks forward one local calendar day at a time and returns the
// first instant with the requested wall clock that is strictly after the
// reference instant. days, when non-empty, filters by local weekday.
func nextWall(lt LocalTime, loc *time.Location, after time.Time, days DaySet) time.Time {
	day := after.In(loc)
	for i := 0; i < 9; i++ {
		y, m, d := day.Date()
		if len(days) == 0 || days.Contains(time.Date(y, m, d, 12, 0, 0, 0, loc).Weekday()) {
			t := resolveWall(y, m, d, lt.Hour, lt.Minute, loc)
			if t.After(after) {
				return t
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	// Unreachable: any weekday repeats within 8 calendar days.
	panic("schedule: no occurrence within 9 days")
}

// resolveWall maps a wall-clock reading in loc to an absolute instant.
//
// time.Date alone is not deterministic around DST transitions, so both
// plausible zone offsets are tried explicitly:
//   - both map back to the requested reading (fall-back overlap): the
//     earlier instant wins
//   - neither does (spring-forward gap): the first instant after the
//     transition wins, found by bisecting between the two candidates
func resolveWall(year int, month time.Month, day, hour, min int, loc *time.Location) time.Time {
	naive := time.Date(year, month, day, hour, min, 0, 0, time.UTC)

	// The true instant is within 14h of the naive UTC reading, so probes a
	// day on either side straddle any transition near the requested time.
	_, offBefore := naive.Add(-24 * time.Hour).In(loc).Zone()
	_, offAfter := naive.Add(24 * time.Hour).In(loc).Zone()

	cand1 := naive.Add(-time.Duration(offBefore) * time.Second)
	if offBefore == offAfter {
		return cand1
	}
	cand2 := naive.Add(-time.Duration(offAfter) * time.Second)

	valid1 := sameWall(cand1.In(loc), year, month, day, hour, min)
	valid2 := sameWall(cand2.In(loc), year, month, day, hour, min)

	switch {
	case valid1 && valid2:
		if cand2.Before(cand1) {
			return cand2
		}
		return cand1
	case valid1:
		return cand1
	case valid2:
		return cand2
	}

	// Gap. The candidates bracket the transition; bisect for the first
	// instant on the post-transition offset.
	lo, hi := cand1, cand2
	if hi.Before(lo) {
		lo, hi = hi, lo
	}
	_, loOff := lo.In(loc).Zone()
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2).Truncate(time.Second)
		if !mid.After(lo) {
			mid = lo.Add(time.Second)
		}
		if _, off := mid.In(loc).Zone(); off == loOff {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi
}

func sameWall(t time.Time, year int, month time.Month, day, hour, min int) bool {
	y, m, d := t.Date()
	return y == year && m == month && d == day && t.Hour() == hour && t.Minute() == min
}
