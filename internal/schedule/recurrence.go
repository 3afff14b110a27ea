package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidRecurrence is returned when a recurrence rule is structurally
// invalid (e.g. a non-positive custom interval or an empty weekly day set).
var ErrInvalidRecurrence = errors.New("invalid recurrence")

type RecurrenceKind string

const (
	RecurNone   RecurrenceKind = "none"
	RecurDaily  RecurrenceKind = "daily"
	RecurWeekly RecurrenceKind = "weekly"
	RecurCustom RecurrenceKind = "custom"
)

// Recurrence is a closed set of repeat rules. New kinds require an explicit
// case in Validate, Resolve and String; there is no open dispatch.
type Recurrence struct {
	Kind RecurrenceKind `json:"kind"`
	// Days is the weekday set for RecurWeekly.
	Days DaySet `json:"days,omitempty"`
	// Every is the interval for RecurCustom.
	Every Duration `json:"every,omitempty"`
}

func None() Recurrence               { return Recurrence{Kind: RecurNone} }
func Daily() Recurrence              { return Recurrence{Kind: RecurDaily} }
func Weekly(days DaySet) Recurrence  { return Recurrence{Kind: RecurWeekly, Days: days} }
func Custom(d time.Duration) Recurrence {
	return Recurrence{Kind: RecurCustom, Every: Duration(d)}
}

func (r Recurrence) Recurring() bool { return r.Kind != RecurNone && r.Kind != "" }

func (r Recurrence) Validate() error {
	switch r.Kind {
	case RecurNone, "":
		return nil
	case RecurDaily:
		return nil
	case RecurWeekly:
		if len(r.Days) == 0 {
			return fmt.Errorf("%w: weekly recurrence needs at least one weekday", ErrInvalidRecurrence)
		}
		return nil
	case RecurCustom:
		if r.Every <= 0 {
			return fmt.Errorf("%w: custom interval must be positive, got %s", ErrInvalidRecurrence, time.Duration(r.Every))
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecurrence, r.Kind)
	}
}

func (r Recurrence) String() string {
	switch r.Kind {
	case RecurNone, "":
		return "once"
	case RecurDaily:
		return "daily"
	case RecurWeekly:
		return "weekly " + r.Days.String()
	case RecurCustom:
		return "every " + time.Duration(r.Every).String()
	default:
		return string(r.Kind)
	}
}

// Duration is a time.Duration that marshals as a Go duration string
// ("90m", "36h"), matching how durations appear in the config file.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Accept plain nanosecond integers for forward compatibility.
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 == nil {
			*d = Duration(n)
			return nil
		}
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// DaySet is a sorted set of weekdays, serialized as lowercase
// three-letter names ("mon", "thu").
type DaySet []time.Weekday

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func dayName(d time.Weekday) string {
	return strings.ToLower(d.String()[:3])
}

// ParseDaySet parses a comma-separated weekday list like "mon,wed,fri".
// Duplicates collapse; order is normalized to Sunday-first.
func ParseDaySet(s string) (DaySet, error) {
	seen := map[time.Weekday]bool{}
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if len(name) > 3 {
			name = name[:3]
		}
		d, ok := dayNames[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown weekday %q", ErrInvalidRecurrence, part)
		}
		seen[d] = true
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("%w: empty weekday list", ErrInvalidRecurrence)
	}
	out := make(DaySet, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s DaySet) Contains(d time.Weekday) bool {
	for _, x := range s {
		if x == d {
			return true
		}
	}
	return false
}

func (s DaySet) String() string {
	names := make([]string, len(s))
	for i, d := range s {
		names[i] = dayName(d)
	}
	return strings.Join(names, ",")
}

func (s DaySet) MarshalJSON() ([]byte, error) {
	names := make([]string, len(s))
	for i, d := range s {
		names[i] = dayName(d)
	}
	return json.Marshal(names)
}

func (s *DaySet) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	if len(names) == 0 {
		*s = nil
		return nil
	}
	parsed, err := ParseDaySet(strings.Join(names, ","))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
