package gateway

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sbrocket/failsafe/internal/schedule"
)

var ErrBadCommand = errors.New("gateway: bad command")

// remindArgs is the parsed form of a reminder definition:
//
//	[YYYY-MM-DD] HH:MM [zone] [daily | weekly mon,wed | every 90m] message...
//
// Zone defaults to the gateway's configured timezone. Recurrence defaults
// to a single shot.
type remindArgs struct {
	Local      schedule.LocalTime
	HasTime    bool
	Timezone   string
	Recurrence schedule.Recurrence
	HasRec     bool
	Message    string
}

// parseRemind consumes tokens front to back; the first token that fits no
// schedule field starts the message text.
func parseRemind(raw string) (remindArgs, error) {
	var args remindArgs
	args.Recurrence = schedule.None()

	tokens := strings.Fields(raw)
	i := 0

	if i < len(tokens) {
		if y, m, d, ok := parseDate(tokens[i]); ok {
			args.Local.Year, args.Local.Month, args.Local.Day = y, m, d
			i++
		}
	}

	if i >= len(tokens) {
		return args, fmt.Errorf("%w: missing time", ErrBadCommand)
	}
	h, min, ok := parseClock(tokens[i])
	if !ok {
		return args, fmt.Errorf("%w: %q is not a time (want HH:MM)", ErrBadCommand, tokens[i])
	}
	args.Local.Hour, args.Local.Minute = h, min
	args.HasTime = true
	i++

	if i < len(tokens) && looksLikeZone(tokens[i]) {
		args.Timezone = tokens[i]
		i++
	}

	rec, n, err := parseRecurrence(tokens[i:])
	if err != nil {
		return args, err
	}
	if n > 0 {
		args.Recurrence = rec
		args.HasRec = true
		i += n
	}

	args.Message = strings.Join(tokens[i:], " ")
	return args, nil
}

// parseRecurrence reads a recurrence clause from the front of tokens and
// reports how many tokens it consumed. Zero means no clause present.
func parseRecurrence(tokens []string) (schedule.Recurrence, int, error) {
	if len(tokens) == 0 {
		return schedule.Recurrence{}, 0, nil
	}
	switch strings.ToLower(tokens[0]) {
	case "daily":
		return schedule.Daily(), 1, nil
	case "weekly":
		if len(tokens) < 2 {
			return schedule.Recurrence{}, 0, fmt.Errorf("%w: weekly needs days, e.g. weekly mon,thu", ErrBadCommand)
		}
		days, err := schedule.ParseDaySet(tokens[1])
		if err != nil {
			return schedule.Recurrence{}, 0, fmt.Errorf("%w: %v", ErrBadCommand, err)
		}
		return schedule.Weekly(days), 2, nil
	case "every":
		if len(tokens) < 2 {
			return schedule.Recurrence{}, 0, fmt.Errorf("%w: every needs an interval, e.g. every 90m", ErrBadCommand)
		}
		d, err := time.ParseDuration(tokens[1])
		if err != nil {
			return schedule.Recurrence{}, 0, fmt.Errorf("%w: bad interval %q", ErrBadCommand, tokens[1])
		}
		if d < time.Minute {
			return schedule.Recurrence{}, 0, fmt.Errorf("%w: interval below one minute", ErrBadCommand)
		}
		return schedule.Custom(d), 2, nil
	}
	return schedule.Recurrence{}, 0, nil
}

func parseDate(tok string) (year, month, day int, ok bool) {
	t, err := time.Parse("2006-01-02", tok)
	if err != nil {
		return 0, 0, 0, false
	}
	return t.Year(), int(t.Month()), t.Day(), true
}

func parseClock(tok string) (hour, minute int, ok bool) {
	before, after, found := strings.Cut(tok, ":")
	if !found {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(before)
	m, err2 := strconv.Atoi(after)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// looksLikeZone accepts IANA region/city names plus the UTC alias. The
// real validation happens when the schedule is resolved.
func looksLikeZone(tok string) bool {
	if strings.EqualFold(tok, "UTC") {
		return true
	}
	return strings.Contains(tok, "/")
}
