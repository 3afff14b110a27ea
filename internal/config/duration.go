package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is an optional duration field in its config-file string form
// ("10s", "5m"). The empty string means unset.
type Duration string

// Parse returns the field's value; path names the field in errors.
// Unset parses to zero without error. Negative values are rejected.
func (d Duration) Parse(path string) (time.Duration, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, string(d), err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return v, nil
}

// Or returns the field's value, falling back to def when the field is
// unset or zero. Malformed values also fall back; Validate has already
// reported those as errors.
func (d Duration) Or(def time.Duration) time.Duration {
	v, err := d.Parse("")
	if err != nil || v <= 0 {
		return def
	}
	return v
}
