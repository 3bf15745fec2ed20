package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations are strings in every config format ("30s", "5m"). An empty string
// means unset.

// DurationField binds one config string to the value it fills.
type DurationField struct {
	Path string
	Raw  string
	Def  time.Duration
	Dst  *time.Duration
}

// ParseDurations fills every Dst, falling back to Def for unset or zero
// values. It stops at the first invalid entry.
func ParseDurations(fields ...DurationField) error {
	for _, f := range fields {
		d, err := ParseDurationOrDefault(f.Path, f.Raw, f.Def)
		if err != nil {
			return err
		}
		*f.Dst = d
	}
	return nil
}

// ParseDurationField parses raw and rejects negative values. Unset is zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (want e.g. 30s, 5m): %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	if d, err := ParseDurationField(path, raw); err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
