package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration parses a Go duration setting. Blank means unset and yields zero.
func Duration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (e.g. 30s, 2m)", field, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", field, raw)
	}
	return d, nil
}

// DurationOr is Duration with def standing in for an unset or zero value.
func DurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(field, raw)
	if d == 0 && err == nil {
		d = def
	}
	return d, err
}
