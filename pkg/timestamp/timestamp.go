// Package timestamp provides epoch-seconds timestamp handling for the wire.
//
// Envelopes carry their emission time as float64 seconds since the Unix
// epoch so that every KLoROS component, regardless of language, can read
// and compare them without format negotiation. This package is the single
// place that converts between time.Time and that wire representation.
//
// Zero value semantics: a timestamp of 0 means "not set". Conversion
// functions return appropriate zero values rather than failing.
package timestamp

import (
	"fmt"
	"strconv"
	"time"
)

// Now returns the current time as seconds since the Unix epoch.
func Now() float64 {
	return ToSeconds(time.Now())
}

// ToSeconds converts a time.Time to epoch seconds with sub-second precision.
func ToSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromSeconds converts epoch seconds to a time.Time.
// Returns the zero time if ts is 0.
func FromSeconds(ts float64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ts*float64(time.Second)))
}

// Since returns the duration elapsed since the given wire timestamp.
// Returns 0 if ts is 0.
func Since(ts float64) time.Duration {
	if ts == 0 {
		return 0
	}
	return time.Since(FromSeconds(ts))
}

// Format renders a wire timestamp as RFC3339 for logs and diagnostics.
// Returns the empty string if ts is 0.
func Format(ts float64) string {
	if ts == 0 {
		return ""
	}
	return FromSeconds(ts).UTC().Format(time.RFC3339Nano)
}

// Parse converts loosely typed timestamp input to epoch seconds. Inbound
// envelopes decoded from JSON always produce float64, but diagnostics and
// config files also feed this integers, strings, and time.Time values.
// Returns 0 for input it cannot interpret.
func Parse(input any) float64 {
	switch v := input.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if v == "" {
			return 0
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return ToSeconds(t)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		return 0
	case time.Time:
		return ToSeconds(v)
	case nil:
		return 0
	default:
		return 0
	}
}

// Validate checks that a wire timestamp is non-negative and not absurdly
// far in the future (year 3000 cutoff, matching the platform convention).
func Validate(ts float64) error {
	if ts < 0 {
		return fmt.Errorf("timestamp cannot be negative: %f", ts)
	}
	if ts > 32503680000 {
		return fmt.Errorf("timestamp too far in future: %f", ts)
	}
	return nil
}
