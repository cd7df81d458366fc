// Package timeutil parses backend timestamps.
//
// The backend emits date-times sometimes with sub-second precision and
// sometimes without, occasionally without a zone. ParseLenient tries, in order:
//
//  1. RFC3339 with fractional seconds (time.RFC3339Nano)
//  2. RFC3339 without fractional seconds
//  3. the same text with the fractional digits stripped, as RFC3339
//  4. zone-less layouts, interpreted as UTC
//
// The first layout that parses wins.
package timeutil

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// StorageLayout is a fixed-width UTC layout; strings in this layout sort
// lexically in time order.
const StorageLayout = "2006-01-02T15:04:05.000000000Z07:00"

var ErrEmptyTimestamp = errors.New("empty timestamp")

var fraction = regexp.MustCompile(`[.,]\d+`)

var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseLenient parses raw with the fallback order documented on the package.
func ParseLenient(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrEmptyTimestamp
	}

	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}

	stripped := fraction.ReplaceAllString(raw, "")
	if stripped != raw {
		if t, err := time.Parse(time.RFC3339, stripped); err == nil {
			return t.UTC(), nil
		}
	}

	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, stripped, time.UTC); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

// Format renders t in StorageLayout.
func Format(t time.Time) string {
	return t.UTC().Format(StorageLayout)
}
