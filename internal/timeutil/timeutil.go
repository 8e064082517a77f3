// Package timeutil converts between epoch milliseconds and zone-local
// calendar time. Every function is pure apart from Now; stored values are
// always epoch milliseconds in UTC.
package timeutil

import (
	"fmt"
	"math"
	"strings"
	"time"
	_ "time/tzdata"

	"FollowUp/internal/apperr"
)

// MaxEpochMillis bounds representable instants to +/-100,000,000 days around
// the epoch, the same range JSON clients accept for dates.
const MaxEpochMillis int64 = 8_640_000_000_000_000

// MaxDays is the widest span, in days, that fits inside that range.
const MaxDays = int(MaxEpochMillis / 86_400_000)

// ISOLayout always carries an explicit UTC offset.
const ISOLayout = "2006-01-02T15:04:05.000-07:00"

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Now is replaceable in tests.
var Now = time.Now

// NowMillis returns the current instant as epoch milliseconds.
func NowMillis() int64 {
	return Now().UnixMilli()
}

// LoadLocation resolves an IANA zone name. An empty name means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, apperr.InvalidTimezone(tz, err)
	}
	return loc, nil
}

// ToEpochMillis accepts a time.Time, an integer or float epoch in
// milliseconds, or an ISO-8601 string. Strings without an offset are read
// as UTC.
func ToEpochMillis(input any) (int64, error) {
	return ToEpochMillisIn(input, "")
}

// ToEpochMillisIn is ToEpochMillis with strings lacking an offset read as
// wall-clock time in tz. Explicit offsets and numeric epochs ignore tz.
func ToEpochMillisIn(input any, tz string) (int64, error) {
	switch v := input.(type) {
	case time.Time:
		if v.IsZero() {
			return 0, apperr.InvalidDate("zero time")
		}
		return checkRange(v.UnixMilli(), apperr.InvalidDate)
	case *time.Time:
		if v == nil {
			return 0, apperr.InvalidDate("nil time")
		}
		return ToEpochMillisIn(*v, tz)
	case int64:
		return checkRange(v, apperr.InvalidDate)
	case int:
		return checkRange(int64(v), apperr.InvalidDate)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, apperr.InvalidDate(fmt.Sprintf("non-finite number %v", v))
		}
		return checkRange(int64(v), apperr.InvalidDate)
	case string:
		loc, err := LoadLocation(tz)
		if err != nil {
			return 0, err
		}
		return parseISO(v, loc)
	default:
		return 0, apperr.InvalidDate(fmt.Sprintf("unsupported input type %T", input))
	}
}

func parseISO(s string, loc *time.Location) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, apperr.InvalidDate("empty string")
	}
	for _, layout := range parseLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return checkRange(t.UnixMilli(), apperr.InvalidDate)
		}
	}
	return 0, apperr.InvalidDate(fmt.Sprintf("unparseable date %q", s))
}

func checkRange(ms int64, mkErr func(string) *apperr.Error) (int64, error) {
	if ms > MaxEpochMillis || ms < -MaxEpochMillis {
		return 0, mkErr(fmt.Sprintf("%d out of range", ms))
	}
	return ms, nil
}

// EpochToZonedCalendarTime returns the wall-clock representation of epochMs
// in tz, for display only.
func EpochToZonedCalendarTime(epochMs int64, tz string) (time.Time, error) {
	if _, err := checkRange(epochMs, apperr.InvalidTimestamp); err != nil {
		return time.Time{}, err
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(epochMs).In(loc), nil
}

// AddCalendarDays adds whole calendar days as observed in tz. The wall-clock
// time of day is kept where the zone allows it, so across a DST change the
// elapsed duration is 23 or 25 hours rather than a fixed 24.
func AddCalendarDays(epochMs int64, days int, tz string) (int64, error) {
	if days < 0 {
		return 0, apperr.InvalidInterval(fmt.Sprintf("days must be >= 0, got %d", days))
	}
	// AddDate wraps silently on huge spans.
	if days > MaxDays {
		return 0, apperr.InvalidInterval(fmt.Sprintf("days must be <= %d, got %d", MaxDays, days))
	}
	local, err := EpochToZonedCalendarTime(epochMs, tz)
	if err != nil {
		return 0, err
	}
	if days == 0 {
		return epochMs, nil
	}
	return checkRange(local.AddDate(0, 0, days).UnixMilli(), apperr.InvalidTimestamp)
}

// IsBefore reports whether epochMs lies before the current instant. The zone
// is validated but does not change the comparison of absolute instants.
func IsBefore(epochMs int64, tz string) (bool, error) {
	local, err := EpochToZonedCalendarTime(epochMs, tz)
	if err != nil {
		return false, err
	}
	return local.Before(Now()), nil
}

// IsAfter reports whether epochMs lies after the current instant.
func IsAfter(epochMs int64, tz string) (bool, error) {
	local, err := EpochToZonedCalendarTime(epochMs, tz)
	if err != nil {
		return false, err
	}
	return local.After(Now()), nil
}

// ToISOStringInZone formats epochMs in tz with an explicit offset.
func ToISOStringInZone(epochMs int64, tz string) (string, error) {
	local, err := EpochToZonedCalendarTime(epochMs, tz)
	if err != nil {
		return "", err
	}
	return local.Format(ISOLayout), nil
}

// FormatDate renders the calendar date of epochMs in tz, e.g. "March 4, 2025".
func FormatDate(epochMs int64, tz string) (string, error) {
	local, err := EpochToZonedCalendarTime(epochMs, tz)
	if err != nil {
		return "", err
	}
	return local.Format("January 2, 2006"), nil
}
