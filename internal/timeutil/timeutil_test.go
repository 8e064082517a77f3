package timeutil

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FollowUp/internal/apperr"
)

func mustMillis(t *testing.T, s string) int64 {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts.UnixMilli()
}

func TestToEpochMillis(t *testing.T) {
	ref := time.Date(2025, 3, 4, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		input   any
		want    int64
		wantErr bool
	}{
		{name: "time value", input: ref, want: ref.UnixMilli()},
		{name: "int64", input: ref.UnixMilli(), want: ref.UnixMilli()},
		{name: "float", input: float64(ref.UnixMilli()), want: ref.UnixMilli()},
		{name: "rfc3339 with offset", input: "2025-03-04T07:30:00-05:00", want: ref.UnixMilli()},
		{name: "rfc3339 utc", input: "2025-03-04T12:30:00Z", want: ref.UnixMilli()},
		{name: "date only", input: "2025-03-04", want: time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC).UnixMilli()},
		{name: "garbage", input: "next tuesday", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "nan", input: math.NaN(), wantErr: true},
		{name: "inf", input: math.Inf(1), wantErr: true},
		{name: "unsupported type", input: []byte("x"), wantErr: true},
		{name: "zero time", input: time.Time{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToEpochMillis(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, apperr.ErrInvalidDate))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToEpochMillisIn(t *testing.T) {
	tests := []struct {
		name  string
		input any
		tz    string
		want  string
	}{
		{name: "wall clock in zone", input: "2025-03-01T10:00:00", tz: "America/New_York", want: "2025-03-01T15:00:00Z"},
		{name: "date only in zone", input: "2025-03-01", tz: "Asia/Kolkata", want: "2025-02-28T18:30:00Z"},
		{name: "space separated in zone", input: "2025-07-01 09:00:00", tz: "Europe/London", want: "2025-07-01T08:00:00Z"},
		{name: "explicit offset ignores zone", input: "2025-03-01T10:00:00Z", tz: "America/New_York", want: "2025-03-01T10:00:00Z"},
		{name: "empty zone is utc", input: "2025-03-01T10:00:00", tz: "", want: "2025-03-01T10:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToEpochMillisIn(tt.input, tt.tz)
			require.NoError(t, err)
			assert.Equal(t, mustMillis(t, tt.want), got)
		})
	}

	_, err := ToEpochMillisIn("2025-03-01", "Not/AZone")
	assert.True(t, errors.Is(err, apperr.ErrInvalidTimezone))
}

func TestEpochToZonedCalendarTime(t *testing.T) {
	ms := mustMillis(t, "2025-07-01T16:00:00Z")

	local, err := EpochToZonedCalendarTime(ms, "Asia/Kolkata")
	require.NoError(t, err)
	assert.Equal(t, 21, local.Hour())
	assert.Equal(t, 30, local.Minute())
	assert.Equal(t, ms, local.UnixMilli())

	_, err = EpochToZonedCalendarTime(MaxEpochMillis+1, "UTC")
	assert.True(t, errors.Is(err, apperr.ErrInvalidTimestamp))

	_, err = EpochToZonedCalendarTime(ms, "Mars/Olympus_Mons")
	assert.True(t, errors.Is(err, apperr.ErrInvalidTimezone))
}

func TestAddCalendarDays_ZeroIsIdentity(t *testing.T) {
	ms := mustMillis(t, "2025-03-09T06:30:00Z")
	for _, tz := range []string{"UTC", "America/New_York", "Europe/London", "Australia/Lord_Howe"} {
		got, err := AddCalendarDays(ms, 0, tz)
		require.NoError(t, err)
		assert.Equal(t, ms, got, tz)
	}
}

func TestAddCalendarDays_AcrossDST(t *testing.T) {
	tests := []struct {
		name      string
		start     string
		days      int
		tz        string
		wantDelta time.Duration
		wantLocal string
	}{
		{
			name:      "spring forward new york",
			start:     "2025-03-08T15:00:00Z",
			days:      1,
			tz:        "America/New_York",
			wantDelta: 23 * time.Hour,
			wantLocal: "2025-03-09T10:00:00.000-04:00",
		},
		{
			name:      "fall back new york",
			start:     "2025-11-01T14:00:00Z",
			days:      1,
			tz:        "America/New_York",
			wantDelta: 25 * time.Hour,
			wantLocal: "2025-11-02T10:00:00.000-05:00",
		},
		{
			name:      "week across spring forward",
			start:     "2025-03-05T15:00:00Z",
			days:      7,
			tz:        "America/New_York",
			wantDelta: 7*24*time.Hour - time.Hour,
			wantLocal: "2025-03-12T10:00:00.000-04:00",
		},
		{
			name:      "utc has no transitions",
			start:     "2025-03-08T15:00:00Z",
			days:      3,
			tz:        "UTC",
			wantDelta: 72 * time.Hour,
			wantLocal: "2025-03-11T15:00:00.000+00:00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := mustMillis(t, tt.start)

			got, err := AddCalendarDays(start, tt.days, tt.tz)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDelta.Milliseconds(), got-start)

			iso, err := ToISOStringInZone(got, tt.tz)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLocal, iso)

			before, _ := EpochToZonedCalendarTime(start, tt.tz)
			after, _ := EpochToZonedCalendarTime(got, tt.tz)
			y, m, d := before.AddDate(0, 0, tt.days).Date()
			ay, am, ad := after.Date()
			assert.Equal(t, []int{y, int(m), d}, []int{ay, int(am), ad})
		})
	}
}

func TestAddCalendarDays_Rejects(t *testing.T) {
	ms := mustMillis(t, "2025-03-03T09:00:00Z")

	tests := []struct {
		name    string
		days    int
		tz      string
		wantErr error
	}{
		{name: "negative", days: -1, tz: "UTC", wantErr: apperr.ErrInvalidInterval},
		{name: "unknown zone", days: 1, tz: "Not/AZone", wantErr: apperr.ErrInvalidTimezone},
		{name: "one past the cap", days: MaxDays + 1, tz: "UTC", wantErr: apperr.ErrInvalidInterval},
		{name: "wraps time range", days: 1 << 55, tz: "America/New_York", wantErr: apperr.ErrInvalidInterval},
		{name: "max int", days: math.MaxInt, tz: "UTC", wantErr: apperr.ErrInvalidInterval},
		{name: "cap lands past the range", days: MaxDays, tz: "UTC", wantErr: apperr.ErrInvalidTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AddCalendarDays(ms, tt.days, tt.tz)
			assert.True(t, errors.Is(err, tt.wantErr), "got %d, %v", got, err)
			assert.Zero(t, got)
		})
	}
}

func TestAddCalendarDays_LargeSpanStaysAhead(t *testing.T) {
	ms := mustMillis(t, "2025-03-03T09:00:00Z")

	got, err := AddCalendarDays(ms, 1_000_000, "UTC")
	require.NoError(t, err)
	assert.Equal(t, ms+1_000_000*24*time.Hour.Milliseconds(), got)

	zoned, err := AddCalendarDays(ms, 1_000_000, "America/New_York")
	require.NoError(t, err)
	assert.InDelta(t, got, zoned, float64(time.Hour.Milliseconds()))
}

func TestIsBeforeIsAfter(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	orig := Now
	Now = func() time.Time { return fixed }
	t.Cleanup(func() { Now = orig })

	past := fixed.Add(-time.Minute).UnixMilli()
	future := fixed.Add(time.Minute).UnixMilli()

	b, err := IsBefore(past, "Europe/Berlin")
	require.NoError(t, err)
	assert.True(t, b)

	a, err := IsAfter(future, "Europe/Berlin")
	require.NoError(t, err)
	assert.True(t, a)

	a, err = IsAfter(past, "UTC")
	require.NoError(t, err)
	assert.False(t, a)

	_, err = IsBefore(past, "bogus")
	assert.Error(t, err)
}

func TestFormatDate(t *testing.T) {
	// 02:00 UTC on the 5th is still the 4th in Los Angeles.
	ms := mustMillis(t, "2025-03-05T02:00:00Z")

	got, err := FormatDate(ms, "America/Los_Angeles")
	require.NoError(t, err)
	assert.Equal(t, "March 4, 2025", got)
}
