package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/brianduff/heimdall/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func period(start, end [3]uint8) types.OpenPeriod {
	return types.OpenPeriod{
		Start: types.Instant{Weekday: start[0], Hour: start[1], Minute: start[2]},
		End:   types.Instant{Weekday: end[0], Hour: end[1], Minute: end[2]},
	}
}

func scheduleOf(periods ...types.OpenPeriod) types.Schedule {
	return types.Schedule{OpenPeriods: periods}
}

// 2020-01-01 is a Wednesday.
func wed(hour, minute int) time.Time {
	return time.Date(2020, 1, 1, hour, minute, 0, 0, time.UTC)
}

// ============================================================================
// Resolution Tests
// ============================================================================

func TestStartOfWeek(t *testing.T) {
	now := time.Date(2020, 1, 1, 14, 30, 12, 999, time.UTC)
	sow := StartOfWeek(now)

	assert.Equal(t, time.Date(2019, 12, 29, 0, 0, 0, 0, time.UTC), sow)
	assert.Equal(t, time.Sunday, sow.Weekday())
}

func TestStartOfWeekOnSunday(t *testing.T) {
	now := time.Date(2019, 12, 29, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now, StartOfWeek(now), "Sunday midnight is its own start of week")

	late := time.Date(2019, 12, 29, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, now, StartOfWeek(late))
}

func TestStartOfWeekKeepsLocation(t *testing.T) {
	zone := time.FixedZone("UTC+9", 9*3600)
	now := time.Date(2020, 1, 1, 3, 0, 0, 0, zone)

	sow := StartOfWeek(now)
	assert.Equal(t, zone, sow.Location())
	assert.Equal(t, 0, sow.Hour())
}

// TestResolveRoundTrip checks every Instant of the week.
func TestResolveRoundTrip(t *testing.T) {
	sow := StartOfWeek(wed(12, 0))

	for wd := uint8(0); wd <= 6; wd++ {
		for h := uint8(0); h <= 23; h++ {
			for m := uint8(0); m <= 59; m++ {
				i := types.Instant{Weekday: wd, Hour: h, Minute: m}
				got := Resolve(sow, i)

				if int(got.Weekday()) != int(wd) || got.Hour() != int(h) || got.Minute() != int(m) {
					t.Fatalf("Resolve(%v) = %v", i, got)
				}
				if got.Second() != 0 || got.Nanosecond() != 0 {
					t.Fatalf("Resolve(%v) has non-zero seconds: %v", i, got)
				}
			}
		}
	}
}

func TestResolveAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}

	// Clocks spring forward on Sunday 2020-03-08.
	now := time.Date(2020, 3, 10, 12, 0, 0, 0, loc)
	sow := StartOfWeek(now)
	require.Equal(t, time.Date(2020, 3, 8, 0, 0, 0, 0, loc), sow)

	got := Resolve(sow, types.Instant{Weekday: 1, Hour: 9, Minute: 0})
	assert.Equal(t, time.Date(2020, 3, 9, 9, 0, 0, 0, loc), got)
}

// ============================================================================
// Matching Tests
// ============================================================================

func TestIsOpenWednesdayWindow(t *testing.T) {
	s := scheduleOf(period([3]uint8{3, 14, 45}, [3]uint8{3, 15, 0}))

	testCases := []struct {
		name string
		now  time.Time
		open bool
	}{
		{"before start", wed(14, 30), false},
		{"at start", wed(14, 45), true},
		{"inside", wed(14, 59), true},
		{"at end", wed(15, 0), false},
		{"day before", wed(14, 50).AddDate(0, 0, -1), false},
		{"week after", wed(14, 50).AddDate(0, 0, 7), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.open, IsOpen(tc.now, s))
			_, found := FindMaxOpenPeriod(tc.now, s)
			assert.Equal(t, tc.open, found)
		})
	}
}

func TestIsOpenIsIdempotent(t *testing.T) {
	s := scheduleOf(
		period([3]uint8{1, 8, 0}, [3]uint8{1, 17, 0}),
		period([3]uint8{3, 14, 45}, [3]uint8{3, 15, 0}),
	)
	now := wed(14, 50)

	first := IsOpen(now, s)
	second := IsOpen(now, s)
	assert.Equal(t, first, second)
	assert.True(t, first)
}

func TestEmptyScheduleIsLocked(t *testing.T) {
	assert.False(t, IsOpen(wed(12, 0), types.Schedule{}))

	_, found := FindMaxOpenPeriod(wed(12, 0), types.Schedule{})
	assert.False(t, found)
}

func TestFindMaxOpenPeriodPrefersLongest(t *testing.T) {
	short := period([3]uint8{3, 14, 0}, [3]uint8{3, 15, 0})
	short.Note = "short"
	long := period([3]uint8{3, 9, 0}, [3]uint8{3, 18, 0})
	long.Note = "long"
	other := period([3]uint8{4, 9, 0}, [3]uint8{4, 18, 0})
	other.Note = "thursday"

	p, ok := FindMaxOpenPeriod(wed(14, 30), scheduleOf(short, other, long))
	require.True(t, ok)
	assert.Equal(t, "long", p.Note)

	p, ok = FindMaxOpenPeriod(wed(10, 0), scheduleOf(short, other, long))
	require.True(t, ok)
	assert.Equal(t, "long", p.Note)
}

func TestFindMaxOpenPeriodTieKeepsFirst(t *testing.T) {
	a := period([3]uint8{3, 14, 0}, [3]uint8{3, 15, 0})
	a.Note = "a"
	b := period([3]uint8{3, 14, 30}, [3]uint8{3, 15, 30})
	b.Note = "b"

	p, ok := FindMaxOpenPeriod(wed(14, 45), scheduleOf(a, b))
	require.True(t, ok)
	assert.Equal(t, "a", p.Note)
}

func TestNextTransition(t *testing.T) {
	s := scheduleOf(period([3]uint8{3, 14, 45}, [3]uint8{3, 15, 0}))

	at, ok := NextTransition(wed(14, 30), s)
	require.True(t, ok)
	assert.Equal(t, wed(14, 45), at, "locked user opens at start")

	at, ok = NextTransition(wed(14, 50), s)
	require.True(t, ok)
	assert.Equal(t, wed(15, 0), at, "open user locks at end")

	at, ok = NextTransition(wed(16, 0), s)
	require.True(t, ok)
	assert.Equal(t, wed(14, 45).AddDate(0, 0, 7), at, "next open is next week")
}

func TestNextTransitionAdjacentPeriods(t *testing.T) {
	s := scheduleOf(
		period([3]uint8{3, 14, 0}, [3]uint8{3, 15, 0}),
		period([3]uint8{3, 15, 0}, [3]uint8{3, 16, 0}),
	)

	at, ok := NextTransition(wed(14, 30), s)
	require.True(t, ok)
	assert.Equal(t, wed(16, 0), at, "a back-to-back boundary is not a transition")
}

func TestNextTransitionEmpty(t *testing.T) {
	_, ok := NextTransition(wed(12, 0), types.Schedule{})
	assert.False(t, ok)
}

// ============================================================================
// Validation Tests
// ============================================================================

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		period  types.OpenPeriod
		wantErr bool
	}{
		{"valid same day", period([3]uint8{3, 14, 45}, [3]uint8{3, 15, 0}), false},
		{"valid across days", period([3]uint8{1, 22, 0}, [3]uint8{2, 6, 0}), false},
		{"whole week", period([3]uint8{0, 0, 0}, [3]uint8{6, 23, 59}), false},
		{"end equals start", period([3]uint8{3, 15, 0}, [3]uint8{3, 15, 0}), true},
		{"end before start", period([3]uint8{3, 15, 0}, [3]uint8{3, 14, 0}), true},
		{"wraps the week", period([3]uint8{6, 22, 0}, [3]uint8{0, 2, 0}), true},
		{"weekday out of range", period([3]uint8{7, 0, 0}, [3]uint8{7, 1, 0}), true},
		{"hour out of range", period([3]uint8{1, 24, 0}, [3]uint8{2, 1, 0}), true},
		{"minute out of range", period([3]uint8{1, 1, 0}, [3]uint8{1, 1, 60}), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(scheduleOf(tc.period))
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPeriod))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, 0, verr.Index)
		})
	}
}

func TestValidateReportsIndex(t *testing.T) {
	s := scheduleOf(
		period([3]uint8{1, 8, 0}, [3]uint8{1, 9, 0}),
		period([3]uint8{2, 9, 0}, [3]uint8{2, 8, 0}),
	)

	var verr *ValidationError
	require.ErrorAs(t, Validate(s), &verr)
	assert.Equal(t, 1, verr.Index)
	assert.Contains(t, verr.Error(), "#1")
}

func TestValidatePeriodStandalone(t *testing.T) {
	err := ValidatePeriod(period([3]uint8{3, 15, 0}, [3]uint8{3, 14, 0}))
	require.ErrorIs(t, err, ErrInvalidPeriod)
	assert.NotContains(t, err.Error(), "#")
}

func TestSanitizeDropsOnlyInvalidPeriods(t *testing.T) {
	good := period([3]uint8{1, 8, 0}, [3]uint8{1, 9, 0})
	s := scheduleOf(
		period([3]uint8{3, 10, 0}, [3]uint8{3, 30, 0}), // hour out of range
		good,
		period([3]uint8{2, 9, 0}, [3]uint8{2, 8, 0}), // end before start
	)

	clean, errs := Sanitize(s)
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrInvalidPeriod)
	}
	assert.Equal(t, []types.OpenPeriod{good}, clean.OpenPeriods)
	assert.Len(t, s.OpenPeriods, 3, "input is not modified")
}

func TestSanitizeValidScheduleUnchanged(t *testing.T) {
	s := scheduleOf(period([3]uint8{1, 8, 0}, [3]uint8{1, 9, 0}))
	clean, errs := Sanitize(s)
	assert.Empty(t, errs)
	assert.Equal(t, s, clean)
}
