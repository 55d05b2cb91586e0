// ============================================================================
// heimdall Schedule - weekly window resolution
// ============================================================================
//
// Package: internal/schedule
// File: schedule.go
// Purpose: Resolves weekly-recurring open periods into absolute time ranges
//          for the week containing "now", and decides whether a user is open.
//
// Week model:
//   A week starts on Sunday 00:00:00 local time. Every Instant is resolved by
//   adding its weekday (in calendar days) to the start of the week and then
//   setting hour and minute; seconds and nanoseconds are always zero.
//
//   Sun 00:00                         Wed 14:45   Wed 15:00            Sat 23:59
//   |---------------------------------[===========)----------------------------|
//                                     start (in)  end (out)
//
// Validity:
//   A period is valid when both instants are in range and end is strictly
//   after start within the same week. Periods never span the week boundary.
//   Invalid periods are rejected when the config is written, so the matching
//   functions below assume valid input and do no checking of their own.
//
// ============================================================================

package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/brianduff/heimdall/pkg/types"
)

// ErrInvalidPeriod is wrapped by every schedule validation failure.
var ErrInvalidPeriod = errors.New("invalid open period")

// ValidationError describes which period of a schedule failed validation.
type ValidationError struct {
	Index  int // position in Schedule.OpenPeriods, -1 for a lone period
	Period types.OpenPeriod
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: %s", ErrInvalidPeriod, e.Reason)
	}
	return fmt.Sprintf("%v #%d (%s - %s): %s", ErrInvalidPeriod, e.Index, e.Period.Start, e.Period.End, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPeriod
}

// ============================================================================
// Resolution
// ============================================================================

// StartOfWeek returns the most recent Sunday at 00:00:00 in now's location.
func StartOfWeek(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d-int(now.Weekday()), 0, 0, 0, 0, now.Location())
}

// Resolve places an Instant in the week starting at startOfWeek.
func Resolve(startOfWeek time.Time, i types.Instant) time.Time {
	y, m, d := startOfWeek.Date()
	return time.Date(y, m, d+int(i.Weekday), int(i.Hour), int(i.Minute), 0, 0, startOfWeek.Location())
}

// Window returns the absolute [start, end) range of p in the week of now.
func Window(now time.Time, p types.OpenPeriod) (time.Time, time.Time) {
	sow := StartOfWeek(now)
	return Resolve(sow, p.Start), Resolve(sow, p.End)
}

// Active reports whether now falls inside p. End is exclusive.
func Active(now time.Time, p types.OpenPeriod) bool {
	start, end := Window(now, p)
	return !now.Before(start) && now.Before(end)
}

// FindMaxOpenPeriod returns the longest period active at now. The choice only
// matters for reporting which note applies; whether a user is open at all is
// decided by IsOpen.
func FindMaxOpenPeriod(now time.Time, s types.Schedule) (*types.OpenPeriod, bool) {
	var (
		best    *types.OpenPeriod
		bestDur time.Duration
	)
	for i := range s.OpenPeriods {
		p := &s.OpenPeriods[i]
		start, end := Window(now, *p)
		if now.Before(start) || !now.Before(end) {
			continue
		}
		if d := end.Sub(start); best == nil || d > bestDur {
			best, bestDur = p, d
		}
	}
	return best, best != nil
}

// IsOpen reports whether at least one period of s is active at now.
func IsOpen(now time.Time, s types.Schedule) bool {
	for _, p := range s.OpenPeriods {
		if Active(now, p) {
			return true
		}
	}
	return false
}

// NextTransition returns the first boundary after now at which IsOpen changes
// value. Boundaries of this week and the next are considered, which covers
// every schedule because periods never cross the week boundary. ok is false
// for an empty schedule.
func NextTransition(now time.Time, s types.Schedule) (at time.Time, ok bool) {
	if len(s.OpenPeriods) == 0 {
		return time.Time{}, false
	}

	sow := StartOfWeek(now)
	next := sow.AddDate(0, 0, 7)

	var candidates []time.Time
	for _, week := range []time.Time{sow, next} {
		for _, p := range s.OpenPeriods {
			for _, i := range []types.Instant{p.Start, p.End} {
				if t := Resolve(week, i); t.After(now) {
					candidates = append(candidates, t)
				}
			}
		}
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].Before(candidates[b]) })

	open := IsOpen(now, s)
	for _, t := range candidates {
		if IsOpen(t, s) != open {
			return t, true
		}
	}
	return time.Time{}, false
}

// ============================================================================
// Validation
// ============================================================================

// minuteOfWeek orders instants within a week.
func minuteOfWeek(i types.Instant) int {
	return (int(i.Weekday)*24+int(i.Hour))*60 + int(i.Minute)
}

// ValidateInstant checks the field ranges of i.
func ValidateInstant(i types.Instant) error {
	switch {
	case i.Weekday > 6:
		return fmt.Errorf("weekday %d out of range 0-6", i.Weekday)
	case i.Hour > 23:
		return fmt.Errorf("hour %d out of range 0-23", i.Hour)
	case i.Minute > 59:
		return fmt.Errorf("minute %d out of range 0-59", i.Minute)
	}
	return nil
}

// ValidatePeriod checks a single period.
func ValidatePeriod(p types.OpenPeriod) error {
	return validatePeriod(-1, p)
}

func validatePeriod(idx int, p types.OpenPeriod) error {
	if err := ValidateInstant(p.Start); err != nil {
		return &ValidationError{Index: idx, Period: p, Reason: "start: " + err.Error()}
	}
	if err := ValidateInstant(p.End); err != nil {
		return &ValidationError{Index: idx, Period: p, Reason: "end: " + err.Error()}
	}
	if minuteOfWeek(p.End) <= minuteOfWeek(p.Start) {
		return &ValidationError{Index: idx, Period: p, Reason: "end must be after start within the same week"}
	}
	return nil
}

// Validate checks every period of s and returns the first failure.
func Validate(s types.Schedule) error {
	for i, p := range s.OpenPeriods {
		if err := validatePeriod(i, p); err != nil {
			return err
		}
	}
	return nil
}

// Sanitize returns s without its invalid periods, plus one error per period
// dropped. Order of the remaining periods is kept.
func Sanitize(s types.Schedule) (types.Schedule, []error) {
	var errs []error
	valid := make([]types.OpenPeriod, 0, len(s.OpenPeriods))
	for i, p := range s.OpenPeriods {
		if err := validatePeriod(i, p); err != nil {
			errs = append(errs, err)
			continue
		}
		valid = append(valid, p)
	}
	if errs == nil {
		return s, nil
	}
	return types.Schedule{OpenPeriods: valid}, errs
}
