package recurrence

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q) error = %v", name, err)
	}
	return loc
}

// Scenario A — Daily rule fires once.
func TestNextRunAt_ScenarioA_DailyLosAngeles(t *testing.T) {
	loc := mustLoc(t, "America/Los_Angeles")
	schedule := Schedule{
		Type:             Daily,
		TimeZone:         "America/Los_Angeles",
		LocalTimeMinutes: 9 * 60,
	}
	anchor := time.Date(2026, 2, 21, 10, 0, 0, 0, loc)

	got, err := NextRunAt(schedule, anchor)
	if err != nil {
		t.Fatalf("NextRunAt() error = %v", err)
	}

	want := time.Date(2026, 2, 22, 17, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextRunAt() = %v, want %v", got, want)
	}

	advanced, err := NextRunAt(schedule, got)
	if err != nil {
		t.Fatalf("second NextRunAt() error = %v", err)
	}
	wantAdvanced := time.Date(2026, 2, 23, 17, 0, 0, 0, time.UTC)
	if !advanced.Equal(wantAdvanced) {
		t.Fatalf("advanced NextRunAt() = %v, want %v", advanced, wantAdvanced)
	}
}

// Scenario B — DST spring-forward.
func TestNextRunAt_ScenarioB_DSTSpringForward(t *testing.T) {
	loc := mustLoc(t, "America/New_York")
	schedule := Schedule{
		Type:             Daily,
		TimeZone:         "America/New_York",
		LocalTimeMinutes: 2*60 + 30,
	}
	anchor := time.Date(2026, 3, 7, 3, 0, 0, 0, loc)

	got, err := NextRunAt(schedule, anchor)
	if err != nil {
		t.Fatalf("NextRunAt() error = %v", err)
	}

	want := time.Date(2026, 3, 8, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextRunAt() = %v, want %v", got, want)
	}

	// No duplicate for the 03:30 instant on the same day.
	second, err := NextRunAt(schedule, got)
	if err != nil {
		t.Fatalf("second NextRunAt() error = %v", err)
	}
	if second.Equal(got) {
		t.Fatalf("expected a distinct next occurrence, got the same instant twice")
	}
	if second.Before(got.Add(23 * time.Hour)) {
		t.Fatalf("expected next occurrence at least 23h later, got %v", second.Sub(got))
	}
}

func TestNextRunAt_DSTFallBackUsesEarlierOccurrence(t *testing.T) {
	loc := mustLoc(t, "America/New_York")
	// 2026-11-01 is the fall-back date; 01:30 local occurs twice.
	schedule := Schedule{
		Type:             Daily,
		TimeZone:         "America/New_York",
		LocalTimeMinutes: 1*60 + 30,
	}
	anchor := time.Date(2026, 10, 31, 12, 0, 0, 0, loc)

	got, err := NextRunAt(schedule, anchor)
	if err != nil {
		t.Fatalf("NextRunAt() error = %v", err)
	}

	// EDT (UTC-4) is in effect at local midnight on Nov 1, so the earlier
	// occurrence of the ambiguous 01:30 resolves to 05:30 UTC.
	want := time.Date(2026, 11, 1, 5, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextRunAt() = %v, want %v", got, want)
	}
}

func TestNextRunAt_IsAlwaysStrictlyAfterAnchor(t *testing.T) {
	loc := mustLoc(t, "America/Los_Angeles")
	schedules := []Schedule{
		{Type: Daily, TimeZone: "America/Los_Angeles", LocalTimeMinutes: 0},
		{Type: Weekly, TimeZone: "America/Los_Angeles", LocalTimeMinutes: 12 * 60, Weekday: 3},
		{Type: Monthly, TimeZone: "America/Los_Angeles", LocalTimeMinutes: 18 * 60, Day: 31},
		{Type: Annually, TimeZone: "America/Los_Angeles", LocalTimeMinutes: 6 * 60, Month: 2, Day: 29},
	}
	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, loc)

	for _, s := range schedules {
		got, err := NextRunAt(s, anchor)
		if err != nil {
			t.Fatalf("NextRunAt(%+v) error = %v", s, err)
		}
		if !got.After(anchor) {
			t.Errorf("NextRunAt(%+v) = %v, want strictly after %v", s, got, anchor)
		}
	}
}

func TestNextRunAt_MonthlySkipsShortMonths(t *testing.T) {
	loc := mustLoc(t, "America/Los_Angeles")
	schedule := Schedule{
		Type:             Monthly,
		TimeZone:         "America/Los_Angeles",
		LocalTimeMinutes: 9 * 60,
		Day:              31,
	}
	// January 31 has just fired; February has no 31st, so the next
	// occurrence must be March 31, not Feb 28.
	anchor := time.Date(2026, 1, 31, 9, 0, 0, 0, loc)

	got, err := NextRunAt(schedule, anchor)
	if err != nil {
		t.Fatalf("NextRunAt() error = %v", err)
	}
	if got.In(loc).Month() != time.March || got.In(loc).Day() != 31 {
		t.Fatalf("NextRunAt() = %v, want March 31", got.In(loc))
	}
}

func TestNextRunAt_AnnuallyLeapDaySkipsToNextLeapYear(t *testing.T) {
	loc := mustLoc(t, "UTC")
	schedule := Schedule{
		Type:             Annually,
		TimeZone:         "UTC",
		LocalTimeMinutes: 0,
		Month:            2,
		Day:              29,
	}
	anchor := time.Date(2024, 2, 29, 1, 0, 0, 0, loc)

	got, err := NextRunAt(schedule, anchor)
	if err != nil {
		t.Fatalf("NextRunAt() error = %v", err)
	}
	if got.Year() != 2028 || got.Month() != time.February || got.Day() != 29 {
		t.Fatalf("NextRunAt() = %v, want 2028-02-29", got)
	}
}

func TestValidateRejectsOutOfRangeFields(t *testing.T) {
	tests := []Schedule{
		{Type: Daily, TimeZone: "America/Los_Angeles", LocalTimeMinutes: 1440},
		{Type: Weekly, TimeZone: "America/Los_Angeles", LocalTimeMinutes: 0, Weekday: 8},
		{Type: Monthly, TimeZone: "America/Los_Angeles", LocalTimeMinutes: 0, Day: 32},
		{Type: Annually, TimeZone: "America/Los_Angeles", LocalTimeMinutes: 0, Month: 13, Day: 1},
		{Type: Daily, TimeZone: "Not/A/Zone", LocalTimeMinutes: 0},
	}
	for _, s := range tests {
		if err := s.Validate(); err == nil {
			t.Errorf("Validate(%+v) expected error, got nil", s)
		}
	}
}

func TestCoalesceMissedCollapsesToMostRecentOccurrence(t *testing.T) {
	loc := mustLoc(t, "UTC")
	schedule := Schedule{
		Type:             Daily,
		TimeZone:         "UTC",
		LocalTimeMinutes: 9 * 60,
	}
	stale := time.Date(2026, 1, 1, 9, 0, 0, 0, loc)
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, loc)

	got, err := CoalesceMissed(schedule, stale, now)
	if err != nil {
		t.Fatalf("CoalesceMissed() error = %v", err)
	}

	want := time.Date(2026, 1, 10, 9, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("CoalesceMissed() = %v, want %v", got, want)
	}
}

func TestCoalesceMissedNoOutageReturnsStale(t *testing.T) {
	loc := mustLoc(t, "UTC")
	schedule := Schedule{
		Type:             Daily,
		TimeZone:         "UTC",
		LocalTimeMinutes: 9 * 60,
	}
	stale := time.Date(2026, 1, 1, 9, 0, 0, 0, loc)
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, loc)

	got, err := CoalesceMissed(schedule, stale, now)
	if err != nil {
		t.Fatalf("CoalesceMissed() error = %v", err)
	}
	if !got.Equal(stale) {
		t.Fatalf("CoalesceMissed() = %v, want unchanged %v", got, stale)
	}
}
