package tasks

import (
	"testing"
	"time"

	"github.com/snarg/ecm-engine/internal/database"
)

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return tm.UTC()
}

func TestNextFireInterval(t *testing.T) {
	s := &database.TaskSchedule{ScheduleType: ScheduleInterval, IntervalSeconds: intp(3600), Timezone: "UTC"}
	now := mustTime(t, "2024-03-10T14:23:45Z")
	got, err := NextFire(s, now)
	if err != nil {
		t.Fatal(err)
	}
	want := mustTime(t, "2024-03-10T15:00:00Z")
	if !got.Equal(want) {
		t.Errorf("NextFire = %v, want %v", got, want)
	}
}

func TestNextFireDaily(t *testing.T) {
	tests := []struct {
		name string
		now  string
		at   string
		want string
	}{
		{"later_today", "2024-03-10T08:00:00Z", "14:30", "2024-03-10T14:30:00Z"},
		{"already_passed_goes_tomorrow", "2024-03-10T15:00:00Z", "14:30", "2024-03-11T14:30:00Z"},
		{"exactly_now_goes_tomorrow", "2024-03-10T14:30:00Z", "14:30", "2024-03-11T14:30:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &database.TaskSchedule{ScheduleType: ScheduleDaily, ScheduleTime: strp(tt.at), Timezone: "UTC"}
			got, err := NextFire(s, mustTime(t, tt.now))
			if err != nil {
				t.Fatal(err)
			}
			if want := mustTime(t, tt.want); !got.Equal(want) {
				t.Errorf("NextFire = %v, want %v", got, want)
			}
		})
	}
}

func TestNextFireDailyTimezone(t *testing.T) {
	// 09:00 in New York is 13:00 or 14:00 UTC depending on DST.
	s := &database.TaskSchedule{ScheduleType: ScheduleDaily, ScheduleTime: strp("09:00"), Timezone: "America/New_York"}
	now := mustTime(t, "2024-01-15T00:00:00Z")
	got, err := NextFire(s, now)
	if err != nil {
		t.Fatal(err)
	}
	want := mustTime(t, "2024-01-15T14:00:00Z") // EST = UTC-5
	if !got.Equal(want) {
		t.Errorf("NextFire = %v, want %v", got, want)
	}
}

func TestNextFireWeekly(t *testing.T) {
	// 2024-03-10 is a Sunday (weekday 0).
	s := &database.TaskSchedule{
		ScheduleType: ScheduleWeekly,
		ScheduleTime: strp("06:00"),
		Timezone:     "UTC",
		DaysOfWeek:   []int{1, 3}, // Monday, Wednesday
	}
	got, err := NextFire(s, mustTime(t, "2024-03-10T12:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	want := mustTime(t, "2024-03-11T06:00:00Z")
	if !got.Equal(want) {
		t.Errorf("NextFire = %v, want %v", got, want)
	}

	// After Monday's fire time, the next is Wednesday.
	got, err = NextFire(s, mustTime(t, "2024-03-11T07:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	want = mustTime(t, "2024-03-13T06:00:00Z")
	if !got.Equal(want) {
		t.Errorf("NextFire = %v, want %v", got, want)
	}
}

func TestValidateWeeklyEmptyDaysRejected(t *testing.T) {
	s := &database.TaskSchedule{
		ScheduleType: ScheduleWeekly,
		ScheduleTime: strp("06:00"),
		Timezone:     "UTC",
	}
	if err := ValidateSchedule(s); err == nil {
		t.Error("ValidateSchedule accepted a weekly schedule with empty days_of_week")
	}
}

func TestNextFireBiweekly(t *testing.T) {
	// Created Monday 2024-03-04; anchor week starts 2024-03-04. Fires on
	// Mondays of even-offset weeks: Mar 4, Mar 18, Apr 1...
	s := &database.TaskSchedule{
		ScheduleType: ScheduleBiweekly,
		ScheduleTime: strp("06:00"),
		Timezone:     "UTC",
		DaysOfWeek:   []int{1},
		CreatedAt:    mustTime(t, "2024-03-04T10:00:00Z"),
	}

	got, err := NextFire(s, mustTime(t, "2024-03-05T00:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	want := mustTime(t, "2024-03-18T06:00:00Z") // skips Mar 11 (odd week)
	if !got.Equal(want) {
		t.Errorf("NextFire = %v, want %v", got, want)
	}
}

func TestNextFireMonthly(t *testing.T) {
	tests := []struct {
		name string
		now  string
		dom  int
		want string
	}{
		{"this_month", "2024-03-10T00:00:00Z", 15, "2024-03-15T03:00:00Z"},
		{"next_month", "2024-03-20T00:00:00Z", 15, "2024-04-15T03:00:00Z"},
		{"day_31_skips_february", "2024-01-31T04:00:00Z", 31, "2024-03-31T03:00:00Z"},
		{"last_day_of_february_leap", "2024-02-01T00:00:00Z", -1, "2024-02-29T03:00:00Z"},
		{"day_30_skips_february", "2024-02-01T00:00:00Z", 30, "2024-03-30T03:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &database.TaskSchedule{
				ScheduleType: ScheduleMonthly,
				ScheduleTime: strp("03:00"),
				Timezone:     "UTC",
				DayOfMonth:   intp(tt.dom),
			}
			got, err := NextFire(s, mustTime(t, tt.now))
			if err != nil {
				t.Fatal(err)
			}
			if want := mustTime(t, tt.want); !got.Equal(want) {
				t.Errorf("NextFire = %v, want %v", got, want)
			}
		})
	}
}

func TestNextFireCron(t *testing.T) {
	tests := []struct {
		name string
		expr string
		now  string
		want string
	}{
		{"every_five_minutes", "*/5 * * * *", "2024-03-10T14:02:00Z", "2024-03-10T14:05:00Z"},
		{"daily_at_hour", "0 4 * * *", "2024-03-10T05:00:00Z", "2024-03-11T04:00:00Z"},
		{"hourly_preset", "@hourly", "2024-03-10T14:30:00Z", "2024-03-10T15:00:00Z"},
		{"weekday_restriction", "30 8 * * 1-5", "2024-03-09T00:00:00Z", "2024-03-11T08:30:00Z"}, // Mar 9 is Saturday
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &database.TaskSchedule{ScheduleType: ScheduleCron, CronExpression: strp(tt.expr), Timezone: "UTC"}
			now := mustTime(t, tt.now)
			got, err := NextFire(s, now)
			if err != nil {
				t.Fatal(err)
			}
			if want := mustTime(t, tt.want); !got.Equal(want) {
				t.Errorf("NextFire = %v, want %v", got, want)
			}
			if !got.After(now) {
				t.Errorf("NextFire %v not strictly after now %v", got, now)
			}
		})
	}
}

func TestValidateCron(t *testing.T) {
	bad := []string{"", "not cron", "99 * * * *", "* * * *"}
	for _, expr := range bad {
		e := expr
		s := &database.TaskSchedule{ScheduleType: ScheduleCron, CronExpression: &e, Timezone: "UTC"}
		if err := ValidateSchedule(s); err == nil {
			t.Errorf("ValidateSchedule accepted invalid cron %q", expr)
		}
	}
	good := []string{"*/5 * * * *", "0 0 1 * *", "@daily", "15 14 * * 1-5"}
	for _, expr := range good {
		e := expr
		s := &database.TaskSchedule{ScheduleType: ScheduleCron, CronExpression: &e, Timezone: "UTC"}
		if err := ValidateSchedule(s); err != nil {
			t.Errorf("ValidateSchedule rejected valid cron %q: %v", expr, err)
		}
	}
}

func TestPreviewCron(t *testing.T) {
	times, err := PreviewCron("0 * * * *", mustTime(t, "2024-03-10T13:30:00Z"), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(times) != 3 {
		t.Fatalf("got %d preview times, want 3", len(times))
	}
	want := []string{"2024-03-10T14:00:00Z", "2024-03-10T15:00:00Z", "2024-03-10T16:00:00Z"}
	for i, w := range want {
		if !times[i].Equal(mustTime(t, w)) {
			t.Errorf("preview[%d] = %v, want %v", i, times[i], w)
		}
	}
}

func TestIsoWeekStart(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2024-03-04T15:00:00Z", "2024-03-04T00:00:00Z"}, // Monday maps to itself
		{"2024-03-07T00:00:00Z", "2024-03-04T00:00:00Z"}, // Thursday
		{"2024-03-10T23:59:00Z", "2024-03-04T00:00:00Z"}, // Sunday belongs to preceding Monday
	}
	for _, tt := range tests {
		got := isoWeekStart(mustTime(t, tt.in))
		if want := mustTime(t, tt.want); !got.Equal(want) {
			t.Errorf("isoWeekStart(%s) = %v, want %v", tt.in, got, want)
		}
	}
}
