package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/snarg/ecm-engine/internal/database"
)

// Schedule types.
const (
	ScheduleInterval = "interval"
	ScheduleDaily    = "daily"
	ScheduleWeekly   = "weekly"
	ScheduleBiweekly = "biweekly"
	ScheduleMonthly  = "monthly"
	ScheduleCron     = "cron"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a schedule at store time so the scheduler loop
// never sees an unparseable entry. Returned errors are ValidationError-class.
func ValidateSchedule(s *database.TaskSchedule) error {
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("unknown timezone %q", s.Timezone)
	}
	switch s.ScheduleType {
	case ScheduleInterval:
		if s.IntervalSeconds == nil || *s.IntervalSeconds < 1 {
			return fmt.Errorf("interval schedule requires interval_seconds >= 1")
		}
	case ScheduleDaily:
		if _, _, err := parseHHMM(s.ScheduleTime); err != nil {
			return err
		}
	case ScheduleWeekly, ScheduleBiweekly:
		if _, _, err := parseHHMM(s.ScheduleTime); err != nil {
			return err
		}
		if len(s.DaysOfWeek) == 0 {
			return fmt.Errorf("%s schedule requires a non-empty days_of_week", s.ScheduleType)
		}
		for _, d := range s.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("day_of_week %d out of range 0..6", d)
			}
		}
	case ScheduleMonthly:
		if _, _, err := parseHHMM(s.ScheduleTime); err != nil {
			return err
		}
		if s.DayOfMonth == nil || (*s.DayOfMonth != -1 && (*s.DayOfMonth < 1 || *s.DayOfMonth > 31)) {
			return fmt.Errorf("monthly schedule requires day_of_month 1..31 or -1 for last day")
		}
	case ScheduleCron:
		if s.CronExpression == nil || *s.CronExpression == "" {
			return fmt.Errorf("cron schedule requires cron_expression")
		}
		if _, err := cronParser.Parse(*s.CronExpression); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", *s.CronExpression, err)
		}
	default:
		return fmt.Errorf("unknown schedule_type %q", s.ScheduleType)
	}
	return nil
}

// NextFire computes the next fire time in UTC, strictly after now.
func NextFire(s *database.TaskSchedule, now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)

	switch s.ScheduleType {
	case ScheduleInterval:
		if s.IntervalSeconds == nil || *s.IntervalSeconds < 1 {
			return time.Time{}, fmt.Errorf("interval schedule requires interval_seconds")
		}
		iv := time.Duration(*s.IntervalSeconds) * time.Second
		return now.Truncate(iv).Add(iv).UTC(), nil

	case ScheduleDaily:
		h, m, err := parseHHMM(s.ScheduleTime)
		if err != nil {
			return time.Time{}, err
		}
		cand := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
		if !cand.After(local) {
			cand = cand.AddDate(0, 0, 1)
		}
		return cand.UTC(), nil

	case ScheduleWeekly:
		return nextWeekday(s, local, loc, nil)

	case ScheduleBiweekly:
		anchor := isoWeekStart(s.CreatedAt.In(loc))
		return nextWeekday(s, local, loc, &anchor)

	case ScheduleMonthly:
		h, m, err := parseHHMM(s.ScheduleTime)
		if err != nil {
			return time.Time{}, err
		}
		if s.DayOfMonth == nil {
			return time.Time{}, fmt.Errorf("monthly schedule requires day_of_month")
		}
		dom := *s.DayOfMonth
		for add := 0; add < 48; add++ {
			first := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, add, 0)
			day := dom
			last := daysInMonth(first.Year(), first.Month())
			if dom == -1 {
				day = last
			} else if dom > last {
				continue // month has no such day; skip to next valid month
			}
			cand := time.Date(first.Year(), first.Month(), day, h, m, 0, 0, loc)
			if cand.After(local) {
				return cand.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("no valid monthly fire time found")

	case ScheduleCron:
		if s.CronExpression == nil {
			return time.Time{}, fmt.Errorf("cron schedule requires cron_expression")
		}
		sched, err := cronParser.Parse(*s.CronExpression)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(local).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule_type %q", s.ScheduleType)
}

// nextWeekday walks forward day by day (four weeks covers every biweekly
// case) to the next enabled weekday at HH:MM. With an anchor, only weeks an
// even number of ISO weeks from the anchor week qualify.
func nextWeekday(s *database.TaskSchedule, local time.Time, loc *time.Location, anchor *time.Time) (time.Time, error) {
	h, m, err := parseHHMM(s.ScheduleTime)
	if err != nil {
		return time.Time{}, err
	}
	days := make(map[int]bool, len(s.DaysOfWeek))
	for _, d := range s.DaysOfWeek {
		days[d] = true
	}
	if len(days) == 0 {
		return time.Time{}, fmt.Errorf("empty days_of_week")
	}

	for add := 0; add <= 28; add++ {
		day := local.AddDate(0, 0, add)
		if !days[int(day.Weekday())] {
			continue
		}
		cand := time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, loc)
		if !cand.After(local) {
			continue
		}
		if anchor != nil {
			weeks := int(isoWeekStart(cand).Sub(*anchor).Hours() / (24 * 7))
			if weeks%2 != 0 {
				continue
			}
		}
		return cand.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("no valid fire time within four weeks")
}

// isoWeekStart truncates to the Monday 00:00 of t's ISO week.
func isoWeekStart(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	wd := int(day.Weekday())
	if wd == 0 {
		wd = 7 // Sunday belongs to the preceding Monday's week
	}
	return day.AddDate(0, 0, -(wd - 1))
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func parseHHMM(s *string) (int, int, error) {
	if s == nil || *s == "" {
		return 0, 0, fmt.Errorf("schedule requires schedule_time (HH:MM)")
	}
	var h, m int
	if _, err := fmt.Sscanf(*s, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("invalid schedule_time %q: want HH:MM", *s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("schedule_time %q out of range", *s)
	}
	return h, m, nil
}

// PreviewCron returns the next n fire times of a cron expression, for the
// schedule editor's preview.
func PreviewCron(expr string, now time.Time, n int) ([]time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, 0, n)
	t := now
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		times = append(times, t.UTC())
	}
	return times, nil
}

// DescribeCron renders a best-effort human description of a five-field cron
// expression or descriptor.
func DescribeCron(expr string) string {
	switch strings.TrimSpace(expr) {
	case "@hourly":
		return "every hour, on the hour"
	case "@daily", "@midnight":
		return "every day at midnight"
	case "@weekly":
		return "every Sunday at midnight"
	case "@monthly":
		return "on the first of every month at midnight"
	case "@yearly", "@annually":
		return "every January 1st at midnight"
	}
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return expr
	}
	min, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]
	var parts []string
	switch {
	case min == "*" && hour == "*":
		parts = append(parts, "every minute")
	case strings.HasPrefix(min, "*/") && hour == "*":
		parts = append(parts, fmt.Sprintf("every %s minutes", min[2:]))
	case hour == "*":
		parts = append(parts, fmt.Sprintf("at minute %s of every hour", min))
	default:
		parts = append(parts, fmt.Sprintf("at %s:%s", pad2(hour), pad2(min)))
	}
	if dom != "*" {
		parts = append(parts, fmt.Sprintf("on day %s of the month", dom))
	}
	if month != "*" {
		parts = append(parts, fmt.Sprintf("in month %s", month))
	}
	if dow != "*" {
		parts = append(parts, fmt.Sprintf("on weekday %s", dow))
	}
	return strings.Join(parts, ", ")
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
