package xmltv

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return tm
}

func TestGenerateNoPatternsSingle24HourProgramme(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	profiles := []Profile{{
		Name:          "basic",
		Enabled:       true,
		TvgIDTemplate: "ecm-{channel_number}",
		EventTimezone: "UTC",
		Assignments:   []Assignment{{ChannelID: 1}},
	}}
	channels := map[int64]ChannelInfo{
		1: {Name: "Sports One", ChannelNumber: 100},
	}

	tv, err := e.Generate(profiles, channels, mustTime(t, "2024-03-10T15:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	if len(tv.Channels) != 1 || tv.Channels[0].ID != "ecm-100" {
		t.Fatalf("channels = %+v, want one with id ecm-100", tv.Channels)
	}
	if tv.Channels[0].DisplayName != "Sports One" {
		t.Errorf("display name = %q", tv.Channels[0].DisplayName)
	}
	if len(tv.Programmes) != 1 {
		t.Fatalf("programmes = %d, want 1", len(tv.Programmes))
	}
	p := tv.Programmes[0]
	if p.ChannelID != "ecm-100" {
		t.Errorf("programme channel = %q, want ecm-100", p.ChannelID)
	}
	if p.Start != "20240310000000 +0000" || p.Stop != "20240311000000 +0000" {
		t.Errorf("programme span = %s .. %s, want midnight to midnight", p.Start, p.Stop)
	}
	if p.Title == nil || p.Title.Text != "Sports One" {
		t.Errorf("fallback title = %+v, want channel name", p.Title)
	}
}

func TestGenerateTimedEventEmitsFillers(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	profiles := []Profile{{
		Name:          "events",
		Enabled:       true,
		TvgIDTemplate: "ev-{channel_number}",
		EventTimezone: "UTC",
		ProgramDuration: 120,
		Variants: []Variant{{
			TitlePattern: `(?<title>.+) @ (?<hour>\d{1,2})(?<ampm>am|pm)`,
			Templates: Templates{
				TitleTemplate:         "{title}",
				UpcomingTitleTemplate: "Upcoming: {title} at {starttime}",
				EndedTitleTemplate:    "Ended: {title}",
			},
		}},
		Assignments: []Assignment{{ChannelID: 1}},
	}}
	channels := map[int64]ChannelInfo{
		1: {Name: "Big Fight @ 3pm", ChannelNumber: 5},
	}

	tv, err := e.Generate(profiles, channels, mustTime(t, "2024-03-10T08:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	if len(tv.Programmes) != 3 {
		t.Fatalf("programmes = %d, want upcoming + event + ended", len(tv.Programmes))
	}

	up, main, ended := tv.Programmes[0], tv.Programmes[1], tv.Programmes[2]
	if up.Start != "20240310000000 +0000" || up.Stop != "20240310150000 +0000" {
		t.Errorf("upcoming span = %s..%s", up.Start, up.Stop)
	}
	if up.Title.Text != "Upcoming: Big Fight at 3 PM" {
		t.Errorf("upcoming title = %q", up.Title.Text)
	}
	if main.Start != "20240310150000 +0000" || main.Stop != "20240310170000 +0000" {
		t.Errorf("event span = %s..%s, want 3pm for 2h", main.Start, main.Stop)
	}
	if main.Title.Text != "Big Fight" {
		t.Errorf("event title = %q", main.Title.Text)
	}
	if ended.Start != "20240310170000 +0000" || ended.Stop != "20240311000000 +0000" {
		t.Errorf("ended span = %s..%s", ended.Start, ended.Stop)
	}
}

func TestGenerateFirstMatchingVariantWins(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	profiles := []Profile{{
		Name:          "multi",
		Enabled:       true,
		EventTimezone: "UTC",
		Variants: []Variant{
			{
				TitlePattern: `^NFL: (?<title>.+)$`,
				Templates:    Templates{TitleTemplate: "Football: {title}"},
			},
			{
				TitlePattern: `^(?<title>.+)$`,
				Templates:    Templates{TitleTemplate: "Generic: {title}"},
			},
		},
		Assignments: []Assignment{{ChannelID: 1}, {ChannelID: 2}},
	}}
	channels := map[int64]ChannelInfo{
		1: {Name: "NFL: Bears vs Lions", ChannelNumber: 1},
		2: {Name: "Movie Night", ChannelNumber: 2},
	}

	tv, err := e.Generate(profiles, channels, mustTime(t, "2024-03-10T08:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	titles := map[string]bool{}
	for _, p := range tv.Programmes {
		titles[p.Title.Text] = true
	}
	if !titles["Football: Bears vs Lions"] || !titles["Generic: Movie Night"] {
		t.Errorf("titles = %v, want variant-specific renders", titles)
	}
}

func TestGenerateSkipsDisabledAndMissing(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	profiles := []Profile{
		{Name: "off", Enabled: false, EventTimezone: "UTC", Assignments: []Assignment{{ChannelID: 1}}},
		{Name: "on", Enabled: true, EventTimezone: "UTC",
			Assignments: []Assignment{{ChannelID: 1}, {ChannelID: 99}}}, // 99 missing
	}
	channels := map[int64]ChannelInfo{1: {Name: "One", ChannelNumber: 1}}

	tv, err := e.Generate(profiles, channels, mustTime(t, "2024-03-10T08:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	if len(tv.Channels) != 1 {
		t.Errorf("channels = %d, want 1 (disabled profile and missing channel skipped)", len(tv.Channels))
	}
}

func TestComputeEventTimesAmPm(t *testing.T) {
	loc := time.UTC
	now := mustTime(t, "2024-03-10T08:00:00Z")
	tests := []struct {
		name     string
		groups   map[string]string
		wantHour int
	}{
		{"12am_is_midnight", map[string]string{"hour": "12", "ampm": "AM"}, 0},
		{"12pm_is_noon", map[string]string{"hour": "12", "ampm": "PM"}, 12},
		{"3pm", map[string]string{"hour": "3", "ampm": "pm"}, 15},
		{"3am", map[string]string{"hour": "3", "ampm": "am"}, 3},
		{"single_letter_p", map[string]string{"hour": "7", "ampm": "p"}, 19},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			et := computeEventTimes(tt.groups, loc, nil, time.Hour, now)
			if et.start.Hour() != tt.wantHour {
				t.Errorf("start hour = %d, want %d", et.start.Hour(), tt.wantHour)
			}
		})
	}
}

func TestComputeEventTimesDateDefaultsAndTwoDigitYear(t *testing.T) {
	now := mustTime(t, "2024-03-10T08:00:00Z")
	et := computeEventTimes(map[string]string{
		"hour": "8", "ampm": "pm", "month": "October", "day": "17", "year": "25",
	}, time.UTC, nil, time.Hour, now)
	want := mustTime(t, "2025-10-17T20:00:00Z")
	if !et.start.Equal(want) {
		t.Errorf("start = %v, want %v", et.start, want)
	}

	// Missing date fields default to today's values.
	et = computeEventTimes(map[string]string{"hour": "9", "minute": "30"}, time.UTC, nil, time.Hour, now)
	want = mustTime(t, "2024-03-10T09:30:00Z")
	if !et.start.Equal(want) {
		t.Errorf("start = %v, want %v", et.start, want)
	}
}

func TestComputeEventTimesOutputTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	now := mustTime(t, "2024-01-15T08:00:00Z")
	et := computeEventTimes(map[string]string{"hour": "3", "ampm": "pm"}, ny, time.UTC, time.Hour, now)
	// 3 PM Eastern renders as 20:00 in the UTC output zone.
	if et.vars["starttime24"] != "20:00" {
		t.Errorf("starttime24 = %q, want 20:00", et.vars["starttime24"])
	}
}

func TestMarshalDocumentShape(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	profiles := []Profile{{
		Name: "basic", Enabled: true, EventTimezone: "UTC",
		TvgIDTemplate: "ecm-{channel_number}",
		Assignments:   []Assignment{{ChannelID: 1}},
	}}
	channels := map[int64]ChannelInfo{1: {Name: "A&B <TV>", ChannelNumber: 1}}

	tv, err := e.Generate(profiles, channels, mustTime(t, "2024-03-10T08:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	out, err := tv.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	if !strings.HasPrefix(s, xmlHeaderPrefix) {
		t.Errorf("output missing XML declaration:\n%s", s[:60])
	}
	if !strings.Contains(s, `<tv generator-info-name="ecm-engine"`) {
		t.Error("missing tv root with generator info")
	}
	if !strings.Contains(s, "A&amp;B &lt;TV&gt;") {
		t.Error("special characters not escaped")
	}
	// Channels precede programmes.
	if strings.Index(s, "<channel ") > strings.Index(s, "<programme ") {
		t.Error("programmes emitted before channels")
	}
}

const xmlHeaderPrefix = `<?xml version="1.0" encoding="UTF-8"?>`
