// Package xmltv synthesizes XMLTV guide data from channel and stream names:
// substitution pairs, pattern-variant extraction of time/date fields, and
// template-rendered programme elements with filler blocks.
package xmltv

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/normalize"
)

// SubstitutionPair rewrites a name before pattern matching.
type SubstitutionPair struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
	IsRegex bool   `json:"is_regex"`
	Enabled bool   `json:"enabled"`
}

// Templates are the renderable fields shared by profiles and variants. A
// variant's non-empty field overrides the profile-level one.
type Templates struct {
	TitleTemplate               string `json:"title_template,omitempty"`
	DescriptionTemplate         string `json:"description_template,omitempty"`
	UpcomingTitleTemplate       string `json:"upcoming_title_template,omitempty"`
	UpcomingDescriptionTemplate string `json:"upcoming_description_template,omitempty"`
	EndedTitleTemplate          string `json:"ended_title_template,omitempty"`
	EndedDescriptionTemplate    string `json:"ended_description_template,omitempty"`
	FallbackTitleTemplate       string `json:"fallback_title_template,omitempty"`
	FallbackDescriptionTemplate string `json:"fallback_description_template,omitempty"`
	ChannelLogoURLTemplate      string `json:"channel_logo_url_template,omitempty"`
	ProgramPosterURLTemplate    string `json:"program_poster_url_template,omitempty"`
}

// Variant is one alternative pattern bundle, tried in order; the first
// variant whose title pattern matches wins.
type Variant struct {
	TitlePattern string `json:"title_pattern"`
	TimePattern  string `json:"time_pattern,omitempty"`
	DatePattern  string `json:"date_pattern,omitempty"`
	Templates
}

// Assignment binds a profile to one channel.
type Assignment struct {
	ChannelID     int64  `json:"channel_id"`
	TvgIDOverride string `json:"tvg_id_override,omitempty"`
}

// Profile configures synthesis for a set of channels.
type Profile struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	TvgIDTemplate     string             `json:"tvg_id_template"`
	SubstitutionPairs []SubstitutionPair `json:"substitution_pairs,omitempty"`

	Variants     []Variant `json:"pattern_variants,omitempty"`
	TitlePattern string    `json:"title_pattern,omitempty"`
	TimePattern  string    `json:"time_pattern,omitempty"`
	DatePattern  string    `json:"date_pattern,omitempty"`
	Templates

	EventTimezone   string `json:"event_timezone"`
	OutputTimezone  string `json:"output_timezone,omitempty"`
	ProgramDuration int    `json:"program_duration"` // minutes

	Categories     []string `json:"categories,omitempty"`
	IncludeDateTag bool     `json:"include_date_tag"`
	IncludeLiveTag bool     `json:"include_live_tag"`
	IncludeNewTag  bool     `json:"include_new_tag"`

	NameSource  string `json:"name_source,omitempty"` // channel (default) or stream
	StreamIndex int    `json:"stream_index,omitempty"`

	Assignments []Assignment `json:"channel_assignments,omitempty"`
}

// ChannelInfo is what the synthesizer needs to know about one channel.
type ChannelInfo struct {
	Name          string
	ChannelNumber float64
	StreamNames   []string
}

var monthNames = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

// ApplySubstitutions runs the enabled pairs in order. Invalid regexes are
// logged and skipped.
func ApplySubstitutions(name string, pairs []SubstitutionPair, log zerolog.Logger) string {
	current := name
	for _, p := range pairs {
		if !p.Enabled {
			continue
		}
		if p.IsRegex {
			re, err := regexp.Compile(normalize.RewriteJSNamedGroups(p.Find))
			if err != nil {
				log.Warn().Str("find", p.Find).Msg("invalid substitution regex")
				continue
			}
			current = re.ReplaceAllString(current, p.Replace)
		} else {
			current = strings.ReplaceAll(current, p.Find, p.Replace)
		}
	}
	return current
}

// extractGroups merges named groups from the title pattern (required to
// match) and the optional time/date patterns. Returns nil when the title
// pattern is empty or does not match.
func extractGroups(name, titlePattern, timePattern, datePattern string, log zerolog.Logger) map[string]string {
	if titlePattern == "" {
		return nil
	}
	groups := matchNamed(name, titlePattern, log)
	if groups == nil {
		return nil
	}
	for _, extra := range []string{timePattern, datePattern} {
		if extra == "" {
			continue
		}
		for k, v := range matchNamed(name, extra, log) {
			groups[k] = v
		}
	}
	return groups
}

func matchNamed(name, pattern string, log zerolog.Logger) map[string]string {
	re, err := regexp.Compile(normalize.RewriteJSNamedGroups(pattern))
	if err != nil {
		log.Warn().Str("pattern", pattern).Msg("invalid extraction regex")
		return nil
	}
	m := re.FindStringSubmatch(name)
	if m == nil {
		return nil
	}
	groups := make(map[string]string)
	for i, gname := range re.SubexpNames() {
		if gname != "" && i < len(m) && m[i] != "" {
			groups[gname] = m[i]
		}
	}
	return groups
}

// extractFromVariants tries each variant in order; first title match wins.
func extractFromVariants(name string, variants []Variant, log zerolog.Logger) (map[string]string, *Variant) {
	for i := range variants {
		v := &variants[i]
		if v.TitlePattern == "" {
			continue
		}
		groups := extractGroups(name, v.TitlePattern, v.TimePattern, v.DatePattern, log)
		if groups != nil {
			return groups, v
		}
	}
	return nil, nil
}

// eventTimes holds computed start/end plus formatted template variables.
type eventTimes struct {
	start time.Time
	end   time.Time
	vars  map[string]string
}

// computeEventTimes builds the event window from extracted groups in the
// event timezone. AM/PM: 12 AM → 0, 12 PM → 12, otherwise +12 for PM.
// Missing fields default to the current value; two-digit years get +2000.
func computeEventTimes(groups map[string]string, loc *time.Location, outputLoc *time.Location, duration time.Duration, now time.Time) eventTimes {
	local := now.In(loc)

	hour := local.Hour()
	if v, ok := groups["hour"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			hour = n
		}
	}
	minute := local.Minute()
	if v, ok := groups["minute"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			minute = n
		}
	}
	if ampm, ok := groups["ampm"]; ok {
		switch strings.TrimRight(strings.ToLower(strings.TrimSpace(ampm)), ".") {
		case "am", "a":
			if hour == 12 {
				hour = 0
			}
		case "pm", "p":
			if hour != 12 {
				hour += 12
			}
		}
	}

	month := local.Month()
	if v, ok := groups["month"]; ok {
		if m := parseMonth(v); m != 0 {
			month = m
		}
	}
	day := local.Day()
	if v, ok := groups["day"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			day = n
		}
	}
	year := local.Year()
	if v, ok := groups["year"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			if n < 100 {
				n += 2000
			}
			year = n
		}
	}

	start := time.Date(year, month, day, hour, minute, 0, 0, loc)
	end := start.Add(duration)

	display := start
	displayEnd := end
	if outputLoc != nil {
		display = start.In(outputLoc)
		displayEnd = end.In(outputLoc)
	}

	return eventTimes{
		start: start,
		end:   end,
		vars: map[string]string{
			"starttime":   clockLabel(display),
			"starttime24": display.Format("15:04"),
			"endtime":     clockLabel(displayEnd),
			"endtime24":   displayEnd.Format("15:04"),
			"date":        fmt.Sprintf("%s %d", display.Month().String(), display.Day()),
			"month":       display.Month().String(),
			"day":         strconv.Itoa(display.Day()),
			"year":        strconv.Itoa(display.Year()),
		},
	}
}

func parseMonth(v string) time.Month {
	if n, err := strconv.Atoi(v); err == nil {
		if n >= 1 && n <= 12 {
			return time.Month(n)
		}
		return 0
	}
	return monthNames[strings.ToLower(strings.TrimSpace(v))]
}

// clockLabel formats "3 PM" style labels without a leading zero.
func clockLabel(t time.Time) string {
	h := t.Hour() % 12
	if h == 0 {
		h = 12
	}
	suffix := "AM"
	if t.Hour() >= 12 {
		suffix = "PM"
	}
	return fmt.Sprintf("%d %s", h, suffix)
}

var placeholderRe = regexp.MustCompile(`\{([a-z_0-9]+)\}`)

// renderTemplate substitutes {key} placeholders from vars; unknown keys
// render empty.
func renderTemplate(tmpl string, vars map[string]string) string {
	if tmpl == "" {
		return ""
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(tok string) string {
		key := tok[1 : len(tok)-1]
		return vars[key]
	})
}

// pick returns the variant's template field when set, else the profile's.
func pick(variant *Variant, profileVal string, variantVal func(*Variant) string) string {
	if variant != nil {
		if v := variantVal(variant); v != "" {
			return v
		}
	}
	return profileVal
}
