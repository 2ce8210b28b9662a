package xmltv

import (
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Engine struct {
	log zerolog.Logger
}

func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log}
}

// Generate builds the XMLTV document for all enabled profiles. Channels
// missing from the supplied map are skipped silently; disabled profiles
// contribute nothing. now anchors "today" for filler programmes.
func (e *Engine) Generate(profiles []Profile, channels map[int64]ChannelInfo, now time.Time) (*TV, error) {
	tv := &TV{
		GeneratorInfoName: "ecm-engine",
		GeneratorInfoURL:  "https://github.com/snarg/ecm-engine",
	}

	for i := range profiles {
		profile := &profiles[i]
		if !profile.Enabled {
			continue
		}
		for _, assignment := range profile.Assignments {
			info, ok := channels[assignment.ChannelID]
			if !ok {
				continue
			}
			tvgID := assignment.TvgIDOverride
			if tvgID == "" {
				number := formatNumber(info.ChannelNumber)
				if number == "" {
					number = strconv.FormatInt(assignment.ChannelID, 10)
				}
				tvgID = renderTemplate(tvgIDTemplate(profile), map[string]string{
					"channel_id":     strconv.FormatInt(assignment.ChannelID, 10),
					"channel_number": number,
					"channel_name":   info.Name,
				})
			}
			ch, programmes := e.channelXML(profile, assignment.ChannelID, tvgID, info, now)
			tv.Channels = append(tv.Channels, ch)
			tv.Programmes = append(tv.Programmes, programmes...)
		}
	}
	return tv, nil
}

func tvgIDTemplate(p *Profile) string {
	if p.TvgIDTemplate != "" {
		return p.TvgIDTemplate
	}
	return "ecm-{channel_number}"
}

// channelXML produces the <channel> element and its programmes: an
// upcoming filler, the main event, and an ended filler when a time was
// extracted; a single 24-hour block otherwise.
func (e *Engine) channelXML(profile *Profile, channelID int64, tvgID string, info ChannelInfo, now time.Time) (Channel, []Programme) {
	sourceName := info.Name
	if profile.NameSource == "stream" && len(info.StreamNames) > 0 {
		idx := profile.StreamIndex - 1
		if idx >= 0 && idx < len(info.StreamNames) {
			sourceName = info.StreamNames[idx]
		}
	}
	substituted := ApplySubstitutions(sourceName, profile.SubstitutionPairs, e.log)

	var groups map[string]string
	var variant *Variant
	if len(profile.Variants) > 0 {
		groups, variant = extractFromVariants(substituted, profile.Variants, e.log)
	} else {
		groups = extractGroups(substituted, profile.TitlePattern, profile.TimePattern, profile.DatePattern, e.log)
	}

	loc, err := time.LoadLocation(profile.EventTimezone)
	if err != nil {
		loc = time.UTC
	}
	var outputLoc *time.Location
	if profile.OutputTimezone != "" {
		if l, err := time.LoadLocation(profile.OutputTimezone); err == nil {
			outputLoc = l
		} else {
			e.log.Warn().Str("timezone", profile.OutputTimezone).Msg("unknown output timezone")
		}
	}
	duration := time.Duration(profile.ProgramDuration) * time.Minute
	if duration <= 0 {
		duration = 3 * time.Hour
	}

	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	nextMidnight := midnight.AddDate(0, 0, 1)

	baseVars := map[string]string{
		"channel_name":     info.Name,
		"channel_number":   formatNumber(info.ChannelNumber),
		"channel_id":       strconv.FormatInt(channelID, 10),
		"original_name":    sourceName,
		"substituted_name": substituted,
	}

	ch := Channel{ID: tvgID, DisplayName: info.Name}
	tmpl := func(profileVal string, field func(*Variant) string) string {
		return pick(variant, profileVal, field)
	}

	var programmes []Programme
	mk := func(start, stop time.Time, title, desc string, live, isNew bool) Programme {
		p := Programme{
			Start:     xmltvTime(start),
			Stop:      xmltvTime(stop),
			ChannelID: tvgID,
		}
		if title != "" {
			p.Title = &LangText{Lang: "en", Text: title}
		}
		if desc != "" {
			p.Desc = &LangText{Lang: "en", Text: desc}
		}
		for _, c := range profile.Categories {
			if c = strings.TrimSpace(c); c != "" {
				p.Categories = append(p.Categories, LangText{Lang: "en", Text: c})
			}
		}
		if profile.IncludeDateTag {
			p.Date = start.UTC().Format("2006-01-02")
		}
		if live {
			p.Live = &struct{}{}
		}
		if isNew {
			p.New = &struct{}{}
		}
		return p
	}

	if groups == nil {
		// No pattern match (or no patterns at all): one 24-hour programme.
		title := renderTemplate(tmpl(profile.FallbackTitleTemplate, func(v *Variant) string { return v.FallbackTitleTemplate }), baseVars)
		if title == "" {
			title = info.Name
		}
		desc := renderTemplate(tmpl(profile.FallbackDescriptionTemplate, func(v *Variant) string { return v.FallbackDescriptionTemplate }), baseVars)
		if logo := renderTemplate(tmpl(profile.ChannelLogoURLTemplate, func(v *Variant) string { return v.ChannelLogoURLTemplate }), baseVars); logo != "" {
			ch.Icon = &Icon{Src: logo}
		}
		programmes = append(programmes, mk(midnight, nextMidnight, title, desc, false, false))
		return ch, programmes
	}

	times := computeEventTimes(groups, loc, outputLoc, duration, now)
	vars := make(map[string]string, len(baseVars)+len(groups)+len(times.vars))
	for k, v := range baseVars {
		vars[k] = v
	}
	for k, v := range groups {
		vars[k] = v
	}
	for k, v := range times.vars {
		vars[k] = v
	}

	title := renderTemplate(tmpl(profile.TitleTemplate, func(v *Variant) string { return v.TitleTemplate }), vars)
	desc := renderTemplate(tmpl(profile.DescriptionTemplate, func(v *Variant) string { return v.DescriptionTemplate }), vars)
	if logo := renderTemplate(tmpl(profile.ChannelLogoURLTemplate, func(v *Variant) string { return v.ChannelLogoURLTemplate }), vars); logo != "" {
		ch.Icon = &Icon{Src: logo}
	}

	_, hasTime := groups["hour"]
	if !hasTime {
		programmes = append(programmes, mk(midnight, nextMidnight, title, desc,
			profile.IncludeLiveTag, profile.IncludeNewTag))
		return ch, programmes
	}

	if times.start.After(midnight) {
		upTitle := renderTemplate(tmpl(profile.UpcomingTitleTemplate, func(v *Variant) string { return v.UpcomingTitleTemplate }), vars)
		upDesc := renderTemplate(tmpl(profile.UpcomingDescriptionTemplate, func(v *Variant) string { return v.UpcomingDescriptionTemplate }), vars)
		if upTitle == "" {
			upTitle = title
		}
		if upDesc == "" {
			upDesc = desc
		}
		programmes = append(programmes, mk(midnight, times.start, upTitle, upDesc, false, false))
	}

	programmes = append(programmes, mk(times.start, times.end, title, desc,
		profile.IncludeLiveTag, profile.IncludeNewTag))

	if times.end.Before(nextMidnight) {
		endTitle := renderTemplate(tmpl(profile.EndedTitleTemplate, func(v *Variant) string { return v.EndedTitleTemplate }), vars)
		endDesc := renderTemplate(tmpl(profile.EndedDescriptionTemplate, func(v *Variant) string { return v.EndedDescriptionTemplate }), vars)
		if endTitle == "" {
			endTitle = title
		}
		if endDesc == "" {
			endDesc = desc
		}
		programmes = append(programmes, mk(times.end, nextMidnight, endTitle, endDesc, false, false))
	}
	return ch, programmes
}

// formatNumber renders channel numbers without a trailing ".0" for whole
// numbers (100, 4.1).
func formatNumber(n float64) string {
	if n == 0 {
		return ""
	}
	if n == float64(int64(n)) {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}
