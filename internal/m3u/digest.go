package m3u

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/database"
)

// Digest frequencies.
const (
	FreqImmediate = "immediate"
	FreqHourly    = "hourly"
	FreqDaily     = "daily"
	FreqWeekly    = "weekly"
)

// ValidFrequency reports whether f is a recognized digest frequency.
func ValidFrequency(f string) bool {
	switch f {
	case FreqImmediate, FreqHourly, FreqDaily, FreqWeekly:
		return true
	}
	return false
}

// DigestStore is the slice of the local store the dispatcher uses.
type DigestStore interface {
	GetDigestSettings(ctx context.Context) (*database.DigestSettings, error)
	UndigestedChanges(ctx context.Context) ([]database.M3UChangeLog, error)
	MarkChangesDigested(ctx context.Context, ids []int64) error
	TouchDigestSent(ctx context.Context) error
}

// Sender dispatches a rendered digest to one channel type. Per-channel
// failures are logged and never abort other channels.
type Sender interface {
	SendEmail(ctx context.Context, recipients []string, subject, body string) error
	SendDiscord(ctx context.Context, content string) error
	SendTelegram(ctx context.Context, content string) error
}

type Dispatcher struct {
	store  DigestStore
	sender Sender
	log    zerolog.Logger
}

func NewDispatcher(store DigestStore, sender Sender, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: store, sender: sender, log: log}
}

// FilterChanges applies the settings' exclude rules:
//  1. a group pattern matching the change's group drops the change,
//  2. stream patterns filter the name list of streams_added/removed changes;
//     a fully filtered change is dropped, a partially filtered one keeps a
//     copy with the filtered list and adjusted count.
//
// Patterns search case-insensitively; invalid regexes are skipped.
func FilterChanges(changes []database.M3UChangeLog, settings *database.DigestSettings) []database.M3UChangeLog {
	groupRes := compilePatterns(settings.ExcludeGroupPatterns)
	streamRes := compilePatterns(settings.ExcludeStreamPatterns)

	var out []database.M3UChangeLog
	for _, c := range changes {
		if matchesAny(groupRes, c.GroupName) {
			continue
		}
		if !settings.IncludeGroupChanges && isGroupChange(c.ChangeType) {
			continue
		}
		if !settings.IncludeStreamChanges && isStreamChange(c.ChangeType) {
			continue
		}
		if isStreamChange(c.ChangeType) && len(streamRes) > 0 {
			var kept []string
			for _, name := range c.StreamNames {
				if !matchesAny(streamRes, name) {
					kept = append(kept, name)
				}
			}
			if len(kept) == 0 {
				continue
			}
			if len(kept) != len(c.StreamNames) {
				filtered := c
				filtered.StreamNames = kept
				filtered.Count = len(kept)
				out = append(out, filtered)
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	var res []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue // invalid patterns are skipped without error
		}
		res = append(res, re)
	}
	return res
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func isStreamChange(ct string) bool {
	return ct == ChangeStreamsAdded || ct == ChangeStreamsRemoved
}

func isGroupChange(ct string) bool {
	return !isStreamChange(ct)
}

var changeTypeLabels = map[string]string{
	ChangeGroupAdded:     "Groups added",
	ChangeGroupRemoved:   "Groups removed",
	ChangeGroupEnabled:   "Groups enabled",
	ChangeGroupDisabled:  "Groups disabled",
	ChangeStreamsAdded:   "Streams added",
	ChangeStreamsRemoved: "Streams removed",
}

var changeTypeOrder = []string{
	ChangeGroupAdded, ChangeGroupRemoved, ChangeGroupEnabled,
	ChangeGroupDisabled, ChangeStreamsAdded, ChangeStreamsRemoved,
}

// Render produces the digest body: one section per account, grouped by
// change type, with counts and (when detailed) sampled names.
func Render(changes []database.M3UChangeLog, detailed bool) string {
	if len(changes) == 0 {
		return "No playlist changes."
	}

	byAccount := make(map[int64][]database.M3UChangeLog)
	var accounts []int64
	for _, c := range changes {
		if _, seen := byAccount[c.M3UAccountID]; !seen {
			accounts = append(accounts, c.M3UAccountID)
		}
		byAccount[c.M3UAccountID] = append(byAccount[c.M3UAccountID], c)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })

	var b strings.Builder
	fmt.Fprintf(&b, "M3U playlist changes (%d total)\n", len(changes))
	for _, acct := range accounts {
		fmt.Fprintf(&b, "\n== Account %d ==\n", acct)
		byType := make(map[string][]database.M3UChangeLog)
		for _, c := range byAccount[acct] {
			byType[c.ChangeType] = append(byType[c.ChangeType], c)
		}
		for _, ct := range changeTypeOrder {
			group := byType[ct]
			if len(group) == 0 {
				continue
			}
			fmt.Fprintf(&b, "%s:\n", changeTypeLabels[ct])
			for _, c := range group {
				switch {
				case isStreamChange(ct):
					fmt.Fprintf(&b, "  %s: %d\n", c.GroupName, c.Count)
					if detailed {
						for _, name := range c.StreamNames {
							fmt.Fprintf(&b, "    - %s\n", name)
						}
					}
				default:
					fmt.Fprintf(&b, "  %s\n", c.GroupName)
				}
			}
		}
	}
	return b.String()
}

// DispatchResult reports what a digest pass did.
type DispatchResult struct {
	Sent          bool `json:"sent"`
	TotalChanges  int  `json:"total_changes"`
	AfterFilters  int  `json:"after_filters"`
	ChannelErrors int  `json:"channel_errors"`
}

// Dispatch batches undigested changes into one digest and sends it to each
// enabled channel. Below min_changes_threshold nothing is sent (unless
// force, used by the test-send endpoint). Changes are marked digested even
// when filtered out, so excluded noise doesn't pile up.
func (d *Dispatcher) Dispatch(ctx context.Context, force bool) (*DispatchResult, error) {
	settings, err := d.store.GetDigestSettings(ctx)
	if err != nil {
		return nil, err
	}
	res := &DispatchResult{}
	if !settings.Enabled && !force {
		return res, nil
	}

	changes, err := d.store.UndigestedChanges(ctx)
	if err != nil {
		return nil, err
	}
	res.TotalChanges = len(changes)

	filtered := FilterChanges(changes, settings)
	res.AfterFilters = len(filtered)

	threshold := settings.MinChangesThreshold
	if threshold < 1 {
		threshold = 1
	}
	if len(filtered) < threshold && !force {
		return res, nil
	}

	body := Render(filtered, settings.ShowDetailedList)
	subject := fmt.Sprintf("M3U digest: %d changes", len(filtered))

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if len(settings.EmailRecipients) > 0 {
		if err := d.sender.SendEmail(sendCtx, settings.EmailRecipients, subject, body); err != nil {
			d.log.Error().Err(err).Msg("digest email dispatch failed")
			res.ChannelErrors++
		}
	}
	if settings.SendToDiscord {
		if err := d.sender.SendDiscord(sendCtx, subject+"\n"+body); err != nil {
			d.log.Error().Err(err).Msg("digest discord dispatch failed")
			res.ChannelErrors++
		}
	}
	if settings.SendToTelegram {
		if err := d.sender.SendTelegram(sendCtx, subject+"\n"+body); err != nil {
			d.log.Error().Err(err).Msg("digest telegram dispatch failed")
			res.ChannelErrors++
		}
	}
	res.Sent = true

	ids := make([]int64, len(changes))
	for i, c := range changes {
		ids[i] = c.ID
	}
	if err := d.store.MarkChangesDigested(ctx, ids); err != nil {
		return res, err
	}
	if err := d.store.TouchDigestSent(ctx); err != nil {
		d.log.Warn().Err(err).Msg("failed to stamp digest sent time")
	}
	return res, nil
}

// ValidatePatterns checks exclude patterns at settings write time.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			return fmt.Errorf("invalid regex %q: %w", p, err)
		}
	}
	return nil
}
