// Package m3u tracks upstream playlist state: the change detector snapshots
// group/stream sets per M3U account and diffs them into typed change
// records; the digest dispatcher batches those records into periodic
// summaries.
package m3u

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/database"
	"github.com/snarg/ecm-engine/internal/upstream"
)

// Change types produced by the detector.
const (
	ChangeGroupAdded     = "group_added"
	ChangeGroupRemoved   = "group_removed"
	ChangeStreamsAdded   = "streams_added"
	ChangeStreamsRemoved = "streams_removed"
	ChangeGroupEnabled   = "group_enabled"
	ChangeGroupDisabled  = "group_disabled"
)

// SnapshotStore is the slice of the local store the detector owns writes to.
type SnapshotStore interface {
	LatestSnapshot(ctx context.Context, accountID int64) (*database.M3USnapshot, error)
	SaveSnapshotWithChanges(ctx context.Context, snap *database.M3USnapshot, changes []database.M3UChangeLog) error
}

// Source is the slice of the upstream API the detector reads.
type Source interface {
	ListStreams(ctx context.Context, accountIDs []int64) ([]upstream.Stream, error)
	ListChannelGroups(ctx context.Context) ([]upstream.ChannelGroup, error)
}

// ChangeSet is the outcome of one detection pass.
type ChangeSet struct {
	AccountID  int64                   `json:"account_id"`
	HasChanges bool                    `json:"has_changes"`
	Baseline   bool                    `json:"baseline"` // first snapshot for the account
	Changes    []database.M3UChangeLog `json:"changes"`
}

type Detector struct {
	store       SnapshotStore
	source      Source
	streamCap   int // sampled stream names kept per group in a snapshot
	nameCap     int // stream names kept per change-log row
	log         zerolog.Logger
}

func NewDetector(store SnapshotStore, source Source, streamCap, nameCap int, log zerolog.Logger) *Detector {
	if streamCap < 1 {
		streamCap = 500
	}
	if nameCap < 1 {
		nameCap = 50
	}
	return &Detector{store: store, source: source, streamCap: streamCap, nameCap: nameCap, log: log}
}

// BuildSnapshot captures the upstream's current group/stream state for one
// account, sampling up to streamCap names per enabled group.
func (d *Detector) BuildSnapshot(ctx context.Context, accountID int64) (*database.M3USnapshot, error) {
	streams, err := d.source.ListStreams(ctx, []int64{accountID})
	if err != nil {
		return nil, err
	}
	groups, err := d.source.ListChannelGroups(ctx)
	if err != nil {
		return nil, err
	}

	enabled := make(map[string]bool, len(groups))
	for _, g := range groups {
		enabled[g.Name] = g.Enabled
	}

	byGroup := make(map[string][]string)
	counts := make(map[string]int)
	for _, s := range streams {
		counts[s.GroupName]++
		if enabled[s.GroupName] && len(byGroup[s.GroupName]) < d.streamCap {
			byGroup[s.GroupName] = append(byGroup[s.GroupName], s.Name)
		}
	}

	snap := &database.M3USnapshot{
		M3UAccountID: accountID,
		StreamNames:  byGroup,
		TotalStreams: len(streams),
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		snap.Groups = append(snap.Groups, database.SnapshotGroup{
			Name:        name,
			StreamCount: counts[name],
			Enabled:     enabled[name],
		})
	}
	return snap, nil
}

// Detect snapshots the account, diffs against the previous snapshot, and —
// when there are differences — persists the snapshot and one change row per
// change atomically. The first snapshot for an account is a baseline and
// produces no changes.
func (d *Detector) Detect(ctx context.Context, accountID int64) (*ChangeSet, error) {
	next, err := d.BuildSnapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}
	prev, err := d.store.LatestSnapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}

	cs := &ChangeSet{AccountID: accountID}
	if prev == nil {
		cs.Baseline = true
		if err := d.store.SaveSnapshotWithChanges(ctx, next, nil); err != nil {
			return nil, err
		}
		d.log.Info().Int64("account_id", accountID).Int("groups", len(next.Groups)).
			Msg("baseline snapshot recorded")
		return cs, nil
	}

	changes := d.diff(prev, next)
	if len(changes) == 0 {
		return cs, nil // identical state: nothing persisted
	}

	if err := d.store.SaveSnapshotWithChanges(ctx, next, changes); err != nil {
		return nil, err
	}
	cs.HasChanges = true
	cs.Changes = changes
	d.log.Info().Int64("account_id", accountID).Int("changes", len(changes)).
		Msg("m3u changes detected")
	return cs, nil
}

// diff computes typed changes between two snapshots of the same account.
func (d *Detector) diff(prev, next *database.M3USnapshot) []database.M3UChangeLog {
	var changes []database.M3UChangeLog
	accountID := next.M3UAccountID

	prevGroups := make(map[string]database.SnapshotGroup, len(prev.Groups))
	for _, g := range prev.Groups {
		prevGroups[g.Name] = g
	}
	nextGroups := make(map[string]database.SnapshotGroup, len(next.Groups))
	for _, g := range next.Groups {
		nextGroups[g.Name] = g
	}

	// Group added / removed / enabled flag flips, in next's sorted order.
	for _, g := range next.Groups {
		pg, existed := prevGroups[g.Name]
		if !existed {
			changes = append(changes, database.M3UChangeLog{
				M3UAccountID: accountID,
				ChangeType:   ChangeGroupAdded,
				GroupName:    g.Name,
				Count:        g.StreamCount,
				StreamNames:  []string{},
				Enabled:      boolPtr(g.Enabled),
			})
			continue
		}
		if pg.Enabled != g.Enabled {
			ct := ChangeGroupDisabled
			if g.Enabled {
				ct = ChangeGroupEnabled
			}
			changes = append(changes, database.M3UChangeLog{
				M3UAccountID: accountID,
				ChangeType:   ct,
				GroupName:    g.Name,
				StreamNames:  []string{},
				Enabled:      boolPtr(g.Enabled),
			})
		}
	}
	for _, g := range prev.Groups {
		if _, still := nextGroups[g.Name]; !still {
			changes = append(changes, database.M3UChangeLog{
				M3UAccountID: accountID,
				ChangeType:   ChangeGroupRemoved,
				GroupName:    g.Name,
				Count:        g.StreamCount,
				StreamNames:  []string{},
			})
		}
	}

	// Per-group stream set diffs (name sets, not counts).
	for name, nextNames := range next.StreamNames {
		prevNames, existed := prev.StreamNames[name]
		if !existed {
			continue // covered by group_added
		}
		added := setDiff(nextNames, prevNames)
		removed := setDiff(prevNames, nextNames)
		if len(added) > 0 {
			changes = append(changes, database.M3UChangeLog{
				M3UAccountID: accountID,
				ChangeType:   ChangeStreamsAdded,
				GroupName:    name,
				Count:        len(added),
				StreamNames:  capNames(added, d.nameCap),
			})
		}
		if len(removed) > 0 {
			changes = append(changes, database.M3UChangeLog{
				M3UAccountID: accountID,
				ChangeType:   ChangeStreamsRemoved,
				GroupName:    name,
				Count:        len(removed),
				StreamNames:  capNames(removed, d.nameCap),
			})
		}
	}

	return changes
}

// setDiff returns the elements of a not present in b, sorted.
func setDiff(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, s := range b {
		inB[s] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, s := range a {
		if !inB[s] && !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	sort.Strings(out)
	return out
}

func capNames(names []string, cap int) []string {
	if len(names) > cap {
		return names[:cap]
	}
	return names
}

func boolPtr(b bool) *bool { return &b }
