package m3u

import (
	"context"
	"reflect"
	"sort"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/database"
	"github.com/snarg/ecm-engine/internal/upstream"
)

type fakeSnapStore struct {
	latest *database.M3USnapshot
	saved  []database.M3UChangeLog
	snaps  int
}

func (f *fakeSnapStore) LatestSnapshot(ctx context.Context, accountID int64) (*database.M3USnapshot, error) {
	return f.latest, nil
}

func (f *fakeSnapStore) SaveSnapshotWithChanges(ctx context.Context, snap *database.M3USnapshot, changes []database.M3UChangeLog) error {
	f.latest = snap
	f.saved = append(f.saved, changes...)
	f.snaps++
	return nil
}

type fakeSource struct {
	streams []upstream.Stream
	groups  []upstream.ChannelGroup
}

func (f *fakeSource) ListStreams(ctx context.Context, ids []int64) ([]upstream.Stream, error) {
	return f.streams, nil
}

func (f *fakeSource) ListChannelGroups(ctx context.Context) ([]upstream.ChannelGroup, error) {
	return f.groups, nil
}

func TestDetectBaselineThenStreamAdded(t *testing.T) {
	store := &fakeSnapStore{}
	source := &fakeSource{
		streams: []upstream.Stream{{ID: 1, Name: "ESPN", GroupName: "Sports"}},
		groups:  []upstream.ChannelGroup{{ID: 1, Name: "Sports", Enabled: true}},
	}
	d := NewDetector(store, source, 500, 50, zerolog.Nop())

	cs, err := d.Detect(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if !cs.Baseline || cs.HasChanges {
		t.Fatalf("first detect = %+v, want baseline without changes", cs)
	}

	// Second pass: FOX appears in Sports.
	source.streams = append(source.streams, upstream.Stream{ID: 2, Name: "FOX", GroupName: "Sports"})
	cs, err = d.Detect(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if !cs.HasChanges || len(cs.Changes) != 1 {
		t.Fatalf("changes = %+v, want exactly one", cs.Changes)
	}
	c := cs.Changes[0]
	if c.ChangeType != ChangeStreamsAdded || c.GroupName != "Sports" || c.Count != 1 ||
		!reflect.DeepEqual(c.StreamNames, []string{"FOX"}) {
		t.Errorf("change = %+v, want streams_added Sports count=1 names=[FOX]", c)
	}
}

func TestDetectNoChangesPersistsNothing(t *testing.T) {
	store := &fakeSnapStore{}
	source := &fakeSource{
		streams: []upstream.Stream{{ID: 1, Name: "ESPN", GroupName: "Sports"}},
		groups:  []upstream.ChannelGroup{{Name: "Sports", Enabled: true}},
	}
	d := NewDetector(store, source, 500, 50, zerolog.Nop())

	if _, err := d.Detect(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	before := store.snaps

	cs, err := d.Detect(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if cs.HasChanges {
		t.Error("identical state reported changes")
	}
	if store.snaps != before {
		t.Error("identical state persisted a snapshot")
	}
}

func TestDiffGroupLifecycle(t *testing.T) {
	d := NewDetector(&fakeSnapStore{}, &fakeSource{}, 500, 50, zerolog.Nop())
	prev := &database.M3USnapshot{
		M3UAccountID: 1,
		Groups: []database.SnapshotGroup{
			{Name: "Movies", StreamCount: 3, Enabled: true},
			{Name: "News", StreamCount: 2, Enabled: true},
			{Name: "Kids", StreamCount: 1, Enabled: false},
		},
		StreamNames: map[string][]string{
			"Movies": {"A", "B", "C"},
			"News":   {"CNN", "BBC"},
		},
	}
	next := &database.M3USnapshot{
		M3UAccountID: 1,
		Groups: []database.SnapshotGroup{
			{Name: "Kids", StreamCount: 1, Enabled: true},  // enabled flipped
			{Name: "News", StreamCount: 1, Enabled: true},  // BBC removed
			{Name: "Sports", StreamCount: 2, Enabled: true}, // new group
		},
		StreamNames: map[string][]string{
			"News":   {"CNN"},
			"Sports": {"ESPN", "FOX"},
			"Kids":   {"PBS"},
		},
	}

	changes := d.diff(prev, next)
	types := make(map[string]int)
	for _, c := range changes {
		types[c.ChangeType]++
	}
	want := map[string]int{
		ChangeGroupAdded:     1, // Sports
		ChangeGroupRemoved:   1, // Movies
		ChangeGroupEnabled:   1, // Kids
		ChangeStreamsRemoved: 1, // News lost BBC
	}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("change types = %v, want %v", types, want)
	}

	for _, c := range changes {
		if c.ChangeType == ChangeStreamsRemoved {
			if c.GroupName != "News" || !reflect.DeepEqual(c.StreamNames, []string{"BBC"}) {
				t.Errorf("streams_removed = %+v, want News [BBC]", c)
			}
		}
	}
}

// Applying the diffs to the previous stream sets must reproduce the next sets.
func TestDiffIsIdentityPreserving(t *testing.T) {
	d := NewDetector(&fakeSnapStore{}, &fakeSource{}, 500, 50, zerolog.Nop())
	prev := &database.M3USnapshot{
		M3UAccountID: 1,
		Groups:       []database.SnapshotGroup{{Name: "Sports", StreamCount: 2, Enabled: true}},
		StreamNames:  map[string][]string{"Sports": {"ESPN", "TNT"}},
	}
	next := &database.M3USnapshot{
		M3UAccountID: 1,
		Groups:       []database.SnapshotGroup{{Name: "Sports", StreamCount: 3, Enabled: true}},
		StreamNames:  map[string][]string{"Sports": {"ESPN", "FOX", "NBCSN"}},
	}

	rebuilt := map[string]bool{}
	for _, n := range prev.StreamNames["Sports"] {
		rebuilt[n] = true
	}
	for _, c := range d.diff(prev, next) {
		switch c.ChangeType {
		case ChangeStreamsAdded:
			for _, n := range c.StreamNames {
				rebuilt[n] = true
			}
		case ChangeStreamsRemoved:
			for _, n := range c.StreamNames {
				delete(rebuilt, n)
			}
		}
	}

	var got []string
	for n := range rebuilt {
		got = append(got, n)
	}
	sort.Strings(got)
	want := append([]string(nil), next.StreamNames["Sports"]...)
	sort.Strings(want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("rebuilt set = %v, want %v", got, want)
	}
}

func TestBuildSnapshotCapsSampledNames(t *testing.T) {
	source := &fakeSource{groups: []upstream.ChannelGroup{{Name: "Big", Enabled: true}}}
	for i := 0; i < 20; i++ {
		source.streams = append(source.streams, upstream.Stream{
			ID: int64(i), Name: string(rune('a' + i)), GroupName: "Big"})
	}
	d := NewDetector(&fakeSnapStore{}, source, 5, 50, zerolog.Nop())

	snap, err := d.BuildSnapshot(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.StreamNames["Big"]) != 5 {
		t.Errorf("sampled names = %d, want cap of 5", len(snap.StreamNames["Big"]))
	}
	if snap.Groups[0].StreamCount != 20 {
		t.Errorf("stream_count = %d, want full 20", snap.Groups[0].StreamCount)
	}
}
