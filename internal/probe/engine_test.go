package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/database"
)

// fakeStore records probe outcomes in memory.
type fakeStore struct {
	mu       sync.Mutex
	failures map[int64]int
	statuses map[int64]string
	recent   map[int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		failures: make(map[int64]int),
		statuses: make(map[int64]string),
		recent:   make(map[int64]bool),
	}
}

func (f *fakeStore) RecordProbeSuccess(ctx context.Context, s *database.StreamStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[s.StreamID] = 0
	f.statuses[s.StreamID] = "success"
	return nil
}

func (f *fakeStore) RecordProbeFailure(ctx context.Context, id int64, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id]++
	f.statuses[id] = "failed"
	return f.failures[id], nil
}

func (f *fakeStore) RecentlyProbed(ctx context.Context, within time.Duration) (map[int64]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]bool, len(f.recent))
	for k, v := range f.recent {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) ListStruckOut(ctx context.Context, threshold int) ([]database.StreamStats, error) {
	if threshold <= 0 {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.StreamStats
	for id, n := range f.failures {
		if n >= threshold {
			out = append(out, database.StreamStats{StreamID: id, ConsecutiveFailures: n})
		}
	}
	return out, nil
}

func (f *fakeStore) ResetFailures(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.failures[id] = 0
	}
	return nil
}

// fakeProber fails URLs listed in bad.
type fakeProber struct {
	bad map[string]bool
}

func (p *fakeProber) Probe(ctx context.Context, url string) (*MediaInfo, error) {
	if p.bad[url] {
		return nil, errors.New("connection timed out")
	}
	return &MediaInfo{Resolution: "1920x1080", BitrateKbps: 5000, VideoCodec: "h264"}, nil
}

func TestRunBulkMixedResults(t *testing.T) {
	store := newFakeStore()
	eng := NewEngine(store, &fakeProber{bad: map[string]bool{"http://s/20": true}},
		Options{MaxConcurrent: 2, StrikeThreshold: 3}, zerolog.Nop())

	targets := []Target{
		{StreamID: 10, URL: "http://s/10", Name: "ten"},
		{StreamID: 20, URL: "http://s/20", Name: "twenty"},
		{StreamID: 30, URL: "http://s/30", Name: "thirty"},
	}
	sum := eng.RunBulk(context.Background(), targets, false, nil)

	if sum.Success != 2 || sum.Failed != 1 || sum.Completed != 3 {
		t.Fatalf("summary = %+v, want 2 success / 1 failed / 3 completed", sum)
	}
	if store.failures[10] != 0 || store.failures[30] != 0 {
		t.Errorf("healthy streams have failures: %v", store.failures)
	}
	if store.failures[20] != 1 {
		t.Errorf("failures[20] = %d, want 1", store.failures[20])
	}
}

func TestRunBulkSuccessResetsFailures(t *testing.T) {
	store := newFakeStore()
	bad := map[string]bool{"http://s/1": true}
	eng := NewEngine(store, &fakeProber{bad: bad}, Options{MaxConcurrent: 1}, zerolog.Nop())

	targets := []Target{{StreamID: 1, URL: "http://s/1", Name: "one"}}
	eng.RunBulk(context.Background(), targets, false, nil)
	eng.RunBulk(context.Background(), targets, false, nil)
	if store.failures[1] != 2 {
		t.Fatalf("failures = %d, want 2 after two failing runs", store.failures[1])
	}

	delete(bad, "http://s/1")
	eng.RunBulk(context.Background(), targets, false, nil)
	if store.failures[1] != 0 {
		t.Errorf("failures = %d, want 0 after success", store.failures[1])
	}
}

func TestRunBulkSkipsRecentlyProbed(t *testing.T) {
	store := newFakeStore()
	store.recent[10] = true
	eng := NewEngine(store, &fakeProber{}, Options{MaxConcurrent: 1, SkipRecentlyFor: time.Hour}, zerolog.Nop())

	targets := []Target{
		{StreamID: 10, URL: "http://s/10", Name: "recent"},
		{StreamID: 20, URL: "http://s/20", Name: "stale"},
	}
	sum := eng.RunBulk(context.Background(), targets, false, nil)
	if sum.Skipped != 1 || sum.Success != 1 {
		t.Errorf("summary = %+v, want 1 skipped / 1 success", sum)
	}

	// force re-probes everything
	sum = eng.RunBulk(context.Background(), targets, true, nil)
	if sum.Skipped != 0 || sum.Success != 2 {
		t.Errorf("forced summary = %+v, want 0 skipped / 2 success", sum)
	}
}

func TestStruckOutThresholdZeroDisables(t *testing.T) {
	store := newFakeStore()
	store.failures[1] = 99
	eng := NewEngine(store, &fakeProber{}, Options{MaxConcurrent: 1, StrikeThreshold: 0}, zerolog.Nop())

	struck, err := eng.StruckOut(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(struck) != 0 {
		t.Errorf("struck-out set = %v, want empty with threshold 0", struck)
	}
}
