package m3u

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/database"
)

func baseSettings() *database.DigestSettings {
	return &database.DigestSettings{
		Enabled:              true,
		Frequency:            FreqDaily,
		IncludeGroupChanges:  true,
		IncludeStreamChanges: true,
		ShowDetailedList:     true,
		MinChangesThreshold:  1,
	}
}

func TestFilterChangesGroupExclude(t *testing.T) {
	changes := []database.M3UChangeLog{
		{M3UAccountID: 1, ChangeType: ChangeStreamsAdded, GroupName: "ESPN+ PPV", Count: 2, StreamNames: []string{"A", "B"}},
		{M3UAccountID: 1, ChangeType: ChangeStreamsAdded, GroupName: "News", Count: 1, StreamNames: []string{"CNN"}},
	}
	s := baseSettings()
	s.ExcludeGroupPatterns = []string{`ESPN\+`}

	got := FilterChanges(changes, s)
	if len(got) != 1 || got[0].GroupName != "News" {
		t.Fatalf("filtered = %+v, want only the News change", got)
	}

	body := Render(got, true)
	if strings.Contains(body, "ESPN+") {
		t.Errorf("rendered digest still references excluded group:\n%s", body)
	}
	if !strings.Contains(body, "News") {
		t.Errorf("rendered digest missing News section:\n%s", body)
	}
}

func TestFilterChangesStreamExcludeAdjustsCount(t *testing.T) {
	changes := []database.M3UChangeLog{
		{M3UAccountID: 1, ChangeType: ChangeStreamsAdded, GroupName: "Sports",
			Count: 3, StreamNames: []string{"ESPN", "24/7 Darts", "FOX"}},
	}
	s := baseSettings()
	s.ExcludeStreamPatterns = []string{`24/7`}

	got := FilterChanges(changes, s)
	if len(got) != 1 {
		t.Fatalf("filtered = %+v, want one change kept", got)
	}
	if got[0].Count != 2 || len(got[0].StreamNames) != 2 {
		t.Errorf("kept change = %+v, want adjusted count 2", got[0])
	}
	// The original slice is untouched; the kept change is a filtered view.
	if changes[0].Count != 3 {
		t.Error("original change mutated by filtering")
	}
}

func TestFilterChangesFullyFilteredDropped(t *testing.T) {
	changes := []database.M3UChangeLog{
		{M3UAccountID: 1, ChangeType: ChangeStreamsAdded, GroupName: "Sports",
			Count: 1, StreamNames: []string{"24/7 Darts"}},
	}
	s := baseSettings()
	s.ExcludeStreamPatterns = []string{`24/7`}

	if got := FilterChanges(changes, s); len(got) != 0 {
		t.Errorf("filtered = %+v, want empty", got)
	}
}

func TestFilterChangesInvalidRegexSkipped(t *testing.T) {
	changes := []database.M3UChangeLog{
		{M3UAccountID: 1, ChangeType: ChangeStreamsAdded, GroupName: "Sports",
			Count: 1, StreamNames: []string{"ESPN"}},
	}
	s := baseSettings()
	s.ExcludeGroupPatterns = []string{`([`} // invalid — must be ignored

	if got := FilterChanges(changes, s); len(got) != 1 {
		t.Errorf("filtered = %+v, want the change kept", got)
	}
}

func TestFilterChangesCaseInsensitive(t *testing.T) {
	changes := []database.M3UChangeLog{
		{M3UAccountID: 1, ChangeType: ChangeGroupAdded, GroupName: "ADULT SWIM", StreamNames: []string{}},
	}
	s := baseSettings()
	s.ExcludeGroupPatterns = []string{`adult`}

	if got := FilterChanges(changes, s); len(got) != 0 {
		t.Errorf("filtered = %+v, want excluded case-insensitively", got)
	}
}

type fakeDigestStore struct {
	settings *database.DigestSettings
	changes  []database.M3UChangeLog
	digested []int64
	touched  bool
}

func (f *fakeDigestStore) GetDigestSettings(ctx context.Context) (*database.DigestSettings, error) {
	return f.settings, nil
}

func (f *fakeDigestStore) UndigestedChanges(ctx context.Context) ([]database.M3UChangeLog, error) {
	return f.changes, nil
}

func (f *fakeDigestStore) MarkChangesDigested(ctx context.Context, ids []int64) error {
	f.digested = append(f.digested, ids...)
	return nil
}

func (f *fakeDigestStore) TouchDigestSent(ctx context.Context) error {
	f.touched = true
	return nil
}

type fakeSender struct {
	mu        sync.Mutex
	emails    []string
	discords  []string
	telegrams []string
	failEmail bool
}

func (f *fakeSender) SendEmail(ctx context.Context, to []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEmail {
		return context.DeadlineExceeded
	}
	f.emails = append(f.emails, body)
	return nil
}

func (f *fakeSender) SendDiscord(ctx context.Context, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discords = append(f.discords, content)
	return nil
}

func (f *fakeSender) SendTelegram(ctx context.Context, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telegrams = append(f.telegrams, content)
	return nil
}

func TestDispatchBelowThresholdSkips(t *testing.T) {
	settings := baseSettings()
	settings.MinChangesThreshold = 5
	settings.SendToDiscord = true
	store := &fakeDigestStore{
		settings: settings,
		changes: []database.M3UChangeLog{
			{ID: 1, M3UAccountID: 1, ChangeType: ChangeStreamsAdded, GroupName: "Sports",
				Count: 1, StreamNames: []string{"ESPN"}},
		},
	}
	sender := &fakeSender{}
	d := NewDispatcher(store, sender, zerolog.Nop())

	res, err := d.Dispatch(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent || len(sender.discords) != 0 {
		t.Errorf("digest sent below threshold: %+v", res)
	}
}

func TestDispatchChannelFailureIsolated(t *testing.T) {
	settings := baseSettings()
	settings.EmailRecipients = []string{"ops@example.com"}
	settings.SendToDiscord = true
	store := &fakeDigestStore{
		settings: settings,
		changes: []database.M3UChangeLog{
			{ID: 1, M3UAccountID: 1, ChangeType: ChangeStreamsAdded, GroupName: "Sports",
				Count: 1, StreamNames: []string{"ESPN"}},
		},
	}
	sender := &fakeSender{failEmail: true}
	d := NewDispatcher(store, sender, zerolog.Nop())

	res, err := d.Dispatch(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Sent || res.ChannelErrors != 1 {
		t.Errorf("result = %+v, want sent with one channel error", res)
	}
	if len(sender.discords) != 1 {
		t.Error("discord dispatch aborted by email failure")
	}
	if len(store.digested) != 1 || !store.touched {
		t.Error("changes not marked digested after send")
	}
}

func TestValidatePatterns(t *testing.T) {
	if err := ValidatePatterns([]string{`ESPN\+`, `^24/7`}); err != nil {
		t.Errorf("valid patterns rejected: %v", err)
	}
	if err := ValidatePatterns([]string{`([`}); err == nil {
		t.Error("invalid pattern accepted")
	}
}
