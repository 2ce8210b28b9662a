package bulk

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/upstream"
)

type fakeAPI struct {
	channels []upstream.Channel
	groups   []upstream.ChannelGroup
	streams  []upstream.Stream

	nextID      int64
	attachments map[int64][]int64
	deleted     []int64
	mutations   int

	failCreateChannelNamed string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{nextID: 1000, attachments: make(map[int64][]int64)}
}

func (f *fakeAPI) ListChannels(ctx context.Context) ([]upstream.Channel, error) {
	return f.channels, nil
}

func (f *fakeAPI) ListChannelGroups(ctx context.Context) ([]upstream.ChannelGroup, error) {
	return f.groups, nil
}

func (f *fakeAPI) GetStreamsByIDs(ctx context.Context, ids []int64) ([]upstream.Stream, error) {
	var out []upstream.Stream
	for _, s := range f.streams {
		for _, id := range ids {
			if s.ID == id {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (f *fakeAPI) CreateChannel(ctx context.Context, ch *upstream.Channel) (*upstream.Channel, error) {
	f.mutations++
	if ch.Name == f.failCreateChannelNamed {
		return nil, errors.New("simulated create failure")
	}
	f.nextID++
	out := *ch
	out.ID = f.nextID
	f.channels = append(f.channels, out)
	return &out, nil
}

func (f *fakeAPI) DeleteChannel(ctx context.Context, id int64) error {
	f.mutations++
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAPI) UpdateChannel(ctx context.Context, id int64, fields map[string]any) (*upstream.Channel, error) {
	f.mutations++
	return &upstream.Channel{ID: id}, nil
}

func (f *fakeAPI) AddStreamToChannel(ctx context.Context, channelID, streamID int64) error {
	f.mutations++
	f.attachments[channelID] = append(f.attachments[channelID], streamID)
	return nil
}

func (f *fakeAPI) RemoveStreamFromChannel(ctx context.Context, channelID, streamID int64) error {
	f.mutations++
	return nil
}

func (f *fakeAPI) ReorderChannelStreams(ctx context.Context, channelID int64, streamIDs []int64) error {
	f.mutations++
	return nil
}

func (f *fakeAPI) BulkAssignChannelNumbers(ctx context.Context, assignments map[int64]float64) error {
	f.mutations++
	return nil
}

func (f *fakeAPI) CreateChannelGroup(ctx context.Context, name string) (*upstream.ChannelGroup, error) {
	f.mutations++
	for _, g := range f.groups {
		if g.Name == name {
			return nil, &upstream.StatusError{Code: 409, Detail: "already exists"}
		}
	}
	f.nextID++
	g := upstream.ChannelGroup{ID: f.nextID, Name: name, Enabled: true}
	f.groups = append(f.groups, g)
	return &g, nil
}

func (f *fakeAPI) DeleteChannelGroup(ctx context.Context, id int64, stillReferenced bool) error {
	f.mutations++
	return nil
}

func (f *fakeAPI) RenameChannelGroup(ctx context.Context, id int64, name string) error {
	f.mutations++
	return nil
}

func TestApplyTempIDRemap(t *testing.T) {
	api := newFakeAPI()
	api.streams = []upstream.Stream{{ID: 50, Name: "feed"}}
	a := NewApplier(api, zerolog.Nop())

	res, err := a.Apply(context.Background(), &Request{
		Operations: []Operation{
			{Type: OpCreateChannel, TempID: -1, Name: "NEW"},
			{Type: OpAddStreamToChannel, ChannelID: -1, StreamID: 50},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.OperationsApplied != 2 {
		t.Fatalf("result = %+v, want 2 applied", res)
	}
	realID, ok := res.TempIDMap[-1]
	if !ok || realID <= 0 {
		t.Fatalf("TempIDMap[-1] = %d, want a real id", realID)
	}
	if got := api.attachments[realID]; len(got) != 1 || got[0] != 50 {
		t.Errorf("attachments = %v, want stream 50 on channel %d", api.attachments, realID)
	}
}

func TestApplyValidateOnlyMakesNoMutations(t *testing.T) {
	api := newFakeAPI()
	api.streams = []upstream.Stream{{ID: 50}}
	a := NewApplier(api, zerolog.Nop())

	res, err := a.Apply(context.Background(), &Request{
		ValidateOnly: true,
		Operations: []Operation{
			{Type: OpCreateChannel, TempID: -1, Name: "NEW"},
			{Type: OpAddStreamToChannel, ChannelID: -1, StreamID: 50},
			{Type: OpDeleteChannel, ChannelID: 999}, // missing
		},
		GroupsToCreate: []string{"Fresh Group"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if api.mutations != 0 {
		t.Errorf("validate_only made %d mutations", api.mutations)
	}
	if res.Success {
		t.Error("success reported despite validation errors")
	}
	foundMissing := false
	for _, iss := range res.ValidationIssues {
		if iss.Type == IssueMissingChannel && iss.Index == 2 {
			foundMissing = true
		}
	}
	if !foundMissing {
		t.Errorf("issues = %+v, want missing_channel at index 2", res.ValidationIssues)
	}
}

func TestApplyAbortsOnValidationErrorWithoutContinue(t *testing.T) {
	api := newFakeAPI()
	a := NewApplier(api, zerolog.Nop())

	res, err := a.Apply(context.Background(), &Request{
		Operations: []Operation{
			{Type: OpCreateChannel, TempID: -1, Name: "NEW"},
			{Type: OpDeleteChannel, ChannelID: 12345},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if api.mutations != 0 {
		t.Errorf("aborted batch still made %d mutations", api.mutations)
	}
	if res.Success {
		t.Error("success reported for aborted batch")
	}
}

func TestApplyContinueOnErrorPartialSuccess(t *testing.T) {
	api := newFakeAPI()
	api.failCreateChannelNamed = "BAD"
	a := NewApplier(api, zerolog.Nop())

	res, err := a.Apply(context.Background(), &Request{
		ContinueOnError: true,
		Operations: []Operation{
			{Type: OpCreateChannel, TempID: -1, Name: "GOOD"},
			{Type: OpCreateChannel, TempID: -2, Name: "BAD"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Error("continue_on_error with one applied op should report success")
	}
	if res.OperationsApplied != 1 || res.OperationsFailed != 1 {
		t.Errorf("applied=%d failed=%d, want 1/1", res.OperationsApplied, res.OperationsFailed)
	}
	if res.Note == "" {
		t.Error("partial success must carry an explanatory note")
	}
}

func TestApplyGroupCreationReusesExisting(t *testing.T) {
	api := newFakeAPI()
	api.groups = []upstream.ChannelGroup{{ID: 7, Name: "News", Enabled: true}}
	a := NewApplier(api, zerolog.Nop())

	res, err := a.Apply(context.Background(), &Request{
		GroupsToCreate: []string{"News", "Sports", "Sports"}, // dupes collapse
		Operations: []Operation{
			{Type: OpCreateChannel, TempID: -1, Name: "CNN", GroupName: "News"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.GroupIDMap["News"] != 7 {
		t.Errorf("GroupIDMap[News] = %d, want reused id 7", res.GroupIDMap["News"])
	}
	if res.GroupIDMap["Sports"] == 0 {
		t.Error("Sports group not created")
	}
}

func TestValidateTempIDForwardReference(t *testing.T) {
	api := newFakeAPI()
	api.streams = []upstream.Stream{{ID: 50}}
	a := NewApplier(api, zerolog.Nop())

	res, err := a.Apply(context.Background(), &Request{
		ValidateOnly: true,
		Operations: []Operation{
			{Type: OpAddStreamToChannel, ChannelID: -3, StreamID: 50}, // -3 never created
			{Type: OpCreateChannel, TempID: -3, Name: "LATE"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, iss := range res.ValidationIssues {
		if iss.Index == 0 && iss.Type == IssueInvalidOperation {
			found = true
		}
	}
	if !found {
		t.Errorf("issues = %+v, want forward temp-id reference flagged", res.ValidationIssues)
	}
}
