package autocreate

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/database"
	"github.com/snarg/ecm-engine/internal/upstream"
)

type fakeAPI struct {
	streams  []upstream.Stream
	channels []upstream.Channel
	groups   []upstream.ChannelGroup

	nextID        int64
	createdChans  []int64
	createdGroups []int64
	attachments   map[int64][]int64
	deletedChans  []int64
	deletedGroups []int64
	mutations     int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{nextID: 100, attachments: make(map[int64][]int64)}
}

func (f *fakeAPI) ListStreams(ctx context.Context, ids []int64) ([]upstream.Stream, error) {
	return f.streams, nil
}

func (f *fakeAPI) ListChannels(ctx context.Context) ([]upstream.Channel, error) {
	return f.channels, nil
}

func (f *fakeAPI) ListChannelGroups(ctx context.Context) ([]upstream.ChannelGroup, error) {
	return f.groups, nil
}

func (f *fakeAPI) CreateChannelGroup(ctx context.Context, name string) (*upstream.ChannelGroup, error) {
	f.mutations++
	f.nextID++
	g := upstream.ChannelGroup{ID: f.nextID, Name: name, Enabled: true}
	f.groups = append(f.groups, g)
	f.createdGroups = append(f.createdGroups, g.ID)
	return &g, nil
}

func (f *fakeAPI) CreateChannel(ctx context.Context, ch *upstream.Channel) (*upstream.Channel, error) {
	f.mutations++
	f.nextID++
	out := *ch
	out.ID = f.nextID
	f.channels = append(f.channels, out)
	f.createdChans = append(f.createdChans, out.ID)
	return &out, nil
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

func (f *fakeAPI) DeleteChannel(ctx context.Context, id int64) error {
	f.mutations++
	f.deletedChans = append(f.deletedChans, id)
	return nil
}

func (f *fakeAPI) DeleteChannelGroup(ctx context.Context, id int64, stillReferenced bool) error {
	f.mutations++
	f.deletedGroups = append(f.deletedGroups, id)
	return nil
}

type fakeRuleStore struct {
	rules []database.AutoCreationRule
	execs map[int64]*database.AutoCreationExecution
	next  int64
}

func newFakeRuleStore(rules ...database.AutoCreationRule) *fakeRuleStore {
	return &fakeRuleStore{rules: rules, execs: make(map[int64]*database.AutoCreationExecution)}
}

func (f *fakeRuleStore) ListAutoCreationRules(ctx context.Context, enabledOnly bool) ([]database.AutoCreationRule, error) {
	return f.rules, nil
}

func (f *fakeRuleStore) InsertExecution(ctx context.Context, e *database.AutoCreationExecution) (int64, error) {
	f.next++
	copy := *e
	copy.ID = f.next
	f.execs[f.next] = &copy
	return f.next, nil
}

func (f *fakeRuleStore) FinishExecution(ctx context.Context, e *database.AutoCreationExecution) error {
	copy := *e
	f.execs[e.ID] = &copy
	return nil
}

func (f *fakeRuleStore) GetExecution(ctx context.Context, id int64) (*database.AutoCreationExecution, error) {
	copy := *f.execs[id]
	return &copy, nil
}

func (f *fakeRuleStore) MarkExecutionRolledBack(ctx context.Context, id int64) error {
	e := f.execs[id]
	e.Status = StatusRolledBack
	e.CreatedChannelIDs = nil
	e.CreatedGroupIDs = nil
	e.ChannelsCreated = 0
	e.GroupsCreated = 0
	return nil
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func sportsRule(t *testing.T) database.AutoCreationRule {
	return database.AutoCreationRule{
		ID: 1, Name: "sports", Enabled: true, Priority: 0, StopOnFirstMatch: true,
		Conditions: mustJSON(t, []Condition{{Field: FieldGroup, Operator: OpEquals, Value: "Sports"}}),
		Actions: mustJSON(t, []Action{
			{Type: ActionCreateChannel},
			{Type: ActionSetGroup, GroupName: "Auto Sports"},
		}),
	}
}

func TestRunDryRunMakesNoMutations(t *testing.T) {
	api := newFakeAPI()
	api.streams = []upstream.Stream{
		{ID: 1, Name: "ESPN", GroupName: "Sports"},
		{ID: 2, Name: "CNN", GroupName: "News"},
	}
	store := newFakeRuleStore(sportsRule(t))
	p := NewPipeline(api, store, zerolog.Nop())

	exec, err := p.Run(context.Background(), Options{DryRun: true, TriggeredBy: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
	if api.mutations != 0 {
		t.Errorf("dry run made %d upstream mutations", api.mutations)
	}
	if exec.StreamsEvaluated != 2 || exec.StreamsMatched != 1 {
		t.Errorf("evaluated=%d matched=%d, want 2/1", exec.StreamsEvaluated, exec.StreamsMatched)
	}
	if exec.Details == nil {
		t.Error("dry run recorded no plan details")
	}
}

func TestRunExecuteCreatesInOrder(t *testing.T) {
	api := newFakeAPI()
	api.streams = []upstream.Stream{
		{ID: 1, Name: "ESPN", GroupName: "Sports"},
		{ID: 2, Name: "TNT Sports", GroupName: "Sports"},
	}
	store := newFakeRuleStore(sportsRule(t))
	p := NewPipeline(api, store, zerolog.Nop())

	exec, err := p.Run(context.Background(), Options{TriggeredBy: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (conflicts=%s)", exec.Status, exec.Conflicts)
	}
	if exec.GroupsCreated != 1 {
		t.Errorf("groups created = %d, want 1", exec.GroupsCreated)
	}
	if exec.ChannelsCreated != 2 {
		t.Errorf("channels created = %d, want 2", exec.ChannelsCreated)
	}
	if exec.StreamsMerged != 2 {
		t.Errorf("streams merged = %d, want 2", exec.StreamsMerged)
	}
	if len(exec.CreatedChannelIDs) != 2 || len(exec.CreatedGroupIDs) != 1 {
		t.Errorf("recorded ids = %v / %v", exec.CreatedChannelIDs, exec.CreatedGroupIDs)
	}
	// The fake hands out increasing ids, so the group must carry the lowest.
	if len(api.createdGroups) != 1 || len(api.createdChans) != 2 || api.createdGroups[0] > api.createdChans[0] {
		t.Errorf("creation order: groups %v, channels %v; want the group created first",
			api.createdGroups, api.createdChans)
	}
}

func TestRunMergesIntoExistingChannel(t *testing.T) {
	api := newFakeAPI()
	api.streams = []upstream.Stream{{ID: 5, Name: "ESPN", GroupName: "Sports"}}
	api.channels = []upstream.Channel{{ID: 42, Name: "ESPN"}}
	store := newFakeRuleStore(sportsRule(t))
	p := NewPipeline(api, store, zerolog.Nop())

	exec, err := p.Run(context.Background(), Options{TriggeredBy: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if exec.ChannelsCreated != 0 {
		t.Errorf("channels created = %d, want 0 (merge into existing)", exec.ChannelsCreated)
	}
	if got := api.attachments[42]; len(got) != 1 || got[0] != 5 {
		t.Errorf("attachments to existing channel = %v, want [5]", got)
	}
	var conflicts []Conflict
	if err := json.Unmarshal(exec.Conflicts, &conflicts); err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 || conflicts[0].Kind != "existing_channel" {
		t.Errorf("conflicts = %+v, want one existing_channel record", conflicts)
	}
}

func TestRunFirstRuleWinsOnCollision(t *testing.T) {
	ruleA := sportsRule(t)
	ruleA.StopOnFirstMatch = false
	ruleB := database.AutoCreationRule{
		ID: 2, Name: "sports-alt", Enabled: true, Priority: 1,
		Conditions: mustJSON(t, []Condition{{Field: FieldName, Operator: OpContains, Value: "ESPN"}}),
		Actions: mustJSON(t, []Action{
			{Type: ActionCreateChannel},
			{Type: ActionSetGroup, GroupName: "Different Group"},
		}),
	}
	api := newFakeAPI()
	api.streams = []upstream.Stream{{ID: 1, Name: "ESPN", GroupName: "Sports"}}
	store := newFakeRuleStore(ruleA, ruleB)
	p := NewPipeline(api, store, zerolog.Nop())

	exec, err := p.Run(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	var conflicts []Conflict
	if err := json.Unmarshal(exec.Conflicts, &conflicts); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range conflicts {
		if c.Kind == "rule_collision" && c.WinnerRule == 1 && c.RuleID == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("conflicts = %+v, want rule_collision with winner 1", conflicts)
	}
}

func TestRollbackRemovesExactlyRecordedIDs(t *testing.T) {
	api := newFakeAPI()
	api.streams = []upstream.Stream{{ID: 1, Name: "ESPN", GroupName: "Sports"}}
	store := newFakeRuleStore(sportsRule(t))
	p := NewPipeline(api, store, zerolog.Nop())

	exec, err := p.Run(context.Background(), Options{TriggeredBy: "test"})
	if err != nil {
		t.Fatal(err)
	}
	wantChans := append([]int64(nil), exec.CreatedChannelIDs...)
	wantGroups := append([]int64(nil), exec.CreatedGroupIDs...)

	rolled, err := p.Rollback(context.Background(), exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rolled.Status != StatusRolledBack {
		t.Errorf("status = %s, want rolled_back", rolled.Status)
	}
	if len(api.deletedChans) != len(wantChans) || len(api.deletedGroups) != len(wantGroups) {
		t.Errorf("deleted %v/%v, want %v/%v", api.deletedChans, api.deletedGroups, wantChans, wantGroups)
	}

	// Second rollback is a no-op success.
	mutationsBefore := api.mutations
	if _, err := p.Rollback(context.Background(), exec.ID); err != nil {
		t.Fatalf("second rollback errored: %v", err)
	}
	if api.mutations != mutationsBefore {
		t.Error("second rollback made upstream calls")
	}
}

func TestParseRejectsUnknownDiscriminants(t *testing.T) {
	if _, err := ParseConditions(json.RawMessage(`[{"field":"bogus","operator":"contains","value":"x"}]`)); err == nil {
		t.Error("unknown condition field accepted")
	}
	if _, err := ParseConditions(json.RawMessage(`[{"field":"name","operator":"sounds_like","value":"x"}]`)); err == nil {
		t.Error("unknown condition operator accepted")
	}
	if _, err := ParseActions(json.RawMessage(`[{"type":"explode"}]`)); err == nil {
		t.Error("unknown action type accepted")
	}
}
