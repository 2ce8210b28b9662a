package autocreate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/database"
	"github.com/snarg/ecm-engine/internal/upstream"
)

// Execution statuses.
const (
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusRolledBack = "rolled_back"
	StatusWarning    = "warning"
)

// API is the slice of the upstream client the pipeline drives.
type API interface {
	ListStreams(ctx context.Context, accountIDs []int64) ([]upstream.Stream, error)
	ListChannels(ctx context.Context) ([]upstream.Channel, error)
	ListChannelGroups(ctx context.Context) ([]upstream.ChannelGroup, error)
	CreateChannelGroup(ctx context.Context, name string) (*upstream.ChannelGroup, error)
	CreateChannel(ctx context.Context, ch *upstream.Channel) (*upstream.Channel, error)
	UpdateChannel(ctx context.Context, id int64, fields map[string]any) (*upstream.Channel, error)
	AddStreamToChannel(ctx context.Context, channelID, streamID int64) error
	DeleteChannel(ctx context.Context, id int64) error
	DeleteChannelGroup(ctx context.Context, id int64, stillReferenced bool) error
}

// Store is the slice of the local store the pipeline records executions in.
type Store interface {
	ListAutoCreationRules(ctx context.Context, enabledOnly bool) ([]database.AutoCreationRule, error)
	InsertExecution(ctx context.Context, e *database.AutoCreationExecution) (int64, error)
	FinishExecution(ctx context.Context, e *database.AutoCreationExecution) error
	GetExecution(ctx context.Context, id int64) (*database.AutoCreationExecution, error)
	MarkExecutionRolledBack(ctx context.Context, id int64) error
}

// Conflict records a rule collision or a per-entity apply failure.
type Conflict struct {
	Kind       string `json:"kind"` // rule_collision, existing_channel, apply_error
	ChannelKey string `json:"channel_key,omitempty"`
	RuleID     int64  `json:"rule_id,omitempty"`
	WinnerRule int64  `json:"winner_rule,omitempty"`
	StreamID   int64  `json:"stream_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// planChannel is one channel the pipeline intends to create or extend.
type planChannel struct {
	Key           string   `json:"key"`
	Name          string   `json:"name"`
	GroupName     string   `json:"group_name,omitempty"`
	ChannelNumber float64  `json:"channel_number,omitempty"`
	LogoURL       string   `json:"logo_url,omitempty"`
	StreamIDs     []int64  `json:"stream_ids"`
	RuleID        int64    `json:"rule_id"`
	ExistingID    int64    `json:"existing_id,omitempty"` // non-zero: merge into this channel
}

// Options configures one pipeline run.
type Options struct {
	DryRun         bool
	TriggeredBy    string
	AccountIDs     []int64
	RuleIDs        []int64
	ExcludedTerms  []string
	ExcludedGroups []string
}

type Pipeline struct {
	api   API
	store Store
	log   zerolog.Logger
}

func NewPipeline(api API, store Store, log zerolog.Logger) *Pipeline {
	return &Pipeline{api: api, store: store, log: log}
}

// Run executes the pipeline: enumerate candidate streams, evaluate rules in
// priority order, build a plan, then (unless dry-run) apply it through the
// upstream API in stable order — groups first, channels next, stream
// attachments last. Created entity ids are recorded for rollback.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*database.AutoCreationExecution, error) {
	mode := "execute"
	if opts.DryRun {
		mode = "dry_run"
	}
	exec := &database.AutoCreationExecution{
		Mode:        mode,
		TriggeredBy: opts.TriggeredBy,
		Status:      StatusRunning,
	}
	id, err := p.store.InsertExecution(ctx, exec)
	if err != nil {
		return nil, err
	}
	exec.ID = id

	finish := func(status, detail string) (*database.AutoCreationExecution, error) {
		exec.Status = status
		if detail != "" {
			raw, _ := json.Marshal(map[string]string{"error": detail})
			exec.Details = raw
		}
		if err := p.store.FinishExecution(ctx, exec); err != nil {
			p.log.Error().Err(err).Int64("execution_id", exec.ID).Msg("failed to finish execution")
		}
		return exec, nil
	}

	plan, conflicts, err := p.buildPlan(ctx, opts, exec)
	if err != nil {
		if ctx.Err() != nil {
			return finish(StatusCancelled, ctx.Err().Error())
		}
		return finish(StatusFailed, err.Error())
	}

	if opts.DryRun {
		raw, _ := json.Marshal(map[string]any{"plan": plan, "conflicts": conflicts})
		exec.Details = raw
		exec.Conflicts = marshalConflicts(conflicts)
		return finish(StatusCompleted, "")
	}

	conflicts = append(conflicts, p.apply(ctx, plan, exec)...)
	conflicts = append(conflicts, p.handleOrphans(ctx, opts, plan)...)
	exec.Conflicts = marshalConflicts(conflicts)

	status := StatusCompleted
	for _, c := range conflicts {
		if c.Kind == "apply_error" {
			status = StatusWarning
			break
		}
	}
	if ctx.Err() != nil {
		status = StatusCancelled
	}
	return finish(status, "")
}

// buildPlan evaluates rules against the candidate streams. Resolution
// policy on colliding channel keys: first rule in priority order wins,
// later matches are recorded as conflicts.
func (p *Pipeline) buildPlan(ctx context.Context, opts Options, exec *database.AutoCreationExecution) ([]*planChannel, []Conflict, error) {
	streams, err := p.api.ListStreams(ctx, opts.AccountIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("list streams: %w", err)
	}
	rules, err := p.store.ListAutoCreationRules(ctx, true)
	if err != nil {
		return nil, nil, fmt.Errorf("list rules: %w", err)
	}
	if len(opts.RuleIDs) > 0 {
		wanted := make(map[int64]bool, len(opts.RuleIDs))
		for _, id := range opts.RuleIDs {
			wanted[id] = true
		}
		filtered := rules[:0]
		for _, r := range rules {
			if wanted[r.ID] {
				filtered = append(filtered, r)
			}
		}
		rules = filtered
	}

	channels, err := p.api.ListChannels(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list channels: %w", err)
	}
	existing := make(map[string]*upstream.Channel, len(channels))
	for i := range channels {
		existing[channelKey(channels[i].Name)] = &channels[i]
	}

	type parsedRule struct {
		rule    database.AutoCreationRule
		conds   []Condition
		actions []Action
	}
	var parsed []parsedRule
	warned := make(map[int64]bool)
	for _, r := range rules {
		conds, err := ParseConditions(r.Conditions)
		if err != nil {
			p.log.Warn().Err(err).Int64("rule_id", r.ID).Msg("skipping rule with invalid conditions")
			continue
		}
		actions, err := ParseActions(r.Actions)
		if err != nil {
			p.log.Warn().Err(err).Int64("rule_id", r.ID).Msg("skipping rule with invalid actions")
			continue
		}
		parsed = append(parsed, parsedRule{rule: r, conds: conds, actions: actions})
	}

	streams = excludeStreams(streams, opts.ExcludedTerms, opts.ExcludedGroups)

	// Streams are considered in the highest-priority selected rule's sort
	// order, which drives set_channel_number numbering.
	desc := len(parsed) > 0 && parsed[0].rule.SortOrder == "desc"
	sort.SliceStable(streams, func(i, j int) bool {
		if desc {
			return streams[i].Name > streams[j].Name
		}
		return streams[i].Name < streams[j].Name
	})

	planByKey := make(map[string]*planChannel)
	var order []string
	var conflicts []Conflict
	nextNumber := make(map[int64]float64) // per-rule running channel number

	for i := range streams {
		if ctx.Err() != nil {
			return nil, conflicts, ctx.Err()
		}
		stream := &streams[i]
		exec.StreamsEvaluated++

		for _, pr := range parsed {
			matched, err := matchStream(pr.conds, stream)
			if err != nil {
				// Caught per rule, logged once per rule id, treated as no match.
				if !warned[pr.rule.ID] {
					warned[pr.rule.ID] = true
					p.log.Warn().Err(err).Int64("rule_id", pr.rule.ID).Msg("rule evaluation error")
				}
				continue
			}
			if !matched {
				continue
			}
			exec.StreamsMatched++

			entry, skip := resolveActions(pr.actions, pr.rule.ID, stream, nextNumber)
			if skip {
				if pr.rule.StopOnFirstMatch {
					break
				}
				continue
			}

			if prior, ok := planByKey[entry.Key]; ok {
				if prior.RuleID != pr.rule.ID && !samePlanShape(prior, entry) {
					conflicts = append(conflicts, Conflict{
						Kind:       "rule_collision",
						ChannelKey: entry.Key,
						RuleID:     pr.rule.ID,
						WinnerRule: prior.RuleID,
						StreamID:   stream.ID,
					})
				}
				prior.StreamIDs = appendUnique(prior.StreamIDs, stream.ID)
			} else {
				if ex, exists := existing[entry.Key]; exists {
					// Creating would duplicate an upstream channel: merge
					// the stream into it and record the conflict.
					entry.ExistingID = ex.ID
					conflicts = append(conflicts, Conflict{
						Kind:       "existing_channel",
						ChannelKey: entry.Key,
						RuleID:     pr.rule.ID,
						StreamID:   stream.ID,
					})
				}
				entry.StreamIDs = []int64{stream.ID}
				planByKey[entry.Key] = entry
				order = append(order, entry.Key)
			}

			if pr.rule.StopOnFirstMatch {
				break
			}
		}
	}

	plan := make([]*planChannel, 0, len(order))
	for _, key := range order {
		plan = append(plan, planByKey[key])
	}
	return plan, conflicts, nil
}

// resolveActions folds a rule's actions into a plan entry for one stream.
func resolveActions(actions []Action, ruleID int64, stream *upstream.Stream, nextNumber map[int64]float64) (*planChannel, bool) {
	entry := &planChannel{
		Name:   stream.Name,
		RuleID: ruleID,
	}
	create := false
	for _, a := range actions {
		switch a.Type {
		case ActionSkip:
			return nil, true
		case ActionCreateChannel:
			create = true
			if a.NameTemplate != "" {
				entry.Name = renderTemplate(a.NameTemplate, stream)
			}
		case ActionSetGroup:
			entry.GroupName = renderTemplate(a.GroupName, stream)
		case ActionSetChannelNumber:
			n, ok := nextNumber[ruleID]
			if !ok {
				n = a.StartNumber
			}
			entry.ChannelNumber = n
			nextNumber[ruleID] = n + 1
		case ActionSetLogo:
			if a.FromStream {
				entry.LogoURL = stream.LogoURL
			} else {
				entry.LogoURL = a.LogoURL
			}
		case ActionMergeDuplicates:
			// Merging is implicit: plan entries key on the channel name, so
			// same-named streams coalesce into one entry.
			create = true
		}
	}
	if !create {
		return nil, true
	}
	if entry.GroupName == "" {
		entry.GroupName = stream.GroupName
	}
	entry.Key = channelKey(entry.Name)
	return entry, false
}

// apply materializes a plan: groups, then channels, then attachments.
// Per-entity failures are recorded and the apply continues.
func (p *Pipeline) apply(ctx context.Context, plan []*planChannel, exec *database.AutoCreationExecution) []Conflict {
	var conflicts []Conflict

	groups, err := p.api.ListChannelGroups(ctx)
	if err != nil {
		return append(conflicts, Conflict{Kind: "apply_error", Error: "list groups: " + err.Error()})
	}
	groupIDs := make(map[string]int64, len(groups))
	for _, g := range groups {
		groupIDs[g.Name] = g.ID
	}

	// Phase: groups.
	for _, entry := range plan {
		if ctx.Err() != nil {
			return conflicts
		}
		if entry.GroupName == "" {
			continue
		}
		if _, ok := groupIDs[entry.GroupName]; ok {
			continue
		}
		g, err := p.api.CreateChannelGroup(ctx, entry.GroupName)
		if err != nil {
			conflicts = append(conflicts, Conflict{Kind: "apply_error", ChannelKey: entry.Key,
				Error: "create group: " + err.Error()})
			continue
		}
		groupIDs[entry.GroupName] = g.ID
		exec.GroupsCreated++
		exec.CreatedGroupIDs = append(exec.CreatedGroupIDs, g.ID)
	}

	// Phase: channels.
	created := make(map[string]int64, len(plan))
	for _, entry := range plan {
		if ctx.Err() != nil {
			return conflicts
		}
		if entry.ExistingID != 0 {
			created[entry.Key] = entry.ExistingID
			continue
		}
		ch := &upstream.Channel{
			Name:          entry.Name,
			ChannelNumber: entry.ChannelNumber,
			GroupID:       groupIDs[entry.GroupName],
			LogoURL:       entry.LogoURL,
			AutoCreated:   true,
			Enabled:       true,
		}
		out, err := p.api.CreateChannel(ctx, ch)
		if err != nil {
			conflicts = append(conflicts, Conflict{Kind: "apply_error", ChannelKey: entry.Key,
				Error: "create channel: " + err.Error()})
			continue
		}
		created[entry.Key] = out.ID
		exec.ChannelsCreated++
		exec.CreatedChannelIDs = append(exec.CreatedChannelIDs, out.ID)
	}

	// Phase: stream attachments.
	for _, entry := range plan {
		channelID, ok := created[entry.Key]
		if !ok {
			continue
		}
		for _, sid := range entry.StreamIDs {
			if ctx.Err() != nil {
				return conflicts
			}
			if err := p.api.AddStreamToChannel(ctx, channelID, sid); err != nil {
				conflicts = append(conflicts, Conflict{Kind: "apply_error", ChannelKey: entry.Key,
					StreamID: sid, Error: "attach stream: " + err.Error()})
				continue
			}
			exec.StreamsMerged++
		}
	}
	return conflicts
}

// handleOrphans applies the configured orphan action to auto-created
// channels the current plan no longer produces. Scoped runs see a partial
// stream set, so orphan handling only runs on full executions.
func (p *Pipeline) handleOrphans(ctx context.Context, opts Options, plan []*planChannel) []Conflict {
	if len(opts.AccountIDs) > 0 || len(opts.RuleIDs) > 0 {
		return nil
	}
	rules, err := p.store.ListAutoCreationRules(ctx, true)
	if err != nil {
		return nil
	}
	action := "keep"
	for _, r := range rules {
		if r.OrphanAction == "delete" {
			action = "delete"
			break
		}
		if r.OrphanAction == "disable" {
			action = "disable"
		}
	}
	if action == "keep" {
		return nil
	}

	planned := make(map[string]bool, len(plan))
	for _, entry := range plan {
		planned[entry.Key] = true
	}
	channels, err := p.api.ListChannels(ctx)
	if err != nil {
		return []Conflict{{Kind: "apply_error", Error: "list channels for orphan check: " + err.Error()}}
	}

	var conflicts []Conflict
	for _, ch := range channels {
		if !ch.AutoCreated || planned[channelKey(ch.Name)] {
			continue
		}
		if ctx.Err() != nil {
			return conflicts
		}
		var err error
		if action == "delete" {
			err = p.api.DeleteChannel(ctx, ch.ID)
		} else {
			_, err = p.api.UpdateChannel(ctx, ch.ID, map[string]any{"enabled": false})
		}
		if err != nil {
			conflicts = append(conflicts, Conflict{Kind: "apply_error", ChannelKey: channelKey(ch.Name),
				Error: "orphan " + action + ": " + err.Error()})
		}
	}
	return conflicts
}

// Rollback deletes the entities an execution created and marks it rolled
// back. A second rollback of the same execution is a no-op success.
func (p *Pipeline) Rollback(ctx context.Context, executionID int64) (*database.AutoCreationExecution, error) {
	exec, err := p.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status == StatusRolledBack {
		return exec, nil
	}

	for _, id := range exec.CreatedChannelIDs {
		if err := p.api.DeleteChannel(ctx, id); err != nil && !upstream.IsNotFound(err) {
			return nil, fmt.Errorf("delete channel %d: %w", id, err)
		}
	}
	for _, id := range exec.CreatedGroupIDs {
		if err := p.api.DeleteChannelGroup(ctx, id, false); err != nil && !upstream.IsNotFound(err) {
			return nil, fmt.Errorf("delete group %d: %w", id, err)
		}
	}

	if err := p.store.MarkExecutionRolledBack(ctx, executionID); err != nil {
		return nil, err
	}
	return p.store.GetExecution(ctx, executionID)
}

// RunAfterRefresh runs the run_on_refresh rule subset, scoped to the
// refreshed accounts.
func (p *Pipeline) RunAfterRefresh(ctx context.Context, accountIDs []int64) (*database.AutoCreationExecution, error) {
	rules, err := p.store.ListAutoCreationRules(ctx, true)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, r := range rules {
		if r.RunOnRefresh {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return p.Run(ctx, Options{
		TriggeredBy: "m3u_refresh",
		AccountIDs:  accountIDs,
		RuleIDs:     ids,
	})
}

func excludeStreams(streams []upstream.Stream, terms, groups []string) []upstream.Stream {
	if len(terms) == 0 && len(groups) == 0 {
		return streams
	}
	excludedGroup := make(map[string]bool, len(groups))
	for _, g := range groups {
		excludedGroup[strings.ToLower(g)] = true
	}
	out := streams[:0]
	for _, s := range streams {
		if excludedGroup[strings.ToLower(s.GroupName)] {
			continue
		}
		skip := false
		lower := strings.ToLower(s.Name)
		for _, term := range terms {
			if term != "" && strings.Contains(lower, strings.ToLower(term)) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, s)
		}
	}
	return out
}

func channelKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func samePlanShape(a, b *planChannel) bool {
	return a.GroupName == b.GroupName && a.LogoURL == b.LogoURL &&
		(a.ChannelNumber == b.ChannelNumber || b.ChannelNumber == 0)
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, x := range ids {
		if x == id {
			return ids
		}
	}
	return append(ids, id)
}

func marshalConflicts(conflicts []Conflict) json.RawMessage {
	if len(conflicts) == 0 {
		return json.RawMessage(`[]`)
	}
	raw, err := json.Marshal(conflicts)
	if err != nil {
		return json.RawMessage(`[]`)
	}
	return raw
}
