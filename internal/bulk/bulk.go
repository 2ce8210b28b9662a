// Package bulk validates and executes heterogeneous channel-mutation
// batches against the upstream API: pre-validation with typed issues,
// temp-id remapping for channels created within the batch, and
// continue-on-error semantics.
package bulk

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/upstream"
)

// Operation types.
const (
	OpCreateChannel            = "createChannel"
	OpDeleteChannel            = "deleteChannel"
	OpUpdateChannel            = "updateChannel"
	OpAddStreamToChannel       = "addStreamToChannel"
	OpRemoveStreamFromChannel  = "removeStreamFromChannel"
	OpReorderChannelStreams    = "reorderChannelStreams"
	OpBulkAssignChannelNumbers = "bulkAssignChannelNumbers"
	OpCreateGroup              = "createGroup"
	OpDeleteChannelGroup       = "deleteChannelGroup"
	OpRenameChannelGroup       = "renameChannelGroup"
)

// Assignment pairs a channel with a number for bulkAssignChannelNumbers.
type Assignment struct {
	ChannelID     int64   `json:"channel_id"`
	ChannelNumber float64 `json:"channel_number"`
}

// Operation is one tagged-variant entry in a batch. Channels created within
// the batch carry a negative temp id; later operations reference them with
// the same negative id.
type Operation struct {
	Type          string         `json:"type"`
	TempID        int64          `json:"temp_id,omitempty"`
	ChannelID     int64          `json:"channel_id,omitempty"`
	StreamID      int64          `json:"stream_id,omitempty"`
	Name          string         `json:"name,omitempty"`
	GroupID       int64          `json:"group_id,omitempty"`
	GroupName     string         `json:"group_name,omitempty"`
	ChannelNumber float64        `json:"channel_number,omitempty"`
	StreamIDs     []int64        `json:"stream_ids,omitempty"`
	Assignments   []Assignment   `json:"assignments,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// Request is one bulk-commit batch.
type Request struct {
	Operations      []Operation `json:"operations"`
	GroupsToCreate  []string    `json:"groups_to_create,omitempty"`
	ValidateOnly    bool        `json:"validate_only,omitempty"`
	ContinueOnError bool        `json:"continue_on_error,omitempty"`
}

// Validation issue types and severities.
const (
	IssueMissingChannel   = "missing_channel"
	IssueMissingStream    = "missing_stream"
	IssueInvalidOperation = "invalid_operation"

	SeverityError   = "error"
	SeverityWarning = "warning"
)

type ValidationIssue struct {
	Index    int    `json:"index"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type OpError struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Result reports a batch's outcome. Under continue_on_error, success means
// at least one operation applied and no fatal validation error surfaced —
// the Note field spells this out for operators.
type Result struct {
	Success           bool              `json:"success"`
	OperationsApplied int               `json:"operations_applied"`
	OperationsFailed  int               `json:"operations_failed"`
	Errors            []OpError         `json:"errors"`
	TempIDMap         map[int64]int64   `json:"temp_id_map"`
	GroupIDMap        map[string]int64  `json:"group_id_map"`
	ValidationIssues  []ValidationIssue `json:"validation_issues"`
	Note              string            `json:"note,omitempty"`
}

// API is the slice of the upstream client the applier drives.
type API interface {
	ListChannels(ctx context.Context) ([]upstream.Channel, error)
	ListChannelGroups(ctx context.Context) ([]upstream.ChannelGroup, error)
	GetStreamsByIDs(ctx context.Context, ids []int64) ([]upstream.Stream, error)
	CreateChannel(ctx context.Context, ch *upstream.Channel) (*upstream.Channel, error)
	DeleteChannel(ctx context.Context, id int64) error
	UpdateChannel(ctx context.Context, id int64, fields map[string]any) (*upstream.Channel, error)
	AddStreamToChannel(ctx context.Context, channelID, streamID int64) error
	RemoveStreamFromChannel(ctx context.Context, channelID, streamID int64) error
	ReorderChannelStreams(ctx context.Context, channelID int64, streamIDs []int64) error
	BulkAssignChannelNumbers(ctx context.Context, assignments map[int64]float64) error
	CreateChannelGroup(ctx context.Context, name string) (*upstream.ChannelGroup, error)
	DeleteChannelGroup(ctx context.Context, id int64, stillReferenced bool) error
	RenameChannelGroup(ctx context.Context, id int64, name string) error
}

type Applier struct {
	api API
	log zerolog.Logger
}

func NewApplier(api API, log zerolog.Logger) *Applier {
	return &Applier{api: api, log: log}
}

// Apply runs the three phases: validation, group creation, ordered apply.
// With validate_only the upstream receives zero mutating calls. Without
// continue_on_error, any error-severity issue aborts before mutation.
func (a *Applier) Apply(ctx context.Context, req *Request) (*Result, error) {
	res := &Result{
		TempIDMap:  make(map[int64]int64),
		GroupIDMap: make(map[string]int64),
	}

	issues, err := a.validate(ctx, req)
	if err != nil {
		return nil, err
	}
	res.ValidationIssues = issues

	fatal := false
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			fatal = true
			break
		}
	}

	if req.ValidateOnly {
		res.Success = !fatal
		return res, nil
	}
	if fatal && !req.ContinueOnError {
		res.Note = "aborted before mutation: validation errors present"
		return res, nil
	}

	// Phase 1: groups (deduped by name; existing groups are reused).
	if err := a.createGroups(ctx, req, res); err != nil {
		return nil, err
	}

	// Phase 2: operations in submission order.
	invalid := make(map[int]bool)
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			invalid[iss.Index] = true
		}
	}
	for i, op := range req.Operations {
		if invalid[i] {
			res.OperationsFailed++
			res.Errors = append(res.Errors, OpError{Index: i, Type: op.Type, Error: "failed validation"})
			if !req.ContinueOnError {
				break
			}
			continue
		}
		if err := a.applyOne(ctx, i, &op, res); err != nil {
			res.OperationsFailed++
			res.Errors = append(res.Errors, OpError{Index: i, Type: op.Type, Error: err.Error()})
			if !req.ContinueOnError {
				break
			}
			continue
		}
		res.OperationsApplied++
	}

	if req.ContinueOnError {
		res.Success = res.OperationsApplied > 0 && !fatal
		if res.Success && res.OperationsFailed > 0 {
			res.Note = fmt.Sprintf("partial success: %d of %d operations applied",
				res.OperationsApplied, len(req.Operations))
		}
	} else {
		res.Success = res.OperationsFailed == 0 && !fatal
	}
	return res, nil
}

// validate prefetches referenced channels and streams and checks each
// operation, producing typed issues.
func (a *Applier) validate(ctx context.Context, req *Request) ([]ValidationIssue, error) {
	channels, err := a.api.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("prefetch channels: %w", err)
	}
	knownChannels := make(map[int64]bool, len(channels))
	for _, ch := range channels {
		knownChannels[ch.ID] = true
	}

	var streamIDs []int64
	for _, op := range req.Operations {
		if op.StreamID != 0 {
			streamIDs = append(streamIDs, op.StreamID)
		}
		streamIDs = append(streamIDs, op.StreamIDs...)
	}
	knownStreams := make(map[int64]bool, len(streamIDs))
	if len(streamIDs) > 0 {
		streams, err := a.api.GetStreamsByIDs(ctx, streamIDs)
		if err != nil {
			return nil, fmt.Errorf("prefetch streams: %w", err)
		}
		for _, s := range streams {
			knownStreams[s.ID] = true
		}
	}

	var issues []ValidationIssue
	tempDefined := make(map[int64]bool)
	addIssue := func(i int, typ, sev, msg string) {
		issues = append(issues, ValidationIssue{Index: i, Type: typ, Severity: sev, Message: msg})
	}

	channelRef := func(i int, id int64) {
		if id < 0 {
			if !tempDefined[id] {
				addIssue(i, IssueInvalidOperation, SeverityError,
					fmt.Sprintf("temp id %d referenced before its createChannel", id))
			}
			return
		}
		if !knownChannels[id] {
			addIssue(i, IssueMissingChannel, SeverityError, fmt.Sprintf("channel %d not found", id))
		}
	}
	streamRef := func(i int, id int64) {
		if !knownStreams[id] {
			addIssue(i, IssueMissingStream, SeverityError, fmt.Sprintf("stream %d not found", id))
		}
	}

	for i, op := range req.Operations {
		switch op.Type {
		case OpCreateChannel:
			if op.TempID >= 0 {
				addIssue(i, IssueInvalidOperation, SeverityError, "createChannel requires a negative temp_id")
			} else if tempDefined[op.TempID] {
				addIssue(i, IssueInvalidOperation, SeverityError,
					fmt.Sprintf("temp id %d defined twice", op.TempID))
			} else {
				tempDefined[op.TempID] = true
			}
			if op.Name == "" {
				addIssue(i, IssueInvalidOperation, SeverityError, "createChannel requires a name")
			}
		case OpDeleteChannel, OpReorderChannelStreams, OpUpdateChannel:
			channelRef(i, op.ChannelID)
		case OpAddStreamToChannel, OpRemoveStreamFromChannel:
			channelRef(i, op.ChannelID)
			streamRef(i, op.StreamID)
		case OpBulkAssignChannelNumbers:
			for _, as := range op.Assignments {
				channelRef(i, as.ChannelID)
			}
		case OpCreateGroup:
			if op.GroupName == "" {
				addIssue(i, IssueInvalidOperation, SeverityError, "createGroup requires a group_name")
			}
		case OpDeleteChannelGroup, OpRenameChannelGroup:
			if op.GroupID == 0 {
				addIssue(i, IssueInvalidOperation, SeverityError, op.Type+" requires a group_id")
			}
		default:
			addIssue(i, IssueInvalidOperation, SeverityError, fmt.Sprintf("unknown operation type %q", op.Type))
		}
	}
	return issues, nil
}

func (a *Applier) createGroups(ctx context.Context, req *Request, res *Result) error {
	seen := make(map[string]bool, len(req.GroupsToCreate))
	for _, name := range req.GroupsToCreate {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		g, err := a.api.CreateChannelGroup(ctx, name)
		if err == nil {
			res.GroupIDMap[name] = g.ID
			continue
		}
		if !upstream.IsConflict(err) {
			return fmt.Errorf("create group %q: %w", name, err)
		}
		// Already exists: look up and reuse.
		groups, lerr := a.api.ListChannelGroups(ctx)
		if lerr != nil {
			return fmt.Errorf("lookup existing group %q: %w", name, lerr)
		}
		for _, eg := range groups {
			if eg.Name == name {
				res.GroupIDMap[name] = eg.ID
				break
			}
		}
		if _, ok := res.GroupIDMap[name]; !ok {
			return fmt.Errorf("group %q reported existing but not found", name)
		}
	}
	return nil
}

// applyOne resolves temp ids and group names, then calls the upstream.
func (a *Applier) applyOne(ctx context.Context, index int, op *Operation, res *Result) error {
	resolve := func(id int64) (int64, error) {
		if id >= 0 {
			return id, nil
		}
		real, ok := res.TempIDMap[id]
		if !ok {
			return 0, fmt.Errorf("temp id %d not yet created", id)
		}
		return real, nil
	}

	switch op.Type {
	case OpCreateChannel:
		groupID := op.GroupID
		if groupID == 0 && op.GroupName != "" {
			groupID = res.GroupIDMap[op.GroupName]
		}
		created, err := a.api.CreateChannel(ctx, &upstream.Channel{
			Name:          op.Name,
			ChannelNumber: op.ChannelNumber,
			GroupID:       groupID,
			Enabled:       true,
		})
		if err != nil {
			return err
		}
		res.TempIDMap[op.TempID] = created.ID
		return nil

	case OpDeleteChannel:
		id, err := resolve(op.ChannelID)
		if err != nil {
			return err
		}
		return a.api.DeleteChannel(ctx, id)

	case OpUpdateChannel:
		id, err := resolve(op.ChannelID)
		if err != nil {
			return err
		}
		fields := op.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		if op.GroupName != "" {
			if gid, ok := res.GroupIDMap[op.GroupName]; ok {
				fields["channel_group_id"] = gid
			}
		}
		_, err = a.api.UpdateChannel(ctx, id, fields)
		return err

	case OpAddStreamToChannel:
		id, err := resolve(op.ChannelID)
		if err != nil {
			return err
		}
		return a.api.AddStreamToChannel(ctx, id, op.StreamID)

	case OpRemoveStreamFromChannel:
		id, err := resolve(op.ChannelID)
		if err != nil {
			return err
		}
		return a.api.RemoveStreamFromChannel(ctx, id, op.StreamID)

	case OpReorderChannelStreams:
		id, err := resolve(op.ChannelID)
		if err != nil {
			return err
		}
		return a.api.ReorderChannelStreams(ctx, id, op.StreamIDs)

	case OpBulkAssignChannelNumbers:
		assignments := make(map[int64]float64, len(op.Assignments))
		for _, as := range op.Assignments {
			id, err := resolve(as.ChannelID)
			if err != nil {
				return err
			}
			assignments[id] = as.ChannelNumber
		}
		return a.api.BulkAssignChannelNumbers(ctx, assignments)

	case OpCreateGroup:
		g, err := a.api.CreateChannelGroup(ctx, op.GroupName)
		if err != nil {
			return err
		}
		res.GroupIDMap[op.GroupName] = g.ID
		return nil

	case OpDeleteChannelGroup:
		return a.api.DeleteChannelGroup(ctx, op.GroupID, false)

	case OpRenameChannelGroup:
		return a.api.RenameChannelGroup(ctx, op.GroupID, op.GroupName)
	}
	return fmt.Errorf("unknown operation type %q at index %d", op.Type, index)
}
