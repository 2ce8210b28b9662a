package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
)

type AutoCreationRule struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Enabled          bool            `json:"enabled"`
	Priority         int             `json:"priority"`
	Conditions       json.RawMessage `json:"conditions"`
	Actions          json.RawMessage `json:"actions"`
	RunOnRefresh     bool            `json:"run_on_refresh"`
	StopOnFirstMatch bool            `json:"stop_on_first_match"`
	SortOrder        string          `json:"sort_order"`
	OrphanAction     string          `json:"orphan_action"`
}

// AutoCreationExecution records one pipeline run. Created entity ids are
// retained to power rollback.
type AutoCreationExecution struct {
	ID                int64           `json:"id"`
	RuleID            *int64          `json:"rule_id,omitempty"`
	RuleName          string          `json:"rule_name"`
	Mode              string          `json:"mode"`
	TriggeredBy       string          `json:"triggered_by"`
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	Status            string          `json:"status"`
	StreamsEvaluated  int             `json:"streams_evaluated"`
	StreamsMatched    int             `json:"streams_matched"`
	ChannelsCreated   int             `json:"channels_created"`
	ChannelsUpdated   int             `json:"channels_updated"`
	GroupsCreated     int             `json:"groups_created"`
	StreamsMerged     int             `json:"streams_merged"`
	Conflicts         json.RawMessage `json:"conflicts"`
	CreatedChannelIDs []int64         `json:"created_channel_ids"`
	CreatedGroupIDs   []int64         `json:"created_group_ids"`
	Details           json.RawMessage `json:"details,omitempty"`
}

const executionColumns = `id, rule_id, rule_name, mode, triggered_by, started_at, finished_at,
	status, streams_evaluated, streams_matched, channels_created, channels_updated,
	groups_created, streams_merged, conflicts, created_channel_ids, created_group_ids, details`

func scanExecution(row pgx.Row) (*AutoCreationExecution, error) {
	var e AutoCreationExecution
	err := row.Scan(&e.ID, &e.RuleID, &e.RuleName, &e.Mode, &e.TriggeredBy,
		&e.StartedAt, &e.FinishedAt, &e.Status,
		&e.StreamsEvaluated, &e.StreamsMatched, &e.ChannelsCreated, &e.ChannelsUpdated,
		&e.GroupsCreated, &e.StreamsMerged, &e.Conflicts,
		&e.CreatedChannelIDs, &e.CreatedGroupIDs, &e.Details)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (db *DB) ListAutoCreationRules(ctx context.Context, enabledOnly bool) ([]AutoCreationRule, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, name, enabled, priority, conditions, actions, run_on_refresh,
			stop_on_first_match, sort_order, orphan_action
		 FROM auto_creation_rules
		 WHERE (NOT $1 OR enabled)
		 ORDER BY priority, id`, enabledOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []AutoCreationRule
	for rows.Next() {
		var r AutoCreationRule
		if err := rows.Scan(&r.ID, &r.Name, &r.Enabled, &r.Priority, &r.Conditions, &r.Actions,
			&r.RunOnRefresh, &r.StopOnFirstMatch, &r.SortOrder, &r.OrphanAction); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (db *DB) GetAutoCreationRule(ctx context.Context, id int64) (*AutoCreationRule, error) {
	var r AutoCreationRule
	err := db.Pool.QueryRow(ctx,
		`SELECT id, name, enabled, priority, conditions, actions, run_on_refresh,
			stop_on_first_match, sort_order, orphan_action
		 FROM auto_creation_rules WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Enabled, &r.Priority, &r.Conditions, &r.Actions,
			&r.RunOnRefresh, &r.StopOnFirstMatch, &r.SortOrder, &r.OrphanAction)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (db *DB) CreateAutoCreationRule(ctx context.Context, r *AutoCreationRule) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO auto_creation_rules (name, enabled, priority, conditions, actions,
			run_on_refresh, stop_on_first_match, sort_order, orphan_action)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		r.Name, r.Enabled, r.Priority, jsonOrEmptyArray(r.Conditions), jsonOrEmptyArray(r.Actions),
		r.RunOnRefresh, r.StopOnFirstMatch, r.SortOrder, r.OrphanAction).Scan(&id)
	return id, err
}

func (db *DB) UpdateAutoCreationRule(ctx context.Context, r *AutoCreationRule) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE auto_creation_rules SET name = $2, enabled = $3, priority = $4,
			conditions = $5, actions = $6, run_on_refresh = $7,
			stop_on_first_match = $8, sort_order = $9, orphan_action = $10
		 WHERE id = $1`,
		r.ID, r.Name, r.Enabled, r.Priority, jsonOrEmptyArray(r.Conditions),
		jsonOrEmptyArray(r.Actions), r.RunOnRefresh, r.StopOnFirstMatch, r.SortOrder, r.OrphanAction)
	return err
}

func (db *DB) DeleteAutoCreationRule(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM auto_creation_rules WHERE id = $1`, id)
	return err
}

func (db *DB) InsertExecution(ctx context.Context, e *AutoCreationExecution) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO auto_creation_executions (rule_id, rule_name, mode, triggered_by, status)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.RuleID, e.RuleName, e.Mode, e.TriggeredBy, e.Status).Scan(&id)
	return id, err
}

// FinishExecution writes the terminal state of an execution.
func (db *DB) FinishExecution(ctx context.Context, e *AutoCreationExecution) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE auto_creation_executions SET finished_at = now(), status = $2,
			streams_evaluated = $3, streams_matched = $4, channels_created = $5,
			channels_updated = $6, groups_created = $7, streams_merged = $8,
			conflicts = $9, created_channel_ids = $10, created_group_ids = $11, details = $12
		 WHERE id = $1`,
		e.ID, e.Status, e.StreamsEvaluated, e.StreamsMatched, e.ChannelsCreated,
		e.ChannelsUpdated, e.GroupsCreated, e.StreamsMerged, jsonOrEmptyArray(e.Conflicts),
		e.CreatedChannelIDs, e.CreatedGroupIDs, e.Details)
	return err
}

func (db *DB) GetExecution(ctx context.Context, id int64) (*AutoCreationExecution, error) {
	return scanExecution(db.Pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM auto_creation_executions WHERE id = $1`, id))
}

func (db *DB) ListExecutions(ctx context.Context, limit, offset int) ([]AutoCreationExecution, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+executionColumns+` FROM auto_creation_executions
		 ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []AutoCreationExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *e)
	}
	return execs, rows.Err()
}

// MarkExecutionRolledBack zeroes the created counters and clears the
// recorded ids so a second rollback is a no-op.
func (db *DB) MarkExecutionRolledBack(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE auto_creation_executions
		 SET status = 'rolled_back', channels_created = 0, groups_created = 0,
			created_channel_ids = '{}', created_group_ids = '{}'
		 WHERE id = $1`, id)
	return err
}
