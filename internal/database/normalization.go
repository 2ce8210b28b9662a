package database

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
)

// RuleGroup is a normalization rule group. Priority is the sole ordering
// key; ties break by id.
type RuleGroup struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	Priority    int    `json:"priority"`
	IsBuiltin   bool   `json:"is_builtin"`
}

// Rule is a single normalization rule. When Conditions is non-empty it is
// authoritative; otherwise the legacy single ConditionType applies.
type Rule struct {
	ID               int64           `json:"id"`
	GroupID          int64           `json:"group_id"`
	Name             string          `json:"name"`
	Enabled          bool            `json:"enabled"`
	Priority         int             `json:"priority"`
	ConditionType    string          `json:"condition_type"`
	ConditionValue   string          `json:"condition_value"`
	CaseSensitive    bool            `json:"case_sensitive"`
	Conditions       json.RawMessage `json:"conditions"`
	ConditionLogic   string          `json:"condition_logic"`
	TagGroupID       *int64          `json:"tag_group_id,omitempty"`
	TagMatchPosition string          `json:"tag_match_position"`
	ActionType       string          `json:"action_type"`
	ActionValue      string          `json:"action_value"`
	ElseActionType   string          `json:"else_action_type"`
	ElseActionValue  string          `json:"else_action_value"`
	StopProcessing   bool            `json:"stop_processing"`
}

const ruleColumns = `id, group_id, name, enabled, priority, condition_type, condition_value,
	case_sensitive, conditions, condition_logic, tag_group_id, tag_match_position,
	action_type, action_value, else_action_type, else_action_value, stop_processing`

func scanRule(row pgx.Row) (*Rule, error) {
	var r Rule
	err := row.Scan(&r.ID, &r.GroupID, &r.Name, &r.Enabled, &r.Priority,
		&r.ConditionType, &r.ConditionValue, &r.CaseSensitive, &r.Conditions,
		&r.ConditionLogic, &r.TagGroupID, &r.TagMatchPosition,
		&r.ActionType, &r.ActionValue, &r.ElseActionType, &r.ElseActionValue,
		&r.StopProcessing)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (db *DB) ListRuleGroups(ctx context.Context) ([]RuleGroup, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, name, description, enabled, priority, is_builtin
		 FROM normalization_rule_groups ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []RuleGroup
	for rows.Next() {
		var g RuleGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.Enabled, &g.Priority, &g.IsBuiltin); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (db *DB) GetRuleGroup(ctx context.Context, id int64) (*RuleGroup, error) {
	var g RuleGroup
	err := db.Pool.QueryRow(ctx,
		`SELECT id, name, description, enabled, priority, is_builtin
		 FROM normalization_rule_groups WHERE id = $1`, id).
		Scan(&g.ID, &g.Name, &g.Description, &g.Enabled, &g.Priority, &g.IsBuiltin)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (db *DB) CreateRuleGroup(ctx context.Context, g *RuleGroup) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO normalization_rule_groups (name, description, enabled, priority, is_builtin)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		g.Name, g.Description, g.Enabled, g.Priority, g.IsBuiltin).Scan(&id)
	return id, err
}

func (db *DB) UpdateRuleGroup(ctx context.Context, g *RuleGroup) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE normalization_rule_groups
		 SET name = $2, description = $3, enabled = $4, priority = $5
		 WHERE id = $1`,
		g.ID, g.Name, g.Description, g.Enabled, g.Priority)
	return err
}

// DeleteRuleGroup removes a group; rules cascade.
func (db *DB) DeleteRuleGroup(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM normalization_rule_groups WHERE id = $1`, id)
	return err
}

// ReorderRuleGroups assigns priorities 0..n-1 following the given id order.
func (db *DB) ReorderRuleGroups(ctx context.Context, ids []int64) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i, id := range ids {
		if _, err := tx.Exec(ctx,
			`UPDATE normalization_rule_groups SET priority = $2 WHERE id = $1`, id, i); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (db *DB) ListRules(ctx context.Context, groupID int64) ([]Rule, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM normalization_rules
		 WHERE ($1::bigint IS NULL OR group_id = $1)
		 ORDER BY group_id, priority, id`, pqInt64(groupID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

func (db *DB) GetRule(ctx context.Context, id int64) (*Rule, error) {
	return scanRule(db.Pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM normalization_rules WHERE id = $1`, id))
}

func (db *DB) CreateRule(ctx context.Context, r *Rule) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO normalization_rules (group_id, name, enabled, priority,
			condition_type, condition_value, case_sensitive, conditions, condition_logic,
			tag_group_id, tag_match_position, action_type, action_value,
			else_action_type, else_action_value, stop_processing)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING id`,
		r.GroupID, r.Name, r.Enabled, r.Priority,
		r.ConditionType, r.ConditionValue, r.CaseSensitive, jsonOrEmptyArray(r.Conditions), r.ConditionLogic,
		r.TagGroupID, r.TagMatchPosition, r.ActionType, r.ActionValue,
		r.ElseActionType, r.ElseActionValue, r.StopProcessing).Scan(&id)
	return id, err
}

func (db *DB) UpdateRule(ctx context.Context, r *Rule) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE normalization_rules SET name = $2, enabled = $3, priority = $4,
			condition_type = $5, condition_value = $6, case_sensitive = $7,
			conditions = $8, condition_logic = $9, tag_group_id = $10,
			tag_match_position = $11, action_type = $12, action_value = $13,
			else_action_type = $14, else_action_value = $15, stop_processing = $16
		 WHERE id = $1`,
		r.ID, r.Name, r.Enabled, r.Priority,
		r.ConditionType, r.ConditionValue, r.CaseSensitive, jsonOrEmptyArray(r.Conditions),
		r.ConditionLogic, r.TagGroupID, r.TagMatchPosition, r.ActionType, r.ActionValue,
		r.ElseActionType, r.ElseActionValue, r.StopProcessing)
	return err
}

func (db *DB) DeleteRule(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM normalization_rules WHERE id = $1`, id)
	return err
}

// ReorderRules assigns priorities 0..n-1 within a group following the given id order.
func (db *DB) ReorderRules(ctx context.Context, groupID int64, ids []int64) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i, id := range ids {
		if _, err := tx.Exec(ctx,
			`UPDATE normalization_rules SET priority = $3 WHERE id = $1 AND group_id = $2`,
			id, groupID, i); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func jsonOrEmptyArray(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`[]`)
	}
	return raw
}
