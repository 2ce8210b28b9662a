package database

import (
	"context"
	"fmt"
	"time"
)

// PruneResult reports rows removed per table by a cleanup pass.
type PruneResult struct {
	TaskRuns      int64 `json:"task_runs"`
	ChangeLogs    int64 `json:"change_logs"`
	Snapshots     int64 `json:"snapshots"`
	Notifications int64 `json:"notifications"`
	Executions    int64 `json:"executions"`
}

// Prune removes rows older than the retention window. The newest snapshot
// per account is always kept so the change detector keeps its baseline.
func (db *DB) Prune(ctx context.Context, retention time.Duration) (*PruneResult, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res := &PruneResult{}

	steps := []struct {
		dest *int64
		sql  string
	}{
		{&res.TaskRuns, `DELETE FROM task_runs WHERE started_at < $1 AND status <> 'running'`},
		{&res.ChangeLogs, `DELETE FROM m3u_change_logs WHERE change_time < $1`},
		{&res.Snapshots, `DELETE FROM m3u_snapshots s WHERE taken_at < $1 AND id <> (
			SELECT id FROM m3u_snapshots WHERE m3u_account_id = s.m3u_account_id
			ORDER BY taken_at DESC LIMIT 1)`},
		{&res.Notifications, `DELETE FROM notifications WHERE created_at < $1 AND read`},
		{&res.Executions, `DELETE FROM auto_creation_executions WHERE started_at < $1 AND status <> 'running'`},
	}
	for _, step := range steps {
		tag, err := db.Pool.Exec(ctx, step.sql, cutoff)
		if err != nil {
			return res, fmt.Errorf("prune: %w", err)
		}
		*step.dest = tag.RowsAffected()
	}
	return res, nil
}
