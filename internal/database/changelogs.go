package database

import (
	"context"
	"time"
)

// ListChangeLogs returns change rows newest first, optionally scoped to an
// account and a time window.
func (db *DB) ListChangeLogs(ctx context.Context, accountID int64, since time.Time, limit, offset int) ([]M3UChangeLog, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, m3u_account_id, change_time, change_type, group_name, count, stream_names, enabled, digested_at
		 FROM m3u_change_logs
		 WHERE ($1::bigint IS NULL OR m3u_account_id = $1)
		   AND ($2::timestamptz IS NULL OR change_time >= $2)
		 ORDER BY change_time DESC LIMIT $3 OFFSET $4`,
		pqInt64(accountID), pqTime(since), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChangeLogs(rows)
}

// UndigestedChanges returns all change rows not yet included in a digest,
// oldest first so digests read chronologically.
func (db *DB) UndigestedChanges(ctx context.Context) ([]M3UChangeLog, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, m3u_account_id, change_time, change_type, group_name, count, stream_names, enabled, digested_at
		 FROM m3u_change_logs WHERE digested_at IS NULL
		 ORDER BY change_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChangeLogs(rows)
}

// MarkChangesDigested stamps the given change rows as included in a digest.
func (db *DB) MarkChangesDigested(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.Pool.Exec(ctx,
		`UPDATE m3u_change_logs SET digested_at = now() WHERE id = ANY($1)`, ids)
	return err
}

// ChangeSummary counts changes per type since the given time.
func (db *DB) ChangeSummary(ctx context.Context, accountID int64, since time.Time) (map[string]int, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT change_type, count(*) FROM m3u_change_logs
		 WHERE ($1::bigint IS NULL OR m3u_account_id = $1)
		   AND ($2::timestamptz IS NULL OR change_time >= $2)
		 GROUP BY change_type`, pqInt64(accountID), pqTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := make(map[string]int)
	for rows.Next() {
		var ct string
		var n int
		if err := rows.Scan(&ct, &n); err != nil {
			return nil, err
		}
		summary[ct] = n
	}
	return summary, rows.Err()
}

func scanChangeLogs(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]M3UChangeLog, error) {
	var logs []M3UChangeLog
	for rows.Next() {
		var c M3UChangeLog
		if err := rows.Scan(&c.ID, &c.M3UAccountID, &c.ChangeTime, &c.ChangeType,
			&c.GroupName, &c.Count, &c.StreamNames, &c.Enabled, &c.DigestedAt); err != nil {
			return nil, err
		}
		logs = append(logs, c)
	}
	return logs, rows.Err()
}

func pqTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
