package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
)

// SnapshotGroup is one group entry inside an M3U snapshot.
type SnapshotGroup struct {
	Name        string `json:"name"`
	StreamCount int    `json:"stream_count"`
	Enabled     bool   `json:"enabled"`
}

// M3USnapshot captures upstream group/stream state for one account at a
// point in time. Only the most recent snapshot per account is consulted by
// the change detector; older ones are retained for audit.
type M3USnapshot struct {
	ID           int64               `json:"id"`
	M3UAccountID int64               `json:"m3u_account_id"`
	TakenAt      time.Time           `json:"taken_at"`
	Groups       []SnapshotGroup     `json:"groups"`
	StreamNames  map[string][]string `json:"stream_names"`
	TotalStreams int                 `json:"total_streams"`
}

// M3UChangeLog is one typed change produced by the detector.
type M3UChangeLog struct {
	ID           int64      `json:"id"`
	M3UAccountID int64      `json:"m3u_account_id"`
	ChangeTime   time.Time  `json:"change_time"`
	ChangeType   string     `json:"change_type"`
	GroupName    string     `json:"group_name,omitempty"`
	Count        int        `json:"count"`
	StreamNames  []string   `json:"stream_names"`
	Enabled      *bool      `json:"enabled,omitempty"`
	DigestedAt   *time.Time `json:"-"`
}

func (db *DB) LatestSnapshot(ctx context.Context, accountID int64) (*M3USnapshot, error) {
	var s M3USnapshot
	var groupsJSON, namesJSON []byte
	err := db.Pool.QueryRow(ctx,
		`SELECT id, m3u_account_id, taken_at, groups, stream_names, total_streams
		 FROM m3u_snapshots WHERE m3u_account_id = $1
		 ORDER BY taken_at DESC LIMIT 1`, accountID).
		Scan(&s.ID, &s.M3UAccountID, &s.TakenAt, &groupsJSON, &namesJSON, &s.TotalStreams)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(groupsJSON, &s.Groups); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(namesJSON, &s.StreamNames); err != nil {
		return nil, err
	}
	return &s, nil
}

func (db *DB) ListSnapshots(ctx context.Context, accountID int64, limit, offset int) ([]M3USnapshot, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, m3u_account_id, taken_at, groups, stream_names, total_streams
		 FROM m3u_snapshots
		 WHERE ($1::bigint IS NULL OR m3u_account_id = $1)
		 ORDER BY taken_at DESC LIMIT $2 OFFSET $3`, pqInt64(accountID), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []M3USnapshot
	for rows.Next() {
		var s M3USnapshot
		var groupsJSON, namesJSON []byte
		if err := rows.Scan(&s.ID, &s.M3UAccountID, &s.TakenAt, &groupsJSON, &namesJSON, &s.TotalStreams); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(groupsJSON, &s.Groups); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(namesJSON, &s.StreamNames); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// SaveSnapshotWithChanges writes the snapshot and its change-log rows in a
// single transaction so readers never see a snapshot without its changes.
func (db *DB) SaveSnapshotWithChanges(ctx context.Context, snap *M3USnapshot, changes []M3UChangeLog) error {
	groupsJSON, err := json.Marshal(snap.Groups)
	if err != nil {
		return err
	}
	namesJSON, err := json.Marshal(snap.StreamNames)
	if err != nil {
		return err
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO m3u_snapshots (m3u_account_id, groups, stream_names, total_streams)
		 VALUES ($1, $2, $3, $4) RETURNING id, taken_at`,
		snap.M3UAccountID, groupsJSON, namesJSON, snap.TotalStreams).Scan(&snap.ID, &snap.TakenAt)
	if err != nil {
		return err
	}

	for i := range changes {
		c := &changes[i]
		err = tx.QueryRow(ctx,
			`INSERT INTO m3u_change_logs (m3u_account_id, change_type, group_name, count, stream_names, enabled)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, change_time`,
			c.M3UAccountID, c.ChangeType, c.GroupName, c.Count, c.StreamNames, c.Enabled).
			Scan(&c.ID, &c.ChangeTime)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
