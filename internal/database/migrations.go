package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name:  "add m3u_change_logs.digested_at",
		sql:   `ALTER TABLE m3u_change_logs ADD COLUMN IF NOT EXISTS digested_at timestamptz`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'm3u_change_logs' AND column_name = 'digested_at')`,
	},
	{
		name:  "add m3u_digest_settings.send_to_telegram",
		sql:   `ALTER TABLE m3u_digest_settings ADD COLUMN IF NOT EXISTS send_to_telegram boolean NOT NULL DEFAULT false`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'm3u_digest_settings' AND column_name = 'send_to_telegram')`,
	},
	{
		name:  "add stream_stats.dismissed_at",
		sql:   `ALTER TABLE stream_stats ADD COLUMN IF NOT EXISTS dismissed_at timestamptz`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'stream_stats' AND column_name = 'dismissed_at')`,
	},
	{
		name:  "add auto_creation_executions.created_group_ids",
		sql:   `ALTER TABLE auto_creation_executions ADD COLUMN IF NOT EXISTS created_group_ids bigint[] NOT NULL DEFAULT '{}'`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'auto_creation_executions' AND column_name = 'created_group_ids')`,
	},
	{
		name:  "add task_runs started index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_task_runs_started ON task_runs (started_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_task_runs_started')`,
	},
}

// Migrate applies all pending migrations in order.
func (db *DB) Migrate(ctx context.Context) error {
	applied := 0
	for _, m := range migrations {
		var done bool
		if m.check != "" {
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&done); err != nil {
				return fmt.Errorf("migration check %q: %w", m.name, err)
			}
		}
		if done {
			continue
		}
		for _, stmt := range strings.Split(m.sql, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := db.Pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %q: %w", m.name, err)
			}
		}
		db.log.Info().Str("migration", m.name).Msg("migration applied")
		applied++
	}
	if applied > 0 {
		db.log.Info().Int("count", applied).Msg("schema migrations complete")
	}
	return nil
}
