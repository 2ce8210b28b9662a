package database

import (
	"context"
	"time"
)

// DigestSettings is the single-row digest configuration. Patterns are
// validated as regex at write time by the caller.
type DigestSettings struct {
	Enabled               bool       `json:"enabled"`
	Frequency             string     `json:"frequency"`
	EmailRecipients       []string   `json:"email_recipients"`
	SendToDiscord         bool       `json:"send_to_discord"`
	SendToTelegram        bool       `json:"send_to_telegram"`
	IncludeGroupChanges   bool       `json:"include_group_changes"`
	IncludeStreamChanges  bool       `json:"include_stream_changes"`
	ShowDetailedList      bool       `json:"show_detailed_list"`
	MinChangesThreshold   int        `json:"min_changes_threshold"`
	ExcludeGroupPatterns  []string   `json:"exclude_group_patterns"`
	ExcludeStreamPatterns []string   `json:"exclude_stream_patterns"`
	LastSentAt            *time.Time `json:"last_sent_at,omitempty"`
}

func (db *DB) GetDigestSettings(ctx context.Context) (*DigestSettings, error) {
	var s DigestSettings
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO m3u_digest_settings (id) VALUES (1)
		 ON CONFLICT (id) DO UPDATE SET id = 1
		 RETURNING enabled, frequency, email_recipients, send_to_discord, send_to_telegram,
			include_group_changes, include_stream_changes, show_detailed_list,
			min_changes_threshold, exclude_group_patterns, exclude_stream_patterns, last_sent_at`).
		Scan(&s.Enabled, &s.Frequency, &s.EmailRecipients, &s.SendToDiscord, &s.SendToTelegram,
			&s.IncludeGroupChanges, &s.IncludeStreamChanges, &s.ShowDetailedList,
			&s.MinChangesThreshold, &s.ExcludeGroupPatterns, &s.ExcludeStreamPatterns, &s.LastSentAt)
	if err != nil {
		return nil, err
	}
	if s.EmailRecipients == nil {
		s.EmailRecipients = []string{}
	}
	if s.ExcludeGroupPatterns == nil {
		s.ExcludeGroupPatterns = []string{}
	}
	if s.ExcludeStreamPatterns == nil {
		s.ExcludeStreamPatterns = []string{}
	}
	return &s, nil
}

func (db *DB) UpdateDigestSettings(ctx context.Context, s *DigestSettings) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO m3u_digest_settings (id, enabled, frequency, email_recipients,
			send_to_discord, send_to_telegram, include_group_changes, include_stream_changes,
			show_detailed_list, min_changes_threshold, exclude_group_patterns, exclude_stream_patterns)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			enabled = $1, frequency = $2, email_recipients = $3,
			send_to_discord = $4, send_to_telegram = $5,
			include_group_changes = $6, include_stream_changes = $7,
			show_detailed_list = $8, min_changes_threshold = $9,
			exclude_group_patterns = $10, exclude_stream_patterns = $11`,
		s.Enabled, s.Frequency, s.EmailRecipients, s.SendToDiscord, s.SendToTelegram,
		s.IncludeGroupChanges, s.IncludeStreamChanges, s.ShowDetailedList,
		s.MinChangesThreshold, s.ExcludeGroupPatterns, s.ExcludeStreamPatterns)
	return err
}

func (db *DB) TouchDigestSent(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE m3u_digest_settings SET last_sent_at = now() WHERE id = 1`)
	return err
}
