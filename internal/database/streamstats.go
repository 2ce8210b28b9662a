package database

import (
	"context"
	"time"
)

type StreamStats struct {
	StreamID            int64      `json:"stream_id"`
	StreamName          string     `json:"stream_name"`
	ProbeStatus         string     `json:"probe_status"`
	LastProbedAt        *time.Time `json:"last_probed_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Resolution          string     `json:"resolution,omitempty"`
	BitrateKbps         int        `json:"bitrate_kbps,omitempty"`
	VideoCodec          string     `json:"video_codec,omitempty"`
	AudioCodec          string     `json:"audio_codec,omitempty"`
	DismissedAt         *time.Time `json:"dismissed_at,omitempty"`
}

// RecordProbeSuccess stores probe results and resets the failure counter.
func (db *DB) RecordProbeSuccess(ctx context.Context, s *StreamStats) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO stream_stats (stream_id, stream_name, probe_status, last_probed_at,
			consecutive_failures, resolution, bitrate_kbps, video_codec, audio_codec)
		 VALUES ($1, $2, 'success', now(), 0, $3, $4, $5, $6)
		 ON CONFLICT (stream_id) DO UPDATE SET
			stream_name = $2, probe_status = 'success', last_probed_at = now(),
			consecutive_failures = 0, resolution = $3, bitrate_kbps = $4,
			video_codec = $5, audio_codec = $6`,
		s.StreamID, s.StreamName, s.Resolution, s.BitrateKbps, s.VideoCodec, s.AudioCodec)
	return err
}

// RecordProbeFailure marks a failed probe and increments the failure counter.
func (db *DB) RecordProbeFailure(ctx context.Context, streamID int64, streamName string) (int, error) {
	var failures int
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO stream_stats (stream_id, stream_name, probe_status, last_probed_at, consecutive_failures)
		 VALUES ($1, $2, 'failed', now(), 1)
		 ON CONFLICT (stream_id) DO UPDATE SET
			stream_name = $2, probe_status = 'failed', last_probed_at = now(),
			consecutive_failures = stream_stats.consecutive_failures + 1
		 RETURNING consecutive_failures`,
		streamID, streamName).Scan(&failures)
	return failures, err
}

func (db *DB) GetStreamStats(ctx context.Context, streamID int64) (*StreamStats, error) {
	var s StreamStats
	err := db.Pool.QueryRow(ctx,
		`SELECT stream_id, stream_name, probe_status, last_probed_at, consecutive_failures,
			resolution, bitrate_kbps, video_codec, audio_codec, dismissed_at
		 FROM stream_stats WHERE stream_id = $1`, streamID).
		Scan(&s.StreamID, &s.StreamName, &s.ProbeStatus, &s.LastProbedAt, &s.ConsecutiveFailures,
			&s.Resolution, &s.BitrateKbps, &s.VideoCodec, &s.AudioCodec, &s.DismissedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (db *DB) ListStreamStats(ctx context.Context, streamIDs []int64) ([]StreamStats, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT stream_id, stream_name, probe_status, last_probed_at, consecutive_failures,
			resolution, bitrate_kbps, video_codec, audio_codec, dismissed_at
		 FROM stream_stats
		 WHERE ($1::bigint[] IS NULL OR stream_id = ANY($1))
		 ORDER BY stream_id`, pqInt64Array(streamIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []StreamStats
	for rows.Next() {
		var s StreamStats
		if err := rows.Scan(&s.StreamID, &s.StreamName, &s.ProbeStatus, &s.LastProbedAt,
			&s.ConsecutiveFailures, &s.Resolution, &s.BitrateKbps, &s.VideoCodec,
			&s.AudioCodec, &s.DismissedAt); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// ListStruckOut returns streams at or past the strike threshold.
// A threshold of 0 disables the feature and always returns nothing.
func (db *DB) ListStruckOut(ctx context.Context, threshold int) ([]StreamStats, error) {
	if threshold <= 0 {
		return nil, nil
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT stream_id, stream_name, probe_status, last_probed_at, consecutive_failures,
			resolution, bitrate_kbps, video_codec, audio_codec, dismissed_at
		 FROM stream_stats
		 WHERE consecutive_failures >= $1 AND dismissed_at IS NULL
		 ORDER BY consecutive_failures DESC, stream_id`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []StreamStats
	for rows.Next() {
		var s StreamStats
		if err := rows.Scan(&s.StreamID, &s.StreamName, &s.ProbeStatus, &s.LastProbedAt,
			&s.ConsecutiveFailures, &s.Resolution, &s.BitrateKbps, &s.VideoCodec,
			&s.AudioCodec, &s.DismissedAt); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// ResetFailures clears failure counters for the given streams (all when empty).
func (db *DB) ResetFailures(ctx context.Context, streamIDs []int64) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE stream_stats SET consecutive_failures = 0
		 WHERE ($1::bigint[] IS NULL OR stream_id = ANY($1))`, pqInt64Array(streamIDs))
	return err
}

// DismissStream hides a stream from the struck-out list without resetting counters.
func (db *DB) DismissStream(ctx context.Context, streamID int64) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE stream_stats SET dismissed_at = now() WHERE stream_id = $1`, streamID)
	return err
}

// RecentlyProbed returns the set of stream ids probed within the window.
func (db *DB) RecentlyProbed(ctx context.Context, within time.Duration) (map[int64]bool, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT stream_id FROM stream_stats WHERE last_probed_at > now() - $1::interval`,
		within)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recent := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		recent[id] = true
	}
	return recent, rows.Err()
}
