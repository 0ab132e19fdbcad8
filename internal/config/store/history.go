package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InstanceRecord is one row of the instance history.
type InstanceRecord struct {
	InstanceID   string
	Name         string
	Hash         string
	Port         int
	UnityVersion string
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}

// RecordInstance upserts an instance sighting, refreshing last_seen_at and
// the port (instances move ports across editor restarts).
func (s *Store) RecordInstance(ctx context.Context, rec InstanceRecord) error {
	if s.readOnly {
		return fmt.Errorf("store: record instance: store opened read-only")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO instance_history (instance_id, name, hash, port, unity_version, first_seen_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(instance_id) DO UPDATE SET
				port = excluded.port,
				unity_version = CASE WHEN excluded.unity_version != '' THEN excluded.unity_version ELSE instance_history.unity_version END,
				last_seen_at = CURRENT_TIMESTAMP`,
			rec.InstanceID, rec.Name, rec.Hash, rec.Port, rec.UnityVersion)
		if err != nil {
			return fmt.Errorf("store: record instance %s: %w", rec.InstanceID, err)
		}
		return nil
	})
}

// RecentInstances lists history entries, most recently seen first.
func (s *Store) RecentInstances(ctx context.Context, limit int) ([]InstanceRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, name, hash, port, unity_version, first_seen_at, last_seen_at
		FROM instance_history
		ORDER BY last_seen_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: load instance history: %w", err)
	}
	defer rows.Close()

	var result []InstanceRecord
	for rows.Next() {
		var rec InstanceRecord
		var first, last string
		if err := rows.Scan(&rec.InstanceID, &rec.Name, &rec.Hash, &rec.Port, &rec.UnityVersion, &first, &last); err != nil {
			return nil, fmt.Errorf("store: scan history row: %w", err)
		}
		rec.FirstSeenAt, _ = time.Parse("2006-01-02 15:04:05", first)
		rec.LastSeenAt, _ = time.Parse("2006-01-02 15:04:05", last)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate history rows: %w", err)
	}
	return result, nil
}
