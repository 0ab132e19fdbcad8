package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ActiveInstance returns the persisted selection for a session key.
func (s *Store) ActiveInstance(ctx context.Context, sessionKey string) (string, error) {
	var instanceID string
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id FROM selections WHERE session_key = ?`, sessionKey,
	).Scan(&instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", NotFoundError{Entity: "selection", Key: sessionKey}
	}
	if err != nil {
		return "", fmt.Errorf("store: load selection %s: %w", sessionKey, err)
	}
	return instanceID, nil
}

// SetActiveInstance upserts the selection for a session key.
func (s *Store) SetActiveInstance(ctx context.Context, sessionKey, instanceID string) error {
	if s.readOnly {
		return fmt.Errorf("store: set selection: store opened read-only")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO selections (session_key, instance_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(session_key) DO UPDATE SET
			instance_id = excluded.instance_id,
			updated_at = CURRENT_TIMESTAMP`,
		sessionKey, instanceID)
	if err != nil {
		return fmt.Errorf("store: save selection %s: %w", sessionKey, err)
	}
	return nil
}

// ClearActiveInstance removes the selection for a session key. Clearing a
// key with no selection is not an error.
func (s *Store) ClearActiveInstance(ctx context.Context, sessionKey string) error {
	if s.readOnly {
		return fmt.Errorf("store: clear selection: store opened read-only")
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM selections WHERE session_key = ?`, sessionKey); err != nil {
		return fmt.Errorf("store: clear selection %s: %w", sessionKey, err)
	}
	return nil
}

// Selections returns all persisted selections keyed by session key.
func (s *Store) Selections(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_key, instance_id FROM selections`)
	if err != nil {
		return nil, fmt.Errorf("store: load selections: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("store: scan selection row: %w", err)
		}
		result[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate selection rows: %w", err)
	}
	return result, nil
}
