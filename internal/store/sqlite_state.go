package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// app_state keys written by RecordTransition.
const (
	KeyLastOperation = "update_last_operation"
	KeyLastStatus    = "update_last_status"
	KeyMessage       = "update_message"
	KeyPhase         = "update_phase"
	KeyTargetVersion = "update_target_version"
	KeyLastUTC       = "update_last_utc"
)

func (s *Store) SetAppState(ctx context.Context, key, value string) error {
	return s.SetAppStates(ctx, map[string]string{key: value})
}

// SetAppStates upserts several keys in one transaction. Empty keys are ignored.
func (s *Store) SetAppStates(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for key, value := range values {
		if key == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO app_state (key, value, updated_utc)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_utc=excluded.updated_utc
		`, key, value, now); err != nil {
			return fmt.Errorf("set app state %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetAppState(ctx context.Context, key string) (string, bool, error) {
	var value string
	row := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get app state: %w", err)
	}
	return value, true, nil
}

func (s *Store) ListAppState(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_state`)
	if err != nil {
		return nil, fmt.Errorf("list app state: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan app state: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate app state: %w", err)
	}
	return out, nil
}
