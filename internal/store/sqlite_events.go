package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/izzyreal/otastage/internal/updater"
)

// Event is one journaled update transition.
type Event struct {
	ID          int64     `json:"id"`
	Operation   string    `json:"operation"`
	FromPhase   string    `json:"from_phase"`
	FromVersion string    `json:"from_version,omitempty"`
	ToPhase     string    `json:"to_phase"`
	ToVersion   string    `json:"to_version,omitempty"`
	Version     string    `json:"version,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Error       string    `json:"error,omitempty"`
	Device      string    `json:"device,omitempty"`
	CreatedUTC  time.Time `json:"created_utc"`
}

func (s *Store) AppendEvent(ctx context.Context, ev Event) (int64, error) {
	if ev.CreatedUTC.IsZero() {
		ev.CreatedUTC = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO update_events (operation, from_phase, from_version, to_phase, to_version, version, detail, error_text, device, created_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.Operation, ev.FromPhase, ev.FromVersion, ev.ToPhase, ev.ToVersion, ev.Version, ev.Detail, ev.Error, ev.Device,
		ev.CreatedUTC.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("insert update event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("update event id: %w", err)
	}
	if s.keepEvents > 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM update_events WHERE id <= ?`, id-int64(s.keepEvents)); err != nil {
			return id, fmt.Errorf("prune update events: %w", err)
		}
	}
	return id, nil
}

// ListEvents returns up to limit events, newest first.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, from_phase, from_version, to_phase, to_version, version, detail, error_text, device, created_utc
		FROM update_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list update events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var ev Event
		var fromVersion, toVersion, version, detail, errText, device sql.NullString
		var created string
		if err := rows.Scan(&ev.ID, &ev.Operation, &ev.FromPhase, &fromVersion, &ev.ToPhase, &toVersion, &version, &detail, &errText, &device, &created); err != nil {
			return nil, fmt.Errorf("scan update event: %w", err)
		}
		ev.FromVersion = fromVersion.String
		ev.ToVersion = toVersion.String
		ev.Version = version.String
		ev.Detail = detail.String
		ev.Error = errText.String
		ev.Device = device.String
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			ev.CreatedUTC = t
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate update events: %w", err)
	}
	return out, nil
}

// RecordTransition journals an updater transition and mirrors the latest
// outcome into app_state.
func (s *Store) RecordTransition(ctx context.Context, t updater.Transition) error {
	host, _ := os.Hostname()
	if _, err := s.AppendEvent(ctx, Event{
		Operation:   t.Operation,
		FromPhase:   string(t.From.Phase),
		FromVersion: t.From.Version,
		ToPhase:     string(t.To.Phase),
		ToVersion:   t.To.Version,
		Version:     t.Version,
		Detail:      t.Detail,
		Error:       t.Err,
		Device:      host,
		CreatedUTC:  t.At,
	}); err != nil {
		return err
	}

	status := "success"
	msg := t.Detail
	if t.Err != "" {
		status = "failed"
		msg = t.Err
	}
	return s.SetAppStates(ctx, map[string]string{
		KeyLastOperation: t.Operation,
		KeyLastStatus:    status,
		KeyMessage:       msg,
		KeyPhase:         string(t.To.Phase),
		KeyTargetVersion: t.Version,
		KeyLastUTC:       t.At.UTC().Format(time.RFC3339Nano),
	})
}
