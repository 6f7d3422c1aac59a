package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flexion-data/motionstream/internal/session"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// SaveSessionMetrics upserts a session's current metrics snapshot. A
// snapshot older than the stored one (by last_updated_ms) is ignored so
// a delayed flush never rolls persisted metrics backwards.
func (db *DB) SaveSessionMetrics(ctx context.Context, snap session.Snapshot) error {
	return db.upsertMetrics(ctx, snap, false)
}

// FinalizeSession upserts a session's final metrics and marks the row
// finalized.
func (db *DB) FinalizeSession(ctx context.Context, snap session.Snapshot) error {
	return db.upsertMetrics(ctx, snap, true)
}

func (db *DB) upsertMetrics(ctx context.Context, snap session.Snapshot, finalized bool) error {
	if snap.SessionID == "" {
		return fmt.Errorf("save session metrics: empty session id")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal session metrics: %w", err)
	}

	fin := 0
	if finalized {
		fin = 1
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO session_metrics (session_id, metrics, sample_count, last_updated_ms, finalized)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			metrics         = excluded.metrics,
			sample_count    = excluded.sample_count,
			last_updated_ms = excluded.last_updated_ms,
			finalized       = MAX(session_metrics.finalized, excluded.finalized),
			updated_at      = CURRENT_TIMESTAMP
		WHERE excluded.last_updated_ms >= session_metrics.last_updated_ms`,
		snap.SessionID, string(payload), snap.SampleCount, snap.LastUpdatedMs, fin,
	)
	if err != nil {
		return fmt.Errorf("upsert session metrics: %w", err)
	}
	return nil
}

// LoadSessionMetrics reads one session's stored snapshot.
func (db *DB) LoadSessionMetrics(ctx context.Context, sessionID string) (session.Snapshot, error) {
	var payload string
	err := db.QueryRowContext(ctx,
		`SELECT metrics FROM session_metrics WHERE session_id = ?`, sessionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("load session metrics: %w", err)
	}

	var snap session.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("unmarshal session metrics: %w", err)
	}
	return snap, nil
}

// ListSessionMetrics returns every stored snapshot, finalized or not,
// newest activity first.
func (db *DB) ListSessionMetrics(ctx context.Context, limit int) ([]session.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT metrics FROM session_metrics
		ORDER BY last_updated_ms DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list session metrics: %w", err)
	}
	defer rows.Close()

	var snaps []session.Snapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan session metrics: %w", err)
		}
		var snap session.Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal session metrics: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}
