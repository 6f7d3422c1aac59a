package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flexion-data/motionstream/internal/telemetry"
)

// Batch is one all-or-nothing upload unit of recorded frames. BatchID is
// the idempotency key: uploading the same batch twice is a no-op.
type Batch struct {
	BatchID     string                  `json:"batch_id"`
	DeviceID    string                  `json:"device_id"`
	SessionID   string                  `json:"session_id"`
	CreatedAtMs int64                   `json:"created_at_ms"`
	Frames      []telemetry.SensorFrame `json:"frames"`
}

// SaveBatch persists a batch and all of its frames in one transaction.
// Either every frame lands or none does. A batch whose BatchID was
// already uploaded is skipped without error.
func (db *DB) SaveBatch(ctx context.Context, b *Batch) error {
	if b.BatchID == "" {
		return fmt.Errorf("save batch: empty batch id")
	}
	if b.SessionID == "" {
		return fmt.Errorf("save batch: empty session id")
	}
	if len(b.Frames) == 0 {
		return fmt.Errorf("save batch %s: no frames", b.BatchID)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_batches (batch_id, device_id, session_id, sample_count, created_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		b.BatchID, b.DeviceID, b.SessionID, len(b.Frames), b.CreatedAtMs,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert batch %s: %w", b.BatchID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert batch %s: %w", b.BatchID, err)
	}
	if inserted == 0 {
		// Duplicate delivery of an already uploaded batch.
		tx.Rollback()
		return nil
	}

	for i := range b.Frames {
		f := &b.Frames[i]
		payload, err := json.Marshal(f)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marshal frame in batch %s: %w", b.BatchID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batch_samples (batch_id, device_id, session_id, sensor_type, timestamp_ms, payload)
			VALUES (?, ?, ?, ?, ?, ?)`,
			b.BatchID, f.DeviceID, b.SessionID, string(f.SensorType), f.TimestampMs, string(payload),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert frame in batch %s: %w", b.BatchID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch %s: %w", b.BatchID, err)
	}
	return nil
}

// BatchUploaded reports whether a batch id has already been persisted.
func (db *DB) BatchUploaded(ctx context.Context, batchID string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx,
		`SELECT 1 FROM sync_batches WHERE batch_id = ?`, batchID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check batch %s: %w", batchID, err)
	}
	return true, nil
}

// BatchFrames returns the stored frames of one batch in timestamp order.
func (db *DB) BatchFrames(ctx context.Context, batchID string) ([]telemetry.SensorFrame, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT payload FROM batch_samples
		WHERE batch_id = ?
		ORDER BY timestamp_ms ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch %s frames: %w", batchID, err)
	}
	defer rows.Close()

	var frames []telemetry.SensorFrame
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan batch %s frame: %w", batchID, err)
		}
		var f telemetry.SensorFrame
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			return nil, fmt.Errorf("unmarshal batch %s frame: %w", batchID, err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}
