package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cerdas-survey/fieldsync/internal/schema"
)

// GetMeta returns a per-user metadata value. ok is false when the key is unset.
func (o *ops) GetMeta(ctx context.Context, userID, key string) (value string, ok bool, err error) {
	err = o.q.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE user_id = ? AND key = ?`, userID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta stores a per-user metadata value.
func (o *ops) SetMeta(ctx context.Context, userID, key, value string) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO sync_meta (user_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value
	`, userID, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

// WatermarkKey is the sync_meta key holding an activity's last delta sync time.
func WatermarkKey(activityID string) string {
	return "last_sync:" + activityID
}

// GetWatermark returns the last successful sync time of an activity, or the
// zero time when it was never synced.
func (o *ops) GetWatermark(ctx context.Context, userID, activityID string) (time.Time, error) {
	raw, ok, err := o.GetMeta(ctx, userID, WatermarkKey(activityID))
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt watermark for %s: %w", activityID, err)
	}
	return t, nil
}

// SetWatermark records a successful sync time for an activity.
func (o *ops) SetWatermark(ctx context.Context, userID, activityID string, t time.Time) error {
	return o.SetMeta(ctx, userID, WatermarkKey(activityID), formatTime(t))
}

// AppendErrorLog persists a background failure.
func (o *ops) AppendErrorLog(ctx context.Context, userID, source, message string) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO error_logs (user_id, context, message, created_at) VALUES (?, ?, ?, ?)
	`, userID, source, message, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to append error log: %w", err)
	}
	return nil
}

// ListErrorLogs returns the newest error logs of the user first.
func (o *ops) ListErrorLogs(ctx context.Context, userID string, limit int) ([]*schema.ErrorLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := o.q.QueryContext(ctx, `
		SELECT id, user_id, context, message, created_at FROM error_logs
		WHERE user_id = ? ORDER BY id DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list error logs: %w", err)
	}
	defer rows.Close()

	var logs []*schema.ErrorLog
	for rows.Next() {
		var l schema.ErrorLog
		var created string
		if err := rows.Scan(&l.ID, &l.UserID, &l.Context, &l.Message, &created); err != nil {
			return nil, fmt.Errorf("failed to scan error log: %w", err)
		}
		l.CreatedAt = parseTime(created)
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
