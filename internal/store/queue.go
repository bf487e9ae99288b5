package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cerdas-survey/fieldsync/internal/schema"
)

// Enqueue appends a mutation to the queue and sets item.ID.
func (o *ops) Enqueue(ctx context.Context, item *schema.QueueItem) error {
	if item.UserID == "" {
		return fmt.Errorf("queue item requires a user id")
	}
	if item.Type == "" {
		return fmt.Errorf("queue item requires a type")
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	if item.Status == "" {
		item.Status = schema.QueuePending
	}

	res, err := o.q.ExecContext(ctx, `
		INSERT INTO sync_queue (
			user_id, type, payload, enqueued_at, status, last_error,
			retries, next_attempt_at, assignment_id, activity_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.UserID, string(item.Type), string(item.Payload), formatTime(item.EnqueuedAt),
		string(item.Status), item.LastError, item.Retries, unixMillis(item.NextAttemptAt),
		item.AssignmentID, item.ActivityID,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", item.Type, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read queue item id: %w", err)
	}
	item.ID = id
	return nil
}

const queueColumns = `id, user_id, type, payload, enqueued_at, status, last_error,
	retries, next_attempt_at, assignment_id, activity_id`

func scanQueueItem(row interface{ Scan(...any) error }) (*schema.QueueItem, error) {
	var item schema.QueueItem
	var typ, payload, enqueued, status string
	var next int64
	if err := row.Scan(&item.ID, &item.UserID, &typ, &payload, &enqueued, &status,
		&item.LastError, &item.Retries, &next, &item.AssignmentID, &item.ActivityID); err != nil {
		return nil, err
	}
	item.Type = schema.MutationType(typ)
	item.Payload = []byte(payload)
	item.EnqueuedAt = parseTime(enqueued)
	item.Status = schema.QueueStatus(status)
	if next > 0 && next < parkedMillis {
		item.NextAttemptAt = time.UnixMilli(next).UTC()
	}
	return &item, nil
}

func scanQueueItems(rows *sql.Rows) ([]*schema.QueueItem, error) {
	defer rows.Close()
	var items []*schema.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetQueueItem returns one queue item, or ErrNotFound.
func (o *ops) GetQueueItem(ctx context.Context, id int64) (*schema.QueueItem, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item %d: %w", id, err)
	}
	return item, nil
}

// EligibleQueueItems returns the user's items that may be attempted at now,
// in insertion order: pending items whose backoff has elapsed and, when
// includeFailed is set, failed items whose cooldown has elapsed.
func (o *ops) EligibleQueueItems(ctx context.Context, userID string, now time.Time, includeFailed bool) ([]*schema.QueueItem, error) {
	statuses := []any{string(schema.QueuePending)}
	placeholders := "?"
	if includeFailed {
		statuses = append(statuses, string(schema.QueueFailed))
		placeholders = "?, ?"
	}
	args := append([]any{userID}, statuses...)
	args = append(args, unixMillis(now))

	rows, err := o.q.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue
		WHERE user_id = ? AND status IN (`+placeholders+`) AND next_attempt_at <= ?
		ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load eligible queue items: %w", err)
	}
	return scanQueueItems(rows)
}

// ListQueue returns every queue item of the user in insertion order.
func (o *ops) ListQueue(ctx context.Context, userID string) ([]*schema.QueueItem, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	return scanQueueItems(rows)
}

// QueueCounts returns the number of queue items per status for the user.
func (o *ops) QueueCounts(ctx context.Context, userID string) (map[schema.QueueStatus]int, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue WHERE user_id = ? GROUP BY status`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.QueueStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		counts[schema.QueueStatus(status)] = n
	}
	return counts, rows.Err()
}

func (o *ops) updateQueueItem(ctx context.Context, id int64, query string, args ...any) error {
	res, err := o.q.ExecContext(ctx, query, append(args, id)...)
	if err != nil {
		return fmt.Errorf("failed to update queue item %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue item %d: %w", id, ErrNotFound)
	}
	return nil
}

// ClaimQueueItem marks an item in flight for the caller. The claim succeeds
// only while the item is still pending or failed and due at now, and while no
// other item of the same user is in flight, so two processes draining one
// database never send items out of order. It reports whether the caller owns
// the item.
func (o *ops) ClaimQueueItem(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := o.q.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'processing', claimed_at = ?
		WHERE id = ? AND status IN ('pending', 'failed') AND next_attempt_at <= ?
		AND NOT EXISTS (
			SELECT 1 FROM sync_queue AS other
			WHERE other.user_id = sync_queue.user_id AND other.status = 'processing'
		)
	`, unixMillis(now), id, unixMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to claim queue item %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim queue item %d: %w", id, err)
	}
	return n == 1, nil
}

// RequeueItem returns an item to pending after a retryable failure.
func (o *ops) RequeueItem(ctx context.Context, id int64, retries int, next time.Time, lastErr string) error {
	return o.updateQueueItem(ctx, id,
		`UPDATE sync_queue SET status = 'pending', retries = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		retries, unixMillis(next), lastErr)
}

// FailItem marks an item failed after its retries are exhausted. next is the
// earliest time it becomes eligible again; zero keeps it parked until RetryFailed.
func (o *ops) FailItem(ctx context.Context, id int64, retries int, next time.Time, lastErr string) error {
	nextMillis := unixMillis(next)
	if next.IsZero() {
		nextMillis = parkedMillis
	}
	return o.updateQueueItem(ctx, id,
		`UPDATE sync_queue SET status = 'failed', retries = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		retries, nextMillis, lastErr)
}

// UpdateQueuePayload replaces the payload of an item, used to record progress
// of multi-phase mutations.
func (o *ops) UpdateQueuePayload(ctx context.Context, id int64, payload []byte) error {
	return o.updateQueueItem(ctx, id,
		`UPDATE sync_queue SET payload = ? WHERE id = ?`, string(payload))
}

// DeleteQueueItem removes an item.
func (o *ops) DeleteQueueItem(ctx context.Context, id int64) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue item %d: %w", id, err)
	}
	return nil
}

// RetryFailed resets the user's failed items to pending with a fresh retry
// budget and returns how many were reset.
func (o *ops) RetryFailed(ctx context.Context, userID string) (int64, error) {
	res, err := o.q.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', retries = 0, next_attempt_at = 0
		WHERE user_id = ? AND status = 'failed'
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed queue items: %w", err)
	}
	return res.RowsAffected()
}

// ResetProcessing returns items claimed before the cutoff to pending. Such
// claims belong to a process that died mid-item. It applies to all users.
func (o *ops) ResetProcessing(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res, err := o.q.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending' WHERE status = 'processing' AND claimed_at < ?`,
		unixMillis(claimedBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing queue items: %w", err)
	}
	return res.RowsAffected()
}

// OutstandingAssignmentIDs returns the assignment ids referenced by any queue
// item of the user, whatever its status.
func (o *ops) OutstandingAssignmentIDs(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT DISTINCT assignment_id FROM sync_queue
		WHERE user_id = ? AND assignment_id != ''
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load outstanding assignments: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan outstanding assignment: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// parkedMillis keeps a failed item out of every automatic drain.
const parkedMillis = int64(1<<62 - 1)

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
