package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"github.com/cerdas-survey/fieldsync/internal/schema"
)

// PutPhoto stores a photo blob, snappy-compressed.
func (o *ops) PutPhoto(ctx context.Context, p *schema.PhotoBlob) error {
	if p.ID == "" || p.UserID == "" {
		return fmt.Errorf("photo requires id and user_id")
	}
	if len(p.Data) == 0 {
		return fmt.Errorf("photo %s has no data", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	contentType := p.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}

	_, err := o.q.ExecContext(ctx, `
		INSERT INTO photo_blobs (id, user_id, content_type, filename, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, user_id) DO UPDATE SET
			content_type = excluded.content_type,
			filename = excluded.filename,
			data = excluded.data
	`, p.ID, p.UserID, contentType, p.Filename, snappy.Encode(nil, p.Data), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to store photo %s: %w", p.ID, err)
	}
	return nil
}

// GetPhoto returns a decompressed photo blob, or ErrNotFound.
func (o *ops) GetPhoto(ctx context.Context, userID, id string) (*schema.PhotoBlob, error) {
	var p schema.PhotoBlob
	var compressed []byte
	var created string
	err := o.q.QueryRowContext(ctx, `
		SELECT id, user_id, content_type, filename, data, created_at
		FROM photo_blobs WHERE id = ? AND user_id = ?
	`, id, userID).Scan(&p.ID, &p.UserID, &p.ContentType, &p.Filename, &compressed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("photo %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get photo %s: %w", id, err)
	}

	p.Data, err = snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress photo %s: %w", id, err)
	}
	p.CreatedAt = parseTime(created)
	return &p, nil
}

// DeletePhoto removes a photo blob. Deleting a missing photo is not an error.
func (o *ops) DeletePhoto(ctx context.Context, userID, id string) error {
	if _, err := o.q.ExecContext(ctx,
		`DELETE FROM photo_blobs WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return fmt.Errorf("failed to delete photo %s: %w", id, err)
	}
	return nil
}

// PhotoStats returns the number of stored photos and their compressed size.
func (o *ops) PhotoStats(ctx context.Context, userID string) (count int, bytes int64, err error) {
	err = o.q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM photo_blobs WHERE user_id = ?
	`, userID).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count photos: %w", err)
	}
	return count, bytes, nil
}
