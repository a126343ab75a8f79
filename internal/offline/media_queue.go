package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// MediaStatus is the upload state of a queued blob
type MediaStatus string

// Queue states. failed items are retried on the next flush; there is no retry cap.
const (
	MediaPending   MediaStatus = "pending"
	MediaUploading MediaStatus = "uploading"
	MediaUploaded  MediaStatus = "uploaded"
	MediaFailed    MediaStatus = "failed"
)

// Valid reports whether s is a known status
func (s MediaStatus) Valid() bool {
	switch s {
	case MediaPending, MediaUploading, MediaUploaded, MediaFailed:
		return true
	}
	return false
}

// Retryable reports whether a flush should attempt the item
func (s MediaStatus) Retryable() bool {
	return s == MediaPending || s == MediaFailed
}

// ErrMediaNotFound is returned for unknown media ids
var ErrMediaNotFound = errors.New("media not found in queue")

// MediaItem describes one queued blob without its bytes
type MediaItem struct {
	MediaID     string      `db:"media_id" json:"mediaId"`
	AuditID     string      `db:"audit_id" json:"auditId"`
	ContentType string      `db:"content_type" json:"contentType"`
	Status      MediaStatus `db:"status" json:"status"`
	Size        int64       `db:"size" json:"size"`
	Attempts    int         `db:"attempts" json:"attempts"`
	LastError   string      `db:"last_error" json:"lastError,omitempty"`
	CreatedAt   int64       `db:"created_at" json:"-"`
	UpdatedAt   int64       `db:"updated_at" json:"-"`
}

// MediaQueue tracks photos waiting to be uploaded. It records intent and state only;
// the network work is done by the sync client.
type MediaQueue struct {
	store *Store
	opts  CompressOptions
}

// NewMediaQueue returns a queue backed by s that compresses with opts
func NewMediaQueue(s *Store, opts CompressOptions) *MediaQueue {
	return &MediaQueue{store: s, opts: opts}
}

// QueueMedia compresses data and stores it as pending for auditID, returning the new
// media id. If compression fails the original bytes are queued instead.
func (q *MediaQueue) QueueMedia(ctx context.Context, auditID string, data []byte, contentType string) (string, error) {
	if auditID == "" {
		return "", errors.New("audit id is required")
	}
	if len(data) == 0 {
		return "", errors.New("media is empty")
	}

	blob, ct, err := Compress(data, contentType, q.opts)
	if err != nil {
		slog.Warn("image compression failed, queueing original", "audit_id", auditID, "error", err)
		blob, ct = data, contentType
	}
	if ct == "" {
		ct = "application/octet-stream"
	}

	mediaID := uuid.New().String()
	now := toMillis(q.store.now())
	_, err = q.store.db.ExecContext(ctx,
		`INSERT INTO media_queue (media_id, audit_id, content_type, status, data, size, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		mediaID, auditID, ct, MediaPending, blob, len(blob), now, now)
	if err != nil {
		return "", fmt.Errorf("failed to queue media: %w", err)
	}
	return mediaID, nil
}

const mediaItemColumns = `media_id, audit_id, content_type, status, size, attempts, last_error, created_at, updated_at`

// GetQueueForAudit returns every queued item of auditID in the order it was queued
func (q *MediaQueue) GetQueueForAudit(ctx context.Context, auditID string) ([]MediaItem, error) {
	items := []MediaItem{}
	err := q.store.db.SelectContext(ctx, &items,
		`SELECT `+mediaItemColumns+` FROM media_queue WHERE audit_id = ? ORDER BY created_at, media_id`, auditID)
	if err != nil {
		return nil, fmt.Errorf("failed to read media queue: %w", err)
	}
	return items, nil
}

// Pending returns retryable items across all audits
func (q *MediaQueue) Pending(ctx context.Context) ([]MediaItem, error) {
	items := []MediaItem{}
	err := q.store.db.SelectContext(ctx, &items,
		`SELECT `+mediaItemColumns+` FROM media_queue WHERE status IN (?, ?) ORDER BY created_at, media_id`,
		MediaPending, MediaFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to read media queue: %w", err)
	}
	return items, nil
}

// UpdateStatus moves an item to status. Moving to uploading counts an attempt.
func (q *MediaQueue) UpdateStatus(ctx context.Context, mediaID string, status MediaStatus) error {
	return q.update(ctx, mediaID, status, "")
}

// MarkFailed records a failed attempt with its cause
func (q *MediaQueue) MarkFailed(ctx context.Context, mediaID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.update(ctx, mediaID, MediaFailed, msg)
}

func (q *MediaQueue) update(ctx context.Context, mediaID string, status MediaStatus, lastErr string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid media status %q", status)
	}
	attempt := 0
	if status == MediaUploading {
		attempt = 1
	}
	res, err := q.store.db.ExecContext(ctx,
		`UPDATE media_queue SET status = ?, attempts = attempts + ?, last_error = ?, updated_at = ? WHERE media_id = ?`,
		status, attempt, lastErr, toMillis(q.store.now()), mediaID)
	if err != nil {
		return fmt.Errorf("failed to update media status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMediaNotFound
	}
	return nil
}

// RequeueInterrupted returns items left in uploading by a crashed or killed flush to
// pending, so the next flush picks them up.
func (q *MediaQueue) RequeueInterrupted(ctx context.Context) (int64, error) {
	res, err := q.store.db.ExecContext(ctx,
		`UPDATE media_queue SET status = ?, updated_at = ? WHERE status = ?`,
		MediaPending, toMillis(q.store.now()), MediaUploading)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue interrupted uploads: %w", err)
	}
	return res.RowsAffected()
}

// Blob returns the stored bytes and content type of mediaID
func (q *MediaQueue) Blob(ctx context.Context, mediaID string) ([]byte, string, error) {
	var row struct {
		Data        []byte `db:"data"`
		ContentType string `db:"content_type"`
	}
	err := q.store.db.GetContext(ctx, &row, `SELECT data, content_type FROM media_queue WHERE media_id = ?`, mediaID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrMediaNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media blob: %w", err)
	}
	return row.Data, row.ContentType, nil
}

// PruneUploaded deletes uploaded items of auditID and returns how many were removed
func (q *MediaQueue) PruneUploaded(ctx context.Context, auditID string) (int64, error) {
	res, err := q.store.db.ExecContext(ctx,
		`DELETE FROM media_queue WHERE audit_id = ? AND status = ?`, auditID, MediaUploaded)
	if err != nil {
		return 0, fmt.Errorf("failed to prune media queue: %w", err)
	}
	return res.RowsAffected()
}
