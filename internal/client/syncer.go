package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/audit-platform/audit-platform/internal/audits"
	"github.com/audit-platform/audit-platform/internal/offline"
)

// FinishResult summarizes a FinishAudit run
type FinishResult struct {
	Completion *CompletionResponse
	Flush      FlushResult
}

// FlushResult counts the outcome of one media flush
type FlushResult struct {
	Uploaded int
	Failed   int
}

// Syncer moves local work to the server
type Syncer struct {
	client *Client
	drafts *offline.DraftStore
	queue  *offline.MediaQueue
}

// NewSyncer wires a client to the local stores
func NewSyncer(c *Client, drafts *offline.DraftStore, queue *offline.MediaQueue) *Syncer {
	return &Syncer{client: c, drafts: drafts, queue: queue}
}

// FinishAudit completes the local draft of auditID on the server. The local draft is
// deleted only after the server confirms; media is flushed afterwards and upload
// failures do not fail the finish, they stay queued for the next flush.
func (s *Syncer) FinishAudit(ctx context.Context, auditID string) (*FinishResult, error) {
	// Submit the latest answers, not whatever an in-flight background save left behind
	s.drafts.Wait()

	draft, ok, err := s.drafts.GetDraft(ctx, auditID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no local draft for audit %s", auditID)
	}

	resp, err := s.client.Complete(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("completion failed, draft kept: %w", err)
	}

	if err := s.drafts.DeleteDraft(ctx, auditID); err != nil {
		slog.Warn("audit completed but local draft could not be deleted", "audit_id", auditID, "error", err)
	}

	flush, err := s.FlushMedia(ctx, auditID)
	if err != nil {
		slog.Warn("media flush failed after completion", "audit_id", auditID, "error", err)
	}
	return &FinishResult{Completion: resp, Flush: flush}, nil
}

// FlushMedia uploads every pending or failed item of auditID, one at a time, and prunes
// the uploaded ones. An empty auditID flushes the whole queue.
func (s *Syncer) FlushMedia(ctx context.Context, auditID string) (FlushResult, error) {
	var res FlushResult

	if _, err := s.queue.RequeueInterrupted(ctx); err != nil {
		return res, err
	}

	var items []offline.MediaItem
	var err error
	if auditID == "" {
		items, err = s.queue.Pending(ctx)
	} else {
		items, err = s.queue.GetQueueForAudit(ctx, auditID)
	}
	if err != nil {
		return res, err
	}

	flushed := map[string]bool{}
	for _, item := range items {
		if !item.Status.Retryable() {
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := s.uploadOne(ctx, item); err != nil {
			res.Failed++
			slog.Warn("media upload failed", "media_id", item.MediaID, "audit_id", item.AuditID, "error", err)
			if markErr := s.queue.MarkFailed(ctx, item.MediaID, err); markErr != nil {
				return res, markErr
			}
			continue
		}
		res.Uploaded++
		flushed[item.AuditID] = true
	}

	for id := range flushed {
		if _, err := s.queue.PruneUploaded(ctx, id); err != nil {
			slog.Warn("failed to prune uploaded media", "audit_id", id, "error", err)
		}
	}
	return res, nil
}

func (s *Syncer) uploadOne(ctx context.Context, item offline.MediaItem) error {
	if err := s.queue.UpdateStatus(ctx, item.MediaID, offline.MediaUploading); err != nil {
		return err
	}
	data, contentType, err := s.queue.Blob(ctx, item.MediaID)
	if err != nil {
		return err
	}
	ticket, err := s.client.RequestUpload(ctx, item.AuditID, item.MediaID, uploadContentType(contentType))
	if err != nil {
		return err
	}
	if err := s.client.Upload(ctx, ticket.UploadURL, data, contentType); err != nil {
		return err
	}
	return s.queue.UpdateStatus(ctx, item.MediaID, offline.MediaUploaded)
}

// uploadContentType only declares types the server whitelists
func uploadContentType(ct string) string {
	switch ct {
	case "image/jpeg", "image/png", "image/webp":
		return ct
	}
	return ""
}

// PreviewScore computes the optimistic client-side score of a draft
func PreviewScore(a *audits.Audit) audits.Score {
	return audits.CalculateScore(a.Items)
}
