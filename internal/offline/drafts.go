package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/audit-platform/audit-platform/internal/audits"
	"github.com/audit-platform/audit-platform/internal/safego"
)

// DraftStore keeps one draft per audit id. Every answer the auditor gives is written
// through immediately; there is no batching.
//
// Each write carries a sequence number taken when the save is requested, and the
// upsert only replaces a row holding a lower one. A background save that finishes late
// can therefore never overwrite a newer draft.
type DraftStore struct {
	store   *Store
	mu      sync.Mutex
	lastSeq int64
	pending sync.WaitGroup
}

// NewDraftStore returns a draft store backed by s
func NewDraftStore(s *Store) *DraftStore {
	d := &DraftStore{store: s}
	// Continue above anything already stored, in case the wall clock moved backwards.
	if err := s.db.Get(&d.lastSeq, `SELECT COALESCE(MAX(seq), 0) FROM drafts`); err != nil {
		slog.Warn("failed to read last draft sequence", "error", err)
	}
	return d
}

func (d *DraftStore) nextSeq() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.store.now().UnixNano()
	if n <= d.lastSeq {
		n = d.lastSeq + 1
	}
	d.lastSeq = n
	return n
}

// Put upserts a draft and reports failures
func (d *DraftStore) Put(ctx context.Context, a *audits.Audit) error {
	return d.put(ctx, a, d.nextSeq())
}

func (d *DraftStore) put(ctx context.Context, a *audits.Audit, seq int64) error {
	if a == nil || a.AuditID == "" {
		return errors.New("draft has no audit id")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode draft: %w", err)
	}
	_, err = d.store.db.ExecContext(ctx,
		`INSERT INTO drafts (audit_id, site_id, data, updated_at, seq) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(audit_id) DO UPDATE SET site_id = excluded.site_id, data = excluded.data,
		   updated_at = excluded.updated_at, seq = excluded.seq
		 WHERE excluded.seq > drafts.seq`,
		a.AuditID, a.SiteID, data, toMillis(d.store.now()), seq)
	if err != nil {
		return fmt.Errorf("failed to save draft %s: %w", a.AuditID, err)
	}
	return nil
}

// SaveDraft upserts a draft. Errors are logged, never returned: a failed local save must
// not interrupt the auditor, and the next answer writes the full draft again.
func (d *DraftStore) SaveDraft(ctx context.Context, a *audits.Audit) {
	if err := d.Put(ctx, a); err != nil {
		slog.Warn("failed to save local draft", "error", err)
	}
}

// SaveDraftAsync snapshots a and saves it in the background. Saves requested later
// always win over earlier ones, whatever order the goroutines finish in.
func (d *DraftStore) SaveDraftAsync(a *audits.Audit) {
	if a == nil {
		return
	}
	snapshot := cloneAudit(a)
	seq := d.nextSeq()

	d.pending.Add(1)
	safego.GoNamed("save-draft", func() {
		defer d.pending.Done()
		if err := d.put(context.Background(), snapshot, seq); err != nil {
			slog.Warn("failed to save local draft", "error", err)
		}
	})
}

// Wait blocks until every background save requested so far has finished
func (d *DraftStore) Wait() {
	d.pending.Wait()
}

// cloneAudit copies a deeply enough that the caller may keep editing items
func cloneAudit(a *audits.Audit) *audits.Audit {
	c := *a
	if a.Items != nil {
		c.Items = make([]audits.AuditItem, len(a.Items))
		for i, it := range a.Items {
			if it.Photos != nil {
				it.Photos = append([]string{}, it.Photos...)
			}
			if it.Action != nil {
				act := *it.Action
				act.AssigneeID = clonePtr(act.AssigneeID)
				act.AssigneeName = clonePtr(act.AssigneeName)
				act.DueDate = clonePtr(act.DueDate)
				it.Action = &act
			}
			c.Items[i] = it
		}
	}
	if a.Score != nil {
		score := *a.Score
		c.Score = &score
	}
	c.CompletedAt = clonePtr(a.CompletedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// AttachPhoto adds mediaID to the photos of item itemID in the stored draft. Attaching
// the same id twice is a no-op.
func (d *DraftStore) AttachPhoto(ctx context.Context, auditID, itemID, mediaID string) error {
	a, ok, err := d.GetDraft(ctx, auditID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no local draft for audit %s", auditID)
	}
	i := slices.IndexFunc(a.Items, func(it audits.AuditItem) bool { return it.ID == itemID })
	if i < 0 {
		return fmt.Errorf("audit %s has no item %s", auditID, itemID)
	}
	if slices.Contains(a.Items[i].Photos, mediaID) {
		return nil
	}
	a.Items[i].Photos = append(a.Items[i].Photos, mediaID)
	return d.Put(ctx, a)
}

// GetDraft returns the draft for auditID; ok is false when none is stored
func (d *DraftStore) GetDraft(ctx context.Context, auditID string) (*audits.Audit, bool, error) {
	var data []byte
	err := d.store.db.GetContext(ctx, &data, `SELECT data FROM drafts WHERE audit_id = ?`, auditID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read draft %s: %w", auditID, err)
	}

	var a audits.Audit
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, false, fmt.Errorf("failed to decode draft %s: %w", auditID, err)
	}
	return &a, true, nil
}

// GetAllDrafts returns every stored draft, most recently saved first
func (d *DraftStore) GetAllDrafts(ctx context.Context) ([]*audits.Audit, error) {
	var rows [][]byte
	if err := d.store.db.SelectContext(ctx, &rows, `SELECT data FROM drafts ORDER BY updated_at DESC, audit_id`); err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}

	out := make([]*audits.Audit, 0, len(rows))
	for _, data := range rows {
		var a audits.Audit
		if err := json.Unmarshal(data, &a); err != nil {
			slog.Warn("skipping undecodable local draft", "error", err)
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

// DeleteDraft removes the draft for auditID. Deleting a missing draft is not an error.
func (d *DraftStore) DeleteDraft(ctx context.Context, auditID string) error {
	if _, err := d.store.db.ExecContext(ctx, `DELETE FROM drafts WHERE audit_id = ?`, auditID); err != nil {
		return fmt.Errorf("failed to delete draft %s: %w", auditID, err)
	}
	return nil
}
