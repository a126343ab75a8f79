package audits

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/audit-platform/audit-platform/internal/activity"
	"github.com/audit-platform/audit-platform/internal/auth"
	"github.com/audit-platform/audit-platform/internal/config"
	"github.com/audit-platform/audit-platform/internal/storage"
	"github.com/audit-platform/audit-platform/internal/telemetry"
)

const defaultScanMonths = 12

// Service runs audit operations against a blob store
type Service struct {
	store                 storage.Storage
	shipper               activity.Shipper
	enforceSiteOnComplete bool
	scanMonths            int
	locks                 *keyLocks
	now                   func() time.Time
}

// CompletionResult is returned by Complete
type CompletionResult struct {
	AuditID string
	Path    string
	Audit   *Audit
	// AlreadyCompleted is set when a record for the id already existed and was returned unchanged
	AlreadyCompleted bool
}

// NewService creates an audit service. shipper may be nil.
func NewService(store storage.Storage, cfg *config.AuditsConfig, shipper activity.Shipper) *Service {
	s := &Service{
		store:                 store,
		shipper:               shipper,
		enforceSiteOnComplete: true,
		scanMonths:            defaultScanMonths,
		locks:                 newKeyLocks(),
		now:                   time.Now,
	}
	if cfg != nil {
		s.enforceSiteOnComplete = cfg.EnforceSiteAccessOnComplete
		if cfg.ScanMonths > 0 {
			s.scanMonths = cfg.ScanMonths
		}
	}
	return s
}

// SetClock replaces the time source. Used by tests and the reconcile command.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SaveDraft stores in as the server-side draft mirror for auditID. The id may also be
// carried in the body; the explicit argument wins. Last write wins.
func (s *Service) SaveDraft(ctx context.Context, user *auth.User, auditID string, in *Audit) (*Audit, error) {
	if err := auth.RequireAuth(user); err != nil {
		return nil, newError(ErrUnauthorized, "Unauthorized", "")
	}
	if in == nil {
		return nil, newError(ErrValidation, "Missing required fields", "siteId, templateId")
	}

	draft := *in
	if auditID != "" {
		draft.AuditID = auditID
	}
	if err := validateAudit(&draft); err != nil {
		return nil, err
	}
	if !auth.CanAccessSite(user, draft.SiteID) {
		return nil, newError(ErrAccessDenied, "Access denied to site", draft.SiteID)
	}

	draft.Status = StatusDraft
	draft.Score = nil
	draft.CompletedAt = nil
	draft.CompletedBy = ""
	draft.Locked = false
	s.fillStart(&draft, user)

	start := time.Now()
	err := storage.PutJSON(ctx, s.store, DraftKey(draft.AuditID), &draft)
	telemetry.ObserveStorage("put_draft", start, err)
	if err != nil {
		slog.Error("failed to save draft", "audit_id", draft.AuditID, "error", err)
		return nil, newError(ErrStorage, "Failed to save draft", err.Error())
	}

	telemetry.AuditDraftSavesTotal.Inc()
	s.record(ctx, &activity.LogEntry{
		Action:       activity.ActionDraftSaved,
		UserID:       user.ID,
		SiteID:       draft.SiteID,
		ResourceType: "audit",
		ResourceID:   draft.AuditID,
	})
	return &draft, nil
}

// Complete performs the DRAFT to COMPLETED transition.
//
// The score is always recomputed from the submitted items. The record is filed under the
// current month, then appended to that month's index. If a record for the id already
// exists inside the scan window it is returned untouched and only its index entry is
// ensured, so a retried completion repairs a missed index write without changing the
// stored score or completion time.
func (s *Service) Complete(ctx context.Context, user *auth.User, auditID string, in *Audit) (*CompletionResult, error) {
	if err := auth.RequireAuth(user); err != nil {
		return nil, newError(ErrUnauthorized, "Unauthorized", "")
	}
	if in == nil {
		return nil, newError(ErrValidation, "Missing required fields", "siteId, templateId")
	}

	rec := *in
	if auditID != "" {
		rec.AuditID = auditID
	}
	if err := validateAudit(&rec); err != nil {
		return nil, err
	}
	if s.enforceSiteOnComplete && !auth.CanAccessSite(user, rec.SiteID) {
		return nil, newError(ErrAccessDenied, "Access denied to site", rec.SiteID)
	}

	unlock := s.locks.lock("complete/" + rec.AuditID)
	defer unlock()

	existing, existingKey, err := s.find(ctx, rec.SiteID, rec.AuditID)
	if err != nil {
		return nil, newError(ErrStorage, "Failed to save audit", err.Error())
	}
	if existing != nil && existing.Status == StatusCompleted && existing.CompletedAt != nil {
		if _, err := s.appendIndex(ctx, existing); err != nil {
			return nil, newError(ErrStorage, "Failed to update audit index", err.Error())
		}
		telemetry.AuditCompletionsTotal.WithLabelValues("existing").Inc()
		slog.Info("audit already completed", "audit_id", existing.AuditID, "path", existingKey)
		return &CompletionResult{AuditID: existing.AuditID, Path: existingKey, Audit: existing, AlreadyCompleted: true}, nil
	}

	now := s.now().UTC()
	score := CalculateScore(rec.Items)
	rec.Score = &score
	rec.Status = StatusCompleted
	rec.CompletedAt = &now
	rec.CompletedBy = user.ID
	rec.Locked = true
	s.fillStart(&rec, user)

	key := RecordKey(rec.SiteID, now, rec.AuditID)
	start := time.Now()
	err = storage.PutJSON(ctx, s.store, key, &rec)
	telemetry.ObserveStorage("put_record", start, err)
	if err != nil {
		slog.Error("failed to write audit record", "audit_id", rec.AuditID, "path", key, "error", err)
		return nil, newError(ErrStorage, "Failed to save audit", err.Error())
	}

	if _, err := s.appendIndex(ctx, &rec); err != nil {
		slog.Error("audit record written but index update failed",
			"audit_id", rec.AuditID, "path", key, "index", IndexKey(rec.SiteID, now), "error", err)
		return nil, newError(ErrStorage, "Failed to update audit index", err.Error())
	}

	start = time.Now()
	err = s.store.Delete(ctx, DraftKey(rec.AuditID))
	telemetry.ObserveStorage("delete_draft", start, err)
	if err != nil {
		slog.Warn("failed to delete draft mirror", "audit_id", rec.AuditID, "error", err)
	}

	telemetry.AuditCompletionsTotal.WithLabelValues("created").Inc()
	telemetry.AuditScorePercent.Observe(float64(score.Percent))
	s.record(ctx, &activity.LogEntry{
		Action:       activity.ActionAuditCompleted,
		UserID:       user.ID,
		SiteID:       rec.SiteID,
		ResourceType: "audit",
		ResourceID:   rec.AuditID,
		Metadata: map[string]interface{}{
			"path":        key,
			"template_id": rec.TemplateID,
			"percent":     score.Percent,
		},
	})

	return &CompletionResult{AuditID: rec.AuditID, Path: key, Audit: &rec}, nil
}

// Get returns the completed record for auditID, searching the current month and the
// preceding months of the scan window.
func (s *Service) Get(ctx context.Context, user *auth.User, siteID, auditID string) (*Audit, error) {
	if err := auth.RequireAuth(user); err != nil {
		return nil, newError(ErrUnauthorized, "Unauthorized", "")
	}
	if siteID == "" || auditID == "" {
		return nil, newError(ErrValidation, "Missing required fields", "siteId, id")
	}
	if err := validateSiteID(siteID); err != nil {
		return nil, newError(ErrValidation, "Invalid site id", err.Error())
	}
	if err := validateID(auditID); err != nil {
		return nil, newError(ErrValidation, "Invalid audit id", err.Error())
	}
	if !auth.CanAccessSite(user, siteID) {
		return nil, newError(ErrAccessDenied, "Access denied to site", siteID)
	}

	rec, _, err := s.find(ctx, siteID, auditID)
	if err != nil {
		return nil, newError(ErrStorage, "Failed to read audit", err.Error())
	}
	if rec == nil {
		return nil, newError(ErrNotFound, "Audit not found", "")
	}
	return rec, nil
}

// List returns the index entries for one site and month. An empty month means the
// current one. A month with no index yields an empty list.
func (s *Service) List(ctx context.Context, user *auth.User, siteID, month string) ([]IndexEntry, error) {
	if err := auth.RequireAuth(user); err != nil {
		return nil, newError(ErrUnauthorized, "Unauthorized", "")
	}
	if siteID == "" {
		return nil, newError(ErrValidation, "Missing required fields", "siteId")
	}
	if err := validateSiteID(siteID); err != nil {
		return nil, newError(ErrValidation, "Invalid site id", err.Error())
	}
	if !auth.CanAccessSite(user, siteID) {
		return nil, newError(ErrAccessDenied, "Access denied to site", siteID)
	}

	t := s.now()
	if month != "" {
		var err error
		if t, err = ParsePeriod(month); err != nil {
			return nil, newError(ErrValidation, "Invalid month", err.Error())
		}
	}

	var idx MonthlyIndex
	start := time.Now()
	found, err := storage.GetJSON(ctx, s.store, IndexKey(siteID, t), &idx)
	telemetry.ObserveStorage("get_index", start, err)
	if err != nil {
		return nil, newError(ErrStorage, "Failed to read audit index", err.Error())
	}
	if !found || idx.Audits == nil {
		return []IndexEntry{}, nil
	}
	return idx.Audits, nil
}

// EnsureIndexed appends rec to the index of its completion month unless already present.
func (s *Service) EnsureIndexed(ctx context.Context, rec *Audit) (bool, error) {
	if rec == nil || rec.CompletedAt == nil {
		return false, fmt.Errorf("audit has no completion time")
	}
	return s.appendIndex(ctx, rec)
}

// find scans backwards for the record, returning nil when it is not in the window
func (s *Service) find(ctx context.Context, siteID, auditID string) (*Audit, string, error) {
	now := s.now()
	for i := 0; i < s.scanMonths; i++ {
		key := RecordKey(siteID, monthsBack(now, i), auditID)

		var rec Audit
		start := time.Now()
		found, err := storage.GetJSON(ctx, s.store, key, &rec)
		telemetry.ObserveStorage("get_record", start, err)
		if err != nil {
			return nil, "", err
		}
		if found {
			return &rec, key, nil
		}
	}
	return nil, "", nil
}

// appendIndex does the read-modify-write of a monthly index. Writers of the same index
// key are serialized in-process; another instance can still overwrite a concurrent append.
func (s *Service) appendIndex(ctx context.Context, rec *Audit) (bool, error) {
	t := *rec.CompletedAt
	key := IndexKey(rec.SiteID, t)

	unlock := s.locks.lock(key)
	defer unlock()

	var idx MonthlyIndex
	start := time.Now()
	found, err := storage.GetJSON(ctx, s.store, key, &idx)
	telemetry.ObserveStorage("get_index", start, err)
	if err != nil {
		telemetry.IndexAppendsTotal.WithLabelValues("failed").Inc()
		return false, err
	}
	if !found {
		idx = MonthlyIndex{SiteID: rec.SiteID, Period: Period(t)}
	}
	if idx.Contains(rec.AuditID) {
		telemetry.IndexAppendsTotal.WithLabelValues("duplicate").Inc()
		return false, nil
	}

	idx.Audits = append(idx.Audits, entryFor(rec))
	idx.UpdatedAt = s.now().UTC()

	start = time.Now()
	err = storage.PutJSON(ctx, s.store, key, &idx)
	telemetry.ObserveStorage("put_index", start, err)
	if err != nil {
		telemetry.IndexAppendsTotal.WithLabelValues("failed").Inc()
		return false, err
	}
	telemetry.IndexAppendsTotal.WithLabelValues("appended").Inc()
	return true, nil
}

func (s *Service) fillStart(a *Audit, user *auth.User) {
	if a.StartedAt.IsZero() {
		a.StartedAt = s.now().UTC()
	}
	if a.Auditor.ID == "" {
		a.Auditor = Auditor{ID: user.ID, Name: user.DisplayName(), Role: user.Role}
	}
	if a.Items == nil {
		a.Items = []AuditItem{}
	}
}

func (s *Service) record(ctx context.Context, entry *activity.LogEntry) {
	if s.shipper == nil {
		return
	}
	if err := s.shipper.Ship(ctx, entry); err != nil {
		slog.Warn("failed to ship activity entry", "action", entry.Action, "error", err)
	}
}

func validateAudit(a *Audit) error {
	var missing []string
	if a.SiteID == "" {
		missing = append(missing, "siteId")
	}
	if a.TemplateID == "" {
		missing = append(missing, "templateId")
	}
	if a.AuditID == "" {
		missing = append(missing, "auditId")
	}
	if len(missing) > 0 {
		return newError(ErrValidation, "Missing required fields", strings.Join(missing, ", "))
	}
	if err := validateID(a.AuditID); err != nil {
		return newError(ErrValidation, "Invalid audit id", err.Error())
	}
	if err := validateSiteID(a.SiteID); err != nil {
		return newError(ErrValidation, "Invalid site id", err.Error())
	}
	for _, it := range a.Items {
		if !it.Response.Valid() {
			return newError(ErrValidation, "Invalid response", fmt.Sprintf("item %s: %q", it.ID, it.Response))
		}
	}
	return nil
}
