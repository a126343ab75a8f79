package audits

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audit-platform/audit-platform/internal/activity"
	"github.com/audit-platform/audit-platform/internal/auth"
	"github.com/audit-platform/audit-platform/internal/config"
	"github.com/audit-platform/audit-platform/internal/storage"
	"github.com/audit-platform/audit-platform/internal/storage/local"
)

var fixedNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

// flakyStore fails uploads to keys starting with failPrefix while it is set.
type flakyStore struct {
	storage.Storage
	mu         sync.Mutex
	failPrefix string
}

func (f *flakyStore) failUploads(prefix string) {
	f.mu.Lock()
	f.failPrefix = prefix
	f.mu.Unlock()
}

func (f *flakyStore) Upload(ctx context.Context, path string, r io.Reader, size int64) (*storage.UploadResult, error) {
	f.mu.Lock()
	prefix := f.failPrefix
	f.mu.Unlock()
	if prefix != "" && strings.HasPrefix(path, prefix) {
		return nil, errors.New("injected upload failure")
	}
	return f.Storage.Upload(ctx, path, r, size)
}

// recordingShipper keeps every shipped entry
type recordingShipper struct {
	mu      sync.Mutex
	entries []*activity.LogEntry
}

func (r *recordingShipper) Ship(_ context.Context, e *activity.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingShipper) Close() error { return nil }

func (r *recordingShipper) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	svc     *Service
	store   *flakyStore
	shipper *recordingShipper
}

func newFixture(t *testing.T, cfg *config.AuditsConfig) *fixture {
	t.Helper()
	ls, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	if cfg == nil {
		cfg = &config.AuditsConfig{EnforceSiteAccessOnComplete: true, ScanMonths: 12}
	}
	store := &flakyStore{Storage: ls}
	shipper := &recordingShipper{}
	svc := NewService(store, cfg, shipper)
	svc.SetClock(func() time.Time { return fixedNow })
	return &fixture{svc: svc, store: store, shipper: shipper}
}

var (
	admin  = &auth.User{ID: "admin-1", Name: "Ada", Role: "ADMIN"}
	viewer = &auth.User{ID: "viewer-1", Email: "vic@example.com", Role: "VIEWER", SiteIDs: []string{"s1"}}
)

func sampleAudit(id string) *Audit {
	return &Audit{
		AuditID:    id,
		TemplateID: "t1",
		SiteID:     "s1",
		Items: []AuditItem{
			{ID: "i1", Title: "Exits clear?", Response: ResponseYes},
			{ID: "i2", Title: "Extinguisher tagged?", Response: ResponseNo, Notes: "expired", Photos: []string{"m1"}},
		},
	}
}

func (f *fixture) readIndex(t *testing.T, siteID string, month time.Time) MonthlyIndex {
	t.Helper()
	var idx MonthlyIndex
	_, err := storage.GetJSON(context.Background(), f.store, IndexKey(siteID, month), &idx)
	require.NoError(t, err)
	return idx
}

// ---------------------------------------------------------------------------
// SaveDraft
// ---------------------------------------------------------------------------

func TestSaveDraft_RoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	in := sampleAudit("a1")
	in.StartedAt = fixedNow.Add(-time.Hour)
	in.Auditor = Auditor{ID: "viewer-1", Name: "Vic", Role: "VIEWER"}

	saved, err := f.svc.SaveDraft(ctx, viewer, "a1", in)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, saved.Status)

	var stored Audit
	found, err := storage.GetJSON(ctx, f.store, DraftKey("a1"), &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, *saved, stored)
	assert.Equal(t, []string{activity.ActionDraftSaved}, f.shipper.actions())
}

func TestSaveDraft_EmptyItems(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	in := &Audit{AuditID: "a2", TemplateID: "t1", SiteID: "s1", Items: []AuditItem{}}
	saved, err := f.svc.SaveDraft(ctx, viewer, "", in)
	require.NoError(t, err)

	var stored Audit
	_, err = storage.GetJSON(ctx, f.store, DraftKey("a2"), &stored)
	require.NoError(t, err)
	assert.Equal(t, *saved, stored)
	assert.NotNil(t, stored.Items)
	assert.Empty(t, stored.Items)
}

func TestSaveDraft_ForcesDraftState(t *testing.T) {
	f := newFixture(t, nil)
	in := sampleAudit("a1")
	done := fixedNow
	in.Status = StatusCompleted
	in.Score = &Score{Total: 2, Passed: 2, Percent: 100}
	in.CompletedAt = &done
	in.Locked = true

	saved, err := f.svc.SaveDraft(context.Background(), viewer, "a1", in)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, saved.Status)
	assert.Nil(t, saved.Score)
	assert.Nil(t, saved.CompletedAt)
	assert.False(t, saved.Locked)
	assert.Equal(t, "viewer-1", saved.Auditor.ID)
	assert.Equal(t, "vic@example.com", saved.Auditor.Name)
	assert.Equal(t, fixedNow, saved.StartedAt)
}

func TestSaveDraft_LastWriteWins(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SaveDraft(ctx, viewer, "a1", sampleAudit("a1"))
	require.NoError(t, err)

	second := sampleAudit("a1")
	second.Items = second.Items[:1]
	_, err = f.svc.SaveDraft(ctx, viewer, "a1", second)
	require.NoError(t, err)

	var stored Audit
	_, err = storage.GetJSON(ctx, f.store, DraftKey("a1"), &stored)
	require.NoError(t, err)
	assert.Len(t, stored.Items, 1)
}

func TestSaveDraft_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		user *auth.User
		id   string
		in   *Audit
		kind error
	}{
		{"no user", nil, "a1", sampleAudit("a1"), ErrUnauthorized},
		{"user without subject", &auth.User{Email: "x@example.com"}, "a1", sampleAudit("a1"), ErrUnauthorized},
		{"nil body", viewer, "a1", nil, ErrValidation},
		{"missing site", viewer, "a1", &Audit{TemplateID: "t1"}, ErrValidation},
		{"missing template", viewer, "a1", &Audit{SiteID: "s1"}, ErrValidation},
		{"missing id", viewer, "", &Audit{SiteID: "s1", TemplateID: "t1"}, ErrValidation},
		{"id with separator", viewer, "../x", sampleAudit(""), ErrValidation},
		{"reserved site", admin, "a1", &Audit{SiteID: "_index", TemplateID: "t1"}, ErrValidation},
		{"bad response", viewer, "a1", &Audit{SiteID: "s1", TemplateID: "t1", Items: []AuditItem{{ID: "i1", Response: "MAYBE"}}}, ErrValidation},
		{"other site", viewer, "a1", &Audit{SiteID: "s2", TemplateID: "t1"}, ErrAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SaveDraft(ctx, tt.user, tt.id, tt.in)
			assert.ErrorIs(t, err, tt.kind)
		})
	}

	keys, err := f.store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys, "rejected drafts must not write anything")
}

func TestSaveDraft_MissingFieldsMessage(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.SaveDraft(context.Background(), viewer, "a1", &Audit{})

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "Missing required fields", e.Message)
	assert.Equal(t, "siteId, templateId", e.Details)
}

func TestSaveDraft_StorageFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.failUploads("drafts/")

	_, err := f.svc.SaveDraft(context.Background(), viewer, "a1", sampleAudit("a1"))
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, 500, HTTPStatus(err))
}

// ---------------------------------------------------------------------------
// Complete
// ---------------------------------------------------------------------------

func TestComplete_EndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SaveDraft(ctx, viewer, "a1", sampleAudit("a1"))
	require.NoError(t, err)

	res, err := f.svc.Complete(ctx, viewer, "a1", sampleAudit("a1"))
	require.NoError(t, err)
	assert.Equal(t, "a1", res.AuditID)
	assert.Equal(t, "s1/2026/03/a1", res.Path)
	assert.False(t, res.AlreadyCompleted)
	assert.Equal(t, Score{Total: 2, Passed: 1, Percent: 50}, *res.Audit.Score)

	got, err := f.svc.Get(ctx, viewer, "s1", "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.Locked)
	assert.Equal(t, "viewer-1", got.CompletedBy)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(fixedNow))
	assert.Equal(t, Score{Total: 2, Passed: 1, Percent: 50}, *got.Score)

	list, err := f.svc.List(ctx, viewer, "s1", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a1", list[0].AuditID)
	assert.Equal(t, 50, list[0].Score.Percent)
	assert.Equal(t, "t1", list[0].TemplateID)
	assert.Equal(t, "vic@example.com", list[0].AuditorName)

	exists, err := f.store.Exists(ctx, DraftKey("a1"))
	require.NoError(t, err)
	assert.False(t, exists, "draft mirror should be removed after completion")

	assert.Equal(t, []string{activity.ActionDraftSaved, activity.ActionAuditCompleted}, f.shipper.actions())
}

func TestComplete_DoesNotWaitOnActivityWebhook(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	defer close(release)

	ws, err := activity.NewWebhookShipper(activity.WebhookOptions{URL: srv.URL, Timeout: 10 * time.Second})
	require.NoError(t, err)

	ls, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	svc := NewService(ls, &config.AuditsConfig{EnforceSiteAccessOnComplete: true, ScanMonths: 12}, ws)
	ctx := context.Background()

	start := time.Now()
	_, err = svc.SaveDraft(ctx, viewer, "a1", sampleAudit("a1"))
	require.NoError(t, err)
	_, err = svc.Complete(ctx, viewer, "a1", sampleAudit("a1"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestComplete_IgnoresClientScore(t *testing.T) {
	f := newFixture(t, nil)
	in := sampleAudit("a1")
	in.Score = &Score{Total: 2, Passed: 2, Percent: 100}
	in.Status = StatusCompleted

	res, err := f.svc.Complete(context.Background(), viewer, "a1", in)
	require.NoError(t, err)
	assert.Equal(t, Score{Total: 2, Passed: 1, Percent: 50}, *res.Audit.Score)

	got, err := f.svc.Get(context.Background(), viewer, "s1", "a1")
	require.NoError(t, err)
	assert.Equal(t, 50, got.Score.Percent)
}

func TestComplete_FiledUnderCompletionMonth(t *testing.T) {
	f := newFixture(t, nil)
	in := sampleAudit("a1")
	in.StartedAt = time.Date(2026, 2, 27, 9, 0, 0, 0, time.UTC)

	res, err := f.svc.Complete(context.Background(), viewer, "a1", in)
	require.NoError(t, err)
	assert.Equal(t, "s1/2026/03/a1", res.Path)
	assert.Equal(t, in.StartedAt, res.Audit.StartedAt)
}

func TestComplete_Twice_IsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Complete(ctx, viewer, "a1", sampleAudit("a1"))
	require.NoError(t, err)
	require.Len(t, f.readIndex(t, "s1", fixedNow).Audits, 1)

	// resubmit later the same month with different answers and a forged score
	f.svc.SetClock(func() time.Time { return fixedNow.Add(48 * time.Hour) })
	again := sampleAudit("a1")
	again.Items[1].Response = ResponseYes
	again.Score = &Score{Total: 2, Passed: 2, Percent: 100}

	second, err := f.svc.Complete(ctx, viewer, "a1", again)
	require.NoError(t, err)
	assert.True(t, second.AlreadyCompleted)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, *first.Audit.Score, *second.Audit.Score)
	assert.True(t, first.Audit.CompletedAt.Equal(*second.Audit.CompletedAt))

	assert.Len(t, f.readIndex(t, "s1", fixedNow).Audits, 1)
}

func TestComplete_TwiceAcrossMonthBoundary(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Complete(ctx, viewer, "a1", sampleAudit("a1"))
	require.NoError(t, err)

	next := fixedNow.AddDate(0, 1, 0)
	f.svc.SetClock(func() time.Time { return next })
	res, err := f.svc.Complete(ctx, viewer, "a1", sampleAudit("a1"))
	require.NoError(t, err)
	assert.True(t, res.AlreadyCompleted)
	assert.Equal(t, "s1/2026/03/a1", res.Path)

	assert.Empty(t, f.readIndex(t, "s1", next).Audits, "no entry in the month of the retry")
	assert.Len(t, f.readIndex(t, "s1", fixedNow).Audits, 1)
}

func TestComplete_ConcurrentSubmissions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Complete(ctx, viewer, "a1", sampleAudit("a1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.readIndex(t, "s1", fixedNow).Audits, 1)
}

func TestComplete_DifferentAuditsShareIndex(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := []string{"a1", "a2", "a3", "a4", "a5"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.Complete(ctx, viewer, id, sampleAudit(id))
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Len(t, f.readIndex(t, "s1", fixedNow).Audits, len(ids))
}

func TestComplete_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Complete(ctx, nil, "a1", sampleAudit("a1"))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.Complete(ctx, viewer, "a1", &Audit{TemplateID: "t1"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Complete(ctx, viewer, "a1", &Audit{SiteID: "s1"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestComplete_SiteAccessEnforced(t *testing.T) {
	f := newFixture(t, &config.AuditsConfig{EnforceSiteAccessOnComplete: true})
	in := sampleAudit("a1")
	in.SiteID = "s2"

	_, err := f.svc.Complete(context.Background(), viewer, "a1", in)
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, 403, HTTPStatus(err))
}

func TestComplete_SiteAccessDisabled(t *testing.T) {
	f := newFixture(t, &config.AuditsConfig{EnforceSiteAccessOnComplete: false})
	in := sampleAudit("a1")
	in.SiteID = "s2"

	res, err := f.svc.Complete(context.Background(), viewer, "a1", in)
	require.NoError(t, err)
	assert.Equal(t, "s2/2026/03/a1", res.Path)
}

func TestComplete_RecordWriteFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SaveDraft(ctx, viewer, "a1", sampleAudit("a1"))
	require.NoError(t, err)

	f.store.failUploads("s1/")
	_, err = f.svc.Complete(ctx, viewer, "a1", sampleAudit("a1"))
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "Failed to save audit", e.Message)
	assert.Equal(t, 500, HTTPStatus(err))

	exists, err := f.store.Exists(ctx, DraftKey("a1"))
	require.NoError(t, err)
	assert.True(t, exists, "draft mirror must survive a failed completion")

	f.store.failUploads("")
	res, err := f.svc.Complete(ctx, viewer, "a1", sampleAudit("a1"))
	require.NoError(t, err)
	assert.False(t, res.AlreadyCompleted)
}

func TestComplete_IndexFailureThenRetry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.failUploads("_index/")
	_, err := f.svc.Complete(ctx, viewer, "a1", sampleAudit("a1"))
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "Failed to update audit index", e.Message)
	assert.ErrorIs(t, err, ErrStorage)

	// the record is there but not listed
	_, err = f.svc.Get(ctx, viewer, "s1", "a1")
	require.NoError(t, err)
	list, err := f.svc.List(ctx, viewer, "s1", "")
	require.NoError(t, err)
	assert.Empty(t, list)

	f.store.failUploads("")
	res, err := f.svc.Complete(ctx, viewer, "a1", sampleAudit("a1"))
	require.NoError(t, err)
	assert.True(t, res.AlreadyCompleted)

	list, err = f.svc.List(ctx, viewer, "s1", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a1", list[0].AuditID)
}

// ---------------------------------------------------------------------------
// Get / List
// ---------------------------------------------------------------------------

func putRecord(t *testing.T, f *fixture, siteID, auditID string, month time.Time) {
	t.Helper()
	completed := month.Add(36 * time.Hour)
	rec := &Audit{
		AuditID: auditID, TemplateID: "t1", SiteID: siteID,
		Status: StatusCompleted, CompletedAt: &completed, Locked: true,
		Score: &Score{Total: 1, Passed: 1, Percent: 100}, Items: []AuditItem{},
	}
	require.NoError(t, storage.PutJSON(context.Background(), f.store, RecordKey(siteID, month, auditID), rec))
}

func TestGet_ScanWindow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	putRecord(t, f, "s1", "m0", monthsBack(fixedNow, 0))
	putRecord(t, f, "s1", "m11", monthsBack(fixedNow, 11))
	putRecord(t, f, "s1", "m12", monthsBack(fixedNow, 12))
	putRecord(t, f, "s1", "m13", monthsBack(fixedNow, 13))

	for _, id := range []string{"m0", "m11"} {
		got, err := f.svc.Get(ctx, viewer, "s1", id)
		require.NoError(t, err, id)
		assert.Equal(t, id, got.AuditID)
	}
	for _, id := range []string{"m12", "m13"} {
		_, err := f.svc.Get(ctx, viewer, "s1", id)
		assert.ErrorIs(t, err, ErrNotFound, id)
		assert.Equal(t, 404, HTTPStatus(err))
	}
}

func TestGet_CustomScanMonths(t *testing.T) {
	f := newFixture(t, &config.AuditsConfig{EnforceSiteAccessOnComplete: true, ScanMonths: 3})
	putRecord(t, f, "s1", "old", monthsBack(fixedNow, 3))

	_, err := f.svc.Get(context.Background(), viewer, "s1", "old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Get(ctx, nil, "s1", "a1")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.Get(ctx, viewer, "", "a1")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.Get(ctx, viewer, "s1", "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.Get(ctx, viewer, "s2", "a1")
	assert.ErrorIs(t, err, ErrAccessDenied)
	_, err = f.svc.Get(ctx, admin, "s2", "a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_AbsentIndexIsEmpty(t *testing.T) {
	f := newFixture(t, nil)
	list, err := f.svc.List(context.Background(), viewer, "s1", "")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestList_OnlyCurrentMonthByDefault(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.svc.SetClock(func() time.Time { return fixedNow.AddDate(0, -1, 0) })
	_, err := f.svc.Complete(ctx, viewer, "feb", sampleAudit("feb"))
	require.NoError(t, err)

	f.svc.SetClock(func() time.Time { return fixedNow })
	list, err := f.svc.List(ctx, viewer, "s1", "")
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = f.svc.List(ctx, viewer, "s1", "2026-02")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "feb", list[0].AuditID)
}

func TestList_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.List(ctx, nil, "s1", "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.List(ctx, viewer, "", "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.List(ctx, viewer, "s2", "")
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = f.svc.List(ctx, viewer, "s1", "March")
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "Invalid month", e.Message)
}

func TestEnsureIndexed_RequiresCompletion(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.EnsureIndexed(context.Background(), &Audit{AuditID: "a1", SiteID: "s1"})
	assert.Error(t, err)
}
