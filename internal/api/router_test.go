package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audit-platform/audit-platform/internal/audits"
	"github.com/audit-platform/audit-platform/internal/auth"
	"github.com/audit-platform/audit-platform/internal/config"
	"github.com/audit-platform/audit-platform/internal/storage"
	"github.com/audit-platform/audit-platform/internal/storage/local"
)

func TestMain(m *testing.M) {
	os.Setenv("AUDIT_JWT_SECRET", "test-jwt-secret-that-is-32-chars!!")
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// probeStorage only answers Exists; readiness tests need nothing else.
type probeStorage struct {
	storage.Storage
	existsErr error
}

func (p *probeStorage) Exists(context.Context, string) (bool, error) {
	return false, p.existsErr
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.BaseURL = "http://audits.test"
	cfg.Storage.DefaultBackend = "local"
	cfg.Audits.EnforceSiteAccessOnComplete = true
	cfg.Audits.ScanMonths = 12
	cfg.Media.MaxUploadBytes = 1 << 20
	cfg.Media.UploadURLTTL = 5 * time.Minute
	cfg.Security.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Logging.Level = "info"
	return cfg
}

type harness struct {
	t      *testing.T
	router *gin.Engine
	store  storage.Storage
	mock   sqlmock.Sqlmock
}

func newHarness(t *testing.T, withDB bool) *harness {
	t.Helper()
	store, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	h := &harness{t: t, store: store}
	deps := &Dependencies{Store: store, Verifiers: []auth.TokenVerifier{auth.HMACVerifier{}}}
	if withDB {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		deps.DB = sqlx.NewDb(db, "sqlmock")
		h.mock = mock
	}

	router, bg := NewRouter(testConfig(), deps)
	t.Cleanup(bg.Shutdown)
	h.router = router
	return h
}

var (
	admin     = &auth.User{ID: "admin-1", Name: "Ada", Role: "admin"}
	inspector = &auth.User{ID: "insp-1", Name: "Ines", SiteIDs: []string{"s1"}}
)

func (h *harness) request(user *auth.User, method, target string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(h.t, err)
		rd = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, rd)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != nil {
		tok, err := auth.GenerateJWT(user, time.Hour)
		require.NoError(h.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func auditBody(siteID string) map[string]interface{} {
	return map[string]interface{}{
		"siteId":     siteID,
		"templateId": "t-fire",
		"items": []map[string]interface{}{
			{"id": "i1", "response": "YES"},
			{"id": "i2", "response": "NO"},
			{"id": "i3", "response": "NA"},
		},
		"score": map[string]interface{}{"total": 3, "passed": 3, "percent": 100},
	}
}

// ---------------------------------------------------------------------------
// system endpoints
// ---------------------------------------------------------------------------

func TestHealthAndVersion(t *testing.T) {
	h := newHarness(t, false)

	w := h.request(nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	w = h.request(nil, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, Version, decode(t, w)["version"])
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name      string
		pingErr   error
		existsErr error
		want      int
	}{
		{"ready", nil, nil, http.StatusOK},
		{"database down", sql.ErrConnDone, nil, http.StatusServiceUnavailable},
		{"storage down", nil, errors.New("403 from bucket"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
			require.NoError(t, err)
			defer db.Close()
			if tt.pingErr != nil {
				mock.ExpectPing().WillReturnError(tt.pingErr)
			} else {
				mock.ExpectPing()
			}

			r := gin.New()
			r.GET("/ready", readinessHandler(sqlx.NewDb(db, "sqlmock"), &probeStorage{existsErr: tt.existsErr}))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestReadinessHandler_NoDatabase(t *testing.T) {
	r := gin.New()
	r.GET("/ready", readinessHandler(nil, &probeStorage{}))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusOK, w.Code)
	checks := decode(t, w)["checks"].(map[string]interface{})
	assert.NotContains(t, checks, "database")
	assert.Equal(t, "healthy", checks["storage"])
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, false)
	req := httptest.NewRequest(http.MethodOptions, "/audits", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

// ---------------------------------------------------------------------------
// /audits
// ---------------------------------------------------------------------------

func TestAudits_DraftCompleteQuery(t *testing.T) {
	h := newHarness(t, false)

	w := h.request(inspector, http.MethodPut, "/audits?id=a-100", auditBody("s1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	draft := decode(t, w)
	assert.Equal(t, true, draft["success"])
	assert.Equal(t, "DRAFT", draft["audit"].(map[string]interface{})["status"])

	w = h.request(inspector, http.MethodPost, "/audits?id=a-100&action=complete", auditBody("s1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decode(t, w)
	now := time.Now().UTC()
	wantPath := audits.RecordKey("s1", now, "a-100")
	assert.Equal(t, true, done["success"])
	assert.Equal(t, "a-100", done["auditId"])
	assert.Equal(t, wantPath, done["path"])
	assert.NotEmpty(t, done["message"])

	// The draft mirror is removed once the record is filed.
	exists, err := h.store.Exists(context.Background(), audits.DraftKey("a-100"))
	require.NoError(t, err)
	assert.False(t, exists)

	w = h.request(inspector, http.MethodGet, "/audits?id=a-100&siteId=s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec audits.Audit
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, audits.StatusCompleted, rec.Status)
	assert.True(t, rec.Locked)
	require.NotNil(t, rec.Score)
	assert.Equal(t, audits.Score{Total: 2, Passed: 1, Percent: 50}, *rec.Score)
	assert.Equal(t, inspector.ID, rec.CompletedBy)

	w = h.request(inspector, http.MethodGet, "/audits?siteId=s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["audits"].([]interface{})
	require.Len(t, list, 1)
	entry := list[0].(map[string]interface{})
	assert.Equal(t, "a-100", entry["auditId"])
	assert.Equal(t, "Ines", entry["auditorName"])
}

func TestAudits_CompleteTwiceKeepsOneIndexEntry(t *testing.T) {
	h := newHarness(t, false)

	first := h.request(admin, http.MethodPost, "/audits?id=a-1&action=complete", auditBody("s9"))
	require.Equal(t, http.StatusOK, first.Code)

	changed := auditBody("s9")
	changed["items"] = []map[string]interface{}{{"id": "i1", "response": "NO"}}
	second := h.request(admin, http.MethodPost, "/audits?id=a-1&action=complete", changed)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, decode(t, first)["path"], decode(t, second)["path"])

	w := h.request(admin, http.MethodGet, "/audits?siteId=s9", nil)
	assert.Len(t, decode(t, w)["audits"].([]interface{}), 1)

	w = h.request(admin, http.MethodGet, "/audits?id=a-1&siteId=s9", nil)
	var rec audits.Audit
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, 50, rec.Score.Percent)
}

func TestAudits_ListEmptyMonth(t *testing.T) {
	h := newHarness(t, false)
	w := h.request(inspector, http.MethodGet, "/audits?siteId=s1&month=2020-01", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"audits":[]}`, w.Body.String())
}

func TestAudits_Errors(t *testing.T) {
	h := newHarness(t, false)

	tests := []struct {
		name      string
		user      *auth.User
		method    string
		target    string
		body      interface{}
		want      int
		wantError string
	}{
		{"no token", nil, http.MethodPost, "/audits?id=a1", auditBody("s1"), http.StatusUnauthorized, "Unauthorized"},
		{"missing fields", inspector, http.MethodPost, "/audits?id=a1", map[string]interface{}{"items": []interface{}{}}, http.StatusBadRequest, "Missing required fields"},
		{"bad json", inspector, http.MethodPost, "/audits?id=a1", "{", http.StatusBadRequest, "Invalid request body"},
		{"other site draft", inspector, http.MethodPut, "/audits?id=a1", auditBody("s2"), http.StatusForbidden, "Access denied to site"},
		{"other site complete", inspector, http.MethodPost, "/audits?id=a1&action=complete", auditBody("s2"), http.StatusForbidden, "Access denied to site"},
		{"unknown action", inspector, http.MethodPost, "/audits?id=a1&action=lock", auditBody("s1"), http.StatusBadRequest, "Unknown action"},
		{"invalid response", inspector, http.MethodPost, "/audits?id=a1", map[string]interface{}{
			"siteId": "s1", "templateId": "t", "items": []map[string]string{{"id": "i1", "response": "MAYBE"}},
		}, http.StatusBadRequest, "Invalid response"},
		{"not found", inspector, http.MethodGet, "/audits?id=missing&siteId=s1", nil, http.StatusNotFound, "Audit not found"},
		{"list other site", inspector, http.MethodGet, "/audits?siteId=s2", nil, http.StatusForbidden, "Access denied to site"},
		{"bad month", inspector, http.MethodGet, "/audits?siteId=s1&month=2026-13", nil, http.StatusBadRequest, "Invalid month"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.request(tt.user, tt.method, tt.target, tt.body)
			require.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Equal(t, tt.wantError, decode(t, w)["error"])
		})
	}
}

func TestAudits_MissingFieldsDetails(t *testing.T) {
	h := newHarness(t, false)
	w := h.request(inspector, http.MethodPost, "/audits?id=a1&action=complete", map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "siteId, templateId", decode(t, w)["details"])
}

// ---------------------------------------------------------------------------
// media
// ---------------------------------------------------------------------------

func TestMedia_UploadThroughRouter(t *testing.T) {
	h := newHarness(t, false)

	w := h.request(inspector, http.MethodPost, "/media-upload", map[string]string{"auditId": "a-7"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ticket := decode(t, w)

	u, err := url.Parse(ticket["uploadUrl"].(string))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, u.RequestURI(), strings.NewReader("jpeg-bytes"))
	req.Header.Set("Content-Type", "image/jpeg")
	put := httptest.NewRecorder()
	h.router.ServeHTTP(put, req)
	require.Equal(t, http.StatusOK, put.Code, put.Body.String())
	assert.Equal(t, ticket["mediaId"], decode(t, put)["mediaId"])

	got := h.request(inspector, http.MethodGet, "/media/a-7/"+ticket["mediaId"].(string), nil)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, "jpeg-bytes", got.Body.String())
}

// ---------------------------------------------------------------------------
// templates and actions
// ---------------------------------------------------------------------------

func TestTemplatesAndActions_NotMountedWithoutDatabase(t *testing.T) {
	h := newHarness(t, false)
	assert.Equal(t, http.StatusNotFound, h.request(admin, http.MethodGet, "/templates", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.request(admin, http.MethodGet, "/actions?siteId=s1", nil).Code)
}

var templateCols = []string{"id", "title", "site_types", "sections", "scoring_method", "created_at"}

func TestTemplates_ListAndGet(t *testing.T) {
	h := newHarness(t, true)

	h.mock.ExpectQuery(`SELECT .* FROM templates WHERE \$1 = ANY\(site_types\)`).
		WithArgs("warehouse").
		WillReturnRows(sqlmock.NewRows(templateCols).
			AddRow("t1", "Fire safety", "{warehouse}", `[{"id":"s","title":"Exits","items":[]}]`, "percent_passed", time.Now()))
	w := h.request(inspector, http.MethodGet, "/templates?siteType=warehouse", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode(t, w)["templates"].([]interface{}), 1)

	h.mock.ExpectQuery(`SELECT .* FROM templates WHERE id = \$1`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(templateCols))
	assert.Equal(t, http.StatusNotFound, h.request(inspector, http.MethodGet, "/templates/nope", nil).Code)

	assert.NoError(t, h.mock.ExpectationsWereMet())
}

var actionCols = []string{"id", "audit_id", "item_id", "site_id", "assignee_id", "assignee_name",
	"description", "due_date", "status", "created_by", "created_at", "updated_at"}

func TestActions_Create(t *testing.T) {
	h := newHarness(t, true)

	h.mock.ExpectExec(`INSERT INTO actions`).WillReturnResult(sqlmock.NewResult(1, 1))
	w := h.request(inspector, http.MethodPost, "/actions", map[string]string{
		"auditId": "a1", "itemId": "i2", "siteId": "s1", "description": "Replace extinguisher",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "OPEN", body["status"])
	assert.Equal(t, inspector.ID, body["createdBy"])
	assert.NotEmpty(t, body["id"])
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestActions_CreateRejections(t *testing.T) {
	h := newHarness(t, true)

	w := h.request(inspector, http.MethodPost, "/actions", map[string]string{"auditId": "a1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.request(inspector, http.MethodPost, "/actions", map[string]string{
		"auditId": "a1", "itemId": "i2", "siteId": "s2", "description": "x",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestActions_ListValidation(t *testing.T) {
	h := newHarness(t, true)

	assert.Equal(t, http.StatusBadRequest, h.request(inspector, http.MethodGet, "/actions", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.request(inspector, http.MethodGet, "/actions?siteId=s1&status=DONE", nil).Code)
	assert.Equal(t, http.StatusForbidden, h.request(inspector, http.MethodGet, "/actions?siteId=s2", nil).Code)

	h.mock.ExpectQuery(`SELECT .* FROM actions WHERE site_id = \$1 AND status = \$2`).
		WithArgs("s1", "OPEN").
		WillReturnRows(sqlmock.NewRows(actionCols))
	w := h.request(inspector, http.MethodGet, "/actions?siteId=s1&status=OPEN", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"actions":[]}`, w.Body.String())
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

const (
	openActionID      = "3f2b8c1e-6d4a-4b7e-9a0c-1e5d7f9b2c41"
	otherSiteActionID = "8a7d6c5b-4e3f-4a2b-8c1d-0e9f8a7b6c5d"
	missingActionID   = "00000000-0000-4000-8000-000000000000"
)

func TestActions_UpdateStatus(t *testing.T) {
	h := newHarness(t, true)
	now := time.Now()

	h.mock.ExpectQuery(`SELECT .* FROM actions WHERE id = \$1`).
		WithArgs(openActionID).
		WillReturnRows(sqlmock.NewRows(actionCols).
			AddRow(openActionID, "a1", "i2", "s1", nil, nil, "Fix door", nil, "OPEN", "insp-1", now, now))
	h.mock.ExpectExec(`UPDATE actions SET`).WillReturnResult(sqlmock.NewResult(0, 1))

	w := h.request(inspector, http.MethodPatch, "/actions/"+openActionID, map[string]string{"status": "CLOSED"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "CLOSED", decode(t, w)["status"])
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestActions_UpdateRejections(t *testing.T) {
	h := newHarness(t, true)
	now := time.Now()

	w := h.request(inspector, http.MethodPatch, "/actions/"+openActionID, map[string]string{"status": "DONE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.mock.ExpectQuery(`SELECT .* FROM actions WHERE id = \$1`).
		WithArgs(otherSiteActionID).
		WillReturnRows(sqlmock.NewRows(actionCols).
			AddRow(otherSiteActionID, "a9", "i1", "s2", nil, nil, "Other site", nil, "OPEN", "x", now, now))
	w = h.request(inspector, http.MethodPatch, "/actions/"+otherSiteActionID, map[string]string{"status": "CLOSED"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	h.mock.ExpectQuery(`SELECT .* FROM actions WHERE id = \$1`).
		WithArgs(missingActionID).
		WillReturnRows(sqlmock.NewRows(actionCols))
	assert.Equal(t, http.StatusNotFound, h.request(inspector, http.MethodGet, "/actions/"+missingActionID, nil).Code)

	// not a UUID: answered without touching the database
	assert.Equal(t, http.StatusNotFound, h.request(inspector, http.MethodGet, "/actions/gone", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.request(inspector, http.MethodPatch, "/actions/gone", map[string]string{"status": "CLOSED"}).Code)

	assert.NoError(t, h.mock.ExpectationsWereMet())
}
