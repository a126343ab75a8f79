// Package client is the device-side HTTP client for the audit server, plus the Syncer
// that runs the finish sequence: complete on the server, drop the local draft, then
// upload the queued photos.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/audit-platform/audit-platform/internal/audits"
	"github.com/audit-platform/audit-platform/internal/media"
	"github.com/audit-platform/audit-platform/pkg/checksum"
)

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Details    string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("server returned %d: %s: %s", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether resubmitting the same request may succeed
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// CompletionResponse is the body of a successful completion
type CompletionResponse struct {
	Success bool   `json:"success"`
	AuditID string `json:"auditId"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Client talks to the audit server
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New returns a client for baseURL authenticating with token
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// SaveDraft mirrors a draft to the server
func (c *Client) SaveDraft(ctx context.Context, a *audits.Audit) (*audits.Audit, error) {
	var resp struct {
		Audit *audits.Audit `json:"audit"`
	}
	q := url.Values{"id": {a.AuditID}}
	if err := c.do(ctx, http.MethodPut, "/audits", q, a, &resp); err != nil {
		return nil, err
	}
	return resp.Audit, nil
}

// Complete submits the full audit for completion
func (c *Client) Complete(ctx context.Context, a *audits.Audit) (*CompletionResponse, error) {
	var resp CompletionResponse
	q := url.Values{"id": {a.AuditID}, "action": {"complete"}}
	if err := c.do(ctx, http.MethodPost, "/audits", q, a, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAudit reads a completed audit
func (c *Client) GetAudit(ctx context.Context, siteID, auditID string) (*audits.Audit, error) {
	var a audits.Audit
	q := url.Values{"id": {auditID}, "siteId": {siteID}}
	if err := c.do(ctx, http.MethodGet, "/audits", q, nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAudits returns a site's index for month (YYYY-MM, empty for the current month)
func (c *Client) ListAudits(ctx context.Context, siteID, month string) ([]audits.IndexEntry, error) {
	var resp struct {
		Audits []audits.IndexEntry `json:"audits"`
	}
	q := url.Values{"siteId": {siteID}}
	if month != "" {
		q.Set("month", month)
	}
	if err := c.do(ctx, http.MethodGet, "/audits", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Audits, nil
}

// RequestUpload asks for a signed upload URL for mediaID
func (c *Client) RequestUpload(ctx context.Context, auditID, mediaID, contentType string) (*media.UploadTicket, error) {
	var ticket media.UploadTicket
	body := media.UploadRequest{AuditID: auditID, MediaID: mediaID, ContentType: contentType}
	if err := c.do(ctx, http.MethodPost, "/media-upload", nil, body, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// Upload PUTs data to a URL obtained from RequestUpload. No bearer token is sent; the
// URL carries its own.
func (c *Client) Upload(ctx context.Context, uploadURL string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(checksum.Header, checksum.Sum(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, nil)
}
