// Package activity emits structured activity records for audit lifecycle events such as
// draft saves, completions, media uploads and action changes. Records are shipped to one
// or more destinations (file, webhook) independently of the application log, so a
// compliance consumer can keep them for as long as the audits themselves.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/audit-platform/audit-platform/internal/config"
)

// Actions recorded by the audit service
const (
	ActionDraftSaved     = "audit.draft_saved"
	ActionAuditCompleted = "audit.completed"
	ActionIndexRepaired  = "audit.index_repaired"
	ActionMediaUploaded  = "media.uploaded"
	ActionActionCreated  = "action.created"
	ActionActionUpdated  = "action.updated"

	// ActionRequestRejected records a write that failed authentication, authorization or validation
	ActionRequestRejected = "http.request_rejected"
)

// ErrClosed is returned by Ship after Close
var ErrClosed = errors.New("activity shipper closed")

// LogEntry is one activity record
type LogEntry struct {
	Timestamp    time.Time              `json:"timestamp"`
	Action       string                 `json:"action"`
	UserID       string                 `json:"user_id,omitempty"`
	SiteID       string                 `json:"site_id,omitempty"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	StatusCode   int                    `json:"status_code,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Shipper delivers activity entries to one destination
type Shipper interface {
	Ship(ctx context.Context, entry *LogEntry) error
	Close() error
}

// MultiShipper fans entries out to several destinations
type MultiShipper struct {
	shippers []Shipper
}

// NewMultiShipper combines already constructed shippers
func NewMultiShipper(shippers ...Shipper) *MultiShipper {
	return &MultiShipper{shippers: shippers}
}

// New builds the enabled destinations of the activity config section
func New(cfg *config.ActivityConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}
	for i, sc := range cfg.Shippers {
		if !sc.Enabled {
			continue
		}
		s, err := build(sc)
		if err != nil {
			_ = ms.Close()
			return nil, fmt.Errorf("activity shipper %d (%s): %w", i, sc.Type, err)
		}
		ms.shippers = append(ms.shippers, s)
	}
	return ms, nil
}

func build(sc config.ActivityShipperConfig) (Shipper, error) {
	switch sc.Type {
	case "webhook":
		if sc.Webhook == nil {
			return nil, errors.New("webhook section is required")
		}
		return NewWebhookShipper(WebhookOptions{
			URL:           sc.Webhook.URL,
			Headers:       sc.Webhook.Headers,
			Timeout:       time.Duration(sc.Webhook.TimeoutSecs) * time.Second,
			BatchSize:     sc.Webhook.BatchSize,
			FlushInterval: time.Duration(sc.Webhook.FlushInterval) * time.Second,
		})
	case "file":
		if sc.File == nil {
			return nil, errors.New("file section is required")
		}
		return NewFileShipper(FileOptions{
			Path:       sc.File.Path,
			MaxBytes:   int64(sc.File.MaxSizeMB) << 20,
			MaxBackups: sc.File.MaxBackups,
		})
	default:
		return nil, fmt.Errorf("unknown shipper type %q", sc.Type)
	}
}

// Ship stamps a missing timestamp and delivers entry to every destination. A failing
// destination does not stop delivery to the others.
func (ms *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	var errs []error
	for _, s := range ms.shippers {
		if err := s.Ship(ctx, entry); err != nil {
			slog.Warn("activity shipper error", "action", entry.Action, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of destinations
func (ms *MultiShipper) Len() int { return len(ms.shippers) }

// Close closes every destination
func (ms *MultiShipper) Close() error {
	var errs []error
	for _, s := range ms.shippers {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
