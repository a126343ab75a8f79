// Package audits implements the server side of the audit lifecycle: draft mirroring,
// the DRAFT to COMPLETED transition, and reads over the date-partitioned blob layout.
//
// A completed audit is written once to "{siteId}/{YYYY}/{MM}/{auditId}" using the
// completion date, then summarized into the monthly index "_index/{siteId}/{YYYY}-{MM}".
// The two writes are not atomic. A record whose index write failed stays readable by id
// and is picked up again by a retried completion or by ReconcileIndex.
package audits

import (
	"time"

	"github.com/audit-platform/audit-platform/internal/db/models"
)

// Status is the lifecycle state of an audit
type Status string

// Audit statuses. LOCKED is reserved and never produced by this package.
const (
	StatusDraft     Status = "DRAFT"
	StatusCompleted Status = "COMPLETED"
	StatusLocked    Status = "LOCKED"
)

// Response is an auditor's answer to one item
type Response string

// Item responses. An empty Response means the item has not been answered yet.
const (
	ResponseYes Response = "YES"
	ResponseNo  Response = "NO"
	ResponseNA  Response = "NA"
)

// Valid reports whether r is empty or one of the known responses
func (r Response) Valid() bool {
	switch r {
	case "", ResponseYes, ResponseNo, ResponseNA:
		return true
	}
	return false
}

// Auditor is the identity snapshot taken when the audit is started
type Auditor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// AuditItem is the response to one template item
type AuditItem struct {
	ID       string         `json:"id"`
	Title    string         `json:"title,omitempty"`
	Response Response       `json:"response,omitempty"`
	Notes    string         `json:"notes,omitempty"`
	Severity string         `json:"severity,omitempty"`
	Photos   []string       `json:"photos"`
	Action   *models.Action `json:"action,omitempty"`
}

// Score is the pass/total summary of an audit
type Score struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Percent int `json:"percent"`
}

// Audit is both the draft payload and the completed record
type Audit struct {
	AuditID     string      `json:"auditId"`
	TemplateID  string      `json:"templateId"`
	SiteID      string      `json:"siteId"`
	Status      Status      `json:"status"`
	Auditor     Auditor     `json:"auditor"`
	Items       []AuditItem `json:"items"`
	Score       *Score      `json:"score,omitempty"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	CompletedBy string      `json:"completedBy,omitempty"`
	Locked      bool        `json:"locked"`
}

// IndexEntry summarizes one completed audit inside a MonthlyIndex
type IndexEntry struct {
	AuditID     string    `json:"auditId"`
	CompletedAt time.Time `json:"completedAt"`
	TemplateID  string    `json:"templateId"`
	Score       Score     `json:"score"`
	AuditorName string    `json:"auditorName"`
}

// MonthlyIndex lists the audits completed at one site in one calendar month
type MonthlyIndex struct {
	SiteID    string       `json:"siteId"`
	Period    string       `json:"period"`
	Audits    []IndexEntry `json:"audits"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Contains reports whether the index already lists auditID
func (idx *MonthlyIndex) Contains(auditID string) bool {
	for _, e := range idx.Audits {
		if e.AuditID == auditID {
			return true
		}
	}
	return false
}

func entryFor(a *Audit) IndexEntry {
	e := IndexEntry{
		AuditID:     a.AuditID,
		TemplateID:  a.TemplateID,
		AuditorName: a.Auditor.Name,
	}
	if a.CompletedAt != nil {
		e.CompletedAt = *a.CompletedAt
	}
	if a.Score != nil {
		e.Score = *a.Score
	}
	return e
}
