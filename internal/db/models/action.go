package models

import "time"

// ActionStatus is the lifecycle state of a remediation action
type ActionStatus string

// Action statuses
const (
	ActionOpen       ActionStatus = "OPEN"
	ActionInProgress ActionStatus = "IN_PROGRESS"
	ActionClosed     ActionStatus = "CLOSED"
)

// Valid reports whether s is a known status
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionOpen, ActionInProgress, ActionClosed:
		return true
	}
	return false
}

// Action is a remediation task raised from a failed or flagged audit item
type Action struct {
	ID           string       `db:"id" json:"id"`
	AuditID      string       `db:"audit_id" json:"auditId"`
	ItemID       string       `db:"item_id" json:"itemId"`
	SiteID       string       `db:"site_id" json:"siteId"`
	AssigneeID   *string      `db:"assignee_id" json:"assigneeId,omitempty"`
	AssigneeName *string      `db:"assignee_name" json:"assigneeName,omitempty"`
	Description  string       `db:"description" json:"description"`
	DueDate      *time.Time   `db:"due_date" json:"dueDate,omitempty"`
	Status       ActionStatus `db:"status" json:"status"`
	CreatedBy    string       `db:"created_by" json:"createdBy,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updatedAt"`
}
