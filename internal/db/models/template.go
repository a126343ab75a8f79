// Package models defines the database model types for templates and remediation actions.
// Each type maps to a table and carries both JSON and sqlx tags; query logic lives in the
// repositories package.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Response types a template item accepts
const (
	ResponseTypeYesNoNA = "yes/no/not-applicable"
)

// ScoringPercentPassed is the only scoring method: percent of applicable items that passed
const ScoringPercentPassed = "percent_passed"

// Template is an immutable audit checklist, versioned by id
type Template struct {
	ID            string         `db:"id" json:"id"`
	Title         string         `db:"title" json:"title"`
	SiteTypes     pq.StringArray `db:"site_types" json:"siteTypes"`
	Sections      Sections       `db:"sections" json:"sections"`
	ScoringMethod string         `db:"scoring_method" json:"scoringMethod"`
	CreatedAt     time.Time      `db:"created_at" json:"createdAt"`
}

// Section groups template items
type Section struct {
	ID    string         `json:"id"`
	Title string         `json:"title"`
	Items []TemplateItem `json:"items"`
}

// TemplateItem is one question in a template
type TemplateItem struct {
	ID           string `json:"id"`
	Prompt       string `json:"prompt"`
	Guidance     string `json:"guidance,omitempty"`
	ResponseType string `json:"responseType"`
}

// Sections is stored as a JSONB column
type Sections []Section

// Value implements driver.Valuer
func (s Sections) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner
func (s *Sections) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*s = Sections{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Sections", src)
	}
	return json.Unmarshal(data, s)
}

// ItemIDs returns every item id in template order
func (t *Template) ItemIDs() []string {
	var ids []string
	for _, sec := range t.Sections {
		for _, it := range sec.Items {
			ids = append(ids, it.ID)
		}
	}
	return ids
}
