package audits

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	draftPrefix = "drafts/"
	indexPrefix = "_index/"
	mediaPrefix = "media/"
)

// DraftKey is the blob key of the server-side draft mirror
func DraftKey(auditID string) string {
	return draftPrefix + auditID
}

// RecordKey is the blob key of a completed audit filed under the month of t
func RecordKey(siteID string, t time.Time, auditID string) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%s", siteID, t.Year(), int(t.Month()), auditID)
}

// IndexKey is the blob key of the monthly index for siteID covering the month of t
func IndexKey(siteID string, t time.Time) string {
	return indexPrefix + siteID + "/" + Period(t)
}

// MediaKey is the blob key of an uploaded media object
func MediaKey(auditID, mediaID string) string {
	return mediaPrefix + auditID + "/" + mediaID
}

// Period formats t as the YYYY-MM index period
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// ParsePeriod parses a YYYY-MM period into the first instant of that month (UTC)
func ParsePeriod(p string) (time.Time, error) {
	t, err := time.Parse("2006-01", p)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid period %q: %w", p, err)
	}
	return t.UTC(), nil
}

// monthStart returns midnight UTC on the first of t's month
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// monthsBack returns the first of the month i months before t
func monthsBack(t time.Time, i int) time.Time {
	return monthStart(t).AddDate(0, -i, 0)
}

// ParseRecordKey splits a completed-record key. ok is false for drafts, indexes, media
// and any key that does not have the four-part dated shape.
func ParseRecordKey(key string) (siteID string, month time.Time, auditID string, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 {
		return "", time.Time{}, "", false
	}
	if validateSiteID(parts[0]) != nil || validateID(parts[3]) != nil {
		return "", time.Time{}, "", false
	}
	if len(parts[1]) != 4 || len(parts[2]) != 2 {
		return "", time.Time{}, "", false
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", time.Time{}, "", false
	}
	m, err := strconv.Atoi(parts[2])
	if err != nil || m < 1 || m > 12 {
		return "", time.Time{}, "", false
	}
	return parts[0], time.Date(year, time.Month(m), 1, 0, 0, 0, 0, time.UTC), parts[3], true
}

// ValidateID reports whether id can be used as one segment of a storage key
func ValidateID(id string) error {
	return validateID(id)
}

// validateID rejects ids that would escape or collide with the key layout
func validateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("id is empty")
	case id == "." || id == "..":
		return fmt.Errorf("id %q is reserved", id)
	case strings.ContainsAny(id, "/\\"):
		return fmt.Errorf("id %q contains a path separator", id)
	}
	return nil
}

func validateSiteID(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if id == "drafts" || id == "media" || strings.HasPrefix(id, "_") {
		return fmt.Errorf("site id %q is reserved", id)
	}
	return nil
}
