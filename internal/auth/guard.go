package auth

import (
	"errors"
	"slices"
	"strings"
)

// RoleAdmin bypasses site membership checks
const RoleAdmin = "ADMIN"

// ErrUnauthorized is returned when there is no authenticated caller
var ErrUnauthorized = errors.New("unauthorized")

// User is the authenticated caller
type User struct {
	ID      string   `json:"id"`
	Email   string   `json:"email,omitempty"`
	Name    string   `json:"name,omitempty"`
	Role    string   `json:"role,omitempty"`
	SiteIDs []string `json:"siteIds,omitempty"`
}

// IsAdmin reports whether the user holds the admin role
func (u *User) IsAdmin() bool {
	return u != nil && strings.EqualFold(u.Role, RoleAdmin)
}

// DisplayName is the name shown in audit summaries, falling back to email then id
func (u *User) DisplayName() string {
	switch {
	case u == nil:
		return ""
	case u.Name != "":
		return u.Name
	case u.Email != "":
		return u.Email
	default:
		return u.ID
	}
}

// CanAccessSite reports whether user may read or write audits for siteID.
// Admins can access every site; everyone else only their assigned sites.
func CanAccessSite(user *User, siteID string) bool {
	if user == nil {
		return false
	}
	if user.IsAdmin() {
		return true
	}
	return slices.Contains(user.SiteIDs, siteID)
}

// RequireAuth returns ErrUnauthorized unless user carries a subject.
func RequireAuth(user *User) error {
	if user == nil || user.ID == "" {
		return ErrUnauthorized
	}
	return nil
}
