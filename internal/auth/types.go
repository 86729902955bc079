package auth

import (
	"errors"
	"regexp"
	"time"
)

// emailPattern is a pragmatic format check, not full RFC 5322: local
// part, @, domain with at least one dot.
var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// maxEmailLength is the maximum accepted email length.
const maxEmailLength = 254

// IsValidEmail checks whether an email is acceptable as a user identity.
func IsValidEmail(email string) bool {
	return len(email) <= maxEmailLength && emailPattern.MatchString(email)
}

// Privilege represents an authorisation tier.
type Privilege string

const (
	// PrivilegeUser can claim and control devices they own.
	PrivilegeUser Privilege = "user"

	// PrivilegeAdmin can additionally release any claim and manage users.
	PrivilegeAdmin Privilege = "admin"
)

// ValidPrivileges is the set of valid account privileges.
var ValidPrivileges = []Privilege{PrivilegeUser, PrivilegeAdmin}

// IsValidPrivilege returns true if the privilege is known.
func IsValidPrivilege(p Privilege) bool {
	for _, v := range ValidPrivileges {
		if p == v {
			return true
		}
	}
	return false
}

// User represents an account. Users are identified by email everywhere:
// claims, audit records, and group ownership all carry the email, so it
// is immutable once created.
type User struct {
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Privilege Privilege `json:"privilege"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccessToken is a long-lived API token bound to one user. Only the
// SHA-256 hash is stored; the raw token is shown once at creation.
type AccessToken struct {
	ID         string     `json:"id"`
	UserEmail  string     `json:"user_email"`
	Title      string     `json:"title"`
	TokenHash  string     `json:"-"` // never serialised
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Sentinel errors for auth operations.
var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUserExists    = errors.New("user already exists")
	ErrUserInactive  = errors.New("user account is inactive")
	ErrTokenInvalid  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token has expired")
	ErrTokenNotFound = errors.New("access token not found")
	ErrForbidden     = errors.New("insufficient permissions")
)
