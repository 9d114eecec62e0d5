package auth

import (
	"slices"
	"time"
)

// UserAuth is the credential record: hash, salt, roles and lock state.
// Permissions is always PermissionsFor(Roles).
type UserAuth struct {
	ID                     string
	Email                  string
	PasswordHash           string
	Salt                   string
	Roles                  []Role
	Permissions            []Permission
	IsActive               bool
	IsVerified             bool
	TwoFactorEnabled       bool
	TwoFactorSecret        string
	// PendingTwoFactorSecret is set by enrolment and promoted once a code is confirmed.
	PendingTwoFactorSecret string
	// TwoFactorLastStep is the TOTP time step of the last accepted code.
	TwoFactorLastStep      int64
	BackupCodes            []string // sha256 hex of unused codes
	FailedLoginAttempts    int
	LockedUntil            *time.Time
	LastLoginAt            *time.Time
	LastPasswordChangeAt   time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// HasRole reports whether r is among the record's roles.
func (u *UserAuth) HasRole(r Role) bool {
	return slices.Contains(u.Roles, r)
}

// HasPermission reports whether p is among the derived permissions.
func (u *UserAuth) HasPermission(p Permission) bool {
	return slices.Contains(u.Permissions, p)
}

// Locked reports whether the lock is in force at now.
func (u *UserAuth) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

func (u *UserAuth) setRoles(roles []Role) {
	u.Roles = dedupeRoles(roles)
	u.Permissions = PermissionsFor(u.Roles)
}

func (u *UserAuth) clone() *UserAuth {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = slices.Clone(u.Roles)
	c.Permissions = slices.Clone(u.Permissions)
	c.BackupCodes = slices.Clone(u.BackupCodes)
	c.LockedUntil = cloneTime(u.LockedUntil)
	c.LastLoginAt = cloneTime(u.LastLoginAt)
	return &c
}

// Session is a bounded-lifetime authenticated context. Only token hashes are kept.
type Session struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	TokenHash        string     `json:"-"`
	RefreshTokenHash string     `json:"-"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RefreshExpiresAt time.Time  `json:"refresh_expires_at"`
	IPAddress        string     `json:"ip_address,omitempty"`
	UserAgent        string     `json:"user_agent,omitempty"`
	DeviceID         string     `json:"device_id,omitempty"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
	LastActivityAt   time.Time  `json:"last_activity_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokeReason     string     `json:"revoke_reason,omitempty"`
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.RevokedAt = cloneTime(s.RevokedAt)
	return &c
}

// Tokens carries the raw session secrets. They are handed out once and never stored.
type Tokens struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// User is the profile attached to successful authentication results.
type User struct {
	ID          string       `json:"id"`
	Email       string       `json:"email"`
	FirstName   string       `json:"first_name,omitempty"`
	LastName    string       `json:"last_name,omitempty"`
	Roles       []Role       `json:"roles"`
	Permissions []Permission `json:"permissions"`
	IsVerified  bool         `json:"is_verified"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Credentials is the login input.
type Credentials struct {
	Email         string
	Password      string
	TwoFactorCode string
	DeviceID      string
}

// AuthResult is returned by login and refresh.
type AuthResult struct {
	Session Session `json:"session"`
	Tokens  Tokens  `json:"tokens"`
	User    User    `json:"user"`
}

// Principal is the authenticated caller resolved from a session.
type Principal struct {
	User    User
	Session Session
}

// HasPermission reports whether the principal's roles grant p.
func (p Principal) HasPermission(perm Permission) bool {
	return slices.Contains(p.User.Permissions, perm)
}

// HasRole reports whether the principal holds r.
func (p Principal) HasRole(r Role) bool {
	return slices.Contains(p.User.Roles, r)
}

// RegisterInput describes a new account.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Roles     []Role
	Verified  bool
}

// ComplianceType classifies a data-subject request.
type ComplianceType string

const (
	ComplianceDataExport    ComplianceType = "data_export"
	ComplianceDataDeletion  ComplianceType = "data_deletion"
	ComplianceConsent       ComplianceType = "consent"
	CompliancePrivacyUpdate ComplianceType = "privacy_update"
)

// Valid reports whether t is a known request type.
func (t ComplianceType) Valid() bool {
	switch t {
	case ComplianceDataExport, ComplianceDataDeletion, ComplianceConsent, CompliancePrivacyUpdate:
		return true
	}
	return false
}

// ComplianceStatus moves from pending to completed or failed.
type ComplianceStatus string

const (
	CompliancePending   ComplianceStatus = "pending"
	ComplianceCompleted ComplianceStatus = "completed"
	ComplianceFailed    ComplianceStatus = "failed"
)

// ComplianceRecord tracks one data-subject request.
type ComplianceRecord struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	Type        ComplianceType   `json:"type"`
	Status      ComplianceStatus `json:"status"`
	RequestData map[string]any   `json:"request_data,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

func (r *ComplianceRecord) clone() *ComplianceRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.RequestData != nil {
		c.RequestData = make(map[string]any, len(r.RequestData))
		for k, v := range r.RequestData {
			c.RequestData[k] = v
		}
	}
	c.CompletedAt = cloneTime(r.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
