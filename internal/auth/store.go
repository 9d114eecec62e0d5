package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Implementations return copies; callers mutate and write back with Update.
type Store interface {
	Credentials(ctx context.Context) CredentialStore
	Sessions(ctx context.Context) SessionStore
	Compliance(ctx context.Context) ComplianceStore
}

// CredentialStore manages credential records. Emails are unique.
type CredentialStore interface {
	Create(ctx context.Context, u *UserAuth) error
	Find(ctx context.Context, id string) (*UserAuth, error)
	FindByEmail(ctx context.Context, email string) (*UserAuth, error)
	Update(ctx context.Context, u *UserAuth) error
	// RecordFailedLogin atomically bumps the failure counter. A lock that has
	// expired by at is cleared first, and the record is locked until lockUntil
	// once the counter reaches maxAttempts.
	RecordFailedLogin(ctx context.Context, id string, maxAttempts int, lockUntil, at time.Time) (FailedLogin, error)
}

// FailedLogin is the counter state after RecordFailedLogin.
type FailedLogin struct {
	Attempts    int
	LockedUntil *time.Time
}

// SessionStore manages sessions, looked up by id or by refresh-token hash.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	FindByRefreshHash(ctx context.Context, hash string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	ListByUser(ctx context.Context, userID string) ([]*Session, error)
}

// ComplianceStore manages data-subject request records.
type ComplianceStore interface {
	Create(ctx context.Context, r *ComplianceRecord) error
	Update(ctx context.Context, r *ComplianceRecord) error
	ListByUser(ctx context.Context, userID string) ([]*ComplianceRecord, error)
}
