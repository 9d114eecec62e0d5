package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrUnauthorized  = errors.New("auth: unauthorized")

	// ErrInvalidCredentials never says which part of the credentials was wrong.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrRateLimited        = errors.New("auth: too many attempts")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrAccountDeactivated = errors.New("auth: account deactivated")
	// ErrTwoFactorRequired signals that the password was accepted and a second factor is needed.
	ErrTwoFactorRequired = errors.New("auth: two-factor code required")
	ErrSessionInvalid    = errors.New("auth: session invalid")
	// ErrSessionExpired also matches ErrSessionInvalid.
	ErrSessionExpired = fmt.Errorf("%w: expired", ErrSessionInvalid)
	// ErrUserNotFound is only returned by compliance and administrative operations.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrNoCryptoBackend is returned when a hasher is built without a random/digest provider.
	ErrNoCryptoBackend = errors.New("auth: no cryptographic backend available")
)

// LockedError reports the time an account lock ends. It matches ErrAccountLocked.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("auth: account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }

// PolicyError lists every password rule a candidate violated. It matches ErrInvalidInput.
type PolicyError struct {
	Violations []string
}

func (e *PolicyError) Error() string {
	return "auth: password policy: " + strings.Join(e.Violations, "; ")
}

func (e *PolicyError) Is(target error) bool { return target == ErrInvalidInput }
