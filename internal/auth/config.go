package auth

import (
	"errors"
	"fmt"
	"time"
)

// SessionConfig bounds session lifetimes and the per-user concurrency cap.
type SessionConfig struct {
	MaxDuration     time.Duration `json:"max_duration"`
	RefreshDuration time.Duration `json:"refresh_duration"`
	MaxConcurrent   int           `json:"max_concurrent"`
}

// LockoutConfig controls account locking after repeated password failures.
type LockoutConfig struct {
	MaxFailedAttempts int           `json:"max_failed_attempts"`
	Duration          time.Duration `json:"duration"`
}

// RateLimitRule is a fixed window with a maximum number of calls.
type RateLimitRule struct {
	Window time.Duration `json:"window"`
	Max    int           `json:"max"`
}

// RateLimitConfig lists the rule per action class.
type RateLimitConfig struct {
	Login         RateLimitRule `json:"login"`
	API           RateLimitRule `json:"api"`
	PasswordReset RateLimitRule `json:"password_reset"`
	// Register is applied per client address.
	Register      RateLimitRule `json:"register"`
}

// MFAConfig configures second factors.
type MFAConfig struct {
	Methods         []string `json:"methods"`
	BackupCodeCount int      `json:"backup_code_count"`
	Issuer          string   `json:"issuer"`
	// Skew is the number of 30s TOTP periods accepted on either side of now.
	Skew uint `json:"skew"`
}

// SecurityConfig is the read-only configuration object for the auth core.
type SecurityConfig struct {
	Password   PasswordPolicy  `json:"password"`
	Session    SessionConfig   `json:"session"`
	Lockout    LockoutConfig   `json:"lockout"`
	RateLimits RateLimitConfig `json:"rate_limits"`
	MFA        MFAConfig       `json:"mfa"`
}

// DefaultSecurityConfig returns the production defaults.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		Password: PasswordPolicy{
			MinLength:           12,
			RequireUppercase:    true,
			RequireLowercase:    true,
			RequireNumbers:      true,
			RequireSpecialChars: true,
		},
		Session: SessionConfig{
			MaxDuration:     8 * time.Hour,
			RefreshDuration: 7 * 24 * time.Hour,
			MaxConcurrent:   5,
		},
		Lockout: LockoutConfig{
			MaxFailedAttempts: 5,
			Duration:          15 * time.Minute,
		},
		RateLimits: RateLimitConfig{
			// Login allows more attempts than the lockout threshold so a locked
			// account reports AccountLocked instead of RateLimited.
			Login:         RateLimitRule{Window: 15 * time.Minute, Max: 10},
			API:           RateLimitRule{Window: time.Minute, Max: 100},
			PasswordReset: RateLimitRule{Window: time.Hour, Max: 3},
			Register:      RateLimitRule{Window: time.Hour, Max: 10},
		},
		MFA: MFAConfig{
			Methods:         []string{"totp", "backup_codes"},
			BackupCodeCount: 10,
			Issuer:          "LearnHub",
			Skew:            1,
		},
	}
}

// Validate rejects configurations that would break session or lockout invariants.
func (c SecurityConfig) Validate() error {
	var errs []error
	if c.Password.MinLength < 1 {
		errs = append(errs, errors.New("password.min_length must be positive"))
	}
	if c.Session.MaxDuration <= 0 {
		errs = append(errs, errors.New("session.max_duration must be positive"))
	}
	if c.Session.RefreshDuration < c.Session.MaxDuration {
		errs = append(errs, errors.New("session.refresh_duration must not be shorter than session.max_duration"))
	}
	if c.Session.MaxConcurrent < 1 {
		errs = append(errs, errors.New("session.max_concurrent must be at least 1"))
	}
	if c.Lockout.MaxFailedAttempts < 1 || c.Lockout.Duration <= 0 {
		errs = append(errs, errors.New("lockout thresholds must be positive"))
	}
	rules := []struct {
		name string
		rule RateLimitRule
	}{
		{"login", c.RateLimits.Login},
		{"api", c.RateLimits.API},
		{"password_reset", c.RateLimits.PasswordReset},
		{"register", c.RateLimits.Register},
	}
	for _, r := range rules {
		if r.rule.Window <= 0 || r.rule.Max < 1 {
			errs = append(errs, fmt.Errorf("rate_limits.%s must have a positive window and max", r.name))
		}
	}
	if c.MFA.BackupCodeCount < 0 {
		errs = append(errs, errors.New("mfa.backup_code_count must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}
