package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"learnhub.io/internal/audit"
	"learnhub.io/internal/ids"
	"learnhub.io/internal/obs"
	"learnhub.io/internal/ratelimit"
)

// Audit actions recorded by the service.
const (
	ActionLoginSuccess       = "LOGIN_SUCCESS"
	ActionLoginFailed        = "LOGIN_FAILED"
	ActionLoginRateLimited   = "LOGIN_RATE_LIMITED"
	ActionLogin2FARequired   = "LOGIN_2FA_REQUIRED"
	ActionSessionRefreshed   = "SESSION_REFRESHED"
	ActionSessionRevoked     = "SESSION_REVOKED"
	ActionSessionEvicted     = "SESSION_EVICTED"
	ActionSessionsRevokedAll = "SESSIONS_REVOKED_ALL"
	ActionSessionInvalid     = "SESSION_INVALID"
	ActionRoleAssigned       = "ROLE_ASSIGNED"
	ActionRoleRemoved        = "ROLE_REMOVED"
	ActionUserRegistered     = "USER_REGISTERED"
	ActionPasswordChanged    = "PASSWORD_CHANGED"
	ActionTwoFactorEnabled   = "TWO_FACTOR_ENABLED"
	ActionTwoFactorPending   = "TWO_FACTOR_PENDING"
	ActionTwoFactorDisabled  = "TWO_FACTOR_DISABLED"
	ActionDataExport         = "DATA_EXPORT"
	ActionDataDeletion       = "DATA_DELETION"
	ActionAccountUnlocked    = "ACCOUNT_UNLOCKED"
	ActionAccountDeactivated = "ACCOUNT_DEACTIVATED"
)

const (
	resourceAuth       = "auth"
	resourceSession    = "session"
	resourceUser       = "user"
	resourceCompliance = "compliance"
)

// Service is the auth orchestrator. It is safe for concurrent use.
type Service struct {
	store     Store
	audit     *audit.Logger
	limiter   ratelimit.Limiter
	hasher    Hasher
	crypto    CryptoProvider
	twoFactor TwoFactorVerifier
	directory Directory
	cfg       SecurityConfig
	now       func() time.Time

	userLocks    *keyedMutex
	sessionLocks *keyedMutex
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithSecurityConfig replaces the default security configuration.
func WithSecurityConfig(cfg SecurityConfig) ServiceOption {
	return func(s *Service) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		s.cfg = cfg
		return nil
	}
}

// WithHasher overrides the password hasher.
func WithHasher(h Hasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: hasher is nil")
		}
		s.hasher = h
		return nil
	}
}

// WithCryptoProvider sets the randomness and digest source used for tokens, salts and codes.
func WithCryptoProvider(p CryptoProvider) ServiceOption {
	return func(s *Service) error {
		if p == nil {
			return ErrNoCryptoBackend
		}
		s.crypto = p
		return nil
	}
}

// WithLimiter plugs in a shared rate limiter such as ratelimit.Redis.
func WithLimiter(l ratelimit.Limiter) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.limiter = l
		}
		return nil
	}
}

// WithAuditLogger routes audit entries to l.
func WithAuditLogger(l *audit.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.audit = l
		}
		return nil
	}
}

// WithDirectory sets the user profile collaborator.
func WithDirectory(d Directory) ServiceOption {
	return func(s *Service) error {
		s.directory = d
		return nil
	}
}

// WithTwoFactorVerifier overrides the TOTP implementation.
func WithTwoFactorVerifier(v TwoFactorVerifier) ServiceOption {
	return func(s *Service) error {
		if v != nil {
			s.twoFactor = v
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is nil")
	}
	svc := &Service{
		store:        store,
		crypto:       SystemCrypto{},
		cfg:          DefaultSecurityConfig(),
		now:          time.Now,
		userLocks:    newKeyedMutex(),
		sessionLocks: newKeyedMutex(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.hasher == nil {
		h, err := NewArgon2Hasher(svc.crypto, DefaultArgon2Params())
		if err != nil {
			return nil, err
		}
		svc.hasher = h
	}
	if svc.limiter == nil {
		svc.limiter = ratelimit.NewMemory(svc.now)
	}
	if svc.audit == nil {
		svc.audit = audit.NewLogger(audit.NewMemoryStore(), audit.WithClock(svc.now))
	}
	if svc.twoFactor == nil {
		svc.twoFactor = TOTPVerifier{Issuer: svc.cfg.MFA.Issuer, Skew: svc.cfg.MFA.Skew}
	}
	return svc, nil
}

// Config returns the active security configuration.
func (s *Service) Config() SecurityConfig { return s.cfg }

// ValidatePassword applies the configured password policy.
func (s *Service) ValidatePassword(password string) PolicyResult {
	return s.cfg.Password.Validate(password)
}

// LogAudit records an entry on behalf of another component.
func (s *Service) LogAudit(ctx context.Context, entry audit.Entry) audit.Entry {
	return s.audit.Record(ctx, entry)
}

// GetAuditLogs returns matching entries newest-first.
func (s *Service) GetAuditLogs(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	return s.audit.Query(ctx, filter)
}

// Rate limit scopes accepted by CheckRateLimit.
const (
	ScopeAPI           = "api"
	ScopePasswordReset = "password_reset"
	ScopeRegister      = "register"
)

// CheckRateLimit applies the configured rule for scope to identity.
// It returns ErrRateLimited when the window is exhausted and fails closed on limiter errors.
func (s *Service) CheckRateLimit(ctx context.Context, scope, identity string) error {
	var rule RateLimitRule
	switch scope {
	case ScopeAPI:
		rule = s.cfg.RateLimits.API
	case ScopePasswordReset:
		rule = s.cfg.RateLimits.PasswordReset
	case ScopeRegister:
		rule = s.cfg.RateLimits.Register
	default:
		return fmt.Errorf("%w: unknown rate limit scope %q", ErrInvalidInput, scope)
	}
	allowed, err := s.limiter.Allow(ctx, scope+":"+identity, rule.Window, rule.Max)
	if err != nil {
		return fmt.Errorf("auth: rate limiter: %w", err)
	}
	if !allowed {
		obs.ObserveRateLimited(scope)
		return ErrRateLimited
	}
	return nil
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	s.audit.Record(ctx, e)
}

func (s *Service) fail(ctx context.Context, userID, action, resource string, err error, details map[string]any) {
	s.audit.Record(ctx, audit.Entry{
		UserID:       userID,
		Action:       action,
		Resource:     resource,
		Details:      details,
		Success:      false,
		ErrorMessage: err.Error(),
	})
}

// loginStoreError audits a persistence failure during Login and returns err.
func (s *Service) loginStoreError(ctx context.Context, userID, email string, err error) error {
	obs.ObserveLogin("error")
	s.fail(ctx, userID, ActionLoginFailed, resourceAuth, err, map[string]any{"email": email, "reason": "store_error"})
	return err
}

// Login runs the ordered login checks. Every failure is audited before it is returned.
func (s *Service) Login(ctx context.Context, creds Credentials, ip, userAgent string) (AuthResult, error) {
	ctx = withClient(ctx, ip, userAgent)
	email := normalizeEmail(creds.Email)
	rule := s.cfg.RateLimits.Login

	allowed, err := s.limiter.Allow(ctx, "login:"+email, rule.Window, rule.Max)
	if err != nil {
		s.fail(ctx, audit.Anonymous, ActionLoginFailed, resourceAuth, err, map[string]any{"email": email, "reason": "rate_limiter_unavailable"})
		return AuthResult{}, fmt.Errorf("auth: rate limiter: %w", err)
	}
	if !allowed {
		obs.ObserveRateLimited("login")
		obs.ObserveLogin("rate_limited")
		s.fail(ctx, audit.Anonymous, ActionLoginRateLimited, resourceAuth, ErrRateLimited, map[string]any{"email": email})
		return AuthResult{}, ErrRateLimited
	}

	found, err := s.store.Credentials(ctx).FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		obs.ObserveLogin("invalid_credentials")
		s.fail(ctx, audit.Anonymous, ActionLoginFailed, resourceAuth, ErrInvalidCredentials, map[string]any{"email": email, "reason": "user_not_found"})
		return AuthResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return AuthResult{}, s.loginStoreError(ctx, audit.Anonymous, email, err)
	}

	unlock := s.userLocks.Lock(found.ID)
	defer unlock()

	// Re-read under the lock so this process sees its own earlier attempts.
	u, err := s.store.Credentials(ctx).Find(ctx, found.ID)
	if err != nil {
		return AuthResult{}, s.loginStoreError(ctx, found.ID, email, err)
	}
	now := s.now()
	dirty := false
	usedBackupCode := false

	if u.LockedUntil != nil {
		if u.Locked(now) {
			lockErr := &LockedError{Until: *u.LockedUntil}
			obs.ObserveLogin("locked")
			s.fail(ctx, u.ID, ActionLoginFailed, resourceAuth, lockErr, map[string]any{"reason": "account_locked", "locked_until": u.LockedUntil.UTC()})
			return AuthResult{}, lockErr
		}
		u.LockedUntil = nil
		u.FailedLoginAttempts = 0
		dirty = true
	}

	if !u.IsActive {
		if dirty {
			u.UpdatedAt = now
			if err := s.store.Credentials(ctx).Update(ctx, u); err != nil {
				return AuthResult{}, s.loginStoreError(ctx, u.ID, email, err)
			}
		}
		obs.ObserveLogin("deactivated")
		s.fail(ctx, u.ID, ActionLoginFailed, resourceAuth, ErrAccountDeactivated, map[string]any{"reason": "account_inactive"})
		return AuthResult{}, ErrAccountDeactivated
	}

	if !s.hasher.Verify(creds.Password, u.PasswordHash, u.Salt) {
		// The store increments in place; an expired lock seen above is reset there too.
		res, err := s.store.Credentials(ctx).RecordFailedLogin(ctx, u.ID, s.cfg.Lockout.MaxFailedAttempts, now.Add(s.cfg.Lockout.Duration), now)
		if err != nil {
			return AuthResult{}, s.loginStoreError(ctx, u.ID, email, err)
		}
		details := map[string]any{"reason": "invalid_password", "attempts": res.Attempts}
		if res.LockedUntil != nil && res.LockedUntil.After(now) {
			details["locked_until"] = res.LockedUntil.UTC()
		}
		obs.ObserveLogin("invalid_credentials")
		s.fail(ctx, u.ID, ActionLoginFailed, resourceAuth, ErrInvalidCredentials, details)
		return AuthResult{}, ErrInvalidCredentials
	}

	if u.TwoFactorEnabled {
		if strings.TrimSpace(creds.TwoFactorCode) == "" {
			if dirty {
				u.UpdatedAt = now
				if err := s.store.Credentials(ctx).Update(ctx, u); err != nil {
					return AuthResult{}, s.loginStoreError(ctx, u.ID, email, err)
				}
			}
			obs.ObserveLogin("two_factor_required")
			s.record(ctx, audit.Entry{UserID: u.ID, Action: ActionLogin2FARequired, Resource: resourceAuth, Success: true})
			return AuthResult{}, ErrTwoFactorRequired
		}
		ok, backup := s.checkSecondFactor(u, creds.TwoFactorCode, now)
		if !ok {
			if dirty {
				u.UpdatedAt = now
				if err := s.store.Credentials(ctx).Update(ctx, u); err != nil {
					return AuthResult{}, s.loginStoreError(ctx, u.ID, email, err)
				}
			}
			obs.ObserveLogin("invalid_credentials")
			s.fail(ctx, u.ID, ActionLoginFailed, resourceAuth, ErrInvalidCredentials, map[string]any{"reason": "invalid_2fa"})
			return AuthResult{}, ErrInvalidCredentials
		}
		usedBackupCode = backup
	}

	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.LastLoginAt = &now
	u.UpdatedAt = now
	if err := s.store.Credentials(ctx).Update(ctx, u); err != nil {
		return AuthResult{}, s.loginStoreError(ctx, u.ID, email, err)
	}

	sess, tokens, err := s.createSession(ctx, u.ID, ip, userAgent, creds.DeviceID)
	if err != nil {
		return AuthResult{}, err
	}
	evicted, err := s.enforceSessionCap(ctx, u.ID, sess.ID)
	if err != nil {
		return AuthResult{}, err
	}

	obs.ObserveLogin("success")
	details := map[string]any{"session_id": sess.ID}
	if len(evicted) > 0 {
		details["evicted_sessions"] = evicted
	}
	if usedBackupCode {
		details["backup_codes_left"] = len(u.BackupCodes)
	}
	s.record(ctx, audit.Entry{UserID: u.ID, Action: ActionLoginSuccess, Resource: resourceAuth, Details: details, Success: true})
	return AuthResult{Session: *sess, Tokens: tokens, User: s.resolveUser(ctx, u)}, nil
}

// Register creates an active credential record. Roles default to student.
func (s *Service) Register(ctx context.Context, in RegisterInput) (User, error) {
	email := normalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		err := fmt.Errorf("%w: invalid email", ErrInvalidInput)
		s.fail(ctx, audit.Anonymous, ActionUserRegistered, resourceUser, err, map[string]any{"email": email})
		return User{}, err
	}
	if err := s.cfg.Password.Validate(in.Password).err(); err != nil {
		s.fail(ctx, audit.Anonymous, ActionUserRegistered, resourceUser, err, map[string]any{"email": email})
		return User{}, err
	}
	roles := dedupeRoles(in.Roles)
	if len(roles) == 0 {
		roles = []Role{RoleStudent}
	}
	for _, r := range roles {
		if !r.Valid() {
			err := fmt.Errorf("%w: unknown role %q", ErrInvalidInput, r)
			s.fail(ctx, audit.Anonymous, ActionUserRegistered, resourceUser, err, map[string]any{"email": email})
			return User{}, err
		}
	}
	hash, salt, err := s.hasher.Hash(in.Password)
	if err != nil {
		return User{}, err
	}
	now := s.now()
	u := &UserAuth{
		ID:                   ids.NewAt(now),
		Email:                email,
		PasswordHash:         hash,
		Salt:                 salt,
		IsActive:             true,
		IsVerified:           in.Verified,
		LastPasswordChangeAt: now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	u.setRoles(roles)
	if err := s.store.Credentials(ctx).Create(ctx, u); err != nil {
		s.fail(ctx, audit.Anonymous, ActionUserRegistered, resourceUser, err, map[string]any{"email": email})
		return User{}, err
	}

	profile := User{
		ID:          u.ID,
		Email:       u.Email,
		FirstName:   strings.TrimSpace(in.FirstName),
		LastName:    strings.TrimSpace(in.LastName),
		Roles:       u.Roles,
		Permissions: u.Permissions,
		IsVerified:  u.IsVerified,
		CreatedAt:   now,
	}
	if w, ok := s.directory.(DirectoryWriter); ok {
		if err := w.PutUser(ctx, profile); err != nil {
			obs.Log("warn", "directory put failed", map[string]any{"user_id": u.ID, "error": err.Error()})
		}
	}
	s.record(ctx, audit.Entry{UserID: u.ID, Action: ActionUserRegistered, Resource: resourceUser, Details: map[string]any{"roles": u.Roles}, Success: true})
	return s.resolveUser(ctx, u), nil
}

// ChangePassword replaces the password after checking the current one. Other sessions are revoked.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next, keepSessionID string) error {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	u, err := s.findUser(ctx, userID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(current, u.PasswordHash, u.Salt) {
		s.fail(ctx, u.ID, ActionPasswordChanged, resourceUser, ErrInvalidCredentials, map[string]any{"reason": "invalid_password"})
		return ErrInvalidCredentials
	}
	if err := s.cfg.Password.Validate(next).err(); err != nil {
		s.fail(ctx, u.ID, ActionPasswordChanged, resourceUser, err, nil)
		return err
	}
	hash, salt, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	now := s.now()
	u.PasswordHash = hash
	u.Salt = salt
	u.LastPasswordChangeAt = now
	u.UpdatedAt = now
	if err := s.store.Credentials(ctx).Update(ctx, u); err != nil {
		return err
	}
	revoked, err := s.revokeUserSessions(ctx, u.ID, "password_changed", keepSessionID)
	if err != nil {
		return err
	}
	s.record(ctx, audit.Entry{UserID: u.ID, Action: ActionPasswordChanged, Resource: resourceUser, Details: map[string]any{"sessions_revoked": revoked}, Success: true})
	return nil
}

// UnlockAccount clears a lock and the failure counter.
func (s *Service) UnlockAccount(ctx context.Context, userID string) error {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	u, err := s.findUser(ctx, userID)
	if err != nil {
		return err
	}
	u.LockedUntil = nil
	u.FailedLoginAttempts = 0
	u.UpdatedAt = s.now()
	if err := s.store.Credentials(ctx).Update(ctx, u); err != nil {
		return err
	}
	s.record(ctx, audit.Entry{UserID: u.ID, Action: ActionAccountUnlocked, Resource: resourceUser, Details: actorDetails(ctx, nil), Success: true})
	return nil
}

// DeactivateAccount disables logins and revokes every session.
func (s *Service) DeactivateAccount(ctx context.Context, userID string) error {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	u, err := s.findUser(ctx, userID)
	if err != nil {
		return err
	}
	revoked, err := s.revokeUserSessions(ctx, u.ID, "account_deactivated", "")
	if err != nil {
		return err
	}
	if u.IsActive {
		u.IsActive = false
		u.UpdatedAt = s.now()
		if err := s.store.Credentials(ctx).Update(ctx, u); err != nil {
			return err
		}
	}
	s.record(ctx, audit.Entry{UserID: u.ID, Action: ActionAccountDeactivated, Resource: resourceUser, Details: actorDetails(ctx, map[string]any{"sessions_revoked": revoked}), Success: true})
	return nil
}

// User returns the resolved profile for an existing credential record.
func (s *Service) User(ctx context.Context, userID string) (User, error) {
	u, err := s.findUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	return s.resolveUser(ctx, u), nil
}

func (s *Service) findUser(ctx context.Context, userID string) (*UserAuth, error) {
	u, err := s.store.Credentials(ctx).Find(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func withClient(ctx context.Context, ip, userAgent string) context.Context {
	if ip == "" && userAgent == "" {
		return ctx
	}
	return audit.WithClient(ctx, ip, userAgent)
}

// actorDetails adds the acting principal, if any, to audit details.
func actorDetails(ctx context.Context, details map[string]any) map[string]any {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return details
	}
	if details == nil {
		details = make(map[string]any, 1)
	}
	details["actor_id"] = p.User.ID
	return details
}
