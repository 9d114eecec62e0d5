package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"learnhub.io/internal/audit"
	"learnhub.io/internal/ids"
	"learnhub.io/internal/obs"
)

const tokenBytes = 32

// BearerToken joins a session id and its access token into one credential.
func BearerToken(sessionID, accessToken string) string {
	return sessionID + "." + accessToken
}

// ParseBearerToken splits a credential produced by BearerToken.
func ParseBearerToken(raw string) (sessionID, accessToken string, err error) {
	id, tok, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || id == "" || tok == "" {
		return "", "", ErrSessionInvalid
	}
	return id, tok, nil
}

func (s *Service) newToken() (raw, hash string, err error) {
	buf, err := s.crypto.RandomBytes(tokenBytes)
	if err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	if len(buf) < tokenBytes {
		return "", "", fmt.Errorf("generate token: short read (%d bytes)", len(buf))
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, hashToken(raw), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func tokenMatches(expectedHash, raw string) bool {
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(hashToken(raw))) == 1
}

// createSession stores a new active session and returns its raw tokens.
func (s *Service) createSession(ctx context.Context, userID, ip, userAgent, deviceID string) (*Session, Tokens, error) {
	access, accessHash, err := s.newToken()
	if err != nil {
		return nil, Tokens{}, err
	}
	refresh, refreshHash, err := s.newToken()
	if err != nil {
		return nil, Tokens{}, err
	}
	now := s.now()
	sess := &Session{
		ID:               ids.NewAt(now),
		UserID:           userID,
		TokenHash:        accessHash,
		RefreshTokenHash: refreshHash,
		ExpiresAt:        now.Add(s.cfg.Session.MaxDuration),
		RefreshExpiresAt: now.Add(s.cfg.Session.RefreshDuration),
		IPAddress:        ip,
		UserAgent:        userAgent,
		DeviceID:         deviceID,
		IsActive:         true,
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	mustValidExpiry(sess)
	if err := s.store.Sessions(ctx).Create(ctx, sess); err != nil {
		return nil, Tokens{}, err
	}
	obs.ObserveSession("created")
	return sess, Tokens{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresAt:        sess.ExpiresAt,
		RefreshExpiresAt: sess.RefreshExpiresAt,
	}, nil
}

func mustValidExpiry(sess *Session) {
	if sess.RefreshExpiresAt.Before(sess.ExpiresAt) {
		panic(fmt.Sprintf("auth: session %s refresh expiry %s precedes access expiry %s",
			sess.ID, sess.RefreshExpiresAt, sess.ExpiresAt))
	}
}

// enforceSessionCap evicts the oldest active sessions until the user is at the cap.
// keepID is never evicted. The caller holds the user lock.
func (s *Service) enforceSessionCap(ctx context.Context, userID, keepID string) ([]string, error) {
	list, err := s.store.Sessions(ctx).ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sortSessions(list)
	now := s.now()
	active := make([]*Session, 0, len(list))
	for _, sess := range list {
		if !sess.IsActive {
			continue
		}
		if !now.Before(sess.ExpiresAt) {
			if _, err := s.deactivate(ctx, sess.ID, "expired"); err != nil {
				return nil, err
			}
			continue
		}
		active = append(active, sess)
	}

	excess := len(active) - s.cfg.Session.MaxConcurrent
	evicted := make([]string, 0)
	for _, sess := range active {
		if excess <= 0 {
			break
		}
		if sess.ID == keepID {
			continue
		}
		changed, err := s.deactivate(ctx, sess.ID, "evicted")
		if err != nil {
			return nil, err
		}
		excess--
		if !changed {
			continue
		}
		evicted = append(evicted, sess.ID)
		obs.ObserveSession("evicted")
		s.record(ctx, audit.Entry{
			UserID:   userID,
			Action:   ActionSessionEvicted,
			Resource: resourceSession,
			Details:  map[string]any{"session_id": sess.ID, "replaced_by": keepID},
			Success:  true,
		})
	}
	return evicted, nil
}

// deactivate marks a session inactive under its lock and reports whether it was active.
func (s *Service) deactivate(ctx context.Context, sessionID, reason string) (bool, error) {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()
	sess, err := s.store.Sessions(ctx).Find(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !sess.IsActive {
		return false, nil
	}
	return true, s.deactivateLocked(ctx, sess, reason)
}

func (s *Service) deactivateLocked(ctx context.Context, sess *Session, reason string) error {
	if !sess.IsActive {
		return nil
	}
	now := s.now()
	sess.IsActive = false
	sess.RevokedAt = &now
	sess.RevokeReason = reason
	return s.store.Sessions(ctx).Update(ctx, sess)
}

// ValidateSession checks the access token and returns the session owner.
// Expired sessions are deactivated on the way out and reported as ErrSessionExpired.
func (s *Service) ValidateSession(ctx context.Context, sessionID, token string) (Principal, error) {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	invalid := func(reason string, sessUser string) (Principal, error) {
		if sessUser == "" {
			sessUser = audit.Anonymous
		}
		s.fail(ctx, sessUser, ActionSessionInvalid, resourceSession, ErrSessionInvalid, map[string]any{"session_id": sessionID, "reason": reason})
		return Principal{}, ErrSessionInvalid
	}

	sess, err := s.store.Sessions(ctx).Find(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return invalid("not_found", "")
	}
	if err != nil {
		return Principal{}, err
	}
	if !sess.IsActive {
		return invalid("inactive", sess.UserID)
	}
	if !tokenMatches(sess.TokenHash, token) {
		return invalid("token_mismatch", sess.UserID)
	}
	now := s.now()
	if !now.Before(sess.ExpiresAt) {
		if err := s.deactivateLocked(ctx, sess, "expired"); err != nil {
			return Principal{}, err
		}
		obs.ObserveSession("expired")
		s.fail(ctx, sess.UserID, ActionSessionInvalid, resourceSession, ErrSessionExpired, map[string]any{"session_id": sessionID, "reason": "expired"})
		return Principal{}, ErrSessionExpired
	}

	u, err := s.store.Credentials(ctx).Find(ctx, sess.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Principal{}, err
	}
	if u == nil || !u.IsActive {
		if err := s.deactivateLocked(ctx, sess, "account_inactive"); err != nil {
			return Principal{}, err
		}
		return invalid("account_inactive", sess.UserID)
	}

	sess.LastActivityAt = now
	if err := s.store.Sessions(ctx).Update(ctx, sess); err != nil {
		return Principal{}, err
	}
	return Principal{User: s.resolveUser(ctx, u), Session: *sess}, nil
}

// RefreshSession rotates both tokens and both expiries. The old tokens stop working at once.
func (s *Service) RefreshSession(ctx context.Context, refreshToken string) (AuthResult, error) {
	hash := hashToken(refreshToken)
	found, err := s.store.Sessions(ctx).FindByRefreshHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		s.fail(ctx, audit.Anonymous, ActionSessionInvalid, resourceSession, ErrSessionInvalid, map[string]any{"reason": "unknown_refresh_token"})
		return AuthResult{}, ErrSessionInvalid
	}
	if err != nil {
		return AuthResult{}, err
	}

	unlock := s.sessionLocks.Lock(found.ID)
	defer unlock()

	sess, err := s.store.Sessions(ctx).Find(ctx, found.ID)
	if err != nil {
		return AuthResult{}, err
	}
	invalid := func(reason string, cause error) (AuthResult, error) {
		s.fail(ctx, sess.UserID, ActionSessionInvalid, resourceSession, cause, map[string]any{"session_id": sess.ID, "reason": reason})
		return AuthResult{}, cause
	}
	// Another refresh may have rotated the token while we waited for the lock.
	if !tokenMatches(sess.RefreshTokenHash, refreshToken) {
		return invalid("refresh_token_rotated", ErrSessionInvalid)
	}
	if !sess.IsActive {
		return invalid("inactive", ErrSessionInvalid)
	}
	now := s.now()
	if !now.Before(sess.RefreshExpiresAt) {
		if err := s.deactivateLocked(ctx, sess, "refresh_expired"); err != nil {
			return AuthResult{}, err
		}
		obs.ObserveSession("expired")
		return invalid("refresh_expired", ErrSessionExpired)
	}
	u, err := s.store.Credentials(ctx).Find(ctx, sess.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return AuthResult{}, err
	}
	if u == nil || !u.IsActive {
		if err := s.deactivateLocked(ctx, sess, "account_inactive"); err != nil {
			return AuthResult{}, err
		}
		return invalid("account_inactive", ErrSessionInvalid)
	}

	access, accessHash, err := s.newToken()
	if err != nil {
		return AuthResult{}, err
	}
	refresh, refreshHash, err := s.newToken()
	if err != nil {
		return AuthResult{}, err
	}
	sess.TokenHash = accessHash
	sess.RefreshTokenHash = refreshHash
	sess.ExpiresAt = now.Add(s.cfg.Session.MaxDuration)
	sess.RefreshExpiresAt = now.Add(s.cfg.Session.RefreshDuration)
	sess.LastActivityAt = now
	mustValidExpiry(sess)
	if err := s.store.Sessions(ctx).Update(ctx, sess); err != nil {
		return AuthResult{}, err
	}

	obs.ObserveSession("refreshed")
	s.record(ctx, audit.Entry{UserID: sess.UserID, Action: ActionSessionRefreshed, Resource: resourceSession, Details: map[string]any{"session_id": sess.ID}, Success: true})
	return AuthResult{
		Session: *sess,
		Tokens: Tokens{
			AccessToken:      access,
			RefreshToken:     refresh,
			ExpiresAt:        sess.ExpiresAt,
			RefreshExpiresAt: sess.RefreshExpiresAt,
		},
		User: s.resolveUser(ctx, u),
	}, nil
}

// RevokeSession deactivates a session. Revoking an inactive session is a no-op.
func (s *Service) RevokeSession(ctx context.Context, sessionID string) error {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	sess, err := s.store.Sessions(ctx).Find(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		s.fail(ctx, audit.Anonymous, ActionSessionRevoked, resourceSession, ErrSessionInvalid, map[string]any{"session_id": sessionID, "reason": "not_found"})
		return ErrSessionInvalid
	}
	if err != nil {
		return err
	}
	if !sess.IsActive {
		return nil
	}
	if err := s.deactivateLocked(ctx, sess, "revoked"); err != nil {
		return err
	}
	obs.ObserveSession("revoked")
	s.record(ctx, audit.Entry{UserID: sess.UserID, Action: ActionSessionRevoked, Resource: resourceSession, Details: actorDetails(ctx, map[string]any{"session_id": sess.ID}), Success: true})
	return nil
}

// RevokeAllUserSessions revokes every active session owned by userID and returns how many.
func (s *Service) RevokeAllUserSessions(ctx context.Context, userID string) (int, error) {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	n, err := s.revokeUserSessions(ctx, userID, "revoked_all", "")
	if err != nil {
		return 0, err
	}
	s.record(ctx, audit.Entry{UserID: userID, Action: ActionSessionsRevokedAll, Resource: resourceSession, Details: actorDetails(ctx, map[string]any{"count": n}), Success: true})
	return n, nil
}

// revokeUserSessions requires the user lock to be held.
func (s *Service) revokeUserSessions(ctx context.Context, userID, reason, keepID string) (int, error) {
	list, err := s.store.Sessions(ctx).ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range list {
		if !sess.IsActive || sess.ID == keepID {
			continue
		}
		changed, err := s.deactivate(ctx, sess.ID, reason)
		if err != nil {
			return n, err
		}
		if changed {
			obs.ObserveSession("revoked")
			n++
		}
	}
	return n, nil
}

// UserSessions lists a user's sessions, oldest first.
func (s *Service) UserSessions(ctx context.Context, userID string) ([]Session, error) {
	list, err := s.store.Sessions(ctx).ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sortSessions(list)
	out := make([]Session, 0, len(list))
	for _, sess := range list {
		out = append(out, *sess)
	}
	return out, nil
}
