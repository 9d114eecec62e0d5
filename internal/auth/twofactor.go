package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"learnhub.io/internal/audit"
)

// TwoFactorVerifier creates second-factor secrets and checks one-time codes.
// Validate reports the time step the code belongs to so callers can refuse replays.
type TwoFactorVerifier interface {
	Generate(accountName string) (secret, url string, err error)
	Validate(code, secret string, at time.Time) (step int64, ok bool)
}

const totpPeriod = 30

// TOTPVerifier implements RFC 6238 codes with six digits and a 30 second period.
type TOTPVerifier struct {
	Issuer string
	Skew   uint
}

func (v TOTPVerifier) Generate(accountName string) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: v.Issuer, AccountName: accountName})
	if err != nil {
		return "", "", fmt.Errorf("generate totp key: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

func (v TOTPVerifier) Validate(code, secret string, at time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	skew := int64(v.Skew)
	for k := -skew; k <= skew; k++ {
		t := at.UTC().Add(time.Duration(k*totpPeriod) * time.Second)
		ok, err := totp.ValidateCustom(code, secret, t, totp.ValidateOpts{
			Period:    totpPeriod,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err == nil && ok {
			return t.Unix() / totpPeriod, true
		}
	}
	return 0, false
}

// TwoFactorProof re-authenticates the caller before the second factor changes.
// Code may be a TOTP code or an unused backup code.
type TwoFactorProof struct {
	Password string
	Code     string
}

// TwoFactorEnrollment carries the new secret from EnableTwoFactor and the
// backup codes from ConfirmTwoFactor. Each is shown once.
type TwoFactorEnrollment struct {
	Secret      string   `json:"secret,omitempty"`
	URL         string   `json:"otpauth_url,omitempty"`
	BackupCodes []string `json:"backup_codes,omitempty"`
}

// EnableTwoFactor starts enrolment. The secret stays pending until
// ConfirmTwoFactor sees a code produced from it. Replacing an active factor
// needs a code from the current one.
func (s *Service) EnableTwoFactor(ctx context.Context, userID string, proof TwoFactorProof) (TwoFactorEnrollment, error) {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	u, err := s.findUser(ctx, userID)
	if err != nil {
		return TwoFactorEnrollment{}, err
	}
	if err := s.reauthenticate(ctx, u, proof, ActionTwoFactorPending); err != nil {
		return TwoFactorEnrollment{}, err
	}
	secret, url, err := s.twoFactor.Generate(u.Email)
	if err != nil {
		return TwoFactorEnrollment{}, err
	}
	u.PendingTwoFactorSecret = secret
	u.UpdatedAt = s.now()
	if err := s.store.Credentials(ctx).Update(ctx, u); err != nil {
		return TwoFactorEnrollment{}, err
	}
	s.record(ctx, audit.Entry{
		UserID:   u.ID,
		Action:   ActionTwoFactorPending,
		Resource: resourceUser,
		Details:  map[string]any{"replacing": u.TwoFactorEnabled},
		Success:  true,
	})
	return TwoFactorEnrollment{Secret: secret, URL: url}, nil
}

// ConfirmTwoFactor activates the pending secret and issues fresh backup codes.
func (s *Service) ConfirmTwoFactor(ctx context.Context, userID, code string) (TwoFactorEnrollment, error) {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	u, err := s.findUser(ctx, userID)
	if err != nil {
		return TwoFactorEnrollment{}, err
	}
	if u.PendingTwoFactorSecret == "" {
		err := fmt.Errorf("%w: no pending two-factor enrolment", ErrInvalidInput)
		s.fail(ctx, u.ID, ActionTwoFactorEnabled, resourceUser, err, map[string]any{"reason": "not_pending"})
		return TwoFactorEnrollment{}, err
	}
	now := s.now()
	step, ok := s.twoFactor.Validate(code, u.PendingTwoFactorSecret, now)
	if !ok {
		s.fail(ctx, u.ID, ActionTwoFactorEnabled, resourceUser, ErrInvalidCredentials, map[string]any{"reason": "invalid_2fa"})
		return TwoFactorEnrollment{}, ErrInvalidCredentials
	}
	codes, hashes, err := s.newBackupCodes()
	if err != nil {
		return TwoFactorEnrollment{}, err
	}
	u.TwoFactorEnabled = true
	u.TwoFactorSecret = u.PendingTwoFactorSecret
	u.PendingTwoFactorSecret = ""
	u.TwoFactorLastStep = step
	u.BackupCodes = hashes
	u.UpdatedAt = now
	if err := s.store.Credentials(ctx).Update(ctx, u); err != nil {
		return TwoFactorEnrollment{}, err
	}
	s.record(ctx, audit.Entry{
		UserID:   u.ID,
		Action:   ActionTwoFactorEnabled,
		Resource: resourceUser,
		Details:  map[string]any{"backup_codes": len(codes)},
		Success:  true,
	})
	return TwoFactorEnrollment{BackupCodes: codes}, nil
}

// DisableTwoFactor clears the secret and any unused backup codes. The caller
// must present the password and a current code.
func (s *Service) DisableTwoFactor(ctx context.Context, userID string, proof TwoFactorProof) error {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	u, err := s.findUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.reauthenticate(ctx, u, proof, ActionTwoFactorDisabled); err != nil {
		return err
	}
	if !u.TwoFactorEnabled && u.PendingTwoFactorSecret == "" {
		return nil
	}
	u.TwoFactorEnabled = false
	u.TwoFactorSecret = ""
	u.PendingTwoFactorSecret = ""
	u.TwoFactorLastStep = 0
	u.BackupCodes = nil
	u.UpdatedAt = s.now()
	if err := s.store.Credentials(ctx).Update(ctx, u); err != nil {
		return err
	}
	s.record(ctx, audit.Entry{UserID: u.ID, Action: ActionTwoFactorDisabled, Resource: resourceUser, Success: true})
	return nil
}

// reauthenticate checks the password and, when two-factor is active, a code.
// A consumed backup code or accepted TOTP step is written back to u by the caller.
func (s *Service) reauthenticate(ctx context.Context, u *UserAuth, proof TwoFactorProof, action string) error {
	if !s.hasher.Verify(proof.Password, u.PasswordHash, u.Salt) {
		s.fail(ctx, u.ID, action, resourceUser, ErrInvalidCredentials, map[string]any{"reason": "invalid_password"})
		return ErrInvalidCredentials
	}
	if !u.TwoFactorEnabled {
		return nil
	}
	if strings.TrimSpace(proof.Code) == "" {
		s.fail(ctx, u.ID, action, resourceUser, ErrTwoFactorRequired, map[string]any{"reason": "missing_2fa"})
		return ErrTwoFactorRequired
	}
	if ok, _ := s.checkSecondFactor(u, proof.Code, s.now()); !ok {
		s.fail(ctx, u.ID, action, resourceUser, ErrInvalidCredentials, map[string]any{"reason": "invalid_2fa"})
		return ErrInvalidCredentials
	}
	return nil
}

// checkSecondFactor accepts a TOTP code newer than the last accepted step, or
// consumes a matching backup code. It reports whether a backup code was used.
// Either way u has changed and must be written back on success.
func (s *Service) checkSecondFactor(u *UserAuth, code string, now time.Time) (ok, backup bool) {
	if u.TwoFactorSecret != "" {
		if step, valid := s.twoFactor.Validate(code, u.TwoFactorSecret, now); valid {
			if step <= u.TwoFactorLastStep {
				return false, false
			}
			u.TwoFactorLastStep = step
			return true, false
		}
	}
	want := hashBackupCode(code)
	for i, h := range u.BackupCodes {
		if subtle.ConstantTimeCompare([]byte(h), []byte(want)) == 1 {
			u.BackupCodes = slices.Delete(u.BackupCodes, i, i+1)
			return true, true
		}
	}
	return false, false
}

func (s *Service) newBackupCodes() ([]string, []string, error) {
	n := s.cfg.MFA.BackupCodeCount
	codes := make([]string, 0, n)
	hashes := make([]string, 0, n)
	for range n {
		raw, err := s.crypto.RandomBytes(5)
		if err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}
		enc := hex.EncodeToString(raw)
		code := enc[:5] + "-" + enc[5:]
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}
	return codes, hashes, nil
}

func hashBackupCode(code string) string {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}
