package auth

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestPolicyReportsEveryViolation(t *testing.T) {
	p := DefaultSecurityConfig().Password

	res := p.Validate("")
	want := []string{
		"password must be at least 12 characters long",
		violationUppercase,
		violationLowercase,
		violationDigit,
		violationSpecial,
	}
	if res.Valid || !slices.Equal(res.Violations, want) {
		t.Fatalf("unexpected result for empty password: %+v", res)
	}

	res = p.Validate("abcdefghijkl")
	if res.Valid || len(res.Violations) != 3 {
		t.Fatalf("expected uppercase, digit and special violations, got %+v", res)
	}
}

func TestPolicyLengthBoundary(t *testing.T) {
	p := DefaultSecurityConfig().Password
	short := "Aa1!" + strings.Repeat("x", 7)
	if len(short) != 11 {
		t.Fatalf("fixture length %d", len(short))
	}
	res := p.Validate(short)
	if res.Valid || len(res.Violations) != 1 || !strings.Contains(res.Violations[0], "at least 12") {
		t.Fatalf("expected only the length violation, got %+v", res)
	}
	if res := p.Validate(short + "x"); !res.Valid || len(res.Violations) != 0 {
		t.Fatalf("12 characters should pass, got %+v", res)
	}
}

func TestPolicyCountsRunesAndHonorsToggles(t *testing.T) {
	p := PasswordPolicy{MinLength: 4}
	if res := p.Validate("äöüß"); !res.Valid {
		t.Fatalf("four runes should satisfy min length 4: %+v", res)
	}
	if err := p.Validate("abc").err(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("policy error should match ErrInvalidInput, got %v", err)
	}
}

func TestSecurityConfigValidate(t *testing.T) {
	cfg := DefaultSecurityConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must be valid: %v", err)
	}
	if cfg.RateLimits.Login.Max <= cfg.Lockout.MaxFailedAttempts {
		t.Fatalf("login rate limit must exceed the lockout threshold")
	}

	bad := cfg
	bad.Session.RefreshDuration = cfg.Session.MaxDuration - time.Minute
	if err := bad.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected refresh shorter than session to be rejected, got %v", err)
	}

	bad = cfg
	bad.Session.MaxConcurrent = 0
	bad.RateLimits.API.Max = 0
	err := bad.Validate()
	if err == nil || !strings.Contains(err.Error(), "max_concurrent") || !strings.Contains(err.Error(), "rate_limits.api") {
		t.Fatalf("expected every problem to be reported, got %v", err)
	}
}
