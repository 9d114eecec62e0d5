package auth

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// PasswordPolicy holds the configurable password rules.
type PasswordPolicy struct {
	MinLength           int  `json:"min_length"`
	RequireUppercase    bool `json:"require_uppercase"`
	RequireLowercase    bool `json:"require_lowercase"`
	RequireNumbers      bool `json:"require_numbers"`
	RequireSpecialChars bool `json:"require_special_chars"`
}

// PolicyResult reports every violated rule, in rule order.
type PolicyResult struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations"`
}

const (
	violationUppercase = "password must contain at least one uppercase letter"
	violationLowercase = "password must contain at least one lowercase letter"
	violationDigit     = "password must contain at least one number"
	violationSpecial   = "password must contain at least one special character"
)

// Validate checks password against every rule and never stops at the first failure.
func (p PasswordPolicy) Validate(password string) PolicyResult {
	var (
		upper, lower, digit, special bool
		violations                   = make([]string, 0)
	)
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	if p.MinLength > 0 && utf8.RuneCountInString(password) < p.MinLength {
		violations = append(violations, fmt.Sprintf("password must be at least %d characters long", p.MinLength))
	}
	if p.RequireUppercase && !upper {
		violations = append(violations, violationUppercase)
	}
	if p.RequireLowercase && !lower {
		violations = append(violations, violationLowercase)
	}
	if p.RequireNumbers && !digit {
		violations = append(violations, violationDigit)
	}
	if p.RequireSpecialChars && !special {
		violations = append(violations, violationSpecial)
	}
	return PolicyResult{Valid: len(violations) == 0, Violations: violations}
}

func (r PolicyResult) err() error {
	if r.Valid {
		return nil
	}
	return &PolicyError{Violations: r.Violations}
}
