package auth

import (
	"context"
	"errors"

	"learnhub.io/internal/obs"
)

// EnsureSuperAdmin registers a super_admin account unless the email is already taken.
// Existing accounts are left untouched.
func (s *Service) EnsureSuperAdmin(ctx context.Context, email, password string) (User, error) {
	existing, err := s.store.Credentials(ctx).FindByEmail(ctx, normalizeEmail(email))
	if err == nil {
		return s.resolveUser(ctx, existing), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}
	u, err := s.Register(ctx, RegisterInput{
		Email:     email,
		Password:  password,
		FirstName: "System",
		LastName:  "Administrator",
		Roles:     []Role{RoleSuperAdmin},
		Verified:  true,
	})
	if errors.Is(err, ErrAlreadyExists) {
		existing, ferr := s.store.Credentials(ctx).FindByEmail(ctx, normalizeEmail(email))
		if ferr != nil {
			return User{}, ferr
		}
		return s.resolveUser(ctx, existing), nil
	}
	if err != nil {
		return User{}, err
	}
	obs.Log("info", "bootstrap admin created", map[string]any{"user_id": u.ID, "email": u.Email})
	return u, nil
}
