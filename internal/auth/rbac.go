package auth

import (
	"context"
	"fmt"
	"slices"

	"learnhub.io/internal/audit"
)

// HasPermission is false for unknown or inactive users.
func (s *Service) HasPermission(ctx context.Context, userID string, perm Permission) bool {
	u, err := s.store.Credentials(ctx).Find(ctx, userID)
	if err != nil || !u.IsActive {
		return false
	}
	return u.HasPermission(perm)
}

// HasRole is false for unknown or inactive users.
func (s *Service) HasRole(ctx context.Context, userID string, role Role) bool {
	u, err := s.store.Credentials(ctx).Find(ctx, userID)
	if err != nil || !u.IsActive {
		return false
	}
	return u.HasRole(role)
}

// Permissions returns the derived permission set of an active user.
func (s *Service) Permissions(ctx context.Context, userID string) ([]Permission, error) {
	u, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrAccountDeactivated
	}
	return slices.Clone(u.Permissions), nil
}

// Require returns ErrUnauthorized unless the principal holds perm.
func Require(p Principal, perm Permission) error {
	if !p.HasPermission(perm) {
		return fmt.Errorf("%w: missing %s", ErrUnauthorized, perm)
	}
	return nil
}

// AssignRole adds role and recomputes permissions. Assigning a held role is a no-op.
func (s *Service) AssignRole(ctx context.Context, userID string, role Role) error {
	if !role.Valid() {
		err := fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
		s.fail(ctx, userID, ActionRoleAssigned, resourceUser, err, actorDetails(ctx, map[string]any{"role": string(role)}))
		return err
	}
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	u, err := s.findUser(ctx, userID)
	if err != nil {
		s.fail(ctx, userID, ActionRoleAssigned, resourceUser, err, actorDetails(ctx, map[string]any{"role": string(role)}))
		return err
	}
	if u.HasRole(role) {
		return nil
	}
	u.setRoles(append(u.Roles, role))
	u.UpdatedAt = s.now()
	if err := s.store.Credentials(ctx).Update(ctx, u); err != nil {
		return err
	}
	s.record(ctx, audit.Entry{
		UserID:   u.ID,
		Action:   ActionRoleAssigned,
		Resource: resourceUser,
		Details:  actorDetails(ctx, map[string]any{"role": string(role), "roles": u.Roles}),
		Success:  true,
	})
	return nil
}

// RemoveRole drops role and recomputes permissions. The last role cannot be removed.
func (s *Service) RemoveRole(ctx context.Context, userID string, role Role) error {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	u, err := s.findUser(ctx, userID)
	if err != nil {
		s.fail(ctx, userID, ActionRoleRemoved, resourceUser, err, actorDetails(ctx, map[string]any{"role": string(role)}))
		return err
	}
	if !u.HasRole(role) {
		return nil
	}
	if len(u.Roles) == 1 {
		err := fmt.Errorf("%w: cannot remove the last role", ErrInvalidInput)
		s.fail(ctx, u.ID, ActionRoleRemoved, resourceUser, err, actorDetails(ctx, map[string]any{"role": string(role)}))
		return err
	}
	u.setRoles(slices.DeleteFunc(slices.Clone(u.Roles), func(r Role) bool { return r == role }))
	u.UpdatedAt = s.now()
	if err := s.store.Credentials(ctx).Update(ctx, u); err != nil {
		return err
	}
	s.record(ctx, audit.Entry{
		UserID:   u.ID,
		Action:   ActionRoleRemoved,
		Resource: resourceUser,
		Details:  actorDetails(ctx, map[string]any{"role": string(role), "roles": u.Roles}),
		Success:  true,
	})
	return nil
}
