package auth

import (
	"context"
	"slices"
	"sync"
)

// Directory resolves user profiles by id. It is owned outside the auth core.
type Directory interface {
	User(ctx context.Context, id string) (*User, error)
}

// DirectoryWriter is implemented by directories that accept new profiles at registration.
type DirectoryWriter interface {
	PutUser(ctx context.Context, u User) error
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

var (
	_ Directory       = (*MemoryDirectory)(nil)
	_ DirectoryWriter = (*MemoryDirectory)(nil)
)

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]User)}
}

func (d *MemoryDirectory) User(_ context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u.Roles = slices.Clone(u.Roles)
	u.Permissions = slices.Clone(u.Permissions)
	return &u, nil
}

func (d *MemoryDirectory) PutUser(_ context.Context, u User) error {
	if u.ID == "" {
		return ErrInvalidInput
	}
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
	return nil
}

// resolveUser merges the directory profile with the authoritative credential fields.
// A missing profile yields a minimal one built from the credential record.
func (s *Service) resolveUser(ctx context.Context, cred *UserAuth) User {
	var u User
	if s.directory != nil {
		if p, err := s.directory.User(ctx, cred.ID); err == nil && p != nil {
			u = *p
		}
	}
	u.ID = cred.ID
	u.Email = cred.Email
	u.Roles = slices.Clone(cred.Roles)
	u.Permissions = slices.Clone(cred.Permissions)
	u.IsVerified = cred.IsVerified
	if u.CreatedAt.IsZero() {
		u.CreatedAt = cred.CreatedAt
	}
	return u
}
