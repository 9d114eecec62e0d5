package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps all auth state in process. Each sub-store has its own lock.
type MemoryStore struct {
	creds      *memCredentials
	sessions   *memSessions
	compliance *memCompliance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds:      &memCredentials{byID: map[string]*UserAuth{}, byEmail: map[string]string{}},
		sessions:   &memSessions{byID: map[string]*Session{}, byRefresh: map[string]string{}, byUser: map[string][]string{}},
		compliance: &memCompliance{byID: map[string]*ComplianceRecord{}},
	}
}

func (s *MemoryStore) Credentials(context.Context) CredentialStore { return s.creds }
func (s *MemoryStore) Sessions(context.Context) SessionStore       { return s.sessions }
func (s *MemoryStore) Compliance(context.Context) ComplianceStore  { return s.compliance }

type memCredentials struct {
	mu      sync.RWMutex
	byID    map[string]*UserAuth
	byEmail map[string]string
}

func (m *memCredentials) Create(_ context.Context, u *UserAuth) error {
	if u == nil || u.ID == "" || u.Email == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[u.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.byEmail[u.Email]; ok {
		return ErrAlreadyExists
	}
	m.byID[u.ID] = u.clone()
	m.byEmail[u.Email] = u.ID
	return nil
}

func (m *memCredentials) Find(_ context.Context, id string) (*UserAuth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u.clone(), nil
}

func (m *memCredentials) FindByEmail(_ context.Context, email string) (*UserAuth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return m.byID[id].clone(), nil
}

func (m *memCredentials) Update(_ context.Context, u *UserAuth) error {
	if u == nil {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.byID[u.ID]
	if !ok {
		return ErrNotFound
	}
	if prev.Email != u.Email {
		if _, taken := m.byEmail[u.Email]; taken {
			return ErrAlreadyExists
		}
		delete(m.byEmail, prev.Email)
		m.byEmail[u.Email] = u.ID
	}
	m.byID[u.ID] = u.clone()
	return nil
}

func (m *memCredentials) RecordFailedLogin(_ context.Context, id string, maxAttempts int, lockUntil, at time.Time) (FailedLogin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return FailedLogin{}, ErrNotFound
	}
	if u.LockedUntil != nil && !at.Before(*u.LockedUntil) {
		u.LockedUntil = nil
		u.FailedLoginAttempts = 0
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= maxAttempts {
		until := lockUntil
		u.LockedUntil = &until
	}
	u.UpdatedAt = at
	return FailedLogin{Attempts: u.FailedLoginAttempts, LockedUntil: cloneTime(u.LockedUntil)}, nil
}

type memSessions struct {
	mu        sync.RWMutex
	byID      map[string]*Session
	byRefresh map[string]string
	byUser    map[string][]string
}

func (m *memSessions) Create(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" || s.UserID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[s.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.byRefresh[s.RefreshTokenHash]; ok {
		return ErrAlreadyExists
	}
	m.byID[s.ID] = s.clone()
	m.byRefresh[s.RefreshTokenHash] = s.ID
	m.byUser[s.UserID] = append(m.byUser[s.UserID], s.ID)
	return nil
}

func (m *memSessions) Find(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

func (m *memSessions) FindByRefreshHash(_ context.Context, hash string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRefresh[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return m.byID[id].clone(), nil
}

func (m *memSessions) Update(_ context.Context, s *Session) error {
	if s == nil {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.byID[s.ID]
	if !ok {
		return ErrNotFound
	}
	if prev.RefreshTokenHash != s.RefreshTokenHash {
		if _, taken := m.byRefresh[s.RefreshTokenHash]; taken {
			return ErrAlreadyExists
		}
		delete(m.byRefresh, prev.RefreshTokenHash)
		m.byRefresh[s.RefreshTokenHash] = s.ID
	}
	m.byID[s.ID] = s.clone()
	return nil
}

func (m *memSessions) ListByUser(_ context.Context, userID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byUser[userID]
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.byID[id].clone())
	}
	sortSessions(out)
	return out, nil
}

// sortSessions orders by creation time, then id. Ids are ULIDs so ties keep creation order.
func sortSessions(list []*Session) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

type memCompliance struct {
	mu    sync.RWMutex
	byID  map[string]*ComplianceRecord
	order []string
}

func (m *memCompliance) Create(_ context.Context, r *ComplianceRecord) error {
	if r == nil || r.ID == "" || r.UserID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[r.ID]; ok {
		return ErrAlreadyExists
	}
	m.byID[r.ID] = r.clone()
	m.order = append(m.order, r.ID)
	return nil
}

func (m *memCompliance) Update(_ context.Context, r *ComplianceRecord) error {
	if r == nil {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[r.ID]; !ok {
		return ErrNotFound
	}
	m.byID[r.ID] = r.clone()
	return nil
}

func (m *memCompliance) ListByUser(_ context.Context, userID string) ([]*ComplianceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ComplianceRecord, 0)
	for _, id := range m.order {
		if r := m.byID[id]; r.UserID == userID {
			out = append(out, r.clone())
		}
	}
	return out, nil
}
