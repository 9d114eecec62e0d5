// Package ratelimit implements fixed-window counters keyed by action and identity.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether one more event for key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string, window time.Duration, max int) (bool, error)
}

type record struct {
	count   int
	resetAt time.Time
}

// sweepEvery bounds how often AllowAt scans for expired windows.
const sweepEvery = time.Minute

// Memory keeps counters in process memory. Expired windows are dropped by an
// opportunistic sweep on access, so no background goroutine runs.
type Memory struct {
	mu        sync.Mutex
	records   map[string]*record
	now       func() time.Time
	lastSweep time.Time
}

var _ Limiter = (*Memory)(nil)

// NewMemory returns an empty limiter. A nil clock defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{records: make(map[string]*record), now: now, lastSweep: now()}
}

// Allow never returns an error; the signature matches the shared Limiter contract.
func (m *Memory) Allow(_ context.Context, key string, window time.Duration, max int) (bool, error) {
	return m.AllowAt(key, window, max), nil
}

// AllowAt is the synchronous form of Allow.
func (m *Memory) AllowAt(key string, window time.Duration, max int) bool {
	if max <= 0 {
		return false
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastSweep) >= sweepEvery {
		for k, r := range m.records {
			if now.After(r.resetAt) {
				delete(m.records, k)
			}
		}
		m.lastSweep = now
	}

	rec, ok := m.records[key]
	if !ok || now.After(rec.resetAt) {
		m.records[key] = &record{count: 1, resetAt: now.Add(window)}
		return true
	}
	if rec.count >= max {
		return false
	}
	rec.count++
	return true
}

// Count reports the counter of the live window for key, zero when none is active.
func (m *Memory) Count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || m.now().After(rec.resetAt) {
		return 0
	}
	return rec.count
}

// Len reports how many windows are held, expired ones included until the next sweep.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Reset forgets the counter for key.
func (m *Memory) Reset(key string) {
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()
}
