// Package audit keeps an append-only record of security-relevant events.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"learnhub.io/internal/obs"
)

// Anonymous is recorded as the user id when the actor is not known.
const Anonymous = "anonymous"

// Entry is an immutable audit record.
type Entry struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Action       string         `json:"action"`
	Resource     string         `json:"resource"`
	Details      map[string]any `json:"details,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Filter narrows a query. Zero-valued fields impose no constraint; set fields are AND-combined.
type Filter struct {
	UserID   string
	Action   string
	Resource string
	Start    time.Time
	End      time.Time
	Success  *bool
}

// Matches reports whether e satisfies every constraint in f.
func (f Filter) Matches(e Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	return true
}

// ErrInvalidFilter is returned for filters that can never match, such as End before Start.
var ErrInvalidFilter = errors.New("audit: invalid filter")

// Store persists entries. Query returns matches newest-first.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Query(ctx context.Context, filter Filter) ([]Entry, error)
}

// Logger stamps entries and appends them to a Store, mirroring each one to the structured log.
type Logger struct {
	store  Store
	now    func() time.Time
	mirror bool
}

// Option configures Logger.
type Option func(*Logger)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithMirror toggles the JSON mirror to obs.Logger (on by default).
func WithMirror(enabled bool) Option {
	return func(l *Logger) { l.mirror = enabled }
}

// NewLogger builds a Logger; a nil store falls back to an in-memory one.
func NewLogger(store Store, opts ...Option) *Logger {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Logger{store: store, now: time.Now, mirror: true}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends the entry and returns it as stored. It never fails: a store error is reported
// on the structured log together with the full entry so the event is not lost.
func (l *Logger) Record(ctx context.Context, entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	if strings.TrimSpace(entry.UserID) == "" {
		entry.UserID = Anonymous
	}
	if entry.IPAddress == "" && entry.UserAgent == "" {
		if meta, ok := ClientFromContext(ctx); ok {
			entry.IPAddress = meta.IPAddress
			entry.UserAgent = meta.UserAgent
		}
	}
	entry.Details = cloneDetails(entry.Details)

	if err := l.store.Append(ctx, entry); err != nil {
		obs.Log("error", "audit append failed", map[string]any{
			"error": err.Error(),
			"entry": mirrorFields(ctx, entry),
		})
		return entry
	}
	if l.mirror {
		fields := mirrorFields(ctx, entry)
		fields["type"] = "audit"
		obs.LogRequest(fields)
	}
	return entry
}

// Query returns entries matching filter, newest-first.
func (l *Logger) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	if !filter.Start.IsZero() && !filter.End.IsZero() && filter.End.Before(filter.Start) {
		return nil, ErrInvalidFilter
	}
	return l.store.Query(ctx, filter)
}

func mirrorFields(ctx context.Context, e Entry) map[string]any {
	fields := map[string]any{
		"ts":       e.Timestamp.Format(time.RFC3339Nano),
		"id":       e.ID,
		"event":    e.Action,
		"resource": e.Resource,
		"user_id":  e.UserID,
		"success":  e.Success,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		fields["request_id"] = rid
	}
	if e.IPAddress != "" {
		fields["ip"] = e.IPAddress
	}
	if e.ErrorMessage != "" {
		fields["error"] = e.ErrorMessage
	}
	if len(e.Details) > 0 {
		fields["fields"] = cloneDetails(e.Details)
	} else {
		fields["fields"] = map[string]any{}
	}
	return fields
}

func cloneDetails(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
