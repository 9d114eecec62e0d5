package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"learnhub.io/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestRecordMirrorsJSON(t *testing.T) {
	buf := captureLog(t)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = WithClient(ctx, "10.0.0.7", "unit-test")
	l := NewLogger(NewMemoryStore())

	stored := l.Record(ctx, Entry{
		UserID:   "user-42",
		Action:   "LOGIN_SUCCESS",
		Resource: "auth",
		Details:  map[string]any{"session_id": "s-1"},
		Success:  true,
	})
	if stored.ID == "" || stored.Timestamp.IsZero() {
		t.Fatalf("expected id and timestamp to be stamped: %+v", stored)
	}
	if stored.IPAddress != "10.0.0.7" || stored.UserAgent != "unit-test" {
		t.Fatalf("expected client metadata from context, got %+v", stored)
	}

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v (%q)", err, line)
	}
	if entry["type"] != "audit" || entry["event"] != "LOGIN_SUCCESS" {
		t.Fatalf("unexpected mirror entry: %v", entry)
	}
	if entry["request_id"] != "req-123" || entry["user_id"] != "user-42" {
		t.Fatalf("missing correlation fields: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["session_id"] != "s-1" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestRecordDefaultsAnonymous(t *testing.T) {
	captureLog(t)
	l := NewLogger(nil, WithMirror(false))
	e := l.Record(context.Background(), Entry{Action: "LOGIN_FAILED", Resource: "auth"})
	if e.UserID != Anonymous {
		t.Fatalf("expected anonymous user id, got %q", e.UserID)
	}
}

type failingStore struct{}

func (failingStore) Append(context.Context, Entry) error { return errors.New("disk full") }
func (failingStore) Query(context.Context, Filter) ([]Entry, error) {
	return nil, nil
}

func TestRecordReportsStoreFailure(t *testing.T) {
	buf := captureLog(t)
	l := NewLogger(failingStore{})
	l.Record(context.Background(), Entry{Action: "LOGIN_SUCCESS", Resource: "auth", UserID: "u1"})
	if !strings.Contains(buf.String(), "audit append failed") || !strings.Contains(buf.String(), "LOGIN_SUCCESS") {
		t.Fatalf("expected failure to be logged with the entry, got %q", buf.String())
	}
}

func TestQueryNewestFirstAndFilters(t *testing.T) {
	captureLog(t)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	current := base
	l := NewLogger(NewMemoryStore(), WithClock(func() time.Time { return current }), WithMirror(false))
	ctx := context.Background()

	l.Record(ctx, Entry{UserID: "alice", Action: "LOGIN_FAILED", Resource: "auth"})
	current = base.Add(time.Minute)
	l.Record(ctx, Entry{UserID: "bob", Action: "LOGIN_SUCCESS", Resource: "auth", Success: true})
	current = base.Add(2 * time.Minute)
	l.Record(ctx, Entry{UserID: "alice", Action: "LOGIN_SUCCESS", Resource: "auth", Success: true})
	current = base.Add(2 * time.Minute)
	l.Record(ctx, Entry{UserID: "alice", Action: "ROLE_ASSIGNED", Resource: "user", Success: true})

	all, err := l.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.After(all[i-1].Timestamp) {
			t.Fatalf("entries not newest-first at %d", i)
		}
	}
	if all[0].Action != "ROLE_ASSIGNED" {
		t.Fatalf("expected later insertion first on equal timestamps, got %s", all[0].Action)
	}

	success := true
	got, _ := l.Query(ctx, Filter{UserID: "alice", Resource: "auth", Success: &success})
	if len(got) != 1 || got[0].Action != "LOGIN_SUCCESS" {
		t.Fatalf("unexpected filtered result: %+v", got)
	}

	got, _ = l.Query(ctx, Filter{Start: base.Add(30 * time.Second), End: base.Add(90 * time.Second)})
	if len(got) != 1 || got[0].UserID != "bob" {
		t.Fatalf("unexpected time range result: %+v", got)
	}

	if _, err := l.Query(ctx, Filter{Start: base.Add(time.Hour), End: base}); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestQueryResultsAreCopies(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Append(context.Background(), Entry{ID: "1", Action: "A", Details: map[string]any{"k": "v"}})
	got, _ := store.Query(context.Background(), Filter{})
	got[0].Details["k"] = "mutated"
	again, _ := store.Query(context.Background(), Filter{})
	if again[0].Details["k"] != "v" {
		t.Fatalf("stored entry was mutated through a query result")
	}
}

func TestPGStoreAppendAndQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into audit_logs").
		WithArgs("id-1", "alice", "LOGIN_FAILED", "auth", sqlmock.AnyArg(), "10.0.0.1", "ua", at, false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Append(context.Background(), Entry{
		ID: "id-1", UserID: "alice", Action: "LOGIN_FAILED", Resource: "auth",
		Details: map[string]any{"reason": "invalid_password"}, IPAddress: "10.0.0.1", UserAgent: "ua",
		Timestamp: at, ErrorMessage: "invalid credentials",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	success := false
	mock.ExpectQuery(regexp.QuoteMeta("from audit_logs where user_id = $1 and success = $2 order by occurred_at desc, seq desc")).
		WithArgs("alice", false).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "action", "resource", "details", "ip_address", "user_agent", "occurred_at", "success", "error_message"}).
			AddRow("id-1", "alice", "LOGIN_FAILED", "auth", []byte(`{"reason":"invalid_password"}`), "10.0.0.1", "ua", at, false, "invalid credentials"))

	got, err := store.Query(context.Background(), Filter{UserID: "alice", Success: &success})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].Details["reason"] != "invalid_password" || got[0].ErrorMessage != "invalid credentials" {
		t.Fatalf("unexpected rows: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
