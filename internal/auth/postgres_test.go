package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

var credentialCols = []string{
	"id", "email", "password_hash", "salt", "roles", "is_active", "is_verified",
	"two_factor_enabled", "two_factor_secret", "pending_two_factor_secret", "two_factor_last_step",
	"backup_codes", "failed_login_attempts",
	"locked_until", "last_login_at", "last_password_change_at", "created_at", "updated_at",
}

func TestPGCredentialStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	u := &UserAuth{ID: "u1", Email: "a@example.com", PasswordHash: "h", Salt: "s", IsActive: true, CreatedAt: at, UpdatedAt: at, LastPasswordChangeAt: at}
	u.setRoles([]Role{RoleStudent})

	mock.ExpectExec("insert into user_auth").
		WithArgs("u1", "a@example.com", "h", "s", []byte(`["student"]`), true, false, false, "", "", int64(0), []byte(`[]`), 0,
			sqlmock.AnyArg(), sqlmock.AnyArg(), at, at, at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.Credentials(ctx).Create(ctx, u); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mock.ExpectExec("insert into user_auth").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "user_auth_email_key"})
	if err := store.Credentials(ctx).Create(ctx, u); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	locked := at.Add(15 * time.Minute)
	mock.ExpectQuery("from user_auth where email=").
		WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows(credentialCols).AddRow(
			"u1", "a@example.com", "h", "s", []byte(`["student","instructor"]`), true, true,
			true, "JBSWY3DPEHPK3PXP", "", int64(59000000), []byte(`[]`), int64(5), locked, nil, at, at, at))
	got, err := store.Credentials(ctx).FindByEmail(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if !got.HasPermission(PermCourseCreate) || !got.HasPermission(PermCourseEnroll) {
		t.Fatalf("permissions were not derived from roles: %v", got.Permissions)
	}
	if got.LockedUntil == nil || !got.LockedUntil.Equal(locked) || got.LastLoginAt != nil {
		t.Fatalf("unexpected nullable times: %+v", got)
	}
	if got.FailedLoginAttempts != 5 {
		t.Fatalf("unexpected attempts %d", got.FailedLoginAttempts)
	}
	if !got.TwoFactorEnabled || got.TwoFactorLastStep != 59000000 || got.PendingTwoFactorSecret != "" {
		t.Fatalf("unexpected two-factor state: %+v", got)
	}

	mock.ExpectQuery("from user_auth where id=").WithArgs("missing").WillReturnRows(sqlmock.NewRows(credentialCols))
	if _, err := store.Credentials(ctx).Find(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectExec("update user_auth set").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Credentials(ctx).Update(ctx, u); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update of missing row, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGRecordFailedLoginIsAtomic(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	until := at.Add(15 * time.Minute)

	mock.ExpectQuery(`update user_auth set\s+failed_login_attempts = case when locked_until <= \$4 then 1 else failed_login_attempts \+ 1 end`).
		WithArgs("u1", 5, until, at).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(int64(5), until))
	got, err := store.Credentials(ctx).RecordFailedLogin(ctx, "u1", 5, until, at)
	if err != nil {
		t.Fatalf("RecordFailedLogin: %v", err)
	}
	if got.Attempts != 5 || got.LockedUntil == nil || !got.LockedUntil.Equal(until) {
		t.Fatalf("unexpected counter state: %+v", got)
	}

	mock.ExpectQuery("update user_auth set").
		WithArgs("missing", 5, until, at).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}))
	if _, err := store.Credentials(ctx).RecordFailedLogin(ctx, "missing", 5, until, at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGSessionStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cols := []string{"id", "user_id", "token_hash", "refresh_token_hash", "expires_at", "refresh_expires_at",
		"ip_address", "user_agent", "device_id", "is_active", "created_at", "last_activity_at", "revoked_at", "revoke_reason"}

	mock.ExpectQuery("from sessions where refresh_token_hash=").
		WithArgs("rh").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("s1", "u1", "th", "rh", at.Add(time.Hour), at.Add(24*time.Hour),
			"10.0.0.1", "ua", "", true, at, at, nil, ""))
	sess, err := store.Sessions(ctx).FindByRefreshHash(ctx, "rh")
	if err != nil {
		t.Fatalf("FindByRefreshHash: %v", err)
	}
	if sess.ID != "s1" || !sess.IsActive || sess.RevokedAt != nil {
		t.Fatalf("unexpected session: %+v", sess)
	}

	mock.ExpectQuery("from sessions where user_id=\\$1 order by created_at, id").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("s1", "u1", "th", "rh", at.Add(time.Hour), at.Add(24*time.Hour), "", "", "", false, at, at, at, "evicted").
			AddRow("s2", "u1", "th2", "rh2", at.Add(time.Hour), at.Add(24*time.Hour), "", "", "", true, at, at, nil, ""))
	list, err := store.Sessions(ctx).ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(list) != 2 || list[0].RevokeReason != "evicted" || list[0].RevokedAt == nil {
		t.Fatalf("unexpected list: %+v", list)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGComplianceStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	rec := &ComplianceRecord{ID: "c1", UserID: "u1", Type: ComplianceDataExport, Status: CompliancePending, CreatedAt: at, UpdatedAt: at}
	mock.ExpectExec("insert into compliance_records").
		WithArgs("c1", "u1", "data_export", "pending", []byte("{}"), at, at, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.Compliance(ctx).Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mock.ExpectQuery("from compliance_records where user_id=").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "type", "status", "request_data", "created_at", "updated_at", "completed_at"}).
			AddRow("c1", "u1", "data_export", "completed", []byte(`{"actor_id":"admin"}`), at, at, at))
	list, err := store.Compliance(ctx).ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(list) != 1 || list[0].Status != ComplianceCompleted || list[0].RequestData["actor_id"] != "admin" || list[0].CompletedAt == nil {
		t.Fatalf("unexpected records: %+v", list[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
