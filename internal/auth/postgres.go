package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Permissions are not persisted;
// they are derived from roles on every read.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Credentials(context.Context) CredentialStore { return &credentialStore{db: s.db} }
func (s *PGStore) Sessions(context.Context) SessionStore       { return &sessionStore{db: s.db} }
func (s *PGStore) Compliance(context.Context) ComplianceStore  { return &complianceStore{db: s.db} }

// mapPgError turns constraint violations into package errors.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
		case "23503", "23514", "22P02":
			return fmt.Errorf("%w: %s", ErrInvalidInput, pgErr.Message)
		}
	}
	return err
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Credential store ---------------------------------------------------------
type credentialStore struct{ db *sql.DB }

const credentialColumns = `id, email, password_hash, salt, roles, is_active, is_verified,
	two_factor_enabled, two_factor_secret, pending_two_factor_secret, two_factor_last_step,
	backup_codes, failed_login_attempts, locked_until, last_login_at, last_password_change_at,
	created_at, updated_at`

func (s *credentialStore) Create(ctx context.Context, u *UserAuth) error {
	roles, codes, err := encodeCredentialLists(u)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into user_auth (`+credentialColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		u.ID, u.Email, u.PasswordHash, u.Salt, roles, u.IsActive, u.IsVerified,
		u.TwoFactorEnabled, u.TwoFactorSecret, u.PendingTwoFactorSecret, u.TwoFactorLastStep,
		codes, u.FailedLoginAttempts, nullTime(u.LockedUntil), nullTime(u.LastLoginAt),
		u.LastPasswordChangeAt, u.CreatedAt, u.UpdatedAt,
	)
	return mapPgError(err)
}

func (s *credentialStore) Find(ctx context.Context, id string) (*UserAuth, error) {
	row := s.db.QueryRowContext(ctx, `select `+credentialColumns+` from user_auth where id=$1`, id)
	return scanCredential(row)
}

func (s *credentialStore) FindByEmail(ctx context.Context, email string) (*UserAuth, error) {
	row := s.db.QueryRowContext(ctx, `select `+credentialColumns+` from user_auth where email=$1`, email)
	return scanCredential(row)
}

func (s *credentialStore) Update(ctx context.Context, u *UserAuth) error {
	roles, codes, err := encodeCredentialLists(u)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update user_auth set email=$2, password_hash=$3, salt=$4, roles=$5, is_active=$6, is_verified=$7,
			two_factor_enabled=$8, two_factor_secret=$9, pending_two_factor_secret=$10, two_factor_last_step=$11,
			backup_codes=$12, failed_login_attempts=$13, locked_until=$14, last_login_at=$15,
			last_password_change_at=$16, updated_at=$17
		where id=$1`,
		u.ID, u.Email, u.PasswordHash, u.Salt, roles, u.IsActive, u.IsVerified,
		u.TwoFactorEnabled, u.TwoFactorSecret, u.PendingTwoFactorSecret, u.TwoFactorLastStep,
		codes, u.FailedLoginAttempts, nullTime(u.LockedUntil), nullTime(u.LastLoginAt),
		u.LastPasswordChangeAt, u.UpdatedAt,
	)
	if err != nil {
		return mapPgError(err)
	}
	return affected(res)
}

// RecordFailedLogin increments in one statement so concurrent authd
// processes never lose a failure. SET expressions see the pre-update row.
func (s *credentialStore) RecordFailedLogin(ctx context.Context, id string, maxAttempts int, lockUntil, at time.Time) (FailedLogin, error) {
	var (
		out    FailedLogin
		locked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		update user_auth set
			failed_login_attempts = case when locked_until <= $4 then 1 else failed_login_attempts + 1 end,
			locked_until = case
				when (case when locked_until <= $4 then 1 else failed_login_attempts + 1 end) >= $2 then $3
				when locked_until <= $4 then null
				else locked_until end,
			updated_at = $4
		where id = $1
		returning failed_login_attempts, locked_until`,
		id, maxAttempts, lockUntil, at,
	).Scan(&out.Attempts, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return FailedLogin{}, ErrNotFound
	}
	if err != nil {
		return FailedLogin{}, mapPgError(err)
	}
	out.LockedUntil = timePtr(locked)
	return out, nil
}

func encodeCredentialLists(u *UserAuth) ([]byte, []byte, error) {
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal roles: %w", err)
	}
	codes := u.BackupCodes
	if codes == nil {
		codes = []string{}
	}
	rawCodes, err := json.Marshal(codes)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal backup codes: %w", err)
	}
	return roles, rawCodes, nil
}

func scanCredential(row *sql.Row) (*UserAuth, error) {
	var (
		u                      UserAuth
		roles, codes           []byte
		lockedUntil, lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Salt, &roles, &u.IsActive, &u.IsVerified,
		&u.TwoFactorEnabled, &u.TwoFactorSecret, &u.PendingTwoFactorSecret, &u.TwoFactorLastStep,
		&codes, &u.FailedLoginAttempts, &lockedUntil, &lastLogin, &u.LastPasswordChangeAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var parsed []Role
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &parsed); err != nil {
			return nil, fmt.Errorf("decode roles: %w", err)
		}
	}
	u.setRoles(parsed)
	if len(codes) > 0 {
		if err := json.Unmarshal(codes, &u.BackupCodes); err != nil {
			return nil, fmt.Errorf("decode backup codes: %w", err)
		}
	}
	u.LockedUntil = timePtr(lockedUntil)
	u.LastLoginAt = timePtr(lastLogin)
	return &u, nil
}

// Session store ------------------------------------------------------------
type sessionStore struct{ db *sql.DB }

const sessionColumns = `id, user_id, token_hash, refresh_token_hash, expires_at, refresh_expires_at,
	ip_address, user_agent, device_id, is_active, created_at, last_activity_at, revoked_at, revoke_reason`

func (s *sessionStore) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (`+sessionColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.RefreshTokenHash, sess.ExpiresAt, sess.RefreshExpiresAt,
		sess.IPAddress, sess.UserAgent, sess.DeviceID, sess.IsActive, sess.CreatedAt, sess.LastActivityAt,
		nullTime(sess.RevokedAt), sess.RevokeReason,
	)
	return mapPgError(err)
}

func (s *sessionStore) Find(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id=$1`, id)
	return scanSession(row)
}

func (s *sessionStore) FindByRefreshHash(ctx context.Context, hash string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where refresh_token_hash=$1`, hash)
	return scanSession(row)
}

func (s *sessionStore) Update(ctx context.Context, sess *Session) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions set token_hash=$2, refresh_token_hash=$3, expires_at=$4, refresh_expires_at=$5,
			is_active=$6, last_activity_at=$7, revoked_at=$8, revoke_reason=$9
		where id=$1`,
		sess.ID, sess.TokenHash, sess.RefreshTokenHash, sess.ExpiresAt, sess.RefreshExpiresAt,
		sess.IsActive, sess.LastActivityAt, nullTime(sess.RevokedAt), sess.RevokeReason,
	)
	if err != nil {
		return mapPgError(err)
	}
	return affected(res)
}

func (s *sessionStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+sessionColumns+` from sessions where user_id=$1 order by created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]*Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sess)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess    Session
		revoked sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.RefreshTokenHash, &sess.ExpiresAt, &sess.RefreshExpiresAt,
		&sess.IPAddress, &sess.UserAgent, &sess.DeviceID, &sess.IsActive, &sess.CreatedAt, &sess.LastActivityAt,
		&revoked, &sess.RevokeReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.RevokedAt = timePtr(revoked)
	return &sess, nil
}

// Compliance store ---------------------------------------------------------
type complianceStore struct{ db *sql.DB }

func (s *complianceStore) Create(ctx context.Context, r *ComplianceRecord) error {
	data, err := marshalRequestData(r.RequestData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into compliance_records (id, user_id, type, status, request_data, created_at, updated_at, completed_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.UserID, string(r.Type), string(r.Status), data, r.CreatedAt, r.UpdatedAt, nullTime(r.CompletedAt),
	)
	return mapPgError(err)
}

func (s *complianceStore) Update(ctx context.Context, r *ComplianceRecord) error {
	data, err := marshalRequestData(r.RequestData)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update compliance_records set status=$2, request_data=$3, updated_at=$4, completed_at=$5 where id=$1`,
		r.ID, string(r.Status), data, r.UpdatedAt, nullTime(r.CompletedAt),
	)
	if err != nil {
		return mapPgError(err)
	}
	return affected(res)
}

func (s *complianceStore) ListByUser(ctx context.Context, userID string) ([]*ComplianceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, type, status, request_data, created_at, updated_at, completed_at
		from compliance_records where user_id=$1 order by created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]*ComplianceRecord, 0)
	for rows.Next() {
		var (
			r         ComplianceRecord
			typ, st   string
			data      []byte
			completed sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.UserID, &typ, &st, &data, &r.CreatedAt, &r.UpdatedAt, &completed); err != nil {
			return nil, err
		}
		r.Type = ComplianceType(typ)
		r.Status = ComplianceStatus(st)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &r.RequestData); err != nil {
				return nil, fmt.Errorf("decode request data: %w", err)
			}
			if len(r.RequestData) == 0 {
				r.RequestData = nil
			}
		}
		r.CompletedAt = timePtr(completed)
		res = append(res, &r)
	}
	return res, rows.Err()
}

func marshalRequestData(data map[string]any) ([]byte, error) {
	if len(data) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal request data: %w", err)
	}
	return raw, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
