package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store on the audit_logs table.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, e Entry) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	details := []byte("{}")
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_logs (id, user_id, action, resource, details, ip_address, user_agent, occurred_at, success, error_message)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.UserID, e.Action, e.Resource, details, e.IPAddress, e.UserAgent, e.Timestamp, e.Success, nullString(e.ErrorMessage))
	return err
}

func (s *PGStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Resource != "" {
		add("resource = $%d", f.Resource)
	}
	if !f.Start.IsZero() {
		add("occurred_at >= $%d", f.Start)
	}
	if !f.End.IsZero() {
		add("occurred_at <= $%d", f.End)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}

	query := `select id, user_id, action, resource, details, ip_address, user_agent, occurred_at, success, error_message from audit_logs`
	if len(conds) > 0 {
		query += " where " + strings.Join(conds, " and ")
	}
	query += " order by occurred_at desc, seq desc"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]Entry, 0)
	for rows.Next() {
		var (
			e       Entry
			details []byte
			errMsg  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Resource, &details, &e.IPAddress, &e.UserAgent, &e.Timestamp, &e.Success, &errMsg); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
			if len(e.Details) == 0 {
				e.Details = nil
			}
		}
		e.ErrorMessage = errMsg.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
