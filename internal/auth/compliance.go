package auth

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"learnhub.io/internal/audit"
	"learnhub.io/internal/ids"
)

// CredentialSummary is the exportable part of a credential record. Secrets are omitted.
type CredentialSummary struct {
	Email                string     `json:"email"`
	Roles                []Role     `json:"roles"`
	IsActive             bool       `json:"is_active"`
	IsVerified           bool       `json:"is_verified"`
	TwoFactorEnabled     bool       `json:"two_factor_enabled"`
	LastLoginAt          *time.Time `json:"last_login_at,omitempty"`
	LastPasswordChangeAt time.Time  `json:"last_password_change_at"`
	CreatedAt            time.Time  `json:"created_at"`
}

// DataExport aggregates everything held about one user.
type DataExport struct {
	RecordID          string             `json:"record_id"`
	User              User               `json:"user"`
	Credential        CredentialSummary  `json:"credential"`
	Sessions          []Session          `json:"sessions"`
	AuditLogs         []audit.Entry      `json:"audit_logs"`
	ComplianceHistory []ComplianceRecord `json:"compliance_history"`
	ExportedAt        time.Time          `json:"exported_at"`
}

// CreateComplianceRecord stores a pending record.
func (s *Service) CreateComplianceRecord(ctx context.Context, userID string, typ ComplianceType, requestData map[string]any) (ComplianceRecord, error) {
	if !typ.Valid() {
		return ComplianceRecord{}, fmt.Errorf("%w: unknown compliance type %q", ErrInvalidInput, typ)
	}
	if userID == "" {
		return ComplianceRecord{}, fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	now := s.now()
	r := &ComplianceRecord{
		ID:          ids.NewAt(now),
		UserID:      userID,
		Type:        typ,
		Status:      CompliancePending,
		RequestData: requestData,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Compliance(ctx).Create(ctx, r); err != nil {
		return ComplianceRecord{}, err
	}
	return *r.clone(), nil
}

// ComplianceHistory lists a user's records oldest-first.
func (s *Service) ComplianceHistory(ctx context.Context, userID string) ([]ComplianceRecord, error) {
	list, err := s.store.Compliance(ctx).ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]ComplianceRecord, 0, len(list))
	for _, r := range list {
		out = append(out, *r)
	}
	return out, nil
}

func (s *Service) finishCompliance(ctx context.Context, r *ComplianceRecord, status ComplianceStatus) error {
	now := s.now()
	r.Status = status
	r.UpdatedAt = now
	r.CompletedAt = &now
	return s.store.Compliance(ctx).Update(ctx, r)
}

// ProcessDataExport gathers profile, sessions, audit trail and prior compliance
// history, then records a completed export request.
func (s *Service) ProcessDataExport(ctx context.Context, userID string) (DataExport, error) {
	u, err := s.findUser(ctx, userID)
	if err != nil {
		s.fail(ctx, userID, ActionDataExport, resourceCompliance, err, actorDetails(ctx, nil))
		return DataExport{}, err
	}

	var export DataExport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		export.User = s.resolveUser(gctx, u)
		return nil
	})
	g.Go(func() error {
		sessions, err := s.UserSessions(gctx, userID)
		if err != nil {
			return err
		}
		export.Sessions = slices.DeleteFunc(sessions, func(sess Session) bool { return !sess.IsActive })
		return nil
	})
	g.Go(func() error {
		logs, err := s.audit.Query(gctx, audit.Filter{UserID: userID})
		export.AuditLogs = logs
		return err
	})
	g.Go(func() error {
		history, err := s.ComplianceHistory(gctx, userID)
		export.ComplianceHistory = history
		return err
	})
	if err := g.Wait(); err != nil {
		s.fail(ctx, userID, ActionDataExport, resourceCompliance, err, actorDetails(ctx, nil))
		return DataExport{}, fmt.Errorf("auth: gather export: %w", err)
	}

	rec, err := s.CreateComplianceRecord(ctx, userID, ComplianceDataExport, actorDetails(ctx, nil))
	if err != nil {
		return DataExport{}, err
	}
	if err := s.finishCompliance(ctx, &rec, ComplianceCompleted); err != nil {
		return DataExport{}, err
	}

	export.RecordID = rec.ID
	export.ExportedAt = s.now()
	export.Credential = CredentialSummary{
		Email:                u.Email,
		Roles:                u.Roles,
		IsActive:             u.IsActive,
		IsVerified:           u.IsVerified,
		TwoFactorEnabled:     u.TwoFactorEnabled,
		LastLoginAt:          u.LastLoginAt,
		LastPasswordChangeAt: u.LastPasswordChangeAt,
		CreatedAt:            u.CreatedAt,
	}
	s.record(ctx, audit.Entry{
		UserID:   userID,
		Action:   ActionDataExport,
		Resource: resourceCompliance,
		Details: actorDetails(ctx, map[string]any{
			"record_id":  rec.ID,
			"sessions":   len(export.Sessions),
			"audit_logs": len(export.AuditLogs),
		}),
		Success: true,
	})
	return export, nil
}

// ProcessDataDeletion revokes all sessions and soft-deletes the credential record.
// Repeated calls succeed and only add another compliance record.
func (s *Service) ProcessDataDeletion(ctx context.Context, userID string) (ComplianceRecord, error) {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	u, err := s.findUser(ctx, userID)
	if err != nil {
		s.fail(ctx, userID, ActionDataDeletion, resourceCompliance, err, actorDetails(ctx, nil))
		return ComplianceRecord{}, err
	}
	rec, err := s.CreateComplianceRecord(ctx, userID, ComplianceDataDeletion, actorDetails(ctx, nil))
	if err != nil {
		return ComplianceRecord{}, err
	}

	revoked, err := s.revokeUserSessions(ctx, userID, "data_deletion", "")
	if err == nil && u.IsActive {
		u.IsActive = false
		u.UpdatedAt = s.now()
		err = s.store.Credentials(ctx).Update(ctx, u)
	}
	if err != nil {
		if ferr := s.finishCompliance(ctx, &rec, ComplianceFailed); ferr != nil {
			err = fmt.Errorf("%w (mark failed: %v)", err, ferr)
		}
		s.fail(ctx, userID, ActionDataDeletion, resourceCompliance, err, map[string]any{"record_id": rec.ID})
		return rec, err
	}
	if err := s.finishCompliance(ctx, &rec, ComplianceCompleted); err != nil {
		return ComplianceRecord{}, err
	}
	s.record(ctx, audit.Entry{
		UserID:   userID,
		Action:   ActionDataDeletion,
		Resource: resourceCompliance,
		Details:  actorDetails(ctx, map[string]any{"record_id": rec.ID, "sessions_revoked": revoked}),
		Success:  true,
	})
	return rec, nil
}
