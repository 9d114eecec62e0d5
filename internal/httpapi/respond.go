package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"learnhub.io/internal/audit"
	"learnhub.io/internal/auth"
	"learnhub.io/internal/obs"
)

type errorResponse struct {
	Error       string     `json:"error"`
	Code        string     `json:"code"`
	RequestID   string     `json:"request_id,omitempty"`
	Violations  []string   `json:"violations,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// bind decodes the body into dst and runs its validate tags. It writes the 400 itself.
func (a *API) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:      "validation failed",
				Code:       "validation_failed",
				RequestID:  RequestIDFromContext(r.Context()),
				Violations: msgs,
			})
			return false
		}
		writeError(w, r, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "max":
		return field + " must be at most " + fe.Param() + " characters"
	default:
		return field + " failed " + fe.Tag() + " validation"
	}
}

// writeServiceError maps auth and audit errors to HTTP responses.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		locked *auth.LockedError
		policy *auth.PolicyError
	)
	switch {
	case errors.As(err, &locked):
		until := locked.Until.UTC()
		writeJSON(w, http.StatusLocked, errorResponse{
			Error:       "account locked",
			Code:        "account_locked",
			RequestID:   RequestIDFromContext(r.Context()),
			LockedUntil: &until,
		})
	case errors.As(err, &policy):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:      "password does not meet policy",
			Code:       "password_policy",
			RequestID:  RequestIDFromContext(r.Context()),
			Violations: policy.Violations,
		})
	case errors.Is(err, auth.ErrRateLimited):
		if w.Header().Get("Retry-After") == "" {
			window := a.svc.Config().RateLimits.Login.Window
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
		}
		writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
	case errors.Is(err, auth.ErrTwoFactorRequired):
		writeError(w, r, http.StatusUnauthorized, "two_factor_required", "two-factor code required")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
	case errors.Is(err, auth.ErrSessionExpired):
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, r, http.StatusUnauthorized, "session_expired", "session expired")
	case errors.Is(err, auth.ErrSessionInvalid):
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, r, http.StatusUnauthorized, "session_invalid", "invalid session")
	case errors.Is(err, auth.ErrAccountDeactivated):
		writeError(w, r, http.StatusForbidden, "account_deactivated", "account deactivated")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, "forbidden", "insufficient permissions")
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "already_exists", "resource already exists")
	case errors.Is(err, auth.ErrUserNotFound), errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, audit.ErrInvalidFilter):
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
	default:
		obs.Log("error", "request failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}
