package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"learnhub.io/internal/auth"
)

type registerRequest struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,max=256"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
}

type loginRequest struct {
	Email         string `json:"email" validate:"required,email,max=254"`
	Password      string `json:"password" validate:"required,max=256"`
	TwoFactorCode string `json:"two_factor_code" validate:"max=32"`
	DeviceID      string `json:"device_id" validate:"max=128"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,max=256"`
}

type passwordRequest struct {
	Password string `json:"password" validate:"required,max=256"`
}

type twoFactorProofRequest struct {
	Password string `json:"password" validate:"required,max=256"`
	Code     string `json:"code" validate:"max=32"`
}

type twoFactorConfirmRequest struct {
	Code string `json:"code" validate:"required,max=32"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=256"`
	NewPassword     string `json:"new_password" validate:"required,max=256"`
}

// tokenResponse carries the bearer credential. AccessToken is "<session id>.<secret>".
type tokenResponse struct {
	TokenType        string       `json:"token_type"`
	AccessToken      string       `json:"access_token"`
	RefreshToken     string       `json:"refresh_token"`
	ExpiresAt        time.Time    `json:"expires_at"`
	RefreshExpiresAt time.Time    `json:"refresh_expires_at"`
	Session          auth.Session `json:"session"`
	User             auth.User    `json:"user"`
}

func newTokenResponse(res auth.AuthResult) tokenResponse {
	return tokenResponse{
		TokenType:        "Bearer",
		AccessToken:      auth.BearerToken(res.Session.ID, res.Tokens.AccessToken),
		RefreshToken:     res.Tokens.RefreshToken,
		ExpiresAt:        res.Tokens.ExpiresAt,
		RefreshExpiresAt: res.Tokens.RefreshExpiresAt,
		Session:          res.Session,
		User:             res.User,
	}
}

// allow applies a per-identity rate limit scope and answers 429 with the
// scope's window as Retry-After. It reports whether the request may proceed.
func (a *API) allow(w http.ResponseWriter, r *http.Request, scope, identity string, window time.Duration) bool {
	err := a.svc.CheckRateLimit(r.Context(), scope, identity)
	if err == nil {
		return true
	}
	if errors.Is(err, auth.ErrRateLimited) {
		w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
	}
	a.writeServiceError(w, r, err)
	return false
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.bind(w, r, &req) {
		return
	}
	if !a.allow(w, r, auth.ScopeRegister, clientIP(r), a.svc.Config().RateLimits.Register.Window) {
		return
	}
	user, err := a.svc.Register(r.Context(), auth.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.bind(w, r, &req) {
		return
	}
	res, err := a.svc.Login(r.Context(), auth.Credentials{
		Email:         req.Email,
		Password:      req.Password,
		TwoFactorCode: req.TwoFactorCode,
		DeviceID:      req.DeviceID,
	}, clientIP(r), r.UserAgent())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(res))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !a.bind(w, r, &req) {
		return
	}
	res, err := a.svc.RefreshSession(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(res))
}

func (a *API) handleValidatePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !a.bind(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, a.svc.ValidatePassword(req.Password))
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    p.User,
		"session": p.Session,
	})
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	sessions, err := a.svc.UserSessions(r.Context(), p.User.ID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := a.svc.RevokeSession(r.Context(), p.Session.ID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	n, err := a.svc.RevokeAllUserSessions(r.Context(), p.User.ID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !a.bind(w, r, &req) {
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if !a.allow(w, r, auth.ScopePasswordReset, p.User.ID, a.svc.Config().RateLimits.PasswordReset.Window) {
		return
	}
	if err := a.svc.ChangePassword(r.Context(), p.User.ID, req.CurrentPassword, req.NewPassword, p.Session.ID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEnableTwoFactor re-checks the password, so it shares the
// password_reset budget with handleChangePassword. So does disabling.
func (a *API) handleEnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req twoFactorProofRequest
	if !a.bind(w, r, &req) {
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if !a.allow(w, r, auth.ScopePasswordReset, p.User.ID, a.svc.Config().RateLimits.PasswordReset.Window) {
		return
	}
	enrollment, err := a.svc.EnableTwoFactor(r.Context(), p.User.ID, auth.TwoFactorProof{Password: req.Password, Code: req.Code})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enrollment)
}

func (a *API) handleConfirmTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req twoFactorConfirmRequest
	if !a.bind(w, r, &req) {
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	enrollment, err := a.svc.ConfirmTwoFactor(r.Context(), p.User.ID, req.Code)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

func (a *API) handleDisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req twoFactorProofRequest
	if !a.bind(w, r, &req) {
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if !a.allow(w, r, auth.ScopePasswordReset, p.User.ID, a.svc.Config().RateLimits.PasswordReset.Window) {
		return
	}
	if err := a.svc.DisableTwoFactor(r.Context(), p.User.ID, auth.TwoFactorProof{Password: req.Password, Code: req.Code}); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
