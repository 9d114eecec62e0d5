// Package httpapi exposes auth.Service over a JSON REST API.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"learnhub.io/internal/auth"
	"learnhub.io/internal/obs"
)

// ReadyProbe is a readiness check, typically a database ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options tune the middleware chain.
type Options struct {
	Version      string
	CORSOrigins  []string
	IPRate       float64
	IPBurst      int
	Production   bool
	MaxBodyBytes int64

	// TrustedProxies are the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	svc        *auth.Service
	readyProbe ReadyProbe
	opts       Options
	validate   *validator.Validate
	router     chi.Router
}

func New(svc *auth.Service, rp ReadyProbe, opts Options) *API {
	if opts.IPRate <= 0 {
		opts.IPRate = 20
	}
	if opts.IPBurst <= 0 {
		opts.IPBurst = 40
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	a := &API{
		svc:        svc,
		readyProbe: rp,
		opts:       opts,
		validate:   validator.New(),
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		RequestID,
		RealIP(a.opts.TrustedProxies),
		ClientMeta,
		LoggingJSON,
		SecurityHeaders(a.opts.Production),
		CORS(a.opts.CORSOrigins),
		func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.opts.MaxBodyBytes) },
		func(next http.Handler) http.Handler { return RateLimit(next, a.opts.IPBurst, a.opts.IPRate) },
	)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1/auth", func(r chi.Router) {
		r.Post("/register", a.handleRegister)
		r.Post("/login", a.handleLogin)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/password/validate", a.handleValidatePassword)

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Get("/session", a.handleSession)
			r.Get("/sessions", a.handleSessions)
			r.Post("/logout", a.handleLogout)
			r.Post("/logout-all", a.handleLogoutAll)
			r.Post("/password", a.handleChangePassword)
			r.Post("/2fa", a.handleEnableTwoFactor)
			r.Post("/2fa/confirm", a.handleConfirmTwoFactor)
			r.Delete("/2fa", a.handleDisableTwoFactor)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)

		r.Route("/v1/users/{id}", func(r chi.Router) {
			r.With(requirePermission(auth.PermUserRead)).Get("/permissions", a.handleUserPermissions)
			r.With(requirePermission(auth.PermUserManageRoles)).Post("/roles", a.handleAssignRole)
			r.With(requirePermission(auth.PermUserManageRoles)).Delete("/roles/{role}", a.handleRemoveRole)
			r.With(requirePermission(auth.PermUserUpdate)).Post("/unlock", a.handleUnlock)
			r.With(requirePermission(auth.PermUserDelete)).Post("/deactivate", a.handleDeactivate)
		})

		r.With(requirePermission(auth.PermAuditRead)).Get("/v1/audit", a.handleAuditLogs)

		r.Route("/v1/compliance/{id}", func(r chi.Router) {
			r.Use(requirePermission(auth.PermComplianceManage))
			r.Get("/", a.handleComplianceHistory)
			r.Post("/export", a.handleDataExport)
			r.Post("/deletion", a.handleDataDeletion)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "learnhub-authd",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "learnhub-authd",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}
