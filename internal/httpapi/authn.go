package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"learnhub.io/internal/audit"
	"learnhub.io/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var (
	errMissingToken = errors.New("missing bearer token")
	errBadScheme    = errors.New("invalid authorization scheme")
)

// withAuth resolves the bearer credential into a principal and applies the per-user API limit.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		sessionID, secret, err := auth.ParseBearerToken(token)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}

		ctx := r.Context()
		if _, ok := audit.ClientFromContext(ctx); !ok {
			ctx = audit.WithClient(ctx, clientIP(r), r.UserAgent())
		}
		principal, err := a.svc.ValidateSession(ctx, sessionID, secret)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		if err := a.svc.CheckRateLimit(ctx, auth.ScopeAPI, principal.User.ID); err != nil {
			if errors.Is(err, auth.ErrRateLimited) {
				w.Header().Set("Retry-After", strconv.Itoa(int(a.svc.Config().RateLimits.API.Window.Seconds())))
			}
			a.writeServiceError(w, r, err)
			return
		}

		ctx = auth.ContextWithPrincipal(ctx, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission rejects principals whose roles do not grant perm.
func requirePermission(perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
				return
			}
			if err := auth.Require(principal, perm); err != nil {
				writeError(w, r, http.StatusForbidden, "forbidden", "missing permission "+string(perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errBadScheme
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}
