package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"learnhub.io/internal/auth"
)

type assignRoleRequest struct {
	Role string `json:"role" validate:"required,max=64"`
}

type userRolesResponse struct {
	UserID      string            `json:"user_id"`
	Roles       []auth.Role       `json:"roles"`
	Permissions []auth.Permission `json:"permissions"`
}

func (a *API) userRoles(w http.ResponseWriter, r *http.Request, userID string) {
	user, err := a.svc.User(r.Context(), userID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userRolesResponse{
		UserID:      user.ID,
		Roles:       user.Roles,
		Permissions: user.Permissions,
	})
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	a.userRoles(w, r, chi.URLParam(r, "id"))
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if !a.bind(w, r, &req) {
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	userID := chi.URLParam(r, "id")
	if err := a.svc.AssignRole(r.Context(), userID, role); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.userRoles(w, r, userID)
}

func (a *API) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	role, err := auth.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	userID := chi.URLParam(r, "id")
	if err := a.svc.RemoveRole(r.Context(), userID, role); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.userRoles(w, r, userID)
}

func (a *API) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.UnlockAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeactivateAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
