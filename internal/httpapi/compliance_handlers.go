package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"learnhub.io/internal/audit"
)

// parseAuditFilter reads user_id, action, resource, start, end (RFC 3339) and success.
func parseAuditFilter(r *http.Request) (audit.Filter, string) {
	q := r.URL.Query()
	f := audit.Filter{
		UserID:   q.Get("user_id"),
		Action:   q.Get("action"),
		Resource: q.Get("resource"),
	}
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, "start must be an RFC 3339 timestamp"
		}
		f.Start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, "end must be an RFC 3339 timestamp"
		}
		f.End = t
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, "success must be a boolean"
		}
		f.Success = &b
	}
	return f, ""
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	filter, problem := parseAuditFilter(r)
	if problem != "" {
		writeError(w, r, http.StatusBadRequest, "invalid_filter", problem)
		return
	}
	entries, err := a.svc.GetAuditLogs(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleComplianceHistory(w http.ResponseWriter, r *http.Request) {
	records, err := a.svc.ComplianceHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (a *API) handleDataExport(w http.ResponseWriter, r *http.Request) {
	export, err := a.svc.ProcessDataExport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

func (a *API) handleDataDeletion(w http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.ProcessDataDeletion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
