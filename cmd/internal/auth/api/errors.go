package authapi

import (
	"context"
	"errors"
	"net/http"

	"vdid/cmd/identity"
	"vdid/cmd/internal/auth/session"
)

// writeServiceError maps service errors onto the HTTP error contract.
// Authentication failures are deliberately generic.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, event string, err error) {
	if fe, ok := identity.AsFieldError(err); ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: apiError{Code: "invalid_request", Message: fe.Reason, Field: fe.Field}})
		return
	}
	switch {
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
	// Unknown principals, sessions and credentials look like failed authentication.
	case identity.IsUnauthenticated(err), identity.IsNotFound(err), session.IsAuthFailure(err):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "authentication failed")
	case identity.IsNotActive(err):
		writeError(w, http.StatusForbidden, "account_not_active", "account is not active")
	case identity.IsConflict(err):
		field, _ := identity.ConflictField(err)
		msg := "already exists"
		if field == "last_auth_method" {
			msg = "cannot remove the last authentication method"
		}
		writeJSON(w, http.StatusConflict, errorResponse{Error: apiError{Code: "conflict", Message: msg, Field: field}})
	case identity.IsForbidden(err):
		writeError(w, http.StatusForbidden, "forbidden", "forbidden")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
	default:
		h.log.Error(event+".fail", "err", err, "path", r.URL.Path)
		e := apiError{Code: "server_error", Message: "internal error"}
		if h.cfg.ExposeErrorDetail {
			e.Detail = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: e})
	}
}
