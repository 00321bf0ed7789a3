package authapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"vdid/cmd/identity"
	"vdid/cmd/internal/auth/audit"
	"vdid/cmd/internal/auth/local"
	"vdid/cmd/internal/auth/session"
)

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	dev := h.device(r, req.clientHints)
	res, err := h.local.Register(r.Context(), local.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Device:   dev,
	})
	if err != nil {
		h.writeServiceError(w, r, "auth.register", err)
		return
	}
	h.issueResponse(w, http.StatusCreated, "auth.register", res.Principal, res.Issued, dev, true)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" {
		identifier = strings.TrimSpace(req.Email)
	}
	dev := h.device(r, req.clientHints)
	res, err := h.local.Login(r.Context(), local.LoginInput{
		Identifier: identifier,
		Password:   req.Password,
		Device:     dev,
	})
	if err != nil {
		h.writeServiceError(w, r, "auth.login", err)
		return
	}
	h.issueResponse(w, http.StatusOK, "auth.login", res.Principal, res.Issued, dev, false)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}
	refreshToken := strings.TrimSpace(req.RefreshToken)
	fromCookie := false
	if cookieToken, ok := h.refreshTokenFromCookie(r); ok {
		fromCookie = true
		if refreshToken == "" {
			refreshToken = cookieToken
		}
	}
	if refreshToken == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: apiError{Code: "invalid_request", Message: "refresh token is required", Field: "refreshToken"}})
		return
	}
	if fromCookie && !h.csrfDoubleSubmitValid(r) {
		writeError(w, http.StatusForbidden, "csrf_invalid", "missing or invalid csrf token")
		return
	}

	ctx := r.Context()
	now := h.now()
	dev := h.device(r, req.clientHints)

	issued, err := h.sessions.Refresh(ctx, now, refreshToken, dev, h.activeSubject)
	if err != nil {
		ev := audit.Event{
			Action:    audit.ActionRefresh,
			Method:    audit.MethodRefresh,
			IP:        dev.IP,
			UserAgent: dev.UserAgent,
			At:        now,
		}
		switch {
		case errors.Is(err, session.ErrRefreshReuseDetected):
			ev.Action = audit.ActionRefreshReuse
			ev.Reason = "reuse_detected"
			h.audit.Record(ctx, ev)
			h.clearWebSessionCookies(w)
			writeError(w, http.StatusUnauthorized, "refresh_reuse_detected", "refresh token reuse detected")
		case session.IsAuthFailure(err):
			ev.Reason = "session_not_active"
			h.audit.Record(ctx, ev)
			writeError(w, http.StatusUnauthorized, "session_not_active", "session not active")
		case identity.IsNotActive(err), identity.IsNotFound(err):
			ev.Reason = "principal_not_active"
			h.audit.Record(ctx, ev)
			h.writeServiceError(w, r, "auth.refresh", err)
		default:
			h.writeServiceError(w, r, "auth.refresh", err)
		}
		return
	}

	h.audit.Record(ctx, audit.Event{
		Action:    audit.ActionRefresh,
		Method:    audit.MethodRefresh,
		Success:   true,
		SessionID: issued.SessionID,
		IP:        dev.IP,
		UserAgent: dev.UserAgent,
		At:        now,
	})

	resp := refreshResponse{
		SessionID:        issued.SessionID,
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExp,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.RefreshExp,
	}
	if fromCookie || h.shouldUseWebCookieTransport(dev.Platform) {
		if _, err := h.setWebSessionCookies(w, issued.RefreshToken, issued.RefreshExp); err != nil {
			h.log.Error("auth.refresh.web_cookie.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		resp.RefreshToken = ""
	}
	writeJSON(w, http.StatusOK, resp)
}

// activeSubject refuses to rotate sessions of principals that may no longer sign in.
func (h *Handler) activeSubject(ctx context.Context, principalID string) (session.Subject, error) {
	const op = "authapi.activeSubject"

	p, err := h.principals.GetPrincipal(ctx, principalID)
	if err != nil {
		return session.Subject{}, err
	}
	if !p.Active() {
		return session.Subject{}, identity.OpError{Op: op, Kind: identity.ErrNotActive}
	}
	sub := session.Subject{PrincipalID: p.ID, VID: p.VID}
	if p.Email != nil {
		sub.Email = *p.Email
	}
	return sub, nil
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	now := h.now()
	if err := h.sessions.Logout(ctx, now, claims.SessionID); err != nil {
		h.writeServiceError(w, r, "auth.logout", err)
		return
	}
	h.audit.Record(ctx, audit.Event{
		Action:      audit.ActionLogout,
		Method:      audit.MethodRefresh,
		Success:     true,
		PrincipalID: claims.PrincipalID,
		SessionID:   claims.SessionID,
		IP:          clientIP(r, h.cfg.TrustProxy),
		UserAgent:   strings.TrimSpace(r.UserAgent()),
		At:          now,
	})
	h.clearWebSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	now := h.now()
	if err := h.sessions.LogoutAll(ctx, now, claims.PrincipalID); err != nil {
		h.writeServiceError(w, r, "auth.logout_all", err)
		return
	}
	h.audit.Record(ctx, audit.Event{
		Action:      audit.ActionLogoutAll,
		Method:      audit.MethodRefresh,
		Success:     true,
		PrincipalID: claims.PrincipalID,
		SessionID:   claims.SessionID,
		IP:          clientIP(r, h.cfg.TrustProxy),
		UserAgent:   strings.TrimSpace(r.UserAgent()),
		At:          now,
	})
	h.clearWebSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	p, err := h.principals.GetPrincipal(r.Context(), claims.PrincipalID)
	if err != nil {
		h.writeServiceError(w, r, "auth.me", err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: toUserResponse(p)})
}
