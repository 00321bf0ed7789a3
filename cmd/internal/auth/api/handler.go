package authapi

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"vdid/cmd/identity"
	"vdid/cmd/internal/auth/audit"
	"vdid/cmd/internal/auth/local"
	"vdid/cmd/internal/auth/passkey"
	"vdid/cmd/internal/auth/session"
	"vdid/cmd/internal/auth/wallet"
	"vdid/cmd/internal/score"
)

// Handler wires HTTP endpoints to the identity, session and reputation services.
type Handler struct {
	log *slog.Logger
	cfg Config

	principals identity.PrincipalStore
	sessions   *session.Service
	local      *local.Service
	wallet     *wallet.Service
	passkeys   *passkey.Service
	scores     *score.Engine
	audit      audit.Recorder

	now func() time.Time
}

// Deps are the services behind the HTTP surface. All but Audit and Now are required.
type Deps struct {
	Principals identity.PrincipalStore
	Sessions   *session.Service
	Local      *local.Service
	Wallet     *wallet.Service
	Passkeys   *passkey.Service
	Scores     *score.Engine
	Audit      audit.Recorder
	Now        func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, d Deps) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	switch {
	case d.Principals == nil:
		return nil, errors.New("authapi: nil principal store")
	case d.Sessions == nil:
		return nil, errors.New("authapi: nil session service")
	case d.Local == nil:
		return nil, errors.New("authapi: nil password service")
	case d.Wallet == nil:
		return nil, errors.New("authapi: nil wallet service")
	case d.Passkeys == nil:
		return nil, errors.New("authapi: nil passkey service")
	case d.Scores == nil:
		return nil, errors.New("authapi: nil score engine")
	}

	h := &Handler{
		log:        log,
		cfg:        cfg,
		principals: d.Principals,
		sessions:   d.Sessions,
		local:      d.Local,
		wallet:     d.Wallet,
		passkeys:   d.Passkeys,
		scores:     d.Scores,
		audit:      d.Audit,
		now:        d.Now,
	}
	if h.audit == nil {
		h.audit = audit.NewLogRecorder(log)
	}
	if h.now == nil {
		h.now = func() time.Time { return time.Now().UTC() }
	}
	return h, nil
}

// Register wires routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /auth/register", h.handleRegister)
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.HandleFunc("POST /auth/refresh", h.handleRefresh)
	mux.HandleFunc("POST /auth/logout", h.handleLogout)
	mux.HandleFunc("POST /auth/logout_all", h.handleLogoutAll)
	mux.HandleFunc("GET /me", h.handleMe)

	mux.HandleFunc("POST /auth/wallet/nonce", h.handleWalletNonce)
	mux.HandleFunc("POST /auth/wallet/verify", h.handleWalletVerify)
	mux.HandleFunc("POST /auth/wallet/link", h.handleWalletLink)
	mux.HandleFunc("GET /auth/wallet/chains", h.handleWalletChains)
	mux.HandleFunc("GET /auth/wallets", h.handleWalletList)
	mux.HandleFunc("DELETE /auth/wallets/{address}", h.handleWalletDelete)

	mux.HandleFunc("POST /auth/passkey/register/options", h.handlePasskeyRegisterOptions)
	mux.HandleFunc("POST /auth/passkey/register/verify", h.handlePasskeyRegisterVerify)
	mux.HandleFunc("POST /auth/passkey/login/options", h.handlePasskeyLoginOptions)
	mux.HandleFunc("POST /auth/passkey/login/verify", h.handlePasskeyLoginVerify)
	mux.HandleFunc("GET /auth/passkeys", h.handlePasskeyList)
	mux.HandleFunc("DELETE /auth/passkeys/{credentialID}", h.handlePasskeyDelete)

	mux.HandleFunc("POST /score/claim", h.handleScoreClaim)
	mux.HandleFunc("GET /score/summary", h.handleScoreSummary)
	mux.HandleFunc("GET /score/history", h.handleScoreHistory)
	mux.HandleFunc("GET /score/actions", h.handleScoreActions)
}

// SessionService returns the underlying session service.
func (h *Handler) SessionService() *session.Service {
	if h == nil {
		return nil
	}
	return h.sessions
}

// requireAuth resolves the bearer token. A request without credentials is
// forbidden; a request with a bad or revoked token is unauthenticated.
func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.AccessClaims, bool) {
	tok := bearerToken(r)
	if tok == "" {
		writeError(w, http.StatusForbidden, "forbidden", "missing bearer token")
		return session.AccessClaims{}, false
	}
	now := h.now()
	claims, err := h.sessions.VerifyAccess(r.Context(), tok, now)
	if err != nil {
		if !session.IsAuthFailure(err) {
			h.log.Error("auth.access.verify.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return session.AccessClaims{}, false
		}
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return session.AccessClaims{}, false
	}
	if err := h.sessions.Touch(r.Context(), now, claims.SessionID); err != nil {
		h.log.Warn("auth.session.touch.fail", "err", err, "session_id", claims.SessionID)
	}
	return claims, true
}

// issueResponse renders a fresh session. Web clients get the refresh token as
// an HttpOnly cookie instead of in the body.
func (h *Handler) issueResponse(w http.ResponseWriter, status int, event string, p identity.Principal, issued session.Issued, dev session.DeviceContext, isNew bool) {
	resp := authResponse{
		User:             toUserResponse(p),
		SessionID:        issued.SessionID,
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExp,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.RefreshExp,
		IsNewUser:        isNew,
	}
	if h.shouldUseWebCookieTransport(dev.Platform) {
		if _, err := h.setWebSessionCookies(w, issued.RefreshToken, issued.RefreshExp); err != nil {
			h.log.Error(event+".web_cookie.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		resp.RefreshToken = ""
	}
	writeJSON(w, status, resp)
}

func (h *Handler) device(r *http.Request, hints clientHints) session.DeviceContext {
	return session.DeviceContext{
		Platform:  session.ParsePlatform(hints.Platform),
		UserAgent: strings.TrimSpace(r.UserAgent()),
		IP:        clientIP(r, h.cfg.TrustProxy),
	}
}

// decode reads a JSON body and writes the 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for _, p := range parts {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
