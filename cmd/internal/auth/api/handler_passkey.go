package authapi

import (
	"net/http"

	"github.com/go-webauthn/webauthn/protocol"

	"vdid/cmd/internal/auth/passkey"
)

func (h *Handler) handlePasskeyRegisterOptions(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	opts, err := h.passkeys.RegistrationOptions(r.Context(), claims.PrincipalID)
	if err != nil {
		h.writeServiceError(w, r, "auth.passkey.register.options", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.CredentialCreation{Response: opts})
}

func (h *Handler) handlePasskeyRegisterVerify(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req passkeyRegisterVerifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	pk, err := h.passkeys.VerifyRegistration(r.Context(), claims.PrincipalID, passkey.RegistrationInput{
		CredentialID:      req.ID,
		ClientDataJSON:    req.Response.ClientDataJSON,
		AuthenticatorData: req.Response.AuthenticatorData,
		PublicKey:         req.Response.PublicKey,
		Algorithm:         req.Response.PublicKeyAlgorithm,
		Transports:        req.Response.Transports,
		DeviceName:        req.DeviceName,
		Device:            h.device(r, clientHints{}),
	})
	if err != nil {
		h.writeServiceError(w, r, "auth.passkey.register", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"passkey": toPasskeyResponse(pk)})
}

func (h *Handler) handlePasskeyLoginOptions(w http.ResponseWriter, r *http.Request) {
	var req passkeyLoginOptionsRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}
	opts, err := h.passkeys.AuthenticationOptions(r.Context(), req.Identifier)
	if err != nil {
		h.writeServiceError(w, r, "auth.passkey.login.options", err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (h *Handler) handlePasskeyLoginVerify(w http.ResponseWriter, r *http.Request) {
	var req passkeyLoginVerifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	dev := h.device(r, req.clientHints)
	res, err := h.passkeys.VerifyAuthentication(r.Context(), passkey.AssertionInput{
		CredentialID:      req.ID,
		ClientDataJSON:    req.Response.ClientDataJSON,
		AuthenticatorData: req.Response.AuthenticatorData,
		Signature:         req.Response.Signature,
		UserHandle:        req.Response.UserHandle,
		CeremonyID:        req.CeremonyID,
		Device:            dev,
	})
	if err != nil {
		h.writeServiceError(w, r, "auth.passkey.login", err)
		return
	}
	h.issueResponse(w, http.StatusOK, "auth.passkey.login", res.Principal, res.Issued, dev, false)
}

func (h *Handler) handlePasskeyList(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	list, err := h.passkeys.List(r.Context(), claims.PrincipalID)
	if err != nil {
		h.writeServiceError(w, r, "auth.passkey.list", err)
		return
	}
	out := make([]passkeyResponse, 0, len(list))
	for _, pk := range list {
		out = append(out, toPasskeyResponse(pk))
	}
	writeJSON(w, http.StatusOK, map[string]any{"passkeys": out})
}

func (h *Handler) handlePasskeyDelete(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if err := h.passkeys.Delete(r.Context(), claims.PrincipalID, r.PathValue("credentialID")); err != nil {
		h.writeServiceError(w, r, "auth.passkey.delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
