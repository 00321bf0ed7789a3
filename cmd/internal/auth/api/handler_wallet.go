package authapi

import (
	"net/http"

	"vdid/cmd/internal/auth/wallet"
)

func (h *Handler) handleWalletNonce(w http.ResponseWriter, r *http.Request) {
	var req walletNonceRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.wallet.Nonce(r.Context(), req.Address, req.ChainID)
	if err != nil {
		h.writeServiceError(w, r, "auth.wallet.nonce", err)
		return
	}
	writeJSON(w, http.StatusOK, walletNonceResponse{
		Address:   res.Address,
		Nonce:     res.Nonce,
		Message:   res.Message,
		ExpiresAt: res.ExpiresAt,
	})
}

func (h *Handler) handleWalletVerify(w http.ResponseWriter, r *http.Request) {
	var req walletVerifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	dev := h.device(r, req.clientHints)
	res, err := h.wallet.Authenticate(r.Context(), wallet.VerifyInput{
		Address:   req.Address,
		Signature: req.Signature,
		Message:   req.Message,
		ChainID:   req.ChainID,
		ENSName:   req.ENSName,
		Device:    dev,
	})
	if err != nil {
		h.writeServiceError(w, r, "auth.wallet.verify", err)
		return
	}
	h.issueResponse(w, http.StatusOK, "auth.wallet.verify", res.Principal, res.Issued, dev, res.IsNewUser)
}

func (h *Handler) handleWalletLink(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req walletVerifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	bound, err := h.wallet.Link(r.Context(), claims.PrincipalID, wallet.VerifyInput{
		Address:   req.Address,
		Signature: req.Signature,
		Message:   req.Message,
		ChainID:   req.ChainID,
		ENSName:   req.ENSName,
		Device:    h.device(r, req.clientHints),
	})
	if err != nil {
		h.writeServiceError(w, r, "auth.wallet.link", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"wallet": toWalletResponse(bound)})
}

func (h *Handler) handleWalletChains(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"chains":         wallet.Chains(),
		"defaultChainId": wallet.DefaultChainID,
	})
}

func (h *Handler) handleWalletList(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	list, err := h.wallet.Wallets(r.Context(), claims.PrincipalID)
	if err != nil {
		h.writeServiceError(w, r, "auth.wallet.list", err)
		return
	}
	out := make([]walletResponse, 0, len(list))
	for _, wi := range list {
		out = append(out, toWalletResponse(wi))
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": out})
}

func (h *Handler) handleWalletDelete(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if err := h.wallet.Unbind(r.Context(), claims.PrincipalID, r.PathValue("address")); err != nil {
		h.writeServiceError(w, r, "auth.wallet.unbind", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
