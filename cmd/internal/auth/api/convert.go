package authapi

import (
	"vdid/cmd/identity"
)

func toUserResponse(p identity.Principal) userResponse {
	return userResponse{
		ID:             p.ID,
		VID:            p.VID,
		DID:            p.DID,
		Email:          p.Email,
		WalletAddress:  p.WalletAddress,
		WalletVerified: p.WalletVerified,
		PasskeyEnabled: p.PasskeyEnabled,
		Scores:         p.Scores,
		TotalScore:     p.TotalScore,
		Level:          p.Level,
		Status:         p.Status,
		LastLoginAt:    p.LastLoginAt,
		CreatedAt:      p.CreatedAt,
	}
}

func toWalletResponse(w identity.WalletIdentity) walletResponse {
	return walletResponse{
		Address:    w.Address,
		ChainID:    w.ChainID,
		ChainName:  w.ChainName,
		ENSName:    w.ENSName,
		IsPrimary:  w.IsPrimary,
		VerifiedAt: w.VerifiedAt,
		LastUsedAt: w.LastUsedAt,
		CreatedAt:  w.CreatedAt,
	}
}

func toPasskeyResponse(pk identity.Passkey) passkeyResponse {
	transports := pk.Transports
	if transports == nil {
		transports = []string{}
	}
	return passkeyResponse{
		ID:           pk.ID,
		CredentialID: pk.CredentialID,
		DeviceName:   pk.DeviceName,
		Algorithm:    pk.Algorithm,
		Transports:   transports,
		SignCount:    pk.SignCount,
		UseCount:     pk.UseCount,
		LastUsedAt:   pk.LastUsedAt,
		CreatedAt:    pk.CreatedAt,
	}
}

func toHistoryResponse(e identity.ScoreHistoryEntry) scoreHistoryEntryResponse {
	return scoreHistoryEntryResponse{
		ID:            e.ID,
		ActionKey:     e.ActionKey,
		Category:      e.Category,
		Reason:        e.Reason,
		PreviousTotal: e.PreviousTotal,
		NewTotal:      e.NewTotal,
		Delta:         e.Delta,
		Snapshot:      e.Snapshot,
		LevelBefore:   e.LevelBefore,
		LevelAfter:    e.LevelAfter,
		LevelChanged:  e.LevelChanged,
		CreatedAt:     e.CreatedAt,
	}
}
