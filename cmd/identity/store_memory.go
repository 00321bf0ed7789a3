package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"vdid/cmd/identity/ids"
	"vdid/cmd/vscore"
)

// MemoryStore is an in-process Store used by the dev server and by tests.
// All methods take a single mutex; returned values are copies.
type MemoryStore struct {
	mu sync.Mutex

	principals map[string]*Principal
	byEmail    map[string]string
	byVID      map[string]string
	byDID      map[string]string

	wallets  map[string]*WalletIdentity // AddressKey -> wallet
	passkeys map[string]*Passkey        // credential id -> passkey
	history  map[string][]ScoreHistoryEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals: make(map[string]*Principal),
		byEmail:    make(map[string]string),
		byVID:      make(map[string]string),
		byDID:      make(map[string]string),
		wallets:    make(map[string]*WalletIdentity),
		passkeys:   make(map[string]*Passkey),
		history:    make(map[string][]ScoreHistoryEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreatePrincipal(ctx context.Context, in CreatePrincipalInput) (Principal, error) {
	const op = "identity.CreatePrincipal"

	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	p, w, err := preparePrincipal(op, in)
	if err != nil {
		return Principal{}, err
	}
	seed, err := prepareSeed(op, &p, in.InitialScore)
	if err != nil {
		return Principal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byVID[p.VID]; ok {
		return Principal{}, ConflictError{Op: op, Field: "vid"}
	}
	if p.DID != nil {
		if _, ok := s.byDID[*p.DID]; ok {
			return Principal{}, ConflictError{Op: op, Field: "did"}
		}
	}
	if p.EmailNorm != nil {
		if _, ok := s.byEmail[*p.EmailNorm]; ok {
			return Principal{}, ConflictError{Op: op, Field: "email"}
		}
	}
	if w != nil {
		if _, ok := s.wallets[AddressKey(w.Address)]; ok {
			return Principal{}, ConflictError{Op: op, Field: "wallet_address"}
		}
	}

	s.principals[p.ID] = &p
	s.byVID[p.VID] = p.ID
	if p.DID != nil {
		s.byDID[*p.DID] = p.ID
	}
	if p.EmailNorm != nil {
		s.byEmail[*p.EmailNorm] = p.ID
	}
	if w != nil {
		wc := *w
		s.wallets[AddressKey(w.Address)] = &wc
	}
	if seed != nil {
		s.history[p.ID] = append(s.history[p.ID], *seed)
	}
	return p, nil
}

func (s *MemoryStore) GetPrincipal(ctx context.Context, id string) (Principal, error) {
	const op = "identity.GetPrincipal"
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[strings.TrimSpace(id)]
	if !ok {
		return Principal{}, NotFoundError{Op: op, Resource: "principal"}
	}
	return *p, nil
}

func (s *MemoryStore) GetPrincipalByEmail(ctx context.Context, email string) (Principal, error) {
	const op = "identity.GetPrincipalByEmail"
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return Principal{}, NotFoundError{Op: op, Resource: "principal"}
	}
	return *s.principals[id], nil
}

func (s *MemoryStore) GetPrincipalByVID(ctx context.Context, vid string) (Principal, error) {
	const op = "identity.GetPrincipalByVID"
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byVID[strings.TrimSpace(vid)]
	if !ok {
		return Principal{}, NotFoundError{Op: op, Resource: "principal"}
	}
	return *s.principals[id], nil
}

func (s *MemoryStore) TouchLogin(ctx context.Context, principalID string, now time.Time) error {
	const op = "identity.TouchLogin"
	if err := ctx.Err(); err != nil {
		return err
	}
	now = nowOr(now)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalID]
	if !ok {
		return NotFoundError{Op: op, Resource: "principal"}
	}
	p.LastLoginAt = &now
	p.UpdatedAt = now
	return nil
}

func (s *MemoryStore) SetPasswordHash(ctx context.Context, principalID, hash string, now time.Time) error {
	const op = "identity.SetPasswordHash"
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(hash) == "" {
		return Invalid(op, "empty password hash")
	}
	now = nowOr(now)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalID]
	if !ok {
		return NotFoundError{Op: op, Resource: "principal"}
	}
	p.PasswordHash = &hash
	p.UpdatedAt = now
	return nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, principalID string, status Status, now time.Time) error {
	const op = "identity.SetStatus"
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Valid() {
		return Invalid(op, "unknown status")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalID]
	if !ok {
		return NotFoundError{Op: op, Resource: "principal"}
	}
	p.Status = status
	p.UpdatedAt = nowOr(now)
	return nil
}

func (s *MemoryStore) AddWallet(ctx context.Context, w WalletIdentity) (WalletIdentity, error) {
	const op = "identity.AddWallet"
	if err := ctx.Err(); err != nil {
		return WalletIdentity{}, err
	}
	w, err := prepareWallet(op, w)
	if err != nil {
		return WalletIdentity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[w.PrincipalID]
	if !ok {
		return WalletIdentity{}, NotFoundError{Op: op, Resource: "principal"}
	}
	key := AddressKey(w.Address)
	if _, ok := s.wallets[key]; ok {
		return WalletIdentity{}, ConflictError{Op: op, Field: "wallet_address"}
	}
	w.IsPrimary = len(s.walletsOfLocked(w.PrincipalID)) == 0
	wc := w
	s.wallets[key] = &wc
	if w.IsPrimary {
		addr := w.Address
		p.WalletAddress = &addr
	}
	p.WalletVerified = true
	p.UpdatedAt = w.CreatedAt
	return w, nil
}

func (s *MemoryStore) GetWalletByAddress(ctx context.Context, address string) (WalletIdentity, error) {
	const op = "identity.GetWalletByAddress"
	if err := ctx.Err(); err != nil {
		return WalletIdentity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[AddressKey(address)]
	if !ok {
		return WalletIdentity{}, NotFoundError{Op: op, Resource: "wallet"}
	}
	return *w, nil
}

func (s *MemoryStore) ListWallets(ctx context.Context, principalID string) ([]WalletIdentity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walletsOfLocked(principalID), nil
}

func (s *MemoryStore) RecordWalletLogin(ctx context.Context, address, signature, nonce string, now time.Time) error {
	const op = "identity.RecordWalletLogin"
	if err := ctx.Err(); err != nil {
		return err
	}
	now = nowOr(now)
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[AddressKey(address)]
	if !ok {
		return NotFoundError{Op: op, Resource: "wallet"}
	}
	w.Signature = signature
	w.VerifiedAt = now
	w.LastUsedAt = &now
	if nonce != "" {
		n := nonce
		w.LastNonce = &n
	}
	w.NonceExpiresAt = nil
	return nil
}

func (s *MemoryStore) DeleteWallet(ctx context.Context, principalID, address string, now time.Time) error {
	const op = "identity.DeleteWallet"
	if err := ctx.Err(); err != nil {
		return err
	}
	now = nowOr(now)
	s.mu.Lock()
	defer s.mu.Unlock()

	key := AddressKey(address)
	w, ok := s.wallets[key]
	if !ok || w.PrincipalID != principalID {
		return NotFoundError{Op: op, Resource: "wallet"}
	}
	p := s.principals[principalID]

	remaining := 0
	for _, other := range s.walletsOfLocked(principalID) {
		if AddressKey(other.Address) != key {
			remaining++
		}
	}
	if remaining == 0 && !p.HasPassword() && s.activePasskeysLocked(principalID) == 0 {
		return LastAuthMethodConflict(op)
	}

	wasPrimary := w.IsPrimary
	delete(s.wallets, key)

	if remaining == 0 {
		p.WalletAddress = nil
		p.WalletVerified = false
	} else if wasPrimary {
		next := s.walletsOfLocked(principalID)[0]
		nw := s.wallets[AddressKey(next.Address)]
		nw.IsPrimary = true
		addr := nw.Address
		p.WalletAddress = &addr
	}
	p.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CreatePasskey(ctx context.Context, pk Passkey) (Passkey, error) {
	const op = "identity.CreatePasskey"
	if err := ctx.Err(); err != nil {
		return Passkey{}, err
	}
	pk, err := preparePasskey(op, pk)
	if err != nil {
		return Passkey{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[pk.PrincipalID]
	if !ok {
		return Passkey{}, NotFoundError{Op: op, Resource: "principal"}
	}
	if _, ok := s.passkeys[pk.CredentialID]; ok {
		return Passkey{}, ConflictError{Op: op, Field: "credential_id"}
	}
	pc := clonePasskey(pk)
	s.passkeys[pk.CredentialID] = &pc
	p.PasskeyEnabled = true
	p.UpdatedAt = pk.CreatedAt
	return clonePasskey(pk), nil
}

func (s *MemoryStore) GetPasskeyByCredentialID(ctx context.Context, credentialID string) (Passkey, error) {
	const op = "identity.GetPasskeyByCredentialID"
	if err := ctx.Err(); err != nil {
		return Passkey{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pk, ok := s.passkeys[credentialID]
	if !ok {
		return Passkey{}, NotFoundError{Op: op, Resource: "passkey"}
	}
	return clonePasskey(*pk), nil
}

func (s *MemoryStore) ListPasskeys(ctx context.Context, principalID string) ([]Passkey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Passkey
	for _, pk := range s.passkeys {
		if pk.PrincipalID == principalID {
			out = append(out, clonePasskey(*pk))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RecordPasskeyUse(ctx context.Context, credentialID string, prev, next uint32, now time.Time) error {
	const op = "identity.RecordPasskeyUse"
	if err := ctx.Err(); err != nil {
		return err
	}
	now = nowOr(now)
	s.mu.Lock()
	defer s.mu.Unlock()
	pk, ok := s.passkeys[credentialID]
	if !ok || !pk.Active {
		return NotFoundError{Op: op, Resource: "passkey"}
	}
	if pk.SignCount != prev {
		return OpError{Op: op, Kind: ErrStale, Msg: "sign counter changed"}
	}
	pk.SignCount = next
	pk.UseCount++
	pk.LastUsedAt = &now
	return nil
}

func (s *MemoryStore) DeletePasskey(ctx context.Context, principalID, credentialID string, now time.Time) error {
	const op = "identity.DeletePasskey"
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pk, ok := s.passkeys[credentialID]
	if !ok || pk.PrincipalID != principalID {
		return NotFoundError{Op: op, Resource: "passkey"}
	}
	p := s.principals[principalID]

	remaining := s.activePasskeysLocked(principalID)
	if pk.Active {
		remaining--
	}
	if remaining == 0 && !p.HasPassword() && len(s.walletsOfLocked(principalID)) == 0 {
		return LastAuthMethodConflict(op)
	}

	delete(s.passkeys, credentialID)
	p.PasskeyEnabled = remaining > 0
	p.UpdatedAt = nowOr(now)
	return nil
}

func (s *MemoryStore) ApplyScore(ctx context.Context, expected vscore.Scores, entry ScoreHistoryEntry) (ScoreHistoryEntry, error) {
	const op = "identity.ApplyScore"
	if err := ctx.Err(); err != nil {
		return ScoreHistoryEntry{}, err
	}
	entry, err := prepareHistoryEntry(op, entry)
	if err != nil {
		return ScoreHistoryEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[entry.PrincipalID]
	if !ok {
		return ScoreHistoryEntry{}, NotFoundError{Op: op, Resource: "principal"}
	}
	if p.Scores != expected {
		return ScoreHistoryEntry{}, OpError{Op: op, Kind: ErrStale, Msg: "scores changed"}
	}

	p.Scores = entry.Snapshot
	p.TotalScore = entry.NewTotal
	p.Level = entry.LevelAfter
	p.UpdatedAt = entry.CreatedAt
	s.history[entry.PrincipalID] = append(s.history[entry.PrincipalID], entry)
	return entry, nil
}

func (s *MemoryStore) ListScoreHistory(ctx context.Context, principalID string, since time.Time, limit int) ([]ScoreHistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampHistoryLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.history[principalID]
	out := make([]ScoreHistoryEntry, 0, min(limit, len(h)))
	for i := len(h) - 1; i >= 0 && len(out) < limit; i-- {
		if h[i].CreatedAt.Before(since) {
			continue
		}
		out = append(out, h[i])
	}
	return out, nil
}

// walletsOfLocked returns the principal's wallets, primary first then oldest first.
func (s *MemoryStore) walletsOfLocked(principalID string) []WalletIdentity {
	var out []WalletIdentity
	for _, w := range s.wallets {
		if w.PrincipalID == principalID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) activePasskeysLocked(principalID string) int {
	n := 0
	for _, pk := range s.passkeys {
		if pk.PrincipalID == principalID && pk.Active {
			n++
		}
	}
	return n
}

// ---- shared validation (memory + postgres) ----

func preparePrincipal(op string, in CreatePrincipalInput) (Principal, *WalletIdentity, error) {
	now := nowOr(in.Now)

	vid := strings.TrimSpace(in.VID)
	if !ids.ValidateVID(vid) {
		return Principal{}, nil, FieldError{Op: op, Field: "vid", Reason: "malformed"}
	}

	var did *string
	if in.DID != nil {
		d := strings.TrimSpace(*in.DID)
		if !ids.ValidDID(d) {
			return Principal{}, nil, FieldError{Op: op, Field: "did", Reason: "malformed"}
		}
		did = &d
	}

	var email, emailNorm *string
	if in.Email != nil && strings.TrimSpace(*in.Email) != "" {
		n, err := ValidateEmail(op, *in.Email)
		if err != nil {
			return Principal{}, nil, err
		}
		raw := strings.TrimSpace(*in.Email)
		email, emailNorm = &raw, &n
	}

	id, err := NewULID(now)
	if err != nil {
		return Principal{}, nil, err
	}

	p := Principal{
		ID:           id,
		VID:          vid,
		DID:          did,
		Email:        email,
		EmailNorm:    emailNorm,
		PasswordHash: trimPtr(in.PasswordHash),
		Level:        vscore.LevelFor(0),
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var w *WalletIdentity
	if in.Wallet != nil {
		wi := *in.Wallet
		wi.PrincipalID = id
		if wi.CreatedAt.IsZero() {
			wi.CreatedAt = now
		}
		wi, err = prepareWallet(op, wi)
		if err != nil {
			return Principal{}, nil, err
		}
		wi.IsPrimary = true
		w = &wi
		addr := wi.Address
		p.WalletAddress = &addr
		p.WalletVerified = true
	}

	if !p.Usable() {
		return Principal{}, nil, Invalid(op, "principal needs at least one authentication method")
	}
	return p, w, nil
}

// prepareSeed validates an initial score entry against the zero state and folds it into p.
func prepareSeed(op string, p *Principal, seed *ScoreHistoryEntry) (*ScoreHistoryEntry, error) {
	if seed == nil {
		return nil, nil
	}
	e := *seed
	e.PrincipalID = p.ID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = p.CreatedAt
	}
	if e.PreviousTotal != 0 || e.LevelBefore != p.Level {
		return nil, Invalid(op, "initial score must start from zero")
	}
	e, err := prepareHistoryEntry(op, e)
	if err != nil {
		return nil, err
	}
	p.Scores = e.Snapshot
	p.TotalScore = e.NewTotal
	p.Level = e.LevelAfter
	return &e, nil
}

func prepareWallet(op string, w WalletIdentity) (WalletIdentity, error) {
	if strings.TrimSpace(w.PrincipalID) == "" {
		return WalletIdentity{}, Invalid(op, "missing principal_id")
	}
	addr, err := NormalizeAddress(op, w.Address)
	if err != nil {
		return WalletIdentity{}, err
	}
	w.Address = addr
	w.CreatedAt = nowOr(w.CreatedAt)
	if w.VerifiedAt.IsZero() {
		w.VerifiedAt = w.CreatedAt
	}
	if w.ID == "" {
		id, err := NewULID(w.CreatedAt)
		if err != nil {
			return WalletIdentity{}, err
		}
		w.ID = id
	}
	w.ENSName = trimPtr(w.ENSName)
	return w, nil
}

func preparePasskey(op string, pk Passkey) (Passkey, error) {
	if strings.TrimSpace(pk.PrincipalID) == "" {
		return Passkey{}, Invalid(op, "missing principal_id")
	}
	if strings.TrimSpace(pk.CredentialID) == "" {
		return Passkey{}, FieldError{Op: op, Field: "credential_id", Reason: "required"}
	}
	if len(pk.PublicKey) == 0 {
		return Passkey{}, FieldError{Op: op, Field: "public_key", Reason: "required"}
	}
	pk.CreatedAt = nowOr(pk.CreatedAt)
	if pk.ID == "" {
		id, err := NewULID(pk.CreatedAt)
		if err != nil {
			return Passkey{}, err
		}
		pk.ID = id
	}
	pk.DeviceName = strings.TrimSpace(pk.DeviceName)
	pk.Active = true
	return pk, nil
}

func prepareHistoryEntry(op string, e ScoreHistoryEntry) (ScoreHistoryEntry, error) {
	if strings.TrimSpace(e.PrincipalID) == "" {
		return ScoreHistoryEntry{}, Invalid(op, "missing principal_id")
	}
	if e.Snapshot != e.Snapshot.Normalized() {
		return ScoreHistoryEntry{}, Invalid(op, "scores out of range")
	}
	if e.NewTotal != e.Snapshot.Total() {
		return ScoreHistoryEntry{}, Invalid(op, "total does not match scores")
	}
	e.CreatedAt = nowOr(e.CreatedAt)
	if e.ID == "" {
		id, err := NewULID(e.CreatedAt)
		if err != nil {
			return ScoreHistoryEntry{}, err
		}
		e.ID = id
	}
	e.Delta = e.NewTotal - e.PreviousTotal
	e.LevelAfter = vscore.LevelFor(e.NewTotal)
	e.LevelChanged = e.LevelBefore != e.LevelAfter
	return e, nil
}

func clonePasskey(pk Passkey) Passkey {
	pk.PublicKey = append([]byte(nil), pk.PublicKey...)
	pk.Transports = append([]string(nil), pk.Transports...)
	return pk
}

// trimPtr trims a string pointer, returning nil if result is empty.
func trimPtr(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.TrimSpace(*p)
	if s == "" {
		return nil
	}
	return &s
}
