package session

import (
	"context"
	"sync"
	"time"

	"vdid/cmd/security/token"
)

// MemoryStore is an in-process Store for the dev server and tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Row
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Row)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(ctx context.Context, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(row)
}

func (s *MemoryStore) createLocked(row Row) error {
	if row.ID == "" || row.PrincipalID == "" || len(row.RefreshFingerprint) != 64 {
		return ErrInvalidToken
	}
	if _, ok := s.rows[row.ID]; ok {
		return ErrInvalidToken
	}
	lu := row.CreatedAt
	row.LastUsedAt = &lu
	s.rows[row.ID] = row
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[sessionID]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	return row, nil
}

func (s *MemoryStore) Rotate(ctx context.Context, now time.Time, oldID, fingerprint string, next Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[oldID]
	if !ok || !token.EqualHex(row.RefreshFingerprint, fingerprint) {
		return ErrSessionNotFound
	}
	if err := row.status(now); err != nil {
		if err == ErrRefreshReuseDetected {
			s.revokeAllLocked(now, row.PrincipalID)
		}
		return err
	}

	next.PrincipalID = row.PrincipalID
	if err := s.createLocked(next); err != nil {
		return err
	}
	nid := next.ID
	row.RevokedAt = &now
	row.LastUsedAt = &now
	row.ReplacedBySessionID = &nid
	s.rows[oldID] = row
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if err := row.status(now); err != nil {
		return err
	}
	row.LastUsedAt = &now
	s.rows[sessionID] = row
	return nil
}

func (s *MemoryStore) Revoke(ctx context.Context, now time.Time, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if row.RevokedAt == nil {
		row.RevokedAt = &now
		s.rows[sessionID] = row
	}
	return nil
}

func (s *MemoryStore) RevokeAll(ctx context.Context, now time.Time, principalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokeAllLocked(now, principalID)
	return nil
}

func (s *MemoryStore) revokeAllLocked(now time.Time, principalID string) {
	for id, row := range s.rows {
		if row.PrincipalID == principalID && row.RevokedAt == nil {
			t := now
			row.RevokedAt = &t
			s.rows[id] = row
		}
	}
}
