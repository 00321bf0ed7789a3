package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vdid/cmd/security/token"
)

// PostgresStore implements Store using PostgreSQL (<schema>.sessions).
//
// English design notes:
// - Rotate runs in one transaction with the old row locked FOR UPDATE (single writer).
// - Reuse detection commits the revoke-all before returning ErrRefreshReuseDetected.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

var schemaRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresStore creates a Postgres-backed session store in schema (default "vdid").
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "vdid"
	}
	if !schemaRe.MatchString(schema) {
		return nil, fmt.Errorf("session: invalid schema identifier")
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "sessions"}.Sanitize()
}

const rowColumns = `id, principal_id, refresh_fingerprint,
	created_at, last_used_at, access_expires_at, expires_at, revoked_at,
	replaced_by_session_id, platform, user_agent, ip::text`

func scanRow(row pgx.Row) (Row, error) {
	var (
		r        Row
		platform string
		ua       *string
		ipText   *string
	)
	err := row.Scan(
		&r.ID,
		&r.PrincipalID,
		&r.RefreshFingerprint,
		&r.CreatedAt,
		&r.LastUsedAt,
		&r.AccessExpiresAt,
		&r.ExpiresAt,
		&r.RevokedAt,
		&r.ReplacedBySessionID,
		&platform,
		&ua,
		&ipText,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, err
	}
	r.Platform = Platform(platform)
	if ua != nil {
		r.UserAgent = *ua
	}
	if ipText != nil {
		// inet::text may carry a /32 or /128 suffix.
		r.IP = net.ParseIP(strings.SplitN(*ipText, "/", 2)[0])
	}
	return r, nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRow(ctx context.Context, q execer, table string, r Row) error {
	_, err := q.Exec(ctx, `
		INSERT INTO `+table+` (
			id, principal_id, refresh_fingerprint,
			created_at, last_used_at, access_expires_at, expires_at, revoked_at,
			replaced_by_session_id, user_agent, ip, platform
		) VALUES (
			$1, $2, $3,
			$4, $4, $5, $6, NULL,
			NULL, $7, $8, $9
		)
	`, r.ID, r.PrincipalID, r.RefreshFingerprint,
		r.CreatedAt, r.AccessExpiresAt, r.ExpiresAt,
		nullIfEmpty(r.UserAgent), ipOrNil(r.IP), string(ParsePlatform(string(r.Platform))))
	return err
}

// Create inserts a new session row.
func (s *PostgresStore) Create(ctx context.Context, row Row) error {
	return insertRow(ctx, s.pool, s.table(), row)
}

// GetByID loads a session row by ID.
func (s *PostgresStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	return scanRow(s.pool.QueryRow(ctx,
		`SELECT `+rowColumns+` FROM `+s.table()+` WHERE id = $1`,
		sessionID,
	))
}

// Rotate performs refresh rotation with reuse detection inside one transaction.
func (s *PostgresStore) Rotate(ctx context.Context, now time.Time, oldID, fingerprint string, next Row) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the session row to serialize rotations (single-writer).
	row, err := scanRow(tx.QueryRow(ctx,
		`SELECT `+rowColumns+` FROM `+s.table()+` WHERE id = $1 FOR UPDATE`,
		oldID,
	))
	if err != nil {
		return err
	}
	if !token.EqualHex(row.RefreshFingerprint, fingerprint) {
		return ErrSessionNotFound
	}

	if err := row.status(now); err != nil {
		if errors.Is(err, ErrRefreshReuseDetected) {
			// Security incident: revoke every session of the principal.
			if _, xerr := tx.Exec(ctx, `
				UPDATE `+s.table()+`
				SET revoked_at = COALESCE(revoked_at, $2)
				WHERE principal_id = $1
			`, row.PrincipalID, now); xerr != nil {
				return xerr
			}
			if xerr := tx.Commit(ctx); xerr != nil {
				return xerr
			}
		}
		return err
	}

	next.PrincipalID = row.PrincipalID
	if err := insertRow(ctx, tx, s.table(), next); err != nil {
		return err
	}

	ct, err := tx.Exec(ctx, `
		UPDATE `+s.table()+`
		SET last_used_at = $2,
		    revoked_at = $2,
		    replaced_by_session_id = $3
		WHERE id = $1
		  AND revoked_at IS NULL
		  AND replaced_by_session_id IS NULL
	`, oldID, now, next.ID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrSessionRevoked
	}

	return tx.Commit(ctx)
}

// Touch updates last_used_at for an active session.
func (s *PostgresStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		SET last_used_at = $2
		WHERE id = $1
		  AND revoked_at IS NULL
		  AND replaced_by_session_id IS NULL
		  AND expires_at > $2
	`, sessionID, now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		row, err := s.GetByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if serr := row.status(now); serr != nil {
			return serr
		}
	}
	return nil
}

// Revoke revokes a single session (idempotent).
func (s *PostgresStore) Revoke(ctx context.Context, now time.Time, sessionID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE id = $1
	`, sessionID, now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RevokeAll revokes all sessions for a principal (idempotent).
func (s *PostgresStore) RevokeAll(ctx context.Context, now time.Time, principalID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE principal_id = $1
		  AND revoked_at IS NULL
	`, principalID, now)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func ipOrNil(ip net.IP) any {
	if ip == nil {
		return nil
	}
	return ip.String()
}
