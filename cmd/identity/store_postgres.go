package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vdid/cmd/vscore"
)

// PostgresStore implements Store over PostgreSQL.
//
// English design notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// - Multi-row invariants (primary wallet, last-method guard, score CAS + history) run in
//   one transaction with the principal row locked FOR UPDATE.
// - Errors are mapped to identity sentinel kinds where appropriate.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultSchema is the schema used when WithSchema is not given.
const DefaultSchema = "vdid"

// WithSchema sets the Postgres schema used by the identity store (default "vdid").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore with secure defaults.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

var _ Store = (*PostgresStore)(nil)

const principalColumns = `id, vid, did, email, email_norm, password_hash,
	wallet_address, wallet_verified, passkey_enabled,
	score_activity, score_financial, score_social, score_trust, total_score, level,
	status, last_login_at, created_at, updated_at`

func scanPrincipal(row pgx.Row) (Principal, error) {
	var (
		p      Principal
		level  string
		status string
	)
	err := row.Scan(
		&p.ID, &p.VID, &p.DID, &p.Email, &p.EmailNorm, &p.PasswordHash,
		&p.WalletAddress, &p.WalletVerified, &p.PasskeyEnabled,
		&p.Scores.Activity, &p.Scores.Financial, &p.Scores.Social, &p.Scores.Trust, &p.TotalScore, &level,
		&status, &p.LastLoginAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return Principal{}, err
	}
	p.Level = vscore.Level(level)
	p.Status = Status(status)
	return p, nil
}

// CreatePrincipal inserts a principal and, when given, its primary wallet in one transaction.
func (s *PostgresStore) CreatePrincipal(ctx context.Context, in CreatePrincipalInput) (Principal, error) {
	const op = "identity.CreatePrincipal"

	if s == nil || s.pool == nil {
		return Principal{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Principal{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO `+s.t("principals")+` (
		     id, vid, did, email, email_norm, password_hash,
		     wallet_address, wallet_verified, passkey_enabled,
		     score_activity, score_financial, score_social, score_trust,
		     total_score, level, status, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9, $10, $11, $12, $13, $14, $15, $16, $16)`,
		p.ID, p.VID, p.DID, p.Email, p.EmailNorm, p.PasswordHash,
		p.WalletAddress, p.WalletVerified,
		p.Scores.Activity, p.Scores.Financial, p.Scores.Social, p.Scores.Trust,
		p.TotalScore, string(p.Level), string(p.Status), p.CreatedAt,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return Principal{}, ConflictError{Op: op, Field: field}
		}
		return Principal{}, err
	}

	if w != nil {
		if err := s.insertWallet(ctx, tx, *w); err != nil {
			if field, ok := pgClassifyUniqueViolation(err); ok {
				return Principal{}, ConflictError{Op: op, Field: field}
			}
			return Principal{}, err
		}
	}

	if seed != nil {
		if err := s.insertHistory(ctx, tx, *seed); err != nil {
			return Principal{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Principal{}, err
	}
	return p, nil
}

func (s *PostgresStore) GetPrincipal(ctx context.Context, id string) (Principal, error) {
	return s.getPrincipalBy(ctx, "identity.GetPrincipal", "id", strings.TrimSpace(id))
}

func (s *PostgresStore) GetPrincipalByEmail(ctx context.Context, email string) (Principal, error) {
	return s.getPrincipalBy(ctx, "identity.GetPrincipalByEmail", "email_norm", NormalizeEmail(email))
}

func (s *PostgresStore) GetPrincipalByVID(ctx context.Context, vid string) (Principal, error) {
	return s.getPrincipalBy(ctx, "identity.GetPrincipalByVID", "vid", strings.TrimSpace(vid))
}

// getPrincipalBy looks a principal up by one of a fixed set of unique columns.
func (s *PostgresStore) getPrincipalBy(ctx context.Context, op, column, value string) (Principal, error) {
	if s == nil || s.pool == nil {
		return Principal{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	if value == "" {
		return Principal{}, NotFoundError{Op: op, Resource: "principal"}
	}

	p, err := scanPrincipal(s.pool.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM `+s.t("principals")+` WHERE `+pgx.Identifier{column}.Sanitize()+` = $1`,
		value,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, NotFoundError{Op: op, Resource: "principal"}
		}
		return Principal{}, err
	}
	return p, nil
}

func (s *PostgresStore) TouchLogin(ctx context.Context, principalID string, now time.Time) error {
	const op = "identity.TouchLogin"
	if err := ctx.Err(); err != nil {
		return err
	}
	now = nowOr(now)
	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.t("principals")+` SET last_login_at = $1, updated_at = $1 WHERE id = $2`,
		now, principalID,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "principal"}
	}
	return nil
}

func (s *PostgresStore) SetPasswordHash(ctx context.Context, principalID, hash string, now time.Time) error {
	const op = "identity.SetPasswordHash"
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(hash) == "" {
		return Invalid(op, "empty password hash")
	}
	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.t("principals")+` SET password_hash = $1, updated_at = $2 WHERE id = $3`,
		hash, nowOr(now), principalID,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "principal"}
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, principalID string, status Status, now time.Time) error {
	const op = "identity.SetStatus"
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Valid() {
		return Invalid(op, "unknown status")
	}
	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.t("principals")+` SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), nowOr(now), principalID,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "principal"}
	}
	return nil
}

// ---- wallets ----

const walletColumns = `id, principal_id, address, chain_id, chain_name, ens_name, signature, verified_at,
	last_nonce, nonce_expires_at, is_primary, created_at, last_used_at`

func scanWallet(row pgx.Row) (WalletIdentity, error) {
	var w WalletIdentity
	err := row.Scan(
		&w.ID, &w.PrincipalID, &w.Address, &w.ChainID, &w.ChainName, &w.ENSName, &w.Signature, &w.VerifiedAt,
		&w.LastNonce, &w.NonceExpiresAt, &w.IsPrimary, &w.CreatedAt, &w.LastUsedAt,
	)
	return w, err
}

func (s *PostgresStore) insertWallet(ctx context.Context, tx pgx.Tx, w WalletIdentity) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("wallet_identities")+` (
		     id, principal_id, address, address_key, chain_id, chain_name, ens_name, signature,
		     verified_at, last_nonce, nonce_expires_at, is_primary, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.PrincipalID, w.Address, AddressKey(w.Address), w.ChainID, w.ChainName, w.ENSName, w.Signature,
		w.VerifiedAt, w.LastNonce, w.NonceExpiresAt, w.IsPrimary, w.CreatedAt,
	)
	return err
}

func (s *PostgresStore) AddWallet(ctx context.Context, w WalletIdentity) (WalletIdentity, error) {
	const op = "identity.AddWallet"
	if err := ctx.Err(); err != nil {
		return WalletIdentity{}, err
	}
	w, err := prepareWallet(op, w)
	if err != nil {
		return WalletIdentity{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return WalletIdentity{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := s.lockPrincipal(ctx, tx, op, w.PrincipalID); err != nil {
		return WalletIdentity{}, err
	}

	var existing int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM `+s.t("wallet_identities")+` WHERE principal_id = $1`,
		w.PrincipalID,
	).Scan(&existing); err != nil {
		return WalletIdentity{}, err
	}
	w.IsPrimary = existing == 0

	if err := s.insertWallet(ctx, tx, w); err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return WalletIdentity{}, ConflictError{Op: op, Field: field}
		}
		return WalletIdentity{}, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE `+s.t("principals")+`
		    SET wallet_verified = true,
		        wallet_address = CASE WHEN $2 THEN $3 ELSE wallet_address END,
		        updated_at = $4
		  WHERE id = $1`,
		w.PrincipalID, w.IsPrimary, w.Address, w.CreatedAt,
	)
	if err != nil {
		return WalletIdentity{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return WalletIdentity{}, err
	}
	return w, nil
}

func (s *PostgresStore) GetWalletByAddress(ctx context.Context, address string) (WalletIdentity, error) {
	const op = "identity.GetWalletByAddress"
	if err := ctx.Err(); err != nil {
		return WalletIdentity{}, err
	}
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM `+s.t("wallet_identities")+` WHERE address_key = $1`,
		AddressKey(address),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WalletIdentity{}, NotFoundError{Op: op, Resource: "wallet"}
		}
		return WalletIdentity{}, err
	}
	return w, nil
}

func (s *PostgresStore) ListWallets(ctx context.Context, principalID string) ([]WalletIdentity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+walletColumns+` FROM `+s.t("wallet_identities")+`
		  WHERE principal_id = $1
		  ORDER BY is_primary DESC, created_at ASC, id ASC`,
		principalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WalletIdentity
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordWalletLogin(ctx context.Context, address, signature, nonce string, now time.Time) error {
	const op = "identity.RecordWalletLogin"
	if err := ctx.Err(); err != nil {
		return err
	}
	now = nowOr(now)
	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.t("wallet_identities")+`
		    SET signature = $1,
		        verified_at = $2,
		        last_used_at = $2,
		        last_nonce = COALESCE($3, last_nonce),
		        nonce_expires_at = NULL
		  WHERE address_key = $4`,
		signature, now, trimPtr(&nonce), AddressKey(address),
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "wallet"}
	}
	return nil
}

func (s *PostgresStore) DeleteWallet(ctx context.Context, principalID, address string, now time.Time) error {
	const op = "identity.DeleteWallet"
	if err := ctx.Err(); err != nil {
		return err
	}
	now = nowOr(now)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := s.lockPrincipal(ctx, tx, op, principalID)
	if err != nil {
		return err
	}

	var wasPrimary bool
	err = tx.QueryRow(ctx,
		`DELETE FROM `+s.t("wallet_identities")+`
		  WHERE principal_id = $1 AND address_key = $2
		  RETURNING is_primary`,
		principalID, AddressKey(address),
	).Scan(&wasPrimary)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NotFoundError{Op: op, Resource: "wallet"}
		}
		return err
	}

	var remaining, passkeys int
	if err := tx.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM `+s.t("wallet_identities")+` WHERE principal_id = $1),
		        (SELECT count(*) FROM `+s.t("passkeys")+` WHERE principal_id = $1 AND active)`,
		principalID,
	).Scan(&remaining, &passkeys); err != nil {
		return err
	}
	if remaining == 0 && passkeys == 0 && !p.HasPassword() {
		return LastAuthMethodConflict(op)
	}

	if remaining == 0 {
		_, err = tx.Exec(ctx,
			`UPDATE `+s.t("principals")+` SET wallet_address = NULL, wallet_verified = false, updated_at = $2 WHERE id = $1`,
			principalID, now,
		)
	} else if wasPrimary {
		var next string
		err = tx.QueryRow(ctx,
			`UPDATE `+s.t("wallet_identities")+` SET is_primary = true
			  WHERE id = (
			    SELECT id FROM `+s.t("wallet_identities")+`
			     WHERE principal_id = $1
			     ORDER BY created_at ASC, id ASC
			     LIMIT 1)
			  RETURNING address`,
			principalID,
		).Scan(&next)
		if err == nil {
			_, err = tx.Exec(ctx,
				`UPDATE `+s.t("principals")+` SET wallet_address = $2, updated_at = $3 WHERE id = $1`,
				principalID, next, now,
			)
		}
	} else {
		_, err = tx.Exec(ctx, `UPDATE `+s.t("principals")+` SET updated_at = $2 WHERE id = $1`, principalID, now)
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ---- passkeys ----

const passkeyColumns = `id, principal_id, credential_id, public_key, algorithm, sign_count, device_name,
	transports, active, use_count, last_used_at, created_at`

func scanPasskey(row pgx.Row) (Passkey, error) {
	var (
		pk    Passkey
		count int64
	)
	err := row.Scan(
		&pk.ID, &pk.PrincipalID, &pk.CredentialID, &pk.PublicKey, &pk.Algorithm, &count, &pk.DeviceName,
		&pk.Transports, &pk.Active, &pk.UseCount, &pk.LastUsedAt, &pk.CreatedAt,
	)
	if err != nil {
		return Passkey{}, err
	}
	pk.SignCount = uint32(count)
	return pk, nil
}

func (s *PostgresStore) CreatePasskey(ctx context.Context, pk Passkey) (Passkey, error) {
	const op = "identity.CreatePasskey"
	if err := ctx.Err(); err != nil {
		return Passkey{}, err
	}
	pk, err := preparePasskey(op, pk)
	if err != nil {
		return Passkey{}, err
	}
	if pk.Transports == nil {
		pk.Transports = []string{}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Passkey{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO `+s.t("passkeys")+` (
		     id, principal_id, credential_id, public_key, algorithm, sign_count, device_name,
		     transports, active, use_count, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, 0, $9)`,
		pk.ID, pk.PrincipalID, pk.CredentialID, pk.PublicKey, pk.Algorithm, int64(pk.SignCount), pk.DeviceName,
		pk.Transports, pk.CreatedAt,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return Passkey{}, ConflictError{Op: op, Field: field}
		}
		if pgIsForeignKeyViolation(err) {
			return Passkey{}, NotFoundError{Op: op, Resource: "principal"}
		}
		return Passkey{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.t("principals")+` SET passkey_enabled = true, updated_at = $2 WHERE id = $1`,
		pk.PrincipalID, pk.CreatedAt,
	); err != nil {
		return Passkey{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Passkey{}, err
	}
	return pk, nil
}

func (s *PostgresStore) GetPasskeyByCredentialID(ctx context.Context, credentialID string) (Passkey, error) {
	const op = "identity.GetPasskeyByCredentialID"
	if err := ctx.Err(); err != nil {
		return Passkey{}, err
	}
	pk, err := scanPasskey(s.pool.QueryRow(ctx,
		`SELECT `+passkeyColumns+` FROM `+s.t("passkeys")+` WHERE credential_id = $1`,
		credentialID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Passkey{}, NotFoundError{Op: op, Resource: "passkey"}
		}
		return Passkey{}, err
	}
	return pk, nil
}

func (s *PostgresStore) ListPasskeys(ctx context.Context, principalID string) ([]Passkey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+passkeyColumns+` FROM `+s.t("passkeys")+`
		  WHERE principal_id = $1
		  ORDER BY created_at ASC, id ASC`,
		principalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Passkey
	for rows.Next() {
		pk, err := scanPasskey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

// RecordPasskeyUse is a single conditional UPDATE; the WHERE clause on sign_count is the CAS.
func (s *PostgresStore) RecordPasskeyUse(ctx context.Context, credentialID string, prev, next uint32, now time.Time) error {
	const op = "identity.RecordPasskeyUse"
	if err := ctx.Err(); err != nil {
		return err
	}
	now = nowOr(now)
	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.t("passkeys")+`
		    SET sign_count = $1,
		        use_count = use_count + 1,
		        last_used_at = $2
		  WHERE credential_id = $3
		    AND active
		    AND sign_count = $4`,
		int64(next), now, credentialID, int64(prev),
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.t("passkeys")+` WHERE credential_id = $1 AND active)`,
		credentialID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return NotFoundError{Op: op, Resource: "passkey"}
	}
	return OpError{Op: op, Kind: ErrStale, Msg: "sign counter changed"}
}

func (s *PostgresStore) DeletePasskey(ctx context.Context, principalID, credentialID string, now time.Time) error {
	const op = "identity.DeletePasskey"
	if err := ctx.Err(); err != nil {
		return err
	}
	now = nowOr(now)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := s.lockPrincipal(ctx, tx, op, principalID)
	if err != nil {
		return err
	}

	ct, err := tx.Exec(ctx,
		`DELETE FROM `+s.t("passkeys")+` WHERE principal_id = $1 AND credential_id = $2`,
		principalID, credentialID,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "passkey"}
	}

	var remaining, wallets int
	if err := tx.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM `+s.t("passkeys")+` WHERE principal_id = $1 AND active),
		        (SELECT count(*) FROM `+s.t("wallet_identities")+` WHERE principal_id = $1)`,
		principalID,
	).Scan(&remaining, &wallets); err != nil {
		return err
	}
	if remaining == 0 && wallets == 0 && !p.HasPassword() {
		return LastAuthMethodConflict(op)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.t("principals")+` SET passkey_enabled = $2, updated_at = $3 WHERE id = $1`,
		principalID, remaining > 0, now,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ---- scores ----

func (s *PostgresStore) ApplyScore(ctx context.Context, expected vscore.Scores, entry ScoreHistoryEntry) (ScoreHistoryEntry, error) {
	const op = "identity.ApplyScore"
	if err := ctx.Err(); err != nil {
		return ScoreHistoryEntry{}, err
	}
	entry, err := prepareHistoryEntry(op, entry)
	if err != nil {
		return ScoreHistoryEntry{}, err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return ScoreHistoryEntry{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The WHERE clause on the previous snapshot is the compare-and-swap.
	ct, err := tx.Exec(ctx,
		`UPDATE `+s.t("principals")+`
		    SET score_activity = $1, score_financial = $2, score_social = $3, score_trust = $4,
		        total_score = $5, level = $6, updated_at = $7
		  WHERE id = $8
		    AND score_activity = $9 AND score_financial = $10 AND score_social = $11 AND score_trust = $12`,
		entry.Snapshot.Activity, entry.Snapshot.Financial, entry.Snapshot.Social, entry.Snapshot.Trust,
		entry.NewTotal, string(entry.LevelAfter), entry.CreatedAt,
		entry.PrincipalID,
		expected.Activity, expected.Financial, expected.Social, expected.Trust,
	)
	if err != nil {
		return ScoreHistoryEntry{}, err
	}
	if ct.RowsAffected() != 1 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+s.t("principals")+` WHERE id = $1)`,
			entry.PrincipalID,
		).Scan(&exists); err != nil {
			return ScoreHistoryEntry{}, err
		}
		if !exists {
			return ScoreHistoryEntry{}, NotFoundError{Op: op, Resource: "principal"}
		}
		return ScoreHistoryEntry{}, OpError{Op: op, Kind: ErrStale, Msg: "scores changed"}
	}

	if err := s.insertHistory(ctx, tx, entry); err != nil {
		return ScoreHistoryEntry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ScoreHistoryEntry{}, err
	}
	return entry, nil
}

func (s *PostgresStore) insertHistory(ctx context.Context, tx pgx.Tx, e ScoreHistoryEntry) error {
	snapshot, err := json.Marshal(e.Snapshot)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO `+s.t("score_history")+` (
		     id, principal_id, previous_total, new_total, delta, category, snapshot,
		     reason, action_key, level_before, level_after, level_changed, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.PrincipalID, e.PreviousTotal, e.NewTotal, e.Delta, string(e.Category), string(snapshot),
		e.Reason, e.ActionKey, string(e.LevelBefore), string(e.LevelAfter), e.LevelChanged, e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListScoreHistory(ctx context.Context, principalID string, since time.Time, limit int) ([]ScoreHistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampHistoryLimit(limit)

	rows, err := s.pool.Query(ctx,
		`SELECT id, principal_id, previous_total, new_total, delta, category, snapshot,
		        reason, action_key, level_before, level_after, level_changed, created_at
		   FROM `+s.t("score_history")+`
		  WHERE principal_id = $1 AND created_at >= $2
		  ORDER BY created_at DESC, id DESC
		  LIMIT $3`,
		principalID, since, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScoreHistoryEntry
	for rows.Next() {
		var (
			e                       ScoreHistoryEntry
			category                string
			snapshot                []byte
			levelBefore, levelAfter string
		)
		if err := rows.Scan(
			&e.ID, &e.PrincipalID, &e.PreviousTotal, &e.NewTotal, &e.Delta, &category, &snapshot,
			&e.Reason, &e.ActionKey, &levelBefore, &levelAfter, &e.LevelChanged, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(snapshot, &e.Snapshot); err != nil {
			return nil, err
		}
		e.Category = vscore.Category(category)
		e.LevelBefore = vscore.Level(levelBefore)
		e.LevelAfter = vscore.Level(levelAfter)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- helpers ----

// lockPrincipal selects the principal row FOR UPDATE inside tx.
func (s *PostgresStore) lockPrincipal(ctx context.Context, tx pgx.Tx, op, principalID string) (Principal, error) {
	p, err := scanPrincipal(tx.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM `+s.t("principals")+` WHERE id = $1 FOR UPDATE`,
		principalID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, NotFoundError{Op: op, Resource: "principal"}
		}
		return Principal{}, err
	}
	return p, nil
}

func (s *PostgresStore) t(name string) string {
	return pgIdent(s.schema, name)
}

// pgIdentIsValid checks if a string is a safe Postgres identifier.
func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503" // foreign_key_violation
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	// English comment:
	// Prefer stable schema constraint names. Fall back to heuristic substring matching.
	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))

	switch c {
	case "uq_principals_email_norm":
		return "email", true
	case "uq_principals_vid":
		return "vid", true
	case "uq_principals_did":
		return "did", true
	case "uq_wallet_identities_address_key":
		return "wallet_address", true
	case "uq_wallet_identities_primary":
		return "primary_wallet", true
	case "uq_passkeys_credential_id":
		return "credential_id", true
	default:
		switch {
		case strings.Contains(c, "email"):
			return "email", true
		case strings.Contains(c, "address"):
			return "wallet_address", true
		case strings.Contains(c, "credential"):
			return "credential_id", true
		default:
			return "unique", true
		}
	}
}
