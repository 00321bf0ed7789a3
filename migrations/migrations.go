// Package migrations embeds the PostgreSQL schema and applies it to a target schema.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var Content embed.FS

var schemaRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Files returns the embedded migration file names in apply order.
func Files() ([]string, error) {
	names, err := fs.Glob(Content, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Apply creates schema if needed and runs every migration inside it, in one transaction.
// Migrations are idempotent; re-applying is safe.
func Apply(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return fmt.Errorf("migrations: nil pool")
	}
	if !schemaRe.MatchString(schema) {
		return fmt.Errorf("migrations: invalid schema identifier %q", schema)
	}
	names, err := Files()
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ident := pgx.Identifier{schema}.Sanitize()
	if _, err := tx.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+ident); err != nil {
		return fmt.Errorf("migrations: create schema: %w", err)
	}
	if _, err := tx.Exec(ctx, `SET LOCAL search_path TO `+ident); err != nil {
		return fmt.Errorf("migrations: search_path: %w", err)
	}

	for _, name := range names {
		b, err := Content.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, string(b)); err != nil {
			return fmt.Errorf("migrations: %s: %w", name, err)
		}
	}
	return tx.Commit(ctx)
}
