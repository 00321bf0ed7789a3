package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PostgresRecorder appends events to the audit_log table.
type PostgresRecorder struct {
	pool  *pgxpool.Pool
	table string
	log   *slog.Logger
}

// NewPostgresRecorder builds a recorder writing to <schema>.audit_log.
func NewPostgresRecorder(pool *pgxpool.Pool, schema string, log *slog.Logger) (*PostgresRecorder, error) {
	if pool == nil {
		return nil, errors.New("audit: nil pool")
	}
	if schema == "" {
		schema = "vdid"
	}
	if !schemaRe.MatchString(schema) {
		return nil, errors.New("audit: invalid schema name")
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresRecorder{
		pool:  pool,
		table: pgx.Identifier{schema, "audit_log"}.Sanitize(),
		log:   log,
	}, nil
}

func (p *PostgresRecorder) Record(ctx context.Context, e Event) {
	e, ok := normalize(e)
	if !ok {
		return
	}

	var ipVal any
	if e.IP != nil {
		ipVal = e.IP.String()
	}

	var metaVal *string
	if len(e.Meta) > 0 {
		if b, err := json.Marshal(e.Meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO `+p.table+` (
			principal_id, session_id, action, method, success, reason, created_at, ip, user_agent, meta
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
	`, trimOrNil(e.PrincipalID), trimOrNil(e.SessionID), e.Action, trimOrNil(e.Method), e.Success,
		trimOrNil(e.Reason), e.At, ipVal, trimOrNil(e.UserAgent), metaVal)
	if err != nil {
		p.log.Error("auth.audit.insert.fail", "err", err, "action", e.Action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
