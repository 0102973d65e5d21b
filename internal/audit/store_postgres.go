package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/callguard/internal/authlevel"
)

// PostgresStore persists the ledger in PostgreSQL. Seq is the primary key,
// so two writers cannot both extend the chain from the same head.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initAuditSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initAuditSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_records (
			seq BIGINT PRIMARY KEY,
			record_id TEXT NOT NULL UNIQUE,
			ts TIMESTAMPTZ NOT NULL,
			session_id TEXT NOT NULL,
			subject_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			resource_type TEXT NOT NULL DEFAULT '',
			resource_id TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL,
			level SMALLINT NOT NULL,
			sensitive_data_accessed BOOLEAN NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			retain_until TIMESTAMPTZ NOT NULL,
			prev_hash TEXT NOT NULL,
			integrity_hash TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_session ON audit_records (session_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_retain_until ON audit_records (retain_until);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init audit schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const auditColumns = `seq, record_id, ts, session_id, subject_id, action, resource_type, resource_id,
	decision, level, sensitive_data_accessed, kind, detail, retain_until, prev_hash, integrity_hash`

func (s *PostgresStore) AppendRecord(ctx context.Context, r Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_records (`+auditColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.Seq, r.RecordID, r.Timestamp, r.SessionID, r.SubjectID, r.Action, r.ResourceType, r.ResourceID,
		string(r.Decision), int16(r.Level), r.SensitiveDataAccessed, string(r.Kind), r.Detail,
		r.RetainUntil, r.PrevHash, r.IntegrityHash,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Head(ctx context.Context) (Record, bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+auditColumns+` FROM audit_records ORDER BY seq DESC LIMIT 1`)
	if err != nil {
		return Record{}, false, fmt.Errorf("query audit head: %w", err)
	}
	rec, err := pgx.CollectOneRow(rows, scanPGRecord)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("scan audit head: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresStore) Range(ctx context.Context, fromSeq, toSeq int64) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_records WHERE seq BETWEEN $1 AND $2 ORDER BY seq`,
		fromSeq, toSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit range: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanPGRecord)
	if err != nil {
		return nil, fmt.Errorf("scan audit range: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) BySession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_records WHERE session_id=$1 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session audit: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanPGRecord)
	if err != nil {
		return nil, fmt.Errorf("scan session audit: %w", err)
	}
	return out, nil
}

func scanPGRecord(row pgx.CollectableRow) (Record, error) {
	var (
		r        Record
		decision string
		level    int16
		kind     string
	)
	err := row.Scan(
		&r.Seq, &r.RecordID, &r.Timestamp, &r.SessionID, &r.SubjectID, &r.Action, &r.ResourceType, &r.ResourceID,
		&decision, &level, &r.SensitiveDataAccessed, &kind, &r.Detail, &r.RetainUntil, &r.PrevHash, &r.IntegrityHash,
	)
	if err != nil {
		return Record{}, err
	}
	r.Decision = Decision(decision)
	r.Level = authlevel.Level(level)
	r.Kind = Kind(kind)
	r.Timestamp = r.Timestamp.UTC()
	r.RetainUntil = r.RetainUntil.UTC()
	return r, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
