package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ent0n29/callguard/internal/authlevel"
)

// SQLiteStore keeps the ledger in a local SQLite file for single-node
// deployments and operator tooling.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite audit store path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has one writer; a single connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		`CREATE TABLE IF NOT EXISTS audit_records (
			seq INTEGER PRIMARY KEY,
			record_id TEXT NOT NULL UNIQUE,
			ts TEXT NOT NULL,
			session_id TEXT NOT NULL,
			subject_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			resource_type TEXT NOT NULL DEFAULT '',
			resource_id TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL,
			level INTEGER NOT NULL,
			sensitive_data_accessed INTEGER NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			retain_until TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			integrity_hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_session ON audit_records (session_id, seq)`,
		`CREATE TRIGGER IF NOT EXISTS audit_records_no_update BEFORE UPDATE ON audit_records
			BEGIN SELECT RAISE(ABORT, 'audit records are append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS audit_records_no_delete BEFORE DELETE ON audit_records
			BEGIN SELECT RAISE(ABORT, 'audit records are append-only'); END`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite audit schema failed on %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AppendRecord(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (`+auditColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.Seq, r.RecordID, r.Timestamp.UTC().Format(time.RFC3339Nano), r.SessionID, r.SubjectID, r.Action,
		r.ResourceType, r.ResourceID, string(r.Decision), int(r.Level), r.SensitiveDataAccessed,
		string(r.Kind), r.Detail, r.RetainUntil.UTC().Format(time.RFC3339Nano), r.PrevHash, r.IntegrityHash,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Head(ctx context.Context) (Record, bool, error) {
	out, err := s.query(ctx, `SELECT `+auditColumns+` FROM audit_records ORDER BY seq DESC LIMIT 1`)
	if err != nil {
		return Record{}, false, err
	}
	if len(out) == 0 {
		return Record{}, false, nil
	}
	return out[0], true, nil
}

func (s *SQLiteStore) Range(ctx context.Context, fromSeq, toSeq int64) ([]Record, error) {
	return s.query(ctx, `SELECT `+auditColumns+` FROM audit_records WHERE seq BETWEEN ? AND ? ORDER BY seq`, fromSeq, toSeq)
}

func (s *SQLiteStore) BySession(ctx context.Context, sessionID string) ([]Record, error) {
	return s.query(ctx, `SELECT `+auditColumns+` FROM audit_records WHERE session_id=? ORDER BY seq`, sessionID)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r          Record
			ts, retain string
			decision   string
			kind       string
			level      int
			sensitive  bool
		)
		if err := rows.Scan(
			&r.Seq, &r.RecordID, &ts, &r.SessionID, &r.SubjectID, &r.Action, &r.ResourceType, &r.ResourceID,
			&decision, &level, &sensitive, &kind, &r.Detail, &retain, &r.PrevHash, &r.IntegrityHash,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if r.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		if r.RetainUntil, err = time.Parse(time.RFC3339Nano, retain); err != nil {
			return nil, fmt.Errorf("parse audit retention: %w", err)
		}
		r.Decision = Decision(decision)
		r.Level = authlevel.Level(level)
		r.Kind = Kind(kind)
		r.SensitiveDataAccessed = sensitive
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
