package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/callguard/internal/textnorm"
)

// PostgresDirectory reads reference records from PostgreSQL. Folded name
// columns are written on upsert so lookups match InMemoryDirectory.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(ctx context.Context, databaseURL string) (*PostgresDirectory, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initDirectorySchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresDirectory{pool: pool}, nil
}

func initDirectorySchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS subjects (
			id TEXT PRIMARY KEY,
			phone TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			first_name_key TEXT NOT NULL DEFAULT '',
			last_name_key TEXT NOT NULL DEFAULT '',
			dob TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_subjects_phone ON subjects (phone);`,
		`CREATE INDEX IF NOT EXISTS idx_subjects_name_dob ON subjects (last_name_key, first_name_key, dob);`,
		`CREATE TABLE IF NOT EXISTS subject_knowledge (
			subject_id TEXT NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
			factor_key TEXT NOT NULL,
			question TEXT NOT NULL,
			salt BYTEA NOT NULL,
			derived BYTEA NOT NULL,
			PRIMARY KEY (subject_id, factor_key)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init directory schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (d *PostgresDirectory) Upsert(ctx context.Context, s Subject) error {
	s, err := normalizeSubject(s)
	if err != nil {
		return err
	}
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert subject: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO subjects (id, phone, email, first_name, last_name, first_name_key, last_name_key, dob)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (id) DO UPDATE SET
			phone=EXCLUDED.phone,
			email=EXCLUDED.email,
			first_name=EXCLUDED.first_name,
			last_name=EXCLUDED.last_name,
			first_name_key=EXCLUDED.first_name_key,
			last_name_key=EXCLUDED.last_name_key,
			dob=EXCLUDED.dob`,
		s.ID, s.Phone, s.Email, s.FirstName, s.LastName,
		textnorm.Fold(s.FirstName), textnorm.Fold(s.LastName), s.DOB,
	); err != nil {
		return fmt.Errorf("upsert subject: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM subject_knowledge WHERE subject_id=$1`, s.ID); err != nil {
		return fmt.Errorf("clear subject knowledge: %w", err)
	}
	for _, f := range s.Knowledge {
		if _, err := tx.Exec(ctx,
			`INSERT INTO subject_knowledge (subject_id, factor_key, question, salt, derived) VALUES ($1,$2,$3,$4,$5)`,
			s.ID, f.Key, f.Question, f.Salt, f.Derived,
		); err != nil {
			return fmt.Errorf("insert subject knowledge: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert subject: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) Get(ctx context.Context, subjectID string) (Subject, error) {
	return d.findOne(ctx, `WHERE id=$1`, subjectID)
}

func (d *PostgresDirectory) FindByPhone(ctx context.Context, phone string) (Subject, error) {
	p := NormalizePhone(phone)
	if p == "" {
		return Subject{}, ErrNotFound
	}
	return d.findOne(ctx, `WHERE phone=$1`, p)
}

func (d *PostgresDirectory) FindByNameDOB(ctx context.Context, firstName, lastName, dob string) (Subject, error) {
	first, last, day := textnorm.Fold(firstName), textnorm.Fold(lastName), NormalizeDOB(dob)
	if first == "" || last == "" || day == "" {
		return Subject{}, ErrNotFound
	}
	return d.findOne(ctx, `WHERE first_name_key=$1 AND last_name_key=$2 AND dob=$3`, first, last, day)
}

func (d *PostgresDirectory) findOne(ctx context.Context, where string, args ...any) (Subject, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, phone, email, first_name, last_name, dob FROM subjects `+where+` LIMIT 2`,
		args...,
	)
	if err != nil {
		return Subject{}, fmt.Errorf("query subjects: %w", err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Subject, error) {
		var s Subject
		err := row.Scan(&s.ID, &s.Phone, &s.Email, &s.FirstName, &s.LastName, &s.DOB)
		return s, err
	})
	if err != nil {
		return Subject{}, fmt.Errorf("scan subjects: %w", err)
	}
	switch len(matches) {
	case 0:
		return Subject{}, ErrNotFound
	case 1:
	default:
		return Subject{}, ErrAmbiguous
	}

	s := matches[0]
	kr, err := d.pool.Query(ctx,
		`SELECT factor_key, question, salt, derived FROM subject_knowledge WHERE subject_id=$1 ORDER BY factor_key`,
		s.ID,
	)
	if err != nil {
		return Subject{}, fmt.Errorf("query subject knowledge: %w", err)
	}
	s.Knowledge, err = pgx.CollectRows(kr, func(row pgx.CollectableRow) (KnowledgeFactor, error) {
		var f KnowledgeFactor
		err := row.Scan(&f.Key, &f.Question, &f.Salt, &f.Derived)
		return f, err
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Subject{}, fmt.Errorf("scan subject knowledge: %w", err)
	}
	return s, nil
}

func (d *PostgresDirectory) Close() error {
	d.pool.Close()
	return nil
}
