package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/callguard/internal/authlevel"
)

// PostgresStore persists session snapshots in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS auth_sessions (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL DEFAULT '',
			level SMALLINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			channel TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			last_activity_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			warning_issued BOOLEAN NOT NULL DEFAULT FALSE,
			consents TEXT[] NOT NULL DEFAULT '{}',
			escalated BOOLEAN NOT NULL DEFAULT FALSE,
			escalation_markers TEXT[] NOT NULL DEFAULT '{}',
			end_reason TEXT NOT NULL DEFAULT '',
			ended_at TIMESTAMPTZ NULL,
			version BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_auth_sessions_status_expires ON auth_sessions (status, expires_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess Session) error {
	consents := sess.Consents
	if consents == nil {
		consents = []string{}
	}
	markers := sess.EscalationMarkers
	if markers == nil {
		markers = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auth_sessions (
			id, subject_id, level, status, channel, created_at, last_activity_at, expires_at,
			warning_issued, consents, escalated, escalation_markers, end_reason, ended_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			subject_id=EXCLUDED.subject_id,
			level=EXCLUDED.level,
			status=EXCLUDED.status,
			channel=EXCLUDED.channel,
			last_activity_at=EXCLUDED.last_activity_at,
			expires_at=EXCLUDED.expires_at,
			warning_issued=EXCLUDED.warning_issued,
			consents=EXCLUDED.consents,
			escalated=EXCLUDED.escalated,
			escalation_markers=EXCLUDED.escalation_markers,
			end_reason=EXCLUDED.end_reason,
			ended_at=EXCLUDED.ended_at,
			version=EXCLUDED.version
		WHERE auth_sessions.version < EXCLUDED.version`,
		sess.ID,
		sess.SubjectID,
		int16(sess.Level),
		string(sess.Status),
		sess.Channel,
		sess.CreatedAt,
		sess.LastActivityAt,
		sess.ExpiresAt,
		sess.WarningIssued,
		consents,
		sess.Escalated,
		markers,
		sess.EndReason,
		sess.EndedAt,
		sess.Version,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSession(ctx context.Context, sessionID string) (Session, error) {
	var (
		sess   Session
		level  int16
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, subject_id, level, status, channel, created_at, last_activity_at, expires_at,
			warning_issued, consents, escalated, escalation_markers, end_reason, ended_at, version
		 FROM auth_sessions WHERE id=$1`,
		sessionID,
	).Scan(
		&sess.ID,
		&sess.SubjectID,
		&level,
		&status,
		&sess.Channel,
		&sess.CreatedAt,
		&sess.LastActivityAt,
		&sess.ExpiresAt,
		&sess.WarningIssued,
		&sess.Consents,
		&sess.Escalated,
		&sess.EscalationMarkers,
		&sess.EndReason,
		&sess.EndedAt,
		&sess.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	sess.Level = authlevel.Level(level)
	sess.Status = Status(status)
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.LastActivityAt = sess.LastActivityAt.UTC()
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	return sess, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
