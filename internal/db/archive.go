package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/research"
)

// ErrNotArchived is returned when no archived session has the given ID.
var ErrNotArchived = errors.New("session not archived")

const schema = `
CREATE TABLE IF NOT EXISTS research_sessions (
	id                TEXT PRIMARY KEY,
	query             TEXT NOT NULL,
	effort            TEXT NOT NULL,
	state             TEXT NOT NULL,
	loop_index        INTEGER NOT NULL DEFAULT 0,
	max_loops         INTEGER NOT NULL DEFAULT 0,
	issued_queries    INTEGER NOT NULL DEFAULT 0,
	web_evidence      INTEGER NOT NULL DEFAULT 0,
	academic_evidence INTEGER NOT NULL DEFAULT 0,
	answer            TEXT,
	citations         JSONB NOT NULL DEFAULT '[]',
	error_message     TEXT,
	created_at        TIMESTAMPTZ NOT NULL,
	finished_at       TIMESTAMPTZ
)`

const upsertSession = `
		INSERT INTO research_sessions (
			id, query, effort, state, loop_index, max_loops, issued_queries,
			web_evidence, academic_evidence, answer, citations, error_message,
			created_at, finished_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			loop_index = EXCLUDED.loop_index,
			issued_queries = EXCLUDED.issued_queries,
			web_evidence = EXCLUDED.web_evidence,
			academic_evidence = EXCLUDED.academic_evidence,
			answer = EXCLUDED.answer,
			citations = EXCLUDED.citations,
			error_message = EXCLUDED.error_message,
			finished_at = EXCLUDED.finished_at`

const selectColumns = `SELECT id, query, effort, state, loop_index, max_loops, issued_queries,
		web_evidence, academic_evidence, answer, citations, error_message, created_at, finished_at
		FROM research_sessions`

// SessionArchive persists finished research sessions.
type SessionArchive struct {
	client *Client
	logger *zap.Logger
}

// NewSessionArchive creates an archive on client.
func NewSessionArchive(client *Client, logger *zap.Logger) *SessionArchive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionArchive{client: client, logger: logger.With(zap.String("component", "session_archive"))}
}

// Migrate creates the archive table when missing.
func (a *SessionArchive) Migrate(ctx context.Context) error {
	return a.client.guard.Run(ctx, func(ctx context.Context) error {
		if _, err := a.client.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("create research_sessions: %w", err)
		}
		return nil
	})
}

// Save upserts v keyed by session ID.
func (a *SessionArchive) Save(ctx context.Context, v research.View) error {
	err := a.client.guard.Run(ctx, func(ctx context.Context) error {
		_, err := a.client.db.ExecContext(ctx, upsertSession,
			v.ID,
			v.Query,
			string(v.Effort),
			string(v.State),
			v.LoopIndex,
			v.MaxLoops,
			v.IssuedQueries,
			v.WebEvidence,
			v.AcademicEvidence,
			nullable(v.Answer),
			CitationList(v.Citations),
			nullable(v.Error),
			v.CreatedAt,
			v.FinishedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("archive session %s: %w", v.ID, err)
	}
	a.logger.Debug("Session archived", zap.String("session_id", v.ID), zap.String("state", string(v.State)))
	return nil
}

// Get loads one archived session.
func (a *SessionArchive) Get(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	found := true
	err := a.client.guard.Run(ctx, func(ctx context.Context) error {
		err := a.client.db.GetContext(ctx, &rec, selectColumns+" WHERE id = $1", id)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return SessionRecord{}, fmt.Errorf("load session %s: %w", id, err)
	}
	if !found {
		return SessionRecord{}, ErrNotArchived
	}
	return rec, nil
}

// Recent lists the newest archived sessions.
func (a *SessionArchive) Recent(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var recs []SessionRecord
	err := a.client.guard.Run(ctx, func(ctx context.Context) error {
		return a.client.db.SelectContext(ctx, &recs, selectColumns+" ORDER BY created_at DESC LIMIT $1", limit)
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return recs, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
