package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertSession records the provider conversation linked to a spawn. Counters
// only grow and first_activity_at keeps its earliest value.
func (s *Store) UpsertSession(ctx context.Context, sess *Session, now time.Time) error {
	sess.UpdatedAt = now.UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (spawn_id, session_id, provider, model, message_count, input_tokens, output_tokens,
			tool_calls, source_path, source_mtime, first_activity_at, last_activity_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(spawn_id) DO UPDATE SET
			session_id = excluded.session_id,
			provider = excluded.provider,
			model = CASE WHEN excluded.model <> '' THEN excluded.model ELSE sessions.model END,
			message_count = MAX(sessions.message_count, excluded.message_count),
			input_tokens = MAX(sessions.input_tokens, excluded.input_tokens),
			output_tokens = MAX(sessions.output_tokens, excluded.output_tokens),
			tool_calls = MAX(sessions.tool_calls, excluded.tool_calls),
			source_path = excluded.source_path,
			source_mtime = excluded.source_mtime,
			first_activity_at = COALESCE(sessions.first_activity_at, excluded.first_activity_at),
			last_activity_at = COALESCE(excluded.last_activity_at, sessions.last_activity_at),
			updated_at = excluded.updated_at`,
		sess.SpawnID, sess.SessionID, sess.Provider, sess.Model, sess.MessageCount, sess.InputTokens, sess.OutputTokens,
		sess.ToolCalls, sess.SourcePath, nullableTime(sess.SourceMtime), nullableTime(sess.FirstActivityAt),
		nullableTime(sess.LastActivityAt), formatTime(now))
	return err
}

func (s *Store) GetSession(ctx context.Context, spawnID string) (*Session, error) {
	var (
		sess               Session
		mtime, first, last sql.NullString
		updated            string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT spawn_id, session_id, provider, model, message_count, input_tokens, output_tokens, tool_calls,
			source_path, source_mtime, first_activity_at, last_activity_at, updated_at
		FROM sessions WHERE spawn_id = ?`, spawnID).Scan(
		&sess.SpawnID, &sess.SessionID, &sess.Provider, &sess.Model, &sess.MessageCount, &sess.InputTokens,
		&sess.OutputTokens, &sess.ToolCalls, &sess.SourcePath, &mtime, &first, &last, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session for spawn %s: %w", spawnID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sess.SourceMtime = parseNullTime(mtime)
	sess.FirstActivityAt = parseNullTime(first)
	sess.LastActivityAt = parseNullTime(last)
	sess.UpdatedAt = parseTime(updated)
	return &sess, nil
}
