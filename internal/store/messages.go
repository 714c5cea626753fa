package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageSelect = `SELECT m.seq, m.id, m.channel_id, m.agent_id, a.name, m.content, m.created_at
	FROM messages m JOIN agents a ON a.id = m.agent_id`

func scanMessage(sc scanner) (*Message, error) {
	var (
		m       Message
		created string
	)
	if err := sc.Scan(&m.Seq, &m.ID, &m.ChannelID, &m.AgentID, &m.AgentName, &m.Content, &created); err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(created)
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// AppendMessage stores a message. Storage does not depend on the content;
// only archived channels refuse writes.
func (s *Store) AppendMessage(ctx context.Context, channelID, agentID, content string, now time.Time) (*Message, error) {
	var msg *Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		msg, err = insertMessage(ctx, tx, channelID, agentID, content, now)
		return err
	})
	return msg, err
}

func insertMessage(ctx context.Context, tx *sql.Tx, channelID, agentID, content string, now time.Time) (*Message, error) {
	var (
		chName   string
		archived sql.NullString
	)
	err := tx.QueryRowContext(ctx, `SELECT name, archived_at FROM channels WHERE id = ?`, channelID).Scan(&chName, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if archived.Valid {
		return nil, fmt.Errorf("channel %s: %w", chName, ErrChannelArchived)
	}
	var agentName string
	err = tx.QueryRowContext(ctx, `SELECT name FROM agents WHERE id = ?`, agentID).Scan(&agentName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	m := &Message{ID: newID(), ChannelID: channelID, AgentID: agentID, AgentName: agentName, Content: content, CreatedAt: now.UTC()}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, agent_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, channelID, agentID, content, formatTime(now))
	if err != nil {
		return nil, err
	}
	if m.Seq, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE agents SET last_active_at = ? WHERE id = ?`, formatTime(now), agentID); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, messageSelect+` WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return m, err
}

func (s *Store) ResolveMessage(ctx context.Context, ref string) (*Message, error) {
	id, err := s.resolveID(ctx, "message", "messages", ref)
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

// ListMessages returns messages after afterSeq in channel order. limit <= 0
// means no limit.
func (s *Store) ListMessages(ctx context.Context, channelID string, afterSeq int64, limit int) ([]Message, error) {
	q := messageSelect + ` WHERE m.channel_id = ? AND m.seq > ? ORDER BY m.seq`
	args := []any{channelID, afterSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ReadUpdates returns the messages the reader has not seen in channel and
// advances the reader's bookmark to the newest one. The read and the
// bookmark write share one write transaction, so concurrent reads by the same
// reader serialize instead of losing an update.
func (s *Store) ReadUpdates(ctx context.Context, readerID, channelID string, now time.Time) ([]Message, error) {
	var out []Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var lastSeq int64
		err := tx.QueryRowContext(ctx,
			`SELECT last_seq FROM bookmarks WHERE reader_id = ? AND channel_id = ?`, readerID, channelID).Scan(&lastSeq)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		rows, err := tx.QueryContext(ctx, messageSelect+` WHERE m.channel_id = ? AND m.seq > ? ORDER BY m.seq`, channelID, lastSeq)
		if err != nil {
			return err
		}
		if out, err = collectMessages(rows); err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		last := out[len(out)-1]
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bookmarks (reader_id, channel_id, last_seq, last_message_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(reader_id, channel_id) DO UPDATE SET
				last_seq = excluded.last_seq,
				last_message_id = excluded.last_message_id,
				updated_at = excluded.updated_at`,
			readerID, channelID, last.Seq, last.ID, formatTime(now))
		return err
	})
	return out, err
}

// Bookmark returns the reader's last seen sequence in channel (0 if none).
func (s *Store) Bookmark(ctx context.Context, readerID, channelID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq FROM bookmarks WHERE reader_id = ? AND channel_id = ?`, readerID, channelID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
