package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Notes are private to one agent; knowledge is shared. Both are soft-deleted
// by archiving and never removed.

func scanNote(sc scanner) (*Note, error) {
	var (
		n                Note
		created, updated string
		archived         sql.NullString
	)
	if err := sc.Scan(&n.ID, &n.AgentID, &n.Title, &n.Content, &created, &updated, &archived); err != nil {
		return nil, err
	}
	n.CreatedAt = parseTime(created)
	n.UpdatedAt = parseTime(updated)
	n.ArchivedAt = parseNullTime(archived)
	return &n, nil
}

func (s *Store) CreateNote(ctx context.Context, n *Note, now time.Time) error {
	if n.ID == "" {
		n.ID = newID()
	}
	n.CreatedAt, n.UpdatedAt = now.UTC(), now.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (id, agent_id, title, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.AgentID, n.Title, n.Content, formatTime(now), formatTime(now))
	return err
}

func (s *Store) GetNote(ctx context.Context, id string) (*Note, error) {
	n, err := scanNote(s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, title, content, created_at, updated_at, archived_at FROM notes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("note %s: %w", id, ErrNotFound)
	}
	return n, err
}

func (s *Store) ResolveNote(ctx context.Context, ref string) (*Note, error) {
	id, err := s.resolveID(ctx, "note", "notes", ref)
	if err != nil {
		return nil, err
	}
	return s.GetNote(ctx, id)
}

func (s *Store) ListNotes(ctx context.Context, agentID string, includeArchived bool) ([]Note, error) {
	q := `SELECT id, agent_id, title, content, created_at, updated_at, archived_at FROM notes WHERE agent_id = ?`
	if !includeArchived {
		q += ` AND archived_at IS NULL`
	}
	q += ` ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, q, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (s *Store) UpdateNote(ctx context.Context, id, title, content string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET title = ?, content = ?, updated_at = ? WHERE id = ? AND archived_at IS NULL`,
		title, content, formatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("note %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) ArchiveNote(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notes SET archived_at = ? WHERE id = ? AND archived_at IS NULL`, formatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("note %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanKnowledge(sc scanner) (*Knowledge, error) {
	var (
		k                Knowledge
		created, updated string
		archived         sql.NullString
	)
	if err := sc.Scan(&k.ID, &k.AuthorID, &k.Topic, &k.Content, &k.Tags, &created, &updated, &archived); err != nil {
		return nil, err
	}
	k.CreatedAt = parseTime(created)
	k.UpdatedAt = parseTime(updated)
	k.ArchivedAt = parseNullTime(archived)
	return &k, nil
}

const knowledgeColumns = `id, author_id, topic, content, tags, created_at, updated_at, archived_at`

func (s *Store) CreateKnowledge(ctx context.Context, k *Knowledge, now time.Time) error {
	if k.ID == "" {
		k.ID = newID()
	}
	k.CreatedAt, k.UpdatedAt = now.UTC(), now.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge (id, author_id, topic, content, tags, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.AuthorID, k.Topic, k.Content, k.Tags, formatTime(now), formatTime(now))
	return err
}

func (s *Store) GetKnowledge(ctx context.Context, id string) (*Knowledge, error) {
	k, err := scanKnowledge(s.db.QueryRowContext(ctx, `SELECT `+knowledgeColumns+` FROM knowledge WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("knowledge %s: %w", id, ErrNotFound)
	}
	return k, err
}

func (s *Store) ResolveKnowledge(ctx context.Context, ref string) (*Knowledge, error) {
	id, err := s.resolveID(ctx, "knowledge", "knowledge", ref)
	if err != nil {
		return nil, err
	}
	return s.GetKnowledge(ctx, id)
}

// ListKnowledge filters by topic when non-empty.
func (s *Store) ListKnowledge(ctx context.Context, topic string, includeArchived bool) ([]Knowledge, error) {
	q := `SELECT ` + knowledgeColumns + ` FROM knowledge WHERE 1 = 1`
	var args []any
	if topic != "" {
		q += ` AND topic = ?`
		args = append(args, topic)
	}
	if !includeArchived {
		q += ` AND archived_at IS NULL`
	}
	q += ` ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Knowledge
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *Store) UpdateKnowledge(ctx context.Context, id, content, tags string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge SET content = ?, tags = ?, updated_at = ? WHERE id = ? AND archived_at IS NULL`,
		content, tags, formatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("knowledge %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) ArchiveKnowledge(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE knowledge SET archived_at = ? WHERE id = ? AND archived_at IS NULL`, formatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("knowledge %s: %w", id, ErrNotFound)
	}
	return nil
}
