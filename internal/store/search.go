package store

import (
	"context"
	"fmt"
	"strings"
)

// Search scopes.
const (
	ScopeMessages  = "messages"
	ScopeNotes     = "notes"
	ScopeKnowledge = "knowledge"
)

// SearchQuery describes an FTS lookup. Owner narrows messages to a channel
// and notes to an agent; it is ignored for knowledge.
type SearchQuery struct {
	Scope string
	Text  string
	Owner string
	Limit int
}

// Search runs a full-text query ranked by bm25 (best first). Archived notes
// and knowledge are excluded.
func (s *Store) Search(ctx context.Context, q SearchQuery) ([]SearchHit, error) {
	match := ftsQuery(q.Text)
	if match == "" {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	var (
		query string
		args  = []any{match}
	)
	switch q.Scope {
	case ScopeMessages, "":
		query = `SELECT m.id, m.channel_id, snippet(messages_fts, 1, '[', ']', '...', 12), bm25(messages_fts)
			FROM messages_fts JOIN messages m ON m.id = messages_fts.message_id
			WHERE messages_fts MATCH ?`
		if q.Owner != "" {
			query += ` AND m.channel_id = ?`
			args = append(args, q.Owner)
		}
		q.Scope = ScopeMessages
	case ScopeNotes:
		query = `SELECT n.id, n.agent_id, snippet(notes_fts, 2, '[', ']', '...', 12), bm25(notes_fts)
			FROM notes_fts JOIN notes n ON n.id = notes_fts.note_id
			WHERE notes_fts MATCH ? AND n.archived_at IS NULL`
		if q.Owner != "" {
			query += ` AND n.agent_id = ?`
			args = append(args, q.Owner)
		}
	case ScopeKnowledge:
		query = `SELECT k.id, k.topic, snippet(knowledge_fts, 2, '[', ']', '...', 12), bm25(knowledge_fts)
			FROM knowledge_fts JOIN knowledge k ON k.id = knowledge_fts.knowledge_id
			WHERE knowledge_fts MATCH ? AND k.archived_at IS NULL`
	default:
		return nil, fmt.Errorf("unknown search scope %q", q.Scope)
	}
	query += ` ORDER BY 4 LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", q.Scope, err)
	}
	defer rows.Close()
	var out []SearchHit
	for rows.Next() {
		h := SearchHit{Scope: q.Scope}
		if err := rows.Scan(&h.ID, &h.Owner, &h.Snippet, &h.Rank); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ftsQuery turns free text into an FTS5 expression of quoted terms, so user
// input never reaches the FTS query grammar. A trailing '*' on a term is kept
// as a prefix query.
func ftsQuery(text string) string {
	var terms []string
	for _, f := range strings.Fields(text) {
		prefix := strings.HasSuffix(f, "*")
		f = strings.Trim(f, "*")
		if f == "" {
			continue
		}
		t := `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
		if prefix {
			t += "*"
		}
		terms = append(terms, t)
	}
	return strings.Join(terms, " ")
}
