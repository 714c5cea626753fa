package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSelfHandoff is returned when a handoff names the same agent on both ends.
var ErrSelfHandoff = errors.New("handoff from and to the same agent")

const handoffColumns = `id, channel_id, from_agent_id, to_agent_id, summary, message_id, status, created_at, closed_at`

func scanHandoff(sc scanner) (*Handoff, error) {
	var (
		h       Handoff
		created string
		closed  sql.NullString
	)
	if err := sc.Scan(&h.ID, &h.ChannelID, &h.FromAgentID, &h.ToAgentID, &h.Summary, &h.MessageID, &h.Status, &created, &closed); err != nil {
		return nil, err
	}
	h.CreatedAt = parseTime(created)
	h.ClosedAt = parseNullTime(closed)
	return &h, nil
}

func (s *Store) CreateHandoff(ctx context.Context, h *Handoff, now time.Time) error {
	if h.FromAgentID == h.ToAgentID {
		return ErrSelfHandoff
	}
	if h.ID == "" {
		h.ID = newID()
	}
	if h.Status == "" {
		h.Status = HandoffOpen
	}
	h.CreatedAt = now.UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handoffs (id, channel_id, from_agent_id, to_agent_id, summary, message_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.ChannelID, h.FromAgentID, h.ToAgentID, h.Summary, h.MessageID, h.Status, formatTime(now))
	return err
}

func (s *Store) GetHandoff(ctx context.Context, id string) (*Handoff, error) {
	h, err := scanHandoff(s.db.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("handoff %s: %w", id, ErrNotFound)
	}
	return h, err
}

func (s *Store) ResolveHandoff(ctx context.Context, ref string) (*Handoff, error) {
	id, err := s.resolveID(ctx, "handoff", "handoffs", ref)
	if err != nil {
		return nil, err
	}
	return s.GetHandoff(ctx, id)
}

// SetHandoffStatus updates an unclosed handoff. Closing stamps closed_at.
func (s *Store) SetHandoffStatus(ctx context.Context, id, status string, now time.Time) error {
	var closed any
	if status == HandoffClosed {
		closed = formatTime(now)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE handoffs SET status = ?, closed_at = ? WHERE id = ? AND status <> 'closed'`, status, closed, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		h, err := s.GetHandoff(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("handoff %s is already %s", id, h.Status)
	}
	return nil
}

// ListHandoffs filters by channel and status; empty values match all.
func (s *Store) ListHandoffs(ctx context.Context, channelID, status string) ([]Handoff, error) {
	q := `SELECT ` + handoffColumns + ` FROM handoffs WHERE 1 = 1`
	var args []any
	if channelID != "" {
		q += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}
