package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const channelColumns = `id, name, topic, COALESCE(parent_channel_id, ''), pinned, archived_at, created_at`

func scanChannel(sc scanner) (*Channel, error) {
	var (
		c        Channel
		pinned   int
		archived sql.NullString
		created  string
	)
	if err := sc.Scan(&c.ID, &c.Name, &c.Topic, &c.ParentChannelID, &pinned, &archived, &created); err != nil {
		return nil, err
	}
	c.Pinned = pinned != 0
	c.ArchivedAt = parseNullTime(archived)
	c.CreatedAt = parseTime(created)
	return &c, nil
}

func (s *Store) CreateChannel(ctx context.Context, c *Channel, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertChannel(ctx, tx, c, now)
	})
}

func insertChannel(ctx context.Context, tx *sql.Tx, c *Channel, now time.Time) error {
	c.Name = NormalizeName(strings.TrimPrefix(strings.TrimSpace(c.Name), "#"))
	if c.Name == "" {
		return fmt.Errorf("channel name is required")
	}
	if !ValidName(c.Name) {
		return fmt.Errorf("channel %q: %w", c.Name, ErrInvalidName)
	}
	if c.ID == "" {
		c.ID = newID()
	}
	c.CreatedAt = now.UTC()
	var parent any
	if c.ParentChannelID != "" {
		parent = c.ParentChannelID
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO channels (id, name, topic, parent_channel_id, pinned, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Topic, parent, boolInt(c.Pinned), formatTime(now))
	if isUniqueViolation(err) {
		return fmt.Errorf("channel %q: %w", c.Name, ErrAlreadyExists)
	}
	return err
}

func (s *Store) GetChannel(ctx context.Context, id string) (*Channel, error) {
	c, err := scanChannel(s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	return c, err
}

func (s *Store) ChannelByName(ctx context.Context, name string) (*Channel, error) {
	name = NormalizeName(strings.TrimPrefix(strings.TrimSpace(name), "#"))
	c, err := scanChannel(s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %q: %w", name, ErrNotFound)
	}
	return c, err
}

// ResolveChannel accepts a name (with or without '#') or an id prefix.
func (s *Store) ResolveChannel(ctx context.Context, ref string) (*Channel, error) {
	if c, err := s.ChannelByName(ctx, ref); err == nil {
		return c, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	id, err := s.resolveID(ctx, "channel", "channels", ref)
	if err != nil {
		return nil, err
	}
	return s.GetChannel(ctx, id)
}

func (s *Store) ListChannels(ctx context.Context, includeArchived bool) ([]Channel, error) {
	q := `SELECT ` + channelColumns + ` FROM channels`
	if !includeArchived {
		q += ` WHERE archived_at IS NULL`
	}
	q += ` ORDER BY pinned DESC, name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ArchiveChannel makes the channel read-only. Channels are never deleted.
func (s *Store) ArchiveChannel(ctx context.Context, id string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return archiveChannel(ctx, tx, id, now)
	})
}

func archiveChannel(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE channels SET archived_at = ? WHERE id = ? AND archived_at IS NULL`, formatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var archived sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT archived_at FROM channels WHERE id = ?`, id).Scan(&archived)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("channel %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("channel %s: %w", id, ErrChannelArchived)
	}
	return nil
}

func (s *Store) SetChannelPinned(ctx context.Context, id string, pinned bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET pinned = ? WHERE id = ?`, boolInt(pinned), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	return nil
}

// RotateChannel replaces the channel with a successor in one transaction: the
// successor is created with the original as parent, summary becomes its first
// message, and the original is archived.
func (s *Store) RotateChannel(ctx context.Context, id, authorID, summary string, now time.Time) (*Channel, *Message, error) {
	var (
		next *Channel
		msg  *Message
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanChannel(tx.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("channel %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if cur.ArchivedAt != nil {
			return fmt.Errorf("channel %s: %w", cur.Name, ErrChannelArchived)
		}
		name, err := nextRotationName(ctx, tx, cur.Name)
		if err != nil {
			return err
		}
		next = &Channel{Name: name, Topic: cur.Topic, ParentChannelID: cur.ID, Pinned: cur.Pinned}
		if err := insertChannel(ctx, tx, next, now); err != nil {
			return err
		}
		msg, err = insertMessage(ctx, tx, next.ID, authorID, summary, now)
		if err != nil {
			return err
		}
		return archiveChannel(ctx, tx, cur.ID, now)
	})
	if err != nil {
		return nil, nil, err
	}
	return next, msg, nil
}

// RotationBase strips a trailing ".N" generation suffix.
func RotationBase(name string) (string, int) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return name, 1
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil || n < 1 {
		return name, 1
	}
	return name[:i], n
}

func nextRotationName(ctx context.Context, tx *sql.Tx, name string) (string, error) {
	base, gen := RotationBase(name)
	for n := gen + 1; ; n++ {
		candidate := fmt.Sprintf("%s.%d", base, n)
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM channels WHERE name = ?`, candidate).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// ChannelLineage returns the channel and its ancestors, newest first.
func (s *Store) ChannelLineage(ctx context.Context, id string) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain(id, depth) AS (
			SELECT id, 0 FROM channels WHERE id = ?
			UNION ALL
			SELECT c.parent_channel_id, chain.depth + 1
			FROM channels c JOIN chain ON c.id = chain.id
			WHERE c.parent_channel_id IS NOT NULL
		)
		SELECT `+channelColumns+` FROM channels JOIN chain USING (id) ORDER BY chain.depth`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	return out, nil
}

func (s *Store) CountMessages(ctx context.Context, channelID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE channel_id = ?`, channelID).Scan(&n)
	return n, err
}
