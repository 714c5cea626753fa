package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const agentColumns = `id, name, provider, model, profile_hash, spawn_count, created_at, last_active_at, archived_at`

func scanAgent(sc scanner) (*Agent, error) {
	var (
		a                    Agent
		created              string
		lastActive, archived sql.NullString
	)
	if err := sc.Scan(&a.ID, &a.Name, &a.Provider, &a.Model, &a.ProfileHash, &a.SpawnCount, &created, &lastActive, &archived); err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(created)
	a.LastActiveAt = parseNullTime(lastActive)
	a.ArchivedAt = parseNullTime(archived)
	return &a, nil
}

// NormalizeName lower-cases and trims an agent or channel name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "@")))
}

// ValidName reports whether a normalized name can be written as an @mention
// or #link: letters, digits, '_', '-' and '.', starting with a letter or
// digit and not ending in '-' or '.'.
func ValidName(name string) bool {
	if name == "" || !isNameStart(name[0]) || strings.HasSuffix(name, "-") || strings.HasSuffix(name, ".") {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isNameStart(c) && c != '_' && c != '-' && c != '.' {
			return false
		}
	}
	return true
}

func isNameStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

// CreateAgent registers a new identity. The name is normalized and must be
// mentionable.
func (s *Store) CreateAgent(ctx context.Context, a *Agent, now time.Time) error {
	a.Name = NormalizeName(a.Name)
	if a.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if !ValidName(a.Name) {
		return fmt.Errorf("agent %q: %w", a.Name, ErrInvalidName)
	}
	if a.ID == "" {
		a.ID = newID()
	}
	a.CreatedAt = now.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, provider, model, profile_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Provider, a.Model, a.ProfileHash, formatTime(now))
	if isUniqueViolation(err) {
		return fmt.Errorf("agent %q: %w", a.Name, ErrAlreadyExists)
	}
	return err
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, err
}

// AgentByName looks up an identity by exact name, archived or not.
func (s *Store) AgentByName(ctx context.Context, name string) (*Agent, error) {
	name = NormalizeName(name)
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	return a, err
}

// ResolveAgent accepts a name or an id prefix.
func (s *Store) ResolveAgent(ctx context.Context, ref string) (*Agent, error) {
	if a, err := s.AgentByName(ctx, ref); err == nil {
		return a, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	id, err := s.resolveID(ctx, "agent", "agents", ref)
	if err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, id)
}

func (s *Store) ListAgents(ctx context.Context, includeArchived bool) ([]Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents`
	if !includeArchived {
		q += ` WHERE archived_at IS NULL`
	}
	q += ` ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ArchiveAgent hides the agent from mention resolution. History is kept.
func (s *Store) ArchiveAgent(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET archived_at = ? WHERE id = ? AND archived_at IS NULL`, formatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetAgent(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SetAgentProfileHash(ctx context.Context, id, hash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET profile_hash = ? WHERE id = ?`, hash, id)
	return err
}

// TouchAgent records activity by the agent.
func (s *Store) TouchAgent(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_active_at = ? WHERE id = ?`, formatTime(now), id)
	return err
}
