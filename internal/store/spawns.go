package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const spawnColumns = `id, agent_id, channel_id, COALESCE(parent_spawn_id, ''), mode, task, session_ref, profile_hash,
	pid, run, attempts, status, reason, output_path, output_size, last_output_at, stalled_at, created_at, started_at, ended_at`

func scanSpawn(sc scanner) (*Spawn, error) {
	var (
		sp                                    Spawn
		status, created                       string
		lastOutput, stalled, started, endedAt sql.NullString
	)
	if err := sc.Scan(&sp.ID, &sp.AgentID, &sp.ChannelID, &sp.ParentSpawnID, &sp.Mode, &sp.Task, &sp.SessionRef, &sp.ProfileHash,
		&sp.PID, &sp.Run, &sp.Attempts, &status, &sp.Reason, &sp.OutputPath, &sp.OutputSize,
		&lastOutput, &stalled, &created, &started, &endedAt); err != nil {
		return nil, err
	}
	sp.Status = SpawnStatus(status)
	sp.LastOutputAt = parseNullTime(lastOutput)
	sp.StalledAt = parseNullTime(stalled)
	sp.CreatedAt = parseTime(created)
	sp.StartedAt = parseNullTime(started)
	sp.EndedAt = parseNullTime(endedAt)
	return &sp, nil
}

func getSpawn(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id string) (*Spawn, error) {
	sp, err := scanSpawn(q.QueryRowContext(ctx, `SELECT `+spawnColumns+` FROM spawns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("spawn %s: %w", id, ErrNotFound)
	}
	return sp, err
}

// InsertSpawn is the atomic check-and-insert behind create_spawn. Inside one
// IMMEDIATE transaction it refuses the insert when a pending or running spawn
// already exists for (agent, channel), or when window > 0 and a spawn for the
// pair ended less than window ago. The partial unique index on active pairs
// rejects anything that slips past.
func (s *Store) InsertSpawn(ctx context.Context, sp *Spawn, window time.Duration, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertSpawn(ctx, tx, sp, window, now)
	})
}

func insertSpawn(ctx context.Context, tx *sql.Tx, sp *Spawn, window time.Duration, now time.Time) error {
	if sp.ID == "" {
		sp.ID = newID()
	}
	if sp.Mode == "" {
		sp.Mode = ModeTask
	}
	dup := &DuplicateSpawnError{AgentID: sp.AgentID, ChannelID: sp.ChannelID}

	var existing string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM spawns WHERE agent_id = ? AND channel_id = ? AND status IN ('pending', 'running') LIMIT 1`,
		sp.AgentID, sp.ChannelID).Scan(&existing)
	if err == nil {
		dup.Existing = existing
		return dup
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if window > 0 {
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM spawns WHERE agent_id = ? AND channel_id = ? AND ended_at IS NOT NULL AND ended_at > ?
			 ORDER BY ended_at DESC LIMIT 1`,
			sp.AgentID, sp.ChannelID, formatTime(now.Add(-window))).Scan(&existing)
		if err == nil {
			dup.Existing = existing
			return dup
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}

	var parent any
	if sp.ParentSpawnID != "" {
		var parentAgent string
		err := tx.QueryRowContext(ctx, `SELECT agent_id FROM spawns WHERE id = ?`, sp.ParentSpawnID).Scan(&parentAgent)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("parent spawn %s: %w", sp.ParentSpawnID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if parentAgent != sp.AgentID {
			return fmt.Errorf("parent spawn %s: %w", sp.ParentSpawnID, ErrParentMismatch)
		}
		parent = sp.ParentSpawnID
	}

	sp.Status = SpawnPending
	sp.CreatedAt = now.UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO spawns (id, agent_id, channel_id, parent_spawn_id, mode, task, session_ref, profile_hash, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.AgentID, sp.ChannelID, parent, sp.Mode, sp.Task, sp.SessionRef, sp.ProfileHash, string(SpawnPending), formatTime(now))
	if isUniqueViolation(err) {
		return dup
	}
	return err
}

func (s *Store) GetSpawn(ctx context.Context, id string) (*Spawn, error) {
	return getSpawn(ctx, s.db, id)
}

// ResolveSpawn accepts a full id or a unique id prefix.
func (s *Store) ResolveSpawn(ctx context.Context, ref string) (*Spawn, error) {
	id, err := s.resolveID(ctx, "spawn", "spawns", ref)
	if err != nil {
		return nil, err
	}
	return s.GetSpawn(ctx, id)
}

// SpawnFilter narrows ListSpawns. Empty fields match everything.
type SpawnFilter struct {
	AgentID   string
	ChannelID string
	Statuses  []SpawnStatus
	Limit     int
}

func (s *Store) ListSpawns(ctx context.Context, f SpawnFilter) ([]Spawn, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.ChannelID != "" {
		where = append(where, "channel_id = ?")
		args = append(args, f.ChannelID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	q := `SELECT ` + spawnColumns + ` FROM spawns`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Spawn
	for rows.Next() {
		sp, err := scanSpawn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sp)
	}
	return out, rows.Err()
}

// Transition moves a spawn to status to if its current status is one of from.
// Terminal targets stamp ended_at; pausing clears the pid; (re)entering
// running clears ended_at and the stall marker and stamps started_at, so a
// claimed run whose launch never completes can still age out. Entering running can collide
// with another active spawn for the pair, which yields ErrDuplicateSpawn.
func (s *Store) Transition(ctx context.Context, id string, from []SpawnStatus, to SpawnStatus, reason string, now time.Time) (*Spawn, error) {
	var out *Spawn
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getSpawn(ctx, tx, id)
		if err != nil {
			return err
		}
		if !containsStatus(from, cur.Status) {
			return &TransitionError{ID: id, Current: cur.Status, To: to}
		}
		if err := transition(ctx, tx, cur, to, reason, now); err != nil {
			return err
		}
		out, err = getSpawn(ctx, tx, id)
		return err
	})
	return out, err
}

func transition(ctx context.Context, tx *sql.Tx, cur *Spawn, to SpawnStatus, reason string, now time.Time) error {
	q := `UPDATE spawns SET status = ?, reason = ?`
	args := []any{string(to), reason}
	switch {
	case to.Terminal():
		q += `, ended_at = ?`
		args = append(args, formatTime(now))
	case to == SpawnPaused:
		q += `, pid = 0, stalled_at = NULL`
	case to == SpawnRunning:
		q += `, ended_at = NULL, stalled_at = NULL, started_at = ?`
		args = append(args, formatTime(now))
	}
	q += ` WHERE id = ? AND status = ?`
	args = append(args, cur.ID, string(cur.Status))
	res, err := tx.ExecContext(ctx, q, args...)
	if isUniqueViolation(err) {
		return &DuplicateSpawnError{AgentID: cur.AgentID, ChannelID: cur.ChannelID}
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &TransitionError{ID: cur.ID, Current: cur.Status, To: to}
	}
	return nil
}

func containsStatus(list []SpawnStatus, st SpawnStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}

// MarkStarted records a launched process for a pending or running spawn and
// moves it to running. started_at is the start of the current run. The
// agent's spawn counter is bumped on the first start.
func (s *Store) MarkStarted(ctx context.Context, id string, pid, run int, outputPath string, now time.Time) (*Spawn, error) {
	var out *Spawn
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getSpawn(ctx, tx, id)
		if err != nil {
			return err
		}
		if !cur.Status.Active() {
			return &TransitionError{ID: id, Current: cur.Status, To: SpawnRunning}
		}
		ts := formatTime(now)
		_, err = tx.ExecContext(ctx, `
			UPDATE spawns SET status = 'running', pid = ?, run = ?, output_path = ?, attempts = attempts + 1,
				output_size = 0, last_output_at = ?, stalled_at = NULL, reason = '', started_at = ?
			WHERE id = ?`,
			pid, run, outputPath, ts, ts, id)
		if err != nil {
			return err
		}
		if cur.Status == SpawnPending {
			if _, err := tx.ExecContext(ctx,
				`UPDATE agents SET spawn_count = spawn_count + 1, last_active_at = ? WHERE id = ?`, ts, cur.AgentID); err != nil {
				return err
			}
		}
		out, err = getSpawn(ctx, tx, id)
		return err
	})
	return out, err
}

// RecordOutput stores observed output progress and clears a stall marker.
func (s *Store) RecordOutput(ctx context.Context, id string, size int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE spawns SET output_size = ?, last_output_at = ?, stalled_at = NULL WHERE id = ?`,
		size, formatTime(at), id)
	return err
}

// MarkStalled flags a running spawn as stalled. It reports false when the
// spawn was already flagged or is no longer running.
func (s *Store) MarkStalled(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE spawns SET stalled_at = ? WHERE id = ? AND status = 'running' AND stalled_at IS NULL`,
		formatTime(now), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) SetSessionRef(ctx context.Context, id, ref string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE spawns SET session_ref = ? WHERE id = ?`, ref, id)
	return err
}

func (s *Store) SetSpawnProfileHash(ctx context.Context, id, hash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE spawns SET profile_hash = ? WHERE id = ?`, hash, id)
	return err
}

// CompactSpawn completes spawn id and inserts successor as its child for the
// same agent and channel, atomically.
func (s *Store) CompactSpawn(ctx context.Context, id string, successor *Spawn, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getSpawn(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != SpawnRunning && cur.Status != SpawnPaused {
			return &TransitionError{ID: id, Current: cur.Status, To: SpawnCompleted}
		}
		if err := transition(ctx, tx, cur, SpawnCompleted, "compacted", now); err != nil {
			return err
		}
		successor.AgentID = cur.AgentID
		successor.ChannelID = cur.ChannelID
		successor.ParentSpawnID = cur.ID
		if successor.Mode == "" {
			successor.Mode = cur.Mode
		}
		return insertSpawn(ctx, tx, successor, 0, now)
	})
}

// DeleteSpawn removes a spawn that never got past its launch. Spawns with
// children or terminal status are kept.
func (s *Store) DeleteSpawn(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getSpawn(ctx, tx, id)
		if err != nil {
			return err
		}
		if !cur.Status.Active() {
			return &TransitionError{ID: id, Current: cur.Status, To: "deleted"}
		}
		var children int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM spawns WHERE parent_spawn_id = ?`, id).Scan(&children); err != nil {
			return err
		}
		if children > 0 {
			return fmt.Errorf("spawn %s has %d successors", id, children)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM spawns WHERE id = ?`, id); err != nil {
			return err
		}
		if cur.StartedAt != nil {
			_, err = tx.ExecContext(ctx,
				`UPDATE agents SET spawn_count = MAX(spawn_count - 1, 0) WHERE id = ?`, cur.AgentID)
		}
		return err
	})
}

// Lineage returns the chain from the root ancestor down to spawn id.
func (s *Store) Lineage(ctx context.Context, id string) ([]Spawn, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain(id, depth) AS (
			SELECT id, 0 FROM spawns WHERE id = ?
			UNION ALL
			SELECT sp.parent_spawn_id, chain.depth + 1
			FROM spawns sp JOIN chain ON sp.id = chain.id
			WHERE sp.parent_spawn_id IS NOT NULL
		)
		SELECT `+spawnColumns+` FROM spawns JOIN chain USING (id) ORDER BY chain.depth DESC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Spawn
	for rows.Next() {
		sp, err := scanSpawn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("spawn %s: %w", id, ErrNotFound)
	}
	return out, nil
}

// Successors returns the direct compaction children of spawn id.
func (s *Store) Successors(ctx context.Context, id string) ([]Spawn, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+spawnColumns+` FROM spawns WHERE parent_spawn_id = ? ORDER BY created_at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Spawn
	for rows.Next() {
		sp, err := scanSpawn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sp)
	}
	return out, rows.Err()
}

// StatusCounts returns the number of spawns per status.
func (s *Store) StatusCounts(ctx context.Context) (map[SpawnStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM spawns GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[SpawnStatus]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[SpawnStatus(st)] = n
	}
	return out, rows.Err()
}
