package spawn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/KafClaw/agentbus/internal/bus"
	"github.com/KafClaw/agentbus/internal/store"
)

// HealthReport lists what one health scan changed.
type HealthReport struct {
	Scanned   int      `json:"scanned"`
	Failed    []string `json:"failed,omitempty"`
	TimedOut  []string `json:"timed_out,omitempty"`
	Stalled   []string `json:"stalled,omitempty"`
	Linked    []string `json:"linked,omitempty"`
	Launching []string `json:"launching,omitempty"`
}

// CleanupReport lists the spawns a cleanup sweep failed.
type CleanupReport struct {
	Unreconciled []string `json:"unreconciled,omitempty"`
	Orphaned     []string `json:"orphaned,omitempty"`
}

// HealthScan checks every running spawn. Dead processes fail the spawn,
// runs past the timeout end in timeout, and spawns without output growth
// past the stall threshold are flagged once. It is the only path that moves
// a spawn out of running without a caller asking for it.
func (m *Manager) HealthScan(ctx context.Context) (*HealthReport, error) {
	running, err := m.store.ListSpawns(ctx, store.SpawnFilter{Statuses: []store.SpawnStatus{store.SpawnRunning}})
	if err != nil {
		return nil, err
	}
	report := &HealthReport{Scanned: len(running)}
	agents := m.agentCache(ctx)
	for i := range running {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sp := &running[i]
		agent := agents(sp.AgentID)
		if agent == nil {
			continue
		}
		m.check(ctx, sp, agent, report)
	}
	if n := len(report.Failed) + len(report.TimedOut) + len(report.Stalled); n > 0 {
		slog.Info("Health scan", "scanned", report.Scanned, "failed", len(report.Failed),
			"timeout", len(report.TimedOut), "stalled", len(report.Stalled))
	}
	return report, nil
}

func (m *Manager) check(ctx context.Context, sp *store.Spawn, agent *store.Agent, report *HealthReport) {
	// No pid yet: a resume has claimed the row and is still launching.
	if sp.PID == 0 {
		report.Launching = append(report.Launching, sp.ID)
		return
	}
	before := sp.SessionRef
	if ref := m.link(ctx, sp, agent); ref != before {
		report.Linked = append(report.Linked, sp.ID)
	}

	now := m.now()
	running := []store.SpawnStatus{store.SpawnRunning}
	if !m.procs.Alive(sp.PID) {
		if m.conclude(ctx, sp, agent, running, store.SpawnFailed, "process_exited", bus.KindSpawnFailed, now) {
			report.Failed = append(report.Failed, sp.ID)
		}
		return
	}
	if limit := m.cfg.Timeout(); limit > 0 && sp.StartedAt != nil && now.Sub(*sp.StartedAt) > limit {
		if m.conclude(ctx, sp, agent, running, store.SpawnTimeout, "timeout", bus.KindSpawnTimeout, now) {
			m.terminate(sp.ID, sp.PID)
			report.TimedOut = append(report.TimedOut, sp.ID)
		}
		return
	}
	if m.observeOutput(ctx, sp, agent, now) {
		report.Stalled = append(report.Stalled, sp.ID)
	}
}

// observeOutput records output growth of the current run, or flags the
// spawn as stalled. It reports whether a stall was newly flagged.
func (m *Manager) observeOutput(ctx context.Context, sp *store.Spawn, agent *store.Agent, now time.Time) bool {
	if sp.OutputPath == "" {
		return false
	}
	if info, err := os.Stat(sp.OutputPath); err == nil && info.Size() != sp.OutputSize {
		if err := m.store.RecordOutput(ctx, sp.ID, info.Size(), now); err != nil {
			slog.Warn("Failed to record spawn output", "spawn", sp.ID, "error", err)
		}
		return false
	}

	limit := m.cfg.StallThreshold()
	last := sp.LastOutputAt
	if last == nil {
		last = sp.StartedAt
	}
	if limit <= 0 || last == nil || now.Sub(*last) <= limit {
		return false
	}
	flagged, err := m.store.MarkStalled(ctx, sp.ID, now)
	if err != nil {
		slog.Warn("Failed to mark spawn stalled", "spawn", sp.ID, "error", err)
		return false
	}
	if !flagged {
		return false
	}
	idle := now.Sub(*last).Round(time.Second)
	slog.Warn("Spawn stalled", "spawn", sp.ID, "agent", agent.Name, "channel", sp.ChannelID, "idle", idle)
	m.emit(bus.KindSpawnStalled, sp, agent, fmt.Sprintf("no output for %s", idle))
	return true
}

// Cleanup fails running spawns whose process is gone without anyone having
// noticed (for example after a coordinator restart), and pending or claimed
// running spawns that never got a process within the orphan window.
func (m *Manager) Cleanup(ctx context.Context) (*CleanupReport, error) {
	active, err := m.store.ListSpawns(ctx, store.SpawnFilter{
		Statuses: []store.SpawnStatus{store.SpawnPending, store.SpawnRunning},
	})
	if err != nil {
		return nil, err
	}
	report := &CleanupReport{}
	agents := m.agentCache(ctx)
	now := m.now()
	orphanAfter := m.cfg.OrphanAfter()
	for i := range active {
		sp := &active[i]
		switch {
		case sp.Status == store.SpawnRunning && sp.PID == 0:
			if orphanAfter > 0 && sp.StartedAt != nil && now.Sub(*sp.StartedAt) > orphanAfter &&
				m.conclude(ctx, sp, agents(sp.AgentID), []store.SpawnStatus{store.SpawnRunning},
					store.SpawnFailed, "orphaned", bus.KindSpawnFailed, now) {
				report.Orphaned = append(report.Orphaned, sp.ID)
			}
		case sp.Status == store.SpawnRunning && !m.procs.Alive(sp.PID):
			if m.conclude(ctx, sp, agents(sp.AgentID), []store.SpawnStatus{store.SpawnRunning},
				store.SpawnFailed, "unreconciled", bus.KindSpawnFailed, now) {
				report.Unreconciled = append(report.Unreconciled, sp.ID)
			}
		case sp.Status == store.SpawnPending && sp.PID == 0 && orphanAfter > 0 && now.Sub(sp.CreatedAt) > orphanAfter:
			if m.conclude(ctx, sp, agents(sp.AgentID), []store.SpawnStatus{store.SpawnPending},
				store.SpawnFailed, "orphaned", bus.KindSpawnFailed, now) {
				report.Orphaned = append(report.Orphaned, sp.ID)
			}
		}
	}
	return report, nil
}

// conclude applies a supervisor-driven transition. Losing the race to
// another coordinator or caller is not an error.
func (m *Manager) conclude(ctx context.Context, sp *store.Spawn, agent *store.Agent, from []store.SpawnStatus, to store.SpawnStatus, reason, kind string, now time.Time) bool {
	done, err := m.store.Transition(ctx, sp.ID, from, to, reason, now)
	if errors.Is(err, store.ErrInvalidTransition) {
		slog.Debug("Spawn already moved on", "spawn", sp.ID, "error", err)
		return false
	}
	if err != nil {
		slog.Warn("Spawn transition failed", "spawn", sp.ID, "to", to, "error", err)
		return false
	}
	name := ""
	if agent != nil {
		name = agent.Name
	}
	slog.Info("Spawn finished", "spawn", sp.ID, "agent", name, "channel", sp.ChannelID, "status", done.Status, "reason", reason)
	m.emit(kind, done, agent, reason)
	return true
}

func (m *Manager) agentCache(ctx context.Context) func(id string) *store.Agent {
	cache := map[string]*store.Agent{}
	return func(id string) *store.Agent {
		if a, ok := cache[id]; ok {
			return a
		}
		a, err := m.store.GetAgent(ctx, id)
		if err != nil {
			slog.Warn("Spawn agent lookup failed", "agent", id, "error", err)
		}
		cache[id] = a
		return a
	}
}
