// Package spawn implements the spawn lifecycle: creating spawns under the
// one-active-spawn-per-pair rule, launching them as detached provider
// processes, and supervising them through periodic health scans.
//
// The store is the only authority. The manager keeps no record of which
// spawns are active, so any number of coordinators may share a database.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/KafClaw/agentbus/internal/bus"
	"github.com/KafClaw/agentbus/internal/config"
	"github.com/KafClaw/agentbus/internal/identity"
	"github.com/KafClaw/agentbus/internal/provider"
	"github.com/KafClaw/agentbus/internal/store"
)

// Profiles supplies an agent's behavioral profile.
type Profiles interface {
	Load(agent string) (*identity.Profile, error)
}

// Limiter bounds concurrent launches within one coordinator.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release()
}

type Option func(*Manager)

func WithLauncher(l Launcher) Option         { return func(m *Manager) { m.launcher = l } }
func WithProcessTable(p ProcessTable) Option { return func(m *Manager) { m.procs = p } }
func WithProfiles(p Profiles) Option         { return func(m *Manager) { m.profiles = p } }
func WithEvents(p bus.Publisher) Option      { return func(m *Manager) { m.events = p } }
func WithConfig(c config.SpawnConfig) Option { return func(m *Manager) { m.cfg = c } }
func WithLogDir(dir string) Option           { return func(m *Manager) { m.logDir = dir } }
func WithWorkDir(dir string) Option          { return func(m *Manager) { m.workDir = dir } }
func WithHome(dir string) Option             { return func(m *Manager) { m.home = dir } }
func WithLaunchLimiter(l Limiter) Option     { return func(m *Manager) { m.limiter = l } }

// WithClock replaces the wall clock, mostly for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithSelf names the spawn the calling process runs inside, if any. The
// manager never signals that spawn's process group, since doing so would
// kill the caller.
func WithSelf(spawnID string) Option { return func(m *Manager) { m.self = spawnID } }

// Manager drives spawns through their lifecycle.
type Manager struct {
	store    *store.Store
	linker   *provider.Linker
	launcher Launcher
	procs    ProcessTable
	profiles Profiles
	events   bus.Publisher
	limiter  Limiter
	cfg      config.SpawnConfig
	logDir   string
	workDir  string
	home     string
	self     string
	now      func() time.Time
}

// NewManager creates a Manager. A nil linker uses the built-in providers
// without overrides.
func NewManager(st *store.Store, linker *provider.Linker, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		linker:   linker,
		launcher: OSLauncher{},
		procs:    OSProcessTable{},
		events:   bus.Discard{},
		cfg:      config.DefaultConfig().Spawn,
		logDir:   filepath.Join(os.TempDir(), "agentbus-spawns"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.linker == nil {
		m.linker = provider.NewLinker(nil, nil, st)
	}
	if m.profiles == nil {
		m.profiles = identity.NewLoader(filepath.Join(m.home, "profiles"))
	}
	return m
}

// CreateRequest describes a spawn to create.
type CreateRequest struct {
	// Agent is a name or id prefix.
	Agent         string
	ChannelID     string
	ParentSpawnID string
	Mode          string
	Task          string
	// Window refuses creation when a spawn for the same pair ended less
	// than Window ago. Zero disables it.
	Window time.Duration
}

// Create inserts a pending spawn with the agent's current profile hash. A
// second active spawn for the same (agent, channel) yields
// store.ErrDuplicateSpawn.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Spawn, error) {
	sp, _, err := m.create(ctx, req)
	return sp, err
}

func (m *Manager) create(ctx context.Context, req CreateRequest) (*store.Spawn, *store.Agent, error) {
	switch req.Mode {
	case "", store.ModeTask, store.ModeInteractive:
	default:
		return nil, nil, fmt.Errorf("invalid spawn mode %q", req.Mode)
	}
	agent, err := m.store.ResolveAgent(ctx, req.Agent)
	if err != nil {
		return nil, nil, err
	}
	if !agent.Spawnable() {
		return nil, nil, fmt.Errorf("%s: %w", agent.Name, ErrNotSpawnable)
	}
	if req.ChannelID != "" {
		ch, err := m.store.GetChannel(ctx, req.ChannelID)
		if err != nil {
			return nil, nil, err
		}
		if ch.ArchivedAt != nil {
			return nil, nil, fmt.Errorf("channel %s: %w", ch.Name, store.ErrChannelArchived)
		}
	}
	prof, err := m.profiles.Load(agent.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("load profile: %w", err)
	}

	sp := &store.Spawn{
		AgentID:       agent.ID,
		ChannelID:     req.ChannelID,
		ParentSpawnID: req.ParentSpawnID,
		Mode:          string(provider.ParseMode(req.Mode)),
		Task:          req.Task,
		ProfileHash:   prof.Hash,
	}
	if err := m.store.InsertSpawn(ctx, sp, req.Window, m.now()); err != nil {
		if errors.Is(err, store.ErrDuplicateSpawn) {
			slog.Debug("Spawn suppressed", "agent", agent.Name, "channel", req.ChannelID, "error", err)
		}
		return nil, nil, err
	}
	if agent.ProfileHash != prof.Hash {
		if err := m.store.SetAgentProfileHash(ctx, agent.ID, prof.Hash); err != nil {
			slog.Warn("Failed to record agent profile hash", "agent", agent.Name, "error", err)
		}
	}
	slog.Info("Spawn created", "spawn", sp.ID, "agent", agent.Name, "channel", sp.ChannelID, "status", sp.Status)
	m.emit(bus.KindSpawnCreated, sp, agent, sp.Task)
	return sp, agent, nil
}

// Start launches a pending spawn. If every attempt fails the spawn is marked
// failed and a *LaunchError is returned.
func (m *Manager) Start(ctx context.Context, ref string) (*store.Spawn, error) {
	sp, agent, err := m.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if sp.Status != store.SpawnPending {
		return nil, &store.TransitionError{ID: sp.ID, Current: sp.Status, To: store.SpawnRunning}
	}
	started, err := m.startFresh(ctx, sp, agent)
	if err != nil {
		m.markLaunchFailed(ctx, sp, agent, err)
		return nil, err
	}
	return started, nil
}

// Spawn creates and starts in one step. When the launch fails the created
// row is removed again, so no half-created spawn is left behind.
func (m *Manager) Spawn(ctx context.Context, req CreateRequest) (*store.Spawn, error) {
	sp, agent, err := m.create(ctx, req)
	if err != nil {
		return nil, err
	}
	started, err := m.startFresh(ctx, sp, agent)
	if err != nil {
		if derr := m.store.DeleteSpawn(context.WithoutCancel(ctx), sp.ID); derr != nil {
			slog.Error("Failed to roll back spawn", "spawn", sp.ID, "error", derr)
			m.markLaunchFailed(ctx, sp, agent, err)
		}
		return nil, err
	}
	return started, nil
}

func (m *Manager) startFresh(ctx context.Context, sp *store.Spawn, agent *store.Agent) (*store.Spawn, error) {
	ch := m.channel(ctx, sp.ChannelID)
	prompt := taskPrompt(agent, ch, sp.Task)
	if sp.ParentSpawnID != "" {
		prompt = compactPrompt(agent, ch, sp.Task)
	}
	started, err := m.launch(ctx, sp, agent, ch, prompt, "")
	if err != nil {
		return nil, err
	}
	m.emit(bus.KindSpawnStarted, started, agent, "")
	return started, nil
}

func (m *Manager) markLaunchFailed(ctx context.Context, sp *store.Spawn, agent *store.Agent, cause error) {
	failed, err := m.store.Transition(context.WithoutCancel(ctx), sp.ID,
		[]store.SpawnStatus{store.SpawnPending, store.SpawnRunning}, store.SpawnFailed, "launch_failure", m.now())
	if err != nil {
		slog.Error("Failed to mark spawn failed", "spawn", sp.ID, "error", err)
		return
	}
	slog.Warn("Spawn failed", "spawn", sp.ID, "agent", agent.Name, "channel", sp.ChannelID, "status", failed.Status, "error", cause)
	m.emit(bus.KindSpawnFailed, failed, agent, cause.Error())
}

// Pause freezes a running spawn on the same row. The provider conversation
// is kept; the local process is terminated and the session is linked first
// so a later Resume can continue it.
func (m *Manager) Pause(ctx context.Context, ref string) (*store.Spawn, error) {
	sp, agent, err := m.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if sp.Status != store.SpawnRunning {
		return nil, &store.TransitionError{ID: sp.ID, Current: sp.Status, To: store.SpawnPaused}
	}
	m.link(ctx, sp, agent)
	paused, err := m.store.Transition(ctx, sp.ID, []store.SpawnStatus{store.SpawnRunning}, store.SpawnPaused, "paused", m.now())
	if err != nil {
		return nil, err
	}
	m.terminate(sp.ID, sp.PID)
	slog.Info("Spawn paused", "spawn", sp.ID, "agent", agent.Name, "channel", sp.ChannelID, "status", paused.Status, "session", paused.SessionRef)
	m.emit(bus.KindSpawnPaused, paused, agent, "")
	return paused, nil
}

// Resume re-invokes the provider with instruction inside the session linked
// before the pause. The spawn keeps its id. Without a linked session it
// fails with ErrMissingSession.
func (m *Manager) Resume(ctx context.Context, ref, instruction string) (*store.Spawn, error) {
	sp, agent, err := m.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if sp.Status != store.SpawnPaused {
		return nil, &store.TransitionError{ID: sp.ID, Current: sp.Status, To: store.SpawnRunning}
	}
	session := sp.SessionRef
	if session == "" {
		session = m.link(ctx, sp, agent)
	}
	if session == "" {
		return nil, fmt.Errorf("spawn %s: %w", sp.ID, ErrMissingSession)
	}
	if prof, err := m.profiles.Load(agent.Name); err == nil && prof.Hash != sp.ProfileHash {
		slog.Warn("Profile changed since launch; resumed session keeps the launched profile",
			"spawn", sp.ID, "agent", agent.Name, "launched", shortHash(sp.ProfileHash), "current", shortHash(prof.Hash))
	}

	running, err := m.store.Transition(ctx, sp.ID, []store.SpawnStatus{store.SpawnPaused}, store.SpawnRunning, "", m.now())
	if err != nil {
		return nil, err
	}
	ch := m.channel(ctx, sp.ChannelID)
	resumed, err := m.launch(ctx, running, agent, ch, resumePrompt(ch, instruction), session)
	if err != nil {
		if _, rerr := m.store.Transition(context.WithoutCancel(ctx), sp.ID,
			[]store.SpawnStatus{store.SpawnRunning}, store.SpawnPaused, "launch_failure", m.now()); rerr != nil {
			slog.Error("Failed to return spawn to paused", "spawn", sp.ID, "error", rerr)
		}
		return nil, err
	}
	m.emit(bus.KindSpawnResumed, resumed, agent, instruction)
	return resumed, nil
}

// Complete ends a running spawn successfully.
func (m *Manager) Complete(ctx context.Context, ref, reason string) (*store.Spawn, error) {
	return m.finish(ctx, ref, []store.SpawnStatus{store.SpawnRunning}, store.SpawnCompleted, reason, bus.KindSpawnCompleted)
}

// Fail ends a pending or running spawn with reason.
func (m *Manager) Fail(ctx context.Context, ref, reason string) (*store.Spawn, error) {
	if reason == "" {
		reason = "failed"
	}
	return m.finish(ctx, ref, []store.SpawnStatus{store.SpawnPending, store.SpawnRunning}, store.SpawnFailed, reason, bus.KindSpawnFailed)
}

// Kill aborts a spawn from any non-terminal state and signals its process.
func (m *Manager) Kill(ctx context.Context, ref string) (*store.Spawn, error) {
	return m.finish(ctx, ref, store.NonTerminal, store.SpawnKilled, "killed", bus.KindSpawnKilled)
}

func (m *Manager) finish(ctx context.Context, ref string, from []store.SpawnStatus, to store.SpawnStatus, reason, kind string) (*store.Spawn, error) {
	sp, agent, err := m.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	m.link(ctx, sp, agent)
	done, err := m.store.Transition(ctx, sp.ID, from, to, reason, m.now())
	if err != nil {
		return nil, err
	}
	m.terminate(sp.ID, sp.PID)
	slog.Info("Spawn finished", "spawn", sp.ID, "agent", agent.Name, "channel", sp.ChannelID, "status", done.Status, "reason", reason)
	m.emit(kind, done, agent, reason)
	return done, nil
}

// Compact completes a running or paused spawn and starts a successor for the
// same agent and channel whose parent is the completed spawn. The successor
// starts a fresh provider context seeded with summary.
func (m *Manager) Compact(ctx context.Context, ref, summary string) (*store.Spawn, error) {
	if summary == "" {
		return nil, errors.New("compact requires a summary")
	}
	sp, agent, err := m.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if sp.Status != store.SpawnRunning && sp.Status != store.SpawnPaused {
		return nil, &store.TransitionError{ID: sp.ID, Current: sp.Status, To: store.SpawnCompleted}
	}
	m.link(ctx, sp, agent)
	prof, err := m.profiles.Load(agent.Name)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	successor := &store.Spawn{Mode: sp.Mode, Task: summary, ProfileHash: prof.Hash}
	if err := m.store.CompactSpawn(ctx, sp.ID, successor, m.now()); err != nil {
		return nil, err
	}
	m.terminate(sp.ID, sp.PID)
	sp.Status = store.SpawnCompleted
	slog.Info("Spawn compacted", "spawn", sp.ID, "successor", successor.ID, "agent", agent.Name, "channel", sp.ChannelID)
	m.emit(bus.KindSpawnCompacted, sp, agent, successor.ID)

	started, err := m.startFresh(ctx, successor, agent)
	if err != nil {
		m.markLaunchFailed(ctx, successor, agent, err)
		return nil, err
	}
	return started, nil
}

// Lineage returns the compaction chain ending at ref, root first.
func (m *Manager) Lineage(ctx context.Context, ref string) ([]store.Spawn, error) {
	sp, err := m.store.ResolveSpawn(ctx, ref)
	if err != nil {
		return nil, err
	}
	return m.store.Lineage(ctx, sp.ID)
}

// launch starts one run of sp, retrying launch failures. A process that
// exits within the launch grace period without writing output counts as a
// failed attempt.
func (m *Manager) launch(ctx context.Context, sp *store.Spawn, agent *store.Agent, ch *store.Channel, prompt, resumeID string) (*store.Spawn, error) {
	if m.limiter != nil {
		if err := m.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		defer m.limiter.Release()
	}

	req := provider.LaunchRequest{
		Mode:            provider.ParseMode(sp.Mode),
		Model:           agent.Model,
		Prompt:          prompt,
		ResumeSessionID: resumeID,
	}
	// A resumed conversation already carries its profile.
	if resumeID == "" {
		prof, err := m.profiles.Load(agent.Name)
		if err != nil {
			return nil, fmt.Errorf("load profile: %w", err)
		}
		req.Profile = prof.Text
		if prof.Hash != sp.ProfileHash {
			if err := m.store.SetSpawnProfileHash(ctx, sp.ID, prof.Hash); err != nil {
				return nil, err
			}
			sp.ProfileHash = prof.Hash
		}
	}
	inv, err := m.linker.LaunchArgs(agent.Provider, req)
	if err != nil {
		return nil, err
	}

	env := []string{
		"AGENTBUS_SPAWN_ID=" + sp.ID,
		"AGENTBUS_AGENT=" + agent.Name,
	}
	if ch != nil {
		env = append(env, "AGENTBUS_CHANNEL="+ch.Name)
	}
	if m.home != "" {
		env = append(env, "AGENTBUS_HOME="+m.home)
	}
	env = append(env, inv.Env...)

	attempts := 1 + max(m.cfg.LaunchRetries, 0)
	var lastErr error
	for i := 1; i <= attempts; i++ {
		run := sp.Run + 1
		base := filepath.Join(m.logDir, fmt.Sprintf("%s.%d", sp.ID, run))
		spec := LaunchSpec{
			SpawnID: sp.ID,
			Run:     run,
			Command: inv.Command,
			Args:    inv.Args,
			Env:     env,
			Stdin:   inv.Stdin,
			Dir:     m.workDir,
			LogPath: base + ".log",
		}
		if inv.Stdin != "" {
			spec.PromptPath = base + ".prompt"
		}

		proc, err := m.launcher.Launch(ctx, spec)
		if err != nil {
			lastErr = err
			slog.Warn("Spawn launch attempt failed", "spawn", sp.ID, "attempt", i, "error", err)
			continue
		}
		started, err := m.store.MarkStarted(ctx, sp.ID, proc.PID(), run, spec.LogPath, m.now())
		if err != nil {
			_ = m.procs.Signal(proc.PID())
			return nil, err
		}
		sp = started
		if m.exitedEarly(ctx, proc, spec.LogPath) {
			lastErr = fmt.Errorf("process %d exited without output", proc.PID())
			slog.Warn("Spawn launch attempt failed", "spawn", sp.ID, "attempt", i, "error", lastErr)
			continue
		}
		slog.Info("Spawn started", "spawn", sp.ID, "agent", agent.Name, "channel", sp.ChannelID,
			"status", sp.Status, "pid", sp.PID, "run", sp.Run)
		return sp, nil
	}
	return nil, &LaunchError{SpawnID: sp.ID, Attempts: attempts, Err: lastErr}
}

func (m *Manager) exitedEarly(ctx context.Context, proc Process, logPath string) bool {
	grace := m.cfg.LaunchGrace()
	if grace <= 0 {
		return false
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-proc.Exited():
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
	info, err := os.Stat(logPath)
	return err != nil || info.Size() == 0
}

// link parses the spawn's current run output for a provider session and
// returns the session ref now on record.
func (m *Manager) link(ctx context.Context, sp *store.Spawn, agent *store.Agent) string {
	if sp.OutputPath == "" {
		return sp.SessionRef
	}
	id, err := m.linker.Link(ctx, provider.LinkRequest{
		SpawnID:    sp.ID,
		Provider:   agent.Provider,
		Model:      agent.Model,
		Mode:       provider.ParseMode(sp.Mode),
		OutputPath: sp.OutputPath,
	}, m.now())
	if err != nil {
		slog.Warn("Session link failed", "spawn", sp.ID, "provider", agent.Provider, "error", err)
	}
	if id != "" {
		sp.SessionRef = id
	}
	return sp.SessionRef
}

func (m *Manager) terminate(spawnID string, pid int) {
	if pid <= 0 {
		return
	}
	if spawnID == m.self {
		slog.Debug("Not signalling own process group", "spawn", spawnID, "pid", pid)
		return
	}
	if err := m.procs.Signal(pid); err != nil {
		slog.Warn("Failed to signal spawn process", "spawn", spawnID, "pid", pid, "error", err)
	}
}

func (m *Manager) load(ctx context.Context, ref string) (*store.Spawn, *store.Agent, error) {
	sp, err := m.store.ResolveSpawn(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	agent, err := m.store.GetAgent(ctx, sp.AgentID)
	if err != nil {
		return nil, nil, err
	}
	return sp, agent, nil
}

func (m *Manager) channel(ctx context.Context, id string) *store.Channel {
	if id == "" {
		return nil
	}
	ch, err := m.store.GetChannel(ctx, id)
	if err != nil {
		slog.Warn("Spawn channel lookup failed", "channel", id, "error", err)
		return nil
	}
	return ch
}

func (m *Manager) emit(kind string, sp *store.Spawn, agent *store.Agent, detail string) {
	e := &bus.Event{
		Kind:      kind,
		SpawnID:   sp.ID,
		AgentID:   sp.AgentID,
		ChannelID: sp.ChannelID,
		Detail:    detail,
		Attrs:     map[string]string{"status": string(sp.Status)},
		Timestamp: m.now(),
	}
	if agent != nil {
		e.Agent = agent.Name
	}
	m.events.Publish(e)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
