package spawn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/agentbus/internal/bus"
	"github.com/KafClaw/agentbus/internal/config"
	"github.com/KafClaw/agentbus/internal/identity"
	"github.com/KafClaw/agentbus/internal/provider"
	"github.com/KafClaw/agentbus/internal/store"
)

const claudeOutput = `{"type":"system","subtype":"init","session_id":"sess-1","model":"claude-sonnet"}
{"type":"result","subtype":"success","session_id":"sess-1","num_turns":2}
`

type fakeProc struct {
	pid    int
	exited chan struct{}
}

func (p *fakeProc) PID() int                { return p.pid }
func (p *fakeProc) Exited() <-chan struct{} { return p.exited }

// fakeLauncher writes output to the run log. The first failFirst launches
// exit at once without output.
type fakeLauncher struct {
	mu        sync.Mutex
	specs     []LaunchSpec
	output    string
	failFirst int
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	p := &fakeProc{pid: 1000 + len(l.specs), exited: make(chan struct{})}
	if len(l.specs) <= l.failFirst {
		if err := os.WriteFile(spec.LogPath, nil, 0o644); err != nil {
			return nil, err
		}
		close(p.exited)
		return p, nil
	}
	if err := os.WriteFile(spec.LogPath, []byte(l.output), 0o644); err != nil {
		return nil, err
	}
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *fakeLauncher) last() LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[len(l.specs)-1]
}

type fakeProcs struct {
	mu       sync.Mutex
	dead     map[int]bool
	signaled []int
}

func (p *fakeProcs) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pid > 0 && !p.dead[pid]
}

func (p *fakeProcs) Signal(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signaled = append(p.signaled, pid)
	return nil
}

func (p *fakeProcs) kill(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead[pid] = true
}

func (p *fakeProcs) wasSignaled(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Contains(p.signaled, pid)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	st       *store.Store
	m        *Manager
	launcher *fakeLauncher
	procs    *fakeProcs
	clock    *testClock
	hub      *bus.Hub
	profiles *identity.Loader
	agent    *store.Agent
	channel  *store.Channel
}

func newHarness(t *testing.T, output string, opts ...Option) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agentbus.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		st:       st,
		launcher: &fakeLauncher{output: output},
		procs:    &fakeProcs{dead: map[int]bool{}},
		clock:    &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		hub:      bus.NewHub(256),
		profiles: identity.NewLoader(t.TempDir()),
	}
	ctx := context.Background()
	h.agent = &store.Agent{Name: "zealot", Provider: "claude"}
	if err := st.CreateAgent(ctx, h.agent, h.clock.Now()); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	h.channel = &store.Channel{Name: "general"}
	if err := st.CreateChannel(ctx, h.channel, h.clock.Now()); err != nil {
		t.Fatalf("create channel: %v", err)
	}

	cfg := config.DefaultConfig().Spawn
	cfg.LaunchGraceMillis = 20
	cfg.StallThresholdSeconds = 60
	cfg.TimeoutSeconds = 600
	base := []Option{
		WithLauncher(h.launcher),
		WithProcessTable(h.procs),
		WithProfiles(h.profiles),
		WithEvents(h.hub),
		WithConfig(cfg),
		WithLogDir(t.TempDir()),
		WithHome("/var/lib/agentbus"),
		WithClock(h.clock.Now),
	}
	h.m = NewManager(st, provider.NewLinker(nil, nil, st), append(base, opts...)...)
	return h
}

func (h *harness) spawn(t *testing.T) *store.Spawn {
	t.Helper()
	sp, err := h.m.Spawn(context.Background(), CreateRequest{Agent: "zealot", ChannelID: h.channel.ID, Task: "fix the build"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	return sp
}

func (h *harness) get(t *testing.T, id string) *store.Spawn {
	t.Helper()
	sp, err := h.st.GetSpawn(context.Background(), id)
	if err != nil {
		t.Fatalf("get spawn: %v", err)
	}
	return sp
}

func TestSpawnLaunchesProvider(t *testing.T) {
	h := newHarness(t, claudeOutput)
	sp := h.spawn(t)

	if sp.Status != store.SpawnRunning || sp.PID != 1001 || sp.Run != 1 || sp.StartedAt == nil {
		t.Fatalf("unexpected spawn after start: %+v", sp)
	}
	spec := h.launcher.last()
	if spec.Command != "claude" || !slices.Contains(spec.Args, "--append-system-prompt") {
		t.Fatalf("unexpected invocation: %s %v", spec.Command, spec.Args)
	}
	if !strings.Contains(spec.Stdin, "fix the build") || !strings.Contains(spec.Stdin, "You are @zealot") {
		t.Fatalf("prompt missing task or identity: %q", spec.Stdin)
	}
	for _, kv := range []string{"AGENTBUS_SPAWN_ID=" + sp.ID, "AGENTBUS_AGENT=zealot", "AGENTBUS_CHANNEL=general", "AGENTBUS_HOME=/var/lib/agentbus"} {
		if !slices.Contains(spec.Env, kv) {
			t.Errorf("env missing %s: %v", kv, spec.Env)
		}
	}
	if !strings.HasSuffix(spec.LogPath, sp.ID+".1.log") || sp.OutputPath != spec.LogPath {
		t.Fatalf("unexpected log path %q / %q", spec.LogPath, sp.OutputPath)
	}

	prof, _ := h.profiles.Load("zealot")
	agent, _ := h.st.GetAgent(context.Background(), h.agent.ID)
	if agent.SpawnCount != 1 || agent.ProfileHash != prof.Hash || sp.ProfileHash != prof.Hash {
		t.Fatalf("agent bookkeeping not updated: %+v", agent)
	}
}

func TestSecondMentionIsSuppressed(t *testing.T) {
	h := newHarness(t, claudeOutput)
	h.spawn(t)

	_, err := h.m.Spawn(context.Background(), CreateRequest{Agent: "zealot", ChannelID: h.channel.ID})
	if !errors.Is(err, store.ErrDuplicateSpawn) {
		t.Fatalf("expected ErrDuplicateSpawn, got %v", err)
	}
	if h.launcher.count() != 1 {
		t.Fatalf("expected one launch, got %d", h.launcher.count())
	}
}

func TestConcurrentSpawnsLaunchOnce(t *testing.T) {
	h := newHarness(t, claudeOutput)
	ctx := context.Background()

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
		dups    int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.m.Spawn(ctx, CreateRequest{Agent: "zealot", ChannelID: h.channel.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, store.ErrDuplicateSpawn):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if started != 1 || dups != n-1 {
		t.Fatalf("expected 1 start and %d duplicates, got %d/%d", n-1, started, dups)
	}
	if h.launcher.count() != 1 {
		t.Fatalf("expected one launch, got %d", h.launcher.count())
	}
}

func TestLaunchFailureRollsBackSpawn(t *testing.T) {
	h := newHarness(t, claudeOutput)
	h.launcher.failFirst = 2

	_, err := h.m.Spawn(context.Background(), CreateRequest{Agent: "zealot", ChannelID: h.channel.ID})
	if !errors.Is(err, ErrProcessLaunchFailure) {
		t.Fatalf("expected ErrProcessLaunchFailure, got %v", err)
	}
	var le *LaunchError
	if !errors.As(err, &le) || le.Attempts != 2 {
		t.Fatalf("expected two attempts, got %v", err)
	}
	if h.launcher.count() != 2 {
		t.Fatalf("expected one retry, got %d launches", h.launcher.count())
	}
	spawns, _ := h.st.ListSpawns(context.Background(), store.SpawnFilter{AgentID: h.agent.ID})
	if len(spawns) != 0 {
		t.Fatalf("expected no spawn rows, got %+v", spawns)
	}
	agent, _ := h.st.GetAgent(context.Background(), h.agent.ID)
	if agent.SpawnCount != 0 {
		t.Fatalf("expected spawn count rolled back, got %d", agent.SpawnCount)
	}
}

func TestLaunchRetrySucceeds(t *testing.T) {
	h := newHarness(t, claudeOutput)
	h.launcher.failFirst = 1

	sp := h.spawn(t)
	if sp.Status != store.SpawnRunning || sp.Run != 2 || sp.Attempts != 2 {
		t.Fatalf("expected second run to be live: %+v", sp)
	}
}

func TestStartFailureMarksSpawnFailed(t *testing.T) {
	h := newHarness(t, claudeOutput)
	h.launcher.failFirst = 10
	ctx := context.Background()

	sp, err := h.m.Create(ctx, CreateRequest{Agent: "zealot", ChannelID: h.channel.ID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.m.Start(ctx, sp.ID); !errors.Is(err, ErrProcessLaunchFailure) {
		t.Fatalf("expected launch failure, got %v", err)
	}
	got := h.get(t, sp.ID)
	if got.Status != store.SpawnFailed || got.Reason != "launch_failure" || got.EndedAt == nil {
		t.Fatalf("unexpected spawn after failed start: %+v", got)
	}
}

func TestPauseResumeKeepsSpawnAndSession(t *testing.T) {
	h := newHarness(t, claudeOutput)
	ctx := context.Background()
	sp := h.spawn(t)

	paused, err := h.m.Pause(ctx, sp.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != store.SpawnPaused || paused.SessionRef != "sess-1" || paused.PID != 0 {
		t.Fatalf("unexpected paused spawn: %+v", paused)
	}
	if !h.procs.wasSignaled(sp.PID) {
		t.Fatal("expected paused process to be signalled")
	}

	resumed, err := h.m.Resume(ctx, sp.ID[:8], "carry on")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.ID != sp.ID || resumed.Status != store.SpawnRunning || resumed.SessionRef != "sess-1" || resumed.Run != 2 {
		t.Fatalf("unexpected resumed spawn: %+v", resumed)
	}
	spec := h.launcher.last()
	i := slices.Index(spec.Args, "--resume")
	if i < 0 || i+1 >= len(spec.Args) || spec.Args[i+1] != "sess-1" {
		t.Fatalf("expected --resume sess-1 in %v", spec.Args)
	}
	if slices.Contains(spec.Args, "--append-system-prompt") || spec.Stdin != "carry on" {
		t.Fatalf("resume must only send the instruction: %v %q", spec.Args, spec.Stdin)
	}
	sess, err := h.st.GetSession(ctx, sp.ID)
	if err != nil || sess.SessionID != "sess-1" || sess.Provider != "claude" {
		t.Fatalf("expected linked session, got %+v (%v)", sess, err)
	}
}

func TestResumeWithoutSession(t *testing.T) {
	h := newHarness(t, "plain text output\n")
	ctx := context.Background()
	sp := h.spawn(t)

	if _, err := h.m.Pause(ctx, sp.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := h.m.Resume(ctx, sp.ID, "go on"); !errors.Is(err, ErrMissingSession) {
		t.Fatalf("expected ErrMissingSession, got %v", err)
	}
	if got := h.get(t, sp.ID); got.Status != store.SpawnPaused {
		t.Fatalf("expected spawn to stay paused, got %s", got.Status)
	}
}

func TestHealthScanFailsDeadProcess(t *testing.T) {
	h := newHarness(t, claudeOutput)
	ctx := context.Background()
	sp := h.spawn(t)

	h.procs.kill(sp.PID)
	h.clock.Advance(5 * time.Second)
	scanAt := h.clock.Now()

	report, err := h.m.HealthScan(ctx)
	if err != nil {
		t.Fatalf("health scan: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0] != sp.ID {
		t.Fatalf("expected spawn failed, got %+v", report)
	}
	got := h.get(t, sp.ID)
	if got.Status != store.SpawnFailed || got.Reason != "process_exited" || got.EndedAt == nil || !got.EndedAt.Equal(scanAt) {
		t.Fatalf("unexpected spawn after scan: %+v", got)
	}
}

func TestHealthScanStallThenTimeout(t *testing.T) {
	h := newHarness(t, claudeOutput)
	ctx := context.Background()
	sp := h.spawn(t)

	var stalls int
	h.hub.Subscribe(bus.KindSpawnStalled, func(*bus.Event) { stalls++ })

	h.clock.Advance(10 * time.Second)
	report, err := h.m.HealthScan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(report.Stalled) != 0 || len(report.Linked) != 1 {
		t.Fatalf("first scan should record output and link: %+v", report)
	}

	h.clock.Advance(61 * time.Second)
	report, _ = h.m.HealthScan(ctx)
	if len(report.Stalled) != 1 {
		t.Fatalf("expected stall, got %+v", report)
	}
	h.clock.Advance(5 * time.Second)
	report, _ = h.m.HealthScan(ctx)
	if len(report.Stalled) != 0 {
		t.Fatalf("stall must be reported once, got %+v", report)
	}
	if got := h.get(t, sp.ID); got.Status != store.SpawnRunning || got.StalledAt == nil {
		t.Fatalf("stall is not fatal: %+v", got)
	}

	h.clock.Advance(10 * time.Minute)
	report, _ = h.m.HealthScan(ctx)
	if len(report.TimedOut) != 1 {
		t.Fatalf("expected timeout, got %+v", report)
	}
	if got := h.get(t, sp.ID); got.Status != store.SpawnTimeout || got.EndedAt == nil {
		t.Fatalf("unexpected spawn after timeout: %+v", got)
	}
	if !h.procs.wasSignaled(sp.PID) {
		t.Fatal("expected timed out process to be signalled")
	}

	h.hub.Flush()
	if stalls != 1 {
		t.Fatalf("expected one stalled event, got %d", stalls)
	}
}

func TestCompactStartsSuccessor(t *testing.T) {
	h := newHarness(t, claudeOutput)
	ctx := context.Background()
	sp := h.spawn(t)

	next, err := h.m.Compact(ctx, sp.ID, "progress: step 3 of 5")
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if next.ID == sp.ID || next.ParentSpawnID != sp.ID || next.Status != store.SpawnRunning || next.ChannelID != h.channel.ID {
		t.Fatalf("unexpected successor: %+v", next)
	}
	old := h.get(t, sp.ID)
	if old.Status != store.SpawnCompleted || old.Reason != "compacted" || old.SessionRef != "sess-1" {
		t.Fatalf("unexpected compacted spawn: %+v", old)
	}
	if !strings.Contains(h.launcher.last().Stdin, "progress: step 3 of 5") {
		t.Fatalf("successor prompt lacks summary: %q", h.launcher.last().Stdin)
	}

	chain, err := h.m.Lineage(ctx, next.ID)
	if err != nil || len(chain) != 2 || chain[0].ID != sp.ID || chain[1].ID != next.ID {
		t.Fatalf("unexpected lineage %v: %+v", err, chain)
	}
}

func TestCleanupSweepsUnreconciledAndOrphaned(t *testing.T) {
	h := newHarness(t, claudeOutput)
	ctx := context.Background()

	pending, err := h.m.Create(ctx, CreateRequest{Agent: "zealot", ChannelID: h.channel.ID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ops := &store.Channel{Name: "ops"}
	if err := h.st.CreateChannel(ctx, ops, h.clock.Now()); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	running, err := h.m.Spawn(ctx, CreateRequest{Agent: "zealot", ChannelID: ops.ID})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	h.procs.kill(running.PID)

	report, err := h.m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(report.Unreconciled) != 1 || len(report.Orphaned) != 0 {
		t.Fatalf("young pending spawn must survive: %+v", report)
	}

	h.clock.Advance(6 * time.Minute)
	report, _ = h.m.Cleanup(ctx)
	if len(report.Orphaned) != 1 || report.Orphaned[0] != pending.ID {
		t.Fatalf("expected orphan swept, got %+v", report)
	}
	if got := h.get(t, running.ID); got.Status != store.SpawnFailed || got.Reason != "unreconciled" {
		t.Fatalf("unexpected reconciled spawn: %+v", got)
	}
}

func TestKillFromPaused(t *testing.T) {
	h := newHarness(t, claudeOutput)
	ctx := context.Background()
	sp := h.spawn(t)

	if _, err := h.m.Pause(ctx, sp.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	killed, err := h.m.Kill(ctx, sp.ID)
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	if killed.Status != store.SpawnKilled || killed.EndedAt == nil {
		t.Fatalf("unexpected killed spawn: %+v", killed)
	}
	if _, err := h.m.Kill(ctx, sp.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second kill, got %v", err)
	}
}

func TestHumanIdentityIsNotSpawnable(t *testing.T) {
	h := newHarness(t, claudeOutput)
	ctx := context.Background()
	if err := h.st.CreateAgent(ctx, &store.Agent{Name: "alice"}, h.clock.Now()); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := h.m.Spawn(ctx, CreateRequest{Agent: "alice", ChannelID: h.channel.ID}); !errors.Is(err, ErrNotSpawnable) {
		t.Fatalf("expected ErrNotSpawnable, got %v", err)
	}
}

func TestOwnProcessIsNotSignalled(t *testing.T) {
	h := newHarness(t, claudeOutput)
	ctx := context.Background()
	sp := h.spawn(t)

	self := NewManager(h.st, nil,
		WithLauncher(h.launcher), WithProcessTable(h.procs), WithProfiles(h.profiles),
		WithClock(h.clock.Now), WithSelf(sp.ID))
	if _, err := self.Pause(ctx, sp.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if h.procs.wasSignaled(sp.PID) {
		t.Fatal("a spawn pausing itself must not signal its own process group")
	}
}

// hookLauncher runs before ahead of every launch it forwards.
type hookLauncher struct {
	inner  Launcher
	before func()
}

func (l *hookLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if l.before != nil {
		l.before()
	}
	return l.inner.Launch(ctx, spec)
}

func TestScanDuringResumeLeavesSpawnAlone(t *testing.T) {
	h := newHarness(t, claudeOutput)
	ctx := context.Background()
	hook := &hookLauncher{inner: h.launcher}
	h.m.launcher = hook
	sp := h.spawn(t)
	if _, err := h.m.Pause(ctx, sp.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	var scan *HealthReport
	var sweep *CleanupReport
	hook.before = func() {
		var err error
		if scan, err = h.m.HealthScan(ctx); err != nil {
			t.Errorf("health scan: %v", err)
		}
		if sweep, err = h.m.Cleanup(ctx); err != nil {
			t.Errorf("cleanup: %v", err)
		}
	}
	resumed, err := h.m.Resume(ctx, sp.ID, "carry on")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != store.SpawnRunning || resumed.PID != 1002 {
		t.Fatalf("unexpected resumed spawn: %+v", resumed)
	}
	if scan == nil || len(scan.Failed) != 0 || len(scan.Launching) != 1 || scan.Launching[0] != sp.ID {
		t.Fatalf("scan should skip the launching spawn: %+v", scan)
	}
	if sweep == nil || len(sweep.Unreconciled)+len(sweep.Orphaned) != 0 {
		t.Fatalf("cleanup should skip the launching spawn: %+v", sweep)
	}
	if h.procs.wasSignaled(1002) {
		t.Fatal("resumed process must not be signalled")
	}
}

func TestCleanupSweepsAbandonedResume(t *testing.T) {
	h := newHarness(t, claudeOutput)
	ctx := context.Background()
	sp := h.spawn(t)
	if _, err := h.m.Pause(ctx, sp.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// A coordinator that died between claiming the run and launching it.
	if _, err := h.st.Transition(ctx, sp.ID, []store.SpawnStatus{store.SpawnPaused}, store.SpawnRunning, "", h.clock.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	report, err := h.m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(report.Orphaned)+len(report.Unreconciled) != 0 {
		t.Fatalf("fresh claim must survive: %+v", report)
	}

	h.clock.Advance(6 * time.Minute)
	report, _ = h.m.Cleanup(ctx)
	if len(report.Orphaned) != 1 || report.Orphaned[0] != sp.ID {
		t.Fatalf("expected abandoned resume swept, got %+v", report)
	}
	if got := h.get(t, sp.ID); got.Status != store.SpawnFailed || got.Reason != "orphaned" {
		t.Fatalf("unexpected spawn: %+v", got)
	}
}
