package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "agentbus.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustAgent(t *testing.T, s *Store, name, provider string) *Agent {
	t.Helper()
	a := &Agent{Name: name, Provider: provider}
	if err := s.CreateAgent(context.Background(), a, t0); err != nil {
		t.Fatalf("create agent %s: %v", name, err)
	}
	return a
}

func mustChannel(t *testing.T, s *Store, name string) *Channel {
	t.Helper()
	c := &Channel{Name: name}
	if err := s.CreateChannel(context.Background(), c, t0); err != nil {
		t.Fatalf("create channel %s: %v", name, err)
	}
	return c
}

func TestAgentNamesAreNormalized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "@Zealot", "claude")
	if a.Name != "zealot" {
		t.Fatalf("expected normalized name, got %q", a.Name)
	}
	if err := s.CreateAgent(ctx, &Agent{Name: "ZEALOT"}, t0); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	got, err := s.ResolveAgent(ctx, "Zealot")
	if err != nil || got.ID != a.ID {
		t.Fatalf("resolve by name: %v %+v", err, got)
	}
	got, err = s.ResolveAgent(ctx, a.ID[:8])
	if err != nil || got.ID != a.ID {
		t.Fatalf("resolve by prefix: %v %+v", err, got)
	}
}

func TestNamesMustBeMentionable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"code reviewer", "bob@corp", "-dash", "trailing.", "näme", "_x"} {
		if err := s.CreateAgent(ctx, &Agent{Name: name}, t0); !errors.Is(err, ErrInvalidName) {
			t.Errorf("agent %q: expected ErrInvalidName, got %v", name, err)
		}
		if err := s.CreateChannel(ctx, &Channel{Name: name}, t0); !errors.Is(err, ErrInvalidName) {
			t.Errorf("channel %q: expected ErrInvalidName, got %v", name, err)
		}
	}
	for _, name := range []string{"code-reviewer", "Bot_2", "team.alpha", "7up"} {
		mustAgent(t, s, name, "claude")
	}
	mustChannel(t, s, "#build.2")
}

func TestInsertSpawnRejectsActiveDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	c := mustChannel(t, s, "general")

	first := &Spawn{AgentID: a.ID, ChannelID: c.ID}
	if err := s.InsertSpawn(ctx, first, 0, t0); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	err := s.InsertSpawn(ctx, &Spawn{AgentID: a.ID, ChannelID: c.ID}, 0, t0)
	if !errors.Is(err, ErrDuplicateSpawn) {
		t.Fatalf("expected ErrDuplicateSpawn, got %v", err)
	}
	var dup *DuplicateSpawnError
	if !errors.As(err, &dup) || dup.Existing != first.ID {
		t.Fatalf("expected duplicate to name %s, got %v", first.ID, err)
	}

	// Same agent in another channel is a different pair.
	other := mustChannel(t, s, "ops")
	if err := s.InsertSpawn(ctx, &Spawn{AgentID: a.ID, ChannelID: other.ID}, 0, t0); err != nil {
		t.Fatalf("insert other channel: %v", err)
	}
}

func TestInsertSpawnConcurrentTriggersCreateOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	c := mustChannel(t, s, "general")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dups    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InsertSpawn(ctx, &Spawn{AgentID: a.ID, ChannelID: c.ID}, 0, t0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrDuplicateSpawn):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if created != 1 || dups != workers-1 {
		t.Fatalf("expected 1 created and %d duplicates, got %d and %d", workers-1, created, dups)
	}
	active, err := s.ListSpawns(ctx, SpawnFilter{AgentID: a.ID, ChannelID: c.ID, Statuses: []SpawnStatus{SpawnPending, SpawnRunning}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected one active spawn, got %d", len(active))
	}
}

func TestInsertSpawnWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	c := mustChannel(t, s, "general")

	sp := &Spawn{AgentID: a.ID, ChannelID: c.ID}
	if err := s.InsertSpawn(ctx, sp, 0, t0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.Transition(ctx, sp.ID, []SpawnStatus{SpawnPending}, SpawnCompleted, "", t0); err != nil {
		t.Fatalf("complete: %v", err)
	}

	window := 30 * time.Second
	err := s.InsertSpawn(ctx, &Spawn{AgentID: a.ID, ChannelID: c.ID}, window, t0.Add(10*time.Second))
	if !errors.Is(err, ErrDuplicateSpawn) {
		t.Fatalf("expected suppression inside window, got %v", err)
	}
	if err := s.InsertSpawn(ctx, &Spawn{AgentID: a.ID, ChannelID: c.ID}, 0, t0.Add(10*time.Second)); err != nil {
		t.Fatalf("zero window should not suppress: %v", err)
	}
}

func TestInsertSpawnParentMustShareAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	b := mustAgent(t, s, "oracle", "codex")
	parent := &Spawn{AgentID: a.ID}
	if err := s.InsertSpawn(ctx, parent, 0, t0); err != nil {
		t.Fatalf("insert parent: %v", err)
	}
	err := s.InsertSpawn(ctx, &Spawn{AgentID: b.ID, ParentSpawnID: parent.ID}, 0, t0)
	if !errors.Is(err, ErrParentMismatch) {
		t.Fatalf("expected ErrParentMismatch, got %v", err)
	}
}

func TestTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	c := mustChannel(t, s, "general")
	sp := &Spawn{AgentID: a.ID, ChannelID: c.ID}
	if err := s.InsertSpawn(ctx, sp, 0, t0); err != nil {
		t.Fatalf("insert: %v", err)
	}

	started, err := s.MarkStarted(ctx, sp.ID, 4242, 1, "/tmp/x.1.log", t0)
	if err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if started.Status != SpawnRunning || started.PID != 4242 || started.Attempts != 1 {
		t.Fatalf("unexpected started spawn: %+v", started)
	}
	agent, _ := s.GetAgent(ctx, a.ID)
	if agent.SpawnCount != 1 {
		t.Fatalf("expected spawn count 1, got %d", agent.SpawnCount)
	}

	paused, err := s.Transition(ctx, sp.ID, []SpawnStatus{SpawnRunning}, SpawnPaused, "", t0)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.PID != 0 || paused.EndedAt != nil {
		t.Fatalf("pause should clear pid and leave ended_at: %+v", paused)
	}

	_, err = s.Transition(ctx, sp.ID, []SpawnStatus{SpawnPending}, SpawnRunning, "", t0)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	done, err := s.Transition(ctx, sp.ID, NonTerminal, SpawnKilled, "killed", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	if done.EndedAt == nil || !done.EndedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("expected ended_at to be set, got %v", done.EndedAt)
	}
}

func TestResumeCollidesWithActiveSpawn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	c := mustChannel(t, s, "general")

	old := &Spawn{AgentID: a.ID, ChannelID: c.ID}
	if err := s.InsertSpawn(ctx, old, 0, t0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.MarkStarted(ctx, old.ID, 1, 1, "", t0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.Transition(ctx, old.ID, []SpawnStatus{SpawnRunning}, SpawnPaused, "", t0); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := s.InsertSpawn(ctx, &Spawn{AgentID: a.ID, ChannelID: c.ID}, 0, t0); err != nil {
		t.Fatalf("insert while paused: %v", err)
	}
	_, err := s.Transition(ctx, old.ID, []SpawnStatus{SpawnPaused}, SpawnRunning, "", t0)
	if !errors.Is(err, ErrDuplicateSpawn) {
		t.Fatalf("expected ErrDuplicateSpawn on resume, got %v", err)
	}
}

func TestCompactSpawnBuildsLineage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	c := mustChannel(t, s, "general")

	root := &Spawn{AgentID: a.ID, ChannelID: c.ID, Task: "build it"}
	if err := s.InsertSpawn(ctx, root, 0, t0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.MarkStarted(ctx, root.ID, 1, 1, "", t0); err != nil {
		t.Fatalf("start: %v", err)
	}
	next := &Spawn{Task: "progress: step 3 of 5"}
	if err := s.CompactSpawn(ctx, root.ID, next, t0.Add(time.Minute)); err != nil {
		t.Fatalf("compact: %v", err)
	}
	old, _ := s.GetSpawn(ctx, root.ID)
	if old.Status != SpawnCompleted || old.EndedAt == nil {
		t.Fatalf("expected original completed, got %+v", old)
	}
	if next.ParentSpawnID != root.ID || next.AgentID != a.ID || next.ChannelID != c.ID || next.Status != SpawnPending {
		t.Fatalf("unexpected successor: %+v", next)
	}

	chain, err := s.Lineage(ctx, next.ID)
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if len(chain) != 2 || chain[0].ID != root.ID || chain[1].ID != next.ID {
		t.Fatalf("unexpected lineage: %+v", chain)
	}
}

func TestResolveSpawnAmbiguousPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	for i, id := range []string{"abc123-0001", "abc123-0002", "abc124-0003"} {
		sp := &Spawn{ID: id, AgentID: a.ID, ChannelID: string(rune('a' + i))}
		if err := s.InsertSpawn(ctx, sp, 0, t0); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	_, err := s.ResolveSpawn(ctx, "abc12")
	if !errors.Is(err, ErrAmbiguousReference) {
		t.Fatalf("expected ErrAmbiguousReference, got %v", err)
	}
	var amb *AmbiguousReferenceError
	if !errors.As(err, &amb) || len(amb.Candidates) != 3 {
		t.Fatalf("expected three candidates, got %v", err)
	}

	got, err := s.ResolveSpawn(ctx, "abc124")
	if err != nil || got.ID != "abc124-0003" {
		t.Fatalf("unique prefix: %v %+v", err, got)
	}
	if _, err := s.ResolveSpawn(ctx, "zzz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSpawnOnlyForActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	sp := &Spawn{AgentID: a.ID}
	if err := s.InsertSpawn(ctx, sp, 0, t0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.MarkStarted(ctx, sp.ID, 7, 1, "", t0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.DeleteSpawn(ctx, sp.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetSpawn(ctx, sp.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected spawn gone, got %v", err)
	}
	agent, _ := s.GetAgent(ctx, a.ID)
	if agent.SpawnCount != 0 {
		t.Fatalf("expected spawn count rolled back, got %d", agent.SpawnCount)
	}
}

func TestReadUpdatesAdvancesBookmark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	reader := mustAgent(t, s, "oracle", "codex")
	c := mustChannel(t, s, "general")

	for i, content := range []string{"one", "two", "three"} {
		if _, err := s.AppendMessage(ctx, c.ID, a.ID, content, t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	msgs, err := s.ReadUpdates(ctx, reader.ID, c.ID, t0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Content != "one" || msgs[2].AgentName != "zealot" {
		t.Fatalf("unexpected first read: %+v", msgs)
	}
	msgs, err = s.ReadUpdates(ctx, reader.ID, c.ID, t0)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected nothing new, got %d (%v)", len(msgs), err)
	}
	if _, err := s.AppendMessage(ctx, c.ID, a.ID, "four", t0.Add(time.Minute)); err != nil {
		t.Fatalf("append: %v", err)
	}
	msgs, err = s.ReadUpdates(ctx, reader.ID, c.ID, t0)
	if err != nil || len(msgs) != 1 || msgs[0].Content != "four" {
		t.Fatalf("expected only the new message, got %+v (%v)", msgs, err)
	}
}

func TestConcurrentReadUpdatesNeverDoubleRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	reader := mustAgent(t, s, "oracle", "codex")
	c := mustChannel(t, s, "general")
	for i := 0; i < 5; i++ {
		if _, err := s.AppendMessage(ctx, c.ID, a.ID, "m", t0); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := s.ReadUpdates(ctx, reader.ID, c.ID, t0)
			if err != nil {
				t.Errorf("read: %v", err)
				return
			}
			mu.Lock()
			total += len(msgs)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 5 {
		t.Fatalf("expected 5 messages delivered once in total, got %d", total)
	}
}

func TestArchivedChannelIsReadOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	c := mustChannel(t, s, "general")
	if err := s.ArchiveChannel(ctx, c.ID, t0); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := s.AppendMessage(ctx, c.ID, a.ID, "hello", t0); !errors.Is(err, ErrChannelArchived) {
		t.Fatalf("expected ErrChannelArchived, got %v", err)
	}
}

func TestRotateChannel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	c := mustChannel(t, s, "general")

	next, msg, err := s.RotateChannel(ctx, c.ID, a.ID, "phase 1 complete", t0)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if next.Name != "general.2" || next.ParentChannelID != c.ID {
		t.Fatalf("unexpected successor: %+v", next)
	}
	msgs, _ := s.ListMessages(ctx, next.ID, 0, 0)
	if len(msgs) != 1 || msgs[0].ID != msg.ID || msgs[0].Content != "phase 1 complete" {
		t.Fatalf("expected summary as first message, got %+v", msgs)
	}
	orig, _ := s.GetChannel(ctx, c.ID)
	if orig.ArchivedAt == nil {
		t.Fatal("expected original channel archived")
	}

	third, _, err := s.RotateChannel(ctx, next.ID, a.ID, "phase 2", t0)
	if err != nil {
		t.Fatalf("rotate again: %v", err)
	}
	if third.Name != "general.3" {
		t.Fatalf("expected general.3, got %s", third.Name)
	}
	chain, err := s.ChannelLineage(ctx, third.ID)
	if err != nil || len(chain) != 3 || chain[2].ID != c.ID {
		t.Fatalf("unexpected channel lineage %+v (%v)", chain, err)
	}
	if _, _, err := s.RotateChannel(ctx, c.ID, a.ID, "again", t0); !errors.Is(err, ErrChannelArchived) {
		t.Fatalf("expected archived error, got %v", err)
	}
}

func TestHandoffRejectsSelf(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	c := mustChannel(t, s, "general")
	m, _ := s.AppendMessage(ctx, c.ID, a.ID, "anchor", t0)
	err := s.CreateHandoff(ctx, &Handoff{ChannelID: c.ID, FromAgentID: a.ID, ToAgentID: a.ID, MessageID: m.ID}, t0)
	if !errors.Is(err, ErrSelfHandoff) {
		t.Fatalf("expected ErrSelfHandoff, got %v", err)
	}
}

func TestSessionUpsertIsAdditive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	sp := &Spawn{AgentID: a.ID}
	if err := s.InsertSpawn(ctx, sp, 0, t0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first := t0
	if err := s.UpsertSession(ctx, &Session{SpawnID: sp.ID, SessionID: "sess-1", Provider: "claude", InputTokens: 100, FirstActivityAt: &first}, t0); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertSession(ctx, &Session{SpawnID: sp.ID, SessionID: "sess-1", Provider: "claude", InputTokens: 40, OutputTokens: 9}, t0); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	got, err := s.GetSession(ctx, sp.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.InputTokens != 100 || got.OutputTokens != 9 || got.FirstActivityAt == nil {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestSearchRanksAndSkipsArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustAgent(t, s, "zealot", "claude")
	c := mustChannel(t, s, "general")
	if _, err := s.AppendMessage(ctx, c.ID, a.ID, "the deploy pipeline is broken", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(ctx, c.ID, a.ID, "lunch?", t0); err != nil {
		t.Fatal(err)
	}
	hits, err := s.Search(ctx, SearchQuery{Scope: ScopeMessages, Text: "deploy"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Owner != c.ID {
		t.Fatalf("unexpected hits: %+v", hits)
	}

	n := &Note{AgentID: a.ID, Title: "todo", Content: "rotate the deploy keys"}
	if err := s.CreateNote(ctx, n, t0); err != nil {
		t.Fatal(err)
	}
	hits, _ = s.Search(ctx, SearchQuery{Scope: ScopeNotes, Text: "deploy", Owner: a.ID})
	if len(hits) != 1 {
		t.Fatalf("expected note hit, got %+v", hits)
	}
	if err := s.ArchiveNote(ctx, n.ID, t0); err != nil {
		t.Fatal(err)
	}
	hits, _ = s.Search(ctx, SearchQuery{Scope: ScopeNotes, Text: "deploy", Owner: a.ID})
	if len(hits) != 0 {
		t.Fatalf("archived note should not match, got %+v", hits)
	}
	notes, _ := s.ListNotes(ctx, a.ID, true)
	if len(notes) != 1 || notes[0].ArchivedAt == nil {
		t.Fatalf("archived note should be retained, got %+v", notes)
	}

	k := &Knowledge{AuthorID: a.ID, Topic: "ops", Content: "deploys run from main", Tags: "ci"}
	if err := s.CreateKnowledge(ctx, k, t0); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateKnowledge(ctx, k.ID, "deploys run from release branches", "ci,release", t0); err != nil {
		t.Fatal(err)
	}
	hits, _ = s.Search(ctx, SearchQuery{Scope: ScopeKnowledge, Text: "release"})
	if len(hits) != 1 || hits[0].ID != k.ID {
		t.Fatalf("expected updated knowledge hit, got %+v", hits)
	}
}

func TestFTSQueryQuotesInput(t *testing.T) {
	if got := ftsQuery(`deploy AND "x" pre*`); got != `"deploy" "AND" """x""" "pre"*` {
		t.Fatalf("unexpected fts query %s", got)
	}
}
