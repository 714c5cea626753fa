package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/KafClaw/agentbus/internal/store"
)

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	asJSON, verbose, msgPeek = false, false, false
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	return strings.TrimSpace(buf.String()), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runRootCommand(t, args...)
	if err != nil {
		t.Fatalf("agentbus %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func setupHome(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AGENTBUS_HOME", home)
	t.Setenv("AGENTBUS_CONFIG", "")
	t.Setenv("AGENTBUS_AGENT", "")
	t.Setenv("AGENTBUS_SPAWN_ID", "")
}

func TestCoordinationCommands(t *testing.T) {
	setupHome(t)

	if out := mustRun(t, "agent", "add", "Zealot", "--provider", "claude"); !strings.Contains(out, "@zealot (claude)") {
		t.Fatalf("unexpected agent add output: %s", out)
	}
	mustRun(t, "agent", "add", "alice", "--provider", "")
	if _, err := runRootCommand(t, "agent", "add", "bot", "--provider", "nosuchcli"); err == nil {
		t.Fatal("expected unknown provider error")
	}
	mustRun(t, "channel", "create", "general", "--topic", "build")

	if out := mustRun(t, "msg", "send", "general", "hello team, see #general", "--as", "alice"); !strings.HasPrefix(out, "Posted") {
		t.Fatalf("unexpected send output: %s", out)
	}
	if _, err := runRootCommand(t, "msg", "send", "general", "who am I", "--as", ""); err == nil {
		t.Fatal("send without identity should fail")
	}

	if out := mustRun(t, "msg", "recv", "general", "--as", "zealot", "--peek"); !strings.Contains(out, "hello team") {
		t.Fatalf("peek should show the unread message: %s", out)
	}

	var recv struct {
		Unread   int             `json:"unread"`
		Messages []store.Message `json:"messages"`
	}
	out := mustRun(t, "msg", "recv", "general", "--as", "zealot", "--json")
	if err := json.Unmarshal([]byte(out), &recv); err != nil {
		t.Fatalf("decode recv: %v\n%s", err, out)
	}
	if recv.Unread != 1 || recv.Messages[0].AgentName != "alice" {
		t.Fatalf("unexpected recv: %+v", recv)
	}
	if out := mustRun(t, "msg", "recv", "general", "--as", "zealot"); !strings.Contains(out, "No new messages") {
		t.Fatalf("second recv should be empty: %s", out)
	}
	if out := mustRun(t, "msg", "search", "hello"); !strings.Contains(out, "hello") {
		t.Fatalf("search missed message: %s", out)
	}
}

func TestSpawnCommands(t *testing.T) {
	setupHome(t)
	mustRun(t, "agent", "add", "zealot", "--provider", "claude")
	mustRun(t, "channel", "create", "general")

	var sp store.Spawn
	out := mustRun(t, "spawn", "create", "zealot", "--channel", "general", "--task", "triage", "--no-start", "--json")
	if err := json.Unmarshal([]byte(out), &sp); err != nil {
		t.Fatalf("decode spawn: %v\n%s", err, out)
	}
	if sp.Status != store.SpawnPending || sp.ProfileHash == "" {
		t.Fatalf("unexpected spawn: %+v", sp)
	}
	if _, err := runRootCommand(t, "spawn", "create", "zealot", "--channel", "general", "--no-start"); err == nil {
		t.Fatal("second active spawn for the pair should be refused")
	}

	if out := mustRun(t, "spawn", "list"); !strings.Contains(out, sp.ID[:8]) {
		t.Fatalf("list missing spawn: %s", out)
	}
	if out := mustRun(t, "spawn", "kill", sp.ID[:8]); !strings.Contains(out, "killed") {
		t.Fatalf("unexpected kill output: %s", out)
	}
	if _, err := runRootCommand(t, "spawn", "kill", sp.ID); err == nil {
		t.Fatal("killing a terminal spawn should fail")
	}

	var status statusReport
	out = mustRun(t, "status", "--json")
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if status.Agents != 1 || status.Spawns[store.SpawnKilled] != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestNotesAndKnowledge(t *testing.T) {
	setupHome(t)
	mustRun(t, "agent", "add", "oracle", "--provider", "codex")

	mustRun(t, "notes", "add", "remember the flaky integration test", "--as", "oracle", "--title", "ci")
	if out := mustRun(t, "notes", "search", "flaky", "--as", "oracle"); !strings.Contains(out, "flaky") {
		t.Fatalf("note search missed: %s", out)
	}
	if _, err := runRootCommand(t, "knowledge", "add", "no topic", "--as", "oracle", "--topic", ""); err == nil {
		t.Fatal("knowledge without topic should fail")
	}
	mustRun(t, "knowledge", "add", "staging deploys need the vpn", "--as", "oracle", "--topic", "deploy")
	if out := mustRun(t, "knowledge", "list", "--topic", "deploy"); !strings.Contains(out, "staging deploys") {
		t.Fatalf("knowledge list missed entry: %s", out)
	}
}

func TestConfigCommands(t *testing.T) {
	setupHome(t)

	if out := mustRun(t, "config", "init"); !strings.HasPrefix(out, "Wrote") {
		t.Fatalf("unexpected init output: %s", out)
	}
	if _, err := runRootCommand(t, "config", "init"); err == nil {
		t.Fatal("init over an existing file should need --force")
	}
	mustRun(t, "config", "set", "bus.rotateThreshold", "40")
	if out := mustRun(t, "config", "get", "bus.rotateThreshold"); out != "40" {
		t.Fatalf("unexpected value: %q", out)
	}
	mustRun(t, "config", "unset", "bus.rotateThreshold")
	if out := mustRun(t, "config", "get", "bus.rotateThreshold"); out != "500" {
		t.Fatalf("expected default after unset: %q", out)
	}
}
