package alert

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/KafClaw/agentbus/internal/bus"
	"github.com/KafClaw/agentbus/internal/config"
)

type slackStub struct {
	mu    sync.Mutex
	texts []string
	chans []string
}

func (s *slackStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("unexpected slack call %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		s.mu.Lock()
		s.texts = append(s.texts, r.FormValue("text"))
		s.chans = append(s.chans, r.FormValue("channel"))
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	})
}

func TestNotifierPostsHealthEvents(t *testing.T) {
	stub := &slackStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	n, err := NewSlackNotifier(config.AlertsConfig{
		SlackToken:   "xoxb-test",
		SlackChannel: "C123",
		SlackAPIBase: srv.URL,
	}, srv.Client())
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	h := bus.NewHub(8)
	n.Attach(h)

	h.Publish(&bus.Event{Kind: bus.KindSpawnStalled, SpawnID: "0123456789abcdef", Agent: "zealot"})
	h.Publish(&bus.Event{Kind: bus.KindSpawnStarted, SpawnID: "ignored"})
	h.Publish(&bus.Event{Kind: bus.KindSpawnFailed, SpawnID: "fedcba9876543210", Agent: "oracle", Detail: "process_exited"})
	h.Flush()

	if len(stub.texts) != 2 {
		t.Fatalf("expected 2 alerts, got %v", stub.texts)
	}
	if !strings.Contains(stub.texts[0], "`01234567` of @zealot stalled") {
		t.Fatalf("unexpected stall alert %q", stub.texts[0])
	}
	if !strings.HasSuffix(stub.texts[1], "failed: process_exited") || stub.chans[1] != "C123" {
		t.Fatalf("unexpected failure alert %q to %q", stub.texts[1], stub.chans[1])
	}
}

func TestNotifierRequiresTokenAndChannel(t *testing.T) {
	if _, err := NewSlackNotifier(config.AlertsConfig{SlackChannel: "C1"}, nil); err == nil {
		t.Fatal("expected missing token error")
	}
	if _, err := NewSlackNotifier(config.AlertsConfig{SlackToken: "x"}, nil); err == nil {
		t.Fatal("expected missing channel error")
	}
}

func TestFormatTimeout(t *testing.T) {
	got := Format(&bus.Event{Kind: bus.KindSpawnTimeout, SpawnID: "abc", AgentID: "agent-1", Detail: "timeout"})
	if got != ":warning: spawn `abc` of @agent-1 timed out: timeout" {
		t.Fatalf("unexpected format %q", got)
	}
}
