// Package alert notifies operators about unhealthy spawns.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/KafClaw/agentbus/internal/bus"
	"github.com/KafClaw/agentbus/internal/config"
)

// Kinds the notifier reacts to.
var alertKinds = []string{bus.KindSpawnStalled, bus.KindSpawnFailed, bus.KindSpawnTimeout}

// SlackNotifier posts spawn health events to a Slack channel.
type SlackNotifier struct {
	api     *slack.Client
	channel string
	timeout time.Duration
}

// NewSlackNotifier builds a notifier from the alerts config.
func NewSlackNotifier(cfg config.AlertsConfig, client *http.Client) (*SlackNotifier, error) {
	token := strings.TrimSpace(cfg.SlackToken)
	if token == "" {
		return nil, errors.New("alerts: missing slack token")
	}
	if strings.TrimSpace(cfg.SlackChannel) == "" {
		return nil, errors.New("alerts: missing slack channel")
	}
	base := strings.TrimSpace(cfg.SlackAPIBase)
	if base == "" {
		base = "https://slack.com/api"
	}
	base = strings.TrimRight(base, "/") + "/"
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackNotifier{
		api:     slack.New(token, slack.OptionHTTPClient(client), slack.OptionAPIURL(base)),
		channel: cfg.SlackChannel,
		timeout: 10 * time.Second,
	}, nil
}

// Attach subscribes the notifier to the alerting kinds.
func (n *SlackNotifier) Attach(h *bus.Hub) {
	for _, kind := range alertKinds {
		h.Subscribe(kind, func(e *bus.Event) {
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			defer cancel()
			if err := n.Notify(ctx, e); err != nil {
				slog.Warn("Slack alert failed", "kind", e.Kind, "spawn", e.SpawnID, "error", err)
			}
		})
	}
}

// Notify posts one event.
func (n *SlackNotifier) Notify(ctx context.Context, e *bus.Event) error {
	_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(Format(e), false))
	if err != nil {
		return fmt.Errorf("post to %s: %w", n.channel, err)
	}
	return nil
}

// Format renders an event as a one-line alert.
func Format(e *bus.Event) string {
	who := e.Agent
	if who == "" {
		who = e.AgentID
	}
	var verb string
	switch e.Kind {
	case bus.KindSpawnStalled:
		verb = "stalled"
	case bus.KindSpawnTimeout:
		verb = "timed out"
	case bus.KindSpawnFailed:
		verb = "failed"
	default:
		verb = e.Kind
	}
	msg := fmt.Sprintf(":warning: spawn `%s` of @%s %s", short(e.SpawnID), who, verb)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
