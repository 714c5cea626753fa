package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/KafClaw/agentbus/internal/bus"
	"github.com/KafClaw/agentbus/internal/store"
)

// HandoffRequest transfers work in a channel from one agent to another.
type HandoffRequest struct {
	Channel string
	From    string
	To      string
	Summary string
	// MessageID anchors the handoff on an existing message. When empty an
	// anchor message is posted.
	MessageID string
}

// HandoffResult is returned by CreateHandoff.
type HandoffResult struct {
	Handoff *store.Handoff `json:"handoff"`
	Message *store.Message `json:"message"`
	Outcome Outcome        `json:"outcome"`
}

// CreateHandoff records the transfer and triggers the receiver exactly like
// a mention would, under the handoff suppression window. The handoff is
// accepted once the receiver was started or resumed.
func (b *Bridge) CreateHandoff(ctx context.Context, req HandoffRequest) (*HandoffResult, error) {
	if req.Summary == "" {
		return nil, errors.New("handoff needs a summary")
	}
	ch, err := b.store.ResolveChannel(ctx, req.Channel)
	if err != nil {
		return nil, err
	}
	from, err := b.store.ResolveAgent(ctx, req.From)
	if err != nil {
		return nil, err
	}
	to, err := b.store.ResolveAgent(ctx, req.To)
	if err != nil {
		return nil, err
	}
	if from.ID == to.ID {
		return nil, ErrSelfHandoff
	}

	var msg *store.Message
	if req.MessageID != "" {
		msg, err = b.store.ResolveMessage(ctx, req.MessageID)
		if err != nil {
			return nil, err
		}
		if msg.ChannelID != ch.ID {
			return nil, fmt.Errorf("message %s is not in #%s", msg.ID, ch.Name)
		}
	} else {
		// The anchor is stored without dispatch; the handoff itself triggers
		// the receiver.
		msg, err = b.store.AppendMessage(ctx, ch.ID, from.ID, fmt.Sprintf("handoff to @%s: %s", to.Name, req.Summary), b.now())
		if err != nil {
			return nil, err
		}
		b.posted(msg)
	}

	h := &store.Handoff{
		ChannelID:   ch.ID,
		FromAgentID: from.ID,
		ToAgentID:   to.ID,
		Summary:     req.Summary,
		MessageID:   msg.ID,
	}
	if err := b.store.CreateHandoff(ctx, h, b.now()); err != nil {
		return nil, err
	}
	slog.Info("Handoff created", "handoff", h.ID, "channel", ch.Name, "from", from.Name, "to", to.Name)
	b.events.Publish(&bus.Event{
		Kind:      bus.KindHandoffCreated,
		AgentID:   to.ID,
		Agent:     to.Name,
		ChannelID: ch.ID,
		MessageID: msg.ID,
		Detail:    req.Summary,
		Attrs:     map[string]string{"handoff": h.ID, "from": from.Name},
		Timestamp: b.now(),
	})

	tok := Token{Kind: Mention, Value: to.Name}
	task := fmt.Sprintf("@%s handed work to you in #%s (handoff %s):\n\n%s", from.Name, ch.Name, shortID(h.ID), req.Summary)
	o := b.mention(ctx, tok, ch, from, task, b.cfg.HandoffWindow())
	if o.Action == ActionSpawned || o.Action == ActionResumed {
		if err := b.store.SetHandoffStatus(ctx, h.ID, store.HandoffAccepted, b.now()); err != nil {
			slog.Warn("Failed to accept handoff", "handoff", h.ID, "error", err)
		} else {
			h.Status = store.HandoffAccepted
		}
	}
	return &HandoffResult{Handoff: h, Message: msg, Outcome: o}, nil
}

// CloseHandoff marks a handoff closed.
func (b *Bridge) CloseHandoff(ctx context.Context, ref string) (*store.Handoff, error) {
	h, err := b.store.ResolveHandoff(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := b.store.SetHandoffStatus(ctx, h.ID, store.HandoffClosed, b.now()); err != nil {
		return nil, err
	}
	return b.store.GetHandoff(ctx, h.ID)
}
