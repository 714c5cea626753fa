// Package bridge is the coordination bus: agents and humans post to
// channels, and delimiter tokens in posted content drive spawns.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/agentbus/internal/bus"
	"github.com/KafClaw/agentbus/internal/config"
	"github.com/KafClaw/agentbus/internal/spawn"
	"github.com/KafClaw/agentbus/internal/store"
)

// ErrSelfHandoff is returned when a handoff names one agent on both ends.
var ErrSelfHandoff = store.ErrSelfHandoff

// Spawner is the slice of the lifecycle manager the bus drives.
type Spawner interface {
	Spawn(ctx context.Context, req spawn.CreateRequest) (*store.Spawn, error)
	Pause(ctx context.Context, ref string) (*store.Spawn, error)
	Resume(ctx context.Context, ref, instruction string) (*store.Spawn, error)
	Compact(ctx context.Context, ref, summary string) (*store.Spawn, error)
}

// Outcome actions.
const (
	ActionSpawned    = "spawned"
	ActionResumed    = "resumed"
	ActionPaused     = "paused"
	ActionCompacted  = "compacted"
	ActionRotated    = "rotated"
	ActionSuppressed = "suppressed"
	ActionInert      = "inert"
	ActionIgnored    = "ignored"
	ActionFailed     = "failed"
)

// Outcome is what dispatching one token did. A token may produce several
// outcomes when it addresses several spawns.
type Outcome struct {
	Token   Token  `json:"token"`
	Action  string `json:"action"`
	Target  string `json:"target,omitempty"`
	SpawnID string `json:"spawn_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// SendResult is returned by Send.
type SendResult struct {
	Message  *store.Message `json:"message"`
	Outcomes []Outcome      `json:"outcomes,omitempty"`
	// Successor is set when the message rotated the channel.
	Successor *store.Channel `json:"successor,omitempty"`
	// RotateAdvised is set when the channel has grown past the rotate
	// threshold.
	RotateAdvised bool `json:"rotate_advised,omitempty"`
}

type Option func(*Bridge)

func WithEvents(p bus.Publisher) Option      { return func(b *Bridge) { b.events = p } }
func WithConfig(c config.BusConfig) Option   { return func(b *Bridge) { b.cfg = c } }
func WithClock(now func() time.Time) Option { return func(b *Bridge) { b.now = now } }

// Bridge posts messages and dispatches their tokens.
type Bridge struct {
	store   *store.Store
	spawner Spawner
	events  bus.Publisher
	cfg     config.BusConfig
	now     func() time.Time
}

func New(st *store.Store, spawner Spawner, opts ...Option) *Bridge {
	b := &Bridge{
		store:   st,
		spawner: spawner,
		events:  bus.Discard{},
		cfg:     config.DefaultConfig().Bus,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Send appends content to the channel as author, then dispatches every
// token in it. Storage never depends on the tokens; dispatch problems are
// reported per token in the result, not as an error.
func (b *Bridge) Send(ctx context.Context, channelRef, authorRef, content string) (*SendResult, error) {
	ch, err := b.store.ResolveChannel(ctx, channelRef)
	if err != nil {
		return nil, err
	}
	author, err := b.store.ResolveAgent(ctx, authorRef)
	if err != nil {
		return nil, err
	}
	msg, err := b.store.AppendMessage(ctx, ch.ID, author.ID, content, b.now())
	if errors.Is(err, store.ErrChannelArchived) {
		if next := b.successor(ctx, ch.ID); next != nil {
			return nil, fmt.Errorf("%w (continued in #%s)", err, next.Name)
		}
	}
	if err != nil {
		return nil, err
	}
	b.posted(msg)

	res := &SendResult{Message: msg}
	res.Outcomes, res.Successor = b.dispatch(ctx, ch, author, msg)
	if res.Successor == nil && b.cfg.RotateThreshold > 0 {
		if n, err := b.store.CountMessages(ctx, ch.ID); err == nil && n >= b.cfg.RotateThreshold {
			res.RotateAdvised = true
			slog.Info("Channel past rotate threshold", "channel", ch.Name, "messages", n, "threshold", b.cfg.RotateThreshold)
		}
	}
	return res, nil
}

// Dispatch re-runs token dispatch for a stored message. Replaying a message
// never creates more spawns than the first pass did.
func (b *Bridge) Dispatch(ctx context.Context, messageRef string) ([]Outcome, error) {
	msg, err := b.store.ResolveMessage(ctx, messageRef)
	if err != nil {
		return nil, err
	}
	ch, err := b.store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return nil, err
	}
	author, err := b.store.GetAgent(ctx, msg.AgentID)
	if err != nil {
		return nil, err
	}
	out, _ := b.dispatch(ctx, ch, author, msg)
	return out, nil
}

func (b *Bridge) dispatch(ctx context.Context, ch *store.Channel, author *store.Agent, msg *store.Message) ([]Outcome, *store.Channel) {
	var (
		out    []Outcome
		rotate []Token
	)
	for _, tok := range Tokenize(msg.Content) {
		switch {
		case tok.Kind == Mention:
			out = append(out, b.mention(ctx, tok, ch, author, mentionTask(ch, author, msg), b.cfg.MentionWindow()))
		case tok.Kind == Control && tok.Value == VerbRotate:
			// Rotation archives the channel, so it runs after everything else.
			rotate = append(rotate, tok)
		case tok.Kind == Control:
			out = append(out, b.control(ctx, tok, ch, author)...)
		default:
			out = append(out, Outcome{Token: tok, Action: ActionInert, Target: tok.Value})
		}
	}

	var next *store.Channel
	for i, tok := range rotate {
		if i > 0 {
			out = append(out, Outcome{Token: tok, Action: ActionIgnored, Detail: "channel already rotated"})
			continue
		}
		o, c := b.rotateToken(ctx, tok, ch, author)
		out = append(out, o)
		next = c
	}
	for _, o := range out {
		slog.Debug("Token dispatched", "channel", ch.Name, "message", msg.ID, "kind", o.Token.Kind,
			"value", o.Token.Value, "action", o.Action, "target", o.Target, "detail", o.Detail)
	}
	return out, next
}

// mention resumes the identity's paused spawn in the channel, or creates a
// new one. Unknown, archived, human and self mentions are inert, and a
// blocked create is a silent suppression.
func (b *Bridge) mention(ctx context.Context, tok Token, ch *store.Channel, author *store.Agent, task string, window time.Duration) Outcome {
	o := Outcome{Token: tok, Target: tok.Value}
	agent, err := b.store.AgentByName(ctx, tok.Value)
	switch {
	case errors.Is(err, store.ErrNotFound):
		o.Action, o.Detail = ActionInert, "unknown identity"
		return o
	case err != nil:
		o.Action, o.Detail = ActionFailed, err.Error()
		return o
	case agent.ArchivedAt != nil:
		o.Action, o.Detail = ActionInert, "unknown identity"
		return o
	case agent.ID == author.ID:
		o.Action, o.Detail = ActionInert, "self mention"
		return o
	case !agent.Spawnable():
		o.Action, o.Detail = ActionInert, "not spawnable"
		return o
	}

	paused, err := b.store.ListSpawns(ctx, store.SpawnFilter{
		AgentID: agent.ID, ChannelID: ch.ID, Statuses: []store.SpawnStatus{store.SpawnPaused},
	})
	if err != nil {
		o.Action, o.Detail = ActionFailed, err.Error()
		return o
	}
	if len(paused) > 0 {
		sp := paused[len(paused)-1]
		o.SpawnID = sp.ID
		if _, err := b.spawner.Resume(ctx, sp.ID, task); err != nil {
			o.Action, o.Detail = triggerFailure(err)
			return o
		}
		o.Action = ActionResumed
		return o
	}

	sp, err := b.spawner.Spawn(ctx, spawn.CreateRequest{
		Agent:     agent.ID,
		ChannelID: ch.ID,
		Mode:      store.ModeTask,
		Task:      task,
		Window:    window,
	})
	if err != nil {
		o.Action, o.Detail = triggerFailure(err)
		var dup *store.DuplicateSpawnError
		if errors.As(err, &dup) {
			o.SpawnID = dup.Existing
		}
		return o
	}
	o.Action, o.SpawnID = ActionSpawned, sp.ID
	return o
}

func triggerFailure(err error) (string, string) {
	if errors.Is(err, store.ErrDuplicateSpawn) {
		return ActionSuppressed, err.Error()
	}
	return ActionFailed, err.Error()
}

func (b *Bridge) control(ctx context.Context, tok Token, ch *store.Channel, author *store.Agent) []Outcome {
	switch tok.Value {
	case VerbPause:
		return b.forEachSpawn(ctx, tok, ch, store.SpawnRunning, func(sp *store.Spawn) Outcome {
			if _, err := b.spawner.Pause(ctx, sp.ID); err != nil {
				return Outcome{Action: ActionFailed, Detail: err.Error()}
			}
			return Outcome{Action: ActionPaused}
		})
	case VerbResume:
		instruction := fmt.Sprintf("@%s resumed you in #%s. Read new messages and continue.", author.Name, ch.Name)
		return b.forEachSpawn(ctx, tok, ch, store.SpawnPaused, func(sp *store.Spawn) Outcome {
			if _, err := b.spawner.Resume(ctx, sp.ID, instruction); err != nil {
				action, detail := triggerFailure(err)
				return Outcome{Action: action, Detail: detail}
			}
			return Outcome{Action: ActionResumed}
		})
	case VerbCompact:
		return []Outcome{b.compact(ctx, tok, ch, author)}
	}
	return []Outcome{{Token: tok, Action: ActionIgnored, Detail: "unknown control verb"}}
}

// forEachSpawn applies fn to the spawns in status for the token's identity
// in ch, or to every such spawn in ch when no identity was given.
func (b *Bridge) forEachSpawn(ctx context.Context, tok Token, ch *store.Channel, status store.SpawnStatus, fn func(*store.Spawn) Outcome) []Outcome {
	filter := store.SpawnFilter{ChannelID: ch.ID, Statuses: []store.SpawnStatus{status}}
	if tok.Arg != "" {
		agent, err := b.store.AgentByName(ctx, tok.Arg)
		if err != nil || agent.ArchivedAt != nil {
			return []Outcome{{Token: tok, Action: ActionInert, Target: tok.Arg, Detail: "unknown identity"}}
		}
		filter.AgentID = agent.ID
	}
	spawns, err := b.store.ListSpawns(ctx, filter)
	if err != nil {
		return []Outcome{{Token: tok, Action: ActionFailed, Detail: err.Error()}}
	}
	if len(spawns) == 0 {
		return []Outcome{{Token: tok, Action: ActionIgnored, Target: tok.Arg, Detail: fmt.Sprintf("no %s spawns", status)}}
	}
	out := make([]Outcome, 0, len(spawns))
	for i := range spawns {
		o := fn(&spawns[i])
		o.Token, o.SpawnID, o.Target = tok, spawns[i].ID, tok.Arg
		out = append(out, o)
	}
	return out
}

// compact applies to the author's own live spawn in the channel.
func (b *Bridge) compact(ctx context.Context, tok Token, ch *store.Channel, author *store.Agent) Outcome {
	o := Outcome{Token: tok, Target: author.Name}
	if tok.Arg == "" {
		o.Action, o.Detail = ActionIgnored, "compact needs a summary"
		return o
	}
	own, err := b.store.ListSpawns(ctx, store.SpawnFilter{
		AgentID: author.ID, ChannelID: ch.ID, Statuses: []store.SpawnStatus{store.SpawnRunning, store.SpawnPaused},
	})
	if err != nil {
		o.Action, o.Detail = ActionFailed, err.Error()
		return o
	}
	if len(own) == 0 {
		o.Action, o.Detail = ActionIgnored, "author has no live spawn here"
		return o
	}
	next, err := b.spawner.Compact(ctx, own[len(own)-1].ID, tok.Arg)
	if err != nil {
		o.Action, o.Detail = ActionFailed, err.Error()
		o.SpawnID = own[len(own)-1].ID
		return o
	}
	o.Action, o.SpawnID, o.Detail = ActionCompacted, next.ID, "continues "+own[len(own)-1].ID
	return o
}

func (b *Bridge) rotateToken(ctx context.Context, tok Token, ch *store.Channel, author *store.Agent) (Outcome, *store.Channel) {
	o := Outcome{Token: tok}
	if tok.Arg == "" {
		o.Action, o.Detail = ActionIgnored, "rotate needs a summary"
		return o, nil
	}
	next, _, err := b.rotate(ctx, ch, author, tok.Arg)
	if err != nil {
		o.Action, o.Detail = ActionFailed, err.Error()
		return o, nil
	}
	o.Action, o.Target = ActionRotated, next.Name
	return o, next
}

// RecvResult holds the messages a reader had not seen yet.
type RecvResult struct {
	Channel  *store.Channel  `json:"channel"`
	Messages []store.Message `json:"messages"`
	Unread   int             `json:"unread"`
}

// RecvUpdates returns everything after the reader's bookmark and advances
// the bookmark past it.
func (b *Bridge) RecvUpdates(ctx context.Context, channelRef, readerRef string) (*RecvResult, error) {
	ch, err := b.store.ResolveChannel(ctx, channelRef)
	if err != nil {
		return nil, err
	}
	reader, err := b.store.ResolveAgent(ctx, readerRef)
	if err != nil {
		return nil, err
	}
	msgs, err := b.store.ReadUpdates(ctx, reader.ID, ch.ID, b.now())
	if err != nil {
		return nil, err
	}
	return &RecvResult{Channel: ch, Messages: msgs, Unread: len(msgs)}, nil
}

// PeekUpdates returns what RecvUpdates would return without moving the
// bookmark.
func (b *Bridge) PeekUpdates(ctx context.Context, channelRef, readerRef string) (*RecvResult, error) {
	ch, err := b.store.ResolveChannel(ctx, channelRef)
	if err != nil {
		return nil, err
	}
	reader, err := b.store.ResolveAgent(ctx, readerRef)
	if err != nil {
		return nil, err
	}
	seq, err := b.store.Bookmark(ctx, reader.ID, ch.ID)
	if err != nil {
		return nil, err
	}
	msgs, err := b.store.ListMessages(ctx, ch.ID, seq, 0)
	if err != nil {
		return nil, err
	}
	return &RecvResult{Channel: ch, Messages: msgs, Unread: len(msgs)}, nil
}

// Rotate replaces the channel with a successor whose first message is
// summary and archives the original.
func (b *Bridge) Rotate(ctx context.Context, channelRef, authorRef, summary string) (*store.Channel, *store.Message, error) {
	if summary == "" {
		return nil, nil, errors.New("rotate needs a summary")
	}
	ch, err := b.store.ResolveChannel(ctx, channelRef)
	if err != nil {
		return nil, nil, err
	}
	author, err := b.store.ResolveAgent(ctx, authorRef)
	if err != nil {
		return nil, nil, err
	}
	return b.rotate(ctx, ch, author, summary)
}

func (b *Bridge) rotate(ctx context.Context, ch *store.Channel, author *store.Agent, summary string) (*store.Channel, *store.Message, error) {
	next, msg, err := b.store.RotateChannel(ctx, ch.ID, author.ID, summary, b.now())
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Channel rotated", "channel", ch.Name, "successor", next.Name, "agent", author.Name)
	b.events.Publish(&bus.Event{
		Kind:      bus.KindChannelRotated,
		AgentID:   author.ID,
		Agent:     author.Name,
		ChannelID: ch.ID,
		Detail:    summary,
		Attrs:     map[string]string{"successor": next.ID, "successor_name": next.Name},
		Timestamp: b.now(),
	})
	b.posted(msg)
	return next, msg, nil
}

func (b *Bridge) successor(ctx context.Context, channelID string) *store.Channel {
	all, err := b.store.ListChannels(ctx, true)
	if err != nil {
		return nil
	}
	for i := range all {
		if all[i].ParentChannelID == channelID {
			return &all[i]
		}
	}
	return nil
}

func (b *Bridge) posted(msg *store.Message) {
	b.events.Publish(&bus.Event{
		Kind:      bus.KindMessagePosted,
		AgentID:   msg.AgentID,
		Agent:     msg.AgentName,
		ChannelID: msg.ChannelID,
		MessageID: msg.ID,
		Detail:    msg.Content,
		Timestamp: msg.CreatedAt,
	})
}

func mentionTask(ch *store.Channel, author *store.Agent, msg *store.Message) string {
	return fmt.Sprintf("@%s mentioned you in #%s (message %s):\n\n%s", author.Name, ch.Name, shortID(msg.ID), msg.Content)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
