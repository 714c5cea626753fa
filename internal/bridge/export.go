package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/KafClaw/agentbus/internal/store"
)

// Export formats.
const (
	FormatJSONL    = "jsonl"
	FormatMarkdown = "markdown"
)

// Export writes the channel's full history to w.
func (b *Bridge) Export(ctx context.Context, channelRef string, w io.Writer, format string) error {
	ch, err := b.store.ResolveChannel(ctx, channelRef)
	if err != nil {
		return err
	}
	msgs, err := b.store.ListMessages(ctx, ch.ID, 0, 0)
	if err != nil {
		return err
	}
	switch strings.ToLower(format) {
	case FormatJSONL, "":
		enc := json.NewEncoder(w)
		for i := range msgs {
			if err := enc.Encode(&msgs[i]); err != nil {
				return err
			}
		}
		return nil
	case FormatMarkdown, "md":
		return writeMarkdown(w, ch, msgs)
	}
	return fmt.Errorf("unknown export format %q", format)
}

func writeMarkdown(w io.Writer, ch *store.Channel, msgs []store.Message) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# #%s\n\n", ch.Name)
	if ch.Topic != "" {
		fmt.Fprintf(&sb, "_%s_\n\n", ch.Topic)
	}
	if ch.ArchivedAt != nil {
		fmt.Fprintf(&sb, "> archived %s\n\n", ch.ArchivedAt.Format(time.RFC3339))
	}
	for _, m := range msgs {
		fmt.Fprintf(&sb, "**@%s** · %s · `%s`\n\n%s\n\n", m.AgentName, m.CreatedAt.Format(time.RFC3339), shortID(m.ID), m.Content)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// Search ranks messages by relevance. An empty channelRef searches all
// channels.
func (b *Bridge) Search(ctx context.Context, query, channelRef string, limit int) ([]store.SearchHit, error) {
	q := store.SearchQuery{Scope: store.ScopeMessages, Text: query, Limit: limit}
	if channelRef != "" {
		ch, err := b.store.ResolveChannel(ctx, channelRef)
		if err != nil {
			return nil, err
		}
		q.Owner = ch.ID
	}
	return b.store.Search(ctx, q)
}
