package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/agentbus/internal/store"
)

var (
	channelTopic string
	channelAll   bool
	channelUnpin bool
	channelAs    string
)

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Manage coordination channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var channelCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runChannelCreate,
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channels",
	Args:  cobra.NoArgs,
	RunE:  runChannelList,
}

var channelShowCmd = &cobra.Command{
	Use:   "show <channel>",
	Short: "Show a channel with its live spawns and open handoffs",
	Args:  cobra.ExactArgs(1),
	RunE:  runChannelShow,
}

var channelArchiveCmd = &cobra.Command{
	Use:   "archive <channel>",
	Short: "Archive a channel (read-only from then on)",
	Args:  cobra.ExactArgs(1),
	RunE:  runChannelArchive,
}

var channelPinCmd = &cobra.Command{
	Use:   "pin <channel>",
	Short: "Pin or unpin a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runChannelPin,
}

var channelRotateCmd = &cobra.Command{
	Use:   "rotate <channel> <summary>",
	Short: "Continue a channel in a fresh successor seeded with summary",
	Args:  cobra.ExactArgs(2),
	RunE:  runChannelRotate,
}

var channelLineageCmd = &cobra.Command{
	Use:   "lineage <channel>",
	Short: "Show the channel and the channels it continues",
	Args:  cobra.ExactArgs(1),
	RunE:  runChannelLineage,
}

func init() {
	channelCreateCmd.Flags().StringVar(&channelTopic, "topic", "", "Channel topic")
	channelListCmd.Flags().BoolVar(&channelAll, "all", false, "Include archived channels")
	channelPinCmd.Flags().BoolVar(&channelUnpin, "unpin", false, "Remove the pin")
	channelRotateCmd.Flags().StringVar(&channelAs, "as", "", "Author identity (defaults to $AGENTBUS_AGENT)")

	channelCmd.AddCommand(channelCreateCmd, channelListCmd, channelShowCmd, channelArchiveCmd,
		channelPinCmd, channelRotateCmd, channelLineageCmd)
	rootCmd.AddCommand(channelCmd)
}

func runChannelCreate(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ch := &store.Channel{Name: args[0], Topic: channelTopic}
	if err := rt.store.CreateChannel(cmd.Context(), ch, time.Now().UTC()); err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, ch)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created #%s %s\n", ch.Name, short(ch.ID))
	return nil
}

func runChannelList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	chans, err := rt.store.ListChannels(ctx, channelAll)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, chans)
	}
	tw := table(cmd)
	fmt.Fprintln(tw, "ID\tNAME\tMESSAGES\tSTATE\tTOPIC")
	for _, ch := range chans {
		n, _ := rt.store.CountMessages(ctx, ch.ID)
		state := "open"
		switch {
		case ch.ArchivedAt != nil:
			state = "archived"
		case ch.Pinned:
			state = "pinned"
		}
		fmt.Fprintf(tw, "%s\t#%s\t%d\t%s\t%s\n", short(ch.ID), ch.Name, n, state, ch.Topic)
	}
	return tw.Flush()
}

func runChannelShow(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	ch, err := rt.store.ResolveChannel(ctx, args[0])
	if err != nil {
		return err
	}
	n, err := rt.store.CountMessages(ctx, ch.ID)
	if err != nil {
		return err
	}
	spawns, err := rt.store.ListSpawns(ctx, store.SpawnFilter{ChannelID: ch.ID, Statuses: store.NonTerminal})
	if err != nil {
		return err
	}
	handoffs, err := rt.store.ListHandoffs(ctx, ch.ID, store.HandoffOpen)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, map[string]any{
			"channel": ch, "messages": n, "live_spawns": spawns, "open_handoffs": handoffs,
		})
	}
	w := cmd.OutOrStdout()
	printHeader(cmd, "#"+ch.Name)
	fmt.Fprintf(w, "ID:        %s\n", ch.ID)
	if ch.Topic != "" {
		fmt.Fprintf(w, "Topic:     %s\n", ch.Topic)
	}
	fmt.Fprintf(w, "Messages:  %d\n", n)
	if ch.ArchivedAt != nil {
		fmt.Fprintf(w, "Archived:  %s\n", ch.ArchivedAt.Format(time.RFC3339))
	}
	if rt.cfg.Bus.RotateThreshold > 0 && n >= rt.cfg.Bus.RotateThreshold && ch.ArchivedAt == nil {
		fmt.Fprintf(w, "Advice:    past %d messages, consider `agentbus channel rotate`\n", rt.cfg.Bus.RotateThreshold)
	}
	fmt.Fprintf(w, "Spawns:    %d live\n", len(spawns))
	for _, sp := range spawns {
		fmt.Fprintf(w, "  %s  %s\n", short(sp.ID), statusText(sp.Status))
	}
	fmt.Fprintf(w, "Handoffs:  %d open\n", len(handoffs))
	return nil
}

func runChannelArchive(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ch, err := rt.store.ResolveChannel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := rt.store.ArchiveChannel(cmd.Context(), ch.ID, time.Now().UTC()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Archived #%s\n", ch.Name)
	return nil
}

func runChannelPin(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ch, err := rt.store.ResolveChannel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := rt.store.SetChannelPinned(cmd.Context(), ch.ID, !channelUnpin); err != nil {
		return err
	}
	verb := "Pinned"
	if channelUnpin {
		verb = "Unpinned"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s #%s\n", verb, ch.Name)
	return nil
}

func runChannelRotate(cmd *cobra.Command, args []string) error {
	who, err := actor(channelAs)
	if err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	next, msg, err := rt.bridge.Rotate(cmd.Context(), args[0], who, args[1])
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, map[string]any{"successor": next, "message": msg})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rotated into #%s %s\n", next.Name, short(next.ID))
	return nil
}

func runChannelLineage(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ch, err := rt.store.ResolveChannel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	chain, err := rt.store.ChannelLineage(cmd.Context(), ch.ID)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, chain)
	}
	for i, c := range chain {
		fmt.Fprintf(cmd.OutOrStdout(), "%*s#%s %s\n", i*2, "", c.Name, short(c.ID))
	}
	return nil
}
