package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KafClaw/agentbus/internal/bridge"
)

var (
	handoffAs      string
	handoffMessage string
	handoffChannel string
	handoffStatus  string
)

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Hand work in a channel from one agent to another",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var handoffCreateCmd = &cobra.Command{
	Use:   "create <channel> <to> <summary>",
	Short: "Record a handoff and trigger the receiver",
	Args:  cobra.ExactArgs(3),
	RunE:  runHandoffCreate,
}

var handoffListCmd = &cobra.Command{
	Use:   "list",
	Short: "List handoffs",
	Args:  cobra.NoArgs,
	RunE:  runHandoffList,
}

var handoffCloseCmd = &cobra.Command{
	Use:   "close <handoff>",
	Short: "Close a handoff",
	Args:  cobra.ExactArgs(1),
	RunE:  runHandoffClose,
}

func init() {
	handoffCreateCmd.Flags().StringVar(&handoffAs, "as", "", "Handing-off identity (defaults to $AGENTBUS_AGENT)")
	handoffCreateCmd.Flags().StringVar(&handoffMessage, "message", "", "Anchor on an existing message instead of posting one")
	handoffListCmd.Flags().StringVar(&handoffChannel, "channel", "", "Filter by channel")
	handoffListCmd.Flags().StringVar(&handoffStatus, "status", "", "open, accepted or closed")

	handoffCmd.AddCommand(handoffCreateCmd, handoffListCmd, handoffCloseCmd)
	rootCmd.AddCommand(handoffCmd)
}

func runHandoffCreate(cmd *cobra.Command, args []string) error {
	who, err := actor(handoffAs)
	if err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.bridge.CreateHandoff(cmd.Context(), bridge.HandoffRequest{
		Channel:   args[0],
		From:      who,
		To:        args[1],
		Summary:   args[2],
		MessageID: handoffMessage,
	})
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Handoff %s %s (receiver %s", short(res.Handoff.ID), res.Handoff.Status, res.Outcome.Action)
	if res.Outcome.SpawnID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), " %s", short(res.Outcome.SpawnID))
	}
	fmt.Fprintln(cmd.OutOrStdout(), ")")
	return nil
}

func runHandoffList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	var channelID string
	if handoffChannel != "" {
		ch, err := rt.store.ResolveChannel(ctx, handoffChannel)
		if err != nil {
			return err
		}
		channelID = ch.ID
	}
	list, err := rt.store.ListHandoffs(ctx, channelID, handoffStatus)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, list)
	}
	names := agentNames(rt, cmd)
	tw := table(cmd)
	fmt.Fprintln(tw, "ID\tFROM\tTO\tSTATUS\tAGE\tSUMMARY")
	for _, h := range list {
		fmt.Fprintf(tw, "%s\t@%s\t@%s\t%s\t%s\t%s\n", short(h.ID), names[h.FromAgentID], names[h.ToAgentID],
			h.Status, age(h.CreatedAt), firstLine(h.Summary, 60))
	}
	return tw.Flush()
}

func runHandoffClose(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	h, err := rt.bridge.CloseHandoff(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, h)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Closed handoff %s\n", short(h.ID))
	return nil
}
