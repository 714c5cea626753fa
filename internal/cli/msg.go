package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/agentbus/internal/bridge"
	"github.com/KafClaw/agentbus/internal/store"
)

var (
	msgAs      string
	msgPeek    bool
	msgFormat  string
	msgOutput  string
	msgChannel string
	msgLimit   int
)

var msgCmd = &cobra.Command{
	Use:   "msg",
	Short: "Post, read, export and search channel messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var msgSendCmd = &cobra.Command{
	Use:   "send <channel> <text>",
	Short: "Post a message; @mentions and !controls in it take effect",
	Long:  "Post a message. Use - as text to read it from stdin.",
	Args:  cobra.ExactArgs(2),
	RunE:  runMsgSend,
}

var msgRecvCmd = &cobra.Command{
	Use:   "recv <channel>",
	Short: "Print messages not yet read by the identity and mark them read",
	Args:  cobra.ExactArgs(1),
	RunE:  runMsgRecv,
}

var msgExportCmd = &cobra.Command{
	Use:   "export <channel>",
	Short: "Export a channel's history as jsonl or markdown",
	Args:  cobra.ExactArgs(1),
	RunE:  runMsgExport,
}

var msgSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over messages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMsgSearch,
}

func init() {
	msgSendCmd.Flags().StringVar(&msgAs, "as", "", "Author identity (defaults to $AGENTBUS_AGENT)")
	msgRecvCmd.Flags().StringVar(&msgAs, "as", "", "Reader identity (defaults to $AGENTBUS_AGENT)")
	msgRecvCmd.Flags().BoolVar(&msgPeek, "peek", false, "Show unread messages without marking them read")
	msgExportCmd.Flags().StringVar(&msgFormat, "format", bridge.FormatJSONL, "jsonl or markdown")
	msgExportCmd.Flags().StringVarP(&msgOutput, "output", "o", "", "Write to file instead of stdout")
	msgSearchCmd.Flags().StringVar(&msgChannel, "channel", "", "Restrict to one channel")
	msgSearchCmd.Flags().IntVar(&msgLimit, "limit", 20, "Maximum hits")

	msgCmd.AddCommand(msgSendCmd, msgRecvCmd, msgExportCmd, msgSearchCmd)
	rootCmd.AddCommand(msgCmd)
}

func runMsgSend(cmd *cobra.Command, args []string) error {
	who, err := actor(msgAs)
	if err != nil {
		return err
	}
	text := args[1]
	if text == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("empty message")
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.bridge.Send(cmd.Context(), args[0], who, text)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, res)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Posted %s\n", short(res.Message.ID))
	for _, o := range res.Outcomes {
		if o.Action == bridge.ActionInert {
			continue
		}
		line := fmt.Sprintf("  %s %s", o.Token.Kind, o.Action)
		if o.Target != "" {
			line += " " + o.Target
		}
		if o.SpawnID != "" {
			line += " " + short(o.SpawnID)
		}
		if o.Action == bridge.ActionFailed {
			line = color.RedString(line + ": " + o.Detail)
		}
		fmt.Fprintln(w, line)
	}
	if res.Successor != nil {
		fmt.Fprintf(w, "Channel continues in #%s\n", res.Successor.Name)
	} else if res.RotateAdvised {
		fmt.Fprintln(w, color.YellowString("Channel is long; consider `!rotate \"summary\"`"))
	}
	return nil
}

func runMsgRecv(cmd *cobra.Command, args []string) error {
	who, err := actor(msgAs)
	if err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	recv := rt.bridge.RecvUpdates
	if msgPeek {
		recv = rt.bridge.PeekUpdates
	}
	res, err := recv(cmd.Context(), args[0], who)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, res)
	}
	w := cmd.OutOrStdout()
	if res.Unread == 0 {
		fmt.Fprintf(w, "No new messages in #%s\n", res.Channel.Name)
		return nil
	}
	for _, m := range res.Messages {
		printMessage(w, &m)
	}
	return nil
}

func printMessage(w io.Writer, m *store.Message) {
	fmt.Fprintf(w, "%s %s %s\n%s\n\n",
		color.CyanString("@"+m.AgentName),
		color.HiBlackString(m.CreatedAt.Local().Format(time.DateTime)),
		color.HiBlackString(short(m.ID)),
		m.Content)
}

func runMsgExport(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	if msgOutput != "" {
		f, err := os.Create(msgOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return rt.bridge.Export(cmd.Context(), args[0], out, msgFormat)
}

func runMsgSearch(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	hits, err := rt.bridge.Search(cmd.Context(), strings.Join(args, " "), msgChannel, msgLimit)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, hits)
	}
	printHits(cmd, hits)
	return nil
}

func printHits(cmd *cobra.Command, hits []store.SearchHit) {
	if len(hits) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No matches")
		return
	}
	for _, h := range hits {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", color.HiBlackString(short(h.ID)), h.Snippet)
	}
}
