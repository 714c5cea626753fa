package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/agentbus/internal/bus"
	"github.com/KafClaw/agentbus/internal/config"
	"github.com/KafClaw/agentbus/internal/mirror"
)

var (
	mirrorFromStart bool
	mirrorBrokers   string
	mirrorTopic     string
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Kafka event mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var mirrorTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow mirrored events from Kafka",
	Args:  cobra.NoArgs,
	RunE:  runMirrorTail,
}

func init() {
	mirrorTailCmd.Flags().BoolVar(&mirrorFromStart, "from-start", false, "Read the topic from the beginning")
	mirrorTailCmd.Flags().StringVar(&mirrorBrokers, "brokers", "", "Override configured brokers")
	mirrorTailCmd.Flags().StringVar(&mirrorTopic, "topic", "", "Override configured topic")

	mirrorCmd.AddCommand(mirrorTailCmd)
	rootCmd.AddCommand(mirrorCmd)
}

func runMirrorTail(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyLogLevel(cfg.Log.Level)
	mc := cfg.Mirror
	if mirrorBrokers != "" {
		mc.Brokers = mirrorBrokers
	}
	if mirrorTopic != "" {
		mc.Topic = mirrorTopic
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := cmd.OutOrStdout()
	return mirror.Tail(ctx, mc, mirrorFromStart, func(e *bus.Event) error {
		if asJSON {
			return printJSON(cmd, e)
		}
		subject := e.SpawnID
		if subject == "" {
			subject = e.ChannelID
		}
		fmt.Fprintf(w, "%s %-18s %s @%s %s\n",
			color.HiBlackString(e.Timestamp.Local().Format(time.TimeOnly)),
			kindText(e.Kind), short(subject), e.Agent, firstLine(e.Detail, 80))
		return nil
	})
}

func kindText(kind string) string {
	switch kind {
	case bus.KindSpawnFailed, bus.KindSpawnTimeout, bus.KindSpawnKilled:
		return color.RedString(kind)
	case bus.KindSpawnStalled:
		return color.YellowString(kind)
	case bus.KindSpawnStarted, bus.KindSpawnResumed:
		return color.GreenString(kind)
	}
	return kind
}
