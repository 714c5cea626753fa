package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KafClaw/agentbus/internal/config"
	"github.com/KafClaw/agentbus/internal/store"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "agentbus %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(versionCmd, statusCmd)
}

type statusReport struct {
	Version  string                    `json:"version"`
	Config   string                    `json:"config"`
	Home     string                    `json:"home"`
	Database string                    `json:"database"`
	Agents   int                       `json:"agents"`
	Channels int                       `json:"channels"`
	Spawns   map[store.SpawnStatus]int `json:"spawns"`
	Mirror   bool                      `json:"mirror"`
	Alerts   bool                      `json:"alerts"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	path, _ := config.ConfigPath()
	agents, err := rt.store.ListAgents(ctx, false)
	if err != nil {
		return err
	}
	chans, err := rt.store.ListChannels(ctx, false)
	if err != nil {
		return err
	}
	counts, err := rt.store.StatusCounts(ctx)
	if err != nil {
		return err
	}
	r := statusReport{
		Version:  version,
		Config:   path,
		Home:     rt.cfg.Paths.Home,
		Database: rt.cfg.Paths.DBPath,
		Agents:   len(agents),
		Channels: len(chans),
		Spawns:   counts,
		Mirror:   rt.mirror != nil,
		Alerts:   rt.cfg.Alerts.SlackEnabled,
	}
	if asJSON {
		return printJSON(cmd, r)
	}

	w := cmd.OutOrStdout()
	printHeader(cmd, "agentbus "+version)
	fmt.Fprintf(w, "Config:    %s\n", r.Config)
	fmt.Fprintf(w, "Database:  %s\n", r.Database)
	fmt.Fprintf(w, "Agents:    %d\n", r.Agents)
	fmt.Fprintf(w, "Channels:  %d\n", r.Channels)
	fmt.Fprint(w, "Spawns:   ")
	for _, st := range []store.SpawnStatus{store.SpawnPending, store.SpawnRunning, store.SpawnPaused,
		store.SpawnCompleted, store.SpawnFailed, store.SpawnTimeout, store.SpawnKilled} {
		fmt.Fprintf(w, " %s=%d", statusText(st), counts[st])
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Mirror:    %s\n", onOff(r.Mirror))
	fmt.Fprintf(w, "Alerts:    %s\n", onOff(r.Alerts))
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
