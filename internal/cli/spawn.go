package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/agentbus/internal/spawn"
	"github.com/KafClaw/agentbus/internal/store"
)

var (
	spawnChannel  string
	spawnMode     string
	spawnTask     string
	spawnNoStart  bool
	spawnReason   string
	spawnAgent    string
	spawnStatuses string
	spawnLimit    int
)

var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Create and supervise agent spawns",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var spawnCreateCmd = &cobra.Command{
	Use:   "create <agent>",
	Short: "Create a spawn and launch it (or leave it pending with --no-start)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpawnCreate,
}

var spawnStartCmd = &cobra.Command{
	Use:   "start <spawn>",
	Short: "Launch a pending spawn",
	Args:  cobra.ExactArgs(1),
	RunE: spawnAction(func(rt *runtime, cmd *cobra.Command, ref string) (*store.Spawn, error) {
		return rt.manager.Start(cmd.Context(), ref)
	}),
}

var spawnPauseCmd = &cobra.Command{
	Use:   "pause <spawn>",
	Short: "Pause a running spawn, keeping its provider session",
	Args:  cobra.ExactArgs(1),
	RunE: spawnAction(func(rt *runtime, cmd *cobra.Command, ref string) (*store.Spawn, error) {
		return rt.manager.Pause(cmd.Context(), ref)
	}),
}

var spawnResumeCmd = &cobra.Command{
	Use:   "resume <spawn> [instruction]",
	Short: "Resume a paused spawn in its provider session",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSpawnResume,
}

var spawnCompleteCmd = &cobra.Command{
	Use:   "complete <spawn>",
	Short: "Mark a running spawn completed",
	Args:  cobra.ExactArgs(1),
	RunE: spawnAction(func(rt *runtime, cmd *cobra.Command, ref string) (*store.Spawn, error) {
		return rt.manager.Complete(cmd.Context(), ref, spawnReason)
	}),
}

var spawnFailCmd = &cobra.Command{
	Use:   "fail <spawn>",
	Short: "Mark a spawn failed",
	Args:  cobra.ExactArgs(1),
	RunE: spawnAction(func(rt *runtime, cmd *cobra.Command, ref string) (*store.Spawn, error) {
		return rt.manager.Fail(cmd.Context(), ref, spawnReason)
	}),
}

var spawnKillCmd = &cobra.Command{
	Use:   "kill <spawn>",
	Short: "Stop a spawn and mark it killed",
	Args:  cobra.ExactArgs(1),
	RunE: spawnAction(func(rt *runtime, cmd *cobra.Command, ref string) (*store.Spawn, error) {
		return rt.manager.Kill(cmd.Context(), ref)
	}),
}

var spawnCompactCmd = &cobra.Command{
	Use:   "compact <spawn> <summary>",
	Short: "End a spawn and continue its work in a fresh successor",
	Args:  cobra.ExactArgs(2),
	RunE:  runSpawnCompact,
}

var spawnListCmd = &cobra.Command{
	Use:   "list",
	Short: "List spawns",
	Args:  cobra.NoArgs,
	RunE:  runSpawnList,
}

var spawnShowCmd = &cobra.Command{
	Use:   "show <spawn>",
	Short: "Show a spawn",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpawnShow,
}

var spawnLineageCmd = &cobra.Command{
	Use:   "lineage <spawn>",
	Short: "Show the compaction chain a spawn belongs to",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpawnLineage,
}

var spawnHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run one health scan over running spawns",
	Args:  cobra.NoArgs,
	RunE:  runSpawnHealth,
}

var spawnCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Fail spawns whose process vanished or never started",
	Args:  cobra.NoArgs,
	RunE:  runSpawnCleanup,
}

func init() {
	spawnCreateCmd.Flags().StringVar(&spawnChannel, "channel", "", "Channel the spawn works in")
	spawnCreateCmd.Flags().StringVar(&spawnMode, "mode", store.ModeTask, "task or interactive")
	spawnCreateCmd.Flags().StringVar(&spawnTask, "task", "", "Task prompt")
	spawnCreateCmd.Flags().BoolVar(&spawnNoStart, "no-start", false, "Only create the pending spawn")
	spawnCompleteCmd.Flags().StringVar(&spawnReason, "reason", "", "Reason recorded on the spawn")
	spawnFailCmd.Flags().StringVar(&spawnReason, "reason", "", "Reason recorded on the spawn")
	spawnListCmd.Flags().StringVar(&spawnAgent, "agent", "", "Filter by agent")
	spawnListCmd.Flags().StringVar(&spawnChannel, "channel", "", "Filter by channel")
	spawnListCmd.Flags().StringVar(&spawnStatuses, "status", "", "Comma-separated statuses (default: live ones)")
	spawnListCmd.Flags().IntVar(&spawnLimit, "limit", 50, "Maximum rows")

	spawnCmd.AddCommand(spawnCreateCmd, spawnStartCmd, spawnPauseCmd, spawnResumeCmd, spawnCompleteCmd,
		spawnFailCmd, spawnKillCmd, spawnCompactCmd, spawnListCmd, spawnShowCmd, spawnLineageCmd,
		spawnHealthCmd, spawnCleanupCmd)
	rootCmd.AddCommand(spawnCmd)
}

// spawnAction wraps a single-spawn transition command.
func spawnAction(fn func(rt *runtime, cmd *cobra.Command, ref string) (*store.Spawn, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		sp, err := fn(rt, cmd, args[0])
		if err != nil {
			return err
		}
		return reportSpawn(cmd, sp)
	}
}

func reportSpawn(cmd *cobra.Command, sp *store.Spawn) error {
	if asJSON {
		return printJSON(cmd, sp)
	}
	line := fmt.Sprintf("%s %s", short(sp.ID), statusText(sp.Status))
	if sp.PID > 0 && sp.Status == store.SpawnRunning {
		line += fmt.Sprintf(" pid %d", sp.PID)
	}
	if sp.Reason != "" {
		line += " (" + sp.Reason + ")"
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
	return nil
}

func runSpawnCreate(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	req := spawn.CreateRequest{Agent: args[0], Mode: spawnMode, Task: spawnTask}
	if spawnChannel != "" {
		ch, err := rt.store.ResolveChannel(ctx, spawnChannel)
		if err != nil {
			return err
		}
		req.ChannelID = ch.ID
	}
	var sp *store.Spawn
	if spawnNoStart {
		sp, err = rt.manager.Create(ctx, req)
	} else {
		sp, err = rt.manager.Spawn(ctx, req)
	}
	if err != nil {
		return err
	}
	return reportSpawn(cmd, sp)
}

func runSpawnResume(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	var instruction string
	if len(args) > 1 {
		instruction = args[1]
	}
	sp, err := rt.manager.Resume(cmd.Context(), args[0], instruction)
	if err != nil {
		return err
	}
	return reportSpawn(cmd, sp)
}

func runSpawnCompact(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	next, err := rt.manager.Compact(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, next)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Continued in %s %s\n", short(next.ID), statusText(next.Status))
	return nil
}

func runSpawnList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	f := store.SpawnFilter{Limit: spawnLimit, Statuses: store.NonTerminal}
	if spawnStatuses != "" {
		f.Statuses = nil
		for _, s := range strings.Split(spawnStatuses, ",") {
			if s = strings.TrimSpace(s); s == "all" {
				f.Statuses = nil
				break
			} else if s != "" {
				f.Statuses = append(f.Statuses, store.SpawnStatus(s))
			}
		}
	}
	if spawnAgent != "" {
		a, err := rt.store.ResolveAgent(ctx, spawnAgent)
		if err != nil {
			return err
		}
		f.AgentID = a.ID
	}
	if spawnChannel != "" {
		ch, err := rt.store.ResolveChannel(ctx, spawnChannel)
		if err != nil {
			return err
		}
		f.ChannelID = ch.ID
	}
	spawns, err := rt.store.ListSpawns(ctx, f)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, spawns)
	}
	names := agentNames(rt, cmd)
	tw := table(cmd)
	fmt.Fprintln(tw, "ID\tAGENT\tSTATUS\tMODE\tPID\tAGE\tREASON")
	for _, sp := range spawns {
		fmt.Fprintf(tw, "%s\t@%s\t%s\t%s\t%d\t%s\t%s\n", short(sp.ID), names[sp.AgentID], statusText(sp.Status),
			sp.Mode, sp.PID, age(sp.CreatedAt), sp.Reason)
	}
	return tw.Flush()
}

func agentNames(rt *runtime, cmd *cobra.Command) map[string]string {
	names := map[string]string{}
	agents, err := rt.store.ListAgents(cmd.Context(), true)
	if err != nil {
		return names
	}
	for _, a := range agents {
		names[a.ID] = a.Name
	}
	return names
}

func runSpawnShow(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	sp, err := rt.store.ResolveSpawn(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	sess, _ := rt.store.GetSession(cmd.Context(), sp.ID)
	next, err := rt.store.Successors(cmd.Context(), sp.ID)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, map[string]any{"spawn": sp, "session": sess, "successors": next})
	}
	a, err := rt.store.GetAgent(cmd.Context(), sp.AgentID)
	if err != nil {
		return err
	}
	printSpawn(cmd.OutOrStdout(), sp, a.Name)
	if sess != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "\nSession %s via %s: %d messages, %d in / %d out tokens\n",
			sess.SessionID, sess.Provider, sess.MessageCount, sess.InputTokens, sess.OutputTokens)
	}
	for _, s := range next {
		fmt.Fprintf(cmd.OutOrStdout(), "Continued by %s (%s)\n", short(s.ID), statusText(s.Status))
	}
	return nil
}

func runSpawnLineage(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	chain, err := rt.manager.Lineage(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, chain)
	}
	for i, sp := range chain {
		fmt.Fprintf(cmd.OutOrStdout(), "%d. %s %s\n", i+1, short(sp.ID), statusText(sp.Status))
	}
	return nil
}

func runSpawnHealth(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := rt.manager.HealthScan(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, report)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d running: %d failed, %d timed out, %d stalled, %d linked\n",
		report.Scanned, len(report.Failed), len(report.TimedOut), len(report.Stalled), len(report.Linked))
	return nil
}

func runSpawnCleanup(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := rt.manager.Cleanup(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, report)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleaned up %d unreconciled and %d orphaned spawns\n",
		len(report.Unreconciled), len(report.Orphaned))
	return nil
}
