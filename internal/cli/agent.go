package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/agentbus/internal/identity"
	"github.com/KafClaw/agentbus/internal/provider"
	"github.com/KafClaw/agentbus/internal/store"
)

var (
	agentProvider     string
	agentModel        string
	agentAll          bool
	agentProfileInit  bool
	agentProfileForce bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent and human identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var agentAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register an identity (omit --provider for a human)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentAdd,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List identities",
	Args:  cobra.NoArgs,
	RunE:  runAgentList,
}

var agentShowCmd = &cobra.Command{
	Use:   "show <agent>",
	Short: "Show an identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentShow,
}

var agentArchiveCmd = &cobra.Command{
	Use:   "archive <agent>",
	Short: "Archive an identity; mentions of it become inert",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentArchive,
}

var agentProfileCmd = &cobra.Command{
	Use:   "profile <agent>",
	Short: "Show or scaffold the agent's behavioral profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentProfile,
}

func init() {
	agentAddCmd.Flags().StringVar(&agentProvider, "provider", "", "Provider CLI (claude, codex, gemini, opencode, or a configured one)")
	agentAddCmd.Flags().StringVar(&agentModel, "model", "", "Model passed to the provider")
	agentListCmd.Flags().BoolVar(&agentAll, "all", false, "Include archived identities")
	agentProfileCmd.Flags().BoolVar(&agentProfileInit, "init", false, "Write the default profile file")
	agentProfileCmd.Flags().BoolVar(&agentProfileForce, "force", false, "Overwrite an existing profile with --init")

	agentCmd.AddCommand(agentAddCmd, agentListCmd, agentShowCmd, agentArchiveCmd, agentProfileCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentAdd(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	a := &store.Agent{Name: args[0], Model: agentModel}
	if agentProvider != "" {
		a.Provider = provider.NormalizeName(agentProvider)
		if _, err := rt.linker.Registry().Get(a.Provider); err != nil {
			return err
		}
	}
	if err := rt.store.CreateAgent(cmd.Context(), a, time.Now().UTC()); err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, a)
	}
	kind := "human"
	if a.Provider != "" {
		kind = a.Provider
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added @%s (%s) %s\n", a.Name, kind, short(a.ID))
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	agents, err := rt.store.ListAgents(cmd.Context(), agentAll)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, agents)
	}
	tw := table(cmd)
	fmt.Fprintln(tw, "ID\tNAME\tPROVIDER\tSPAWNS\tLAST ACTIVE")
	for _, a := range agents {
		prov, last := a.Provider, "-"
		if prov == "" {
			prov = "human"
		}
		if a.ArchivedAt != nil {
			prov += " (archived)"
		}
		if a.LastActiveAt != nil {
			last = age(*a.LastActiveAt)
		}
		fmt.Fprintf(tw, "%s\t@%s\t%s\t%d\t%s\n", short(a.ID), a.Name, prov, a.SpawnCount, last)
	}
	return tw.Flush()
}

func runAgentShow(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	a, err := rt.store.ResolveAgent(ctx, args[0])
	if err != nil {
		return err
	}
	spawns, err := rt.store.ListSpawns(ctx, store.SpawnFilter{AgentID: a.ID, Statuses: store.NonTerminal})
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, map[string]any{"agent": a, "live_spawns": spawns})
	}
	w := cmd.OutOrStdout()
	printHeader(cmd, "@"+a.Name)
	fmt.Fprintf(w, "ID:        %s\n", a.ID)
	fmt.Fprintf(w, "Provider:  %s\n", orDash(a.Provider))
	fmt.Fprintf(w, "Model:     %s\n", orDash(a.Model))
	fmt.Fprintf(w, "Profile:   %s\n", orDash(short(a.ProfileHash)))
	fmt.Fprintf(w, "Spawns:    %d total, %d live\n", a.SpawnCount, len(spawns))
	for _, sp := range spawns {
		fmt.Fprintf(w, "  %s  %s\n", short(sp.ID), statusText(sp.Status))
	}
	return nil
}

func runAgentArchive(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	a, err := rt.store.ResolveAgent(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := rt.store.ArchiveAgent(cmd.Context(), a.ID, time.Now().UTC()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Archived @%s\n", a.Name)
	return nil
}

func runAgentProfile(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	a, err := rt.store.ResolveAgent(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if agentProfileInit {
		res, err := identity.ScaffoldProfiles(rt.profiles.Dir(), []string{a.Name}, agentProfileForce)
		if err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("scaffold profile: %s", res.Errors[0])
		}
		if len(res.Skipped) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Profile exists: %s (use --force to overwrite)\n", rt.profiles.Path(a.Name))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", rt.profiles.Path(a.Name))
		return nil
	}
	return showProfile(cmd, rt, a)
}

func showProfile(cmd *cobra.Command, rt *runtime, a *store.Agent) error {
	p, err := rt.profiles.Load(a.Name)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, p)
	}
	src := p.Path
	if src == "" {
		src = "built-in default"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# @%s profile (%s, %s)\n\n%s", a.Name, src, short(p.Hash), p.Text)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
