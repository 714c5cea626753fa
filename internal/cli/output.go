package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/agentbus/internal/store"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printHeader(cmd *cobra.Command, title string) {
	fmt.Fprintln(cmd.OutOrStdout(), color.New(color.Bold).Sprint(title))
}

func table(cmd *cobra.Command) *tabwriter.Writer {
	return tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
}

// statusText colours a spawn status for terminals.
func statusText(s store.SpawnStatus) string {
	switch s {
	case store.SpawnRunning:
		return color.GreenString(string(s))
	case store.SpawnPaused, store.SpawnPending:
		return color.YellowString(string(s))
	case store.SpawnFailed, store.SpawnTimeout, store.SpawnKilled:
		return color.RedString(string(s))
	}
	return color.HiBlackString(string(s))
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func age(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return d.String()
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func printSpawn(w io.Writer, sp *store.Spawn, agent string) {
	fmt.Fprintf(w, "Spawn:    %s\n", sp.ID)
	fmt.Fprintf(w, "Agent:    @%s\n", agent)
	fmt.Fprintf(w, "Status:   %s", statusText(sp.Status))
	if sp.Reason != "" {
		fmt.Fprintf(w, " (%s)", sp.Reason)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Mode:     %s\n", sp.Mode)
	if sp.ParentSpawnID != "" {
		fmt.Fprintf(w, "Parent:   %s\n", sp.ParentSpawnID)
	}
	if sp.PID > 0 {
		fmt.Fprintf(w, "PID:      %d (run %d, %d attempts)\n", sp.PID, sp.Run, sp.Attempts)
	}
	if sp.SessionRef != "" {
		fmt.Fprintf(w, "Session:  %s\n", sp.SessionRef)
	}
	if sp.OutputPath != "" {
		fmt.Fprintf(w, "Output:   %s (%d bytes)\n", sp.OutputPath, sp.OutputSize)
	}
	if sp.StalledAt != nil {
		fmt.Fprintf(w, "Stalled:  %s\n", color.YellowString(sp.StalledAt.Format(time.RFC3339)))
	}
	fmt.Fprintf(w, "Created:  %s\n", sp.CreatedAt.Format(time.RFC3339))
	if sp.EndedAt != nil {
		fmt.Fprintf(w, "Ended:    %s\n", sp.EndedAt.Format(time.RFC3339))
	}
	if sp.Task != "" {
		fmt.Fprintf(w, "\n%s\n", strings.TrimSpace(sp.Task))
	}
}
