package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/agentbus/internal/store"
)

var (
	notesAs    string
	notesTitle string
	notesAll   bool
	notesLimit int

	knowledgeTopic string
	knowledgeTags  string
)

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Private per-agent notes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var notesAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Add a note",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotesAdd,
}

var notesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the identity's notes",
	Args:  cobra.NoArgs,
	RunE:  runNotesList,
}

var notesSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the identity's notes",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runNotesSearch,
}

var notesArchiveCmd = &cobra.Command{
	Use:   "archive <note>",
	Short: "Archive a note",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotesArchive,
}

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Shared knowledge entries visible to every agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var knowledgeAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Add a knowledge entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runKnowledgeAdd,
}

var knowledgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge entries",
	Args:  cobra.NoArgs,
	RunE:  runKnowledgeList,
}

var knowledgeSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search knowledge entries",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runKnowledgeSearch,
}

var knowledgeArchiveCmd = &cobra.Command{
	Use:   "archive <entry>",
	Short: "Archive a knowledge entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runKnowledgeArchive,
}

func init() {
	for _, c := range []*cobra.Command{notesAddCmd, notesListCmd, notesSearchCmd} {
		c.Flags().StringVar(&notesAs, "as", "", "Owner identity (defaults to $AGENTBUS_AGENT)")
	}
	notesAddCmd.Flags().StringVar(&notesTitle, "title", "", "Note title")
	notesListCmd.Flags().BoolVar(&notesAll, "all", false, "Include archived notes")
	notesSearchCmd.Flags().IntVar(&notesLimit, "limit", 20, "Maximum hits")

	knowledgeAddCmd.Flags().StringVar(&notesAs, "as", "", "Author identity (defaults to $AGENTBUS_AGENT)")
	knowledgeAddCmd.Flags().StringVar(&knowledgeTopic, "topic", "", "Topic (required)")
	knowledgeAddCmd.Flags().StringVar(&knowledgeTags, "tags", "", "Comma-separated tags")
	knowledgeListCmd.Flags().StringVar(&knowledgeTopic, "topic", "", "Filter by topic")
	knowledgeListCmd.Flags().BoolVar(&notesAll, "all", false, "Include archived entries")
	knowledgeSearchCmd.Flags().IntVar(&notesLimit, "limit", 20, "Maximum hits")

	notesCmd.AddCommand(notesAddCmd, notesListCmd, notesSearchCmd, notesArchiveCmd)
	knowledgeCmd.AddCommand(knowledgeAddCmd, knowledgeListCmd, knowledgeSearchCmd, knowledgeArchiveCmd)
	rootCmd.AddCommand(notesCmd, knowledgeCmd)
}

func runNotesAdd(cmd *cobra.Command, args []string) error {
	who, err := actor(notesAs)
	if err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	a, err := rt.store.ResolveAgent(cmd.Context(), who)
	if err != nil {
		return err
	}
	n := &store.Note{AgentID: a.ID, Title: notesTitle, Content: args[0]}
	if err := rt.store.CreateNote(cmd.Context(), n, time.Now().UTC()); err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, n)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added note %s\n", short(n.ID))
	return nil
}

func runNotesList(cmd *cobra.Command, args []string) error {
	who, err := actor(notesAs)
	if err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	a, err := rt.store.ResolveAgent(cmd.Context(), who)
	if err != nil {
		return err
	}
	notes, err := rt.store.ListNotes(cmd.Context(), a.ID, notesAll)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, notes)
	}
	tw := table(cmd)
	fmt.Fprintln(tw, "ID\tAGE\tTITLE\tCONTENT")
	for _, n := range notes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", short(n.ID), age(n.UpdatedAt), n.Title, firstLine(n.Content, 60))
	}
	return tw.Flush()
}

func runNotesSearch(cmd *cobra.Command, args []string) error {
	who, err := actor(notesAs)
	if err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	a, err := rt.store.ResolveAgent(cmd.Context(), who)
	if err != nil {
		return err
	}
	hits, err := rt.store.Search(cmd.Context(), store.SearchQuery{
		Scope: store.ScopeNotes, Text: strings.Join(args, " "), Owner: a.ID, Limit: notesLimit,
	})
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, hits)
	}
	printHits(cmd, hits)
	return nil
}

func runNotesArchive(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	n, err := rt.store.ResolveNote(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := rt.store.ArchiveNote(cmd.Context(), n.ID, time.Now().UTC()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Archived note %s\n", short(n.ID))
	return nil
}

func runKnowledgeAdd(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(knowledgeTopic) == "" {
		return fmt.Errorf("--topic is required")
	}
	who, err := actor(notesAs)
	if err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	a, err := rt.store.ResolveAgent(cmd.Context(), who)
	if err != nil {
		return err
	}
	k := &store.Knowledge{AuthorID: a.ID, Topic: knowledgeTopic, Content: args[0], Tags: knowledgeTags}
	if err := rt.store.CreateKnowledge(cmd.Context(), k, time.Now().UTC()); err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, k)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added knowledge %s under %s\n", short(k.ID), k.Topic)
	return nil
}

func runKnowledgeList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := rt.store.ListKnowledge(cmd.Context(), knowledgeTopic, notesAll)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, entries)
	}
	tw := table(cmd)
	fmt.Fprintln(tw, "ID\tTOPIC\tTAGS\tCONTENT")
	for _, k := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", short(k.ID), k.Topic, k.Tags, firstLine(k.Content, 60))
	}
	return tw.Flush()
}

func runKnowledgeSearch(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	hits, err := rt.store.Search(cmd.Context(), store.SearchQuery{
		Scope: store.ScopeKnowledge, Text: strings.Join(args, " "), Limit: notesLimit,
	})
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, hits)
	}
	printHits(cmd, hits)
	return nil
}

func runKnowledgeArchive(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	k, err := rt.store.ResolveKnowledge(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := rt.store.ArchiveKnowledge(cmd.Context(), k.ID, time.Now().UTC()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Archived knowledge %s\n", short(k.ID))
	return nil
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max-1] + "…"
	}
	return s
}
