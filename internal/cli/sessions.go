package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/soyeahso/strand/internal/store"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Inspect recorded conversations",
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsTreeCmd())
	cmd.AddCommand(newSessionsSearchCmd())
	cmd.AddCommand(newSessionsReindexCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rollouts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStorage()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireIndex(); err != nil {
				return err
			}

			entries, err := a.index.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			printEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of rollouts")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSessionsTreeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tree <wire-session-id>",
		Short: "Show every branch of one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStorage()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireIndex(); err != nil {
				return err
			}

			entries, err := a.index.Lineage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no rollouts for session %s", args[0])
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			printTree(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSessionsSearchCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "search <query...>",
		Short: "Full-text search over recorded turns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStorage()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireIndex(); err != nil {
				return err
			}

			hits, err := a.index.Search(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), hits)
			}
			out := cmd.OutOrStdout()
			for _, h := range hits {
				fmt.Fprintf(out, "%s  turn %d\n    %s\n", h.Path, h.TurnIndex, h.Snippet)
			}
			if len(hits) == 0 {
				fmt.Fprintln(out, "no matches")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of hits")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSessionsReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the index from the rollout files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStorage()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireIndex(); err != nil {
				return err
			}

			stats, err := store.Reindex(cmd.Context(), a.index, a.rollout, a.log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d rollout(s), skipped %d\n", stats.Indexed, stats.Skipped)
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEntries(w io.Writer, entries []store.RolloutEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no recorded conversations")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UPDATED\tTURNS\tSOURCE\tSESSION\tPREVIEW\tPATH")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			e.UpdatedAt.Local().Format(time.DateTime), e.TurnCount, e.Source, e.WireSessionID, e.Preview, e.Path)
	}
	tw.Flush()
}

// printTree prints the branches of one session indented under the rollout
// they were forked from. Branches whose parent is not indexed print at the
// top level.
func printTree(w io.Writer, entries []store.RolloutEntry) {
	byPath := make(map[string]bool, len(entries))
	for _, e := range entries {
		byPath[e.Path] = true
	}
	children := make(map[string][]store.RolloutEntry)
	var roots []store.RolloutEntry
	for _, e := range entries {
		if e.ForkedFromPath != "" && byPath[e.ForkedFromPath] {
			children[e.ForkedFromPath] = append(children[e.ForkedFromPath], e)
			continue
		}
		roots = append(roots, e)
	}

	var walk func(e store.RolloutEntry, depth int)
	walk = func(e store.RolloutEntry, depth int) {
		fork := ""
		if e.ForkTurnIndex != nil {
			fork = fmt.Sprintf(" (forked at turn %d)", *e.ForkTurnIndex)
		}
		fmt.Fprintf(w, "%s%s  %d turn(s)%s\n", strings.Repeat("  ", depth), e.Path, e.TurnCount, fork)
		for _, c := range children[e.Path] {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
}
