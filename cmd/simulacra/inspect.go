package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nidhogg/simulacra/internal/memory"
)

var (
	memKind   string
	memOrder  string
	memLimit  int
	memQuery  string
	inspectAt string
)

// knownAgent fails fast for IDs missing from the roster.
func (a *app) knownAgent(id string) error {
	if _, ok := a.roster.Get(id); !ok {
		return fmt.Errorf("unknown agent %q (known: %s)", id, strings.Join(a.roster.IDs(), ", "))
	}
	return nil
}

func inspectTime(a *app) (time.Time, error) {
	if inspectAt == "" {
		return a.clock.WorldTime(), nil
	}
	t, err := time.Parse(time.RFC3339, inspectAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at: %w", err)
	}
	return t.UTC(), nil
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

var memoriesCmd = &cobra.Command{
	Use:   "memories <agent>",
	Short: "List or search an agent's memories",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		id := args[0]
		if err := a.knownAgent(id); err != nil {
			return err
		}

		var f memory.Filter
		if memKind != "" {
			k, err := memory.ParseKind(memKind)
			if err != nil {
				return err
			}
			f.Kinds = []memory.Kind{k}
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer tw.Flush()

		if memQuery != "" {
			a.reconcile(ctx)
			now, err := inspectTime(a)
			if err != nil {
				return err
			}
			results, err := a.orch.Retrieve(ctx, id, memQuery, memLimit, f, now)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "SCORE\tSIM\tREC\tIMP\tKIND\tCONTENT")
			for _, r := range results {
				fmt.Fprintf(tw, "%.3f\t%.2f\t%.2f\t%.2f\t%s\t%s\n",
					r.Score, r.Similarity, r.Recency, r.Importance, r.Memory.Kind, clip(r.Memory.Content, 80))
			}
			return nil
		}

		order, err := memory.ParseOrder(memOrder)
		if err != nil {
			return err
		}
		mems, err := a.memories.Query(ctx, id, f, order, memLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "CREATED\tKIND\tIMP\tID\tCONTENT")
		for _, m := range mems {
			fmt.Fprintf(tw, "%s\t%s\t%.1f\t%s\t%s\n",
				m.CreatedAt.Format(time.RFC3339), m.Kind, m.Importance, m.ID, clip(m.Content, 80))
		}
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan <agent>",
	Short: "Show an agent's active plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		id := args[0]
		if err := a.knownAgent(id); err != nil {
			return err
		}
		now, err := inspectTime(a)
		if err != nil {
			return err
		}

		p, err := a.records.ActivePlan(ctx, id)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if p == nil {
			fmt.Fprintf(out, "%s has no active plan\n", id)
			return nil
		}
		fmt.Fprintf(out, "plan %s for %s (created %s)\n", p.ID, p.ForDate.Format("2006-01-02"), p.CreatedAt.Format(time.RFC3339))
		for _, g := range p.Goals {
			fmt.Fprintf(out, "  goal: %s\n", g)
		}
		current := p.CurrentTask(now)
		for _, b := range p.Blocks {
			fmt.Fprintf(out, "  %s-%s  %s\n", b.Start.Format("15:04"), b.End.Format("15:04"), b.Activity)
			for i := range b.Tasks {
				t := &b.Tasks[i]
				marker := " "
				if current != nil && b.Contains(now) && t.Description == current.Description {
					marker = ">"
				}
				fmt.Fprintf(out, "   %s [%s] %s (%dm)\n", marker, t.Status, t.Description, t.DurationMinutes)
			}
		}
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state <agent>",
	Short: "Print an agent's cognitive state and memory stats as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		id := args[0]
		if err := a.knownAgent(id); err != nil {
			return err
		}
		st, err := a.orch.Snapshot(ctx, id)
		if err != nil {
			return err
		}
		stats, err := a.memories.Stats(ctx, id)
		if err != nil {
			return err
		}
		return writeIndented(cmd.OutOrStdout(), map[string]interface{}{"state": st, "memories": stats})
	},
}

func writeIndented(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	memoriesCmd.Flags().StringVar(&memKind, "kind", "", "only this kind (action, observation, reflection, planning)")
	memoriesCmd.Flags().StringVar(&memOrder, "order", "newest", "newest, oldest or importance")
	memoriesCmd.Flags().IntVarP(&memLimit, "limit", "l", 20, "maximum rows")
	memoriesCmd.Flags().StringVarP(&memQuery, "query", "q", "", "rank by relevance to this text instead of listing")
	for _, c := range []*cobra.Command{memoriesCmd, planCmd} {
		c.Flags().StringVar(&inspectAt, "at", "", "evaluate at this time instead of the configured world start (RFC3339)")
	}
}
