package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var (
	stepTicks int
	stepStart string
)

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Advance the world a number of ticks without serving",
	Example: `  simulacra step -n 6
  simulacra step -n 1 --start 2024-05-06T07:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if stepTicks <= 0 {
			return fmt.Errorf("--ticks must be positive")
		}
		if stepStart != "" {
			if _, err := time.Parse(time.RFC3339, stepStart); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			cfg.World.StartTime = stepStart
		}
		ctx := cmd.Context()
		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		a.reconcile(ctx)

		out := cmd.OutOrStdout()
		reports, err := a.driver.Run(ctx, a.clock, stepTicks)
		for _, r := range reports {
			fmt.Fprintf(out, "%s  cycles=%d errors=%d\n", r.At.Format(time.RFC3339), len(r.Cycles), len(r.Errors))
			for _, c := range r.Cycles {
				line := fmt.Sprintf("  %-12s accumulator=%.1f", c.AgentID, c.State.ImportanceAccumulator)
				if c.PlanReason != "" {
					line += fmt.Sprintf(" replanned=%s", c.PlanReason)
				}
				if n := len(c.Reflections); n > 0 {
					line += fmt.Sprintf(" reflections=%d", n)
				}
				if c.Task != nil {
					line += fmt.Sprintf(" task=%q", c.Task.Description)
				}
				fmt.Fprintln(out, line)
			}
			for id, msg := range r.Errors {
				fmt.Fprintf(out, "  %-12s error: %s\n", id, msg)
			}
		}
		if err != nil {
			return err
		}
		return printOracleUsage(ctx, out, a.metrics)
	},
}

func init() {
	stepCmd.Flags().IntVarP(&stepTicks, "ticks", "n", 1, "number of ticks to run")
	stepCmd.Flags().StringVar(&stepStart, "start", "", "world start time (RFC3339), the first tick lands one step later")
}

// printOracleUsage writes the oracle call counter grouped by op and outcome.
func printOracleUsage(ctx context.Context, w io.Writer, reader *sdkmetric.ManualReader) error {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return err
	}
	var lines []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "oracle.calls" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				op, _ := dp.Attributes.Value(attribute.Key("op"))
				outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
				lines = append(lines, fmt.Sprintf("  %-10s %-8s %d", op.AsString(), outcome.AsString(), dp.Value))
			}
		}
	}
	if len(lines) == 0 {
		return nil
	}
	sort.Strings(lines)
	fmt.Fprintln(w, "oracle calls:")
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	return nil
}
