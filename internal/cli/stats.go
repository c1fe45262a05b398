package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/eventcore/internal/monitor"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show event counts by type, aggregate and time",
		Long: `Show event counts per event type and aggregate type, the hourly
distribution of today's events and daily totals for the last 30 days.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(rootOpts, cmd)
		},
	}
}

func runStats(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	a, err := openApp(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(err)
	}
	defer a.Close()

	stats, err := a.monitor.Statistics(ctx)
	if err != nil {
		return out.Fail(operationError("failed to compute statistics", err))
	}
	return out.Render(stats, func(w io.Writer) error {
		return writeStatsText(w, stats)
	})
}

func writeStatsText(w io.Writer, stats monitor.Statistics) error {
	fmt.Fprintln(w, "By event type:")
	if err := writeTypeCounts(w, stats.ByEventType); err != nil {
		return err
	}
	fmt.Fprintln(w, "\nBy aggregate type:")
	if err := writeTypeCounts(w, stats.ByAggregateType); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nToday by hour (UTC):")
	var peak int64
	for _, h := range stats.HourlyToday {
		peak = max(peak, h.Count)
	}
	tw := newTable(w)
	for _, h := range stats.HourlyToday {
		if h.Count == 0 {
			continue
		}
		fmt.Fprintf(tw, "  %02d:00\t%d\t%s\n", h.Hour, h.Count, bar(h.Count, peak))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if peak == 0 {
		fmt.Fprintln(w, "  (none)")
	}

	fmt.Fprintf(w, "\nLast %d days:\n", len(stats.DailyActivity))
	return writeDailyActivity(w, stats.DailyActivity)
}
