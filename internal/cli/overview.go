package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/eventcore/internal/monitor"
	"github.com/roach88/eventcore/internal/store"
)

// barWidth is the widest bar drawn in activity charts.
const barWidth = 40

// NewOverviewCommand creates the overview command.
func NewOverviewCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "overview",
		Short: "Summarize the event store",
		Long: `Summarize the event store: event totals, projection health, unresolved
failures, the busiest event types and the last week of activity.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOverview(rootOpts, cmd)
		},
	}
}

func runOverview(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	a, err := openApp(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(err)
	}
	defer a.Close()

	ov, err := a.monitor.Overview(ctx)
	if err != nil {
		return out.Fail(operationError("failed to build overview", err))
	}
	return out.Render(ov, func(w io.Writer) error {
		return writeOverviewText(w, ov)
	})
}

func writeOverviewText(w io.Writer, ov monitor.Overview) error {
	tw := newTable(w)
	fmt.Fprintf(tw, "Total events:\t%d\n", ov.TotalEvents)
	fmt.Fprintf(tw, "Events today:\t%d\n", ov.EventsToday)
	fmt.Fprintf(tw, "Head position:\t%d\n", ov.HeadPosition)
	fmt.Fprintf(tw, "Projections:\t%d active / %d total\n", ov.ActiveProjections, ov.TotalProjections)
	fmt.Fprintf(tw, "Unresolved failures:\t%d\n", ov.UnresolvedFailures)
	fmt.Fprintf(tw, "Generated at:\t%s\n", formatTime(ov.GeneratedAt))
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nTop event types:")
	if err := writeTypeCounts(w, ov.TopEventTypes); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nLast %d days:\n", len(ov.DailyActivity))
	return writeDailyActivity(w, ov.DailyActivity)
}

func writeTypeCounts(w io.Writer, counts []store.TypeCount) error {
	if len(counts) == 0 {
		fmt.Fprintln(w, "  (none)")
		return nil
	}
	tw := newTable(w)
	for _, c := range counts {
		fmt.Fprintf(tw, "  %s\t%d\n", c.Type, c.Count)
	}
	return tw.Flush()
}

func writeDailyActivity(w io.Writer, days []store.DayCount) error {
	var peak int64
	for _, d := range days {
		peak = max(peak, d.Count)
	}
	tw := newTable(w)
	for _, d := range days {
		fmt.Fprintf(tw, "  %s\t%d\t%s\n", d.Day, d.Count, bar(d.Count, peak))
	}
	return tw.Flush()
}

// bar draws n relative to peak as a run of '#', at least one for n > 0.
func bar(n, peak int64) string {
	if n <= 0 || peak <= 0 {
		return ""
	}
	width := max(int(n*barWidth/peak), 1)
	return strings.Repeat("#", width)
}
