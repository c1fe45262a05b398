package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/monitor"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Limit         int
	EventType     string
	AggregateType string
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the most recent events",
		Long: `List the newest events, newest first, with a short payload preview.

Examples:
  eventcore events
  eventcore events --limit 10 --type TicketCreated
  eventcore events --aggregate-type Ticket --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", monitor.DefaultRecentLimit,
		fmt.Sprintf("maximum number of events (at most %d)", monitor.MaxRecentLimit))
	cmd.Flags().StringVar(&opts.EventType, "type", "", "only events of this type")
	cmd.Flags().StringVar(&opts.AggregateType, "aggregate-type", "", "only events of this aggregate type")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(err)
	}
	defer a.Close()

	events, err := a.monitor.ListRecentEvents(ctx, opts.Limit, opts.EventType, opts.AggregateType)
	if err != nil {
		return out.Fail(operationError("failed to list events", err))
	}

	return out.Render(events, func(w io.Writer) error {
		if len(events) == 0 {
			fmt.Fprintln(w, "No events found.")
			return nil
		}
		tw := newTable(w)
		fmt.Fprintln(tw, "POSITION\tRECORDED\tTYPE\tAGGREGATE\tVERSION\tPREVIEW")
		for _, e := range events {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
				e.Position, formatTime(e.RecordedAt), e.Type,
				es.StreamID{AggregateType: e.AggregateType, AggregateID: e.AggregateID},
				e.AggregateVersion, formatPreview(e.Preview))
		}
		return tw.Flush()
	})
}
