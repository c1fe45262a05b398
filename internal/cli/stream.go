package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/store"
)

// StreamOptions holds flags for the stream command.
type StreamOptions struct {
	*RootOptions
	AfterVersion int64
	Limit        int
}

// StreamResult is the JSON form of the stream command.
type StreamResult struct {
	Stream  es.StreamID `json:"stream"`
	Version int64       `json:"version"`
	Events  []es.Event  `json:"events"`
}

// NewStreamCommand creates the stream command.
func NewStreamCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StreamOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stream <aggregate-type> <aggregate-id>",
		Short: "Show the events of one aggregate",
		Long: `Show the events of one aggregate stream in version order with full
payloads.

Examples:
  eventcore stream Ticket T-1
  eventcore stream Ticket T-1 --after-version 3 --format json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream := es.StreamID{AggregateType: args[0], AggregateID: args[1]}
			return runStream(opts, cmd, stream)
		},
	}

	cmd.Flags().Int64Var(&opts.AfterVersion, "after-version", 0, "only show versions after this one")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", store.MaxBatchSize, "maximum number of events")

	return cmd
}

func runStream(opts *StreamOptions, cmd *cobra.Command, stream es.StreamID) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(err)
	}
	defer a.Close()

	version, err := a.store.StreamVersion(ctx, stream)
	if err != nil {
		return out.Fail(operationError("failed to read stream version", err))
	}
	if version == 0 {
		return out.Fail(WrapExitError(ExitFailure, "no such stream", es.NewNotFound("stream", stream.String())))
	}
	events, err := a.store.ReadStream(ctx, stream, opts.AfterVersion, opts.Limit)
	if err != nil {
		return out.Fail(operationError("failed to read stream", err))
	}

	result := StreamResult{Stream: stream, Version: version, Events: events}
	return out.Render(result, func(w io.Writer) error {
		fmt.Fprintf(w, "Stream %s at version %d\n", stream, version)
		for _, e := range events {
			fmt.Fprintf(w, "\n#%d %s (position %d, %s)\n", e.AggregateVersion, e.Type, e.Position, formatTime(e.RecordedAt))
			fmt.Fprintf(w, "  id:       %s\n", e.ID)
			fmt.Fprintf(w, "  payload:  %s\n", e.Payload)
			if len(e.Metadata) > 0 {
				fmt.Fprintf(w, "  metadata: %s\n", formatMetadata(e.Metadata))
			}
		}
		return nil
	})
}
