package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/eventcore/internal/es"
)

// anyVersion is the --expected-version value that appends at whatever
// version the stream currently has.
const anyVersion = -1

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Payload         string
	ExpectedVersion int64
	Metadata        map[string]string
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <aggregate-type> <aggregate-id> <event-type>",
		Short: "Append an event to a stream",
		Long: `Append one event to the stream of an aggregate.

The payload must be a JSON object and must match the CUE schema of the event
type when one is registered. With --expected-version the append only succeeds
when the stream is exactly at that version (0 for a new stream); the default
appends at the current version.

Exit codes:
  0 - Event appended
  1 - Rejected (concurrency conflict, schema or validation failure)
  2 - Command error (invalid payload flag, database cannot be opened, etc.)

Examples:
  eventcore append Ticket T-1 TicketCreated --payload '{"title":"Printer jammed"}' --expected-version 0
  eventcore append Ticket T-1 CommentAdded --payload '{"body":"on it","author":"sam"}' --meta source=cli`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream := es.StreamID{AggregateType: args[0], AggregateID: args[1]}
			return runAppend(opts, cmd, stream, args[2])
		},
	}

	cmd.Flags().StringVarP(&opts.Payload, "payload", "p", "{}", "event payload as a JSON object")
	cmd.Flags().Int64Var(&opts.ExpectedVersion, "expected-version", anyVersion, "required current stream version (-1 for any)")
	cmd.Flags().StringToStringVar(&opts.Metadata, "meta", nil, "metadata entries as key=value")

	return cmd
}

func runAppend(opts *AppendOptions, cmd *cobra.Command, stream es.StreamID, eventType string) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	if !json.Valid([]byte(opts.Payload)) {
		return out.Fail(NewExitError(ExitCommandError, "--payload is not valid JSON"))
	}
	if opts.ExpectedVersion < anyVersion {
		return out.Fail(NewExitError(ExitCommandError, "--expected-version must be -1 or at least 0"))
	}

	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(err)
	}
	defer a.Close()

	expected := opts.ExpectedVersion
	if expected == anyVersion {
		expected, err = a.store.StreamVersion(ctx, stream)
		if err != nil {
			return out.Fail(operationError("failed to read stream version", err))
		}
	}

	events, err := a.store.Append(ctx, stream, expected, []es.NewEvent{{
		Type:     eventType,
		Payload:  json.RawMessage(opts.Payload),
		Metadata: opts.Metadata,
	}})
	if err != nil {
		return out.Fail(operationError(fmt.Sprintf("append to %s rejected", stream), err))
	}
	out.VerboseLog("appended %d event(s) to %s", len(events), stream)

	return out.Render(events, func(w io.Writer) error {
		return writeAppendedText(w, events)
	})
}

func writeAppendedText(w io.Writer, events []es.Event) error {
	for _, e := range events {
		fmt.Fprintf(w, "Appended %s to %s/%s at version %d, position %d\n",
			e.Type, e.AggregateType, e.AggregateID, e.AggregateVersion, e.Position)
		fmt.Fprintf(w, "  id:       %s\n", e.ID)
		fmt.Fprintf(w, "  recorded: %s\n", formatTime(e.RecordedAt))
		if len(e.Metadata) > 0 {
			fmt.Fprintf(w, "  metadata: %s\n", formatMetadata(e.Metadata))
		}
	}
	return nil
}

func formatMetadata(md map[string]string) string {
	parts := make([]string, 0, len(md))
	for _, k := range slices.Sorted(maps.Keys(md)) {
		parts = append(parts, k+"="+md[k])
	}
	return strings.Join(parts, " ")
}
