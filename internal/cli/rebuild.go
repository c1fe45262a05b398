package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// RebuildOptions holds flags for the rebuild command.
type RebuildOptions struct {
	*RootOptions
	FromPosition int64
}

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RebuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rebuild <projection>",
		Short: "Reset a projection and replay the event log into it",
		Long: `Reset a projection's read model and replay the event log into it.

With --from the checkpoint is set to that position and only later events are
replayed. The rebuild refuses to start while a runner or another rebuild
holds the projection. If an event fails during the rebuild the projection is
left failed and only a new rebuild can bring it back.

Exit codes:
  0 - Rebuild finished
  1 - Rebuild refused or failed (see message and code)
  2 - Command error (database cannot be opened, etc.)

Examples:
  eventcore rebuild ticket_board
  eventcore rebuild activity_counts --from 1200`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(opts, cmd, args[0])
		},
	}

	cmd.Flags().Int64Var(&opts.FromPosition, "from", 0, "replay events after this position")

	return cmd
}

func runRebuild(opts *RebuildOptions, cmd *cobra.Command, name string) error {
	// An interrupted rebuild leaves the projection flagged for another rebuild.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := opts.formatter(cmd)

	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(err)
	}
	defer a.Close()

	out.VerboseLog("rebuilding %s from position %d", name, opts.FromPosition)
	return reportAction(out, a.monitor.RebuildProjection(ctx, name, opts.FromPosition))
}
