package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/eventcore/internal/monitor"
)

// NewProjectionsCommand creates the projections command.
func NewProjectionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "projections",
		Short: "List projections with their checkpoint and lag",
		Long: `List every projection that has a status row: checkpoint position, lag
behind the head, lease holder, state and whether only a rebuild can bring it
back. Projections not registered in this binary are marked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjections(rootOpts, cmd)
		},
	}
}

func runProjections(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	a, err := openApp(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(err)
	}
	defer a.Close()

	infos, err := a.monitor.ListProjections(ctx)
	if err != nil {
		return out.Fail(operationError("failed to list projections", err))
	}
	return out.Render(infos, func(w io.Writer) error {
		return writeProjectionsText(w, infos)
	})
}

func writeProjectionsText(w io.Writer, infos []monitor.ProjectionInfo) error {
	if len(infos) == 0 {
		fmt.Fprintln(w, "No projections.")
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "NAME\tPOSITION\tLAG\tSTATE\tLOCKED BY\tREBUILD\tUPDATED\tLAST ERROR")
	for _, p := range infos {
		name := p.Name
		if !p.Registered {
			name += " (unregistered)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			name, p.Position, p.Lag, p.State, orDash(p.LockedBy), yesNo(p.NeedsRebuild),
			formatTime(p.LastUpdatedAt), orDash(p.LastError))
	}
	return tw.Flush()
}
