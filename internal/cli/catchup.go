package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/projection"
)

// CatchUpResult is the outcome of one projection run.
type CatchUpResult struct {
	Projection string `json:"projection"`
	Outcome    string `json:"outcome"`
	From       int64  `json:"from"`
	Position   int64  `json:"position"`
	Applied    int    `json:"applied"`
	Skipped    int    `json:"skipped"`
	FailureID  int64  `json:"failure_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewCatchUpCommand creates the catchup command.
func NewCatchUpCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catchup [projection...]",
		Short: "Run projections once until caught up",
		Long: `Bring projections up to date with the event log once and exit.

Without arguments every registered projection is run. A projection that is
blocked by an open failure, locked by a running server, or failing is
reported and the others still run.

Exit codes:
  0 - Every projection caught up or is locked by another worker
  1 - At least one projection is blocked or failed
  2 - Command error (database cannot be opened, etc.)

Examples:
  eventcore catchup
  eventcore catchup ticket_board --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatchUp(rootOpts, cmd, args)
		},
	}
	return cmd
}

func runCatchUp(opts *RootOptions, cmd *cobra.Command, names []string) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	a, err := openApp(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(err)
	}
	defer a.Close()

	if len(names) == 0 {
		names = a.registry.Names()
	}

	results := make([]CatchUpResult, 0, len(names))
	healthy := true
	for _, name := range names {
		res, err := a.runner.RunOnce(ctx, name)
		if errors.Is(err, es.ErrNotFound) {
			return out.Fail(WrapExitError(ExitCommandError, "unknown projection", err))
		}
		r := CatchUpResult{
			Projection: name,
			Outcome:    string(res.Outcome),
			From:       res.From,
			Position:   res.Position,
			Applied:    res.Applied,
			Skipped:    res.Skipped,
		}
		if res.Failure != nil {
			r.FailureID = res.Failure.ID
		}
		if err != nil {
			r.Error = err.Error()
			if r.Outcome == "" {
				r.Outcome = string(projection.OutcomeFailed)
			}
		}
		if r.Outcome == string(projection.OutcomeBlocked) || r.Outcome == string(projection.OutcomeFailed) {
			healthy = false
		}
		out.VerboseLog("%s: %s at %d", name, r.Outcome, r.Position)
		results = append(results, r)
	}

	if err := out.Render(results, func(w io.Writer) error {
		return writeCatchUpText(w, results)
	}); err != nil {
		return err
	}
	if !healthy {
		return NewExitError(ExitFailure, "some projections did not catch up")
	}
	return nil
}

func writeCatchUpText(w io.Writer, results []CatchUpResult) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "PROJECTION\tOUTCOME\tFROM\tPOSITION\tAPPLIED\tSKIPPED\tDETAIL")
	for _, r := range results {
		detail := r.Error
		if r.FailureID != 0 {
			detail = fmt.Sprintf("failure #%d: %s", r.FailureID, detail)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.Projection, r.Outcome, r.From, r.Position, r.Applied, r.Skipped, detail)
	}
	return tw.Flush()
}
