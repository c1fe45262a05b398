package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/ledger"
	"github.com/roach88/eventcore/internal/monitor"
)

// FailuresOptions holds flags for the failures command.
type FailuresOptions struct {
	*RootOptions
	Page            int
	Limit           int
	IncludeResolved bool
}

// NewFailuresCommand creates the failures command.
func NewFailuresCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FailuresOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List processing failures",
		Long: `List the failure ledger, newest first. By default only unresolved
failures are shown.

A failure blocks its projection at the failed event. It is retried with
exponential backoff; "eventcore resolve <id>" makes the projection skip the
event instead.

Examples:
  eventcore failures
  eventcore failures --all --page 2 --limit 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFailures(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Page, "page", 1, "page number, starting at 1")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", ledger.DefaultPageSize,
		fmt.Sprintf("failures per page (at most %d)", ledger.MaxPageSize))
	cmd.Flags().BoolVarP(&opts.IncludeResolved, "all", "a", false, "include resolved failures")

	return cmd
}

func runFailures(opts *FailuresOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(err)
	}
	defer a.Close()

	page, err := a.monitor.ListFailures(ctx, opts.Page, opts.Limit, opts.IncludeResolved)
	if err != nil {
		return out.Fail(operationError("failed to list failures", err))
	}
	return out.Render(page, func(w io.Writer) error {
		return writeFailuresText(w, page)
	})
}

func writeFailuresText(w io.Writer, page ledger.Page) error {
	if page.Total == 0 {
		fmt.Fprintln(w, "No failures.")
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tPROJECTION\tPOSITION\tEVENT\tRETRIES\tRETRY AFTER\tSTATUS\tERROR")
	for _, f := range page.Items {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\t%s\t%s\t%s: %s\n",
			f.ID, f.SubscriptionName, f.Position, f.EventID, f.RetryCount,
			formatTime(f.RetryAfter), failureStatus(f), f.ErrorType, f.ErrorMessage)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "Page %d of %d (%d failures)\n", page.Page, page.Pages, page.Total)
	return nil
}

func failureStatus(f es.ProcessingFailure) string {
	if !f.IsResolved {
		return "open"
	}
	return string(f.Resolution)
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <failure-id>",
		Short: "Resolve a failure so its projection skips the event",
		Long: `Mark a processing failure as manually resolved. The projection that
failed advances past the event without applying it on its next run.

Exit codes:
  0 - Failure resolved
  1 - Unknown failure id
  2 - Command error (invalid id, database cannot be opened, etc.)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(rootOpts, cmd, args[0])
		},
	}
}

func runResolve(opts *RootOptions, cmd *cobra.Command, arg string) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return out.Fail(NewExitError(ExitCommandError, fmt.Sprintf("invalid failure id %q", arg)))
	}

	a, err := openApp(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(err)
	}
	defer a.Close()

	return reportAction(out, a.monitor.ResolveFailure(ctx, id))
}

// reportAction outputs the result of an operator action. A failed action
// exits with ExitFailure.
func reportAction(out *OutputFormatter, result monitor.ActionResult) error {
	if result.Success {
		return out.Render(result, func(w io.Writer) error {
			fmt.Fprintln(w, result.Message)
			return nil
		})
	}
	if out.Format == "json" {
		if err := out.Error(result.Code, result.Message, result); err != nil {
			return err
		}
	}
	return WrapExitError(ExitFailure, result.Message, errors.New(result.Error))
}
