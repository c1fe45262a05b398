package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/eventcore/internal/projection"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	MetricsAddr string

	// ready receives the bound metrics address once serving starts (for testing).
	ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep projections caught up and expose metrics",
		Long: `Run the projection supervisor until interrupted.

Every registered projection is caught up whenever new events are committed,
on the poll interval, and when the retry sweep finds a failure whose backoff
has elapsed. Prometheus metrics are served on /metrics.

Examples:
  eventcore serve --db ./eventcore.db
  eventcore serve --config ./eventcore.yaml --metrics-addr 127.0.0.1:9090
  eventcore serve --metrics-addr off`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", `metrics listen address, "off" disables (default from config)`)

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	metricsAddr := a.cfg.MetricsAddr
	if opts.MetricsAddr != "" {
		metricsAddr = opts.MetricsAddr
	}

	supervisor := projection.NewSupervisor(a.runner, a.registry, a.ledger, a.store.Tracker(), a.cfg.SupervisorOptions())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Run(gctx)
	})

	boundAddr := ""
	if metricsAddr != "" && metricsAddr != "off" {
		ln, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			stop()
			_ = g.Wait()
			return WrapExitError(ExitCommandError, "failed to listen for metrics", err)
		}
		boundAddr = ln.Addr().String()
		g.Go(func() error {
			return serveMetrics(gctx, ln)
		})
	}

	slog.Info("eventcore serving",
		"db", a.cfg.DatabasePath,
		"worker", a.runner.WorkerID(),
		"projections", len(a.registry.Names()),
		"metrics", boundAddr)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %d projections. Press Ctrl-C to stop.\n", len(a.registry.Names()))
	if opts.ready != nil {
		opts.ready <- boundAddr
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "supervisor error", err)
	}
	slog.Info("eventcore stopped")
	return nil
}

// serveMetrics serves the Prometheus handler on ln until ctx is done.
func serveMetrics(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
