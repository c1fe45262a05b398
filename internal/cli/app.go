package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/roach88/eventcore/internal/config"
	"github.com/roach88/eventcore/internal/ledger"
	"github.com/roach88/eventcore/internal/monitor"
	"github.com/roach88/eventcore/internal/projection"
	"github.com/roach88/eventcore/internal/schema"
	"github.com/roach88/eventcore/internal/store"
	"github.com/roach88/eventcore/internal/tickets"
)

// app is the wired store, projections and services behind every command.
type app struct {
	cfg       config.Config
	store     *store.Store
	registry  *projection.Registry
	ledger    *ledger.Ledger
	runner    *projection.Runner
	rebuilder *projection.Rebuilder
	monitor   *monitor.Service
}

// loadConfig resolves defaults, the config file, the environment and the
// global flags, in that order.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Database != "" {
		cfg.DatabasePath = opts.Database
	}
	if opts.LogFormat != "" {
		cfg.LogFormat = opts.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// configureLogging installs the default slog handler on w.
func configureLogging(w io.Writer, format string, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadSchemas returns the payload schemas: the ticket schemas plus any CUE
// package in dir. Definitions in dir replace ticket schemas of the same type.
func loadSchemas(dir string) (*schema.Registry, error) {
	schemas := schema.NewRegistry()
	if err := schemas.LoadSource("tickets.cue", tickets.Schema); err != nil {
		return nil, err
	}
	if dir != "" {
		if err := schemas.LoadDir(dir); err != nil {
			return nil, err
		}
	}
	return schemas, nil
}

// openApp loads the configuration, opens the store and registers the
// projections. logOut receives the process logs.
func openApp(ctx context.Context, opts *RootOptions, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	configureLogging(logOut, cfg.LogFormat, opts.Verbose)

	schemas, err := loadSchemas(cfg.SchemaDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load schemas", err)
	}

	storeOpts := []store.Option{store.WithPayloadValidator(schemas)}
	if opts.Clock != nil {
		storeOpts = append(storeOpts, store.WithClock(opts.Clock))
	}
	if opts.IDs != nil {
		storeOpts = append(storeOpts, store.WithIDGenerator(opts.IDs))
	}
	slog.Debug("opening database", "path", cfg.DatabasePath)
	st, err := store.Open(cfg.DatabasePath, storeOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	registry := projection.NewRegistry()
	if err := tickets.Register(registry); err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to register projections", err)
	}
	if err := registry.Sync(ctx, st); err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to prepare projections", err)
	}

	l := ledger.New(st, cfg.RetryPolicy())
	runnerOpts := cfg.RunnerOptions()
	runner := projection.NewRunner(st, registry, l, runnerOpts)
	rebuilder := projection.NewRebuilder(st, registry, l, runnerOpts)

	return &app{
		cfg:       cfg,
		store:     st,
		registry:  registry,
		ledger:    l,
		runner:    runner,
		rebuilder: rebuilder,
		monitor:   monitor.New(st, registry, l, rebuilder),
	}, nil
}

// Close closes the store, logging instead of failing the command.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
