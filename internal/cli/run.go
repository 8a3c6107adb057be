package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/loopsync/internal/api"
	"github.com/roach88/loopsync/internal/backend"
	"github.com/roach88/loopsync/internal/clock"
	"github.com/roach88/loopsync/internal/config"
	"github.com/roach88/loopsync/internal/engine"
	"github.com/roach88/loopsync/internal/midiin"
	"github.com/roach88/loopsync/internal/push"
	"github.com/roach88/loopsync/internal/store"
	"github.com/roach88/loopsync/internal/tui"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Listen   string
	TUI      bool
	Offline  bool
	Restore  bool
	LogFile  string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sync engine",
		Long: `Start the sync engine and everything around it: the push channel
from the loop service, the backend client, the loop journal, the renderer
HTTP API, MIDI gesture input (when midi.port is set) and, with --tui, the
live terminal timeline.

With --offline an in-process loop service replaces the remote one and
drives the transport itself.

Runs until SIGINT/SIGTERM (or "q" in the TUI).

Examples:
  loopsync run --config ./loopsync.yaml
  loopsync run --offline --db ./loops.db --tui
  loopsync run --listen 127.0.0.1:9000 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoopsync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite loop journal (overrides config)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", `API listen address (overrides config; "" disables)`)
	cmd.Flags().BoolVar(&opts.TUI, "tui", false, "show the live terminal timeline")
	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "use the in-process loop service")
	cmd.Flags().BoolVar(&opts.Restore, "restore", true, "load journaled loops at startup")
	cmd.Flags().StringVar(&opts.LogFile, "log-file", "loopsync.log", "log file used with --tui")

	return cmd
}

func runLoopsync(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen = opts.Listen
	}

	// The TUI owns the terminal, so logs go to a file.
	var logw io.Writer = cmd.ErrOrStderr()
	if opts.TUI {
		f, err := openLogFile(opts.LogFile)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open log file", err)
		}
		defer f.Close()
		logw = f
	}
	setupLogging(logw, opts.Verbose)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := newApp(ctx, cfg, opts.Offline, opts.Restore)
	if err != nil {
		return err
	}
	defer a.Close()

	if !opts.TUI {
		fmt.Fprintln(cmd.OutOrStdout(), "loopsync running. Press Ctrl-C to stop.")
	}
	if err := a.run(ctx, opts.TUI); err != nil {
		return WrapExitError(ExitFailure, "loopsync stopped with an error", err)
	}

	slog.Info("loopsync stopped")
	return nil
}

// app is the wired process: one engine plus the components feeding it
// and reading from it.
type app struct {
	cfg    config.Config
	engine *engine.Engine
	store  *store.Store
	api    *api.Server

	// Exactly one of push and local is set.
	push  *push.Client
	local *backend.Local
}

func newApp(ctx context.Context, cfg config.Config, offline, restore bool) (*app, error) {
	a := &app{cfg: cfg}

	var (
		b  engine.Backend
		mr metronomeReader
	)
	if offline {
		a.local = backend.NewLocal()
		b, mr = a.local, a.local
		slog.Info("using in-process loop service")
	} else {
		hc, err := backend.NewHTTPClient(cfg.BackendURL, backend.WithHTTPClient(&http.Client{Timeout: cfg.CallTimeout.Std()}))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid backend url", err)
		}
		b, mr = hc, hc
		slog.Info("using loop service", "url", hc.BaseURL())
	}

	opts := []engine.Option{
		engine.WithFrameInterval(cfg.FrameInterval.Std()),
		engine.WithCallTimeout(cfg.CallTimeout.Std()),
		engine.WithHighlightConfig(cfg.HighlightConfig()),
		engine.WithSelectThreshold(cfg.SelectThreshold),
		engine.WithTransport(cfg.Transport),
		engine.WithMetronome(readMetronome(ctx, mr, cfg.CallTimeout.Std())),
	}

	if cfg.Database != "" {
		st, err := store.Open(cfg.Database)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		a.store = st
		opts = append(opts, engine.WithJournal(st))

		if restore {
			loops, err := st.LoadLoops(ctx)
			if err != nil {
				st.Close()
				return nil, WrapExitError(ExitCommandError, "failed to restore loops", err)
			}
			opts = append(opts, engine.WithLoops(loops))
			slog.Info("restored loops", "count", len(loops), "db", cfg.Database)
		}
	}

	a.engine = engine.New(b, clock.NewMonotonic(), opts...)

	var apiOpts []api.Option
	if !offline {
		a.push = push.NewClient(cfg.PushURL, a.engine)
		apiOpts = append(apiOpts, api.WithPushStatus(a.push.Status))
	}
	a.api = api.NewServer(a.engine, apiOpts...)

	return a, nil
}

type metronomeReader interface {
	MetronomeState(ctx context.Context) (bool, error)
}

// readMetronome asks the loop service whether its metronome is on. The
// metronome is assumed on when the service cannot say.
func readMetronome(ctx context.Context, r metronomeReader, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	on, err := r.MetronomeState(ctx)
	if err != nil {
		slog.Warn("could not read metronome state, assuming on", "error", err)
		return true
	}
	slog.Debug("metronome state", "enabled", on)
	return on
}

// run starts every component and blocks until ctx is done, the TUI
// quits, or a component fails.
func (a *app) run(ctx context.Context, withTUI bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if port := a.cfg.MIDI.Port; port != "" {
		stop, err := midiin.Listen(port, a.cfg.MIDI.Hands, a.engine)
		if err != nil {
			return err
		}
		defer stop()
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err == nil || ctx.Err() != nil {
				return
			}
			slog.Error("component failed", "component", name, "error", err)
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			mu.Unlock()
			cancel()
		}()
	}

	start("engine", a.engine.Run)
	if a.push != nil {
		start("push", a.push.Run)
	}
	if a.local != nil {
		start("transport", func(ctx context.Context) error {
			return a.local.Broadcast(ctx, backend.DefaultBroadcastInterval, a.engine.PushTransport)
		})
	}
	if addr := a.cfg.Listen; addr != "" {
		start("api", func(ctx context.Context) error {
			return a.api.ListenAndServe(ctx, addr)
		})
	}

	if withTUI {
		if err := tui.Run(ctx, a.engine, a.cfg.Transport); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("tui: %w", err))
			mu.Unlock()
		}
		cancel()
	} else {
		<-ctx.Done()
	}

	wg.Wait()
	return errors.Join(errs...)
}

// Close releases the journal.
func (a *app) Close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
