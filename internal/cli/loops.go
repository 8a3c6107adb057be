package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/loopsync/internal/loop"
	"github.com/roach88/loopsync/internal/store"
)

// LoopsOptions holds flags for the loops command.
type LoopsOptions struct {
	*RootOptions
	Database string
}

// NewLoopsCommand creates the loops command.
func NewLoopsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoopsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "loops",
		Short: "List journaled loops",
		Long: `List the loops saved in a loop journal, with their events.

The database defaults to the "database" setting of --config.

Examples:
  loopsync loops --db ./loops.db
  loopsync loops --db ./loops.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoops(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite loop journal")

	return cmd
}

func runLoops(opts *LoopsOptions, cmd *cobra.Command) error {
	path := opts.Database
	if path == "" {
		cfg, err := loadConfig(opts.RootOptions)
		if err != nil {
			return err
		}
		path = cfg.Database
	}
	if path == "" {
		return NewExitError(ExitCommandError, "no database: pass --db or set database in the config file")
	}

	// Open would create a missing file; listing must not.
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "database not found", err)
	}

	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	loops, err := st.LoadLoops(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load loops", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return out.Success(loops, loopsText(loops))
}

func loopsText(loops []loop.Loop) string {
	if len(loops) == 0 {
		return "No loops.\n"
	}

	var b strings.Builder
	for _, l := range loops {
		state := "active"
		if !l.Active {
			state = "inactive"
		}
		fmt.Fprintf(&b, "%s  %q  %s  %d events\n", l.ID, l.Name, state, len(l.Events))
		for _, ev := range l.Events {
			fmt.Fprintf(&b, "  %.4f  %s  %s:%s\n", ev.Timing, ev.ObjectID, ev.Hand, ev.Finger)
		}
	}
	return b.String()
}
