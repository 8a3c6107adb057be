package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/loopsync/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(newConfigCheckCommand(rootOpts))
	return cmd
}

func newConfigCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a config file and print the effective settings",
		Long: `Load a config file, apply defaults, validate it against the schema,
and print the effective configuration.

The file defaults to --config; with neither, the built-in defaults are
checked.

Examples:
  loopsync config check ./loopsync.yaml
  loopsync --config ./loopsync.yaml config check --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := *rootOpts
			if len(args) == 1 {
				opts.ConfigPath = args[0]
			}
			return runConfigCheck(&opts, cmd)
		},
	}
}

func runConfigCheck(opts *RootOptions, cmd *cobra.Command) error {
	var (
		cfg config.Config
		err error
	)
	if opts.ConfigPath == "" {
		cfg = config.Default()
		err = config.Validate(cfg)
	} else {
		cfg, err = config.Load(opts.ConfigPath)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "invalid config", err)
	}

	text, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return out.Success(cfg, "config ok\n"+string(text))
}
