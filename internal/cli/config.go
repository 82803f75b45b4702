package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/covenant/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	return cmd
}

func newConfigValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Long: `Load covenant.yaml (or --config), apply .env and COVENANT_* overrides and
validate the result. Exits 2 when the configuration is unusable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				var verr *config.ValidationError
				if errors.As(err, &verr) {
					_ = out.Error("E_CONFIG", verr.Error(), map[string]string{"field": verr.Field})
				} else {
					_ = out.Error("E_CONFIG", err.Error(), nil)
				}
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			return out.Emit(map[string]any{"valid": true, "database": cfg.Database}, func(w io.Writer) {
				fmt.Fprintf(w, "configuration valid (database %s, bot @%s)\n", cfg.Database, cfg.Bot.Handle)
			})
		},
	}
}

func newConfigShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Emit(cfg, func(w io.Writer) {
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				if err := enc.Encode(cfg); err != nil {
					fmt.Fprintf(w, "# failed to encode configuration: %v\n", err)
				}
				enc.Close()
			})
		},
	}
}
