package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/modforge/genwatch/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}
	cmd.AddCommand(newConfigInitCommand(rootOpts))
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	return cmd
}

func newConfigInitCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented example config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.ConfigPath
			if path == "" {
				path = config.DefaultPath()
			}
			if _, err := os.Stat(path); err == nil {
				if !force {
					return NewExitError(ExitCommandError, path+" already exists (use --force)")
				}
				if err := os.Remove(path); err != nil {
					return WrapExitError(ExitCommandError, "remove old config", err)
				}
			} else if !errors.Is(err, os.ErrNotExist) {
				return WrapExitError(ExitCommandError, "stat config", err)
			}
			if err := config.WriteExample(path); err != nil {
				return WrapExitError(ExitCommandError, "write config", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *rootOpts.Config
			if cfg.Server.Token != "" {
				cfg.Server.Token = "********"
			}
			if cfg.Mock.Token != "" {
				cfg.Mock.Token = "********"
			}
			return rootOpts.output(cmd).Emit(cfg, func(w io.Writer) error {
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(cfg)
			})
		},
	}
}
