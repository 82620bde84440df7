package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modforge/genwatch/internal/mockserver"
)

// MockOptions holds flags for the mock command.
type MockOptions struct {
	*RootOptions
	Addr     string
	Step     time.Duration
	Provider string
	NoPause  bool
}

// NewMockCommand creates the mock command.
func NewMockCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MockOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Run a local mock generation server",
		Long: `Run a local server that speaks the generation API and streams scripted
sessions. Prompts containing "fail" end in an error. Unless --no-pause is set,
every run pauses for a missing provider credential until one is saved.

Examples:
  genwatch mock
  genwatch mock --addr 127.0.0.1:9090 --step 100ms --no-pause`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config.Mock
			if cmd.Flags().Changed("addr") {
				cfg.Addr = opts.Addr
			}
			if cmd.Flags().Changed("step") {
				cfg.Step = opts.Step
			}
			if cmd.Flags().Changed("provider") {
				cfg.Provider = opts.Provider
			}
			if opts.NoPause {
				cfg.PauseForCredential = false
			}

			logger := opts.logger(cmd.ErrOrStderr()).WithPrefix("mock")
			srv := mockserver.New(mockserver.Options{
				Token:              cfg.Token,
				Step:               cfg.Step,
				Provider:           cfg.Provider,
				PauseForCredential: cfg.PauseForCredential,
				Logger:             logger,
			})

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := mockserver.ListenAndServe(ctx, cfg.Addr, srv); err != nil {
				return WrapExitError(ExitFailure, "mock server", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")
	cmd.Flags().DurationVar(&opts.Step, "step", 0, "delay between scripted events")
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "provider named in credential pauses")
	cmd.Flags().BoolVar(&opts.NoPause, "no-pause", false, "never pause for a credential")

	return cmd
}
