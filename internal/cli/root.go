// Package cli implements the genwatch command tree.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/modforge/genwatch/internal/client"
	"github.com/modforge/genwatch/internal/config"
	"github.com/modforge/genwatch/internal/engine"
	"github.com/modforge/genwatch/internal/logging"
	"github.com/modforge/genwatch/internal/transport"
)

// RootOptions holds global flags and the loaded config shared by every
// command.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Format     string // "json" | "text"
	BaseURL    string
	Token      string

	Config *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "genwatch",
		Short: "Watch and steer modpack generation sessions",
		Long: `genwatch follows a generation session's event stream, shows live status,
and walks you through recovering a paused run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.BaseURL, "url", "", "override the API base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "override the API token")

	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewStartCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewMockCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

func (o *RootOptions) load() error {
	if !isValidFormat(o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}
	path := o.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.BaseURL != "" {
		cfg.Server.BaseURL = o.BaseURL
	}
	if o.Token != "" {
		cfg.Server.Token = o.Token
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "config", err)
	}
	o.Config = cfg
	return nil
}

// logger builds a logger at the configured level writing to w.
func (o *RootOptions) logger(w io.Writer) *log.Logger {
	level, err := logging.ParseLevel(o.Config.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	return logging.New(w, level)
}

func (o *RootOptions) api() *client.HTTPClient {
	return client.NewHTTPClient(o.Config.Server.BaseURL, o.Config.Server.Token)
}

// newEngine wires the websocket transport and api into an engine.
func (o *RootOptions) newEngine(api *client.HTTPClient, logger *log.Logger) *engine.Engine {
	ws := transport.NewWebSocket(api.StreamURL, logger.WithPrefix("stream"))
	return engine.New(ws, api, engine.Options{
		Token:        api.Token(),
		Reconnect:    o.Config.ReconnectPolicy(),
		PollInterval: o.Config.Poll.Interval,
		Logger:       logger.WithPrefix("engine"),
	})
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}
