package cli

import (
	"context"
	"errors"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/modforge/genwatch/internal/app"
	"github.com/modforge/genwatch/internal/client"
	"github.com/modforge/genwatch/internal/logging"
	"github.com/modforge/genwatch/internal/recovery"
	"github.com/modforge/genwatch/internal/store"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	GameVersion string
	Loader      string
	Last        bool
}

// NewWatchCommand creates the interactive watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch [session-id]",
		Short: "Open the live session view",
		Long: `Open the live session view. With a session id it attaches to that session;
with --last it reattaches to the most recently cached session; otherwise it
asks for a prompt and starts a new one.

Examples:
  genwatch watch
  genwatch watch 3f6c9a2e-...
  genwatch watch --last`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return runWatch(cmd.Context(), opts, id)
		},
	}

	cmd.Flags().StringVar(&opts.GameVersion, "game-version", "", "game version for new sessions")
	cmd.Flags().StringVar(&opts.Loader, "loader", "", "mod loader for new sessions")
	cmd.Flags().BoolVar(&opts.Last, "last", false, "reattach to the most recent cached session")

	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The TUI owns the terminal, so logs go to a file.
	var w io.Writer = io.Discard
	if path := opts.Config.Log.File; path != "" {
		f, err := logging.OpenFile(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "open log file", err)
		}
		defer f.Close()
		w = f
	}
	logger := opts.logger(w)

	var st *store.Store
	if path := opts.Config.Store.Path; path != "" {
		s, err := store.Open(path)
		if err != nil {
			logger.Warn("session cache unavailable", "path", path, "err", err)
		} else {
			st = s
			defer st.Close()
		}
	}

	if id == "" && opts.Last {
		if st == nil {
			return NewExitError(ExitCommandError, "--last needs the session cache (store.path)")
		}
		last, err := st.LastSession(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "no cached session", err)
		}
		id = last.ID
	}

	api := opts.api()
	eng := opts.newEngine(api, logger)
	defer eng.Close()
	go eng.Run(ctx)
	if st != nil {
		go st.Follow(ctx, eng, logger.WithPrefix("store"))
	}

	rc := recovery.NewController(api, eng, logger.WithPrefix("recovery"))
	m := app.New(eng, rc, app.Options{
		SessionID: id,
		Defaults:  client.StartRequest{GameVersion: opts.GameVersion, Loader: opts.Loader},
		Secrets:   []string{opts.Config.Server.Token},
		Logger:    logger.WithPrefix("tui"),
	})

	logger.Info("watch starting", "session", id, "url", opts.Config.Server.BaseURL)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return WrapExitError(ExitFailure, "tui", err)
	}
	eng.Detach()
	logger.Info("watch finished", "session", eng.Snapshot().SessionID)
	return nil
}
