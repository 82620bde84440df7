package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/modforge/genwatch/internal/event"
	"github.com/modforge/genwatch/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit  int
	Forget bool
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List cached sessions, or print one session's cached events",
		Long: `List sessions from the local cache, newest first. With a session id, print
the events cached for it. The cache is a convenience copy; the server always
replays the authoritative history on attach.

Examples:
  genwatch history
  genwatch history 3f6c9a2e-... --format json
  genwatch history 3f6c9a2e-... --forget`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, opts, args)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum sessions to list")
	cmd.Flags().BoolVar(&opts.Forget, "forget", false, "remove the session from the cache")

	return cmd
}

func runHistory(cmd *cobra.Command, opts *HistoryOptions, args []string) error {
	path := opts.Config.Store.Path
	if path == "" {
		return NewExitError(ExitCommandError, "session cache disabled (store.path is empty)")
	}
	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "open session cache", err)
	}
	defer st.Close()
	ctx := commandContext(cmd)
	out := opts.output(cmd)

	if len(args) == 0 {
		sessions, err := st.Sessions(ctx, opts.Limit)
		if err != nil {
			return WrapExitError(ExitFailure, "list sessions", err)
		}
		return out.Emit(sessions, func(w io.Writer) error {
			return writeSessions(w, sessions)
		})
	}

	id := args[0]
	if opts.Forget {
		if err := st.Forget(ctx, id); err != nil {
			return WrapExitError(ExitFailure, "forget", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "forgot %s\n", id)
		return nil
	}

	if _, err := st.Session(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return WrapExitError(ExitCommandError, "not cached: "+id, err)
		}
		return WrapExitError(ExitFailure, "read session", err)
	}
	events, err := st.Events(ctx, id)
	if err != nil {
		return WrapExitError(ExitFailure, "read events", err)
	}
	return out.Emit(events, func(w io.Writer) error {
		return writeEvents(w, events)
	})
}

func writeSessions(w io.Writer, sessions []store.Session) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "no cached sessions")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATUS\tEVENTS\tUPDATED\tDETAIL")
	for _, s := range sessions {
		detail := s.ArtifactID
		if s.PauseReason != "" {
			detail = s.PauseReason
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.Status, s.EventCount, s.UpdatedAt.Local().Format(time.DateTime), detail)
	}
	return tw.Flush()
}

func writeEvents(w io.Writer, events []event.Event) error {
	for i, ev := range events {
		ts := ""
		if !ev.Timestamp.IsZero() {
			ts = ev.Timestamp.Local().Format(time.TimeOnly)
		}
		if _, err := fmt.Fprintf(w, "%4d %-8s %-18s %s\n", i+1, ts, ev.Type, ev.Summary()); err != nil {
			return err
		}
	}
	return nil
}
