package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/modforge/genwatch/internal/client"
	"github.com/modforge/genwatch/internal/derive"
	"github.com/modforge/genwatch/internal/engine"
	"github.com/modforge/genwatch/internal/recovery"
)

// StartOptions holds flags for the start command.
type StartOptions struct {
	*RootOptions
	Prompt      string
	GameVersion string
	Loader      string
	Categories  []string
	Follow      bool
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new generation session",
		Long: `Start a new generation session and print its id. With --follow the command
stays attached and prints events until the session completes, fails or pauses.

Exit codes:
  0 - Session started (or, with --follow, completed)
  1 - The API rejected the request, or the followed session failed or paused
  2 - Command error

Examples:
  genwatch start --prompt "tech pack with trains" --loader fabric
  genwatch start --prompt "kitchen sink" --follow --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Prompt, "prompt", "p", "", "what the pack should contain (required)")
	_ = cmd.MarkFlagRequired("prompt")
	cmd.Flags().StringVar(&opts.GameVersion, "game-version", "", "target game version")
	cmd.Flags().StringVar(&opts.Loader, "loader", "", "mod loader")
	cmd.Flags().StringSliceVar(&opts.Categories, "category", nil, "categories to favour (repeatable)")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "stay attached and print events")

	return cmd
}

func runStart(cmd *cobra.Command, opts *StartOptions) error {
	ctx := commandContext(cmd)
	req := client.StartRequest{
		Prompt:      opts.Prompt,
		GameVersion: opts.GameVersion,
		Loader:      opts.Loader,
		Categories:  opts.Categories,
	}
	api := opts.api()

	if !opts.Follow {
		id, err := api.StartGeneration(ctx, req)
		if err != nil {
			return WrapExitError(ExitFailure, "start generation", err)
		}
		return opts.output(cmd).Emit(client.StartResponse{SessionID: id}, func(w io.Writer) error {
			_, err := fmt.Fprintln(w, id)
			return err
		})
	}

	eng := opts.newEngine(api, opts.logger(cmd.ErrOrStderr()))
	defer eng.Close()
	go eng.Run(ctx)

	if _, err := eng.Start(ctx, req); err != nil && !errors.Is(err, engine.ErrClosed) {
		// The engine retries the stream on its own; only a failed start
		// request is fatal.
		if eng.Snapshot().SessionID == "" {
			return WrapExitError(ExitFailure, "start generation", err)
		}
	}
	return follow(ctx, cmd, opts.RootOptions, eng)
}

// follow prints events as they arrive until the session settles.
func follow(ctx context.Context, cmd *cobra.Command, opts *RootOptions, eng *engine.Engine) error {
	changes, unsubscribe := eng.Subscribe()
	defer unsubscribe()
	out := opts.output(cmd)

	// A reconnect replays the log from the start; only indexes past what
	// was already printed are new.
	printed := 0
	for {
		snap := eng.Snapshot()
		for i := printed; i < len(snap.Events); i++ {
			ev := snap.Events[i]
			err := out.Emit(ev, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%-18s %s\n", ev.Type, ev.Summary())
				return err
			})
			if err != nil {
				return err
			}
		}
		printed = max(printed, len(snap.Events))

		if snap.Settled() {
			return settled(snap)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		}
	}
}

func settled(snap engine.Snapshot) error {
	switch snap.Status {
	case derive.StatusComplete:
		return nil
	case derive.StatusPaused:
		return NewExitError(ExitFailure, fmt.Sprintf("session %s paused: %s (run `genwatch resume %s`)", snap.SessionID, snap.PauseReason, snap.SessionID))
	default:
		msg := "generation failed"
		if f := snap.View.Failure; f != nil && f.Message != "" {
			msg = f.Message
		}
		return NewExitError(ExitFailure, fmt.Sprintf("session %s failed: %s", snap.SessionID, msg))
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's status from the polling endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := rootOpts.api().Status(commandContext(cmd), args[0])
			if err != nil {
				if errors.Is(err, client.ErrNotFound) {
					return WrapExitError(ExitCommandError, "unknown session "+args[0], err)
				}
				return WrapExitError(ExitFailure, "status", err)
			}
			return rootOpts.output(cmd).Emit(rep, func(w io.Writer) error {
				return writeStatus(w, args[0], rep)
			})
		},
	}
}

func writeStatus(w io.Writer, id string, rep client.StatusReport) error {
	var b strings.Builder
	fmt.Fprintf(&b, "session  %s\nstatus   %s\n", id, rep.Status)
	if rep.ArtifactID != "" {
		fmt.Fprintf(&b, "artifact %s\n", rep.ArtifactID)
	}
	if rep.PauseReason != "" {
		fmt.Fprintf(&b, "paused   phase %d: %s\n", rep.PausedAtPhase, rep.PauseReason)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// ResumeOptions holds flags for the resume command.
type ResumeOptions struct {
	*RootOptions
	Value   string
	Follow  bool
	Timeout time.Duration
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResumeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resolve a paused session and resume it",
		Long: `Resolve a paused session without the TUI. The pause reason decides what is
needed: a rejected credential needs --value, anything else resumes directly.

Examples:
  genwatch resume 3f6c9a2e-... --value sk-ant-...
  genwatch resume 3f6c9a2e-... --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Value, "value", "", "credential value for credential pauses")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "stay attached after resuming")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long to wait for the session to report paused")

	return cmd
}

func runResume(cmd *cobra.Command, opts *ResumeOptions, id string) error {
	ctx := commandContext(cmd)
	api := opts.api()
	eng := opts.newEngine(api, opts.logger(cmd.ErrOrStderr()))
	defer eng.Close()
	go eng.Run(ctx)

	if _, err := eng.Attach(ctx, id); err != nil {
		if errors.Is(err, engine.ErrNoSession) || errors.Is(err, engine.ErrClosed) {
			return WrapExitError(ExitCommandError, "attach", err)
		}
		// Retries and the polling fallback still settle the status.
		fmt.Fprintf(cmd.ErrOrStderr(), "stream unavailable, retrying: %v\n", err)
	}
	snap, err := waitTerminal(ctx, eng, opts.Timeout)
	if err != nil {
		return WrapExitError(ExitFailure, "wait for pause", err)
	}
	if snap.Status != derive.StatusPaused {
		return NewExitError(ExitCommandError, fmt.Sprintf("session %s is %s, not paused", id, snap.Status))
	}

	rc := recovery.NewController(api, eng, opts.logger(cmd.ErrOrStderr()).WithPrefix("recovery"))
	form, _ := rc.Form()
	if form.Kind == recovery.KindCredential && opts.Value == "" {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: pass the credential with --value", form.Title))
	}
	if err := rc.Submit(ctx, map[string]string{recovery.FieldValue: opts.Value}); err != nil {
		return WrapExitError(ExitFailure, "resume", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "resumed %s\n", id)

	if !opts.Follow {
		return nil
	}
	return follow(ctx, cmd, opts.RootOptions, eng)
}

// waitTerminal waits until the attached session reaches a stable status.
func waitTerminal(ctx context.Context, eng *engine.Engine, timeout time.Duration) (engine.Snapshot, error) {
	changes, unsubscribe := eng.Subscribe()
	defer unsubscribe()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		snap := eng.Snapshot()
		if snap.Settled() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-timer.C:
			return snap, fmt.Errorf("session still %s after %s", snap.Status, timeout)
		case <-changes:
		}
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
