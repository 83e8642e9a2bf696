package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/boshu2/warden/internal/errs"
	"github.com/boshu2/warden/internal/hook"
	"github.com/boshu2/warden/internal/protocol"
)

var hookTaskTypes []string

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Handle one hook event from the host agent",
	Long: `Read one tool-call event as JSON from stdin, decide on it, and write the
response to stdout.

Exit status:
  0  allow (the response may carry rewritten tool input)
  2  block (the reason is also written to stderr)
  1  internal error
  3  malformed event

Both the documented hook payload (hook_event_name, tool_input, tool_response,
cwd) and the legacy normalized payload (event_kind, parameters,
execution_result, working_directory) are accepted.`,
}

var hookPreCmd = &cobra.Command{
	Use:           "pre",
	Short:         "Handle a PreToolUse event",
	Args:          cobra.NoArgs,
	SilenceErrors: true,
	RunE:          hookRunner(protocol.EventPre),
}

var hookPostCmd = &cobra.Command{
	Use:           "post",
	Short:         "Handle a PostToolUse event",
	Args:          cobra.NoArgs,
	SilenceErrors: true,
	RunE:          hookRunner(protocol.EventPost),
}

func init() {
	rootCmd.AddCommand(hookCmd)
	hookCmd.AddCommand(hookPreCmd, hookPostCmd)
	hookCmd.PersistentFlags().StringSliceVar(&hookTaskTypes, "task-types", nil,
		"Delegated task types to track (default: all)")
}

func hookRunner(kind protocol.EventKind) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		code := runHookEvent(ctx, kind, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), os.Getenv)
		if code != errs.ExitAllow {
			return &exitError{code: code}
		}
		return nil
	}
}

// runHookEvent handles one event and returns the process exit status.
func runHookEvent(ctx context.Context, kind protocol.EventKind, in io.Reader, stdout, stderr io.Writer, getenv func(string) string) int {
	data, err := protocol.ReadInput(in)
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", errs.Protocol("read", err))
		return errs.ExitProtocol
	}
	ev, err := protocol.Decode(data, getenv)
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return errs.ExitCode(err)
	}
	if ev.Kind != kind {
		err := errs.Protocol("decode", fmt.Errorf("%w: got a %s event on the %s hook",
			protocol.ErrInvalidEvent, ev.Kind.HookEventName(), kind.HookEventName()))
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return errs.ExitProtocol
	}

	p, a, err := newPipeline(ctx, ev)
	if err != nil {
		return setupFailure(ev, stdout, stderr, err)
	}
	defer a.close()

	out := p.Handle(ctx, ev)
	if err := out.Response.Write(stdout); err != nil {
		a.logger.Error("write hook response", zap.Error(err))
		return errs.ExitInternal
	}
	if out.Response.Blocked() {
		fmt.Fprintln(stderr, out.Response.Message())
	}
	a.logger.Debug("hook event handled",
		zap.String("event", ev.Kind.HookEventName()),
		zap.String("tool", ev.ToolName),
		zap.String("stage", string(out.Stage)),
		zap.Int("exit_code", out.ExitCode),
	)
	return out.ExitCode
}

func newPipeline(ctx context.Context, ev *protocol.ToolCallEvent) (*hook.Pipeline, *app, error) {
	a, err := loadApp(ctx, appOptions{dir: ev.WorkingDir, session: ev.SessionID, hookMode: true})
	if err != nil {
		return nil, nil, err
	}
	engine, err := a.engine()
	if err != nil {
		a.close()
		return nil, nil, err
	}

	opts := []hook.Option{
		hook.WithValidator(a.guard),
		hook.WithLogger(a.logger.With(zap.String("session", ev.SessionID))),
	}
	if a.mgr != nil {
		opts = append(opts, hook.WithWorkspaces(a.mgr))
	}
	if len(hookTaskTypes) > 0 {
		opts = append(opts, hook.WithRoles(hook.RoleList(hookTaskTypes)))
	}
	return hook.New(engine, a.store, a.repoRoot, opts...), a, nil
}

// setupFailure answers an event warden could not initialise for. A
// pre-event is blocked, since no security decision was made; a post-event
// is reported as an internal error.
func setupFailure(ev *protocol.ToolCallEvent, stdout, stderr io.Writer, err error) int {
	if ev.Kind == protocol.EventPost {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return errs.ExitInternal
	}
	resp := protocol.Block(ev.Kind, "warden could not start: "+strings.TrimSpace(err.Error()),
		"fix the warden configuration, or run `warden config --show` to inspect it")
	if werr := resp.Write(stdout); werr != nil {
		fmt.Fprintf(stderr, "warden: write response: %v\n", werr)
	}
	fmt.Fprintln(stderr, resp.Message())
	return errs.ExitBlock
}
