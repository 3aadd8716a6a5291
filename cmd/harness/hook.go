package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kokistudios/harness/internal/hook"
	"github.com/kokistudios/harness/internal/notify"
	"github.com/kokistudios/harness/internal/store"
	"github.com/kokistudios/harness/internal/tracker"
	"github.com/kokistudios/harness/internal/ui"
)

// hookCmd groups the handlers the host runtime invokes. Each reads the
// event payload from stdin and writes one JSON response to stdout.
func hookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "hook",
		Short:  "Host lifecycle hook handlers",
		Hidden: true,
		Args:   cobra.NoArgs,
	}
	for _, h := range []struct {
		use   string
		event hook.Event
		short string
	}{
		{"session-start", hook.EventSessionStart, "Record the session and report outstanding work"},
		{"pre-compact", hook.EventPreCompact, "Save a checkpoint before context compaction"},
		{"stop", hook.EventStop, "Auto-checkpoint, then block while features are unverified"},
		{"subagent-stop", hook.EventSubagentStop, "Apply the stop gate to subagents"},
		{"pre-tool-use", hook.EventPreToolUse, "Guard state documents and require an active task"},
	} {
		cmd.AddCommand(hookEventCmd(h.use, h.event, h.short))
	}
	return cmd
}

func hookEventCmd(use string, ev hook.Event, short string) *cobra.Command {
	return &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			runHook(cmd, ev)
			return nil
		},
	}
}

// runHook never fails: any error, including a panic in a handler, degrades
// to an allow response so the host session is never wedged by the harness.
func runHook(cmd *cobra.Command, ev hook.Event) {
	out := cmd.OutOrStdout()
	defer func() {
		if r := recover(); r != nil {
			ui.Logger.Error("hook handler panicked", "event", ev, "panic", r)
			_ = hook.Write(out, ev, hook.Allow())
		}
	}()

	p := hook.ReadPayload(cmd.InOrStdin(), ui.Logger)
	dir := hookProjectDir(p)
	s, err := store.Open(dir)
	if err != nil {
		ui.Logger.Warn("harness config unreadable, using defaults", "err", err)
		s = store.New(dir, store.DefaultConfig())
	}

	h := &hook.Handler{
		Store:    s,
		Tracker:  tracker.New(s.Config.Tracker, ui.Logger),
		Notifier: notify.New(s.Config.Notifications, ui.Logger),
		Logger:   ui.Logger,
	}
	o := h.Handle(cmd.Context(), ev, p)
	if err := hook.Write(out, ev, o); err != nil {
		ui.Logger.Debug("hook response not written", "err", err)
	}
}

// hookProjectDir resolves the project root: --project-dir, then
// CLAUDE_PROJECT_DIR, then the payload cwd, then the working directory.
func hookProjectDir(p hook.Payload) string {
	if projectDir != "" {
		return projectDir
	}
	if d := os.Getenv("CLAUDE_PROJECT_DIR"); d != "" {
		return d
	}
	if p.CWD != "" {
		return p.CWD
	}
	return store.ProjectDir()
}
