package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/harness/internal/checkpoint"
	"github.com/kokistudios/harness/internal/claude"
	"github.com/kokistudios/harness/internal/feature"
	"github.com/kokistudios/harness/internal/gate"
	harnessmcp "github.com/kokistudios/harness/internal/mcp"
	"github.com/kokistudios/harness/internal/session"
	"github.com/kokistudios/harness/internal/store"
	"github.com/kokistudios/harness/internal/tracker"
	"github.com/kokistudios/harness/internal/ui"
)

// Set via ldflags at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func buildVersion() string {
	if commit == "none" {
		return version
	}
	return fmt.Sprintf("%s (%s, %s)", version, commit, date)
}

// Persistent flags shared by every command.
var (
	noColor    bool
	debug      bool
	projectDir string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "harness",
		Short: "Feature verification harness for agent coding sessions",
		Long: "Tracks features through pending → in_progress → implemented → verified, records sessions and " +
			"checkpoints, and blocks an agent session from ending while implemented work is unverified.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.Init(noColor, debug)
		},
	}

	rootCmd.Version = buildVersion()
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (also HARNESS_DEBUG=1)")
	rootCmd.PersistentFlags().StringVar(&projectDir, "project-dir", "", "Project root (default: $CLAUDE_PROJECT_DIR or the working directory)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Core Commands:"},
		&cobra.Group{ID: "work", Title: "Work Tracking:"},
		&cobra.Group{ID: "config", Title: "Configuration:"},
	)

	for _, c := range []*cobra.Command{initCmd(), statusCmd(), gateCmd(), doctorCmd()} {
		c.GroupID = "core"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{featureCmd(), sessionCmd(), checkpointCmd()} {
		c.GroupID = "work"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{configCmd(), installCmd()} {
		c.GroupID = "config"
		rootCmd.AddCommand(c)
	}

	rootCmd.AddCommand(completionCmd())
	rootCmd.AddCommand(mcpServeCmd())
	rootCmd.AddCommand(hookCmd())

	return rootCmd
}

func resolveProjectDir() string {
	if projectDir != "" {
		return projectDir
	}
	return store.ProjectDir()
}

func loadStore() (*store.Store, error) {
	return store.Open(resolveProjectDir())
}

func newRegistry(s *store.Store, noTracker bool) *feature.Registry {
	var t tracker.Tracker = tracker.Nop{}
	if !noTracker {
		t = tracker.New(s.Config.Tracker, ui.Logger)
	}
	return feature.NewRegistry(s, t, ui.Logger)
}

// parseFeatureSeeds decodes a JSON array of feature records. Every record
// needs an id and ids must be unique.
func parseFeatureSeeds(data []byte) ([]feature.Seed, error) {
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error parsing features JSON: %w", err)
	}
	seeds := make([]feature.Seed, 0, len(raw))
	seen := map[string]bool{}
	for _, r := range raw {
		id, _ := r["id"].(string)
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("feature missing 'id' field: %v", r)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: %s", feature.ErrDuplicateID, id)
		}
		seen[id] = true
		desc, _ := r["description"].(string)
		if desc == "" {
			desc = id
		}
		verif, _ := r["verification"].(string)
		seeds = append(seeds, feature.Seed{ID: id, Description: desc, Verification: verif})
	}
	return seeds, nil
}

// readFeaturesArg accepts inline JSON, @path, or @- for stdin.
func readFeaturesArg(arg string, stdin io.Reader) ([]byte, error) {
	switch {
	case arg == "@-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read features file: %w", err)
		}
		return data, nil
	}
	return []byte(arg), nil
}

func initCmd() *cobra.Command {
	var (
		featuresArg string
		force       bool
		yes         bool
		noTracker   bool
		script      bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize harness state for this project",
		Long: "Create .claude/harness.json and, when --features is given, seed .claude/features.json. " +
			"Features without a verification command get one derived from the project type.",
		Example: `  harness init
  harness init --features '[{"id":"auth-login","description":"Login form"}]'
  harness init --features @features.json --no-tracker
  harness init --script`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}

			var seeds []feature.Seed
			if featuresArg != "" {
				data, err := readFeaturesArg(featuresArg, cmd.InOrStdin())
				if err != nil {
					return err
				}
				if seeds, err = parseFeatureSeeds(data); err != nil {
					return err
				}
			}

			initialized := !session.IsFirstSession(s)
			if initialized && !force {
				if script && featuresArg == "" {
					return writeScript(s)
				}
				return fmt.Errorf("%w: %s exists (use --force to overwrite)", session.ErrAlreadyInitialized, s.Path(store.HarnessFile))
			}
			if featuresArg != "" && feature.Exists(s) && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", s.Path(store.FeaturesFile))
			}
			if initialized && !yes && ui.IsTerminal(os.Stdin) {
				ok, err := ui.Confirm("Harness state already exists. Overwrite it?")
				if err != nil {
					return err
				}
				if !ok {
					ui.EmptyState("Aborted.")
					return nil
				}
			}

			var opts []session.CreateOption
			if force {
				opts = append(opts, session.WithForce())
			}
			st, err := session.Create(cmd.Context(), s, opts...)
			if err != nil {
				return err
			}
			ui.Success("Created: " + s.Path(store.HarnessFile))
			if st.ProjectType != "" {
				ui.Detail("Project type:", string(st.ProjectType))
			}

			if featuresArg != "" {
				if err := seedFeatures(cmd.Context(), s, seeds, noTracker); err != nil {
					return err
				}
				ui.Success(fmt.Sprintf("Created: %s (%d features)", s.Path(store.FeaturesFile), len(seeds)))
			}

			if script {
				return writeScript(s)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&featuresArg, "features", "", `Seed features: JSON array of {"id","description","verification"}, @file, or @- for stdin`)
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing harness state (and features when --features is given)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the overwrite confirmation")
	cmd.Flags().BoolVar(&noTracker, "no-tracker", false, "Do not create tracker tasks for seeded features")
	cmd.Flags().BoolVar(&script, "script", false, "Write .claude/init-session.sh with bootstrap commands")
	return cmd
}

// seedFeatures replaces the registry with seeds, creating tracker tasks
// unless noTracker is set.
func seedFeatures(ctx context.Context, s *store.Store, seeds []feature.Seed, noTracker bool) error {
	for i := range seeds {
		if seeds[i].Verification == "" {
			seeds[i].Verification = session.DefaultVerificationCommand(s.Root, seeds[i].ID)
		}
	}

	if !noTracker && s.Config.Tracker.Enabled && ui.IsTerminal(os.Stderr) {
		spin := ui.NewSpinner("Seeding features and tracker tasks")
		defer spin.Stop()
	}
	if _, err := newRegistry(s, noTracker).Seed(ctx, seeds); err != nil {
		return fmt.Errorf("failed to seed features: %w", err)
	}
	return nil
}

func writeScript(s *store.Store) error {
	path, err := session.WriteInitScript(s)
	if err != nil {
		return err
	}
	ui.Success("Created: " + path)
	return nil
}

func statusCmd() *cobra.Command {
	var (
		markdown bool
		watch    bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sessions, feature progress, and gate state",
		Long:  "Show harness status. With --watch the view refreshes whenever another session changes the state files.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			render := func() {
				md := statusMarkdown(s)
				if markdown {
					fmt.Fprint(cmd.OutOrStdout(), md)
					return
				}
				ui.FprintMarkdown(cmd.OutOrStdout(), md, 100)
			}
			if !watch {
				render()
				return nil
			}
			return watchState(cmd.Context(), s, func() {
				if ui.IsTerminal(os.Stdout) {
					fmt.Fprint(cmd.OutOrStdout(), "\033[H\033[2J")
				}
				render()
			})
		},
	}
	cmd.Flags().BoolVar(&markdown, "markdown", false, "Print raw markdown instead of rendering it")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-render when state files change")
	return cmd
}

// statusMarkdown renders the project's harness state as a markdown report.
func statusMarkdown(s *store.Store) string {
	var b strings.Builder
	b.WriteString("# Harness Status\n\n")

	if session.IsFirstSession(s) {
		b.WriteString("Harness is not initialized. Run `harness init`.\n")
		return b.String()
	}
	st, err := session.Load(s)
	if err != nil {
		fmt.Fprintf(&b, "**Harness state unreadable:** %v\n", err)
		return b.String()
	}
	fmt.Fprintf(&b, "- **Project:** %s\n", s.Root)
	if st.ProjectType != "" {
		fmt.Fprintf(&b, "- **Type:** %s\n", st.ProjectType)
	}
	fmt.Fprintf(&b, "- **Sessions:** %d\n", len(st.Sessions))
	if latest := st.Latest(); latest != nil {
		fmt.Fprintf(&b, "- **Last session:** #%d (%s, %s)\n", latest.ID, latest.Kind, latest.Started.Local().Format("2006-01-02 15:04"))
	}

	list, err := feature.Load(s)
	if err != nil {
		fmt.Fprintf(&b, "\n**Feature registry unreadable:** %v\n", err)
		return b.String()
	}
	sum := list.Summary()
	fmt.Fprintf(&b, "- **Verified:** %d/%d\n", sum[feature.StatusVerified], len(list.Features))

	if len(list.Features) > 0 {
		b.WriteString("\n## Features\n\n| ID | Status | Description |\n|---|---|---|\n")
		for _, f := range list.Features {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", f.ID, f.Status, strings.ReplaceAll(f.Description, "|", "\\|"))
		}
	}
	if next := list.Next(); next != nil {
		fmt.Fprintf(&b, "\n**Next:** `%s` (%s)\n", next.ID, next.Status)
	}

	res := gate.Evaluate(s, ui.Logger)
	if res.Allow {
		b.WriteString("\n**Gate:** open\n")
	} else {
		fmt.Fprintf(&b, "\n**Gate:** blocked, %s\n", strings.ToLower(res.Reason))
	}

	if latest, err := checkpoint.Latest(s.CheckpointDir()); err == nil && latest != nil {
		fmt.Fprintf(&b, "\n**Last checkpoint:** `%s`\n", latest.Name)
	}
	return b.String()
}

// watchState calls render once and again after each burst of changes to
// the state documents, until ctx is done.
func watchState(ctx context.Context, s *store.Store, render func()) error {
	if _, err := os.Stat(s.Dir); err != nil {
		return fmt.Errorf("nothing to watch: %s does not exist (run 'harness init')", s.Dir)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.Dir, err)
	}

	render()
	const settle = 150 * time.Millisecond
	timer := time.NewTimer(settle)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			switch filepath.Base(ev.Name) {
			case store.FeaturesFile, store.HarnessFile:
				timer.Reset(settle)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			ui.Logger.Warn("watch error", "err", err)
		case <-timer.C:
			render()
		}
	}
}

func featureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feature",
		Short: "Manage the feature registry",
	}
	cmd.AddCommand(featureAddCmd())
	cmd.AddCommand(featureListCmd())
	cmd.AddCommand(featureShowCmd())
	cmd.AddCommand(featureUpdateCmd())
	cmd.AddCommand(featureNextCmd())
	return cmd
}

func featureAddCmd() *cobra.Command {
	var (
		verification string
		noTracker    bool
	)
	cmd := &cobra.Command{
		Use:     "add <id> <description>",
		Short:   "Register a new pending feature",
		Example: `  harness feature add auth-login "Login with email and password"`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			id, desc := args[0], strings.Join(args[1:], " ")
			if verification == "" {
				verification = session.DefaultVerificationCommand(s.Root, id)
			}
			f, err := newRegistry(s, noTracker).Add(cmd.Context(), id, desc, verification)
			if err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Added %s", f.ID))
			if f.Verification != "" {
				ui.Detail("Verify:", f.Verification)
			}
			if f.ExternalTaskID != "" {
				ui.Detail("Task:", f.ExternalTaskID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&verification, "verification", "", "Verification command (default: derived from project type)")
	cmd.Flags().BoolVar(&noTracker, "no-tracker", false, "Do not create a tracker task")
	return cmd
}

func featureListCmd() *cobra.Command {
	var (
		status  string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List features in registry order",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			list, err := feature.Load(s)
			if err != nil {
				return err
			}
			fs := list.Features
			if status != "" {
				st, err := feature.ParseStatus(status)
				if err != nil {
					return err
				}
				fs = list.WithStatus(st)
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if fs == nil {
					fs = []feature.Feature{}
				}
				return enc.Encode(fs)
			}
			if len(fs) == 0 {
				ui.EmptyState("No features. Add one with: harness feature add <id> <description>")
				return nil
			}
			var rows [][]string
			for _, f := range fs {
				rows = append(rows, []string{f.ID, ui.StatusBadge(string(f.Status)), f.Description})
			}
			ui.Table([]string{"ID", "STATUS", "DESCRIPTION"}, rows)
			if status == "" {
				verified := list.Summary()[feature.StatusVerified]
				ui.Info(fmt.Sprintf("%s %s verified", ui.ProgressBar(verified, len(list.Features), 20),
					ui.Bold(fmt.Sprintf("%d/%d", verified, len(list.Features)))))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	return cmd
}

func featureShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one feature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			list, err := feature.Load(s)
			if err != nil {
				return err
			}
			f := list.Get(args[0])
			if f == nil {
				return fmt.Errorf("feature not found: %s", args[0])
			}
			ui.KeyValue("ID:", f.ID)
			ui.KeyValue("Status:", ui.StatusBadge(string(f.Status)))
			ui.KeyValue("Description:", f.Description)
			if f.Verification != "" {
				ui.KeyValue("Verification:", f.Verification)
			}
			if f.ExternalTaskID != "" {
				ui.KeyValue("Task:", f.ExternalTaskID)
			}
			if f.LastVerified != nil {
				ui.KeyValue("Last verified:", f.LastVerified.Local().Format(time.RFC3339))
				ui.SectionHeader("Verification output")
				fmt.Fprintln(cmd.OutOrStdout(), f.Output())
			}
			return nil
		},
	}
}

func featureUpdateCmd() *cobra.Command {
	var (
		output     string
		outputFile string
	)
	cmd := &cobra.Command{
		Use:   "update <id> <status>",
		Short: "Move a feature to a new status",
		Long: "Statuses: pending, in_progress, implemented, verified, failed. Record the verification " +
			"command's output with --output (or --output-file, - for stdin) when marking verified or failed.",
		Example: `  harness feature update auth-login in_progress
  go test ./... -run AuthLogin 2>&1 | harness feature update auth-login verified --output-file -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			st, err := feature.ParseStatus(args[1])
			if err != nil {
				return err
			}
			if outputFile != "" {
				var data []byte
				if outputFile == "-" {
					data, err = io.ReadAll(cmd.InOrStdin())
				} else {
					data, err = os.ReadFile(outputFile)
				}
				if err != nil {
					return fmt.Errorf("failed to read output: %w", err)
				}
				output = string(data)
			}

			res, err := newRegistry(s, false).UpdateStatus(cmd.Context(), args[0], st, output)
			if err != nil {
				return err
			}
			if !res.Found {
				return fmt.Errorf("feature not found: %s", args[0])
			}
			if res.Warning != "" {
				ui.Warning(res.Warning)
			}
			ui.Success(fmt.Sprintf("%s: %s → %s", res.Feature.ID, res.From, ui.StatusBadge(string(res.To))))
			if st == feature.StatusImplemented && res.Feature.Verification != "" {
				ui.Detail("Verify with:", res.Feature.Verification)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Verification output to record")
	cmd.Flags().StringVar(&outputFile, "output-file", "", "Read verification output from a file (- for stdin)")
	return cmd
}

func featureNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Print the next feature to work on",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			list, err := feature.Load(s)
			if err != nil {
				return err
			}
			next := list.Next()
			if next == nil {
				if len(list.Features) > 0 && list.AllVerified() {
					ui.Success("All features verified")
				} else {
					ui.EmptyState("Nothing to work on.")
				}
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), next.ID)
			ui.Detail("Status:", ui.StatusBadge(string(next.Status)))
			ui.Detail("Description:", next.Description)
			if next.Verification != "" {
				ui.Detail("Verify:", next.Verification)
			}
			return nil
		},
	}
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect recorded sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recorded sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			st, err := session.Load(s)
			if errors.Is(err, store.ErrNotFound) {
				ui.EmptyState("No sessions. Run `harness init` first.")
				return nil
			}
			if err != nil {
				return err
			}
			var rows [][]string
			for _, sess := range st.Sessions {
				rows = append(rows, []string{
					fmt.Sprintf("%d", sess.ID),
					string(sess.Kind),
					sess.Started.Local().Format("2006-01-02 15:04"),
					sess.HostSessionID,
				})
			}
			ui.Table([]string{"ID", "TYPE", "STARTED", "HOST SESSION"}, rows)
			return nil
		},
	})
	return cmd
}

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Write and read recovery checkpoints",
	}
	cmd.AddCommand(checkpointWriteCmd())
	cmd.AddCommand(checkpointListCmd())
	cmd.AddCommand(checkpointShowCmd())
	cmd.AddCommand(checkpointLatestCmd())
	return cmd
}

func checkpointWriteCmd() *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:     "write",
		Short:   "Write a manual checkpoint",
		Example: "  harness checkpoint write --file internal/auth/login.go --file cmd/app/main.go",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			var changes []checkpoint.FileChange
			for _, f := range files {
				changes = append(changes, checkpoint.FileChange{Path: f, Action: checkpoint.ActionModified})
			}
			task := checkpoint.ActiveTask(cmd.Context(), tracker.New(s.Config.Tracker, ui.Logger))
			path, err := checkpoint.NewWriter(s.CheckpointDir(), ui.Logger).Write(checkpoint.TypeManual, changes, task)
			if err != nil {
				return err
			}
			ui.Success("Checkpoint saved")
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&files, "file", nil, "Modified file to record (repeatable)")
	return cmd
}

func checkpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			all, err := checkpoint.List(s.CheckpointDir())
			if err != nil {
				return err
			}
			if len(all) == 0 {
				ui.EmptyState("No checkpoints.")
				return nil
			}
			var rows [][]string
			for _, info := range all {
				rows = append(rows, []string{info.Name, info.ModTime.Local().Format("2006-01-02 15:04")})
			}
			ui.Table([]string{"NAME", "MODIFIED"}, rows)
			return nil
		},
	}
}

func checkpointShowCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "show [name]",
		Short: "Render a checkpoint (default: the latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			path, err := resolveCheckpoint(s, args)
			if err != nil {
				return err
			}
			cp, err := checkpoint.Load(path)
			if err != nil {
				return err
			}
			if raw {
				fmt.Fprint(cmd.OutOrStdout(), cp.Body)
				return nil
			}
			if cp.Meta.ID != "" {
				ui.Detail("Type:", string(cp.Meta.Type))
				ui.Detail("Saved:", cp.Meta.Timestamp.Local().Format(time.RFC3339))
			}
			ui.FprintMarkdown(cmd.OutOrStdout(), cp.Body, 100)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the markdown body without rendering")
	return cmd
}

func resolveCheckpoint(s *store.Store, args []string) (string, error) {
	if len(args) == 0 {
		latest, err := checkpoint.Latest(s.CheckpointDir())
		if err != nil {
			return "", err
		}
		if latest == nil {
			return "", fmt.Errorf("no checkpoints in %s", s.CheckpointDir())
		}
		return latest.Path, nil
	}
	name := args[0]
	if !strings.HasSuffix(name, ".md") {
		name += ".md"
	}
	path := filepath.Join(s.CheckpointDir(), filepath.Base(name))
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("checkpoint not found: %s", args[0])
	}
	return path, nil
}

func checkpointLatestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latest",
		Short: "Print the path of the newest checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			path, err := resolveCheckpoint(s, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

var errGateBlocked = errors.New("verification gate blocked")

func gateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gate",
		Short: "Evaluate the verification gate (exit 1 when blocked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			res := gate.Evaluate(s, ui.Logger)
			if res.Allow {
				ui.Success("Gate open")
				return nil
			}
			ui.Error(res.Reason)
			fmt.Fprintln(cmd.OutOrStdout(), res.Context)
			return errGateBlocked
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and edit harness configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configSetCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(s.Config)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: "Set a value in .claude/harness-config.yaml. Valid keys: auto_supervisor, notifications, " +
			"features.strict_transitions, tracker.enabled, tracker.path, tracker.timeout, tracker.query_timeout, " +
			"tracker.task_guard (auto|on|off), checkpoint.dir, checkpoint.max_age, lock.timeout.",
		Example: `  harness config set auto_supervisor true
  harness config set tracker.task_guard on
  harness config set checkpoint.max_age 30m`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if err := s.SetConfigValue(args[0], args[1]); err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Set %s = %s", args[0], args[1]))
			return nil
		},
	}
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check health of harness state and tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			ui.CommandBanner("DOCTOR", "health check")

			s, err := loadStore()
			if err != nil {
				ui.Error(fmt.Sprintf("[ERR]  %v", err))
				os.Exit(2)
			}

			issues := s.CheckHealth()
			// catches what a plain JSON parse does not: duplicate ids, unknown statuses
			if _, err := feature.Load(s); err != nil && !hasIssueFor(issues, store.FeaturesFile) {
				issues = append(issues, store.Issue{Severity: "error", Message: err.Error()})
			}

			if s.Config.Tracker.Enabled {
				if _, err := exec.LookPath(s.Config.Tracker.Path); err != nil {
					issues = append(issues, store.Issue{Severity: "warning", Message: fmt.Sprintf("tracker %q not found on PATH (set tracker.enabled false to silence)", s.Config.Tracker.Path)})
				}
			}
			if missing, err := claude.MissingHooks(s); err != nil {
				issues = append(issues, store.Issue{Severity: "warning", Message: fmt.Sprintf("host settings: %v", err)})
			} else if len(missing) > 0 {
				names := make([]string, len(missing))
				for i, ev := range missing {
					names[i] = string(ev)
				}
				issues = append(issues, store.Issue{Severity: "warning", Message: fmt.Sprintf("hooks not registered: %s (run 'harness install')", strings.Join(names, ", "))})
			}
			if _, err := os.Stat(s.Dir); err == nil {
				unlock, err := s.Lock(cmd.Context())
				if err != nil {
					issues = append(issues, store.Issue{Severity: "warning", Message: fmt.Sprintf("state lock: %v", err)})
				} else {
					unlock()
				}
			}

			if len(issues) == 0 {
				ui.Success("Everything looks good")
				os.Exit(0)
			}

			hasError := false
			for _, issue := range issues {
				if issue.Severity == "error" {
					ui.Error(fmt.Sprintf("[ERR]  %s", issue.Message))
					hasError = true
				} else {
					ui.Warning(fmt.Sprintf("[WARN] %s", issue.Message))
				}
			}
			if hasError {
				os.Exit(2)
			}
			os.Exit(1)
			return nil
		},
	}
}

func installCmd() *cobra.Command {
	var withMCP bool
	var binary string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Register harness hooks with the Claude Code host",
		Long: "Adds the harness lifecycle hooks to the project's " + filepath.Join(store.StateDirName, claude.SettingsFile) +
			". Existing settings and other tools' hooks are kept. With --mcp, also registers the MCP server through the claude CLI.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			bin := binary
			if bin == "" {
				if bin, err = harnessBinary(); err != nil {
					return err
				}
			}

			added, err := claude.InstallHooks(s, bin)
			if err != nil {
				return fmt.Errorf("registering hooks: %w", err)
			}
			if len(added) == 0 {
				ui.Info("Hooks already registered")
			}
			for _, ev := range added {
				ui.Success(fmt.Sprintf("Registered %s hook", ev))
			}

			if withMCP {
				if err := claude.ConfigureMCP(cmd.Context(), "claude", "harness", bin); err != nil {
					return err
				}
				ui.Success("Registered MCP server 'harness'")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withMCP, "mcp", false, "Also register the MCP server with the claude CLI")
	cmd.Flags().StringVar(&binary, "binary", "", "Harness binary the hooks invoke (default: this executable)")
	return cmd
}

// harnessBinary resolves the running executable through any symlinks.
func harnessBinary() (string, error) {
	bin, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("cannot determine harness binary path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(bin); err == nil {
		bin = resolved
	}
	return bin, nil
}

func hasIssueFor(issues []store.Issue, name string) bool {
	for _, i := range issues {
		if strings.Contains(i.Message, name) {
			return true
		}
	}
	return false
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish]",
		Short:     "Generate shell completion scripts",
		Example:   "  harness completion bash > ~/.bashrc.d/harness\n  harness completion zsh > ~/.zfunc/_harness",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(cmd.OutOrStdout())
			case "zsh":
				return cmd.Root().GenZshCompletion(cmd.OutOrStdout())
			case "fish":
				return cmd.Root().GenFishCompletion(cmd.OutOrStdout(), true)
			default:
				return fmt.Errorf("unsupported shell: %s (use bash, zsh, or fish)", args[0])
			}
		},
	}
}

func mcpServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "mcp-serve",
		Short:  "Run harness as an MCP server",
		Long:   "Start a Model Context Protocol server over stdio exposing the feature registry to agents.",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			server := harnessmcp.NewServer(newRegistry(s, false), version, ui.Logger)
			return server.Run(cmd.Context())
		},
	}
}
