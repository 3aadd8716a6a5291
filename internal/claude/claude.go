// Package claude wires the harness into the Claude Code host: hook
// registration in the project settings file and MCP server registration
// through the claude CLI.
package claude

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kokistudios/harness/internal/hook"
	"github.com/kokistudios/harness/internal/store"
)

// SettingsFile is the project-scoped host settings document in the state dir.
const SettingsFile = "settings.json"

// editMatcher selects the tools the pre-tool-use guard inspects.
const editMatcher = "Write|Edit|MultiEdit|NotebookEdit"

// Registration is one hook the harness needs in the host settings.
type Registration struct {
	Event   hook.Event
	Matcher string
	Args    string
	Timeout int // seconds
}

// Command returns the shell command running this hook with bin.
func (r Registration) Command(bin string) string {
	return shellQuote(bin) + " " + r.Args
}

// shellQuote single-quotes s when the host shell would otherwise split or
// expand it.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`&|;<>()*?[]#~!{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var registrations = []Registration{
	{Event: hook.EventSessionStart, Args: "hook session-start", Timeout: 15},
	{Event: hook.EventPreCompact, Args: "hook pre-compact", Timeout: 15},
	{Event: hook.EventStop, Args: "hook stop", Timeout: 15},
	{Event: hook.EventSubagentStop, Args: "hook subagent-stop", Timeout: 15},
	{Event: hook.EventPreToolUse, Matcher: editMatcher, Args: "hook pre-tool-use", Timeout: 10},
}

// AvailableAt checks if the claude CLI exists at the given path.
func AvailableAt(path string) error {
	if _, err := exec.LookPath(path); err != nil {
		return fmt.Errorf("claude CLI not found at %q; install Claude Code to register the MCP server", path)
	}
	return nil
}

// loadSettings reads the settings document as a generic map so unrelated
// keys survive a rewrite. A missing file yields an empty map.
func loadSettings(s *store.Store) (map[string]any, error) {
	settings := map[string]any{}
	err := s.ReadJSON(SettingsFile, &settings)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	return settings, nil
}

// InstallHooks adds any missing harness hooks to the project settings and
// returns the events it added. Existing entries, including other tools'
// hooks, are preserved. A corrupt settings file is left untouched.
func InstallHooks(s *store.Store, bin string) ([]hook.Event, error) {
	settings, err := loadSettings(s)
	if err != nil {
		return nil, err
	}
	hooks, _ := settings["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
	}

	var added []hook.Event
	for _, r := range registrations {
		groups, _ := hooks[string(r.Event)].([]any)
		if hasHarnessHook(groups, r.Args) {
			continue
		}
		group := map[string]any{
			"hooks": []any{map[string]any{
				"type":    "command",
				"command": r.Command(bin),
				"timeout": r.Timeout,
			}},
		}
		if r.Matcher != "" {
			group["matcher"] = r.Matcher
		}
		hooks[string(r.Event)] = append(groups, group)
		added = append(added, r.Event)
	}
	if len(added) == 0 {
		return nil, nil
	}

	settings["hooks"] = hooks
	if err := s.WriteJSON(SettingsFile, settings); err != nil {
		return nil, err
	}
	return added, nil
}

// MissingHooks returns the events with no harness hook registered.
func MissingHooks(s *store.Store) ([]hook.Event, error) {
	settings, err := loadSettings(s)
	if err != nil {
		return nil, err
	}
	hooks, _ := settings["hooks"].(map[string]any)

	var missing []hook.Event
	for _, r := range registrations {
		groups, _ := hooks[string(r.Event)].([]any)
		if !hasHarnessHook(groups, r.Args) {
			missing = append(missing, r.Event)
		}
	}
	return missing, nil
}

// hasHarnessHook reports whether any hook in groups runs a harness binary
// with args. Registrations made with a different binary path still count.
func hasHarnessHook(groups []any, args string) bool {
	for _, g := range groups {
		group, _ := g.(map[string]any)
		entries, _ := group["hooks"].([]any)
		for _, e := range entries {
			entry, _ := e.(map[string]any)
			cmd, _ := entry["command"].(string)
			bin, ok := strings.CutSuffix(strings.TrimSpace(cmd), " "+args)
			if !ok {
				continue
			}
			bin = strings.Trim(strings.TrimSpace(bin), `'"`)
			if strings.HasPrefix(filepath.Base(bin), "harness") {
				return true
			}
		}
	}
	return false
}

// ConfigureMCP registers bin's mcp-serve command with the claude CLI at
// project scope.
func ConfigureMCP(ctx context.Context, claudePath, name, bin string) error {
	if err := AvailableAt(claudePath); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	// re-adding an existing name fails, so drop any stale entry first
	_ = exec.CommandContext(ctx, claudePath, "mcp", "remove", name, "-s", "project").Run()

	out, err := exec.CommandContext(ctx, claudePath, "mcp", "add", "--scope", "project", name, "--", bin, "mcp-serve").CombinedOutput()
	if err != nil {
		return fmt.Errorf("claude mcp add failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
