package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kokistudios/harness/internal/claude"
	"github.com/kokistudios/harness/internal/feature"
	"github.com/kokistudios/harness/internal/session"
	"github.com/kokistudios/harness/internal/store"
)

// harness runs the CLI against dir and returns stdout.
func harness(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--no-color", "--project-dir", dir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func newProject(t *testing.T) string {
	t.Helper()
	t.Setenv("CLAUDE_PROJECT_DIR", "")
	t.Setenv("HARNESS_DEBUG", "")
	t.Setenv("HARNESS_TRACKER_ENABLED", "false")
	t.Setenv("HARNESS_NOTIFICATIONS", "false")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/app\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func loadFeatures(t *testing.T, dir string) *feature.FeatureList {
	t.Helper()
	l, err := feature.Load(store.New(dir, store.DefaultConfig()))
	if err != nil {
		t.Fatalf("feature.Load failed: %v", err)
	}
	return l
}

func TestParseFeatureSeeds(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"empty array", `[]`, 0, false},
		{"full records", `[{"id":"a","description":"A","verification":"make a"},{"id":"b"}]`, 2, false},
		{"malformed", `[{"id":`, 0, true},
		{"not an array", `{"id":"a"}`, 0, true},
		{"missing id", `[{"description":"no id"}]`, 0, true},
		{"non-string id", `[{"id":7}]`, 0, true},
		{"duplicate id", `[{"id":"a"},{"id":"a"}]`, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seeds, err := parseFeatureSeeds([]byte(tc.input))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if len(seeds) != tc.want {
				t.Errorf("got %d seeds, want %d", len(seeds), tc.want)
			}
		})
	}

	seeds, _ := parseFeatureSeeds([]byte(`[{"id":"b"}]`))
	if seeds[0].Description != "b" {
		t.Errorf("description should default to id, got %q", seeds[0].Description)
	}
}

func TestInitWithFeatures(t *testing.T) {
	dir := newProject(t)

	_, err := harness(t, dir, "", "init", "--features", `[{"id":"auth-login","description":"Login"},{"id":"api","verification":"make api"}]`)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}

	s := store.New(dir, store.DefaultConfig())
	st, err := session.Load(s)
	if err != nil {
		t.Fatalf("session.Load failed: %v", err)
	}
	if !st.Initialized || len(st.Sessions) != 1 || st.ProjectType != session.ProjectGo {
		t.Errorf("unexpected state %+v", st)
	}

	l := loadFeatures(t, dir)
	if len(l.Features) != 2 {
		t.Fatalf("got %d features, want 2", len(l.Features))
	}
	if got := l.Get("auth-login").Verification; got != "go test ./... -run AuthLogin" {
		t.Errorf("default verification = %q", got)
	}
	if got := l.Get("api").Verification; got != "make api" {
		t.Errorf("explicit verification = %q", got)
	}
	if l.Get("api").Description != "api" {
		t.Errorf("description should default to id")
	}
}

func TestInitRejectsMalformedFeatures(t *testing.T) {
	dir := newProject(t)

	for _, input := range []string{`[{"id":`, `[{"description":"x"}]`} {
		if _, err := harness(t, dir, "", "init", "--features", input); err == nil {
			t.Errorf("expected error for %s", input)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, ".claude", "harness.json")); !os.IsNotExist(err) {
		t.Error("malformed input must not create harness state")
	}
}

func TestInitFeaturesFromStdin(t *testing.T) {
	dir := newProject(t)
	if _, err := harness(t, dir, `[{"id":"x"}]`, "init", "--features", "@-"); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if l := loadFeatures(t, dir); l.Get("x") == nil {
		t.Error("feature x not seeded")
	}
}

func TestInitRequiresForce(t *testing.T) {
	dir := newProject(t)
	if _, err := harness(t, dir, "", "init"); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	_, err := harness(t, dir, "", "init")
	if !errors.Is(err, session.ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}

	if _, err := harness(t, dir, "", "init", "--force", "--yes"); err != nil {
		t.Fatalf("forced init failed: %v", err)
	}

	// --script alone regenerates the script without touching state
	if _, err := harness(t, dir, "", "init", "--script"); err != nil {
		t.Fatalf("init --script failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, ".claude", "init-session.sh"))
	if err != nil {
		t.Fatalf("init script missing: %v", err)
	}
	if info.Mode().Perm()&0100 == 0 {
		t.Errorf("init script not executable: %v", info.Mode())
	}
}

func TestFeatureLifecycleAndGate(t *testing.T) {
	dir := newProject(t)
	harness(t, dir, "", "init")

	if _, err := harness(t, dir, "", "feature", "add", "search", "Full", "text", "search"); err != nil {
		t.Fatalf("feature add failed: %v", err)
	}
	if l := loadFeatures(t, dir); l.Get("search").Description != "Full text search" {
		t.Errorf("description = %q", l.Get("search").Description)
	}

	out, err := harness(t, dir, "", "feature", "next")
	if err != nil || strings.TrimSpace(out) != "search" {
		t.Fatalf("feature next = %q, %v", out, err)
	}

	for _, st := range []string{"in_progress", "implemented"} {
		if _, err := harness(t, dir, "", "feature", "update", "search", st); err != nil {
			t.Fatalf("update %s failed: %v", st, err)
		}
	}

	out, err = harness(t, dir, "", "gate")
	if !errors.Is(err, errGateBlocked) {
		t.Fatalf("gate should block, got %v", err)
	}
	if !strings.Contains(out, "**search**") {
		t.Errorf("gate context missing feature: %q", out)
	}

	if _, err := harness(t, dir, "PASS ok 3 tests", "feature", "update", "search", "verified", "--output-file", "-"); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	f := loadFeatures(t, dir).Get("search")
	if f.Status != feature.StatusVerified || f.Output() != "PASS ok 3 tests" || f.LastVerified == nil {
		t.Errorf("verification not recorded: %+v", f)
	}

	if _, err := harness(t, dir, "", "gate"); err != nil {
		t.Errorf("gate should open after verification, got %v", err)
	}

	if _, err := harness(t, dir, "", "feature", "update", "missing", "verified"); err == nil {
		t.Error("expected unknown feature to fail")
	}
	if _, err := harness(t, dir, "", "feature", "update", "search", "done"); err == nil {
		t.Error("expected invalid status to fail")
	}
}

func TestFeatureListJSON(t *testing.T) {
	dir := newProject(t)
	harness(t, dir, "", "init", "--features", `[{"id":"a"},{"id":"b"}]`)
	harness(t, dir, "", "feature", "update", "b", "in_progress")

	out, err := harness(t, dir, "", "feature", "list", "--json", "--status", "in-progress")
	if err != nil {
		t.Fatalf("feature list failed: %v", err)
	}
	var fs []feature.Feature
	if err := json.Unmarshal([]byte(out), &fs); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if len(fs) != 1 || fs[0].ID != "b" {
		t.Errorf("filtered list = %+v", fs)
	}
}

func TestStatusMarkdown(t *testing.T) {
	dir := newProject(t)
	out, err := harness(t, dir, "", "status", "--markdown")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "not initialized") {
		t.Errorf("expected uninitialized notice, got %q", out)
	}

	harness(t, dir, "", "init", "--features", `[{"id":"a","description":"pipe | char"}]`)
	harness(t, dir, "", "feature", "update", "a", "in_progress")
	harness(t, dir, "", "feature", "update", "a", "implemented")

	out, _ = harness(t, dir, "", "status", "--markdown")
	for _, want := range []string{"- **Sessions:** 1", "- **Verified:** 0/1", "| a | implemented | pipe \\| char |", "**Gate:** blocked"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
}

func TestConfigSetShow(t *testing.T) {
	dir := newProject(t)
	if _, err := harness(t, dir, "", "config", "set", "checkpoint.max_age", "30m"); err != nil {
		t.Fatalf("config set failed: %v", err)
	}
	if _, err := harness(t, dir, "", "config", "set", "bogus.key", "1"); err == nil {
		t.Error("expected unknown key to fail")
	}
	out, err := harness(t, dir, "", "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "max_age: 30m0s") {
		t.Errorf("config show missing updated value:\n%s", out)
	}
}

func TestCheckpointWriteAndLatest(t *testing.T) {
	dir := newProject(t)
	written, err := harness(t, dir, "", "checkpoint", "write", "--file", "main.go")
	if err != nil {
		t.Fatalf("checkpoint write failed: %v", err)
	}
	latest, err := harness(t, dir, "", "checkpoint", "latest")
	if err != nil {
		t.Fatalf("checkpoint latest failed: %v", err)
	}
	if strings.TrimSpace(written) != strings.TrimSpace(latest) {
		t.Errorf("latest = %q, want %q", latest, written)
	}
	if !strings.HasPrefix(filepath.Base(strings.TrimSpace(latest)), "checkpoint-") {
		t.Errorf("manual checkpoint name = %q", latest)
	}

	body, err := harness(t, dir, "", "checkpoint", "show", "--raw")
	if err != nil || !strings.Contains(body, "main.go") {
		t.Errorf("checkpoint show = %q, %v", body, err)
	}
}

func TestHookStopBlocksUnverified(t *testing.T) {
	dir := newProject(t)
	harness(t, dir, "", "init", "--features", `[{"id":"auth"}]`)
	harness(t, dir, "", "feature", "update", "auth", "in_progress")
	harness(t, dir, "", "feature", "update", "auth", "implemented")

	out, err := harness(t, dir, `{"session_id":"s1","hook_event_name":"Stop"}`, "hook", "stop")
	if err != nil {
		t.Fatalf("hook stop failed: %v", err)
	}
	var resp map[string]string
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid hook response %q: %v", out, err)
	}
	if resp["decision"] != "block" || !strings.HasPrefix(resp["reason"], "Unverified features detected\n\n") {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHookToleratesBadPayload(t *testing.T) {
	dir := newProject(t)
	out, err := harness(t, dir, "not json at all", "hook", "stop")
	if err != nil {
		t.Fatalf("hook must not fail: %v", err)
	}
	if strings.TrimSpace(out) != "{}" {
		t.Errorf("uninitialized stop should allow, got %q", out)
	}
}

func TestHookPreToolUseGuard(t *testing.T) {
	dir := newProject(t)
	payload := `{"tool_name":"Write","tool_input":{"file_path":"` + filepath.Join(dir, ".claude", "features.json") + `"}}`

	out, err := harness(t, dir, payload, "hook", "pre-tool-use")
	if err != nil {
		t.Fatalf("hook failed: %v", err)
	}
	var resp struct {
		HookSpecificOutput struct {
			HookEventName      string `json:"hookEventName"`
			PermissionDecision string `json:"permissionDecision"`
		} `json:"hookSpecificOutput"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid hook response %q: %v", out, err)
	}
	if resp.HookSpecificOutput.HookEventName != "PreToolUse" || resp.HookSpecificOutput.PermissionDecision != "deny" {
		t.Errorf("unexpected response %s", out)
	}
}

func TestHookSessionStartRecordsSession(t *testing.T) {
	dir := newProject(t)
	harness(t, dir, "", "init")

	out, err := harness(t, dir, `{"session_id":"host-42","cwd":"/elsewhere"}`, "hook", "session-start")
	if err != nil {
		t.Fatalf("hook failed: %v", err)
	}
	if !strings.Contains(out, "Session #2") {
		t.Errorf("session-start context = %q", out)
	}
	st, err := session.Load(store.New(dir, store.DefaultConfig()))
	if err != nil {
		t.Fatal(err)
	}
	if st.Latest().HostSessionID != "host-42" {
		t.Errorf("host session id not recorded: %+v", st.Latest())
	}
}

func TestInstallRegistersHooks(t *testing.T) {
	dir := newProject(t)

	if _, err := harness(t, dir, "", "install", "--binary", "/opt/bin/harness"); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, store.StateDirName, claude.SettingsFile))
	if err != nil {
		t.Fatalf("settings not written: %v", err)
	}
	if !strings.Contains(string(data), "/opt/bin/harness hook stop") {
		t.Errorf("stop hook missing from settings:\n%s", data)
	}

	missing, err := claude.MissingHooks(store.New(dir, store.DefaultConfig()))
	if err != nil || len(missing) != 0 {
		t.Errorf("missing after install: %v (err %v)", missing, err)
	}

	if _, err := harness(t, dir, "", "install", "--binary", "/opt/bin/harness"); err != nil {
		t.Fatalf("second install failed: %v", err)
	}
	again, _ := os.ReadFile(filepath.Join(dir, store.StateDirName, claude.SettingsFile))
	if string(again) != string(data) {
		t.Error("second install rewrote settings")
	}
}
