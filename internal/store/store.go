package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Well-known names inside the state directory.
const (
	StateDirName = ".claude"
	FeaturesFile = "features.json"
	HarnessFile  = "harness.json"
	ConfigFile   = "harness-config.yaml"
	LockFile     = ".harness.lock"
	InitScript   = "init-session.sh"
)

// FeaturesConfig holds feature registry behavior settings.
type FeaturesConfig struct {
	StrictTransitions bool `yaml:"strict_transitions" mapstructure:"strict_transitions"`
}

// TrackerConfig holds settings for the external task tracker CLI.
type TrackerConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	Path         string        `yaml:"path" mapstructure:"path"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	QueryTimeout time.Duration `yaml:"query_timeout" mapstructure:"query_timeout"`
	TaskGuard    TaskGuard     `yaml:"task_guard" mapstructure:"task_guard"`
}

// TaskGuard controls whether code edits require an active tracker task.
type TaskGuard string

const (
	// TaskGuardAuto enables the guard when the project has a .beads directory.
	TaskGuardAuto TaskGuard = "auto"
	TaskGuardOn   TaskGuard = "on"
	TaskGuardOff  TaskGuard = "off"
)

// ParseTaskGuard validates a task_guard value. Empty means auto.
func ParseTaskGuard(s string) (TaskGuard, error) {
	switch g := TaskGuard(strings.ToLower(strings.TrimSpace(s))); g {
	case "":
		return TaskGuardAuto, nil
	case TaskGuardAuto, TaskGuardOn, TaskGuardOff:
		return g, nil
	}
	return "", fmt.Errorf("tracker.task_guard must be auto, on or off (got %q)", s)
}

// CheckpointConfig holds checkpoint location and dedup settings.
type CheckpointConfig struct {
	Dir    string        `yaml:"dir" mapstructure:"dir"`
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age"`
}

// LockConfig holds advisory lock settings.
type LockConfig struct {
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// Config holds harness configuration.
type Config struct {
	Version        string           `yaml:"version" mapstructure:"version"`
	AutoSupervisor bool             `yaml:"auto_supervisor" mapstructure:"auto_supervisor"`
	Notifications  bool             `yaml:"notifications" mapstructure:"notifications"`
	Features       FeaturesConfig   `yaml:"features" mapstructure:"features"`
	Tracker        TrackerConfig    `yaml:"tracker" mapstructure:"tracker"`
	Checkpoint     CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Lock           LockConfig       `yaml:"lock" mapstructure:"lock"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Version:       "1",
		Notifications: true,
		Tracker: TrackerConfig{
			Enabled:      true,
			Path:         "bd",
			Timeout:      5 * time.Second,
			QueryTimeout: 2 * time.Second,
			TaskGuard:    TaskGuardAuto,
		},
		Checkpoint: CheckpointConfig{
			Dir:    filepath.Join(StateDirName, "checkpoints"),
			MaxAge: time.Hour,
		},
		Lock: LockConfig{
			Timeout: 3 * time.Second,
		},
	}
}

// configKeys lists every dot-path key accepted by SetConfigValue, in display order.
var configKeys = []string{
	"auto_supervisor",
	"notifications",
	"features.strict_transitions",
	"tracker.enabled",
	"tracker.path",
	"tracker.timeout",
	"tracker.query_timeout",
	"tracker.task_guard",
	"checkpoint.dir",
	"checkpoint.max_age",
	"lock.timeout",
}

// Store represents a project's harness state directory.
type Store struct {
	Root   string // project root
	Dir    string // <Root>/.claude
	Config Config
}

// Issue represents a health check finding.
type Issue struct {
	Severity string // "warning" or "error"
	Message  string
}

// ProjectDir returns the project root, respecting CLAUDE_PROJECT_DIR.
func ProjectDir() string {
	if d := os.Getenv("CLAUDE_PROJECT_DIR"); d != "" {
		return d
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// New returns a Store for root using cfg as-is. Nothing is read or created.
func New(root string, cfg Config) *Store {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Store{
		Root:   root,
		Dir:    filepath.Join(root, StateDirName),
		Config: cfg,
	}
}

// Open resolves the state directory for projectDir and loads its config.
// A missing state directory or config file is not an error.
func Open(projectDir string) (*Store, error) {
	s := New(projectDir, DefaultConfig())
	cfg, err := LoadConfig(s.Path(ConfigFile))
	if err != nil {
		return nil, err
	}
	s.Config = cfg
	return s, nil
}

// LoadConfig reads a harness config file layered over defaults and
// HARNESS_* environment overrides (e.g. HARNESS_TRACKER_ENABLED=false).
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix("HARNESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", filepath.Base(path), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", filepath.Base(path), err)
	}
	guard, err := ParseTaskGuard(string(cfg.Tracker.TaskGuard))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", filepath.Base(path), err)
	}
	cfg.Tracker.TaskGuard = guard
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("version", d.Version)
	v.SetDefault("auto_supervisor", d.AutoSupervisor)
	v.SetDefault("notifications", d.Notifications)
	v.SetDefault("features.strict_transitions", d.Features.StrictTransitions)
	v.SetDefault("tracker.enabled", d.Tracker.Enabled)
	v.SetDefault("tracker.path", d.Tracker.Path)
	v.SetDefault("tracker.timeout", d.Tracker.Timeout)
	v.SetDefault("tracker.query_timeout", d.Tracker.QueryTimeout)
	v.SetDefault("tracker.task_guard", string(d.Tracker.TaskGuard))
	v.SetDefault("checkpoint.dir", d.Checkpoint.Dir)
	v.SetDefault("checkpoint.max_age", d.Checkpoint.MaxAge)
	v.SetDefault("lock.timeout", d.Lock.Timeout)
}

// SaveConfig writes the current config to harness-config.yaml.
func (s *Store) SaveConfig() error {
	data, err := yaml.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := writeFileAtomic(s.Path(ConfigFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// SetConfigValue sets a config value by dot-path key (e.g. "tracker.path").
func (s *Store) SetConfigValue(key, value string) error {
	c := &s.Config
	var err error
	switch key {
	case "auto_supervisor":
		c.AutoSupervisor, err = parseBool(key, value)
	case "notifications":
		c.Notifications, err = parseBool(key, value)
	case "features.strict_transitions":
		c.Features.StrictTransitions, err = parseBool(key, value)
	case "tracker.enabled":
		c.Tracker.Enabled, err = parseBool(key, value)
	case "tracker.path":
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("tracker.path must not be empty")
		}
		c.Tracker.Path = value
	case "tracker.timeout":
		c.Tracker.Timeout, err = parseDuration(key, value)
	case "tracker.query_timeout":
		c.Tracker.QueryTimeout, err = parseDuration(key, value)
	case "tracker.task_guard":
		c.Tracker.TaskGuard, err = ParseTaskGuard(value)
	case "checkpoint.dir":
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("checkpoint.dir must not be empty")
		}
		c.Checkpoint.Dir = value
	case "checkpoint.max_age":
		c.Checkpoint.MaxAge, err = parseDuration(key, value)
	case "lock.timeout":
		c.Lock.Timeout, err = parseDuration(key, value)
	default:
		return fmt.Errorf("unknown config key: %s\nValid keys: %s", key, strings.Join(configKeys, ", "))
	}
	if err != nil {
		return err
	}
	return s.SaveConfig()
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", key)
	}
	return b, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration (e.g. 5s, 1h)", key)
	}
	return d, nil
}

// Path resolves a path within the state directory.
func (s *Store) Path(parts ...string) string {
	all := append([]string{s.Dir}, parts...)
	return filepath.Join(all...)
}

// Exists reports whether a document exists in the state directory.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// CheckpointDir returns the absolute checkpoint directory.
func (s *Store) CheckpointDir() string {
	if filepath.IsAbs(s.Config.Checkpoint.Dir) {
		return s.Config.Checkpoint.Dir
	}
	return filepath.Join(s.Root, s.Config.Checkpoint.Dir)
}

// CheckHealth verifies state directory integrity.
func (s *Store) CheckHealth() []Issue {
	var issues []Issue

	info, err := os.Stat(s.Dir)
	if err != nil {
		return append(issues, Issue{"warning", fmt.Sprintf("harness not initialized: %s does not exist", s.Dir)})
	}
	if !info.IsDir() {
		return append(issues, Issue{"error", fmt.Sprintf("expected directory but found file: %s", s.Dir)})
	}

	if data, err := os.ReadFile(s.Path(ConfigFile)); err == nil {
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			issues = append(issues, Issue{"error", fmt.Sprintf("%s is not valid YAML: %v", ConfigFile, err)})
		}
	}

	for _, name := range []string{HarnessFile, FeaturesFile} {
		data, err := os.ReadFile(s.Path(name))
		if err != nil {
			if name == HarnessFile {
				issues = append(issues, Issue{"warning", fmt.Sprintf("missing %s (run 'harness init')", name)})
			}
			continue
		}
		var raw map[string]interface{}
		if err := json.Unmarshal(data, &raw); err != nil {
			issues = append(issues, Issue{"error", fmt.Sprintf("%s is corrupt: %v", name, err)})
		}
	}

	if info, err := os.Stat(s.CheckpointDir()); err == nil && !info.IsDir() {
		issues = append(issues, Issue{"error", fmt.Sprintf("checkpoint path is not a directory: %s", s.CheckpointDir())})
	}

	return issues
}
