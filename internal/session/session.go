package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kokistudios/harness/internal/store"
)

// StateVersion is written to new harness-state documents.
const StateVersion = "1.0.0"

// ErrAlreadyInitialized is returned by Create when harness state exists
// and force was not requested.
var ErrAlreadyInitialized = errors.New("harness already initialized")

type Kind string

const (
	KindInitializer Kind = "initializer"
	KindCoding      Kind = "coding"
)

// Session is one agent invocation against the project.
type Session struct {
	ID            int       `json:"id"`
	Started       time.Time `json:"started"`
	Kind          Kind      `json:"type"`
	HostSessionID string    `json:"host_session_id,omitempty"`
}

// UnmarshalJSON accepts a zone-less started stamp.
func (ss *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	aux := struct {
		*plain
		Started store.Timestamp `json:"started"`
	}{plain: (*plain)(ss)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	ss.Started = aux.Started.Time
	return nil
}

// State is the harness-state document.
type State struct {
	Version     string      `json:"version"`
	Created     time.Time   `json:"created"`
	ProjectType ProjectType `json:"project_type,omitempty"`
	Initialized bool        `json:"initialized"`
	Sessions    []Session   `json:"sessions"`
}

// UnmarshalJSON accepts a zone-less created stamp.
func (st *State) UnmarshalJSON(data []byte) error {
	type plain State
	aux := struct {
		*plain
		Created store.Timestamp `json:"created"`
	}{plain: (*plain)(st)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	st.Created = aux.Created.Time
	return nil
}

// Latest returns the most recent session, or nil.
func (st *State) Latest() *Session {
	if len(st.Sessions) == 0 {
		return nil
	}
	return &st.Sessions[len(st.Sessions)-1]
}

type createConfig struct {
	force         bool
	hostSessionID string
}

type CreateOption func(*createConfig)

// WithForce overwrites existing harness state.
func WithForce() CreateOption {
	return func(c *createConfig) { c.force = true }
}

// WithHostSession records the host runtime's session id on the first session.
func WithHostSession(id string) CreateOption {
	return func(c *createConfig) { c.hostSessionID = id }
}

// IsFirstSession reports whether no harness state exists yet.
func IsFirstSession(s *store.Store) bool {
	return !s.Exists(store.HarnessFile)
}

// IsInitialized reports whether harness state exists and is marked initialized.
func IsInitialized(s *store.Store) bool {
	st, err := Load(s)
	return err == nil && st.Initialized
}

// Load reads the harness-state document.
func Load(s *store.Store) (*State, error) {
	var st State
	if err := s.ReadJSON(store.HarnessFile, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Create writes initial harness state with a single initializer session.
func Create(ctx context.Context, s *store.Store, opts ...CreateOption) (*State, error) {
	var cfg createConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	unlock, err := s.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !cfg.force && !IsFirstSession(s) {
		return nil, fmt.Errorf("%w: %s exists (use --force to overwrite)", ErrAlreadyInitialized, s.Path(store.HarnessFile))
	}

	now := time.Now().UTC()
	st := &State{
		Version:     StateVersion,
		Created:     now,
		ProjectType: DetectProjectType(s.Root),
		Initialized: true,
		Sessions: []Session{{
			ID:            1,
			Started:       now,
			Kind:          KindInitializer,
			HostSessionID: cfg.hostSessionID,
		}},
	}
	if err := s.WriteJSON(store.HarnessFile, st); err != nil {
		return nil, err
	}
	return st, nil
}

// RecordSession appends a coding session and returns its id. It returns 1
// when no state exists. When the state cannot be read or written the id
// is still returned alongside the error so session start is never blocked.
func RecordSession(ctx context.Context, s *store.Store, hostSessionID string) (int, error) {
	if IsFirstSession(s) {
		return 1, nil
	}

	unlock, err := s.Lock(ctx)
	if err != nil {
		return SessionCount(s) + 1, err
	}
	defer unlock()

	st, err := Load(s)
	if err != nil {
		return 1, err
	}

	id := len(st.Sessions) + 1
	st.Sessions = append(st.Sessions, Session{
		ID:            id,
		Started:       time.Now().UTC(),
		Kind:          KindCoding,
		HostSessionID: hostSessionID,
	})
	if err := s.WriteJSON(store.HarnessFile, st); err != nil {
		return id, err
	}
	return id, nil
}

// SessionCount returns the number of recorded sessions, 0 when state is
// absent or unreadable.
func SessionCount(s *store.Store) int {
	st, err := Load(s)
	if err != nil {
		return 0
	}
	return len(st.Sessions)
}

// InitScript renders the init-session.sh bootstrap script for the project.
func InitScript(projectDir string) string {
	lines := []string{
		"#!/bin/bash",
		"# Generated by harness",
		"# Regenerate with: harness init --script",
		"",
		"set -e",
		"",
		`PROJECT_DIR="$(dirname "$0")/.."`,
		"",
		"# 1. Change to project directory",
		`cd "$PROJECT_DIR"`,
		"",
		"# 2. Load environment if available",
		"source .env 2>/dev/null || true",
		"",
	}
	if cmds := StartupCommands(projectDir); len(cmds) > 0 {
		lines = append(lines, "# 3. Dependencies and build")
		lines = append(lines, cmds...)
		lines = append(lines, "")
	}
	lines = append(lines, `echo "✓ Session ready"`, "")
	return strings.Join(lines, "\n")
}

// WriteInitScript writes the bootstrap script into the state directory and
// returns its path.
func WriteInitScript(s *store.Store) (string, error) {
	if err := s.WriteFile(store.InitScript, []byte(InitScript(s.Root)), 0755); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", store.InitScript, err)
	}
	return s.Path(store.InitScript), nil
}
