package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kokistudios/harness/internal/store"
)

// ErrUnavailable is returned when the tracker CLI is missing or disabled.
var ErrUnavailable = errors.New("task tracker unavailable")

// Task is a tracker record as reported by the CLI.
type Task struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Tracker mirrors feature lifecycle events into an external issue tracker.
// Every call is best-effort; callers log failures and move on.
type Tracker interface {
	Create(ctx context.Context, title string) (string, error)
	UpdateStatus(ctx context.Context, id, status string) error
	Close(ctx context.Context, id, reason string) error
	// Current returns the active task, or nil when there is none.
	Current(ctx context.Context) (*Task, error)
	Show(ctx context.Context, id string) (*Task, error)
	Comment(ctx context.Context, id, message string) error
	HasActive(ctx context.Context) (bool, error)
	Ready(ctx context.Context) (string, error)
}

// ExecFunc runs name with args and returns its stdout.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Beads drives the bd CLI as a subprocess.
type Beads struct {
	Path         string
	Timeout      time.Duration // mutations
	QueryTimeout time.Duration // reads
	Logger       *log.Logger
	Exec         ExecFunc
	LookPath     func(string) (string, error)
}

// New returns the tracker selected by cfg: a Beads client when enabled,
// otherwise Nop.
func New(cfg store.TrackerConfig, logger *log.Logger) Tracker {
	if !cfg.Enabled {
		return Nop{}
	}
	return &Beads{
		Path:         cfg.Path,
		Timeout:      cfg.Timeout,
		QueryTimeout: cfg.QueryTimeout,
		Logger:       logger,
	}
}

var createdRe = regexp.MustCompile(`(?:Created|created):\s*(\S+)`)

// Create opens a feature task and returns its id.
func (b *Beads) Create(ctx context.Context, title string) (string, error) {
	out, err := b.run(ctx, b.Timeout, "create", "--title", title, "-t", "feature", "-p", "2")
	if err != nil {
		return "", err
	}
	if m := createdRe.FindStringSubmatch(out); m != nil {
		return m[1], nil
	}
	if out != "" && !strings.ContainsAny(out, " \t\n") {
		return out, nil
	}
	return "", fmt.Errorf("unrecognized bd create output: %q", out)
}

// UpdateStatus sets a task's status.
func (b *Beads) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := b.run(ctx, b.Timeout, "update", id, "--status", status)
	return err
}

// Close closes a task with a reason.
func (b *Beads) Close(ctx context.Context, id, reason string) error {
	_, err := b.run(ctx, b.Timeout, "close", id, "--reason", reason)
	return err
}

// Current returns the task the user is working on, if any.
func (b *Beads) Current(ctx context.Context) (*Task, error) {
	id, err := b.run(ctx, b.QueryTimeout, "current", "-q")
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	task, err := b.Show(ctx, id)
	if err != nil {
		b.logger().Debug("bd show failed", "id", id, "err", err)
		return &Task{ID: id, Status: "unknown"}, nil
	}
	return task, nil
}

var (
	titleRe  = regexp.MustCompile(`Title:\s*(.+)`)
	statusRe = regexp.MustCompile(`Status:\s*(\w+)`)
)

// Show fetches a task's title and status.
func (b *Beads) Show(ctx context.Context, id string) (*Task, error) {
	out, err := b.run(ctx, b.QueryTimeout, "show", id)
	if err != nil {
		return nil, err
	}
	return parseShow(id, out), nil
}

func parseShow(id, out string) *Task {
	t := &Task{ID: id, Status: "unknown"}
	if m := titleRe.FindStringSubmatch(out); m != nil {
		t.Title = strings.TrimSpace(m[1])
	}
	if m := statusRe.FindStringSubmatch(out); m != nil {
		t.Status = m[1]
	}
	return t
}

// Comment appends a comment to a task.
func (b *Beads) Comment(ctx context.Context, id, message string) error {
	_, err := b.run(ctx, b.Timeout, "comments", "add", id, message)
	return err
}

// HasActive reports whether any task is in progress.
func (b *Beads) HasActive(ctx context.Context) (bool, error) {
	out, err := b.run(ctx, b.Timeout, "list", "--status", "in_progress", "--json")
	if err != nil {
		return false, err
	}
	if out == "" {
		return false, nil
	}
	var tasks []json.RawMessage
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		return false, fmt.Errorf("unrecognized bd list output: %w", err)
	}
	return len(tasks) > 0, nil
}

// Ready returns the tracker's ready-work listing, or "" when nothing is ready.
func (b *Beads) Ready(ctx context.Context) (string, error) {
	out, err := b.run(ctx, b.Timeout, "ready")
	if err != nil {
		return "", err
	}
	if out == "No ready tasks" {
		return "", nil
	}
	return out, nil
}

func (b *Beads) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	path := b.Path
	if path == "" {
		path = "bd"
	}
	lookPath := b.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if _, err := lookPath(path); err != nil {
		b.logger().Debug("tracker CLI not found", "path", path)
		return "", fmt.Errorf("%s: %w", path, ErrUnavailable)
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := b.Exec
	if run == nil {
		run = execOutput
	}
	out, err := run(ctx, path, args...)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())
		}
		b.logger().Debug("tracker call failed", "args", args, "err", err)
		return "", fmt.Errorf("bd %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (b *Beads) logger() *log.Logger {
	if b.Logger == nil {
		return log.New(io.Discard)
	}
	return b.Logger
}

func execOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}

// Nop is the tracker used when tracker integration is disabled.
type Nop struct{}

func (Nop) Create(context.Context, string) (string, error)   { return "", ErrUnavailable }
func (Nop) UpdateStatus(context.Context, string, string) error { return ErrUnavailable }
func (Nop) Close(context.Context, string, string) error        { return ErrUnavailable }
func (Nop) Current(context.Context) (*Task, error)             { return nil, ErrUnavailable }
func (Nop) Show(context.Context, string) (*Task, error)        { return nil, ErrUnavailable }
func (Nop) Comment(context.Context, string, string) error      { return ErrUnavailable }
func (Nop) HasActive(context.Context) (bool, error)            { return false, ErrUnavailable }
func (Nop) Ready(context.Context) (string, error)              { return "", ErrUnavailable }
