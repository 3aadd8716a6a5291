package notify

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyCritical Urgency = "critical"
)

// expireMillis maps urgency to notify-send expiry; critical stays until dismissed.
var expireMillis = map[Urgency]int{
	UrgencyCritical: 0,
	UrgencyNormal:   10000,
	UrgencyLow:      5000,
}

const sendTimeout = time.Second

// Notifier delivers desktop notifications. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, title, message string, urgency Urgency) error
}

// New returns a Desktop notifier, or Nop when disabled.
func New(enabled bool, logger *log.Logger) Notifier {
	if !enabled {
		return Nop{}
	}
	return &Desktop{Logger: logger}
}

// Desktop sends notifications through notify-send on Linux and osascript
// on macOS.
type Desktop struct {
	Logger   *log.Logger
	GOOS     string
	Run      func(ctx context.Context, name string, args ...string) error
	LookPath func(string) (string, error)
}

func (d *Desktop) Notify(ctx context.Context, title, message string, urgency Urgency) error {
	name, args := d.command(title, message, urgency)
	if name == "" {
		return nil
	}

	lookPath := d.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if _, err := lookPath(name); err != nil {
		d.logger().Debug("notifier not found", "binary", name)
		return fmt.Errorf("%s not found: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	run := d.Run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		}
	}
	if err := run(ctx, name, args...); err != nil {
		d.logger().Debug("notification failed", "binary", name, "err", err)
		return err
	}
	return nil
}

func (d *Desktop) command(title, message string, urgency Urgency) (string, []string) {
	goos := d.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	switch goos {
	case "darwin":
		script := `display notification "` + escapeAppleScript(message) + `" with title "` + escapeAppleScript(title) + `"`
		return "osascript", []string{"-e", script}
	case "linux", "freebsd", "openbsd", "netbsd":
		expire, ok := expireMillis[urgency]
		if !ok {
			urgency, expire = UrgencyNormal, expireMillis[UrgencyNormal]
		}
		return "notify-send", []string{
			"-u", string(urgency),
			"-t", strconv.Itoa(expire),
			"-a", "harness",
			title, message,
		}
	}
	return "", nil
}

func (d *Desktop) logger() *log.Logger {
	if d.Logger == nil {
		return log.New(io.Discard)
	}
	return d.Logger
}

func escapeAppleScript(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, string, string, Urgency) error { return nil }
