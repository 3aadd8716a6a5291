package notify

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestNotifySendArgs(t *testing.T) {
	var gotName string
	var gotArgs []string
	d := &Desktop{
		GOOS:     "linux",
		LookPath: func(p string) (string, error) { return p, nil },
		Run: func(_ context.Context, name string, args ...string) error {
			gotName, gotArgs = name, args
			return nil
		},
	}

	if err := d.Notify(context.Background(), "Verification Required", "2 features", UrgencyCritical); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	want := []string{"-u", "critical", "-t", "0", "-a", "harness", "Verification Required", "2 features"}
	if gotName != "notify-send" || !reflect.DeepEqual(gotArgs, want) {
		t.Errorf("got %s %v, want notify-send %v", gotName, gotArgs, want)
	}

	d.Notify(context.Background(), "t", "m", Urgency("weird"))
	if gotArgs[1] != "normal" || gotArgs[3] != "10000" {
		t.Errorf("unknown urgency should fall back to normal, got %v", gotArgs)
	}
}

func TestOsascriptEscaping(t *testing.T) {
	var gotArgs []string
	d := &Desktop{
		GOOS:     "darwin",
		LookPath: func(p string) (string, error) { return p, nil },
		Run: func(_ context.Context, _ string, args ...string) error {
			gotArgs = args
			return nil
		},
	}
	d.Notify(context.Background(), `say "hi"`, `back\slash`, UrgencyLow)
	want := `display notification "back\\slash" with title "say \"hi\""`
	if len(gotArgs) != 2 || gotArgs[1] != want {
		t.Errorf("script = %v, want %q", gotArgs, want)
	}
}

func TestMissingBinary(t *testing.T) {
	called := false
	d := &Desktop{
		GOOS:     "linux",
		LookPath: func(string) (string, error) { return "", errors.New("not found") },
		Run:      func(context.Context, string, ...string) error { called = true; return nil },
	}
	if err := d.Notify(context.Background(), "t", "m", UrgencyNormal); err == nil {
		t.Error("expected error when notify-send is missing")
	}
	if called {
		t.Error("missing binary must not be run")
	}
}

func TestUnsupportedPlatform(t *testing.T) {
	d := &Desktop{GOOS: "plan9"}
	if err := d.Notify(context.Background(), "t", "m", UrgencyNormal); err != nil {
		t.Errorf("unsupported platform should be a silent no-op, got %v", err)
	}
}

func TestNew(t *testing.T) {
	if _, ok := New(false, nil).(Nop); !ok {
		t.Error("disabled notifications should use Nop")
	}
	if _, ok := New(true, nil).(*Desktop); !ok {
		t.Error("enabled notifications should use Desktop")
	}
}
