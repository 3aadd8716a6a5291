package tracker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/harness/internal/store"
)

type call struct {
	name string
	args []string
}

// fakeBD answers bd invocations from a table keyed by the joined argument list.
type fakeBD struct {
	calls   []call
	outputs map[string]string
	errs    map[string]error
}

func (f *fakeBD) exec(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{name, args})
	key := strings.Join(args, " ")
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	return []byte(f.outputs[key]), nil
}

func newBeads(f *fakeBD) *Beads {
	return &Beads{
		Path:     "bd",
		Exec:     f.exec,
		LookPath: func(p string) (string, error) { return "/usr/bin/" + p, nil },
	}
}

func TestCreateParsesID(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   string
		err    bool
	}{
		{"created prefix", "✓ Created: bd-a1b2\n", "bd-a1b2", false},
		{"lowercase", "issue created: bd-9", "bd-9", false},
		{"bare id", "bd-42\n", "bd-42", false},
		{"unrecognized", "something went sideways", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeBD{outputs: map[string]string{
				"create --title Login flow -t feature -p 2": tc.output,
			}}
			id, err := newBeads(f).Create(context.Background(), "Login flow")
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, id)
		})
	}
}

func TestMutationArgumentShapes(t *testing.T) {
	f := &fakeBD{}
	b := newBeads(f)
	ctx := context.Background()

	require.NoError(t, b.UpdateStatus(ctx, "bd-1", "in_progress"))
	require.NoError(t, b.Close(ctx, "bd-1", "Feature auth verified"))
	require.NoError(t, b.Comment(ctx, "bd-1", "Session ended."))

	require.Len(t, f.calls, 3)
	assert.Equal(t, []string{"update", "bd-1", "--status", "in_progress"}, f.calls[0].args)
	assert.Equal(t, []string{"close", "bd-1", "--reason", "Feature auth verified"}, f.calls[1].args)
	assert.Equal(t, []string{"comments", "add", "bd-1", "Session ended."}, f.calls[2].args)
}

func TestCurrent(t *testing.T) {
	f := &fakeBD{outputs: map[string]string{
		"current -q": "bd-7\n",
		"show bd-7":  "ID: bd-7\nTitle: Wire login page\nStatus: in_progress\nPriority: 2\n",
	}}
	task, err := newBeads(f).Current(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, Task{ID: "bd-7", Title: "Wire login page", Status: "in_progress"}, *task)
}

func TestCurrentNone(t *testing.T) {
	f := &fakeBD{outputs: map[string]string{"current -q": ""}}
	task, err := newBeads(f).Current(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestCurrentShowFails(t *testing.T) {
	f := &fakeBD{
		outputs: map[string]string{"current -q": "bd-7"},
		errs:    map[string]error{"show bd-7": errors.New("exit status 1")},
	}
	task, err := newBeads(f).Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Task{ID: "bd-7", Status: "unknown"}, task)
}

func TestHasActive(t *testing.T) {
	key := "list --status in_progress --json"
	cases := []struct {
		output string
		want   bool
		err    bool
	}{
		{`[{"id":"bd-1"}]`, true, false},
		{`[]`, false, false},
		{``, false, false},
		{`not json`, false, true},
	}
	for _, tc := range cases {
		f := &fakeBD{outputs: map[string]string{key: tc.output}}
		got, err := newBeads(f).HasActive(context.Background())
		if tc.err {
			assert.Error(t, err, tc.output)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.output)
	}
}

func TestReady(t *testing.T) {
	f := &fakeBD{outputs: map[string]string{"ready": "No ready tasks"}}
	out, err := newBeads(f).Ready(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMissingBinary(t *testing.T) {
	f := &fakeBD{}
	b := newBeads(f)
	b.LookPath = func(string) (string, error) { return "", errors.New("not found") }

	_, err := b.Create(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, f.calls, "binary should not be invoked")
}

func TestTimeout(t *testing.T) {
	b := newBeads(&fakeBD{})
	b.QueryTimeout = 10 * time.Millisecond
	b.Exec = func(ctx context.Context, _ string, _ ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	_, err := b.Current(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewRespectsConfig(t *testing.T) {
	cfg := store.DefaultConfig().Tracker
	assert.IsType(t, &Beads{}, New(cfg, nil))

	cfg.Enabled = false
	tr := New(cfg, nil)
	assert.IsType(t, Nop{}, tr)
	_, err := tr.Create(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}
