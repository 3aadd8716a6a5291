package gate

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/harness/internal/feature"
	"github.com/kokistudios/harness/internal/session"
	"github.com/kokistudios/harness/internal/store"
)

func setup(t *testing.T, initialized bool, statuses map[string]feature.Status, order ...string) *store.Store {
	t.Helper()
	s := store.New(t.TempDir(), store.DefaultConfig())
	if initialized {
		_, err := session.Create(context.Background(), s)
		require.NoError(t, err)
	}
	if len(order) == 0 {
		return s
	}
	l := feature.NewList(nil)
	for _, id := range order {
		_, err := l.Add(id, "desc "+id, "")
		require.NoError(t, err)
		l.UpdateStatus(id, statuses[id], "output for "+id)
	}
	require.NoError(t, feature.Save(s, l))
	return s
}

func TestUninitializedAllows(t *testing.T) {
	s := setup(t, false, map[string]feature.Status{"auth": feature.StatusImplemented}, "auth")
	res := Evaluate(s, nil)
	assert.True(t, res.Allow)
}

func TestNoRegistryAllows(t *testing.T) {
	s := setup(t, true, nil)
	assert.True(t, Evaluate(s, nil).Allow)
}

func TestCorruptRegistryAllows(t *testing.T) {
	s := setup(t, true, nil)
	require.NoError(t, os.WriteFile(s.Path(store.FeaturesFile), []byte("{broken"), 0644))
	assert.True(t, Evaluate(s, nil).Allow)
}

func TestImplementedBlocksUntilVerified(t *testing.T) {
	s := setup(t, true, map[string]feature.Status{"auth": feature.StatusImplemented}, "auth")

	res := Evaluate(s, nil)
	require.False(t, res.Allow)
	assert.Equal(t, "Unverified features detected", res.Reason)
	assert.Contains(t, res.Context, "**auth**")
	assert.Contains(t, res.Context, "harness feature update auth verified")
	assert.Equal(t, []string{"auth"}, res.Features)

	r := feature.NewRegistry(s, nil, nil)
	_, err := r.UpdateStatus(context.Background(), "auth", feature.StatusVerified, "ok")
	require.NoError(t, err)
	assert.True(t, Evaluate(s, nil).Allow)
}

func TestImplementedListCapped(t *testing.T) {
	statuses := map[string]feature.Status{}
	var order []string
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("f%d", i)
		statuses[id] = feature.StatusImplemented
		order = append(order, id)
	}
	s := setup(t, true, statuses, order...)

	res := Evaluate(s, nil)
	require.False(t, res.Allow)
	assert.Contains(t, res.Context, "**7 feature(s) implemented but not verified:**")
	assert.Contains(t, res.Context, "**f4**")
	assert.NotContains(t, res.Context, "**f5**")
	assert.Contains(t, res.Context, "... and 2 more")
}

func TestImplementedReportedBeforeFailed(t *testing.T) {
	s := setup(t, true, map[string]feature.Status{
		"a": feature.StatusFailed,
		"b": feature.StatusImplemented,
	}, "a", "b")

	res := Evaluate(s, nil)
	require.False(t, res.Allow)
	assert.Equal(t, "Unverified features detected", res.Reason)
	assert.Equal(t, []string{"b"}, res.Features)
	assert.NotContains(t, res.Context, "failed verification")
}

func TestFailedBlocks(t *testing.T) {
	s := setup(t, true, map[string]feature.Status{
		"a": feature.StatusFailed,
		"b": feature.StatusVerified,
		"c": feature.StatusFailed,
	}, "a", "b", "c")

	res := Evaluate(s, nil)
	require.False(t, res.Allow)
	assert.Equal(t, "Failed verifications detected", res.Reason)
	assert.Equal(t, []string{"a", "c"}, res.Features)
	assert.Contains(t, res.Context, "  - **a**: output for a")
	assert.Contains(t, res.Context, "harness feature update a in_progress")
}

func TestFailedOutputTruncated(t *testing.T) {
	s := setup(t, true, nil)
	l := feature.NewList(nil)
	l.Add("long", "", "")
	l.UpdateStatus("long", feature.StatusFailed, strings.Repeat("x", 500))
	require.NoError(t, feature.Save(s, l))

	res := Evaluate(s, nil)
	require.False(t, res.Allow)
	for _, line := range strings.Split(res.Context, "\n") {
		if strings.HasPrefix(line, "  - **long**") {
			assert.Len(t, line, maxFailedLineLen)
			return
		}
	}
	t.Fatalf("failed feature line not found:\n%s", res.Context)
}

func TestAllVerifiedAllows(t *testing.T) {
	s := setup(t, true, map[string]feature.Status{
		"a": feature.StatusVerified,
		"b": feature.StatusPending,
	}, "a", "b")
	assert.True(t, Evaluate(s, nil).Allow)
}

func TestLegacyDocumentsBlock(t *testing.T) {
	s := store.New(t.TempDir(), store.DefaultConfig())
	harness := `{
  "version": "1.0.0",
  "created": "2025-01-03T12:34:56.789012",
  "project_type": null,
  "initialized": true,
  "sessions": [{"id": 1, "started": "2025-01-03T12:34:56.789100", "type": "initializer"}]
}`
	features := `{
  "version": "1.0.0",
  "created": "2025-01-03T12:34:56.789012",
  "updated": "2025-01-03T12:34:56.789012",
  "features": [{"id": "auth", "description": "Login", "status": "implemented",
    "verification": null, "beads_id": null, "last_verified": null, "verification_output": null}]
}`
	require.NoError(t, s.WriteFile(store.HarnessFile, []byte(harness), 0644))
	require.NoError(t, s.WriteFile(store.FeaturesFile, []byte(features), 0644))

	res := Evaluate(s, nil)
	require.False(t, res.Allow)
	assert.Contains(t, res.Context, "auth")
}
