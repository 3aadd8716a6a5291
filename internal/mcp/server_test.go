package mcp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kokistudios/harness/internal/checkpoint"
	"github.com/kokistudios/harness/internal/feature"
	"github.com/kokistudios/harness/internal/session"
	"github.com/kokistudios/harness/internal/store"
)

func setupServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	s := store.New(root, store.DefaultConfig())
	if _, err := session.Create(context.Background(), s); err != nil {
		t.Fatalf("session.Create failed: %v", err)
	}
	return NewServer(feature.NewRegistry(s, nil, nil), "test", nil)
}

func TestFeatureAddAndList(t *testing.T) {
	srv := setupServer(t)
	ctx := context.Background()

	_, out, err := srv.handleFeatureAdd(ctx, nil, FeatureAddArgs{ID: "auth-login", Description: "Login"})
	if err != nil {
		t.Fatalf("handleFeatureAdd failed: %v", err)
	}
	added := out.(FeatureAddResult)
	if added.Feature.Status != "pending" {
		t.Errorf("status = %q, want pending", added.Feature.Status)
	}
	if added.Feature.Verification != "go test ./... -run AuthLogin" {
		t.Errorf("verification = %q", added.Feature.Verification)
	}

	if _, _, err := srv.handleFeatureAdd(ctx, nil, FeatureAddArgs{ID: "auth-login"}); err == nil {
		t.Error("expected duplicate id to fail")
	}
	if _, _, err := srv.handleFeatureAdd(ctx, nil, FeatureAddArgs{}); err == nil {
		t.Error("expected empty id to fail")
	}

	_, out, err = srv.handleFeatures(ctx, nil, FeaturesArgs{})
	if err != nil {
		t.Fatalf("handleFeatures failed: %v", err)
	}
	if got := out.(FeaturesResult).Features; len(got) != 1 || got[0].ID != "auth-login" {
		t.Errorf("features = %+v", got)
	}

	_, out, _ = srv.handleFeatures(ctx, nil, FeaturesArgs{Status: "verified"})
	if res := out.(FeaturesResult); len(res.Features) != 0 || res.Message == "" {
		t.Errorf("verified filter = %+v", res)
	}

	if _, _, err := srv.handleFeatures(ctx, nil, FeaturesArgs{Status: "done"}); err == nil {
		t.Error("expected invalid status filter to fail")
	}
}

func TestFeatureUpdateFlow(t *testing.T) {
	srv := setupServer(t)
	ctx := context.Background()
	srv.handleFeatureAdd(ctx, nil, FeatureAddArgs{ID: "a", Description: "A", Verification: "make test"})

	_, out, err := srv.handleFeatureUpdate(ctx, nil, FeatureUpdateArgs{ID: "a", Status: "in-progress"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if res := out.(FeatureUpdateResult); res.From != "pending" || res.Feature.Status != "in_progress" {
		t.Errorf("unexpected result %+v", res)
	}

	_, out, _ = srv.handleFeatureUpdate(ctx, nil, FeatureUpdateArgs{ID: "a", Status: "implemented"})
	if msg := out.(FeatureUpdateResult).Message; !strings.Contains(msg, "make test") {
		t.Errorf("implemented message should name the verification command: %q", msg)
	}

	_, out, _ = srv.handleStatus(ctx, nil, StatusArgs{})
	st := out.(StatusResult)
	if !st.GateBlocked || st.GateReason != "Unverified features detected" {
		t.Errorf("gate should block on implemented feature: %+v", st)
	}

	_, out, _ = srv.handleFeatureUpdate(ctx, nil, FeatureUpdateArgs{ID: "a", Status: "verified", Output: "ok 1 passed"})
	res := out.(FeatureUpdateResult)
	if res.Feature.Output != "ok 1 passed" || res.Feature.LastVerified == "" {
		t.Errorf("verification not recorded: %+v", res.Feature)
	}

	_, out, _ = srv.handleStatus(ctx, nil, StatusArgs{})
	st = out.(StatusResult)
	if st.GateBlocked || st.Counts["verified"] != 1 || st.Total != 1 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestFeatureUpdateErrors(t *testing.T) {
	srv := setupServer(t)
	ctx := context.Background()

	if _, _, err := srv.handleFeatureUpdate(ctx, nil, FeatureUpdateArgs{ID: "missing", Status: "verified"}); err == nil {
		t.Error("expected unknown id to fail")
	}
	if _, _, err := srv.handleFeatureUpdate(ctx, nil, FeatureUpdateArgs{ID: "missing", Status: "bogus"}); err == nil {
		t.Error("expected invalid status to fail")
	}
}

func TestNext(t *testing.T) {
	srv := setupServer(t)
	ctx := context.Background()

	_, out, _ := srv.handleNext(ctx, nil, NextArgs{})
	if res := out.(NextResult); res.Feature != nil {
		t.Errorf("expected no next feature, got %+v", res.Feature)
	}

	srv.handleFeatureAdd(ctx, nil, FeatureAddArgs{ID: "a", Description: "A"})
	srv.handleFeatureAdd(ctx, nil, FeatureAddArgs{ID: "b", Description: "B"})
	srv.handleFeatureUpdate(ctx, nil, FeatureUpdateArgs{ID: "b", Status: "in_progress"})

	_, out, _ = srv.handleNext(ctx, nil, NextArgs{})
	res := out.(NextResult)
	if res.Feature == nil || res.Feature.ID != "b" {
		t.Fatalf("next = %+v, want b", res.Feature)
	}
	if !strings.Contains(res.Message, "Continue") {
		t.Errorf("message = %q", res.Message)
	}
}

func TestCheckpointLatest(t *testing.T) {
	srv := setupServer(t)
	ctx := context.Background()

	_, out, err := srv.handleCheckpointLatest(ctx, nil, CheckpointLatestArgs{})
	if err != nil {
		t.Fatalf("handleCheckpointLatest failed: %v", err)
	}
	if res := out.(CheckpointLatestResult); res.Name != "" || res.Message == "" {
		t.Errorf("expected empty result, got %+v", res)
	}

	w := checkpoint.NewWriter(srv.store.CheckpointDir(), nil)
	path, err := w.Write(checkpoint.TypeManual, []checkpoint.FileChange{{Path: "main.go", Action: checkpoint.ActionModified}}, nil)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	_, out, err = srv.handleCheckpointLatest(ctx, nil, CheckpointLatestArgs{})
	if err != nil {
		t.Fatalf("handleCheckpointLatest failed: %v", err)
	}
	res := out.(CheckpointLatestResult)
	if res.Name != filepath.Base(path) || res.Type != "Manual" {
		t.Errorf("unexpected checkpoint %+v", res)
	}
	if !strings.Contains(res.Body, "main.go") {
		t.Errorf("body missing file list: %q", res.Body)
	}
}
