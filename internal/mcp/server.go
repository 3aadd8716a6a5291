package mcp

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kokistudios/harness/internal/checkpoint"
	"github.com/kokistudios/harness/internal/feature"
	"github.com/kokistudios/harness/internal/gate"
	"github.com/kokistudios/harness/internal/session"
	"github.com/kokistudios/harness/internal/store"
)

// Server exposes the feature registry to agents over MCP.
type Server struct {
	store    *store.Store
	registry *feature.Registry
	logger   *log.Logger
	server   *mcp.Server
}

// NewServer creates a harness MCP server backed by reg.
func NewServer(reg *feature.Registry, version string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	s := &Server{store: reg.Store, registry: reg, logger: logger}

	impl := &mcp.Implementation{
		Name:    "harness",
		Version: version,
	}

	s.server = mcp.NewServer(impl, nil)
	s.registerTools()

	return s
}

// Run starts the MCP server on stdio.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "harness_status",
		Description: "Summarize the verification harness for this project: session count, feature counts per status, " +
			"the next feature to work on, and whether the stop gate would currently block. " +
			"PROACTIVE USE: call this at the start of a session before picking up work.",
	}, s.handleStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "harness_features",
		Description: "List registered features in priority order. Optional status filter (pending, in_progress, implemented, verified, failed).",
	}, s.handleFeatures)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "harness_feature_add",
		Description: "Register a new pending feature. The id must be unique (e.g. 'auth-login'). " +
			"If verification is omitted, a test command is derived from the project type.",
	}, s.handleFeatureAdd)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "harness_feature_update",
		Description: "Move a feature to a new status. Use 'verified' or 'failed' ONLY after running the verification " +
			"command, and pass its output. The session cannot end while features are implemented but unverified.",
	}, s.handleFeatureUpdate)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "harness_next",
		Description: "Return the next feature to work on: in-progress first, then pending, then implemented awaiting verification.",
	}, s.handleNext)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "harness_checkpoint_latest",
		Description: "Return the most recent checkpoint (task, modified files, summary) for recovering context after compaction.",
	}, s.handleCheckpointLatest)
}

// FeatureSummary is the agent-facing view of a feature.
type FeatureSummary struct {
	ID             string `json:"id"`
	Description    string `json:"description"`
	Status         string `json:"status"`
	Verification   string `json:"verification,omitempty"`
	ExternalTaskID string `json:"external_task_id,omitempty"`
	LastVerified   string `json:"last_verified,omitempty"`
	Output         string `json:"verification_output,omitempty"`
}

func summarize(f feature.Feature) FeatureSummary {
	out := FeatureSummary{
		ID:             f.ID,
		Description:    f.Description,
		Status:         string(f.Status),
		Verification:   f.Verification,
		ExternalTaskID: f.ExternalTaskID,
		Output:         f.Output(),
	}
	if f.LastVerified != nil {
		out.LastVerified = f.LastVerified.Format(time.RFC3339)
	}
	return out
}

// --- harness_status ---

type StatusArgs struct{}

type StatusResult struct {
	Initialized bool            `json:"initialized"`
	Sessions    int             `json:"sessions"`
	Total       int             `json:"total"`
	Counts      map[string]int  `json:"counts"`
	Next        *FeatureSummary `json:"next,omitempty"`
	GateBlocked bool            `json:"gate_blocked"`
	GateReason  string          `json:"gate_reason,omitempty"`
	Message     string          `json:"message,omitempty"`
}

func (s *Server) handleStatus(ctx context.Context, req *mcp.CallToolRequest, args StatusArgs) (*mcp.CallToolResult, any, error) {
	out := StatusResult{
		Initialized: session.IsInitialized(s.store),
		Sessions:    session.SessionCount(s.store),
		Counts:      map[string]int{},
	}
	if !out.Initialized {
		out.Message = "Harness not initialized. Run `harness init` in the project root."
	}

	list, err := s.registry.List()
	if err != nil {
		return nil, nil, fmt.Errorf("load features: %w", err)
	}
	out.Total = len(list.Features)
	for st, n := range list.Summary() {
		out.Counts[string(st)] = n
	}
	if next := list.Next(); next != nil {
		sum := summarize(*next)
		out.Next = &sum
	}

	res := gate.Evaluate(s.store, s.logger)
	out.GateBlocked = !res.Allow
	out.GateReason = res.Reason
	return nil, out, nil
}

// --- harness_features ---

type FeaturesArgs struct {
	Status string `json:"status,omitempty" jsonschema:"Only return features with this status"`
}

type FeaturesResult struct {
	Features []FeatureSummary `json:"features"`
	Message  string           `json:"message,omitempty"`
}

func (s *Server) handleFeatures(ctx context.Context, req *mcp.CallToolRequest, args FeaturesArgs) (*mcp.CallToolResult, any, error) {
	list, err := s.registry.List()
	if err != nil {
		return nil, nil, fmt.Errorf("load features: %w", err)
	}

	fs := list.Features
	if args.Status != "" {
		st, err := feature.ParseStatus(args.Status)
		if err != nil {
			return nil, nil, err
		}
		fs = list.WithStatus(st)
	}

	out := FeaturesResult{Features: []FeatureSummary{}}
	for _, f := range fs {
		out.Features = append(out.Features, summarize(f))
	}
	if len(out.Features) == 0 {
		out.Message = "No features match. Register one with harness_feature_add."
	}
	return nil, out, nil
}

// --- harness_feature_add ---

type FeatureAddArgs struct {
	ID           string `json:"id" jsonschema:"Unique feature id, e.g. auth-login"`
	Description  string `json:"description" jsonschema:"What the feature does"`
	Verification string `json:"verification,omitempty" jsonschema:"Command that verifies the feature; derived from the project type when omitted"`
}

type FeatureAddResult struct {
	Feature FeatureSummary `json:"feature"`
	Message string         `json:"message"`
}

func (s *Server) handleFeatureAdd(ctx context.Context, req *mcp.CallToolRequest, args FeatureAddArgs) (*mcp.CallToolResult, any, error) {
	if args.ID == "" {
		return nil, nil, fmt.Errorf("id is required")
	}
	verification := args.Verification
	if verification == "" {
		verification = session.DefaultVerificationCommand(s.store.Root, args.ID)
	}

	f, err := s.registry.Add(ctx, args.ID, args.Description, verification)
	if err != nil {
		return nil, nil, err
	}

	msg := fmt.Sprintf("Feature %s registered as pending.", f.ID)
	if f.ExternalTaskID != "" {
		msg += fmt.Sprintf(" Tracker task: %s.", f.ExternalTaskID)
	}
	return nil, FeatureAddResult{Feature: summarize(*f), Message: msg}, nil
}

// --- harness_feature_update ---

type FeatureUpdateArgs struct {
	ID     string `json:"id" jsonschema:"Feature id"`
	Status string `json:"status" jsonschema:"New status: pending, in_progress, implemented, verified or failed"`
	Output string `json:"output,omitempty" jsonschema:"Verification command output; recorded when status is verified or failed"`
}

type FeatureUpdateResult struct {
	Feature FeatureSummary `json:"feature"`
	From    string         `json:"from"`
	Warning string         `json:"warning,omitempty"`
	Message string         `json:"message"`
}

func (s *Server) handleFeatureUpdate(ctx context.Context, req *mcp.CallToolRequest, args FeatureUpdateArgs) (*mcp.CallToolResult, any, error) {
	st, err := feature.ParseStatus(args.Status)
	if err != nil {
		return nil, nil, err
	}

	res, err := s.registry.UpdateStatus(ctx, args.ID, st, args.Output)
	if err != nil {
		return nil, nil, err
	}
	if !res.Found {
		return nil, nil, fmt.Errorf("feature not found: %s", args.ID)
	}

	out := FeatureUpdateResult{
		Feature: summarize(res.Feature),
		From:    string(res.From),
		Warning: res.Warning,
		Message: fmt.Sprintf("Feature %s: %s -> %s", res.Feature.ID, res.From, res.To),
	}
	if st == feature.StatusImplemented {
		out.Message += fmt.Sprintf(". Run the verification command (%s) and record the result.", res.Feature.Verification)
	}
	return nil, out, nil
}

// --- harness_next ---

type NextArgs struct{}

type NextResult struct {
	Feature *FeatureSummary `json:"feature,omitempty"`
	Message string          `json:"message"`
}

func (s *Server) handleNext(ctx context.Context, req *mcp.CallToolRequest, args NextArgs) (*mcp.CallToolResult, any, error) {
	list, err := s.registry.List()
	if err != nil {
		return nil, nil, fmt.Errorf("load features: %w", err)
	}

	next := list.Next()
	if next == nil {
		if len(list.Features) > 0 && list.AllVerified() {
			return nil, NextResult{Message: "All features verified."}, nil
		}
		return nil, NextResult{Message: "Nothing to work on."}, nil
	}

	sum := summarize(*next)
	var msg string
	switch next.Status {
	case feature.StatusInProgress:
		msg = "Continue implementing " + next.ID + "."
	case feature.StatusPending:
		msg = "Start " + next.ID + " with harness_feature_update status=in_progress."
	default:
		msg = "Verify " + next.ID + " and record the result."
	}
	return nil, NextResult{Feature: &sum, Message: msg}, nil
}

// --- harness_checkpoint_latest ---

type CheckpointLatestArgs struct{}

type CheckpointLatestResult struct {
	Name      string `json:"name,omitempty"`
	Type      string `json:"type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Body      string `json:"body,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (s *Server) handleCheckpointLatest(ctx context.Context, req *mcp.CallToolRequest, args CheckpointLatestArgs) (*mcp.CallToolResult, any, error) {
	info, err := checkpoint.Latest(s.store.CheckpointDir())
	if err != nil {
		return nil, nil, err
	}
	if info == nil {
		return nil, CheckpointLatestResult{Message: "No checkpoints saved yet."}, nil
	}

	cp, err := checkpoint.Load(info.Path)
	if err != nil {
		return nil, nil, err
	}
	out := CheckpointLatestResult{
		Name:   info.Name,
		Type:   string(cp.Meta.Type),
		TaskID: cp.Meta.TaskID,
		Body:   cp.Body,
	}
	if !cp.Meta.Timestamp.IsZero() {
		out.Timestamp = cp.Meta.Timestamp.Format(time.RFC3339)
	} else {
		out.Timestamp = info.ModTime.Format(time.RFC3339)
	}
	return nil, out, nil
}
