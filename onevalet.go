// Package onevalet provides a high-level façade over the runtime: the ReAct
// engine, tool dispatcher, agent pool, model routing and checkpointing. Most
// applications interact with this package by:
//  1. Creating a Valet via New() with one or more model candidates
//  2. Registering plain tools and agent types
//  3. Feeding tenant messages through Process()
//
// The façade delegates orchestration to engine.Orchestrator while keeping
// setup ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply Redis or Postgres pool
// backends, a durable checkpoint store and a structured logger.
package onevalet

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaoyu-work/onevalet/checkpoint"
	"github.com/xiaoyu-work/onevalet/config"
	"github.com/xiaoyu-work/onevalet/core"
	"github.com/xiaoyu-work/onevalet/engine"
	"github.com/xiaoyu-work/onevalet/logging"
	"github.com/xiaoyu-work/onevalet/metrics"
	"github.com/xiaoyu-work/onevalet/model"
	"github.com/xiaoyu-work/onevalet/pool"
	"github.com/xiaoyu-work/onevalet/routing"
	"github.com/xiaoyu-work/onevalet/tool"
	"github.com/xiaoyu-work/onevalet/window"
)

// Options configures the Valet instance.
type Options struct {
	// Candidates are the model clients in preferred fallback order. Required
	// unless Client is set directly.
	Candidates []model.Candidate
	// Client overrides the fallback chain with a single client. Mostly
	// useful for tests and embedding scenarios.
	Client model.Client

	// RouterRules enables score-based provider routing when non-empty. The
	// first candidate's provider acts as the routing default.
	RouterRules []routing.Rule
	// Classifier scores conversations for the router. Defaults to the first
	// candidate when unset.
	Classifier model.Client

	// Loop holds the ReAct loop tunables (turn budget, retries, timeouts,
	// context window). Zero fields fall back to the documented defaults.
	Loop config.LoopConfig
	// SystemPrompt overrides the default top-level prompt.
	SystemPrompt string

	// PoolBackend persists agents across restarts. Defaults to in-memory.
	PoolBackend pool.Backend
	// PoolBackupInterval is the period of the pool's background flush.
	PoolBackupInterval time.Duration
	// PoolCleanupInterval is the period of expired-entry reaping for
	// backends that support it.
	PoolCleanupInterval time.Duration
	// CheckpointStorage persists per-transition snapshots. Defaults to
	// in-memory; nil-able via DisableCheckpoints.
	CheckpointStorage checkpoint.Storage
	// DisableCheckpoints turns transition recording off entirely.
	DisableCheckpoints bool

	// Metrics is optional; when unset no metrics are recorded.
	Metrics *metrics.Collector
	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Valet is the high-level façade aggregating the engine, registries and stores.
type Valet struct {
	orchestrator *engine.Orchestrator
	pool         *pool.AgentPool
	tools        *tool.Registry
	agentTypes   *engine.AgentTypeRegistry
	models       *model.Registry
	recorder     *checkpoint.Recorder
	logger       logging.Logger
}

// New creates a Valet with optional overrides. Any unset store is initialized
// with an in-memory implementation.
func New(optFns ...func(o *Options)) (*Valet, error) {
	opts := Options{
		Loop: config.LoopConfig{
			MaxTurns:           10,
			LLMMaxRetries:      3,
			ToolTimeout:        30 * time.Second,
			AgentToolTimeout:   120 * time.Second,
			ContextTokenLimit:  32000,
			ContextTrimPercent: 0.85,
		},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.OrNoOp(opts.Logger)

	models := model.NewRegistry()
	for _, c := range opts.Candidates {
		if err := models.Register(c); err != nil {
			return nil, err
		}
	}

	client := opts.Client
	if client == nil {
		if len(opts.Candidates) == 0 {
			return nil, fmt.Errorf("onevalet: at least one model candidate (or a client) must be configured")
		}
		client = routing.NewFallbackClient(func(o *routing.FallbackOptions) {
			o.Candidates = opts.Candidates
			o.Logger = logger
		})
	}

	var router *routing.Router
	if len(opts.RouterRules) > 0 {
		classifier := opts.Classifier
		if classifier == nil && len(opts.Candidates) > 0 {
			classifier = opts.Candidates[0].Client
		}
		var err error
		router, err = routing.NewRouter(func(o *routing.RouterOptions) {
			o.Classifier = classifier
			o.Rules = opts.RouterRules
			o.DefaultProvider = opts.Candidates[0].Provider
			o.HasProvider = func(provider string) bool {
				_, ok := models.Get(provider)
				return ok
			}
			o.Logger = logger
		})
		if err != nil {
			return nil, err
		}
	}

	var recorder *checkpoint.Recorder
	if !opts.DisableCheckpoints {
		storage := opts.CheckpointStorage
		if storage == nil {
			storage = checkpoint.NewInMemoryStorage()
		}
		recorder = checkpoint.NewRecorder(storage, logger)
	}

	tools := tool.NewRegistry()
	agentTypes := engine.NewAgentTypeRegistry()
	approvals := engine.NewApprovalQueue()

	agentPool := pool.New(func(o *pool.Options) {
		if opts.PoolBackend != nil {
			o.Backend = opts.PoolBackend
		}
		o.Versions = agentTypes.Versions()
		if recorder != nil {
			o.CheckpointResolver = recorder.LastID
		}
		o.AutoBackupInterval = opts.PoolBackupInterval
		o.CleanupInterval = opts.PoolCleanupInterval
		o.Logger = logger
	})

	dispatcher := engine.NewToolDispatcher(func(o *engine.DispatcherOptions) {
		o.Tools = tools
		o.AgentTypes = agentTypes
		o.Pool = agentPool
		o.Approvals = approvals
		o.PlainTimeout = opts.Loop.ToolTimeout
		o.AgentTimeout = opts.Loop.AgentToolTimeout
		o.Recorder = recorder
		o.Logger = logger
	})

	reactEngine, err := engine.NewReactEngine(func(o *engine.ReactOptions) {
		o.Client = client
		o.Router = router
		o.Models = models
		o.Window = window.NewManager(window.Config{
			TokenLimit:    opts.Loop.ContextTokenLimit,
			TrimThreshold: opts.Loop.ContextTrimPercent,
		})
		o.Dispatcher = dispatcher
		o.MaxTurns = opts.Loop.MaxTurns
		o.LLMMaxRetries = opts.Loop.LLMMaxRetries
		o.Metrics = opts.Metrics
		o.Logger = logger
	})
	if err != nil {
		return nil, err
	}

	orchestrator, err := engine.NewOrchestrator(func(o *engine.Options) {
		o.Engine = reactEngine
		o.Pool = agentPool
		o.Tools = tools
		o.AgentTypes = agentTypes
		o.Approvals = approvals
		o.Recorder = recorder
		o.SystemPrompt = opts.SystemPrompt
		o.Metrics = opts.Metrics
		o.Logger = logger
	})
	if err != nil {
		return nil, err
	}

	return &Valet{
		orchestrator: orchestrator,
		pool:         agentPool,
		tools:        tools,
		agentTypes:   agentTypes,
		models:       models,
		recorder:     recorder,
		logger:       logger,
	}, nil
}

// RegisterTool adds a plain tool the model can call.
func (v *Valet) RegisterTool(t tool.Tool) error { return v.tools.Register(t) }

// RegisterAgentType adds a sub-agent kind exposed to the model as an agent-tool.
func (v *Valet) RegisterAgentType(at engine.AgentType) error { return v.agentTypes.Register(at) }

// Process handles one inbound tenant message: a waiting agent gets it first,
// otherwise it starts a fresh reasoning loop run.
func (v *Valet) Process(ctx context.Context, tenantID, message string) (*engine.RunResult, error) {
	return v.orchestrator.Process(ctx, tenantID, message)
}

// PendingApprovals lists a tenant's queued approval requests, oldest first.
func (v *Valet) PendingApprovals(tenantID string) []*engine.PendingApproval {
	return v.orchestrator.PendingApprovals(tenantID)
}

// ResolveApproval applies a human decision to a queued approval.
func (v *Valet) ResolveApproval(ctx context.Context, tenantID, approvalID string, approved bool) (*engine.RunResult, error) {
	return v.orchestrator.ResolveApproval(ctx, tenantID, approvalID, approved)
}

// RestoreSession rehydrates a tenant's persisted agents from the pool backend.
func (v *Valet) RestoreSession(ctx context.Context, tenantID string) (int, error) {
	return v.orchestrator.RestoreSession(ctx, tenantID)
}

// RestoreAllSessions rehydrates every tenant with persisted agents, returning
// the total number of restored agents.
func (v *Valet) RestoreAllSessions(ctx context.Context) (int, error) {
	tenants, err := v.pool.GetActiveTenants(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, tenantID := range tenants {
		n, err := v.orchestrator.RestoreSession(ctx, tenantID)
		if err != nil {
			v.logger.Warn("failed to restore tenant session", "tenant_id", tenantID, "error", err)
			continue
		}
		total += n
	}
	return total, nil
}

// ReplayFromCheckpoint rebuilds an agent from a checkpoint and registers it
// in the pool.
func (v *Valet) ReplayFromCheckpoint(ctx context.Context, tenantID, checkpointID string) (core.Agent, error) {
	return v.orchestrator.ReplayFromCheckpoint(ctx, tenantID, checkpointID)
}

// Pool exposes the agent pool for advanced callers.
func (v *Valet) Pool() *pool.AgentPool { return v.pool }

// Models exposes the model candidate registry.
func (v *Valet) Models() *model.Registry { return v.models }

// Recorder exposes the checkpoint recorder; nil when checkpointing is disabled.
func (v *Valet) Recorder() *checkpoint.Recorder { return v.recorder }

// Start launches background work: the pool's periodic flush to its backend.
func (v *Valet) Start(ctx context.Context) { v.pool.Start(ctx) }

// Stop flushes the pool and stops background work.
func (v *Valet) Stop(ctx context.Context) error { return v.pool.Stop(ctx) }
