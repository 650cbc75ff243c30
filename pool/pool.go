package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaoyu-work/onevalet/core"
	"github.com/xiaoyu-work/onevalet/logging"
)

// Options configures an AgentPool instance.
type Options struct {
	// Backend persists entries. Defaults to the in-memory backend.
	Backend Backend
	// Versions resolves current schema versions for restore-time staleness
	// checks. Nil disables the guard (every entry restores).
	Versions Versions
	// CheckpointResolver returns the latest checkpoint id for an agent, stored
	// on persisted entries. Typically wired to checkpoint.Recorder.LastID.
	CheckpointResolver func(agentID string) string
	// AutoBackupInterval is the period of the background flush of all
	// in-memory agents to the backend. Default 60s; <= 0 keeps the default.
	AutoBackupInterval time.Duration
	// CleanupInterval is the period of expired-entry reaping for backends
	// implementing Cleaner. Default 5m; <= 0 keeps the default.
	CleanupInterval time.Duration
	// Logger for pool lifecycle events. Defaults to NoOp.
	Logger logging.Logger
}

// Cleaner is implemented by backends that expire entries lazily and need a
// periodic reap, such as the Postgres backend's expires_at rows.
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// AgentPool caches live agents per tenant. All map access goes through one
// mutex; backend writes happen outside the lock (asynchronously for
// Add/Update, batched by the auto-backup loop).
type AgentPool struct {
	backend  Backend
	versions Versions
	resolver func(agentID string) string
	interval time.Duration
	cleanup  time.Duration
	logger   logging.Logger

	mu     sync.Mutex
	agents map[string]map[string]core.Agent // tenantID -> agentID -> agent

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs an AgentPool. Call Start to launch the auto-backup loop and
// Stop to shut it down.
func New(optFns ...func(o *Options)) *AgentPool {
	opts := Options{
		Backend:            NewInMemoryBackend(),
		AutoBackupInterval: 60 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.AutoBackupInterval <= 0 {
		opts.AutoBackupInterval = 60 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	return &AgentPool{
		backend:  opts.Backend,
		versions: opts.Versions,
		resolver: opts.CheckpointResolver,
		interval: opts.AutoBackupInterval,
		cleanup:  opts.CleanupInterval,
		logger:   logging.OrNoOp(opts.Logger),
		agents:   map[string]map[string]core.Agent{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Backend exposes the configured backend.
func (p *AgentPool) Backend() Backend { return p.backend }

// Add registers a live agent for a tenant and mirrors it to the backend
// asynchronously. Re-adding the same agent id overwrites the previous entry.
func (p *AgentPool) Add(ctx context.Context, tenantID string, agent core.Agent) error {
	p.mu.Lock()
	tenant, ok := p.agents[tenantID]
	if !ok {
		tenant = map[string]core.Agent{}
		p.agents[tenantID] = tenant
	}
	tenant[agent.Instance().ID] = agent
	p.mu.Unlock()

	p.persistAsync(ctx, agent)
	return nil
}

// Get returns the live agent for (tenantID, agentID).
func (p *AgentPool) Get(tenantID, agentID string) (core.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	agent, ok := p.agents[tenantID][agentID]
	if !ok {
		return nil, fmt.Errorf("tenant %s agent %s: %w", tenantID, agentID, core.ErrAgentNotFound)
	}
	return agent, nil
}

// List returns all live agents of a tenant in unspecified order.
func (p *AgentPool) List(tenantID string) []core.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.Agent, 0, len(p.agents[tenantID]))
	for _, a := range p.agents[tenantID] {
		out = append(out, a)
	}
	return out
}

// FindWaiting returns the first agent of a tenant paused in a WAITING_*
// status, preferring the one with the oldest creation time for stable
// routing. Returns nil when none is waiting.
func (p *AgentPool) FindWaiting(tenantID string) core.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var waiting []core.Agent
	for _, a := range p.agents[tenantID] {
		if a.Instance().Status.IsWaiting() {
			waiting = append(waiting, a)
		}
	}
	if len(waiting) == 0 {
		return nil
	}
	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].Instance().CreatedAt.Before(waiting[j].Instance().CreatedAt)
	})
	return waiting[0]
}

// Update re-persists an agent already in the pool, adding it when missing.
func (p *AgentPool) Update(ctx context.Context, tenantID string, agent core.Agent) error {
	return p.Add(ctx, tenantID, agent)
}

// Remove drops an agent from memory and the backend. Called when an agent
// reaches a terminal status.
func (p *AgentPool) Remove(ctx context.Context, tenantID, agentID string) error {
	p.mu.Lock()
	delete(p.agents[tenantID], agentID)
	if len(p.agents[tenantID]) == 0 {
		delete(p.agents, tenantID)
	}
	p.mu.Unlock()

	if err := p.backend.RemoveAgent(ctx, tenantID, agentID); err != nil {
		return fmt.Errorf("remove agent from backend: %w", err)
	}
	return nil
}

// HasAgentsInMemory reports whether a tenant has any live agents cached.
func (p *AgentPool) HasAgentsInMemory(tenantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents[tenantID]) > 0
}

// GetActiveTenants returns the union of tenants with in-memory agents and
// tenants known to the backend, sorted.
func (p *AgentPool) GetActiveTenants(ctx context.Context) ([]string, error) {
	set := map[string]struct{}{}
	p.mu.Lock()
	for tenantID := range p.agents {
		set[tenantID] = struct{}{}
	}
	p.mu.Unlock()

	persisted, err := p.backend.GetActiveTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list backend tenants: %w", err)
	}
	for _, t := range persisted {
		set[t] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// RestoreTenantSession rebuilds a tenant's live agents from the backend using
// factory. Entries whose persisted schema version differs from the agent
// type's current version are discarded as stale — a correctness guard against
// code drift, not an error. Returns the restored agents.
func (p *AgentPool) RestoreTenantSession(ctx context.Context, tenantID string, factory core.AgentFactory) ([]core.Agent, error) {
	entries, err := p.backend.ListAgents(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list persisted agents: %w", err)
	}

	var restored []core.Agent
	for _, entry := range entries {
		if p.versions != nil {
			current, ok := p.versions.SchemaVersion(entry.AgentType)
			if !ok || current != entry.SchemaVersion {
				p.logger.Info("discarding stale pool entry",
					"tenant_id", tenantID, "agent_id", entry.AgentID,
					"agent_type", entry.AgentType,
					"persisted_version", entry.SchemaVersion, "current_version", current)
				_ = p.backend.RemoveAgent(ctx, tenantID, entry.AgentID)
				continue
			}
		}
		agent, err := factory(tenantID, entry.ToInstance())
		if err != nil {
			p.logger.Warn("failed to rehydrate agent",
				"tenant_id", tenantID, "agent_id", entry.AgentID, "error", err)
			continue
		}
		p.mu.Lock()
		tenant, ok := p.agents[tenantID]
		if !ok {
			tenant = map[string]core.Agent{}
			p.agents[tenantID] = tenant
		}
		tenant[entry.AgentID] = agent
		p.mu.Unlock()
		restored = append(restored, agent)
	}
	return restored, nil
}

// Start launches the background loops: the periodic auto-backup flush and,
// for backends implementing Cleaner, expired-entry reaping. Calling Start
// more than once is a no-op.
func (p *AgentPool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		defer close(p.doneCh)
		backup := time.NewTicker(p.interval)
		defer backup.Stop()
		reap := time.NewTicker(p.cleanup)
		defer reap.Stop()
		cleaner, _ := p.backend.(Cleaner)
		for {
			select {
			case <-backup.C:
				if err := p.FlushAll(ctx); err != nil {
					p.logger.Warn("auto-backup flush failed", "error", err)
				}
			case <-reap.C:
				if cleaner == nil {
					continue
				}
				n, err := cleaner.CleanupExpired(ctx)
				if err != nil {
					p.logger.Warn("expired entry cleanup failed", "error", err)
				} else if n > 0 {
					p.logger.Debug("reaped expired pool entries", "count", n)
				}
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the auto-backup loop and performs one final flush so no
// in-memory state is lost at shutdown. Safe to call without a prior Start,
// for example on a construction error path.
func (p *AgentPool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		started := p.started
		p.mu.Unlock()
		if started {
			<-p.doneCh
		}
	})
	return p.FlushAll(ctx)
}

// FlushAll persists every in-memory agent to the backend, fanning out per
// tenant. The first error is returned but does not stop sibling flushes.
func (p *AgentPool) FlushAll(ctx context.Context) error {
	p.mu.Lock()
	snapshot := make(map[string][]core.Agent, len(p.agents))
	for tenantID, agents := range p.agents {
		for _, a := range agents {
			snapshot[tenantID] = append(snapshot[tenantID], a)
		}
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, agents := range snapshot {
		agents := agents
		g.Go(func() error {
			for _, a := range agents {
				if err := p.backend.SaveAgent(gctx, p.entryFor(a)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *AgentPool) entryFor(agent core.Agent) *Entry {
	inst := agent.Instance()
	version := inst.SchemaVersion
	if p.versions != nil {
		if v, ok := p.versions.SchemaVersion(inst.Type); ok {
			version = v
		}
	}
	checkpointID := ""
	if p.resolver != nil {
		checkpointID = p.resolver(inst.ID)
	}
	return entryFromInstance(inst, version, checkpointID)
}

func (p *AgentPool) persistAsync(ctx context.Context, agent core.Agent) {
	entry := p.entryFor(agent)
	go func() {
		// Detach from the request context; a finished request must not cancel
		// the mirror write.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := p.backend.SaveAgent(saveCtx, entry); err != nil {
			p.logger.Warn("async pool persist failed",
				"tenant_id", entry.TenantID, "agent_id", entry.AgentID, "error", err)
		}
	}()
}
