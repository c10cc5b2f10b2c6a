package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"chatforge/backend/internal/engine"
	"chatforge/backend/internal/logging"
	"chatforge/backend/pkg/models"
)

// Realtime event names announced on registry transitions.
const (
	EventHotSwap  = "workflow:hot-swap"
	EventUnloaded = "workflow:unloaded"
)

// Entry is the in-memory unit of the concurrency contract: one immutable
// value per live tenant, replaced wholesale on hot-swap and never patched in
// place. In-flight executions keep the entry they captured at start.
type Entry struct {
	WorkflowID   string
	WorkflowName string
	Version      int
	Config       *models.CompiledConfig
	LoadedAt     time.Time

	stats *entryStats
}

// entryStats serializes statistics updates per tenant. There is deliberately
// no lock spanning tenants.
type entryStats struct {
	mu            sync.Mutex
	executions    int64
	errors        int64
	avgResponseMs float64
	lastExecution time.Time
}

// record folds one execution into the stats using an incremental mean, so
// the rolling average never recomputes from history.
func (s *entryStats) record(elapsed time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions++
	s.avgResponseMs += (float64(elapsed.Milliseconds()) - s.avgResponseMs) / float64(s.executions)
	s.lastExecution = time.Now()
	if failed {
		s.errors++
	}
}

func (s *entryStats) snapshot() *StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &StatsSnapshot{
		Executions:    s.executions,
		Errors:        s.errors,
		AvgResponseMs: s.avgResponseMs,
	}
	if !s.lastExecution.IsZero() {
		t := s.lastExecution
		snap.LastExecution = &t
	}
	return snap
}

// StatsSnapshot is a point-in-time copy of a tenant's execution statistics.
type StatsSnapshot struct {
	Executions    int64      `json:"executions"`
	Errors        int64      `json:"errors"`
	AvgResponseMs float64    `json:"avg_response_ms"`
	LastExecution *time.Time `json:"last_execution,omitempty"`
}

// WorkflowInfo describes the workflow behind an active entry.
type WorkflowInfo struct {
	TenantID   string    `json:"tenant_id"`
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	Version    int       `json:"version"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// StatusReport is the external view of a tenant's registry state.
type StatusReport struct {
	Status   string         `json:"status"` // "not_loaded" | "active"
	Workflow *WorkflowInfo  `json:"workflow,omitempty"`
	Stats    *StatsSnapshot `json:"stats,omitempty"`
}

// SwapEvent describes a completed hot-swap.
type SwapEvent struct {
	TenantID   string    `json:"tenant_id"`
	WorkflowID string    `json:"workflow_id"`
	OldVersion int       `json:"old_version"`
	NewVersion int       `json:"new_version"`
	Timestamp  time.Time `json:"timestamp"`
}

// SwapObserver receives swap notifications after the swap has committed.
// Observers run off the critical path and cannot influence swap success.
type SwapObserver func(SwapEvent)

// Registry holds exactly one active compiled configuration per tenant. It is
// the only structure mutated concurrently across requests; all mutations are
// atomic with respect to concurrent reads.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	obsMu     sync.Mutex
	observers []SwapObserver

	executor    *Executor
	broadcaster Broadcaster
	logger      *logging.Logger

	executions metric.Int64Counter
	swaps      metric.Int64Counter
}

// NewRegistry creates an empty registry. The registry is constructed at the
// composition root and passed by reference; there is no ambient global.
func NewRegistry(executor *Executor, broadcaster Broadcaster, logger *logging.Logger) *Registry {
	meter := otel.Meter("chatforge/runtime")
	executions, _ := meter.Int64Counter("workflow_executions_total")
	swaps, _ := meter.Int64Counter("workflow_hotswaps_total")
	return &Registry{
		entries:     make(map[string]*Entry),
		executor:    executor,
		broadcaster: broadcaster,
		logger:      logger,
		executions:  executions,
		swaps:       swaps,
	}
}

// Subscribe registers an observer for swap notifications.
func (r *Registry) Subscribe(obs SwapObserver) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, obs)
}

// Load compiles the workflow (when not already compiled) and installs a fresh
// entry, replacing any prior one outright. Statistics start at zero.
func (r *Registry) Load(tenantID string, workflow *models.Workflow) (*Entry, error) {
	entry, err := r.buildEntry(tenantID, workflow)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.entries[tenantID] = entry
	r.mu.Unlock()

	r.logger.Info("workflow loaded", "tenant_id", tenantID, "workflow_id", entry.WorkflowID, "version", entry.Version)
	return entry, nil
}

// HotSwap atomically replaces the tenant's active entry with a freshly
// compiled one. Compilation happens strictly before any registry state is
// touched: a compile failure leaves the previous entry fully intact and
// serving traffic, with no partial-swap state ever observable.
func (r *Registry) HotSwap(tenantID string, workflow *models.Workflow) (*Entry, error) {
	entry, err := r.buildEntry(tenantID, workflow)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	old := r.entries[tenantID]
	r.entries[tenantID] = entry
	r.mu.Unlock()

	event := SwapEvent{
		TenantID:   tenantID,
		WorkflowID: entry.WorkflowID,
		NewVersion: entry.Version,
		Timestamp:  time.Now().UTC(),
	}
	if old != nil {
		event.OldVersion = old.Version
	}
	r.swaps.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
	r.logger.Info("workflow hot-swapped", "tenant_id", tenantID, "old_version", event.OldVersion, "new_version", event.NewVersion)

	// Notification is fire-and-forget: it must never sit on the critical
	// path that determines swap success.
	go r.notify(tenantID, event)

	return entry, nil
}

func (r *Registry) notify(tenantID string, event SwapEvent) {
	if r.broadcaster != nil {
		if err := r.broadcaster.BroadcastToTenant(tenantID, EventHotSwap, event); err != nil {
			r.logger.Warn("hot-swap broadcast failed", "tenant_id", tenantID, "error", err)
		}
	}
	r.obsMu.Lock()
	observers := make([]SwapObserver, len(r.observers))
	copy(observers, r.observers)
	r.obsMu.Unlock()
	for _, obs := range observers {
		obs(event)
	}
}

func (r *Registry) buildEntry(tenantID string, workflow *models.Workflow) (*Entry, error) {
	cfg := workflow.Compiled
	if cfg == nil {
		compiled, err := engine.Compile(workflow.Graph.Nodes, workflow.Graph.Edges, tenantID)
		if err != nil {
			return nil, err
		}
		cfg = compiled
	}
	return &Entry{
		WorkflowID:   workflow.ID,
		WorkflowName: workflow.Name,
		Version:      workflow.Version,
		Config:       cfg,
		LoadedAt:     time.Now().UTC(),
		stats:        &entryStats{},
	}, nil
}

// Unload removes the tenant's entry and statistics, reporting whether
// anything was actually removed.
func (r *Registry) Unload(tenantID string) bool {
	r.mu.Lock()
	entry, ok := r.entries[tenantID]
	if ok {
		delete(r.entries, tenantID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.logger.Info("workflow unloaded", "tenant_id", tenantID, "workflow_id", entry.WorkflowID)
	if r.broadcaster != nil {
		payload := map[string]any{"workflow_id": entry.WorkflowID, "version": entry.Version}
		if err := r.broadcaster.BroadcastToTenant(tenantID, EventUnloaded, payload); err != nil {
			r.logger.Warn("unload broadcast failed", "tenant_id", tenantID, "error", err)
		}
	}
	return true
}

// Status reports the registry state for one tenant.
func (r *Registry) Status(tenantID string) StatusReport {
	r.mu.RLock()
	entry := r.entries[tenantID]
	r.mu.RUnlock()

	if entry == nil {
		return StatusReport{Status: "not_loaded"}
	}
	return StatusReport{
		Status: "active",
		Workflow: &WorkflowInfo{
			TenantID:   tenantID,
			WorkflowID: entry.WorkflowID,
			Name:       entry.WorkflowName,
			Version:    entry.Version,
			LoadedAt:   entry.LoadedAt,
		},
		Stats: entry.stats.snapshot(),
	}
}

// ActiveWorkflows lists the currently live entries across all tenants.
func (r *Registry) ActiveWorkflows() []WorkflowInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]WorkflowInfo, 0, len(r.entries))
	for tenantID, entry := range r.entries {
		infos = append(infos, WorkflowInfo{
			TenantID:   tenantID,
			WorkflowID: entry.WorkflowID,
			Name:       entry.WorkflowName,
			Version:    entry.Version,
			LoadedAt:   entry.LoadedAt,
		})
	}
	return infos
}

// Execute runs a message against the tenant's active entry. The entry is
// captured once (read-then-use): a hot-swap completing mid-flight never tears
// an in-progress conversation.
func (r *Registry) Execute(ctx context.Context, tenantID, message string, history []Message, execCtx ExecutionContext) (*Result, error) {
	r.mu.RLock()
	entry := r.entries[tenantID]
	r.mu.RUnlock()

	if entry == nil {
		return nil, &NotLoadedError{TenantID: tenantID}
	}

	start := time.Now()
	result, err := r.executor.Execute(ctx, entry.Config, message, history, execCtx)
	elapsed := time.Since(start)

	entry.stats.record(elapsed, err != nil)
	r.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))

	if err != nil {
		return nil, err
	}
	result.Metadata.ResponseTimeMs = elapsed.Milliseconds()
	result.Metadata.WorkflowVersion = entry.Version
	result.Metadata.ExecutionID = uuid.New().String()
	return result, nil
}
