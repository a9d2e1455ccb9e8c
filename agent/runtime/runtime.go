package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/anthonix/agentrt/agent"
	"github.com/anthonix/agentrt/agent/eventbus"
	"github.com/anthonix/agentrt/agent/logstore"
	"github.com/anthonix/agentrt/agent/metrics"
	"github.com/anthonix/agentrt/agent/state"
	"github.com/anthonix/agentrt/agent/storage"
)

// AgentRuntime is the top-level composition root (spec.md §4.8): it owns
// Concurrent Storage, the Shared State Manager, the Event Bus, the
// Runtime Log Store, and one Execution Stream per registered entry
// point, plus the background cleanup task that purges expired
// execution-scoped state.
type AgentRuntime struct {
	cfg     Config
	logger  *log.Logger
	storage *storage.Store
	state   *state.Manager
	bus     *eventbus.Bus
	logs    *logstore.Store
	metrics *metrics.Runtime

	mu      sync.Mutex
	running bool
	streams map[string]*ExecutionStream
	pending map[string]EntryPoint // registered before Start

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// New constructs an AgentRuntime rooted at cfg.StoragePath, applying
// spec.md §6.4 defaults to any zero-valued Config field. logger may be
// nil (defaults to the standard logger); background workers log through
// it rather than the global logger, per the AMBIENT STACK's logging
// conventions.
func New(cfg Config, logger *log.Logger) *AgentRuntime {
	cfg = cfg.applyDefaults()
	if logger == nil {
		logger = log.Default()
	}
	st := storage.New(cfg.StoragePath, cfg.CacheTTL, cfg.BatchInterval, logger)
	return &AgentRuntime{
		cfg:     cfg,
		logger:  logger,
		storage: st,
		state:   state.New(st, cfg.ExecutionStateTTL),
		bus:     eventbus.New(cfg.MaxHistory, logger),
		logs:    logstore.New(cfg.StoragePath, logger),
		metrics: metrics.New(prometheus.NewRegistry()),
		streams: make(map[string]*ExecutionStream),
		pending: make(map[string]EntryPoint),
	}
}

// CreateAgentRuntime mirrors the Python original's module-level
// create_agent_runtime factory (spec.md's SPEC_FULL.md SUPPLEMENTED
// FEATURES): construct a runtime and register a batch of entry points in
// one call, without starting it.
//
// New is the Go-idiomatic entry point for most callers; CreateAgentRuntime
// exists for callers porting the original's construction pattern
// directly, or wiring many entry points from a loop before Start.
func CreateAgentRuntime(cfg Config, logger *log.Logger, entryPoints ...EntryPoint) (*AgentRuntime, error) {
	rt := New(cfg, logger)
	for _, ep := range entryPoints {
		if err := rt.RegisterEntryPoint(ep); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// RegisterEntryPoint adds ep, constructing its ExecutionStream. Only
// permitted while the runtime is stopped (spec.md §4.8).
func (rt *AgentRuntime) RegisterEntryPoint(ep EntryPoint) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.running {
		return &agent.EngineError{Code: agent.CodeInvalidGraph, Message: "cannot register an entry point while the runtime is running"}
	}
	if ep.ID == "" {
		return &agent.EngineError{Code: agent.CodeInvalidGraph, Message: "entry point id is empty"}
	}
	if _, dup := rt.pending[ep.ID]; dup {
		return &agent.EngineError{Code: agent.CodeInvalidGraph, Message: fmt.Sprintf("entry point %q already registered", ep.ID)}
	}
	if err := ep.Graph.Validate(); err != nil {
		return err
	}
	rt.pending[ep.ID] = ep
	return nil
}

// UnregisterEntryPoint removes a previously registered entry point. Only
// permitted while stopped.
func (rt *AgentRuntime) UnregisterEntryPoint(id string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.running {
		return &agent.EngineError{Code: agent.CodeInvalidGraph, Message: "cannot unregister an entry point while the runtime is running"}
	}
	delete(rt.pending, id)
	return nil
}

// Start starts Concurrent Storage, instantiates one ExecutionStream per
// registered entry point, and spawns the background cleanup task
// (spec.md §4.8).
func (rt *AgentRuntime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.running {
		return nil
	}

	if err := rt.storage.Start(); err != nil {
		return fmt.Errorf("runtime: start storage: %w", err)
	}

	for id, ep := range rt.pending {
		stream, err := newStream(ep, rt.state, rt.bus, rt.logs, rt.metrics, rt.cfg)
		if err != nil {
			return fmt.Errorf("runtime: build stream %q: %w", id, err)
		}
		if err := stream.Start(); err != nil {
			return fmt.Errorf("runtime: start stream %q: %w", id, err)
		}
		rt.streams[id] = stream
	}

	rt.cleanupStop = make(chan struct{})
	rt.cleanupDone = make(chan struct{})
	go rt.cleanupLoop()

	rt.running = true
	return nil
}

// Stop cancels the cleanup task, stops every stream (tolerating
// individual stream failures so the rest still get a chance to stop),
// then stops storage, flushing any pending writes.
func (rt *AgentRuntime) Stop() error {
	rt.mu.Lock()
	if !rt.running {
		rt.mu.Unlock()
		return nil
	}
	rt.running = false
	streams := make(map[string]*ExecutionStream, len(rt.streams))
	for k, v := range rt.streams {
		streams[k] = v
	}
	rt.mu.Unlock()

	if rt.cleanupStop != nil {
		close(rt.cleanupStop)
		<-rt.cleanupDone
	}

	var errs []error
	for id, stream := range streams {
		if err := stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stream %q: %w", id, err))
			rt.logger.Printf("runtime: error stopping stream %q: %v", id, err)
		}
	}

	if err := rt.storage.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("runtime: stop encountered %d error(s): %v", len(errs), errs)
	}
	return nil
}

// cleanupLoop periodically purges expired execution-scoped state
// (spec.md §4.8). On an unexpected error it logs and backs off
// CleanupErrorBackoff before resuming, rather than busy-looping or
// exiting (the Python original's exact two-tier cadence, carried into
// this port per SPEC_FULL.md).
func (rt *AgentRuntime) cleanupLoop() {
	defer close(rt.cleanupDone)
	ticker := time.NewTicker(rt.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.cleanupStop:
			return
		case <-ticker.C:
			if !rt.runCleanupOnce() {
				select {
				case <-rt.cleanupStop:
					return
				case <-time.After(rt.cfg.CleanupErrorBackoff):
				}
			}
		}
	}
}

// runCleanupOnce purges expired state, recovering from any panic the
// way the Python original's except-Exception catch-all does, and
// reports whether the normal cadence should resume.
func (rt *AgentRuntime) runCleanupOnce() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Printf("runtime: cleanup loop panic: %v", r)
			ok = false
		}
	}()
	purged := rt.state.PurgeExpiredState()
	if purged > 0 {
		rt.logger.Printf("runtime: purged %d expired execution partition(s)", purged)
	}
	stats := rt.state.Stats()
	rt.metrics.SetStatePartitions(
		intOr(stats["global_partitions"]),
		intOr(stats["stream_partitions"]),
		intOr(stats["execution_partitions"]),
	)
	return true
}

func intOr(v interface{}) int {
	n, _ := v.(int)
	return n
}

// Trigger routes input_data to entryPointID's ExecutionStream and
// returns its execution id immediately (spec.md §4.8).
func (rt *AgentRuntime) Trigger(ctx context.Context, entryPointID string, input map[string]interface{}, correlationID string, sessionState *agent.SessionState) (string, error) {
	stream, err := rt.streamFor(entryPointID)
	if err != nil {
		return "", err
	}
	return stream.Execute(ctx, input, correlationID, sessionState)
}

// TriggerAndWait is a convenience combining Trigger with
// WaitForCompletion (no timeout).
func (rt *AgentRuntime) TriggerAndWait(ctx context.Context, entryPointID string, input map[string]interface{}, correlationID string, sessionState *agent.SessionState) (*agent.ExecutionResult, error) {
	stream, err := rt.streamFor(entryPointID)
	if err != nil {
		return nil, err
	}
	executionID, err := stream.Execute(ctx, input, correlationID, sessionState)
	if err != nil {
		return nil, err
	}
	res, ok := stream.WaitForCompletion(ctx, executionID, 0)
	if !ok {
		return nil, &agent.EngineError{Code: agent.CodeCancelled, Message: "execution did not complete"}
	}
	return res, nil
}

func (rt *AgentRuntime) streamFor(entryPointID string) (*ExecutionStream, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.running {
		return nil, &agent.EngineError{Code: agent.CodeCancelled, Message: "runtime is not running"}
	}
	stream, ok := rt.streams[entryPointID]
	if !ok {
		return nil, &agent.EngineError{Code: agent.CodeUnknownNode, Message: fmt.Sprintf("no entry point %q registered", entryPointID)}
	}
	return stream, nil
}

// GetGoalProgress returns entryPointID's cumulative goal-progress
// snapshot from its Outcome Aggregator.
func (rt *AgentRuntime) GetGoalProgress(entryPointID string) (map[string]interface{}, error) {
	stream, err := rt.streamFor(entryPointID)
	if err != nil {
		return nil, err
	}
	return stream.GoalProgress(), nil
}

// GetStats returns a composite snapshot of runtime-wide counters.
func (rt *AgentRuntime) GetStats() map[string]interface{} {
	rt.mu.Lock()
	streams := make(map[string]*ExecutionStream, len(rt.streams))
	for k, v := range rt.streams {
		streams[k] = v
	}
	rt.mu.Unlock()

	perStream := make(map[string]interface{}, len(streams))
	for id, s := range streams {
		perStream[id] = s.Stats()
	}

	return map[string]interface{}{
		"running":        rt.running,
		"streams":        perStream,
		"event_bus":      rt.bus.Stats(),
		"state":          rt.state.Stats(),
		"storage_errors": rt.storage.WriteErrorCount(),
	}
}

// SubscribeToEvents registers handler on the runtime's Event Bus. See
// eventbus.Bus.Subscribe.
func (rt *AgentRuntime) SubscribeToEvents(eventTypes []eventbus.EventType, handler func(eventbus.Event), filterStream string) string {
	return rt.bus.Subscribe(eventTypes, handler, filterStream)
}

// HealthCheck reports a composite liveness snapshot: the running flag,
// per-stream liveness, and whether storage is reachable (spec.md §4.8).
func (rt *AgentRuntime) HealthCheck() map[string]interface{} {
	rt.mu.Lock()
	running := rt.running
	streams := make(map[string]*ExecutionStream, len(rt.streams))
	for k, v := range rt.streams {
		streams[k] = v
	}
	rt.mu.Unlock()

	streamHealth := make(map[string]bool, len(streams))
	for id, s := range streams {
		streamHealth[id] = s.Healthy()
	}
	_, statErr := os.Stat(rt.cfg.StoragePath)

	return map[string]interface{}{
		"running":           running,
		"streams_healthy":   streamHealth,
		"storage_reachable": statErr == nil,
	}
}

// IsRunning reports whether Start has been called without a matching
// Stop. Mirrors the Python original's is_running property
// (SPEC_FULL.md).
func (rt *AgentRuntime) IsRunning() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.running
}

// StateManager exposes the runtime's Shared State Manager, mirroring the
// Python original's state_manager property (SPEC_FULL.md): useful for
// tests and composition (e.g. seeding global state before Start).
func (rt *AgentRuntime) StateManager() *state.Manager { return rt.state }

// EventBus exposes the runtime's Event Bus, mirroring the Python
// original's event_bus property.
func (rt *AgentRuntime) EventBus() *eventbus.Bus { return rt.bus }

// LogStore exposes the Runtime Log Store for callers that want to browse
// runs directly (list_runs, load_summary, ...).
func (rt *AgentRuntime) LogStore() *logstore.Store { return rt.logs }

// Metrics exposes the runtime's Prometheus collector.
func (rt *AgentRuntime) Metrics() *metrics.Runtime { return rt.metrics }

// CancelExecution cancels an in-flight execution on entryPointID.
func (rt *AgentRuntime) CancelExecution(entryPointID, executionID string) (bool, error) {
	stream, err := rt.streamFor(entryPointID)
	if err != nil {
		return false, err
	}
	return stream.CancelExecution(executionID), nil
}

// GetResult returns an execution's result if it has finished.
func (rt *AgentRuntime) GetResult(entryPointID, executionID string) (*agent.ExecutionResult, error) {
	stream, err := rt.streamFor(entryPointID)
	if err != nil {
		return nil, err
	}
	res, ok := stream.GetResult(executionID)
	if !ok {
		return nil, nil
	}
	return res, nil
}
