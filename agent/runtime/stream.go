package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anthonix/agentrt/agent"
	"github.com/anthonix/agentrt/agent/eventbus"
	"github.com/anthonix/agentrt/agent/executor"
	"github.com/anthonix/agentrt/agent/logstore"
	"github.com/anthonix/agentrt/agent/metrics"
	"github.com/anthonix/agentrt/agent/outcome"
	"github.com/anthonix/agentrt/agent/state"
	"github.com/anthonix/agentrt/graph/model"
)

// EntryPoint describes one externally-triggerable gateway into a graph
// (spec.md §4.8 register_entry_point, GLOSSARY "Entry point").
type EntryPoint struct {
	ID    string
	Graph *agent.GraphSpec
	Goal  agent.Goal

	// Registry maps node type (or, for overrides, node id) to its Node
	// implementation.
	Registry map[string]agent.Node
	Creds    executor.CredentialSet
	Dispatch agent.ToolDispatchFunc
	LLM      model.ChatModel
	Opts     []executor.Option

	// MaxConcurrentExecutions overrides the runtime's Config value for
	// this entry point alone; zero means "use the runtime default."
	MaxConcurrentExecutions int
}

type executionRecord struct {
	result   *agent.ExecutionResult // nil while running
	done     chan struct{}
	cancel   context.CancelFunc
	started  time.Time
}

// ExecutionStream owns a bounded pool of concurrent Graph Executor runs
// for one entry point (spec.md §4.7). Construct via newStream from the
// owning AgentRuntime; Start before Execute, Stop to cancel in-flight
// runs and reject new ones.
type ExecutionStream struct {
	id       string
	graph    *agent.GraphSpec
	ex       *executor.Executor
	agg      *outcome.Aggregator
	bus      *eventbus.Bus
	logs     *logstore.Store
	metrics  *metrics.Runtime

	sem chan struct{}

	mu       sync.Mutex
	records  map[string]*executionRecord
	running  bool
	wg       sync.WaitGroup
}

func newStream(ep EntryPoint, stateMgr *state.Manager, bus *eventbus.Bus, logs *logstore.Store, m *metrics.Runtime, cfg Config) (*ExecutionStream, error) {
	baseOpts := []executor.Option{executor.WithRetryBackoff(cfg.DefaultRetry.BaseDelay, cfg.DefaultRetry.MaxDelay, cfg.DefaultRetry.JitterFactor)}
	if m != nil {
		baseOpts = append(baseOpts, executor.WithMetrics(m))
	}
	ex, err := executor.New(ep.Graph, ep.Registry, stateMgr, bus, logs, ep.Creds, ep.Dispatch, ep.LLM,
		append(baseOpts, ep.Opts...)...)
	if err != nil {
		return nil, err
	}

	maxConcurrent := ep.MaxConcurrentExecutions
	if maxConcurrent <= 0 {
		maxConcurrent = cfg.MaxConcurrentExecutions
	}

	return &ExecutionStream{
		id:      ep.ID,
		graph:   ep.Graph,
		ex:      ex,
		agg:     outcome.New(ep.Goal),
		bus:     bus,
		logs:    logs,
		metrics: m,
		sem:     make(chan struct{}, maxConcurrent),
		records: make(map[string]*executionRecord),
	}, nil
}

// Start marks the stream ready to accept Execute calls.
func (s *ExecutionStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	return nil
}

// Stop cancels every in-flight execution and rejects further Execute
// calls. It waits for in-flight runs to observe cancellation and return.
func (s *ExecutionStream) Stop() error {
	s.mu.Lock()
	s.running = false
	var cancels []context.CancelFunc
	for _, r := range s.records {
		if r.result == nil {
			cancels = append(cancels, r.cancel)
		}
	}
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	s.wg.Wait()
	return nil
}

func newExecutionID() string {
	return uuid.NewString()
}

func newRunID() string {
	return logstore.NewRunID(time.Now(), randomHex(8))
}

func randomHex(n int) string {
	buf := make([]byte, n/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand read failure is practically unobservable on any
		// real OS; fall back to a time-seeded value rather than panic.
		return fmt.Sprintf("%08x", time.Now().UnixNano())[:n]
	}
	return hex.EncodeToString(buf)
}

// seedFor derives a retry-jitter RNG seed from the execution id so a run
// can be replayed deterministically given the same id.
func seedFor(executionID string) int64 {
	h := new(big.Int)
	h.SetBytes([]byte(executionID))
	return h.Mod(h, big.NewInt(1<<62)).Int64()
}

// Execute allocates an execution id, launches a Graph Executor run in
// its own goroutine bounded by the stream's concurrency semaphore, and
// returns immediately (spec.md §4.7). correlationID, when non-empty, is
// recorded for trace propagation; sessionState, when non-nil, is used as
// the initial shared-state seed for resuming a previously timed-out run
// (spec.md §9 "Resumable timeouts").
func (s *ExecutionStream) Execute(ctx context.Context, input map[string]interface{}, correlationID string, sessionState *agent.SessionState) (string, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return "", &agent.EngineError{Code: agent.CodeCancelled, Message: "execution stream is not running"}
	}
	s.mu.Unlock()

	executionID := newExecutionID()
	runID := newRunID()

	runCtx, cancel := context.WithCancel(context.Background())
	rec := &executionRecord{done: make(chan struct{}), cancel: cancel, started: time.Now()}

	s.mu.Lock()
	s.records[executionID] = rec
	s.mu.Unlock()

	seedInput := input
	if sessionState != nil {
		seedInput = mergeMaps(sessionState.Memory, input)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(rec.done)

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-runCtx.Done():
			res := agent.ExecutionResult{Success: false, Error: "cancelled", Status: agent.StatusCancelled, RunID: runID, ExecutionID: executionID}
			s.complete(executionID, res, correlationID)
			return
		}

		if s.metrics != nil {
			s.metrics.SetInflight(s.id, len(s.sem))
		}

		rng := mrand.New(mrand.NewSource(seedFor(executionID)))
		res := s.ex.Run(runCtx, runID, executionID, s.id, seedInput, rng)

		if s.metrics != nil {
			s.metrics.SetInflight(s.id, len(s.sem)-1)
		}
		s.complete(executionID, res, correlationID)
	}()

	return executionID, nil
}

func (s *ExecutionStream) complete(executionID string, res agent.ExecutionResult, correlationID string) {
	res.CorrelationID = correlationID

	s.mu.Lock()
	rec, ok := s.records[executionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	rec.result = &res

	if s.agg != nil {
		s.agg.RecordExecution(res)
	}
	if s.metrics != nil {
		s.metrics.IncExecutions(s.id, string(res.Status))
	}
}

func mergeMaps(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// WaitForCompletion blocks until executionID's run finishes, ctx is
// cancelled, or timeout elapses (zero means no timeout), returning its
// ExecutionResult.
func (s *ExecutionStream) WaitForCompletion(ctx context.Context, executionID string, timeout time.Duration) (*agent.ExecutionResult, bool) {
	s.mu.Lock()
	rec, ok := s.records[executionID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case <-rec.done:
		return rec.result, true
	case <-ctx.Done():
		return nil, false
	case <-timeoutCh:
		return nil, false
	}
}

// CancelExecution requests cancellation of an in-flight execution.
// Returns false if executionID is unknown or already finished.
func (s *ExecutionStream) CancelExecution(executionID string) bool {
	s.mu.Lock()
	rec, ok := s.records[executionID]
	s.mu.Unlock()
	if !ok || rec.result != nil {
		return false
	}
	rec.cancel()
	return true
}

// GetResult returns executionID's result if it has finished, else
// (nil, false).
func (s *ExecutionStream) GetResult(executionID string) (*agent.ExecutionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[executionID]
	if !ok || rec.result == nil {
		return nil, false
	}
	return rec.result, true
}

// GoalProgress returns this stream's cumulative outcome snapshot.
func (s *ExecutionStream) GoalProgress() map[string]interface{} {
	return s.agg.EvaluateGoalProgress()
}

// Stats reports the stream's live execution counters.
func (s *ExecutionStream) Stats() map[string]interface{} {
	s.mu.Lock()
	total := len(s.records)
	inflight := 0
	for _, r := range s.records {
		if r.result == nil {
			inflight++
		}
	}
	s.mu.Unlock()
	out := map[string]interface{}{
		"total_executions":    total,
		"inflight_executions": inflight,
	}
	for k, v := range s.agg.Stats() {
		out[k] = v
	}
	return out
}

// Healthy reports whether the stream is accepting Execute calls.
func (s *ExecutionStream) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
