// Package executor implements the Graph Executor (spec.md §4.6): the
// component that walks one GraphSpec from its entry node to a terminal
// node, applying per-node retry/backoff, wall-clock timeout enforcement,
// shared-state propagation along edges, and durable per-run logging.
package executor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/anthonix/agentrt/agent"
	"github.com/anthonix/agentrt/agent/eventbus"
	"github.com/anthonix/agentrt/agent/logstore"
	"github.com/anthonix/agentrt/agent/state"
	"github.com/anthonix/agentrt/graph/model"
)

// CredentialSet reports whether a named tool's credential is currently
// configured, used to resolve each node's Tier 1/Tier 2 tool declaration
// at construction time (spec.md §6.1).
type CredentialSet interface {
	HasCredential(toolName string) bool
}

// Executor runs one GraphSpec to completion. Construct with New; the
// zero value is not usable.
type Executor struct {
	graph    *agent.GraphSpec
	registry map[string]agent.Node
	state    *state.Manager
	bus      *eventbus.Bus
	logs     *logstore.Store
	creds    CredentialSet
	policy   Policy
	dispatch agent.ToolDispatchFunc
	llm      model.ChatModel
}

// New validates graph and resolves every node's effective tool list
// against creds before returning an Executor, refusing to construct one
// if a Tier 1 (single-tool) requirement has no credential, or a Tier 2
// (fallback list) requirement has no credentialed member anywhere in the
// list (spec.md §6.1, §9 scenario S5).
func New(
	graph *agent.GraphSpec,
	registry map[string]agent.Node,
	stateMgr *state.Manager,
	bus *eventbus.Bus,
	logs *logstore.Store,
	creds CredentialSet,
	dispatch agent.ToolDispatchFunc,
	llm model.ChatModel,
	opts ...Option,
) (*Executor, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	policy := defaultPolicy()
	for _, opt := range opts {
		opt(&policy)
	}

	ex := &Executor{
		graph:    graph,
		registry: registry,
		state:    stateMgr,
		bus:      bus,
		logs:     logs,
		creds:    creds,
		policy:   policy,
		dispatch: dispatch,
		llm:      llm,
	}

	for i := range graph.Nodes {
		n := &graph.Nodes[i]
		if _, err := ex.resolveTools(n); err != nil {
			return nil, err
		}
		if _, ok := registry[string(n.Type)]; !ok {
			if _, ok := registry[n.ID]; !ok {
				return nil, &agent.EngineError{
					Code:    agent.CodeUnknownNode,
					Message: fmt.Sprintf("no Node implementation registered for node %q (type %q)", n.ID, n.Type),
				}
			}
		}
	}

	return ex, nil
}

// resolveTools applies spec.md §6.1's Tier 1/Tier 2 resolution: a
// single-element group is an exact requirement; a multi-element group is
// resolved to its first credentialed member. Returns the node's flattened
// effective tool list.
func (ex *Executor) resolveTools(n *agent.NodeSpec) ([]string, error) {
	var effective []string
	for _, group := range n.Tools {
		if len(group) == 0 {
			continue
		}
		if len(group) == 1 {
			name := group[0]
			if ex.creds != nil && !ex.creds.HasCredential(name) {
				return nil, &agent.EngineError{
					Code:    agent.CodeMissingToolCredential,
					Message: fmt.Sprintf("node %q requires tool %q but no credential is configured", n.ID, name),
				}
			}
			effective = append(effective, name)
			continue
		}
		resolved := ""
		for _, name := range group {
			if ex.creds == nil || ex.creds.HasCredential(name) {
				resolved = name
				break
			}
		}
		if resolved == "" {
			return nil, &agent.EngineError{
				Code:    agent.CodeMissingToolCredential,
				Message: fmt.Sprintf("node %q: no credentialed tool among fallback group %v", n.ID, group),
			}
		}
		effective = append(effective, resolved)
	}
	return effective, nil
}

func (ex *Executor) nodeFor(spec *agent.NodeSpec) (agent.Node, bool) {
	if n, ok := ex.registry[spec.ID]; ok {
		return n, true
	}
	n, ok := ex.registry[string(spec.Type)]
	return n, ok
}

// resolvedToolsFor recomputes a node's effective tool list. Recomputed
// rather than cached on NodeSpec so credential state can legitimately
// differ between executor constructions without mutating the shared
// GraphSpec.
func (ex *Executor) resolvedToolsFor(n *agent.NodeSpec) []string {
	tools, err := ex.resolveTools(n)
	if err != nil {
		// Already validated in New; a later failure here would mean
		// credentials were revoked mid-run. Fail soft to an empty list
		// rather than panic — the node itself will surface a dispatch
		// error if it actually needs the tool.
		return nil
	}
	return tools
}

// Run executes the graph from its entry node, returning the final
// ExecutionResult. runID identifies the durable log directory; rng
// drives the retry backoff jitter (inject a seeded source for
// deterministic replay, per runID).
func (ex *Executor) Run(ctx context.Context, runID, executionID, streamID string, initialInput map[string]interface{}, rng *rand.Rand) agent.ExecutionResult {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	start := time.Now()
	deadline := time.Time{}
	if ex.graph.ExecutionTimeoutSeconds != nil {
		deadline = start.Add(ex.graph.ExecutionTimeout())
	}

	if ex.logs != nil {
		_ = ex.logs.EnsureRunDir(runID)
	}
	ex.emit(eventbus.RunStarted, streamID, executionID, nil)

	current := ex.graph.EntryNode
	var path []string
	var nodesWithFailures []string
	totalRetries := 0
	totalTokens := 0
	steps := 0

	sharedInput := cloneMap(initialInput)
	for k, v := range sharedInput {
		_ = ex.writeExecState(k, v, executionID, streamID)
	}

	status := agent.StatusRunning

	for {
		if err := ctx.Err(); err != nil {
			status = agent.StatusCancelled
			return ex.finish(runID, executionID, start, path, steps, totalRetries, totalTokens, nodesWithFailures,
				agent.ExecutionResult{Success: false, Error: "cancelled", Status: status},
				ex.sessionState(executionID, path))
		}

		// steps>0 guarantees the boundary check never preempts the very
		// first node: a zero-second timeout still lets one step run before
		// the next boundary ends the graph as TIMED_OUT.
		if steps > 0 && !deadline.IsZero() && time.Now().After(deadline) {
			status = agent.StatusTimedOut
			res := agent.ExecutionResult{
				Success: false,
				Error:   fmt.Sprintf("execution timed out after %v", ex.graph.ExecutionTimeout()),
				Status:  status,
				Quality: agent.QualityFailed,
			}
			return ex.finish(runID, executionID, start, path, steps, totalRetries, totalTokens, nodesWithFailures, res, ex.sessionState(executionID, path))
		}

		if steps >= ex.graph.MaxSteps {
			status = agent.StatusFailed
			res := agent.ExecutionResult{
				Success: false,
				Error:   "max_steps_exceeded",
				Status:  status,
				Quality: agent.QualityFailed,
			}
			return ex.finish(runID, executionID, start, path, steps, totalRetries, totalTokens, nodesWithFailures, res, ex.sessionState(executionID, path))
		}

		spec, ok := ex.graph.GetNode(current)
		if !ok {
			status = agent.StatusFailed
			res := agent.ExecutionResult{
				Success: false,
				Error:   fmt.Sprintf("unknown node %q", current),
				Status:  status,
				Quality: agent.QualityFailed,
			}
			return ex.finish(runID, executionID, start, path, steps, totalRetries, totalTokens, nodesWithFailures, res, nil)
		}

		nodeImpl, ok := ex.nodeFor(spec)
		if !ok {
			status = agent.StatusFailed
			res := agent.ExecutionResult{
				Success: false,
				Error:   fmt.Sprintf("no implementation for node %q", current),
				Status:  status,
				Quality: agent.QualityFailed,
			}
			return ex.finish(runID, executionID, start, path, steps, totalRetries, totalTokens, nodesWithFailures, res, nil)
		}

		path = append(path, current)
		steps++

		suppressEvents := spec.Type == agent.NodeEventLoop
		if !suppressEvents {
			ex.emit(eventbus.NodeStarted, streamID, executionID, map[string]interface{}{"node_id": current})
		}

		nodeInput := ex.readExecInput(spec, executionID, streamID)
		nc := &agent.NodeContext{
			NodeID:      current,
			ExecutionID: executionID,
			StreamID:    streamID,
			RunID:       runID,
			Input:       nodeInput,
			Tools:       ex.resolvedToolsFor(spec),
			Dispatch:    WrapDispatch(ex.logs, runID, current, ex.dispatch),
			LLM:         ex.llm,
		}

		nodeStart := time.Now()
		result, attempts := runNodeWithRetry(ctx, nodeImpl, nc, spec, ex.policy, rng)
		latency := time.Since(nodeStart)
		result.LatencyMs = latency.Milliseconds()
		totalRetries += attempts
		totalTokens += result.TokensUsed

		if !result.Success {
			nodesWithFailures = append(nodesWithFailures, current)
		}

		for _, key := range spec.OutputKeys {
			if v, ok := result.Output[key]; ok {
				_ = ex.writeExecState(key, v, executionID, streamID)
			}
		}

		if ex.logs != nil {
			_ = ex.logs.AppendNodeDetail(runID, logstore.NodeDetail{
				NodeID:           current,
				StartedAt:        nodeStart.UTC().Format(time.RFC3339Nano),
				DurationMs:       result.LatencyMs,
				Success:          result.Success,
				Error:            result.Error,
				TokensUsed:       result.TokensUsed,
				Retries:          result.RetriesUsed,
				ExecutionQuality: string(result.Quality),
			})
		}

		if ex.policy.Metrics != nil {
			ex.policy.Metrics.ObserveNodeLatency(current, string(result.Quality), latency)
			ex.policy.Metrics.IncRetries(current, result.RetriesUsed)
		}

		if !suppressEvents {
			ex.emit(eventbus.NodeCompleted, streamID, executionID, map[string]interface{}{
				"node_id": current,
				"success": result.Success,
				"quality": string(result.Quality),
			})
		}

		if ex.graph.IsTerminal(current) {
			status = agent.StatusCompleted
			if !result.Success {
				status = agent.StatusFailed
			}
			out := ex.terminalOutput(spec, executionID, streamID)
			res := agent.ExecutionResult{
				Success: result.Success,
				Output:  out,
				Error:   result.Error,
				Quality: result.Quality,
				Status:  status,
			}
			return ex.finish(runID, executionID, start, path, steps, totalRetries, totalTokens, nodesWithFailures, res, nil)
		}

		next, matched, err := pickNext(ctx, ex.graph, current, result, ex.policy, ex.execScopeSnapshot(executionID))
		if err != nil {
			status = agent.StatusFailed
			res := agent.ExecutionResult{
				Success: false,
				Error:   fmt.Sprintf("edge evaluation failed at %q: %s", current, err.Error()),
				Status:  status,
				Quality: agent.QualityFailed,
			}
			return ex.finish(runID, executionID, start, path, steps, totalRetries, totalTokens, nodesWithFailures, res, nil)
		}
		if !matched {
			status = agent.StatusCompleted
			if !result.Success {
				status = agent.StatusFailed
			}
			out := ex.terminalOutput(spec, executionID, streamID)
			res := agent.ExecutionResult{
				Success: result.Success,
				Output:  out,
				Error:   result.Error,
				Quality: result.Quality,
				Status:  status,
			}
			return ex.finish(runID, executionID, start, path, steps, totalRetries, totalTokens, nodesWithFailures, res, nil)
		}

		ex.applyEdgeMapping(current, next, executionID, streamID)
		ex.emit(eventbus.EdgeTraversed, streamID, executionID, map[string]interface{}{
			"from": current, "to": next,
		})
		current = next
	}
}

func (ex *Executor) applyEdgeMapping(from, to string, executionID, streamID string) {
	for _, e := range ex.graph.EdgesFrom(from) {
		if e.Target != to || len(e.InputMapping) == 0 {
			continue
		}
		snapshot, err := ex.state.Snapshot(executionID)
		if err != nil {
			continue
		}
		mapped := applyInputMapping(e, snapshot)
		for k, v := range mapped {
			_ = ex.writeExecState(k, v, executionID, streamID)
		}
	}
}

func (ex *Executor) readExecInput(spec *agent.NodeSpec, executionID, streamID string) map[string]interface{} {
	if len(spec.InputKeys) == 0 {
		snapshot, err := ex.state.Snapshot(executionID)
		if err != nil {
			return map[string]interface{}{}
		}
		return snapshot
	}
	out := make(map[string]interface{}, len(spec.InputKeys))
	for _, key := range spec.InputKeys {
		if v, ok, err := ex.state.Read(key, executionID, streamID, state.Isolated, state.ScopeExecution); err == nil && ok {
			out[key] = v
		}
	}
	return out
}

func (ex *Executor) writeExecState(key string, value interface{}, executionID, streamID string) error {
	return ex.state.Write(key, value, executionID, streamID, state.Isolated, state.ScopeExecution)
}

func (ex *Executor) terminalOutput(spec *agent.NodeSpec, executionID, streamID string) map[string]interface{} {
	if len(spec.OutputKeys) == 0 {
		snapshot, err := ex.state.Snapshot(executionID)
		if err != nil {
			return map[string]interface{}{}
		}
		return snapshot
	}
	out := make(map[string]interface{}, len(spec.OutputKeys))
	for _, key := range spec.OutputKeys {
		if v, ok, err := ex.state.Read(key, executionID, streamID, state.Isolated, state.ScopeExecution); err == nil && ok {
			out[key] = v
		}
	}
	return out
}

// execScopeSnapshot returns the execution partition's current contents,
// merged into the evaluation context a "conditional" edge's
// condition_expr sees alongside output/error (spec.md §4.6.4 step 1).
func (ex *Executor) execScopeSnapshot(executionID string) map[string]interface{} {
	snapshot, err := ex.state.Snapshot(executionID)
	if err != nil {
		return nil
	}
	return snapshot
}

func (ex *Executor) sessionState(executionID string, path []string) *agent.SessionState {
	snapshot, err := ex.state.Snapshot(executionID)
	if err != nil {
		snapshot = map[string]interface{}{}
	}
	return &agent.SessionState{Memory: snapshot, ExecutionPath: append([]string(nil), path...)}
}

func (ex *Executor) finish(
	runID, executionID string,
	start time.Time,
	path []string,
	steps, totalRetries, totalTokens int,
	nodesWithFailures []string,
	res agent.ExecutionResult,
	sessionState *agent.SessionState,
) agent.ExecutionResult {
	res.Path = path
	res.StepsExecuted = steps
	res.TotalRetries = totalRetries
	res.NodesWithFailures = nodesWithFailures
	res.RunID = runID
	res.ExecutionID = executionID
	res.SessionState = sessionState

	durationMs := time.Since(start).Milliseconds()
	if ex.logs != nil {
		summary := logstore.RunSummaryLog{
			RunID:              runID,
			AgentID:            ex.graph.ID,
			Status:             string(res.Status),
			StartedAt:          start.UTC().Format(time.RFC3339Nano),
			CompletedAt:        time.Now().UTC().Format(time.RFC3339Nano),
			DurationMs:         &durationMs,
			TotalNodesExecuted: steps,
			NodePath:           path,
			TotalOutputTokens:  totalTokens,
			ExecutionQuality:   string(res.Quality),
			NeedsAttention:     res.Status == agent.StatusFailed || res.Status == agent.StatusTimedOut,
		}
		_ = ex.logs.SaveSummary(runID, summary)
	}

	ex.emit(eventbus.RunCompleted, "", executionID, map[string]interface{}{
		"status":  string(res.Status),
		"success": res.Success,
	})

	return res
}

func (ex *Executor) emit(t eventbus.EventType, streamID, executionID string, payload map[string]interface{}) {
	if ex.bus == nil {
		return
	}
	ex.bus.Emit(eventbus.Event{
		Type:        t,
		StreamID:    streamID,
		ExecutionID: executionID,
		Payload:     payload,
	})
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
