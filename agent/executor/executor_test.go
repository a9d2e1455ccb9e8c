package executor

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/anthonix/agentrt/agent"
	"github.com/anthonix/agentrt/agent/eventbus"
	"github.com/anthonix/agentrt/agent/logstore"
	"github.com/anthonix/agentrt/agent/state"
	"github.com/anthonix/agentrt/agent/storage"
)

// fakeCreds reports every tool as credentialed when known is nil, so tool
// resolution never blocks a test unless a case passes a non-nil known map.
type fakeCreds struct{ known map[string]bool }

func (c fakeCreds) HasCredential(name string) bool {
	if c.known == nil {
		return true
	}
	return c.known[name]
}

func newTestExecutor(t *testing.T, graph *agent.GraphSpec, registry map[string]agent.Node, creds CredentialSet, opts ...Option) *Executor {
	t.Helper()
	st := storage.New(t.TempDir(), time.Hour, time.Millisecond, nil)
	if err := st.Start(); err != nil {
		t.Fatalf("storage start: %v", err)
	}
	t.Cleanup(func() { _ = st.Stop() })

	mgr := state.New(st, time.Hour)
	bus := eventbus.New(100, nil)
	logs := logstore.New(t.TempDir(), nil)

	if creds == nil {
		creds = fakeCreds{}
	}

	ex, err := New(graph, registry, mgr, bus, logs, creds, nil, nil, opts...)
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}
	return ex
}

func run(ex *Executor, input map[string]interface{}) agent.ExecutionResult {
	rng := rand.New(rand.NewSource(1))
	return ex.Run(context.Background(), "run1", "exec1", "stream1", input, rng)
}

// alwaysSucceed returns a fixed output every attempt.
func alwaysSucceed(output map[string]interface{}) agent.Node {
	return agent.NodeFunc(func(_ context.Context, _ *agent.NodeContext) (agent.NodeResult, error) {
		return agent.NodeResult{Success: true, Output: output}, nil
	})
}

// TestRun_LinearSuccess covers n1 -> n2 -> n3, all on_success, terminal
// {n3}, each step returning step_i_output="v".
func TestRun_LinearSuccess(t *testing.T) {
	graph := &agent.GraphSpec{
		ID:            "g1",
		EntryNode:     "n1",
		TerminalNodes: []string{"n3"},
		Nodes: []agent.NodeSpec{
			{ID: "n1", Type: "n1", OutputKeys: []string{"step_1_output"}},
			{ID: "n2", Type: "n2", OutputKeys: []string{"step_2_output"}},
			{ID: "n3", Type: "n3", OutputKeys: []string{"step_3_output"}},
		},
		Edges: []agent.EdgeSpec{
			{ID: "e1", Source: "n1", Target: "n2", Condition: agent.CondOnSuccess},
			{ID: "e2", Source: "n2", Target: "n3", Condition: agent.CondOnSuccess},
		},
	}
	if err := graph.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	step := func(id string) agent.Node {
		return alwaysSucceed(map[string]interface{}{"step_" + id + "_output": "v"})
	}
	registry := map[string]agent.Node{
		"n1": step("1"),
		"n2": step("2"),
		"n3": step("3"),
	}

	ex := newTestExecutor(t, graph, registry, nil)
	res := run(ex, map[string]interface{}{})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Status != agent.StatusCompleted {
		t.Errorf("status = %v, want completed", res.Status)
	}
	if res.Quality != agent.QualityClean {
		t.Errorf("quality = %v, want clean", res.Quality)
	}
	if want := []string{"n1", "n2", "n3"}; !equalStrings(res.Path, want) {
		t.Errorf("path = %v, want %v", res.Path, want)
	}
	if res.StepsExecuted != 3 {
		t.Errorf("steps_executed = %d, want 3", res.StepsExecuted)
	}
	if res.Output["step_3_output"] != "v" {
		t.Errorf("output[step_3_output] = %v, want v", res.Output["step_3_output"])
	}
}

// TestRun_S4_WallClockTimeout covers three 300ms-sleeping nodes chained
// with a 500ms execution_timeout_seconds: the run must end TIMED_OUT
// having completed at least one but fewer than all three steps.
func TestRun_S4_WallClockTimeout(t *testing.T) {
	timeout := 0.5
	graph := &agent.GraphSpec{
		ID:                      "g4s",
		EntryNode:               "n1",
		TerminalNodes:           []string{"n3"},
		ExecutionTimeoutSeconds: &timeout,
		Nodes: []agent.NodeSpec{
			{ID: "n1", Type: "n1"},
			{ID: "n2", Type: "n2"},
			{ID: "n3", Type: "n3"},
		},
		Edges: []agent.EdgeSpec{
			{ID: "e1", Source: "n1", Target: "n2", Condition: agent.CondAlways},
			{ID: "e2", Source: "n2", Target: "n3", Condition: agent.CondAlways},
		},
	}
	if err := graph.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	sleepy := agent.NodeFunc(func(_ context.Context, _ *agent.NodeContext) (agent.NodeResult, error) {
		time.Sleep(300 * time.Millisecond)
		return agent.NodeResult{Success: true}, nil
	})
	registry := map[string]agent.Node{"n1": sleepy, "n2": sleepy, "n3": sleepy}

	ex := newTestExecutor(t, graph, registry, nil)
	res := run(ex, nil)

	if res.Success {
		t.Fatalf("expected success=false on timeout, got %+v", res)
	}
	if res.Status != agent.StatusTimedOut {
		t.Fatalf("status = %v, want timed_out", res.Status)
	}
	if res.StepsExecuted < 1 || res.StepsExecuted >= 3 {
		t.Errorf("steps_executed = %d, want in [1,3)", res.StepsExecuted)
	}
	if res.SessionState == nil {
		t.Fatal("expected session_state on timeout")
	}
	if res.SessionState.Memory == nil {
		t.Error("expected session_state.memory to be present")
	}
	if res.SessionState.ExecutionPath == nil {
		t.Error("expected session_state.execution_path to be present")
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("error = %q, want it to contain %q", res.Error, "timed out")
	}
	if res.Quality != agent.QualityFailed {
		t.Errorf("quality = %v, want failed", res.Quality)
	}
}

func TestRun_RetryThenRecover(t *testing.T) {
	graph := &agent.GraphSpec{
		ID:            "g2",
		EntryNode:     "flaky",
		TerminalNodes: []string{"flaky"},
		Nodes: []agent.NodeSpec{
			{ID: "flaky", Type: "flaky", MaxRetries: 3},
		},
	}
	if err := graph.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	calls := 0
	registry := map[string]agent.Node{
		"flaky": agent.NodeFunc(func(_ context.Context, nc *agent.NodeContext) (agent.NodeResult, error) {
			calls++
			if calls < 3 {
				return agent.NodeResult{Success: false, Error: "not yet"}, nil
			}
			return agent.NodeResult{Success: true, Output: map[string]interface{}{"done": true}}, nil
		}),
	}

	ex := newTestExecutor(t, graph, registry, nil, WithRetryBackoff(time.Millisecond, 10*time.Millisecond, 0))
	res := run(ex, nil)

	if !res.Success {
		t.Fatalf("expected eventual success, got %+v", res)
	}
	if res.Quality != agent.QualityRecovered {
		t.Errorf("quality = %v, want recovered", res.Quality)
	}
	if res.TotalRetries != 2 {
		t.Errorf("total retries = %d, want 2 (3 attempts, 2 retries)", res.TotalRetries)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRun_BranchOnFailure(t *testing.T) {
	graph := &agent.GraphSpec{
		ID:            "g3",
		EntryNode:     "risky",
		TerminalNodes: []string{"recover", "happy"},
		Nodes: []agent.NodeSpec{
			{ID: "risky", Type: "risky"},
			{ID: "happy", Type: "happy"},
			{ID: "recover", Type: "recover"},
		},
		Edges: []agent.EdgeSpec{
			{ID: "e1", Source: "risky", Target: "happy", Condition: agent.CondOnSuccess, Priority: 1},
			{ID: "e2", Source: "risky", Target: "recover", Condition: agent.CondOnFailure, Priority: 1},
		},
	}
	if err := graph.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	registry := map[string]agent.Node{
		"risky":   agent.NodeFunc(func(_ context.Context, _ *agent.NodeContext) (agent.NodeResult, error) { return agent.NodeResult{Success: false, Error: "boom"}, nil }),
		"happy":   alwaysSucceed(nil),
		"recover": alwaysSucceed(map[string]interface{}{"recovered": true}),
	}

	ex := newTestExecutor(t, graph, registry, nil)
	res := run(ex, nil)

	if len(res.Path) != 2 || res.Path[1] != "recover" {
		t.Fatalf("expected path to end at recover, got %v", res.Path)
	}
}

// TestRun_ExecutionTimeout covers a graph that keeps looping back to
// itself: the wall-clock deadline is checked between node invocations, so
// a self-loop that takes a few milliseconds per step eventually crosses a
// short execution_timeout_seconds.
func TestRun_ExecutionTimeout(t *testing.T) {
	timeout := 0.02 // seconds
	graph := &agent.GraphSpec{
		ID:                      "g4",
		EntryNode:               "slow",
		ExecutionTimeoutSeconds: &timeout,
		MaxSteps:                10000,
		Nodes: []agent.NodeSpec{
			{ID: "slow", Type: "slow"},
		},
		Edges: []agent.EdgeSpec{
			{ID: "e1", Source: "slow", Target: "slow", Condition: agent.CondAlways},
		},
	}
	if err := graph.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	registry := map[string]agent.Node{
		"slow": agent.NodeFunc(func(_ context.Context, _ *agent.NodeContext) (agent.NodeResult, error) {
			time.Sleep(5 * time.Millisecond)
			return agent.NodeResult{Success: true}, nil
		}),
	}

	ex := newTestExecutor(t, graph, registry, nil)
	res := run(ex, nil)

	if res.Status != agent.StatusTimedOut {
		t.Fatalf("status = %v, want timed_out", res.Status)
	}
	if res.SessionState == nil {
		t.Fatalf("expected a resumable session state snapshot on timeout")
	}
}

// TestRun_ZeroExecutionTimeout covers the boundary where
// execution_timeout_seconds is set to exactly zero: the deadline is
// already in the past by the next node boundary, so the run ends
// TIMED_OUT after its first step rather than running forever.
func TestRun_ZeroExecutionTimeout(t *testing.T) {
	zero := 0.0
	graph := &agent.GraphSpec{
		ID:                      "g5",
		EntryNode:               "a",
		ExecutionTimeoutSeconds: &zero,
		MaxSteps:                10000,
		Nodes: []agent.NodeSpec{
			{ID: "a", Type: "a"},
		},
		Edges: []agent.EdgeSpec{
			{ID: "e1", Source: "a", Target: "a", Condition: agent.CondAlways},
		},
	}
	if err := graph.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	registry := map[string]agent.Node{"a": alwaysSucceed(nil)}

	ex := newTestExecutor(t, graph, registry, nil)
	res := run(ex, nil)

	if res.Status != agent.StatusTimedOut {
		t.Fatalf("status = %v, want timed_out for a zero-second execution timeout", res.Status)
	}
	if res.StepsExecuted < 1 {
		t.Errorf("steps_executed = %d, want >= 1", res.StepsExecuted)
	}
}

// TestRun_ZeroMaxRetries covers the boundary where a node's max_retries
// is zero: exactly one attempt is made regardless of outcome.
func TestRun_ZeroMaxRetries(t *testing.T) {
	graph := &agent.GraphSpec{
		ID:            "g6",
		EntryNode:     "once",
		TerminalNodes: []string{"once"},
		Nodes: []agent.NodeSpec{
			{ID: "once", Type: "once", MaxRetries: 0},
		},
	}
	if err := graph.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	calls := 0
	registry := map[string]agent.Node{
		"once": agent.NodeFunc(func(_ context.Context, _ *agent.NodeContext) (agent.NodeResult, error) {
			calls++
			return agent.NodeResult{Success: false, Error: "always fails"}, nil
		}),
	}

	ex := newTestExecutor(t, graph, registry, nil)
	res := run(ex, nil)

	if calls != 1 {
		t.Fatalf("calls = %d, want exactly 1", calls)
	}
	if res.TotalRetries != 0 {
		t.Errorf("total retries = %d, want 0", res.TotalRetries)
	}
	if res.Success {
		t.Errorf("expected the run to end unsuccessfully")
	}
}

// TestRun_NoOutgoingEdgeEndsRun covers the boundary where a non-terminal
// node has no matching outgoing edge: the run completes at that node
// instead of erroring.
func TestRun_NoOutgoingEdgeEndsRun(t *testing.T) {
	graph := &agent.GraphSpec{
		ID:        "g7",
		EntryNode: "dangling",
		Nodes: []agent.NodeSpec{
			{ID: "dangling", Type: "dangling"},
		},
	}
	if err := graph.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	registry := map[string]agent.Node{"dangling": alwaysSucceed(map[string]interface{}{"k": "v"})}

	ex := newTestExecutor(t, graph, registry, nil)
	res := run(ex, nil)

	if res.StepsExecuted != 1 {
		t.Fatalf("steps = %d, want 1", res.StepsExecuted)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
}

func TestRun_SystemExceptionTreatedAsFailure(t *testing.T) {
	graph := &agent.GraphSpec{
		ID:            "g8",
		EntryNode:     "panics",
		TerminalNodes: []string{"panics"},
		Nodes: []agent.NodeSpec{
			{ID: "panics", Type: "panics", MaxRetries: 1},
		},
	}
	if err := graph.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	registry := map[string]agent.Node{
		"panics": agent.NodeFunc(func(_ context.Context, _ *agent.NodeContext) (agent.NodeResult, error) {
			return agent.NodeResult{}, errors.New("boom")
		}),
	}

	ex := newTestExecutor(t, graph, registry, nil, WithRetryBackoff(time.Millisecond, time.Millisecond, 0))
	res := run(ex, nil)

	if res.Success {
		t.Fatalf("expected failure from a system exception, got %+v", res)
	}
	if res.NodesWithFailures == nil || res.NodesWithFailures[0] != "panics" {
		t.Errorf("nodes_with_failures = %v, want [panics]", res.NodesWithFailures)
	}
}

func TestRun_MissingToolCredentialRefusesConstruction(t *testing.T) {
	graph := &agent.GraphSpec{
		ID:            "g9",
		EntryNode:     "needs_tool",
		TerminalNodes: []string{"needs_tool"},
		Nodes: []agent.NodeSpec{
			{ID: "needs_tool", Type: "needs_tool", Tools: [][]string{{"search_api"}}},
		},
	}
	if err := graph.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	registry := map[string]agent.Node{"needs_tool": alwaysSucceed(nil)}

	st := storage.New(t.TempDir(), time.Hour, time.Millisecond, nil)
	_ = st.Start()
	t.Cleanup(func() { _ = st.Stop() })
	mgr := state.New(st, time.Hour)
	bus := eventbus.New(10, nil)
	logs := logstore.New(t.TempDir(), nil)

	_, err := New(graph, registry, mgr, bus, logs, fakeCreds{known: map[string]bool{}}, nil, nil)
	if err == nil {
		t.Fatal("expected construction to fail when a required tool has no credential")
	}
	var ee *agent.EngineError
	if !errors.As(err, &ee) || ee.Code != agent.CodeMissingToolCredential {
		t.Fatalf("expected CodeMissingToolCredential, got %v", err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
