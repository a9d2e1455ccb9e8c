package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anthonix/agentrt/agent"
	"github.com/anthonix/agentrt/agent/executor"
	"github.com/anthonix/agentrt/agent/state"
)

// credsMap is a minimal executor.CredentialSet for tests: a tool name is
// credentialed iff the map reports true for it.
type credsMap map[string]bool

func (c credsMap) HasCredential(name string) bool { return c[name] }

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.StoragePath = t.TempDir()
	cfg.MaxConcurrentExecutions = 4
	cfg.CleanupInterval = time.Hour
	cfg.CleanupErrorBackoff = time.Hour
	return cfg
}

func fallbackToolGraph() *agent.GraphSpec {
	g := &agent.GraphSpec{
		ID:            "fallback-graph",
		EntryNode:     "search",
		TerminalNodes: []string{"search"},
		Nodes: []agent.NodeSpec{
			{ID: "search", Type: "search", Tools: [][]string{{"web_search", "exa_search"}}},
		},
	}
	if err := g.Validate(); err != nil {
		panic(err)
	}
	return g
}

// TestAgentRuntime_TierTwoFallback covers S5: a node declaring a Tier 2
// tool group resolves to its only credentialed member, and the runtime
// refuses to start at all (no node ever runs) when neither is present.
func TestAgentRuntime_TierTwoFallback(t *testing.T) {
	var capturedTools []string
	registry := map[string]agent.Node{
		"search": agent.NodeFunc(func(_ context.Context, nc *agent.NodeContext) (agent.NodeResult, error) {
			capturedTools = append([]string(nil), nc.Tools...)
			return agent.NodeResult{Success: true}, nil
		}),
	}

	rt := New(testConfig(t), nil)
	err := rt.RegisterEntryPoint(EntryPoint{
		ID:       "ep1",
		Graph:    fallbackToolGraph(),
		Goal:     agent.Goal{ID: "goal1"},
		Registry: registry,
		Creds:    credsMap{"exa_search": true},
	})
	if err != nil {
		t.Fatalf("RegisterEntryPoint: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Stop()

	res, err := rt.TriggerAndWait(context.Background(), "ep1", map[string]interface{}{}, "", nil)
	if err != nil {
		t.Fatalf("TriggerAndWait: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if want := []string{"exa_search"}; len(capturedTools) != 1 || capturedTools[0] != want[0] {
		t.Errorf("effective tools = %v, want %v", capturedTools, want)
	}
}

// TestAgentRuntime_TierTwoFallback_NoCredential covers S5's negative case:
// when neither fallback credential is configured, the runtime refuses to
// start (so no trigger can ever reach the node).
func TestAgentRuntime_TierTwoFallback_NoCredential(t *testing.T) {
	nodeRan := false
	registry := map[string]agent.Node{
		"search": agent.NodeFunc(func(_ context.Context, nc *agent.NodeContext) (agent.NodeResult, error) {
			nodeRan = true
			return agent.NodeResult{Success: true}, nil
		}),
	}

	rt := New(testConfig(t), nil)
	err := rt.RegisterEntryPoint(EntryPoint{
		ID:       "ep1",
		Graph:    fallbackToolGraph(),
		Goal:     agent.Goal{ID: "goal1"},
		Registry: registry,
		Creds:    credsMap{},
	})
	if err != nil {
		t.Fatalf("RegisterEntryPoint: %v", err)
	}

	err = rt.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail when no fallback tool credential is configured")
	}
	var ee *agent.EngineError
	if !errors.As(err, &ee) || ee.Code != agent.CodeMissingToolCredential {
		t.Fatalf("expected a missing-tool-credential error, got %v", err)
	}
	if nodeRan {
		t.Error("node must never run when no fallback credential is configured")
	}
}

// TestAgentRuntime_StatePersistsAcrossRestart covers S6: a value written
// to the global scope survives a Stop/New/Start cycle against the same
// storage directory, lazily rehydrated on first read.
func TestAgentRuntime_StatePersistsAcrossRestart(t *testing.T) {
	cfg := testConfig(t)

	rt1 := New(cfg, nil)
	if err := rt1.Start(context.Background()); err != nil {
		t.Fatalf("rt1.Start: %v", err)
	}
	if err := rt1.StateManager().Write("app", "X", "", "", state.Shared, state.ScopeGlobal); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := rt1.Stop(); err != nil {
		t.Fatalf("rt1.Stop: %v", err)
	}

	rt2 := New(cfg, nil)
	if err := rt2.Start(context.Background()); err != nil {
		t.Fatalf("rt2.Start: %v", err)
	}
	defer rt2.Stop()

	before := rt2.StateManager().Stats()
	if n, _ := before["global_partitions"].(int); n != 0 {
		t.Fatalf("global_partitions before read = %v, want 0 (nothing loaded yet)", before["global_partitions"])
	}

	v, ok, err := rt2.StateManager().Read("app", "", "", state.Shared, state.ScopeGlobal)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ok || v != "X" {
		t.Fatalf("read(app) = (%v, %v), want (X, true)", v, ok)
	}

	after := rt2.StateManager().Stats()
	if n, _ := after["global_partitions"].(int); n != 1 {
		t.Fatalf("global_partitions after read = %v, want 1", after["global_partitions"])
	}
}

// TestAgentRuntime_RegisterWhileRunningRejected exercises the lifecycle
// invariant that entry points can only be (un)registered while stopped.
func TestAgentRuntime_RegisterWhileRunningRejected(t *testing.T) {
	rt := New(testConfig(t), nil)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Stop()

	err := rt.RegisterEntryPoint(EntryPoint{ID: "late", Graph: fallbackToolGraph()})
	if err == nil {
		t.Fatal("expected RegisterEntryPoint to fail while running")
	}
}

// TestAgentRuntime_TriggerUnknownEntryPoint covers routing to an entry
// point id the runtime has never registered.
func TestAgentRuntime_TriggerUnknownEntryPoint(t *testing.T) {
	rt := New(testConfig(t), nil)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Stop()

	_, err := rt.Trigger(context.Background(), "does-not-exist", nil, "", nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered entry point")
	}
}

var _ executor.CredentialSet = credsMap{}
