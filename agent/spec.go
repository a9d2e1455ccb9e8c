// Package agent defines the graph/goal data model shared by the runtime's
// components: node and edge specifications, node results and context, and
// the final execution result.
package agent

import (
	"fmt"
	"time"
)

// NodeType is the closed set of node kinds a GraphSpec node may declare.
type NodeType string

const (
	NodeEventLoop   NodeType = "event_loop"
	NodeLLMGenerate NodeType = "llm_generate"
	NodeLLMToolUse  NodeType = "llm_tool_use"
	NodeRouter      NodeType = "router"
	NodeFunction    NodeType = "function"
	NodeHumanInput  NodeType = "human_input"
	NodeInput       NodeType = "input"
	NodeOutput      NodeType = "output"
)

// EdgeCondition selects how an edge is evaluated during pickNext.
type EdgeCondition string

const (
	CondAlways      EdgeCondition = "always"
	CondOnSuccess   EdgeCondition = "on_success"
	CondOnFailure   EdgeCondition = "on_failure"
	CondConditional EdgeCondition = "conditional"
	CondLLMDecide   EdgeCondition = "llm_decide"
)

// NodeSpec describes one node in a GraphSpec. Tools is the node's tool
// declaration: each inner slice is a fallback group (a single-element
// group is a Tier 1 exact requirement; a multi-element group is Tier 2,
// resolved to the first tool whose credential is present).
type NodeSpec struct {
	ID          string
	Name        string
	Description string
	Type        NodeType
	InputKeys   []string
	OutputKeys  []string
	Tools       [][]string
	SystemPrompt string
	MaxRetries  int
	Routes      map[string]string // node_type=router: decision value -> target node id
}

// EdgeSpec describes one directed edge between two nodes.
type EdgeSpec struct {
	ID            string
	Source        string
	Target        string
	Condition     EdgeCondition
	ConditionExpr string
	Priority      int
	InputMapping  map[string]string // source key -> target key, copy-with-retain semantics
}

// Goal describes the agent's objective. Consumed only by the outcome
// aggregator; the executor never evaluates goals itself.
type Goal struct {
	ID               string
	Name             string
	Description      string
	SuccessCriteria  []string
	Constraints      []string
}

// GraphSpec is the immutable description of one agent.
type GraphSpec struct {
	ID                       string
	GoalID                   string
	EntryNode                string
	TerminalNodes            []string
	Nodes                    []NodeSpec
	Edges                    []EdgeSpec
	ExecutionTimeoutSeconds  *float64 // nil disables the wall-clock cap
	MaxSteps                 int

	nodeIndex      map[string]*NodeSpec
	terminalIndex  map[string]bool
	edgesBySource  map[string][]*EdgeSpec
}

// Validate checks the graph invariants from spec.md §3 and builds the
// internal indices used by GetNode / IsTerminal / EdgesFrom. Call once
// after constructing a GraphSpec, before handing it to an Executor.
func (g *GraphSpec) Validate() error {
	if g.ID == "" {
		return &EngineError{Code: CodeInvalidGraph, Message: "graph id is empty"}
	}
	if g.EntryNode == "" {
		return &EngineError{Code: CodeInvalidGraph, Message: "entry_node is empty"}
	}
	if g.MaxSteps <= 0 {
		g.MaxSteps = 1000
	}

	g.nodeIndex = make(map[string]*NodeSpec, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return &EngineError{Code: CodeInvalidGraph, Message: "node id is empty"}
		}
		if _, dup := g.nodeIndex[n.ID]; dup {
			return &EngineError{Code: CodeInvalidGraph, Message: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		g.nodeIndex[n.ID] = n
	}
	if _, ok := g.nodeIndex[g.EntryNode]; !ok {
		return &EngineError{Code: CodeInvalidGraph, Message: fmt.Sprintf("entry node %q not found", g.EntryNode)}
	}

	g.terminalIndex = make(map[string]bool, len(g.TerminalNodes))
	for _, id := range g.TerminalNodes {
		if _, ok := g.nodeIndex[id]; !ok {
			return &EngineError{Code: CodeInvalidGraph, Message: fmt.Sprintf("terminal node %q not found", id)}
		}
		g.terminalIndex[id] = true
	}

	g.edgesBySource = make(map[string][]*EdgeSpec, len(g.Edges))
	for i := range g.Edges {
		e := &g.Edges[i]
		if e.ID == "" {
			return &EngineError{Code: CodeInvalidGraph, Message: "edge id is empty"}
		}
		if _, ok := g.nodeIndex[e.Source]; !ok {
			return &EngineError{Code: CodeInvalidGraph, Message: fmt.Sprintf("edge %q source %q not found", e.ID, e.Source)}
		}
		if _, ok := g.nodeIndex[e.Target]; !ok {
			return &EngineError{Code: CodeInvalidGraph, Message: fmt.Sprintf("edge %q target %q not found", e.ID, e.Target)}
		}
		g.edgesBySource[e.Source] = append(g.edgesBySource[e.Source], e)
	}

	return nil
}

// GetNode returns the node spec for id, or false if not present.
func (g *GraphSpec) GetNode(id string) (*NodeSpec, bool) {
	n, ok := g.nodeIndex[id]
	return n, ok
}

// IsTerminal reports whether id is one of the graph's terminal nodes.
func (g *GraphSpec) IsTerminal(id string) bool {
	return g.terminalIndex[id]
}

// EdgesFrom returns the outgoing edges declared for node id, in
// declaration order (pickNext re-sorts by priority, using this order to
// break ties).
func (g *GraphSpec) EdgesFrom(id string) []*EdgeSpec {
	return g.edgesBySource[id]
}

// ExecutionTimeout returns the configured wall-clock cap, or 0 if disabled.
func (g *GraphSpec) ExecutionTimeout() time.Duration {
	if g.ExecutionTimeoutSeconds == nil {
		return 0
	}
	return time.Duration(*g.ExecutionTimeoutSeconds * float64(time.Second))
}

// AllToolNames flattens every node's tool declaration (both tiers) into a
// single deduplicated list, per spec.md §6.1's all_tool_names() helper.
func (g *GraphSpec) AllToolNames() []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range g.Nodes {
		for _, group := range n.Tools {
			for _, name := range group {
				if !seen[name] {
					seen[name] = true
					out = append(out, name)
				}
			}
		}
	}
	return out
}
