package agent

import (
	"context"

	"github.com/anthonix/agentrt/graph/model"
)

// ToolResult is the outcome of a tool dispatch, per spec.md §6.1.
type ToolResult struct {
	OK              bool
	Content         string
	IsError         bool
	CredentialError bool
}

// ToolDispatchFunc is the tool-dispatcher collaborator contract consumed
// through NodeContext. Unknown tools return IsError=true with a
// diagnostic Content rather than an error value.
type ToolDispatchFunc func(ctx context.Context, toolName string, input map[string]interface{}) (ToolResult, error)

// NodeContext is what the executor hands to a node invocation: a view of
// the execution's shared memory restricted to the node's declared
// input_keys, a tool dispatch callback, and an optional LLM handle.
type NodeContext struct {
	NodeID      string
	ExecutionID string
	StreamID    string
	RunID       string
	Attempt     int // 0-based attempt index within this node's retry budget

	// Input is the read-only view of shared execution state restricted to
	// the node's input_keys; a node that declares no input_keys receives
	// the whole execution partition.
	Input map[string]interface{}

	Dispatch ToolDispatchFunc
	LLM      model.ChatModel // nil if the graph was built without one

	// Tools is the node's effective tool list after Tier 1/Tier 2
	// credential resolution (see GraphExecutor construction).
	Tools []string
}

// Node is the behavior behind one NodeSpec. Implementations should be
// side-effect-idempotent per attempt where practical; the executor is the
// only caller responsible for retry bookkeeping.
//
// An error return is treated as a system exception: the executor converts
// it into a NodeResult{Success: false, Error: "System exception: ..."}
// and retries it exactly like a logical failure.
type Node interface {
	Run(ctx context.Context, nc *NodeContext) (NodeResult, error)
}

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc func(ctx context.Context, nc *NodeContext) (NodeResult, error)

func (f NodeFunc) Run(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	return f(ctx, nc)
}
