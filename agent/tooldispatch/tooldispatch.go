// Package tooldispatch adapts the teacher's graph/tool.Tool collaborator
// interface into the tool dispatcher contract: a Registry is both the
// agent.ToolDispatchFunc the executor calls through NodeContext.Dispatch
// and the executor.CredentialSet used to resolve each node's Tier
// 1/Tier 2 declared tools at construction time. Concrete tool
// implementations (web search, Slack, Plaid, ...) are out of scope and
// left to callers to register.
package tooldispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthonix/agentrt/agent"
	"github.com/anthonix/agentrt/graph/tool"
)

// CredentialChecker reports whether name's credential is currently
// configured. A nil checker means every registered tool is considered
// credentialed (useful for tests and tools that need none, e.g. a pure
// calculator).
type CredentialChecker func(name string) bool

// Registry holds named tool.Tool implementations and dispatches calls to
// them, recording credential-error diagnostics the way spec.md §6.1
// requires ("unknown tools return is_error=true with a diagnostic").
type Registry struct {
	mu    sync.RWMutex
	tools map[string]tool.Tool
	creds CredentialChecker
}

// New constructs an empty Registry. checker may be nil.
func New(checker CredentialChecker) *Registry {
	return &Registry{tools: make(map[string]tool.Tool), creds: checker}
}

// Register adds t under its own Name(), overwriting any prior
// registration for that name.
func (r *Registry) Register(t tool.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// HasCredential implements executor.CredentialSet: a name is credentialed
// if it is registered and (when a checker is configured) the checker
// confirms its credential is present.
func (r *Registry) HasCredential(name string) bool {
	r.mu.RLock()
	_, registered := r.tools[name]
	r.mu.RUnlock()
	if !registered {
		return false
	}
	if r.creds == nil {
		return true
	}
	return r.creds(name)
}

// Dispatch implements agent.ToolDispatchFunc: it looks up name and calls
// it, translating a Go error into ToolResult{IsError:true} rather than
// propagating it, per spec.md §6.1.
func (r *Registry) Dispatch(ctx context.Context, name string, input map[string]interface{}) (agent.ToolResult, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return agent.ToolResult{OK: false, IsError: true, Content: fmt.Sprintf("unknown tool %q", name)}, nil
	}
	if r.creds != nil && !r.creds(name) {
		return agent.ToolResult{OK: false, IsError: true, CredentialError: true, Content: fmt.Sprintf("missing credential for tool %q", name)}, nil
	}

	out, err := t.Call(ctx, input)
	if err != nil {
		return agent.ToolResult{OK: false, IsError: true, Content: err.Error()}, nil
	}
	return agent.ToolResult{OK: true, Content: fmt.Sprintf("%v", out)}, nil
}
