package executor

import (
	"context"
	"sort"

	"github.com/anthonix/agentrt/agent"
	"github.com/anthonix/agentrt/agent/expr"
)

// pickNext selects the next node to visit after from, per spec.md §4.6.4:
// candidate edges are those whose condition is satisfied given result,
// ordered by descending priority (ties broken by declaration order); the
// first satisfied edge wins. Returns ("", false) if no edge matches,
// which ends the run at from.
func pickNext(ctx context.Context, g *agent.GraphSpec, from string, result agent.NodeResult, policy Policy, execScope map[string]interface{}) (string, bool, error) {
	edges := append([]*agent.EdgeSpec(nil), g.EdgesFrom(from)...)
	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].Priority > edges[j].Priority
	})

	for _, e := range edges {
		ok, err := edgeMatches(ctx, e, result, policy, execScope)
		if err != nil {
			return "", false, err
		}
		if ok {
			return e.Target, true, nil
		}
	}
	return "", false, nil
}

func edgeMatches(ctx context.Context, e *agent.EdgeSpec, result agent.NodeResult, policy Policy, execScope map[string]interface{}) (bool, error) {
	switch e.Condition {
	case agent.CondAlways:
		return true, nil
	case agent.CondOnSuccess:
		return result.Success, nil
	case agent.CondOnFailure:
		return !result.Success, nil
	case agent.CondConditional:
		evalCtx := make(map[string]interface{}, len(execScope)+4)
		for k, v := range execScope {
			evalCtx[k] = v
		}
		evalCtx["success"] = result.Success
		evalCtx["output"] = anyMap(result.Output)
		evalCtx["error"] = result.Error
		evalCtx["quality"] = string(result.Quality)
		return expr.Eval(e.ConditionExpr, evalCtx)
	case agent.CondLLMDecide:
		decide := policy.Decide
		if decide == nil {
			decide = defaultDecide
		}
		target, err := decide(ctx, result, e.ConditionExpr)
		if err != nil {
			return false, err
		}
		return target == e.Target, nil
	default:
		return false, nil
	}
}

func anyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// applyInputMapping copies values for keys present in e.InputMapping from
// the source shared-state snapshot into the returned map under the
// mapped target keys, retaining the original keys as well (copy-not-move
// semantics, per spec.md §9's Open Question resolution).
func applyInputMapping(e *agent.EdgeSpec, source map[string]interface{}) map[string]interface{} {
	if len(e.InputMapping) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(e.InputMapping))
	for from, to := range e.InputMapping {
		if v, ok := source[from]; ok {
			out[to] = v
		}
	}
	return out
}
