package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/anthonix/agentrt/agent"
	"github.com/anthonix/agentrt/agent/logstore"
)

// WrapDispatch wraps dispatch so every tool call it makes is recorded as
// one L3 tool_logs.jsonl entry (spec.md §6.3), keyed to nodeID/runID. The
// step id is a per-call monotonic counter scoped to this wrapped
// instance, which is sufficient for one node invocation's call sequence.
func WrapDispatch(logs *logstore.Store, runID, nodeID string, dispatch agent.ToolDispatchFunc) agent.ToolDispatchFunc {
	if dispatch == nil {
		return nil
	}
	counter := 0
	return func(ctx context.Context, toolName string, input map[string]interface{}) (agent.ToolResult, error) {
		counter++
		stepID := nodeID + "#" + time.Now().UTC().Format("150405.000000000") + "#" + strconv.Itoa(counter)
		started := time.Now()

		result, err := dispatch(ctx, toolName, input)

		step := logstore.NodeStepLog{
			StepID:      stepID,
			NodeID:      nodeID,
			Name:        toolName,
			StartedAt:   started.UTC().Format(time.RFC3339Nano),
			DurationMs:  time.Since(started).Milliseconds(),
			Success:     err == nil && result.OK && !result.IsError,
			InputDigest: digest(input),
		}
		if err != nil {
			step.Error = err.Error()
		} else if result.IsError {
			step.Error = result.Content
		} else {
			step.OutputDigest = digestString(result.Content)
		}
		if logs != nil {
			_ = logs.AppendStep(runID, step)
		}
		return result, err
	}
}

func digest(v map[string]interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return digestString(string(data))
}

func digestString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

