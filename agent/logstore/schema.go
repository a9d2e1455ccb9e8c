package logstore

// NodeStepLog is one L3 tool_logs.jsonl record (spec.md §6.3): one entry
// per tool/LLM call made inside a node.
type NodeStepLog struct {
	StepID        string `json:"step_id"`
	NodeID        string `json:"node_id"`
	Name          string `json:"name"`
	StartedAt     string `json:"started_at"`
	DurationMs    int64  `json:"duration_ms"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	InputDigest   string `json:"input_digest,omitempty"`
	OutputDigest  string `json:"output_digest,omitempty"`
}

// NodeDetail is one L2 details.jsonl record: appended per node completion.
type NodeDetail struct {
	NodeID           string `json:"node_id"`
	StartedAt        string `json:"started_at"`
	DurationMs       int64  `json:"duration_ms"`
	Success          bool   `json:"success"`
	Error            string `json:"error,omitempty"`
	TokensUsed       int    `json:"tokens_used"`
	Retries          int    `json:"retries"`
	ExecutionQuality string `json:"execution_quality"`
}

// RunSummaryLog is the L1 summary.json record, written once at run end.
type RunSummaryLog struct {
	RunID               string   `json:"run_id"`
	AgentID             string   `json:"agent_id,omitempty"`
	Status              string   `json:"status"`
	StartedAt           string   `json:"started_at"`
	CompletedAt         string   `json:"completed_at,omitempty"`
	DurationMs          *int64   `json:"duration_ms,omitempty"`
	TotalNodesExecuted  int      `json:"total_nodes_executed"`
	NodePath            []string `json:"node_path"`
	TotalInputTokens    int      `json:"total_input_tokens"`
	TotalOutputTokens   int      `json:"total_output_tokens"`
	ExecutionQuality    string   `json:"execution_quality,omitempty"`
	NeedsAttention      bool     `json:"needs_attention,omitempty"`
}

// RunDetailsLog is the parsed form of details.jsonl for one run.
type RunDetailsLog struct {
	RunID string       `json:"run_id"`
	Nodes []NodeDetail `json:"nodes"`
}

// RunToolLogs is the parsed form of tool_logs.jsonl for one run.
type RunToolLogs struct {
	RunID string        `json:"run_id"`
	Steps []NodeStepLog `json:"steps"`
}

const (
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusTimedOut   = "timed_out"
	StatusCancelled  = "cancelled"
	StatusInProgress = "in_progress"
)
