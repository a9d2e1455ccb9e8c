package executor

import (
	"context"
	"log"
	"time"

	"github.com/anthonix/agentrt/agent"
	"github.com/anthonix/agentrt/agent/metrics"
)

// DecisionFunc resolves one llm_decide edge: given the node's result and
// that edge's condition_expr, it returns the target node id the decision
// chose. The edge matches iff the returned id equals the edge's own
// Target. The default implementation (used when none is injected) treats
// condition_expr as a literal target id, per spec.md §9's Open Question
// resolution.
type DecisionFunc func(ctx context.Context, result agent.NodeResult, conditionExpr string) (string, error)

// Policy bundles the executor's configurable behavior.
type Policy struct {
	DefaultNodeTimeout time.Duration
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	JitterFactor       float64
	IsEmptyResponse    func(agent.NodeResult) bool
	Decide             DecisionFunc
	Logger             *log.Logger
	Metrics            *metrics.Runtime
}

func defaultPolicy() Policy {
	return Policy{
		DefaultNodeTimeout: 0,
		BaseDelay:          time.Second,
		MaxDelay:           60 * time.Second,
		JitterFactor:       0.5,
		IsEmptyResponse:    defaultIsEmptyResponse,
		Decide:             defaultDecide,
		Logger:             log.Default(),
	}
}

func defaultIsEmptyResponse(r agent.NodeResult) bool {
	return r.Success && len(r.Output) == 0
}

func defaultDecide(_ context.Context, _ agent.NodeResult, conditionExpr string) (string, error) {
	return conditionExpr, nil
}

// Option configures a Policy.
type Option func(*Policy)

func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(p *Policy) { p.DefaultNodeTimeout = d }
}

func WithRetryBackoff(base, max time.Duration, jitterFactor float64) Option {
	return func(p *Policy) {
		p.BaseDelay = base
		p.MaxDelay = max
		p.JitterFactor = jitterFactor
	}
}

func WithIsEmptyResponse(f func(agent.NodeResult) bool) Option {
	return func(p *Policy) { p.IsEmptyResponse = f }
}

func WithDecisionFunc(f DecisionFunc) Option {
	return func(p *Policy) { p.Decide = f }
}

func WithLogger(l *log.Logger) Option {
	return func(p *Policy) { p.Logger = l }
}

// WithMetrics attaches a Prometheus metrics collector; node latency and
// retry counters are recorded as each node completes. Omit for a
// metrics-free executor (tests, or callers that don't scrape Prometheus).
func WithMetrics(m *metrics.Runtime) Option {
	return func(p *Policy) { p.Metrics = m }
}
