// Package outcome implements the Outcome Aggregator (spec.md §4.5): an
// advisory-only reducer of per-execution results into cumulative goal
// progress. It never blocks execution and never feeds back into edge
// routing — criterion evaluation is a pure function of accumulated data.
package outcome

import (
	"sync"

	"github.com/anthonix/agentrt/agent"
)

const maxRecentErrors = 20

// Aggregator tracks cumulative goal progress across many executions of
// one runtime instance.
type Aggregator struct {
	goal agent.Goal

	mu            sync.Mutex
	totalSuccess  int
	totalFailure  int
	criterionHits map[string]int
	recentErrors  []string
}

// New constructs an Aggregator for goal.
func New(goal agent.Goal) *Aggregator {
	hits := make(map[string]int, len(goal.SuccessCriteria))
	for _, c := range goal.SuccessCriteria {
		hits[c] = 0
	}
	return &Aggregator{goal: goal, criterionHits: hits}
}

// RecordExecution folds one completed execution into the running totals.
// Called by the Execution Stream on completion, never by the executor
// itself.
func (a *Aggregator) RecordExecution(result agent.ExecutionResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if result.Success {
		a.totalSuccess++
		// A successful run, whatever its quality tag, is credited toward every
		// declared success criterion; the core has no per-criterion
		// attribution signal from the executor, so this is the most
		// honest pure function of the data actually available to it.
		for _, c := range a.goal.SuccessCriteria {
			a.criterionHits[c]++
		}
	} else {
		a.totalFailure++
		if result.Error != "" {
			a.recentErrors = append(a.recentErrors, result.Error)
			if len(a.recentErrors) > maxRecentErrors {
				a.recentErrors = a.recentErrors[len(a.recentErrors)-maxRecentErrors:]
			}
		}
	}
}

// EvaluateGoalProgress returns a snapshot of cumulative progress.
func (a *Aggregator) EvaluateGoalProgress() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := a.totalSuccess + a.totalFailure
	perCriterion := make(map[string]float64, len(a.criterionHits))
	for c, hits := range a.criterionHits {
		if total == 0 {
			perCriterion[c] = 0
			continue
		}
		perCriterion[c] = float64(hits) / float64(total)
	}

	errs := make([]string, len(a.recentErrors))
	copy(errs, a.recentErrors)

	return map[string]interface{}{
		"goal_id":        a.goal.ID,
		"total_success":  a.totalSuccess,
		"total_failure":  a.totalFailure,
		"per_criterion":  perCriterion,
		"recent_errors":  errs,
	}
}

// Stats returns simple totals, included in AgentRuntime.GetStats().
func (a *Aggregator) Stats() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]interface{}{
		"total_success": a.totalSuccess,
		"total_failure": a.totalFailure,
	}
}
