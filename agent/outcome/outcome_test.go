package outcome

import (
	"testing"

	"github.com/anthonix/agentrt/agent"
)

func TestRecordExecutionAccumulates(t *testing.T) {
	goal := agent.Goal{ID: "g1", SuccessCriteria: []string{"answers_question"}}
	a := New(goal)

	a.RecordExecution(agent.ExecutionResult{Success: true})
	a.RecordExecution(agent.ExecutionResult{Success: false, Error: "boom"})

	progress := a.EvaluateGoalProgress()
	if progress["total_success"] != 1 {
		t.Errorf("total_success = %v", progress["total_success"])
	}
	if progress["total_failure"] != 1 {
		t.Errorf("total_failure = %v", progress["total_failure"])
	}
	perCriterion := progress["per_criterion"].(map[string]float64)
	if perCriterion["answers_question"] != 0.5 {
		t.Errorf("per_criterion = %v", perCriterion)
	}
	errs := progress["recent_errors"].([]string)
	if len(errs) != 1 || errs[0] != "boom" {
		t.Errorf("recent_errors = %v", errs)
	}
}

func TestAggregatorNeverPanicsOnEmptyGoal(t *testing.T) {
	a := New(agent.Goal{ID: "g2"})
	progress := a.EvaluateGoalProgress()
	if progress["total_success"] != 0 {
		t.Fatalf("expected zero totals, got %v", progress)
	}
}
