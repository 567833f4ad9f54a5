package engine

import (
	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

// Decide renders the merge decision from accumulated step results and the
// review state. It is a pure function: recomputing it from the same inputs
// always yields the same decision, which audit and test replay rely on.
//
// Approve iff every required step is Pass or Skipped and, when a human
// review step is declared, the review resolved with at least minApprovals
// approving reviews and no rejection. Any Fail or TimedOut on any step, a
// rejection, or a review timeout forces Blocked. If a required step has not
// resolved yet the decision is WaitingReview.
func Decide(steps []workflow.StepResult, stepCfgs []config.StepConfig, review *workflow.ReviewState, minApprovals int) workflow.Result {
	// Any recorded failure blocks, required or not.
	for _, s := range steps {
		if s.Status == workflow.StepFail || s.Status == workflow.StepTimedOut {
			return workflow.ResultBlocked
		}
	}

	recorded := make(map[string]workflow.StepStatus, len(steps))
	for _, s := range steps {
		recorded[s.StepName] = s.Status
	}

	for _, cfg := range stepCfgs {
		if cfg.Name == config.HumanReviewStep {
			if !cfg.Required {
				continue
			}
			if review == nil {
				return workflow.ResultWaitingReview
			}
			if review.Rejected || review.TimedOut {
				return workflow.ResultBlocked
			}
			if review.Approvals() < minApprovals {
				return workflow.ResultWaitingReview
			}
			continue
		}
		if !cfg.Required {
			continue
		}
		status, ok := recorded[cfg.Name]
		if !ok {
			return workflow.ResultWaitingReview
		}
		if status != workflow.StepPass && status != workflow.StepSkipped {
			return workflow.ResultBlocked
		}
	}

	return workflow.ResultApproved
}

// predicateMet evaluates a step's branching condition against the hint of
// the most recent executed (non-skipped) step. An empty condition always
// holds. Conditions have the form "hint:<value>" and hold when the previous
// hint equals <value>.
func predicateMet(condition, prevHint string) bool {
	if condition == "" {
		return true
	}
	const prefix = "hint:"
	if len(condition) > len(prefix) && condition[:len(prefix)] == prefix {
		return prevHint == condition[len(prefix):]
	}
	// Unknown predicate forms fail closed: the step is skipped rather than
	// run on a condition nobody declared.
	return false
}
