// Package failure implements FailurePolicyEngine: the pure decision
// function that turns a per-node FailurePolicy plus an observed failure
// into an Action, and the workflow-level compensation pass run when a job
// finishes with an unhandled stop.
package failure

import (
	"context"

	"graphflow/services/executor"
	"graphflow/services/plan"
)

// Action is what the runtime must do in response to a node's failure,
// after FailurePolicyEngine.Decide has consulted the node's FailurePolicy.
type Action struct {
	Kind        ActionKind
	RouteToNode string
	RetryDelay  int // milliseconds
}

// ActionKind enumerates the dispositions Decide can return.
type ActionKind string

const (
	ActionRetryNow  ActionKind = "RETRY_NOW"
	ActionSkipNode  ActionKind = "SKIP_NODE"
	ActionRouteNode ActionKind = "ROUTE_NODE"
	ActionStopBranch ActionKind = "STOP_BRANCH"
)

// Decide is a pure function from (policy, failure, attempt) to an Action —
// spec.md §9 design note (a): FailurePolicyEngine carries no node-specific
// state of its own, and every attempt count is threaded in by the caller
// (the runtime, which owns per-node attempt bookkeeping).
func Decide(policy plan.FailurePolicy, failure error, attempt int) Action {
	if policy.SkipOnError {
		return Action{Kind: ActionSkipNode}
	}

	switch policy.Action {
	case plan.ActionRetry:
		if attempt < policy.MaxRetries {
			return Action{Kind: ActionRetryNow, RetryDelay: policy.RetryDelayMs}
		}
		return Action{Kind: ActionStopBranch}
	case plan.ActionSkip:
		return Action{Kind: ActionSkipNode}
	case plan.ActionRoute:
		return Action{Kind: ActionRouteNode, RouteToNode: policy.RouteToNode}
	case plan.ActionStop:
		return Action{Kind: ActionStopBranch}
	default:
		return Action{Kind: ActionStopBranch}
	}
}

// Engine runs the workflow-level compensation pass for
// COMPENSATE_AND_FAIL/COMPENSATE_AND_COMPLETE job policies, using the
// provided Registry to find an Executor for each compensator step.
type Engine struct {
	registry *executor.Registry
}

// NewEngine builds an Engine backed by registry.
func NewEngine(registry *executor.Registry) *Engine {
	return &Engine{registry: registry}
}

// IsCompensator reports whether step is a compensation step per spec.md
// §9 design note (c): classification CONTROL and either an explicit
// nodeType of "Compensation" or a config flag marking it as one.
func IsCompensator(step plan.StepNode) bool {
	if step.Classification() != plan.ClassificationControl {
		return false
	}
	if step.NodeType() == "Compensation" {
		return true
	}
	if v, ok := step.Config()["compensator"].(bool); ok && v {
		return true
	}
	return false
}

// CompensationResult is the outcome of running the compensation pass.
type CompensationResult struct {
	Ran    []string
	Failed []string
}

// RunCompensation walks every step in p, executing each compensator found,
// and returns which ones ran and which of those failed. The caller (the
// runtime) decides the job's final status from the result according to
// whether the policy is COMPENSATE_AND_FAIL (always ends failed) or
// COMPENSATE_AND_COMPLETE (ends successful iff no compensator failed).
func (e *Engine) RunCompensation(ctx context.Context, p plan.ExecutionPlan) CompensationResult {
	var result CompensationResult
	for _, id := range p.Steps().IDs() {
		step, _ := p.Steps().Get(id)
		if !IsCompensator(step) {
			continue
		}
		result.Ran = append(result.Ran, id)

		exec, ok := e.registry.Lookup(step.NodeType())
		if !ok {
			result.Failed = append(result.Failed, id)
			continue
		}
		res := exec.Execute(ctx, step)
		if res.Status != executor.StatusSuccess {
			result.Failed = append(result.Failed, id)
		}
	}
	return result
}

// Resolve applies WorkflowErrorPolicy to decide the final job status given
// whether any unhandled stop occurred and the outcome of a compensation
// pass (if the policy calls for one).
func Resolve(policy plan.WorkflowErrorPolicy, hadUnhandledStop bool, comp CompensationResult) string {
	switch policy {
	case plan.PolicyFail:
		if hadUnhandledStop {
			return "failed"
		}
		return "success"
	case plan.PolicyStop:
		if hadUnhandledStop {
			return "stopped"
		}
		return "success"
	case plan.PolicyCompensateAndFail:
		if hadUnhandledStop {
			return "failed"
		}
		return "success"
	case plan.PolicyCompensateAndComplete:
		if len(comp.Failed) > 0 {
			return "failed"
		}
		return "success"
	default:
		if hadUnhandledStop {
			return "failed"
		}
		return "success"
	}
}
