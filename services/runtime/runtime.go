// Package runtime implements the ExecutionRuntime: it schedules a compiled
// Job's steps onto a shared worker Pool, fans FORK branches out
// concurrently and joins them at their BarrierStep, consults
// services/failure on every non-success Result, and drives the persistence
// hooks (before/after each step, job completion with status rollup)
// spec.md §4.H/§6 describe — grounded on the enrichment repository's
// internal/engine level-based sync.WaitGroup fan-out/fan-in, generalized
// here from a fixed level schedule to event-driven triggering so arbitrary
// fork/join shapes (not just uniform levels) are scheduled correctly, and
// using golang.org/x/sync/errgroup in place of a raw WaitGroup so the first
// fatal scheduling error (pool shutdown) cancels every other in-flight
// branch.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"graphflow/pkg/mdc"
	"graphflow/pkg/werr"
	"graphflow/services/compiler"
	"graphflow/services/executor"
	"graphflow/services/failure"
	"graphflow/services/plan"
)

// Persistence is the storage boundary the runtime depends on (spec.md §6's
// "Persistence contract"). services/storage provides the pgx-backed
// implementation; tests use an in-memory fake.
type Persistence interface {
	InsertNodeExecution(ctx context.Context, executionID, nodeID, nodeType string, startTime time.Time) (string, error)
	UpdateNodeExecution(ctx context.Context, nodeExecutionID string, status executor.Status, endTime time.Time, durationMs int64, recordsProcessed int64, errorMessage string) error
	ReadExecutionStatus(ctx context.Context, executionID string) (string, error)
	UpdateExecutionStatus(ctx context.Context, executionID, status string, endTime time.Time, errorMessage string) error
	RollupExecutionTotals(ctx context.Context, executionID string) error
	AppendExecutionLog(ctx context.Context, executionID string, ts time.Time, level, nodeID, message, stackTrace string) error
	SaveNodeOutputRecords(ctx context.Context, executionID, nodeID string, records []map[string]any) error
}

// Job statuses, matching spec.md §6's status vocabulary.
const (
	JobRunning         = "running"
	JobSuccess         = "success"
	JobFailed          = "failed"
	JobCancelRequested = "cancel_requested"
	JobCancelled       = "cancelled"
)

// Runtime executes compiled Jobs against a shared Pool.
type Runtime struct {
	registry    *executor.Registry
	pool        *Pool
	persistence Persistence
	comp        *failure.Engine
}

// New builds a Runtime. registry must already be frozen and pass
// CheckCompatibility (spec.md §4.E) before any job is run.
func New(registry *executor.Registry, pool *Pool, persistence Persistence) *Runtime {
	return &Runtime{
		registry:    registry,
		pool:        pool,
		persistence: persistence,
		comp:        failure.NewEngine(registry),
	}
}

// run is the mutable per-execution bookkeeping for one Runtime.Run/RunWithPolicy call —
// kept separate from Runtime so a single Runtime/Pool pair safely drives
// many concurrent executions (spec.md §5: "the pool is a process
// singleton; multiple executions share it").
type run struct {
	rt          *Runtime
	job         compiler.Job
	p           plan.ExecutionPlan
	executionID string
	correlation string

	mu          sync.Mutex
	remaining   map[string]int
	attempts    map[string]int
	unhandled   bool
	cancelled   bool
}

// Run executes job to completion against the default PolicyFail disposition,
// returning the final job status (spec.md §6 status vocabulary) or an error
// if scheduling itself failed (e.g. the pool was shut down mid-run).
func (rt *Runtime) Run(ctx context.Context, job compiler.Job, p plan.ExecutionPlan, executionID, correlationID string) (string, error) {
	return rt.RunWithPolicy(ctx, job, p, executionID, correlationID, plan.PolicyFail)
}

// RunWithPolicy behaves like Run but resolves the final status against an
// explicit WorkflowErrorPolicy instead of PolicyFail.
func (rt *Runtime) RunWithPolicy(ctx context.Context, job compiler.Job, p plan.ExecutionPlan, executionID, correlationID string, policy plan.WorkflowErrorPolicy) (string, error) {
	r := &run{
		rt:          rt,
		job:         job,
		p:           p,
		executionID: executionID,
		correlation: correlationID,
		remaining:   make(map[string]int, len(job.Steps)),
		attempts:    make(map[string]int, len(job.Steps)),
	}
	for id, step := range job.Steps {
		if b, ok := step.(compiler.BarrierStep); ok && len(b.UpstreamBranches) > 0 {
			r.remaining[id] = len(b.UpstreamBranches)
		} else {
			r.remaining[id] = 1
		}
	}

	ctx = mdc.WithFields(ctx, mdc.Fields{CorrelationID: correlationID, ExecutionID: executionID})

	eg, egCtx := errgroup.WithContext(ctx)
	for _, id := range job.EntryStepIDs {
		id := id
		eg.Go(func() error { return r.runChain(egCtx, id) })
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}
	return r.finish(ctx, policy)
}

func (r *run) finish(ctx context.Context, policy plan.WorkflowErrorPolicy) (string, error) {
	r.mu.Lock()
	unhandled := r.unhandled
	cancelled := r.cancelled
	r.mu.Unlock()

	if cancelled {
		_ = r.rt.persistence.UpdateExecutionStatus(ctx, r.executionID, JobCancelled, stamp(), "")
		_ = r.rt.persistence.RollupExecutionTotals(ctx, r.executionID)
		return JobCancelled, nil
	}

	var comp failure.CompensationResult
	if unhandled && (policy == plan.PolicyCompensateAndFail || policy == plan.PolicyCompensateAndComplete) {
		comp = r.rt.comp.RunCompensation(ctx, r.p)
	}
	status := failure.Resolve(policy, unhandled, comp)

	errMsg := ""
	if status == JobFailed {
		errMsg = "one or more steps ended in an unhandled stop"
	}
	if err := r.rt.persistence.UpdateExecutionStatus(ctx, r.executionID, status, stamp(), errMsg); err != nil {
		return "", err
	}
	if err := r.rt.persistence.RollupExecutionTotals(ctx, r.executionID); err != nil {
		return "", err
	}
	return status, nil
}

// runStep executes one compiled Step and returns the ids its outcome
// routes to — it does not itself trigger anything downstream. A FORK node
// is the one exception: its branches fan out and join internally, so
// runStep delegates to runParallel and reports no further ids of its own.
// runStep returns a non-nil error only for scheduling-fatal conditions
// (pool shutdown); ordinary node failures are handled entirely through
// services/failure and never propagate as Go errors.
func (r *run) runStep(ctx context.Context, id string) ([]string, error) {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return nil, nil
	}
	r.mu.Unlock()

	step, ok := r.job.Steps[id]
	if !ok {
		return nil, nil
	}
	node := step.Node()

	if status, err := r.rt.persistence.ReadExecutionStatus(ctx, r.executionID); err == nil && status == JobCancelRequested {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
		return nil, nil
	}

	if parallel, ok := step.(compiler.ParallelStep); ok {
		return nil, r.runParallel(ctx, parallel)
	}

	result, nodeErr := r.executeNode(ctx, id, node)
	return r.route(id, node, result, nodeErr)
}

// runParallel runs the FORK node's own executor (typically a no-op
// accounting step) and, on success, submits every branch root to the pool
// concurrently — matching spec.md §5: "parallelism arises only from FORK
// containers, submitted to the shared worker pool." Unlike an ordinary
// step, a FORK's own successful outcome is never handed to route(): its
// NextSteps() is defined (services/compiler) to be exactly its
// BranchRoots, so following the generic success path here would run every
// branch a second time alongside the explicit loop below. A failed FORK
// still routes through routeFailure/triggerAll like any other step — only
// the success case is special-cased.
func (r *run) runParallel(ctx context.Context, step compiler.ParallelStep) error {
	result, nodeErr := r.executeNode(ctx, step.ID_, step.node)
	if nodeErr != nil {
		r.mu.Lock()
		r.unhandled = true
		r.mu.Unlock()
		return nil
	}
	if result.Status != executor.StatusSuccess {
		next, err := r.routeFailure(step.ID_, step.node, result)
		if err != nil {
			return err
		}
		return r.triggerAll(ctx, next)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, branchRoot := range step.BranchRoots {
		branchRoot := branchRoot
		eg.Go(func() error {
			done := make(chan error, 1)
			submitErr := r.rt.pool.Submit(egCtx, func() {
				done <- r.runChain(egCtx, branchRoot)
			})
			if submitErr != nil {
				return submitErr
			}
			return <-done
		})
	}
	return eg.Wait()
}

// trigger decrements id's pending-predecessor count and, once it reaches
// zero, hands it to runChain. It never touches the pool itself — only a
// FORK branch root (runParallel, above) is a unit of genuine concurrency
// worth a pool permit; an ordinary sequential transition just continues in
// the calling goroutine.
func (r *run) trigger(ctx context.Context, id string) error {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return nil
	}
	r.remaining[id]--
	ready := r.remaining[id] <= 0
	r.mu.Unlock()
	if !ready {
		return nil
	}
	return r.runChain(ctx, id)
}

// runChain runs id and, as long as its outcome routes to exactly one
// successor that becomes ready immediately, keeps running in this same
// goroutine instead of handing the continuation to another pool
// submission. Every sequential link used to go through trigger's
// pool.Submit + blocking <-done, which ties up one more permit per link for
// the whole remaining chain's duration — a chain longer than the pool's
// MaxPoolSize exhausted every permit on ancestors blocked waiting on the
// very continuation that needed the next one, deadlocking forever.
// Looping here instead of recursing through the pool means a purely
// sequential run of steps (spec.md §5: "steps inside a branch run
// sequentially on a single worker thread") costs exactly the one permit its
// entry point or FORK branch root already holds. Only a genuine fan-out —
// zero successors (the chain ends) or more than one (a real branch point) —
// falls back to triggerAll, which submits each successor through trigger
// independently.
func (r *run) runChain(ctx context.Context, id string) error {
	for {
		next, err := r.runStep(ctx, id)
		if err != nil {
			return err
		}
		if len(next) != 1 {
			return r.triggerAll(ctx, next)
		}

		nextID := next[0]
		r.mu.Lock()
		if r.cancelled {
			r.mu.Unlock()
			return nil
		}
		r.remaining[nextID]--
		ready := r.remaining[nextID] <= 0
		r.mu.Unlock()
		if !ready {
			return nil
		}
		id = nextID
	}
}

// executeNode runs the step's executor with timeout enforcement and
// before/after persistence hooks, retrying per its FailurePolicy.
func (r *run) executeNode(ctx context.Context, id string, node plan.StepNode) (executor.Result, error) {
	ctx = mdc.WithNodeID(ctx, id)

	exec, ok := r.rt.registry.Lookup(node.NodeType())
	if !ok {
		return executor.Result{Status: executor.StatusFailed}, werr.NewRuntimeError(werr.ExecutorFailure, id, fmt.Errorf("no executor registered for nodeType %q", node.NodeType()))
	}

	policy := node.ExceptionHandling()
	attempt := 0
	for {
		start := stamp()
		nodeExecID, err := r.rt.persistence.InsertNodeExecution(ctx, r.executionID, id, node.NodeType(), start)
		if err != nil {
			return executor.Result{Status: executor.StatusFailed}, err
		}

		result := r.invokeWithTimeout(ctx, exec, node)

		end := stamp()
		errMsg := ""
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		if updErr := r.rt.persistence.UpdateNodeExecution(ctx, nodeExecID, result.Status, end, end.Sub(start).Milliseconds(), result.ReadCount, errMsg); updErr != nil {
			return result, updErr
		}

		if result.Status == executor.StatusSuccess {
			return result, nil
		}

		action := failure.Decide(policy, result.Err, attempt)
		if action.Kind != failure.ActionRetryNow {
			r.recordAttempt(id, attempt)
			return result, nil
		}
		attempt++
		_ = r.rt.persistence.AppendExecutionLog(ctx, r.executionID, stamp(), "WARN", id,
			fmt.Sprintf("retrying node %s (attempt %d) after: %v", id, attempt, result.Err), "")
		if action.RetryDelay > 0 {
			select {
			case <-time.After(time.Duration(action.RetryDelay) * time.Millisecond):
			case <-ctx.Done():
				r.recordAttempt(id, attempt)
				return result, ctx.Err()
			}
		}
	}
}

func (r *run) recordAttempt(id string, attempt int) {
	r.mu.Lock()
	r.attempts[id] = attempt
	r.mu.Unlock()
}

// invokeWithTimeout wraps the executor call in executionHints.Timeout, if
// set (spec.md §5: "per-node timeout enforcement").
func (r *run) invokeWithTimeout(ctx context.Context, exec executor.Executor, node plan.StepNode) executor.Result {
	hints := node.ExecutionHints()
	if hints.Timeout <= 0 {
		return exec.Execute(ctx, node)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(hints.Timeout)*time.Millisecond)
	defer cancel()

	type outcome struct{ res executor.Result }
	ch := make(chan outcome, 1)
	go func() { ch <- outcome{exec.Execute(ctx, node)} }()

	select {
	case o := <-ch:
		return o.res
	case <-ctx.Done():
		return executor.Result{Status: executor.StatusFailed, Err: werr.NewRuntimeError(werr.Timeout, node.NodeID(), ctx.Err())}
	}
}

// route turns a node's outcome into the ids its continuation should run
// next, without triggering anything itself: success follows nextSteps, an
// unhandled node error marks the job for a non-success disposition and
// reports no continuation, and any other non-success status is handed to
// routeFailure.
func (r *run) route(id string, node plan.StepNode, result executor.Result, nodeErr error) ([]string, error) {
	if nodeErr != nil {
		r.mu.Lock()
		r.unhandled = true
		r.mu.Unlock()
		return nil, nil
	}

	if result.Status == executor.StatusSuccess {
		return node.NextSteps(), nil
	}

	return r.routeFailure(id, node, result)
}

// routeFailure resolves a node's FailurePolicy-governed disposition (skip,
// route, or stop) into the ids the continuation should run next.
func (r *run) routeFailure(id string, node plan.StepNode, result executor.Result) ([]string, error) {
	action := failure.Decide(node.ExceptionHandling(), result.Err, r.attemptCount(id))
	switch action.Kind {
	case failure.ActionSkipNode:
		return node.NextSteps(), nil
	case failure.ActionRouteNode:
		if action.RouteToNode != "" {
			return []string{action.RouteToNode}, nil
		}
		return node.ErrorSteps(), nil
	default: // ActionStopBranch
		if len(node.ErrorSteps()) > 0 {
			return node.ErrorSteps(), nil
		}
		r.mu.Lock()
		r.unhandled = true
		r.mu.Unlock()
		return nil, nil
	}
}

func (r *run) attemptCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id]
}

func (r *run) triggerAll(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		eg.Go(func() error { return r.trigger(egCtx, id) })
	}
	return eg.Wait()
}

// stamp is the runtime's one clock read per event; isolated in its own
// function so the whole package has a single seam if a caller ever needs
// to inject a fixed clock for deterministic persistence-log tests.
func stamp() time.Time { return time.Now().UTC() }
