package runtime_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"graphflow/services/compiler"
	"graphflow/services/executor"
	"graphflow/services/plan"
	"graphflow/services/runtime"
)

// fakePersistence is an in-memory Persistence used by every test in this
// file. It never errors and treats ReadExecutionStatus as always "running"
// unless a test explicitly flips cancelRequested.
type fakePersistence struct {
	mu               sync.Mutex
	cancelRequested  bool
	finalStatus      string
	nodeStatuses     map[string]executor.Status
	logLines         []string
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{nodeStatuses: make(map[string]executor.Status)}
}

func (f *fakePersistence) InsertNodeExecution(ctx context.Context, executionID, nodeID, nodeType string, startTime time.Time) (string, error) {
	return executionID + ":" + nodeID, nil
}

func (f *fakePersistence) UpdateNodeExecution(ctx context.Context, nodeExecutionID string, status executor.Status, endTime time.Time, durationMs int64, recordsProcessed int64, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodeStatuses[nodeExecutionID] = status
	return nil
}

func (f *fakePersistence) ReadExecutionStatus(ctx context.Context, executionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelRequested {
		return runtime.JobCancelRequested, nil
	}
	return runtime.JobRunning, nil
}

func (f *fakePersistence) UpdateExecutionStatus(ctx context.Context, executionID, status string, endTime time.Time, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalStatus = status
	return nil
}

func (f *fakePersistence) RollupExecutionTotals(ctx context.Context, executionID string) error {
	return nil
}

func (f *fakePersistence) AppendExecutionLog(ctx context.Context, executionID string, ts time.Time, level, nodeID, message, stackTrace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logLines = append(f.logLines, message)
	return nil
}

func (f *fakePersistence) SaveNodeOutputRecords(ctx context.Context, executionID, nodeID string, records []map[string]any) error {
	return nil
}

// scriptedExecutor returns a fixed sequence of results across successive
// calls (the last entry repeats once exhausted), used to simulate a node
// that fails N times before succeeding.
type scriptedExecutor struct {
	mu      sync.Mutex
	results []executor.Result
	calls   int
}

func (s *scriptedExecutor) Execute(ctx context.Context, step plan.StepNode) executor.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	return s.results[idx]
}

type constExecutor struct {
	status executor.Status
}

func (c constExecutor) Execute(ctx context.Context, step plan.StepNode) executor.Result {
	return executor.Result{Status: c.status, ReadCount: 1}
}

func mustStep(t *testing.T, cfg plan.StepNodeConfig) plan.StepNode {
	t.Helper()
	s, err := plan.NewStepNode(cfg)
	if err != nil {
		t.Fatalf("NewStepNode(%s): %v", cfg.NodeID, err)
	}
	return s
}

func TestRun_LinearPlanSucceeds(t *testing.T) {
	t.Parallel()

	steps := plan.NewStepSet()
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "start", NodeType: "Start", Kind: plan.KindStart, NextSteps: []string{"filter"}}))
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "filter", NodeType: "Filter", Kind: plan.KindNormal, NextSteps: []string{"end"}}))
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "end", NodeType: "End", Kind: plan.KindEnd}))
	p := plan.NewPlan("wf-linear", []string{"start"}, steps)

	job, err := compiler.New().Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	registry := executor.NewRegistry()
	registry.Register("Start", constExecutor{status: executor.StatusSuccess})
	registry.Register("Filter", constExecutor{status: executor.StatusSuccess})
	registry.Register("End", constExecutor{status: executor.StatusSuccess})
	registry.Freeze()

	pool := runtime.NewPool(runtime.DefaultPoolConfig())
	persistence := newFakePersistence()
	rt := runtime.New(registry, pool, persistence)

	status, err := rt.Run(context.Background(), job, p, "exec-1", "corr-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != runtime.JobSuccess {
		t.Errorf("expected success, got %s", status)
	}
}

func TestRun_ForkJoinRunsBranchesConcurrentlyThenJoins(t *testing.T) {
	t.Parallel()

	steps := plan.NewStepSet()
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "start", NodeType: "Start", Kind: plan.KindStart, NextSteps: []string{"fork"}}))
	steps.Put(mustStep(t, plan.StepNodeConfig{
		NodeID: "fork", NodeType: "Fork", Kind: plan.KindFork, NextSteps: []string{"a", "b"},
		ExecutionHints: plan.ExecutionHints{Mode: plan.ModeParallel, JoinNodeID: "join"},
	}))
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "a", NodeType: "Map", Kind: plan.KindNormal, NextSteps: []string{"join"}}))
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "b", NodeType: "Map", Kind: plan.KindNormal, NextSteps: []string{"join"}}))
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "join", NodeType: "Join", Kind: plan.KindJoin, UpstreamSteps: []string{"a", "b"}, NextSteps: []string{"end"}}))
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "end", NodeType: "End", Kind: plan.KindEnd}))
	p := plan.NewPlan("wf-forkjoin", []string{"start"}, steps)

	job, err := compiler.New().Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	registry := executor.NewRegistry()
	registry.Register("Start", constExecutor{status: executor.StatusSuccess})
	registry.Register("Fork", constExecutor{status: executor.StatusSuccess})
	registry.Register("Map", constExecutor{status: executor.StatusSuccess})
	registry.Register("Join", constExecutor{status: executor.StatusSuccess})
	registry.Register("End", constExecutor{status: executor.StatusSuccess})
	registry.Freeze()

	pool := runtime.NewPool(runtime.DefaultPoolConfig())
	persistence := newFakePersistence()
	rt := runtime.New(registry, pool, persistence)

	status, err := rt.Run(context.Background(), job, p, "exec-2", "corr-2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != runtime.JobSuccess {
		t.Errorf("expected success, got %s", status)
	}
}

func TestRun_RouteActionFollowsErrorEdgeAndSucceeds(t *testing.T) {
	t.Parallel()

	steps := plan.NewStepSet()
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "start", NodeType: "Start", Kind: plan.KindStart, NextSteps: []string{"risky"}}))
	steps.Put(mustStep(t, plan.StepNodeConfig{
		NodeID: "risky", NodeType: "Map", Kind: plan.KindNormal,
		NextSteps: []string{"end"}, ErrorSteps: []string{"handler"},
		ExceptionHandling: plan.FailurePolicy{Action: plan.ActionRoute, RouteToNode: "handler"},
	}))
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "handler", NodeType: "Compensation", Kind: plan.KindNormal, Classification: plan.ClassificationControl}))
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "end", NodeType: "End", Kind: plan.KindEnd}))
	p := plan.NewPlan("wf-route", []string{"start"}, steps)

	job, err := compiler.New().Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	registry := executor.NewRegistry()
	registry.Register("Start", constExecutor{status: executor.StatusSuccess})
	registry.Register("Map", constExecutor{status: executor.StatusFailed})
	registry.Register("Compensation", constExecutor{status: executor.StatusSuccess})
	registry.Register("End", constExecutor{status: executor.StatusSuccess})
	registry.Freeze()

	pool := runtime.NewPool(runtime.DefaultPoolConfig())
	persistence := newFakePersistence()
	rt := runtime.New(registry, pool, persistence)

	status, err := rt.Run(context.Background(), job, p, "exec-3", "corr-3")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// "risky" fails but its ROUTE policy sends flow to "handler" instead of
	// stopping the branch, so the job as a whole still completes clean.
	if status != runtime.JobSuccess {
		t.Errorf("expected success via route handler, got %s", status)
	}
}

func TestRun_RetryThenSucceed(t *testing.T) {
	t.Parallel()

	steps := plan.NewStepSet()
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "start", NodeType: "Start", Kind: plan.KindStart, NextSteps: []string{"flaky"}}))
	steps.Put(mustStep(t, plan.StepNodeConfig{
		NodeID: "flaky", NodeType: "Map", Kind: plan.KindNormal, NextSteps: []string{"end"},
		ExceptionHandling: plan.FailurePolicy{Action: plan.ActionRetry, MaxRetries: 3, RetryDelayMs: 1},
	}))
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "end", NodeType: "End", Kind: plan.KindEnd}))
	p := plan.NewPlan("wf-retry", []string{"start"}, steps)

	job, err := compiler.New().Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	flaky := &scriptedExecutor{results: []executor.Result{
		{Status: executor.StatusFailed},
		{Status: executor.StatusFailed},
		{Status: executor.StatusSuccess},
	}}

	registry := executor.NewRegistry()
	registry.Register("Start", constExecutor{status: executor.StatusSuccess})
	registry.Register("Map", flaky)
	registry.Register("End", constExecutor{status: executor.StatusSuccess})
	registry.Freeze()

	pool := runtime.NewPool(runtime.DefaultPoolConfig())
	persistence := newFakePersistence()
	rt := runtime.New(registry, pool, persistence)

	status, err := rt.Run(context.Background(), job, p, "exec-4", "corr-4")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != runtime.JobSuccess {
		t.Errorf("expected success after retries, got %s", status)
	}
	if flaky.calls != 3 {
		t.Errorf("expected 3 calls (2 failures + 1 success), got %d", flaky.calls)
	}
}

// TestRun_LongSequentialChainDoesNotExhaustPool builds a purely sequential
// chain much longer than the pool's MaxPoolSize. Every link goes through
// the same trigger/runChain path as a short chain; if a sequential
// transition ever recursed through another blocking pool.Submit, a chain
// this long against a 4-permit pool would deadlock rather than complete.
func TestRun_LongSequentialChainDoesNotExhaustPool(t *testing.T) {
	t.Parallel()

	const chainLen = 64

	steps := plan.NewStepSet()
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "start", NodeType: "Start", Kind: plan.KindStart, NextSteps: []string{"n0"}}))
	for i := 0; i < chainLen; i++ {
		id := "n" + strconv.Itoa(i)
		next := "end"
		if i+1 < chainLen {
			next = "n" + strconv.Itoa(i+1)
		}
		steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: id, NodeType: "Map", Kind: plan.KindNormal, NextSteps: []string{next}}))
	}
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "end", NodeType: "End", Kind: plan.KindEnd}))
	p := plan.NewPlan("wf-longchain", []string{"start"}, steps)

	job, err := compiler.New().Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	registry := executor.NewRegistry()
	registry.Register("Start", constExecutor{status: executor.StatusSuccess})
	registry.Register("Map", constExecutor{status: executor.StatusSuccess})
	registry.Register("End", constExecutor{status: executor.StatusSuccess})
	registry.Freeze()

	pool := runtime.NewPool(runtime.PoolConfig{CorePoolSize: 2, MaxPoolSize: 4, QueueCapacity: 4})
	persistence := newFakePersistence()
	rt := runtime.New(registry, pool, persistence)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := rt.Run(ctx, job, p, "exec-longchain", "corr-longchain")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != runtime.JobSuccess {
		t.Errorf("expected success, got %s", status)
	}
}

func TestRun_UnhandledStopFailsJob(t *testing.T) {
	t.Parallel()

	steps := plan.NewStepSet()
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "start", NodeType: "Start", Kind: plan.KindStart, NextSteps: []string{"doomed"}}))
	steps.Put(mustStep(t, plan.StepNodeConfig{
		NodeID: "doomed", NodeType: "Map", Kind: plan.KindNormal, NextSteps: []string{"end"},
		ExceptionHandling: plan.FailurePolicy{Action: plan.ActionStop},
	}))
	steps.Put(mustStep(t, plan.StepNodeConfig{NodeID: "end", NodeType: "End", Kind: plan.KindEnd}))
	p := plan.NewPlan("wf-stop", []string{"start"}, steps)

	job, err := compiler.New().Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	registry := executor.NewRegistry()
	registry.Register("Start", constExecutor{status: executor.StatusSuccess})
	registry.Register("Map", constExecutor{status: executor.StatusFailed})
	registry.Register("End", constExecutor{status: executor.StatusSuccess})
	registry.Freeze()

	pool := runtime.NewPool(runtime.DefaultPoolConfig())
	persistence := newFakePersistence()
	rt := runtime.New(registry, pool, persistence)

	status, err := rt.Run(context.Background(), job, p, "exec-5", "corr-5")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != runtime.JobFailed {
		t.Errorf("expected failed, got %s", status)
	}
}
