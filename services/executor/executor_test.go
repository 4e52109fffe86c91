package executor_test

import (
	"context"
	"errors"
	"testing"

	"graphflow/pkg/werr"
	"graphflow/services/executor"
	"graphflow/services/plan"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	t.Parallel()

	r := executor.NewRegistry()
	want := fakeExecutor{status: executor.StatusSuccess}
	r.Register("Custom", want)

	got, ok := r.Lookup("Custom")
	if !ok {
		t.Fatalf("expected Custom to be registered")
	}
	result := got.Execute(context.Background(), plan.StepNode{})
	if result.Status != executor.StatusSuccess {
		t.Errorf("expected looked-up executor to be the one registered, got status %s", result.Status)
	}
}

func TestRegistry_RegisterAfterFreezePanics(t *testing.T) {
	t.Parallel()

	r := executor.NewRegistry()
	r.Freeze()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected Register after Freeze to panic")
		}
	}()
	r.Register("Custom", fakeExecutor{})
}

func TestBuiltinSet_PassesCompatibilityCheck(t *testing.T) {
	t.Parallel()

	r := executor.BuiltinSet()
	r.Freeze()

	if err := r.CheckCompatibility(); err != nil {
		t.Fatalf("expected BuiltinSet to satisfy the curated node-type set, got %v", err)
	}
}

func TestCheckCompatibility_ReportsMissing(t *testing.T) {
	t.Parallel()

	r := executor.NewRegistry()
	r.Register("Start", fakeExecutor{})
	r.Freeze()

	err := r.CheckCompatibility()
	var ce *werr.CompilationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CompilationError, got %v", err)
	}
	if ce.Kind != werr.CompatibilityFailed {
		t.Errorf("expected CompatibilityError kind, got %s", ce.Kind)
	}
	if len(ce.Missing) == 0 {
		t.Errorf("expected a non-empty Missing list")
	}
}

func TestBuiltinSet_SentinelExecutorSucceeds(t *testing.T) {
	t.Parallel()

	r := executor.BuiltinSet()
	exec, ok := r.Lookup("Start")
	if !ok {
		t.Fatalf("expected Start to be registered")
	}

	step, err := plan.NewStepNode(plan.StepNodeConfig{NodeID: "start", NodeType: "Start", Kind: plan.KindStart})
	if err != nil {
		t.Fatalf("NewStepNode: %v", err)
	}

	result := exec.Execute(context.Background(), step)
	if result.Status != executor.StatusSuccess {
		t.Errorf("expected success, got %s", result.Status)
	}
}

type fakeExecutor struct {
	status executor.Status
}

func (f fakeExecutor) Execute(ctx context.Context, step plan.StepNode) executor.Result {
	return executor.Result{Status: f.status}
}
