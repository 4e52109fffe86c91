package subgraph_test

import (
	"errors"
	"testing"

	"graphflow/pkg/werr"
	"graphflow/services/plan"
	"graphflow/services/subgraph"
)

func step(t *testing.T, id, typ string, kind plan.StepKind, next []string, cfg map[string]any) plan.StepNode {
	t.Helper()
	s, err := plan.NewStepNode(plan.StepNodeConfig{
		NodeID:    id,
		NodeType:  typ,
		Kind:      kind,
		NextSteps: next,
		Config:    cfg,
	})
	if err != nil {
		t.Fatalf("NewStepNode(%s): %v", id, err)
	}
	return s
}

func TestExpand_InlinesRegisteredTemplate(t *testing.T) {
	t.Parallel()

	registry := subgraph.NewRegistry()
	registry.Register("fetch-and-clean", subgraph.Definition{
		Steps: []plan.StepNode{
			step(t, "fetch", "FileSource", plan.KindNormal, []string{"clean"}, nil),
			step(t, "clean", "Filter", plan.KindNormal, nil, nil),
		},
		EntryPoints: []string{"fetch"},
		ExitPoint:   "clean",
	})

	steps := plan.NewStepSet()
	steps.Put(step(t, "start", "Start", plan.KindStart, []string{"pipeline"}, nil))
	steps.Put(step(t, "pipeline", "Subgraph", plan.KindSubgraph, []string{"end"}, map[string]any{"subgraphId": "fetch-and-clean"}))
	steps.Put(step(t, "end", "End", plan.KindEnd, nil, nil))

	p := plan.NewPlan("wf-1", []string{"start"}, steps)

	out, err := subgraph.NewExpander(registry).Expand(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := out.Steps().Get("pipeline"); ok {
		t.Errorf("expected subgraph node 'pipeline' to be removed after expansion")
	}

	fetch, ok := out.Steps().Get("pipeline_fetch")
	if !ok {
		t.Fatalf("expected inlined step 'pipeline_fetch'")
	}
	if got := fetch.NextSteps(); len(got) != 1 || got[0] != "pipeline_clean" {
		t.Errorf("expected pipeline_fetch -> pipeline_clean, got %v", got)
	}

	clean, ok := out.Steps().Get("pipeline_clean")
	if !ok {
		t.Fatalf("expected inlined step 'pipeline_clean'")
	}
	if got := clean.NextSteps(); len(got) != 1 || got[0] != "end" {
		t.Errorf("expected exit step to flow into 'end', got %v", got)
	}

	startStep, _ := out.Steps().Get("start")
	if got := startStep.NextSteps(); len(got) != 1 || got[0] != "pipeline_fetch" {
		t.Errorf("expected start's reference to the subgraph rewritten to its entry step 'pipeline_fetch', got %v", got)
	}
}

func TestExpand_UnknownTemplateFails(t *testing.T) {
	t.Parallel()

	registry := subgraph.NewRegistry()
	steps := plan.NewStepSet()
	steps.Put(step(t, "pipeline", "Subgraph", plan.KindSubgraph, nil, map[string]any{"subgraphId": "missing"}))
	p := plan.NewPlan("wf-1", []string{"pipeline"}, steps)

	_, err := subgraph.NewExpander(registry).Expand(p)
	var se *werr.SubgraphExpansionError
	if !errors.As(err, &se) {
		t.Fatalf("expected SubgraphExpansionError, got %v", err)
	}
	if se.Kind != werr.UnresolvedTemplate {
		t.Errorf("expected UnresolvedTemplate, got %s", se.Kind)
	}
}

func TestExpand_ExceedsMaxDepthFails(t *testing.T) {
	t.Parallel()

	registry := subgraph.NewRegistry()
	// A template whose only step is itself a SUBGRAPH referencing the same
	// template — an unbounded expansion the depth counter must catch.
	registry.Register("loopy", subgraph.Definition{
		Steps: []plan.StepNode{
			step(t, "inner", "Subgraph", plan.KindSubgraph, nil, map[string]any{"subgraphId": "loopy"}),
		},
		EntryPoints: []string{"inner"},
		ExitPoint:   "inner",
	})

	steps := plan.NewStepSet()
	steps.Put(step(t, "pipeline", "Subgraph", plan.KindSubgraph, nil, map[string]any{"subgraphId": "loopy"}))
	p := plan.NewPlan("wf-1", []string{"pipeline"}, steps)

	_, err := subgraph.NewExpander(registry).WithMaxExpansionDepth(3).Expand(p)
	var se *werr.SubgraphExpansionError
	if !errors.As(err, &se) {
		t.Fatalf("expected SubgraphExpansionError, got %v", err)
	}
	if se.Kind != werr.CircularReference {
		t.Errorf("expected CircularReference, got %s", se.Kind)
	}
}

func TestExpand_MalformedInlineFails(t *testing.T) {
	t.Parallel()

	registry := subgraph.NewRegistry()
	steps := plan.NewStepSet()
	steps.Put(step(t, "pipeline", "Subgraph", plan.KindSubgraph, nil, map[string]any{
		"inlineSteps": map[string]any{"nodes": []any{}, "edges": []any{}},
	}))
	p := plan.NewPlan("wf-1", []string{"pipeline"}, steps)

	_, err := subgraph.NewExpander(registry).Expand(p)
	var se *werr.SubgraphExpansionError
	if !errors.As(err, &se) {
		t.Fatalf("expected SubgraphExpansionError, got %v", err)
	}
	if se.Kind != werr.MalformedInline {
		t.Errorf("expected MalformedInline, got %s", se.Kind)
	}
}
