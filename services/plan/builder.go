package plan

import (
	"strings"

	"graphflow/pkg/werr"
)

// errorHandles are the sourceHandle values that mark an edge as an
// error-routing edge rather than a normal-flow edge (spec.md §4.B: "edges
// ... excluding errorSteps edges, which are tagged by edge type or by the
// targeting rules").
var errorHandles = map[string]bool{"error": true, "failure": true}

// Builder translates a WorkflowDefinition into an ExecutionPlan (component B).
type Builder struct{}

// NewBuilder constructs a PlanBuilder. It holds no state — generalized from
// the teacher's stateless node.New factory (services/nodes/node.go) which
// likewise takes no dependencies beyond its arguments.
func NewBuilder() *Builder { return &Builder{} }

// Build converts wf into a validated-shape (but not yet semantically
// validated — that's ExecutionPlanValidator's job) ExecutionPlan.
func (b *Builder) Build(wf WorkflowDefinition) (ExecutionPlan, error) {
	if len(wf.Nodes) == 0 {
		return ExecutionPlan{}, werr.NewPlanBuildError(werr.MalformedDefinition, "", "workflow definition has no nodes", nil)
	}

	seen := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			return ExecutionPlan{}, werr.NewPlanBuildError(werr.MalformedDefinition, "", "node id must not be empty", nil)
		}
		if seen[n.ID] {
			return ExecutionPlan{}, werr.NewPlanBuildError(werr.DuplicateID, n.ID, "duplicate node id", nil)
		}
		seen[n.ID] = true

		if resolvedNodeType(n) == "" {
			return ExecutionPlan{}, werr.NewPlanBuildError(werr.UnknownNodeType, n.ID, "node has no resolvable type", nil)
		}
	}

	// next/error edge sets, and degree bookkeeping used for kind inference.
	nextTargets := make(map[string][]string, len(wf.Nodes))
	errorTargets := make(map[string][]string, len(wf.Nodes))
	upstream := make(map[string][]string, len(wf.Nodes))
	upstreamSeen := make(map[string]map[string]bool, len(wf.Nodes))
	outdegree := make(map[string]int, len(wf.Nodes))

	for _, e := range wf.Edges {
		if isErrorEdge(e) {
			errorTargets[e.Source] = append(errorTargets[e.Source], e.Target)
			continue
		}
		nextTargets[e.Source] = append(nextTargets[e.Source], e.Target)
		outdegree[e.Source]++
		if upstreamSeen[e.Target] == nil {
			upstreamSeen[e.Target] = make(map[string]bool)
		}
		if !upstreamSeen[e.Target][e.Source] {
			upstreamSeen[e.Target][e.Source] = true
			upstream[e.Target] = append(upstream[e.Target], e.Source)
		}
	}

	indegree := make(map[string]int, len(wf.Nodes))
	for id, ups := range upstream {
		indegree[id] = len(ups)
	}

	steps := NewStepSet()
	var entryIDs []string

	for _, n := range wf.Nodes {
		hints := buildHints(n.ExecutionHints)
		failurePolicy := buildFailurePolicy(n.OnFailure)
		metrics := buildMetrics(n.Metrics)
		nodeType := resolvedNodeType(n)

		nextSteps := append([]string(nil), nextTargets[n.ID]...)
		errSteps := mergeErrorSteps(n.ErrorSteps, errorTargets[n.ID])

		kind := inferKind(n, nodeType, indegree[n.ID], outdegree[n.ID], hints)

		step, err := NewStepNode(StepNodeConfig{
			NodeID:            n.ID,
			NodeType:          nodeType,
			Config:            normalizeConfig(n.Config),
			NextSteps:         nextSteps,
			ErrorSteps:        errSteps,
			UpstreamSteps:     upstream[n.ID],
			Metrics:           metrics,
			ExceptionHandling: failurePolicy,
			ExecutionHints:    hints,
			Classification:    StepClassification(strings.ToUpper(n.Classification)),
			OutputPorts:       n.OutputPorts,
			Kind:              kind,
		})
		if err != nil {
			return ExecutionPlan{}, werr.NewPlanBuildError(werr.MalformedDefinition, n.ID, err.Error(), err)
		}
		steps.Put(step)

		if indegree[n.ID] == 0 {
			entryIDs = append(entryIDs, n.ID)
		}
	}

	workflowID := wf.WorkflowID
	if workflowID == "" {
		workflowID = wf.ID
	}

	return NewPlan(workflowID, entryIDs, steps), nil
}

func isErrorEdge(e DefinitionEdge) bool {
	if e.IsControl && e.SourceHandle != nil && errorHandles[strings.ToLower(*e.SourceHandle)] {
		return true
	}
	if e.SourceHandle != nil && errorHandles[strings.ToLower(*e.SourceHandle)] {
		return true
	}
	return false
}

func mergeErrorSteps(explicit, fromEdges []string) []string {
	if len(explicit) == 0 {
		return append([]string(nil), fromEdges...)
	}
	seen := make(map[string]bool, len(explicit)+len(fromEdges))
	out := make([]string, 0, len(explicit)+len(fromEdges))
	for _, id := range explicit {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range fromEdges {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func buildHints(h *DefinitionHints) ExecutionHints {
	if h == nil {
		return ExecutionHints{Mode: ModeSerial}
	}
	mode := ExecutionMode(strings.ToUpper(h.Mode))
	if mode == "" {
		mode = ModeSerial
	}
	return ExecutionHints{
		Mode:           mode,
		ChunkSize:      h.ChunkSize,
		PartitionCount: h.PartitionCount,
		MaxRetries:     h.MaxRetries,
		Timeout:        h.Timeout,
		JoinNodeID:     h.JoinNodeID,
	}
}

func buildFailurePolicy(f *DefinitionFailure) FailurePolicy {
	if f == nil {
		return DefaultFailurePolicy()
	}
	p := FailurePolicy{
		Action:       FailureAction(strings.ToUpper(f.Action)),
		MaxRetries:   f.MaxRetries,
		RetryDelayMs: f.RetryDelayMs,
		RouteToNode:  f.RouteToNode,
		SkipOnError:  f.SkipOnError,
	}
	if p.Action == "" {
		p.Action = ActionStop
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.RetryDelayMs == 0 {
		p.RetryDelayMs = 1000
	}
	return p
}

func buildMetrics(m *DefinitionMetrics) Metrics {
	if m == nil {
		return Metrics{}
	}
	return Metrics{
		EnableTime:  m.EnableTime,
		EnableRead:  m.EnableRead,
		EnableWrite: m.EnableWrite,
		EnableError: m.EnableError,
	}
}

// inferKind applies spec.md §4.B's kind-inference order: an explicit kind
// wins; otherwise FORK/JOIN/START/END are inferred from degree and hints,
// defaulting to NORMAL.
func inferKind(n DefinitionNode, nodeType string, indegree, outdegree int, hints ExecutionHints) StepKind {
	if explicit := StepKind(strings.ToUpper(n.Kind)); explicit != "" {
		return explicit
	}
	switch {
	case outdegree >= 2 && hints.Mode == ModeParallel:
		return KindFork
	case indegree >= 2:
		return KindJoin
	case indegree == 0:
		return KindStart
	case outdegree == 0 && strings.EqualFold(nodeType, "End"):
		return KindEnd
	default:
		return KindNormal
	}
}
