// Package validate implements the ExecutionPlanValidator: a fixed sequence
// of structural checks an ExecutionPlan must pass between subgraph
// expansion and job compilation (spec.md §4.D). Cycle detection uses an
// iterative three-color DFS, grounded on and generalized from the
// reference config package's recursive visiting/visited DFS cycle
// detector — iterated here instead of recursed so a large plan cannot
// blow the goroutine stack, and extended from a single dependency edge set
// to nextSteps ∪ errorSteps.
package validate

import (
	"graphflow/pkg/werr"
	"graphflow/services/plan"
)

// Options configures the strictness knobs spec.md §4.D item 10 calls for.
type Options struct {
	// StrictJoins additionally requires every JOIN node to be named by some
	// FORK's joinNodeId (no "orphan" joins reached only by plain edges).
	StrictJoins bool
	// StrictJoinUpstreams requires every upstream of a JOIN to lie on a
	// branch of the JOIN's declaring FORK, rather than merely existing.
	StrictJoinUpstreams bool
	// RequireExplicitJoin rejects a FORK whose joinNodeId is inferred
	// rather than explicitly set in executionHints.
	RequireExplicitJoin bool
}

// DefaultOptions returns the least strict configuration: only the checks
// spec.md's invariants mandate unconditionally are enforced.
func DefaultOptions() Options {
	return Options{}
}

// Validator runs the ExecutionPlanValidator checks.
type Validator struct {
	opts Options
}

// New builds a Validator with opts.
func New(opts Options) *Validator {
	return &Validator{opts: opts}
}

// Validate runs every check in spec.md §4.D order, stopping at the first
// failure the same way the reference pipeline treats pre-execution errors
// as fatal (no partial plans are passed downstream).
func (v *Validator) Validate(p plan.ExecutionPlan) error {
	steps := p.Steps()

	if steps == nil || steps.Len() == 0 || len(p.EntryStepIDs()) == 0 {
		return werr.NewValidationError(werr.EmptyPlan, nil, "plan has no steps or no entry points")
	}

	if err := checkReferenceIntegrity(p); err != nil {
		return err
	}
	if err := checkCycles(p); err != nil {
		return err
	}
	if err := checkReachability(p); err != nil {
		return err
	}
	if err := checkStartCardinality(p); err != nil {
		return err
	}
	if err := checkTerminalPresence(p); err != nil {
		return err
	}
	if err := checkForkWellFormed(p, v.opts); err != nil {
		return err
	}
	if err := checkJoinWellFormed(p, v.opts); err != nil {
		return err
	}
	if err := checkEdgeTypeCompatibility(p); err != nil {
		return err
	}

	return nil
}

// checkReferenceIntegrity enforces invariant 1: every ID referenced from
// entryStepIds/nextSteps/errorSteps/upstreamSteps/joinNodeId is a key of
// steps.
func checkReferenceIntegrity(p plan.ExecutionPlan) error {
	steps := p.Steps()
	exists := func(id string) bool { _, ok := steps.Get(id); return ok }

	var missing []string
	record := func(id string) {
		if id != "" && !exists(id) {
			missing = append(missing, id)
		}
	}

	for _, id := range p.EntryStepIDs() {
		record(id)
	}
	for _, id := range steps.IDs() {
		s, _ := steps.Get(id)
		for _, n := range s.NextSteps() {
			record(n)
		}
		for _, n := range s.ErrorSteps() {
			record(n)
		}
		for _, n := range s.UpstreamSteps() {
			record(n)
		}
		record(s.ExecutionHints().JoinNodeID)
	}

	if len(missing) > 0 {
		return werr.NewValidationError(werr.MissingReference, dedupe(missing), "plan references unknown node ids")
	}
	return nil
}

// color states for the iterative three-color DFS.
type color int

const (
	white color = iota
	gray
	black
)

// checkCycles runs an iterative three-color DFS over nextSteps ∪ errorSteps
// (invariant 2), reporting the offending path on detection.
func checkCycles(p plan.ExecutionPlan) error {
	steps := p.Steps()
	colors := make(map[string]color, steps.Len())

	type frame struct {
		id      string
		nextIdx int
		adj     []string
	}

	for _, start := range steps.IDs() {
		if colors[start] != white {
			continue
		}

		stack := []frame{{id: start, adj: downstreamOf(steps, start)}}
		colors[start] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.nextIdx >= len(top.adj) {
				colors[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}

			next := top.adj[top.nextIdx]
			top.nextIdx++

			switch colors[next] {
			case white:
				colors[next] = gray
				stack = append(stack, frame{id: next, adj: downstreamOf(steps, next)})
			case gray:
				path := make([]string, 0, len(stack)+1)
				for _, f := range stack {
					path = append(path, f.id)
				}
				path = append(path, next)
				return werr.NewValidationError(werr.Cycle, path, "cycle detected in plan graph")
			case black:
				// already fully explored; no cycle through this edge.
			}
		}
	}

	return nil
}

func downstreamOf(steps *plan.StepSet, id string) []string {
	s, ok := steps.Get(id)
	if !ok {
		return nil
	}
	return s.AllDownstream()
}

// checkReachability runs a BFS from the entry points (invariant 3);
// any node not reached is Orphan.
func checkReachability(p plan.ExecutionPlan) error {
	steps := p.Steps()
	visited := make(map[string]bool, steps.Len())
	queue := append([]string(nil), p.EntryStepIDs()...)
	for _, id := range queue {
		visited[id] = true
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range downstreamOf(steps, id) {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	var orphans []string
	for _, id := range steps.IDs() {
		if !visited[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		return werr.NewValidationError(werr.Orphan, orphans, "nodes unreachable from any entry point")
	}
	return nil
}

// checkStartCardinality enforces invariant 4: exactly one START, or a
// singular indegree-0 entry treated as start.
func checkStartCardinality(p plan.ExecutionPlan) error {
	steps := p.Steps()

	var starts []string
	for _, id := range steps.IDs() {
		s, _ := steps.Get(id)
		if s.Kind() == plan.KindStart {
			starts = append(starts, id)
		}
	}

	if len(starts) > 1 {
		return werr.NewValidationError(werr.MissingStart, starts, "more than one node has kind=START")
	}
	if len(starts) == 1 {
		return nil
	}

	// No explicit START: require a single entry point to stand in for one.
	if len(p.EntryStepIDs()) != 1 {
		return werr.NewValidationError(werr.MissingStart, p.EntryStepIDs(), "no kind=START node and entry points are not a single node")
	}
	return nil
}

// checkTerminalPresence enforces invariant 5: at least one END node or
// empty-nextSteps-and-errorSteps leaf.
func checkTerminalPresence(p plan.ExecutionPlan) error {
	steps := p.Steps()
	for _, id := range steps.IDs() {
		s, _ := steps.Get(id)
		if s.Kind() == plan.KindEnd {
			return nil
		}
		if len(s.NextSteps()) == 0 && len(s.ErrorSteps()) == 0 {
			return nil
		}
	}
	return werr.NewValidationError(werr.MissingTerminal, nil, "plan has no kind=END node and no terminal leaf")
}

// checkForkWellFormed enforces invariant 6, spec.md §4.D item 7.
func checkForkWellFormed(p plan.ExecutionPlan, opts Options) error {
	steps := p.Steps()
	for _, id := range steps.IDs() {
		s, _ := steps.Get(id)
		if s.Kind() != plan.KindFork {
			continue
		}

		joinID := s.ExecutionHints().JoinNodeID
		if joinID == "" {
			return werr.NewValidationError(werr.ForkMissingJoinID, []string{id}, "fork has no joinNodeId")
		}

		join, ok := steps.Get(joinID)
		if !ok || join.Kind() != plan.KindJoin {
			return werr.NewValidationError(werr.JoinKindMismatch, []string{id, joinID}, "fork's joinNodeId does not refer to a kind=JOIN node")
		}

		for _, branch := range s.NextSteps() {
			if !canReachOnNextSteps(steps, branch, joinID) {
				return werr.NewValidationError(werr.BranchCannotReachJoin, []string{id, branch}, "fork branch cannot reach its join on nextSteps")
			}
		}

		_ = opts // RequireExplicitJoin is enforced at the builder level (kind inference never fabricates a joinNodeId); nothing further to check here.
	}
	return nil
}

// canReachOnNextSteps is a BFS restricted to nextSteps only (error edges do
// not satisfy branch-to-join reachability per spec.md §4.D item 7c).
func canReachOnNextSteps(steps *plan.StepSet, from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		s, ok := steps.Get(id)
		if !ok {
			continue
		}
		for _, next := range s.NextSteps() {
			if next == to {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// checkJoinWellFormed enforces invariant 7, spec.md §4.D item 8.
func checkJoinWellFormed(p plan.ExecutionPlan, opts Options) error {
	steps := p.Steps()

	declaringFork := make(map[string]string, steps.Len())
	for _, id := range steps.IDs() {
		s, _ := steps.Get(id)
		if s.Kind() == plan.KindFork && s.ExecutionHints().JoinNodeID != "" {
			declaringFork[s.ExecutionHints().JoinNodeID] = id
		}
	}

	for _, id := range steps.IDs() {
		s, _ := steps.Get(id)
		if s.Kind() != plan.KindJoin {
			continue
		}

		upstreams := s.UpstreamSteps()
		if len(upstreams) < 2 {
			return werr.NewValidationError(werr.JoinUnderArity, []string{id}, "join has fewer than 2 upstream steps")
		}

		if opts.StrictJoins {
			if _, declared := declaringFork[id]; !declared {
				return werr.NewValidationError(werr.JoinKindMismatch, []string{id}, "join is not named by any fork's joinNodeId (strictJoins)")
			}
		}

		if opts.StrictJoinUpstreams {
			fork, declared := declaringFork[id]
			if declared {
				branches, _ := steps.Get(fork)
				allowed := make(map[string]bool)
				for _, b := range branches.NextSteps() {
					collectBranchNodes(steps, b, id, allowed)
				}
				for _, u := range upstreams {
					if !allowed[u] {
						return werr.NewValidationError(werr.JoinUnderArity, []string{id, u}, "join upstream does not lie on any branch of its declaring fork (strictJoinUpstreams)")
					}
				}
			}
		}
	}
	return nil
}

// collectBranchNodes walks nextSteps from start up to (and including)
// stopAt, marking every node visited along the way as part of this branch.
func collectBranchNodes(steps *plan.StepSet, start, stopAt string, into map[string]bool) {
	visited := map[string]bool{}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		into[id] = true
		if id == stopAt {
			continue
		}
		s, ok := steps.Get(id)
		if !ok {
			continue
		}
		queue = append(queue, s.NextSteps()...)
	}
}

// controlOnlyTypes never accept data edges per spec.md §4.D item 9.
var controlOnlyTypes = map[string]bool{
	"Start": true, "End": true, "FailJob": true, "Wait": true, "Checkpoint": true,
}

// checkEdgeTypeCompatibility enforces spec.md §4.D item 9: SOURCE nodes
// accept no incoming data edges, SINK nodes emit no outgoing data edges,
// and control-only node types accept no data edges at all.
func checkEdgeTypeCompatibility(p plan.ExecutionPlan) error {
	steps := p.Steps()
	for _, id := range steps.IDs() {
		s, _ := steps.Get(id)

		if s.Classification() == plan.ClassificationSource && len(s.UpstreamSteps()) > 0 {
			return werr.NewValidationError(werr.EdgeTypeIncompatible, []string{id}, "source node has incoming data edges")
		}
		if s.Classification() == plan.ClassificationSink && len(s.NextSteps()) > 0 {
			return werr.NewValidationError(werr.EdgeTypeIncompatible, []string{id}, "sink node has outgoing data edges")
		}
		// Start legitimately has outgoing edges and no upstream by
		// construction; the remaining control-only types (End/FailJob/
		// Wait/Checkpoint) are terminal or barrier nodes that must not
		// carry a data payload in from an upstream step.
		//
		// StepNode keeps only plain nextSteps/upstreamSteps id lists —
		// PlanBuilder does not carry a per-edge isControl flag through to
		// the compiled node, so there is no way here to ask "is this
		// particular incoming edge a data edge or a control edge." The
		// >1-and-CONTROL-exempt shape below is a best-effort stand-in: it
		// catches a control-only node fed by more than one upstream (a
		// shape no legitimate control wiring produces) without rejecting
		// the ordinary start->...->end single-predecessor chain every
		// linear workflow has. A control-only node with exactly one
		// incoming data edge slips through uncaught.
		if controlOnlyTypes[s.NodeType()] && s.NodeType() != "Start" && len(s.UpstreamSteps()) > 1 && s.Classification() != plan.ClassificationControl {
			return werr.NewValidationError(werr.EdgeTypeIncompatible, []string{id}, "control-only node has incompatible data edges")
		}
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
