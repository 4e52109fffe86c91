// Package subgraph inlines SUBGRAPH steps into an ExecutionPlan by
// instantiating a registered or inline SubgraphDefinition, namespacing its
// internal step IDs, and rewiring every reference through the rename
// mapping — grounded on the reference service's node.New factory-dispatch
// pattern (services/nodes/node.go), generalized here from "construct one
// node by type" to "inline a whole template by reference".
package subgraph

import (
	"fmt"
	"strings"

	"graphflow/pkg/werr"
	"graphflow/services/plan"
)

// Definition is a registered or inline subgraph template: an ordered set of
// steps, its entry points, and the single exit step flow leaves through.
type Definition struct {
	Steps       []plan.StepNode
	EntryPoints []string
	ExitPoint   string
}

// Registry resolves a subgraphId/templateId to a Definition. Callers
// populate it at startup; lookups are read-only during expansion.
type Registry struct {
	byID map[string]Definition
}

// NewRegistry builds an empty subgraph template registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Definition)}
}

// Register adds or replaces the template keyed by id.
func (r *Registry) Register(id string, def Definition) {
	r.byID[id] = def
}

// Lookup returns the template registered under id.
func (r *Registry) Lookup(id string) (Definition, bool) {
	def, ok := r.byID[id]
	return def, ok
}

// Expander inlines SUBGRAPH steps into a flat plan.
type Expander struct {
	registry         *Registry
	maxExpansionDepth int
}

// NewExpander builds an Expander backed by registry, with the default
// maxExpansionDepth of 10 (spec §4.C).
func NewExpander(registry *Registry) *Expander {
	return &Expander{registry: registry, maxExpansionDepth: 10}
}

// WithMaxExpansionDepth overrides the default recursion bound.
func (e *Expander) WithMaxExpansionDepth(n int) *Expander {
	e.maxExpansionDepth = n
	return e
}

// Expand inlines every SUBGRAPH step in p, recursively, and returns a new
// plan containing only non-SUBGRAPH steps.
func (e *Expander) Expand(p plan.ExecutionPlan) (plan.ExecutionPlan, error) {
	steps := p.Steps()
	out := plan.NewStepSet()
	for _, id := range steps.IDs() {
		step, _ := steps.Get(id)
		out.Put(step)
	}

	entryIDs := p.EntryStepIDs()

	expandedAny := true
	for depth := 0; expandedAny; depth++ {
		if depth > e.maxExpansionDepth {
			return plan.ExecutionPlan{}, werr.NewSubgraphExpansionError(
				werr.CircularReference, "", fmt.Sprintf("subgraph expansion exceeded max depth %d", e.maxExpansionDepth), nil)
		}
		var err error
		out, entryIDs, expandedAny, err = e.expandOnePass(out, entryIDs)
		if err != nil {
			return plan.ExecutionPlan{}, err
		}
	}

	return plan.NewPlan(p.WorkflowID(), entryIDs, out), nil
}

// expandOnePass inlines every currently-present SUBGRAPH step once. It
// returns the new step set, the (possibly rewritten) entry ID list, and
// whether any expansion occurred (callers loop until a pass makes no
// changes, bounding iterations by maxExpansionDepth to satisfy the
// CircularReference check).
func (e *Expander) expandOnePass(in *plan.StepSet, entryIDs []string) (*plan.StepSet, []string, bool, error) {
	out := plan.NewStepSet()
	expandedAny := false

	// entryOf/exitOf record, per expanded SUBGRAPH id, what an incoming
	// reference (nextSteps/errorSteps) and an outgoing reference
	// (upstreamSteps/joinNodeId) should be rewritten to, respectively.
	entryOf := make(map[string][]string)
	exitOf := make(map[string]string)

	for _, id := range in.IDs() {
		step, _ := in.Get(id)
		if step.Kind() != plan.KindSubgraph {
			out.Put(step)
			continue
		}
		expandedAny = true

		def, err := e.resolve(step)
		if err != nil {
			return nil, nil, false, err
		}

		rename := make(map[string]string, len(def.Steps))
		for _, inner := range def.Steps {
			rename[inner.NodeID()] = step.NodeID() + "_" + inner.NodeID()
		}

		exitRenamed, ok := rename[def.ExitPoint]
		if !ok {
			return nil, nil, false, werr.NewSubgraphExpansionError(
				werr.MalformedInline, step.NodeID(), "exit point not found among template steps", nil)
		}
		entryOf[step.NodeID()] = rewriteIDs(def.EntryPoints, rename)
		exitOf[step.NodeID()] = exitRenamed

		for _, inner := range def.Steps {
			renamed := inner.WithNodeID(rename[inner.NodeID()])
			renamed = renamed.WithNextAndErrorSteps(
				rewriteIDs(inner.NextSteps(), rename),
				rewriteIDs(inner.ErrorSteps(), rename),
			)
			renamed = renamed.WithUpstreamSteps(rewriteIDs(inner.UpstreamSteps(), rename))
			if hints := renamed.ExecutionHints(); hints.JoinNodeID != "" {
				if mapped, ok := rename[hints.JoinNodeID]; ok {
					renamed = renamed.WithJoinNodeID(mapped)
				}
			}
			if renamed.NodeID() == exitRenamed {
				renamed = renamed.WithNextAndErrorSteps(
					append(renamed.NextSteps(), step.NextSteps()...),
					renamed.ErrorSteps(),
				)
			}
			out.Put(renamed)
		}
	}

	// Now that every sibling has been copied or inlined into out, rewrite
	// every remaining reference to an expanded SUBGRAPH id: incoming edges
	// (nextSteps/errorSteps) point at its entry step(s), outgoing
	// references (upstreamSteps/joinNodeId) point at its exit step.
	substituteReferences(out, entryOf, exitOf)

	newEntries := make([]string, 0, len(entryIDs))
	for _, id := range entryIDs {
		if mapped, ok := entryOf[id]; ok {
			newEntries = append(newEntries, mapped...)
		} else {
			newEntries = append(newEntries, id)
		}
	}

	return out, newEntries, expandedAny, nil
}

// resolve returns the Definition a SUBGRAPH step refers to, preferring a
// registered template (config.subgraphId / config.templateId) over an
// inline one (config.inlineSteps), per §4.C's resolution order.
func (e *Expander) resolve(step plan.StepNode) (Definition, error) {
	cfg := step.Config()

	if id, ok := stringConfig(cfg, "subgraphId"); ok {
		if def, found := e.registry.Lookup(id); found {
			return def, nil
		}
		return Definition{}, werr.NewSubgraphExpansionError(
			werr.UnresolvedTemplate, step.NodeID(), fmt.Sprintf("no registered subgraph %q", id), nil)
	}
	if id, ok := stringConfig(cfg, "templateId"); ok {
		if def, found := e.registry.Lookup(id); found {
			return def, nil
		}
		return Definition{}, werr.NewSubgraphExpansionError(
			werr.UnresolvedTemplate, step.NodeID(), fmt.Sprintf("no registered subgraph %q", id), nil)
	}

	if raw, ok := cfg["inlineSteps"]; ok {
		def, err := parseInline(raw)
		if err != nil {
			return Definition{}, werr.NewSubgraphExpansionError(werr.MalformedInline, step.NodeID(), err.Error(), err)
		}
		return def, nil
	}

	return Definition{}, werr.NewSubgraphExpansionError(
		werr.UnresolvedTemplate, step.NodeID(), "no subgraphId, templateId, or inlineSteps in config", nil)
}

func stringConfig(cfg map[string]any, key string) (string, bool) {
	raw, ok := cfg[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// parseInline builds a Definition from an inline config["inlineSteps"]
// payload of the same shape as a WorkflowDefinition's nodes/edges and builds
// it through plan.Builder. Only each node's id and type and each edge's
// source and target are read; any other node or edge field (kind, config,
// executionHints, onFailure, data.nodeType, sourceHandle, ...) is dropped.
func parseInline(raw any) (Definition, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Definition{}, fmt.Errorf("inlineSteps must be an object with nodes/edges/exitPoint")
	}

	nodesRaw, _ := m["nodes"].([]any)
	edgesRaw, _ := m["edges"].([]any)
	exitPoint, _ := m["exitPoint"].(string)
	if exitPoint == "" {
		return Definition{}, fmt.Errorf("inlineSteps.exitPoint is required")
	}

	wf := plan.WorkflowDefinition{}
	for _, nr := range nodesRaw {
		nm, ok := nr.(map[string]any)
		if !ok {
			continue
		}
		id, _ := nm["id"].(string)
		typ, _ := nm["type"].(string)
		wf.Nodes = append(wf.Nodes, plan.DefinitionNode{ID: id, Type: typ})
	}
	for _, er := range edgesRaw {
		em, ok := er.(map[string]any)
		if !ok {
			continue
		}
		src, _ := em["source"].(string)
		tgt, _ := em["target"].(string)
		wf.Edges = append(wf.Edges, plan.DefinitionEdge{Source: src, Target: tgt})
	}

	built, err := plan.NewBuilder().Build(wf)
	if err != nil {
		return Definition{}, err
	}

	steps := make([]plan.StepNode, 0, built.Steps().Len())
	for _, id := range built.Steps().IDs() {
		s, _ := built.Steps().Get(id)
		steps = append(steps, s)
	}

	return Definition{Steps: steps, EntryPoints: built.EntryStepIDs(), ExitPoint: exitPoint}, nil
}

func rewriteIDs(ids []string, rename map[string]string) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		if mapped, ok := rename[id]; ok {
			out[i] = mapped
		} else {
			out[i] = id
		}
	}
	return out
}

// substituteReferences rewrites every remaining step's references to an
// expanded SUBGRAPH node's own ID (§4.C step 4): an incoming reference
// (nextSteps/errorSteps, i.e. "flow into the subgraph") is rewritten to the
// subgraph's entry step(s); an outgoing reference (upstreamSteps or a
// fork's joinNodeId, i.e. "the subgraph as a source") is rewritten to its
// exit step, since that's where flow actually leaves the subgraph.
func substituteReferences(steps *plan.StepSet, entryOf map[string][]string, exitOf map[string]string) {
	if len(entryOf) == 0 && len(exitOf) == 0 {
		return
	}
	for _, id := range steps.IDs() {
		step, _ := steps.Get(id)
		changed := false

		next := spliceReferences(step.NextSteps(), entryOf, &changed)
		errs := spliceReferences(step.ErrorSteps(), entryOf, &changed)
		if changed {
			step = step.WithNextAndErrorSteps(next, errs)
		}

		ups := step.UpstreamSteps()
		upsChanged := false
		for i, u := range ups {
			if exitID, ok := exitOf[u]; ok {
				ups[i] = exitID
				upsChanged = true
			}
		}
		if upsChanged {
			step = step.WithUpstreamSteps(ups)
		}

		joinChanged := false
		if hints := step.ExecutionHints(); hints.JoinNodeID != "" {
			if exitID, ok := exitOf[hints.JoinNodeID]; ok {
				step = step.WithJoinNodeID(exitID)
				joinChanged = true
			}
		}

		if changed || upsChanged || joinChanged {
			steps.Put(step)
		}
	}
}

// spliceReferences replaces any id in ids found in entryOf with that
// subgraph's (possibly multiple) entry steps, setting *changed if anything
// was rewritten.
func spliceReferences(ids []string, entryOf map[string][]string, changed *bool) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if entries, ok := entryOf[id]; ok {
			out = append(out, entries...)
			*changed = true
			continue
		}
		out = append(out, id)
	}
	return out
}
