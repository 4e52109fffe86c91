// Package plan holds the immutable graph model for a compiled workflow
// (StepKind, StepClassification, ExecutionHints, FailurePolicy, StepNode,
// ExecutionPlan) together with the PlanBuilder that translates a
// user-facing WorkflowDefinition into that model.
//
// StepNode and ExecutionPlan are built once through NewStepNode/NewPlan and
// never mutated afterwards: fields are unexported and reached only through
// accessors, so the runtime associates mutable per-execution state with
// node IDs in the persistence layer instead of mutating these objects —
// grounded on the teacher's BaseFields-embedding node model
// (services/nodes/node.go), generalized here to a fixed set of fields
// instead of a polymorphic per-type struct.
package plan

import "fmt"

// StepKind tags the structural role a step plays in the graph.
type StepKind string

const (
	KindNormal   StepKind = "NORMAL"
	KindFork     StepKind = "FORK"
	KindJoin     StepKind = "JOIN"
	KindDecision StepKind = "DECISION"
	KindSubgraph StepKind = "SUBGRAPH"
	KindStart    StepKind = "START"
	KindEnd      StepKind = "END"
)

// StepClassification tags the data-flow role a step plays.
type StepClassification string

const (
	ClassificationSource      StepClassification = "SOURCE"
	ClassificationSink        StepClassification = "SINK"
	ClassificationTransform   StepClassification = "TRANSFORM"
	ClassificationControl     StepClassification = "CONTROL"
	ClassificationRouting     StepClassification = "ROUTING"
	ClassificationAggregation StepClassification = "AGGREGATION"
	ClassificationPartition   StepClassification = "PARTITION"
)

// ExecutionMode controls how a step's work is scheduled.
type ExecutionMode string

const (
	ModeSerial      ExecutionMode = "SERIAL"
	ModeParallel    ExecutionMode = "PARALLEL"
	ModePartitioned ExecutionMode = "PARTITIONED"
)

// FailureAction is the action a FailurePolicy prescribes on node failure.
type FailureAction string

const (
	ActionStop  FailureAction = "STOP"
	ActionSkip  FailureAction = "SKIP"
	ActionRetry FailureAction = "RETRY"
	ActionRoute FailureAction = "ROUTE"
)

// WorkflowErrorPolicy chooses the job's final disposition after an
// unhandled node stop.
type WorkflowErrorPolicy string

const (
	PolicyFail                   WorkflowErrorPolicy = "FAIL"
	PolicyStop                   WorkflowErrorPolicy = "STOP"
	PolicyCompensateAndFail      WorkflowErrorPolicy = "COMPENSATE_AND_FAIL"
	PolicyCompensateAndComplete  WorkflowErrorPolicy = "COMPENSATE_AND_COMPLETE"
)

// Metrics holds per-node metric enable-flags.
type Metrics struct {
	EnableTime  bool
	EnableRead  bool
	EnableWrite bool
	EnableError bool
}

// FailurePolicy is the per-node failure-handling configuration attached to
// a StepNode's exceptionHandling field. It is plain data, not a method
// override (spec.md §9): FailurePolicyEngine.Decide is a pure function
// from (FailurePolicy, failure, attempt) to an action.
type FailurePolicy struct {
	Action       FailureAction
	MaxRetries   int
	RetryDelayMs int
	RouteToNode  string
	SkipOnError  bool
}

// DefaultFailurePolicy returns the STOP policy with spec.md's defaults
// (maxRetries=3, retryDelayMs=1000) so a StepNode built without explicit
// exceptionHandling still has sane retry bookkeeping available to it.
func DefaultFailurePolicy() FailurePolicy {
	return FailurePolicy{Action: ActionStop, MaxRetries: 3, RetryDelayMs: 1000}
}

// ExecutionHints carries the scheduling/retry/timeout knobs read by the
// compiler and runtime.
type ExecutionHints struct {
	Mode            ExecutionMode
	ChunkSize       int
	PartitionCount  int
	MaxRetries      int
	Timeout         int // milliseconds; 0 means no explicit timeout
	JoinNodeID      string
}

// StepNode is an immutable node in a compiled plan. Build one with
// NewStepNode; there are no setters.
type StepNode struct {
	nodeID            string
	nodeType          string
	config            map[string]any
	nextSteps         []string
	errorSteps        []string
	upstreamSteps     []string
	metrics           Metrics
	exceptionHandling FailurePolicy
	executionHints    ExecutionHints
	classification    StepClassification
	outputPorts       map[string]string
	kind              StepKind
}

// StepNodeConfig is the set of fields used to build a StepNode. UpstreamSteps
// is passed directly: Builder fills it from the inverted non-error edges, and
// SubgraphExpander rewrites it afterwards through WithUpstreamSteps.
type StepNodeConfig struct {
	NodeID            string
	NodeType          string
	Config            map[string]any
	NextSteps         []string
	ErrorSteps        []string
	UpstreamSteps     []string
	Metrics           Metrics
	ExceptionHandling FailurePolicy
	ExecutionHints    ExecutionHints
	Classification    StepClassification
	OutputPorts       map[string]string
	Kind              StepKind
}

// NewStepNode builds an immutable StepNode, defensively copying the
// slice/map fields so later mutation of the caller's values cannot reach
// through into the plan.
func NewStepNode(cfg StepNodeConfig) (StepNode, error) {
	if cfg.NodeID == "" {
		return StepNode{}, fmt.Errorf("plan: nodeId must not be empty")
	}
	if cfg.ExceptionHandling == (FailurePolicy{}) {
		cfg.ExceptionHandling = DefaultFailurePolicy()
	}
	return StepNode{
		nodeID:            cfg.NodeID,
		nodeType:          cfg.NodeType,
		config:            copyAnyMap(cfg.Config),
		nextSteps:         copyStrings(cfg.NextSteps),
		errorSteps:        copyStrings(cfg.ErrorSteps),
		upstreamSteps:     copyStrings(cfg.UpstreamSteps),
		metrics:           cfg.Metrics,
		exceptionHandling: cfg.ExceptionHandling,
		executionHints:    cfg.ExecutionHints,
		classification:    cfg.Classification,
		outputPorts:       copyStringMap(cfg.OutputPorts),
		kind:              cfg.Kind,
	}, nil
}

// WithUpstreamSteps returns a copy of n with its upstreamSteps replaced.
// This is the one allowed "mutation" — it always produces a new value,
// used by SubgraphExpander when it rewires upstream references.
func (n StepNode) WithUpstreamSteps(ids []string) StepNode {
	n.upstreamSteps = copyStrings(ids)
	return n
}

// WithNextAndErrorSteps returns a copy of n with nextSteps/errorSteps
// replaced. Used by SubgraphExpander when rewiring IDs through a rename map.
func (n StepNode) WithNextAndErrorSteps(next, errSteps []string) StepNode {
	n.nextSteps = copyStrings(next)
	n.errorSteps = copyStrings(errSteps)
	return n
}

// WithJoinNodeID returns a copy of n with executionHints.JoinNodeID replaced.
func (n StepNode) WithJoinNodeID(id string) StepNode {
	n.executionHints.JoinNodeID = id
	return n
}

// WithNodeID returns a copy of n renamed to a new ID, used by the subgraph
// expander when namespacing internal template steps.
func (n StepNode) WithNodeID(id string) StepNode {
	n.nodeID = id
	return n
}

func (n StepNode) NodeID() string                        { return n.nodeID }
func (n StepNode) NodeType() string                       { return n.nodeType }
func (n StepNode) Config() map[string]any                 { return copyAnyMap(n.config) }
func (n StepNode) NextSteps() []string                    { return copyStrings(n.nextSteps) }
func (n StepNode) ErrorSteps() []string                   { return copyStrings(n.errorSteps) }
func (n StepNode) UpstreamSteps() []string                { return copyStrings(n.upstreamSteps) }
func (n StepNode) Metrics() Metrics                       { return n.metrics }
func (n StepNode) ExceptionHandling() FailurePolicy       { return n.exceptionHandling }
func (n StepNode) ExecutionHints() ExecutionHints         { return n.executionHints }
func (n StepNode) Classification() StepClassification     { return n.classification }
func (n StepNode) OutputPorts() map[string]string         { return copyStringMap(n.outputPorts) }
func (n StepNode) Kind() StepKind                         { return n.kind }

// AllDownstream returns nextSteps and errorSteps concatenated — the edge
// set over which cycle detection and reachability run (spec.md invariant 2).
func (n StepNode) AllDownstream() []string {
	out := make([]string, 0, len(n.nextSteps)+len(n.errorSteps))
	out = append(out, n.nextSteps...)
	out = append(out, n.errorSteps...)
	return out
}

// ExecutionPlan is an immutable, validated-or-not flattened workflow graph.
// Steps preserves insertion order (needed for deterministic traversal and
// the subgraph expander's ID-rename bookkeeping).
type ExecutionPlan struct {
	entryStepIDs []string
	steps        *StepSet
	workflowID   string
}

// NewPlan builds an ExecutionPlan from an ordered step set and entry IDs.
func NewPlan(workflowID string, entryStepIDs []string, steps *StepSet) ExecutionPlan {
	return ExecutionPlan{
		workflowID:   workflowID,
		entryStepIDs: copyStrings(entryStepIDs),
		steps:        steps,
	}
}

func (p ExecutionPlan) WorkflowID() string      { return p.workflowID }
func (p ExecutionPlan) EntryStepIDs() []string  { return copyStrings(p.entryStepIDs) }
func (p ExecutionPlan) Steps() *StepSet         { return p.steps }

// StepSet is an insertion-order-preserving id -> StepNode mapping.
type StepSet struct {
	order []string
	byID  map[string]StepNode
}

// NewStepSet builds an empty StepSet.
func NewStepSet() *StepSet {
	return &StepSet{byID: make(map[string]StepNode)}
}

// Put inserts or replaces the step keyed by its own NodeID, preserving the
// original insertion position on replace.
func (s *StepSet) Put(n StepNode) {
	if _, exists := s.byID[n.NodeID()]; !exists {
		s.order = append(s.order, n.NodeID())
	}
	s.byID[n.NodeID()] = n
}

// Delete removes a step by ID, if present.
func (s *StepSet) Delete(id string) {
	if _, exists := s.byID[id]; !exists {
		return
	}
	delete(s.byID, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Get returns the step with the given ID.
func (s *StepSet) Get(id string) (StepNode, bool) {
	n, ok := s.byID[id]
	return n, ok
}

// IDs returns all step IDs in insertion order.
func (s *StepSet) IDs() []string {
	return copyStrings(s.order)
}

// Len returns the number of steps.
func (s *StepSet) Len() int { return len(s.order) }

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
