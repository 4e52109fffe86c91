// Package werr defines the typed error taxonomy shared by the planning and
// orchestration packages: each pre-execution stage (plan building, subgraph
// expansion, validation, compilation) and the runtime raises its own error
// family, tagged with a Kind so callers can switch on failure category
// without string matching.
package werr

import "fmt"

// PlanBuildKind enumerates PlanBuildError causes.
type PlanBuildKind string

const (
	MalformedDefinition PlanBuildKind = "MalformedDefinition"
	UnknownNodeType     PlanBuildKind = "UnknownNodeType"
	DuplicateID         PlanBuildKind = "DuplicateId"
)

// PlanBuildError is raised by the PlanBuilder while translating a
// WorkflowDefinition into an ExecutionPlan.
type PlanBuildError struct {
	Kind    PlanBuildKind
	NodeID  string
	Message string
	Err     error
}

func NewPlanBuildError(kind PlanBuildKind, nodeID, message string, err error) *PlanBuildError {
	return &PlanBuildError{Kind: kind, NodeID: nodeID, Message: message, Err: err}
}

func (e *PlanBuildError) Error() string {
	if e == nil {
		return ""
	}
	if e.NodeID != "" {
		return fmt.Sprintf("plan build error [%s] node %q: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("plan build error [%s]: %s", e.Kind, e.Message)
}

func (e *PlanBuildError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// SubgraphExpansionKind enumerates SubgraphExpansionError causes.
type SubgraphExpansionKind string

const (
	UnresolvedTemplate SubgraphExpansionKind = "UnresolvedTemplate"
	MalformedInline     SubgraphExpansionKind = "MalformedInline"
	CircularReference   SubgraphExpansionKind = "CircularReference"
)

// SubgraphExpansionError is raised by the SubgraphExpander.
type SubgraphExpansionError struct {
	Kind    SubgraphExpansionKind
	NodeID  string
	Message string
	Err     error
}

func NewSubgraphExpansionError(kind SubgraphExpansionKind, nodeID, message string, err error) *SubgraphExpansionError {
	return &SubgraphExpansionError{Kind: kind, NodeID: nodeID, Message: message, Err: err}
}

func (e *SubgraphExpansionError) Error() string {
	if e == nil {
		return ""
	}
	if e.NodeID != "" {
		return fmt.Sprintf("subgraph expansion error [%s] node %q: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("subgraph expansion error [%s]: %s", e.Kind, e.Message)
}

func (e *SubgraphExpansionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ValidationKind enumerates ValidationError causes.
type ValidationKind string

const (
	Cycle                ValidationKind = "Cycle"
	Orphan               ValidationKind = "Orphan"
	MissingStart         ValidationKind = "MissingStart"
	MissingTerminal      ValidationKind = "MissingTerminal"
	ForkMissingJoinID    ValidationKind = "ForkMissingJoinId"
	JoinKindMismatch     ValidationKind = "JoinKindMismatch"
	BranchCannotReachJoin ValidationKind = "BranchCannotReachJoin"
	JoinUnderArity       ValidationKind = "JoinUnderArity"
	EdgeTypeIncompatible ValidationKind = "EdgeTypeIncompatible"
	EmptyPlan            ValidationKind = "EmptyPlan"
	MissingReference     ValidationKind = "MissingReference"
)

// ValidationError is raised by the ExecutionPlanValidator. NodeIDs carries
// every node implicated in the failure (a full cycle path, the set of
// orphaned nodes, etc).
type ValidationError struct {
	Kind    ValidationKind
	NodeIDs []string
	Message string
}

func NewValidationError(kind ValidationKind, nodeIDs []string, message string) *ValidationError {
	return &ValidationError{Kind: kind, NodeIDs: nodeIDs, Message: message}
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.NodeIDs) > 0 {
		return fmt.Sprintf("validation error [%s] nodes %v: %s", e.Kind, e.NodeIDs, e.Message)
	}
	return fmt.Sprintf("validation error [%s]: %s", e.Kind, e.Message)
}

// CompilationKind enumerates CompilationError causes.
type CompilationKind string

const (
	UnsupportedNodeKind CompilationKind = "UnsupportedNodeKind"
	CompatibilityFailed CompilationKind = "CompatibilityError"
)

// CompilationError is raised by the JobCompiler or at registry startup.
type CompilationError struct {
	Kind    CompilationKind
	NodeID  string
	Missing []string
	Message string
}

func NewCompilationError(kind CompilationKind, nodeID, message string) *CompilationError {
	return &CompilationError{Kind: kind, NodeID: nodeID, Message: message}
}

func NewCompatibilityError(missing []string) *CompilationError {
	return &CompilationError{
		Kind:    CompatibilityFailed,
		Missing: missing,
		Message: fmt.Sprintf("missing executors for %d node type(s)", len(missing)),
	}
}

func (e *CompilationError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Missing) > 0 {
		return fmt.Sprintf("compilation error [%s]: %s: %v", e.Kind, e.Message, e.Missing)
	}
	if e.NodeID != "" {
		return fmt.Sprintf("compilation error [%s] node %q: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("compilation error [%s]: %s", e.Kind, e.Message)
}

// RuntimeKind enumerates RuntimeError causes.
type RuntimeKind string

const (
	ExecutorFailure       RuntimeKind = "ExecutorFailure"
	Timeout               RuntimeKind = "Timeout"
	ExecutorShutdown      RuntimeKind = "ExecutorShutdown"
	CancellationRequested RuntimeKind = "CancellationRequested"
)

// RuntimeError is raised by the ExecutionRuntime while running a compiled job.
type RuntimeError struct {
	Kind   RuntimeKind
	NodeID string
	Err    error
}

func NewRuntimeError(kind RuntimeKind, nodeID string, err error) *RuntimeError {
	return &RuntimeError{Kind: kind, NodeID: nodeID, Err: err}
}

func (e *RuntimeError) Error() string {
	if e == nil {
		return ""
	}
	if e.NodeID != "" {
		return fmt.Sprintf("runtime error [%s] node %q: %v", e.Kind, e.NodeID, e.Err)
	}
	return fmt.Sprintf("runtime error [%s]: %v", e.Kind, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
