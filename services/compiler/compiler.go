// Package compiler implements the JobCompiler: it walks a validated
// ExecutionPlan and emits an executable Job — one Step per StepNode,
// connected by Transitions — annotating FORK nodes as parallel containers
// and their declared JOIN as a barrier that tracks per-branch completion
// (spec.md §4.G).
package compiler

import (
	"fmt"

	"graphflow/pkg/werr"
	"graphflow/services/executor"
	"graphflow/services/plan"
)

// TransitionKind distinguishes a normal-completion transition from an
// error-routing one.
type TransitionKind string

const (
	TransitionSequential TransitionKind = "SEQUENTIAL"
	TransitionError      TransitionKind = "ERROR"
)

// Transition connects two steps in a compiled Job.
type Transition struct {
	From string
	To   string
	Kind TransitionKind
}

// ErrorStatuses are the node exit statuses that follow an error
// transition rather than a sequential one (spec.md §4.G).
var ErrorStatuses = []executor.Status{executor.StatusFailed, executor.StatusStopped, executor.StatusUnknown}

// Step is a compiled unit of work. Every StepNode becomes exactly one
// Step; FORK and JOIN nodes get the richer ParallelStep/BarrierStep
// shapes instead of a plain SequentialStep.
type Step interface {
	StepID() string
	Node() plan.StepNode
}

// SequentialStep is an ordinary one-in-one-out compiled step.
type SequentialStep struct {
	ID_  string
	node plan.StepNode
}

func (s SequentialStep) StepID() string      { return s.ID_ }
func (s SequentialStep) Node() plan.StepNode { return s.node }

// ParallelStep compiles a FORK node: BranchRoots are the IDs flow forks
// into concurrently; JoinID is the barrier those branches converge on.
type ParallelStep struct {
	ID_         string
	node        plan.StepNode
	BranchRoots []string
	JoinID      string
}

func (s ParallelStep) StepID() string      { return s.ID_ }
func (s ParallelStep) Node() plan.StepNode { return s.node }

// BarrierStep compiles a JOIN node: UpstreamBranches is the declaring
// fork's nextSteps, the set of branch roots the barrier waits on before it
// is considered complete.
type BarrierStep struct {
	ID_              string
	node             plan.StepNode
	UpstreamBranches []string
}

func (s BarrierStep) StepID() string      { return s.ID_ }
func (s BarrierStep) Node() plan.StepNode { return s.node }

// Job is the compiled, runtime-executable form of an ExecutionPlan.
type Job struct {
	Name        string
	EntryStepIDs []string
	Steps       map[string]Step
	Transitions []Transition
}

// Compiler turns a validated ExecutionPlan into a Job.
type Compiler struct{}

// New builds a Compiler. It holds no state: compilation is a pure
// function of the plan, matching spec.md §8's determinism requirement
// (identical inputs produce identical job names).
func New() *Compiler { return &Compiler{} }

// Compile walks p and emits a Job, rejecting any DECISION or SUBGRAPH kind
// still present (post-expansion, those should never reach the compiler)
// with UnsupportedNodeKind.
func (c *Compiler) Compile(p plan.ExecutionPlan) (Job, error) {
	steps := p.Steps()

	declaringFork := make(map[string]plan.StepNode, steps.Len())
	for _, id := range steps.IDs() {
		s, _ := steps.Get(id)
		if s.Kind() == plan.KindFork && s.ExecutionHints().JoinNodeID != "" {
			declaringFork[s.ExecutionHints().JoinNodeID] = s
		}
	}

	compiled := make(map[string]Step, steps.Len())
	var transitions []Transition

	for _, id := range steps.IDs() {
		node, _ := steps.Get(id)

		switch node.Kind() {
		case plan.KindDecision, plan.KindSubgraph:
			return Job{}, werr.NewCompilationError(werr.UnsupportedNodeKind, id,
				fmt.Sprintf("kind=%s cannot reach the compiler", node.Kind()))

		case plan.KindFork:
			compiled[id] = ParallelStep{
				ID_:         id,
				node:        node,
				BranchRoots: node.NextSteps(),
				JoinID:      node.ExecutionHints().JoinNodeID,
			}

		case plan.KindJoin:
			fork, ok := declaringFork[id]
			var branches []string
			if ok {
				branches = fork.NextSteps()
			} else {
				branches = node.UpstreamSteps()
			}
			compiled[id] = BarrierStep{ID_: id, node: node, UpstreamBranches: branches}

		default:
			compiled[id] = SequentialStep{ID_: id, node: node}
		}

		for _, next := range node.NextSteps() {
			transitions = append(transitions, Transition{From: id, To: next, Kind: TransitionSequential})
		}
		for _, errStep := range node.ErrorSteps() {
			transitions = append(transitions, Transition{From: id, To: errStep, Kind: TransitionError})
		}
	}

	return Job{
		Name:         "workflow-" + p.WorkflowID(),
		EntryStepIDs: p.EntryStepIDs(),
		Steps:        compiled,
		Transitions:  transitions,
	}, nil
}
