package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"graphflow/pkg/mdc"
	"graphflow/services/plan"
	"graphflow/services/storage"
)

// nodeMetadata is the shape storage.NodeData.Metadata carries per node:
// the plan-level fields a DefinitionNode needs beyond id/type/position,
// stored as a single JSON blob rather than one column per field (see
// services/storage's models.go doc comment).
type nodeMetadata struct {
	Kind           string                   `json:"kind"`
	Config         map[string]any           `json:"config"`
	ExecutionHints *plan.DefinitionHints    `json:"executionHints"`
	OnFailure      *plan.DefinitionFailure  `json:"onFailure"`
	Metrics        *plan.DefinitionMetrics  `json:"metrics"`
	Classification string                   `json:"classification"`
	OutputPorts    map[string]string        `json:"outputPorts"`
	ErrorSteps     []string                 `json:"errorSteps"`
}

// toDefinition translates a hydrated storage.Workflow into the wire-format
// plan.WorkflowDefinition the PlanBuilder consumes. Node-level plan fields
// travel inside NodeData.Metadata (see nodeMetadata); edges translate
// directly, with an "error" edge type marking an error-routing edge.
func toDefinition(wf *storage.Workflow) (plan.WorkflowDefinition, error) {
	def := plan.WorkflowDefinition{
		ID:         wf.ID.String(),
		WorkflowID: wf.ID.String(),
		Name:       wf.Name,
		Nodes:      make([]plan.DefinitionNode, 0, len(wf.Nodes)),
		Edges:      make([]plan.DefinitionEdge, 0, len(wf.Edges)),
	}

	for _, n := range wf.Nodes {
		var meta nodeMetadata
		if len(n.Data.Metadata) > 0 {
			if err := json.Unmarshal(n.Data.Metadata, &meta); err != nil {
				return plan.WorkflowDefinition{}, fmt.Errorf("node %q: invalid metadata: %w", n.ID, err)
			}
		}
		def.Nodes = append(def.Nodes, plan.DefinitionNode{
			ID:             n.ID,
			Type:           n.Type,
			Kind:           meta.Kind,
			Config:         meta.Config,
			ExecutionHints: meta.ExecutionHints,
			OnFailure:      meta.OnFailure,
			Metrics:        meta.Metrics,
			Classification: meta.Classification,
			OutputPorts:    meta.OutputPorts,
			ErrorSteps:     meta.ErrorSteps,
		})
	}

	for _, e := range wf.Edges {
		sourceHandle := e.SourceHandle
		if e.Type == "error" {
			h := "error"
			sourceHandle = &h
		}
		def.Edges = append(def.Edges, plan.DefinitionEdge{
			Source:       e.Source,
			Target:       e.Target,
			SourceHandle: sourceHandle,
			IsControl:    e.Type == "error",
		})
	}

	return def, nil
}

// compile runs the plan -> subgraph -> validate stages over a workflow
// definition (spec.md §4.B through §4.D); trigger then hands the validated
// plan to the JobCompiler.
func (s *Service) compile(def plan.WorkflowDefinition) (plan.ExecutionPlan, error) {
	p, err := s.builder.Build(def)
	if err != nil {
		return plan.ExecutionPlan{}, err
	}
	p, err = s.expander.Expand(p)
	if err != nil {
		return plan.ExecutionPlan{}, err
	}
	if err := s.validator.Validate(p); err != nil {
		return plan.ExecutionPlan{}, err
	}
	return p, nil
}

// trigger compiles wf and starts a new execution, persisting the
// job-level execution row synchronously (so a status poll immediately
// after this call observes the run) and running the job itself in a
// detached goroutine over the shared worker pool. It returns the new
// execution ID as soon as the job has been accepted.
func (s *Service) trigger(ctx context.Context, wf *storage.Workflow, correlationID string) (string, error) {
	def, err := toDefinition(wf)
	if err != nil {
		return "", err
	}

	p, err := s.compile(def)
	if err != nil {
		return "", err
	}

	job, err := s.compiler.Compile(p)
	if err != nil {
		return "", err
	}

	executionID := uuid.New().String()
	if err := s.execStore.InsertExecution(ctx, executionID, wf.ID.String(), p.Steps().Len(), time.Now().UTC()); err != nil {
		return "", fmt.Errorf("insert execution: %w", err)
	}

	runCtx := mdc.WithFields(context.Background(), mdc.Fields{
		CorrelationID: correlationID,
		ExecutionID:   executionID,
	})

	go func() {
		if _, err := s.runtime.RunWithPolicy(runCtx, job, p, executionID, correlationID, s.errorPolicy); err != nil {
			args := append(mdc.LogArgs(runCtx), "error", err)
			slog.Error("execution ended with error", args...)
		}
	}()

	return executionID, nil
}
