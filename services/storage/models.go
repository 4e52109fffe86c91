package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Workflow represents the top-level container for a workflow graph as
// authored on the canvas: a name, a lifecycle status, and (once
// published) a pointer at the immutable WorkflowSnapshot that
// services/plan.Builder actually compiles into an ExecutionPlan. Editing a
// published workflow never mutates history — PublishWorkflow cuts a new
// snapshot version instead.
type Workflow struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	Name             string     `json:"name" db:"name"`
	Status           string     `json:"status" db:"status"`
	ActiveSnapshotID *uuid.UUID `json:"activeSnapshotId,omitempty" db:"active_snapshot_id"`
	Nodes            []Node     `json:"nodes" db:"-"`
	Edges            []Edge     `json:"edges" db:"-"`
	CreatedAt        time.Time  `json:"createdAt" db:"created_at"`
	ModifiedAt       time.Time  `json:"modifiedAt" db:"modified_at"`
	DeletedAt        *time.Time `json:"deletedAt,omitempty" db:"deleted_at"`
}

// ToFrontend returns only the fields the workflow editor needs: id, status,
// nodes, edges. This strips internal timestamps from the API response.
func (w *Workflow) ToFrontend() map[string]interface{} {
	return map[string]interface{}{
		"id":     w.ID,
		"status": w.Status,
		"nodes":  w.Nodes,
		"edges":  w.Edges,
	}
}

// Node is the hydrated view combining a library blueprint (node type,
// label, description, metadata) with a canvas instance (position). Data.Metadata
// carries the plan-level node fields services/workflow passes on to
// services/plan.Builder (kind, config, executionHints, onFailure, metrics,
// classification, outputPorts, errorSteps).
type Node struct {
	ID       string       `json:"id"`   // instance_id from workflow_node_instances
	Type     string       `json:"type"` // node_type from node_library
	Position NodePosition `json:"position"`
	Data     NodeData     `json:"data"`
}

type NodePosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData holds the display and logic properties of a node. Metadata is
// stored as raw JSON so the polymorphic per-node-type config
// (thresholds, routing tables, subgraph templates) doesn't need a
// separate table per node type.
type NodeData struct {
	Label       string          `json:"label"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata"`
}

// Edge represents a directed connection between two node instances.
// SourceHandle distinguishes branches for routing/decision nodes (e.g.
// "true"/"false", or an error-edge marker).
type Edge struct {
	ID           string          `json:"id" db:"edge_id"`
	Source       string          `json:"source" db:"source_instance_id"`
	Target       string          `json:"target" db:"target_instance_id"`
	SourceHandle *string         `json:"sourceHandle,omitempty" db:"source_handle"`
	Type         string          `json:"type" db:"edge_type"`
	Animated     bool            `json:"animated" db:"animated"`
	Label        *string         `json:"label,omitempty" db:"label"`
	Style        json.RawMessage `json:"style,omitempty" db:"style_props"`
	LabelStyle   json.RawMessage `json:"labelStyle,omitempty" db:"label_style"`
}

// NodeLibraryEntry represents a reusable node blueprint in the shared library.
// Workflows reference these via workflow_node_instances, allowing multiple
// workflows to share the same underlying node definitions.
type NodeLibraryEntry struct {
	ID          string          `json:"id" db:"id"`
	NodeType    string          `json:"nodeType" db:"node_type"`
	Label       string          `json:"baseLabel" db:"base_label"`
	Description string          `json:"baseDescription" db:"base_description"`
	Metadata    json.RawMessage `json:"metadata" db:"metadata"`
	ModifiedAt  time.Time       `json:"modifiedAt" db:"modified_at"`
}

// DagData is the frozen node/edge payload a WorkflowSnapshot stores as a
// single JSON column, decoupling future executions from live node_library
// edits (spec.md's subgraph templates and node library are both mutable;
// a running job must see the shape it was triggered against).
type DagData struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// WorkflowSnapshot is an immutable, versioned publish of a Workflow's DAG.
type WorkflowSnapshot struct {
	ID            uuid.UUID `json:"id"`
	WorkflowID    uuid.UUID `json:"workflowId"`
	VersionNumber int       `json:"versionNumber"`
	DagData       DagData   `json:"dagData"`
	PublishedAt   time.Time `json:"publishedAt"`
}

// WorkflowExecution is the job-level persisted record: one row per
// triggered execution, rolled up from its NodeExecution children
// (spec.md §6's "Persisted state layout").
type WorkflowExecution struct {
	ExecutionID          uuid.UUID  `json:"executionId"`
	WorkflowID           uuid.UUID  `json:"workflowId"`
	Status               string     `json:"status"`
	StartTime            time.Time  `json:"startTime"`
	EndTime              *time.Time `json:"endTime,omitempty"`
	TotalNodes           int        `json:"totalNodes"`
	CompletedNodes       int        `json:"completedNodes"`
	SuccessfulNodes      int        `json:"successfulNodes"`
	FailedNodes          int        `json:"failedNodes"`
	TotalRecords         int64      `json:"totalRecords"`
	TotalExecutionTimeMs int64      `json:"totalExecutionTimeMs"`
	ErrorMessage         *string    `json:"errorMessage,omitempty"`
}

// NodeExecution is one step's persisted execution record.
type NodeExecution struct {
	ID               uuid.UUID
	ExecutionID      uuid.UUID
	NodeID           string
	NodeType         string
	Status           string
	StartTime        time.Time
	EndTime          *time.Time
	ExecutionTimeMs  *int64
	RecordsProcessed int64
	ErrorMessage     *string
}

// ExecutionLogEntry is one line of an execution's append-only log.
type ExecutionLogEntry struct {
	ID          int64
	Timestamp   time.Time
	Level       string
	ExecutionID uuid.UUID
	NodeID      *string
	Message     string
	StackTrace  *string
}
