package plan

import (
	"encoding/json"
	"strings"
)

// WorkflowDefinition is the wire format PlanBuilder consumes (spec.md §6).
// Unknown fields are ignored by virtue of encoding/json's default decode
// behavior, matching the wire-format note in spec.md §6.
type WorkflowDefinition struct {
	ID         string           `json:"id"`
	WorkflowID string           `json:"workflowId"`
	Name       string           `json:"name"`
	Nodes      []DefinitionNode `json:"nodes"`
	Edges      []DefinitionEdge `json:"edges"`
}

// DefinitionNode is a single node as it arrives over the wire. Type may be
// absent in favor of Data.NodeType (resolvedNodeType resolves this).
type DefinitionNode struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Kind           string                 `json:"kind"`
	Config         map[string]any         `json:"config"`
	ExecutionHints *DefinitionHints       `json:"executionHints"`
	OnFailure      *DefinitionFailure     `json:"onFailure"`
	Metrics        *DefinitionMetrics     `json:"metrics"`
	Classification string                 `json:"classification"`
	OutputPorts    map[string]string      `json:"outputPorts"`
	ErrorSteps     []string               `json:"errorSteps"`
	Data           DefinitionNodeData     `json:"data"`
}

// DefinitionNodeData carries the alternate-location nodeType some producers
// emit nested under "data" rather than at the top level.
type DefinitionNodeData struct {
	NodeType string `json:"nodeType"`
}

// DefinitionHints mirrors plan.ExecutionHints over the wire.
type DefinitionHints struct {
	Mode           string `json:"mode"`
	ChunkSize      int    `json:"chunkSize"`
	PartitionCount int    `json:"partitionCount"`
	MaxRetries     int    `json:"maxRetries"`
	Timeout        int    `json:"timeout"`
	JoinNodeID     string `json:"joinNodeId"`
}

// DefinitionFailure mirrors plan.FailurePolicy over the wire.
type DefinitionFailure struct {
	Action       string `json:"action"`
	MaxRetries   int    `json:"maxRetries"`
	RetryDelayMs int    `json:"retryDelayMs"`
	RouteToNode  string `json:"routeToNode"`
	SkipOnError  bool   `json:"skipOnError"`
}

// DefinitionMetrics mirrors plan.Metrics over the wire.
type DefinitionMetrics struct {
	EnableTime  bool `json:"enableTime"`
	EnableRead  bool `json:"enableRead"`
	EnableWrite bool `json:"enableWrite"`
	EnableError bool `json:"enableError"`
}

// DefinitionEdge is a single edge as it arrives over the wire.
type DefinitionEdge struct {
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	SourceHandle *string `json:"sourceHandle,omitempty"`
	TargetHandle *string `json:"targetHandle,omitempty"`
	IsControl    bool    `json:"isControl"`
}

// resolvedNodeType returns node.Type, falling back to node.Data.NodeType
// when the top-level field is empty (spec.md §4.B normalization rule).
func resolvedNodeType(n DefinitionNode) string {
	if n.Type != "" {
		return n.Type
	}
	return n.Data.NodeType
}

// normalizeListField splits a comma-separated string value stored under key
// into a []any of strings, leaving values that are already a JSON array untouched.
// This handles fields like leftKeys/rightKeys that some producers emit as
// "a,b,c" instead of ["a","b","c"] (spec.md §4.B).
func normalizeListField(cfg map[string]any, key string) {
	if cfg == nil {
		return
	}
	raw, ok := cfg[key]
	if !ok {
		return
	}
	switch v := raw.(type) {
	case string:
		parts := strings.Split(v, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		cfg[key] = out
	case []any:
		// already a list; nothing to do.
	}
}

// listLikeFields are config keys PlanBuilder knows to be logically lists
// that producers sometimes send as comma-separated strings.
var listLikeFields = []string{"leftKeys", "rightKeys", "partitionKeys", "groupByKeys", "outputVariables"}

// normalizeConfig applies normalizeListField to every known list-like key.
func normalizeConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	for _, key := range listLikeFields {
		normalizeListField(out, key)
	}
	return out
}

// UnmarshalDefinition decodes a WorkflowDefinition from JSON, matching the
// wire format in spec.md §6.
func UnmarshalDefinition(data []byte) (WorkflowDefinition, error) {
	var wf WorkflowDefinition
	if err := json.Unmarshal(data, &wf); err != nil {
		return WorkflowDefinition{}, err
	}
	return wf, nil
}
