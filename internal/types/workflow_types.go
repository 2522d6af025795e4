package types

import "time"

// FailurePolicy decides what a task failure does to the rest of the job
type FailurePolicy string

// Failure policy constants
const (
	FailOnError     FailurePolicy = "FAIL_ON_ERROR"
	ContinueOnError FailurePolicy = "CONTINUE_ON_ERROR"
)

// Component kind constants
const (
	ComponentKindAcquisition = "acquisition"
	ComponentKindCommand     = "command"
	ComponentKindPassthrough = "passthrough"
)

// ProcessingComponent is a reusable processing step that workflow nodes reference
type ProcessingComponent struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Kind        string            `json:"kind" yaml:"kind"`
	Command     string            `json:"command,omitempty" yaml:"command,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"` // defaults
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
}

// NodeLink connects an output port of a source node to an input port of the owning node
type NodeLink struct {
	SourceNodeID string `json:"source_node_id" yaml:"source"`
	OutputPort   string `json:"output_port" yaml:"output"`
	InputPort    string `json:"input_port" yaml:"input"`
}

// WorkflowNode is one processing step bound to a component
type WorkflowNode struct {
	ID             string            `json:"id" yaml:"id"`
	ComponentID    string            `json:"component_id" yaml:"component"`
	CustomValues   map[string]string `json:"custom_values,omitempty" yaml:"parameters,omitempty"`
	Links          []*NodeLink       `json:"links,omitempty" yaml:"links,omitempty"`
	FailurePolicy  FailurePolicy     `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
	PreserveOutput bool              `json:"preserve_output,omitempty" yaml:"preserve_output,omitempty"`
	Affinity       string            `json:"affinity,omitempty" yaml:"affinity,omitempty"`
}

// Workflow is the stored description of a processing graph
type Workflow struct {
	ID          int64           `json:"id" yaml:"-"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	OwnerID     string          `json:"owner_id" yaml:"owner"`
	Nodes       []*WorkflowNode `json:"nodes" yaml:"nodes"`
	CreatedAt   time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"-"`
}

// Node returns the node with the given id or nil
func (w *Workflow) Node(id string) *WorkflowNode {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// ParameterOverrides maps a workflow node id to parameter values that win over its custom values
type ParameterOverrides map[string]map[string]string

// Clone returns a deep copy
func (o ParameterOverrides) Clone() ParameterOverrides {
	clone := make(ParameterOverrides, len(o))
	for nodeID, params := range o {
		copied := make(map[string]string, len(params))
		for k, v := range params {
			copied[k] = v
		}
		clone[nodeID] = copied
	}
	return clone
}
