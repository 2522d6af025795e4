package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

func link(source, output, input string) *types.NodeLink {
	return &types.NodeLink{SourceNodeID: source, OutputPort: output, InputPort: input}
}

func node(id string, links ...*types.NodeLink) *types.WorkflowNode {
	return &types.WorkflowNode{ID: id, ComponentID: "noop", Links: links}
}

func TestBuildGraphOrder(t *testing.T) {
	// C is declared first but depends on A and B
	w := &types.Workflow{Name: "join", Nodes: []*types.WorkflowNode{
		node("C", link("A", "out", "left"), link("B", "out", "right")),
		node("A"),
		node("B"),
		node("D", link("C", "out", "in"), link("C", "log", "log")),
	}}

	g, err := BuildGraph(w)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C", "D"}, g.Order())
	assert.Equal(t, []string{"A", "B"}, g.Roots())
	assert.Equal(t, []string{"A", "B"}, g.Dependencies("C"))
	assert.Equal(t, []string{"C"}, g.Dependencies("D"), "parallel links count once")
	assert.Equal(t, []string{"C"}, g.Dependents("A"))
	assert.ElementsMatch(t, []string{"C", "D"}, g.Descendants("A"))
	assert.Empty(t, g.Descendants("D"))
	assert.Same(t, w, g.Workflow())
}

func TestBuildGraphCycle(t *testing.T) {
	w := &types.Workflow{Nodes: []*types.WorkflowNode{
		node("A", link("C", "out", "in")),
		node("B", link("A", "out", "in")),
		node("C", link("B", "out", "in")),
	}}

	_, err := BuildGraph(w)
	require.ErrorIs(t, err, ErrGraphCycle)
	assert.Contains(t, err.Error(), "A -> C -> B -> A")
}

func TestBuildGraphInvalid(t *testing.T) {
	tests := []struct {
		name  string
		nodes []*types.WorkflowNode
		want  error
	}{
		{"empty", nil, ErrInvalidWorkflow},
		{"duplicate id", []*types.WorkflowNode{node("A"), node("A")}, ErrInvalidWorkflow},
		{"no component", []*types.WorkflowNode{{ID: "A"}}, ErrInvalidWorkflow},
		{"unknown policy", []*types.WorkflowNode{{ID: "A", ComponentID: "noop", FailurePolicy: "SOMETIMES"}}, ErrInvalidWorkflow},
		{"unknown source", []*types.WorkflowNode{node("A", link("X", "out", "in"))}, ErrInvalidLink},
		{"self link", []*types.WorkflowNode{node("A", link("A", "out", "in"))}, ErrInvalidLink},
		{"missing port", []*types.WorkflowNode{node("A"), node("B", link("A", "", "in"))}, ErrInvalidLink},
		{"input linked twice", []*types.WorkflowNode{node("A"), node("B"), node("C", link("A", "out", "in"), link("B", "out", "in"))}, ErrInvalidLink},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph(&types.Workflow{Nodes: tt.nodes})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
