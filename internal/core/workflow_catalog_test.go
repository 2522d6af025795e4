package core

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/services"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

const ndviDefinition = `
name: ndvi
description: daily NDVI over the test tile
owner: somebody-else
components:
  - id: copy
    name: Copy inputs
    kind: passthrough
nodes:
  - id: fetch
    component: copy
    parameters:
      startDate: "2024-01-01"
  - id: index
    component: copy
    failure_policy: CONTINUE_ON_ERROR
    preserve_output: true
    links:
      - source: fetch
        output: out
        input: in
`

func TestImportWorkflow(t *testing.T) {
	env := newTestEnv(t)
	registry := services.NewRegistry(services.PassthroughExecutor{})

	def, err := ParseWorkflowDefinition(strings.NewReader(ndviDefinition))
	require.NoError(t, err)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, "2024-01-01", def.Nodes[0].CustomValues["startDate"])
	assert.Equal(t, types.ContinueOnError, def.Nodes[1].FailurePolicy)
	assert.True(t, def.Nodes[1].PreserveOutput)

	_, err = ImportWorkflow(context.Background(), env.store, registry, def)
	assert.ErrorIs(t, err, ErrNoPrincipal)

	w, err := ImportWorkflow(asUser("alice"), env.store, registry, def)
	require.NoError(t, err)
	assert.NotZero(t, w.ID)
	assert.Equal(t, "alice", w.OwnerID, "owner comes from the principal, not the file")

	stored, err := env.store.GetWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "ndvi", stored.Name)
	assert.Equal(t, "fetch", stored.Nodes[1].Links[0].SourceNodeID)

	c, err := env.store.GetComponent(context.Background(), "copy")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, types.ComponentKindPassthrough, c.Kind)

	// a second definition may reuse the stored component
	again, err := ParseWorkflowDefinition(strings.NewReader("name: reuse\nnodes:\n  - id: only\n    component: copy\n"))
	require.NoError(t, err)
	_, err = ImportWorkflow(asUser("bob"), env.store, registry, again)
	require.NoError(t, err)
}

func TestImportWorkflowRejects(t *testing.T) {
	env := newTestEnv(t)
	registry := services.NewRegistry(services.PassthroughExecutor{})

	_, err := ParseWorkflowDefinition(strings.NewReader("nodes:\n  - id: a\n    component: copy\n"))
	assert.ErrorIs(t, err, ErrInvalidWorkflow, "name is required")

	_, err = ParseWorkflowDefinition(strings.NewReader(`
name: loop
nodes:
  - id: a
    component: copy
    links: [{source: b, output: out, input: in}]
  - id: b
    component: copy
    links: [{source: a, output: out, input: in}]
`))
	assert.ErrorIs(t, err, ErrGraphCycle)

	missing, err := ParseWorkflowDefinition(strings.NewReader("name: m\nnodes:\n  - id: a\n    component: nowhere\n"))
	require.NoError(t, err)
	_, err = ImportWorkflow(asUser("alice"), env.store, registry, missing)
	assert.ErrorIs(t, err, ErrComponentNotFound)

	unknownKind, err := ParseWorkflowDefinition(strings.NewReader(`
name: k
components:
  - id: gpu
    kind: tensor
nodes:
  - id: a
    component: gpu
`))
	require.NoError(t, err)
	_, err = ImportWorkflow(asUser("alice"), env.store, registry, unknownKind)
	assert.ErrorIs(t, err, ErrInvalidWorkflow)

	c, err := env.store.GetComponent(context.Background(), "gpu")
	require.NoError(t, err)
	assert.Nil(t, c, "nothing is saved when validation fails")
}
