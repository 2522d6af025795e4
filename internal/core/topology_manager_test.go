package core

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

func TestTopologyAcquireLeastLoaded(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tm := env.topology

	big := &types.TopologyNode{Hostname: "big", Processors: 4, Active: true}
	small := &types.TopologyNode{Hostname: "small", Processors: 1, Active: true}
	require.NoError(t, tm.AddNode(ctx, big))
	require.NoError(t, tm.AddNode(ctx, small))

	// equal load: hostname decides
	n, err := tm.Acquire("")
	require.NoError(t, err)
	assert.Equal(t, "big", n.Hostname)

	n, err = tm.Acquire("")
	require.NoError(t, err)
	assert.Equal(t, "small", n.Hostname)

	for i := 0; i < 3; i++ {
		n, err = tm.Acquire("")
		require.NoError(t, err)
		assert.Equal(t, "big", n.Hostname)
	}
	assert.Equal(t, 4, tm.InUse(big.ID))

	_, err = tm.Acquire("")
	assert.ErrorIs(t, err, ErrNoCapacity)

	tm.Release(small.ID)
	n, err = tm.Acquire("")
	require.NoError(t, err)
	assert.Equal(t, "small", n.Hostname)
}

func TestTopologyAffinityAndActive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tm := env.topology

	gpu := &types.TopologyNode{Hostname: "gpu-1", Processors: 2, Active: true, Affinity: "gpu"}
	cpu := &types.TopologyNode{Hostname: "cpu-1", Processors: 2, Active: true}
	require.NoError(t, tm.AddNode(ctx, gpu))
	require.NoError(t, tm.AddNode(ctx, cpu))

	n, err := tm.Acquire("gpu")
	require.NoError(t, err)
	assert.Equal(t, "gpu-1", n.Hostname)

	_, err = tm.Acquire("fpga")
	assert.ErrorIs(t, err, ErrNoCapacity)

	require.NoError(t, tm.SetActive(ctx, gpu.ID, false))
	_, err = tm.Acquire("gpu")
	assert.ErrorIs(t, err, ErrNoCapacity)

	// state survives a reload from the store
	require.NoError(t, tm.Load(ctx))
	nodes := tm.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "cpu-1", nodes[0].Hostname)
	assert.False(t, nodes[1].Active)

	require.NoError(t, tm.RemoveNode(ctx, cpu.ID))
	assert.Len(t, tm.Nodes(), 1)

	assert.ErrorIs(t, tm.SetActive(ctx, cpu.ID, true), ErrNodeNotFound)
	assert.Error(t, tm.AddNode(ctx, &types.TopologyNode{Hostname: "zero", Processors: 0}))
}

func TestTopologyImportYAML(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	file := `
nodes:
  - hostname: worker-1
    processors: 8
    memory_size: 32gb
    disk_size: 1tb
  - hostname: worker-2
    processors: 4
    affinity: gpu
    active: false
`
	n, err := env.topology.ImportYAML(ctx, strings.NewReader(file))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	nodes := env.topology.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "worker-1", nodes[0].Hostname)
	assert.True(t, nodes[0].Active)
	assert.Equal(t, int64(32<<30), nodes[0].MemorySize)
	assert.Equal(t, "gpu", nodes[1].Affinity)
	assert.False(t, nodes[1].Active)

	// importing again updates by hostname
	_, err = env.topology.ImportYAML(ctx, strings.NewReader("nodes:\n  - hostname: worker-1\n    processors: 2\n"))
	require.NoError(t, err)
	require.NoError(t, env.topology.Load(ctx))
	assert.Len(t, env.topology.Nodes(), 2)

	_, err = env.topology.ImportYAML(ctx, strings.NewReader("nodes:\n  - hostname: bad\n    processors: 1\n    memory_size: lots\n"))
	assert.Error(t, err)
}

func TestEnsureLocalNode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	require.NoError(t, env.topology.EnsureLocalNode(ctx))
	nodes := env.topology.Nodes()
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].Active)
	assert.GreaterOrEqual(t, nodes[0].Processors, 1)

	require.NoError(t, env.topology.EnsureLocalNode(ctx))
	assert.Len(t, env.topology.Nodes(), 1)
}
