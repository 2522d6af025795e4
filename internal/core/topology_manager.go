package core

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/system"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

// TopologyManager keeps the compute nodes and the slots taken on each
type TopologyManager struct {
	store  TopologyStore
	logger *utils.LogsManager

	mu    sync.Mutex
	nodes map[int64]*types.TopologyNode
	inUse map[int64]int
}

func NewTopologyManager(store TopologyStore, logger *utils.LogsManager) *TopologyManager {
	return &TopologyManager{
		store:  store,
		logger: logger,
		nodes:  make(map[int64]*types.TopologyNode),
		inUse:  make(map[int64]int),
	}
}

// Load refreshes the node set from the store. Slots held on nodes that disappeared are forgotten.
func (tm *TopologyManager) Load(ctx context.Context) error {
	nodes, err := tm.store.GetTopologyNodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load topology: %w", err)
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.nodes = make(map[int64]*types.TopologyNode, len(nodes))
	for _, n := range nodes {
		tm.nodes[n.ID] = n
	}
	for id := range tm.inUse {
		if _, ok := tm.nodes[id]; !ok {
			delete(tm.inUse, id)
		}
	}

	tm.logger.Debug(fmt.Sprintf("Loaded %d topology nodes", len(nodes)), "topology")
	return nil
}

// Nodes returns copies of all nodes sorted by hostname
func (tm *TopologyManager) Nodes() []types.TopologyNode {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	out := make([]types.TopologyNode, 0, len(tm.nodes))
	for _, n := range tm.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// InUse returns the slots taken on node id
func (tm *TopologyManager) InUse(id int64) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.inUse[id]
}

// Acquire takes a slot on the least loaded active node whose affinity matches.
// An empty affinity accepts any node. ErrNoCapacity means the caller should wait.
func (tm *TopologyManager) Acquire(affinity string) (types.TopologyNode, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	var (
		best     *types.TopologyNode
		bestLoad float64
	)
	for _, n := range tm.nodes {
		if !n.Active || (affinity != "" && n.Affinity != affinity) {
			continue
		}
		used := tm.inUse[n.ID]
		if used >= n.Slots() {
			continue
		}
		load := float64(used) / float64(n.Slots())
		if best == nil || load < bestLoad || (load == bestLoad && n.Hostname < best.Hostname) {
			best, bestLoad = n, load
		}
	}

	if best == nil {
		if affinity != "" {
			return types.TopologyNode{}, fmt.Errorf("%w (affinity %q)", ErrNoCapacity, affinity)
		}
		return types.TopologyNode{}, ErrNoCapacity
	}

	tm.inUse[best.ID]++
	return *best, nil
}

// Release gives back a slot taken by Acquire
func (tm *TopologyManager) Release(id int64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.inUse[id] <= 1 {
		delete(tm.inUse, id)
		return
	}
	tm.inUse[id]--
}

// AddNode registers a node, or updates the node with the same hostname
func (tm *TopologyManager) AddNode(ctx context.Context, node *types.TopologyNode) error {
	if node.Hostname == "" {
		return fmt.Errorf("topology node needs a hostname")
	}
	if node.Processors < 1 {
		return fmt.Errorf("topology node %s needs at least one processor", node.Hostname)
	}
	if node.MemorySize < 0 || node.DiskSize < 0 {
		return fmt.Errorf("topology node %s has negative capacity", node.Hostname)
	}

	if err := tm.store.SaveTopologyNode(ctx, node); err != nil {
		return err
	}

	tm.mu.Lock()
	copied := *node
	tm.nodes[node.ID] = &copied
	tm.mu.Unlock()

	tm.logger.Info(fmt.Sprintf("Topology node %s registered (%d processors, affinity %q)", node.Hostname, node.Processors, node.Affinity), "topology")
	return nil
}

// RemoveNode deletes a node. Tasks already running there finish normally.
func (tm *TopologyManager) RemoveNode(ctx context.Context, id int64) error {
	if err := tm.store.DeleteTopologyNode(ctx, id); err != nil {
		return fmt.Errorf("%w: %d: %v", ErrNodeNotFound, id, err)
	}

	tm.mu.Lock()
	delete(tm.nodes, id)
	tm.mu.Unlock()

	tm.logger.Info(fmt.Sprintf("Topology node %d removed", id), "topology")
	return nil
}

// SetActive toggles whether a node accepts new tasks
func (tm *TopologyManager) SetActive(ctx context.Context, id int64, active bool) error {
	tm.mu.Lock()
	node, ok := tm.nodes[id]
	var updated types.TopologyNode
	if ok {
		updated = *node
	}
	tm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}

	updated.Active = active
	if err := tm.store.SaveTopologyNode(ctx, &updated); err != nil {
		return err
	}

	tm.mu.Lock()
	tm.nodes[id] = &updated
	tm.mu.Unlock()

	tm.logger.Info(fmt.Sprintf("Topology node %s active=%t", updated.Hostname, active), "topology")
	return nil
}

// topologyFile is the YAML layout accepted by ImportYAML. Nodes are active unless stated otherwise.
type topologyFile struct {
	Nodes []struct {
		Hostname   string `yaml:"hostname"`
		Processors int    `yaml:"processors"`
		MemorySize string `yaml:"memory_size"`
		DiskSize   string `yaml:"disk_size"`
		Active     *bool  `yaml:"active"`
		Affinity   string `yaml:"affinity"`
	} `yaml:"nodes"`
}

// ImportYAML adds every node listed under `nodes:` and returns how many were imported.
// Sizes accept units, e.g. "64gb".
func (tm *TopologyManager) ImportYAML(ctx context.Context, r io.Reader) (int, error) {
	var file topologyFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return 0, fmt.Errorf("failed to parse topology file: %w", err)
	}

	for i, entry := range file.Nodes {
		node := &types.TopologyNode{
			Hostname:   entry.Hostname,
			Processors: entry.Processors,
			Active:     entry.Active == nil || *entry.Active,
			Affinity:   entry.Affinity,
		}
		for _, size := range []struct {
			raw string
			dst *int64
		}{{entry.MemorySize, &node.MemorySize}, {entry.DiskSize, &node.DiskSize}} {
			if size.raw == "" {
				continue
			}
			n, err := utils.ParseByteSize(size.raw)
			if err != nil {
				return i, fmt.Errorf("topology node %s: %w", entry.Hostname, err)
			}
			*size.dst = n
		}

		if err := tm.AddNode(ctx, node); err != nil {
			return i, err
		}
	}
	return len(file.Nodes), nil
}

// EnsureLocalNode registers this host with all its CPUs when no node is known at all
func (tm *TopologyManager) EnsureLocalNode(ctx context.Context) error {
	tm.mu.Lock()
	empty := len(tm.nodes) == 0
	tm.mu.Unlock()
	if !empty {
		return nil
	}

	host := system.DetectHost(utils.GetAppPaths("").DataDir)
	if len(host.GPUs) > 0 {
		tm.logger.Info(fmt.Sprintf("Local host has GPUs %v; add a node with affinity gpu to route GPU tasks", host.GPUs), "topology")
	}
	return tm.AddNode(ctx, &types.TopologyNode{
		Hostname:   host.Hostname,
		Processors: host.Processors,
		MemorySize: host.MemoryBytes,
		DiskSize:   host.DiskBytes,
		Active:     true,
	})
}
