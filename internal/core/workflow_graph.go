package core

import (
	"fmt"
	"strings"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

// Graph is the validated, read-only dependency structure of a workflow
type Graph struct {
	workflow     *types.Workflow
	order        []string
	dependencies map[string][]string
	dependents   map[string][]string
}

// BuildGraph validates the links of w and resolves its dependency order.
// Links must name an existing source, may not point at their own node, and each input port takes one link.
func BuildGraph(w *types.Workflow) (*Graph, error) {
	if w == nil || len(w.Nodes) == 0 {
		return nil, fmt.Errorf("%w: workflow has no nodes", ErrInvalidWorkflow)
	}

	g := &Graph{
		workflow:     w,
		dependencies: make(map[string][]string, len(w.Nodes)),
		dependents:   make(map[string][]string, len(w.Nodes)),
	}

	for _, node := range w.Nodes {
		if node == nil || node.ID == "" {
			return nil, fmt.Errorf("%w: node without id", ErrInvalidWorkflow)
		}
		if _, dup := g.dependencies[node.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidWorkflow, node.ID)
		}
		if node.ComponentID == "" {
			return nil, fmt.Errorf("%w: node %q has no component", ErrInvalidWorkflow, node.ID)
		}
		switch node.FailurePolicy {
		case "", types.FailOnError, types.ContinueOnError:
		default:
			return nil, fmt.Errorf("%w: node %q has unknown failure policy %q", ErrInvalidWorkflow, node.ID, node.FailurePolicy)
		}
		g.dependencies[node.ID] = nil
	}

	for _, node := range w.Nodes {
		ports := make(map[string]bool, len(node.Links))
		seen := make(map[string]bool, len(node.Links))
		for _, link := range node.Links {
			if link == nil {
				continue
			}
			if _, ok := g.dependencies[link.SourceNodeID]; !ok {
				return nil, fmt.Errorf("%w: node %q links from unknown node %q", ErrInvalidLink, node.ID, link.SourceNodeID)
			}
			if link.SourceNodeID == node.ID {
				return nil, fmt.Errorf("%w: node %q links to itself", ErrInvalidLink, node.ID)
			}
			if link.OutputPort == "" || link.InputPort == "" {
				return nil, fmt.Errorf("%w: link %s -> %s needs both ports", ErrInvalidLink, link.SourceNodeID, node.ID)
			}
			if ports[link.InputPort] {
				return nil, fmt.Errorf("%w: input %q of node %q has more than one link", ErrInvalidLink, link.InputPort, node.ID)
			}
			ports[link.InputPort] = true

			// several links between the same pair count as one dependency
			if !seen[link.SourceNodeID] {
				seen[link.SourceNodeID] = true
				g.dependencies[node.ID] = append(g.dependencies[node.ID], link.SourceNodeID)
				g.dependents[link.SourceNodeID] = append(g.dependents[link.SourceNodeID], node.ID)
			}
		}
	}

	order, err := g.sort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// sort returns the nodes in dependency order, keeping declaration order where free.
// A back edge found by the depth-first walk is reported with its path.
func (g *Graph) sort() ([]string, error) {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(g.workflow.Nodes))
	order := make([]string, 0, len(g.workflow.Nodes))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visited:
			return nil
		case visiting:
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), id)
			return fmt.Errorf("%w: %s", ErrGraphCycle, strings.Join(cycle, " -> "))
		}

		state[id] = visiting
		path = append(path, id)
		for _, dep := range g.dependencies[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[id] = visited
		order = append(order, id)
		return nil
	}

	for _, node := range g.workflow.Nodes {
		if err := visit(node.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Workflow returns the workflow the graph was built from
func (g *Graph) Workflow() *types.Workflow {
	return g.workflow
}

// Order returns node ids with every node after all its dependencies
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Roots returns the nodes without incoming links, in declaration order
func (g *Graph) Roots() []string {
	var roots []string
	for _, node := range g.workflow.Nodes {
		if len(g.dependencies[node.ID]) == 0 {
			roots = append(roots, node.ID)
		}
	}
	return roots
}

// Dependencies returns the distinct source nodes of id
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.dependencies[id]...)
}

// Dependents returns the nodes that consume outputs of id
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Descendants returns every node reachable from id, excluding id
func (g *Graph) Descendants(id string) []string {
	seen := map[string]bool{id: true}
	var out []string
	queue := g.Dependents(id)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.dependents[next]...)
	}
	return out
}
