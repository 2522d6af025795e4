package core

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/services"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

// WorkflowCatalog stores workflow definitions and their components
type WorkflowCatalog interface {
	WorkflowStore
	SaveComponent(ctx context.Context, c *types.ProcessingComponent) error
	SaveWorkflow(ctx context.Context, w *types.Workflow) error
}

// WorkflowDefinition is the on-disk form of a workflow: the graph plus any components it brings along
type WorkflowDefinition struct {
	types.Workflow `yaml:",inline"`
	Components     []*types.ProcessingComponent `yaml:"components,omitempty"`
}

// ParseWorkflowDefinition decodes a YAML definition and validates its graph
func ParseWorkflowDefinition(r io.Reader) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.NewDecoder(r).Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("%w: workflow has no name", ErrInvalidWorkflow)
	}
	if _, err := BuildGraph(&def.Workflow); err != nil {
		return nil, err
	}
	return &def, nil
}

// ImportWorkflow saves the definition's components and then the workflow, owned by the context principal.
// Every node must reference a component of a kind the registry can execute.
func ImportWorkflow(ctx context.Context, catalog WorkflowCatalog, registry *services.Registry, def *WorkflowDefinition) (*types.Workflow, error) {
	principal, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}

	bundled := make(map[string]*types.ProcessingComponent, len(def.Components))
	for _, c := range def.Components {
		if c.ID == "" {
			return nil, fmt.Errorf("%w: component without id", ErrInvalidWorkflow)
		}
		if _, err := registry.Lookup(c.Kind); err != nil {
			return nil, fmt.Errorf("%w: component %s: %v", ErrInvalidWorkflow, c.ID, err)
		}
		bundled[c.ID] = c
	}

	for _, n := range def.Nodes {
		if _, ok := bundled[n.ComponentID]; ok {
			continue
		}
		existing, err := catalog.GetComponent(ctx, n.ComponentID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("%w: %s (node %s)", ErrComponentNotFound, n.ComponentID, n.ID)
		}
	}

	for _, c := range def.Components {
		if err := catalog.SaveComponent(ctx, c); err != nil {
			return nil, err
		}
	}

	workflow := def.Workflow
	workflow.ID = 0
	workflow.OwnerID = principal.UserID
	if err := catalog.SaveWorkflow(ctx, &workflow); err != nil {
		return nil, err
	}
	return &workflow, nil
}
