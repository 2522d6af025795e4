package services

import (
	"context"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

// PassthroughExecutor forwards its inputs and parameters as outputs. Inputs win over parameters of the same name.
type PassthroughExecutor struct{}

func (PassthroughExecutor) Kind() string {
	return types.ComponentKindPassthrough
}

func (PassthroughExecutor) Validate(*types.ProcessingComponent, map[string]string) error {
	return nil
}

func (PassthroughExecutor) Prepare(context.Context, *TaskContext) error {
	return nil
}

func (PassthroughExecutor) Execute(ctx context.Context, tc *TaskContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outputs := make(map[string]string, len(tc.Params)+len(tc.Inputs))
	for k, v := range tc.Params {
		outputs[k] = v
	}
	for k, v := range tc.Inputs {
		outputs[k] = v
	}
	tc.report(100)
	return &Result{Outputs: outputs}, nil
}
