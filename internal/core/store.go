package core

import (
	"context"
	"time"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/database"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

// ProductStore persists the product registry
type ProductStore interface {
	GetProduct(ctx context.Context, id string) (*types.Product, error)
	SaveProduct(ctx context.Context, p *types.Product) error
	ListProductsByStatus(ctx context.Context, status types.ProductStatus) ([]*types.Product, error)
	GetNewestProductDate(ctx context.Context, user string, footprint string) (time.Time, bool, error)
}

// QuotaStore persists the quota ledger
type QuotaStore interface {
	GetQuota(ctx context.Context, user string) (*types.Quota, error)
	SetQuota(ctx context.Context, q *types.Quota) error
	UpdateQuota(ctx context.Context, user string, inputDelta int64, processingDelta int64) (*types.Quota, error)
}

// TopologyStore persists compute nodes
type TopologyStore interface {
	GetTopologyNodes(ctx context.Context) ([]*types.TopologyNode, error)
	SaveTopologyNode(ctx context.Context, n *types.TopologyNode) error
	DeleteTopologyNode(ctx context.Context, id int64) error
}

// WorkflowStore reads workflow definitions and their components
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id int64) (*types.Workflow, error)
	GetComponent(ctx context.Context, id string) (*types.ProcessingComponent, error)
}

// ExecutionStore persists jobs and tasks
type ExecutionStore interface {
	WorkflowStore
	SaveJob(ctx context.Context, j *types.ExecutionJob) error
	GetJob(ctx context.Context, id int64) (*types.ExecutionJob, error)
	GetJobs(ctx context.Context, user string, statuses ...types.ExecutionStatus) ([]*types.ExecutionJob, error)
	GetJobsByBatch(ctx context.Context, batchID string) ([]*types.ExecutionJob, error)
	SaveTask(ctx context.Context, t *types.ExecutionTask) error
	GetTasks(ctx context.Context, jobID int64) ([]*types.ExecutionTask, error)
}

// ScheduleStore persists recurring schedules and reads what a firing needs
type ScheduleStore interface {
	WorkflowStore
	GetSchedule(ctx context.Context, id int64) (*types.Schedule, error)
	SaveSchedule(ctx context.Context, s *types.Schedule) error
	ListSchedules(ctx context.Context, activeOnly bool) ([]*types.Schedule, error)
	DeleteSchedule(ctx context.Context, id int64) error
	GetJobsByBatch(ctx context.Context, batchID string) ([]*types.ExecutionJob, error)
	GetNewestProductDate(ctx context.Context, user string, footprint string) (time.Time, bool, error)
}

// Store is everything the managers need from persistence
type Store interface {
	ProductStore
	QuotaStore
	TopologyStore
	ExecutionStore
	ScheduleStore
}

var _ Store = (*database.SQLiteManager)(nil)

// nonTerminalStatuses are the statuses of jobs still in flight
var nonTerminalStatuses = []types.ExecutionStatus{
	types.StatusUndetermined,
	types.StatusQueuedActive,
	types.StatusRunning,
	types.StatusPendingFinalisation,
	types.StatusSuspended,
}
