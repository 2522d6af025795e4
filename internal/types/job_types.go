package types

import "time"

// ExecutionStatus is shared by jobs and tasks
type ExecutionStatus string

// Execution status constants
const (
	StatusUndetermined        ExecutionStatus = "UNDETERMINED"
	StatusQueuedActive        ExecutionStatus = "QUEUED_ACTIVE"
	StatusRunning             ExecutionStatus = "RUNNING"
	StatusPendingFinalisation ExecutionStatus = "PENDING_FINALISATION"
	StatusDone                ExecutionStatus = "DONE"
	StatusFailed              ExecutionStatus = "FAILED"
	StatusCancelled           ExecutionStatus = "CANCELLED"
	StatusSuspended           ExecutionStatus = "SUSPENDED"
)

// IsTerminal reports whether no further transition is allowed
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// allowedTransitions lists, per status, the statuses it may move to
var allowedTransitions = map[ExecutionStatus][]ExecutionStatus{
	StatusUndetermined:        {StatusQueuedActive, StatusFailed, StatusCancelled},
	StatusQueuedActive:        {StatusRunning, StatusSuspended, StatusFailed, StatusCancelled},
	StatusRunning:             {StatusPendingFinalisation, StatusSuspended, StatusDone, StatusFailed, StatusCancelled},
	StatusPendingFinalisation: {StatusDone, StatusFailed, StatusCancelled},
	// An in-flight task may finish while its job is suspended
	StatusSuspended:           {StatusRunning, StatusQueuedActive, StatusDone, StatusFailed, StatusCancelled},
}

// CanTransition reports whether moving from s to next is a legal state change
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ResourceUsage is a snapshot of what a task consumed
type ResourceUsage struct {
	CPUSeconds  float64 `json:"cpu_seconds"`
	MemoryBytes int64   `json:"memory_bytes"`
}

// ExecutionJob is one run of a whole workflow graph
type ExecutionJob struct {
	ID           int64           `json:"id"`
	UserID       string          `json:"user_id"`
	WorkflowID   int64           `json:"workflow_id"`
	ScheduleID   *int64          `json:"schedule_id,omitempty"`
	BatchID      string          `json:"batch_id,omitempty"`
	Status       ExecutionStatus `json:"status"`
	Progress     float64         `json:"progress"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    time.Time       `json:"started_at,omitempty"`
	EndedAt      time.Time       `json:"ended_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ExecutionTask is one workflow node's execution within a job
type ExecutionTask struct {
	ID             int64             `json:"id"`
	JobID          int64             `json:"job_id"`
	NodeID         string            `json:"node_id"`
	TopologyNodeID *int64            `json:"topology_node_id,omitempty"`
	Status         ExecutionStatus   `json:"status"`
	Percent        float64           `json:"percent"`
	Usage          ResourceUsage     `json:"usage"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	Outputs        map[string]string `json:"outputs,omitempty"`
	DispatchOrder  int               `json:"dispatch_order"` // 0 until dispatched
	ErrorMessage   string            `json:"error_message,omitempty"`
	StartedAt      time.Time         `json:"started_at,omitempty"`
	EndedAt        time.Time         `json:"ended_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
