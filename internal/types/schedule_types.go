package types

import "time"

// ExecutionMode controls how a recurring schedule prepares parameters
type ExecutionMode string

// Execution mode constants
const (
	ModeNormal      ExecutionMode = "NORMAL"
	ModeIncremental ExecutionMode = "INCREMENTAL"
)

// Schedule re-triggers a workflow on a cadence
type Schedule struct {
	ID         int64              `json:"id"`
	Name       string             `json:"name"`
	WorkflowID int64              `json:"workflow_id"`
	UserID     string             `json:"user_id"`
	CronExpr   string             `json:"cron_expr"`
	Mode       ExecutionMode      `json:"mode"`
	Parameters ParameterOverrides `json:"parameters,omitempty"`
	Footprint  string             `json:"footprint,omitempty"`
	Batches    []string           `json:"batches"` // oldest first
	Active     bool               `json:"active"`
	LastError  string             `json:"last_error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// LastBatch returns the most recent batch id or ""
func (s *Schedule) LastBatch() string {
	if len(s.Batches) == 0 {
		return ""
	}
	return s.Batches[len(s.Batches)-1]
}
