package types

import "time"

// Event type constants
const (
	EventJobStarted        = "job_started"
	EventJobStatus         = "job_status"
	EventTaskStatus        = "task_status"
	EventTaskProgress      = "task_progress"
	EventProductDownloaded = "product_downloaded"
	EventProductFailed     = "product_failed"
	EventScheduleFailed    = "schedule_failed"
)

// Event is a status change published on the notification bus
type Event struct {
	Type      string          `json:"type"`
	UserID    string          `json:"user_id,omitempty"`
	JobID     int64           `json:"job_id,omitempty"`
	TaskID    int64           `json:"task_id,omitempty"`
	ProductID string          `json:"product_id,omitempty"`
	Status    ExecutionStatus `json:"status,omitempty"`
	Progress  float64         `json:"progress,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Principal is the immutable identity a request or async task acts as
type Principal struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the principal carries role
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
