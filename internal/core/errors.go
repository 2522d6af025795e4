package core

import "errors"

var (
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrProductNotFound   = errors.New("product not found")
	ErrInvalidWorkflow   = errors.New("invalid workflow")
	ErrGraphCycle        = errors.New("workflow graph contains a cycle")
	ErrInvalidLink       = errors.New("invalid workflow link")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrComponentNotFound = errors.New("processing component not found")
	ErrNoCapacity        = errors.New("no topology node with free capacity")
	ErrNodeNotFound      = errors.New("topology node not found")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoPrincipal       = errors.New("no principal in context")
	ErrForbidden         = errors.New("principal may not act on this resource")
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrScheduleInactive  = errors.New("schedule is inactive")

	// ErrScheduleOverlap means the previous batch is still running; the firing is skipped
	ErrScheduleOverlap = errors.New("previous batch still in flight")

	// ErrNoJobCreated is a scheduling defect that must reach the operator
	ErrNoJobCreated = errors.New("schedule firing created no job")
)
