package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

var ErrUnknownKind = errors.New("no executor for component kind")

// TaskContext is everything an executor sees of the task it runs.
// Principal is the user the task acts as; it is fixed when the job starts.
type TaskContext struct {
	Principal types.Principal
	JobID     int64
	TaskID    int64
	Node      *types.WorkflowNode
	Component *types.ProcessingComponent
	Host      types.TopologyNode
	Params    map[string]string
	Inputs    map[string]string
	WorkDir   string

	// Progress reports percent complete in [0, 100]; it never blocks
	Progress func(percent float64)
}

func (tc *TaskContext) report(percent float64) {
	if tc.Progress != nil {
		tc.Progress(percent)
	}
}

// Param returns the parameter value, or def when unset or empty
func (tc *TaskContext) Param(key, def string) string {
	if v, ok := tc.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Result is what a finished task hands to its dependents
type Result struct {
	Outputs map[string]string
	Usage   types.ResourceUsage
}

// Executor runs one kind of processing component
type Executor interface {
	Kind() string

	// Validate checks a component and its resolved parameters before a job starts
	Validate(component *types.ProcessingComponent, params map[string]string) error

	// Prepare readies the task environment once the task is placed on a node
	Prepare(ctx context.Context, tc *TaskContext) error

	Execute(ctx context.Context, tc *TaskContext) (*Result, error)
}

// Registry maps component kinds to executors
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	for _, e := range executors {
		r.Register(e)
	}
	return r
}

// Register adds e, replacing any executor of the same kind
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Kind()] = e
}

func (r *Registry) Lookup(kind string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	return e, nil
}

// Kinds lists the registered kinds, sorted
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
