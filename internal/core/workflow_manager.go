package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/events"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/services"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/workers"
)

// WorkflowManager runs workflow graphs as jobs. Start/Stop/Pause/Resume record the transition and return;
// tasks run on the job worker pool and are observed through JobStatus or the event bus.
type WorkflowManager struct {
	ctx      context.Context
	cancel   context.CancelFunc
	store    ExecutionStore
	quotas   *QuotaManager
	topology *TopologyManager
	registry *services.Registry
	bus      *events.Bus
	pool     *workers.WorkerPool
	metrics  *utils.Metrics
	logger   *utils.LogsManager

	dispatchInterval time.Duration
	queueTimeout     time.Duration
	workDir          string

	mu       sync.RWMutex
	runs     map[int64]*jobRun
	kick     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// resolvedNode is a workflow node bound to its component at job start
type resolvedNode struct {
	node      *types.WorkflowNode
	component *types.ProcessingComponent
	executor  services.Executor
	params    map[string]string
}

// jobRun is the in-memory state of one active job. All fields are guarded by mu.
type jobRun struct {
	mu         sync.Mutex
	job        *types.ExecutionJob
	principal  types.Principal
	graph      *Graph
	nodes      map[string]*resolvedNode
	tasks      map[string]*types.ExecutionTask
	waiting    map[string]int // dependencies not yet Done
	ready      []string
	readySince map[string]time.Time
	cancels    map[string]context.CancelFunc // tasks in flight
	dispatched int
	failed     bool
	finished   bool
}

func NewWorkflowManager(ctx context.Context, cm *utils.ConfigManager, store ExecutionStore, quotas *QuotaManager,
	topology *TopologyManager, registry *services.Registry, bus *events.Bus, metrics *utils.Metrics, logger *utils.LogsManager) *WorkflowManager {
	wmCtx, cancel := context.WithCancel(ctx)

	workDir := cm.GetConfigWithDefault("work_dir", "jobs")
	if !filepath.IsAbs(workDir) {
		workDir = utils.GetAppPaths("").ResolveDataPath(workDir)
	}

	return &WorkflowManager{
		ctx:              wmCtx,
		cancel:           cancel,
		store:            store,
		quotas:           quotas,
		topology:         topology,
		registry:         registry,
		bus:              bus,
		pool:             workers.NewWorkerPool(wmCtx, "job", cm.GetConfigInt("job_worker_pool_size", 8, 1, 1024), logger),
		metrics:          metrics,
		logger:           logger,
		dispatchInterval: cm.GetConfigDuration("dispatch_interval", 5*time.Second),
		queueTimeout:     cm.GetConfigDuration("task_queue_timeout", 30*time.Minute),
		workDir:          workDir,
		runs:             make(map[int64]*jobRun),
		kick:             make(chan struct{}, 1),
	}
}

// Start loads the topology, fails jobs a previous process left behind and starts dispatching
func (wm *WorkflowManager) Start() error {
	wm.logger.Info("Starting Workflow Manager", "workflow_manager")

	if err := wm.topology.Load(wm.ctx); err != nil {
		return err
	}
	if err := wm.recoverInterruptedJobs(wm.ctx); err != nil {
		wm.logger.Error(fmt.Sprintf("Failed to recover interrupted jobs: %v", err), "workflow_manager")
	}

	wm.pool.Start()
	wm.startDispatcher()

	wm.logger.Info("Workflow Manager started successfully", "workflow_manager")
	return nil
}

// Stop cancels running tasks and waits for the dispatcher and workers to return
func (wm *WorkflowManager) Stop() {
	wm.stopOnce.Do(func() {
		wm.logger.Info("Stopping Workflow Manager", "workflow_manager")
		wm.cancel()
		wm.wg.Wait()
		wm.pool.Stop()
		wm.logger.Info("Workflow Manager stopped", "workflow_manager")
	})
}

// recoverInterruptedJobs fails every job still marked in flight; nothing of it survives a restart
func (wm *WorkflowManager) recoverInterruptedJobs(ctx context.Context) error {
	jobs, err := wm.store.GetJobs(ctx, "", nonTerminalStatuses...)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if err := wm.terminateStored(ctx, job, types.StatusFailed, "interrupted by node restart"); err != nil {
			wm.logger.Error(fmt.Sprintf("Failed to recover job %d: %v", job.ID, err), "workflow_manager")
			continue
		}
		wm.logger.Warn(fmt.Sprintf("Job %d was interrupted by a restart and is marked failed", job.ID), "workflow_manager")
	}
	if len(jobs) > 0 {
		wm.logger.Info(fmt.Sprintf("Recovered %d interrupted jobs", len(jobs)), "workflow_manager")
	}
	return nil
}

// terminateStored ends a job that has no in-memory run
func (wm *WorkflowManager) terminateStored(ctx context.Context, job *types.ExecutionJob, status types.ExecutionStatus, reason string) error {
	tasks, err := wm.store.GetTasks(ctx, job.ID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, task := range tasks {
		if task.Status.IsTerminal() {
			continue
		}
		task.Status = types.StatusCancelled
		task.ErrorMessage = reason
		task.EndedAt = now
		if err := wm.store.SaveTask(ctx, task); err != nil {
			return err
		}
	}

	job.Status = status
	job.ErrorMessage = reason
	job.EndedAt = now
	return wm.store.SaveJob(ctx, job)
}

// StartWorkflow starts a job of workflowID as the context's principal. overrides map node ids to
// parameters that win over the node's custom values, which win over the component defaults.
func (wm *WorkflowManager) StartWorkflow(ctx context.Context, workflowID int64, overrides types.ParameterOverrides) (int64, error) {
	return wm.startWorkflow(ctx, workflowID, overrides, nil, "")
}

// StartScheduledWorkflow is StartWorkflow for a schedule firing; the job records the schedule and batch
func (wm *WorkflowManager) StartScheduledWorkflow(ctx context.Context, workflowID int64, overrides types.ParameterOverrides,
	scheduleID int64, batchID string) (int64, error) {
	return wm.startWorkflow(ctx, workflowID, overrides, &scheduleID, batchID)
}

func (wm *WorkflowManager) startWorkflow(ctx context.Context, workflowID int64, overrides types.ParameterOverrides,
	scheduleID *int64, batchID string) (int64, error) {
	principal, err := requirePrincipal(ctx)
	if err != nil {
		return 0, err
	}

	workflow, err := wm.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	if workflow == nil {
		return 0, fmt.Errorf("%w: %d", ErrWorkflowNotFound, workflowID)
	}

	graph, err := BuildGraph(workflow)
	if err != nil {
		wm.logger.Error(fmt.Sprintf("Workflow %d validation failed: %v", workflowID, err), "workflow_manager")
		return 0, err
	}

	// overrides are captured now and never re-read
	overrides = overrides.Clone()
	nodes, err := wm.resolveNodes(ctx, workflow, overrides)
	if err != nil {
		return 0, err
	}

	if _, err := wm.quotas.ChargeProcessing(ctx, principal.UserID, 1); err != nil {
		return 0, err
	}

	job := &types.ExecutionJob{
		UserID:     principal.UserID,
		WorkflowID: workflowID,
		ScheduleID: scheduleID,
		BatchID:    batchID,
		Status:     types.StatusUndetermined,
	}
	if err := wm.store.SaveJob(ctx, job); err != nil {
		if _, refundErr := wm.quotas.RefundProcessing(ctx, principal.UserID, 1); refundErr != nil {
			wm.logger.Error(fmt.Sprintf("Failed to refund processing unit of %s: %v", principal.UserID, refundErr), "workflow_manager")
		}
		return 0, fmt.Errorf("failed to create job: %w", err)
	}

	run := &jobRun{
		job:        job,
		principal:  principal,
		graph:      graph,
		nodes:      nodes,
		tasks:      make(map[string]*types.ExecutionTask, len(nodes)),
		waiting:    make(map[string]int, len(nodes)),
		readySince: make(map[string]time.Time),
		cancels:    make(map[string]context.CancelFunc),
	}

	for _, nodeID := range graph.Order() {
		task := &types.ExecutionTask{
			JobID:      job.ID,
			NodeID:     nodeID,
			Status:     types.StatusQueuedActive,
			Parameters: nodes[nodeID].params,
		}
		if err := wm.store.SaveTask(ctx, task); err != nil {
			if termErr := wm.terminateStored(ctx, job, types.StatusFailed, "task creation failed"); termErr != nil {
				wm.logger.Error(fmt.Sprintf("Failed to mark job %d failed: %v", job.ID, termErr), "workflow_manager")
			}
			return 0, fmt.Errorf("failed to create task for node %s: %w", nodeID, err)
		}
		run.tasks[nodeID] = task
		run.waiting[nodeID] = len(graph.Dependencies(nodeID))
	}

	now := time.Now()
	for _, root := range graph.Roots() {
		run.ready = append(run.ready, root)
		run.readySince[root] = now
	}

	run.mu.Lock()
	wm.setJobStatus(run, types.StatusQueuedActive)
	run.mu.Unlock()

	wm.mu.Lock()
	wm.runs[job.ID] = run
	wm.mu.Unlock()

	if wm.metrics != nil {
		wm.metrics.JobsRunning.Inc()
	}
	wm.publish(types.Event{Type: types.EventJobStarted, UserID: job.UserID, JobID: job.ID, Status: job.Status})
	wm.logger.Info(fmt.Sprintf("Job %d started for workflow %d by %s (%d tasks)", job.ID, workflowID, principal.UserID, len(run.tasks)), "workflow_manager")

	wm.wake()
	return job.ID, nil
}

// resolveNodes binds every node to its component and executor and validates the merged parameters
func (wm *WorkflowManager) resolveNodes(ctx context.Context, workflow *types.Workflow, overrides types.ParameterOverrides) (map[string]*resolvedNode, error) {
	for nodeID := range overrides {
		if workflow.Node(nodeID) == nil {
			return nil, fmt.Errorf("%w: parameters given for unknown node %q", ErrInvalidWorkflow, nodeID)
		}
	}

	nodes := make(map[string]*resolvedNode, len(workflow.Nodes))
	for _, node := range workflow.Nodes {
		component, err := wm.store.GetComponent(ctx, node.ComponentID)
		if err != nil {
			return nil, err
		}
		if component == nil {
			return nil, fmt.Errorf("%w: %q used by node %q", ErrComponentNotFound, node.ComponentID, node.ID)
		}
		executor, err := wm.registry.Lookup(component.Kind)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", node.ID, err)
		}

		params := make(map[string]string)
		for _, layer := range []map[string]string{component.Parameters, node.CustomValues, overrides[node.ID]} {
			for k, v := range layer {
				params[k] = v
			}
		}
		if err := executor.Validate(component, params); err != nil {
			return nil, fmt.Errorf("%w: node %q: %v", ErrInvalidWorkflow, node.ID, err)
		}

		nodes[node.ID] = &resolvedNode{node: node, component: component, executor: executor, params: params}
	}
	return nodes, nil
}

func (wm *WorkflowManager) wake() {
	select {
	case wm.kick <- struct{}{}:
	default:
	}
}

func (wm *WorkflowManager) startDispatcher() {
	wm.wg.Add(1)

	go func() {
		defer wm.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				wm.logger.Error(fmt.Sprintf("Dispatcher panic recovered: %v", r), "workflow_manager")
			}
		}()

		ticker := time.NewTicker(wm.dispatchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				wm.dispatch()
			case <-wm.kick:
				wm.dispatch()
			case <-wm.ctx.Done():
				wm.logger.Info("Dispatcher stopping (context done)", "workflow_manager")
				return
			}
		}
	}()
}

func (wm *WorkflowManager) activeRuns() []*jobRun {
	wm.mu.RLock()
	defer wm.mu.RUnlock()

	runs := make([]*jobRun, 0, len(wm.runs))
	for _, run := range wm.runs {
		runs = append(runs, run)
	}
	// oldest job first
	sort.Slice(runs, func(i, j int) bool { return runs[i].job.ID < runs[j].job.ID })
	return runs
}

func (wm *WorkflowManager) getRun(jobID int64) *jobRun {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	return wm.runs[jobID]
}

func (wm *WorkflowManager) dispatch() {
	for _, run := range wm.activeRuns() {
		if !wm.dispatchRun(run) {
			// the pool is full; the rest waits for the next round
			return
		}
	}
}

// dispatchRun places the ready tasks of run. It returns false when the worker pool had no room.
func (wm *WorkflowManager) dispatchRun(run *jobRun) bool {
	run.mu.Lock()
	defer run.mu.Unlock()

	if run.finished || run.job.Status == types.StatusSuspended || run.job.Status.IsTerminal() {
		return true
	}

	now := time.Now()
	poolFull := false
	var waiting []string

	for _, nodeID := range run.ready {
		nodeID := nodeID
		task := run.tasks[nodeID]
		if task.Status != types.StatusQueuedActive {
			continue
		}
		if poolFull {
			waiting = append(waiting, nodeID)
			continue
		}

		rn := run.nodes[nodeID]
		host, err := wm.topology.Acquire(rn.node.Affinity)
		if err != nil {
			if wm.queueTimeout > 0 && now.Sub(run.readySince[nodeID]) > wm.queueTimeout {
				wm.failTask(run, nodeID, fmt.Errorf("%w: queued for more than %v", ErrNoCapacity, wm.queueTimeout))
				continue
			}
			wm.logger.Debug(fmt.Sprintf("Task %d of job %d waits: %v", task.ID, run.job.ID, err), "workflow_manager")
			waiting = append(waiting, nodeID)
			continue
		}

		tc, err := wm.taskContext(run, nodeID, host)
		if err != nil {
			wm.topology.Release(host.ID)
			wm.failTask(run, nodeID, err)
			continue
		}

		taskCtx, cancel := context.WithCancel(wm.ctx)
		executor := rn.executor
		if !wm.pool.TrySubmit(func() { wm.executeTask(taskCtx, run, nodeID, executor, tc, host.ID) }) {
			cancel()
			wm.topology.Release(host.ID)
			poolFull = true
			waiting = append(waiting, nodeID)
			continue
		}

		run.cancels[nodeID] = cancel
		run.dispatched++
		hostID := host.ID
		task.TopologyNodeID = &hostID
		task.DispatchOrder = run.dispatched
		task.StartedAt = now.UTC()
		wm.setTaskStatus(run, task, types.StatusRunning)

		if run.job.Status == types.StatusQueuedActive {
			run.job.StartedAt = now.UTC()
			wm.setJobStatus(run, types.StatusRunning)
		}
		wm.logger.LogWithFields("info", fmt.Sprintf("Task %d (node %s) of job %d dispatched to %s", task.ID, nodeID, run.job.ID, host.Hostname),
			"workflow_manager", taskFields(run, task))
	}

	run.ready = waiting
	wm.checkJobCompletion(run)
	return !poolFull
}

// taskContext builds what the executor sees. Inputs come from the outputs of the linked source tasks.
func (wm *WorkflowManager) taskContext(run *jobRun, nodeID string, host types.TopologyNode) (*services.TaskContext, error) {
	rn := run.nodes[nodeID]
	task := run.tasks[nodeID]

	inputs := make(map[string]string, len(rn.node.Links))
	for _, link := range rn.node.Links {
		if link == nil {
			continue
		}
		value, ok := run.tasks[link.SourceNodeID].Outputs[link.OutputPort]
		if !ok {
			return nil, fmt.Errorf("%w: node %s produced no output %q for input %q", ErrInvalidLink, link.SourceNodeID, link.OutputPort, link.InputPort)
		}
		inputs[link.InputPort] = value
	}

	params := make(map[string]string, len(task.Parameters))
	for k, v := range task.Parameters {
		params[k] = v
	}

	return &services.TaskContext{
		Principal: run.principal,
		JobID:     run.job.ID,
		TaskID:    task.ID,
		Node:      rn.node,
		Component: rn.component,
		Host:      host,
		Params:    params,
		Inputs:    inputs,
		WorkDir:   filepath.Join(wm.workDir, strconv.FormatInt(run.job.ID, 10), nodeID),
		Progress:  func(percent float64) { wm.taskProgress(run, nodeID, percent) },
	}, nil
}

func (wm *WorkflowManager) executeTask(ctx context.Context, run *jobRun, nodeID string, executor services.Executor, tc *services.TaskContext, hostID int64) {
	defer wm.wake()
	defer wm.topology.Release(hostID)

	result, err := runExecutor(ctx, executor, tc)
	wm.finishTask(run, nodeID, result, err)
}

// runExecutor turns a panicking component into a task failure
func runExecutor(ctx context.Context, executor services.Executor, tc *services.TaskContext) (result *services.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("component %s panicked: %v", tc.Component.ID, r)
		}
	}()

	if err := executor.Prepare(ctx, tc); err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	return executor.Execute(ctx, tc)
}

func (wm *WorkflowManager) taskProgress(run *jobRun, nodeID string, percent float64) {
	run.mu.Lock()
	defer run.mu.Unlock()

	task := run.tasks[nodeID]
	if task.Status != types.StatusRunning {
		return
	}
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}

	persist := int(percent) != int(task.Percent)
	task.Percent = percent
	run.job.Progress = AggregateProgress(run.taskList())

	wm.publish(types.Event{Type: types.EventTaskProgress, UserID: run.job.UserID, JobID: run.job.ID, TaskID: task.ID, Progress: percent})
	if persist {
		wm.saveTask(task)
		wm.saveJob(run.job)
	}
}

// finishTask records an executor's result. A result for a task that was already cancelled is discarded.
func (wm *WorkflowManager) finishTask(run *jobRun, nodeID string, result *services.Result, err error) {
	run.mu.Lock()
	defer run.mu.Unlock()

	if cancel, ok := run.cancels[nodeID]; ok {
		cancel()
		delete(run.cancels, nodeID)
	}

	task := run.tasks[nodeID]
	if result != nil {
		task.Usage = result.Usage
	}
	if task.Status.IsTerminal() {
		wm.logger.Info(fmt.Sprintf("Late result of task %d (%s) discarded", task.ID, task.Status), "workflow_manager")
		wm.saveTask(task)
		wm.checkJobCompletion(run)
		return
	}

	if err != nil {
		wm.failTask(run, nodeID, err)
	} else {
		wm.completeTask(run, nodeID, result)
	}
	wm.checkJobCompletion(run)
}

func (wm *WorkflowManager) completeTask(run *jobRun, nodeID string, result *services.Result) {
	task := run.tasks[nodeID]
	if result != nil {
		task.Outputs = result.Outputs
	}
	task.Percent = 100

	if task.Status == types.StatusRunning {
		wm.setTaskStatus(run, task, types.StatusPendingFinalisation)
	}
	wm.setTaskStatus(run, task, types.StatusDone)
	run.job.Progress = AggregateProgress(run.taskList())

	// join: a dependent is ready once every source is Done
	now := time.Now()
	for _, dep := range run.graph.Dependents(nodeID) {
		run.waiting[dep]--
		if run.waiting[dep] == 0 && !run.tasks[dep].Status.IsTerminal() {
			run.ready = append(run.ready, dep)
			run.readySince[dep] = now
		}
	}
}

// failTask applies the node's failure policy. FailOnError ends the job; ContinueOnError
// cancels only what depends on the failed node.
func (wm *WorkflowManager) failTask(run *jobRun, nodeID string, cause error) {
	task := run.tasks[nodeID]
	task.ErrorMessage = cause.Error()
	wm.setTaskStatus(run, task, types.StatusFailed)
	wm.logger.LogWithFields("warn", fmt.Sprintf("Task %d (node %s) of job %d failed: %v", task.ID, nodeID, run.job.ID, cause),
		"workflow_manager", taskFields(run, task))

	if run.nodes[nodeID].node.FailurePolicy == types.ContinueOnError {
		for _, dep := range run.graph.Descendants(nodeID) {
			wm.cancelTask(run, dep, fmt.Sprintf("upstream node %s failed", nodeID))
		}
		return
	}

	run.failed = true
	if run.job.ErrorMessage == "" {
		run.job.ErrorMessage = fmt.Sprintf("node %s failed: %v", nodeID, cause)
	}
	for _, id := range run.graph.Order() {
		wm.cancelTask(run, id, "job failed")
	}
}

// cancelTask asks an in-flight task to stop and marks it Cancelled without waiting
func (wm *WorkflowManager) cancelTask(run *jobRun, nodeID string, reason string) {
	task := run.tasks[nodeID]
	if task.Status.IsTerminal() {
		return
	}
	if cancel, ok := run.cancels[nodeID]; ok {
		cancel()
	}
	task.ErrorMessage = reason
	wm.setTaskStatus(run, task, types.StatusCancelled)
}

// checkJobCompletion ends the job once every task is terminal
func (wm *WorkflowManager) checkJobCompletion(run *jobRun) {
	if run.finished {
		return
	}

	anyFailed := run.failed
	for _, task := range run.tasks {
		if !task.Status.IsTerminal() {
			return
		}
		if task.Status == types.StatusFailed {
			anyFailed = true
		}
	}

	final := types.StatusDone
	if anyFailed {
		final = types.StatusFailed
		if run.job.ErrorMessage == "" {
			run.job.ErrorMessage = "one or more tasks failed"
		}
	}
	wm.finishJob(run, final)
}

// finishJob moves the job to a terminal status and forgets the run
func (wm *WorkflowManager) finishJob(run *jobRun, final types.ExecutionStatus) {
	if run.job.Status.CanTransition(types.StatusPendingFinalisation) && final != types.StatusCancelled {
		wm.setJobStatus(run, types.StatusPendingFinalisation)
	}
	run.job.Progress = AggregateProgress(run.taskList())
	run.job.EndedAt = time.Now().UTC()
	wm.setJobStatus(run, final)
	run.finished = true

	wm.mu.Lock()
	delete(wm.runs, run.job.ID)
	wm.mu.Unlock()

	if wm.metrics != nil {
		wm.metrics.JobsRunning.Dec()
		wm.metrics.Jobs.WithLabelValues(string(final)).Inc()
	}
	wm.cleanupWorkDirs(run)

	wm.logger.LogWithFields("info", fmt.Sprintf("Job %d finished: %s (progress %.1f%%)", run.job.ID, final, run.job.Progress),
		"workflow_manager", map[string]interface{}{"job_id": run.job.ID, "user_id": run.job.UserID, "status": string(final)})
}

// cleanupWorkDirs removes the work dirs of nodes that do not preserve output; dirs of tasks still in flight stay
func (wm *WorkflowManager) cleanupWorkDirs(run *jobRun) {
	for nodeID, rn := range run.nodes {
		if rn.node.PreserveOutput {
			continue
		}
		if _, inFlight := run.cancels[nodeID]; inFlight {
			continue
		}
		dir := filepath.Join(wm.workDir, strconv.FormatInt(run.job.ID, 10), nodeID)
		if err := os.RemoveAll(dir); err != nil {
			wm.logger.Warn(fmt.Sprintf("Failed to remove work dir %s: %v", dir, err), "workflow_manager")
		}
	}
}

func (wm *WorkflowManager) setTaskStatus(run *jobRun, task *types.ExecutionTask, next types.ExecutionStatus) bool {
	if !task.Status.CanTransition(next) {
		wm.logger.Warn(fmt.Sprintf("Task %d cannot move from %s to %s", task.ID, task.Status, next), "workflow_manager")
		return false
	}
	task.Status = next
	if next.IsTerminal() {
		task.EndedAt = time.Now().UTC()
		if wm.metrics != nil {
			wm.metrics.Tasks.WithLabelValues(string(next)).Inc()
		}
	}
	wm.saveTask(task)
	wm.publish(types.Event{Type: types.EventTaskStatus, UserID: run.job.UserID, JobID: run.job.ID, TaskID: task.ID, Status: next,
		Progress: task.Percent, Message: task.ErrorMessage})
	return true
}

func (wm *WorkflowManager) setJobStatus(run *jobRun, next types.ExecutionStatus) bool {
	if !run.job.Status.CanTransition(next) {
		wm.logger.Warn(fmt.Sprintf("Job %d cannot move from %s to %s", run.job.ID, run.job.Status, next), "workflow_manager")
		return false
	}
	run.job.Status = next
	wm.saveJob(run.job)
	wm.publish(types.Event{Type: types.EventJobStatus, UserID: run.job.UserID, JobID: run.job.ID, Status: next,
		Progress: run.job.Progress, Message: run.job.ErrorMessage})
	return true
}

func (wm *WorkflowManager) saveTask(task *types.ExecutionTask) {
	if err := wm.store.SaveTask(context.WithoutCancel(wm.ctx), task); err != nil {
		wm.logger.Error(fmt.Sprintf("Failed to save task %d: %v", task.ID, err), "workflow_manager")
	}
}

func (wm *WorkflowManager) saveJob(job *types.ExecutionJob) {
	if err := wm.store.SaveJob(context.WithoutCancel(wm.ctx), job); err != nil {
		wm.logger.Error(fmt.Sprintf("Failed to save job %d: %v", job.ID, err), "workflow_manager")
	}
}

func (wm *WorkflowManager) publish(ev types.Event) {
	if wm.bus != nil {
		wm.bus.Publish(ev)
	}
}

// taskFields tag a task's log lines so they can be filtered per job
func taskFields(run *jobRun, task *types.ExecutionTask) map[string]interface{} {
	return map[string]interface{}{
		"job_id":  run.job.ID,
		"task_id": task.ID,
		"node_id": task.NodeID,
		"user_id": run.job.UserID,
	}
}

func (run *jobRun) taskList() []*types.ExecutionTask {
	tasks := make([]*types.ExecutionTask, 0, len(run.tasks))
	for _, task := range run.tasks {
		tasks = append(tasks, task)
	}
	return tasks
}

// lockRun returns the active run of jobID locked, after checking the principal may act on it.
// A nil run with a nil error means the job exists but is not active here.
func (wm *WorkflowManager) lockRun(ctx context.Context, jobID int64) (*jobRun, *types.ExecutionJob, error) {
	principal, err := requirePrincipal(ctx)
	if err != nil {
		return nil, nil, err
	}

	if run := wm.getRun(jobID); run != nil {
		run.mu.Lock()
		if !canActOn(principal, run.job.UserID) {
			run.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: job %d", ErrForbidden, jobID)
		}
		return run, run.job, nil
	}

	job, err := wm.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job == nil {
		return nil, nil, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}
	if !canActOn(principal, job.UserID) {
		return nil, nil, fmt.Errorf("%w: job %d", ErrForbidden, jobID)
	}
	return nil, job, nil
}

// StopJob cancels the job and its unfinished tasks. Running components are asked to stop;
// anything they report afterwards is discarded.
func (wm *WorkflowManager) StopJob(ctx context.Context, jobID int64) error {
	run, job, err := wm.lockRun(ctx, jobID)
	if err != nil {
		return err
	}
	principal, _ := PrincipalFrom(ctx)
	reason := "stopped by " + principal.UserID

	if run == nil {
		if job.Status.IsTerminal() {
			return fmt.Errorf("%w: job %d is %s", ErrInvalidTransition, jobID, job.Status)
		}
		return wm.terminateStored(ctx, job, types.StatusCancelled, reason)
	}
	defer run.mu.Unlock()

	if run.finished || !run.job.Status.CanTransition(types.StatusCancelled) {
		return fmt.Errorf("%w: job %d is %s", ErrInvalidTransition, jobID, run.job.Status)
	}

	for _, nodeID := range run.graph.Order() {
		wm.cancelTask(run, nodeID, reason)
	}
	run.job.ErrorMessage = reason
	wm.finishJob(run, types.StatusCancelled)
	return nil
}

// PauseJob suspends the job: nothing new is dispatched. Tasks already running finish on their own.
func (wm *WorkflowManager) PauseJob(ctx context.Context, jobID int64) error {
	run, job, err := wm.lockRun(ctx, jobID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("%w: job %d is %s and not active on this node", ErrInvalidTransition, jobID, job.Status)
	}
	defer run.mu.Unlock()

	if run.finished || !run.job.Status.CanTransition(types.StatusSuspended) {
		return fmt.Errorf("%w: job %d is %s", ErrInvalidTransition, jobID, run.job.Status)
	}

	for _, nodeID := range run.graph.Order() {
		task := run.tasks[nodeID]
		if task.Status == types.StatusQueuedActive || task.Status == types.StatusRunning {
			wm.setTaskStatus(run, task, types.StatusSuspended)
		}
	}
	wm.setJobStatus(run, types.StatusSuspended)
	wm.logger.Info(fmt.Sprintf("Job %d paused", jobID), "workflow_manager")
	return nil
}

// ResumeJob continues a paused job
func (wm *WorkflowManager) ResumeJob(ctx context.Context, jobID int64) error {
	run, job, err := wm.lockRun(ctx, jobID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("%w: job %d is %s and not active on this node", ErrInvalidTransition, jobID, job.Status)
	}
	defer run.mu.Unlock()

	if run.finished || run.job.Status != types.StatusSuspended {
		return fmt.Errorf("%w: job %d is %s", ErrInvalidTransition, jobID, run.job.Status)
	}

	now := time.Now()
	for _, nodeID := range run.graph.Order() {
		task := run.tasks[nodeID]
		if task.Status != types.StatusSuspended {
			continue
		}
		if _, inFlight := run.cancels[nodeID]; inFlight {
			wm.setTaskStatus(run, task, types.StatusRunning)
		} else {
			wm.setTaskStatus(run, task, types.StatusQueuedActive)
			run.readySince[nodeID] = now
		}
	}
	wm.setJobStatus(run, types.StatusRunning)
	wm.logger.Info(fmt.Sprintf("Job %d resumed", jobID), "workflow_manager")

	wm.wake()
	return nil
}

// JobStatus returns copies of the job and its tasks in creation order
func (wm *WorkflowManager) JobStatus(ctx context.Context, jobID int64) (*types.ExecutionJob, []*types.ExecutionTask, error) {
	if run := wm.getRun(jobID); run != nil {
		run.mu.Lock()
		defer run.mu.Unlock()

		job := *run.job
		tasks := make([]*types.ExecutionTask, 0, len(run.tasks))
		for _, task := range run.tasks {
			copied := *task
			tasks = append(tasks, &copied)
		}
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
		return &job, tasks, nil
	}

	job, err := wm.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job == nil {
		return nil, nil, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}
	tasks, err := wm.store.GetTasks(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, tasks, nil
}

// JobProgress returns the job's aggregated percent complete
func (wm *WorkflowManager) JobProgress(ctx context.Context, jobID int64) (float64, error) {
	job, tasks, err := wm.JobStatus(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Status.IsTerminal() {
		return job.Progress, nil
	}
	return AggregateProgress(tasks), nil
}

// ListJobs returns jobs of user filtered by status
func (wm *WorkflowManager) ListJobs(ctx context.Context, user string, statuses ...types.ExecutionStatus) ([]*types.ExecutionJob, error) {
	return wm.store.GetJobs(ctx, user, statuses...)
}

// WaitJob blocks until the job is terminal or ctx ends
func (wm *WorkflowManager) WaitJob(ctx context.Context, jobID int64, poll time.Duration) (*types.ExecutionJob, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		job, _, err := wm.JobStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AggregateProgress folds the percentages of dispatched tasks in dispatch order into a running mean:
// each further task moves the average by 1/i of its difference.
func AggregateProgress(tasks []*types.ExecutionTask) float64 {
	dispatched := make([]*types.ExecutionTask, 0, len(tasks))
	for _, task := range tasks {
		if task.DispatchOrder > 0 {
			dispatched = append(dispatched, task)
		}
	}
	sort.Slice(dispatched, func(i, j int) bool { return dispatched[i].DispatchOrder < dispatched[j].DispatchOrder })

	var avg float64
	for i, task := range dispatched {
		avg += (task.Percent - avg) / float64(i+1)
	}
	return avg
}
