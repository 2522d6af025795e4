package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/services"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

// fakeExecutor outputs "<node>(<inputs>)" on port out. Nodes can be told to fail, panic, or wait for a release.
type fakeExecutor struct {
	mu      sync.Mutex
	gates   map[string]chan error
	fail    map[string]error
	panics  map[string]bool
	started map[string]int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		gates:   make(map[string]chan error),
		fail:    make(map[string]error),
		panics:  make(map[string]bool),
		started: make(map[string]int),
	}
}

func (fe *fakeExecutor) gate(nodeID string) chan error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	ch := make(chan error, 1)
	fe.gates[nodeID] = ch
	return ch
}

func (fe *fakeExecutor) Kind() string { return "fake" }

func (fe *fakeExecutor) Validate(component *types.ProcessingComponent, params map[string]string) error {
	if params["invalid"] != "" {
		return fmt.Errorf("invalid parameter")
	}
	return nil
}

func (fe *fakeExecutor) Prepare(context.Context, *services.TaskContext) error { return nil }

func (fe *fakeExecutor) Execute(ctx context.Context, tc *services.TaskContext) (*services.Result, error) {
	id := tc.Node.ID
	fe.mu.Lock()
	fe.started[id]++
	gate := fe.gates[id]
	failure := fe.fail[id]
	panics := fe.panics[id]
	fe.mu.Unlock()

	tc.Progress(50)
	if gate != nil {
		select {
		case err := <-gate:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if panics {
		panic("boom")
	}
	if failure != nil {
		return nil, failure
	}

	ports := make([]string, 0, len(tc.Inputs))
	for port := range tc.Inputs {
		ports = append(ports, port)
	}
	sort.Strings(ports)
	values := make([]string, 0, len(ports))
	for _, port := range ports {
		values = append(values, tc.Inputs[port])
	}

	tc.Progress(100)
	return &services.Result{Outputs: map[string]string{
		"out":   id + "(" + strings.Join(values, "+") + ")",
		"level": tc.Params["level"],
	}}, nil
}

func newTestWorkflowManager(t *testing.T, env *testEnv, executor services.Executor, values map[string]string) *WorkflowManager {
	t.Helper()
	ctx := context.Background()

	config := map[string]string{
		"work_dir":             t.TempDir(),
		"dispatch_interval":    "20ms",
		"job_worker_pool_size": "4",
	}
	for k, v := range values {
		config[k] = v
	}
	cm := utils.NewConfigManagerFromMap(config)

	require.NoError(t, env.store.SaveComponent(ctx, &types.ProcessingComponent{
		ID:         "fake",
		Name:       "Fake",
		Kind:       "fake",
		Parameters: map[string]string{"level": "component"},
	}))
	if len(env.topology.Nodes()) == 0 {
		require.NoError(t, env.topology.AddNode(ctx, &types.TopologyNode{Hostname: "worker-1", Processors: 4, Active: true}))
	}

	wm := NewWorkflowManager(ctx, cm, env.store, env.quotas, env.topology, services.NewRegistry(executor, services.PassthroughExecutor{}),
		env.bus, env.metrics, env.logger)
	t.Cleanup(wm.Stop)
	return wm
}

func (env *testEnv) saveWorkflow(t *testing.T, owner string, nodes ...*types.WorkflowNode) int64 {
	t.Helper()
	for _, n := range nodes {
		if n.ComponentID == "noop" || n.ComponentID == "" {
			n.ComponentID = "fake"
		}
	}
	w := &types.Workflow{Name: "wf", OwnerID: owner, Nodes: nodes}
	require.NoError(t, env.store.SaveWorkflow(context.Background(), w))
	return w.ID
}

func waitForJob(t *testing.T, wm *WorkflowManager, jobID int64, want types.ExecutionStatus) (*types.ExecutionJob, map[string]*types.ExecutionTask) {
	t.Helper()
	var (
		job   *types.ExecutionJob
		tasks []*types.ExecutionTask
	)
	require.Eventually(t, func() bool {
		var err error
		job, tasks, err = wm.JobStatus(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %d never reached %s", jobID, want)

	byNode := make(map[string]*types.ExecutionTask, len(tasks))
	for _, task := range tasks {
		byNode[task.NodeID] = task
	}
	return job, byNode
}

func waitForTask(t *testing.T, wm *WorkflowManager, jobID int64, nodeID string, want types.ExecutionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, tasks, err := wm.JobStatus(context.Background(), jobID)
		if err != nil {
			return false
		}
		for _, task := range tasks {
			if task.NodeID == nodeID {
				return task.Status == want
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "task %s of job %d never reached %s", nodeID, jobID, want)
}

func TestWorkflowJoin(t *testing.T) {
	env := newTestEnv(t)
	wm := newTestWorkflowManager(t, env, newFakeExecutor(), nil)
	require.NoError(t, wm.Start())

	a := node("A")
	a.CustomValues = map[string]string{"level": "node"}
	workflowID := env.saveWorkflow(t, "U1",
		node("C", link("A", "out", "left"), link("B", "out", "right")),
		a,
		node("B"),
		node("D", link("C", "out", "in")),
	)

	ctx := asUser("U1")
	jobID, err := wm.StartWorkflow(ctx, workflowID, types.ParameterOverrides{"B": {"level": "override"}})
	require.NoError(t, err)
	require.NotZero(t, jobID)

	job, tasks := waitForJob(t, wm, jobID, types.StatusDone)
	assert.Equal(t, "U1", job.UserID)
	assert.InDelta(t, 100, job.Progress, 0.001)
	assert.False(t, job.EndedAt.IsZero())

	require.Len(t, tasks, 4)
	for id, task := range tasks {
		assert.Equal(t, types.StatusDone, task.Status, id)
		assert.NotNil(t, task.TopologyNodeID, id)
	}
	assert.Equal(t, "C(A()+B())", tasks["C"].Outputs["out"])
	assert.Equal(t, "D(C(A()+B()))", tasks["D"].Outputs["out"])

	// component defaults < node values < overrides
	assert.Equal(t, "node", tasks["A"].Outputs["level"])
	assert.Equal(t, "override", tasks["B"].Outputs["level"])
	assert.Equal(t, "component", tasks["C"].Outputs["level"])

	assert.Greater(t, tasks["C"].DispatchOrder, tasks["A"].DispatchOrder)
	assert.Greater(t, tasks["C"].DispatchOrder, tasks["B"].DispatchOrder)
	assert.Greater(t, tasks["D"].DispatchOrder, tasks["C"].DispatchOrder)

	q, err := env.quotas.Get(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.UsedProcessing)

	// the finished job is served from the store
	progress, err := wm.JobProgress(ctx, jobID)
	require.NoError(t, err)
	assert.InDelta(t, 100, progress, 0.001)

	assert.ErrorIs(t, wm.PauseJob(ctx, jobID), ErrInvalidTransition)
	assert.ErrorIs(t, wm.StopJob(ctx, jobID), ErrInvalidTransition)
}

func TestWorkflowFailOnError(t *testing.T) {
	env := newTestEnv(t)
	executor := newFakeExecutor()
	executor.fail["A"] = errors.New("corrupt product")
	executor.gate("B")
	wm := newTestWorkflowManager(t, env, executor, nil)
	require.NoError(t, wm.Start())

	workflowID := env.saveWorkflow(t, "U1",
		node("A"),
		node("B"),
		node("C", link("A", "out", "left"), link("B", "out", "right")),
	)

	jobID, err := wm.StartWorkflow(asUser("U1"), workflowID, nil)
	require.NoError(t, err)

	job, tasks := waitForJob(t, wm, jobID, types.StatusFailed)
	assert.Contains(t, job.ErrorMessage, "corrupt product")
	assert.Equal(t, types.StatusFailed, tasks["A"].Status)
	assert.Equal(t, types.StatusCancelled, tasks["B"].Status)
	assert.Equal(t, types.StatusCancelled, tasks["C"].Status)

	executor.mu.Lock()
	defer executor.mu.Unlock()
	assert.Zero(t, executor.started["C"])
}

func TestWorkflowContinueOnError(t *testing.T) {
	env := newTestEnv(t)
	executor := newFakeExecutor()
	executor.fail["A"] = errors.New("no scenes")
	wm := newTestWorkflowManager(t, env, executor, nil)
	require.NoError(t, wm.Start())

	a := node("A")
	a.FailurePolicy = types.ContinueOnError
	workflowID := env.saveWorkflow(t, "U1",
		a,
		node("B"),
		node("C", link("A", "out", "in")),
		node("D", link("B", "out", "in")),
	)

	jobID, err := wm.StartWorkflow(asUser("U1"), workflowID, nil)
	require.NoError(t, err)

	_, tasks := waitForJob(t, wm, jobID, types.StatusFailed)
	assert.Equal(t, types.StatusFailed, tasks["A"].Status)
	assert.Equal(t, types.StatusCancelled, tasks["C"].Status)
	assert.Equal(t, types.StatusDone, tasks["B"].Status)
	assert.Equal(t, types.StatusDone, tasks["D"].Status, "independent branch keeps running")
}

func TestWorkflowPauseResume(t *testing.T) {
	env := newTestEnv(t)
	executor := newFakeExecutor()
	gateA := executor.gate("A")
	wm := newTestWorkflowManager(t, env, executor, nil)
	require.NoError(t, wm.Start())

	workflowID := env.saveWorkflow(t, "U1", node("A"), node("B", link("A", "out", "in")))
	ctx := asUser("U1")
	jobID, err := wm.StartWorkflow(ctx, workflowID, nil)
	require.NoError(t, err)

	waitForTask(t, wm, jobID, "A", types.StatusRunning)
	require.NoError(t, wm.PauseJob(ctx, jobID))
	assert.ErrorIs(t, wm.PauseJob(ctx, jobID), ErrInvalidTransition)

	job, tasks := waitForJob(t, wm, jobID, types.StatusSuspended)
	assert.Equal(t, types.StatusSuspended, tasks["A"].Status)
	assert.Equal(t, types.StatusSuspended, tasks["B"].Status)

	// A finishes while paused; B must not be dispatched
	gateA <- nil
	waitForTask(t, wm, jobID, "A", types.StatusDone)
	time.Sleep(100 * time.Millisecond)
	job, tasks = waitForJob(t, wm, jobID, types.StatusSuspended)
	assert.Equal(t, types.StatusSuspended, tasks["B"].Status)
	assert.Zero(t, tasks["B"].DispatchOrder)

	require.NoError(t, wm.ResumeJob(ctx, jobID))
	assert.ErrorIs(t, wm.ResumeJob(ctx, jobID), ErrInvalidTransition)

	job, tasks = waitForJob(t, wm, jobID, types.StatusDone)
	assert.Equal(t, types.StatusDone, tasks["B"].Status)
	assert.Equal(t, "B(A())", tasks["B"].Outputs["out"])
	assert.True(t, job.Status.IsTerminal())
}

func TestWorkflowStop(t *testing.T) {
	env := newTestEnv(t)
	executor := newFakeExecutor()
	executor.gate("A")
	wm := newTestWorkflowManager(t, env, executor, nil)
	require.NoError(t, wm.Start())

	workflowID := env.saveWorkflow(t, "U1", node("A"), node("B", link("A", "out", "in")))
	jobID, err := wm.StartWorkflow(asUser("U1"), workflowID, nil)
	require.NoError(t, err)
	waitForTask(t, wm, jobID, "A", types.StatusRunning)

	assert.ErrorIs(t, wm.StopJob(asUser("U2"), jobID), ErrForbidden)
	assert.ErrorIs(t, wm.StopJob(context.Background(), jobID), ErrNoPrincipal)

	require.NoError(t, wm.StopJob(asUser("U1"), jobID))
	job, tasks := waitForJob(t, wm, jobID, types.StatusCancelled)
	assert.Equal(t, "stopped by U1", job.ErrorMessage)
	assert.Equal(t, types.StatusCancelled, tasks["A"].Status)
	assert.Equal(t, types.StatusCancelled, tasks["B"].Status)

	// the executor returns after the stop; its result does not revive the task
	time.Sleep(100 * time.Millisecond)
	_, tasks = waitForJob(t, wm, jobID, types.StatusCancelled)
	assert.Equal(t, types.StatusCancelled, tasks["A"].Status)

	assert.ErrorIs(t, wm.ResumeJob(asUser("U1"), jobID), ErrInvalidTransition)
	assert.ErrorIs(t, wm.StopJob(asUser("U1"), jobID), ErrInvalidTransition)
	_, _, err = wm.JobStatus(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestWorkflowAdminActsOnOtherUsersJobs(t *testing.T) {
	env := newTestEnv(t)
	executor := newFakeExecutor()
	executor.gate("A")
	wm := newTestWorkflowManager(t, env, executor, nil)
	require.NoError(t, wm.Start())

	workflowID := env.saveWorkflow(t, "U1", node("A"))
	jobID, err := wm.StartWorkflow(asUser("U1"), workflowID, nil)
	require.NoError(t, err)
	waitForTask(t, wm, jobID, "A", types.StatusRunning)

	admin := asUser("ops", RoleAdmin)
	require.NoError(t, wm.PauseJob(admin, jobID))
	require.NoError(t, wm.StopJob(admin, jobID))
	waitForJob(t, wm, jobID, types.StatusCancelled)
}

func TestWorkflowPanicFailsTask(t *testing.T) {
	env := newTestEnv(t)
	executor := newFakeExecutor()
	executor.panics["A"] = true
	wm := newTestWorkflowManager(t, env, executor, nil)
	require.NoError(t, wm.Start())

	workflowID := env.saveWorkflow(t, "U1", node("A"))
	jobID, err := wm.StartWorkflow(asUser("U1"), workflowID, nil)
	require.NoError(t, err)

	_, tasks := waitForJob(t, wm, jobID, types.StatusFailed)
	assert.Contains(t, tasks["A"].ErrorMessage, "panicked")
}

func TestWorkflowQueueTimeout(t *testing.T) {
	env := newTestEnv(t)
	wm := newTestWorkflowManager(t, env, newFakeExecutor(), map[string]string{"task_queue_timeout": "50ms"})
	require.NoError(t, wm.Start())

	gpu := node("A")
	gpu.Affinity = "gpu"
	workflowID := env.saveWorkflow(t, "U1", gpu)
	jobID, err := wm.StartWorkflow(asUser("U1"), workflowID, nil)
	require.NoError(t, err)

	_, tasks := waitForJob(t, wm, jobID, types.StatusFailed)
	assert.Equal(t, types.StatusFailed, tasks["A"].Status)
	assert.Contains(t, tasks["A"].ErrorMessage, ErrNoCapacity.Error())
	assert.Zero(t, tasks["A"].DispatchOrder)
}

func TestStartWorkflowRejects(t *testing.T) {
	env := newTestEnv(t)
	wm := newTestWorkflowManager(t, env, newFakeExecutor(), nil)
	require.NoError(t, wm.Start())
	ctx := asUser("U1")

	valid := env.saveWorkflow(t, "U1", node("A"))

	_, err := wm.StartWorkflow(context.Background(), valid, nil)
	assert.ErrorIs(t, err, ErrNoPrincipal)

	_, err = wm.StartWorkflow(ctx, 4242, nil)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	cyclic := env.saveWorkflow(t, "U1", node("A", link("B", "out", "in")), node("B", link("A", "out", "in")))
	_, err = wm.StartWorkflow(ctx, cyclic, nil)
	assert.ErrorIs(t, err, ErrGraphCycle)

	missing := env.saveWorkflow(t, "U1", &types.WorkflowNode{ID: "A", ComponentID: "ghost"})
	_, err = wm.StartWorkflow(ctx, missing, nil)
	assert.ErrorIs(t, err, ErrComponentNotFound)

	_, err = wm.StartWorkflow(ctx, valid, types.ParameterOverrides{"Z": {"x": "1"}})
	assert.ErrorIs(t, err, ErrInvalidWorkflow)

	_, err = wm.StartWorkflow(ctx, valid, types.ParameterOverrides{"A": {"invalid": "yes"}})
	assert.ErrorIs(t, err, ErrInvalidWorkflow)

	env.setQuota(t, "U2", 0, 1)
	_, err = wm.StartWorkflow(asUser("U2"), valid, nil)
	require.NoError(t, err)
	_, err = wm.StartWorkflow(asUser("U2"), valid, nil)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	jobs, err := wm.ListJobs(context.Background(), "U2")
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "a rejected start creates no job")
}

func TestRecoverInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	workflowID := env.saveWorkflow(t, "U1", node("A"))

	job := &types.ExecutionJob{UserID: "U1", WorkflowID: workflowID, Status: types.StatusRunning}
	require.NoError(t, env.store.SaveJob(ctx, job))
	done := &types.ExecutionTask{JobID: job.ID, NodeID: "A", Status: types.StatusDone}
	running := &types.ExecutionTask{JobID: job.ID, NodeID: "B", Status: types.StatusRunning}
	require.NoError(t, env.store.SaveTask(ctx, done))
	require.NoError(t, env.store.SaveTask(ctx, running))

	wm := newTestWorkflowManager(t, env, newFakeExecutor(), nil)
	require.NoError(t, wm.Start())

	recovered, tasks := waitForJob(t, wm, job.ID, types.StatusFailed)
	assert.Equal(t, "interrupted by node restart", recovered.ErrorMessage)
	assert.Equal(t, types.StatusDone, tasks["A"].Status)
	assert.Equal(t, types.StatusCancelled, tasks["B"].Status)
}

func TestRecoverInFlightProductClaims(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.setQuota(t, "U1", 1000*mb, 0)
	env.setQuota(t, "U2", 1000*mb, 0)

	decision, err := env.acquisition.AdmitDownload(ctx, newProduct("P1", 500*mb), "U1")
	require.NoError(t, err)
	require.Equal(t, types.AdmitAllow, decision)
	decision, err = env.acquisition.AdmitDownload(ctx, newProduct("P1", 500*mb), "U2")
	require.NoError(t, err)
	require.Equal(t, types.AdmitSkip, decision)

	claimed, err := env.store.GetProduct(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "U1", claimed.ClaimedBy)

	// a new process starts: nobody transfers P1 any more
	recovered, err := env.acquisition.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	wm := newTestWorkflowManager(t, env, newFakeExecutor(), nil)
	require.NoError(t, wm.Start())

	stale, err := env.store.GetProduct(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, types.ProductFailed, stale.Status)
	assert.Empty(t, stale.ClaimedBy)
	assert.Equal(t, []string{"U2"}, stale.References)
	assert.Zero(t, env.usedInput(t, "U1"))
	assert.Equal(t, 500*mb, env.usedInput(t, "U2"))

	// the joined user takes the transfer over without a second charge
	decision, err = env.acquisition.AdmitDownload(ctx, newProduct("P1", 500*mb), "U2")
	require.NoError(t, err)
	assert.Equal(t, types.AdmitAllow, decision)
	assert.Equal(t, 500*mb, env.usedInput(t, "U2"))

	decision, err = env.acquisition.AdmitDownload(ctx, newProduct("P1", 500*mb), "U1")
	require.NoError(t, err)
	assert.Equal(t, types.AdmitSkip, decision)

	again, err := env.acquisition.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again, "the new claim is released by the next restart too")
	none, err := env.acquisition.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Zero(t, none)
}

func TestAggregateProgress(t *testing.T) {
	assert.Zero(t, AggregateProgress(nil))

	tasks := []*types.ExecutionTask{
		{DispatchOrder: 3, Percent: 0},
		{DispatchOrder: 1, Percent: 100},
		{DispatchOrder: 0, Percent: 30},
		{DispatchOrder: 2, Percent: 50},
	}
	// 100, then 100 + (50-100)/2 = 75, then 75 + (0-75)/3 = 50
	assert.InDelta(t, 50, AggregateProgress(tasks), 0.0001)
}
