package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/database"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

// fakeStarter records firings and stores a job per firing with the configured status
type fakeStarter struct {
	env    *testEnv
	mu     sync.Mutex
	status types.ExecutionStatus
	err    error
	calls  []types.ParameterOverrides
	users  []string
}

func (fs *fakeStarter) StartScheduledWorkflow(ctx context.Context, workflowID int64, overrides types.ParameterOverrides,
	scheduleID int64, batchID string) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	principal, _ := PrincipalFrom(ctx)
	fs.calls = append(fs.calls, overrides)
	fs.users = append(fs.users, principal.UserID)
	if fs.err != nil {
		return 0, fs.err
	}

	job := &types.ExecutionJob{
		UserID:     principal.UserID,
		WorkflowID: workflowID,
		ScheduleID: &scheduleID,
		BatchID:    batchID,
		Status:     fs.status,
	}
	if err := fs.env.store.SaveJob(context.Background(), job); err != nil {
		return 0, err
	}
	return job.ID, nil
}

func (fs *fakeStarter) lastCall() types.ParameterOverrides {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.calls[len(fs.calls)-1]
}

func (fs *fakeStarter) callCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.calls)
}

func newTestScheduleManager(t *testing.T, env *testEnv, jobs JobStarter) *ScheduleManager {
	t.Helper()
	sm := NewScheduleManager(context.Background(), utils.NewConfigManagerFromMap(nil), env.store, jobs, env.locker, env.bus, env.metrics, env.logger)
	require.NoError(t, sm.Start())
	t.Cleanup(sm.Stop)
	return sm
}

func (env *testEnv) saveFakeComponent(t *testing.T) {
	t.Helper()
	require.NoError(t, env.store.SaveComponent(context.Background(), &types.ProcessingComponent{ID: "fake", Kind: "fake"}))
}

func setJobStatus(t *testing.T, env *testEnv, jobID int64, status types.ExecutionStatus) {
	t.Helper()
	job, err := env.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	job.Status = status
	require.NoError(t, env.store.SaveJob(context.Background(), job))
}

func TestScheduleTriggerSkipsOverlappingBatch(t *testing.T) {
	env := newTestEnv(t)
	env.saveFakeComponent(t)
	starter := &fakeStarter{env: env, status: types.StatusRunning}
	sm := newTestScheduleManager(t, env, starter)

	ctx := asUser("U1")
	workflowID := env.saveWorkflow(t, "U1", node("A"))
	s := &types.Schedule{Name: "daily", WorkflowID: workflowID, CronExpr: "@daily", Active: true}
	require.NoError(t, sm.AddSchedule(ctx, s))
	assert.Equal(t, "U1", s.UserID)
	assert.Equal(t, types.ModeNormal, s.Mode)

	next, ok := sm.NextRun(s.ID)
	require.True(t, ok)
	assert.True(t, next.After(time.Now()))

	first, err := sm.Trigger(ctx, s.ID)
	require.NoError(t, err)
	require.NotZero(t, first)

	_, err = sm.Trigger(ctx, s.ID)
	assert.ErrorIs(t, err, ErrScheduleOverlap)
	assert.Equal(t, 1, starter.callCount())

	setJobStatus(t, env, first, types.StatusDone)
	second, err := sm.Trigger(ctx, s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	stored, err := sm.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, stored.Batches, 2)
	assert.NotEqual(t, stored.Batches[0], stored.Batches[1])

	jobs, err := env.store.GetJobsByBatch(context.Background(), stored.LastBatch())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, second, jobs[0].ID)
	assert.Equal(t, []string{"U1", "U1"}, starter.users)
}

func TestScheduleIncrementalStartDate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.saveFakeComponent(t)
	require.NoError(t, env.store.SaveComponent(ctx, &types.ProcessingComponent{
		ID:         "acquire",
		Kind:       types.ComponentKindAcquisition,
		Parameters: map[string]string{"url": "https://archive.example/{date}.zip", "startDate": "2024-01-01", "endDate": "2024-01-31"},
	}))
	starter := &fakeStarter{env: env, status: types.StatusDone}
	sm := newTestScheduleManager(t, env, starter)

	workflowID := env.saveWorkflow(t, "U1",
		&types.WorkflowNode{ID: "acquire", ComponentID: "acquire"},
		node("index", link("acquire", "products", "in")),
	)
	s := &types.Schedule{
		Name:       "incremental",
		WorkflowID: workflowID,
		CronExpr:   "0 3 * * *",
		Mode:       types.ModeIncremental,
		Parameters: types.ParameterOverrides{"index": {"band": "B04"}},
		Active:     true,
	}
	require.NoError(t, sm.AddSchedule(asUser("U1"), s))

	// no products yet: configured dates stay
	_, err := sm.Trigger(asUser("U1"), s.ID)
	require.NoError(t, err)
	assert.NotContains(t, starter.lastCall(), "acquire")
	assert.Equal(t, "B04", starter.lastCall()["index"]["band"])

	require.NoError(t, env.store.SaveProduct(ctx, &types.Product{
		ID:              "p-0305",
		URL:             "https://archive.example/2024-03-05.zip",
		AcquisitionDate: day("2024-03-05"),
		Status:          types.ProductDownloaded,
		References:      []string{"U1"},
	}))
	require.NoError(t, env.store.SaveProduct(ctx, &types.Product{
		ID:              "p-other",
		URL:             "https://archive.example/2024-06-01.zip",
		AcquisitionDate: day("2024-06-01"),
		Status:          types.ProductDownloaded,
		References:      []string{"U2"},
	}))

	_, err = sm.Trigger(asUser("U1"), s.ID)
	require.NoError(t, err)
	overrides := starter.lastCall()
	assert.Equal(t, "2024-03-06", overrides["acquire"]["startDate"])
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), overrides["acquire"]["endDate"])
	assert.NotContains(t, overrides["index"], "startDate")

	// the stored parameters are never rewritten
	stored, err := sm.GetSchedule(asUser("U1"), s.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.Parameters, "acquire")
}

// unreliableStore fails product date lookups while down is set
type unreliableStore struct {
	*database.SQLiteManager
	mu   sync.Mutex
	down bool
}

func (us *unreliableStore) setDown(down bool) {
	us.mu.Lock()
	defer us.mu.Unlock()
	us.down = down
}

func (us *unreliableStore) GetNewestProductDate(ctx context.Context, user string, footprint string) (time.Time, bool, error) {
	us.mu.Lock()
	down := us.down
	us.mu.Unlock()
	if down {
		return time.Time{}, false, errors.New("database is locked")
	}
	return us.SQLiteManager.GetNewestProductDate(ctx, user, footprint)
}

func TestScheduleIncrementalStoreErrorKeepsScheduleActive(t *testing.T) {
	env := newTestEnv(t)
	env.saveFakeComponent(t)
	store := &unreliableStore{SQLiteManager: env.store}
	starter := &fakeStarter{env: env, status: types.StatusDone}
	sm := NewScheduleManager(context.Background(), utils.NewConfigManagerFromMap(nil), store, starter, env.locker, env.bus, env.metrics, env.logger)
	require.NoError(t, sm.Start())
	t.Cleanup(sm.Stop)

	ctx := asUser("U1")
	workflowID := env.saveWorkflow(t, "U1", node("A"))
	s := &types.Schedule{Name: "incremental", WorkflowID: workflowID, CronExpr: "@daily", Mode: types.ModeIncremental, Active: true}
	require.NoError(t, sm.AddSchedule(ctx, s))

	store.setDown(true)
	_, err := sm.Trigger(ctx, s.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoJobCreated)
	assert.Zero(t, starter.callCount())

	stored, err := sm.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active)
	assert.Empty(t, stored.LastError)
	_, scheduled := sm.NextRun(s.ID)
	assert.True(t, scheduled)

	store.setDown(false)
	jobID, err := sm.Trigger(ctx, s.ID)
	require.NoError(t, err)
	assert.NotZero(t, jobID)
}

func TestScheduleDeactivatesWhenNoJobCreated(t *testing.T) {
	env := newTestEnv(t)
	env.saveFakeComponent(t)
	starter := &fakeStarter{env: env, err: errors.New("workflow vanished")}
	sm := newTestScheduleManager(t, env, starter)

	events, cancel := env.bus.Subscribe()
	defer cancel()

	ctx := asUser("U1")
	workflowID := env.saveWorkflow(t, "U1", node("A"))
	s := &types.Schedule{Name: "broken", WorkflowID: workflowID, CronExpr: "@hourly", Active: true}
	require.NoError(t, sm.AddSchedule(ctx, s))

	_, err := sm.Trigger(ctx, s.ID)
	require.ErrorIs(t, err, ErrNoJobCreated)
	assert.Contains(t, err.Error(), "workflow vanished")

	stored, err := sm.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.Equal(t, "workflow vanished", stored.LastError)
	_, registered := sm.NextRun(s.ID)
	assert.False(t, registered)

	select {
	case ev := <-events:
		assert.Equal(t, types.EventScheduleFailed, ev.Type)
		assert.Equal(t, "U1", ev.UserID)
	case <-time.After(time.Second):
		t.Fatal("no schedule_failed event")
	}

	_, err = sm.Trigger(ctx, s.ID)
	assert.ErrorIs(t, err, ErrScheduleInactive)

	require.NoError(t, sm.SetActive(ctx, s.ID, true))
	stored, err = sm.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active)
	assert.Empty(t, stored.LastError)
}

func TestScheduleQuotaKeepsScheduleActive(t *testing.T) {
	env := newTestEnv(t)
	env.saveFakeComponent(t)
	starter := &fakeStarter{env: env, err: fmt.Errorf("%w: U1 used 5 of 5 processing units", ErrQuotaExceeded)}
	sm := newTestScheduleManager(t, env, starter)

	ctx := asUser("U1")
	workflowID := env.saveWorkflow(t, "U1", node("A"))
	s := &types.Schedule{Name: "busy", WorkflowID: workflowID, CronExpr: "@daily", Active: true}
	require.NoError(t, sm.AddSchedule(ctx, s))

	_, err := sm.Trigger(ctx, s.ID)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	stored, err := sm.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active)
	assert.Empty(t, stored.Batches)
}

func TestScheduleAccessAndValidation(t *testing.T) {
	env := newTestEnv(t)
	env.saveFakeComponent(t)
	sm := newTestScheduleManager(t, env, &fakeStarter{env: env, status: types.StatusDone})

	workflowID := env.saveWorkflow(t, "U1", node("A"))

	err := sm.AddSchedule(asUser("U1"), &types.Schedule{WorkflowID: workflowID, CronExpr: "every tuesday"})
	assert.Error(t, err)
	err = sm.AddSchedule(asUser("U1"), &types.Schedule{WorkflowID: 999, CronExpr: "@daily"})
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	err = sm.AddSchedule(asUser("U1"), &types.Schedule{WorkflowID: workflowID, CronExpr: "@daily", Mode: "SOMETIMES"})
	assert.Error(t, err)
	err = sm.AddSchedule(asUser("U2"), &types.Schedule{WorkflowID: workflowID, CronExpr: "@daily", UserID: "U1"})
	assert.ErrorIs(t, err, ErrForbidden)
	err = sm.AddSchedule(context.Background(), &types.Schedule{WorkflowID: workflowID, CronExpr: "@daily"})
	assert.ErrorIs(t, err, ErrNoPrincipal)

	mine := &types.Schedule{Name: "mine", WorkflowID: workflowID, CronExpr: "@daily", Active: true}
	require.NoError(t, sm.AddSchedule(asUser("U1"), mine))
	theirs := &types.Schedule{Name: "theirs", WorkflowID: workflowID, CronExpr: "@daily"}
	require.NoError(t, sm.AddSchedule(asUser("U2"), theirs))

	_, err = sm.Trigger(asUser("U2"), mine.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = sm.Trigger(asUser("U2"), theirs.ID)
	assert.ErrorIs(t, err, ErrScheduleInactive)

	list, err := sm.ListSchedules(asUser("U1"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "mine", list[0].Name)

	list, err = sm.ListSchedules(asUser("ops", RoleAdmin))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, sm.RemoveSchedule(asUser("U1"), mine.ID))
	_, err = sm.GetSchedule(asUser("U1"), mine.ID)
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestScheduleCronFires(t *testing.T) {
	env := newTestEnv(t)
	env.saveFakeComponent(t)
	starter := &fakeStarter{env: env, status: types.StatusDone}
	sm := newTestScheduleManager(t, env, starter)

	workflowID := env.saveWorkflow(t, "U1", node("A"))
	s := &types.Schedule{Name: "fast", WorkflowID: workflowID, CronExpr: "@every 1s", Active: true}
	require.NoError(t, sm.AddSchedule(asUser("U1"), s))

	require.Eventually(t, func() bool { return starter.callCount() >= 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestScheduleStartsWorkflowJob(t *testing.T) {
	env := newTestEnv(t)
	wm := newTestWorkflowManager(t, env, newFakeExecutor(), nil)
	require.NoError(t, wm.Start())
	sm := newTestScheduleManager(t, env, wm)

	workflowID := env.saveWorkflow(t, "U1", node("A"), node("B", link("A", "out", "in")))
	s := &types.Schedule{Name: "e2e", WorkflowID: workflowID, CronExpr: "@daily", Active: true}
	require.NoError(t, sm.AddSchedule(asUser("U1"), s))

	jobID, err := sm.Trigger(asUser("U1"), s.ID)
	require.NoError(t, err)

	job, tasks := waitForJob(t, wm, jobID, types.StatusDone)
	require.NotNil(t, job.ScheduleID)
	assert.Equal(t, s.ID, *job.ScheduleID)
	assert.Equal(t, "U1", job.UserID)
	assert.Equal(t, "B(A())", tasks["B"].Outputs["out"])

	stored, err := sm.GetSchedule(asUser("U1"), s.ID)
	require.NoError(t, err)
	assert.Equal(t, job.BatchID, stored.LastBatch())
}

func TestScheduleSyncPicksUpStoreChanges(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.saveFakeComponent(t)
	sm := newTestScheduleManager(t, env, &fakeStarter{env: env, status: types.StatusDone})

	workflowID := env.saveWorkflow(t, "U1", node("A"))
	s := &types.Schedule{Name: "external", WorkflowID: workflowID, UserID: "U1", CronExpr: "@daily", Mode: types.ModeNormal, Active: true}
	require.NoError(t, env.store.SaveSchedule(ctx, s))

	_, ok := sm.NextRun(s.ID)
	assert.False(t, ok)

	require.NoError(t, sm.Sync(ctx))
	_, ok = sm.NextRun(s.ID)
	assert.True(t, ok)

	s.Active = false
	require.NoError(t, env.store.SaveSchedule(ctx, s))
	require.NoError(t, sm.Sync(ctx))
	_, ok = sm.NextRun(s.ID)
	assert.False(t, ok)
}
