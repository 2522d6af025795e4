package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/events"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/locks"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

// JobStarter starts the job of a schedule firing
type JobStarter interface {
	StartScheduledWorkflow(ctx context.Context, workflowID int64, overrides types.ParameterOverrides, scheduleID int64, batchID string) (int64, error)
}

// ScheduleManager fires workflows on cron expressions. A firing never overlaps a batch still in flight.
type ScheduleManager struct {
	ctx          context.Context
	store        ScheduleStore
	jobs         JobStarter
	locker       locks.KeyedLocker
	bus          *events.Bus
	metrics      *utils.Metrics
	logger       *utils.LogsManager
	dateLayout   string
	batchHistory int

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[int64]cronEntry
}

type cronEntry struct {
	id   cron.EntryID
	expr string
}

func NewScheduleManager(ctx context.Context, cm *utils.ConfigManager, store ScheduleStore, jobs JobStarter, locker locks.KeyedLocker,
	bus *events.Bus, metrics *utils.Metrics, logger *utils.LogsManager) *ScheduleManager {
	return &ScheduleManager{
		ctx:          ctx,
		store:        store,
		jobs:         jobs,
		locker:       locker,
		bus:          bus,
		metrics:      metrics,
		logger:       logger,
		dateLayout:   cm.GetConfigWithDefault("incremental_date_layout", "2006-01-02"),
		batchHistory: cm.GetConfigInt("schedule_batch_history", 100, 1, 100000),
		cron:         cron.New(cron.WithLogger(cronLogger{logger: logger}), cron.WithChain(cron.Recover(cronLogger{logger: logger}))),
		entries:      make(map[int64]cronEntry),
	}
}

// cronLogger routes the cron library's own messages into the node log
type cronLogger struct {
	logger *utils.LogsManager
}

func (cl cronLogger) Info(msg string, keysAndValues ...interface{}) {
	cl.logger.Debug(fmt.Sprintf("%s %v", msg, keysAndValues), "scheduler")
}

func (cl cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	cl.logger.Error(fmt.Sprintf("%s: %v %v", msg, err, keysAndValues), "scheduler")
}

// Start registers every active schedule and starts the cron loop
func (sm *ScheduleManager) Start() error {
	schedules, err := sm.store.ListSchedules(sm.ctx, true)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	for _, s := range schedules {
		if err := sm.register(s); err != nil {
			sm.logger.Error(fmt.Sprintf("Failed to register schedule %d: %v", s.ID, err), "scheduler")
		}
	}

	sm.cron.Start()
	sm.logger.Info(fmt.Sprintf("Scheduler started with %d active schedules", len(schedules)), "scheduler")
	return nil
}

// Stop halts the cron loop and waits for firings in progress
func (sm *ScheduleManager) Stop() {
	<-sm.cron.Stop().Done()
	sm.logger.Info("Scheduler stopped", "scheduler")
}

func (sm *ScheduleManager) register(s *types.Schedule) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if entry, ok := sm.entries[s.ID]; ok {
		sm.cron.Remove(entry.id)
		delete(sm.entries, s.ID)
	}

	id := s.ID
	entry, err := sm.cron.AddFunc(s.CronExpr, func() {
		if _, err := sm.trigger(sm.ctx, id); err != nil {
			sm.logger.Warn(fmt.Sprintf("Schedule %d firing: %v", id, err), "scheduler")
		}
	})
	if err != nil {
		return err
	}
	sm.entries[s.ID] = cronEntry{id: entry, expr: s.CronExpr}
	return nil
}

func (sm *ScheduleManager) unregister(id int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if entry, ok := sm.entries[id]; ok {
		sm.cron.Remove(entry.id)
		delete(sm.entries, id)
	}
}

// Sync aligns the cron entries with the stored schedules, picking up changes made by other processes
func (sm *ScheduleManager) Sync(ctx context.Context) error {
	schedules, err := sm.store.ListSchedules(ctx, true)
	if err != nil {
		return err
	}

	active := make(map[int64]bool, len(schedules))
	for _, s := range schedules {
		active[s.ID] = true
		sm.mu.Lock()
		entry, ok := sm.entries[s.ID]
		sm.mu.Unlock()
		if ok && entry.expr == s.CronExpr {
			continue
		}
		if err := sm.register(s); err != nil {
			sm.logger.Error(fmt.Sprintf("Failed to register schedule %d: %v", s.ID, err), "scheduler")
		}
	}

	sm.mu.Lock()
	var stale []int64
	for id := range sm.entries {
		if !active[id] {
			stale = append(stale, id)
		}
	}
	sm.mu.Unlock()
	for _, id := range stale {
		sm.unregister(id)
	}
	return nil
}

// NextRun returns the next firing time of an active schedule
func (sm *ScheduleManager) NextRun(id int64) (time.Time, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	entry, ok := sm.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return sm.cron.Entry(entry.id).Next, true
}

// AddSchedule validates and stores s for the context's principal and registers it when active
func (sm *ScheduleManager) AddSchedule(ctx context.Context, s *types.Schedule) error {
	principal, err := requirePrincipal(ctx)
	if err != nil {
		return err
	}
	if s.UserID == "" {
		s.UserID = principal.UserID
	}
	if !canActOn(principal, s.UserID) {
		return fmt.Errorf("%w: schedule for %s", ErrForbidden, s.UserID)
	}

	if _, err := cron.ParseStandard(s.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", s.CronExpr, err)
	}
	switch s.Mode {
	case "":
		s.Mode = types.ModeNormal
	case types.ModeNormal, types.ModeIncremental:
	default:
		return fmt.Errorf("unknown execution mode %q", s.Mode)
	}

	workflow, err := sm.store.GetWorkflow(ctx, s.WorkflowID)
	if err != nil {
		return err
	}
	if workflow == nil {
		return fmt.Errorf("%w: %d", ErrWorkflowNotFound, s.WorkflowID)
	}
	if _, err := BuildGraph(workflow); err != nil {
		return err
	}

	if err := sm.store.SaveSchedule(ctx, s); err != nil {
		return err
	}
	if s.Active {
		if err := sm.register(s); err != nil {
			return err
		}
	}

	sm.logger.Info(fmt.Sprintf("Schedule %d (%s) added for workflow %d: %s %s", s.ID, s.Name, s.WorkflowID, s.CronExpr, s.Mode), "scheduler")
	return nil
}

func (sm *ScheduleManager) owned(ctx context.Context, id int64) (*types.Schedule, error) {
	principal, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	s, err := sm.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %d", ErrScheduleNotFound, id)
	}
	if !canActOn(principal, s.UserID) {
		return nil, fmt.Errorf("%w: schedule %d", ErrForbidden, id)
	}
	return s, nil
}

// GetSchedule returns a schedule the principal may see
func (sm *ScheduleManager) GetSchedule(ctx context.Context, id int64) (*types.Schedule, error) {
	return sm.owned(ctx, id)
}

// ListSchedules returns the principal's schedules, or all of them for an admin
func (sm *ScheduleManager) ListSchedules(ctx context.Context) ([]*types.Schedule, error) {
	principal, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	all, err := sm.store.ListSchedules(ctx, false)
	if err != nil {
		return nil, err
	}

	var schedules []*types.Schedule
	for _, s := range all {
		if canActOn(principal, s.UserID) {
			schedules = append(schedules, s)
		}
	}
	return schedules, nil
}

func (sm *ScheduleManager) RemoveSchedule(ctx context.Context, id int64) error {
	if _, err := sm.owned(ctx, id); err != nil {
		return err
	}
	sm.unregister(id)
	if err := sm.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	sm.logger.Info(fmt.Sprintf("Schedule %d removed", id), "scheduler")
	return nil
}

// SetActive enables or disables a schedule. Enabling clears the last error.
func (sm *ScheduleManager) SetActive(ctx context.Context, id int64, active bool) error {
	s, err := sm.owned(ctx, id)
	if err != nil {
		return err
	}

	s.Active = active
	if active {
		s.LastError = ""
	}
	if err := sm.store.SaveSchedule(ctx, s); err != nil {
		return err
	}
	if active {
		return sm.register(s)
	}
	sm.unregister(id)
	return nil
}

// Trigger fires a schedule now, as its cron entry would
func (sm *ScheduleManager) Trigger(ctx context.Context, id int64) (int64, error) {
	if _, err := sm.owned(ctx, id); err != nil {
		return 0, err
	}
	return sm.trigger(ctx, id)
}

// trigger starts a new batch of the schedule's workflow. It is a no-op returning ErrScheduleOverlap
// while any job of the previous batch is still in flight.
func (sm *ScheduleManager) trigger(ctx context.Context, id int64) (int64, error) {
	unlock, err := sm.locker.Lock(ctx, "schedule:"+strconv.FormatInt(id, 10))
	if err != nil {
		return 0, err
	}
	defer unlock()

	s, err := sm.store.GetSchedule(ctx, id)
	if err != nil {
		return 0, err
	}
	if s == nil {
		return 0, fmt.Errorf("%w: %d", ErrScheduleNotFound, id)
	}
	if !s.Active {
		return 0, fmt.Errorf("%w: %d", ErrScheduleInactive, id)
	}

	if last := s.LastBatch(); last != "" {
		jobs, err := sm.store.GetJobsByBatch(ctx, last)
		if err != nil {
			return 0, err
		}
		for _, job := range jobs {
			if !job.Status.IsTerminal() {
				sm.observe("overlap")
				sm.logger.Info(fmt.Sprintf("Schedule %d skipped: job %d of batch %s is %s", id, job.ID, last, job.Status), "scheduler")
				return 0, fmt.Errorf("%w: job %d of batch %s is %s", ErrScheduleOverlap, job.ID, last, job.Status)
			}
		}
	}

	overrides := s.Parameters.Clone()
	if s.Mode == types.ModeIncremental {
		if err := sm.incrementalOverrides(ctx, s, overrides); err != nil {
			if errors.Is(err, ErrWorkflowNotFound) {
				return 0, sm.deactivate(ctx, s, err)
			}
			// store reads may succeed on the next firing
			sm.observe("error")
			sm.logger.Warn(fmt.Sprintf("Schedule %d skipped: incremental window: %v", id, err), "scheduler")
			return 0, fmt.Errorf("schedule %d incremental window: %w", id, err)
		}
	}

	batchID := uuid.NewString()
	jobCtx := WithPrincipal(ctx, types.Principal{UserID: s.UserID})
	jobID, err := sm.jobs.StartScheduledWorkflow(jobCtx, s.WorkflowID, overrides, s.ID, batchID)
	if errors.Is(err, ErrQuotaExceeded) {
		// the schedule stays active and tries again on the next firing
		sm.observe("quota")
		sm.logger.Warn(fmt.Sprintf("Schedule %d skipped: %v", id, err), "scheduler")
		return 0, err
	}
	if err != nil || jobID == 0 {
		return 0, sm.deactivate(ctx, s, err)
	}

	s.Batches = append(s.Batches, batchID)
	if len(s.Batches) > sm.batchHistory {
		s.Batches = s.Batches[len(s.Batches)-sm.batchHistory:]
	}
	s.LastError = ""
	if err := sm.store.SaveSchedule(ctx, s); err != nil {
		sm.logger.Error(fmt.Sprintf("Failed to record batch %s of schedule %d: %v", batchID, id, err), "scheduler")
	}

	sm.observe("started")
	sm.logger.Info(fmt.Sprintf("Schedule %d started job %d in batch %s", id, jobID, batchID), "scheduler")
	return jobID, nil
}

// deactivate switches off a schedule whose firing could not create a job
func (sm *ScheduleManager) deactivate(ctx context.Context, s *types.Schedule, cause error) error {
	if cause == nil {
		cause = errors.New("no job created")
	}

	s.Active = false
	s.LastError = cause.Error()
	if err := sm.store.SaveSchedule(context.WithoutCancel(ctx), s); err != nil {
		sm.logger.Error(fmt.Sprintf("Failed to deactivate schedule %d: %v", s.ID, err), "scheduler")
	}
	sm.unregister(s.ID)

	sm.observe("failed")
	if sm.bus != nil {
		sm.bus.Publish(types.Event{Type: types.EventScheduleFailed, UserID: s.UserID, Message: fmt.Sprintf("schedule %d: %v", s.ID, cause)})
	}
	sm.logger.Error(fmt.Sprintf("Schedule %d deactivated: %v", s.ID, cause), "scheduler")
	return fmt.Errorf("%w: %v", ErrNoJobCreated, cause)
}

// incrementalOverrides moves startDate of every node that takes one to the day after the newest
// product the user holds, and endDate to today. Without products the parameters stay as they are.
func (sm *ScheduleManager) incrementalOverrides(ctx context.Context, s *types.Schedule, overrides types.ParameterOverrides) error {
	workflow, err := sm.store.GetWorkflow(ctx, s.WorkflowID)
	if err != nil {
		return err
	}
	if workflow == nil {
		return fmt.Errorf("%w: %d", ErrWorkflowNotFound, s.WorkflowID)
	}

	newest, ok, err := sm.store.GetNewestProductDate(ctx, s.UserID, s.Footprint)
	if err != nil {
		return err
	}
	if !ok {
		sm.logger.Info(fmt.Sprintf("Schedule %d has no products yet, running with configured dates", s.ID), "scheduler")
		return nil
	}

	start := newest.AddDate(0, 0, 1).Format(sm.dateLayout)
	end := time.Now().UTC().Format(sm.dateLayout)

	for _, node := range workflow.Nodes {
		component, err := sm.store.GetComponent(ctx, node.ComponentID)
		if err != nil {
			return err
		}
		var defaults map[string]string
		if component != nil {
			defaults = component.Parameters
		}
		layers := []map[string]string{defaults, node.CustomValues, overrides[node.ID]}
		if !hasParam(layers, "startDate") {
			continue
		}

		params := overrides[node.ID]
		if params == nil {
			params = make(map[string]string)
			overrides[node.ID] = params
		}
		params["startDate"] = start
		if hasParam(layers, "endDate") {
			params["endDate"] = end
		}
	}

	sm.logger.Info(fmt.Sprintf("Schedule %d continues from %s", s.ID, start), "scheduler")
	return nil
}

func hasParam(layers []map[string]string, key string) bool {
	for _, layer := range layers {
		if _, ok := layer[key]; ok {
			return true
		}
	}
	return false
}

func (sm *ScheduleManager) observe(outcome string) {
	if sm.metrics != nil {
		sm.metrics.ScheduleTriggers.WithLabelValues(outcome).Inc()
	}
}
