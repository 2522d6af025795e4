package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/core"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/database"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/events"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/locks"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/services"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/workers"
)

// node wires every manager of a running pipeline node over one database
type node struct {
	db          *database.SQLiteManager
	locker      locks.KeyedLocker
	bus         *events.Bus
	metrics     *utils.Metrics
	quotas      *core.QuotaManager
	acquisition *core.AcquisitionManager
	topology    *core.TopologyManager
	transfers   *workers.WorkerPool
	registry    *services.Registry
	workflows   *core.WorkflowManager
	schedules   *core.ScheduleManager
}

func openStore() *database.SQLiteManager {
	db, err := database.NewSQLiteManager(config, logger)
	exitOnError(err, "failed to initialize database")
	return db
}

func newNode(ctx context.Context) (*node, error) {
	db, err := database.NewSQLiteManager(config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	locker, err := locks.NewKeyedLocker(config, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	n := &node{
		db:      db,
		locker:  locker,
		bus:     events.NewBus(config, logger),
		metrics: utils.NewMetrics(),
	}
	n.quotas = core.NewQuotaManager(db, locker, n.metrics, logger)
	n.acquisition = core.NewAcquisitionManager(db, n.quotas, locker, n.bus, n.metrics, logger)
	n.topology = core.NewTopologyManager(db, logger)

	n.transfers = workers.NewWorkerPool(ctx, "transfer", config.GetConfigInt("transfer_worker_pool_size", 4, 1, 256), logger)
	transfer, err := workers.NewTransferWorker(config, n.transfers, n.metrics, logger)
	if err != nil {
		n.Close()
		return nil, err
	}

	n.registry = services.NewRegistry(
		services.NewAcquisitionExecutor(config, n.acquisition, transfer, logger),
		services.NewCommandExecutor(config, logger),
		services.PassthroughExecutor{},
	)

	n.workflows = core.NewWorkflowManager(ctx, config, db, n.quotas, n.topology, n.registry, n.bus, n.metrics, logger)
	n.schedules = core.NewScheduleManager(ctx, config, db, n.workflows, locker, n.bus, n.metrics, logger)
	return n, nil
}

// Start registers this host when the topology is empty and starts executing jobs
func (n *node) Start(ctx context.Context) error {
	if err := n.topology.Load(ctx); err != nil {
		return err
	}
	if err := n.topology.EnsureLocalNode(ctx); err != nil {
		return err
	}
	// the PID file guarantees no other process owns a transfer claim
	if _, err := n.acquisition.RecoverInFlight(ctx); err != nil {
		return fmt.Errorf("failed to release interrupted transfers: %w", err)
	}
	n.transfers.Start()
	return n.workflows.Start()
}

func (n *node) Close() {
	if n.schedules != nil {
		n.schedules.Stop()
	}
	if n.workflows != nil {
		n.workflows.Stop()
	}
	if n.transfers != nil {
		n.transfers.Stop()
	}
	if closer, ok := n.locker.(io.Closer); ok {
		closer.Close()
	}
	if err := n.db.Close(); err != nil {
		logger.Warn(fmt.Sprintf("Error closing database: %v", err), "cli")
	}
}

// logEvents mirrors bus events into the log until ctx is done
func (n *node) logEvents(ctx context.Context) {
	ch, unsubscribe := n.bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case types.EventScheduleFailed, types.EventProductFailed:
				logger.Error(fmt.Sprintf("%s: %s", ev.Type, ev.Message), "events")
			case types.EventTaskProgress:
				logger.Debug(fmt.Sprintf("job %d task %d at %.1f%%", ev.JobID, ev.TaskID, ev.Progress), "events")
			default:
				logger.Info(fmt.Sprintf("%s: job=%d task=%d product=%s status=%s %s",
					ev.Type, ev.JobID, ev.TaskID, ev.ProductID, ev.Status, ev.Message), "events")
			}
		}
	}
}

// claimPID makes this process the node instance, refusing when another one is alive
func claimPID(pidManager *utils.PIDManager) error {
	if existing, err := pidManager.ReadPID(); err == nil {
		if pidManager.IsProcessRunning(existing) {
			return fmt.Errorf("another instance is already running with PID %d", existing)
		}
		pidManager.RemovePIDFile()
	}
	return pidManager.WritePID(os.Getpid())
}
