package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/database"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/events"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/locks"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

const mb = int64(1 << 20)

type testEnv struct {
	store       *database.SQLiteManager
	locker      locks.KeyedLocker
	bus         *events.Bus
	metrics     *utils.Metrics
	logger      *utils.LogsManager
	quotas      *QuotaManager
	acquisition *AcquisitionManager
	topology    *TopologyManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := utils.NewDiscardLogsManager()
	store, err := database.OpenSQLiteManager(filepath.Join(t.TempDir(), "core.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:   store,
		locker:  locks.NewMemoryLocker(),
		bus:     events.NewBusWithOptions(256, 0, logger),
		metrics: utils.NewMetrics(),
		logger:  logger,
	}
	env.quotas = NewQuotaManager(store, env.locker, env.metrics, logger)
	env.acquisition = NewAcquisitionManager(store, env.quotas, env.locker, env.bus, env.metrics, logger)
	env.topology = NewTopologyManager(store, logger)
	return env
}

func (env *testEnv) setQuota(t *testing.T, user string, input int64, processing int64) {
	t.Helper()
	require.NoError(t, env.quotas.SetAllowances(context.Background(), &types.Quota{
		UserID:            user,
		AllowedInput:      input,
		AllowedProcessing: processing,
	}))
}

func (env *testEnv) usedInput(t *testing.T, user string) int64 {
	t.Helper()
	q, err := env.quotas.Get(context.Background(), user)
	require.NoError(t, err)
	return q.UsedInput
}

func asUser(user string, roles ...string) context.Context {
	return WithPrincipal(context.Background(), types.Principal{UserID: user, Roles: roles})
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}
