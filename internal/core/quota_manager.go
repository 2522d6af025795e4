package core

import (
	"context"
	"fmt"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/locks"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

// QuotaManager is the quota ledger. Every read-modify-write runs under the user's lock.
type QuotaManager struct {
	store   QuotaStore
	locker  locks.KeyedLocker
	metrics *utils.Metrics
	logger  *utils.LogsManager
}

func NewQuotaManager(store QuotaStore, locker locks.KeyedLocker, metrics *utils.Metrics, logger *utils.LogsManager) *QuotaManager {
	return &QuotaManager{
		store:   store,
		locker:  locker,
		metrics: metrics,
		logger:  logger,
	}
}

// Get returns the user's quota; a user without a record has zero allowances
func (qm *QuotaManager) Get(ctx context.Context, user string) (*types.Quota, error) {
	q, err := qm.store.GetQuota(ctx, user)
	if err != nil {
		return nil, err
	}
	if q == nil {
		q = &types.Quota{UserID: user}
	}
	return q, nil
}

// SetAllowances replaces the user's allowances, keeping consumption
func (qm *QuotaManager) SetAllowances(ctx context.Context, q *types.Quota) error {
	if q.UserID == "" {
		return fmt.Errorf("quota needs a user")
	}
	if q.AllowedInput < 0 || q.AllowedProcessing < 0 || q.AllowedCPU < 0 || q.AllowedMemory < 0 {
		return fmt.Errorf("quota allowances for %s cannot be negative", q.UserID)
	}

	unlock, err := qm.locker.Lock(ctx, locks.UserKey(q.UserID))
	if err != nil {
		return err
	}
	defer unlock()

	if err := qm.store.SetQuota(ctx, q); err != nil {
		return err
	}
	qm.logger.Info(fmt.Sprintf("Quota of %s set to input %d, processing %d", q.UserID, q.AllowedInput, q.AllowedProcessing), "quota")
	return nil
}

// TryChargeInput charges size against the input allowance only if it fits
func (qm *QuotaManager) TryChargeInput(ctx context.Context, user string, size int64) (*types.Quota, error) {
	unlock, err := qm.locker.Lock(ctx, locks.UserKey(user))
	if err != nil {
		return nil, err
	}
	defer unlock()

	q, err := qm.Get(ctx, user)
	if err != nil {
		return nil, err
	}
	if q.UsedInput+size > q.AllowedInput {
		qm.reject("input")
		return q, fmt.Errorf("%w: %s uses %d of %d input bytes, %d more requested",
			ErrQuotaExceeded, user, q.UsedInput, q.AllowedInput, size)
	}

	return qm.store.UpdateQuota(ctx, user, size, 0)
}

// ChargeInput charges size unconditionally
func (qm *QuotaManager) ChargeInput(ctx context.Context, user string, size int64) (*types.Quota, error) {
	return qm.updateInput(ctx, user, size)
}

// RefundInput gives size back; usage never drops below zero
func (qm *QuotaManager) RefundInput(ctx context.Context, user string, size int64) (*types.Quota, error) {
	return qm.updateInput(ctx, user, -size)
}

func (qm *QuotaManager) updateInput(ctx context.Context, user string, delta int64) (*types.Quota, error) {
	unlock, err := qm.locker.Lock(ctx, locks.UserKey(user))
	if err != nil {
		return nil, err
	}
	defer unlock()

	return qm.store.UpdateQuota(ctx, user, delta, 0)
}

// ChargeProcessing consumes units of processing allowance. An allowance of 0 is unlimited.
func (qm *QuotaManager) ChargeProcessing(ctx context.Context, user string, units int64) (*types.Quota, error) {
	unlock, err := qm.locker.Lock(ctx, locks.UserKey(user))
	if err != nil {
		return nil, err
	}
	defer unlock()

	q, err := qm.Get(ctx, user)
	if err != nil {
		return nil, err
	}
	if q.AllowedProcessing > 0 && q.UsedProcessing+units > q.AllowedProcessing {
		qm.reject("processing")
		return q, fmt.Errorf("%w: %s used %d of %d processing units", ErrQuotaExceeded, user, q.UsedProcessing, q.AllowedProcessing)
	}

	return qm.store.UpdateQuota(ctx, user, 0, units)
}

// RefundProcessing returns units of processing allowance
func (qm *QuotaManager) RefundProcessing(ctx context.Context, user string, units int64) (*types.Quota, error) {
	unlock, err := qm.locker.Lock(ctx, locks.UserKey(user))
	if err != nil {
		return nil, err
	}
	defer unlock()

	return qm.store.UpdateQuota(ctx, user, 0, -units)
}

func (qm *QuotaManager) reject(kind string) {
	if qm.metrics != nil {
		qm.metrics.QuotaRejections.WithLabelValues(kind).Inc()
	}
}
