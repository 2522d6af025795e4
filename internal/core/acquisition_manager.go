package core

import (
	"context"
	"fmt"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/events"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/locks"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

// AcquisitionManager decides whether a product download must happen, can be shared, or is over quota.
// At most one transfer per product is in flight; every user referencing a product is charged its size once.
//
// Locks are taken product first, then user (inside QuotaManager).
type AcquisitionManager struct {
	store   ProductStore
	quotas  *QuotaManager
	locker  locks.KeyedLocker
	bus     *events.Bus
	metrics *utils.Metrics
	logger  *utils.LogsManager
}

func NewAcquisitionManager(store ProductStore, quotas *QuotaManager, locker locks.KeyedLocker, bus *events.Bus,
	metrics *utils.Metrics, logger *utils.LogsManager) *AcquisitionManager {
	return &AcquisitionManager{
		store:   store,
		quotas:  quotas,
		locker:  locker,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// GetProduct returns the registry record, or nil
func (am *AcquisitionManager) GetProduct(ctx context.Context, id string) (*types.Product, error) {
	return am.store.GetProduct(ctx, id)
}

// AdmitDownload returns AdmitAllow when the caller must transfer the product, AdmitSkip when a transfer
// is in flight or done, and AdmitReject with ErrQuotaExceeded when the user has no room for it.
func (am *AcquisitionManager) AdmitDownload(ctx context.Context, product *types.Product, user string) (types.AdmissionDecision, error) {
	if product == nil || product.ID == "" {
		return types.AdmitReject, fmt.Errorf("product without id")
	}

	unlock, err := am.locker.Lock(ctx, locks.ProductKey(product.ID))
	if err != nil {
		return types.AdmitReject, err
	}
	defer unlock()

	existing, err := am.store.GetProduct(ctx, product.ID)
	if err != nil {
		return types.AdmitReject, err
	}

	if existing != nil && (existing.Status == types.ProductDownloading || existing.Status == types.ProductDownloaded) {
		return am.share(ctx, existing, user)
	}

	// fresh attempt: keep whoever already references the record
	record := *product
	record.References = nil
	if existing != nil {
		record.References = append([]string(nil), existing.References...)
		record.CreatedAt = existing.CreatedAt
	}

	charged := false
	if !record.HasReference(user) {
		if _, err := am.quotas.TryChargeInput(ctx, user, record.ApproxSize); err != nil {
			am.observe(types.AdmitReject)
			am.logger.Info(fmt.Sprintf("Download of product %s for %s rejected: %v", record.ID, user, err), "acquisition")
			return types.AdmitReject, err
		}
		charged = true
		record.AddReference(user)
	}

	record.Status = types.ProductDownloading
	record.ClaimedBy = user
	record.ErrorMessage = ""
	record.LocalPath = ""
	record.Checksum = ""
	if err := am.store.SaveProduct(ctx, &record); err != nil {
		if charged {
			am.refund(ctx, user, record.ApproxSize)
		}
		return types.AdmitReject, err
	}

	am.observe(types.AdmitAllow)
	am.logger.Info(fmt.Sprintf("Product %s admitted for download by %s (%d bytes)", record.ID, user, record.ApproxSize), "acquisition")
	return types.AdmitAllow, nil
}

// share joins user to a product someone else is transferring or has transferred
func (am *AcquisitionManager) share(ctx context.Context, existing *types.Product, user string) (types.AdmissionDecision, error) {
	if !existing.AddReference(user) {
		am.observe(types.AdmitSkip)
		return types.AdmitSkip, nil
	}

	if _, err := am.quotas.ChargeInput(ctx, user, existing.ApproxSize); err != nil {
		return types.AdmitReject, err
	}
	if err := am.store.SaveProduct(ctx, existing); err != nil {
		am.refund(ctx, user, existing.ApproxSize)
		return types.AdmitReject, err
	}

	am.observe(types.AdmitSkip)
	am.logger.Info(fmt.Sprintf("Product %s already %s, %s joins its references", existing.ID, existing.Status, user), "acquisition")
	return types.AdmitSkip, nil
}

// Complete marks an admitted transfer done. product carries LocalPath and Checksum from the transfer.
// References added while the transfer ran are kept.
func (am *AcquisitionManager) Complete(ctx context.Context, product *types.Product, user string) error {
	ctx = context.WithoutCancel(ctx)
	unlock, err := am.locker.Lock(ctx, locks.ProductKey(product.ID))
	if err != nil {
		return err
	}
	defer unlock()

	current, err := am.store.GetProduct(ctx, product.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: %s", ErrProductNotFound, product.ID)
	}

	if current.AddReference(user) {
		// user released the product mid-transfer
		if _, err := am.quotas.ChargeInput(ctx, user, current.ApproxSize); err != nil {
			return err
		}
	}
	current.Status = types.ProductDownloaded
	current.ClaimedBy = ""
	current.LocalPath = product.LocalPath
	current.Checksum = product.Checksum
	current.ErrorMessage = ""
	if err := am.store.SaveProduct(ctx, current); err != nil {
		return err
	}
	*product = *current

	for _, ref := range current.References {
		am.publish(types.Event{Type: types.EventProductDownloaded, UserID: ref, ProductID: current.ID, Message: current.LocalPath})
	}
	am.logger.Info(fmt.Sprintf("Product %s downloaded to %s, shared by %d users", current.ID, current.LocalPath, len(current.References)), "acquisition")
	return nil
}

// Fail marks an admitted transfer failed, drops user from the references and refunds its charge
func (am *AcquisitionManager) Fail(ctx context.Context, product *types.Product, user string, reason string) error {
	// rollback has to happen even when the requesting task was cancelled
	ctx = context.WithoutCancel(ctx)
	unlock, err := am.locker.Lock(ctx, locks.ProductKey(product.ID))
	if err != nil {
		return err
	}
	defer unlock()

	current, err := am.store.GetProduct(ctx, product.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: %s", ErrProductNotFound, product.ID)
	}

	removed := current.RemoveReference(user)
	current.Status = types.ProductFailed
	current.ClaimedBy = ""
	current.ErrorMessage = reason
	if err := am.store.SaveProduct(ctx, current); err != nil {
		return err
	}
	if removed {
		am.refund(ctx, user, current.ApproxSize)
	}
	*product = *current

	am.publish(types.Event{Type: types.EventProductFailed, UserID: user, ProductID: current.ID, Message: reason})
	am.logger.Warn(fmt.Sprintf("Product %s failed for %s: %s", current.ID, user, reason), "acquisition")
	return nil
}

// Abort is Fail for a transfer the caller gave up on
func (am *AcquisitionManager) Abort(ctx context.Context, product *types.Product, user string, reason string) error {
	return am.Fail(ctx, product, user, "aborted: "+reason)
}

// RecoverInFlight fails every product left Downloading by a process that is gone, as Fail would for
// its claimant. Users who joined the claim keep their reference and retake it on their next admission.
// It must run before any task of this process is admitted.
func (am *AcquisitionManager) RecoverInFlight(ctx context.Context) (int, error) {
	stale, err := am.store.ListProductsByStatus(ctx, types.ProductDownloading)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, product := range stale {
		ok, err := am.failStaleClaim(ctx, product.ID)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}

	if recovered > 0 {
		am.logger.Warn(fmt.Sprintf("Released %d product transfers interrupted by node restart", recovered), "acquisition")
	}
	return recovered, nil
}

func (am *AcquisitionManager) failStaleClaim(ctx context.Context, id string) (bool, error) {
	unlock, err := am.locker.Lock(ctx, locks.ProductKey(id))
	if err != nil {
		return false, err
	}
	defer unlock()

	current, err := am.store.GetProduct(ctx, id)
	if err != nil {
		return false, err
	}
	if current == nil || current.Status != types.ProductDownloading {
		return false, nil
	}

	// rows written before claimants were recorded have nobody to refund
	claimant := current.ClaimedBy
	removed := claimant != "" && current.RemoveReference(claimant)
	current.Status = types.ProductFailed
	current.ClaimedBy = ""
	current.ErrorMessage = "interrupted by node restart"
	if err := am.store.SaveProduct(ctx, current); err != nil {
		return false, err
	}
	if removed {
		am.refund(ctx, claimant, current.ApproxSize)
	}

	am.publish(types.Event{Type: types.EventProductFailed, UserID: claimant, ProductID: id, Message: current.ErrorMessage})
	return true, nil
}

// Release drops user's interest in a product and refunds its size. The product itself stays registered.
func (am *AcquisitionManager) Release(ctx context.Context, productID string, user string) error {
	unlock, err := am.locker.Lock(ctx, locks.ProductKey(productID))
	if err != nil {
		return err
	}
	defer unlock()

	current, err := am.store.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	if !current.RemoveReference(user) {
		return nil
	}
	if err := am.store.SaveProduct(ctx, current); err != nil {
		return err
	}
	am.refund(ctx, user, current.ApproxSize)

	am.logger.Info(fmt.Sprintf("%s released product %s", user, productID), "acquisition")
	return nil
}

func (am *AcquisitionManager) refund(ctx context.Context, user string, size int64) {
	if _, err := am.quotas.RefundInput(context.WithoutCancel(ctx), user, size); err != nil {
		am.logger.Error(fmt.Sprintf("Failed to refund %d input bytes to %s: %v", size, user, err), "acquisition")
	}
}

func (am *AcquisitionManager) observe(decision types.AdmissionDecision) {
	if am.metrics != nil {
		am.metrics.Admissions.WithLabelValues(string(decision)).Inc()
	}
}

func (am *AcquisitionManager) publish(ev types.Event) {
	if am.bus != nil {
		am.bus.Publish(ev)
	}
}
