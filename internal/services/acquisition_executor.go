package services

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/workers"
)

// ProductAdmitter is the admission side of the product registry
type ProductAdmitter interface {
	AdmitDownload(ctx context.Context, product *types.Product, user string) (types.AdmissionDecision, error)
	Complete(ctx context.Context, product *types.Product, user string) error
	Fail(ctx context.Context, product *types.Product, user string, reason string) error
	Abort(ctx context.Context, product *types.Product, user string, reason string) error
	GetProduct(ctx context.Context, id string) (*types.Product, error)
}

// Transferer runs transfers off the caller's goroutine
type Transferer interface {
	Submit(ctx context.Context, req workers.TransferRequest, progress workers.ProgressFunc) <-chan workers.TransferOutcome
}

// AcquisitionExecutor fetches products for a task.
//
// Parameters: url (required), name, catalogue_id, size, acquisition_date, footprint, mode.
// When url contains {date}, one product per day from startDate to endDate is acquired and
// {date} in url, name and catalogue_id is replaced by that day.
//
// Outputs: product (last local path), products (newline separated local paths), count.
type AcquisitionExecutor struct {
	admitter     ProductAdmitter
	transferer   Transferer
	dateLayout   string
	maxProducts  int
	pollInterval time.Duration
	sharedWait   time.Duration
	abortGrace   time.Duration
	logger       *utils.LogsManager
}

func NewAcquisitionExecutor(cm *utils.ConfigManager, admitter ProductAdmitter, transferer Transferer, logger *utils.LogsManager) *AcquisitionExecutor {
	return &AcquisitionExecutor{
		admitter:     admitter,
		transferer:   transferer,
		dateLayout:   cm.GetConfigWithDefault("incremental_date_layout", "2006-01-02"),
		maxProducts:  cm.GetConfigInt("acquisition_max_products", 366, 1, 100000),
		pollInterval: cm.GetConfigDuration("acquisition_poll_interval", time.Second),
		sharedWait:   cm.GetConfigDuration("transfer_timeout", 30*time.Minute),
		abortGrace:   cm.GetConfigDuration("transfer_abort_grace", 10*time.Second),
		logger:       logger,
	}
}

func (ae *AcquisitionExecutor) Kind() string {
	return types.ComponentKindAcquisition
}

func (ae *AcquisitionExecutor) Validate(component *types.ProcessingComponent, params map[string]string) error {
	raw := params["url"]
	if raw == "" {
		return fmt.Errorf("component %s: acquisition needs a url parameter", component.ID)
	}
	if _, err := url.Parse(strings.ReplaceAll(raw, "{date}", "")); err != nil {
		return fmt.Errorf("component %s: invalid url: %w", component.ID, err)
	}
	if size := params["size"]; size != "" {
		if _, err := utils.ParseByteSize(size); err != nil {
			return fmt.Errorf("component %s: %w", component.ID, err)
		}
	}
	if mode := params["mode"]; mode != "" {
		if _, err := workers.ParseTransferMode(mode); err != nil {
			return fmt.Errorf("component %s: %w", component.ID, err)
		}
	}
	return nil
}

func (ae *AcquisitionExecutor) Prepare(ctx context.Context, tc *TaskContext) error {
	_, err := ae.plan(tc)
	return err
}

func (ae *AcquisitionExecutor) Execute(ctx context.Context, tc *TaskContext) (*Result, error) {
	products, err := ae.plan(tc)
	if err != nil {
		return nil, err
	}

	var mode workers.TransferMode
	if raw := tc.Param("mode", ""); raw != "" {
		if mode, err = workers.ParseTransferMode(raw); err != nil {
			return nil, err
		}
	}

	var paths []string
	total := float64(len(products))
	for i, product := range products {
		done := float64(i)
		localPath, err := ae.acquire(ctx, tc, product, mode, func(fraction float64) {
			tc.report((done + fraction) / total * 100)
		})
		if err != nil {
			return nil, err
		}
		if localPath != "" {
			paths = append(paths, localPath)
		}
		tc.report((done + 1) / total * 100)
	}

	outputs := map[string]string{
		"products": strings.Join(paths, "\n"),
		"count":    strconv.Itoa(len(paths)),
		"product":  "",
	}
	if len(paths) > 0 {
		outputs["product"] = paths[len(paths)-1]
	}
	return &Result{Outputs: outputs}, nil
}

// plan turns the task parameters into the product records to acquire
func (ae *AcquisitionExecutor) plan(tc *TaskContext) ([]*types.Product, error) {
	rawURL := tc.Param("url", "")
	if rawURL == "" {
		return nil, fmt.Errorf("acquisition needs a url parameter")
	}

	var size int64
	if raw := tc.Param("size", ""); raw != "" {
		n, err := utils.ParseByteSize(raw)
		if err != nil {
			return nil, err
		}
		size = n
	}

	var dates []time.Time
	if strings.Contains(rawURL, "{date}") {
		start, err := ae.parseDate(tc.Param("startDate", ""))
		if err != nil {
			return nil, fmt.Errorf("startDate: %w", err)
		}
		end := time.Now().UTC().Truncate(24 * time.Hour)
		if raw := tc.Param("endDate", ""); raw != "" {
			if end, err = ae.parseDate(raw); err != nil {
				return nil, fmt.Errorf("endDate: %w", err)
			}
		}
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			if len(dates) == ae.maxProducts {
				return nil, fmt.Errorf("date window %s..%s exceeds %d products", tc.Param("startDate", ""), tc.Param("endDate", ""), ae.maxProducts)
			}
			dates = append(dates, d)
		}
	} else {
		date := time.Now().UTC()
		if raw := tc.Param("acquisition_date", tc.Param("startDate", "")); raw != "" {
			parsed, err := ae.parseDate(raw)
			if err != nil {
				return nil, fmt.Errorf("acquisition_date: %w", err)
			}
			date = parsed
		}
		dates = []time.Time{date}
	}

	products := make([]*types.Product, 0, len(dates))
	for _, d := range dates {
		day := d.Format(ae.dateLayout)
		productURL := strings.ReplaceAll(rawURL, "{date}", day)
		name := strings.ReplaceAll(tc.Param("name", ""), "{date}", day)
		if name == "" {
			name = productName(productURL)
		}
		catalogueID := strings.ReplaceAll(tc.Param("catalogue_id", ""), "{date}", day)

		products = append(products, &types.Product{
			ID:              utils.ProductFingerprint(catalogueID, productURL),
			Name:            name,
			URL:             productURL,
			ApproxSize:      size,
			AcquisitionDate: d,
			Footprint:       tc.Param("footprint", ""),
			Status:          types.ProductQueried,
		})
	}
	return products, nil
}

func (ae *AcquisitionExecutor) parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("date is required")
	}
	if t, err := time.Parse(ae.dateLayout, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func productName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		if base := path.Base(u.Path); base != "/" && base != "." {
			return base
		}
	}
	return utils.HashString(rawURL)[:16]
}

// acquire admits and transfers one product and returns its local path.
// A product that no longer exists at the source yields "" without an error.
func (ae *AcquisitionExecutor) acquire(ctx context.Context, tc *TaskContext, product *types.Product, mode workers.TransferMode, progress func(float64)) (string, error) {
	user := tc.Principal.UserID

	// a shared transfer that fails is retried once by this task
	for attempt := 0; attempt < 2; attempt++ {
		candidate := *product
		decision, err := ae.admitter.AdmitDownload(ctx, &candidate, user)
		if err != nil {
			return "", err
		}

		if decision == types.AdmitSkip {
			localPath, retry, err := ae.waitShared(ctx, product.ID)
			if err != nil || !retry {
				return localPath, err
			}
			ae.logger.Info(fmt.Sprintf("Shared transfer of %s failed, task %d takes it over", product.ID, tc.TaskID), "acquisition")
			continue
		}

		return ae.transfer(ctx, tc, &candidate, mode, progress)
	}
	return "", fmt.Errorf("product %s could not be acquired", product.ID)
}

func (ae *AcquisitionExecutor) transfer(ctx context.Context, tc *TaskContext, product *types.Product, mode workers.TransferMode, progress func(float64)) (string, error) {
	user := tc.Principal.UserID
	outcomes := ae.transferer.Submit(ctx, workers.TransferRequest{Product: product, Mode: mode}, func(p workers.TransferProgress) {
		if p.BytesTotal > 0 {
			progress(p.Fraction)
		}
	})

	var outcome workers.TransferOutcome
	select {
	case outcome = <-outcomes:
	case <-ctx.Done():
		// the claim is released only once nothing writes to the destination any more
		grace := time.NewTimer(ae.abortGrace)
		select {
		case <-outcomes:
		case <-grace.C:
			ae.logger.Warn(fmt.Sprintf("Transfer of %s still running %s after task stop", product.ID, ae.abortGrace), "acquisition")
		}
		grace.Stop()

		if err := ae.admitter.Abort(ctx, product, user, "task stopped"); err != nil {
			ae.logger.Error(fmt.Sprintf("Failed to abort product %s: %v", product.ID, err), "acquisition")
		}
		return "", ctx.Err()
	}

	if outcome.Err != nil {
		if err := ae.admitter.Fail(ctx, product, user, outcome.Err.Error()); err != nil {
			ae.logger.Error(fmt.Sprintf("Failed to record failure of product %s: %v", product.ID, err), "acquisition")
		}
		return "", fmt.Errorf("transfer of %s: %w", product.ID, outcome.Err)
	}

	if outcome.Path == "" {
		if err := ae.admitter.Fail(ctx, product, user, workers.ErrNotFoundRemote.Error()); err != nil {
			ae.logger.Error(fmt.Sprintf("Failed to record missing product %s: %v", product.ID, err), "acquisition")
		}
		return "", nil
	}

	product.LocalPath = outcome.Path
	if info, err := os.Stat(outcome.Path); err == nil && info.Mode().IsRegular() {
		if sum, err := utils.HashFile(outcome.Path); err == nil {
			product.Checksum = sum
		} else {
			ae.logger.Warn(fmt.Sprintf("Failed to checksum %s: %v", outcome.Path, err), "acquisition")
		}
	}

	if err := ae.admitter.Complete(ctx, product, user); err != nil {
		// leave no Downloading claim behind that nobody will finish
		if failErr := ae.admitter.Fail(ctx, product, user, err.Error()); failErr != nil {
			ae.logger.Error(fmt.Sprintf("Failed to release product %s: %v", product.ID, failErr), "acquisition")
		}
		return "", fmt.Errorf("recording product %s: %w", product.ID, err)
	}
	return product.LocalPath, nil
}

// waitShared polls a product another task is transferring. retry is true when that transfer failed.
// A transfer still running after transfer_timeout (0 waits forever) fails the wait with ErrTransferTimeout.
func (ae *AcquisitionExecutor) waitShared(ctx context.Context, id string) (localPath string, retry bool, err error) {
	ticker := time.NewTicker(ae.pollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if ae.sharedWait > 0 {
		timer := time.NewTimer(ae.sharedWait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		product, err := ae.admitter.GetProduct(ctx, id)
		if err != nil {
			return "", false, err
		}
		if product == nil {
			return "", true, nil
		}
		switch product.Status {
		case types.ProductDownloaded:
			return product.LocalPath, false, nil
		case types.ProductFailed, types.ProductQueried:
			return "", true, nil
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-deadline:
			return "", false, fmt.Errorf("%w: shared transfer of %s still running after %s", workers.ErrTransferTimeout, id, ae.sharedWait)
		case <-ticker.C:
		}
	}
}
