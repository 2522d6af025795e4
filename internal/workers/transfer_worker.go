package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

// Transfer errors
var (
	ErrNotFoundRemote  = errors.New("product not found at source")
	ErrNotFoundLocally = errors.New("product not found in local archive")
	ErrTransferTimeout = errors.New("transfer timed out")
	ErrTransferIO      = errors.New("transfer failed")
)

// TransferMode selects how a product reaches the download directory
type TransferMode string

const (
	ModeDownload TransferMode = "download"
	ModeCopy     TransferMode = "copy"
	ModeSymlink  TransferMode = "symlink"
)

func ParseTransferMode(s string) (TransferMode, error) {
	switch mode := TransferMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case ModeDownload, ModeCopy, ModeSymlink:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown transfer mode %q", s)
	}
}

// TransferRequest describes one product transfer. Empty fields fall back to the worker's configuration.
type TransferRequest struct {
	Product *types.Product
	Mode    TransferMode
	Resume  *bool
	DestDir string
}

// TransferProgress is reported after every chunk
type TransferProgress struct {
	ProductID      string
	BytesDone      int64
	BytesTotal     int64 // -1 when the server did not announce a length
	Fraction       float64
	BytesPerSecond float64
}

type ProgressFunc func(TransferProgress)

// TransferOutcome is delivered by Submit
type TransferOutcome struct {
	Path string
	Err  error
}

// TransferWorker moves products from a remote archive or a local archive into the download directory
type TransferWorker struct {
	client      *resty.Client
	pool        *WorkerPool
	mode        TransferMode
	resume      bool
	chunkSize   int64
	timeout     time.Duration
	downloadDir string
	archiveRoot string
	credentials utils.ArchiveCredentials
	metrics     *utils.Metrics
	logger      *utils.LogsManager
}

// NewTransferWorker reads the transfer_* settings, the archive settings and the archive credentials
func NewTransferWorker(cm *utils.ConfigManager, pool *WorkerPool, metrics *utils.Metrics, logger *utils.LogsManager) (*TransferWorker, error) {
	mode, err := ParseTransferMode(cm.GetConfigWithDefault("transfer_mode", string(ModeDownload)))
	if err != nil {
		return nil, err
	}

	creds, err := utils.LoadArchiveCredentials(cm.GetConfigWithDefault("archive_env_file", ""))
	if err != nil {
		return nil, err
	}

	downloadDir := cm.GetConfigWithDefault("download_dir", "downloads")
	if !filepath.IsAbs(downloadDir) {
		downloadDir = utils.GetAppPaths("").ResolveDataPath(downloadDir)
	}

	archiveRoot := cm.GetConfigWithDefault("archive_root", "")
	if archiveRoot != "" {
		if err := utils.ValidateDirectory(archiveRoot); err != nil {
			return nil, fmt.Errorf("archive_root: %w", err)
		}
	}

	tw := &TransferWorker{
		client:      resty.New(),
		pool:        pool,
		mode:        mode,
		resume:      cm.GetConfigBool("transfer_resume", true),
		chunkSize:   cm.GetConfigBytes("transfer_chunk_size", 1<<20),
		timeout:     cm.GetConfigDuration("transfer_timeout", 30*time.Minute),
		downloadDir: downloadDir,
		archiveRoot: archiveRoot,
		credentials: creds,
		metrics:     metrics,
		logger:      logger,
	}
	if tw.chunkSize <= 0 {
		tw.chunkSize = 1 << 20
	}
	// the whole transfer is bounded by the request context instead
	tw.client.SetTimeout(0)
	tw.client.SetHeader("User-Agent", "eo-pipeline-node")

	return tw, nil
}

// DownloadDir is where products land unless a request names another directory
func (tw *TransferWorker) DownloadDir() string {
	return tw.downloadDir
}

// Submit runs Transfer on the transfer pool. The channel receives exactly one outcome.
func (tw *TransferWorker) Submit(ctx context.Context, req TransferRequest, progress ProgressFunc) <-chan TransferOutcome {
	out := make(chan TransferOutcome, 1)
	err := tw.pool.Submit(func() {
		path, err := tw.Transfer(ctx, req, progress)
		out <- TransferOutcome{Path: path, Err: err}
	})
	if err != nil {
		out <- TransferOutcome{Err: fmt.Errorf("%w: %v", ErrTransferIO, err)}
	}
	return out
}

// Transfer brings the product into the destination directory and returns its local path.
// A product missing at the remote source yields an empty path and no error.
func (tw *TransferWorker) Transfer(ctx context.Context, req TransferRequest, progress ProgressFunc) (string, error) {
	if req.Product == nil || req.Product.Name == "" {
		return "", fmt.Errorf("%w: product name is required", ErrTransferIO)
	}

	mode := req.Mode
	if mode == "" {
		mode = tw.mode
	}
	destDir := req.DestDir
	if destDir == "" {
		destDir = tw.downloadDir
	}
	if err := os.MkdirAll(destDir, utils.ProductDirMode); err != nil {
		return "", fmt.Errorf("%w: creating %s: %v", ErrTransferIO, destDir, err)
	}
	dest := filepath.Join(destDir, req.Product.Name)

	if tw.metrics != nil {
		tw.metrics.TransfersInFlight.Inc()
		defer tw.metrics.TransfersInFlight.Dec()
	}

	var (
		path string
		err  error
	)
	switch mode {
	case ModeDownload:
		resume := tw.resume
		if req.Resume != nil {
			resume = *req.Resume
		}
		path, err = tw.download(ctx, req.Product, dest, resume, progress)
	case ModeCopy:
		path, err = tw.copyFromArchive(req.Product, dest)
	case ModeSymlink:
		path, err = tw.symlinkFromArchive(req.Product, dest)
	default:
		err = fmt.Errorf("%w: unknown transfer mode %q", ErrTransferIO, mode)
	}

	if err == nil && path != "" {
		if permErr := utils.NormalizePermissions(path); permErr != nil {
			err = fmt.Errorf("%w: %v", ErrTransferIO, permErr)
			path = ""
		}
	}

	tw.observe(mode, path, err)
	return path, err
}

func (tw *TransferWorker) observe(mode TransferMode, path string, err error) {
	if tw.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, ErrTransferTimeout):
		result = "timeout"
	case errors.Is(err, ErrNotFoundLocally):
		result = "not_found_locally"
	case err != nil:
		result = "error"
	case path == "":
		result = "not_found_remote"
	}
	tw.metrics.Transfers.WithLabelValues(string(mode), result).Inc()
}

// ArchivePath is root/yyyy/MM/dd/<name> for the product's acquisition date
func ArchivePath(root string, product *types.Product) string {
	d := product.AcquisitionDate.UTC()
	return filepath.Join(root, d.Format("2006"), d.Format("01"), d.Format("02"), product.Name)
}

// locateInArchive checks every segment of the archive path
func (tw *TransferWorker) locateInArchive(product *types.Product) (string, error) {
	if tw.archiveRoot == "" {
		return "", fmt.Errorf("%w: archive_root is not configured", ErrNotFoundLocally)
	}
	if product.AcquisitionDate.IsZero() {
		return "", fmt.Errorf("%w: product %s has no acquisition date", ErrNotFoundLocally, product.ID)
	}

	d := product.AcquisitionDate.UTC()
	current := tw.archiveRoot
	for _, segment := range []string{"", d.Format("2006"), d.Format("01"), d.Format("02"), product.Name} {
		current = filepath.Join(current, segment)
		if _, err := os.Stat(current); err != nil {
			if os.IsNotExist(err) {
				return "", fmt.Errorf("%w: %s", ErrNotFoundLocally, current)
			}
			return "", fmt.Errorf("%w: %v", ErrTransferIO, err)
		}
	}
	return current, nil
}

func (tw *TransferWorker) copyFromArchive(product *types.Product, dest string) (string, error) {
	src, err := tw.locateInArchive(product)
	if err != nil {
		return "", err
	}
	if err := utils.CopyPath(src, dest); err != nil {
		return "", fmt.Errorf("%w: copying %s: %v", ErrTransferIO, src, err)
	}
	tw.logger.Info(fmt.Sprintf("Copied product %s from %s", product.ID, src), "transfer")
	return dest, nil
}

func (tw *TransferWorker) symlinkFromArchive(product *types.Product, dest string) (string, error) {
	src, err := tw.locateInArchive(product)
	if err != nil {
		return "", err
	}

	exists, err := utils.PathExists(dest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferIO, err)
	}
	if exists {
		tw.logger.Debug(fmt.Sprintf("Destination %s already exists, not linking", dest), "transfer")
		return dest, nil
	}

	if err := os.Symlink(src, dest); err != nil {
		return "", fmt.Errorf("%w: linking %s: %v", ErrTransferIO, src, err)
	}
	tw.logger.Info(fmt.Sprintf("Linked product %s to %s", product.ID, src), "transfer")
	return dest, nil
}

func (tw *TransferWorker) newRequest(ctx context.Context) *resty.Request {
	req := tw.client.R().SetContext(ctx).SetDoNotParseResponse(true)
	switch {
	case tw.credentials.Token != "":
		req.SetAuthToken(tw.credentials.Token)
	case tw.credentials.Username != "":
		req.SetBasicAuth(tw.credentials.Username, tw.credentials.Password)
	}
	return req
}

func (tw *TransferWorker) download(parent context.Context, product *types.Product, dest string, resume bool, progress ProgressFunc) (string, error) {
	if product.URL == "" {
		return "", fmt.Errorf("%w: product %s has no URL", ErrTransferIO, product.ID)
	}

	ctx := parent
	if tw.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, tw.timeout)
		defer cancel()
	}

	resp, err := tw.newRequest(ctx).Get(product.URL)
	if err != nil {
		return "", tw.classify(parent, product, err)
	}
	body := resp.RawBody()
	defer func() {
		if body != nil {
			body.Close()
		}
	}()

	if resp.StatusCode() == http.StatusNotFound {
		tw.logger.Warn(fmt.Sprintf("Product %s not found at %s: %v", product.ID, product.URL, ErrNotFoundRemote), "transfer")
		return "", nil
	}
	if resp.StatusCode() >= 400 {
		return "", fmt.Errorf("%w: %s returned %s", ErrTransferIO, product.URL, resp.Status())
	}

	remoteLen := resp.RawResponse.ContentLength
	localLen, err := utils.FileSize(dest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferIO, err)
	}

	if localLen > 0 && remoteLen >= 0 && localLen == remoteLen {
		tw.logger.Info(fmt.Sprintf("Product %s already complete at %s", product.ID, dest), "transfer")
		return dest, nil
	}

	offset := int64(0)
	if localLen > 0 && resume && (remoteLen < 0 || localLen < remoteLen) {
		// reopen from where the partial file ends
		body.Close()
		body = nil

		ranged, err := tw.newRequest(ctx).SetHeader("Range", fmt.Sprintf("bytes=%d-", localLen)).Get(product.URL)
		if err != nil {
			return "", tw.classify(parent, product, err)
		}
		body = ranged.RawBody()

		switch ranged.StatusCode() {
		case http.StatusPartialContent:
			offset = localLen
			if remoteLen < 0 && ranged.RawResponse.ContentLength >= 0 {
				remoteLen = localLen + ranged.RawResponse.ContentLength
			}
			tw.logger.Info(fmt.Sprintf("Resuming product %s at byte %d", product.ID, offset), "transfer")
		case http.StatusRequestedRangeNotSatisfiable:
			// nothing past the local end
			return dest, nil
		case http.StatusOK:
			// range ignored by the server, start over with this body
			remoteLen = ranged.RawResponse.ContentLength
		default:
			return "", fmt.Errorf("%w: %s returned %s for ranged request", ErrTransferIO, product.URL, ranged.Status())
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if offset > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(dest, flags, utils.ProductFileMode)
	if err != nil {
		return "", fmt.Errorf("%w: opening %s: %v", ErrTransferIO, dest, err)
	}

	written, err := tw.stream(body, file, product.ID, offset, remoteLen, progress)
	closeErr := file.Close()
	if err != nil {
		return "", tw.classify(parent, product, err)
	}
	if closeErr != nil {
		return "", fmt.Errorf("%w: closing %s: %v", ErrTransferIO, dest, closeErr)
	}
	if remoteLen >= 0 && offset+written != remoteLen {
		return "", fmt.Errorf("%w: short body for %s, got %d of %d bytes", ErrTransferIO, product.ID, offset+written, remoteLen)
	}

	if tw.metrics != nil {
		tw.metrics.TransferredBytes.Add(float64(written))
	}
	tw.logger.Info(fmt.Sprintf("Downloaded product %s to %s (%d bytes, resumed at %d)", product.ID, dest, offset+written, offset), "transfer")
	return dest, nil
}

// stream copies body into file chunk by chunk, reporting progress without waiting on the callback
func (tw *TransferWorker) stream(body io.Reader, file *os.File, productID string, offset int64, total int64, progress ProgressFunc) (int64, error) {
	reporter := newProgressReporter(progress)
	defer reporter.close()

	buf := make([]byte, tw.chunkSize)
	start := time.Now()
	var written int64

	for {
		n, readErr := io.ReadFull(body, buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)

			done := offset + written
			p := TransferProgress{ProductID: productID, BytesDone: done, BytesTotal: total}
			if total > 0 {
				p.Fraction = float64(done) / float64(total)
			}
			if elapsed := time.Since(start).Seconds(); elapsed > 0 {
				p.BytesPerSecond = float64(written) / elapsed
			}
			reporter.report(p)
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// classify maps a transport error to the transfer error taxonomy
func (tw *TransferWorker) classify(parent context.Context, product *types.Product, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("transfer of %s aborted: %w", product.ID, parent.Err())
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		tw.logger.Warn(fmt.Sprintf("Transfer of product %s timed out: %v", product.ID, err), "transfer")
		return fmt.Errorf("%w: %s: %v", ErrTransferTimeout, product.ID, err)
	}

	tw.logger.Error(fmt.Sprintf("Transfer of product %s failed: %v", product.ID, err), "transfer")
	return fmt.Errorf("%w: %s: %v", ErrTransferIO, product.ID, err)
}

// progressReporter hands progress to a callback goroutine. Only the latest value is kept,
// so a slow callback sees fewer updates but never slows the transfer.
type progressReporter struct {
	fn   ProgressFunc
	ch   chan TransferProgress
	done chan struct{}
}

func newProgressReporter(fn ProgressFunc) *progressReporter {
	r := &progressReporter{fn: fn}
	if fn == nil {
		return r
	}
	r.ch = make(chan TransferProgress, 1)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		for p := range r.ch {
			r.fn(p)
		}
	}()
	return r
}

func (r *progressReporter) report(p TransferProgress) {
	if r.ch == nil {
		return
	}
	for {
		select {
		case r.ch <- p:
			return
		default:
		}
		// replace the stale value
		select {
		case <-r.ch:
		default:
		}
	}
}

func (r *progressReporter) close() {
	if r.ch == nil {
		return
	}
	close(r.ch)
	<-r.done
}
