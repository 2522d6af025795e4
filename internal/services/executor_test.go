package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/workers"
)

func TestRegistry(t *testing.T) {
	cm := utils.NewConfigManagerFromMap(nil)
	logger := utils.NewDiscardLogsManager()
	r := NewRegistry(PassthroughExecutor{}, NewCommandExecutor(cm, logger))

	assert.Equal(t, []string{types.ComponentKindCommand, types.ComponentKindPassthrough}, r.Kinds())

	e, err := r.Lookup(types.ComponentKindPassthrough)
	require.NoError(t, err)
	assert.Equal(t, types.ComponentKindPassthrough, e.Kind())

	_, err = r.Lookup("docker")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestPassthroughExecutor(t *testing.T) {
	tc := &TaskContext{
		Params: map[string]string{"band": "B04", "product": "param"},
		Inputs: map[string]string{"product": "/data/S2A.zip"},
	}
	var last float64
	tc.Progress = func(p float64) { last = p }

	res, err := PassthroughExecutor{}.Execute(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"band": "B04", "product": "/data/S2A.zip"}, res.Outputs)
	assert.Equal(t, float64(100), last)
}

func newCommandTask(t *testing.T, command string, params map[string]string) *TaskContext {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("command tests use sh")
	}
	return &TaskContext{
		Principal: types.Principal{UserID: "u1"},
		JobID:     4,
		TaskID:    9,
		Component: &types.ProcessingComponent{ID: "c1", Kind: types.ComponentKindCommand, Command: command},
		Params:    params,
		Inputs:    map[string]string{},
		WorkDir:   filepath.Join(t.TempDir(), "work"),
	}
}

func TestCommandExecutor(t *testing.T) {
	ce := NewCommandExecutor(utils.NewConfigManagerFromMap(nil), utils.NewDiscardLogsManager())

	t.Run("runs with placeholders", func(t *testing.T) {
		tc := newCommandTask(t, `sh -c "echo {greeting} from {user} > {work_dir}/out.txt"`, map[string]string{"greeting": "hello world"})
		require.NoError(t, ce.Validate(tc.Component, tc.Params))
		require.NoError(t, ce.Prepare(context.Background(), tc))

		res, err := ce.Execute(context.Background(), tc)
		require.NoError(t, err)
		assert.Equal(t, tc.WorkDir, res.Outputs["output"])

		got, err := os.ReadFile(filepath.Join(tc.WorkDir, "out.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hello world from u1\n", string(got))
	})

	t.Run("exit code", func(t *testing.T) {
		tc := newCommandTask(t, `sh -c "echo broken >&2; exit 3"`, nil)
		require.NoError(t, ce.Prepare(context.Background(), tc))

		_, err := ce.Execute(context.Background(), tc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "code 3")

		log, err := os.ReadFile(filepath.Join(tc.WorkDir, "task.log"))
		require.NoError(t, err)
		assert.Contains(t, string(log), "broken")
	})

	t.Run("unresolved placeholder", func(t *testing.T) {
		tc := newCommandTask(t, `echo {missing}`, nil)
		require.NoError(t, ce.Prepare(context.Background(), tc))

		_, err := ce.Execute(context.Background(), tc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
	})

	t.Run("stop", func(t *testing.T) {
		tc := newCommandTask(t, `sleep 30`, nil)
		require.NoError(t, ce.Prepare(context.Background(), tc))

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(100*time.Millisecond, cancel)

		start := time.Now()
		_, err := ce.Execute(ctx, tc)
		require.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 15*time.Second)
	})

	t.Run("validate", func(t *testing.T) {
		assert.Error(t, ce.Validate(&types.ProcessingComponent{ID: "c"}, nil))
		assert.Error(t, ce.Validate(&types.ProcessingComponent{ID: "c", Command: `echo "unterminated`}, nil))
	})
}

type fakeAdmitter struct {
	mu          sync.Mutex
	decision    types.AdmissionDecision
	products    map[string]*types.Product
	completeErr error
	onAbort     func()
	completed   []string
	failed      []string
	aborted     []string
}

func (f *fakeAdmitter) AdmitDownload(ctx context.Context, p *types.Product, user string) (types.AdmissionDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decision == types.AdmitReject {
		return types.AdmitReject, errors.New("quota exceeded")
	}
	if _, ok := f.products[p.ID]; !ok {
		copied := *p
		copied.Status = types.ProductDownloading
		f.products[p.ID] = &copied
	}
	return f.decision, nil
}

func (f *fakeAdmitter) Complete(ctx context.Context, p *types.Product, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, p.ID)
	copied := *p
	copied.Status = types.ProductDownloaded
	f.products[p.ID] = &copied
	return nil
}

func (f *fakeAdmitter) Fail(ctx context.Context, p *types.Product, user string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, reason)
	return nil
}

func (f *fakeAdmitter) Abort(ctx context.Context, p *types.Product, user string, reason string) error {
	if f.onAbort != nil {
		f.onAbort()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, reason)
	return nil
}

func (f *fakeAdmitter) GetProduct(ctx context.Context, id string) (*types.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (f *fakeAdmitter) setStatus(id string, status types.ProductStatus, localPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		p = &types.Product{ID: id}
		f.products[id] = p
	}
	p.Status = status
	p.LocalPath = localPath
}

type fakeTransferer func(req workers.TransferRequest) workers.TransferOutcome

func (f fakeTransferer) Submit(ctx context.Context, req workers.TransferRequest, progress workers.ProgressFunc) <-chan workers.TransferOutcome {
	out := make(chan workers.TransferOutcome, 1)
	go func() {
		if progress != nil {
			progress(workers.TransferProgress{BytesDone: 1, BytesTotal: 2, Fraction: 0.5})
		}
		out <- f(req)
	}()
	return out
}

func newAcquisitionTask(params map[string]string) *TaskContext {
	return &TaskContext{
		Principal: types.Principal{UserID: "u1"},
		TaskID:    1,
		Component: &types.ProcessingComponent{ID: "acq", Kind: types.ComponentKindAcquisition},
		Params:    params,
	}
}

func newTestAcquisitionExecutor(admitter ProductAdmitter, transferer Transferer) *AcquisitionExecutor {
	return newTestAcquisitionExecutorWith(nil, admitter, transferer)
}

func newTestAcquisitionExecutorWith(settings map[string]string, admitter ProductAdmitter, transferer Transferer) *AcquisitionExecutor {
	values := map[string]string{"acquisition_poll_interval": "10ms", "transfer_abort_grace": "100ms"}
	for k, v := range settings {
		values[k] = v
	}
	return NewAcquisitionExecutor(utils.NewConfigManagerFromMap(values), admitter, transferer, utils.NewDiscardLogsManager())
}

func TestAcquisitionExecutorDownloads(t *testing.T) {
	dir := t.TempDir()
	admitter := &fakeAdmitter{decision: types.AdmitAllow, products: map[string]*types.Product{}}
	var requested []string
	transferer := fakeTransferer(func(req workers.TransferRequest) workers.TransferOutcome {
		requested = append(requested, req.Product.URL)
		dest := filepath.Join(dir, req.Product.Name)
		if err := os.WriteFile(dest, []byte(req.Product.URL), 0644); err != nil {
			return workers.TransferOutcome{Err: err}
		}
		return workers.TransferOutcome{Path: dest}
	})
	ae := newTestAcquisitionExecutor(admitter, transferer)

	tc := newAcquisitionTask(map[string]string{
		"url":       "https://archive.example/S2/{date}/tile.zip",
		"name":      "S2_{date}.zip",
		"size":      "10mb",
		"startDate": "2024-03-01",
		"endDate":   "2024-03-03",
	})
	require.NoError(t, ae.Validate(tc.Component, tc.Params))

	res, err := ae.Execute(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "3", res.Outputs["count"])
	assert.Equal(t, filepath.Join(dir, "S2_2024-03-03.zip"), res.Outputs["product"])
	assert.Len(t, strings.Split(res.Outputs["products"], "\n"), 3)
	assert.Equal(t, []string{
		"https://archive.example/S2/2024-03-01/tile.zip",
		"https://archive.example/S2/2024-03-02/tile.zip",
		"https://archive.example/S2/2024-03-03/tile.zip",
	}, requested)
	assert.Len(t, admitter.completed, 3)

	p, err := admitter.GetProduct(context.Background(), admitter.completed[0])
	require.NoError(t, err)
	assert.NotEmpty(t, p.Checksum)
	assert.Equal(t, int64(10<<20), p.ApproxSize)
}

func TestAcquisitionExecutorMissingProduct(t *testing.T) {
	admitter := &fakeAdmitter{decision: types.AdmitAllow, products: map[string]*types.Product{}}
	ae := newTestAcquisitionExecutor(admitter, fakeTransferer(func(workers.TransferRequest) workers.TransferOutcome {
		return workers.TransferOutcome{}
	}))

	res, err := ae.Execute(context.Background(), newAcquisitionTask(map[string]string{"url": "https://archive.example/gone.zip"}))
	require.NoError(t, err)
	assert.Equal(t, "0", res.Outputs["count"])
	assert.Equal(t, []string{workers.ErrNotFoundRemote.Error()}, admitter.failed)
}

func TestAcquisitionExecutorTransferError(t *testing.T) {
	admitter := &fakeAdmitter{decision: types.AdmitAllow, products: map[string]*types.Product{}}
	ae := newTestAcquisitionExecutor(admitter, fakeTransferer(func(workers.TransferRequest) workers.TransferOutcome {
		return workers.TransferOutcome{Err: workers.ErrTransferTimeout}
	}))

	_, err := ae.Execute(context.Background(), newAcquisitionTask(map[string]string{"url": "https://archive.example/slow.zip"}))
	require.ErrorIs(t, err, workers.ErrTransferTimeout)
	assert.Len(t, admitter.failed, 1)
}

func TestAcquisitionExecutorReject(t *testing.T) {
	admitter := &fakeAdmitter{decision: types.AdmitReject, products: map[string]*types.Product{}}
	ae := newTestAcquisitionExecutor(admitter, fakeTransferer(func(workers.TransferRequest) workers.TransferOutcome {
		t.Fatal("rejected product must not be transferred")
		return workers.TransferOutcome{}
	}))

	_, err := ae.Execute(context.Background(), newAcquisitionTask(map[string]string{"url": "https://archive.example/big.zip"}))
	require.Error(t, err)
}

func TestAcquisitionExecutorWaitsForSharedTransfer(t *testing.T) {
	admitter := &fakeAdmitter{decision: types.AdmitSkip, products: map[string]*types.Product{}}
	ae := newTestAcquisitionExecutor(admitter, fakeTransferer(func(workers.TransferRequest) workers.TransferOutcome {
		t.Fatal("shared product must not be transferred again")
		return workers.TransferOutcome{}
	}))

	tc := newAcquisitionTask(map[string]string{"url": "https://archive.example/shared.zip", "catalogue_id": "S2A_1"})
	id := utils.ProductFingerprint("S2A_1", "https://archive.example/shared.zip")
	time.AfterFunc(50*time.Millisecond, func() { admitter.setStatus(id, types.ProductDownloaded, "/data/shared.zip") })

	res, err := ae.Execute(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "/data/shared.zip", res.Outputs["product"])
}

func TestAcquisitionExecutorAbortsOnStop(t *testing.T) {
	admitter := &fakeAdmitter{decision: types.AdmitAllow, products: map[string]*types.Product{}}
	block := make(chan struct{})
	defer close(block)
	ae := newTestAcquisitionExecutor(admitter, fakeTransferer(func(workers.TransferRequest) workers.TransferOutcome {
		<-block
		return workers.TransferOutcome{}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := ae.Execute(ctx, newAcquisitionTask(map[string]string{"url": "https://archive.example/long.zip"}))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"task stopped"}, admitter.aborted)
}

func TestAcquisitionExecutorAbortWaitsForTransfer(t *testing.T) {
	var finished atomic.Bool
	admitter := &fakeAdmitter{decision: types.AdmitAllow, products: map[string]*types.Product{}}
	abortedEarly := make(chan bool, 1)
	admitter.onAbort = func() { abortedEarly <- !finished.Load() }

	ctx, cancel := context.WithCancel(context.Background())
	ae := newTestAcquisitionExecutorWith(map[string]string{"transfer_abort_grace": "5s"}, admitter,
		fakeTransferer(func(workers.TransferRequest) workers.TransferOutcome {
			<-ctx.Done()
			time.Sleep(30 * time.Millisecond)
			finished.Store(true)
			return workers.TransferOutcome{Err: context.Canceled}
		}))
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := ae.Execute(ctx, newAcquisitionTask(map[string]string{"url": "https://archive.example/long.zip"}))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, <-abortedEarly, "claim released while the transfer still wrote")
	assert.Equal(t, []string{"task stopped"}, admitter.aborted)
}

func TestAcquisitionExecutorSharedWaitTimeout(t *testing.T) {
	admitter := &fakeAdmitter{decision: types.AdmitSkip, products: map[string]*types.Product{}}
	ae := newTestAcquisitionExecutorWith(map[string]string{"transfer_timeout": "50ms"}, admitter,
		fakeTransferer(func(workers.TransferRequest) workers.TransferOutcome {
			t.Fatal("shared product must not be transferred again")
			return workers.TransferOutcome{}
		}))

	// the product stays Downloading: its transfer never finishes
	_, err := ae.Execute(context.Background(), newAcquisitionTask(map[string]string{"url": "https://archive.example/stuck.zip"}))
	require.ErrorIs(t, err, workers.ErrTransferTimeout)
}

func TestAcquisitionExecutorReleasesClaimWhenCompleteFails(t *testing.T) {
	dir := t.TempDir()
	admitter := &fakeAdmitter{
		decision:    types.AdmitAllow,
		products:    map[string]*types.Product{},
		completeErr: errors.New("database is locked"),
	}
	ae := newTestAcquisitionExecutor(admitter, fakeTransferer(func(req workers.TransferRequest) workers.TransferOutcome {
		dest := filepath.Join(dir, req.Product.Name)
		if err := os.WriteFile(dest, []byte("scene"), 0644); err != nil {
			return workers.TransferOutcome{Err: err}
		}
		return workers.TransferOutcome{Path: dest}
	}))

	_, err := ae.Execute(context.Background(), newAcquisitionTask(map[string]string{"url": "https://archive.example/scene.zip"}))
	require.Error(t, err)
	assert.Equal(t, []string{"database is locked"}, admitter.failed)
	assert.Empty(t, admitter.completed)
}
