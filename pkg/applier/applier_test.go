package applier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rios-go/rios/pkg/assoc"
	"github.com/rios-go/rios/pkg/block"
	"github.com/rios-go/rios/pkg/computeworker"
	"github.com/rios-go/rios/pkg/config"
	"github.com/rios-go/rios/pkg/grid"
	"github.com/rios-go/rios/pkg/readworker"
	"github.com/rios-go/rios/pkg/stats"
)

// fakeHandle hands back a filled array of ones for every ReadBlock call.
type fakeHandle struct{}

func (fakeHandle) ReadBlock(defn block.Defn) (*assoc.Array, error) {
	arr := assoc.NewArray(1, defn.Nrows, defn.Ncols)
	for i := range arr.Data {
		arr.Data[i] = 1
	}
	return arr, nil
}

func (fakeHandle) Close() error { return nil }

// fakeInputDriver serves a fixed grid and fakeHandle for every filename.
type fakeInputDriver struct {
	g       *grid.PixelGrid
	gridErr error
}

func (d *fakeInputDriver) GridOf(filename string) (*grid.PixelGrid, error) {
	if d.gridErr != nil {
		return nil, d.gridErr
	}
	return d.g, nil
}

func (d *fakeInputDriver) OpenHandle(filename string) (readworker.Handle, error) {
	return fakeHandle{}, nil
}

// overviewRecord captures one WriteOverview call.
type overviewRecord struct {
	band, level, rows, cols int
}

// fakeOutputHandle records every written block, the finalised
// per-band statistics, and every overview pushed back to it.
type fakeOutputHandle struct {
	mu        sync.Mutex
	blocks    map[block.Defn]*assoc.Array
	closed    bool
	bandStats map[int]*stats.Finalised
	overviews []overviewRecord
	failWrite bool
	caps      stats.DriverCapability
}

func newFakeOutputHandle() *fakeOutputHandle {
	return &fakeOutputHandle{
		blocks:    make(map[block.Defn]*assoc.Array),
		bandStats: make(map[int]*stats.Finalised),
	}
}

func (h *fakeOutputHandle) WriteBlock(defn block.Defn, arr *assoc.Array) error {
	if h.failWrite {
		return assert.AnError
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocks[defn] = arr
	return nil
}

func (h *fakeOutputHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeOutputHandle) WriteStatistics(band int, f *stats.Finalised) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bandStats[band] = f
	return nil
}

func (h *fakeOutputHandle) WriteOverview(band, level int, data []float64, rows, cols int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.overviews = append(h.overviews, overviewRecord{band: band, level: level, rows: rows, cols: cols})
	return nil
}

func (h *fakeOutputHandle) Capabilities() stats.DriverCapability {
	return h.caps
}

type fakeOutputDriver struct {
	mu           sync.Mutex
	handles      map[string]*fakeOutputHandle
	failWrite    bool
	capabilities stats.DriverCapability
}

func newFakeOutputDriver() *fakeOutputDriver {
	return &fakeOutputDriver{handles: make(map[string]*fakeOutputHandle)}
}

func (d *fakeOutputDriver) CreateOutput(name, filename string, wg *grid.PixelGrid, bands int, dataType stats.DataType, creationOptions []string) (OutputHandle, error) {
	h := newFakeOutputHandle()
	h.failWrite = d.failWrite
	h.caps = d.capabilities
	d.mu.Lock()
	d.handles[name] = h
	d.mu.Unlock()
	return h, nil
}

type fakeLedger struct {
	mu       sync.Mutex
	runs     []RunSummary
	workerErrs []*computeworker.WorkerErrorRecord
}

func (l *fakeLedger) RecordRun(ctx context.Context, summary RunSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, summary)
	return nil
}

func (l *fakeLedger) RecordWorkerError(ctx context.Context, rec *computeworker.WorkerErrorRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workerErrs = append(l.workerErrs, rec)
	return nil
}

func testGrid(t *testing.T) *grid.PixelGrid {
	t.Helper()
	g, err := grid.New("EPSG:4326", grid.GeoTransform{0, 1, 0, 10, 0, -1}, 4, 4)
	require.NoError(t, err)
	return g
}

func baseRequest(t *testing.T, inDriver *fakeInputDriver, outDriver *fakeOutputDriver, ledger RunLedger) Request {
	inSpec := assoc.NewFilenameAssociations()
	inSpec.Set("in", assoc.Single("in.tif"))
	outSpec := assoc.NewFilenameAssociations()
	outSpec.Set("out", assoc.Single("out.tif"))

	registry := computeworker.NewFuncRegistry("")
	registry.Register("double", func(info *computeworker.ReaderInfo, inputs, outputs *assoc.BlockAssociations, aux interface{}) error {
		in, err := inputs.Get("in", -1)
		if err != nil {
			return err
		}
		out := assoc.NewArray(in.Bands, in.Rows, in.Cols)
		for i, v := range in.Data {
			out.Data[i] = v * 2
		}
		outputs.Set("out", -1, out)
		return nil
	})

	ctrl := config.DefaultControl()
	ctrl.BlockWidth = 2
	ctrl.BlockHeight = 2
	ctrl.Concurrency.PopTimeout = 5 * time.Second
	ctrl.Concurrency.InsertTimeout = 5 * time.Second
	ctrl.Concurrency.ComputeBarrierTimeout = 5 * time.Second

	return Request{
		FuncID:         "double",
		Registry:       registry,
		InputSpec:      inSpec,
		OutputSpec:     outSpec,
		InputDriver:    inDriver,
		OutputDriver:   outDriver,
		OutputDataType: stats.Byte,
		OutputBands:    map[string]int{"out": 1},
		Control:        ctrl,
		Ledger:         ledger,
	}
}

func TestApplyRunsFullPipelineAndWritesEveryBlock(t *testing.T) {
	inDriver := &fakeInputDriver{g: testGrid(t)}
	outDriver := newFakeOutputDriver()
	ledger := &fakeLedger{}

	result, err := Apply(context.Background(), baseRequest(t, inDriver, outDriver, ledger))
	require.NoError(t, err)
	require.NotNil(t, result)

	outDriver.mu.Lock()
	h := outDriver.handles["out"]
	outDriver.mu.Unlock()
	require.NotNil(t, h)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.blocks, 4) // a 4x4 grid tiled 2x2 yields four blocks
	assert.True(t, h.closed)
	require.Contains(t, h.bandStats, 0)
	assert.Equal(t, 2.0, h.bandStats[0].Min) // every input pixel is 1, doubled to 2

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	require.Len(t, ledger.runs, 1)
	assert.Equal(t, 4, ledger.runs[0].BlockCount)
}

func TestApplyFailsWhenInputGridCannotBeResolved(t *testing.T) {
	inDriver := &fakeInputDriver{gridErr: assert.AnError}
	outDriver := newFakeOutputDriver()

	_, err := Apply(context.Background(), baseRequest(t, inDriver, outDriver, nil))
	assert.Error(t, err)
}

func TestApplyFailsOnUnknownFuncID(t *testing.T) {
	inDriver := &fakeInputDriver{g: testGrid(t)}
	outDriver := newFakeOutputDriver()
	req := baseRequest(t, inDriver, outDriver, nil)
	req.FuncID = "missing"

	_, err := Apply(context.Background(), req)
	assert.Error(t, err)
}

func TestApplySurfacesOutputWriteFailure(t *testing.T) {
	inDriver := &fakeInputDriver{g: testGrid(t)}
	outDriver := newFakeOutputDriver()
	ledger := &fakeLedger{}

	inSpec := assoc.NewFilenameAssociations()
	inSpec.Set("in", assoc.Single("in.tif"))
	outSpec := assoc.NewFilenameAssociations()
	outSpec.Set("out", assoc.Single("out.tif"))

	registry := computeworker.NewFuncRegistry("")
	registry.Register("identity", func(info *computeworker.ReaderInfo, inputs, outputs *assoc.BlockAssociations, aux interface{}) error {
		in, err := inputs.Get("in", -1)
		if err != nil {
			return err
		}
		outputs.Set("out", -1, in)
		return nil
	})

	ctrl := config.DefaultControl()
	ctrl.BlockWidth = 2
	ctrl.BlockHeight = 2
	ctrl.Concurrency.PopTimeout = 2 * time.Second
	ctrl.Concurrency.InsertTimeout = 2 * time.Second
	ctrl.Concurrency.ComputeBarrierTimeout = 2 * time.Second

	req := Request{
		FuncID:         "identity",
		Registry:       registry,
		InputSpec:      inSpec,
		OutputSpec:     outSpec,
		InputDriver:    inDriver,
		OutputDriver:   outDriver,
		OutputDataType: stats.Byte,
		OutputBands:    map[string]int{"out": 1},
		Control:        ctrl,
		Ledger:         ledger,
	}

	// Every output handle this driver creates fails its write, so Apply
	// must surface the error instead of reporting success.
	outDriver.failWrite = true

	_, err := Apply(context.Background(), req)
	assert.Error(t, err)
}

// TestApplySurfacesWorkerExceptionPromptly exercises the thread manager
// (server is nil, so the read pool's force-exit forwarding goroutine
// never fires): a worker exception on the second block must interrupt
// the output-block pop loop well before the pop timeout expires, and
// the returned error must be the worker exception itself rather than a
// subsequent pop-timeout error.
func TestApplySurfacesWorkerExceptionPromptly(t *testing.T) {
	inDriver := &fakeInputDriver{g: testGrid(t)}
	outDriver := newFakeOutputDriver()

	inSpec := assoc.NewFilenameAssociations()
	inSpec.Set("in", assoc.Single("in.tif"))
	outSpec := assoc.NewFilenameAssociations()
	outSpec.Set("out", assoc.Single("out.tif"))

	registry := computeworker.NewFuncRegistry("")
	boom := assert.AnError
	registry.Register("boomOnSecond", func(info *computeworker.ReaderInfo, inputs, outputs *assoc.BlockAssociations, aux interface{}) error {
		if info.BlockIndex == 1 {
			return boom
		}
		in, err := inputs.Get("in", -1)
		if err != nil {
			return err
		}
		outputs.Set("out", -1, in)
		return nil
	})

	ctrl := config.DefaultControl()
	ctrl.BlockWidth = 2
	ctrl.BlockHeight = 2
	// A deliberately long pop timeout: the fix must return long before
	// this expires once the worker exception is recorded.
	ctrl.Concurrency.PopTimeout = 30 * time.Second
	ctrl.Concurrency.InsertTimeout = 2 * time.Second
	ctrl.Concurrency.ComputeBarrierTimeout = 2 * time.Second

	req := Request{
		FuncID:         "boomOnSecond",
		Registry:       registry,
		InputSpec:      inSpec,
		OutputSpec:     outSpec,
		InputDriver:    inDriver,
		OutputDriver:   outDriver,
		OutputDataType: stats.Byte,
		OutputBands:    map[string]int{"out": 1},
		Control:        ctrl,
	}

	started := time.Now()
	_, err := Apply(context.Background(), req)
	elapsed := time.Since(started)

	require.Error(t, err)
	assert.Contains(t, err.Error(), boom.Error())
	assert.Less(t, elapsed, 5*time.Second, "a mid-run worker exception must interrupt the pop wait instead of blocking out the full pop timeout")
}

// TestApplyWritesPyramidsWhenDriverSupportsThem confirms single-pass
// overview levels are registered, fed, and written back through
// StatsWriter.WriteOverview when the output driver reports overview
// protocol support.
func TestApplyWritesPyramidsWhenDriverSupportsThem(t *testing.T) {
	inDriver := &fakeInputDriver{g: testGrid(t)}
	outDriver := newFakeOutputDriver()
	outDriver.capabilities = stats.DriverCapability{SupportsOverviewProtocol: true}

	ctrl := config.DefaultControl()
	ctrl.OverviewLevels = []int{2}

	req := baseRequest(t, inDriver, outDriver, nil)
	req.Control = ctrl
	req.Control.BlockWidth = 2
	req.Control.BlockHeight = 2
	req.Control.Concurrency.PopTimeout = 5 * time.Second
	req.Control.Concurrency.InsertTimeout = 5 * time.Second
	req.Control.Concurrency.ComputeBarrierTimeout = 5 * time.Second

	_, err := Apply(context.Background(), req)
	require.NoError(t, err)

	outDriver.mu.Lock()
	h := outDriver.handles["out"]
	outDriver.mu.Unlock()
	require.NotNil(t, h)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.overviews, "WriteOverview should have been called for the registered level")
	assert.Equal(t, 2, h.overviews[0].level)
}

// TestApplyComputesStatsPerBandWithNullValue confirms statistics are
// resolved for every band of a multi-band output, honouring a
// configured null value rather than treating band 0 as representative
// of the whole output.
func TestApplyComputesStatsPerBandWithNullValue(t *testing.T) {
	inDriver := &fakeInputDriver{g: testGrid(t)}
	outDriver := newFakeOutputDriver()

	inSpec := assoc.NewFilenameAssociations()
	inSpec.Set("in", assoc.Single("in.tif"))
	outSpec := assoc.NewFilenameAssociations()
	outSpec.Set("out", assoc.Single("out.tif"))

	registry := computeworker.NewFuncRegistry("")
	registry.Register("twoBand", func(info *computeworker.ReaderInfo, inputs, outputs *assoc.BlockAssociations, aux interface{}) error {
		in, err := inputs.Get("in", -1)
		if err != nil {
			return err
		}
		out := assoc.NewArray(2, in.Rows, in.Cols)
		plane := in.Rows * in.Cols
		for i := 0; i < plane; i++ {
			out.Data[i] = 10      // band 0: constant 10
			out.Data[plane+i] = 0 // band 1: all null
		}
		outputs.Set("out", -1, out)
		return nil
	})

	ctrl := config.DefaultControl()
	ctrl.BlockWidth = 2
	ctrl.BlockHeight = 2
	ctrl.Concurrency.PopTimeout = 5 * time.Second
	ctrl.Concurrency.InsertTimeout = 5 * time.Second
	ctrl.Concurrency.ComputeBarrierTimeout = 5 * time.Second

	req := Request{
		FuncID:         "twoBand",
		Registry:       registry,
		InputSpec:      inSpec,
		OutputSpec:     outSpec,
		InputDriver:    inDriver,
		OutputDriver:   outDriver,
		OutputDataType: stats.Byte,
		OutputBands:    map[string]int{"out": 2},
		HasNull:        map[string]bool{"out": true},
		NullValue:      map[string]float64{"out": 0},
		Control:        ctrl,
	}

	_, err := Apply(context.Background(), req)
	require.NoError(t, err)

	outDriver.mu.Lock()
	h := outDriver.handles["out"]
	outDriver.mu.Unlock()
	require.NotNil(t, h)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Contains(t, h.bandStats, 0, "statistics must be resolved per band, not just for the whole band-major buffer")
	assert.Equal(t, 10.0, h.bandStats[0].Min)
	assert.Equal(t, 10.0, h.bandStats[0].Max)
	assert.Nil(t, h.bandStats[1], "band 1 is entirely null and has no valid samples to finalise")
}
