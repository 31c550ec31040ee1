// Package applier is the top-level driver: it resolves inputs onto a
// working grid, tiles it into blocks, starts the read-worker pool and a
// compute-worker manager, runs the block loop until every output block
// is written, finalises per-band statistics, and gathers an
// ApplierReturn. It is the orchestration layer every other package in
// this module exists to serve.
package applier

import (
	"context"
	"sort"
	"time"

	"github.com/rios-go/rios/pkg/assoc"
	"github.com/rios-go/rios/pkg/block"
	"github.com/rios-go/rios/pkg/blockbuffer"
	"github.com/rios-go/rios/pkg/computeworker"
	"github.com/rios-go/rios/pkg/computeworker/batch"
	"github.com/rios-go/rios/pkg/computeworker/subprocess"
	"github.com/rios-go/rios/pkg/computeworker/thread"
	"github.com/rios-go/rios/pkg/config"
	"github.com/rios-go/rios/pkg/grid"
	"github.com/rios-go/rios/pkg/logging"
	"github.com/rios-go/rios/pkg/netchannel"
	"github.com/rios-go/rios/pkg/readworker"
	"github.com/rios-go/rios/pkg/rioserrors"
	"github.com/rios-go/rios/pkg/stats"
	"github.com/rios-go/rios/pkg/tempfile"
	"github.com/rios-go/rios/pkg/timers"
)

// InputDriver is the external raster-I/O collaborator for reading: it
// answers a filename's grid geometry (for working-grid resolution) in
// addition to the block-read contract readworker.Driver already names.
type InputDriver interface {
	readworker.Driver
	GridOf(filename string) (*grid.PixelGrid, error)
}

// OutputHandle writes one output's blocks as they become available.
// WriteBlock receives the full block array including overlap margin;
// implementations are expected to trim Overlap pixels per side
// themselves, since only the driver knows the output file's pixel
// layout.
type OutputHandle interface {
	WriteBlock(defn block.Defn, arr *assoc.Array) error
	Close() error
}

// StatsWriter is an optional capability of an OutputHandle: if
// implemented, Apply finalises each band's Accumulator and pushes the
// result back through it after every block has been written.
type StatsWriter interface {
	WriteStatistics(band int, f *stats.Finalised) error
	WriteOverview(band, level int, data []float64, rows, cols int) error

	// Capabilities reports what this driver instance supports, feeding
	// stats.Resolve's decision of whether single-pass stats/histogram/
	// pyramids are actually available for this output.
	Capabilities() stats.DriverCapability
}

// OutputDriver creates one OutputHandle per declared output name.
type OutputDriver interface {
	CreateOutput(name, filename string, wg *grid.PixelGrid, bands int, dataType stats.DataType, creationOptions []string) (OutputHandle, error)
}

// RunSummary is the per-run record Apply hands to a RunLedger.
type RunSummary struct {
	WorkingGrid  *grid.PixelGrid
	BlockCount   int
	WorkerKind   computeworker.Kind
	Start, End   time.Time
	NumErrors    int
}

// RunLedger is an optional sink for run/worker-exception bookkeeping;
// a nil RunLedger is a valid no-op (see pkg/runledger for the
// Postgres-backed implementation).
type RunLedger interface {
	RecordRun(ctx context.Context, summary RunSummary) error
	RecordWorkerError(ctx context.Context, rec *computeworker.WorkerErrorRecord) error
}

// ApplierReturn is returned by Apply: wall-clock bounds, the merged
// per-worker timer report, and each worker's final auxiliary state in
// worker-id order.
type ApplierReturn struct {
	Start, End    time.Time
	Timers        *timers.Map
	OtherArgsList []interface{}
}

// Request bundles everything one Apply call needs beyond the Control
// defaults: the input/output name->file maps, the user function
// (resolved locally by funcID for in-process/thread workers; remote
// workers resolve the same funcID against their own compiled-in
// registry), and the raster-I/O collaborators.
type Request struct {
	FuncID      string
	Registry    *computeworker.FuncRegistry
	InputSpec   *assoc.FilenameAssociations
	OutputSpec  *assoc.FilenameAssociations
	Aux         interface{}
	InputDriver InputDriver
	OutputDriver OutputDriver
	OutputDataType stats.DataType
	OutputBands    map[string]int     // output name -> band count
	NullValue      map[string]float64 // output name -> null/no-data value, if HasNull
	HasNull        map[string]bool    // output name -> whether NullValue applies
	Control     *config.Control
	Ledger      RunLedger
	Log         *logging.Logger
}

// Apply runs one full block-pipeline pass: working grid, tiling,
// worker startup, the block loop, output finalisation, and the
// mandated error-handling shutdown sequence.
func Apply(ctx context.Context, req Request) (*ApplierReturn, error) {
	start := time.Now()
	log := req.Log
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	log = log.WithComponent("applier")
	ctrl := req.Control
	if ctrl == nil {
		ctrl = config.DefaultControl()
	}

	tmp, err := tempfile.New(ctrl.TempDir, log)
	if err != nil {
		return nil, err
	}
	defer tmp.Cleanup()

	wg, err := resolveWorkingGrid(req.InputSpec, req.InputDriver, ctrl)
	if err != nil {
		return nil, err
	}

	blocks, err := block.Tile(wg, ctrl.BlockWidth, ctrl.BlockHeight)
	if err != nil {
		return nil, err
	}

	numCompute := ctrl.Concurrency.NumComputeWorkers
	if ctrl.Concurrency.SingleBlockWorkers {
		numCompute = len(blocks)
	}
	sublists := block.Partition(blocks, numCompute)

	capacity := 2 * numCompute
	inBuf := blockbuffer.New(capacity, log)
	outBuf := blockbuffer.New(capacity, log)

	payload := &computeworker.InitPayload{
		FuncID:      req.FuncID,
		InputSpec:   req.InputSpec,
		OutputSpec:  req.OutputSpec,
		WorkingGrid: wg,
		Overlap:     ctrl.Overlap,
		ReadOwnData: ctrl.Concurrency.ReadOwnData,
		Sublists:    toDefnLists(sublists),
		AuxTemplate: req.Aux,
	}

	mgr, server, err := buildManager(ctrl, payload, inBuf, outBuf, numCompute, req.Registry, tmp, log)
	if err != nil {
		return nil, err
	}

	readPool := readworker.New(ctrl.Concurrency.NumReadWorkers, req.InputDriver, req.InputSpec, inBuf, ctrl.Concurrency.InsertTimeout, log)
	tasks := readworker.GenerateTasks(blocks, req.InputSpec)

	// The read pool needs its own cancellation signal even for
	// non-thread compute-worker kinds, since it always runs in the
	// driver's own process regardless of where compute happens.
	forceExit := make(chan struct{})

	startErr := mgr.StartWorkers(ctx, numCompute, payload, ctrl.Concurrency.ComputeBarrierTimeout)
	if startErr != nil {
		close(forceExit)
		return nil, abortRun(ctx, mgr, startErr)
	}

	// For non-thread managers, a worker-side force-exit (set by the
	// server on an unexpected disconnect or pushed exception) must also
	// stop the read pool, which always runs locally regardless of where
	// compute happens.
	if server != nil {
		go func() {
			select {
			case <-server.ForceExit():
				close(forceExit)
			case <-forceExit:
			}
		}()
	}

	if !ctrl.Concurrency.ReadOwnData {
		readPool.Start(ctx, tasks, forceExit)
	}

	outHandles, err := openOutputs(req, wg)
	if err != nil {
		close(forceExit)
		return nil, abortRun(ctx, mgr, err)
	}

	accumulators, err := newAccumulators(req, ctrl, outHandles, wg)
	if err != nil {
		close(forceExit)
		return nil, abortRun(ctx, mgr, err)
	}

	runErr := consumeOutputBlocks(ctx, outBuf, len(blocks), req, outHandles, accumulators, ctrl, mgr)
	close(forceExit)

	if runErr == nil {
		if readErr := readPool.Err(); readErr != nil {
			runErr = readErr
		}
	}

	postRun, shutdownErr := mgr.Shutdown(ctx)
	// A non-nil shutdownErr is always a recorded worker exception (or a
	// genuine shutdown-mechanics failure); it is strictly more
	// informative than a pop-loop timeout or cancellation artifact that
	// the same worker exception may have just caused, so it always
	// wins.
	if shutdownErr != nil {
		runErr = shutdownErr
	}

	closeErr := closeOutputs(outHandles, accumulators)
	if runErr == nil {
		runErr = closeErr
	}

	if runErr != nil {
		if req.Ledger != nil {
			req.Ledger.RecordRun(ctx, RunSummary{
				WorkingGrid: wg, BlockCount: len(blocks),
				WorkerKind: ctrl.Concurrency.ComputeWorkerKind,
				Start: start, End: time.Now(),
				NumErrors: len(mgr.Errors()),
			})
		}
		recordErrors(ctx, req.Ledger, mgr.Errors())
		return nil, runErr
	}

	result := &ApplierReturn{Start: start, End: time.Now(), Timers: timers.New()}
	sort.Slice(postRun, func(i, j int) bool { return postRun[i].WorkerID < postRun[j].WorkerID })
	for _, obj := range postRun {
		result.Timers.Merge(obj.Timers)
		result.OtherArgsList = append(result.OtherArgsList, obj.AuxResult)
	}

	if req.Ledger != nil {
		req.Ledger.RecordRun(ctx, RunSummary{
			WorkingGrid: wg, BlockCount: len(blocks),
			WorkerKind: ctrl.Concurrency.ComputeWorkerKind,
			Start: result.Start, End: result.End,
			NumErrors: len(mgr.Errors()),
		})
	}
	recordErrors(ctx, req.Ledger, mgr.Errors())

	return result, nil
}

func resolveWorkingGrid(spec *assoc.FilenameAssociations, drv InputDriver, ctrl *config.Control) (*grid.PixelGrid, error) {
	var grids []*grid.PixelGrid
	for _, item := range spec.Iterate() {
		g, err := drv.GridOf(item.Filename)
		if err != nil {
			return nil, rioserrors.Wrap(rioserrors.FileOpen, "failed to read grid of "+item.Filename, err, nil)
		}
		grids = append(grids, g)
	}
	return grid.ResolveWorkingGrid(grids, ctrl.ReferenceGrid, ctrl.Footprint)
}

func toDefnLists(parts []block.List) [][]block.Defn {
	out := make([][]block.Defn, len(parts))
	for i, p := range parts {
		out[i] = []block.Defn(p)
	}
	return out
}

// buildManager constructs the computeworker.Manager named by
// ctrl.Concurrency.ComputeWorkerKind. For the thread kind, workers
// share the driver's buffers directly and no network channel is
// created; every other kind talks to workers through a
// netchannel.Server, returned alongside the manager so Apply can use
// its force-exit event as the read pool's cancellation signal too.
func buildManager(ctrl *config.Control, payload *computeworker.InitPayload, inBuf, outBuf *blockbuffer.Buffer, numCompute int, registry *computeworker.FuncRegistry, tmp *tempfile.Manager, log *logging.Logger) (computeworker.Manager, *netchannel.Server, error) {
	switch ctrl.Concurrency.ComputeWorkerKind {
	case computeworker.KindThread, "":
		return thread.New(inBuf, outBuf, ctrl.Concurrency.PopTimeout, ctrl.Concurrency.InsertTimeout, registry, log), nil, nil

	case computeworker.KindSubprocess:
		server, err := netchannel.NewServer(payload, inBuf, outBuf, numCompute, log)
		if err != nil {
			return nil, nil, err
		}
		return subprocess.New(ctrl.ComputeWorkerBinary, server, log), server, nil

	case computeworker.KindPBS, computeworker.KindSLURM:
		server, err := netchannel.NewServer(payload, inBuf, outBuf, numCompute, log)
		if err != nil {
			return nil, nil, err
		}
		kind := batch.PBS
		if ctrl.Concurrency.ComputeWorkerKind == computeworker.KindSLURM {
			kind = batch.SLURM
		}
		return batch.New(kind, tmp.Root(), ctrl.ComputeWorkerBinary, server, log), server, nil

	case computeworker.KindAWSBatch:
		server, err := netchannel.NewServer(payload, inBuf, outBuf, numCompute, log)
		if err != nil {
			return nil, nil, err
		}
		return batch.NewAWSBatch(ctrl.AWSBatchStack, ctrl.AWSBatchRegion, server, log), server, nil

	case computeworker.KindAWSECS:
		server, err := netchannel.NewServer(payload, inBuf, outBuf, numCompute, log)
		if err != nil {
			return nil, nil, err
		}
		extra, _ := ctrl.Concurrency.ComputeWorkerExtraParams.(*batch.ECSExtraParams)
		return batch.NewAWSECS(extra, ctrl.AWSBatchRegion, server, log), server, nil

	default:
		return nil, nil, rioserrors.New(rioserrors.Parameter, "unknown compute worker kind: "+string(ctrl.Concurrency.ComputeWorkerKind))
	}
}

func openOutputs(req Request, wg *grid.PixelGrid) (map[string]OutputHandle, error) {
	handles := make(map[string]OutputHandle)
	for _, item := range req.OutputSpec.Iterate() {
		bands := req.OutputBands[item.Name]
		if bands == 0 {
			bands = 1
		}
		h, err := req.OutputDriver.CreateOutput(item.Name, item.Filename, wg, bands, req.OutputDataType, req.Control.DefaultCreationOptionsByDriver[req.Control.DefaultDriver])
		if err != nil {
			for _, existing := range handles {
				existing.Close()
			}
			return nil, rioserrors.Wrap(rioserrors.FileOpen, "failed to create output "+item.Filename, err, nil)
		}
		handles[item.Name] = h
	}
	return handles, nil
}

// outputAccumulators holds one stats.Accumulator per band of one
// output, plus which of statistics/pyramids were resolved on for it
// (histogram tracking rides along with statistics inside Accumulator
// itself whenever the datatype supports it).
type outputAccumulators struct {
	bandAccs      []*stats.Accumulator
	writeStats    bool
	writePyramids bool
}

func closeOutputs(handles map[string]OutputHandle, accs map[string]*outputAccumulators) error {
	var first error
	for name, h := range handles {
		if sw, ok := h.(StatsWriter); ok {
			if oa, ok := accs[name]; ok {
				for band, acc := range oa.bandAccs {
					if oa.writeStats {
						if f, err := acc.Finalise(); err == nil {
							sw.WriteStatistics(band, f)
						}
					}
					if oa.writePyramids {
						for _, level := range acc.Levels() {
							if data, rows, cols, ok := acc.Overview(level); ok {
								sw.WriteOverview(band, level, data, rows, cols)
							}
						}
					}
				}
			}
		}
		if err := h.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// effectiveMode folds a master on/off switch (CalcStats/AutoOverviews)
// into the finer-grained tri-state mode: disabled always wins.
func effectiveMode(mode stats.Mode, enabled bool) stats.Mode {
	if !enabled {
		return stats.Omit
	}
	return mode
}

// overviewDims returns the ceil-divided sub-sampled dimensions of an
// overview level against the working grid's full extent.
func overviewDims(rows, cols, level int) (int, int) {
	return (rows + level - 1) / level, (cols + level - 1) / level
}

// newAccumulators resolves the single-pass stats/histogram/pyramid
// policy for every output (stats.Resolve) against that output's driver
// capability, and constructs one Accumulator per band for any output
// where at least one of those was resolved on. An output whose handle
// doesn't implement StatsWriter has nowhere to send the result and is
// skipped entirely. A mode explicitly requested as stats.SinglePass
// that the driver cannot support fails the run, per stats.Resolve.
func newAccumulators(req Request, ctrl *config.Control, handles map[string]OutputHandle, wg *grid.PixelGrid) (map[string]*outputAccumulators, error) {
	out := make(map[string]*outputAccumulators)

	statsMode := effectiveMode(ctrl.StatsMode, ctrl.CalcStats)
	histMode := effectiveMode(ctrl.HistogramMode, ctrl.CalcStats)
	pyramidMode := effectiveMode(ctrl.PyramidMode, ctrl.AutoOverviews)

	for _, item := range req.OutputSpec.Iterate() {
		if _, exists := out[item.Name]; exists {
			continue
		}
		sw, ok := handles[item.Name].(StatsWriter)
		if !ok {
			continue
		}

		decisions, err := stats.Resolve(pyramidMode, statsMode, histMode, ctrl.ApproxStats, req.OutputDataType, sw.Capabilities(), ctrl.AggregationNearestOnly)
		if err != nil {
			return nil, rioserrors.Wrap(rioserrors.SinglePassActions, "failed to resolve single-pass policy for output "+item.Name, err, nil)
		}
		if !decisions.Stats && !decisions.Histogram && !decisions.Pyramids {
			continue
		}

		bands := req.OutputBands[item.Name]
		if bands == 0 {
			bands = 1
		}
		hasNull := req.HasNull[item.Name]
		nullValue := req.NullValue[item.Name]
		histMin := stats.HistMin(req.OutputDataType)

		oa := &outputAccumulators{writeStats: decisions.Stats, writePyramids: decisions.Pyramids}
		for b := 0; b < bands; b++ {
			acc := stats.New(req.OutputDataType, hasNull, nullValue, histMin)
			if decisions.Pyramids && wg != nil {
				for _, level := range ctrl.OverviewLevels {
					r, c := overviewDims(wg.Rows, wg.Cols, level)
					acc.AddOverviewLevel(level, r, c)
				}
			}
			oa.bandAccs = append(oa.bandAccs, acc)
		}
		out[item.Name] = oa
	}
	return out, nil
}

// errorPollInterval bounds how long a mid-run worker exception takes
// to interrupt an in-flight PopNextBlock wait.
const errorPollInterval = 200 * time.Millisecond

// consumeOutputBlocks pops every completed output block (in any order —
// the PopNextBlock discipline, matching the indeterminate completion
// order of parallel compute workers) and writes it through the
// matching OutputHandle, feeding the statistics accumulators and the
// progress callback along the way. A background watcher polls mgr's
// exception queue and cancels the pop wait the moment a worker
// exception appears, instead of leaving the loop to block out the full
// pop timeout and mask the real cause behind a timeout error.
func consumeOutputBlocks(ctx context.Context, outBuf *blockbuffer.Buffer, total int, req Request, handles map[string]OutputHandle, accs map[string]*outputAccumulators, ctrl *config.Control, mgr computeworker.Manager) error {
	popCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		ticker := time.NewTicker(errorPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-popCtx.Done():
				return
			case <-ticker.C:
				if len(mgr.Errors()) > 0 {
					cancel()
					return
				}
			}
		}
	}()
	defer func() { cancel(); <-watcherDone }()

	for i := 0; i < total; i++ {
		defn, ba, err := outBuf.PopNextBlock(popCtx, ctrl.Concurrency.PopTimeout)
		if err != nil {
			if errs := mgr.Errors(); len(errs) > 0 {
				return errs[0]
			}
			return err
		}
		for _, name := range ba.Names() {
			arr, err := ba.Get(name, -1)
			if err != nil {
				continue
			}
			h, ok := handles[name]
			if !ok {
				continue
			}
			if err := h.WriteBlock(defn, arr); err != nil {
				return rioserrors.Wrap(rioserrors.FileOpen, "failed to write block to "+name, err, map[string]interface{}{"block": defn})
			}
			if oa, ok := accs[name]; ok {
				plane := arr.Rows * arr.Cols
				for b := 0; b < arr.Bands && b < len(oa.bandAccs); b++ {
					oa.bandAccs[b].UpdateBlock(arr.Data[b*plane:(b+1)*plane], arr.Rows, arr.Cols, defn.Top, defn.Left)
				}
			}
		}
		if ctrl.ProgressFunc != nil {
			ctrl.ProgressFunc(100 * float64(i+1) / float64(total))
		}
	}
	return nil
}

func recordErrors(ctx context.Context, ledger RunLedger, errs []*computeworker.WorkerErrorRecord) {
	if ledger == nil {
		return
	}
	for _, e := range errs {
		ledger.RecordWorkerError(ctx, e)
	}
}

// abortRun shuts the manager down (setting force-exit and aborting the
// start barrier internally) and surfaces the triggering error as the
// single summarising exception; the caller's deferred tempfile cleanup
// still runs on the way out.
func abortRun(ctx context.Context, mgr computeworker.Manager, cause error) error {
	mgr.Shutdown(ctx)
	return cause
}
