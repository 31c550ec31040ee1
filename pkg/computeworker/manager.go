// Package computeworker defines the abstract compute-worker manager
// contract (start/shutdown/outObjects) and the shared inner-loop types
// consumed by its thread, subprocess, and batch realisations.
package computeworker

import (
	"context"
	"time"

	"github.com/rios-go/rios/pkg/assoc"
	"github.com/rios-go/rios/pkg/block"
	"github.com/rios-go/rios/pkg/grid"
	"github.com/rios-go/rios/pkg/rioserrors"
	"github.com/rios-go/rios/pkg/timers"
)

// WorkerErrorRecord is the serialisable form of a worker-side failure,
// carried over the exception queue regardless of worker kind.
type WorkerErrorRecord struct {
	ErrType    string
	Message    string
	Traceback  string
	WorkerKind string // "read" or "compute"
	WorkerID   int
}

func (w *WorkerErrorRecord) Error() string {
	return w.ErrType + " (" + w.WorkerKind + " worker " + itoa(w.WorkerID) + "): " + w.Message
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// RecordFromError packages a Go error (possibly a *rioserrors.RiosError)
// into a WorkerErrorRecord preserving its textual cause chain as a
// traceback-equivalent.
func RecordFromError(err error, kind string, workerID int) *WorkerErrorRecord {
	rec := &WorkerErrorRecord{WorkerKind: kind, WorkerID: workerID}
	if code, ok := rioserrors.CodeOf(err); ok {
		rec.ErrType = code.String()
	} else {
		rec.ErrType = "error"
	}
	rec.Message = err.Error()
	rec.Traceback = err.Error()
	return rec
}

// UserFunc is the per-block kernel invoked by each compute worker. aux
// is the worker-local (deep-copied) auxiliary state, nil if the
// function signature takes no aux argument.
type UserFunc func(info *ReaderInfo, inputs, outputs *assoc.BlockAssociations, aux interface{}) error

// ReaderInfo is the per-block view handed to the user function:
// geometry, indices, projection, and coordinate/null-value helpers.
type ReaderInfo struct {
	Defn         block.Defn
	WorkingGrid  *grid.PixelGrid
	BlockIndex   int
	TotalBlocks  int
	nullValues   map[string]float64
	filenames    map[string]string
}

// NewReaderInfo builds a ReaderInfo for one block.
func NewReaderInfo(defn block.Defn, wg *grid.PixelGrid, blockIndex, totalBlocks int) *ReaderInfo {
	return &ReaderInfo{
		Defn: defn, WorkingGrid: wg, BlockIndex: blockIndex, TotalBlocks: totalBlocks,
		nullValues: make(map[string]float64), filenames: make(map[string]string),
	}
}

// SetNullValue/SetFilename populate the by-name lookups exposed to the
// user function for a given input or output association name.
func (r *ReaderInfo) SetNullValue(name string, v float64) { r.nullValues[name] = v }
func (r *ReaderInfo) SetFilename(name, filename string)    { r.filenames[name] = filename }

func (r *ReaderInfo) NullValue(name string) (float64, bool) { v, ok := r.nullValues[name]; return v, ok }
func (r *ReaderInfo) Filename(name string) (string, bool)   { v, ok := r.filenames[name]; return v, ok }

// PercentComplete returns 100 * (blockIndex+1) / totalBlocks.
func (r *ReaderInfo) PercentComplete() float64 {
	if r.TotalBlocks == 0 {
		return 0
	}
	return 100 * float64(r.BlockIndex+1) / float64(r.TotalBlocks)
}

func (r *ReaderInfo) IsFirstBlock() bool { return r.BlockIndex == 0 }
func (r *ReaderInfo) IsLastBlock() bool  { return r.BlockIndex == r.TotalBlocks-1 }

// WorldBounds returns the top-left and bottom-right world coordinates
// of this block given the working grid's geotransform.
func (r *ReaderInfo) WorldBounds() (tlx, tly, brx, bry float64) {
	t := r.WorkingGrid.Transform
	tlx = t.OriginX() + float64(r.Defn.Left)*t.PixelWidth()
	tly = t.OriginY() + float64(r.Defn.Top)*t.PixelHeight()
	brx = tlx + float64(r.Defn.Ncols)*t.PixelWidth()
	bry = tly + float64(r.Defn.Nrows)*t.PixelHeight()
	return
}

// InitPayload carries everything a worker needs to run the inner loop
// without re-reading the control object from disk: the registered
// function identifier, input/output specs, the working grid, and every
// worker's block sublist (Sublists, indexed by worker id; each worker
// takes its own entry).
type InitPayload struct {
	FuncID      string
	BuildHash   string // workers reject a mismatched build
	InputSpec   *assoc.FilenameAssociations
	OutputSpec  *assoc.FilenameAssociations
	WorkingGrid *grid.PixelGrid
	Overlap     int
	ReadOwnData bool
	Sublists    [][]block.Defn // index == worker id
	AuxTemplate interface{}    // deep-copied per worker before use
}

// JobSpec is what actually crosses the wire to a remote worker: a
// symbolic function identifier plus payload, in place of shipping a
// closure. Workers resolve FuncID against a local registry (or it is
// baked into the worker image) and reject a BuildHash mismatch.
type JobSpec struct {
	WorkerID int
	Payload  *InitPayload
}

// FuncRegistry resolves a symbolic function identifier to a UserFunc.
// Required because user functions cannot be serialised and shipped to
// remote workers; each must be registered (or compiled into the worker
// image) under a stable name.
type FuncRegistry struct {
	funcs map[string]UserFunc
	hash  string
}

func NewFuncRegistry(buildHash string) *FuncRegistry {
	return &FuncRegistry{funcs: make(map[string]UserFunc), hash: buildHash}
}

func (r *FuncRegistry) Register(id string, fn UserFunc) { r.funcs[id] = fn }

func (r *FuncRegistry) Resolve(id, buildHash string) (UserFunc, error) {
	if buildHash != "" && buildHash != r.hash {
		return nil, rioserrors.New(rioserrors.WorkerException, "worker build hash mismatch: refuses to run against a different driver build")
	}
	fn, ok := r.funcs[id]
	if !ok {
		return nil, rioserrors.New(rioserrors.WorkerException, "no user function registered under id "+id)
	}
	return fn, nil
}

// PostRunObject is one item the outbound queue delivers back to the
// driver at shutdown: a worker's merged Timers plus its final auxiliary
// state.
type PostRunObject struct {
	WorkerID  int
	Timers    *timers.Map
	AuxResult interface{}
}

// Manager is the abstract compute-worker manager contract: start N
// workers against a fixed block-list partition, then shut down and
// collect post-run objects and worker exceptions.
type Manager interface {
	// StartWorkers starts numWorkers workers against payload, causing
	// them to meet the start barrier (where applicable) before block
	// processing begins. barrierTimeout bounds the barrier wait.
	StartWorkers(ctx context.Context, numWorkers int, payload *InitPayload, barrierTimeout time.Duration) error

	// Shutdown signals force-exit, waits for all workers to finish, and
	// drains the outbound queue.
	Shutdown(ctx context.Context) ([]PostRunObject, error)

	// Errors returns every WorkerErrorRecord observed so far,
	// non-blocking.
	Errors() []*WorkerErrorRecord
}

// Kind tags a concrete Manager implementation; applier's buildManager
// switches on it to construct one.
type Kind string

const (
	KindThread     Kind = "threads"
	KindSubprocess Kind = "subprocess"
	KindPBS        Kind = "pbs"
	KindSLURM      Kind = "slurm"
	KindAWSBatch   Kind = "awsbatch"
	KindAWSECS     Kind = "awsecs"
)
