package computeworker

import (
	"context"
	"time"

	"github.com/rios-go/rios/pkg/assoc"
	"github.com/rios-go/rios/pkg/block"
	"github.com/rios-go/rios/pkg/blockbuffer"
	"github.com/rios-go/rios/pkg/grid"
	"github.com/rios-go/rios/pkg/logging"
	"github.com/rios-go/rios/pkg/rioserrors"
	"github.com/rios-go/rios/pkg/timers"
)

// BlockSource abstracts how a compute worker obtains one block's
// populated inputs: the thread manager pops a specific block (strict
// order), the subprocess/batch managers pop whichever block finished
// next (indeterminate order), and a worker with ReadOwnData reads
// directly from its own driver handles.
type BlockSource interface {
	// Next returns the next block this worker should process. For
	// PopCompleteBlock-style sources, defns is consumed in order; for
	// PopNextBlock-style sources, defns is ignored and any resident
	// block may be returned.
	Next(ctx context.Context, defns []block.Defn, idx int) (block.Defn, *assoc.BlockAssociations, error)
}

// poppedInOrder drains a specific input BlockBuffer in the worker's own
// sublist order — the thread-manager discipline.
type poppedInOrder struct {
	buf     *blockbuffer.Buffer
	timeout time.Duration
}

func (s *poppedInOrder) Next(ctx context.Context, defns []block.Defn, idx int) (block.Defn, *assoc.BlockAssociations, error) {
	d := defns[idx]
	ba, err := s.buf.PopCompleteBlock(ctx, d, s.timeout)
	return d, ba, err
}

// poppedNext drains whichever block in the input buffer finishes next —
// the subprocess/batch-manager discipline.
type poppedNext struct {
	buf     *blockbuffer.Buffer
	timeout time.Duration
}

func (s *poppedNext) Next(ctx context.Context, defns []block.Defn, idx int) (block.Defn, *assoc.BlockAssociations, error) {
	return s.buf.PopNextBlock(ctx, s.timeout)
}

// NewInOrderSource builds a BlockSource for the thread manager.
func NewInOrderSource(buf *blockbuffer.Buffer, timeout time.Duration) BlockSource {
	return &poppedInOrder{buf: buf, timeout: timeout}
}

// NewAnyOrderSource builds a BlockSource for subprocess/batch managers.
func NewAnyOrderSource(buf *blockbuffer.Buffer, timeout time.Duration) BlockSource {
	return &poppedNext{buf: buf, timeout: timeout}
}

// OwnReader lets a compute worker read its own input data directly,
// bypassing the input BlockBuffer entirely (the ReadOwnData path).
type OwnReader interface {
	ReadBlock(defn block.Defn, spec *assoc.FilenameAssociations) (*assoc.BlockAssociations, error)
}

// Loop is the compute worker's inner loop (design §4.5), shared by
// every manager kind. It is intentionally free of manager-specific
// transport concerns: callers wire a BlockSource (or OwnReader), an
// output sink, and a force-exit channel.
type Loop struct {
	WorkerID    int
	Sublist     []block.Defn
	Source      BlockSource // nil if ReadOwnData
	OwnReader   OwnReader   // non-nil if ReadOwnData
	InputSpec   *assoc.FilenameAssociations
	OutputSpec  *assoc.FilenameAssociations
	OutputBuf   *blockbuffer.Buffer
	InsertTO    time.Duration
	Fn          UserFunc
	Aux         interface{}
	WorkingGrid *grid.PixelGrid
	TotalBlocks int
	Log         *logging.Logger

	// Timers accumulates per-call "userfunc" intervals, mirroring what
	// RunRemoteWorker reports in its PostRunObject. Run initialises it
	// if left nil.
	Timers *timers.Map
}

// Run executes the inner loop, returning the worker's accumulated
// error, if any. It always returns after ForceExit closes or the
// sublist is exhausted.
func (l *Loop) Run(ctx context.Context, forceExit <-chan struct{}) error {
	log := l.Log
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	wlog := log.WithWorker("compute", l.WorkerID)
	if l.Timers == nil {
		l.Timers = timers.New()
	}

	for idx, defn := range l.Sublist {
		select {
		case <-forceExit:
			return nil
		default:
		}

		var inputs *assoc.BlockAssociations
		var err error
		if l.OwnReader != nil {
			inputs, err = l.OwnReader.ReadBlock(defn, l.InputSpec)
		} else {
			_, inputs, err = l.Source.Next(ctx, l.Sublist, idx)
		}
		if err != nil {
			return err
		}

		info := NewReaderInfo(defn, l.WorkingGrid, blockGlobalIndex(defn, l.WorkingGrid), l.TotalBlocks)

		outputs := assoc.NewBlockAssociations(l.OutputSpec)
		fnStart := time.Now()
		fnErr := l.Fn(info, inputs, outputs, l.Aux)
		l.Timers.Add("userfunc", float64(fnStart.Unix()), float64(time.Now().Unix()))
		if fnErr != nil {
			return rioserrors.Wrap(rioserrors.WorkerException, "user function failed", fnErr, map[string]interface{}{
				"block": defn,
			})
		}
		if !outputs.Complete() {
			return rioserrors.New(rioserrors.KeyMismatch, "user function did not populate every declared output attribute")
		}

		if err := l.OutputBuf.InsertCompleteBlock(ctx, defn, outputs, l.InsertTO); err != nil {
			return err
		}

		select {
		case <-forceExit:
			wlog.Info("force-exit observed after block")
			return nil
		default:
		}
	}
	return nil
}

// blockGlobalIndex derives a stable 0-based index for percent-complete
// reporting from a block's row-major tiling position.
func blockGlobalIndex(defn block.Defn, wg *grid.PixelGrid) int {
	if wg == nil {
		return 0
	}
	return defn.Top*wg.Cols + defn.Left
}
