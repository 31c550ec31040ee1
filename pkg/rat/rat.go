// Package rat applies a user function across one or more raster
// attribute tables, row-chunk by row-chunk, so that large tables never
// need to be held in memory whole. It mirrors the shape of package
// applier (a State carried through the loop, named associations of
// input/output tables, a user function called once per chunk), but
// works over 1-D row ranges instead of 2-D image blocks, and uses
// package blockbuffer as a write-behind pipeline rather than a
// multi-worker compute buffer: every chunk is still processed in a
// single, deterministic pass, only the column writes for the chunk just
// finished happen concurrently with reading and computing the next one.
package rat

import (
	"context"
	"sync"

	"github.com/rios-go/rios/pkg/assoc"
	"github.com/rios-go/rios/pkg/block"
	"github.com/rios-go/rios/pkg/blockbuffer"
	"github.com/rios-go/rios/pkg/logging"
	"github.com/rios-go/rios/pkg/rioserrors"
)

// Handle names one raster attribute table: a file and a band (layer)
// number within it. The first layer is 1, matching the convention every
// GDAL-backed RAT tool uses; Layer is passed to the Driver as given,
// and a zero Layer is not changed to 1.
type Handle struct {
	Filename string
	Layer    int
}

// Associations maps a symbolic name (e.g. "vegclass", "zone") to the
// Handle it refers to, for both the input and output side of Apply.
type Associations struct {
	names   []string
	handles map[string]Handle
}

func NewAssociations() *Associations {
	return &Associations{handles: make(map[string]Handle)}
}

// Set assigns name to h. Re-setting an existing name keeps its position
// in iteration order.
func (a *Associations) Set(name string, h Handle) {
	if _, exists := a.handles[name]; !exists {
		a.names = append(a.names, name)
	}
	a.handles[name] = h
}

func (a *Associations) Get(name string) (Handle, bool) {
	h, ok := a.handles[name]
	return h, ok
}

// Names returns the declared names in insertion order.
func (a *Associations) Names() []string { return append([]string(nil), a.names...) }

// Driver is the external RAT I/O collaborator: open or close a handle,
// report its row count, and read or write one column at a time over a
// row range. Creating a column on first write (inferring its type from
// the data handed to it) is the driver's responsibility, mirroring GDAL
// RFC40's CreateColumn-on-demand that the original implementation
// falls back to whole-column reads/writes without.
type Driver interface {
	Open(h Handle, forUpdate bool) error
	Close(h Handle) error
	RowCount(h Handle) (int, error)
	ReadColumn(h Handle, column string, start, length int) ([]float64, error)
	WriteColumn(h Handle, column string, startRow int, data []float64) error
}

// State reports where the loop is up to; it is passed to the user
// function on every chunk.
type State struct {
	ChunkNdx        int
	StartRow        int
	ChunkLen        int
	InputRowNumbers []int
	RowCount        int
}

func (s *State) setChunk(i, requestedLen int) {
	s.ChunkNdx = i
	s.StartRow = i * requestedLen
	end := s.StartRow + requestedLen - 1
	if end > s.RowCount-1 {
		end = s.RowCount - 1
	}
	s.ChunkLen = end - s.StartRow + 1
	s.InputRowNumbers = make([]int, s.ChunkLen)
	for j := range s.InputRowNumbers {
		s.InputRowNumbers[j] = s.StartRow + j
	}
}

// Control configures one Apply run: the row-chunk length, and, only
// when the output side has no input RAT to infer a row count from, the
// total row count to generate.
type Control struct {
	ChunkLen int
	RowCount int
}

// DefaultControl matches the original's 100,000-row default chunk.
func DefaultControl() *Control {
	return &Control{ChunkLen: 100000}
}

// Collection holds one Block per declared association name, all sharing
// the run's single State.
type Collection struct {
	order  []string
	blocks map[string]*Block
}

func newCollection(assocs *Associations, state *State, driver Driver) *Collection {
	c := &Collection{blocks: make(map[string]*Block)}
	for _, name := range assocs.Names() {
		h, _ := assocs.Get(name)
		c.order = append(c.order, name)
		c.blocks[name] = newBlock(state, driver, h)
	}
	return c
}

func (c *Collection) Names() []string { return append([]string(nil), c.order...) }

// Block returns the named table's view onto the current chunk, or nil
// if name was never declared on this side of the association.
func (c *Collection) Block(name string) *Block { return c.blocks[name] }

func (c *Collection) clearCaches() {
	for _, b := range c.blocks {
		b.clear()
	}
}

// Block is a single RAT's view onto the current row chunk. Columns read
// from the driver are cached for the life of the chunk, the same as the
// original implementation's per-(column, startrow) cache; columns
// assigned by the user function are staged and flushed to the
// write-behind pipeline once the chunk's user function call returns.
type Block struct {
	state  *State
	driver Driver
	handle Handle

	readCache map[string][]float64

	pendingOrder []string
	pending      map[string][]float64
}

func newBlock(state *State, driver Driver, h Handle) *Block {
	return &Block{
		state:     state,
		driver:    driver,
		handle:    h,
		readCache: make(map[string][]float64),
		pending:   make(map[string][]float64),
	}
}

// Column reads (and caches) the current chunk of the named column.
func (b *Block) Column(name string) ([]float64, error) {
	if v, ok := b.readCache[name]; ok {
		return v, nil
	}
	data, err := b.driver.ReadColumn(b.handle, name, b.state.StartRow, b.state.ChunkLen)
	if err != nil {
		return nil, rioserrors.Wrap(rioserrors.RatColumn, "failed to read column "+name, err,
			map[string]interface{}{"file": b.handle.Filename, "column": name})
	}
	b.readCache[name] = data
	return data, nil
}

// SetColumn stages data to be written for name once the chunk flushes.
// Calling it again for the same name within one chunk replaces the
// staged data.
func (b *Block) SetColumn(name string, data []float64) {
	if _, exists := b.pending[name]; !exists {
		b.pendingOrder = append(b.pendingOrder, name)
	}
	b.pending[name] = data
}

func (b *Block) clear() {
	b.readCache = make(map[string][]float64)
	b.pendingOrder = nil
	b.pending = make(map[string][]float64)
}

// flush validates that every staged column in this chunk has the same
// length and packages them as a BlockAssociations for the write-behind
// buffer. A chunk that staged nothing flushes to an empty association,
// which the writer goroutine simply skips.
func (b *Block) flush() (*assoc.BlockAssociations, error) {
	ba := assoc.NewEmptyBlockAssociations()
	rowsToWrite := -1
	for _, name := range b.pendingOrder {
		data := b.pending[name]
		if rowsToWrite == -1 {
			rowsToWrite = len(data)
		} else if len(data) != rowsToWrite {
			return nil, rioserrors.New(rioserrors.RatBlockLength,
				"data block for column '"+name+"' has inconsistent length")
		}
		ba.Set(name, -1, &assoc.Array{Bands: 1, Rows: 1, Cols: len(data), Data: append([]float64(nil), data...)})
	}
	return ba, nil
}

// UserFunc is called once per row chunk with the chunk's State and the
// input/output Collections. aux carries whatever extra context Apply's
// caller supplied, unchanged across every call.
type UserFunc func(ctx context.Context, state *State, in, out *Collection, aux interface{}) error

// Apply opens every declared table, resolves the row count (from ctrl,
// or else the first input RAT), then calls fn once per chunk of
// ctrl.ChunkLen rows. Each output table's staged writes are pipelined to
// the underlying file through its own write-behind blockbuffer.Buffer,
// so writing chunk i can proceed while fn computes chunk i+1; the user
// function itself is still called strictly in chunk order, since each
// call depends on the accumulated State of the ones before it.
func Apply(ctx context.Context, driver Driver, inRats, outRats *Associations, fn UserFunc, aux interface{}, ctrl *Control, log *logging.Logger) error {
	if ctrl == nil {
		ctrl = DefaultControl()
	}
	if ctrl.ChunkLen <= 0 {
		return rioserrors.New(rioserrors.Parameter, "rat.Control.ChunkLen must be positive")
	}
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	log = log.WithComponent("rat")

	opened, err := openAll(driver, inRats, outRats)
	if err != nil {
		return err
	}
	defer closeAll(driver, opened, log)

	rowCount, err := resolveRowCount(driver, inRats, ctrl)
	if err != nil {
		return err
	}

	state := &State{RowCount: rowCount}
	numChunks := (rowCount + ctrl.ChunkLen - 1) / ctrl.ChunkLen
	if rowCount == 0 {
		numChunks = 0
	}

	pipes, writerWG, writerErrs := startWriters(ctx, outRats, driver, numChunks, log)

	// completedThrough is the index of the last chunk whose output pipes
	// all received their insert; on any failure, every pipe still needs
	// exactly one entry for every index from completedThrough+1 up to
	// numChunks-1 so each writer's fixed-count loop can exit.
	completedThrough := -1
	var firstErr error
chunkLoop:
	for i := 0; i < numChunks; i++ {
		select {
		case <-ctx.Done():
			firstErr = rioserrors.New(rioserrors.ProcessCancelled, "rat.Apply cancelled")
			break chunkLoop
		default:
		}

		state.setChunk(i, ctrl.ChunkLen)
		inColl := newCollection(inRats, state, driver)
		outColl := newCollection(outRats, state, driver)

		if err := fn(ctx, state, inColl, outColl, aux); err != nil {
			firstErr = err
			break chunkLoop
		}

		defn := block.Defn{Top: state.StartRow, Left: 0, Nrows: state.ChunkLen, Ncols: 1}
		inserted := make(map[string]bool, len(outColl.Names()))
		for _, name := range outColl.Names() {
			ba, err := outColl.Block(name).flush()
			if err != nil {
				firstErr = err
				break
			}
			if insertErr := pipes[name].InsertCompleteBlock(ctx, defn, ba, 0); insertErr != nil {
				firstErr = insertErr
				break
			}
			inserted[name] = true
		}
		if firstErr != nil {
			for _, name := range outRats.Names() {
				if !inserted[name] {
					pipes[name].InsertCompleteBlock(ctx, defn, assoc.NewEmptyBlockAssociations(), 0)
				}
			}
			// Chunk i now has exactly one entry per pipe (real or
			// filler); drainRemaining should only cover what follows it.
			completedThrough = i
			break chunkLoop
		}
		completedThrough = i
		inColl.clearCaches()
		outColl.clearCaches()
	}

	if firstErr != nil {
		drainRemaining(ctx, pipes, completedThrough+1, numChunks)
	}

	writerWG.Wait()
	for _, name := range outRats.Names() {
		if err := <-writerErrs[name]; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func resolveRowCount(driver Driver, inRats *Associations, ctrl *Control) (int, error) {
	if ctrl.RowCount > 0 {
		return ctrl.RowCount, nil
	}

	type rowCountOf struct {
		name  string
		count int
	}
	var counts []rowCountOf
	seen := make(map[Handle]int)
	for _, name := range inRats.Names() {
		h, _ := inRats.Get(name)
		if c, ok := seen[h]; ok {
			counts = append(counts, rowCountOf{name, c})
			continue
		}
		c, err := driver.RowCount(h)
		if err != nil {
			return 0, rioserrors.Wrap(rioserrors.FileOpen, "failed to read row count of "+h.Filename, err, nil)
		}
		seen[h] = c
		counts = append(counts, rowCountOf{name, c})
	}

	if len(counts) == 0 {
		return 0, rioserrors.New(rioserrors.Parameter, "rat.Control.RowCount must be set when there are no input RATs")
	}
	for _, c := range counts[1:] {
		if c.count != counts[0].count {
			return 0, rioserrors.New(rioserrors.RatMismatch, "RAT length mismatch among input tables")
		}
	}
	return counts[0].count, nil
}

func openAll(driver Driver, inRats, outRats *Associations) ([]Handle, error) {
	opened := make(map[Handle]struct{})
	var order []Handle

	open := func(h Handle, forUpdate bool) error {
		if _, ok := opened[h]; ok {
			return nil
		}
		if err := driver.Open(h, forUpdate); err != nil {
			return rioserrors.Wrap(rioserrors.FileOpen, "failed to open RAT "+h.Filename, err, nil)
		}
		opened[h] = struct{}{}
		order = append(order, h)
		return nil
	}

	// Outputs first, so an output/input pair sharing one filename opens
	// with update access.
	for _, name := range outRats.Names() {
		h, _ := outRats.Get(name)
		if err := open(h, true); err != nil {
			return order, err
		}
	}
	for _, name := range inRats.Names() {
		h, _ := inRats.Get(name)
		if err := open(h, false); err != nil {
			return order, err
		}
	}
	return order, nil
}

func closeAll(driver Driver, handles []Handle, log *logging.Logger) {
	for _, h := range handles {
		if err := driver.Close(h); err != nil {
			log.Warn("failed to close RAT", map[string]interface{}{"file": h.Filename, "error": err})
		}
	}
}

// startWriters launches one write-behind goroutine per declared output
// table, each draining its own bounded blockbuffer.Buffer.
func startWriters(ctx context.Context, outRats *Associations, driver Driver, numChunks int, log *logging.Logger) (map[string]*blockbuffer.Buffer, *sync.WaitGroup, map[string]chan error) {
	pipes := make(map[string]*blockbuffer.Buffer)
	errs := make(map[string]chan error)
	var wg sync.WaitGroup

	for _, name := range outRats.Names() {
		h, _ := outRats.Get(name)
		buf := blockbuffer.New(2, log)
		pipes[name] = buf
		errCh := make(chan error, 1)
		errs[name] = errCh

		wg.Add(1)
		go func(buf *blockbuffer.Buffer, h Handle) {
			defer wg.Done()
			errCh <- writeLoop(ctx, buf, driver, h, numChunks)
		}(buf, h)
	}
	return pipes, &wg, errs
}

func writeLoop(ctx context.Context, buf *blockbuffer.Buffer, driver Driver, h Handle, numChunks int) error {
	for i := 0; i < numChunks; i++ {
		defn, ba, err := buf.PopNextBlock(ctx, 0)
		if err != nil {
			return err
		}
		for _, name := range ba.Names() {
			arr, err := ba.Get(name, -1)
			if err != nil {
				continue
			}
			if err := driver.WriteColumn(h, name, defn.Top, arr.Data); err != nil {
				return rioserrors.Wrap(rioserrors.RatColumn, "failed to write column "+name, err,
					map[string]interface{}{"file": h.Filename, "column": name})
			}
		}
	}
	return nil
}

// drainRemaining pushes one empty placeholder block, per output pipe,
// for every chunk index in [fromIdx, numChunks): the chunks an early
// abort never reached, so each writer's fixed-count loop can still
// exit. Left is set to a negative, chunk-unique value so these
// placeholder defns never collide with a real chunk's (Top, 0, Nrows, 1)
// key.
func drainRemaining(ctx context.Context, pipes map[string]*blockbuffer.Buffer, fromIdx, numChunks int) {
	for i := fromIdx; i < numChunks; i++ {
		defn := block.Defn{Top: i, Left: -1 - i, Nrows: 0, Ncols: 1}
		for _, buf := range pipes {
			buf.InsertCompleteBlock(ctx, defn, assoc.NewEmptyBlockAssociations(), 0)
		}
	}
}
