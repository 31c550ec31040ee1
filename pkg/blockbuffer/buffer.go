// Package blockbuffer implements BlockBuffer: a bounded, thread-safe map
// from a block.Defn to an assoc.BlockAssociations value, with completion
// events and two pop disciplines (a specific block, or the next one to
// finish). Per the design note on cyclic object graphs, entries are held
// in an arena of value records and referenced by key, never by pointers
// back into the buffer itself.
package blockbuffer

import (
	"context"
	"sync"
	"time"

	"github.com/rios-go/rios/pkg/assoc"
	"github.com/rios-go/rios/pkg/block"
	"github.com/rios-go/rios/pkg/logging"
	"github.com/rios-go/rios/pkg/rioserrors"
)

// record is one arena entry: the block's associations plus a completion
// signal. done is closed exactly once, when numMissing reaches zero or
// the value is inserted already-complete.
type record struct {
	assoc *assoc.BlockAssociations
	done  chan struct{}
}

// Buffer is the bounded block → BlockAssociations map. Capacity is fixed
// at construction (2 × numWorkers per the design) and enforced by a
// counting semaphore so producers block rather than growing the map
// unboundedly.
type Buffer struct {
	mu       sync.Mutex
	records  map[block.Defn]*record
	order    []block.Defn // insertion order, for popNextBlock fairness
	sem      chan struct{}
	log      *logging.Logger
	notifyCh chan struct{} // buffered 1; signalled whenever a record completes
}

// New constructs a Buffer with the given capacity (2 × numWorkers).
func New(capacity int, log *logging.Logger) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &Buffer{
		records:  make(map[block.Defn]*record),
		sem:      make(chan struct{}, capacity),
		log:      log.WithComponent("blockbuffer"),
		notifyCh: make(chan struct{}, 1),
	}
}

// Len reports the number of resident blocks (populated and in-flight).
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func (b *Buffer) acquire(ctx context.Context, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-deadline:
		return rioserrors.NewTimeout("block buffer insert", "blockBufferInsertTimeout", timeout)
	case <-ctx.Done():
		return rioserrors.New(rioserrors.ProcessCancelled, "block buffer insert cancelled")
	}
}

func (b *Buffer) getOrCreate(defn block.Defn, spec *assoc.FilenameAssociations) *record {
	r, ok := b.records[defn]
	if !ok {
		var ba *assoc.BlockAssociations
		if spec != nil {
			ba = assoc.NewBlockAssociations(spec)
		} else {
			ba = assoc.NewEmptyBlockAssociations()
		}
		r = &record{assoc: ba, done: make(chan struct{})}
		b.records[defn] = r
		b.order = append(b.order, defn)
	}
	return r
}

func (b *Buffer) notify() {
	select {
	case b.notifyCh <- struct{}{}:
	default:
	}
}

// AddBlockData adds one leaf for defn, creating the record (against
// spec's shape) on first touch, and decrements its missing-slot count.
// Blocks on the occupancy semaphore if the buffer is at capacity and
// this is a brand-new record; timeout is fatal per the concurrency
// design.
func (b *Buffer) AddBlockData(ctx context.Context, defn block.Defn, spec *assoc.FilenameAssociations, name string, seq int, arr *assoc.Array, timeout time.Duration) error {
	b.mu.Lock()
	_, existed := b.records[defn]
	b.mu.Unlock()

	if !existed {
		if err := b.acquire(ctx, timeout); err != nil {
			return err
		}
	}

	b.mu.Lock()
	if _, now := b.records[defn]; now && !existed {
		// Another producer created this record while we waited for a
		// slot and already holds the record's slot; give ours back.
		<-b.sem
	}
	r := b.getOrCreate(defn, spec)
	r.assoc.Set(name, seq, arr)
	complete := r.assoc.Complete()
	b.mu.Unlock()

	if complete {
		close(r.done)
		b.notify()
	}
	return nil
}

// InsertCompleteBlock inserts an already-complete value for defn,
// transferring ownership to the buffer. The caller (producer)
// relinquishes the value; it must not touch it again.
func (b *Buffer) InsertCompleteBlock(ctx context.Context, defn block.Defn, ba *assoc.BlockAssociations, timeout time.Duration) error {
	if err := b.acquire(ctx, timeout); err != nil {
		return err
	}
	r := &record{assoc: ba, done: make(chan struct{})}
	close(r.done)

	b.mu.Lock()
	b.records[defn] = r
	b.order = append(b.order, defn)
	b.mu.Unlock()

	b.notify()
	return nil
}

// release frees one occupancy slot and forgets the record. Must be
// called exactly once per successfully popped block.
func (b *Buffer) release(defn block.Defn) {
	b.mu.Lock()
	delete(b.records, defn)
	for i, d := range b.order {
		if d == defn {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	<-b.sem
}

// PopCompleteBlock waits for defn's completion event and removes it,
// transferring ownership to the caller.
func (b *Buffer) PopCompleteBlock(ctx context.Context, defn block.Defn, timeout time.Duration) (*assoc.BlockAssociations, error) {
	b.mu.Lock()
	r, ok := b.records[defn]
	// A block none of whose input slots has arrived yet is not resident;
	// poll for it under the same timeout and cancellation as the wait below.
	const poll = 10 * time.Millisecond
	for waited := time.Duration(0); !ok && (timeout <= 0 || waited < timeout) && ctx.Err() == nil; waited += poll {
		b.mu.Unlock()
		time.Sleep(poll)
		b.mu.Lock()
		r, ok = b.records[defn]
	}
	b.mu.Unlock()
	if !ok && ctx.Err() != nil {
		return nil, rioserrors.New(rioserrors.ProcessCancelled, "popCompleteBlock cancelled")
	}
	if !ok {
		return nil, rioserrors.NewTimeout("block buffer pop", "blockBufferPopTimeout", timeout)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-r.done:
	case <-deadline:
		return nil, rioserrors.NewTimeout("block buffer pop", "blockBufferPopTimeout", timeout)
	case <-ctx.Done():
		return nil, rioserrors.New(rioserrors.ProcessCancelled, "popCompleteBlock cancelled")
	}

	b.release(defn)
	return r.assoc, nil
}

// PopNextBlock waits for any completed block and removes it, returning
// the Defn it popped along with its value. Used by the subprocess/batch
// compute-worker managers, where completion order is indeterminate.
func (b *Buffer) PopNextBlock(ctx context.Context, timeout time.Duration) (block.Defn, *assoc.BlockAssociations, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		b.mu.Lock()
		for _, d := range b.order {
			r := b.records[d]
			select {
			case <-r.done:
				b.mu.Unlock()
				b.release(d)
				return d, r.assoc, nil
			default:
			}
		}
		b.mu.Unlock()

		select {
		case <-b.notifyCh:
			continue
		case <-deadline:
			return block.Defn{}, nil, rioserrors.NewTimeout("block buffer pop", "blockBufferPopTimeout", timeout)
		case <-ctx.Done():
			return block.Defn{}, nil, rioserrors.New(rioserrors.ProcessCancelled, "popNextBlock cancelled")
		}
	}
}
