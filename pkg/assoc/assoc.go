// Package assoc implements the dynamic, run-time-named attribute
// containers shared by inputs, outputs, and per-block data: a
// FilenameAssociations maps a symbolic name to either a single path or
// an ordered sequence of paths, and a BlockAssociations holds the same
// shape populated with per-block numeric arrays.
package assoc

import (
	"sort"

	"github.com/rios-go/rios/pkg/rioserrors"
)

// Entry is a tagged value: either a single filename or an ordered list
// of filenames, addressed by (name) or (name, seq) respectively.
type Entry struct {
	single bool
	path   string
	paths  []string
}

func Single(path string) Entry { return Entry{single: true, path: path} }
func Seq(paths []string) Entry { return Entry{single: false, paths: append([]string(nil), paths...)} }

func (e Entry) IsSingle() bool { return e.single }
func (e Entry) Path() string   { return e.path }
func (e Entry) Paths() []string {
	return append([]string(nil), e.paths...)
}

// FilenameAssociations maps a symbolic input/output name to an Entry.
// Used for both InputSpec and OutputSpec.
type FilenameAssociations struct {
	names   []string // insertion order, for deterministic iteration
	entries map[string]Entry
}

func NewFilenameAssociations() *FilenameAssociations {
	return &FilenameAssociations{entries: make(map[string]Entry)}
}

// Set assigns name to a single path or list of paths.
func (f *FilenameAssociations) Set(name string, e Entry) {
	if _, exists := f.entries[name]; !exists {
		f.names = append(f.names, name)
	}
	f.entries[name] = e
}

func (f *FilenameAssociations) Get(name string) (Entry, bool) {
	e, ok := f.entries[name]
	return e, ok
}

// Names returns the symbolic names in insertion order.
func (f *FilenameAssociations) Names() []string {
	return append([]string(nil), f.names...)
}

// Item is one (name, seqNum, filename) iteration result. SeqNum is -1
// for a single (non-list) association, matching the "seqNum absent"
// rule; iteration order is stable across calls.
type Item struct {
	Name     string
	SeqNum   int // -1 when the association is a single path
	Filename string
}

// Iterate yields every (symbolicName, seqNum|absent, filename) tuple,
// names in insertion order and, within a list, index order.
func (f *FilenameAssociations) Iterate() []Item {
	var items []Item
	for _, name := range f.names {
		e := f.entries[name]
		if e.single {
			items = append(items, Item{Name: name, SeqNum: -1, Filename: e.path})
			continue
		}
		for i, p := range e.paths {
			items = append(items, Item{Name: name, SeqNum: i, Filename: p})
		}
	}
	return items
}

// Array is a 3-D numeric block array: (bands, rows, cols). The element
// type is carried out-of-band by the raster driver; this package only
// ever moves flat float64 data plus its shape, since the user function's
// numeric kernel operates uniformly regardless of source datatype.
type Array struct {
	Bands, Rows, Cols int
	Data              []float64 // len == Bands*Rows*Cols, band-major
}

func NewArray(bands, rows, cols int) *Array {
	return &Array{Bands: bands, Rows: rows, Cols: cols, Data: make([]float64, bands*rows*cols)}
}

func (a *Array) At(band, row, col int) float64 {
	return a.Data[(band*a.Rows+row)*a.Cols+col]
}

func (a *Array) Set(band, row, col int, v float64) {
	a.Data[(band*a.Rows+row)*a.Cols+col] = v
}

// key addresses a BlockAssociations slot: (name) or (name, seq).
type key struct {
	name string
	seq  int // -1 for a single slot
}

// BlockAssociations is the per-block container with the same shape as a
// FilenameAssociations: one slot per (name[, seq]), each holding an
// *Array once populated. Constructed pre-allocated (empty) from a spec.
type BlockAssociations struct {
	slots      map[key]*Array
	numMissing int
}

// NewBlockAssociations pre-allocates empty slots matching spec's shape.
func NewBlockAssociations(spec *FilenameAssociations) *BlockAssociations {
	ba := &BlockAssociations{slots: make(map[key]*Array)}
	for _, item := range spec.Iterate() {
		ba.slots[key{item.Name, item.SeqNum}] = nil
		ba.numMissing++
	}
	return ba
}

// NewEmptyBlockAssociations constructs a BlockAssociations with no
// pre-declared slots, for callers (e.g. the RAT applier) that populate
// slots without a prior spec.
func NewEmptyBlockAssociations() *BlockAssociations {
	return &BlockAssociations{slots: make(map[key]*Array)}
}

// Set adds or overwrites one leaf. If the slot was previously declared
// and empty, numMissing is decremented (addBlockData semantics); a slot
// not previously declared is simply added (insertCompleteBlock-style
// direct population).
func (ba *BlockAssociations) Set(name string, seq int, arr *Array) {
	k := key{name, seq}
	if existing, declared := ba.slots[k]; declared && existing == nil {
		ba.numMissing--
	}
	ba.slots[k] = arr
}

// Get retrieves a leaf by (name[, seq]); seq -1 addresses a single slot.
func (ba *BlockAssociations) Get(name string, seq int) (*Array, error) {
	k := key{name, seq}
	v, ok := ba.slots[k]
	if !ok {
		return nil, rioserrors.New(rioserrors.KeyMismatch, "no such attribute: "+name)
	}
	if v == nil {
		return nil, rioserrors.New(rioserrors.KeyMismatch, "attribute not yet populated: "+name)
	}
	return v, nil
}

// NumMissing is the number of declared-but-unpopulated slots.
func (ba *BlockAssociations) NumMissing() int { return ba.numMissing }

// Complete reports whether every declared slot has been populated.
func (ba *BlockAssociations) Complete() bool { return ba.numMissing == 0 }

// Names returns the distinct symbolic names present, sorted, for
// deterministic diagnostics and KeysMismatch error messages.
func (ba *BlockAssociations) Names() []string {
	set := make(map[string]struct{})
	for k := range ba.slots {
		set[k.name] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
