package rat

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDriver is an in-memory Driver for exercising Apply without a real
// raster-attribute-table backend: each Handle maps to a set of named
// float64 columns, all of the same length.
type memDriver struct {
	mu      sync.Mutex
	tables  map[Handle]map[string][]float64
	opened  map[Handle]bool
	openErr map[Handle]error
}

func newMemDriver() *memDriver {
	return &memDriver{
		tables:  make(map[Handle]map[string][]float64),
		opened:  make(map[Handle]bool),
		openErr: make(map[Handle]error),
	}
}

func (d *memDriver) seed(h Handle, column string, data []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tables[h] == nil {
		d.tables[h] = make(map[string][]float64)
	}
	d.tables[h][column] = data
}

func (d *memDriver) Open(h Handle, forUpdate bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.openErr[h]; err != nil {
		return err
	}
	if d.tables[h] == nil {
		d.tables[h] = make(map[string][]float64)
	}
	d.opened[h] = true
	return nil
}

func (d *memDriver) Close(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened[h] = false
	return nil
}

func (d *memDriver) RowCount(h Handle) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, col := range d.tables[h] {
		return len(col), nil
	}
	return 0, nil
}

func (d *memDriver) ReadColumn(h Handle, column string, start, length int) ([]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	col := d.tables[h][column]
	end := start + length
	if end > len(col) {
		end = len(col)
	}
	return append([]float64(nil), col[start:end]...), nil
}

func (d *memDriver) WriteColumn(h Handle, column string, startRow int, data []float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	col := d.tables[h][column]
	needed := startRow + len(data)
	if needed > len(col) {
		grown := make([]float64, needed)
		copy(grown, col)
		col = grown
	}
	copy(col[startRow:], data)
	d.tables[h][column] = col
	return nil
}

func (d *memDriver) column(h Handle, name string) []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.tables[h][name]...)
}

func TestApplySumsTwoColumnsAcrossChunks(t *testing.T) {
	driver := newMemDriver()
	in := Handle{Filename: "veg.kea"}
	out := Handle{Filename: "veg.kea"} // same file, written back in place

	rowCount := 250
	col1 := make([]float64, rowCount)
	col2 := make([]float64, rowCount)
	for i := range col1 {
		col1[i] = float64(i)
		col2[i] = float64(i * 2)
	}
	driver.seed(in, "col1", col1)
	driver.seed(in, "col2", col2)

	inRats := NewAssociations()
	inRats.Set("veg", in)
	outRats := NewAssociations()
	outRats.Set("veg", out)

	ctrl := &Control{ChunkLen: 100}

	fn := func(ctx context.Context, state *State, inColl, outColl *Collection, aux interface{}) error {
		c1, err := inColl.Block("veg").Column("col1")
		require.NoError(t, err)
		c2, err := inColl.Block("veg").Column("col2")
		require.NoError(t, err)

		sum := make([]float64, len(c1))
		for i := range c1 {
			sum[i] = c1[i] + c2[i]
		}
		outColl.Block("veg").SetColumn("colSum", sum)
		return nil
	}

	err := Apply(context.Background(), driver, inRats, outRats, fn, nil, ctrl, nil)
	require.NoError(t, err)

	got := driver.column(out, "colSum")
	require.Len(t, got, rowCount)
	for i := range got {
		assert.Equal(t, col1[i]+col2[i], got[i])
	}
}

func TestApplyDetectsRowCountMismatch(t *testing.T) {
	driver := newMemDriver()
	a := Handle{Filename: "a.kea"}
	b := Handle{Filename: "b.kea"}
	driver.seed(a, "col1", make([]float64, 100))
	driver.seed(b, "col1", make([]float64, 50))

	inRats := NewAssociations()
	inRats.Set("a", a)
	inRats.Set("b", b)
	outRats := NewAssociations()

	err := Apply(context.Background(), driver, inRats, outRats, func(ctx context.Context, state *State, in, out *Collection, aux interface{}) error {
		return nil
	}, nil, DefaultControl(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "RAT length mismatch")
}

func TestApplyRequiresRowCountWithNoInputs(t *testing.T) {
	driver := newMemDriver()
	inRats := NewAssociations()
	outRats := NewAssociations()
	outRats.Set("veg", Handle{Filename: "out.kea"})

	err := Apply(context.Background(), driver, inRats, outRats, func(ctx context.Context, state *State, in, out *Collection, aux interface{}) error {
		return nil
	}, nil, DefaultControl(), nil)

	require.Error(t, err)
}

func TestApplyStopsOnBlockLengthMismatch(t *testing.T) {
	driver := newMemDriver()
	out := Handle{Filename: "out.kea"}
	outRats := NewAssociations()
	outRats.Set("veg", out)
	inRats := NewAssociations()

	ctrl := &Control{ChunkLen: 10, RowCount: 10}
	fn := func(ctx context.Context, state *State, in, out2 *Collection, aux interface{}) error {
		out2.Block("veg").SetColumn("a", make([]float64, 10))
		out2.Block("veg").SetColumn("b", make([]float64, 5))
		return nil
	}

	err := Apply(context.Background(), driver, inRats, outRats, fn, nil, ctrl, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inconsistent length")
}

func TestApplyPropagatesUserFuncError(t *testing.T) {
	driver := newMemDriver()
	in := Handle{Filename: "veg.kea"}
	driver.seed(in, "col1", make([]float64, 320))

	inRats := NewAssociations()
	inRats.Set("veg", in)
	outRats := NewAssociations()
	outRats.Set("veg", Handle{Filename: "veg.kea"})

	boom := assert.AnError
	fn := func(ctx context.Context, state *State, in, out *Collection, aux interface{}) error {
		if state.ChunkNdx == 1 {
			return boom
		}
		out.Block("veg").SetColumn("passthrough", make([]float64, state.ChunkLen))
		return nil
	}

	err := Apply(context.Background(), driver, inRats, outRats, fn, nil, &Control{ChunkLen: 100}, nil)
	require.ErrorIs(t, err, boom)
}

func TestStateSetChunkTruncatesFinalChunk(t *testing.T) {
	s := &State{RowCount: 25}
	s.setChunk(2, 10)
	assert.Equal(t, 20, s.StartRow)
	assert.Equal(t, 5, s.ChunkLen)
	assert.Equal(t, []int{20, 21, 22, 23, 24}, s.InputRowNumbers)
}
