// Package stats implements the single-pass statistics, histogram, and
// pyramid-overview accumulator fed by the driver as output blocks are
// written, one instance per band per output.
package stats

import (
	"math"
	"sort"

	"github.com/rios-go/rios/pkg/rioserrors"
)

// DataType names the element type of an output band, which determines
// histogram bin count and eligibility for single-pass operation.
type DataType int

const (
	Byte DataType = iota
	Int16
	UInt16
	Wider // int32/uint32/float32/float64 and similar: histogram disabled
)

func histBinCount(dt DataType) (bins int, ok bool) {
	switch dt {
	case Byte:
		return 256, true
	case Int16, UInt16:
		return 65536, true
	default:
		return 0, false
	}
}

// HistMin returns the lower histogram bound for dt: the data type's
// minimum representable value for the datatypes histBinCount supports,
// 0 for anything wider (histogram disabled, the value is unused).
func HistMin(dt DataType) int {
	switch dt {
	case Int16:
		return -32768
	default:
		return 0
	}
}

// ColourTableMode selects the auto-colour-table generation style.
type ColourTableMode int

const (
	ColourTableNone ColourTableMode = iota
	ColourTableGreyscale
	ColourTablePseudocolor
)

// Accumulator holds the running statistics, histogram, and pyramid
// sub-sampling buffers for a single band of a single output.
type Accumulator struct {
	dataType DataType

	min, max   float64
	sum, ssq   float64
	count      int64
	haveValue  bool

	hasNull    bool
	nullValue  float64
	histNullval float64 // sentinel substituted for a missing null

	histMin   int
	histBins  []int64
	histOK    bool

	pyramids map[int]*overview // level -> overview accumulator
}

// overview is the sub-sampled pyramid buffer for one level.
type overview struct {
	level      int
	rows, cols int
	data       []float64
	written    []bool
}

func newOverview(level, rows, cols int) *overview {
	n := rows * cols
	return &overview{level: level, rows: rows, cols: cols, data: make([]float64, n), written: make([]bool, n)}
}

// New constructs an Accumulator for a band of the given data type and
// null-value configuration. histMin is the lower histogram bound (the
// data type's minimum representable value, e.g. -128 for signed byte).
func New(dt DataType, hasNull bool, nullValue float64, histMin int) *Accumulator {
	a := &Accumulator{
		dataType:  dt,
		hasNull:   hasNull,
		nullValue: nullValue,
		histMin:   histMin,
		pyramids:  make(map[int]*overview),
	}
	if hasNull {
		a.histNullval = impossibleSentinel(nullValue)
	}
	bins, ok := histBinCount(dt)
	a.histOK = ok
	if ok {
		a.histBins = make([]int64, bins)
	}
	return a
}

// impossibleSentinel picks a value guaranteed not to collide with a
// real null, for the rare case where the null itself equals a
// legitimate in-range histogram edge; offsetting by more than any
// single-pass-eligible datatype's range is sufficient here.
func impossibleSentinel(nullValue float64) float64 {
	return nullValue + 1e9
}

// AddOverviewLevel registers a pyramid level of the given overview
// dimensions, clipped extent already resolved by the caller.
func (a *Accumulator) AddOverviewLevel(level, rows, cols int) {
	a.pyramids[level] = newOverview(level, rows, cols)
}

// UpdateBlock feeds one block's worth of samples (row-major, length
// rows*cols) at block offset (rowOff, colOff) in working-grid pixel
// space into stats, histogram, and every registered pyramid level.
func (a *Accumulator) UpdateBlock(samples []float64, rows, cols, rowOff, colOff int) {
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := samples[r*cols+c]
			a.updateStats(v)
			a.updateHistogram(v)
		}
	}
	for _, ov := range a.pyramids {
		a.updatePyramid(ov, samples, rows, cols, rowOff, colOff)
	}
}

func (a *Accumulator) isNull(v float64) bool {
	return a.hasNull && v == a.nullValue
}

func (a *Accumulator) updateStats(v float64) {
	if a.isNull(v) {
		return
	}
	if !a.haveValue {
		a.min, a.max = v, v
		a.haveValue = true
	} else {
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}
	a.sum += v
	a.ssq += v * v
	a.count++
}

func (a *Accumulator) updateHistogram(v float64) {
	if !a.histOK {
		return
	}
	if a.isNull(v) {
		return
	}
	idx := int(v) - a.histMin
	if idx < 0 || idx >= len(a.histBins) {
		return
	}
	a.histBins[idx]++
}

// updatePyramid writes the sub-sampled sub-array arr[L/2::L, L/2::L]
// for this block into ov at offset (rowOff/L, colOff/L), clipped to the
// overview's extent.
func (a *Accumulator) updatePyramid(ov *overview, samples []float64, rows, cols, rowOff, colOff int) {
	L := ov.level
	half := L / 2
	oRowBase := rowOff / L
	oColBase := colOff / L

	for r := half; r < rows; r += L {
		oRow := oRowBase + (r-half)/L
		if oRow < 0 || oRow >= ov.rows {
			continue
		}
		for c := half; c < cols; c += L {
			oCol := oColBase + (c-half)/L
			if oCol < 0 || oCol >= ov.cols {
				continue
			}
			idx := oRow*ov.cols + oCol
			ov.data[idx] = samples[r*cols+c]
			ov.written[idx] = true
		}
	}
}

// Overview returns the finished sub-sampled data for level.
func (a *Accumulator) Overview(level int) ([]float64, int, int, bool) {
	ov, ok := a.pyramids[level]
	if !ok {
		return nil, 0, 0, false
	}
	return ov.data, ov.rows, ov.cols, true
}

// Levels returns every overview level registered via AddOverviewLevel,
// ascending.
func (a *Accumulator) Levels() []int {
	levels := make([]int, 0, len(a.pyramids))
	for l := range a.pyramids {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	return levels
}

// Finalised holds the computed summary for a band.
type Finalised struct {
	Min, Max, Mean, StdDev float64
	Count                  int64
	HistMin, HistMax       int // narrowed to first/last non-zero bin
	Mode, Median           int
	Histogram              []int64
}

// Finalise computes mean/stddev and, if a histogram was kept, narrows
// its limits to the first and last non-zero bins and derives mode
// (argmax) and median (first bin at which cumulative count >= half the
// total).
func (a *Accumulator) Finalise() (*Finalised, error) {
	if !a.haveValue {
		return nil, rioserrors.New(rioserrors.Parameter, "no valid samples accumulated for this band")
	}
	mean := a.sum / float64(a.count)
	variance := a.ssq/float64(a.count) - mean*mean
	if variance < 0 {
		variance = 0
	}
	f := &Finalised{
		Min: a.min, Max: a.max, Mean: mean,
		StdDev: math.Sqrt(variance), Count: a.count,
	}

	if a.histOK {
		first, last := -1, -1
		var total int64
		for i, c := range a.histBins {
			if c > 0 {
				if first == -1 {
					first = i
				}
				last = i
				total += c
			}
		}
		if first == -1 {
			first, last = 0, 0
		}
		f.HistMin = a.histMin + first
		f.HistMax = a.histMin + last
		f.Histogram = append([]int64(nil), a.histBins[first:last+1]...)

		var best, bestIdx int64 = -1, 0
		var cum int64
		medianIdx := -1
		for i, c := range a.histBins[first : last+1] {
			if c > best {
				best = c
				bestIdx = i
			}
			cum += c
			if medianIdx == -1 && cum*2 >= total {
				medianIdx = i
			}
		}
		if medianIdx == -1 {
			medianIdx = 0
		}
		f.Mode = a.histMin + first + bestIdx
		f.Median = a.histMin + first + medianIdx
	}

	return f, nil
}
