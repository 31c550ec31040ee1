// Package block implements BlockDefn and deterministic row-major tiling
// of a working grid into a BlockList.
package block

import (
	"github.com/rios-go/rios/pkg/grid"
	"github.com/rios-go/rios/pkg/rioserrors"
)

// Defn is an immutable block coordinate, relative to the working grid.
// Totally ordered by (Top, Left, Nrows, Ncols).
type Defn struct {
	Top   int
	Left  int
	Nrows int
	Ncols int
}

// Less implements the total order used as a map key and sequence order.
func (d Defn) Less(o Defn) bool {
	if d.Top != o.Top {
		return d.Top < o.Top
	}
	if d.Left != o.Left {
		return d.Left < o.Left
	}
	if d.Nrows != o.Nrows {
		return d.Nrows < o.Nrows
	}
	return d.Ncols < o.Ncols
}

// List is a deterministic, ordered sequence of block definitions.
type List []Defn

// Tile generates the block list for workingGrid in row-major order,
// truncating edge blocks to fit. Given the same (workingGrid, blockWidth,
// blockHeight), Tile always returns the same list — the tiling carries
// no hidden state.
func Tile(wg *grid.PixelGrid, blockWidth, blockHeight int) (List, error) {
	if blockWidth <= 0 || blockHeight <= 0 {
		return nil, rioserrors.New(rioserrors.Parameter, "block width and height must be positive")
	}

	var list List
	for top := 0; top < wg.Rows; top += blockHeight {
		nrows := blockHeight
		if top+nrows > wg.Rows {
			nrows = wg.Rows - top
		}
		for left := 0; left < wg.Cols; left += blockWidth {
			ncols := blockWidth
			if left+ncols > wg.Cols {
				ncols = wg.Cols - left
			}
			list = append(list, Defn{Top: top, Left: left, Nrows: nrows, Ncols: ncols})
		}
	}
	return list, nil
}

// Partition splits list into numWorkers sublists by modular stride:
// worker i receives blocks at indices i, i+N, i+2N, .... This spreads
// each worker's write set uniformly across the raster and keeps worker
// write sets disjoint.
func Partition(list List, numWorkers int) []List {
	if numWorkers <= 0 {
		return []List{list}
	}
	parts := make([]List, numWorkers)
	for i, d := range list {
		w := i % numWorkers
		parts[w] = append(parts[w], d)
	}
	return parts
}
