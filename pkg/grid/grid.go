// Package grid implements PixelGrid: the geotransform/extent arithmetic
// used to reconcile heterogeneous raster inputs onto one working grid.
package grid

import (
	"math"

	"github.com/rios-go/rios/pkg/rioserrors"
)

// relTolerance is the fixed relative tolerance used for pixel-size
// comparability and alignment checks.
const relTolerance = 1e-6

// Footprint selects how the common region of several grids is derived.
type Footprint int

const (
	Intersection Footprint = iota
	Union
	BoundsFromReference
)

// GeoTransform is the six-float affine transform from pixel/line space
// to world space: origin x, pixel width, row-skew, origin y,
// column-skew, pixel height (signed — height is conventionally negative
// for north-up rasters).
type GeoTransform [6]float64

func (t GeoTransform) OriginX() float64   { return t[0] }
func (t GeoTransform) PixelWidth() float64 { return t[1] }
func (t GeoTransform) RowSkew() float64   { return t[2] }
func (t GeoTransform) OriginY() float64   { return t[3] }
func (t GeoTransform) ColSkew() float64   { return t[4] }
func (t GeoTransform) PixelHeight() float64 { return t[5] }

// PixelGrid is a projected raster's geometry: projection, geotransform,
// and dimensions. Extent and resolution are derived, not stored.
type PixelGrid struct {
	Projection string
	Transform  GeoTransform
	Rows       int
	Cols       int
}

// New validates and constructs a PixelGrid.
func New(projection string, transform GeoTransform, rows, cols int) (*PixelGrid, error) {
	if rows <= 0 || cols <= 0 {
		return nil, rioserrors.New(rioserrors.Parameter, "grid rows and columns must be positive")
	}
	if transform.PixelWidth() == 0 || transform.PixelHeight() == 0 {
		return nil, rioserrors.New(rioserrors.Parameter, "grid pixel width/height must be non-zero")
	}
	return &PixelGrid{Projection: projection, Transform: transform, Rows: rows, Cols: cols}, nil
}

// XRes, YRes return the (unsigned) pixel resolution.
func (g *PixelGrid) XRes() float64 { return math.Abs(g.Transform.PixelWidth()) }
func (g *PixelGrid) YRes() float64 { return math.Abs(g.Transform.PixelHeight()) }

// Extent returns (xMin, yMin, xMax, yMax) derived from the geotransform
// and dimensions. Skew terms are ignored for extent purposes, matching
// the axis-aligned working-grid model the rest of the engine assumes.
func (g *PixelGrid) Extent() (xMin, yMin, xMax, yMax float64) {
	x0 := g.Transform.OriginX()
	y0 := g.Transform.OriginY()
	x1 := x0 + float64(g.Cols)*g.Transform.PixelWidth()
	y1 := y0 + float64(g.Rows)*g.Transform.PixelHeight()
	if x0 < x1 {
		xMin, xMax = x0, x1
	} else {
		xMin, xMax = x1, x0
	}
	if y0 < y1 {
		yMin, yMax = y0, y1
	} else {
		yMin, yMax = y1, y0
	}
	return
}

func closeEnough(a, b, scale float64) bool {
	if scale == 0 {
		scale = 1
	}
	return math.Abs(a-b) <= relTolerance*math.Abs(scale)
}

// Comparable reports whether two grids share a projection and agree on
// pixel size within the fixed relative tolerance.
func (g *PixelGrid) Comparable(other *PixelGrid) bool {
	if g.Projection != other.Projection {
		return false
	}
	return closeEnough(g.XRes(), other.XRes(), g.XRes()) &&
		closeEnough(g.YRes(), other.YRes(), g.YRes())
}

// Aligned reports whether two comparable grids' origins differ by an
// integer multiple of the pixel size, within tolerance. Aligned implies
// Comparable is also checked.
func (g *PixelGrid) Aligned(other *PixelGrid) bool {
	if !g.Comparable(other) {
		return false
	}
	dx := (other.Transform.OriginX() - g.Transform.OriginX()) / g.Transform.PixelWidth()
	dy := (other.Transform.OriginY() - g.Transform.OriginY()) / g.Transform.PixelHeight()
	return closeEnough(dx, math.Round(dx), 1) && closeEnough(dy, math.Round(dy), 1)
}

// snap rounds x to a multiple of step from origin, up (ceiling) when
// roundUp is true and down (floor) otherwise, so that common-region
// edges always land on a reference pixel boundary.
func snap(origin, x, step float64, roundUp bool) float64 {
	n := (x - origin) / step
	if roundUp {
		n = math.Ceil(n - relTolerance)
	} else {
		n = math.Floor(n + relTolerance)
	}
	return origin + n*step
}

// FindCommonRegion computes the common region of grids under footprint,
// using reference as the projection/resolution/origin donor. All edges
// are snapped to the reference grid's origin at the reference
// resolution. Returns a *PixelGrid covering the resulting extent, not
// yet populated with Rows/Cols trimmed to a block list (see package
// block for tiling).
func FindCommonRegion(grids []*PixelGrid, reference *PixelGrid, footprint Footprint) (*PixelGrid, error) {
	if len(grids) == 0 {
		return nil, rioserrors.New(rioserrors.Parameter, "no input grids supplied")
	}

	var xMin, yMin, xMax, yMax float64
	first := true

	for _, g := range grids {
		gx0, gy0, gx1, gy1 := g.Extent()
		if first {
			xMin, yMin, xMax, yMax = gx0, gy0, gx1, gy1
			first = false
			continue
		}
		switch footprint {
		case Intersection, BoundsFromReference:
			xMin = math.Max(xMin, gx0)
			yMin = math.Max(yMin, gy0)
			xMax = math.Min(xMax, gx1)
			yMax = math.Min(yMax, gy1)
		case Union:
			xMin = math.Min(xMin, gx0)
			yMin = math.Min(yMin, gy0)
			xMax = math.Max(xMax, gx1)
			yMax = math.Max(yMax, gy1)
		}
	}

	if footprint == BoundsFromReference {
		xMin, yMin, xMax, yMax = reference.Extent()
	}

	if xMax <= xMin || yMax <= yMin {
		return nil, rioserrors.New(rioserrors.EmptyIntersection, "the common region of the supplied inputs is empty")
	}

	ox, oy := reference.Transform.OriginX(), reference.Transform.OriginY()
	xRes, yRes := reference.XRes(), reference.YRes()

	snappedXMin := snap(ox, xMin, xRes, false)
	snappedXMax := snap(ox, xMax, xRes, true)
	snappedYMin := snap(oy, yMin, yRes, false)
	snappedYMax := snap(oy, yMax, yRes, true)

	cols := int(math.Round((snappedXMax - snappedXMin) / xRes))
	rows := int(math.Round((snappedYMax - snappedYMin) / yRes))

	transform := GeoTransform{snappedXMin, xRes, 0, snappedYMax, 0, -yRes}
	return New(reference.Projection, transform, rows, cols)
}

// ResolveWorkingGrid implements the working-grid derivation algorithm of
// the system design: adopt a supplied reference grid's projection and
// resolution, or — absent one — require every input grid to be mutually
// comparable and aligned and adopt the first; then compute the common
// region by footprint.
func ResolveWorkingGrid(grids []*PixelGrid, reference *PixelGrid, footprint Footprint) (*PixelGrid, error) {
	if len(grids) == 0 {
		return nil, rioserrors.New(rioserrors.Parameter, "no raster inputs to derive a working grid from")
	}

	ref := reference
	if ref == nil {
		ref = grids[0]
		for _, g := range grids[1:] {
			if !ref.Comparable(g) || !ref.Aligned(g) {
				return nil, rioserrors.New(rioserrors.GridMismatch,
					"inputs are not mutually comparable/aligned and no reference grid or resample was supplied (resample needed)")
			}
		}
	}

	return FindCommonRegion(grids, ref, footprint)
}
