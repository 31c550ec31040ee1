package stats

import "github.com/rios-go/rios/pkg/rioserrors"

// Mode is the tri-state control for statistics/histogram/pyramids.
type Mode int

const (
	SinglePass Mode = iota
	Driver
	Omit
)

// DriverCapability describes what the concrete raster driver in use
// supports, resolved once per output at the first write and then held
// fixed for the remainder of the run.
type DriverCapability struct {
	SupportsOverviewProtocol  bool
	SupportsHistogramFacility bool
	HighPerfHistogramLoop     bool
}

// Decisions are the three independent booleans derived once per output.
type Decisions struct {
	Pyramids  bool
	Stats     bool
	Histogram bool
}

// Resolve derives Decisions from the requested modes, driver
// capability, datatype, and the approximate-stats flag. If a mode is
// explicitly SinglePass but a prerequisite is missing, Resolve fails
// with SinglePassActions rather than silently falling back, histogram
// included. Only in Driver mode does an unavailable single-pass
// histogram resolve to false, leaving it to the driver's own post-pass.
func Resolve(pyramidMode, statsMode, histMode Mode, approxStats bool, dt DataType, cap DriverCapability, aggregationNearestOnly bool) (Decisions, error) {
	var d Decisions

	switch pyramidMode {
	case Omit:
		d.Pyramids = false
	case SinglePass:
		if !cap.SupportsOverviewProtocol {
			return d, rioserrors.New(rioserrors.SinglePassActions, "single-pass pyramids requested but driver does not support the overview protocol")
		}
		if !aggregationNearestOnly {
			return d, rioserrors.New(rioserrors.SinglePassActions, "single-pass pyramids requested with a non-nearest aggregation type")
		}
		d.Pyramids = true
	case Driver:
		d.Pyramids = cap.SupportsOverviewProtocol
	}

	switch statsMode {
	case Omit:
		d.Stats = false
	case SinglePass:
		if approxStats {
			return d, rioserrors.New(rioserrors.SinglePassActions, "single-pass stats requested together with approximate-stats")
		}
		d.Stats = true
	case Driver:
		d.Stats = !approxStats
	}

	switch histMode {
	case Omit:
		d.Histogram = false
	case SinglePass:
		_, binsOK := histBinCount(dt)
		if !binsOK || !cap.HighPerfHistogramLoop {
			return d, rioserrors.New(rioserrors.SinglePassActions, "single-pass histogram requested but datatype or inner loop is unavailable")
		}
		d.Histogram = true
	case Driver:
		_, binsOK := histBinCount(dt)
		d.Histogram = binsOK && cap.HighPerfHistogramLoop
		// Falls back to a post-pass using the driver's histogram
		// facility when unavailable; that post-pass is implemented by
		// the raster driver, not this package.
	}

	return d, nil
}
