package tempfile

import (
	"strconv"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/rios-go/rios/pkg/logging"
)

// Rasteriser is the external collaborator that burns a vector input
// into a raster (concrete implementations — GDAL/OGR-style burning,
// attribute-driven burning, SQL-filtered layers — are out of scope;
// only the interface and the memoisation around it belong to this
// engine).
type Rasteriser interface {
	Rasterise(vectorPath string, options RasteriseOptions, outputPath string) error
}

// RasteriseOptions mirrors the vector-options control surface: burn
// value or attribute, null value, SQL filter, all-touched flag,
// datatype, layer, layer-selection.
type RasteriseOptions struct {
	BurnValue    *float64
	BurnAttr     string
	NullValue    *float64
	SQLFilter    string
	AllTouched   bool
	DataType     string
	Layer        string
	LayerNumber  int
}

// key identifies a memoisation bucket: one (vector file, options) pair.
// Options are reduced to a string so the map key stays comparable.
type rasterKey struct {
	path string
	opts string
}

func (o RasteriseOptions) encode() string {
	burn := "nil"
	if o.BurnValue != nil {
		burn = strconv.FormatFloat(*o.BurnValue, 'g', -1, 64)
	}
	null := "nil"
	if o.NullValue != nil {
		null = strconv.FormatFloat(*o.NullValue, 'g', -1, 64)
	}
	return burn + "|" + o.BurnAttr + "|" + null + "|" + o.SQLFilter + "|" +
		boolStr(o.AllTouched) + "|" + o.DataType + "|" + o.Layer + "|" + strconv.Itoa(o.LayerNumber)
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// RasterisationMgr memoises one-shot vector rasterisation per (vector
// file, options): only one worker ever rasterises a given vector, the
// rest wait on its per-key lock and receive the cached output path.
//
// A Bloom filter sits in front of the authoritative map: a miss against
// the filter means "definitely never rasterised", so the cached-result
// lookup is skipped and the caller goes straight to the per-key lock,
// the common case when no worker has touched this vector before. A
// filter hit first checks the mutex-guarded map, which is
// authoritative and handles the false-positive case.
type RasterisationMgr struct {
	mu       sync.Mutex
	seen     *bloom.BloomFilter
	results  map[rasterKey]string
	locks    map[rasterKey]*sync.Mutex
	rast     Rasteriser
	tempMgr  *Manager
	log      *logging.Logger
}

// NewRasterisationMgr constructs a manager backed by rast for actual
// burning and tempMgr for scratch output paths.
func NewRasterisationMgr(rast Rasteriser, tempMgr *Manager, log *logging.Logger) *RasterisationMgr {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &RasterisationMgr{
		seen:    bloom.NewWithEstimates(10000, 0.01),
		results: make(map[rasterKey]string),
		locks:   make(map[rasterKey]*sync.Mutex),
		rast:    rast,
		tempMgr: tempMgr,
		log:     log.WithComponent("rasterisation"),
	}
}

func (m *RasterisationMgr) keyBytes(k rasterKey) []byte {
	return []byte(k.path + "\x00" + k.opts)
}

func (m *RasterisationMgr) lockFor(k rasterKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	return l
}

// Rasterise returns the cached raster path for (vectorPath, opts),
// rasterising it on first use. Safe for concurrent callers across
// multiple read/compute workers.
func (m *RasterisationMgr) Rasterise(vectorPath string, opts RasteriseOptions) (string, error) {
	k := rasterKey{path: vectorPath, opts: opts.encode()}
	kb := m.keyBytes(k)

	m.mu.Lock()
	maybeSeen := m.seen.Test(kb)
	m.mu.Unlock()

	if maybeSeen {
		m.mu.Lock()
		if path, ok := m.results[k]; ok {
			m.mu.Unlock()
			return path, nil
		}
		m.mu.Unlock()
		// Bloom false positive: fall through to the locked path below.
	}

	lock := m.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if path, ok := m.results[k]; ok {
		m.mu.Unlock()
		return path, nil
	}
	m.mu.Unlock()

	outPath := m.tempMgr.Allocate("rasterised", ".tif")
	m.log.Debug("rasterising vector", map[string]interface{}{"vector": vectorPath, "out": outPath})
	if err := m.rast.Rasterise(vectorPath, opts, outPath); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.results[k] = outPath
	m.seen.Add(kb)
	m.mu.Unlock()

	return outPath, nil
}
