package tempfile

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesScratchDirUnderBaseDir(t *testing.T) {
	base := t.TempDir()
	m, err := New(base, nil)
	require.NoError(t, err)
	defer m.Cleanup()

	info, err := os.Stat(m.Root())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, base, filepath.Dir(m.Root()))
}

func TestNewFallsBackToOSTempDirWhenBaseDirEmpty(t *testing.T) {
	m, err := New("", nil)
	require.NoError(t, err)
	defer m.Cleanup()
	assert.Equal(t, os.TempDir(), filepath.Dir(m.Root()))
}

func TestAllocateProducesUniqueSequentialNames(t *testing.T) {
	m, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer m.Cleanup()

	a := m.Allocate("rasterised", ".tif")
	b := m.Allocate("rasterised", ".tif")
	assert.NotEqual(t, a, b)
	assert.Equal(t, m.Root(), filepath.Dir(a))
	assert.Contains(t, a, "-0001.tif")
	assert.Contains(t, b, "-0002.tif")
}

func TestAllocateIsSafeForConcurrentCallers(t *testing.T) {
	m, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer m.Cleanup()

	seen := sync.Map{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen.Store(m.Allocate("p", ".tmp"), true)
		}()
	}
	wg.Wait()

	count := 0
	seen.Range(func(_, _ interface{}) bool { count++; return true })
	assert.Equal(t, 50, count)
}

func TestCleanupRemovesScratchDirectory(t *testing.T) {
	m, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	root := m.Root()
	require.NoError(t, m.Cleanup())

	_, err = os.Stat(root)
	assert.True(t, os.IsNotExist(err))
}

// fakeRasteriser records every Rasterise call so tests can assert the
// memoisation layer only invokes it once per distinct (path, options) key.
type fakeRasteriser struct {
	calls int32
	fail  bool
}

func (r *fakeRasteriser) Rasterise(vectorPath string, options RasteriseOptions, outputPath string) error {
	atomic.AddInt32(&r.calls, 1)
	if r.fail {
		return assert.AnError
	}
	return os.WriteFile(outputPath, []byte("raster"), 0644)
}

func TestRasteriseCachesResultForSameKey(t *testing.T) {
	tempMgr, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer tempMgr.Cleanup()

	rast := &fakeRasteriser{}
	mgr := NewRasterisationMgr(rast, tempMgr, nil)

	p1, err := mgr.Rasterise("a.shp", RasteriseOptions{Layer: "layer0"})
	require.NoError(t, err)
	p2, err := mgr.Rasterise("a.shp", RasteriseOptions{Layer: "layer0"})
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&rast.calls))
}

func TestRasteriseDistinguishesOptionsForSameVector(t *testing.T) {
	tempMgr, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer tempMgr.Cleanup()

	rast := &fakeRasteriser{}
	mgr := NewRasterisationMgr(rast, tempMgr, nil)

	burn := 1.0
	p1, err := mgr.Rasterise("a.shp", RasteriseOptions{})
	require.NoError(t, err)
	p2, err := mgr.Rasterise("a.shp", RasteriseOptions{BurnValue: &burn})
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.EqualValues(t, 2, atomic.LoadInt32(&rast.calls))
}

func TestRasteriseOnlyCallsRasteriserOnceUnderConcurrentCallers(t *testing.T) {
	tempMgr, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer tempMgr.Cleanup()

	rast := &fakeRasteriser{}
	mgr := NewRasterisationMgr(rast, tempMgr, nil)

	var wg sync.WaitGroup
	paths := make([]string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			p, err := mgr.Rasterise("shared.shp", RasteriseOptions{})
			require.NoError(t, err)
			paths[idx] = p
		}(i)
	}
	wg.Wait()

	for _, p := range paths {
		assert.Equal(t, paths[0], p)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&rast.calls))
}

func TestRasterisePropagatesRasteriserError(t *testing.T) {
	tempMgr, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer tempMgr.Cleanup()

	rast := &fakeRasteriser{fail: true}
	mgr := NewRasterisationMgr(rast, tempMgr, nil)

	_, err = mgr.Rasterise("a.shp", RasteriseOptions{})
	assert.Error(t, err)
}
