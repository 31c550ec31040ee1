package thread

import (
	"context"
	"encoding/gob"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rios-go/rios/pkg/assoc"
	"github.com/rios-go/rios/pkg/block"
	"github.com/rios-go/rios/pkg/blockbuffer"
	"github.com/rios-go/rios/pkg/computeworker"
)

// counterAux is a mutable per-worker accumulator used to confirm
// StartWorkers gives each goroutine its own aux copy instead of
// aliasing a single shared template.
type counterAux struct {
	Count int
}

func init() {
	gob.Register(&counterAux{})
}

func inputSpec() *assoc.FilenameAssociations {
	spec := assoc.NewFilenameAssociations()
	spec.Set("in", assoc.Single("in.tif"))
	return spec
}

func outputSpec() *assoc.FilenameAssociations {
	spec := assoc.NewFilenameAssociations()
	spec.Set("out", assoc.Single("out.tif"))
	return spec
}

func TestStartWorkersProcessesEveryBlock(t *testing.T) {
	inBuf := blockbuffer.New(4, nil)
	outBuf := blockbuffer.New(4, nil)

	sublist := []block.Defn{
		{Top: 0, Left: 0, Nrows: 2, Ncols: 2},
		{Top: 2, Left: 0, Nrows: 2, Ncols: 2},
	}
	for _, d := range sublist {
		require.NoError(t, inBuf.AddBlockData(context.Background(), d, inputSpec(), "in", -1, assoc.NewArray(1, d.Nrows, d.Ncols), time.Second))
	}

	registry := computeworker.NewFuncRegistry("")
	registry.Register("double", func(info *computeworker.ReaderInfo, inputs, outputs *assoc.BlockAssociations, aux interface{}) error {
		in, err := inputs.Get("in", -1)
		if err != nil {
			return err
		}
		out := assoc.NewArray(in.Bands, in.Rows, in.Cols)
		outputs.Set("out", -1, out)
		return nil
	})

	m := New(inBuf, outBuf, time.Second, time.Second, registry, nil)
	payload := &computeworker.InitPayload{
		FuncID:     "double",
		InputSpec:  inputSpec(),
		OutputSpec: outputSpec(),
		Sublists:   [][]block.Defn{sublist},
	}
	require.NoError(t, m.StartWorkers(context.Background(), 1, payload, time.Second))

	objs, err := m.Shutdown(context.Background())
	require.NoError(t, err)
	assert.Len(t, objs, 1)
	assert.Equal(t, 2, outBuf.Len())
	assert.Empty(t, m.Errors())
	require.NotNil(t, objs[0].Timers, "thread workers must report timers the same way remote workers do")
	assert.Contains(t, objs[0].Timers.Names(), "userfunc")
}

func TestStartWorkersRejectsUnknownFunc(t *testing.T) {
	inBuf := blockbuffer.New(4, nil)
	outBuf := blockbuffer.New(4, nil)
	registry := computeworker.NewFuncRegistry("")

	m := New(inBuf, outBuf, time.Second, time.Second, registry, nil)
	err := m.StartWorkers(context.Background(), 1, &computeworker.InitPayload{FuncID: "missing"}, time.Second)
	assert.Error(t, err)
}

func TestShutdownSurfacesWorkerError(t *testing.T) {
	inBuf := blockbuffer.New(4, nil)
	outBuf := blockbuffer.New(4, nil)
	sublist := []block.Defn{{Top: 0, Left: 0, Nrows: 1, Ncols: 1}}
	require.NoError(t, inBuf.AddBlockData(context.Background(), sublist[0], inputSpec(), "in", -1, assoc.NewArray(1, 1, 1), time.Second))

	registry := computeworker.NewFuncRegistry("")
	boom := assert.AnError
	registry.Register("boom", func(info *computeworker.ReaderInfo, inputs, outputs *assoc.BlockAssociations, aux interface{}) error {
		return boom
	})

	m := New(inBuf, outBuf, time.Second, time.Second, registry, nil)
	payload := &computeworker.InitPayload{
		FuncID:     "boom",
		InputSpec:  inputSpec(),
		OutputSpec: outputSpec(),
		Sublists:   [][]block.Defn{sublist},
	}
	require.NoError(t, m.StartWorkers(context.Background(), 1, payload, time.Second))

	_, err := m.Shutdown(context.Background())
	require.Error(t, err)
	assert.Len(t, m.Errors(), 1)
}

func TestStartWorkersGivesEachWorkerAnIndependentAuxCopy(t *testing.T) {
	inBuf := blockbuffer.New(4, nil)
	outBuf := blockbuffer.New(4, nil)
	sublists := [][]block.Defn{
		{{Top: 0, Left: 0, Nrows: 1, Ncols: 1}},
		{{Top: 1, Left: 0, Nrows: 1, Ncols: 1}},
	}
	for _, sub := range sublists {
		for _, d := range sub {
			require.NoError(t, inBuf.AddBlockData(context.Background(), d, inputSpec(), "in", -1, assoc.NewArray(1, 1, 1), time.Second))
		}
	}

	registry := computeworker.NewFuncRegistry("")
	registry.Register("count", func(info *computeworker.ReaderInfo, inputs, outputs *assoc.BlockAssociations, aux interface{}) error {
		c := aux.(*counterAux)
		c.Count++
		out := assoc.NewArray(1, 1, 1)
		outputs.Set("out", -1, out)
		return nil
	})

	m := New(inBuf, outBuf, time.Second, time.Second, registry, nil)
	payload := &computeworker.InitPayload{
		FuncID:      "count",
		InputSpec:   inputSpec(),
		OutputSpec:  outputSpec(),
		Sublists:    sublists,
		AuxTemplate: &counterAux{Count: 0},
	}
	require.NoError(t, m.StartWorkers(context.Background(), 2, payload, time.Second))

	objs, err := m.Shutdown(context.Background())
	require.NoError(t, err)
	require.Len(t, objs, 2)
	for _, obj := range objs {
		c := obj.AuxResult.(*counterAux)
		assert.Equal(t, 1, c.Count, "each worker's aux copy should only reflect its own one increment")
	}
}
