package computeworker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rios-go/rios/pkg/assoc"
	"github.com/rios-go/rios/pkg/block"
)

// fakeChannel is an in-memory RemoteChannel standing in for a dialed
// netchannel.Client: GetInit returns a fixed payload, PopNextBlock
// drains a pre-seeded queue, and every push is recorded for assertion.
type fakeChannel struct {
	mu sync.Mutex

	init   *InitPayload
	blocks []block.Defn

	inserted   []block.Defn
	outbound   []PostRunObject
	exceptions []*WorkerErrorRecord
	forceExit  bool
}

func (f *fakeChannel) GetInit() (*InitPayload, error) { return f.init, nil }

func (f *fakeChannel) PopNextBlock() (block.Defn, *assoc.BlockAssociations, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defn := f.blocks[0]
	f.blocks = f.blocks[1:]

	spec := assoc.NewFilenameAssociations()
	spec.Set("in", assoc.Single("in.tif"))
	ba := assoc.NewBlockAssociations(spec)
	ba.Set("in", -1, assoc.NewArray(1, defn.Nrows, defn.Ncols))
	return defn, ba, nil
}

func (f *fakeChannel) InsertCompleteBlock(defn block.Defn, ba *assoc.BlockAssociations) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, defn)
	return nil
}

func (f *fakeChannel) PushOutbound(obj PostRunObject) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbound = append(f.outbound, obj)
	return nil
}

func (f *fakeChannel) PushException(rec *WorkerErrorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exceptions = append(f.exceptions, rec)
	return nil
}

func (f *fakeChannel) CheckForceExit() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forceExit, nil
}

func (f *fakeChannel) BarrierWait() error { return nil }

func outputSpec() *assoc.FilenameAssociations {
	spec := assoc.NewFilenameAssociations()
	spec.Set("out", assoc.Single("out.tif"))
	return spec
}

func TestRunRemoteWorkerProcessesEverySublistBlock(t *testing.T) {
	sublist := []block.Defn{
		{Top: 0, Left: 0, Nrows: 4, Ncols: 4},
		{Top: 4, Left: 0, Nrows: 4, Ncols: 4},
	}
	ch := &fakeChannel{
		init: &InitPayload{
			FuncID:     "double",
			OutputSpec: outputSpec(),
			Sublists:   [][]block.Defn{sublist},
		},
		blocks: append([]block.Defn(nil), sublist...),
	}

	registry := NewFuncRegistry("")
	registry.Register("double", func(info *ReaderInfo, inputs, outputs *assoc.BlockAssociations, aux interface{}) error {
		in, err := inputs.Get("in", -1)
		require.NoError(t, err)
		out := assoc.NewArray(in.Bands, in.Rows, in.Cols)
		for i := range out.Data {
			out.Data[i] = in.Data[i] * 2
		}
		outputs.Set("out", -1, out)
		return nil
	})

	err := RunRemoteWorker(RemoteWorkerOptions{WorkerID: 0, Channel: ch, Registry: registry})
	require.NoError(t, err)

	assert.Len(t, ch.inserted, 2)
	assert.Equal(t, sublist, ch.inserted)
	require.Len(t, ch.outbound, 1)
	assert.Equal(t, 0, ch.outbound[0].WorkerID)
	assert.Empty(t, ch.exceptions)
}

func TestRunRemoteWorkerStopsOnForceExit(t *testing.T) {
	sublist := []block.Defn{
		{Top: 0, Left: 0, Nrows: 2, Ncols: 2},
		{Top: 2, Left: 0, Nrows: 2, Ncols: 2},
	}
	ch := &fakeChannel{
		init: &InitPayload{
			FuncID:     "noop",
			OutputSpec: outputSpec(),
			Sublists:   [][]block.Defn{sublist},
		},
		blocks:    append([]block.Defn(nil), sublist...),
		forceExit: true,
	}

	registry := NewFuncRegistry("")
	registry.Register("noop", func(info *ReaderInfo, inputs, outputs *assoc.BlockAssociations, aux interface{}) error {
		t.Fatal("user function should not run once force-exit is set")
		return nil
	})

	err := RunRemoteWorker(RemoteWorkerOptions{WorkerID: 0, Channel: ch, Registry: registry})
	require.NoError(t, err)
	assert.Empty(t, ch.inserted)
	assert.Empty(t, ch.outbound)
}

func TestRunRemoteWorkerRejectsUnknownFunc(t *testing.T) {
	ch := &fakeChannel{
		init: &InitPayload{FuncID: "missing", OutputSpec: outputSpec(), Sublists: [][]block.Defn{{}}},
	}
	registry := NewFuncRegistry("")

	err := RunRemoteWorker(RemoteWorkerOptions{WorkerID: 0, Channel: ch, Registry: registry})
	require.Error(t, err)
	assert.Len(t, ch.exceptions, 1)
}

func TestRunRemoteWorkerPropagatesUserFuncError(t *testing.T) {
	sublist := []block.Defn{{Top: 0, Left: 0, Nrows: 2, Ncols: 2}}
	ch := &fakeChannel{
		init: &InitPayload{
			FuncID:     "boom",
			OutputSpec: outputSpec(),
			Sublists:   [][]block.Defn{sublist},
		},
		blocks: append([]block.Defn(nil), sublist...),
	}

	registry := NewFuncRegistry("")
	boom := assert.AnError
	registry.Register("boom", func(info *ReaderInfo, inputs, outputs *assoc.BlockAssociations, aux interface{}) error {
		return boom
	})

	err := RunRemoteWorker(RemoteWorkerOptions{WorkerID: 0, Channel: ch, Registry: registry})
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	assert.Len(t, ch.exceptions, 1)
}
