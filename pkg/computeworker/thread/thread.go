// Package thread implements the in-process compute-worker manager:
// workers are goroutines co-hosted in the driver process, sharing the
// BlockBuffer objects directly. No network channel is involved.
package thread

import (
	"context"
	"sync"
	"time"

	"github.com/rios-go/rios/pkg/blockbuffer"
	"github.com/rios-go/rios/pkg/computeworker"
	"github.com/rios-go/rios/pkg/logging"
)

// Manager co-hosts compute workers as goroutines sharing the driver's
// own BlockBuffer instances. Startup is lightweight: there is no start
// barrier, and every worker starts immediately since there is no
// remote connection latency to wait out.
type Manager struct {
	inBuf, outBuf *blockbuffer.Buffer
	popTimeout    time.Duration
	insertTimeout time.Duration
	registry      *computeworker.FuncRegistry
	log           *logging.Logger

	forceExit chan struct{}
	once      sync.Once

	wg      sync.WaitGroup
	errsMu  sync.Mutex
	errs    []*computeworker.WorkerErrorRecord
	postRun []computeworker.PostRunObject
	postMu  sync.Mutex
}

// New constructs a thread manager. inBuf may be nil if every worker
// reads its own data (ReadOwnData).
func New(inBuf, outBuf *blockbuffer.Buffer, popTimeout, insertTimeout time.Duration, registry *computeworker.FuncRegistry, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &Manager{
		inBuf: inBuf, outBuf: outBuf,
		popTimeout: popTimeout, insertTimeout: insertTimeout,
		registry: registry, log: log.WithComponent("computeworker.thread"),
		forceExit: make(chan struct{}),
	}
}

// StartWorkers launches numWorkers goroutines against a fixed
// partition of payload.Sublists; each runs the shared inner loop
// (computeworker.Loop).
func (m *Manager) StartWorkers(ctx context.Context, numWorkers int, payload *computeworker.InitPayload, barrierTimeout time.Duration) error {
	fn, err := m.registry.Resolve(payload.FuncID, payload.BuildHash)
	if err != nil {
		return err
	}

	totalBlocks := 0
	for _, sub := range payload.Sublists {
		totalBlocks += len(sub)
	}

	var source computeworker.BlockSource
	if !payload.ReadOwnData && m.inBuf != nil {
		source = computeworker.NewInOrderSource(m.inBuf, m.popTimeout)
	}

	for i := 0; i < numWorkers && i < len(payload.Sublists); i++ {
		i := i
		aux, err := computeworker.DeepCopyAux(payload.AuxTemplate)
		if err != nil {
			return err
		}
		loop := &computeworker.Loop{
			WorkerID:    i,
			Sublist:     payload.Sublists[i],
			Source:      source,
			InputSpec:   payload.InputSpec,
			OutputSpec:  payload.OutputSpec,
			OutputBuf:   m.outBuf,
			InsertTO:    m.insertTimeout,
			Fn:          fn,
			Aux:         aux,
			WorkingGrid: payload.WorkingGrid,
			TotalBlocks: totalBlocks,
			Log:         m.log,
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := loop.Run(ctx, m.forceExit); err != nil {
				rec := computeworker.RecordFromError(err, "compute", i)
				m.errsMu.Lock()
				m.errs = append(m.errs, rec)
				m.errsMu.Unlock()
				m.abort()
				return
			}
			m.postMu.Lock()
			m.postRun = append(m.postRun, computeworker.PostRunObject{WorkerID: i, Timers: loop.Timers, AuxResult: loop.Aux})
			m.postMu.Unlock()
		}()
	}
	return nil
}

func (m *Manager) abort() {
	m.once.Do(func() { close(m.forceExit) })
}

// Shutdown signals force-exit and waits for every worker goroutine to
// finish, then returns the collected post-run objects.
func (m *Manager) Shutdown(ctx context.Context) ([]computeworker.PostRunObject, error) {
	m.abort()
	m.wg.Wait()
	m.errsMu.Lock()
	errs := append([]*computeworker.WorkerErrorRecord(nil), m.errs...)
	m.errsMu.Unlock()
	if len(errs) > 0 {
		return m.postRun, errs[0]
	}
	return m.postRun, nil
}

func (m *Manager) Errors() []*computeworker.WorkerErrorRecord {
	m.errsMu.Lock()
	defer m.errsMu.Unlock()
	return append([]*computeworker.WorkerErrorRecord(nil), m.errs...)
}

var _ computeworker.Manager = (*Manager)(nil)
