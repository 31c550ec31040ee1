// Package readworker implements the read-worker pool that fills the
// input BlockBuffer by reading one (block, input-slot) at a time
// through a Raster Driver.
package readworker

import (
	"context"
	"sync"
	"time"

	"github.com/rios-go/rios/pkg/assoc"
	"github.com/rios-go/rios/pkg/block"
	"github.com/rios-go/rios/pkg/blockbuffer"
	"github.com/rios-go/rios/pkg/logging"
	"github.com/rios-go/rios/pkg/rioserrors"
)

// Driver is the external raster-I/O collaborator: open a handle once
// per worker (handles are never shared across workers) and read one
// input slot for one block.
type Driver interface {
	// OpenHandle returns a handle for filename, owned exclusively by
	// the calling worker.
	OpenHandle(filename string) (Handle, error)
}

// Handle reads a block's worth of data from one opened input.
type Handle interface {
	ReadBlock(defn block.Defn) (*assoc.Array, error)
	Close() error
}

// Task is one (block, input-slot) unit of read work.
type Task struct {
	Defn     block.Defn
	Name     string
	SeqNum   int
	Filename string
}

// Pool consumes tasks from a shared, pre-generated queue and writes
// results into the input BlockBuffer via AddBlockData. NumWorkers == 0
// means inline reading in the driver's own goroutine (no pool started).
type Pool struct {
	numWorkers  int
	driver      Driver
	spec        *assoc.FilenameAssociations
	buffer      *blockbuffer.Buffer
	insertTO    time.Duration
	log         *logging.Logger

	tasks    chan Task
	forceErr chan *rioserrors.RiosError
	wg       sync.WaitGroup
}

// New constructs a Pool. Call Start to launch numWorkers goroutines (or
// run ReadInline if numWorkers == 0).
func New(numWorkers int, driver Driver, spec *assoc.FilenameAssociations, buffer *blockbuffer.Buffer, insertTimeout time.Duration, log *logging.Logger) *Pool {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &Pool{
		numWorkers: numWorkers,
		driver:     driver,
		spec:       spec,
		buffer:     buffer,
		insertTO:   insertTimeout,
		log:        log.WithComponent("readworker"),
		forceErr:   make(chan *rioserrors.RiosError, 1),
	}
}

// GenerateTasks builds the full, up-front task list for a block list:
// every (block, input-slot) combination, generated once for the whole
// run.
func GenerateTasks(blocks block.List, spec *assoc.FilenameAssociations) []Task {
	var tasks []Task
	for _, defn := range blocks {
		for _, item := range spec.Iterate() {
			tasks = append(tasks, Task{Defn: defn, Name: item.Name, SeqNum: item.SeqNum, Filename: item.Filename})
		}
	}
	return tasks
}

// Start launches numWorkers goroutines consuming tasks, and returns
// immediately; call Wait to block until the queue drains or force-exit
// fires.
func (p *Pool) Start(ctx context.Context, tasks []Task, forceExit <-chan struct{}) {
	p.tasks = make(chan Task, len(tasks))
	for _, t := range tasks {
		p.tasks <- t
	}
	close(p.tasks)

	if p.numWorkers <= 0 {
		return
	}

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i, forceExit)
	}
}

func (p *Pool) runWorker(ctx context.Context, id int, forceExit <-chan struct{}) {
	defer p.wg.Done()
	log := p.log.WithWorker("read", id)
	handles := make(map[string]Handle)
	defer func() {
		for _, h := range handles {
			h.Close()
		}
	}()

	for {
		select {
		case <-forceExit:
			log.Info("force-exit observed, stopping")
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			if err := p.runTask(ctx, handles, task); err != nil {
				classified := rioserrors.NewClassifier("readworker").Classify(err, "read block")
				select {
				case p.forceErr <- classified:
				default:
				}
				log.Errorf("read task failed: %v", classified)
				return
			}
		}
	}
}

func (p *Pool) runTask(ctx context.Context, handles map[string]Handle, task Task) error {
	h, ok := handles[task.Filename]
	if !ok {
		var err error
		h, err = p.driver.OpenHandle(task.Filename)
		if err != nil {
			return rioserrors.Wrap(rioserrors.FileOpen, "failed to open "+task.Filename, err, nil)
		}
		handles[task.Filename] = h
	}

	arr, err := h.ReadBlock(task.Defn)
	if err != nil {
		return err
	}

	return p.buffer.AddBlockData(ctx, task.Defn, p.spec, task.Name, task.SeqNum, arr, p.insertTO)
}

// ReadInline performs all reads synchronously in the caller's goroutine,
// for the numReadWorkers == 0 configuration.
func (p *Pool) ReadInline(ctx context.Context, tasks []Task) error {
	handles := make(map[string]Handle)
	defer func() {
		for _, h := range handles {
			h.Close()
		}
	}()
	for _, t := range tasks {
		if err := p.runTask(ctx, handles, t); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until all started workers have exited.
func (p *Pool) Wait() { p.wg.Wait() }

// Err returns the first worker error, if any, non-blocking.
func (p *Pool) Err() *rioserrors.RiosError {
	select {
	case e := <-p.forceErr:
		return e
	default:
		return nil
	}
}
