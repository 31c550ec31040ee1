package netchannel

import (
	"sync"

	"github.com/rios-go/rios/pkg/rioserrors"
)

// Barrier is a cyclic-rendezvous-free, single-use barrier sized for
// exactly `parties` waiters (numWorkers + 1, the driver included). Wait
// blocks until every party has arrived, or Abort is called, in which
// case every blocked (and every subsequent) Wait returns the abort
// error immediately.
type Barrier struct {
	mu      sync.Mutex
	parties int
	arrived int
	ch      chan struct{}
	aborted bool
}

func NewBarrier(parties int) *Barrier {
	return &Barrier{parties: parties, ch: make(chan struct{})}
}

// Wait blocks until `parties` calls to Wait have been made, or Abort is
// called.
func (b *Barrier) Wait() error {
	b.mu.Lock()
	if b.aborted {
		b.mu.Unlock()
		return rioserrors.New(rioserrors.ProcessCancelled, "start barrier aborted")
	}
	b.arrived++
	last := b.arrived == b.parties
	ch := b.ch
	b.mu.Unlock()

	if last {
		close(ch)
		return nil
	}

	<-ch
	b.mu.Lock()
	aborted := b.aborted
	b.mu.Unlock()
	if aborted {
		return rioserrors.New(rioserrors.ProcessCancelled, "start barrier aborted")
	}
	return nil
}

// Abort releases every waiter (current and future) with an error,
// called by the driver as the first step of an error-triggered
// shutdown.
func (b *Barrier) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborted {
		return
	}
	b.aborted = true
	select {
	case <-b.ch:
		// already closed by the last arrival
	default:
		close(b.ch)
	}
}
